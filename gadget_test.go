package rop_test

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/benbjohnson/rop"
	"github.com/google/go-cmp/cmp"
)

func TestNewGadget(t *testing.T) {
	t.Run("PopRet", func(t *testing.T) {
		g := PopRet(t, 0x1000, R0)
		if !g.HasStackDelta || g.StackDelta != 8 {
			t.Fatalf("unexpected stack delta: %d (%v)", g.StackDelta, g.HasStackDelta)
		} else if g.RetKind != rop.RetPlain || g.RetOffset != 4 {
			t.Fatalf("unexpected return: %s@%d", g.RetKind, g.RetOffset)
		} else if !g.IsChainable(Toy) {
			t.Fatal("expected chainable")
		} else if !g.Modifies(R0) || !g.Modifies(SP) || g.Modifies(IP) || g.Modifies(R1) {
			t.Fatal("unexpected modified registers")
		} else if g.NInstr != 2 {
			t.Fatalf("unexpected instruction count: %d", g.NInstr)
		}

		v, ok := g.Deps.Reg(R0)
		if !ok {
			t.Fatal("expected unconditional value")
		} else if diff := cmp.Diff(rop.NewMemExpr(Toy.Reg(SP), 32), v); diff != "" {
			t.Fatal(diff)
		}

		v, _ = g.Deps.Reg(SP)
		if diff := cmp.Diff(rop.NewBinaryExpr(rop.ADD, Toy.Word(8), Toy.Reg(SP)), v); diff != "" {
			t.Fatal(diff)
		}
	})

	t.Run("MovRet", func(t *testing.T) {
		g := MovRet(t, 0x1000, R1, R2)
		if g.StackDelta != 4 || g.RetKind != rop.RetPlain || g.RetOffset != 0 {
			t.Fatalf("unexpected gadget: delta=%d ret=%s@%d", g.StackDelta, g.RetKind, g.RetOffset)
		} else if v, ok := g.Deps.Reg(R1); !ok {
			t.Fatal("expected unconditional value")
		} else if diff := cmp.Diff(rop.Expr(Toy.Reg(R2)), v); diff != "" {
			t.Fatal(diff)
		} else if diff := cmp.Diff([]uint32{R2, SP}, g.ReadRegs()); diff != "" {
			t.Fatal(diff)
		}
	})

	t.Run("AddImm", func(t *testing.T) {
		g := MustGadget(t, 0x1000, "add r1, 4; ret", func(a *Asm) {
			a.AddImm(R1, 4)
			a.Ret()
		})
		if v, ok := g.Deps.Reg(R1); !ok {
			t.Fatal("expected unconditional value")
		} else if diff := cmp.Diff(rop.NewBinaryExpr(rop.ADD, Toy.Word(4), Toy.Reg(R1)), v); diff != "" {
			t.Fatal(diff)
		}
	})

	// Reading back a value just written must return exactly that value.
	t.Run("StoreLoad", func(t *testing.T) {
		g := MustGadget(t, 0x1000, "mov [r2], r1; mov r0, [r2]; ret", func(a *Asm) {
			a.StoreMem(R2, 0, R1)
			a.LoadMem(R0, R2, 0)
			a.Ret()
		})
		if v, ok := g.Deps.Reg(R0); !ok {
			t.Fatalf("expected unconditional value: %v", g.Deps.Regs[R0])
		} else if diff := cmp.Diff(rop.Expr(Toy.Reg(R1)), v); diff != "" {
			t.Fatal(diff)
		} else if g.RetKind != rop.RetPlain {
			t.Fatalf("unexpected return: %s", g.RetKind)
		}

		if len(g.Deps.Mem) != 1 {
			t.Fatalf("unexpected memory dependencies: %d", len(g.Deps.Mem))
		} else if m := g.Deps.Mem[0]; m.Width != 32 {
			t.Fatalf("unexpected width: %d", m.Width)
		} else if diff := cmp.Diff(rop.Expr(Toy.Reg(R2)), m.Addr); diff != "" {
			t.Fatal(diff)
		}
	})

	// A write overlapping half of a later read is spliced in little-endian order.
	t.Run("PartialOverlap", func(t *testing.T) {
		g := MustGadget(t, 0x1000, "mov [r2+2], r1; mov r0, [r2]; ret", func(a *Asm) {
			a.StoreMem(R2, 2, R1)
			a.LoadMem(R0, R2, 0)
			a.Ret()
		})
		v, ok := g.Deps.Reg(R0)
		if !ok {
			t.Fatalf("expected unconditional value: %v", g.Deps.Regs[R0])
		}

		e := rop.NewExprEvaluator(map[uint32]uint64{R1: 0xAABBCCDD, R2: 0x100}, nil)
		e.Store(0x100, rop.NewConstantExpr(0x44332211, 32))
		if got, err := e.Evaluate(v); err != nil {
			t.Fatal(err)
		} else if got.Uint64() != 0xCCDD2211 {
			t.Fatalf("unexpected value: %#x", got.Uint64())
		}
	})

	// A narrower store inside an earlier one replaces only its bytes.
	t.Run("OverlappingStore", func(t *testing.T) {
		g := MustGadget(t, 0x1000, "mov [r2], r1; mov byte [r2+1], r0; ret", func(a *Asm) {
			a.StoreMem(R2, 0, R1)
			a.StoreLow(R2, 1, R0, 1)
			a.Ret()
		})
		if len(g.Deps.Mem) != 2 {
			t.Fatalf("unexpected memory deps: %d", len(g.Deps.Mem))
		}

		e := rop.NewExprEvaluator(map[uint32]uint64{R0: 0xAB, R1: 0x11223344, R2: 0x100}, nil)
		for i, want := range []uint64{0x1122AB44, 0xAB} {
			m := g.Deps.Mem[i]
			if len(m.Deps) != 1 {
				t.Fatalf("%d: expected one alternative: %v", i, m.Deps)
			} else if _, tri := rop.Clean(m.Deps[0].Cond); tri != rop.TriTrue {
				t.Fatalf("%d: unexpected condition: %s", i, m.Deps[0].Cond)
			} else if got, err := e.Evaluate(m.Deps[0].Value); err != nil {
				t.Fatal(err)
			} else if got.Uint64() != want {
				t.Fatalf("%d: got %#x, expected %#x", i, got.Uint64(), want)
			}
		}
	})

	// A store through an unrelated register may or may not alias.
	t.Run("AliasedStore", func(t *testing.T) {
		g := MustGadget(t, 0x1000, "mov [r2], r1; mov [r3], r0; ret", func(a *Asm) {
			a.StoreMem(R2, 0, R1)
			a.StoreMem(R3, 0, R0)
			a.Ret()
		})
		if len(g.Deps.Mem) != 2 {
			t.Fatalf("unexpected memory deps: %d", len(g.Deps.Mem))
		} else if n := len(g.Deps.Mem[0].Deps); n < 2 {
			t.Fatalf("expected aliasing alternatives, got %d", n)
		} else if n := len(g.Deps.Mem[1].Deps); n != 1 {
			t.Fatalf("unexpected alternatives for the last store: %d", n)
		}
	})

	// Both outcomes of an internal branch are kept as separate alternatives.
	t.Run("Branch", func(t *testing.T) {
		g := MustGadget(t, 0x1000, "test r0; jnz L; mov r1, r2; jmp E; L: mov r1, r3; E: ret", func(a *Asm) {
			els, end := a.Label(), a.Label()
			a.Jcc(reg(R0), els)
			a.Mov(R1, R2)
			a.Jcc(imm(1), end)
			a.Mark(els)
			a.Mov(R1, R3)
			a.Mark(end)
			a.Ret()
		})

		deps := g.Deps.Regs[R1]
		if len(deps) != 2 {
			t.Fatalf("unexpected alternatives: %v", deps)
		} else if _, ok := g.Deps.Reg(R1); ok {
			t.Fatal("expected no unconditional value")
		} else if !g.IsChainable(Toy) {
			t.Fatal("expected chainable")
		}

		for _, tt := range []struct {
			r0   uint64
			want uint32
		}{{0, R2}, {5, R3}} {
			e := rop.NewExprEvaluator(map[uint32]uint64{R0: tt.r0, R1: 1, R2: 2, R3: 3}, nil)
			var n int
			for _, d := range deps {
				if ok, err := e.EvaluateCond(d.Cond); err != nil {
					t.Fatal(err)
				} else if !ok {
					continue
				}
				n++
				if diff := cmp.Diff(rop.Expr(Toy.Reg(tt.want)), d.Value); diff != "" {
					t.Fatalf("r0=%d: %s", tt.r0, diff)
				}
			}
			if n != 1 {
				t.Fatalf("r0=%d: %d alternatives hold", tt.r0, n)
			}
		}
	})

	t.Run("JmpReg", func(t *testing.T) {
		g := MustGadget(t, 0x1000, "mov r1, r2; jmp r3", func(a *Asm) {
			a.Mov(R1, R2)
			a.Jmp(R3)
		})
		if g.RetKind != rop.RetJmpReg || g.RetReg != R3 {
			t.Fatalf("unexpected return: %s r%d", g.RetKind, g.RetReg)
		} else if !g.HasStackDelta || g.StackDelta != 0 {
			t.Fatalf("unexpected stack delta: %d", g.StackDelta)
		} else if g.IsChainable(Toy) {
			t.Fatal("expected not chainable")
		}
	})

	t.Run("Syscall", func(t *testing.T) {
		g := MustGadget(t, 0x1000, "syscall", func(a *Asm) { a.Syscall() })
		if g.RetKind != rop.RetSyscall {
			t.Fatalf("unexpected return: %s", g.RetKind)
		}
	})

	t.Run("ValidityCond", func(t *testing.T) {
		if c := PopRet(t, 0x1000, R0).ValidityCond(Toy); c != rop.Cond(rop.CondTrue) {
			t.Fatalf("unexpected condition: %s", c)
		}

		g := MustGadget(t, 0x1000, "mov [r2], r1; ret", func(a *Asm) {
			a.StoreMem(R2, 0, R1)
			a.Ret()
		})
		if diff := cmp.Diff(rop.Cond(rop.NewValidWriteCond(Toy.Reg(R2))), g.ValidityCond(Toy)); diff != "" {
			t.Fatal(diff)
		}
	})

	t.Run("Dump", func(t *testing.T) {
		s := PopRet(t, 0x1000, R0).Dump(Toy)
		for _, want := range []string{"pop r0; ret", "stack delta: 8", "return: ret", "r0 <- "} {
			if !strings.Contains(s, want) {
				t.Fatalf("expected %q in:\n%s", want, s)
			}
		}
	})
}

// A store of w bytes at offset o followed by a word load from the base
// yields the original bytes with the stored bytes in place.
func TestNewGadget_StoreLoad(t *testing.T) {
	const (
		orig  = 0x44332211
		value = 0xAABBCCDD
	)
	for _, w := range []uint{1, 2, 4} {
		for o := uint(0); o <= 4-w; o++ {
			t.Run(fmt.Sprintf("W%d/O%d", w, o), func(t *testing.T) {
				g := MustGadget(t, 0x1000, fmt.Sprintf("store%d [r2+%d], r1; mov r0, [r2]; ret", w, o), func(a *Asm) {
					a.StoreLow(R2, uint64(o), R1, w)
					a.LoadMem(R0, R2, 0)
					a.Ret()
				})
				v, ok := g.Deps.Reg(R0)
				if !ok {
					t.Fatalf("expected unconditional value: %v", g.Deps.Regs[R0])
				}

				mask := uint64(1)<<(8*w) - 1
				want := orig&^(mask<<(8*o)) | (value&mask)<<(8*o)

				e := rop.NewExprEvaluator(map[uint32]uint64{R1: value, R2: 0x100}, nil)
				e.Store(0x100, rop.NewConstantExpr(orig, 32))
				if got, err := e.Evaluate(v); err != nil {
					t.Fatal(err)
				} else if got.Uint64() != want {
					t.Fatalf("got %#x, expected %#x", got.Uint64(), want)
				}
			})
		}
	}
}

func TestNewGadget_Unsupported(t *testing.T) {
	for _, tt := range []struct {
		name   string
		reason string
		fn     func(a *Asm)
	}{
		{"Empty", rop.ReasonEmpty, func(a *Asm) {}},
		{"Instruction", rop.ReasonInstruction, func(a *Asm) {
			a.Emit(rop.OpUnknown, rop.Operand{}, rop.Operand{}, rop.Operand{})
		}},
		{"JumpBackward", rop.ReasonJumpBackward, func(a *Asm) {
			l := a.Label()
			a.Mark(l)
			a.Jcc(reg(R0), l)
			a.Ret()
		}},
		{"JumpInside", rop.ReasonJumpInside, func(a *Asm) {
			a.Jcc(reg(R0), rop.ImmOp(0x1001, 32))
			a.Ret()
		}},
		{"Trailing", rop.ReasonTrailing, func(a *Asm) {
			a.Syscall()
			a.Ret()
		}},
	} {
		t.Run(tt.name, func(t *testing.T) {
			_, err := rop.NewGadget(Toy, Translate(0x1000, "gadget", tt.fn), []byte("gadget"), 0x1000)
			var uerr *rop.UnsupportedGadgetError
			if !errors.As(err, &uerr) {
				t.Fatalf("unexpected error: %v", err)
			} else if uerr.Reason != tt.reason {
				t.Fatalf("unexpected reason: %s", uerr.Reason)
			} else if rop.SkipReason(err) != tt.reason {
				t.Fatalf("unexpected skip reason: %s", rop.SkipReason(err))
			}
		})
	}
}

func TestExtractGadget_ErrNoTranslator(t *testing.T) {
	if _, err := rop.ExtractGadget(Toy, nil, []byte{0xc3}, 0x1000); err != rop.ErrNoTranslator {
		t.Fatalf("unexpected error: %v", err)
	}
}
