package rop_test

import (
	"testing"

	"github.com/benbjohnson/rop"
	"github.com/google/go-cmp/cmp"
)

func TestNewCmpCond(t *testing.T) {
	r0 := rop.NewRegExpr(rop.Reg{ID: 0}, 32)

	t.Run("Constant", func(t *testing.T) {
		if c := rop.NewCmpCond(rop.ULT, rop.NewConstantExpr(1, 32), rop.NewConstantExpr(2, 32)); c != rop.Cond(rop.CondTrue) {
			t.Fatalf("unexpected condition: %s", c)
		} else if c := rop.NewCmpCond(rop.UGT, rop.NewConstantExpr(1, 32), rop.NewConstantExpr(2, 32)); c != rop.Cond(rop.CondFalse) {
			t.Fatalf("unexpected condition: %s", c)
		}
	})

	t.Run("Reflexive", func(t *testing.T) {
		if c := rop.NewCmpCond(rop.ULE, r0, r0); c != rop.Cond(rop.CondTrue) {
			t.Fatalf("unexpected condition: %s", c)
		} else if c := rop.NewCmpCond(rop.NE, r0, r0); c != rop.Cond(rop.CondFalse) {
			t.Fatalf("unexpected condition: %s", c)
		}
	})

	t.Run("ConstantRHS", func(t *testing.T) {
		c := rop.NewCmpCond(rop.EQ, rop.NewConstantExpr(5, 32), r0)
		if diff := cmp.Diff(&rop.CmpCond{Op: rop.EQ, LHS: r0, RHS: rop.NewConstantExpr(5, 32)}, c); diff != "" {
			t.Fatal(diff)
		} else if got, want := c.String(), "(eq (reg r0_0 32) (const 0x5 32))"; got != want {
			t.Fatalf("String()=%s, expected %s", got, want)
		}
	})

	t.Run("ErrWidthMismatch", func(t *testing.T) {
		defer func() {
			if _, ok := recover().(*rop.MalformedExpressionError); !ok {
				t.Fatal("expected malformed expression panic")
			}
		}()
		rop.NewCmpCond(rop.EQ, r0, rop.NewConstantExpr(0, 8))
	})
}

func TestCompareOp_Negate(t *testing.T) {
	e := rop.NewExprEvaluator(nil, nil)
	for _, op := range []rop.CompareOp{rop.EQ, rop.NE, rop.UGT, rop.UGE, rop.ULT, rop.ULE} {
		if op.Negate().Negate() != op {
			t.Fatalf("%s: double negation", op)
		}
		for _, pair := range [][2]uint64{{1, 2}, {2, 2}, {3, 2}} {
			lhs, rhs := rop.NewConstantExpr(pair[0], 32), rop.NewConstantExpr(pair[1], 32)
			a, _ := e.EvaluateCond(&rop.CmpCond{Op: op, LHS: lhs, RHS: rhs})
			b, _ := e.EvaluateCond(&rop.CmpCond{Op: op.Negate(), LHS: lhs, RHS: rhs})
			if a == b {
				t.Fatalf("%s %v: negation agrees", op, pair)
			}
		}
	}
}

func TestNewAndCond(t *testing.T) {
	r0 := rop.NewRegExpr(rop.Reg{ID: 0}, 32)
	c := rop.NewCmpCond(rop.ULT, r0, rop.NewConstantExpr(8, 32))

	if got := rop.NewAndCond(c, rop.NewNotCond(c)); got != rop.Cond(rop.CondFalse) {
		t.Fatalf("unexpected conjunction: %s", got)
	} else if got := rop.NewOrCond(c, rop.NewNotCond(c)); got != rop.Cond(rop.CondTrue) {
		t.Fatalf("unexpected disjunction: %s", got)
	} else if got := rop.NewAndCond(c, rop.CondTrue); got != c {
		t.Fatalf("unexpected conjunction: %s", got)
	} else if got := rop.NewOrCond(c, c); got != c {
		t.Fatalf("unexpected disjunction: %s", got)
	} else if got := rop.NewNotCond(rop.NewNotCond(rop.NewValidReadCond(r0))); rop.CompareCond(got, rop.NewValidReadCond(r0)) != 0 {
		t.Fatalf("unexpected negation: %s", got)
	}
}

func TestClean(t *testing.T) {
	r0 := rop.NewRegExpr(rop.Reg{ID: 0}, 32)
	r1 := rop.NewRegExpr(rop.Reg{ID: 1}, 32)
	k := func(v uint64) rop.Expr { return rop.NewConstantExpr(v, 32) }
	add := func(a, b rop.Expr) rop.Expr { return &rop.BinaryExpr{Op: rop.ADD, LHS: a, RHS: b} }

	for _, tt := range []struct {
		name string
		cond rop.Cond
		want rop.Tri
	}{
		{"Const", rop.CondTrue, rop.TriTrue},
		{"DiffersOnlyInConst/EQ", &rop.CmpCond{Op: rop.EQ, LHS: add(r0, k(8)), RHS: r0}, rop.TriFalse},
		{"DiffersOnlyInConst/NE", &rop.CmpCond{Op: rop.NE, LHS: add(r0, k(8)), RHS: r0}, rop.TriTrue},
		{"DiffersOnlyInConst/ULT", &rop.CmpCond{Op: rop.ULT, LHS: add(r0, k(1)), RHS: add(r0, k(2))}, rop.TriUnknown},
		{"Cancel", &rop.CmpCond{Op: rop.EQ, LHS: &rop.BinaryExpr{Op: rop.SUB, LHS: add(r0, r1), RHS: r1}, RHS: r0}, rop.TriTrue},
		{"Commutative", &rop.CmpCond{Op: rop.UGE, LHS: add(r0, r1), RHS: add(r1, r0)}, rop.TriTrue},
		{"Unknown", &rop.CmpCond{Op: rop.EQ, LHS: r0, RHS: r1}, rop.TriUnknown},
		{"Mem", &rop.CmpCond{Op: rop.EQ, LHS: rop.NewMemExpr(add(r0, k(0)), 32), RHS: rop.NewMemExpr(r0, 32)}, rop.TriTrue},
		{"And", &rop.AndCond{LHS: &rop.CmpCond{Op: rop.EQ, LHS: r0, RHS: r1}, RHS: &rop.CmpCond{Op: rop.EQ, LHS: add(r0, k(1)), RHS: r0}}, rop.TriFalse},
		{"Or", &rop.OrCond{LHS: &rop.CmpCond{Op: rop.EQ, LHS: r0, RHS: r1}, RHS: &rop.CmpCond{Op: rop.NE, LHS: add(r0, k(1)), RHS: r0}}, rop.TriTrue},
		{"Not", &rop.NotCond{Cond: &rop.CmpCond{Op: rop.EQ, LHS: add(r0, k(4)), RHS: r0}}, rop.TriTrue},
		{"ValidRead", rop.NewValidReadCond(add(rop.NewRegExpr(rop.Reg{ID: 4}, 32), k(4))), rop.TriUnknown},
	} {
		t.Run(tt.name, func(t *testing.T) {
			c, tri := rop.Clean(tt.cond)
			if tri != tt.want {
				t.Fatalf("Clean(%s)=%s, expected %s", tt.cond, tri, tt.want)
			}
			switch tri {
			case rop.TriTrue:
				if c != rop.Cond(rop.CondTrue) {
					t.Fatalf("unexpected condition: %s", c)
				}
			case rop.TriFalse:
				if c != rop.Cond(rop.CondFalse) {
					t.Fatalf("unexpected condition: %s", c)
				}
			}
		})
	}

	// The residual of a partially known disjunction drops the false side.
	t.Run("Residual", func(t *testing.T) {
		unknown := &rop.CmpCond{Op: rop.EQ, LHS: r0, RHS: r1}
		c, tri := rop.Clean(&rop.OrCond{LHS: unknown, RHS: &rop.CmpCond{Op: rop.EQ, LHS: add(r0, k(1)), RHS: r0}})
		if tri != rop.TriUnknown {
			t.Fatalf("unexpected truth: %s", tri)
		} else if diff := cmp.Diff(rop.Cond(unknown), c); diff != "" {
			t.Fatal(diff)
		}
	})
}

func TestExprEvaluator_EvaluateCond(t *testing.T) {
	r0 := rop.NewRegExpr(rop.Reg{ID: 0}, 32)
	e := rop.NewExprEvaluator(map[uint32]uint64{0: 0x100}, nil)
	e.Store(0x100, rop.NewConstantExpr(0xDEADBEEF, 32))

	t.Run("ValidRead", func(t *testing.T) {
		if ok, err := e.EvaluateCond(rop.NewValidReadCond(r0)); err != nil {
			t.Fatal(err)
		} else if !ok {
			t.Fatal("expected mapped address")
		}

		addr := rop.NewBinaryExpr(rop.ADD, r0, rop.NewConstantExpr(0x1000, 32))
		if ok, err := e.EvaluateCond(rop.NewValidWriteCond(addr)); err != nil {
			t.Fatal(err)
		} else if ok {
			t.Fatal("expected unmapped address")
		}
	})

	t.Run("Load", func(t *testing.T) {
		c := rop.NewCmpCond(rop.EQ, rop.NewMemExpr(r0, 16), rop.NewConstantExpr(0xBEEF, 16))
		if ok, err := e.EvaluateCond(c); err != nil {
			t.Fatal(err)
		} else if !ok {
			t.Fatal("expected little-endian load")
		}
	})

	t.Run("ErrUnmapped", func(t *testing.T) {
		if _, err := e.Evaluate(rop.NewMemExpr(rop.NewConstantExpr(0x200, 32), 32)); err == nil {
			t.Fatal("expected error")
		}
	})
}

func TestCondRegs(t *testing.T) {
	r0 := rop.NewRegExpr(rop.Reg{ID: 0}, 32)
	r2 := rop.NewRegExpr(rop.Reg{ID: 2}, 32)
	c := rop.NewAndCond(
		rop.NewCmpCond(rop.ULT, r2, r0),
		rop.NewValidReadCond(rop.NewBinaryExpr(rop.ADD, r0, rop.NewConstantExpr(4, 32))),
	)
	if diff := cmp.Diff([]rop.Reg{{ID: 0}, {ID: 2}}, rop.CondRegs(c)); diff != "" {
		t.Fatal(diff)
	}
}
