package z3_test

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/rop"
	"github.com/benbjohnson/rop/z3"
)

func TestOracle_CheckSat(t *testing.T) {
	r0 := rop.NewRegExpr(rop.Reg{ID: 0}, 32)
	r1 := rop.NewRegExpr(rop.Reg{ID: 1}, 32)

	t.Run("Constant", func(t *testing.T) {
		t.Run("True", func(t *testing.T) {
			o := z3.NewOracle()
			defer MustCloseOracle(o)
			if result := MustCheckSat(o, rop.CondTrue); result != rop.Sat {
				t.Fatalf("unexpected result: %s", result)
			}
		})
		t.Run("False", func(t *testing.T) {
			o := z3.NewOracle()
			defer MustCloseOracle(o)
			if result := MustCheckSat(o, rop.CondFalse); result != rop.Unsat {
				t.Fatalf("unexpected result: %s", result)
			}
		})
	})

	t.Run("Compare", func(t *testing.T) {
		t.Run("EQ", func(t *testing.T) {
			o := z3.NewOracle()
			defer MustCloseOracle(o)
			c := rop.NewCmpCond(rop.EQ, r0, rop.NewConstantExpr(10, 32))
			if result := MustCheckSat(o, c); result != rop.Sat {
				t.Fatalf("unexpected result: %s", result)
			}
		})
		t.Run("Contradiction", func(t *testing.T) {
			o := z3.NewOracle()
			defer MustCloseOracle(o)
			c := rop.NewAndCond(
				rop.NewCmpCond(rop.ULT, r0, rop.NewConstantExpr(10, 32)),
				rop.NewCmpCond(rop.UGT, r0, rop.NewConstantExpr(20, 32)),
			)
			if result := MustCheckSat(o, c); result != rop.Unsat {
				t.Fatalf("unexpected result: %s", result)
			}
		})
	})

	t.Run("BinaryExpr", func(t *testing.T) {
		// (r0 + r1) - r1 != r0 has no model.
		t.Run("ADD", func(t *testing.T) {
			o := z3.NewOracle()
			defer MustCloseOracle(o)
			sum := &rop.BinaryExpr{Op: rop.ADD, LHS: r0, RHS: r1}
			diff := &rop.BinaryExpr{Op: rop.SUB, LHS: sum, RHS: r1}
			if result := MustCheckSat(o, rop.NewCmpCond(rop.NE, diff, r0)); result != rop.Unsat {
				t.Fatalf("unexpected result: %s", result)
			}
		})

		t.Run("XOR", func(t *testing.T) {
			o := z3.NewOracle()
			defer MustCloseOracle(o)
			x := &rop.BinaryExpr{Op: rop.XOR, LHS: r0, RHS: r1}
			if result := MustCheckSat(o, rop.NewCmpCond(rop.EQ, x, rop.NewConstantExpr(0, 32))); result != rop.Sat {
				t.Fatalf("unexpected result: %s", result)
			}
		})

		t.Run("SHL", func(t *testing.T) {
			o := z3.NewOracle()
			defer MustCloseOracle(o)
			shl := &rop.BinaryExpr{Op: rop.SHL, LHS: r0, RHS: rop.NewConstantExpr(1, 32)}
			mul := &rop.BinaryExpr{Op: rop.MUL, LHS: rop.NewConstantExpr(2, 32), RHS: r0}
			if result := MustCheckSat(o, rop.NewCmpCond(rop.NE, shl, mul)); result != rop.Unsat {
				t.Fatalf("unexpected result: %s", result)
			}
		})
	})

	t.Run("Memory", func(t *testing.T) {
		// Two reads of the same address are equal.
		t.Run("SameAddress", func(t *testing.T) {
			o := z3.NewOracle()
			defer MustCloseOracle(o)
			a := &rop.MemExpr{Addr: r0, Width: 32}
			b := &rop.MemExpr{Addr: r0, Width: 32}
			if result := MustCheckSat(o, rop.NewCmpCond(rop.NE, a, b)); result != rop.Unsat {
				t.Fatalf("unexpected result: %s", result)
			}
		})

		// The low byte of a word read is the byte read at the same address.
		t.Run("LittleEndian", func(t *testing.T) {
			o := z3.NewOracle()
			defer MustCloseOracle(o)
			word := &rop.ExtractExpr{Expr: &rop.MemExpr{Addr: r0, Width: 32}, High: 7, Low: 0}
			b := &rop.MemExpr{Addr: r0, Width: 8}
			if result := MustCheckSat(o, rop.NewCmpCond(rop.NE, word, b)); result != rop.Unsat {
				t.Fatalf("unexpected result: %s", result)
			}
		})
	})

	t.Run("Cast", func(t *testing.T) {
		t.Run("Unsigned", func(t *testing.T) {
			o := z3.NewOracle()
			defer MustCloseOracle(o)
			b := rop.NewRegExpr(rop.Reg{ID: 2}, 8)
			zext := &rop.CastExpr{Src: b, Width: 32}
			if result := MustCheckSat(o, rop.NewCmpCond(rop.UGT, zext, rop.NewConstantExpr(0xFF, 32))); result != rop.Unsat {
				t.Fatalf("unexpected result: %s", result)
			}
		})
		t.Run("Signed", func(t *testing.T) {
			o := z3.NewOracle()
			defer MustCloseOracle(o)
			b := rop.NewRegExpr(rop.Reg{ID: 2}, 8)
			sext := &rop.CastExpr{Src: b, Width: 32, Signed: true}
			if result := MustCheckSat(o, rop.NewCmpCond(rop.UGT, sext, rop.NewConstantExpr(0xFF, 32))); result != rop.Sat {
				t.Fatalf("unexpected result: %s", result)
			}
		})
	})

	t.Run("Ite", func(t *testing.T) {
		o := z3.NewOracle()
		defer MustCloseOracle(o)
		cond := rop.NewCmpCond(rop.EQ, r0, rop.NewConstantExpr(0, 32))
		ite := &rop.IteExpr{Cond: cond, Then: rop.NewConstantExpr(1, 32), Else: rop.NewConstantExpr(2, 32)}
		if result := MustCheckSat(o, rop.NewCmpCond(rop.EQ, ite, rop.NewConstantExpr(3, 32))); result != rop.Unsat {
			t.Fatalf("unexpected result: %s", result)
		}
	})

	t.Run("ValidRead", func(t *testing.T) {
		o := z3.NewOracle()
		defer MustCloseOracle(o)
		c := rop.NewNotCond(rop.NewValidReadCond(r0))
		if result := MustCheckSat(o, c); result != rop.Sat {
			t.Fatalf("unexpected result: %s", result)
		}
	})

	t.Run("Canceled", func(t *testing.T) {
		o := z3.NewOracle()
		defer MustCloseOracle(o)

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		if result, err := o.CheckSat(ctx, rop.CondTrue); err != rop.ErrOracleCanceled {
			t.Fatalf("unexpected error: %v", err)
		} else if result != rop.SatUnknown {
			t.Fatalf("unexpected result: %s", result)
		}
	})

	t.Run("Stats", func(t *testing.T) {
		o := z3.NewOracle()
		defer MustCloseOracle(o)
		MustCheckSat(o, rop.CondTrue)
		MustCheckSat(o, rop.CondFalse)
		if n := o.Stats().CheckN; n != 2 {
			t.Fatalf("unexpected check count: %d", n)
		}
	})
}

// Ensure the prover uses the oracle for conditions Clean cannot decide.
func TestProver_Hard(t *testing.T) {
	o := z3.NewOracle()
	defer MustCloseOracle(o)

	p := rop.NewProver(o)
	p.Timeout = 5 * time.Second

	r0 := rop.NewRegExpr(rop.Reg{ID: 0}, 32)
	x := &rop.BinaryExpr{Op: rop.XOR, LHS: r0, RHS: r0}
	c := rop.NewCmpCond(rop.EQ, x, rop.NewConstantExpr(0, 32))

	if !p.IsTrue(c, true) {
		t.Fatal("expected hard proof")
	}
	if p.IsTrue(rop.NewCmpCond(rop.EQ, r0, rop.NewConstantExpr(1, 32)), true) {
		t.Fatal("expected no proof")
	}
}

// MustCheckSat checks c without a deadline. Panic on error.
func MustCheckSat(o *z3.Oracle, c rop.Cond) rop.SatResult {
	result, err := o.CheckSat(context.Background(), c)
	if err != nil {
		panic(err)
	}
	return result
}

// MustCloseOracle closes o. Panic on error.
func MustCloseOracle(o *z3.Oracle) {
	if err := o.Close(); err != nil {
		panic(err)
	}
}
