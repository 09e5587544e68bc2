package rop_test

import (
	"math/rand"
	"testing"

	"github.com/benbjohnson/rop"
	"github.com/google/go-cmp/cmp"
)

func TestSimplify(t *testing.T) {
	r0 := rop.NewRegExpr(rop.Reg{ID: 0}, 32)
	r1 := rop.NewRegExpr(rop.Reg{ID: 1}, 32)

	t.Run("Cancel", func(t *testing.T) {
		expr := &rop.BinaryExpr{Op: rop.SUB, LHS: &rop.BinaryExpr{Op: rop.ADD, LHS: r0, RHS: r1}, RHS: r0}
		if diff := cmp.Diff(r1, rop.Simplify(expr)); diff != "" {
			t.Fatal(diff)
		}
	})

	t.Run("Commutative", func(t *testing.T) {
		a := rop.Simplify(&rop.BinaryExpr{Op: rop.ADD, LHS: r1, RHS: r0})
		b := rop.Simplify(&rop.BinaryExpr{Op: rop.ADD, LHS: r0, RHS: r1})
		if diff := cmp.Diff(&rop.BinaryExpr{Op: rop.ADD, LHS: r0, RHS: r1}, a); diff != "" {
			t.Fatal(diff)
		} else if diff := cmp.Diff(a, b); diff != "" {
			t.Fatal(diff)
		}
	})

	t.Run("Scale", func(t *testing.T) {
		// (r0 << 1) + r0 == 3*r0
		expr := &rop.BinaryExpr{Op: rop.ADD, LHS: &rop.BinaryExpr{Op: rop.SHL, LHS: r0, RHS: rop.NewConstantExpr(1, 32)}, RHS: r0}
		if diff := cmp.Diff(
			&rop.BinaryExpr{Op: rop.MUL, LHS: rop.NewConstantExpr(3, 32), RHS: r0},
			rop.Simplify(expr),
		); diff != "" {
			t.Fatal(diff)
		}
	})

	t.Run("Not", func(t *testing.T) {
		// ~r0 + r0 == -1
		expr := &rop.BinaryExpr{Op: rop.ADD, LHS: &rop.NotExpr{Expr: r0}, RHS: r0}
		if diff := cmp.Diff(rop.NewConstantExpr(0xFFFFFFFF, 32), rop.Simplify(expr)); diff != "" {
			t.Fatal(diff)
		}
	})

	t.Run("MemAddr", func(t *testing.T) {
		expr := rop.NewMemExpr(&rop.BinaryExpr{Op: rop.SUB, LHS: &rop.BinaryExpr{Op: rop.ADD, LHS: r1, RHS: rop.NewConstantExpr(8, 32)}, RHS: rop.NewConstantExpr(4, 32)}, 32)
		if diff := cmp.Diff(
			rop.NewMemExpr(&rop.BinaryExpr{Op: rop.ADD, LHS: rop.NewConstantExpr(4, 32), RHS: r1}, 32),
			rop.Simplify(expr),
		); diff != "" {
			t.Fatal(diff)
		}
	})

	t.Run("Idempotent", func(t *testing.T) {
		for i, expr := range simplifyExprs() {
			once := rop.Simplify(expr)
			if diff := cmp.Diff(once, rop.Simplify(once)); diff != "" {
				t.Fatalf("%d: %s", i, diff)
			}
		}
	})

	t.Run("Width", func(t *testing.T) {
		for i, expr := range simplifyExprs() {
			if got, want := rop.ExprWidth(rop.Simplify(expr)), rop.ExprWidth(expr); got != want {
				t.Fatalf("%d: width=%d, expected %d", i, got, want)
			}
		}
	})

	// Simplified expressions must evaluate to the same value as the original.
	t.Run("Equivalent", func(t *testing.T) {
		rand := rand.New(rand.NewSource(0))
		for n := 0; n < 100; n++ {
			regs := map[uint32]uint64{0: rand.Uint64(), 1: rand.Uint64(), 2: rand.Uint64()}
			for i, expr := range simplifyExprs() {
				e := rop.NewExprEvaluator(regs, nil)
				want, err := e.Evaluate(expr)
				if err != nil {
					t.Fatal(err)
				}
				got, err := e.Evaluate(rop.Simplify(expr))
				if err != nil {
					t.Fatal(err)
				}
				if diff := cmp.Diff(want, got); diff != "" {
					t.Fatalf("%d: %s", i, diff)
				}
			}
		}
	})
}

// simplifyExprs returns raw expressions built without folding.
func simplifyExprs() []rop.Expr {
	r0 := rop.NewRegExpr(rop.Reg{ID: 0}, 32)
	r1 := rop.NewRegExpr(rop.Reg{ID: 1}, 32)
	r2 := rop.NewRegExpr(rop.Reg{ID: 2}, 64)
	k := func(v uint64) rop.Expr { return rop.NewConstantExpr(v, 32) }

	return []rop.Expr{
		&rop.BinaryExpr{Op: rop.ADD, LHS: r0, RHS: k(0)},
		&rop.BinaryExpr{Op: rop.SUB, LHS: &rop.BinaryExpr{Op: rop.ADD, LHS: r0, RHS: r1}, RHS: r0},
		&rop.BinaryExpr{Op: rop.ADD, LHS: &rop.BinaryExpr{Op: rop.MUL, LHS: k(3), RHS: r0}, RHS: &rop.BinaryExpr{Op: rop.SUB, LHS: r1, RHS: r0}},
		&rop.BinaryExpr{Op: rop.SUB, LHS: k(4), RHS: &rop.NotExpr{Expr: r1}},
		&rop.BinaryExpr{Op: rop.SHL, LHS: &rop.BinaryExpr{Op: rop.ADD, LHS: r0, RHS: k(1)}, RHS: k(2)},
		&rop.BinaryExpr{Op: rop.XOR, LHS: &rop.BinaryExpr{Op: rop.ADD, LHS: r0, RHS: r1}, RHS: r1},
		&rop.BinaryExpr{Op: rop.AND, LHS: r0, RHS: k(0xFF)},
		&rop.ExtractExpr{Expr: &rop.BinaryExpr{Op: rop.ADD, LHS: r2, RHS: rop.NewConstantExpr(0x100000000, 64)}, High: 31, Low: 0},
		&rop.BinaryExpr{Op: rop.ADD, LHS: &rop.ExtractExpr{Expr: r2, High: 31, Low: 0}, RHS: r0},
		&rop.ConcatExpr{MSB: &rop.BinaryExpr{Op: rop.SUB, LHS: r0, RHS: r0}, LSB: r1},
		&rop.IteExpr{
			Cond: &rop.CmpCond{Op: rop.ULT, LHS: r0, RHS: r1},
			Then: &rop.BinaryExpr{Op: rop.ADD, LHS: r0, RHS: k(1)},
			Else: &rop.BinaryExpr{Op: rop.SUB, LHS: r1, RHS: k(1)},
		},
	}
}

func TestToLinearForm(t *testing.T) {
	r0 := rop.NewRegExpr(rop.Reg{ID: 0}, 32)
	r1 := rop.NewRegExpr(rop.Reg{ID: 1}, 32)

	t.Run("Affine", func(t *testing.T) {
		expr := &rop.BinaryExpr{Op: rop.ADD, LHS: &rop.BinaryExpr{Op: rop.MUL, LHS: rop.NewConstantExpr(2, 32), RHS: r1}, RHS: rop.NewConstantExpr(5, 32)}
		f, ok := rop.ToLinearForm(expr, 4)
		if !ok {
			t.Fatal("expected linear form")
		} else if len(f.Coeffs) != 4 {
			t.Fatalf("unexpected coefficient count: %d", len(f.Coeffs))
		} else if f.Coeffs[1].Uint64() != 2 || !f.Coeffs[0].IsZero() {
			t.Fatalf("unexpected coefficients: %v", f.Coeffs)
		} else if f.Const.Uint64() != 5 {
			t.Fatalf("unexpected constant: %s", f.Const.Hex())
		}

		if v := f.Eval(map[uint32]uint64{1: 10}); v.Uint64() != 25 {
			t.Fatalf("unexpected value: %d", v.Uint64())
		}
	})

	t.Run("SingleReg", func(t *testing.T) {
		f, ok := rop.ToLinearForm(&rop.BinaryExpr{Op: rop.ADD, LHS: rop.NewConstantExpr(8, 32), RHS: r0}, 0)
		if !ok {
			t.Fatal("expected linear form")
		} else if id, ok := f.SingleReg(); !ok || id != 0 {
			t.Fatalf("unexpected single reg: %d, %v", id, ok)
		}
	})

	t.Run("NonLinear", func(t *testing.T) {
		if _, ok := rop.ToLinearForm(&rop.BinaryExpr{Op: rop.MUL, LHS: r0, RHS: r1}, 0); ok {
			t.Fatal("expected non-linear")
		} else if _, ok := rop.ToLinearForm(rop.NewMemExpr(r0, 32), 0); ok {
			t.Fatal("expected non-linear")
		}
	})

	t.Run("Version", func(t *testing.T) {
		if _, ok := rop.ToLinearForm(rop.NewRegExpr(rop.Reg{ID: 0, Version: 1}, 32), 0); ok {
			t.Fatal("expected rejection of later version")
		}
	})

	t.Run("RegOutOfRange", func(t *testing.T) {
		if _, ok := rop.ToLinearForm(r1, 1); ok {
			t.Fatal("expected rejection of register id")
		}
	})

	t.Run("DiffersOnlyInConst", func(t *testing.T) {
		a, _ := rop.ToLinearForm(&rop.BinaryExpr{Op: rop.ADD, LHS: rop.NewConstantExpr(8, 32), RHS: r0}, 0)
		b, _ := rop.ToLinearForm(r0, 0)
		if !a.DiffersOnlyInConst(b) {
			t.Fatal("expected same register terms")
		} else if a.Equal(b) {
			t.Fatal("expected different forms")
		}
	})
}
