package rop

import (
	"github.com/holiman/uint256"
)

// maxSimplifyPasses bounds the number of rebuild passes in Simplify.
const maxSimplifyPasses = 32

// Simplify repeatedly rebuilds expr through the smart constructors until it no
// longer changes. Affine sub-expressions over entry registers are rewritten to
// a canonical sum so that structurally different but equal forms compare equal.
func Simplify(expr Expr) Expr {
	for i := 0; i < maxSimplifyPasses; i++ {
		other := RewriteExpr(expr, canonicalLinear)
		if CompareExpr(expr, other) == 0 {
			return other
		}
		expr = other
	}
	return expr
}

// SimplifyCond simplifies every expression nested in c.
func SimplifyCond(c Cond) Cond {
	for i := 0; i < maxSimplifyPasses; i++ {
		other := RewriteCond(c, canonicalLinear)
		if CompareCond(c, other) == 0 {
			return other
		}
		c = other
	}
	return c
}

// canonicalLinear returns the canonical sum for an affine expression or nil if
// expr is a leaf or not affine over same-width entry registers.
func canonicalLinear(expr Expr) Expr {
	switch expr.(type) {
	case *ConstantExpr, *RegExpr, *MemExpr, *IteExpr, *ConcatExpr, *CastExpr:
		return nil
	}

	w := ExprWidth(expr)
	widths := make(map[uint32]uint)
	uniform := true
	WalkExpr(exprVisitorFunc(func(e Expr) bool {
		if e, ok := e.(*RegExpr); ok {
			widths[e.Reg.ID] = e.Width
			if e.Width != w {
				uniform = false
			}
		}
		return uniform
	}), expr)
	if !uniform {
		return nil
	}

	f, ok := ToLinearForm(expr, 0)
	if !ok {
		return nil
	}
	return f.expr(w)
}

// expr builds the canonical expression for the form: the constant term plus
// register terms in ascending id order.
func (f *LinearForm) expr(width uint) Expr {
	var sum Expr
	for id := range f.Coeffs {
		c := &f.Coeffs[id]
		if c.IsZero() {
			continue
		}

		var term Expr = NewRegExpr(Reg{ID: uint32(id)}, width)
		if !(c.IsUint64() && c.Uint64() == 1) {
			term = NewBinaryExpr(MUL, NewConstantExprInt(c, width), term)
		}

		if sum == nil {
			sum = term
		} else {
			sum = NewBinaryExpr(ADD, sum, term)
		}
	}

	k := NewConstantExprInt(new(uint256.Int).Set(&f.Const), width)
	if sum == nil {
		return k
	}
	return NewBinaryExpr(ADD, k, sum)
}
