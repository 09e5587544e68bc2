package rop

import (
	"github.com/holiman/uint256"
)

// LinearForm represents an affine combination of entry-version registers:
// sum(Coeffs[id] * reg[id]) + Const, modulo 2^Width.
type LinearForm struct {
	Width  uint
	Coeffs []uint256.Int // indexed by register id
	Const  uint256.Int
}

// ToLinearForm attempts to express expr as a linear form over version-zero
// registers. If nregs is positive, registers with larger ids are rejected and
// the coefficient vector has exactly nregs entries; otherwise the vector grows
// to the largest referenced id. Returns false if expr is not affine.
func ToLinearForm(expr Expr, nregs int) (*LinearForm, bool) {
	f, ok := linearForm(expr, nregs)
	if !ok {
		return nil, false
	}
	if nregs > 0 && len(f.Coeffs) < nregs {
		f.grow(nregs)
	}
	f.normalize()
	return f, true
}

func linearForm(expr Expr, nregs int) (*LinearForm, bool) {
	w := ExprWidth(expr)

	switch expr := expr.(type) {
	case *ConstantExpr:
		f := &LinearForm{Width: w}
		f.Const.Set(&expr.Value)
		return f, true

	case *RegExpr:
		if expr.Reg.Version != 0 || (nregs > 0 && int(expr.Reg.ID) >= nregs) {
			return nil, false
		}
		f := &LinearForm{Width: w}
		f.grow(int(expr.Reg.ID) + 1)
		f.Coeffs[expr.Reg.ID].SetOne()
		return f, true

	case *BinaryExpr:
		lhs, ok := linearForm(expr.LHS, nregs)
		if !ok {
			return nil, false
		}
		rhs, ok := linearForm(expr.RHS, nregs)
		if !ok {
			return nil, false
		}

		switch expr.Op {
		case ADD:
			return lhs.add(rhs, false), true
		case SUB:
			return lhs.add(rhs, true), true
		case MUL:
			if lhs.IsConst() {
				return rhs.scale(&lhs.Const), true
			} else if rhs.IsConst() {
				return lhs.scale(&rhs.Const), true
			}
		case SHL:
			if rhs.IsConst() && rhs.Const.IsUint64() && rhs.Const.Uint64() < uint64(w) {
				var k uint256.Int
				k.Lsh(uint256.NewInt(1), uint(rhs.Const.Uint64()))
				return lhs.scale(&k), true
			}
		}
		return nil, false

	case *NotExpr:
		// ~x == -x - 1
		f, ok := linearForm(expr.Expr, nregs)
		if !ok {
			return nil, false
		}
		var minusOne uint256.Int
		minusOne.SetAllOne()
		f = f.scale(&minusOne)
		f.Const.Sub(&f.Const, uint256.NewInt(1))
		return f, true

	case *ExtractExpr:
		// Truncation is reduction modulo a smaller power of two.
		if expr.Low != 0 {
			return nil, false
		}
		f, ok := linearForm(expr.Expr, nregs)
		if !ok {
			return nil, false
		}
		f.Width = w
		f.normalize()
		return f, true
	}
	return nil, false
}

func (f *LinearForm) grow(n int) {
	for len(f.Coeffs) < n {
		f.Coeffs = append(f.Coeffs, uint256.Int{})
	}
}

// normalize reduces every term modulo 2^Width.
func (f *LinearForm) normalize() {
	m := bitmask(f.Width)
	for i := range f.Coeffs {
		f.Coeffs[i].And(&f.Coeffs[i], m)
	}
	f.Const.And(&f.Const, m)
}

func (f *LinearForm) add(other *LinearForm, sub bool) *LinearForm {
	out := &LinearForm{Width: f.Width}
	n := len(f.Coeffs)
	if len(other.Coeffs) > n {
		n = len(other.Coeffs)
	}
	out.grow(n)
	for i := range out.Coeffs {
		var a, b uint256.Int
		if i < len(f.Coeffs) {
			a.Set(&f.Coeffs[i])
		}
		if i < len(other.Coeffs) {
			b.Set(&other.Coeffs[i])
		}
		if sub {
			out.Coeffs[i].Sub(&a, &b)
		} else {
			out.Coeffs[i].Add(&a, &b)
		}
	}
	if sub {
		out.Const.Sub(&f.Const, &other.Const)
	} else {
		out.Const.Add(&f.Const, &other.Const)
	}
	out.normalize()
	return out
}

func (f *LinearForm) scale(k *uint256.Int) *LinearForm {
	out := &LinearForm{Width: f.Width}
	out.grow(len(f.Coeffs))
	for i := range f.Coeffs {
		out.Coeffs[i].Mul(&f.Coeffs[i], k)
	}
	out.Const.Mul(&f.Const, k)
	out.normalize()
	return out
}

// coeff returns the coefficient for register id, zero if out of range.
func (f *LinearForm) coeff(id int) *uint256.Int {
	if id < len(f.Coeffs) {
		return &f.Coeffs[id]
	}
	return new(uint256.Int)
}

// IsConst returns true if every register coefficient is zero.
func (f *LinearForm) IsConst() bool {
	for i := range f.Coeffs {
		if !f.Coeffs[i].IsZero() {
			return false
		}
	}
	return true
}

// SingleReg returns the register id if the form is exactly "reg + const".
func (f *LinearForm) SingleReg() (uint32, bool) {
	id := -1
	for i := range f.Coeffs {
		if f.Coeffs[i].IsZero() {
			continue
		} else if id != -1 || !(f.Coeffs[i].IsUint64() && f.Coeffs[i].Uint64() == 1) {
			return 0, false
		}
		id = i
	}
	if id == -1 {
		return 0, false
	}
	return uint32(id), true
}

// ConstExpr returns the constant term as an expression.
func (f *LinearForm) ConstExpr() *ConstantExpr {
	return NewConstantExprInt(&f.Const, f.Width)
}

// Equal returns true if both forms have identical width, coefficients and constant.
func (f *LinearForm) Equal(other *LinearForm) bool {
	return f.DiffersOnlyInConst(other) && f.Const.Eq(&other.Const)
}

// DiffersOnlyInConst returns true if both forms have the same width and
// register coefficients.
func (f *LinearForm) DiffersOnlyInConst(other *LinearForm) bool {
	if f.Width != other.Width {
		return false
	}
	n := len(f.Coeffs)
	if len(other.Coeffs) > n {
		n = len(other.Coeffs)
	}
	for i := 0; i < n; i++ {
		if !f.coeff(i).Eq(other.coeff(i)) {
			return false
		}
	}
	return true
}

// Vector returns the coefficients followed by the constant term.
func (f *LinearForm) Vector() []uint256.Int {
	v := make([]uint256.Int, len(f.Coeffs)+1)
	copy(v, f.Coeffs)
	v[len(f.Coeffs)].Set(&f.Const)
	return v
}

// Eval evaluates the form against concrete register values.
// Missing registers are zero.
func (f *LinearForm) Eval(regs map[uint32]uint64) *ConstantExpr {
	var sum uint256.Int
	sum.Set(&f.Const)
	for i := range f.Coeffs {
		if f.Coeffs[i].IsZero() {
			continue
		}
		var term uint256.Int
		term.Mul(&f.Coeffs[i], uint256.NewInt(regs[uint32(i)]))
		sum.Add(&sum, &term)
	}
	return NewConstantExprInt(&sum, f.Width)
}

// constDiff returns a - b as a signed word if both expressions are linear
// forms over the same registers.
func constDiff(a, b Expr) (int64, bool) {
	af, ok := ToLinearForm(a, 0)
	if !ok {
		return 0, false
	}
	bf, ok := ToLinearForm(b, 0)
	if !ok || !af.DiffersOnlyInConst(bf) {
		return 0, false
	}
	return af.ConstExpr().Sub(bf.ConstExpr()).Int64(), true
}
