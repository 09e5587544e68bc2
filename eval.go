package rop

import (
	"github.com/holiman/uint256"
	"github.com/pkg/errors"
)

// ExprEvaluator evaluates expressions against a concrete machine state.
// Registers are looked up by id regardless of version.
type ExprEvaluator struct {
	Regs map[uint32]uint64
	Mem  map[uint64]byte
}

// NewExprEvaluator returns a new instance of ExprEvaluator.
func NewExprEvaluator(regs map[uint32]uint64, mem map[uint64]byte) *ExprEvaluator {
	if regs == nil {
		regs = make(map[uint32]uint64)
	}
	if mem == nil {
		mem = make(map[uint64]byte)
	}
	return &ExprEvaluator{Regs: regs, Mem: mem}
}

// Evaluate returns the concrete value of expr. Returns an error if expr reads
// memory that is not present or contains an unresolvable validity condition.
func (e *ExprEvaluator) Evaluate(expr Expr) (*ConstantExpr, error) {
	var err error
	result := RewriteExpr(expr, func(expr Expr) Expr {
		if err != nil {
			return expr
		}

		switch expr := expr.(type) {
		case *RegExpr:
			return NewConstantExpr(e.Regs[expr.Reg.ID], expr.Width)
		case *MemExpr:
			var v *ConstantExpr
			if v, err = e.load(expr); err != nil {
				return expr
			}
			return v
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	v, ok := result.(*ConstantExpr)
	if !ok {
		return nil, errors.Errorf("cannot evaluate: %s", result)
	}
	return v, nil
}

// EvaluateCond returns the concrete truth value of c.
func (e *ExprEvaluator) EvaluateCond(c Cond) (bool, error) {
	switch c := c.(type) {
	case *ConstCond:
		return c.Value, nil
	case *CmpCond:
		lhs, err := e.Evaluate(c.LHS)
		if err != nil {
			return false, err
		}
		rhs, err := e.Evaluate(c.RHS)
		if err != nil {
			return false, err
		}
		return compareConstants(c.Op, lhs, rhs), nil
	case *AndCond:
		if ok, err := e.EvaluateCond(c.LHS); err != nil || !ok {
			return false, err
		}
		return e.EvaluateCond(c.RHS)
	case *OrCond:
		if ok, err := e.EvaluateCond(c.LHS); err != nil || ok {
			return ok, err
		}
		return e.EvaluateCond(c.RHS)
	case *NotCond:
		ok, err := e.EvaluateCond(c.Cond)
		return !ok, err
	case *ValidReadCond:
		return e.valid(c.Addr)
	case *ValidWriteCond:
		return e.valid(c.Addr)
	default:
		panic("unreachable")
	}
}

// valid reports whether addr resolves to a byte present in memory.
func (e *ExprEvaluator) valid(addr Expr) (bool, error) {
	a, err := e.Evaluate(addr)
	if err != nil {
		return false, err
	}
	_, ok := e.Mem[a.Uint64()]
	return ok, nil
}

func (e *ExprEvaluator) load(expr *MemExpr) (*ConstantExpr, error) {
	addr, err := e.Evaluate(expr.Addr)
	if err != nil {
		return nil, err
	}

	var v uint256.Int
	base := addr.Uint64()
	for i := int(expr.Width/8) - 1; i >= 0; i-- {
		b, ok := e.Mem[base+uint64(i)]
		if !ok {
			return nil, errors.Errorf("memory not mapped: %#x", base+uint64(i))
		}
		v.Lsh(&v, 8)
		v.Or(&v, uint256.NewInt(uint64(b)))
	}
	return NewConstantExprInt(&v, expr.Width), nil
}

// Store writes the little-endian bytes of value at addr.
func (e *ExprEvaluator) Store(addr uint64, value *ConstantExpr) {
	var v uint256.Int
	v.Set(&value.Value)
	for i := uint64(0); i < uint64(value.Width/8); i++ {
		e.Mem[addr+i] = byte(v.Uint64())
		v.Rsh(&v, 8)
	}
}
