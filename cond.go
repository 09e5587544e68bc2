package rop

import (
	"fmt"
	"sort"
)

// Cond represents a boolean condition over symbolic values.
//
// Equality between conditions is syntactic: two conditions may be
// extensionally equal while CompareCond reports them as different.
type Cond interface {
	String() string
	cond()
}

func (*ConstCond) cond()      {}
func (*CmpCond) cond()        {}
func (*AndCond) cond()        {}
func (*OrCond) cond()         {}
func (*NotCond) cond()        {}
func (*ValidReadCond) cond()  {}
func (*ValidWriteCond) cond() {}

// Constant conditions.
var (
	CondTrue  = &ConstCond{Value: true}
	CondFalse = &ConstCond{Value: false}
)

// ConstCond represents a constant true or false condition.
type ConstCond struct {
	Value bool
}

// NewConstCond returns the constant condition for v.
func NewConstCond(v bool) *ConstCond {
	if v {
		return CondTrue
	}
	return CondFalse
}

// String returns the string representation of the condition.
func (c *ConstCond) String() string {
	if c.Value {
		return "(true)"
	}
	return "(false)"
}

// CompareOp represents an unsigned comparison operator.
type CompareOp int

// Comparison operators.
const (
	EQ = CompareOp(iota + 1)
	NE
	UGT
	UGE
	ULT
	ULE
)

var compareOps = [...]string{
	EQ:  "eq",
	NE:  "ne",
	UGT: "ugt",
	UGE: "uge",
	ULT: "ult",
	ULE: "ule",
}

// String returns the string representation of the operation.
func (op CompareOp) String() string {
	if op >= 0 && op < CompareOp(len(compareOps)) && compareOps[op] != "" {
		return compareOps[op]
	}
	return fmt.Sprintf("CompareOp<%d>", op)
}

// Negate returns the operator that holds exactly when op does not.
func (op CompareOp) Negate() CompareOp {
	switch op {
	case EQ:
		return NE
	case NE:
		return EQ
	case UGT:
		return ULE
	case UGE:
		return ULT
	case ULT:
		return UGE
	case ULE:
		return UGT
	default:
		panic("unreachable")
	}
}

// reflexive returns the truth of "x op x".
func (op CompareOp) reflexive() bool {
	return op == EQ || op == UGE || op == ULE
}

// CmpCond represents a comparison between two values of equal width.
type CmpCond struct {
	Op  CompareOp
	LHS Expr
	RHS Expr
}

// NewCmpCond returns a new comparison. Operands must have equal widths.
func NewCmpCond(op CompareOp, lhs, rhs Expr) Cond {
	if lw, rw := ExprWidth(lhs), ExprWidth(rhs); lw != rw {
		malformed("%s: width mismatch: %d != %d", op, lw, rw)
	}

	if lhs, ok := lhs.(*ConstantExpr); ok {
		if rhs, ok := rhs.(*ConstantExpr); ok {
			return NewConstCond(compareConstants(op, lhs, rhs))
		}
	}

	if CompareExpr(lhs, rhs) == 0 {
		return NewConstCond(op.reflexive())
	}

	// Keep constants on the right for equality tests.
	if (op == EQ || op == NE) && IsConstantExpr(lhs) && !IsConstantExpr(rhs) {
		lhs, rhs = rhs, lhs
	}
	return &CmpCond{Op: op, LHS: lhs, RHS: rhs}
}

func compareConstants(op CompareOp, lhs, rhs *ConstantExpr) bool {
	switch op {
	case EQ:
		return lhs.Eq(rhs)
	case NE:
		return !lhs.Eq(rhs)
	case UGT:
		return rhs.Ult(lhs)
	case UGE:
		return !lhs.Ult(rhs)
	case ULT:
		return lhs.Ult(rhs)
	case ULE:
		return !rhs.Ult(lhs)
	default:
		panic("unreachable")
	}
}

// String returns the string representation of the condition.
func (c *CmpCond) String() string {
	return fmt.Sprintf("(%s %s %s)", c.Op, c.LHS, c.RHS)
}

// AndCond represents the conjunction of two conditions.
type AndCond struct {
	LHS Cond
	RHS Cond
}

// NewAndCond returns the conjunction of a and b.
func NewAndCond(a, b Cond) Cond {
	if c, ok := a.(*ConstCond); ok {
		if !c.Value {
			return a
		}
		return b
	}
	if c, ok := b.(*ConstCond); ok {
		if !c.Value {
			return b
		}
		return a
	}
	if CompareCond(a, b) == 0 {
		return a
	} else if isComplement(a, b) {
		return CondFalse
	}
	return &AndCond{LHS: a, RHS: b}
}

// String returns the string representation of the condition.
func (c *AndCond) String() string {
	return fmt.Sprintf("(and %s %s)", c.LHS, c.RHS)
}

// OrCond represents the disjunction of two conditions.
type OrCond struct {
	LHS Cond
	RHS Cond
}

// NewOrCond returns the disjunction of a and b.
func NewOrCond(a, b Cond) Cond {
	if c, ok := a.(*ConstCond); ok {
		if c.Value {
			return a
		}
		return b
	}
	if c, ok := b.(*ConstCond); ok {
		if c.Value {
			return b
		}
		return a
	}
	if CompareCond(a, b) == 0 {
		return a
	} else if isComplement(a, b) {
		return CondTrue
	}
	return &OrCond{LHS: a, RHS: b}
}

// String returns the string representation of the condition.
func (c *OrCond) String() string {
	return fmt.Sprintf("(or %s %s)", c.LHS, c.RHS)
}

// NotCond represents the negation of a condition.
type NotCond struct {
	Cond Cond
}

// NewNotCond returns the negation of c.
func NewNotCond(c Cond) Cond {
	switch c := c.(type) {
	case *ConstCond:
		return NewConstCond(!c.Value)
	case *NotCond:
		return c.Cond
	case *CmpCond:
		return &CmpCond{Op: c.Op.Negate(), LHS: c.LHS, RHS: c.RHS}
	}
	return &NotCond{Cond: c}
}

// String returns the string representation of the condition.
func (c *NotCond) String() string {
	return fmt.Sprintf("(not %s)", c.Cond)
}

// isComplement returns true if a is syntactically the negation of b.
func isComplement(a, b Cond) bool {
	return CompareCond(NewNotCond(a), b) == 0
}

// ValidReadCond holds when the address can be read.
type ValidReadCond struct {
	Addr Expr
}

// NewValidReadCond returns a new instance of ValidReadCond.
func NewValidReadCond(addr Expr) *ValidReadCond {
	return &ValidReadCond{Addr: addr}
}

// String returns the string representation of the condition.
func (c *ValidReadCond) String() string {
	return fmt.Sprintf("(valid-read %s)", c.Addr)
}

// ValidWriteCond holds when the address can be written.
type ValidWriteCond struct {
	Addr Expr
}

// NewValidWriteCond returns a new instance of ValidWriteCond.
func NewValidWriteCond(addr Expr) *ValidWriteCond {
	return &ValidWriteCond{Addr: addr}
}

// String returns the string representation of the condition.
func (c *ValidWriteCond) String() string {
	return fmt.Sprintf("(valid-write %s)", c.Addr)
}

// AndConds returns the conjunction of all conditions. Empty input is true.
func AndConds(conds ...Cond) Cond {
	var c Cond = CondTrue
	for _, other := range conds {
		c = NewAndCond(c, other)
	}
	return c
}

// OrConds returns the disjunction of all conditions. Empty input is false.
func OrConds(conds ...Cond) Cond {
	var c Cond = CondFalse
	for _, other := range conds {
		c = NewOrCond(c, other)
	}
	return c
}

// Tri is the result of a three-valued evaluation.
type Tri int

// Tri values.
const (
	TriUnknown Tri = iota
	TriTrue
	TriFalse
)

// String returns the string representation of the value.
func (t Tri) String() string {
	switch t {
	case TriTrue:
		return "true"
	case TriFalse:
		return "false"
	default:
		return "unknown"
	}
}

// Clean folds constant sub-conditions and resolves comparisons whose sides
// have comparable linear forms. It never reports an incorrect truth value
// but may leave constant conditions as TriUnknown.
func Clean(c Cond) (Cond, Tri) {
	switch c := c.(type) {
	case *ConstCond:
		if c.Value {
			return c, TriTrue
		}
		return c, TriFalse

	case *CmpCond:
		return cleanCompare(c)

	case *AndCond:
		lhs, lt := Clean(c.LHS)
		if lt == TriFalse {
			return CondFalse, TriFalse
		}
		rhs, rt := Clean(c.RHS)
		if rt == TriFalse {
			return CondFalse, TriFalse
		} else if lt == TriTrue && rt == TriTrue {
			return CondTrue, TriTrue
		}
		return triOf(NewAndCond(lhs, rhs))

	case *OrCond:
		lhs, lt := Clean(c.LHS)
		if lt == TriTrue {
			return CondTrue, TriTrue
		}
		rhs, rt := Clean(c.RHS)
		if rt == TriTrue {
			return CondTrue, TriTrue
		} else if lt == TriFalse && rt == TriFalse {
			return CondFalse, TriFalse
		}
		return triOf(NewOrCond(lhs, rhs))

	case *NotCond:
		inner, t := Clean(c.Cond)
		switch t {
		case TriTrue:
			return CondFalse, TriFalse
		case TriFalse:
			return CondTrue, TriTrue
		}
		return triOf(NewNotCond(inner))

	case *ValidReadCond:
		return NewValidReadCond(Simplify(c.Addr)), TriUnknown

	case *ValidWriteCond:
		return NewValidWriteCond(Simplify(c.Addr)), TriUnknown

	default:
		panic("unreachable")
	}
}

func triOf(c Cond) (Cond, Tri) {
	if c, ok := c.(*ConstCond); ok {
		if c.Value {
			return c, TriTrue
		}
		return c, TriFalse
	}
	return c, TriUnknown
}

func cleanCompare(c *CmpCond) (Cond, Tri) {
	lhs, rhs := Simplify(c.LHS), Simplify(c.RHS)
	residual := NewCmpCond(c.Op, lhs, rhs)
	if _, ok := residual.(*ConstCond); ok {
		return triOf(residual)
	}

	lf, lok := ToLinearForm(lhs, 0)
	rf, rok := ToLinearForm(rhs, 0)
	if !lok || !rok {
		return residual, TriUnknown
	}

	if lf.Equal(rf) {
		return triOf(NewConstCond(c.Op.reflexive()))
	} else if lf.DiffersOnlyInConst(rf) {
		// Same register terms with different constants can never be equal.
		switch c.Op {
		case EQ:
			return CondFalse, TriFalse
		case NE:
			return CondTrue, TriTrue
		}
	}
	return residual, TriUnknown
}

// CompareCond returns an integer comparing two conditions.
// The result will be 0 if a==b, -1 if a < b, and +1 if a > b.
func CompareCond(a, b Cond) int {
	if a == nil && b != nil {
		return -1
	} else if a != nil && b == nil {
		return 1
	} else if a == nil && b == nil {
		return 0
	}

	if ak, bk := condKind(a), condKind(b); ak < bk {
		return -1
	} else if ak > bk {
		return 1
	}

	switch a := a.(type) {
	case *ConstCond:
		b := b.(*ConstCond)
		if a.Value == b.Value {
			return 0
		} else if !a.Value {
			return -1
		}
		return 1
	case *CmpCond:
		b := b.(*CmpCond)
		if a.Op < b.Op {
			return -1
		} else if a.Op > b.Op {
			return 1
		}
		if cmp := CompareExpr(a.LHS, b.LHS); cmp != 0 {
			return cmp
		}
		return CompareExpr(a.RHS, b.RHS)
	case *AndCond:
		b := b.(*AndCond)
		if cmp := CompareCond(a.LHS, b.LHS); cmp != 0 {
			return cmp
		}
		return CompareCond(a.RHS, b.RHS)
	case *OrCond:
		b := b.(*OrCond)
		if cmp := CompareCond(a.LHS, b.LHS); cmp != 0 {
			return cmp
		}
		return CompareCond(a.RHS, b.RHS)
	case *NotCond:
		return CompareCond(a.Cond, b.(*NotCond).Cond)
	case *ValidReadCond:
		return CompareExpr(a.Addr, b.(*ValidReadCond).Addr)
	case *ValidWriteCond:
		return CompareExpr(a.Addr, b.(*ValidWriteCond).Addr)
	default:
		panic("unreachable")
	}
}

func condKind(c Cond) int {
	switch c.(type) {
	case *ConstCond:
		return 1
	case *CmpCond:
		return 2
	case *AndCond:
		return 3
	case *OrCond:
		return 4
	case *NotCond:
		return 5
	case *ValidReadCond:
		return 6
	case *ValidWriteCond:
		return 7
	default:
		panic("unreachable")
	}
}

// WalkCond traverses every expression nested in c.
func WalkCond(v ExprVisitor, c Cond) {
	switch c := c.(type) {
	case *ConstCond:
	case *CmpCond:
		WalkExpr(v, c.LHS)
		WalkExpr(v, c.RHS)
	case *AndCond:
		WalkCond(v, c.LHS)
		WalkCond(v, c.RHS)
	case *OrCond:
		WalkCond(v, c.LHS)
		WalkCond(v, c.RHS)
	case *NotCond:
		WalkCond(v, c.Cond)
	case *ValidReadCond:
		WalkExpr(v, c.Addr)
	case *ValidWriteCond:
		WalkExpr(v, c.Addr)
	default:
		panic("unreachable")
	}
}

// CondRegs returns the distinct registers referenced by c, sorted.
func CondRegs(c Cond) []Reg {
	m := make(map[Reg]struct{})
	WalkCond(exprVisitorFunc(func(expr Expr) bool {
		if expr, ok := expr.(*RegExpr); ok {
			m[expr.Reg] = struct{}{}
		}
		return true
	}), c)
	return sortedRegs(m)
}

// RewriteCond rebuilds c through the smart constructors, rewriting every
// nested expression with RewriteExpr.
func RewriteCond(c Cond, fn func(Expr) Expr) Cond {
	switch c := c.(type) {
	case *ConstCond:
		return c
	case *CmpCond:
		return NewCmpCond(c.Op, RewriteExpr(c.LHS, fn), RewriteExpr(c.RHS, fn))
	case *AndCond:
		return NewAndCond(RewriteCond(c.LHS, fn), RewriteCond(c.RHS, fn))
	case *OrCond:
		return NewOrCond(RewriteCond(c.LHS, fn), RewriteCond(c.RHS, fn))
	case *NotCond:
		return NewNotCond(RewriteCond(c.Cond, fn))
	case *ValidReadCond:
		return NewValidReadCond(RewriteExpr(c.Addr, fn))
	case *ValidWriteCond:
		return NewValidWriteCond(RewriteExpr(c.Addr, fn))
	default:
		panic("unreachable")
	}
}

func sortedRegs(m map[Reg]struct{}) []Reg {
	a := make([]Reg, 0, len(m))
	for r := range m {
		a = append(a, r)
	}
	sort.Slice(a, func(i, j int) bool { return CompareReg(a[i], a[j]) < 0 })
	return a
}
