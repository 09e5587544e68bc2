package rop

import (
	"fmt"

	"github.com/holiman/uint256"
)

// Expr represents a symbolic value.
type Expr interface {
	String() string
	expr()
}

func (*BinaryExpr) expr()   {}
func (*CastExpr) expr()     {}
func (*ConcatExpr) expr()   {}
func (*ConstantExpr) expr() {}
func (*ExtractExpr) expr()  {}
func (*IteExpr) expr()      {}
func (*MemExpr) expr()      {}
func (*NotExpr) expr()      {}
func (*RegExpr) expr()      {}

// ExprWidth returns the bit width of the expression.
func ExprWidth(expr Expr) uint {
	switch expr := expr.(type) {
	case *ConstantExpr:
		return expr.Width
	case *RegExpr:
		return expr.Width
	case *MemExpr:
		return expr.Width
	case *ConcatExpr:
		return ExprWidth(expr.MSB) + ExprWidth(expr.LSB)
	case *ExtractExpr:
		return expr.High - expr.Low + 1
	case *NotExpr:
		return ExprWidth(expr.Expr)
	case *CastExpr:
		return expr.Width
	case *BinaryExpr:
		return ExprWidth(expr.LHS)
	case *IteExpr:
		return ExprWidth(expr.Then)
	default:
		panic("unreachable")
	}
}

// Reg represents a versioned register. Version zero is the value on gadget entry.
type Reg struct {
	ID      uint32
	Version uint32
}

// String returns the string representation of the register.
func (r Reg) String() string {
	return fmt.Sprintf("r%d_%d", r.ID, r.Version)
}

// CompareReg returns an integer comparing two registers by id then version.
func CompareReg(a, b Reg) int {
	if a.ID < b.ID {
		return -1
	} else if a.ID > b.ID {
		return 1
	}
	if a.Version < b.Version {
		return -1
	} else if a.Version > b.Version {
		return 1
	}
	return 0
}

// BinaryOp represents a binary expression operation.
type BinaryOp int

// BinaryExpr operations.
const (
	ADD = BinaryOp(iota + 1)
	SUB
	MUL
	UDIV
	UREM
	AND
	OR
	XOR
	SHL
	LSHR
)

var binaryOps = [...]string{
	ADD:  "add",
	SUB:  "sub",
	MUL:  "mul",
	UDIV: "udiv",
	UREM: "urem",
	AND:  "and",
	OR:   "or",
	XOR:  "xor",
	SHL:  "shl",
	LSHR: "lshr",
}

// String returns the string representation of the operation.
func (op BinaryOp) String() string {
	if op >= 0 && op < BinaryOp(len(binaryOps)) && binaryOps[op] != "" {
		return binaryOps[op]
	}
	return fmt.Sprintf("BinaryOp<%d>", op)
}

// BinaryExpr represents an operation on two expressions.
type BinaryExpr struct {
	Op  BinaryOp
	LHS Expr
	RHS Expr
}

// NewBinaryExpr returns a new binary expression. Operands must have equal widths.
func NewBinaryExpr(op BinaryOp, lhs, rhs Expr) Expr {
	if lw, rw := ExprWidth(lhs), ExprWidth(rhs); lw != rw {
		malformed("%s: width mismatch: %d != %d", op, lw, rw)
	}

	switch op {
	case ADD:
		return newAddExpr(lhs, rhs)
	case SUB:
		return newSubExpr(lhs, rhs)
	case MUL:
		return newMulExpr(lhs, rhs)
	case UDIV:
		return newDivExpr(lhs, rhs)
	case UREM:
		return newRemExpr(lhs, rhs)
	case AND:
		return newAndExpr(lhs, rhs)
	case OR:
		return newOrExpr(lhs, rhs)
	case XOR:
		return newXorExpr(lhs, rhs)
	case SHL:
		return newShlExpr(lhs, rhs)
	case LSHR:
		return newLShrExpr(lhs, rhs)
	default:
		malformed("invalid binary op: %s", op)
		return nil
	}
}

// String returns the string representation of the expression.
func (e *BinaryExpr) String() string {
	return fmt.Sprintf("(%s %s %s)", e.Op, e.LHS, e.RHS)
}

// newAddExpr returns the expression representing the sum of lhs & rhs.
func newAddExpr(lhs, rhs Expr) Expr {
	// Move constant expression to left hand side.
	if !IsConstantExpr(lhs) && IsConstantExpr(rhs) {
		lhs, rhs = rhs, lhs
	}

	if ExprWidth(lhs) == WidthBool {
		return NewBinaryExpr(XOR, lhs, rhs)
	}

	if lhs, ok := lhs.(*ConstantExpr); ok {
		if lhs.IsZero() {
			return rhs
		} else if rhs, ok := rhs.(*ConstantExpr); ok {
			return lhs.Add(rhs)
		}
	}

	// Merge constant LHS with constant in RHS binary expression.
	if lhs, ok := lhs.(*ConstantExpr); ok {
		if rhs, ok := rhs.(*BinaryExpr); ok {
			if rhs.Op == ADD && IsConstantExpr(rhs.LHS) { // X + (Y+z) == (X+Y) + z
				return NewBinaryExpr(ADD, NewBinaryExpr(ADD, lhs, rhs.LHS), rhs.RHS)
			} else if rhs.Op == SUB && IsConstantExpr(rhs.LHS) { // X + (Y-z) == (X+Y) - z
				return NewBinaryExpr(SUB, NewBinaryExpr(ADD, lhs, rhs.LHS), rhs.RHS)
			}
		}
	}

	if lhs, ok := lhs.(*BinaryExpr); ok && IsConstantExpr(lhs.LHS) {
		if lhs.Op == ADD { // (X+y) + z = X + (y+z)
			return NewBinaryExpr(ADD, lhs.LHS, NewBinaryExpr(ADD, lhs.RHS, rhs))
		} else if lhs.Op == SUB { // (X-y) + z = X + (z-y)
			return NewBinaryExpr(ADD, lhs.LHS, NewBinaryExpr(SUB, rhs, lhs.RHS))
		}
	}

	if rhs, ok := rhs.(*BinaryExpr); ok && IsConstantExpr(rhs.LHS) {
		if rhs.Op == ADD { // a + (K+b) = K + (a+b)
			return NewBinaryExpr(ADD, rhs.LHS, NewBinaryExpr(ADD, lhs, rhs.RHS))
		} else if rhs.Op == SUB { // a + (K-b) = K + (a-b)
			return NewBinaryExpr(ADD, rhs.LHS, NewBinaryExpr(SUB, lhs, rhs.RHS))
		}
	}

	return &BinaryExpr{Op: ADD, LHS: lhs, RHS: rhs}
}

// newSubExpr returns an expression representing the difference of lhs & rhs.
func newSubExpr(lhs, rhs Expr) Expr {
	if CompareExpr(lhs, rhs) == 0 {
		return NewConstantExpr(0, ExprWidth(lhs))
	}

	if lhs, ok := lhs.(*ConstantExpr); ok {
		if rhs, ok := rhs.(*ConstantExpr); ok {
			return lhs.Sub(rhs)
		}
	}

	if ExprWidth(lhs) == WidthBool {
		return NewBinaryExpr(XOR, lhs, rhs)
	}

	// If constant is on right side, refactor to addition of the negated constant.
	if rhs, ok := rhs.(*ConstantExpr); ok {
		return NewBinaryExpr(ADD, rhs.Neg(), lhs)
	}

	if lhs, ok := lhs.(*ConstantExpr); ok {
		if rhs, ok := rhs.(*BinaryExpr); ok {
			if rhs.Op == ADD && IsConstantExpr(rhs.LHS) { // X - (Y+z) == (X-Y) - z
				return NewBinaryExpr(SUB, NewBinaryExpr(SUB, lhs, rhs.LHS), rhs.RHS)
			} else if rhs.Op == SUB && IsConstantExpr(rhs.LHS) { // X - (Y-z) == (X-Y) + z
				return NewBinaryExpr(ADD, NewBinaryExpr(SUB, lhs, rhs.LHS), rhs.RHS)
			}
		}
	}

	if lhs, ok := lhs.(*BinaryExpr); ok && IsConstantExpr(lhs.LHS) {
		if lhs.Op == ADD { // (X+y) - z = X + (y-z)
			return NewBinaryExpr(ADD, lhs.LHS, NewBinaryExpr(SUB, lhs.RHS, rhs))
		} else if lhs.Op == SUB { // (X-y) - z = X - (y+z)
			return NewBinaryExpr(SUB, lhs.LHS, NewBinaryExpr(ADD, lhs.RHS, rhs))
		}
	}

	if rhs, ok := rhs.(*BinaryExpr); ok && IsConstantExpr(rhs.LHS) {
		if rhs.Op == ADD { // x - (Y+z) = (x-z) - Y
			return NewBinaryExpr(SUB, NewBinaryExpr(SUB, lhs, rhs.RHS), rhs.LHS)
		} else if rhs.Op == SUB { // x - (Y-z) = (x+z) - Y
			return NewBinaryExpr(SUB, NewBinaryExpr(ADD, lhs, rhs.RHS), rhs.LHS)
		}
	}

	return &BinaryExpr{Op: SUB, LHS: lhs, RHS: rhs}
}

// newMulExpr returns an expression that represents the product of lhs & rhs.
func newMulExpr(lhs, rhs Expr) Expr {
	if IsConstantExpr(rhs) && !IsConstantExpr(lhs) {
		lhs, rhs = rhs, lhs
	}

	if lhs, ok := lhs.(*ConstantExpr); ok {
		if rhs, ok := rhs.(*ConstantExpr); ok {
			return lhs.Mul(rhs)
		}
	}

	if ExprWidth(lhs) == WidthBool {
		return NewBinaryExpr(AND, lhs, rhs)
	}

	if lhs, ok := lhs.(*ConstantExpr); ok {
		if lhs.IsOne() {
			return rhs
		} else if lhs.IsZero() {
			return lhs
		}

		// X * (Y*z) == (X*Y) * z
		if rhs, ok := rhs.(*BinaryExpr); ok && rhs.Op == MUL && IsConstantExpr(rhs.LHS) {
			return NewBinaryExpr(MUL, lhs.Mul(rhs.LHS.(*ConstantExpr)), rhs.RHS)
		}
	}
	return &BinaryExpr{Op: MUL, LHS: lhs, RHS: rhs}
}

// newDivExpr returns an expression that represents the unsigned division of lhs & rhs.
func newDivExpr(lhs, rhs Expr) Expr {
	if lhs, ok := lhs.(*ConstantExpr); ok {
		if rhs, ok := rhs.(*ConstantExpr); ok {
			return lhs.UDiv(rhs)
		}
	}
	if rhs, ok := rhs.(*ConstantExpr); ok && rhs.IsOne() {
		return lhs
	}
	if ExprWidth(lhs) == WidthBool {
		return lhs // rhs must be 1
	}
	return &BinaryExpr{Op: UDIV, LHS: lhs, RHS: rhs}
}

// newRemExpr returns an expression that represents the remainder of lhs divided by rhs.
func newRemExpr(lhs, rhs Expr) Expr {
	if lhs, ok := lhs.(*ConstantExpr); ok {
		if rhs, ok := rhs.(*ConstantExpr); ok {
			return lhs.URem(rhs)
		}
	}
	if rhs, ok := rhs.(*ConstantExpr); ok && rhs.IsOne() {
		return NewConstantExpr(0, rhs.Width)
	}
	if ExprWidth(lhs) == WidthBool {
		return NewConstantExpr(0, WidthBool) // rhs must be 1
	}
	return &BinaryExpr{Op: UREM, LHS: lhs, RHS: rhs}
}

// newAndExpr returns an expression that represents the bitwise AND of lhs & rhs.
func newAndExpr(lhs, rhs Expr) Expr {
	if lhs, ok := lhs.(*ConstantExpr); ok {
		if rhs, ok := rhs.(*ConstantExpr); ok {
			return lhs.And(rhs)
		}
	}

	// If constant is on left side, swap to right side.
	if IsConstantExpr(lhs) && !IsConstantExpr(rhs) {
		lhs, rhs = rhs, lhs
	}

	if rhs, ok := rhs.(*ConstantExpr); ok {
		if rhs.IsAllOnes() {
			return lhs
		} else if rhs.IsZero() {
			return rhs
		}
	}
	if CompareExpr(lhs, rhs) == 0 {
		return lhs
	}
	return &BinaryExpr{Op: AND, LHS: lhs, RHS: rhs}
}

// newOrExpr returns an expression that represents the bitwise OR of lhs & rhs.
func newOrExpr(lhs, rhs Expr) Expr {
	if lhs, ok := lhs.(*ConstantExpr); ok {
		if rhs, ok := rhs.(*ConstantExpr); ok {
			return lhs.Or(rhs)
		}
	}

	if IsConstantExpr(lhs) && !IsConstantExpr(rhs) {
		lhs, rhs = rhs, lhs
	}

	if rhs, ok := rhs.(*ConstantExpr); ok {
		if rhs.IsAllOnes() {
			return rhs
		} else if rhs.IsZero() {
			return lhs
		}
	}
	if CompareExpr(lhs, rhs) == 0 {
		return lhs
	}
	return &BinaryExpr{Op: OR, LHS: lhs, RHS: rhs}
}

// newXorExpr returns an expression that represents the bitwise XOR of lhs & rhs.
func newXorExpr(lhs, rhs Expr) Expr {
	if !IsConstantExpr(lhs) && IsConstantExpr(rhs) {
		lhs, rhs = rhs, lhs
	}

	if lhs, ok := lhs.(*ConstantExpr); ok {
		if lhs.IsZero() {
			return rhs
		} else if rhs, ok := rhs.(*ConstantExpr); ok {
			return lhs.Xor(rhs)
		}
	}

	if CompareExpr(lhs, rhs) == 0 {
		return NewConstantExpr(0, ExprWidth(lhs))
	}
	return &BinaryExpr{Op: XOR, LHS: lhs, RHS: rhs}
}

// newShlExpr returns an expression that represents the shift-left of lhs by rhs bits.
func newShlExpr(lhs, rhs Expr) Expr {
	if rhs, ok := rhs.(*ConstantExpr); ok {
		if c, ok := lhs.(*ConstantExpr); ok {
			return c.Shl(rhs)
		} else if rhs.IsZero() {
			return lhs
		} else if !rhs.Value.IsUint64() || rhs.Value.Uint64() >= uint64(rhs.Width) {
			return NewConstantExpr(0, rhs.Width)
		}
	}
	return &BinaryExpr{Op: SHL, LHS: lhs, RHS: rhs}
}

// newLShrExpr returns an expression that represents the logical shift-right of lhs by rhs bits.
func newLShrExpr(lhs, rhs Expr) Expr {
	if rhs, ok := rhs.(*ConstantExpr); ok {
		if c, ok := lhs.(*ConstantExpr); ok {
			return c.LShr(rhs)
		} else if rhs.IsZero() {
			return lhs
		} else if !rhs.Value.IsUint64() || rhs.Value.Uint64() >= uint64(rhs.Width) {
			return NewConstantExpr(0, rhs.Width)
		}
	}
	return &BinaryExpr{Op: LSHR, LHS: lhs, RHS: rhs}
}

// RegExpr represents the value of a versioned register.
type RegExpr struct {
	Reg   Reg
	Width uint
}

// NewRegExpr returns a new instance of RegExpr.
func NewRegExpr(reg Reg, width uint) *RegExpr {
	if width == 0 || width > MaxWidth {
		malformed("reg: invalid width: %d", width)
	}
	return &RegExpr{Reg: reg, Width: width}
}

// String returns the string representation of the expression.
func (e *RegExpr) String() string {
	return fmt.Sprintf("(reg %s %d)", e.Reg, e.Width)
}

// MemExpr represents a little-endian read of Width bits at Addr.
type MemExpr struct {
	Addr  Expr
	Width uint
}

// NewMemExpr returns a new instance of MemExpr.
func NewMemExpr(addr Expr, width uint) *MemExpr {
	if width == 0 || width%8 != 0 || width > MaxWidth {
		malformed("mem: invalid width: %d", width)
	}
	return &MemExpr{Addr: addr, Width: width}
}

// String returns the string representation of the expression.
func (e *MemExpr) String() string {
	return fmt.Sprintf("(mem %s %d)", e.Addr, e.Width)
}

// ConcatExpr represents a concatenation of two expressions.
type ConcatExpr struct {
	MSB Expr
	LSB Expr
}

// NewConcatExpr returns a new instance of ConcatExpr.
func NewConcatExpr(msb, lsb Expr) Expr {
	if w := ExprWidth(msb) + ExprWidth(lsb); w > MaxWidth {
		malformed("concat: width too large: %d", w)
	}

	if msb, ok := msb.(*ConstantExpr); ok {
		if lsb, ok := lsb.(*ConstantExpr); ok {
			return msb.Concat(lsb)
		}

		// A zero MSB is a zero-extension.
		if msb.IsZero() {
			return NewCastExpr(lsb, msb.Width+ExprWidth(lsb), false)
		}
	}

	// Combine extract expressions if they are contiguous.
	if msb, ok := msb.(*ExtractExpr); ok {
		if lsb, ok := lsb.(*ExtractExpr); ok {
			if lsb.High+1 == msb.Low && CompareExpr(msb.Expr, lsb.Expr) == 0 {
				return NewExtractExpr(msb.Expr, msb.High, lsb.Low)
			}
		}

		// Merge with the top of a nested concatenation.
		if lsb, ok := lsb.(*ConcatExpr); ok {
			if inner, ok := lsb.MSB.(*ExtractExpr); ok && inner.High+1 == msb.Low && CompareExpr(msb.Expr, inner.Expr) == 0 {
				return NewConcatExpr(NewExtractExpr(msb.Expr, msb.High, inner.Low), lsb.LSB)
			}
		}
	}

	return &ConcatExpr{MSB: msb, LSB: lsb}
}

// String returns the string representation of the expression.
func (e *ConcatExpr) String() string {
	return fmt.Sprintf("(concat %s %s)", e.MSB, e.LSB)
}

// ExtractExpr represents the bits High down to Low, inclusive, of an expression.
type ExtractExpr struct {
	Expr Expr
	High uint
	Low  uint
}

// NewExtractExpr returns a new instance of ExtractExpr.
func NewExtractExpr(expr Expr, high, low uint) Expr {
	kw := ExprWidth(expr)
	if low > high || high >= kw {
		malformed("extract out of bounds: [%d:%d] of %d", high, low, kw)
	}
	width := high - low + 1

	if width == kw {
		return expr
	}

	switch expr := expr.(type) {
	case *ConstantExpr:
		return expr.Extract(high, low)

	case *ExtractExpr:
		return NewExtractExpr(expr.Expr, expr.Low+high, expr.Low+low)

	case *ConcatExpr:
		lw := ExprWidth(expr.LSB)
		if low >= lw {
			return NewExtractExpr(expr.MSB, high-lw, low-lw)
		} else if high < lw {
			return NewExtractExpr(expr.LSB, high, low)
		}
		// E(C(x,y)) = C(E(x), E(y))
		return NewConcatExpr(
			NewExtractExpr(expr.MSB, high-lw, 0),
			NewExtractExpr(expr.LSB, lw-1, low),
		)

	case *CastExpr:
		sw := ExprWidth(expr.Src)
		if high < sw {
			return NewExtractExpr(expr.Src, high, low)
		} else if !expr.Signed && low >= sw {
			return NewConstantExpr(0, width)
		} else if !expr.Signed {
			return NewCastExpr(NewExtractExpr(expr.Src, sw-1, low), width, false)
		}

	case *BinaryExpr:
		// Fold extraction of a shift by a known amount.
		if k, ok := expr.RHS.(*ConstantExpr); ok && k.Value.IsUint64() {
			n := k.Value.Uint64()
			switch expr.Op {
			case SHL:
				if uint64(high) < n {
					return NewConstantExpr(0, width)
				} else if uint64(low) >= n {
					return NewExtractExpr(expr.LHS, high-uint(n), low-uint(n))
				}
			case LSHR:
				if uint64(high)+n < uint64(kw) {
					return NewExtractExpr(expr.LHS, high+uint(n), low+uint(n))
				}
			}
		}

		// Truncation distributes over low-order arithmetic and bitwise ops.
		if low == 0 {
			switch expr.Op {
			case ADD, SUB, MUL, AND, OR, XOR:
				return NewBinaryExpr(expr.Op, NewExtractExpr(expr.LHS, high, 0), NewExtractExpr(expr.RHS, high, 0))
			}
		} else {
			switch expr.Op {
			case AND, OR, XOR:
				return NewBinaryExpr(expr.Op, NewExtractExpr(expr.LHS, high, low), NewExtractExpr(expr.RHS, high, low))
			}
		}

	case *NotExpr:
		return NewNotExpr(NewExtractExpr(expr.Expr, high, low))
	}

	return &ExtractExpr{Expr: expr, High: high, Low: low}
}

// String returns the string representation of the expression.
func (e *ExtractExpr) String() string {
	return fmt.Sprintf("(extract %s %d %d)", e.Expr, e.High, e.Low)
}

// NotExpr represents a bitwise not of an expression.
type NotExpr struct {
	Expr Expr
}

// NewNotExpr returns a new instance of NotExpr.
func NewNotExpr(expr Expr) Expr {
	switch expr := expr.(type) {
	case *ConstantExpr:
		return expr.Not()
	case *NotExpr:
		return expr.Expr
	}
	return &NotExpr{Expr: expr}
}

// String returns the string representation of the expression.
func (e *NotExpr) String() string {
	return fmt.Sprintf("(not %s)", e.Expr)
}

// CastExpr represents an expression that extends an expression to a new width.
type CastExpr struct {
	Src    Expr
	Width  uint
	Signed bool
}

// NewCastExpr returns a new instance of CastExpr. Narrowing casts are truncations.
func NewCastExpr(src Expr, width uint, signed bool) Expr {
	if width == 0 || width > MaxWidth {
		malformed("cast: invalid width: %d", width)
	}

	sw := ExprWidth(src)
	if width == sw {
		return src
	} else if width < sw {
		return NewExtractExpr(src, width-1, 0)
	}

	switch src := src.(type) {
	case *ConstantExpr:
		if signed {
			return src.SExt(width)
		}
		return src.ZExt(width)
	case *CastExpr:
		// Extensions of the same kind compose; zext inside sext is a zext.
		if src.Signed == signed || !src.Signed {
			return NewCastExpr(src.Src, width, src.Signed)
		}
	}
	return &CastExpr{Src: src, Width: width, Signed: signed}
}

// String returns the string representation of the expression.
func (e *CastExpr) String() string {
	if e.Signed {
		return fmt.Sprintf("(sext %s %d)", e.Src, e.Width)
	}
	return fmt.Sprintf("(zext %s %d)", e.Src, e.Width)
}

// IteExpr represents an if-then-else selection between two values.
type IteExpr struct {
	Cond Cond
	Then Expr
	Else Expr
}

// NewIteExpr returns a new instance of IteExpr.
func NewIteExpr(cond Cond, then, els Expr) Expr {
	if tw, ew := ExprWidth(then), ExprWidth(els); tw != ew {
		malformed("ite: width mismatch: %d != %d", tw, ew)
	}

	if c, ok := cond.(*ConstCond); ok {
		if c.Value {
			return then
		}
		return els
	} else if CompareExpr(then, els) == 0 {
		return then
	}
	return &IteExpr{Cond: cond, Then: then, Else: els}
}

// String returns the string representation of the expression.
func (e *IteExpr) String() string {
	return fmt.Sprintf("(ite %s %s %s)", e.Cond, e.Then, e.Else)
}

// ConstantExpr represents an unsigned integer of up to 256 bits.
type ConstantExpr struct {
	Value uint256.Int
	Width uint
}

// NewConstantExpr returns a new constant, truncated to width.
func NewConstantExpr(value uint64, width uint) *ConstantExpr {
	return NewConstantExprInt(uint256.NewInt(value), width)
}

// NewConstantExprInt returns a new constant from a 256-bit integer, truncated to width.
func NewConstantExprInt(value *uint256.Int, width uint) *ConstantExpr {
	if width == 0 || width > MaxWidth {
		malformed("const: invalid width: %d", width)
	}
	e := &ConstantExpr{Width: width}
	e.Value.And(value, bitmask(width))
	return e
}

// String returns the string representation of the expression.
func (e *ConstantExpr) String() string {
	return fmt.Sprintf("(const %s %d)", e.Value.Hex(), e.Width)
}

// Uint64 returns the low 64 bits of the value.
func (e *ConstantExpr) Uint64() uint64 {
	return e.Value.Uint64()
}

// Int64 returns the value interpreted as a two's complement integer of its width.
func (e *ConstantExpr) Int64() int64 {
	v := e.Value.Uint64()
	if e.Width < 64 && v&(1<<(e.Width-1)) != 0 {
		v |= ^uint64(0) << e.Width
	}
	return int64(v)
}

// IsZero returns true if the value is zero.
func (e *ConstantExpr) IsZero() bool { return e.Value.IsZero() }

// IsOne returns true if the value is one.
func (e *ConstantExpr) IsOne() bool { return e.Value.IsUint64() && e.Value.Uint64() == 1 }

// IsAllOnes returns true if all bits in the value are one.
func (e *ConstantExpr) IsAllOnes() bool {
	return e.Value.Eq(bitmask(e.Width))
}

// Add returns the sum of e and other.
func (e *ConstantExpr) Add(other *ConstantExpr) *ConstantExpr {
	assert(e.Width == other.Width, "add: width mismatch: %d != %d", e.Width, other.Width)
	var z uint256.Int
	return NewConstantExprInt(z.Add(&e.Value, &other.Value), e.Width)
}

// Sub returns the difference of e and other.
func (e *ConstantExpr) Sub(other *ConstantExpr) *ConstantExpr {
	assert(e.Width == other.Width, "sub: width mismatch: %d != %d", e.Width, other.Width)
	var z uint256.Int
	return NewConstantExprInt(z.Sub(&e.Value, &other.Value), e.Width)
}

// Neg returns the two's complement negation of e.
func (e *ConstantExpr) Neg() *ConstantExpr {
	return NewConstantExpr(0, e.Width).Sub(e)
}

// Mul returns the product of e and other.
func (e *ConstantExpr) Mul(other *ConstantExpr) *ConstantExpr {
	assert(e.Width == other.Width, "mul: width mismatch: %d != %d", e.Width, other.Width)
	var z uint256.Int
	return NewConstantExprInt(z.Mul(&e.Value, &other.Value), e.Width)
}

// UDiv returns the quotient of unsigned division. Division by zero is zero.
func (e *ConstantExpr) UDiv(other *ConstantExpr) *ConstantExpr {
	assert(e.Width == other.Width, "udiv: width mismatch: %d != %d", e.Width, other.Width)
	var z uint256.Int
	return NewConstantExprInt(z.Div(&e.Value, &other.Value), e.Width)
}

// URem returns the remainder of unsigned division. Division by zero is zero.
func (e *ConstantExpr) URem(other *ConstantExpr) *ConstantExpr {
	assert(e.Width == other.Width, "urem: width mismatch: %d != %d", e.Width, other.Width)
	var z uint256.Int
	return NewConstantExprInt(z.Mod(&e.Value, &other.Value), e.Width)
}

// And returns the bitwise AND of e and other.
func (e *ConstantExpr) And(other *ConstantExpr) *ConstantExpr {
	assert(e.Width == other.Width, "and: width mismatch: %d != %d", e.Width, other.Width)
	var z uint256.Int
	return NewConstantExprInt(z.And(&e.Value, &other.Value), e.Width)
}

// Or returns the bitwise OR of e and other.
func (e *ConstantExpr) Or(other *ConstantExpr) *ConstantExpr {
	assert(e.Width == other.Width, "or: width mismatch: %d != %d", e.Width, other.Width)
	var z uint256.Int
	return NewConstantExprInt(z.Or(&e.Value, &other.Value), e.Width)
}

// Xor returns the bitwise XOR of e and other.
func (e *ConstantExpr) Xor(other *ConstantExpr) *ConstantExpr {
	assert(e.Width == other.Width, "xor: width mismatch: %d != %d", e.Width, other.Width)
	var z uint256.Int
	return NewConstantExprInt(z.Xor(&e.Value, &other.Value), e.Width)
}

// Shl returns the value of e shifted left by other number of bits.
func (e *ConstantExpr) Shl(other *ConstantExpr) *ConstantExpr {
	if !other.Value.IsUint64() || other.Value.Uint64() >= uint64(e.Width) {
		return NewConstantExpr(0, e.Width)
	}
	var z uint256.Int
	return NewConstantExprInt(z.Lsh(&e.Value, uint(other.Value.Uint64())), e.Width)
}

// LShr returns the value of e logically shifted right by other number of bits.
func (e *ConstantExpr) LShr(other *ConstantExpr) *ConstantExpr {
	if !other.Value.IsUint64() || other.Value.Uint64() >= uint64(e.Width) {
		return NewConstantExpr(0, e.Width)
	}
	var z uint256.Int
	return NewConstantExprInt(z.Rsh(&e.Value, uint(other.Value.Uint64())), e.Width)
}

// Not returns the bitwise NOT of the expression.
func (e *ConstantExpr) Not() *ConstantExpr {
	var z uint256.Int
	return NewConstantExprInt(z.Not(&e.Value), e.Width)
}

// Extract returns bits high down to low, inclusive.
func (e *ConstantExpr) Extract(high, low uint) *ConstantExpr {
	var z uint256.Int
	return NewConstantExprInt(z.Rsh(&e.Value, low), high-low+1)
}

// Concat returns the concatenation of e and lsb.
func (e *ConstantExpr) Concat(lsb *ConstantExpr) *ConstantExpr {
	var z uint256.Int
	z.Lsh(&e.Value, lsb.Width)
	z.Or(&z, &lsb.Value)
	return NewConstantExprInt(&z, e.Width+lsb.Width)
}

// ZExt returns the zero-extension of e to a new width.
func (e *ConstantExpr) ZExt(width uint) *ConstantExpr {
	if e.Width == width {
		return e
	}
	return NewConstantExprInt(&e.Value, width)
}

// SExt returns the sign-extension of e to a new width.
func (e *ConstantExpr) SExt(width uint) *ConstantExpr {
	if width <= e.Width {
		return e.ZExt(width)
	}

	var sign uint256.Int
	if sign.Rsh(&e.Value, e.Width-1); sign.IsZero() {
		return NewConstantExprInt(&e.Value, width)
	}

	var z uint256.Int
	z.Xor(bitmask(width), bitmask(e.Width))
	z.Or(&z, &e.Value)
	return NewConstantExprInt(&z, width)
}

// Eq returns true if e and other hold the same value.
func (e *ConstantExpr) Eq(other *ConstantExpr) bool {
	assert(e.Width == other.Width, "eq: width mismatch: %d != %d", e.Width, other.Width)
	return e.Value.Eq(&other.Value)
}

// Ult returns true if e is less than other (unsigned).
func (e *ConstantExpr) Ult(other *ConstantExpr) bool {
	assert(e.Width == other.Width, "ult: width mismatch: %d != %d", e.Width, other.Width)
	return e.Value.Lt(&other.Value)
}

// bitmask returns a mask of the low width bits.
func bitmask(width uint) *uint256.Int {
	if width >= MaxWidth {
		return new(uint256.Int).SetAllOne()
	}
	m := new(uint256.Int).Lsh(uint256.NewInt(1), width)
	return m.Sub(m, uint256.NewInt(1))
}

// IsConstantExpr returns true if expr is an instance of ConstantExpr.
func IsConstantExpr(expr Expr) bool {
	_, ok := expr.(*ConstantExpr)
	return ok
}

// CompareExpr returns an integer comparing two expressions.
// The result will be 0 if a==b, -1 if a < b, and +1 if a > b.
func CompareExpr(a, b Expr) int {
	if a == nil && b != nil {
		return -1
	} else if a != nil && b == nil {
		return 1
	} else if a == nil && b == nil {
		return 0
	}

	if ak, bk := exprKind(a), exprKind(b); ak < bk {
		return -1
	} else if ak > bk {
		return 1
	}

	switch a := a.(type) {
	case *ConstantExpr:
		return compareConstantExpr(a, b.(*ConstantExpr))
	case *RegExpr:
		return compareRegExpr(a, b.(*RegExpr))
	case *MemExpr:
		return compareMemExpr(a, b.(*MemExpr))
	case *ConcatExpr:
		return compareConcatExpr(a, b.(*ConcatExpr))
	case *ExtractExpr:
		return compareExtractExpr(a, b.(*ExtractExpr))
	case *NotExpr:
		return CompareExpr(a.Expr, b.(*NotExpr).Expr)
	case *CastExpr:
		return compareCastExpr(a, b.(*CastExpr))
	case *BinaryExpr:
		return compareBinaryExpr(a, b.(*BinaryExpr))
	case *IteExpr:
		return compareIteExpr(a, b.(*IteExpr))
	default:
		panic("unreachable")
	}
}

func compareUint(a, b uint) int {
	if a < b {
		return -1
	} else if a > b {
		return 1
	}
	return 0
}

func compareConstantExpr(a, b *ConstantExpr) int {
	if cmp := compareUint(a.Width, b.Width); cmp != 0 {
		return cmp
	}
	return a.Value.Cmp(&b.Value)
}

func compareRegExpr(a, b *RegExpr) int {
	if cmp := compareUint(a.Width, b.Width); cmp != 0 {
		return cmp
	}
	return CompareReg(a.Reg, b.Reg)
}

func compareMemExpr(a, b *MemExpr) int {
	if cmp := compareUint(a.Width, b.Width); cmp != 0 {
		return cmp
	}
	return CompareExpr(a.Addr, b.Addr)
}

func compareConcatExpr(a, b *ConcatExpr) int {
	if cmp := CompareExpr(a.MSB, b.MSB); cmp != 0 {
		return cmp
	}
	return CompareExpr(a.LSB, b.LSB)
}

func compareExtractExpr(a, b *ExtractExpr) int {
	if cmp := compareUint(a.High, b.High); cmp != 0 {
		return cmp
	}
	if cmp := compareUint(a.Low, b.Low); cmp != 0 {
		return cmp
	}
	return CompareExpr(a.Expr, b.Expr)
}

func compareCastExpr(a, b *CastExpr) int {
	if a.Signed && !b.Signed {
		return -1
	} else if !a.Signed && b.Signed {
		return 1
	}
	if cmp := compareUint(a.Width, b.Width); cmp != 0 {
		return cmp
	}
	return CompareExpr(a.Src, b.Src)
}

func compareBinaryExpr(a, b *BinaryExpr) int {
	if a.Op < b.Op {
		return -1
	} else if a.Op > b.Op {
		return 1
	}
	if cmp := CompareExpr(a.LHS, b.LHS); cmp != 0 {
		return cmp
	}
	return CompareExpr(a.RHS, b.RHS)
}

func compareIteExpr(a, b *IteExpr) int {
	if cmp := CompareCond(a.Cond, b.Cond); cmp != 0 {
		return cmp
	}
	if cmp := CompareExpr(a.Then, b.Then); cmp != 0 {
		return cmp
	}
	return CompareExpr(a.Else, b.Else)
}

// exprKind returns a numeric value for the type of expression.
// Only used internally for equality checks and sorting.
func exprKind(expr Expr) int {
	switch expr.(type) {
	case *ConstantExpr:
		return 1
	case *RegExpr:
		return 2
	case *MemExpr:
		return 3
	case *ConcatExpr:
		return 4
	case *ExtractExpr:
		return 5
	case *NotExpr:
		return 6
	case *CastExpr:
		return 7
	case *BinaryExpr:
		return 8
	case *IteExpr:
		return 9
	default:
		panic("unreachable")
	}
}

// ExprVisitor represents a visitor that can be passed to WalkExpr().
type ExprVisitor interface {
	// Executed for every visited node. Return nil to skip the children.
	Visit(expr Expr) ExprVisitor
}

// WalkExpr traverses expr depth-first, including expressions nested in
// conditions of if-then-else nodes.
func WalkExpr(v ExprVisitor, expr Expr) {
	if v = v.Visit(expr); v == nil {
		return
	}

	switch expr := expr.(type) {
	case *BinaryExpr:
		WalkExpr(v, expr.LHS)
		WalkExpr(v, expr.RHS)
	case *CastExpr:
		WalkExpr(v, expr.Src)
	case *ConcatExpr:
		WalkExpr(v, expr.MSB)
		WalkExpr(v, expr.LSB)
	case *ExtractExpr:
		WalkExpr(v, expr.Expr)
	case *NotExpr:
		WalkExpr(v, expr.Expr)
	case *MemExpr:
		WalkExpr(v, expr.Addr)
	case *IteExpr:
		WalkCond(v, expr.Cond)
		WalkExpr(v, expr.Then)
		WalkExpr(v, expr.Else)
	case *ConstantExpr, *RegExpr:
		// nop
	default:
		panic("unreachable")
	}
}

type exprVisitorFunc func(Expr) bool

func (fn exprVisitorFunc) Visit(expr Expr) ExprVisitor {
	if fn(expr) {
		return fn
	}
	return nil
}

// ExprRegs returns the distinct registers referenced by the expressions, sorted.
func ExprRegs(exprs ...Expr) []Reg {
	m := make(map[Reg]struct{})
	v := exprVisitorFunc(func(expr Expr) bool {
		if expr, ok := expr.(*RegExpr); ok {
			m[expr.Reg] = struct{}{}
		}
		return true
	})
	for _, expr := range exprs {
		WalkExpr(v, expr)
	}
	return sortedRegs(m)
}

// ExprMems returns every memory read in the expressions in traversal order.
func ExprMems(exprs ...Expr) []*MemExpr {
	var a []*MemExpr
	v := exprVisitorFunc(func(expr Expr) bool {
		if expr, ok := expr.(*MemExpr); ok {
			a = append(a, expr)
		}
		return true
	})
	for _, expr := range exprs {
		WalkExpr(v, expr)
	}
	return a
}

// RewriteExpr returns a copy of expr rebuilt bottom-up through the smart
// constructors. If fn returns a non-nil expression for a node, that node is
// replaced and its children are not visited.
func RewriteExpr(expr Expr, fn func(Expr) Expr) Expr {
	if fn != nil {
		if other := fn(expr); other != nil {
			return other
		}
	}

	switch expr := expr.(type) {
	case *BinaryExpr:
		return NewBinaryExpr(expr.Op, RewriteExpr(expr.LHS, fn), RewriteExpr(expr.RHS, fn))
	case *CastExpr:
		return NewCastExpr(RewriteExpr(expr.Src, fn), expr.Width, expr.Signed)
	case *ConcatExpr:
		return NewConcatExpr(RewriteExpr(expr.MSB, fn), RewriteExpr(expr.LSB, fn))
	case *ExtractExpr:
		return NewExtractExpr(RewriteExpr(expr.Expr, fn), expr.High, expr.Low)
	case *NotExpr:
		return NewNotExpr(RewriteExpr(expr.Expr, fn))
	case *MemExpr:
		return NewMemExpr(RewriteExpr(expr.Addr, fn), expr.Width)
	case *IteExpr:
		return NewIteExpr(RewriteCond(expr.Cond, fn), RewriteExpr(expr.Then, fn), RewriteExpr(expr.Else, fn))
	case *ConstantExpr, *RegExpr:
		return expr
	default:
		panic("unreachable")
	}
}
