package z3

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
	"unsafe"

	"github.com/benbjohnson/rop"
)

/*
#cgo LDFLAGS: -lz3
#include <z3.h>
#include <stdlib.h>
#include <stdio.h>
*/
import "C"

// Ensure oracle implements interface.
var _ rop.Oracle = (*Oracle)(nil)

// Oracle decides satisfiability of conditions using an embedded Z3 solver.
// Registers are free bit-vector constants, memory is an uninterpreted byte
// array per address width, and validity predicates are free booleans.
type Oracle struct {
	mu    sync.Mutex
	ctx   *Context
	stats Stats
}

// NewOracle returns a new instance of Oracle.
func NewOracle() *Oracle {
	return &Oracle{
		ctx: NewContext(),
	}
}

// Close deletes the underlying Z3 context.
func (o *Oracle) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.ctx.Close()
}

// Stats returns statistics for the oracle.
func (o *Oracle) Stats() Stats {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.stats
}

// CheckSat returns whether c has a satisfying assignment. The check is
// interrupted when ctx is done.
func (o *Oracle) CheckSat(ctx context.Context, c rop.Cond) (result rop.SatResult, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	t := time.Now()
	defer func() {
		o.stats.CheckN++
		o.stats.CheckTime += time.Since(t)
		if result == rop.SatUnknown {
			o.stats.UnknownN++
		}
	}()

	if err := ctx.Err(); err != nil {
		return rop.SatUnknown, canceled(err)
	}

	solver := C.Z3_mk_solver(o.ctx.raw)
	if err := o.ctx.err("Z3_mk_solver"); err != nil {
		return rop.SatUnknown, err
	}
	C.Z3_solver_inc_ref(o.ctx.raw, solver)
	defer C.Z3_solver_dec_ref(o.ctx.raw, solver)

	z3Cond, err := o.ctx.toBool(c)
	if err != nil {
		return rop.SatUnknown, err
	}
	C.Z3_solver_assert(o.ctx.raw, solver, z3Cond)
	if err := o.ctx.err("Z3_solver_assert"); err != nil {
		return rop.SatUnknown, err
	}

	// Interrupt the solver from another goroutine when ctx is done.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			C.Z3_interrupt(o.ctx.raw)
		case <-done:
		}
	}()

	ret := C.Z3_solver_check(o.ctx.raw, solver)
	if err := o.ctx.err("Z3_solver_check"); err != nil {
		return rop.SatUnknown, err
	}

	switch ret {
	case C.Z3_L_FALSE:
		return rop.Unsat, nil
	case C.Z3_L_TRUE:
		return rop.Sat, nil
	}

	if err := ctx.Err(); err != nil {
		return rop.SatUnknown, canceled(err)
	}
	reason := C.GoString(C.Z3_solver_get_reason_unknown(o.ctx.raw, solver))
	switch {
	case strings.Contains(reason, "timeout"):
		return rop.SatUnknown, rop.ErrOracleTimeout
	case strings.Contains(reason, "canceled"), strings.Contains(reason, "interrupted"):
		return rop.SatUnknown, rop.ErrOracleCanceled
	case strings.Contains(reason, "unknown"):
		return rop.SatUnknown, rop.ErrOracleUnknown
	default:
		return rop.SatUnknown, fmt.Errorf("z3: %s", reason)
	}
}

func canceled(err error) error {
	if err == context.DeadlineExceeded {
		return rop.ErrOracleTimeout
	}
	return rop.ErrOracleCanceled
}

// Context represents a Z3 context object that is used for constructing expressions.
type Context struct {
	raw C.Z3_context
}

// NewContext returns a new instance of Context.
func NewContext() *Context {
	config := C.Z3_mk_config()
	defer C.Z3_del_config(config)

	raw := C.Z3_mk_context(config)
	C.Z3_set_error_handler(raw, nil)
	C.Z3_set_ast_print_mode(raw, C.Z3_PRINT_SMTLIB2_COMPLIANT)
	return &Context{raw: raw}
}

// Close deletes the underlying Z3 context.
func (ctx *Context) Close() error {
	C.Z3_del_context(ctx.raw)
	return ctx.err("Z3_del_context")
}

// err returns the error for the last API call. Returns nil if last call was successful.
func (ctx *Context) err(op string) error {
	if code := C.Z3_get_error_code(ctx.raw); code != C.Z3_OK {
		return &Error{Code: int(code), Op: op, Message: C.GoString(C.Z3_get_error_msg(ctx.raw, code))}
	}
	return nil
}

// toBool returns a boolean Z3_ast for a condition.
func (ctx *Context) toBool(c rop.Cond) (C.Z3_ast, error) {
	switch c := c.(type) {
	case *rop.ConstCond:
		if c.Value {
			return C.Z3_mk_true(ctx.raw), ctx.err("Z3_mk_true")
		}
		return C.Z3_mk_false(ctx.raw), ctx.err("Z3_mk_false")
	case *rop.CmpCond:
		return ctx.toCmpAST(c)
	case *rop.AndCond:
		return ctx.toLogicalAST(c.LHS, c.RHS, true)
	case *rop.OrCond:
		return ctx.toLogicalAST(c.LHS, c.RHS, false)
	case *rop.NotCond:
		src, err := ctx.toBool(c.Cond)
		if err != nil {
			return nil, err
		}
		return C.Z3_mk_not(ctx.raw, src), ctx.err("Z3_mk_not")
	case *rop.ValidReadCond:
		return ctx.makeBoolConst("valid_read:" + c.Addr.String())
	case *rop.ValidWriteCond:
		return ctx.makeBoolConst("valid_write:" + c.Addr.String())
	default:
		return nil, fmt.Errorf("z3.Context.toBool: invalid condition type: %T", c)
	}
}

func (ctx *Context) toLogicalAST(a, b rop.Cond, and bool) (C.Z3_ast, error) {
	lhs, err := ctx.toBool(a)
	if err != nil {
		return nil, err
	}
	rhs, err := ctx.toBool(b)
	if err != nil {
		return nil, err
	}

	args := [2]C.Z3_ast{lhs, rhs}
	if and {
		return C.Z3_mk_and(ctx.raw, 2, &args[0]), ctx.err("Z3_mk_and")
	}
	return C.Z3_mk_or(ctx.raw, 2, &args[0]), ctx.err("Z3_mk_or")
}

func (ctx *Context) toCmpAST(c *rop.CmpCond) (C.Z3_ast, error) {
	lhs, err := ctx.toAST(c.LHS)
	if err != nil {
		return nil, err
	}
	rhs, err := ctx.toAST(c.RHS)
	if err != nil {
		return nil, err
	}

	switch c.Op {
	case rop.EQ:
		return C.Z3_mk_eq(ctx.raw, lhs, rhs), ctx.err("Z3_mk_eq")
	case rop.NE:
		eq := C.Z3_mk_eq(ctx.raw, lhs, rhs)
		if err := ctx.err("Z3_mk_eq"); err != nil {
			return nil, err
		}
		return C.Z3_mk_not(ctx.raw, eq), ctx.err("Z3_mk_not")
	case rop.UGT:
		return C.Z3_mk_bvugt(ctx.raw, lhs, rhs), ctx.err("Z3_mk_bvugt")
	case rop.UGE:
		return C.Z3_mk_bvuge(ctx.raw, lhs, rhs), ctx.err("Z3_mk_bvuge")
	case rop.ULT:
		return C.Z3_mk_bvult(ctx.raw, lhs, rhs), ctx.err("Z3_mk_bvult")
	case rop.ULE:
		return C.Z3_mk_bvule(ctx.raw, lhs, rhs), ctx.err("Z3_mk_bvule")
	default:
		return nil, fmt.Errorf("z3.Context.toCmpAST: unexpected operation: %s", c.Op)
	}
}

// toAST returns a bit-vector Z3_ast for an expression.
func (ctx *Context) toAST(expr rop.Expr) (C.Z3_ast, error) {
	switch expr := expr.(type) {
	case *rop.ConstantExpr:
		return ctx.toConstantAST(expr)
	case *rop.RegExpr:
		return ctx.makeBVConst(fmt.Sprintf("r%d_%d", expr.Reg.ID, expr.Reg.Version), expr.Width)
	case *rop.MemExpr:
		return ctx.toMemAST(expr)
	case *rop.ConcatExpr:
		return ctx.toConcatAST(expr)
	case *rop.ExtractExpr:
		return ctx.toExtractAST(expr)
	case *rop.CastExpr:
		return ctx.toCastAST(expr)
	case *rop.NotExpr:
		src, err := ctx.toAST(expr.Expr)
		if err != nil {
			return nil, err
		}
		return C.Z3_mk_bvnot(ctx.raw, src), ctx.err("Z3_mk_bvnot")
	case *rop.IteExpr:
		return ctx.toIteAST(expr)
	case *rop.BinaryExpr:
		return ctx.toBinaryAST(expr)
	default:
		return nil, fmt.Errorf("z3.Context.toAST: invalid expression type: %T", expr)
	}
}

func (ctx *Context) toConstantAST(expr *rop.ConstantExpr) (C.Z3_ast, error) {
	if expr.Width <= 64 {
		return ctx.makeUint64(expr.Width, expr.Value.Uint64())
	}

	t, err := ctx.makeBVSort(expr.Width)
	if err != nil {
		return nil, err
	}
	cvalue := C.CString(expr.Value.Dec())
	defer C.free(unsafe.Pointer(cvalue))
	return C.Z3_mk_numeral(ctx.raw, cvalue, t), ctx.err("Z3_mk_numeral")
}

// toMemAST reads Width/8 bytes little-endian from the memory array.
func (ctx *Context) toMemAST(expr *rop.MemExpr) (C.Z3_ast, error) {
	addr, err := ctx.toAST(expr.Addr)
	if err != nil {
		return nil, err
	}
	aw := rop.ExprWidth(expr.Addr)
	array, err := ctx.makeMemory(aw)
	if err != nil {
		return nil, err
	}

	var value C.Z3_ast
	for i := uint(0); i < expr.Width/8; i++ {
		offset, err := ctx.makeUint64(aw, uint64(i))
		if err != nil {
			return nil, err
		}
		index := C.Z3_mk_bvadd(ctx.raw, addr, offset)
		if err := ctx.err("Z3_mk_bvadd"); err != nil {
			return nil, err
		}
		b := C.Z3_mk_select(ctx.raw, array, index)
		if err := ctx.err("Z3_mk_select"); err != nil {
			return nil, err
		}

		if i == 0 {
			value = b
			continue
		}
		value = C.Z3_mk_concat(ctx.raw, b, value)
		if err := ctx.err("Z3_mk_concat"); err != nil {
			return nil, err
		}
	}
	return value, nil
}

func (ctx *Context) toConcatAST(expr *rop.ConcatExpr) (C.Z3_ast, error) {
	msb, err := ctx.toAST(expr.MSB)
	if err != nil {
		return nil, err
	}
	lsb, err := ctx.toAST(expr.LSB)
	if err != nil {
		return nil, err
	}
	return C.Z3_mk_concat(ctx.raw, msb, lsb), ctx.err("Z3_mk_concat")
}

func (ctx *Context) toExtractAST(expr *rop.ExtractExpr) (C.Z3_ast, error) {
	src, err := ctx.toAST(expr.Expr)
	if err != nil {
		return nil, err
	}
	return C.Z3_mk_extract(ctx.raw, C.uint(expr.High), C.uint(expr.Low), src), ctx.err("Z3_mk_extract")
}

func (ctx *Context) toCastAST(expr *rop.CastExpr) (C.Z3_ast, error) {
	src, err := ctx.toAST(expr.Src)
	if err != nil {
		return nil, err
	}

	sw := rop.ExprWidth(expr.Src)
	switch {
	case expr.Width < sw:
		return C.Z3_mk_extract(ctx.raw, C.uint(expr.Width-1), 0, src), ctx.err("Z3_mk_extract")
	case expr.Width == sw:
		return src, nil
	case expr.Signed:
		return C.Z3_mk_sign_ext(ctx.raw, C.uint(expr.Width-sw), src), ctx.err("Z3_mk_sign_ext")
	default:
		return C.Z3_mk_zero_ext(ctx.raw, C.uint(expr.Width-sw), src), ctx.err("Z3_mk_zero_ext")
	}
}

func (ctx *Context) toIteAST(expr *rop.IteExpr) (C.Z3_ast, error) {
	cond, err := ctx.toBool(expr.Cond)
	if err != nil {
		return nil, err
	}
	then, err := ctx.toAST(expr.Then)
	if err != nil {
		return nil, err
	}
	els, err := ctx.toAST(expr.Else)
	if err != nil {
		return nil, err
	}
	return C.Z3_mk_ite(ctx.raw, cond, then, els), ctx.err("Z3_mk_ite")
}

func (ctx *Context) toBinaryAST(expr *rop.BinaryExpr) (C.Z3_ast, error) {
	lhs, err := ctx.toAST(expr.LHS)
	if err != nil {
		return nil, err
	}
	rhs, err := ctx.toAST(expr.RHS)
	if err != nil {
		return nil, err
	}

	switch expr.Op {
	case rop.ADD:
		return C.Z3_mk_bvadd(ctx.raw, lhs, rhs), ctx.err("Z3_mk_bvadd")
	case rop.SUB:
		return C.Z3_mk_bvsub(ctx.raw, lhs, rhs), ctx.err("Z3_mk_bvsub")
	case rop.MUL:
		return C.Z3_mk_bvmul(ctx.raw, lhs, rhs), ctx.err("Z3_mk_bvmul")
	case rop.UDIV:
		return C.Z3_mk_bvudiv(ctx.raw, lhs, rhs), ctx.err("Z3_mk_bvudiv")
	case rop.UREM:
		return C.Z3_mk_bvurem(ctx.raw, lhs, rhs), ctx.err("Z3_mk_bvurem")
	case rop.AND:
		return C.Z3_mk_bvand(ctx.raw, lhs, rhs), ctx.err("Z3_mk_bvand")
	case rop.OR:
		return C.Z3_mk_bvor(ctx.raw, lhs, rhs), ctx.err("Z3_mk_bvor")
	case rop.XOR:
		return C.Z3_mk_bvxor(ctx.raw, lhs, rhs), ctx.err("Z3_mk_bvxor")
	case rop.SHL:
		return C.Z3_mk_bvshl(ctx.raw, lhs, rhs), ctx.err("Z3_mk_bvshl")
	case rop.LSHR:
		return C.Z3_mk_bvlshr(ctx.raw, lhs, rhs), ctx.err("Z3_mk_bvlshr")
	default:
		return nil, fmt.Errorf("z3.Context.toBinaryAST: unexpected operation: %s", expr.Op)
	}
}

func (ctx *Context) makeBVSort(width uint) (C.Z3_sort, error) {
	return C.Z3_mk_bv_sort(ctx.raw, C.uint(width)), ctx.err("Z3_mk_bv_sort")
}

func (ctx *Context) makeUint64(width uint, value uint64) (C.Z3_ast, error) {
	t, err := ctx.makeBVSort(width)
	if err != nil {
		return nil, err
	}
	return C.Z3_mk_unsigned_int64(ctx.raw, C.uint64_t(value), t), ctx.err("Z3_mk_unsigned_int64")
}

func (ctx *Context) makeSymbol(name string) C.Z3_symbol {
	cname := C.CString(name)
	defer C.free(unsafe.Pointer(cname))
	return C.Z3_mk_string_symbol(ctx.raw, cname)
}

// makeBVConst returns a named bit-vector constant.
func (ctx *Context) makeBVConst(name string, width uint) (C.Z3_ast, error) {
	t, err := ctx.makeBVSort(width)
	if err != nil {
		return nil, err
	}
	return C.Z3_mk_const(ctx.raw, ctx.makeSymbol(name), t), ctx.err("Z3_mk_const")
}

// makeBoolConst returns a named boolean constant.
func (ctx *Context) makeBoolConst(name string) (C.Z3_ast, error) {
	t := C.Z3_mk_bool_sort(ctx.raw)
	if err := ctx.err("Z3_mk_bool_sort"); err != nil {
		return nil, err
	}
	return C.Z3_mk_const(ctx.raw, ctx.makeSymbol(name), t), ctx.err("Z3_mk_const")
}

// makeMemory returns the memory array for addresses of width bits.
func (ctx *Context) makeMemory(width uint) (C.Z3_ast, error) {
	domainSort, err := ctx.makeBVSort(width)
	if err != nil {
		return nil, err
	}
	rangeSort, err := ctx.makeBVSort(rop.Width8)
	if err != nil {
		return nil, err
	}
	arraySort := C.Z3_mk_array_sort(ctx.raw, domainSort, rangeSort)
	if err := ctx.err("Z3_mk_array_sort"); err != nil {
		return nil, err
	}
	return C.Z3_mk_const(ctx.raw, ctx.makeSymbol(fmt.Sprintf("mem%d", width)), arraySort), ctx.err("Z3_mk_const")
}

// Error represents an error from the Z3 API.
type Error struct {
	Code    int
	Op      string
	Message string
}

// Error returns the error as a string.
func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s (%d)", e.Op, e.Message, e.Code)
}

// Possible error codes.
const (
	ErrorCodeOK = iota
	ErrorCodeSortError
	ErrorCodeIOB
	ErrorCodeInvalidArg
	ErrorCodeParserError
	ErrorCodeNoParser
	ErrorCodeInvalidPattern
	ErrorCodeMemoutFail
	ErrorCodeFileAccessError
	ErrorCodeInternalFatal
	ErrorCodeInvalidUsage
	ErrorCodeDecRefError
	ErrorCodeException
)

// Stats holds counters for oracle queries.
type Stats struct {
	CheckN    int
	UnknownN  int
	CheckTime time.Duration
}
