package rop

import (
	"fmt"

	"github.com/pkg/errors"
)

// Standard widths.
const (
	WidthBool = 1
	Width8    = 8
	Width16   = 16
	Width32   = 32
	Width64   = 64

	// MaxWidth is the widest value the expression language can hold.
	MaxWidth = 256
)

var (
	ErrOracleTimeout  = errors.New("Oracle timeout")
	ErrOracleCanceled = errors.New("Oracle canceled")
	ErrOracleUnknown  = errors.New("Oracle unknown result")

	ErrBadBytes     = errors.New("no address free of bad bytes")
	ErrUnknownReg   = errors.New("unknown register")
	ErrNoTranslator = errors.New("no translator configured")
)

// MalformedExpressionError is raised, as a panic, when an expression or
// condition is constructed from operands with inconsistent widths.
type MalformedExpressionError struct {
	Message string
}

// Error returns the error as a string.
func (e *MalformedExpressionError) Error() string {
	return "malformed expression: " + e.Message
}

// malformed panics with a MalformedExpressionError.
func malformed(format string, args ...interface{}) {
	panic(&MalformedExpressionError{Message: fmt.Sprintf(format, args...)})
}

// UnsupportedGadget reasons.
const (
	ReasonInstruction  = "unsupported instruction"
	ReasonJumpInside   = "jump inside gadget"
	ReasonJumpBackward = "backward jump"
	ReasonJumpTarget   = "unresolved jump target"
	ReasonFarJump      = "far jump"
	ReasonExplosion    = "too many alternatives"
	ReasonTrailing     = "instructions after interrupt"
	ReasonEmpty        = "empty gadget"
)

// UnsupportedGadgetError is returned when an instruction sequence cannot be
// modeled. The gadget is skipped and the batch continues.
type UnsupportedGadgetError struct {
	Reason string
	Detail string
}

// Error returns the error as a string.
func (e *UnsupportedGadgetError) Error() string {
	if e.Detail == "" {
		return "unsupported gadget: " + e.Reason
	}
	return fmt.Sprintf("unsupported gadget: %s: %s", e.Reason, e.Detail)
}

func unsupported(reason, format string, args ...interface{}) error {
	return &UnsupportedGadgetError{Reason: reason, Detail: fmt.Sprintf(format, args...)}
}

// DecodeError is returned by a Translator when machine code cannot be decoded.
type DecodeError struct {
	Addr uint64
	Err  error
}

// Error returns the error as a string.
func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode error at %#x: %s", e.Addr, e.Err)
}

// Unwrap returns the underlying decoder error.
func (e *DecodeError) Unwrap() error { return e.Err }

// QuerySyntaxError is returned when a query string cannot be parsed.
type QuerySyntaxError struct {
	Pos     int
	Message string
}

// Error returns the error as a string.
func (e *QuerySyntaxError) Error() string {
	return fmt.Sprintf("query syntax error at %d: %s", e.Pos, e.Message)
}

// SkipReason returns the report bucket for an extraction error.
func SkipReason(err error) string {
	var uerr *UnsupportedGadgetError
	var derr *DecodeError
	switch {
	case errors.As(err, &uerr):
		return uerr.Reason
	case errors.As(err, &derr):
		return "decode error"
	default:
		return "error"
	}
}

// assert panics if condition is false.
func assert(condition bool, format string, args ...interface{}) {
	if !condition {
		panic(fmt.Sprintf("assert: "+format, args...))
	}
}
