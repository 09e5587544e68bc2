package rop

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// Architecture describes a fixed-width register machine with a flat,
// byte-addressable memory. Register ids are indices into Regs.
type Architecture struct {
	Name      string
	Bits      uint
	Regs      []string
	SP        uint32 // stack pointer register id
	IP        uint32 // instruction pointer register id
	ByteOrder binary.ByteOrder

	ids map[string]uint32
}

// NewArchitecture returns a new architecture. The sp and ip names must be
// present in regs.
func NewArchitecture(name string, bits uint, regs []string, sp, ip string) (*Architecture, error) {
	if bits == 0 || bits%8 != 0 || bits > 64 {
		return nil, errors.Errorf("invalid word size: %d", bits)
	}

	a := &Architecture{
		Name:      name,
		Bits:      bits,
		Regs:      regs,
		ByteOrder: binary.LittleEndian,
		ids:       make(map[string]uint32, len(regs)),
	}
	for i, r := range regs {
		r = strings.ToLower(r)
		if _, ok := a.ids[r]; ok {
			return nil, errors.Errorf("duplicate register: %s", r)
		}
		a.ids[r] = uint32(i)
	}

	var err error
	if a.SP, err = a.RegID(sp); err != nil {
		return nil, errors.Wrap(err, "stack pointer")
	}
	if a.IP, err = a.RegID(ip); err != nil {
		return nil, errors.Wrap(err, "instruction pointer")
	}
	return a, nil
}

// MustNewArchitecture is like NewArchitecture but panics on error.
func MustNewArchitecture(name string, bits uint, regs []string, sp, ip string) *Architecture {
	a, err := NewArchitecture(name, bits, regs, sp, ip)
	if err != nil {
		panic(err)
	}
	return a
}

// RegID returns the id for a register name. Names are case insensitive.
func (a *Architecture) RegID(name string) (uint32, error) {
	id, ok := a.ids[strings.ToLower(name)]
	if !ok {
		return 0, errors.Wrap(ErrUnknownReg, name)
	}
	return id, nil
}

// RegName returns the name of a register id.
func (a *Architecture) RegName(id uint32) string {
	if int(id) < len(a.Regs) {
		return a.Regs[id]
	}
	return fmt.Sprintf("r%d", id)
}

// NumRegs returns the number of registers.
func (a *Architecture) NumRegs() int { return len(a.Regs) }

// WordBytes returns the word size in bytes.
func (a *Architecture) WordBytes() int64 { return int64(a.Bits / 8) }

// Reg returns an entry-version register expression.
func (a *Architecture) Reg(id uint32) *RegExpr {
	return NewRegExpr(Reg{ID: id}, a.Bits)
}

// Word returns a word-sized constant.
func (a *Architecture) Word(v uint64) *ConstantExpr {
	return NewConstantExpr(v, a.Bits)
}

// PackWord encodes v as a word in the architecture's byte order.
func (a *Architecture) PackWord(v uint64) []byte {
	buf := make([]byte, 8)
	a.ByteOrder.PutUint64(buf, v)
	if a.ByteOrder == binary.LittleEndian {
		return buf[:a.WordBytes()]
	}
	return buf[8-a.WordBytes():]
}

// FormatExpr renders expr in infix notation using register names.
func (a *Architecture) FormatExpr(expr Expr) string {
	switch expr := expr.(type) {
	case *ConstantExpr:
		if expr.Value.IsUint64() && expr.Value.Uint64() < 10 {
			return expr.Value.Dec()
		}
		return expr.Value.Hex()
	case *RegExpr:
		if expr.Reg.Version == 0 {
			return a.RegName(expr.Reg.ID)
		}
		return fmt.Sprintf("%s_%d", a.RegName(expr.Reg.ID), expr.Reg.Version)
	case *MemExpr:
		return fmt.Sprintf("mem%d[%s]", expr.Width, a.FormatExpr(expr.Addr))
	case *BinaryExpr:
		return fmt.Sprintf("(%s %s %s)", a.FormatExpr(expr.LHS), binaryOpSymbols[expr.Op], a.FormatExpr(expr.RHS))
	case *NotExpr:
		return "~" + a.FormatExpr(expr.Expr)
	case *CastExpr:
		if expr.Signed {
			return fmt.Sprintf("sext%d(%s)", expr.Width, a.FormatExpr(expr.Src))
		}
		return fmt.Sprintf("zext%d(%s)", expr.Width, a.FormatExpr(expr.Src))
	case *ConcatExpr:
		return fmt.Sprintf("{%s, %s}", a.FormatExpr(expr.MSB), a.FormatExpr(expr.LSB))
	case *ExtractExpr:
		return fmt.Sprintf("%s[%d:%d]", a.FormatExpr(expr.Expr), expr.High, expr.Low)
	case *IteExpr:
		return fmt.Sprintf("(%s ? %s : %s)", a.FormatCond(expr.Cond), a.FormatExpr(expr.Then), a.FormatExpr(expr.Else))
	default:
		return expr.String()
	}
}

// FormatCond renders c in infix notation using register names.
func (a *Architecture) FormatCond(c Cond) string {
	switch c := c.(type) {
	case *ConstCond:
		return fmt.Sprint(c.Value)
	case *CmpCond:
		return fmt.Sprintf("%s %s %s", a.FormatExpr(c.LHS), compareOpSymbols[c.Op], a.FormatExpr(c.RHS))
	case *AndCond:
		return fmt.Sprintf("(%s && %s)", a.FormatCond(c.LHS), a.FormatCond(c.RHS))
	case *OrCond:
		return fmt.Sprintf("(%s || %s)", a.FormatCond(c.LHS), a.FormatCond(c.RHS))
	case *NotCond:
		return "!" + a.FormatCond(c.Cond)
	case *ValidReadCond:
		return fmt.Sprintf("valid_read(%s)", a.FormatExpr(c.Addr))
	case *ValidWriteCond:
		return fmt.Sprintf("valid_write(%s)", a.FormatExpr(c.Addr))
	default:
		return c.String()
	}
}

var binaryOpSymbols = map[BinaryOp]string{
	ADD:  "+",
	SUB:  "-",
	MUL:  "*",
	UDIV: "/",
	UREM: "%",
	AND:  "&",
	OR:   "|",
	XOR:  "^",
	SHL:  "<<",
	LSHR: ">>",
}

var compareOpSymbols = map[CompareOp]string{
	EQ:  "==",
	NE:  "!=",
	UGT: ">",
	UGE: ">=",
	ULT: "<",
	ULE: "<=",
}
