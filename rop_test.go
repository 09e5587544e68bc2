package rop_test

import (
	"testing"

	"github.com/benbjohnson/rop"
)

// Toy is a 32-bit machine with four general purpose registers.
var Toy = rop.MustNewArchitecture("toy", 32, []string{"r0", "r1", "r2", "r3", "sp", "ip"}, "sp", "ip")

// Toy register ids.
const (
	R0 = uint32(iota)
	R1
	R2
	R3
	SP
	IP
)

// Asm emits IR for toy machine instructions and counts them.
type Asm struct {
	*rop.IRBuilder
	n int
}

func reg(id uint32) rop.Operand { return rop.RegOp(id, 32) }
func imm(v uint64) rop.Operand  { return rop.ImmOp(v, 32) }

// Mov emits dst = src.
func (a *Asm) Mov(dst, src uint32) {
	a.Str(reg(src), reg(dst))
	a.n++
}

// MovImm emits dst = v.
func (a *Asm) MovImm(dst uint32, v uint64) {
	a.Str(imm(v), reg(dst))
	a.n++
}

// AddImm emits dst = dst + v.
func (a *Asm) AddImm(dst uint32, v uint64) {
	a.Binary(rop.OpAdd, reg(dst), imm(v), reg(dst))
	a.n++
}

// Pop emits dst = mem[sp]; sp = sp + 4.
func (a *Asm) Pop(dst uint32) {
	a.Load(reg(SP), reg(dst))
	a.Binary(rop.OpAdd, reg(SP), imm(4), reg(SP))
	a.n++
}

// StoreMem emits mem[base + off] = src.
func (a *Asm) StoreMem(base uint32, off uint64, src uint32) {
	t := a.Temp(32)
	a.Binary(rop.OpAdd, reg(base), imm(off), t)
	a.Store(reg(src), t)
	a.n++
}

// StoreLow emits a store of the low n bytes of src at base + off.
func (a *Asm) StoreLow(base uint32, off uint64, src uint32, n uint) {
	t := a.Temp(32)
	a.Binary(rop.OpAdd, reg(base), imm(off), t)
	a.Store(rop.RegOp(src, 8*n), t)
	a.n++
}

// LoadMem emits dst = mem[base + off].
func (a *Asm) LoadMem(dst, base uint32, off uint64) {
	t := a.Temp(32)
	a.Binary(rop.OpAdd, reg(base), imm(off), t)
	a.Load(t, reg(dst))
	a.n++
}

// Ret emits a return through the stack.
func (a *Asm) Ret() {
	t := a.Temp(32)
	a.Load(reg(SP), t)
	a.Binary(rop.OpAdd, reg(SP), imm(4), reg(SP))
	a.Str(t, reg(IP))
	a.n++
}

// Jmp emits an indirect jump through a register.
func (a *Asm) Jmp(id uint32) {
	a.Str(reg(id), reg(IP))
	a.n++
}

// Syscall emits a system call.
func (a *Asm) Syscall() {
	a.Emit(rop.OpSyscall, rop.Operand{}, rop.Operand{}, rop.Operand{})
	a.n++
}

// Translate returns the IR emitted by fn as a translation of asm at addr.
// The assembly text doubles as the gadget's raw bytes.
func Translate(addr uint64, asm string, fn func(a *Asm)) *rop.Translation {
	a := &Asm{IRBuilder: rop.NewIRBuilder()}
	a.Addr = addr
	fn(a)
	return &rop.Translation{
		Instructions: a.Instructions(),
		Asm:          asm,
		NInstr:       a.n,
		End:          addr + uint64(len(asm)),
	}
}

// MustGadget builds a toy gadget at addr. Fatal on error.
func MustGadget(tb testing.TB, addr uint64, asm string, fn func(a *Asm)) *rop.Gadget {
	tb.Helper()
	g, err := rop.NewGadget(Toy, Translate(addr, asm, fn), []byte(asm), addr)
	if err != nil {
		tb.Fatal(err)
	}
	return g
}

// MustDatabase returns a toy database holding gadgets. Fatal on error.
func MustDatabase(tb testing.TB, gadgets ...*rop.Gadget) *rop.Database {
	tb.Helper()
	db := rop.NewDatabase(Toy)
	for _, g := range gadgets {
		db.Add(g)
	}
	return db
}

// PopRet returns a "pop id; ret" gadget at addr.
func PopRet(tb testing.TB, addr uint64, id uint32) *rop.Gadget {
	tb.Helper()
	return MustGadget(tb, addr, "pop "+Toy.RegName(id)+"; ret", func(a *Asm) {
		a.Pop(id)
		a.Ret()
	})
}

// MovRet returns a "mov dst, src; ret" gadget at addr.
func MovRet(tb testing.TB, addr uint64, dst, src uint32) *rop.Gadget {
	tb.Helper()
	return MustGadget(tb, addr, "mov "+Toy.RegName(dst)+", "+Toy.RegName(src)+"; ret", func(a *Asm) {
		a.Mov(dst, src)
		a.Ret()
	})
}
