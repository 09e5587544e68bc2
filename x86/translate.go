package x86

import (
	"strings"

	"golang.org/x/arch/x86/x86asm"

	"github.com/benbjohnson/rop"
)

// Translator lowers x86 machine code to IR. Only ZF is modeled among the
// flags; instructions outside the supported subset are lowered to
// rop.OpUnknown so that the gadget is rejected during extraction.
type Translator struct {
	mode int
	arch *rop.Architecture
	zf   uint32
}

// NewTranslator returns a translator for a processor mode of 32 or 64 bits.
func NewTranslator(mode int) *Translator {
	arch := ArchForMode(mode)
	zf, err := arch.RegID("zf")
	if err != nil {
		panic(err)
	}
	return &Translator{mode: mode, arch: arch, zf: zf}
}

// Arch returns the architecture of the translator.
func (tr *Translator) Arch() *rop.Architecture { return tr.arch }

// Mode returns the processor mode in bits.
func (tr *Translator) Mode() int { return tr.mode }

// Translate decodes code at addr and lowers every instruction.
func (tr *Translator) Translate(code []byte, addr uint64) (*rop.Translation, error) {
	l := &lowerer{tr: tr, ir: rop.NewIRBuilder(), bits: tr.arch.Bits}

	var asm []string
	var n int
	for off := 0; off < len(code); {
		inst, err := x86asm.Decode(code[off:], tr.mode)
		if err == nil && inst.Op == 0 {
			// A truncated tail decodes as a bare prefix.
			err = x86asm.ErrTruncated
		}
		if err != nil {
			return nil, &rop.DecodeError{Addr: addr + uint64(off), Err: err}
		}

		pc := addr + uint64(off)
		asm = append(asm, strings.ToLower(x86asm.IntelSyntax(inst, pc, nil)))

		l.ir.Addr, l.next = pc, pc+uint64(inst.Len)
		if !l.lower(inst) {
			l.ir.Emit(rop.OpUnknown, rop.Operand{}, rop.Operand{}, rop.Operand{})
		}

		off += inst.Len
		n++
	}

	return &rop.Translation{
		Instructions: l.ir.Instructions(),
		Asm:          strings.Join(asm, "; "),
		NInstr:       n,
		End:          addr + uint64(len(code)),
	}, nil
}

// lowerer holds the state for translating a single gadget.
type lowerer struct {
	tr   *Translator
	ir   *rop.IRBuilder
	bits uint
	next uint64 // address of the following instruction
}

func (l *lowerer) word() uint64 { return uint64(l.bits / 8) }

func (l *lowerer) reg(id uint32) rop.Operand { return rop.RegOp(id, l.bits) }

func (l *lowerer) sp() rop.Operand { return l.reg(l.tr.arch.SP) }

func (l *lowerer) ip() rop.Operand { return l.reg(l.tr.arch.IP) }

func (l *lowerer) imm(v int64, width uint) rop.Operand {
	return rop.ImmOp(uint64(v)&mask(width), width)
}

func mask(width uint) uint64 {
	if width >= 64 {
		return ^uint64(0)
	}
	return (1 << width) - 1
}

// lower emits IR for inst. Returns false if the instruction is unsupported.
func (l *lowerer) lower(inst x86asm.Inst) bool {
	switch inst.Op {
	case x86asm.NOP:
		l.ir.Emit(rop.OpNop, rop.Operand{}, rop.Operand{}, rop.Operand{})
		return true
	case x86asm.MOV:
		return l.lowerMov(inst)
	case x86asm.MOVZX:
		return l.lowerMovzx(inst)
	case x86asm.LEA:
		return l.lowerLea(inst)
	case x86asm.PUSH:
		return l.lowerPush(inst)
	case x86asm.POP:
		return l.lowerPop(inst)
	case x86asm.ADD:
		return l.lowerBinary(inst, rop.OpAdd, inst.Args[1])
	case x86asm.SUB:
		return l.lowerBinary(inst, rop.OpSub, inst.Args[1])
	case x86asm.AND:
		return l.lowerBinary(inst, rop.OpAnd, inst.Args[1])
	case x86asm.OR:
		return l.lowerBinary(inst, rop.OpOr, inst.Args[1])
	case x86asm.XOR:
		return l.lowerBinary(inst, rop.OpXor, inst.Args[1])
	case x86asm.SHL:
		return l.lowerBinary(inst, rop.OpShl, inst.Args[1])
	case x86asm.SHR:
		return l.lowerBinary(inst, rop.OpShr, inst.Args[1])
	case x86asm.INC:
		return l.lowerBinary(inst, rop.OpAdd, x86asm.Imm(1))
	case x86asm.DEC:
		return l.lowerBinary(inst, rop.OpSub, x86asm.Imm(1))
	case x86asm.NEG:
		return l.lowerNeg(inst)
	case x86asm.NOT:
		return l.lowerNot(inst)
	case x86asm.XCHG:
		return l.lowerXchg(inst)
	case x86asm.LEAVE:
		l.ir.Str(l.reg(regBP), l.sp())
		return l.pop(x86asm.Arg(nil), regBP)
	case x86asm.CMP:
		return l.lowerCompare(inst, rop.OpSub)
	case x86asm.TEST:
		return l.lowerCompare(inst, rop.OpAnd)
	case x86asm.JE, x86asm.JNE:
		return l.lowerJcc(inst)
	case x86asm.JMP:
		return l.lowerJmp(inst)
	case x86asm.CALL:
		return l.lowerCall(inst)
	case x86asm.RET:
		return l.lowerRet(inst)
	case x86asm.SYSCALL:
		l.ir.Emit(rop.OpSyscall, rop.Operand{}, rop.Operand{}, rop.Operand{})
		return true
	case x86asm.INT:
		v, ok := inst.Args[0].(x86asm.Imm)
		if !ok {
			return false
		}
		l.ir.Emit(rop.OpInt, rop.ImmOp(uint64(v)&0xff, 8), rop.Operand{}, rop.Operand{})
		return true
	default:
		return false
	}
}

// regBP is the frame pointer id in both modes.
const regBP = 5

// width returns the operand width of arg.
func (l *lowerer) width(inst x86asm.Inst, arg x86asm.Arg) (uint, bool) {
	switch arg := arg.(type) {
	case x86asm.Reg:
		_, w, ok := regOperand(l.tr.mode, arg)
		return w, ok
	case x86asm.Mem:
		if inst.MemBytes > 0 {
			return uint(inst.MemBytes * 8), true
		}
		return uint(inst.DataSize), inst.DataSize > 0
	case x86asm.Imm:
		return uint(inst.DataSize), inst.DataSize > 0
	default:
		return 0, false
	}
}

// read returns an operand holding the value of arg at width bits. Memory
// arguments are loaded into a temporary.
func (l *lowerer) read(arg x86asm.Arg, width uint) (rop.Operand, bool) {
	switch arg := arg.(type) {
	case x86asm.Reg:
		id, w, ok := regOperand(l.tr.mode, arg)
		if !ok {
			return rop.Operand{}, false
		}
		return rop.RegOp(id, w), true
	case x86asm.Mem:
		addr, ok := l.addr(arg)
		if !ok {
			return rop.Operand{}, false
		}
		t := l.ir.Temp(width)
		l.ir.Load(addr, t)
		return t, true
	case x86asm.Imm:
		return l.imm(int64(arg), width), true
	default:
		return rop.Operand{}, false
	}
}

// write stores v into arg. 32-bit register writes in 64-bit mode clear the
// upper half; narrower writes preserve it.
func (l *lowerer) write(arg x86asm.Arg, v rop.Operand) bool {
	switch arg := arg.(type) {
	case x86asm.Reg:
		id, w, ok := regOperand(l.tr.mode, arg)
		if !ok {
			return false
		}
		if w == 32 && l.bits == 64 {
			w = 64
		}
		l.ir.Str(v, rop.RegOp(id, w))
		return true
	case x86asm.Mem:
		addr, ok := l.addr(arg)
		if !ok {
			return false
		}
		l.ir.Store(v, addr)
		return true
	default:
		return false
	}
}

// addr computes base + index*scale + disp into a temporary.
func (l *lowerer) addr(m x86asm.Mem) (rop.Operand, bool) {
	if m.Segment == x86asm.FS || m.Segment == x86asm.GS {
		return rop.Operand{}, false
	}

	t := l.ir.Temp(l.bits)
	switch m.Base {
	case 0:
		l.ir.Str(rop.ImmOp(0, l.bits), t)
	case x86asm.RIP, x86asm.EIP:
		l.ir.Str(rop.ImmOp(l.next&mask(l.bits), l.bits), t)
	default:
		id, w, ok := regOperand(l.tr.mode, m.Base)
		if !ok || w != l.bits {
			return rop.Operand{}, false
		}
		l.ir.Str(l.reg(id), t)
	}

	if m.Index != 0 {
		id, w, ok := regOperand(l.tr.mode, m.Index)
		if !ok || w != l.bits {
			return rop.Operand{}, false
		}
		s := l.ir.Temp(l.bits)
		l.ir.Binary(rop.OpMul, l.reg(id), rop.ImmOp(uint64(m.Scale), l.bits), s)
		l.ir.Binary(rop.OpAdd, t, s, t)
	}

	if m.Disp != 0 {
		l.ir.Binary(rop.OpAdd, t, l.imm(m.Disp, l.bits), t)
	}
	return t, true
}

func (l *lowerer) setZF(v rop.Operand) {
	l.ir.Emit(rop.OpBisz, v, rop.Operand{}, l.reg(l.tr.zf))
}

func (l *lowerer) lowerMov(inst x86asm.Inst) bool {
	w, ok := l.width(inst, inst.Args[0])
	if !ok {
		return false
	}
	v, ok := l.read(inst.Args[1], w)
	if !ok {
		return false
	}
	return l.write(inst.Args[0], v)
}

func (l *lowerer) lowerMovzx(inst x86asm.Inst) bool {
	dw, ok := l.width(inst, inst.Args[0])
	if !ok {
		return false
	}
	sw, ok := l.width(inst, inst.Args[1])
	if !ok {
		return false
	}
	v, ok := l.read(inst.Args[1], sw)
	if !ok {
		return false
	}
	t := l.ir.Temp(dw)
	l.ir.Str(v, t)
	return l.write(inst.Args[0], t)
}

func (l *lowerer) lowerLea(inst x86asm.Inst) bool {
	m, ok := inst.Args[1].(x86asm.Mem)
	if !ok {
		return false
	}
	w, ok := l.width(inst, inst.Args[0])
	if !ok {
		return false
	}
	addr, ok := l.addr(m)
	if !ok {
		return false
	}
	t := l.ir.Temp(w)
	l.ir.Str(addr, t)
	return l.write(inst.Args[0], t)
}

func (l *lowerer) lowerPush(inst x86asm.Inst) bool {
	if w, ok := l.width(inst, inst.Args[0]); ok && w != l.bits {
		if _, isImm := inst.Args[0].(x86asm.Imm); !isImm {
			return false
		}
	}
	v, ok := l.read(inst.Args[0], l.bits)
	if !ok {
		return false
	}
	l.push(v)
	return true
}

// push stores v below the stack pointer. v is copied first so that pushing
// the stack pointer stores its old value.
func (l *lowerer) push(v rop.Operand) {
	t := l.ir.Temp(l.bits)
	l.ir.Str(v, t)
	l.ir.Binary(rop.OpSub, l.sp(), rop.ImmOp(l.word(), l.bits), l.sp())
	l.ir.Store(t, l.sp())
}

func (l *lowerer) lowerPop(inst x86asm.Inst) bool {
	if w, ok := l.width(inst, inst.Args[0]); !ok || w != l.bits {
		return false
	}
	return l.pop(inst.Args[0], 0)
}

// pop loads a word from the stack into arg, or into register id when arg
// is nil.
func (l *lowerer) pop(arg x86asm.Arg, id uint32) bool {
	t := l.ir.Temp(l.bits)
	l.ir.Load(l.sp(), t)
	l.ir.Binary(rop.OpAdd, l.sp(), rop.ImmOp(l.word(), l.bits), l.sp())
	if arg == nil {
		l.ir.Str(t, l.reg(id))
		return true
	}
	return l.write(arg, t)
}

func (l *lowerer) lowerBinary(inst x86asm.Inst, op rop.Opcode, src x86asm.Arg) bool {
	w, ok := l.width(inst, inst.Args[0])
	if !ok {
		return false
	}
	a, ok := l.read(inst.Args[0], w)
	if !ok {
		return false
	}

	var b rop.Operand
	if imm, isImm := src.(x86asm.Imm); isImm && (op == rop.OpShl || op == rop.OpShr) {
		count := uint64(imm) & 31
		if w == 64 {
			count = uint64(imm) & 63
		}
		b = rop.ImmOp(count, w)
	} else if b, ok = l.read(src, w); !ok {
		return false
	}

	t := l.ir.Temp(w)
	l.ir.Binary(op, a, b, t)
	if !l.write(inst.Args[0], t) {
		return false
	}
	l.setZF(t)
	return true
}

func (l *lowerer) lowerNeg(inst x86asm.Inst) bool {
	w, ok := l.width(inst, inst.Args[0])
	if !ok {
		return false
	}
	a, ok := l.read(inst.Args[0], w)
	if !ok {
		return false
	}
	t := l.ir.Temp(w)
	l.ir.Binary(rop.OpSub, rop.ImmOp(0, w), a, t)
	if !l.write(inst.Args[0], t) {
		return false
	}
	l.setZF(t)
	return true
}

func (l *lowerer) lowerNot(inst x86asm.Inst) bool {
	w, ok := l.width(inst, inst.Args[0])
	if !ok {
		return false
	}
	a, ok := l.read(inst.Args[0], w)
	if !ok {
		return false
	}
	t := l.ir.Temp(w)
	l.ir.Emit(rop.OpNot, a, rop.Operand{}, t)
	return l.write(inst.Args[0], t)
}

func (l *lowerer) lowerXchg(inst x86asm.Inst) bool {
	w, ok := l.width(inst, inst.Args[0])
	if !ok {
		return false
	}
	a, ok := l.read(inst.Args[0], w)
	if !ok {
		return false
	}
	b, ok := l.read(inst.Args[1], w)
	if !ok {
		return false
	}

	ta, tb := l.ir.Temp(w), l.ir.Temp(w)
	l.ir.Str(a, ta)
	l.ir.Str(b, tb)
	return l.write(inst.Args[0], tb) && l.write(inst.Args[1], ta)
}

func (l *lowerer) lowerCompare(inst x86asm.Inst, op rop.Opcode) bool {
	w, ok := l.width(inst, inst.Args[0])
	if !ok {
		return false
	}
	a, ok := l.read(inst.Args[0], w)
	if !ok {
		return false
	}
	b, ok := l.read(inst.Args[1], w)
	if !ok {
		return false
	}
	t := l.ir.Temp(w)
	l.ir.Binary(op, a, b, t)
	l.setZF(t)
	return true
}

// target returns the absolute address of a relative branch.
func (l *lowerer) target(rel x86asm.Rel) rop.Operand {
	return rop.ImmOp((l.next+uint64(int64(rel)))&mask(l.bits), l.bits)
}

func (l *lowerer) lowerJcc(inst x86asm.Inst) bool {
	rel, ok := inst.Args[0].(x86asm.Rel)
	if !ok {
		return false
	}

	cond := l.reg(l.tr.zf)
	if inst.Op == x86asm.JNE {
		t := l.ir.Temp(l.bits)
		l.ir.Emit(rop.OpBisz, cond, rop.Operand{}, t)
		cond = t
	}
	l.ir.Jcc(cond, l.target(rel))
	return true
}

func (l *lowerer) lowerJmp(inst x86asm.Inst) bool {
	if rel, ok := inst.Args[0].(x86asm.Rel); ok {
		l.ir.Jcc(rop.ImmOp(1, l.bits), l.target(rel))
		return true
	}
	v, ok := l.read(inst.Args[0], l.bits)
	if !ok || v.Width != l.bits {
		return false
	}
	l.ir.Str(v, l.ip())
	return true
}

func (l *lowerer) lowerCall(inst x86asm.Inst) bool {
	if rel, ok := inst.Args[0].(x86asm.Rel); ok {
		l.ir.Jcc(rop.ImmOp(1, l.bits), l.target(rel))
		return true
	}
	v, ok := l.read(inst.Args[0], l.bits)
	if !ok || v.Width != l.bits {
		return false
	}

	t := l.ir.Temp(l.bits)
	l.ir.Str(v, t)
	l.push(rop.ImmOp(l.next&mask(l.bits), l.bits))
	l.ir.Str(t, l.ip())
	return true
}

func (l *lowerer) lowerRet(inst x86asm.Inst) bool {
	delta := l.word()
	if imm, ok := inst.Args[0].(x86asm.Imm); ok {
		delta += uint64(imm) & 0xffff
	}

	t := l.ir.Temp(l.bits)
	l.ir.Load(l.sp(), t)
	l.ir.Binary(rop.OpAdd, l.sp(), rop.ImmOp(delta, l.bits), l.sp())
	l.ir.Str(t, l.ip())
	return true
}
