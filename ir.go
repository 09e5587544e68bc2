package rop

import (
	"fmt"
	"strings"
)

// Opcode represents a low-level IR operation.
type Opcode int

// IR operations.
const (
	OpStr     = Opcode(iota + 1) // Dst = A
	OpAdd                        // Dst = A + B
	OpSub                        // Dst = A - B
	OpMul                        // Dst = A * B
	OpDiv                        // Dst = A / B (unsigned)
	OpMod                        // Dst = A % B (unsigned)
	OpAnd                        // Dst = A & B
	OpOr                         // Dst = A | B
	OpXor                        // Dst = A ^ B
	OpNot                        // Dst = ~A
	OpShl                        // Dst = A << B
	OpShr                        // Dst = A >> B (logical)
	OpLdm                        // Dst = mem[A]
	OpStm                        // mem[Dst] = A
	OpBisz                       // Dst = A == 0 ? 1 : 0
	OpJcc                        // if A != 0 goto B
	OpNop                        // no operation
	OpSyscall                    // system call
	OpInt                        // software interrupt A
	OpUnknown                    // instruction that cannot be modeled
)

var opcodes = [...]string{
	OpStr:     "str",
	OpAdd:     "add",
	OpSub:     "sub",
	OpMul:     "mul",
	OpDiv:     "div",
	OpMod:     "mod",
	OpAnd:     "and",
	OpOr:      "or",
	OpXor:     "xor",
	OpNot:     "not",
	OpShl:     "shl",
	OpShr:     "shr",
	OpLdm:     "ldm",
	OpStm:     "stm",
	OpBisz:    "bisz",
	OpJcc:     "jcc",
	OpNop:     "nop",
	OpSyscall: "syscall",
	OpInt:     "int",
	OpUnknown: "unknown",
}

// String returns the mnemonic of the operation.
func (op Opcode) String() string {
	if op >= 0 && op < Opcode(len(opcodes)) && opcodes[op] != "" {
		return opcodes[op]
	}
	return fmt.Sprintf("Opcode<%d>", op)
}

// OperandKind represents the type of an IR operand.
type OperandKind int

// Operand kinds.
const (
	OperandNone = OperandKind(iota)
	OperandReg
	OperandTemp
	OperandImm
	OperandLabel
)

// Operand represents an IR operand.
//
// Register operands narrower than the register access the low Width bits.
// Label operands hold the index of the target instruction in Imm once the
// instruction list is finished.
type Operand struct {
	Kind  OperandKind
	ID    uint32 // register, temporary or label id
	Width uint
	Imm   uint64
}

// RegOp returns a register operand.
func RegOp(id uint32, width uint) Operand {
	return Operand{Kind: OperandReg, ID: id, Width: width}
}

// ImmOp returns an immediate operand.
func ImmOp(v uint64, width uint) Operand {
	return Operand{Kind: OperandImm, Imm: v, Width: width}
}

// IsZero returns true if the operand is unused.
func (o Operand) IsZero() bool { return o.Kind == OperandNone }

// String returns the string representation of the operand.
func (o Operand) String() string {
	switch o.Kind {
	case OperandReg:
		return fmt.Sprintf("r%d:%d", o.ID, o.Width)
	case OperandTemp:
		return fmt.Sprintf("t%d:%d", o.ID, o.Width)
	case OperandImm:
		return fmt.Sprintf("%#x:%d", o.Imm, o.Width)
	case OperandLabel:
		return fmt.Sprintf("@%d", o.Imm)
	default:
		return "_"
	}
}

// Instruction represents a single three-address IR instruction. Addr is the
// native address of the machine instruction it was translated from.
type Instruction struct {
	Op   Opcode
	A    Operand
	B    Operand
	Dst  Operand
	Addr uint64
}

// String returns the string representation of the instruction.
func (ins Instruction) String() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "%#x: %s", ins.Addr, ins.Op)
	for _, o := range []Operand{ins.A, ins.B, ins.Dst} {
		if !o.IsZero() {
			fmt.Fprintf(&buf, " %s", o)
		}
	}
	return buf.String()
}

// Translation is the result of translating machine code into IR.
type Translation struct {
	Instructions []Instruction
	Asm          string
	NInstr       int // number of native instructions
	End          uint64
}

// Translator translates raw machine code into IR. Returns a *DecodeError if
// the code cannot be decoded.
type Translator interface {
	Translate(code []byte, addr uint64) (*Translation, error)
}

// IRBuilder accumulates IR instructions for a single gadget.
type IRBuilder struct {
	Addr uint64 // native address attached to emitted instructions

	instrs []Instruction
	ntemps uint32
	labels []int // label id to instruction index, -1 if unplaced
}

// NewIRBuilder returns a new instance of IRBuilder.
func NewIRBuilder() *IRBuilder {
	return &IRBuilder{}
}

// Temp allocates a new temporary.
func (b *IRBuilder) Temp(width uint) Operand {
	b.ntemps++
	return Operand{Kind: OperandTemp, ID: b.ntemps, Width: width}
}

// Label allocates a new unplaced label.
func (b *IRBuilder) Label() Operand {
	b.labels = append(b.labels, -1)
	return Operand{Kind: OperandLabel, ID: uint32(len(b.labels) - 1)}
}

// Mark places label at the next emitted instruction.
func (b *IRBuilder) Mark(label Operand) {
	b.labels[label.ID] = len(b.instrs)
}

// Emit appends an instruction.
func (b *IRBuilder) Emit(op Opcode, a, bb, dst Operand) {
	b.instrs = append(b.instrs, Instruction{Op: op, A: a, B: bb, Dst: dst, Addr: b.Addr})
}

// Str emits dst = a.
func (b *IRBuilder) Str(a, dst Operand) { b.Emit(OpStr, a, Operand{}, dst) }

// Binary emits dst = a op bb.
func (b *IRBuilder) Binary(op Opcode, a, bb, dst Operand) { b.Emit(op, a, bb, dst) }

// Load emits dst = mem[addr].
func (b *IRBuilder) Load(addr, dst Operand) { b.Emit(OpLdm, addr, Operand{}, dst) }

// Store emits mem[addr] = v.
func (b *IRBuilder) Store(v, addr Operand) { b.Emit(OpStm, v, Operand{}, addr) }

// Jcc emits a conditional jump to target.
func (b *IRBuilder) Jcc(cond, target Operand) { b.Emit(OpJcc, cond, target, Operand{}) }

// Instructions returns the emitted instructions with labels resolved.
func (b *IRBuilder) Instructions() []Instruction {
	a := make([]Instruction, len(b.instrs))
	copy(a, b.instrs)
	for i := range a {
		if a[i].B.Kind == OperandLabel {
			idx := b.labels[a[i].B.ID]
			assert(idx >= 0, "label %d never placed", a[i].B.ID)
			a[i].B.Imm = uint64(idx)
		}
	}
	return a
}
