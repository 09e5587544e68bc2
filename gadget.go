package rop

import (
	"fmt"
	"strings"

	"github.com/davecgh/go-spew/spew"
	"golang.org/x/tools/container/intsets"
)

// RetKind describes how a gadget transfers control when it completes.
type RetKind int

// Return kinds.
const (
	RetUnknown = RetKind(iota)
	RetPlain   // ip <- mem[sp + k]
	RetJmpReg  // ip <- reg
	RetCallReg // ip <- reg with the return address pushed
	RetSyscall
	RetInt80
)

var retKinds = [...]string{
	RetUnknown: "unknown",
	RetPlain:   "ret",
	RetJmpReg:  "jmp",
	RetCallReg: "call",
	RetSyscall: "syscall",
	RetInt80:   "int80",
}

// String returns the string representation of the return kind.
func (k RetKind) String() string {
	if k >= 0 && int(k) < len(retKinds) {
		return retKinds[k]
	}
	return fmt.Sprintf("RetKind<%d>", k)
}

// Gadget is an analyzed instruction sequence. It is immutable once added to
// a database except for the list of addresses where it occurs.
type Gadget struct {
	ID    int
	Bytes []byte
	Asm   string
	Addrs []uint64 // every occurrence, first is the original

	Deps *DependencySet

	StackDelta    int64
	HasStackDelta bool

	RetKind   RetKind
	RetReg    uint32 // register for RetJmpReg and RetCallReg
	RetOffset int64  // stack offset of the return address for RetPlain

	NInstr    int
	Modified  intsets.Sparse // registers written, excluding the instruction pointer
	MemReads  []Expr
	MemWrites []Expr
}

// ExtractGadget translates code at addr and builds a gadget from it.
func ExtractGadget(arch *Architecture, tr Translator, code []byte, addr uint64) (*Gadget, error) {
	if tr == nil {
		return nil, ErrNoTranslator
	}
	t, err := tr.Translate(code, addr)
	if err != nil {
		return nil, err
	}
	return NewGadget(arch, t, code, addr)
}

// NewGadget builds a gadget from translated code. Returns an
// *UnsupportedGadgetError if the code cannot be modeled.
func NewGadget(arch *Architecture, t *Translation, code []byte, addr uint64) (*Gadget, error) {
	end := t.End
	if end == 0 {
		end = addr + uint64(len(code))
	}

	graph := NewGraph(arch)
	if err := graph.Build(t.Instructions, addr, end); err != nil {
		return nil, err
	}
	x, err := graph.ExtractDependencies()
	if err != nil {
		return nil, err
	}

	g := &Gadget{
		Bytes:     append([]byte(nil), code...),
		Asm:       t.Asm,
		Addrs:     []uint64{addr},
		Deps:      x.Deps,
		NInstr:    t.NInstr,
		MemReads:  x.Reads,
		MemWrites: x.Writes,
	}
	for id := range x.Deps.Regs {
		if id != arch.IP {
			g.Modified.Insert(int(id))
		}
	}

	g.StackDelta, g.HasStackDelta = stackDelta(arch, x.Deps)
	g.classifyReturn(arch, x)
	return g, nil
}

// stackDelta returns c if the stack pointer is unconditionally sp + c.
func stackDelta(arch *Architecture, deps *DependencySet) (int64, bool) {
	if _, ok := deps.Regs[arch.SP]; !ok {
		return 0, true
	}
	v, ok := deps.Reg(arch.SP)
	if !ok {
		return 0, false
	}
	return spOffset(arch, v)
}

// spOffset returns c if addr is sp + c.
func spOffset(arch *Architecture, addr Expr) (int64, bool) {
	f, ok := ToLinearForm(addr, 0)
	if !ok {
		return 0, false
	}
	if id, ok := f.SingleReg(); !ok || id != arch.SP {
		return 0, false
	}
	return f.ConstExpr().Int64(), true
}

func (g *Gadget) classifyReturn(arch *Architecture, x *Extraction) {
	switch x.Interrupt {
	case OpSyscall:
		g.RetKind = RetSyscall
		return
	case OpInt:
		if x.IntVector == 0x80 {
			g.RetKind = RetInt80
		}
		return
	}

	ip, ok := x.Deps.Reg(arch.IP)
	if !ok {
		return
	}
	w := arch.WordBytes()

	switch ip := ip.(type) {
	case *MemExpr:
		k, ok := spOffset(arch, ip.Addr)
		if ok && ip.Width == arch.Bits && g.HasStackDelta && g.StackDelta >= w && k == g.StackDelta-w {
			g.RetKind, g.RetOffset = RetPlain, k
		}

	case *RegExpr:
		if ip.Reg.Version != 0 || ip.Reg.ID == arch.SP || ip.Reg.ID == arch.IP {
			return
		}
		g.RetKind, g.RetReg = RetJmpReg, ip.Reg.ID
		if g.HasStackDelta && g.StackDelta == -w && g.writesStack(arch, -w) {
			g.RetKind = RetCallReg
		}
	}
}

// writesStack returns true if the gadget writes a word at sp + off.
func (g *Gadget) writesStack(arch *Architecture, off int64) bool {
	for _, m := range g.Deps.Mem {
		if k, ok := spOffset(arch, m.Addr); ok && k == off && m.Width == arch.Bits {
			return true
		}
	}
	return false
}

// Addr returns the first address of the gadget.
func (g *Gadget) Addr() uint64 { return g.Addrs[0] }

// IsChainable returns true if the gadget ends in a plain return with a known,
// non-negative stack adjustment.
func (g *Gadget) IsChainable(arch *Architecture) bool {
	return g.RetKind == RetPlain && g.HasStackDelta && g.StackDelta >= arch.WordBytes()
}

// Modifies returns true if the gadget writes register id.
func (g *Gadget) Modifies(id uint32) bool { return g.Modified.Has(int(id)) }

// ReadRegs returns the ids of entry registers the gadget's results depend on.
func (g *Gadget) ReadRegs() []uint32 {
	var s intsets.Sparse
	for _, deps := range g.Deps.Regs {
		for _, d := range deps {
			for _, r := range ExprRegs(d.Value) {
				s.Insert(int(r.ID))
			}
			for _, r := range CondRegs(d.Cond) {
				s.Insert(int(r.ID))
			}
		}
	}
	for _, m := range g.Deps.Mem {
		for _, r := range ExprRegs(m.Addr) {
			s.Insert(int(r.ID))
		}
		for _, d := range m.Deps {
			for _, r := range ExprRegs(d.Value) {
				s.Insert(int(r.ID))
			}
		}
	}

	a := make([]uint32, 0, s.Len())
	for _, id := range s.AppendTo(nil) {
		a = append(a, uint32(id))
	}
	return a
}

// ValidityCond returns the condition that every memory access outside the
// stack is valid.
func (g *Gadget) ValidityCond(arch *Architecture) Cond {
	var conds []Cond
	for _, addr := range g.MemReads {
		if _, ok := spOffset(arch, addr); !ok {
			conds = append(conds, NewValidReadCond(addr))
		}
	}
	for _, addr := range g.MemWrites {
		if _, ok := spOffset(arch, addr); !ok {
			conds = append(conds, NewValidWriteCond(addr))
		}
	}
	return AndConds(conds...)
}

// String returns a one-line summary of the gadget.
func (g *Gadget) String() string {
	return fmt.Sprintf("%#x: %s", g.Addr(), g.Asm)
}

// Dump returns a detailed description of the gadget and its dependencies.
func (g *Gadget) Dump(arch *Architecture) string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "gadget %d: %s\n", g.ID, g.Asm)
	fmt.Fprintf(&buf, "addrs: %s\n", formatAddrs(g.Addrs))
	if g.HasStackDelta {
		fmt.Fprintf(&buf, "stack delta: %d\n", g.StackDelta)
	} else {
		fmt.Fprintf(&buf, "stack delta: unknown\n")
	}
	fmt.Fprintf(&buf, "return: %s\n", g.RetKind)
	buf.WriteString(g.Deps.Format(arch))
	buf.WriteString(dumpConfig.Sdump(g.Deps))
	return buf.String()
}

var dumpConfig = spew.ConfigState{
	Indent:                  "  ",
	DisablePointerAddresses: true,
	DisableCapacities:       true,
	DisableMethods:          true,
	SortKeys:                true,
}

func formatAddrs(addrs []uint64) string {
	a := make([]string, len(addrs))
	for i, addr := range addrs {
		a[i] = fmt.Sprintf("%#x", addr)
	}
	return strings.Join(a, " ")
}
