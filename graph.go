package rop

import (
	"github.com/pkg/errors"
)

// GraphState represents the lifecycle of a dependency graph.
type GraphState int

// Graph states.
const (
	GraphEmpty = GraphState(iota)
	GraphBuilding
	GraphExtracted
	GraphSimplified
)

// refBase is the first register id used for node placeholders in templates.
const refBase = 1 << 31

// maxAlts is the maximum number of alternatives per node.
const maxAlts = 64

type nodeKind int

const (
	nodeInit  = nodeKind(iota + 1) // entry value of a register
	nodeValue                      // expression template over other nodes
	nodeLoad                       // memory read
	nodeIte                        // merge of two nodes at a join point
)

// node is a single entry in the graph arena. Templates reference other
// nodes through placeholder register expressions (see ref).
type node struct {
	kind  nodeKind
	reg   Reg // register written by this node, if any
	width uint

	value Expr // nodeValue

	addr   Expr  // nodeLoad
	writes []int // nodeLoad: visible writes at the time of the read

	cond      Cond // nodeIte
	then, els int  // nodeIte
}

// write is one entry of the memory write-log.
type write struct {
	ordinal int
	addr    Expr
	value   Expr
	guard   Cond // path condition under which the write happens
}

// Graph is a versioned dependency graph built from a flat IR instruction
// list. Nodes live in an arena and reference each other by index.
type Graph struct {
	arch  *Architecture
	state GraphState

	nodes  []node
	writes []write
	loads  []int

	// Conditions of native early-exit branches in order of appearance and the
	// cumulative condition that none of branches 0..k were taken.
	branchConds  []Cond
	untakenConds []Cond

	// Address range of the gadget's machine code.
	start, end uint64

	interrupt Opcode // OpSyscall or OpInt if the gadget ends in one
	intVector uint64

	final *buildState
	memo  map[int][]alt
}

// NewGraph returns a new, empty graph for arch.
func NewGraph(arch *Architecture) *Graph {
	return &Graph{
		arch: arch,
		memo: make(map[int][]alt),
	}
}

// State returns the current lifecycle state of the graph.
func (g *Graph) State() GraphState { return g.state }

// untaken returns the cumulative condition that no early-exit branch was taken.
func (g *Graph) untaken() Cond {
	if len(g.untakenConds) == 0 {
		return CondTrue
	}
	return g.untakenConds[len(g.untakenConds)-1]
}

// buildState holds the live mapping of registers and temporaries to values
// along one path through the instruction list.
type buildState struct {
	regs     map[uint32]int
	versions map[uint32]uint32 // shared by all paths
	temps    map[uint32]Expr
	writes   []int
	path     []Cond // local branch conditions taken to reach this point
}

func (s *buildState) clone() *buildState {
	other := &buildState{
		regs:     make(map[uint32]int, len(s.regs)),
		versions: s.versions,
		temps:    make(map[uint32]Expr, len(s.temps)),
		writes:   make([]int, len(s.writes)),
		path:     make([]Cond, len(s.path)),
	}
	for k, v := range s.regs {
		other.regs[k] = v
	}
	for k, v := range s.temps {
		other.temps[k] = v
	}
	copy(other.writes, s.writes)
	copy(other.path, s.path)
	return other
}

func (s *buildState) guard() Cond {
	return AndConds(s.path...)
}

// Build processes the instruction list in order. start and end give the
// native address range of the gadget code.
func (g *Graph) Build(instrs []Instruction, start, end uint64) (err error) {
	assert(g.state == GraphEmpty, "graph already built")
	g.state = GraphBuilding
	g.start, g.end = start, end

	if len(instrs) == 0 {
		return unsupported(ReasonEmpty, "no instructions")
	}

	// Width mismatches from the translator are reported per gadget.
	defer func() {
		if r := recover(); r != nil {
			e, ok := r.(*MalformedExpressionError)
			if !ok {
				panic(r)
			}
			err = unsupported(ReasonInstruction, "%s", e.Message)
		}
	}()

	state := &buildState{
		regs:     make(map[uint32]int),
		versions: make(map[uint32]uint32),
		temps:    make(map[uint32]Expr),
	}
	for id := range g.arch.Regs {
		state.regs[uint32(id)] = g.newNode(node{
			kind:  nodeInit,
			reg:   Reg{ID: uint32(id)},
			width: g.arch.Bits,
		})
	}

	pending := make(map[int][]*buildState)
	for i := 0; i <= len(instrs); i++ {
		// Merge every path that jumps to this instruction.
		for _, other := range pending[i] {
			if state == nil {
				state = other
			} else {
				state = g.merge(state, other)
			}
		}
		delete(pending, i)

		if i == len(instrs) || state == nil {
			continue
		}

		ins := instrs[i]
		if g.interrupt != 0 && ins.Op != OpNop {
			return unsupported(ReasonTrailing, "%s", ins)
		}

		if ins.Op == OpJcc {
			taken, err := g.buildJccInstr(state, ins, i)
			if err != nil {
				return err
			} else if taken != nil {
				if int(ins.B.Imm) > len(instrs) {
					return unsupported(ReasonJumpTarget, "%s", ins)
				}
				pending[int(ins.B.Imm)] = append(pending[int(ins.B.Imm)], taken)
			}
			if isUnconditional(ins) {
				state = nil
			}
			continue
		}

		if err := g.buildInstr(state, ins); err != nil {
			return err
		}
	}

	if state == nil {
		return unsupported(ReasonJumpTarget, "no path reaches the end of the gadget")
	}
	g.final = state
	g.state = GraphExtracted
	return nil
}

// isUnconditional returns true if the jump condition is a non-zero immediate.
func isUnconditional(ins Instruction) bool {
	return ins.A.Kind == OperandImm && ins.A.Imm != 0
}

func (g *Graph) newNode(n node) int {
	g.nodes = append(g.nodes, n)
	return len(g.nodes) - 1
}

// ref returns the placeholder expression referencing node i.
func (g *Graph) ref(i int) Expr {
	return NewRegExpr(Reg{ID: refBase + uint32(i)}, g.nodes[i].width)
}

// isRef returns the node index for a placeholder expression.
func isRef(expr Expr) (int, bool) {
	if expr, ok := expr.(*RegExpr); ok && expr.Reg.ID >= refBase {
		return int(expr.Reg.ID - refBase), true
	}
	return 0, false
}

// setReg records a new version of a register.
func (g *Graph) setReg(state *buildState, id uint32, n node) {
	state.versions[id]++
	n.reg = Reg{ID: id, Version: state.versions[id]}
	state.regs[id] = g.newNode(n)
}

// read returns the template for an operand, resized to width if non-zero.
func (g *Graph) read(state *buildState, o Operand, width uint) (Expr, error) {
	var v Expr
	switch o.Kind {
	case OperandReg:
		idx, ok := state.regs[o.ID]
		if !ok {
			return nil, errors.Wrapf(ErrUnknownReg, "r%d", o.ID)
		}
		v = g.ref(idx)
		if o.Width != 0 && o.Width < g.arch.Bits {
			v = NewExtractExpr(v, o.Width-1, 0)
		}
	case OperandTemp:
		t, ok := state.temps[o.ID]
		if !ok {
			return nil, unsupported(ReasonInstruction, "read of undefined temporary t%d", o.ID)
		}
		v = t
	case OperandImm:
		w := o.Width
		if w == 0 {
			w = g.arch.Bits
		}
		v = NewConstantExpr(o.Imm, w)
	default:
		return nil, unsupported(ReasonInstruction, "invalid operand: %s", o)
	}

	if width != 0 {
		v = resize(v, width)
	}
	return v, nil
}

// resize zero-extends or truncates v to width.
func resize(v Expr, width uint) Expr {
	switch w := ExprWidth(v); {
	case w < width:
		return NewCastExpr(v, width, false)
	case w > width:
		return NewExtractExpr(v, width-1, 0)
	default:
		return v
	}
}

// operandWidth returns the width of a destination operand.
func (g *Graph) operandWidth(o Operand) uint {
	if o.Width == 0 {
		return g.arch.Bits
	}
	return o.Width
}

// assign writes a template value to a destination operand.
func (g *Graph) assign(state *buildState, dst Operand, v Expr) error {
	switch dst.Kind {
	case OperandReg:
		old, ok := state.regs[dst.ID]
		if !ok {
			return errors.Wrapf(ErrUnknownReg, "r%d", dst.ID)
		}
		if w := ExprWidth(v); w < g.arch.Bits {
			// Partial writes preserve the upper bits.
			v = NewConcatExpr(NewExtractExpr(g.ref(old), g.arch.Bits-1, w), v)
		}
		g.setReg(state, dst.ID, node{kind: nodeValue, width: g.arch.Bits, value: v})
		return nil
	case OperandTemp:
		state.temps[dst.ID] = v
		return nil
	default:
		return unsupported(ReasonInstruction, "invalid destination: %s", dst)
	}
}

func (g *Graph) buildInstr(state *buildState, ins Instruction) error {
	switch ins.Op {
	case OpStr:
		return g.buildStrInstr(state, ins)
	case OpAdd, OpSub, OpMul, OpDiv, OpMod, OpAnd, OpOr, OpXor, OpShl, OpShr:
		return g.buildBinaryInstr(state, ins)
	case OpNot:
		return g.buildNotInstr(state, ins)
	case OpLdm:
		return g.buildLdmInstr(state, ins)
	case OpStm:
		return g.buildStmInstr(state, ins)
	case OpBisz:
		return g.buildBiszInstr(state, ins)
	case OpNop:
		return nil
	case OpSyscall, OpInt:
		g.interrupt, g.intVector = ins.Op, ins.A.Imm
		return nil
	default:
		return unsupported(ReasonInstruction, "%s", ins)
	}
}

func (g *Graph) buildStrInstr(state *buildState, ins Instruction) error {
	v, err := g.read(state, ins.A, g.operandWidth(ins.Dst))
	if err != nil {
		return err
	}
	return g.assign(state, ins.Dst, v)
}

var binaryOpcodes = map[Opcode]BinaryOp{
	OpAdd: ADD,
	OpSub: SUB,
	OpMul: MUL,
	OpDiv: UDIV,
	OpMod: UREM,
	OpAnd: AND,
	OpOr:  OR,
	OpXor: XOR,
	OpShl: SHL,
	OpShr: LSHR,
}

func (g *Graph) buildBinaryInstr(state *buildState, ins Instruction) error {
	w := g.operandWidth(ins.Dst)
	a, err := g.read(state, ins.A, w)
	if err != nil {
		return err
	}
	b, err := g.read(state, ins.B, w)
	if err != nil {
		return err
	}
	return g.assign(state, ins.Dst, NewBinaryExpr(binaryOpcodes[ins.Op], a, b))
}

func (g *Graph) buildNotInstr(state *buildState, ins Instruction) error {
	a, err := g.read(state, ins.A, g.operandWidth(ins.Dst))
	if err != nil {
		return err
	}
	return g.assign(state, ins.Dst, NewNotExpr(a))
}

func (g *Graph) buildBiszInstr(state *buildState, ins Instruction) error {
	a, err := g.read(state, ins.A, 0)
	if err != nil {
		return err
	}
	w := g.operandWidth(ins.Dst)
	zero := NewCmpCond(EQ, a, NewConstantExpr(0, ExprWidth(a)))
	v := NewIteExpr(zero, NewConstantExpr(1, w), NewConstantExpr(0, w))
	return g.assign(state, ins.Dst, v)
}

func (g *Graph) buildLdmInstr(state *buildState, ins Instruction) error {
	addr, err := g.read(state, ins.A, g.arch.Bits)
	if err != nil {
		return err
	}

	w := g.operandWidth(ins.Dst)
	if w%8 != 0 {
		return unsupported(ReasonInstruction, "load width %d", w)
	}

	n := node{kind: nodeLoad, width: w, addr: addr, writes: append([]int(nil), state.writes...)}
	if ins.Dst.Kind == OperandReg && w == g.arch.Bits {
		g.setReg(state, ins.Dst.ID, n)
		g.loads = append(g.loads, state.regs[ins.Dst.ID])
		return nil
	}

	idx := g.newNode(n)
	g.loads = append(g.loads, idx)
	return g.assign(state, ins.Dst, g.ref(idx))
}

func (g *Graph) buildStmInstr(state *buildState, ins Instruction) error {
	addr, err := g.read(state, ins.Dst, g.arch.Bits)
	if err != nil {
		return err
	}
	v, err := g.read(state, ins.A, 0)
	if err != nil {
		return err
	}
	if ExprWidth(v)%8 != 0 {
		return unsupported(ReasonInstruction, "store width %d", ExprWidth(v))
	}

	g.writes = append(g.writes, write{
		ordinal: len(g.writes),
		addr:    addr,
		value:   v,
		guard:   state.guard(),
	})
	state.writes = append(state.writes, len(g.writes)-1)
	return nil
}

// buildJccInstr handles a conditional jump. IR-local forward jumps return the
// state for the taken path. Native jumps outside the gadget are early exits
// and only constrain the remaining path.
func (g *Graph) buildJccInstr(state *buildState, ins Instruction, i int) (*buildState, error) {
	c, err := g.jumpCond(state, ins.A)
	if err != nil {
		return nil, err
	}

	switch ins.B.Kind {
	case OperandLabel:
		if int(ins.B.Imm) <= i {
			return nil, unsupported(ReasonJumpBackward, "%s", ins)
		}
		taken := state.clone()
		taken.path = append(taken.path, c)
		state.path = append(state.path, NewNotCond(c))
		return taken, nil

	case OperandImm:
		if ins.B.Imm >= g.start && ins.B.Imm < g.end {
			return nil, unsupported(ReasonJumpInside, "%#x", ins.B.Imm)
		} else if isUnconditional(ins) {
			return nil, unsupported(ReasonFarJump, "%#x", ins.B.Imm)
		}

		exit := NewAndCond(state.guard(), c)
		g.branchConds = append(g.branchConds, exit)
		g.untakenConds = append(g.untakenConds, NewAndCond(g.untaken(), NewNotCond(exit)))
		state.path = append(state.path, NewNotCond(c))
		return nil, nil

	default:
		return nil, unsupported(ReasonJumpTarget, "%s", ins)
	}
}

func (g *Graph) jumpCond(state *buildState, o Operand) (Cond, error) {
	v, err := g.read(state, o, 0)
	if err != nil {
		return nil, err
	}
	return NewCmpCond(NE, v, NewConstantExpr(0, ExprWidth(v))), nil
}

// merge joins two paths at a label. Registers with different values become
// if-then-else nodes selected by the condition of the first path.
func (g *Graph) merge(a, b *buildState) *buildState {
	// Split path conditions into the shared prefix and the diverging tails.
	var n int
	for n < len(a.path) && n < len(b.path) && CompareCond(a.path[n], b.path[n]) == 0 {
		n++
	}
	ca, cb := AndConds(a.path[n:]...), AndConds(b.path[n:]...)

	out := a.clone()
	out.path = append(out.path[:n:n], NewOrCond(ca, cb))
	if c, ok := out.path[n].(*ConstCond); ok && c.Value {
		out.path = out.path[:n]
	}

	for id, ai := range a.regs {
		if bi := b.regs[id]; ai != bi {
			g.setReg(out, id, node{kind: nodeIte, width: g.arch.Bits, cond: ca, then: ai, els: bi})
		}
	}

	for id, bt := range b.temps {
		if at, ok := a.temps[id]; !ok {
			out.temps[id] = bt
		} else if CompareExpr(at, bt) != 0 && ExprWidth(at) == ExprWidth(bt) {
			out.temps[id] = NewIteExpr(ca, at, bt)
		}
	}

	// Writes carry their own path guards so the diverging suffixes can
	// simply be concatenated.
	var k int
	for k < len(a.writes) && k < len(b.writes) && a.writes[k] == b.writes[k] {
		k++
	}
	out.writes = append(out.writes, b.writes[k:]...)
	return out
}
