package rop

import (
	"fmt"
	"sort"
)

// alt is one alternative value of a node together with the condition under
// which it is taken and the memory access decisions it depends on.
type alt struct {
	value Expr
	cond  Cond
	acc   map[accessKey]int64
}

// instance is a template with every node reference substituted by one
// combination of the referenced nodes' alternatives.
type instance struct {
	exprs []Expr
	conds []Cond
	cond  Cond
	acc   map[accessKey]int64
}

// Extraction is the result of extracting dependencies from a graph.
type Extraction struct {
	Deps      *DependencySet
	Reads     []Expr // simplified addresses of every memory read
	Writes    []Expr // simplified addresses of every memory write
	Interrupt Opcode
	IntVector uint64
}

// ExtractDependencies resolves every final register and memory write down to
// entry-version registers and initial memory. The node arena is released
// once extraction completes.
func (g *Graph) ExtractDependencies() (_ *Extraction, err error) {
	assert(g.state == GraphExtracted, "graph not built")

	defer func() {
		if r := recover(); r != nil {
			e, ok := r.(*MalformedExpressionError)
			if !ok {
				panic(r)
			}
			err = unsupported(ReasonInstruction, "%s", e.Message)
		}
	}()

	x := &Extraction{
		Deps:      NewDependencySet(),
		Interrupt: g.interrupt,
		IntVector: g.intVector,
	}
	exit := g.untaken()

	ids := make([]uint32, 0, len(g.final.regs))
	for id := range g.final.regs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		idx := g.final.regs[id]
		if g.nodes[idx].kind == nodeInit {
			continue
		}

		insts, err := g.instantiate([]Expr{g.ref(idx)}, []Cond{exit})
		if err != nil {
			return nil, err
		}
		deps := make([]Dep, 0, len(insts))
		for _, inst := range insts {
			deps = append(deps, Dep{Value: inst.exprs[0], Cond: NewAndCond(inst.cond, inst.conds[0])})
		}

		deps = finalizeDeps(deps)
		if isIdentity(deps, id) || len(deps) == 0 {
			continue
		}
		x.Deps.Regs[id] = deps
	}

	if err := g.extractMemory(x, exit); err != nil {
		return nil, err
	}

	for _, idx := range g.loads {
		insts, err := g.instantiate([]Expr{g.nodes[idx].addr}, nil)
		if err != nil {
			return nil, err
		}
		for _, inst := range insts {
			x.Reads = appendUniqueExpr(x.Reads, Simplify(inst.exprs[0]))
		}
	}

	g.state = GraphSimplified
	g.nodes, g.writes, g.memo, g.final = nil, nil, nil, nil
	return x, nil
}

// extractMemory builds the memory dependencies from the final write-log. A
// later write to the same address shadows the earlier values whenever its
// own condition holds. A later write overlapping part of an earlier slot is
// spliced into that slot's bytes.
func (g *Graph) extractMemory(x *Extraction, exit Cond) error {
	var slots []*memSlot
	lookup := make(map[string]*memSlot)

	for _, wi := range g.final.writes {
		w := &g.writes[wi]
		insts, err := g.instantiate([]Expr{w.addr, w.value}, []Cond{w.guard, exit})
		if err != nil {
			return err
		}

		for _, inst := range insts {
			addr := Simplify(inst.exprs[0])
			value := inst.exprs[1]
			width := ExprWidth(value)
			cond := AndConds(inst.cond, inst.conds[0], inst.conds[1])
			x.Writes = appendUniqueExpr(x.Writes, addr)

			key := fmt.Sprintf("%s/%d", addr, width)
			for _, s := range slots {
				if s.key == key || g.separate(s.addr, addr) {
					continue
				}
				s.splice(addr, value, cond)
				if len(s.deps) > maxAlts {
					return unsupported(ReasonExplosion, "memory write at %s", s.addr)
				}
			}

			s := lookup[key]
			if s == nil {
				s = &memSlot{key: key, addr: addr, width: width}
				lookup[key] = s
				slots = append(slots, s)
			}

			for i := range s.deps {
				s.deps[i].Cond = NewAndCond(s.deps[i].Cond, NewNotCond(cond))
			}
			s.deps = append(s.deps, Dep{Value: value, Cond: cond})
		}
	}

	for _, s := range slots {
		if deps := finalizeDeps(s.deps); len(deps) > 0 {
			x.Deps.Mem = append(x.Deps.Mem, MemDep{Addr: s.addr, Width: s.width, Deps: deps})
		}
	}
	return nil
}

// memSlot holds the alternatives written to one address and width.
type memSlot struct {
	key   string
	addr  Expr
	width uint
	deps  []Dep
}

// splice applies a later write of v at aw under cond to the bytes of s that
// it overlaps. An unknown distance adds one guarded alternative per possible
// offset.
func (s *memSlot) splice(aw, v Expr, cond Cond) {
	size, sizeW := int64(s.width/8), int64(ExprWidth(v)/8)
	offsets := filterOffset(s.addr, aw, size, sizeW)
	if len(offsets) == 0 {
		return
	}
	_, known := constDiff(aw, s.addr)

	var deps []Dep
	for _, d := range s.deps {
		var hits []Cond
		for _, o := range offsets {
			hit := cond
			if !known {
				hit = NewAndCond(cond, NewCmpCond(EQ, aw, addOffset(s.addr, o)))
			}
			hits = append(hits, hit)
			deps = append(deps, Dep{Value: overwrite(d.Value, v, o, size, sizeW), Cond: NewAndCond(d.Cond, hit)})
		}
		deps = append(deps, Dep{Value: d.Value, Cond: NewAndCond(d.Cond, NewNotCond(OrConds(hits...)))})
	}
	s.deps = deps
}

// alts returns the memoized alternatives of node i.
func (g *Graph) alts(i int) ([]alt, error) {
	if a, ok := g.memo[i]; ok {
		return a, nil
	}

	n := &g.nodes[i]
	var a []alt
	switch n.kind {
	case nodeInit:
		a = []alt{{value: NewRegExpr(n.reg, n.width), cond: CondTrue}}

	case nodeValue:
		insts, err := g.instantiate([]Expr{n.value}, nil)
		if err != nil {
			return nil, err
		}
		for _, inst := range insts {
			a = append(a, alt{value: inst.exprs[0], cond: inst.cond, acc: inst.acc})
		}

	case nodeLoad:
		var err error
		if a, err = g.loadAlts(n); err != nil {
			return nil, err
		}

	case nodeIte:
		var err error
		if a, err = g.iteAlts(n); err != nil {
			return nil, err
		}
	}

	if len(a) > maxAlts {
		return nil, unsupported(ReasonExplosion, "%d alternatives for %s", len(a), n.reg)
	}
	g.memo[i] = a
	return a, nil
}

// iteAlts returns the alternatives of both merged nodes, each guarded by the
// branch condition that selects it.
func (g *Graph) iteAlts(n *node) ([]alt, error) {
	insts, err := g.instantiate(nil, []Cond{n.cond})
	if err != nil {
		return nil, err
	}
	thenAlts, err := g.alts(n.then)
	if err != nil {
		return nil, err
	}
	elseAlts, err := g.alts(n.els)
	if err != nil {
		return nil, err
	}

	var a []alt
	for _, inst := range insts {
		c := inst.conds[0]
		for _, branch := range []struct {
			alts []alt
			cond Cond
		}{{thenAlts, c}, {elseAlts, NewNotCond(c)}} {
			for _, x := range branch.alts {
				if !compatible(inst.acc, x.acc) {
					continue
				}
				cond := AndConds(inst.cond, branch.cond, x.cond)
				if _, t := Clean(cond); t == TriFalse {
					continue
				}
				a = append(a, alt{value: x.value, cond: cond, acc: mergeAccess(inst.acc, x.acc)})
			}
		}
	}
	return a, nil
}

// instantiate substitutes every node referenced by the templates with each
// compatible combination of the nodes' alternatives.
func (g *Graph) instantiate(exprs []Expr, conds []Cond) ([]instance, error) {
	refs := make(map[int]struct{})
	visitor := exprVisitorFunc(func(expr Expr) bool {
		if i, ok := isRef(expr); ok {
			refs[i] = struct{}{}
		}
		return true
	})
	for _, expr := range exprs {
		WalkExpr(visitor, expr)
	}
	for _, c := range conds {
		WalkCond(visitor, c)
	}

	order := make([]int, 0, len(refs))
	for i := range refs {
		order = append(order, i)
	}
	sort.Ints(order)

	type combo struct {
		subst map[int]Expr
		cond  Cond
		acc   map[accessKey]int64
	}
	combos := []combo{{subst: map[int]Expr{}, cond: CondTrue}}

	for _, i := range order {
		alts, err := g.alts(i)
		if err != nil {
			return nil, err
		}

		next := make([]combo, 0, len(combos)*len(alts))
		for _, c := range combos {
			for _, x := range alts {
				if !compatible(c.acc, x.acc) {
					continue
				}
				cond := NewAndCond(c.cond, x.cond)
				if len(alts) > 1 {
					if _, t := Clean(cond); t == TriFalse {
						continue
					}
				}

				subst := make(map[int]Expr, len(c.subst)+1)
				for k, v := range c.subst {
					subst[k] = v
				}
				subst[i] = x.value
				next = append(next, combo{subst: subst, cond: cond, acc: mergeAccess(c.acc, x.acc)})
			}
		}
		if len(next) > maxAlts {
			return nil, unsupported(ReasonExplosion, "%d combinations", len(next))
		}
		combos = next
	}

	insts := make([]instance, len(combos))
	for k, c := range combos {
		fn := func(expr Expr) Expr {
			if i, ok := isRef(expr); ok {
				return c.subst[i]
			}
			return nil
		}

		inst := instance{cond: c.cond, acc: c.acc}
		for _, expr := range exprs {
			inst.exprs = append(inst.exprs, RewriteExpr(expr, fn))
		}
		for _, cond := range conds {
			inst.conds = append(inst.conds, RewriteCond(cond, fn))
		}
		insts[k] = inst
	}
	return insts, nil
}

// finalizeDeps cleans and simplifies every alternative, drops those that
// cannot happen and splits if-then-else values into separate alternatives.
func finalizeDeps(deps []Dep) []Dep {
	var out []Dep
	for _, d := range deps {
		out = append(out, expandIte(Simplify(d.Value), d.Cond)...)
	}
	return out
}

func expandIte(value Expr, cond Cond) []Dep {
	cond, t := Clean(cond)
	if t == TriFalse {
		return nil
	}

	if ite, ok := value.(*IteExpr); ok {
		return append(
			expandIte(Simplify(ite.Then), NewAndCond(cond, ite.Cond)),
			expandIte(Simplify(ite.Else), NewAndCond(cond, NewNotCond(ite.Cond)))...,
		)
	}
	return []Dep{{Value: value, Cond: cond}}
}

// isIdentity returns true if register id is unconditionally restored to its
// entry value.
func isIdentity(deps []Dep, id uint32) bool {
	if len(deps) != 1 {
		return false
	} else if c, ok := deps[0].Cond.(*ConstCond); !ok || !c.Value {
		return false
	}
	r, ok := deps[0].Value.(*RegExpr)
	return ok && r.Reg == Reg{ID: id}
}

func appendUniqueExpr(a []Expr, expr Expr) []Expr {
	for _, other := range a {
		if CompareExpr(other, expr) == 0 {
			return a
		}
	}
	return append(a, expr)
}
