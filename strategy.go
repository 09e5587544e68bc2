package rop

import "fmt"

// searchFanout is the number of gadgets tried per bucket by the chaining
// strategies.
const searchFanout = 8

// searchPop loads a constant into a register by popping it from the stack.
func (e *Engine) searchPop(q *Query, env searchEnv, n int) []*Chain {
	if q.Kind != RegQuery {
		return nil
	}
	c, ok := q.Value.(*ConstantExpr)
	if !ok || hasBadBytes(e.arch, c.Uint64(), env.badBytes) {
		return nil
	}

	w := e.arch.WordBytes()
	var chains []*Chain
	for _, off := range e.db.StackPopOffsets(q.Dst) {
		if off < 0 || off%w != 0 {
			continue
		}
		key := IndexKey{Kind: IndexRegMem, Dst: q.Dst, Src: e.arch.SP, Offset: off}
		for _, g := range e.db.Lookup(key, searchFanout) {
			if len(chains) >= n {
				return chains
			}
			if !g.IsChainable(e.arch) || off >= g.StackDelta-w || !e.usable(g, env, q.Dst, true) {
				continue
			}
			slots := map[int64]ChainItem{
				off / w: {Value: c.Uint64(), Comment: fmt.Sprintf("%s = %#x", e.arch.RegName(q.Dst), c.Uint64())},
			}
			if chain := e.gadgetChain(g, env, slots); chain != nil {
				chains = append(chains, chain)
			}
		}
	}
	return chains
}

// searchTransitive realizes dst = v through an intermediate register m by
// solving m = v and then dst = m.
func (e *Engine) searchTransitive(q *Query, env searchEnv, n int) []*Chain {
	if q.Kind != RegQuery {
		return nil
	}
	src, isReg := q.Value.(*RegExpr)

	var chains []*Chain
	for m := uint32(0); m < uint32(e.arch.NumRegs()); m++ {
		if len(chains) >= n {
			break
		}
		if m == q.Dst || m == e.arch.SP || m == e.arch.IP || env.unusable.Has(m) {
			continue
		} else if isReg && src.Reg.ID == m {
			continue
		} else if len(e.db.Bucket(IndexKey{Kind: IndexRegReg, Dst: q.Dst, Src: m})) == 0 {
			continue
		}

		second := &Query{Kind: RegQuery, Dst: q.Dst, Value: e.arch.Reg(m)}
		tails := e.search(second, env.deeper().withUnusable(m).withLimit(env.limit-1), 1)
		if len(tails) == 0 {
			continue
		}
		tail := tails[0]

		first := &Query{Kind: RegQuery, Dst: m, Value: q.Value}
		heads := e.search(first, env.deeper().withUnusable(q.Dst).withLimit(env.limit-tail.Len()), 1)
		if len(heads) == 0 {
			continue
		}
		chains = append(chains, Concat(heads[0], tail))
	}
	return chains
}

// searchAdjust makes a gadget ending in a register jump or call usable by
// first loading the register with the address of a trampoline that returns
// through the stack.
func (e *Engine) searchAdjust(q *Query, env searchEnv, n int) []*Chain {
	w := e.arch.WordBytes()

	var chains []*Chain
	for _, g := range e.matches(q) {
		if len(chains) >= n {
			break
		}
		if g.RetKind != RetJmpReg && g.RetKind != RetCallReg {
			continue
		} else if !g.HasStackDelta || !e.usable(g, env, q.Dst, q.Kind == RegQuery) {
			continue
		}

		j := g.RetReg
		if env.unusable.Has(j) || (q.Kind == RegQuery && j == q.Dst) || exprReadsReg(q.Value, j) {
			continue
		}
		akey := adjustKey{gadget: g.ID, reg: j, unusable: env.unusableKey()}
		if f, ok := env.memo.adjust[akey]; ok && f.covers(env) {
			continue
		}

		found := false
		for _, t := range e.trampolines(q, env) {
			if len(chains) >= n {
				break
			}
			total := g.StackDelta + t.StackDelta
			if total < w {
				continue
			}
			npad := int((total - w) / w)

			addr, ok := e.cleanAddr(t, env)
			if !ok {
				continue
			}

			var keep []uint32
			for _, id := range g.ReadRegs() {
				if id != j {
					keep = append(keep, id)
				}
			}
			load := &Query{Kind: RegQuery, Dst: j, Value: e.arch.Word(addr)}
			prefixes := e.search(load, env.deeper().withUnusable(keep...).withLimit(env.limit-1-npad), 1)
			if len(prefixes) == 0 {
				continue
			}

			chain := Concat(prefixes[0])
			chain.AddGadget(g)
			for i := 0; i < npad; i++ {
				chain.AddPadding(e.filler(env), "padding")
			}
			if chain.Len() > env.limit {
				continue
			}
			chains = append(chains, chain)
			found = true
		}

		if !found {
			env.memo.adjust[akey] = failure{limit: env.limit, depth: env.depth}
		}
	}
	return chains
}

// trampolines returns chainable gadgets that load the instruction pointer
// from the stack without disturbing the query's result.
func (e *Engine) trampolines(q *Query, env searchEnv) []*Gadget {
	var a []*Gadget
	for _, off := range e.db.StackPopOffsets(e.arch.IP) {
		key := IndexKey{Kind: IndexRegMem, Dst: e.arch.IP, Src: e.arch.SP, Offset: off}
		for _, t := range e.db.Lookup(key, searchFanout) {
			if !t.IsChainable(e.arch) || !e.usable(t, env, 0, false) {
				continue
			} else if q.Kind == RegQuery && t.Modifies(q.Dst) {
				continue
			} else if q.Kind == MemQuery && len(t.MemWrites) > 0 {
				continue
			}
			a = appendUniqueGadget(a, t)
		}
	}
	return a
}

// cleanAddr returns the first occurrence of g free of bad bytes.
func (e *Engine) cleanAddr(g *Gadget, env searchEnv) (uint64, bool) {
	for _, addr := range g.Addrs {
		if !hasBadBytes(e.arch, addr, env.badBytes) {
			return addr, true
		}
	}
	return 0, false
}

// searchMemory composes memory writes from register loads and stores, and
// memory reads from address setup and loads.
func (e *Engine) searchMemory(q *Query, env searchEnv, n int) []*Chain {
	switch q.Kind {
	case MemQuery:
		return e.searchStore(q, env, n)
	case RegQuery:
		if m, ok := q.Value.(*MemExpr); ok && m.Width == e.arch.Bits {
			return e.searchLoad(q, m, env, n)
		}
	}
	return nil
}

// searchStore realizes mem(a) = v with a store gadget mem[b+o] = s by
// setting b = a-o and s = v in either order.
func (e *Engine) searchStore(q *Query, env searchEnv, n int) []*Chain {
	var chains []*Chain
	for _, slot := range e.db.StoreSlots() {
		if len(chains) >= n {
			break
		}
		b, s := slot.Base, slot.Reg
		if b == s || s == e.arch.SP || s == e.arch.IP {
			continue
		} else if env.unusable.Has(b) || env.unusable.Has(s) {
			continue
		}

		key := IndexKey{Kind: IndexMemReg, Dst: b, Offset: slot.Offset, Src: s}
		for _, st := range e.db.Lookup(key, searchFanout) {
			if len(chains) >= n {
				break
			}
			if !st.IsChainable(e.arch) || !e.usable(st, env, 0, false) {
				continue
			}
			store := e.gadgetChain(st, env, nil)
			if store == nil {
				continue
			}

			base := &Query{Kind: RegQuery, Dst: b, Value: Simplify(NewBinaryExpr(SUB, q.Addr, e.arch.Word(uint64(slot.Offset))))}
			value := &Query{Kind: RegQuery, Dst: s, Value: q.Value}
			if c := e.searchPair(base, value, q.Value, store, env); c != nil {
				chains = append(chains, c)
			} else if c := e.searchPair(value, base, q.Addr, store, env); c != nil {
				chains = append(chains, c)
			}
		}
	}
	return chains
}

// searchPair solves first then second and appends tail. The first chain
// keeps the registers read by later, which the second query still needs.
func (e *Engine) searchPair(first, second *Query, later Expr, tail *Chain, env searchEnv) *Chain {
	budget := env.limit - tail.Len()
	if budget <= 0 || exprReadsReg(later, first.Dst) {
		return nil
	}

	var keep []uint32
	for _, r := range ExprRegs(later) {
		keep = append(keep, r.ID)
	}
	heads := e.search(first, env.deeper().withUnusable(keep...).withLimit(budget), 1)
	if len(heads) == 0 {
		return nil
	}

	mids := e.search(second, env.deeper().withUnusable(first.Dst).withLimit(budget-heads[0].Len()), 1)
	if len(mids) == 0 {
		return nil
	}
	return Concat(heads[0], mids[0], tail)
}

// searchLoad realizes dst = mem(a) with a load gadget dst = mem[b+o] by
// first setting b = a-o.
func (e *Engine) searchLoad(q *Query, m *MemExpr, env searchEnv, n int) []*Chain {
	var chains []*Chain
	for _, slot := range e.db.LoadSlots(q.Dst) {
		if len(chains) >= n {
			break
		}
		b := slot.Base
		if b == e.arch.SP || b == e.arch.IP || env.unusable.Has(b) {
			continue
		}

		key := IndexKey{Kind: IndexRegMem, Dst: q.Dst, Src: b, Offset: slot.Offset}
		for _, ld := range e.db.Lookup(key, searchFanout) {
			if len(chains) >= n {
				break
			}
			if !ld.IsChainable(e.arch) || !e.usable(ld, env, q.Dst, true) {
				continue
			}
			load := e.gadgetChain(ld, env, nil)
			if load == nil || load.Len() >= env.limit {
				continue
			}

			base := &Query{Kind: RegQuery, Dst: b, Value: Simplify(NewBinaryExpr(SUB, m.Addr, e.arch.Word(uint64(slot.Offset))))}
			heads := e.search(base, env.deeper().withLimit(env.limit-load.Len()), 1)
			if len(heads) == 0 {
				continue
			}
			chains = append(chains, Concat(heads[0], load))
		}
	}
	return chains
}

// exprReadsReg returns true if expr references entry register id.
func exprReadsReg(expr Expr, id uint32) bool {
	if expr == nil {
		return false
	}
	for _, r := range ExprRegs(expr) {
		if r.ID == id {
			return true
		}
	}
	return false
}
