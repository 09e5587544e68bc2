package rop

import (
	"fmt"
	"strings"

	"github.com/benbjohnson/immutable"
	mapset "github.com/deckarep/golang-set/v2"
	"github.com/sirupsen/logrus"
)

// Default search limits.
const (
	DefaultMaxDepth = 4
	DefaultMaxLen   = 32
)

// Constraints restrict the gadgets a chain may use.
type Constraints struct {
	BadBytes   mapset.Set[byte] // bytes forbidden in any chain word
	Keep       []uint32         // registers that must not be modified
	RequireRet bool             // every gadget must end in a chainable return
	SafeMemory bool             // reject gadgets accessing memory outside the stack
}

// Result holds the chains found by a search. If no chain was found,
// Candidates lists gadgets that match the query directly but could not be
// chained under the constraints.
type Result struct {
	Chains     []*Chain
	Candidates []*Gadget
}

// Engine answers queries by composing gadgets from a database. An engine
// runs a single search at a time.
type Engine struct {
	db     *Database
	arch   *Architecture
	prover *Prover

	MaxDepth int
	Hard     bool // use the oracle to verify expression matches
	Logger   logrus.FieldLogger
}

// NewEngine returns a new search engine over db.
func NewEngine(db *Database, prover *Prover) *Engine {
	if prover == nil {
		prover = NewProver(nil)
	}
	return &Engine{
		db:       db,
		arch:     db.Arch(),
		prover:   prover,
		MaxDepth: DefaultMaxDepth,
		Logger:   logrus.StandardLogger(),
	}
}

// searchEnv is passed by value through the recursive search. Every field
// except the memo tables is immutable.
type searchEnv struct {
	limit      int // remaining chain units
	depth      int
	keep       immutable.SortedSet[uint32]
	unusable   immutable.SortedSet[uint32] // keep plus registers held by callers
	badBytes   mapset.Set[byte]
	requireRet bool
	safeMem    bool
	memo       *searchMemo
}

func (env searchEnv) withLimit(limit int) searchEnv {
	env.limit = limit
	return env
}

func (env searchEnv) deeper() searchEnv {
	env.depth++
	return env
}

func (env searchEnv) withUnusable(ids ...uint32) searchEnv {
	for _, id := range ids {
		env.unusable = env.unusable.Add(id)
	}
	return env
}

// unusableKey returns a stable string for the unusable set.
func (env searchEnv) unusableKey() string {
	a := make([]string, 0, env.unusable.Len())
	for _, id := range env.unusable.Items() {
		a = append(a, fmt.Sprint(id))
	}
	return strings.Join(a, ",")
}

// transitionKey identifies a register-to-register sub-query.
type transitionKey struct {
	dst, src uint32
	offset   int64
	unusable string
}

// adjustKey identifies a return adjustment of one gadget through register reg.
type adjustKey struct {
	gadget   int
	reg      uint32
	unusable string
}

// failure records the most generous budget under which a sub-query failed.
type failure struct {
	limit int
	depth int
}

// searchMemo holds negative results for one top-level query.
type searchMemo struct {
	transitions map[transitionKey]failure
	adjust      map[adjustKey]failure
	candidates  []*Gadget
}

func newSearchMemo() *searchMemo {
	return &searchMemo{
		transitions: make(map[transitionKey]failure),
		adjust:      make(map[adjustKey]failure),
	}
}

// covers returns true if an equal or larger budget already failed.
func (f failure) covers(env searchEnv) bool {
	return f.limit >= env.limit && f.depth <= env.depth
}

// Search returns up to n chains of at most budget units realizing q.
func (e *Engine) Search(q *Query, c Constraints, budget, n int) *Result {
	if n <= 0 {
		n = 1
	}

	cmp := immutable.NewComparer[uint32](0)
	env := searchEnv{
		limit:      budget,
		keep:       immutable.NewSortedSet[uint32](cmp, c.Keep...),
		unusable:   immutable.NewSortedSet[uint32](cmp, c.Keep...),
		badBytes:   c.BadBytes,
		requireRet: c.RequireRet,
		safeMem:    c.SafeMemory,
		memo:       newSearchMemo(),
	}
	if env.badBytes == nil {
		env.badBytes = mapset.NewSet[byte]()
	}

	e.Logger.Debugf("[search] %s budget=%d", q.Format(e.arch), budget)
	result := &Result{Chains: e.search(q, env, n)}
	if len(result.Chains) == 0 {
		result.Candidates = env.memo.candidates
	}
	return result
}

// search tries every strategy in order until n chains are found.
func (e *Engine) search(q *Query, env searchEnv, n int) []*Chain {
	// Identity queries are satisfied by the empty chain.
	if q.Kind == RegQuery {
		if r, ok := q.Value.(*RegExpr); ok && r.Reg == (Reg{ID: q.Dst}) {
			return []*Chain{{}}
		}
	}
	if env.limit <= 0 {
		return nil
	}

	tkey, isTransition := e.transitionKey(q, env)
	if isTransition {
		if f, ok := env.memo.transitions[tkey]; ok && f.covers(env) {
			return nil
		}
	}

	chains, tails := e.searchDirect(q, env, n)

	if env.depth < e.MaxDepth {
		strategies := []func(*Query, searchEnv, int) []*Chain{
			e.searchPop,
			e.searchTransitive,
			e.searchAdjust,
			e.searchMemory,
		}
		for _, strategy := range strategies {
			if len(chains) >= n {
				break
			}
			chains = append(chains, strategy(q, env, n-len(chains))...)
		}
	}

	// A bare register jump ends the chain only when nothing returns.
	for _, c := range tails {
		if len(chains) >= n {
			break
		}
		chains = append(chains, c)
	}

	if len(chains) == 0 && isTransition {
		env.memo.transitions[tkey] = failure{limit: env.limit, depth: env.depth}
	}
	if len(chains) > n {
		chains = chains[:n]
	}
	return chains
}

// transitionKey returns the memo key for a register-to-register query.
func (e *Engine) transitionKey(q *Query, env searchEnv) (transitionKey, bool) {
	if q.Kind != RegQuery {
		return transitionKey{}, false
	}
	src, off, ok := e.db.regOffset(q.Value)
	if !ok {
		return transitionKey{}, false
	}
	return transitionKey{dst: q.Dst, src: src, offset: off, unusable: env.unusableKey()}, true
}

// queryKey returns the index key matching a query's shape.
func (e *Engine) queryKey(q *Query) (IndexKey, bool) {
	switch q.Kind {
	case RegQuery:
		for _, key := range e.db.classifyReg(q.Dst, q.Value) {
			if key.Kind != IndexRegExpr {
				return key, true
			}
		}
		return IndexKey{Kind: IndexRegExpr, Dst: q.Dst, Hash: HashExpr(q.Value)}, true

	case MemQuery:
		keys := e.db.classifyMem(q.Addr, q.Value)
		for _, key := range keys {
			if key.Kind != IndexMemExpr {
				return key, true
			}
		}
		if len(keys) > 0 {
			return keys[0], true
		}
	}
	return IndexKey{}, false
}

// matches returns gadgets whose unconditional effect realizes q.
func (e *Engine) matches(q *Query) []*Gadget {
	switch q.Kind {
	case SyscallQuery:
		return e.db.Syscalls()
	case Int80Query:
		return e.db.Int80s()
	}

	key, ok := e.queryKey(q)
	if !ok {
		return nil
	}

	var a []*Gadget
	for _, g := range e.db.Lookup(key, 0) {
		if e.verify(g, q) {
			a = append(a, g)
		}
	}
	return a
}

// verify checks that g realizes q exactly. Index keys for expressions are
// hashes so the values are compared again.
func (e *Engine) verify(g *Gadget, q *Query) bool {
	switch q.Kind {
	case RegQuery:
		for _, d := range g.Deps.Regs[q.Dst] {
			if e.prover.IsTrue(d.Cond, false) && e.prover.Equivalent(d.Value, q.Value, e.Hard) {
				return true
			}
		}
	case MemQuery:
		for _, m := range g.Deps.Mem {
			if m.Width != e.arch.Bits || !e.prover.Equivalent(m.Addr, q.Addr, e.Hard) {
				continue
			}
			for _, d := range m.Deps {
				if e.prover.IsTrue(d.Cond, false) && e.prover.Equivalent(d.Value, q.Value, e.Hard) {
					return true
				}
			}
		}
	}
	return false
}

// usable returns true if g may appear in a chain under env. The query
// destination and the stack pointer are always allowed to change.
func (e *Engine) usable(g *Gadget, env searchEnv, dst uint32, hasDst bool) bool {
	if !g.HasCleanAddr(e.arch, env.badBytes) {
		return false
	}
	for _, id := range env.unusable.Items() {
		if (hasDst && id == dst) || id == e.arch.SP {
			continue
		}
		if g.Modifies(id) {
			return false
		}
	}
	if env.safeMem && !e.prover.IsTrue(g.ValidityCond(e.arch), false) {
		return false
	}
	return true
}

// searchDirect returns single-gadget chains for gadgets matching q. Top-level
// matches ending in a register jump or call are returned separately as tails.
func (e *Engine) searchDirect(q *Query, env searchEnv, n int) (chains, tails []*Chain) {
	for _, g := range e.matches(q) {
		if len(chains) >= n {
			break
		}

		usable := e.usable(g, env, q.Dst, q.Kind == RegQuery)
		switch {
		case usable && g.IsChainable(e.arch):
			if c := e.gadgetChain(g, env, nil); c != nil {
				chains = append(chains, c)
			}
		case usable && isTerminal(q) && env.depth == 0:
			// Interrupt gadgets end the chain.
			chains = append(chains, &Chain{Items: []ChainItem{{Gadget: g}}})
		case usable && isTail(g) && !env.requireRet && env.depth == 0:
			tails = append(tails, &Chain{Items: []ChainItem{{Gadget: g}}})
		default:
			if env.depth == 0 {
				env.memo.candidates = appendUniqueGadget(env.memo.candidates, g)
			}
		}
	}
	return chains, tails
}

// isTail returns true if g may end a chain through a register jump or call.
// Gadgets with an unknown stack delta never appear in a chain.
func isTail(g *Gadget) bool {
	return g.HasStackDelta && (g.RetKind == RetJmpReg || g.RetKind == RetCallReg)
}

func isTerminal(q *Query) bool {
	return q.Kind == SyscallQuery || q.Kind == Int80Query
}

// gadgetChain returns a chain running g followed by the padding words it
// pops before returning. Slot values override the filler at word indices.
// Returns nil if the chain exceeds the budget or a word has bad bytes.
func (e *Engine) gadgetChain(g *Gadget, env searchEnv, slots map[int64]ChainItem) *Chain {
	w := e.arch.WordBytes()
	npad := (g.StackDelta - w) / w
	if int(1+npad) > env.limit {
		return nil
	}

	c := &Chain{}
	c.AddGadget(g)
	for i := int64(0); i < npad; i++ {
		if item, ok := slots[i]; ok {
			c.Items = append(c.Items, item)
		} else {
			c.AddPadding(e.filler(env), "padding")
		}
	}
	return c
}

// filler returns a padding word free of bad bytes.
func (e *Engine) filler(env searchEnv) uint64 {
	for b := 0x41; b < 0x100; b++ {
		if env.badBytes.Contains(byte(b)) {
			continue
		}
		var v uint64
		for i := int64(0); i < e.arch.WordBytes(); i++ {
			v = v<<8 | uint64(b)
		}
		return v
	}
	return 0
}

func appendUniqueGadget(a []*Gadget, g *Gadget) []*Gadget {
	for _, other := range a {
		if other == g {
			return a
		}
	}
	return append(a, g)
}
