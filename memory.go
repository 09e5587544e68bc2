package rop

import (
	"math"
)

// noOverlap is the access decision for a read that no write overlaps.
const noOverlap = math.MinInt64

// accessKey identifies a decision about how a write overlaps reads at one
// symbolic address. Reads sharing an address must agree on the decision.
type accessKey struct {
	write int
	addr  string
}

// loadAlts returns the alternatives for a memory read: one for every
// possible overlap with an earlier visible write plus one that preserves the
// initial memory contents.
func (g *Graph) loadAlts(n *node) ([]alt, error) {
	size := int64(n.width / 8)

	base, err := g.instantiate([]Expr{n.addr}, nil)
	if err != nil {
		return nil, err
	}

	var out []alt
	for _, b := range base {
		a := b.exprs[0]
		cur := []alt{{value: NewMemExpr(a, n.width), cond: b.cond, acc: b.acc}}

		for _, wi := range n.writes {
			w := &g.writes[wi]
			winsts, err := g.instantiate([]Expr{w.addr, w.value}, []Cond{w.guard})
			if err != nil {
				return nil, err
			}

			var next []alt
			for _, prev := range cur {
				for _, wv := range winsts {
					if !compatible(prev.acc, wv.acc) {
						continue
					} else if g.separate(a, wv.exprs[0]) {
						next = append(next, alt{value: prev.value, cond: NewAndCond(prev.cond, wv.cond), acc: mergeAccess(prev.acc, wv.acc)})
						continue
					}
					next = append(next, spliceWrite(prev, wv, w.ordinal, a, size)...)
				}
			}
			if len(next) > maxAlts {
				return nil, unsupported(ReasonExplosion, "memory read at %s", a)
			}
			cur = next
		}
		out = append(out, cur...)
	}
	return out, nil
}

// separate returns true if exactly one of the addresses is relative to the
// stack pointer. Stack memory never aliases memory addressed through other
// registers.
func (g *Graph) separate(a, b Expr) bool {
	_, aok := spOffset(g.arch, a)
	_, bok := spOffset(g.arch, b)
	return aok != bok
}

// spliceWrite splits one alternative of a read at address a against one
// instantiation of a prior write.
func spliceWrite(prev alt, wv instance, ordinal int, a Expr, size int64) []alt {
	aw, vw, guard := wv.exprs[0], wv.exprs[1], wv.conds[0]
	sizeW := int64(ExprWidth(vw) / 8)
	acc := mergeAccess(prev.acc, wv.acc)
	cond := NewAndCond(prev.cond, wv.cond)
	key := accessKey{write: ordinal, addr: a.String()}

	offsets := filterOffset(a, aw, size, sizeW)
	decided, hasDecision := acc[key]

	var out []alt
	var overlaps []Cond
	for _, o := range offsets {
		hit := NewAndCond(guard, NewCmpCond(EQ, aw, addOffset(a, o)))
		overlaps = append(overlaps, hit)
		if hasDecision && decided != o {
			continue
		}

		c := NewAndCond(cond, hit)
		if _, t := Clean(c); t == TriFalse {
			continue
		}
		out = append(out, alt{
			value: overwrite(prev.value, vw, o, size, sizeW),
			cond:  c,
			acc:   withAccess(acc, key, o),
		})
	}

	if !hasDecision || decided == noOverlap {
		c := NewAndCond(cond, NewNotCond(OrConds(overlaps...)))
		if _, t := Clean(c); t != TriFalse {
			out = append(out, alt{value: prev.value, cond: c, acc: withAccess(acc, key, noOverlap)})
		}
	}
	return out
}

// filterOffset returns the offsets o, with aw == a + o, at which a write of
// sizeW bytes at aw can overlap a read of size bytes at a. If the distance
// between the addresses is a known constant only that offset is possible.
// Otherwise only offsets aligned to the smaller access are considered.
func filterOffset(a, aw Expr, size, sizeW int64) []int64 {
	lo, hi := 1-sizeW, size-1

	if d, ok := constDiff(aw, a); ok {
		if d >= lo && d <= hi {
			return []int64{d}
		}
		return nil
	}

	step := size
	if sizeW < step {
		step = sizeW
	}

	var a0 []int64
	for o := (lo / step) * step; o <= hi; o += step {
		if o >= lo {
			a0 = append(a0, o)
		}
	}
	return a0
}

// overwrite returns the little-endian value of a size-byte read after a
// sizeW-byte write of v at byte offset o relative to the read address.
func overwrite(prev, v Expr, o, size, sizeW int64) Expr {
	var out Expr
	for i := int64(0); i < size; i++ {
		var b Expr
		if j := i - o; j >= 0 && j < sizeW {
			b = NewExtractExpr(v, uint(8*j+7), uint(8*j))
		} else {
			b = NewExtractExpr(prev, uint(8*i+7), uint(8*i))
		}

		if out == nil {
			out = b
		} else {
			out = NewConcatExpr(b, out)
		}
	}
	return out
}

// addOffset returns a + o for a signed offset.
func addOffset(a Expr, o int64) Expr {
	return NewBinaryExpr(ADD, a, NewConstantExpr(uint64(o), ExprWidth(a)))
}

func compatible(a, b map[accessKey]int64) bool {
	if len(a) > len(b) {
		a, b = b, a
	}
	for k, v := range a {
		if other, ok := b[k]; ok && other != v {
			return false
		}
	}
	return true
}

func mergeAccess(a, b map[accessKey]int64) map[accessKey]int64 {
	if len(b) == 0 {
		return a
	} else if len(a) == 0 {
		return b
	}
	m := make(map[accessKey]int64, len(a)+len(b))
	for k, v := range a {
		m[k] = v
	}
	for k, v := range b {
		m[k] = v
	}
	return m
}

func withAccess(acc map[accessKey]int64, key accessKey, o int64) map[accessKey]int64 {
	m := make(map[accessKey]int64, len(acc)+1)
	for k, v := range acc {
		m[k] = v
	}
	m[key] = o
	return m
}
