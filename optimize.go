package rop

// OptimizeLen returns the shortest chain realizing q found by narrowing the
// budget. Returns nil if no chain fits within budget. The result is never
// longer than the first chain found with the full budget.
func (e *Engine) OptimizeLen(q *Query, c Constraints, budget int) *Chain {
	result := e.Search(q, c, budget, 1)
	if len(result.Chains) == 0 {
		return nil
	}
	best := result.Chains[0]

	lo, hi := 0, best.Len()-1
	for lo <= hi {
		mid := (lo + hi) / 2
		result := e.Search(q, c, mid, 1)
		if len(result.Chains) == 0 || result.Chains[0].Len() > mid {
			lo = mid + 1
			continue
		}

		best = result.Chains[0]
		hi = best.Len() - 1
	}
	e.Logger.Debugf("[search] optimized %s to %d units", q.Format(e.arch), best.Len())
	return best
}
