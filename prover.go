package rop

import (
	"context"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// DefaultOracleTimeout is the default time limit for a single oracle query.
const DefaultOracleTimeout = 2 * time.Second

// DefaultProverCacheSize is the default number of cached hard results.
const DefaultProverCacheSize = 4096

// SatResult is the result of a satisfiability query.
type SatResult int

// Satisfiability results.
const (
	SatUnknown = SatResult(iota)
	Sat
	Unsat
)

// String returns the string representation of the result.
func (r SatResult) String() string {
	switch r {
	case Sat:
		return "sat"
	case Unsat:
		return "unsat"
	default:
		return "unknown"
	}
}

// Oracle decides satisfiability of conditions. Implementations must return
// when ctx is done.
type Oracle interface {
	CheckSat(ctx context.Context, c Cond) (SatResult, error)
}

// ProverStats holds counters for oracle usage.
type ProverStats struct {
	SoftN     int
	HardN     int
	CacheHitN int
	UnknownN  int
	HardTime  time.Duration
}

// Prover decides truth of conditions. Soft queries rely on Clean only. Hard
// queries additionally ask the oracle whether the negation is unsatisfiable.
type Prover struct {
	oracle  Oracle
	cache   *lru.Cache[string, bool]
	stats   ProverStats
	Timeout time.Duration
	Logger  logrus.FieldLogger
}

// NewProver returns a new prover. A nil oracle makes hard queries fall back
// to soft ones.
func NewProver(oracle Oracle) *Prover {
	cache, err := lru.New[string, bool](DefaultProverCacheSize)
	if err != nil {
		panic(err)
	}
	return &Prover{
		oracle:  oracle,
		cache:   cache,
		Timeout: DefaultOracleTimeout,
		Logger:  logrus.StandardLogger(),
	}
}

// Stats returns usage counters.
func (p *Prover) Stats() ProverStats { return p.stats }

// IsTrue returns true if c is proven to always hold.
func (p *Prover) IsTrue(c Cond, hard bool) bool {
	return p.prove(c, hard)
}

// IsFalse returns true if c is proven to never hold.
func (p *Prover) IsFalse(c Cond, hard bool) bool {
	return p.prove(NewNotCond(c), hard)
}

// Equivalent returns true if a and b are proven equal for all inputs.
func (p *Prover) Equivalent(a, b Expr, hard bool) bool {
	if ExprWidth(a) != ExprWidth(b) {
		return false
	}
	return p.prove(NewCmpCond(EQ, a, b), hard)
}

func (p *Prover) prove(c Cond, hard bool) bool {
	p.stats.SoftN++
	c, t := Clean(c)
	switch t {
	case TriTrue:
		return true
	case TriFalse:
		return false
	}
	if !hard || p.oracle == nil {
		return false
	}

	key := c.String()
	if v, ok := p.cache.Get(key); ok {
		p.stats.CacheHitN++
		return v
	}

	v, err := p.proveHard(c)
	if err != nil {
		p.stats.UnknownN++
		p.Logger.Debugf("[prover] unknown: %s", err)
		return false
	}
	p.cache.Add(key, v)
	return v
}

// proveHard returns true if the negation of c is unsatisfiable.
func (p *Prover) proveHard(c Cond) (bool, error) {
	p.stats.HardN++
	t := time.Now()
	defer func() { p.stats.HardTime += time.Since(t) }()

	ctx := context.Background()
	if p.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.Timeout)
		defer cancel()
	}

	result, err := p.oracle.CheckSat(ctx, NewNotCond(c))
	if err != nil {
		return false, err
	} else if ctx.Err() == context.DeadlineExceeded {
		return false, ErrOracleTimeout
	}

	switch result {
	case Unsat:
		return true, nil
	case Sat:
		return false, nil
	default:
		return false, errors.WithStack(ErrOracleUnknown)
	}
}
