package rop

import (
	"context"
	"fmt"
	"runtime"
	"sort"
	"strings"
	"sync"

	"github.com/panjf2000/ants/v2"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Candidate is a raw byte sequence found in a binary that may be a gadget.
type Candidate struct {
	Addr  uint64
	Bytes []byte
}

// Report summarizes a batch analysis.
type Report struct {
	Attempted  int
	Succeeded  int
	Duplicates int
	Skipped    map[string]int // count per skip reason
}

// String returns a one-line summary of the report.
func (r *Report) String() string {
	reasons := make([]string, 0, len(r.Skipped))
	for reason := range r.Skipped {
		reasons = append(reasons, reason)
	}
	sort.Strings(reasons)

	a := make([]string, len(reasons))
	for i, reason := range reasons {
		a[i] = fmt.Sprintf("%s=%d", reason, r.Skipped[reason])
	}
	return fmt.Sprintf("attempted=%d succeeded=%d duplicates=%d skipped=[%s]",
		r.Attempted, r.Succeeded, r.Duplicates, strings.Join(a, " "))
}

// Analyzer extracts gadgets from candidates on a worker pool and adds them to
// a database. Extraction runs in parallel; the database is only written by
// the calling goroutine.
type Analyzer struct {
	Arch       *Architecture
	Translator Translator
	DB         *Database
	Workers    int

	Logger logrus.FieldLogger
}

// NewAnalyzer returns a new analyzer that stores gadgets in db.
func NewAnalyzer(db *Database, tr Translator) *Analyzer {
	return &Analyzer{
		Arch:       db.Arch(),
		Translator: tr,
		DB:         db,
		Workers:    runtime.GOMAXPROCS(0),
		Logger:     logrus.StandardLogger(),
	}
}

// analyzeTask is the unit of work passed to the pool.
type analyzeTask struct {
	cand   Candidate
	gadget *Gadget
	err    error
	wg     *sync.WaitGroup
}

// Analyze extracts every candidate. Candidates with bytes already in the
// database only add an address. Cancellation is checked between candidates;
// on cancellation the gadgets extracted so far are added and ctx.Err() is
// returned along with the partial report.
func (a *Analyzer) Analyze(ctx context.Context, cands []Candidate) (*Report, error) {
	report := &Report{Skipped: make(map[string]int)}

	workers := a.Workers
	if workers <= 0 {
		workers = 1
	}

	var wg sync.WaitGroup
	pool, err := ants.NewPoolWithFunc(workers, func(data interface{}) {
		task := data.(*analyzeTask)
		defer task.wg.Done()
		task.gadget, task.err = a.extract(task.cand)
	})
	if err != nil {
		return nil, err
	}
	defer pool.Release()

	// Skip byte sequences that are already known or repeated in this batch.
	var tasks []*analyzeTask
	seen := make(map[string]*analyzeTask)
	for _, cand := range cands {
		if err := ctx.Err(); err != nil {
			break
		}

		if a.DB.AddAddress(cand.Bytes, cand.Addr) {
			report.Duplicates++
			continue
		} else if seen[string(cand.Bytes)] != nil {
			report.Duplicates++
			continue
		}

		task := &analyzeTask{cand: cand, wg: &wg}
		seen[string(cand.Bytes)] = task
		tasks = append(tasks, task)

		wg.Add(1)
		if err := pool.Invoke(task); err != nil {
			wg.Done()
			task.err = err
		}
	}
	wg.Wait()

	// Merge in candidate order so bucket order is deterministic.
	for _, task := range tasks {
		report.Attempted++
		if task.err == nil && task.gadget == nil {
			task.err = errors.New("no gadget extracted")
		}
		if task.err != nil {
			reason := SkipReason(task.err)
			report.Skipped[reason]++
			a.Logger.Debugf("[analyze] skip %#x: %s", task.cand.Addr, task.err)
			continue
		}
		a.DB.Add(task.gadget)
		report.Succeeded++
	}

	// Record the remaining occurrences of duplicated bytes.
	for _, cand := range cands {
		if task := seen[string(cand.Bytes)]; task != nil && task.err == nil && task.cand.Addr != cand.Addr {
			a.DB.AddAddress(cand.Bytes, cand.Addr)
		}
	}

	a.Logger.Infof("[analyze] %s", report)
	return report, ctx.Err()
}

// extract builds a single gadget. Malformed expression panics are reported
// as unsupported gadgets and any other panic as an error for that gadget.
func (a *Analyzer) extract(cand Candidate) (g *Gadget, err error) {
	defer func() {
		if r := recover(); r != nil {
			if merr, ok := r.(*MalformedExpressionError); ok {
				err = unsupported(ReasonInstruction, "%s", merr.Message)
				return
			}
			g, err = nil, errors.Errorf("extract %#x: panic: %v", cand.Addr, r)
		}
	}()
	return ExtractGadget(a.Arch, a.Translator, cand.Bytes, cand.Addr)
}
