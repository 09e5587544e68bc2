package x86

import (
	"context"
	"runtime"

	"github.com/sirupsen/logrus"
	"golang.org/x/arch/x86/x86asm"
	"golang.org/x/sync/errgroup"

	"github.com/benbjohnson/rop"
	"github.com/benbjohnson/rop/loader"
)

// Default scanner limits.
const (
	DefaultMaxInsns = 6
	DefaultMaxBytes = 32
)

// Scanner finds instruction sequences ending in a control transfer.
type Scanner struct {
	Mode     int
	MaxInsns int
	MaxBytes int
	Logger   logrus.FieldLogger
}

// NewScanner returns a scanner for a processor mode of 32 or 64 bits.
func NewScanner(mode int) *Scanner {
	return &Scanner{
		Mode:     mode,
		MaxInsns: DefaultMaxInsns,
		MaxBytes: DefaultMaxBytes,
		Logger:   logrus.StandardLogger(),
	}
}

// Scan returns the candidates of every executable segment, ordered by
// segment and address. Segments are scanned in parallel.
func (s *Scanner) Scan(ctx context.Context, segs []loader.Segment) ([]rop.Candidate, error) {
	results := make([][]rop.Candidate, len(segs))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i := range segs {
		i, seg := i, segs[i]
		if !seg.Exec {
			continue
		}
		g.Go(func() error {
			cands, err := s.scanSegment(ctx, seg)
			results[i] = cands
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var a []rop.Candidate
	for i, cands := range results {
		s.Logger.Debugf("[scan] %s: %d candidates", segs[i].Name, len(cands))
		a = append(a, cands...)
	}
	return a, nil
}

func (s *Scanner) scanSegment(ctx context.Context, seg loader.Segment) ([]rop.Candidate, error) {
	var a []rop.Candidate
	for off := range seg.Data {
		if off%4096 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		if n := s.sequence(seg.Data[off:]); n > 0 {
			a = append(a, rop.Candidate{
				Addr:  seg.Addr + uint64(off),
				Bytes: append([]byte(nil), seg.Data[off:off+n]...),
			})
		}
	}
	return a, nil
}

// sequence returns the length of the gadget starting at data[0], or zero if
// decoding fails or reaches a limit before a terminating transfer.
func (s *Scanner) sequence(data []byte) int {
	var n int
	for i := 0; i < s.MaxInsns && n < len(data); i++ {
		inst, err := x86asm.Decode(data[n:], s.Mode)
		if err != nil || inst.Op == 0 {
			return 0
		}
		n += inst.Len
		if n > s.MaxBytes {
			return 0
		}

		switch {
		case isTerminator(inst):
			return n
		case isTransfer(inst):
			return 0
		}
	}
	return 0
}

// isTerminator returns true if inst ends a gadget.
func isTerminator(inst x86asm.Inst) bool {
	switch inst.Op {
	case x86asm.RET, x86asm.SYSCALL:
		return true
	case x86asm.JMP, x86asm.CALL:
		_, ok := inst.Args[0].(x86asm.Reg)
		return ok
	case x86asm.INT:
		v, ok := inst.Args[0].(x86asm.Imm)
		return ok && v == 0x80
	default:
		return false
	}
}

// isTransfer returns true if inst leaves the sequence other than through the
// conditional branches the extractor models.
func isTransfer(inst x86asm.Inst) bool {
	switch inst.Op {
	case x86asm.RET, x86asm.LRET, x86asm.JMP, x86asm.LJMP, x86asm.CALL, x86asm.LCALL,
		x86asm.INT, x86asm.INTO, x86asm.IRET, x86asm.IRETD, x86asm.IRETQ,
		x86asm.SYSCALL, x86asm.SYSENTER, x86asm.SYSEXIT, x86asm.SYSRET,
		x86asm.HLT, x86asm.UD2:
		return true
	default:
		return false
	}
}
