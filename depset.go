package rop

import (
	"fmt"
	"sort"
	"strings"
)

// Dep is one possible final value of a location and the condition under
// which it is taken.
type Dep struct {
	Value Expr
	Cond  Cond
}

// String returns the string representation of the dependency.
func (d Dep) String() string {
	return fmt.Sprintf("%s if %s", d.Value, d.Cond)
}

// MemDep holds the alternatives for a memory location written by a gadget.
type MemDep struct {
	Addr  Expr
	Width uint
	Deps  []Dep
}

// DependencySet maps every location written by a gadget to its alternatives.
// Alternatives for a single location are mutually exclusive.
type DependencySet struct {
	Regs map[uint32][]Dep
	Mem  []MemDep
}

// NewDependencySet returns a new, empty dependency set.
func NewDependencySet() *DependencySet {
	return &DependencySet{Regs: make(map[uint32][]Dep)}
}

// RegIDs returns the ids of written registers in ascending order.
func (s *DependencySet) RegIDs() []uint32 {
	a := make([]uint32, 0, len(s.Regs))
	for id := range s.Regs {
		a = append(a, id)
	}
	sort.Slice(a, func(i, j int) bool { return a[i] < a[j] })
	return a
}

// Reg returns the single unconditional value of a register, if one exists.
func (s *DependencySet) Reg(id uint32) (Expr, bool) {
	deps := s.Regs[id]
	if len(deps) != 1 {
		return nil, false
	}
	if _, t := Clean(deps[0].Cond); t != TriTrue {
		return nil, false
	}
	return deps[0].Value, true
}

// Format renders the dependency set using register names.
func (s *DependencySet) Format(arch *Architecture) string {
	var buf strings.Builder
	for _, id := range s.RegIDs() {
		for _, d := range s.Regs[id] {
			fmt.Fprintf(&buf, "%s <- %s", arch.RegName(id), arch.FormatExpr(d.Value))
			if c, ok := d.Cond.(*ConstCond); !ok || !c.Value {
				fmt.Fprintf(&buf, " if %s", arch.FormatCond(d.Cond))
			}
			buf.WriteByte('\n')
		}
	}
	for _, m := range s.Mem {
		for _, d := range m.Deps {
			fmt.Fprintf(&buf, "mem%d[%s] <- %s", m.Width, arch.FormatExpr(m.Addr), arch.FormatExpr(d.Value))
			if c, ok := d.Cond.(*ConstCond); !ok || !c.Value {
				fmt.Fprintf(&buf, " if %s", arch.FormatCond(d.Cond))
			}
			buf.WriteByte('\n')
		}
	}
	return buf.String()
}
