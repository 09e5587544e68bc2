package rop

import (
	"fmt"
	"sort"

	"github.com/cespare/xxhash/v2"
	"github.com/holiman/uint256"
	"github.com/sirupsen/logrus"
)

// DefaultBucketCap is the default maximum number of gadgets per index bucket.
const DefaultBucketCap = 256

// IndexKind identifies the shape of an indexed dependency.
type IndexKind int

// Index kinds.
const (
	IndexRegReg     = IndexKind(iota + 1) // dst <- src + offset
	IndexRegConst                         // dst <- const
	IndexRegMem                           // dst <- mem[src + offset]
	IndexRegMemExpr                       // dst <- mem[expr]
	IndexRegExpr                          // dst <- expr
	IndexMemReg                           // mem[dst + offset] <- src
	IndexMemConst                         // mem[dst + offset] <- const
	IndexMemMem                           // mem[dst + offset] <- mem[src + srcOffset]
	IndexMemExpr                          // mem[dst + offset] <- expr
)

var indexKinds = [...]string{
	IndexRegReg:     "reg<-reg",
	IndexRegConst:   "reg<-const",
	IndexRegMem:     "reg<-mem",
	IndexRegMemExpr: "reg<-mem(expr)",
	IndexRegExpr:    "reg<-expr",
	IndexMemReg:     "mem<-reg",
	IndexMemConst:   "mem<-const",
	IndexMemMem:     "mem<-mem",
	IndexMemExpr:    "mem<-expr",
}

// String returns the string representation of the index kind.
func (k IndexKind) String() string {
	if k >= 0 && int(k) < len(indexKinds) && indexKinds[k] != "" {
		return indexKinds[k]
	}
	return fmt.Sprintf("IndexKind<%d>", k)
}

// IndexKey identifies a single index bucket. Unused fields are zero.
type IndexKey struct {
	Kind      IndexKind
	Dst       uint32
	Src       uint32
	Offset    int64
	SrcOffset int64
	Const     uint256.Int
	Hash      uint64 // hash of the value or address expression
}

// String returns the string representation of the key.
func (k IndexKey) String() string {
	return fmt.Sprintf("%s(dst=%d src=%d off=%d srcoff=%d const=%s hash=%x)",
		k.Kind, k.Dst, k.Src, k.Offset, k.SrcOffset, k.Const.Hex(), k.Hash)
}

// HashExpr returns the index hash of an expression.
func HashExpr(expr Expr) uint64 {
	return xxhash.Sum64String(Simplify(expr).String())
}

// StackSlot is a register loaded from the stack at a fixed offset.
type StackSlot struct {
	Reg    uint32
	Offset int64
}

// MemSlot describes a base register and offset used by a memory access.
type MemSlot struct {
	Base   uint32
	Offset int64
	Reg    uint32 // loaded or stored register
}

// Database stores analyzed gadgets and indexes their dependencies by shape.
// A database is built once and is read-only while searching.
type Database struct {
	arch      *Architecture
	gadgets   []*Gadget
	byBytes   map[uint64][]int
	buckets   map[IndexKey][]int
	pops      map[uint32][]int64
	loads     map[uint32][]MemSlot
	stores    map[uint32][]MemSlot
	syscalls  []int
	int80s    []int
	BucketCap int

	Logger logrus.FieldLogger
}

// NewDatabase returns a new, empty database for arch.
func NewDatabase(arch *Architecture) *Database {
	return &Database{
		arch:      arch,
		byBytes:   make(map[uint64][]int),
		buckets:   make(map[IndexKey][]int),
		pops:      make(map[uint32][]int64),
		loads:     make(map[uint32][]MemSlot),
		stores:    make(map[uint32][]MemSlot),
		BucketCap: DefaultBucketCap,
		Logger:    logrus.StandardLogger(),
	}
}

// Arch returns the architecture of the database.
func (db *Database) Arch() *Architecture { return db.arch }

// Len returns the number of distinct gadgets.
func (db *Database) Len() int { return len(db.gadgets) }

// Gadget returns a gadget by id.
func (db *Database) Gadget(id int) *Gadget { return db.gadgets[id] }

// Gadgets returns all gadgets in insertion order.
func (db *Database) Gadgets() []*Gadget { return db.gadgets }

// FindByBytes returns the gadget with identical raw bytes, if one exists.
func (db *Database) FindByBytes(b []byte) *Gadget {
	for _, id := range db.byBytes[xxhash.Sum64(b)] {
		if g := db.gadgets[id]; string(g.Bytes) == string(b) {
			return g
		}
	}
	return nil
}

// AddAddress records another occurrence of already-analyzed bytes. Returns
// false if no gadget has these bytes.
func (db *Database) AddAddress(b []byte, addr uint64) bool {
	g := db.FindByBytes(b)
	if g == nil {
		return false
	}
	for _, a := range g.Addrs {
		if a == addr {
			return true
		}
	}
	g.Addrs = append(g.Addrs, addr)
	return true
}

// Add stores g and indexes its dependencies. If a gadget with identical
// bytes exists, g's addresses are merged into it and the existing gadget is
// returned.
func (db *Database) Add(g *Gadget) *Gadget {
	if other := db.FindByBytes(g.Bytes); other != nil {
		for _, addr := range g.Addrs {
			db.AddAddress(g.Bytes, addr)
		}
		return other
	}

	g.ID = len(db.gadgets)
	db.gadgets = append(db.gadgets, g)
	h := xxhash.Sum64(g.Bytes)
	db.byBytes[h] = append(db.byBytes[h], g.ID)

	switch g.RetKind {
	case RetSyscall:
		db.syscalls = db.insertSorted(db.syscalls, g.ID)
	case RetInt80:
		db.int80s = db.insertSorted(db.int80s, g.ID)
	}

	for _, id := range g.Deps.RegIDs() {
		for _, d := range g.Deps.Regs[id] {
			if _, t := Clean(d.Cond); t != TriTrue {
				continue
			}
			for _, key := range db.classifyReg(id, d.Value) {
				db.insert(key, g)
			}
		}
	}

	for _, m := range g.Deps.Mem {
		if m.Width != db.arch.Bits {
			continue
		}
		for _, d := range m.Deps {
			if _, t := Clean(d.Cond); t != TriTrue {
				continue
			}
			for _, key := range db.classifyMem(m.Addr, d.Value) {
				db.insert(key, g)
			}
		}
	}

	db.Logger.Debugf("[db] add %d: %s", g.ID, g.Asm)
	return g
}

// classifyReg returns the index keys for dst <- v.
func (db *Database) classifyReg(dst uint32, v Expr) []IndexKey {
	if ExprWidth(v) != db.arch.Bits {
		return nil
	}
	keys := []IndexKey{{Kind: IndexRegExpr, Dst: dst, Hash: HashExpr(v)}}

	if c, ok := v.(*ConstantExpr); ok {
		return append(keys, IndexKey{Kind: IndexRegConst, Dst: dst, Const: c.Value})
	}

	if src, off, ok := db.regOffset(v); ok {
		return append(keys, IndexKey{Kind: IndexRegReg, Dst: dst, Src: src, Offset: off})
	}

	if m, ok := v.(*MemExpr); ok && m.Width == db.arch.Bits {
		keys = append(keys, IndexKey{Kind: IndexRegMemExpr, Dst: dst, Hash: HashExpr(m.Addr)})
		if base, off, ok := db.regOffset(m.Addr); ok {
			keys = append(keys, IndexKey{Kind: IndexRegMem, Dst: dst, Src: base, Offset: off})
		}
	}
	return keys
}

// classifyMem returns the index keys for mem[addr] <- v.
func (db *Database) classifyMem(addr, v Expr) []IndexKey {
	base, off, ok := db.regOffset(addr)
	if !ok {
		return nil
	}
	keys := []IndexKey{{Kind: IndexMemExpr, Dst: base, Offset: off, Hash: HashExpr(v)}}

	if c, ok := v.(*ConstantExpr); ok {
		return append(keys, IndexKey{Kind: IndexMemConst, Dst: base, Offset: off, Const: c.Value})
	}

	if src, soff, ok := db.regOffset(v); ok && soff == 0 {
		return append(keys, IndexKey{Kind: IndexMemReg, Dst: base, Offset: off, Src: src})
	}

	if m, ok := v.(*MemExpr); ok {
		if sbase, soff, ok := db.regOffset(m.Addr); ok {
			keys = append(keys, IndexKey{Kind: IndexMemMem, Dst: base, Offset: off, Src: sbase, SrcOffset: soff})
		}
	}
	return keys
}

// regOffset returns (reg, c) if v is an entry register plus a constant.
func (db *Database) regOffset(v Expr) (uint32, int64, bool) {
	f, ok := ToLinearForm(v, db.arch.NumRegs())
	if !ok {
		return 0, 0, false
	}
	id, ok := f.SingleReg()
	if !ok {
		return 0, 0, false
	}
	return id, f.ConstExpr().Int64(), true
}

// insert adds g to the bucket for key and updates the side indices.
func (db *Database) insert(key IndexKey, g *Gadget) {
	bucket := db.buckets[key]
	for _, id := range bucket {
		if id == g.ID {
			return
		}
	}
	db.buckets[key] = db.insertSorted(bucket, g.ID)

	switch key.Kind {
	case IndexRegMem:
		if key.Src == db.arch.SP {
			db.pops[key.Dst] = appendUniqueInt64(db.pops[key.Dst], key.Offset)
		} else {
			db.loads[key.Dst] = appendUniqueSlot(db.loads[key.Dst], MemSlot{Base: key.Src, Offset: key.Offset, Reg: key.Dst})
		}
	case IndexMemReg:
		if key.Dst != db.arch.SP {
			db.stores[key.Dst] = appendUniqueSlot(db.stores[key.Dst], MemSlot{Base: key.Dst, Offset: key.Offset, Reg: key.Src})
		}
	}
}

// insertSorted inserts id keeping the bucket ordered by instruction count.
// Gadgets with equal counts keep insertion order. The worst gadget is
// evicted when the bucket exceeds its capacity.
func (db *Database) insertSorted(bucket []int, id int) []int {
	n := db.gadgets[id].NInstr
	i := len(bucket)
	bucket = append(bucket, id)
	for i > 0 && db.gadgets[bucket[i-1]].NInstr > n {
		bucket[i] = bucket[i-1]
		i--
	}
	bucket[i] = id

	if db.BucketCap > 0 && len(bucket) > db.BucketCap {
		bucket = bucket[:db.BucketCap]
	}
	return bucket
}

// Lookup returns up to n gadgets from the bucket for key in order.
// A non-positive n returns the whole bucket.
func (db *Database) Lookup(key IndexKey, n int) []*Gadget {
	bucket := db.buckets[key]
	if n > 0 && len(bucket) > n {
		bucket = bucket[:n]
	}
	a := make([]*Gadget, len(bucket))
	for i, id := range bucket {
		a[i] = db.gadgets[id]
	}
	return a
}

// Bucket returns the gadget ids stored for key.
func (db *Database) Bucket(key IndexKey) []int {
	return db.buckets[key]
}

// Keys returns every non-empty bucket key.
func (db *Database) Keys() []IndexKey {
	a := make([]IndexKey, 0, len(db.buckets))
	for k := range db.buckets {
		a = append(a, k)
	}
	sort.Slice(a, func(i, j int) bool { return a[i].String() < a[j].String() })
	return a
}

// StackPopOffsets returns the stack offsets from which reg can be loaded.
func (db *Database) StackPopOffsets(reg uint32) []int64 { return db.pops[reg] }

// LoadSlots returns the (base, offset) pairs from which reg can be loaded.
func (db *Database) LoadSlots(reg uint32) []MemSlot { return db.loads[reg] }

// StoreSlots returns every (base, offset, src) memory write keyed by base register.
func (db *Database) StoreSlots() []MemSlot {
	bases := make([]int, 0, len(db.stores))
	for b := range db.stores {
		bases = append(bases, int(b))
	}
	sort.Ints(bases)

	var a []MemSlot
	for _, b := range bases {
		a = append(a, db.stores[uint32(b)]...)
	}
	return a
}

// Syscalls returns the gadgets that end in a system call.
func (db *Database) Syscalls() []*Gadget { return db.list(db.syscalls) }

// Int80s returns the gadgets that end in an int 0x80 interrupt.
func (db *Database) Int80s() []*Gadget { return db.list(db.int80s) }

func (db *Database) list(ids []int) []*Gadget {
	a := make([]*Gadget, len(ids))
	for i, id := range ids {
		a[i] = db.gadgets[id]
	}
	return a
}

func appendUniqueInt64(a []int64, v int64) []int64 {
	for _, x := range a {
		if x == v {
			return a
		}
	}
	return append(a, v)
}

func appendUniqueSlot(a []MemSlot, v MemSlot) []MemSlot {
	for _, x := range a {
		if x == v {
			return a
		}
	}
	return append(a, v)
}
