package rop_test

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/benbjohnson/rop"
)

func TestDatabase_Add(t *testing.T) {
	t.Run("Pop", func(t *testing.T) {
		db := MustDatabase(t, PopRet(t, 0x1000, R0))
		require.Equal(t, 1, db.Len())
		require.Equal(t, []int{0}, db.Bucket(rop.IndexKey{Kind: rop.IndexRegMem, Dst: R0, Src: SP, Offset: 0}))
		require.Equal(t, []int{0}, db.Bucket(rop.IndexKey{Kind: rop.IndexRegReg, Dst: SP, Src: SP, Offset: 8}))
		require.Equal(t, []int64{0}, db.StackPopOffsets(R0))
		require.Equal(t, []int64{4}, db.StackPopOffsets(IP))
		require.Empty(t, db.LoadSlots(R0))
	})

	t.Run("Const", func(t *testing.T) {
		g := MustGadget(t, 0x1000, "mov r0, 7; ret", func(a *Asm) {
			a.MovImm(R0, 7)
			a.Ret()
		})
		db := MustDatabase(t, g)

		var key rop.IndexKey
		key.Kind, key.Dst = rop.IndexRegConst, R0
		key.Const.SetUint64(7)
		require.Equal(t, []int{0}, db.Bucket(key))
		require.Equal(t, []int{0}, db.Bucket(rop.IndexKey{Kind: rop.IndexRegExpr, Dst: R0, Hash: rop.HashExpr(Toy.Word(7))}))
	})

	t.Run("LoadStore", func(t *testing.T) {
		ld := MustGadget(t, 0x1000, "mov r0, [r1+4]; ret", func(a *Asm) {
			a.LoadMem(R0, R1, 4)
			a.Ret()
		})
		st := MustGadget(t, 0x2000, "mov [r2+8], r3; ret", func(a *Asm) {
			a.StoreMem(R2, 8, R3)
			a.Ret()
		})
		db := MustDatabase(t, ld, st)

		require.Equal(t, []rop.MemSlot{{Base: R1, Offset: 4, Reg: R0}}, db.LoadSlots(R0))
		require.Equal(t, []rop.MemSlot{{Base: R2, Offset: 8, Reg: R3}}, db.StoreSlots())
		require.Equal(t, []int{1}, db.Bucket(rop.IndexKey{Kind: rop.IndexMemReg, Dst: R2, Offset: 8, Src: R3}))
		require.Equal(t, []int{0}, db.Bucket(rop.IndexKey{Kind: rop.IndexRegMemExpr, Dst: R0, Hash: rop.HashExpr(rop.NewBinaryExpr(rop.ADD, Toy.Word(4), Toy.Reg(R1)))}))
	})

	t.Run("Syscall", func(t *testing.T) {
		db := MustDatabase(t, PopRet(t, 0x1000, R0), MustGadget(t, 0x2000, "syscall", func(a *Asm) { a.Syscall() }))
		require.Len(t, db.Syscalls(), 1)
		require.Equal(t, "syscall", db.Syscalls()[0].Asm)
		require.Empty(t, db.Int80s())
	})

	// Conditional values are not indexed.
	t.Run("Conditional", func(t *testing.T) {
		g := MustGadget(t, 0x1000, "test r0; jnz L; mov r1, r2; L: ret", func(a *Asm) {
			l := a.Label()
			a.Jcc(reg(R0), l)
			a.Mov(R1, R2)
			a.Mark(l)
			a.Ret()
		})
		db := MustDatabase(t, g)
		require.Empty(t, db.Bucket(rop.IndexKey{Kind: rop.IndexRegReg, Dst: R1, Src: R2}))
		require.Equal(t, []int{0}, db.Bucket(rop.IndexKey{Kind: rop.IndexRegReg, Dst: SP, Src: SP, Offset: 4}))
	})
}

func TestDatabase_Dedup(t *testing.T) {
	db := MustDatabase(t, PopRet(t, 0x1000, R0))

	other := db.Add(PopRet(t, 0x2000, R0))
	require.Equal(t, 0, other.ID)
	require.Equal(t, 1, db.Len())
	require.Equal(t, []uint64{0x1000, 0x2000}, db.Gadget(0).Addrs)

	require.True(t, db.AddAddress([]byte("pop r0; ret"), 0x3000))
	require.True(t, db.AddAddress([]byte("pop r0; ret"), 0x3000))
	require.Equal(t, []uint64{0x1000, 0x2000, 0x3000}, db.Gadget(0).Addrs)

	require.False(t, db.AddAddress([]byte("pop r1; ret"), 0x4000))
	require.Nil(t, db.FindByBytes([]byte("pop r1; ret")))
	require.Same(t, db.Gadget(0), db.FindByBytes([]byte("pop r0; ret")))
}

func TestDatabase_Bucket(t *testing.T) {
	// long moves r1 = r2 through r3.
	long := func(addr uint64) *rop.Gadget {
		return MustGadget(t, addr, fmt.Sprintf("mov r3, r2; mov r1, r3; mov r3, 0; ret # %#x", addr), func(a *Asm) {
			a.Mov(R3, R2)
			a.Mov(R1, R3)
			a.MovImm(R3, 0)
			a.Ret()
		})
	}
	key := rop.IndexKey{Kind: rop.IndexRegReg, Dst: R1, Src: R2}

	t.Run("Order", func(t *testing.T) {
		db := MustDatabase(t, long(0x1000), MovRet(t, 0x2000, R1, R2), long(0x3000))
		require.Equal(t, []int{1, 0, 2}, db.Bucket(key))

		gadgets := db.Lookup(key, 0)
		for i := 1; i < len(gadgets); i++ {
			require.LessOrEqual(t, gadgets[i-1].NInstr, gadgets[i].NInstr)
		}
		require.Len(t, db.Lookup(key, 2), 2)
	})

	t.Run("Cap", func(t *testing.T) {
		db := rop.NewDatabase(Toy)
		db.BucketCap = 1
		db.Add(long(0x1000))
		db.Add(MovRet(t, 0x2000, R1, R2))
		db.Add(long(0x3000))
		require.Equal(t, []int{1}, db.Bucket(key))
		require.Equal(t, 3, db.Len())
	})

	t.Run("Keys", func(t *testing.T) {
		db := MustDatabase(t, MovRet(t, 0x1000, R1, R2))
		keys := db.Keys()
		require.NotEmpty(t, keys)
		for i := 1; i < len(keys); i++ {
			require.Less(t, keys[i-1].String(), keys[i].String())
		}
	})
}
