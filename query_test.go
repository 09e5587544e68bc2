package rop_test

import (
	"errors"
	"testing"

	"github.com/benbjohnson/rop"
	"github.com/google/go-cmp/cmp"
)

func TestParseQuery(t *testing.T) {
	for _, tt := range []struct {
		s    string
		want *rop.Query
	}{
		{"r0 = 1 + 2 * 3", &rop.Query{Kind: rop.RegQuery, Dst: R0, Value: Toy.Word(7)}},
		{"r0 = (1 + 2) * 3", &rop.Query{Kind: rop.RegQuery, Dst: R0, Value: Toy.Word(9)}},
		{"R1 = 0x41414141", &rop.Query{Kind: rop.RegQuery, Dst: R1, Value: Toy.Word(0x41414141)}},
		{"r1 = 0b101", &rop.Query{Kind: rop.RegQuery, Dst: R1, Value: Toy.Word(5)}},
		{"r1 = -1", &rop.Query{Kind: rop.RegQuery, Dst: R1, Value: Toy.Word(0xFFFFFFFF)}},
		{"r1 = r2 + 8", &rop.Query{Kind: rop.RegQuery, Dst: R1, Value: rop.NewBinaryExpr(rop.ADD, Toy.Word(8), Toy.Reg(R2))}},
		{"r1 = 8 + r2 - r3 + r3", &rop.Query{Kind: rop.RegQuery, Dst: R1, Value: rop.NewBinaryExpr(rop.ADD, Toy.Word(8), Toy.Reg(R2))}},
		{"r1 = r2", &rop.Query{Kind: rop.RegQuery, Dst: R1, Value: Toy.Reg(R2)}},
		{"r0 = mem(sp + 4)", &rop.Query{Kind: rop.RegQuery, Dst: R0, Value: rop.NewMemExpr(rop.NewBinaryExpr(rop.ADD, Toy.Word(4), Toy.Reg(SP)), 32)}},
		{"mem(r2 + 8 - 4) = r0", &rop.Query{Kind: rop.MemQuery, Addr: rop.NewBinaryExpr(rop.ADD, Toy.Word(4), Toy.Reg(R2)), Value: Toy.Reg(R0)}},
		{"syscall", &rop.Query{Kind: rop.SyscallQuery}},
		{"INT80", &rop.Query{Kind: rop.Int80Query}},
	} {
		t.Run(tt.s, func(t *testing.T) {
			q, err := rop.ParseQuery(Toy, tt.s)
			if err != nil {
				t.Fatal(err)
			} else if diff := cmp.Diff(tt.want, q); diff != "" {
				t.Fatal(diff)
			}
		})
	}
}

func TestParseQuery_Err(t *testing.T) {
	for _, tt := range []struct {
		s   string
		pos int
		msg string
	}{
		{"r9 = 1", 0, `unknown register "r9"`},
		{"r0 = ", 5, `expected expression, found end of query`},
		{"r0 = 1 $", 7, `unexpected character '$'`},
		{"r0 = (1", 7, `expected ")", found end of query`},
		{"r0 1", 3, `expected "=", found "1"`},
		{"r0 = 1 2", 7, `unexpected "2"`},
		{"r0 = 0xZZ", 5, `invalid integer "0xZZ"`},
		{"r0 = 0x100000001", 5, `integer 0x100000001 overflows 32 bits`},
		{"= 1", 0, `expected register, mem, syscall or int80, found "="`},
	} {
		t.Run(tt.s, func(t *testing.T) {
			_, err := rop.ParseQuery(Toy, tt.s)
			var qerr *rop.QuerySyntaxError
			if !errors.As(err, &qerr) {
				t.Fatalf("unexpected error: %v", err)
			} else if qerr.Pos != tt.pos {
				t.Fatalf("Pos=%d, expected %d", qerr.Pos, tt.pos)
			} else if qerr.Message != tt.msg {
				t.Fatalf("Message=%s, expected %s", qerr.Message, tt.msg)
			}
		})
	}
}

func TestQuery_Format(t *testing.T) {
	for _, tt := range []struct {
		s    string
		want string
	}{
		{"r1 = r2 + 8", "r1 = (8 + r2)"},
		{"mem(r2) = 0x10", "mem(r2) = 0x10"},
		{"syscall", "syscall"},
	} {
		if got := rop.MustParseQuery(Toy, tt.s).Format(Toy); got != tt.want {
			t.Fatalf("Format(%q)=%q, expected %q", tt.s, got, tt.want)
		}
	}
}
