package rop

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

// QueryKind identifies the goal of a query.
type QueryKind int

// Query kinds.
const (
	RegQuery     = QueryKind(iota + 1) // dst = value
	MemQuery                           // mem(addr) = value
	SyscallQuery                       // syscall
	Int80Query                         // int80
)

// Query is a parsed search goal.
type Query struct {
	Kind  QueryKind
	Dst   uint32 // RegQuery
	Addr  Expr   // MemQuery
	Value Expr
}

// String returns the string representation of the query.
func (q *Query) String() string {
	switch q.Kind {
	case RegQuery:
		return fmt.Sprintf("r%d = %s", q.Dst, q.Value)
	case MemQuery:
		return fmt.Sprintf("mem(%s) = %s", q.Addr, q.Value)
	case SyscallQuery:
		return "syscall"
	case Int80Query:
		return "int80"
	default:
		return fmt.Sprintf("QueryKind<%d>", q.Kind)
	}
}

// Format renders the query using register names.
func (q *Query) Format(arch *Architecture) string {
	switch q.Kind {
	case RegQuery:
		return fmt.Sprintf("%s = %s", arch.RegName(q.Dst), arch.FormatExpr(q.Value))
	case MemQuery:
		return fmt.Sprintf("mem(%s) = %s", arch.FormatExpr(q.Addr), arch.FormatExpr(q.Value))
	default:
		return q.String()
	}
}

// ParseQuery parses a query string:
//
//	<reg> = <expr>
//	mem(<expr>) = <expr>
//	syscall
//	int80
//
// Expressions are register names, integer literals (decimal, 0x or 0b),
// mem(<expr>) and the binary operators + - * / with the usual precedence.
func ParseQuery(arch *Architecture, s string) (*Query, error) {
	p := &queryParser{arch: arch, src: s}
	if err := p.scan(); err != nil {
		return nil, err
	}
	return p.parseQuery()
}

// MustParseQuery is like ParseQuery but panics on error.
func MustParseQuery(arch *Architecture, s string) *Query {
	q, err := ParseQuery(arch, s)
	if err != nil {
		panic(err)
	}
	return q
}

type tokenKind int

const (
	tokenEOF = tokenKind(iota)
	tokenIdent
	tokenInt
	tokenOp // + - * / = ( )
)

type token struct {
	kind tokenKind
	pos  int
	text string
}

type queryParser struct {
	arch   *Architecture
	src    string
	tokens []token
	i      int
}

// scan splits the source into tokens.
func (p *queryParser) scan() error {
	for pos := 0; pos < len(p.src); {
		ch := rune(p.src[pos])
		switch {
		case unicode.IsSpace(ch):
			pos++
		case strings.ContainsRune("+-*/=()", ch):
			p.tokens = append(p.tokens, token{kind: tokenOp, pos: pos, text: string(ch)})
			pos++
		case unicode.IsDigit(ch):
			start := pos
			for pos < len(p.src) && isIdentChar(rune(p.src[pos])) {
				pos++
			}
			p.tokens = append(p.tokens, token{kind: tokenInt, pos: start, text: p.src[start:pos]})
		case isIdentChar(ch):
			start := pos
			for pos < len(p.src) && isIdentChar(rune(p.src[pos])) {
				pos++
			}
			p.tokens = append(p.tokens, token{kind: tokenIdent, pos: start, text: strings.ToLower(p.src[start:pos])})
		default:
			return &QuerySyntaxError{Pos: pos, Message: fmt.Sprintf("unexpected character %q", ch)}
		}
	}
	p.tokens = append(p.tokens, token{kind: tokenEOF, pos: len(p.src)})
	return nil
}

func isIdentChar(ch rune) bool {
	return ch == '_' || unicode.IsLetter(ch) || unicode.IsDigit(ch)
}

func (p *queryParser) peek() token { return p.tokens[p.i] }

func (p *queryParser) next() token {
	tok := p.tokens[p.i]
	if tok.kind != tokenEOF {
		p.i++
	}
	return tok
}

func (p *queryParser) errorf(tok token, format string, args ...interface{}) error {
	return &QuerySyntaxError{Pos: tok.pos, Message: fmt.Sprintf(format, args...)}
}

func (p *queryParser) expect(op string) error {
	if tok := p.next(); tok.kind != tokenOp || tok.text != op {
		return p.errorf(tok, "expected %q, found %s", op, describe(tok))
	}
	return nil
}

func describe(tok token) string {
	if tok.kind == tokenEOF {
		return "end of query"
	}
	return strconv.Quote(tok.text)
}

func (p *queryParser) parseQuery() (*Query, error) {
	var q Query

	tok := p.peek()
	switch {
	case tok.kind == tokenIdent && tok.text == "syscall":
		p.next()
		q.Kind = SyscallQuery
	case tok.kind == tokenIdent && tok.text == "int80":
		p.next()
		q.Kind = Int80Query
	case tok.kind == tokenIdent && tok.text == "mem":
		addr, err := p.parseMem()
		if err != nil {
			return nil, err
		}
		q.Kind, q.Addr = MemQuery, Simplify(addr.Addr)
	case tok.kind == tokenIdent:
		p.next()
		id, err := p.arch.RegID(tok.text)
		if err != nil {
			return nil, p.errorf(tok, "unknown register %q", tok.text)
		}
		q.Kind, q.Dst = RegQuery, id
	default:
		return nil, p.errorf(tok, "expected register, mem, syscall or int80, found %s", describe(tok))
	}

	if q.Kind == RegQuery || q.Kind == MemQuery {
		if err := p.expect("="); err != nil {
			return nil, err
		}
		v, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		q.Value = Simplify(v)
	}

	if tok := p.peek(); tok.kind != tokenEOF {
		return nil, p.errorf(tok, "unexpected %s", describe(tok))
	}
	return &q, nil
}

// parseExpr parses a sum of terms.
func (p *queryParser) parseExpr() (Expr, error) {
	lhs, err := p.parseTerm()
	if err != nil {
		return nil, err
	}
	for {
		tok := p.peek()
		if tok.kind != tokenOp || (tok.text != "+" && tok.text != "-") {
			return lhs, nil
		}
		p.next()

		rhs, err := p.parseTerm()
		if err != nil {
			return nil, err
		}
		if tok.text == "+" {
			lhs = NewBinaryExpr(ADD, lhs, rhs)
		} else {
			lhs = NewBinaryExpr(SUB, lhs, rhs)
		}
	}
}

// parseTerm parses a product of factors.
func (p *queryParser) parseTerm() (Expr, error) {
	lhs, err := p.parseFactor()
	if err != nil {
		return nil, err
	}
	for {
		tok := p.peek()
		if tok.kind != tokenOp || (tok.text != "*" && tok.text != "/") {
			return lhs, nil
		}
		p.next()

		rhs, err := p.parseFactor()
		if err != nil {
			return nil, err
		}
		if tok.text == "*" {
			lhs = NewBinaryExpr(MUL, lhs, rhs)
		} else {
			lhs = NewBinaryExpr(UDIV, lhs, rhs)
		}
	}
}

func (p *queryParser) parseFactor() (Expr, error) {
	tok := p.peek()
	switch {
	case tok.kind == tokenInt:
		p.next()
		v, err := parseInt(tok.text)
		if err != nil {
			return nil, p.errorf(tok, "invalid integer %q", tok.text)
		} else if p.arch.Bits < 64 && v>>p.arch.Bits != 0 {
			return nil, p.errorf(tok, "integer %s overflows %d bits", tok.text, p.arch.Bits)
		}
		return p.arch.Word(v), nil

	case tok.kind == tokenIdent && tok.text == "mem":
		return p.parseMem()

	case tok.kind == tokenIdent:
		p.next()
		id, err := p.arch.RegID(tok.text)
		if err != nil {
			return nil, p.errorf(tok, "unknown register %q", tok.text)
		}
		return p.arch.Reg(id), nil

	case tok.kind == tokenOp && tok.text == "-":
		p.next()
		v, err := p.parseFactor()
		if err != nil {
			return nil, err
		}
		return NewBinaryExpr(SUB, p.arch.Word(0), v), nil

	case tok.kind == tokenOp && tok.text == "(":
		p.next()
		v, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		if err := p.expect(")"); err != nil {
			return nil, err
		}
		return v, nil

	default:
		return nil, p.errorf(tok, "expected expression, found %s", describe(tok))
	}
}

// parseMem parses "mem(<expr>)".
func (p *queryParser) parseMem() (*MemExpr, error) {
	p.next()
	if err := p.expect("("); err != nil {
		return nil, err
	}
	addr, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	if err := p.expect(")"); err != nil {
		return nil, err
	}
	return NewMemExpr(addr, p.arch.Bits), nil
}

// parseInt parses a decimal, hexadecimal (0x) or binary (0b) literal.
func parseInt(s string) (uint64, error) {
	s = strings.ToLower(s)
	switch {
	case strings.HasPrefix(s, "0x"):
		return strconv.ParseUint(s[2:], 16, 64)
	case strings.HasPrefix(s, "0b"):
		return strconv.ParseUint(s[2:], 2, 64)
	default:
		return strconv.ParseUint(s, 10, 64)
	}
}
