// Package reader parses s-expression surface syntax into values.
//
// The reader handles the datum grammar the runtime needs: fixnums with
// bignum overflow, flonums, characters, strings, booleans, symbols,
// quote shorthand, proper and dotted lists, vectors and byte-vectors,
// with line tracking for error reporting.
package reader

import (
	"fmt"
	"math/big"
	"strings"
	"unicode"

	"github.com/unixaaa/chibi-scheme/pkg/sexp"
)

// Reader scans datums from an input string.
type Reader struct {
	src  []rune
	pos  int
	line int
	name string
}

// New creates a reader over src; name labels positions in errors.
func New(name, src string) *Reader {
	return &Reader{src: []rune(src), line: 1, name: name}
}

// ReadString parses a single datum from src.
func ReadString(src string) (sexp.Value, error) {
	return New("<string>", src).Read()
}

// ReadAll parses every datum in src.
func (r *Reader) ReadAll() ([]sexp.Value, error) {
	var out []sexp.Value
	for {
		v, err := r.Read()
		if err != nil {
			return out, err
		}
		if v == sexp.Eof {
			return out, nil
		}
		out = append(out, v)
	}
}

// Read parses the next datum, returning Eof at end of input.
func (r *Reader) Read() (sexp.Value, error) {
	r.skipSpace()
	if r.eof() {
		return sexp.Eof, nil
	}
	c := r.peek()
	switch {
	case c == '(':
		r.next()
		return r.readList()
	case c == ')':
		return nil, r.errorf("unexpected )")
	case c == '\'':
		r.next()
		v, err := r.Read()
		if err != nil {
			return nil, err
		}
		if v == sexp.Eof {
			return nil, r.errorf("unexpected end of input after quote")
		}
		return sexp.List(sexp.Intern("quote"), v), nil
	case c == '"':
		r.next()
		return r.readStringLit()
	case c == '#':
		return r.readHash()
	default:
		return r.readAtom()
	}
}

// Line reports the current source line.
func (r *Reader) Line() int { return r.line }

func (r *Reader) eof() bool  { return r.pos >= len(r.src) }
func (r *Reader) peek() rune { return r.src[r.pos] }

func (r *Reader) next() rune {
	c := r.src[r.pos]
	r.pos++
	if c == '\n' {
		r.line++
	}
	return c
}

func (r *Reader) errorf(format string, args ...interface{}) error {
	return fmt.Errorf("%s:%d: %s", r.name, r.line, fmt.Sprintf(format, args...))
}

func (r *Reader) skipSpace() {
	for !r.eof() {
		c := r.peek()
		if c == ';' {
			for !r.eof() && r.peek() != '\n' {
				r.next()
			}
			continue
		}
		if !unicode.IsSpace(c) {
			return
		}
		r.next()
	}
}

func (r *Reader) readList() (sexp.Value, error) {
	var items []sexp.Value
	tail := sexp.Null
	for {
		r.skipSpace()
		if r.eof() {
			return nil, r.errorf("unterminated list")
		}
		if r.peek() == ')' {
			r.next()
			break
		}
		if r.peek() == '.' && r.dotBreak() {
			r.next()
			v, err := r.Read()
			if err != nil {
				return nil, err
			}
			r.skipSpace()
			if r.eof() || r.peek() != ')' {
				return nil, r.errorf("bad dotted list")
			}
			r.next()
			tail = v
			break
		}
		v, err := r.Read()
		if err != nil {
			return nil, err
		}
		if v == sexp.Eof {
			return nil, r.errorf("unterminated list")
		}
		items = append(items, v)
	}
	res := tail
	for i := len(items) - 1; i >= 0; i-- {
		res = sexp.Cons(items[i], res)
	}
	return res, nil
}

// dotBreak distinguishes the dotted-pair marker from a symbol or
// number beginning with a dot.
func (r *Reader) dotBreak() bool {
	if r.pos+1 >= len(r.src) {
		return true
	}
	c := r.src[r.pos+1]
	return unicode.IsSpace(c) || c == ')' || c == '('
}

func (r *Reader) readStringLit() (sexp.Value, error) {
	var b strings.Builder
	for {
		if r.eof() {
			return nil, r.errorf("unterminated string")
		}
		c := r.next()
		if c == '"' {
			return sexp.NewString(b.String()), nil
		}
		if c == '\\' {
			if r.eof() {
				return nil, r.errorf("unterminated string escape")
			}
			e := r.next()
			switch e {
			case 'n':
				b.WriteRune('\n')
			case 't':
				b.WriteRune('\t')
			case 'r':
				b.WriteRune('\r')
			case '\\', '"':
				b.WriteRune(e)
			default:
				return nil, r.errorf("bad string escape \\%c", e)
			}
			continue
		}
		b.WriteRune(c)
	}
}

func (r *Reader) readHash() (sexp.Value, error) {
	r.next() // #
	if r.eof() {
		return nil, r.errorf("unexpected end of input after #")
	}
	switch c := r.next(); c {
	case 't':
		return sexp.True, nil
	case 'f':
		return sexp.False, nil
	case '\\':
		return r.readChar()
	case '(':
		ls, err := r.readList()
		if err != nil {
			return nil, err
		}
		v := &sexp.Vector{}
		for p := ls; p != sexp.Null; p = p.(*sexp.Pair).Cdr {
			v.Data = append(v.Data, p.(*sexp.Pair).Car)
		}
		return v, nil
	case 'u':
		if r.eof() || r.next() != '8' || r.eof() || r.next() != '(' {
			return nil, r.errorf("bad byte-vector syntax")
		}
		ls, err := r.readList()
		if err != nil {
			return nil, err
		}
		b := &sexp.Bytes{}
		for p := ls; p != sexp.Null; p = p.(*sexp.Pair).Cdr {
			n, ok := p.(*sexp.Pair).Car.(sexp.Fixnum)
			if !ok || n < 0 || n > 255 {
				return nil, r.errorf("byte-vector element out of range")
			}
			b.Data = append(b.Data, byte(n))
		}
		return b, nil
	default:
		return nil, r.errorf("bad # syntax: #%c", c)
	}
}

var charNames = map[string]rune{
	"space":   ' ',
	"newline": '\n',
	"tab":     '\t',
	"nul":     0,
}

func (r *Reader) readChar() (sexp.Value, error) {
	if r.eof() {
		return nil, r.errorf("unexpected end of input in character")
	}
	first := r.next()
	name := string(first)
	for !r.eof() && isSymbolRune(r.peek()) && unicode.IsLetter(r.peek()) {
		name += string(r.next())
	}
	if len(name) == 1 {
		return sexp.Char(first), nil
	}
	if c, ok := charNames[name]; ok {
		return sexp.Char(c), nil
	}
	return nil, r.errorf("unknown character name #\\%s", name)
}

func isSymbolRune(c rune) bool {
	if unicode.IsSpace(c) {
		return false
	}
	switch c {
	case '(', ')', '"', ';', '\'':
		return false
	}
	return true
}

func (r *Reader) readAtom() (sexp.Value, error) {
	var b strings.Builder
	for !r.eof() && isSymbolRune(r.peek()) {
		b.WriteRune(r.next())
	}
	text := b.String()
	if v, ok := parseNumber(text); ok {
		return v, nil
	}
	return sexp.Intern(text), nil
}

func parseNumber(text string) (sexp.Value, bool) {
	if text == "" || text == "+" || text == "-" || text == "." || text == "..." {
		return nil, false
	}
	body := text
	if body[0] == '+' || body[0] == '-' {
		body = body[1:]
	}
	digits, dot := 0, false
	for _, c := range body {
		switch {
		case c >= '0' && c <= '9':
			digits++
		case c == '.' && !dot:
			dot = true
		case c == 'e' || c == 'E' || c == '+' || c == '-':
		default:
			return nil, false
		}
	}
	if digits == 0 {
		return nil, false
	}
	if !dot && !strings.ContainsAny(body, "eE") {
		i := new(big.Int)
		if _, ok := i.SetString(text, 10); !ok {
			return nil, false
		}
		return sexp.NormalizeBignum(i), true
	}
	f, ok := new(big.Float).SetString(text)
	if !ok {
		return nil, false
	}
	val, _ := f.Float64()
	return sexp.MakeFlonum(val), true
}
