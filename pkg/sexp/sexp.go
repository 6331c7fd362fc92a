// Package sexp defines the uniform value model for the runtime.
//
// Every datum the interpreter manipulates is a Value. Immediates
// (fixnums, characters, booleans and the shared singletons) are
// comparable Go values, and heap objects are pointers, so comparing two
// Values with == is exactly identity equality (eq?). Numeric equality,
// which coerces across the fixnum/flonum/bignum tower, lives in
// number.go.
//
// The package also defines the compiled-code values (Bytecode,
// Procedure, Opcode) and the analyzed AST node variants (Ref, Set, Cnd,
// Seq, Lambda, Lit), which are themselves first-class values: bytecode
// literal lists may pin any of them.
package sexp

import (
	"fmt"
	"math/big"
	"strings"
)

// Value is the uniform tagged reference. Tag discrimination is a Go
// type switch; the predicates below cover every variant.
type Value interface{}

// Fixnum is a small exact integer.
type Fixnum int64

// Char is a Unicode code point.
type Char rune

// Boolean is #t or #f.
type Boolean bool

// The two boolean immediates.
const (
	True  Boolean = true
	False Boolean = false
)

// special is the representation of the remaining immediates. Each is a
// distinct pointer, so identity comparison distinguishes them.
type special struct{ name string }

func (s *special) String() string { return s.name }

// The immediate singletons.
var (
	Null  Value = &special{"()"}
	Eof   Value = &special{"#!eof"}
	Void  Value = &special{"#!void"}
	Undef Value = &special{"#!undef"}
)

// Symbol is an interned name. Two symbols with the same spelling are
// the same pointer.
type Symbol struct {
	Name string
}

var symtab = make(map[string]*Symbol)

// Intern returns the unique symbol for name.
func Intern(name string) *Symbol {
	if s, ok := symtab[name]; ok {
		return s
	}
	s := &Symbol{Name: name}
	symtab[name] = s
	return s
}

func (s *Symbol) String() string { return s.Name }

// Pair is a cons cell. Binding cells (both global bindings and the
// boxes wrapping mutated lexical variables) are ordinary pairs, so the
// stack and the literal lists stay uniformly scannable.
type Pair struct {
	Car, Cdr  Value
	Immutable bool
}

// Cons allocates a fresh mutable pair.
func Cons(car, cdr Value) *Pair { return &Pair{Car: car, Cdr: cdr} }

// List builds a proper list from its arguments.
func List(vs ...Value) Value {
	res := Null
	for i := len(vs) - 1; i >= 0; i-- {
		res = Cons(vs[i], res)
	}
	return res
}

// ListLength returns the number of pairs in a proper list, or -1 if v
// is improper.
func ListLength(v Value) int {
	n := 0
	for {
		switch p := v.(type) {
		case *special:
			if v == Null {
				return n
			}
			return -1
		case *Pair:
			n++
			v = p.Cdr
		default:
			return -1
		}
	}
}

// Reverse returns a fresh reversal of a proper list.
func Reverse(v Value) Value {
	res := Null
	for p, ok := v.(*Pair); ok; p, ok = v.(*Pair) {
		res = Cons(p.Car, res)
		v = p.Cdr
	}
	return res
}

// Memq reports whether x is identity-equal to an element of list ls.
func Memq(x, ls Value) bool {
	for p, ok := ls.(*Pair); ok; p, ok = ls.(*Pair) {
		if p.Car == x {
			return true
		}
		ls = p.Cdr
	}
	return false
}

// Vector is a fixed-length mutable sequence of values.
type Vector struct {
	Data      []Value
	Immutable bool
}

// MakeVector allocates a vector of n slots, each holding fill.
func MakeVector(n int, fill Value) *Vector {
	data := make([]Value, n)
	for i := range data {
		data[i] = fill
	}
	return &Vector{Data: data}
}

// String is a mutable Scheme string stored as UTF-8 bytes.
type String struct {
	Data      []byte
	Immutable bool
}

// NewString allocates a mutable string with the given contents.
func NewString(s string) *String { return &String{Data: []byte(s)} }

func (s *String) String() string { return string(s.Data) }

// Bytes is a byte-vector.
type Bytes struct {
	Data      []byte
	Immutable bool
}

// Flonum is a double-precision inexact number. It is heap-allocated so
// that quoted flonum literals round-trip under identity equality.
type Flonum struct {
	Val float64
}

// MakeFlonum allocates a flonum.
func MakeFlonum(f float64) *Flonum { return &Flonum{Val: f} }

// Bignum is an arbitrary-precision exact integer.
type Bignum struct {
	Val big.Int
}

// FixnumToBignum widens a fixnum.
func FixnumToBignum(f Fixnum) *Bignum {
	var b Bignum
	b.Val.SetInt64(int64(f))
	return &b
}

// Procedure binds compiled code to its captured environment.
type Procedure struct {
	Flags   uint8
	NumArgs int
	Code    *Bytecode
	Vars    *Vector // closure environment; empty when nothing is captured
}

// FlagVariadic marks a procedure whose final parameter collects the
// remaining arguments as a list.
const FlagVariadic uint8 = 1

// MakeProcedure constructs a procedure value.
func MakeProcedure(flags uint8, numArgs int, code *Bytecode, vars *Vector) *Procedure {
	return &Procedure{Flags: flags, NumArgs: numArgs, Code: code, Vars: vars}
}

// Variadic reports whether the procedure accepts extra arguments.
func (p *Procedure) Variadic() bool { return p.Flags&FlagVariadic != 0 }

// Bytecode is a finalized code block: the instruction stream, the
// literal list pinning every heap value an operand denotes, and the
// optional debug attributes.
type Bytecode struct {
	Name     string
	Source   *Pair // (file . line), or nil
	Data     []byte
	Literals []Value
}

// Record is a tagged object allocated for a registered type; SLOT_REF
// and SLOT_SET address its slots by index.
type Record struct {
	Type      *Type
	Slots     []Value
	Immutable bool
}

// Type is a first-class type descriptor. CPL is the class-precedence
// list as a vector indexed by depth: a value of type T answers true to
// (is-a? v U) when U appears at its own depth in T's CPL.
type Type struct {
	Name      string
	Index     int
	Depth     int
	CPL       *Vector
	SlotCount int
}

var typeRegistry []*Type

// RegisterType assigns the next free type index and records the
// descriptor. The CPL is built from the parent's CPL with the new type
// appended at its own depth, or holds just the new type when parent is
// nil.
func RegisterType(name string, parent *Type, slots int) *Type {
	t := &Type{Name: name, Index: len(typeRegistry), SlotCount: slots}
	if parent != nil {
		t.Depth = parent.Depth + 1
		data := make([]Value, 0, t.Depth+1)
		data = append(data, parent.CPL.Data...)
		t.CPL = &Vector{Data: append(data, t)}
	} else {
		t.CPL = &Vector{Data: []Value{t}}
	}
	typeRegistry = append(typeRegistry, t)
	return t
}

// TypeByIndex returns a registered type descriptor, or nil.
func TypeByIndex(i int) *Type {
	if i < 0 || i >= len(typeRegistry) {
		return nil
	}
	return typeRegistry[i]
}

// TypeOf returns the registered descriptor for a record, or nil for
// any other value: only records participate in the type lattice.
func TypeOf(v Value) *Type {
	if r, ok := v.(*Record); ok {
		return r.Type
	}
	return nil
}

// CheckType reports whether v is acceptable where type t is declared:
// either v's own type, or a supertype found at t's depth in v's CPL.
func CheckType(v Value, t *Type) bool {
	vt := TypeOf(v)
	if vt == nil || t == nil {
		return false
	}
	if vt == t {
		return true
	}
	return t.Depth < len(vt.CPL.Data) && vt.CPL.Data[t.Depth] == t
}

// Predicates over the value variants.

// Truthy reports Scheme truth: everything but #f.
func Truthy(v Value) bool { return v != False }

// Nullp reports the empty list.
func Nullp(v Value) bool { return v == Null }

// Pairp reports a pair.
func Pairp(v Value) bool { _, ok := v.(*Pair); return ok }

// Fixnump reports a fixnum.
func Fixnump(v Value) bool { _, ok := v.(Fixnum); return ok }

// Flonump reports a flonum.
func Flonump(v Value) bool { _, ok := v.(*Flonum); return ok }

// Bignump reports a bignum.
func Bignump(v Value) bool { _, ok := v.(*Bignum); return ok }

// Symbolp reports a symbol.
func Symbolp(v Value) bool { _, ok := v.(*Symbol); return ok }

// Charp reports a character.
func Charp(v Value) bool { _, ok := v.(Char); return ok }

// Stringp reports a string.
func Stringp(v Value) bool { _, ok := v.(*String); return ok }

// Vectorp reports a vector.
func Vectorp(v Value) bool { _, ok := v.(*Vector); return ok }

// Bytesp reports a byte-vector.
func Bytesp(v Value) bool { _, ok := v.(*Bytes); return ok }

// Procedurep reports a compiled procedure.
func Procedurep(v Value) bool { _, ok := v.(*Procedure); return ok }

// Opcodep reports a primitive opcode descriptor.
func Opcodep(v Value) bool { _, ok := v.(*Opcode); return ok }

// Exceptionp reports an exception value.
func Exceptionp(v Value) bool { _, ok := v.(*Exception); return ok }

// Typep reports a type descriptor.
func Typep(v Value) bool { _, ok := v.(*Type); return ok }

// Applicablep reports a value the calling convention accepts.
func Applicablep(v Value) bool { return Procedurep(v) || Opcodep(v) }

// Immutablep reports whether a heap object is write-protected.
func Immutablep(v Value) bool {
	switch x := v.(type) {
	case *Pair:
		return x.Immutable
	case *Vector:
		return x.Immutable
	case *String:
		return x.Immutable
	case *Bytes:
		return x.Immutable
	case *Record:
		return x.Immutable
	}
	return false
}

// Env is the top-level environment: a table of binding cells. Each
// binding is a (name . value) pair; the pair is the stable identity
// referenced by compiled code, and its cdr is the live value (Undef
// until defined).
type Env struct {
	cells map[*Symbol]*Pair
}

// NewEnv creates an empty top-level environment.
func NewEnv() *Env { return &Env{cells: make(map[*Symbol]*Pair)} }

// Cell returns the binding cell for name, creating an undefined one on
// first reference so every use site shares the same pair.
func (e *Env) Cell(name *Symbol) *Pair {
	if c, ok := e.cells[name]; ok {
		return c
	}
	c := Cons(name, Undef)
	e.cells[name] = c
	return c
}

// Lookup returns the cell for name only if one already exists.
func (e *Env) Lookup(name *Symbol) (*Pair, bool) {
	c, ok := e.cells[name]
	return c, ok
}

// Define binds name to v.
func (e *Env) Define(name *Symbol, v Value) { e.Cell(name).Cdr = v }

// Write renders a value in external form.
func Write(v Value) string {
	var b strings.Builder
	writeValue(&b, v)
	return b.String()
}

func writeValue(b *strings.Builder, v Value) {
	switch x := v.(type) {
	case nil:
		b.WriteString("#!void")
	case Fixnum:
		fmt.Fprintf(b, "%d", int64(x))
	case *Flonum:
		s := fmt.Sprintf("%g", x.Val)
		b.WriteString(s)
		if !strings.ContainsAny(s, ".eE") {
			b.WriteString(".0")
		}
	case *Bignum:
		b.WriteString(x.Val.String())
	case Boolean:
		if x {
			b.WriteString("#t")
		} else {
			b.WriteString("#f")
		}
	case Char:
		writeChar(b, x)
	case *special:
		b.WriteString(x.name)
	case *Symbol:
		b.WriteString(x.Name)
	case *String:
		fmt.Fprintf(b, "%q", string(x.Data))
	case *Bytes:
		b.WriteString("#u8(")
		for i, c := range x.Data {
			if i > 0 {
				b.WriteByte(' ')
			}
			fmt.Fprintf(b, "%d", c)
		}
		b.WriteByte(')')
	case *Pair:
		writePair(b, x)
	case *Vector:
		b.WriteString("#(")
		for i, e := range x.Data {
			if i > 0 {
				b.WriteByte(' ')
			}
			writeValue(b, e)
		}
		b.WriteByte(')')
	case *Procedure:
		name := x.Code.Name
		if name == "" {
			name = "anonymous"
		}
		fmt.Fprintf(b, "#<procedure %s>", name)
	case *Opcode:
		fmt.Fprintf(b, "#<opcode %s>", x.Name)
	case *Bytecode:
		fmt.Fprintf(b, "#<bytecode %d bytes>", len(x.Data))
	case *Exception:
		fmt.Fprintf(b, "#<exception %s: %s>", x.Kind.Name, x.Message)
	case *Type:
		fmt.Fprintf(b, "#<type %s>", x.Name)
	case *Record:
		fmt.Fprintf(b, "#<%s>", x.Type.Name)
	case *Port:
		fmt.Fprintf(b, "#<port %s>", x.Name)
	default:
		fmt.Fprintf(b, "#<%T>", v)
	}
}

func writeChar(b *strings.Builder, c Char) {
	switch c {
	case ' ':
		b.WriteString(`#\space`)
	case '\n':
		b.WriteString(`#\newline`)
	case '\t':
		b.WriteString(`#\tab`)
	default:
		fmt.Fprintf(b, `#\%c`, rune(c))
	}
}

func writePair(b *strings.Builder, p *Pair) {
	if p.Car == Intern("quote") {
		if cdr, ok := p.Cdr.(*Pair); ok && cdr.Cdr == Null {
			b.WriteByte('\'')
			writeValue(b, cdr.Car)
			return
		}
	}
	b.WriteByte('(')
	writeValue(b, p.Car)
	rest := p.Cdr
	for {
		if q, ok := rest.(*Pair); ok {
			b.WriteByte(' ')
			writeValue(b, q.Car)
			rest = q.Cdr
			continue
		}
		if rest != Null {
			b.WriteString(" . ")
			writeValue(b, rest)
		}
		b.WriteByte(')')
		return
	}
}
