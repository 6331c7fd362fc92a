package sexp

// The analyzed AST node variants. These are produced by the front end
// (or built directly by embedders) and consumed by the code generator.
// Applications are represented as ordinary pairs whose car is the
// operator node and whose cdr is the list of argument nodes, so an AST
// is itself a value and may appear in literal lists.

// Ref is a variable reference. Cell is the (name . location) pair that
// is the binding's stable identity: for a lexical variable the cdr is
// the owning Lambda node, and for a top-level variable the cell is the
// environment binding itself, cdr holding the current value (or Undef).
type Ref struct {
	Name *Symbol
	Cell *Pair
}

// Loc returns the reference's location: the owning lambda, or the
// global binding's current value.
func (r *Ref) Loc() Value { return r.Cell.Cdr }

// Global reports whether the reference resolves to a top-level cell.
func (r *Ref) Global() bool {
	_, lexical := r.Cell.Cdr.(*Lambda)
	return !lexical
}

// Set is an assignment to a resolved variable.
type Set struct {
	Var   *Ref
	Value Value
}

// Cnd is a two-armed conditional.
type Cnd struct {
	Test, Pass, Fail Value
}

// Seq is a sequence evaluated left to right for the last value.
type Seq struct {
	Ls []Value
}

// Lit wraps a quoted datum so the generator never mistakes it for an
// AST node or an application.
type Lit struct {
	Value Value
}

// Lambda is an analyzed abstraction. Params are the required
// parameters in order; Rest, when non-nil, collects extra arguments as
// a list. Locals are internally defined names allocated above the
// frame. SetVars lists the parameters mutated after binding (these are
// boxed in single-cell pairs so shared closures observe updates), and
// FreeVars lists the references captured from enclosing lambdas in
// closure-vector order.
type Lambda struct {
	Name     *Symbol
	Params   []*Symbol
	Rest     *Symbol
	Body     Value
	Locals   []*Symbol
	SetVars  []*Symbol
	FreeVars []*Ref
	Source   *Pair // (file . line), or nil
}

// ParamIndex returns the frame-relative index codegen uses for name:
// parameters count up from the slot just below the frame header, the
// rest parameter follows them, and locals use the negative indexes
// that address slots above the header. The boolean is false when the
// name is not bound by this lambda.
func (l *Lambda) ParamIndex(name *Symbol) (int, bool) {
	for i, p := range l.Params {
		if p == name {
			return i, true
		}
	}
	if l.Rest != nil && l.Rest == name {
		return len(l.Params), true
	}
	for i, p := range l.Locals {
		if p == name {
			return -i - 5, true
		}
	}
	return 0, false
}

// Binds reports whether name is a parameter, rest parameter or local
// of this lambda.
func (l *Lambda) Binds(name *Symbol) bool {
	_, ok := l.ParamIndex(name)
	return ok
}

// OpcodeClass partitions the primitive opcodes by the code-generation
// coda they require.
type OpcodeClass uint8

// The opcode classes.
const (
	OpcGeneric OpcodeClass = iota
	OpcArithmetic
	OpcArithmeticCmp
	OpcForeign
	OpcTypePredicate
	OpcGetter
	OpcSetter
	OpcConstructor
	OpcParameter
)

// ForeignFunc is a host function invoked by the FCALL opcodes. It
// returns a normal value, or an *Exception to short-circuit to the
// error handler.
type ForeignFunc func(op *Opcode, args []Value) Value

// Opcode is a first-class descriptor for a primitive. Code is the VM
// opcode byte the generator emits for it. Data holds the class's
// auxiliary datum: the default value for a trailing optional argument
// (the arithmetic identity, or for port operations the parameter
// opcode whose current value is the default port), the binding cell
// for a parameter opcode, or the type index for typed accessors; Data2
// holds the slot index (the slot count for record constructors) or,
// for parameters, the value converter applied on rebinding.
type Opcode struct {
	Name     string
	Class    OpcodeClass
	Code     uint8
	NumArgs  int
	Variadic bool
	Inverse  bool
	OptParam bool
	Data     Value
	Data2    Value
	Func     ForeignFunc

	// Proc caches the procedure wrapper synthesized for first-class
	// use at exactly the declared arity.
	Proc *Procedure
}
