package compiler

import (
	"github.com/unixaaa/chibi-scheme/pkg/bytecode"
	"github.com/unixaaa/chibi-scheme/pkg/sexp"
)

// The core primitive set. Each entry is a first-class opcode
// descriptor: the analyzer resolves top-level names to these, the
// generator inlines them, and the factory in opcodeproc.go wraps them
// as procedures when they escape.

// Dynamic parameters consulted by the VM itself.
var (
	CurrentInputPort        = MakeParameter("current-input-port", sexp.False, nil)
	CurrentOutputPort       = MakeParameter("current-output-port", sexp.False, nil)
	CurrentExceptionHandler = MakeParameter("current-exception-handler", sexp.False, nil)
)

// MakeParameter creates a dynamic-parameter opcode. The default
// binding cell lives on the descriptor; converter, when applicable, is
// applied to values on rebinding.
func MakeParameter(name string, dflt sexp.Value, converter sexp.Value) *sexp.Opcode {
	return &sexp.Opcode{
		Name:    name,
		Class:   sexp.OpcParameter,
		Code:    uint8(bytecode.OpParameterRef),
		Data:    sexp.Cons(sexp.Intern(name), dflt),
		Data2:   converter,
		NumArgs: 0,
	}
}

func arith(name string, code bytecode.Op, identity sexp.Value, inverse bool) *sexp.Opcode {
	return &sexp.Opcode{
		Name: name, Class: sexp.OpcArithmetic, Code: uint8(code),
		NumArgs: 1, Variadic: true, Inverse: inverse, Data: identity,
	}
}

func arithFixed(name string, code bytecode.Op) *sexp.Opcode {
	return &sexp.Opcode{Name: name, Class: sexp.OpcArithmetic, Code: uint8(code), NumArgs: 2}
}

func cmp(name string, code bytecode.Op, inverse bool) *sexp.Opcode {
	return &sexp.Opcode{
		Name: name, Class: sexp.OpcArithmeticCmp, Code: uint8(code),
		NumArgs: 2, Variadic: true, Inverse: inverse,
	}
}

func generic(name string, code bytecode.Op, numArgs int) *sexp.Opcode {
	return &sexp.Opcode{Name: name, Class: sexp.OpcGeneric, Code: uint8(code), NumArgs: numArgs}
}

func getter(name string, code bytecode.Op, numArgs int) *sexp.Opcode {
	return &sexp.Opcode{Name: name, Class: sexp.OpcGetter, Code: uint8(code), NumArgs: numArgs}
}

func setter(name string, code bytecode.Op, numArgs int) *sexp.Opcode {
	return &sexp.Opcode{Name: name, Class: sexp.OpcSetter, Code: uint8(code), NumArgs: numArgs}
}

func constructor(name string, code bytecode.Op, numArgs int) *sexp.Opcode {
	return &sexp.Opcode{Name: name, Class: sexp.OpcConstructor, Code: uint8(code), NumArgs: numArgs}
}

func typePred(name string, code bytecode.Op) *sexp.Opcode {
	return &sexp.Opcode{Name: name, Class: sexp.OpcTypePredicate, Code: uint8(code), NumArgs: 1}
}

// portOp builds an I/O opcode whose trailing port argument defaults to
// the given dynamic parameter.
func portOp(name string, code bytecode.Op, numArgs int, param *sexp.Opcode) *sexp.Opcode {
	return &sexp.Opcode{
		Name: name, Class: sexp.OpcGeneric, Code: uint8(code),
		NumArgs: numArgs, Variadic: true, OptParam: true, Data: param,
	}
}

// MakeForeign wraps a host function as a foreign-call opcode. Arity up
// to four uses the direct FCALL paths; anything larger or variadic
// goes through the extended FCALLN path.
func MakeForeign(name string, numArgs int, variadic bool, fn sexp.ForeignFunc) *sexp.Opcode {
	code := bytecode.OpFCallN
	if !variadic && numArgs <= 4 {
		code = bytecode.Op(uint8(bytecode.OpFCall0) + uint8(numArgs))
	}
	return &sexp.Opcode{
		Name: name, Class: sexp.OpcForeign, Code: uint8(code),
		NumArgs: numArgs, Variadic: variadic, Func: fn,
	}
}

// MakeGetter and MakeSetter build slot accessors for a registered
// record type; MakeConstructor builds its allocator.
func MakeGetter(name string, t *sexp.Type, slot int) *sexp.Opcode {
	op := getter(name, bytecode.OpSlotRef, 1)
	op.Data = sexp.Fixnum(t.Index)
	op.Data2 = sexp.Fixnum(slot)
	return op
}

// MakeSetter builds a checked slot mutator.
func MakeSetter(name string, t *sexp.Type, slot int) *sexp.Opcode {
	op := setter(name, bytecode.OpSlotSet, 2)
	op.Data = sexp.Fixnum(t.Index)
	op.Data2 = sexp.Fixnum(slot)
	return op
}

// MakeConstructor builds an allocator for a registered record type.
func MakeConstructor(name string, t *sexp.Type) *sexp.Opcode {
	op := constructor(name, bytecode.OpMake, 0)
	op.Data = sexp.Fixnum(t.Index)
	op.Data2 = sexp.Fixnum(t.SlotCount)
	return op
}

// MakeTypePredicate builds an instance test for a registered type.
func MakeTypePredicate(name string, t *sexp.Type) *sexp.Opcode {
	op := typePred(name, bytecode.OpTypeP)
	op.Data = sexp.Fixnum(t.Index)
	return op
}

func foreignVector(op *sexp.Opcode, args []sexp.Value) sexp.Value {
	v := &sexp.Vector{Data: make([]sexp.Value, len(args))}
	copy(v.Data, args)
	return v
}

func foreignList(op *sexp.Opcode, args []sexp.Value) sexp.Value {
	return sexp.List(args...)
}

func foreignLength(op *sexp.Opcode, args []sexp.Value) sexp.Value {
	n := sexp.ListLength(args[0])
	if n < 0 {
		return sexp.TypeException("length", "list", args[0])
	}
	return sexp.Fixnum(n)
}

func foreignPairP(op *sexp.Opcode, args []sexp.Value) sexp.Value {
	return sexp.Boolean(sexp.Pairp(args[0]))
}

func foreignNot(op *sexp.Opcode, args []sexp.Value) sexp.Value {
	return sexp.Boolean(args[0] == sexp.False)
}

// Primitives returns the descriptors for the core language, freshly
// resolvable by name. The slice is rebuilt per call so embedders can
// extend it without aliasing surprises; the parameter descriptors
// above stay shared because their identity is their binding.
func Primitives() []*sexp.Opcode {
	return []*sexp.Opcode{
		arith("+", bytecode.OpAdd, sexp.Fixnum(0), false),
		arith("-", bytecode.OpSub, sexp.Fixnum(0), true),
		arith("*", bytecode.OpMul, sexp.Fixnum(1), false),
		arith("/", bytecode.OpDiv, sexp.Fixnum(1), true),
		arithFixed("quotient", bytecode.OpQuotient),
		arithFixed("remainder", bytecode.OpRemainder),
		cmp("<", bytecode.OpLt, false),
		cmp("<=", bytecode.OpLe, false),
		cmp(">", bytecode.OpLt, true),
		cmp(">=", bytecode.OpLe, true),
		cmp("=", bytecode.OpEqN, false),
		generic("eq?", bytecode.OpEq, 2),
		generic("is-a?", bytecode.OpIsA, 2),
		typePred("null?", bytecode.OpNullP),
		typePred("fixnum?", bytecode.OpFixnumP),
		typePred("symbol?", bytecode.OpSymbolP),
		typePred("char?", bytecode.OpCharP),
		typePred("eof-object?", bytecode.OpEofP),
		getter("car", bytecode.OpCar, 1),
		getter("cdr", bytecode.OpCdr, 1),
		setter("set-car!", bytecode.OpSetCar, 2),
		setter("set-cdr!", bytecode.OpSetCdr, 2),
		constructor("cons", bytecode.OpCons, 2),
		makeVectorOp(),
		getter("vector-ref", bytecode.OpVectorRef, 2),
		setter("vector-set!", bytecode.OpVectorSet, 3),
		getter("vector-length", bytecode.OpVectorLength, 1),
		getter("string-ref", bytecode.OpStringRef, 2),
		setter("string-set!", bytecode.OpStringSet, 3),
		getter("string-length", bytecode.OpStringLength, 1),
		getter("bytes-ref", bytecode.OpBytesRef, 2),
		setter("bytes-set!", bytecode.OpBytesSet, 3),
		getter("bytes-length", bytecode.OpBytesLength, 1),
		generic("exact->inexact", bytecode.OpFix2Flo, 1),
		generic("inexact->exact", bytecode.OpFlo2Fix, 1),
		generic("char->integer", bytecode.OpChar2Int, 1),
		generic("integer->char", bytecode.OpInt2Char, 1),
		generic("char-upcase", bytecode.OpCharUpcase, 1),
		generic("char-downcase", bytecode.OpCharDowncase, 1),
		portOp("write-char", bytecode.OpWriteChar, 1, CurrentOutputPort),
		portOp("newline", bytecode.OpNewline, 0, CurrentOutputPort),
		portOp("read-char", bytecode.OpReadChar, 0, CurrentInputPort),
		portOp("peek-char", bytecode.OpPeekChar, 0, CurrentInputPort),
		generic("slot-ref", bytecode.OpSlotNRef, 3),
		generic("slot-set!", bytecode.OpSlotNSet, 4),
		generic("make-exception", bytecode.OpMakeException, 5),
		generic("call/cc", bytecode.OpCallCC, 1),
		generic("call-with-current-continuation", bytecode.OpCallCC, 1),
		generic("apply", bytecode.OpApply1, 2),
		generic("raise", bytecode.OpRaise, 1),
		generic("thread-yield!", bytecode.OpYield, 0),
		MakeForeign("vector", 0, true, foreignVector),
		MakeForeign("list", 0, true, foreignList),
		MakeForeign("length", 1, false, foreignLength),
		MakeForeign("pair?", 1, false, foreignPairP),
		MakeForeign("not", 1, false, foreignNot),
		CurrentInputPort,
		CurrentOutputPort,
		CurrentExceptionHandler,
	}
}

func makeVectorOp() *sexp.Opcode {
	op := constructor("make-vector", bytecode.OpMakeVector, 1)
	op.Variadic = true
	// The fill for a one-argument make-vector.
	op.Data = sexp.Void
	return op
}

// Install defines every core primitive in a top-level environment.
func Install(env *sexp.Env) {
	for _, op := range Primitives() {
		env.Define(sexp.Intern(op.Name), op)
	}
}
