package compiler

import (
	"strconv"

	"github.com/unixaaa/chibi-scheme/pkg/bytecode"
	"github.com/unixaaa/chibi-scheme/pkg/sexp"
)

// MakeOpcodeProcedure wraps a primitive opcode as a procedure of
// exactly numArgs formal parameters, for use where a first-class value
// is required (stored in a variable, applied through the generic call
// path). It synthesizes a lambda whose body applies the opcode to the
// parameters and compiles it through the normal opcode-application
// path. The wrapper at the opcode's declared arity is cached on the
// descriptor; out-of-arity requests return an exception value.
func MakeOpcodeProcedure(op *sexp.Opcode, numArgs int) sexp.Value {
	if numArgs == op.NumArgs && op.Proc != nil {
		return op.Proc
	}
	if numArgs < op.NumArgs {
		return sexp.KindedException(sexp.KindArity, op,
			"not enough args for opcode", sexp.List(op, sexp.Fixnum(numArgs)))
	}
	if numArgs > op.NumArgs && !op.Variadic {
		return sexp.KindedException(sexp.KindArity, op,
			"too many args for opcode", sexp.List(op, sexp.Fixnum(numArgs)))
	}

	lam := &sexp.Lambda{Name: sexp.Intern(op.Name)}
	args := sexp.Null
	for i := numArgs; i > 0; i-- {
		name := sexp.Intern(paramName(i))
		lam.Params = append([]*sexp.Symbol{name}, lam.Params...)
		args = sexp.Cons(&sexp.Ref{Name: name, Cell: sexp.Cons(name, lam)}, args)
	}

	c := &Context{Buf: bytecode.NewBuffer(), Lambda: lam}
	if err := c.generateOpcodeApp(op, sexp.Cons(op, args)); err != nil {
		return sexp.KindedException(sexp.KindArity, op, err.Error(), sexp.List(op))
	}
	c.Buf.Emit(bytecode.OpRet)
	bc := c.Buf.Finalize(op.Name, nil)

	res := sexp.MakeProcedure(0, numArgs, bc, &sexp.Vector{})
	if numArgs == op.NumArgs {
		op.Proc = res
	}
	return res
}

func paramName(i int) string {
	return "arg" + strconv.Itoa(i)
}
