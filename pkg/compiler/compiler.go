// Package compiler translates analyzed AST values into bytecode.
//
// The generator is a single recursive emitter dispatching on the AST
// node variant. All codegen state lives on an explicit Context value:
// the emit buffer, the lambda being compiled (nil at top level), the
// tail-position flag, and a stack-depth counter.
package compiler

import (
	"fmt"

	"github.com/unixaaa/chibi-scheme/pkg/bytecode"
	"github.com/unixaaa/chibi-scheme/pkg/sexp"
)

// Context is the state of one compilation.
type Context struct {
	Buf    *bytecode.Buffer
	Lambda *sexp.Lambda
	TailP  bool
	Depth  int
}

// NewContext creates a top-level compilation context.
func NewContext() *Context {
	return &Context{Buf: bytecode.NewBuffer()}
}

// Compile translates an analyzed AST into a finalized bytecode object.
// The env argument is the top-level environment the AST was resolved
// against; reference nodes already carry their binding cells, so it is
// accepted for interface symmetry with the analyzer.
func Compile(ast sexp.Value, env *sexp.Env) (*sexp.Bytecode, error) {
	c := NewContext()
	if err := c.generate(ast); err != nil {
		return nil, err
	}
	c.Buf.Emit(bytecode.OpRet)
	return c.Buf.Finalize("", nil), nil
}

// generate emits code for one AST node, dispatching on its variant.
// Anything that is not a node compiles as a self-evaluating literal.
func (c *Context) generate(x sexp.Value) error {
	switch v := x.(type) {
	case *sexp.Pair:
		return c.generateApp(v)
	case *sexp.Lambda:
		return c.generateLambda(v)
	case *sexp.Cnd:
		return c.generateCnd(v)
	case *sexp.Ref:
		c.generateRef(v, true)
		return nil
	case *sexp.Set:
		return c.generateSet(v)
	case *sexp.Seq:
		return c.generateSeq(v)
	case *sexp.Lit:
		c.generateLit(v.Value)
		return nil
	default:
		c.generateLit(x)
		return nil
	}
}

func (c *Context) generateLit(v sexp.Value) {
	c.Buf.EmitPush(v)
	c.Depth++
}

// generateRef compiles a variable reference. In unboxed contexts the
// value is loaded (indirecting through the box pair for mutated
// variables); in boxed contexts the cell or box itself is left on the
// stack for a subsequent SET_CDR.
func (c *Context) generateRef(ref *sexp.Ref, unbox bool) {
	if _, lexical := ref.Cell.Cdr.(*sexp.Lambda); !lexical {
		// Top-level reference: the cell is the binding.
		if unbox {
			if ref.Cell.Cdr == sexp.Undef {
				c.Buf.Emit(bytecode.OpGlobalRef)
			} else {
				c.Buf.Emit(bytecode.OpGlobalKnownRef)
			}
			c.Buf.EmitLit(ref.Cell)
			c.Depth++
		} else {
			c.generateLit(ref.Cell)
		}
		return
	}
	c.generateNonGlobalRef(ref.Name, ref.Cell, c.Lambda, c.currentFreeVars(), unbox)
}

func (c *Context) currentFreeVars() []*sexp.Ref {
	if c.Lambda == nil {
		return nil
	}
	return c.Lambda.FreeVars
}

// generateNonGlobalRef loads a lexical variable: a frame slot when the
// owning lambda is the one being compiled, otherwise the closure
// vector entry matching the reference in fv.
func (c *Context) generateNonGlobalRef(name *sexp.Symbol, cell *sexp.Pair,
	lambda *sexp.Lambda, fv []*sexp.Ref, unbox bool) {
	loc := cell.Cdr
	if loc == sexp.Value(lambda) && lambda != nil {
		k, _ := lambda.ParamIndex(name)
		c.Buf.Emit(bytecode.OpLocalRef)
		c.Buf.EmitWord(int64(k))
	} else {
		i := 0
		for ; i < len(fv); i++ {
			if fv[i].Name == name && fv[i].Cell.Cdr == loc {
				break
			}
		}
		c.Buf.Emit(bytecode.OpClosureRef)
		c.Buf.EmitWord(int64(i))
	}
	if owner, ok := loc.(*sexp.Lambda); ok && unbox && symbolIn(name, owner.SetVars) {
		c.Buf.Emit(bytecode.OpCdr)
	}
	c.Depth++
}

func symbolIn(name *sexp.Symbol, ls []*sexp.Symbol) bool {
	for _, s := range ls {
		if s == name {
			return true
		}
	}
	return false
}

func (c *Context) generateSet(set *sexp.Set) error {
	ref := set.Var
	c.TailP = false
	if lam, ok := set.Value.(*sexp.Lambda); ok && lam.Name == nil {
		lam.Name = ref.Name
	}
	if err := c.generate(set.Value); err != nil {
		return err
	}
	if owner, ok := ref.Cell.Cdr.(*sexp.Lambda); !ok {
		// Top-level variables are set directly through their cell.
		c.Buf.EmitPush(ref.Cell)
		c.Buf.Emit(bytecode.OpSetCdr)
	} else if symbolIn(ref.Name, owner.SetVars) {
		// Mutable stack or closure variables are boxed.
		c.generateRef(ref, false)
		c.Buf.Emit(bytecode.OpSetCdr)
	} else {
		// Internally defined variable, never captured mutably.
		k, _ := owner.ParamIndex(ref.Name)
		c.Buf.Emit(bytecode.OpLocalSet)
		c.Buf.EmitWord(int64(k))
	}
	c.Depth--
	return nil
}

func (c *Context) generateCnd(cnd *sexp.Cnd) error {
	tailp := c.TailP
	c.TailP = false
	if err := c.generate(cnd.Test); err != nil {
		return err
	}
	c.TailP = tailp
	c.Buf.Emit(bytecode.OpJumpUnless)
	c.Depth--
	label1 := c.Buf.MakeLabel()
	if err := c.generate(cnd.Pass); err != nil {
		return err
	}
	c.TailP = tailp
	c.Buf.Emit(bytecode.OpJump)
	c.Depth--
	label2 := c.Buf.MakeLabel()
	c.Buf.PatchLabel(label1)
	if err := c.generate(cnd.Fail); err != nil {
		return err
	}
	c.Buf.PatchLabel(label2)
	return nil
}

func (c *Context) generateSeq(seq *sexp.Seq) error {
	if len(seq.Ls) == 0 {
		c.generateLit(sexp.Void)
		return nil
	}
	tailp := c.TailP
	c.TailP = false
	for _, x := range seq.Ls[:len(seq.Ls)-1] {
		if !effectful(x) {
			continue
		}
		if err := c.generate(x); err != nil {
			return err
		}
		c.Buf.Emit(bytecode.OpDrop)
		c.Depth--
	}
	c.TailP = tailp
	return c.generate(seq.Ls[len(seq.Ls)-1])
}

// effectful reports whether a non-final sequence element needs code at
// all: bare literals evaluated for effect compile to nothing.
func effectful(x sexp.Value) bool {
	switch x.(type) {
	case *sexp.Pair, *sexp.Lambda, *sexp.Cnd, *sexp.Ref, *sexp.Set, *sexp.Seq:
		return true
	}
	return false
}

func (c *Context) generateApp(app *sexp.Pair) error {
	if op, ok := app.Car.(*sexp.Opcode); ok {
		return c.generateOpcodeApp(op, app)
	}
	return c.generateGeneralApp(app)
}

// generateGeneralApp compiles arguments in reverse so the first ends
// topmost, the operator above them, then CALL or TAIL_CALL.
func (c *Context) generateGeneralApp(app *sexp.Pair) error {
	numArgs := sexp.ListLength(app.Cdr)
	tailp := c.TailP
	c.TailP = false
	for ls := sexp.Reverse(app.Cdr); ls != sexp.Null; ls = ls.(*sexp.Pair).Cdr {
		if err := c.generate(ls.(*sexp.Pair).Car); err != nil {
			return err
		}
	}
	if err := c.generate(app.Car); err != nil {
		return err
	}
	if tailp {
		c.Buf.Emit(bytecode.OpTailCall)
	} else {
		c.Buf.Emit(bytecode.OpCall)
	}
	c.Buf.EmitWord(int64(numArgs))
	c.TailP = tailp
	c.Depth -= numArgs
	return nil
}

// generateOpcodeApp compiles an application whose operator is a
// primitive opcode descriptor: arguments inline on the stack followed
// by the class-specific instruction coda.
func (c *Context) generateOpcodeApp(op *sexp.Opcode, app *sexp.Pair) error {
	numArgs := sexp.ListLength(app.Cdr)
	if op.Class != sexp.OpcParameter {
		if numArgs < op.NumArgs {
			return fmt.Errorf("not enough args for %s: %d of %d", op.Name, numArgs, op.NumArgs)
		}
		if numArgs > op.NumArgs && !op.Variadic {
			return fmt.Errorf("too many args for %s: %d of %d", op.Name, numArgs, op.NumArgs)
		}
	}
	c.TailP = false
	invDefault := false

	if op.Class != sexp.OpcParameter {
		// Maybe inject the default for an omitted optional argument.
		if numArgs == op.NumArgs && op.Variadic && op.Data != nil {
			if op.Inverse {
				invDefault = true
			} else {
				if op.OptParam {
					c.Buf.Emit(bytecode.OpParameterRef)
					c.Buf.EmitLit(op.Data)
					c.Buf.Emit(bytecode.OpCdr)
				} else {
					c.Buf.EmitPush(op.Data)
				}
				c.Depth++
				numArgs++
			}
		}

		// Arguments go on in reverse so the first operand ends
		// topmost; inverse opcodes take them in call order, except
		// that arithmetic always folds right to left.
		ls := app.Cdr
		if !(op.Inverse && op.Class != sexp.OpcArithmetic) {
			ls = sexp.Reverse(app.Cdr)
		}
		for ; ls != sexp.Null; ls = ls.(*sexp.Pair).Cdr {
			if err := c.generate(ls.(*sexp.Pair).Car); err != nil {
				return err
			}
		}
	}

	// The default for inverse opcodes lands on top of the arguments.
	if invDefault {
		if op.OptParam {
			c.Buf.Emit(bytecode.OpParameterRef)
			c.Buf.EmitLit(op.Data)
			c.Buf.Emit(bytecode.OpCdr)
		} else {
			c.Buf.EmitPush(op.Data)
		}
		c.Depth++
		numArgs++
	}

	switch op.Class {
	case sexp.OpcArithmetic:
		// Fold variadic arithmetic pairwise.
		for i := numArgs - 1; i > 0; i-- {
			c.Buf.Emit(bytecode.Op(op.Code))
		}
	case sexp.OpcArithmeticCmp:
		if numArgs > 2 {
			c.generateCmpChain(op, numArgs)
		} else {
			c.Buf.Emit(bytecode.Op(op.Code))
		}
	case sexp.OpcForeign:
		c.Buf.Emit(bytecode.Op(op.Code))
		c.Buf.EmitLit(op)
		if bytecode.Op(op.Code) == bytecode.OpFCallN {
			c.Buf.EmitWord(int64(numArgs))
		}
	case sexp.OpcTypePredicate, sexp.OpcGetter, sexp.OpcSetter, sexp.OpcConstructor:
		c.Buf.Emit(bytecode.Op(op.Code))
		if op.Class != sexp.OpcConstructor || bytecode.Op(op.Code) == bytecode.OpMake {
			if op.Data != nil {
				c.Buf.EmitWord(int64(op.Data.(sexp.Fixnum)))
			}
			if op.Data2 != nil {
				c.Buf.EmitWord(int64(op.Data2.(sexp.Fixnum)))
			}
		}
	case sexp.OpcParameter:
		if numArgs > 0 {
			arg := app.Cdr.(*sexp.Pair).Car
			if conv := op.Data2; conv != nil && sexp.Applicablep(conv) {
				arg = sexp.List(conv, arg)
			}
			if err := c.generate(arg); err != nil {
				return err
			}
		}
		c.Buf.Emit(bytecode.OpParameterRef)
		c.Buf.EmitLit(op)
		if numArgs == 0 {
			c.Buf.Emit(bytecode.OpCdr)
		} else {
			c.Buf.Emit(bytecode.OpSetCdr)
		}
	default:
		c.Buf.Emit(bytecode.Op(op.Code))
	}

	c.Depth -= numArgs - 1
	return nil
}

// generateCmpChain emits the chained pattern for comparisons of three
// or more operands: each adjacent pair is peeked with STACK_REF,
// compared, and ANDed into the running result.
func (c *Context) generateCmpChain(op *sexp.Opcode, numArgs int) {
	c.Buf.Emit(bytecode.OpStackRef)
	c.Buf.EmitWord(2)
	c.Buf.Emit(bytecode.OpStackRef)
	c.Buf.EmitWord(2)
	c.Buf.Emit(bytecode.Op(op.Code))
	c.Buf.Emit(bytecode.OpAnd)
	for i := numArgs - 2; i > 0; i-- {
		c.Buf.Emit(bytecode.OpStackRef)
		c.Buf.EmitWord(3)
		c.Buf.Emit(bytecode.OpStackRef)
		c.Buf.EmitWord(3)
		c.Buf.Emit(bytecode.Op(op.Code))
		c.Buf.Emit(bytecode.OpAnd)
		c.Buf.Emit(bytecode.OpAnd)
	}
}

func (c *Context) generateLambda(lam *sexp.Lambda) error {
	prevLambda := c.Lambda
	var prevFv []*sexp.Ref
	if prevLambda != nil {
		prevFv = prevLambda.FreeVars
	}
	fv := lam.FreeVars

	c2 := &Context{Buf: bytecode.NewBuffer(), Lambda: lam}
	// Reserve slots for internally defined locals.
	for range lam.Locals {
		c2.Buf.EmitPush(sexp.Void)
	}
	// Box the mutable parameters so closures share updates.
	for _, name := range lam.SetVars {
		k, ok := lam.ParamIndex(name)
		if !ok || k < 0 {
			continue
		}
		c2.Buf.Emit(bytecode.OpLocalRef)
		c2.Buf.EmitWord(int64(k))
		c2.Buf.EmitPush(name)
		c2.Buf.Emit(bytecode.OpCons)
		c2.Buf.Emit(bytecode.OpLocalSet)
		c2.Buf.EmitWord(int64(k))
		c2.Buf.Emit(bytecode.OpDrop)
	}
	c2.TailP = true
	if err := c2.generate(lam.Body); err != nil {
		return err
	}
	c2.Buf.Emit(bytecode.OpRet)

	var flags uint8
	if lam.Rest != nil {
		flags = sexp.FlagVariadic
	}
	name := ""
	if lam.Name != nil {
		name = lam.Name.Name
	}
	bc := c2.Buf.Finalize(name, lam.Source)

	if len(fv) == 0 {
		// No free variables: close at compile time and pin the
		// procedure in the outer literal list.
		proc := sexp.MakeProcedure(flags, len(lam.Params), bc, &sexp.Vector{})
		c.generateLit(proc)
		return nil
	}

	// Build the closure vector, filling it from the enclosing scope.
	c.Buf.EmitPush(sexp.Void)
	c.Buf.EmitPush(sexp.Fixnum(len(fv)))
	c.Buf.Emit(bytecode.OpMakeVector)
	c.Depth++
	for k, ref := range fv {
		c.generateNonGlobalRef(ref.Name, ref.Cell, prevLambda, prevFv, false)
		c.Buf.EmitPush(sexp.Fixnum(k))
		c.Buf.Emit(bytecode.OpStackRef)
		c.Buf.EmitWord(3)
		c.Buf.Emit(bytecode.OpVectorSet)
		c.Buf.Emit(bytecode.OpDrop)
		c.Depth--
	}
	c.Buf.EmitPush(bc)
	c.Buf.EmitPush(sexp.Fixnum(len(lam.Params)))
	c.Buf.EmitPush(sexp.Fixnum(flags))
	c.Buf.Emit(bytecode.OpMakeProcedure)
	return nil
}
