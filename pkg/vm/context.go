// Package vm executes bytecode: the dispatch loop, the calling
// convention with tail-call frame reuse, first-class continuations,
// the error-handler protocol, and the cooperative scheduler hook.
package vm

import (
	"io"

	"github.com/unixaaa/chibi-scheme/pkg/bytecode"
	"github.com/unixaaa/chibi-scheme/pkg/compiler"
	"github.com/unixaaa/chibi-scheme/pkg/sexp"
)

// DefaultStackSize is the value-stack size for contexts that do not
// request one.
const DefaultStackSize = 8 * 1024

// DefaultRefuel is the opcode budget a thread receives each time it is
// scheduled.
const DefaultRefuel = 500

// Globals holds the process-wide state shared by every thread context:
// the top-level environment and the well-known runtime slots.
type Globals struct {
	Env *sexp.Env

	// ErrHandler is the dynamic parameter consulted on a raise.
	ErrHandler *sexp.Opcode

	// Scheduler, when applicable, is invoked with the root thread at
	// every fuel expiry; the context it returns runs next. Blocker is
	// invoked with a port when an input opcode would block.
	Scheduler sexp.Value
	Blocker   sexp.Value

	// ResumeCC is the shared bytecode every continuation procedure
	// runs; FinalResumer is the sentinel caller installed by Apply.
	ResumeCC     *sexp.Bytecode
	FinalResumer *sexp.Procedure

	// OOSError is raised without allocating when the stack limit is
	// reached.
	OOSError *sexp.Exception
}

// NewGlobals builds the shared state with the core primitives
// installed in a fresh top-level environment.
func NewGlobals() *Globals {
	env := sexp.NewEnv()
	compiler.Install(env)

	rb := bytecode.NewBuffer()
	rb.Emit(bytecode.OpResumeCC)
	resume := rb.Finalize("continuation", nil)

	fb := bytecode.NewBuffer()
	fb.Emit(bytecode.OpDone)
	finalBC := fb.Finalize("final-resumer", nil)

	return &Globals{
		Env:          env,
		ErrHandler:   compiler.CurrentExceptionHandler,
		ResumeCC:     resume,
		FinalResumer: sexp.MakeProcedure(0, 0, finalBC, &sexp.Vector{}),
		OOSError: sexp.KindedException(sexp.KindOutOfStack, nil,
			"out of stack space", sexp.Null),
	}
}

// Context is one cooperative thread: its value stack, saved dispatch
// registers, fuel quantum and dynamic parameter bindings. Exactly one
// context runs at a time; the scheduler hands off between them by
// returning the next one to adopt.
type Context struct {
	Globals *Globals

	Stack  []sexp.Value
	Top    int
	LastFP int
	IP     int
	Proc   *sexp.Procedure

	// Refuel is the fuel quantum granted on each scheduling; a value
	// of zero or less marks the thread as terminated.
	Refuel int

	// Params is the thread's dynamic-parameter alist: a list of
	// (opcode . value) cells.
	Params sexp.Value

	// Trace, when set, receives a line per dispatched instruction.
	Trace io.Writer
}

// NewContext creates a root thread over fresh shared globals.
func NewContext() *Context {
	return &Context{
		Globals: NewGlobals(),
		Stack:   make([]sexp.Value, DefaultStackSize),
		Refuel:  DefaultRefuel,
		Params:  sexp.Null,
	}
}

// NewContextWith creates a root thread with an explicit stack size and
// fuel quantum.
func NewContextWith(stackSize, refuel int) *Context {
	ctx := NewContext()
	ctx.Stack = make([]sexp.Value, stackSize)
	ctx.Refuel = refuel
	return ctx
}

// NewThread creates another cooperative thread sharing this context's
// globals, with its own stack and parameter bindings.
func (ctx *Context) NewThread() *Context {
	return &Context{
		Globals: ctx.Globals,
		Stack:   make([]sexp.Value, len(ctx.Stack)),
		Refuel:  ctx.Refuel,
		Params:  ctx.Params,
	}
}

// ParameterCell returns the (opcode . value) cell binding op in this
// thread, or the descriptor's default cell when the thread has none.
func (ctx *Context) ParameterCell(op *sexp.Opcode) *sexp.Pair {
	for ls := ctx.Params; ls != sexp.Null; {
		p := ls.(*sexp.Pair)
		if cell, ok := p.Car.(*sexp.Pair); ok && cell.Car == sexp.Value(op) {
			return cell
		}
		ls = p.Cdr
	}
	return op.Data.(*sexp.Pair)
}

// BindParameter gives this thread its own binding for op, shadowing
// the default.
func (ctx *Context) BindParameter(op *sexp.Opcode, v sexp.Value) {
	ctx.Params = sexp.Cons(sexp.Cons(op, v), ctx.Params)
}

// SetErrorHandler installs proc as this thread's error handler.
func (ctx *Context) SetErrorHandler(proc sexp.Value) {
	ctx.BindParameter(ctx.Globals.ErrHandler, proc)
}

// ErrorHandler returns the currently installed handler, or #f.
func (ctx *Context) ErrorHandler() sexp.Value {
	return ctx.ParameterCell(ctx.Globals.ErrHandler).Cdr
}
