package vm

import (
	"fmt"
	"unicode"

	"github.com/unixaaa/chibi-scheme/pkg/bytecode"
	"github.com/unixaaa/chibi-scheme/pkg/compiler"
	"github.com/unixaaa/chibi-scheme/pkg/sexp"
)

// machine is the live register set of the dispatch loop: the running
// context plus the values the loop keeps in locals between handoffs.
type machine struct {
	ctx  *Context
	root *Context

	stack []sexp.Value
	top   int
	fp    int
	ip    int
	self  *sexp.Procedure
	bc    *sexp.Bytecode
	cp    *sexp.Vector
	fuel  int

	halt bool
}

// Run enters the dispatch loop on a procedure whose activation frame
// has already been laid out on the context's stack (see Apply). It
// returns the final top-of-stack value, which is an exception value
// when execution terminated on an unhandled raise.
func Run(ctx *Context, proc *sexp.Procedure) sexp.Value {
	m := &machine{
		ctx:   ctx,
		root:  ctx,
		stack: ctx.Stack,
		top:   ctx.Top,
		self:  proc,
		bc:    proc.Code,
		cp:    proc.Vars,
		fuel:  ctx.Refuel,
	}
	m.fp = m.top - 4
	return m.loop()
}

// Apply splays args onto the stack, installs the final-resumer
// sentinel as the outermost caller and runs proc. An argument count
// proc does not accept returns an arity exception without running it.
func Apply(ctx *Context, proc sexp.Value, args sexp.Value) sexp.Value {
	n := sexp.ListLength(args)
	if op, ok := proc.(*sexp.Opcode); ok {
		proc = compiler.MakeOpcodeProcedure(op, n)
	}
	p, ok := proc.(*sexp.Procedure)
	if !ok {
		if exc, isExc := proc.(*sexp.Exception); isExc {
			return exc
		}
		return sexp.TypeException("apply", "procedure", proc)
	}
	if d := n - p.NumArgs; d < 0 || (d > 0 && !p.Variadic()) {
		msg := "not enough args"
		if d > 0 {
			msg = "too many args"
		}
		return sexp.KindedException(sexp.KindArity, p, msg, sexp.List(p, sexp.Fixnum(n)))
	}
	stack, top := ctx.Stack, ctx.Top
	offset := top + n
	for ls := args; ls != sexp.Null; ls = ls.(*sexp.Pair).Cdr {
		offset--
		stack[offset] = ls.(*sexp.Pair).Car
		top++
	}
	stack[top] = sexp.Fixnum(n)
	stack[top+1] = sexp.Fixnum(0)
	stack[top+2] = ctx.Globals.FinalResumer
	stack[top+3] = sexp.Fixnum(0)
	ctx.Top = top + 4
	return Run(ctx, p)
}

// Apply1 calls f on a single argument, short-circuiting foreign
// opcodes without entering the dispatch loop.
func Apply1(ctx *Context, f sexp.Value, x sexp.Value) sexp.Value {
	if op, ok := f.(*sexp.Opcode); ok && op.Func != nil {
		return op.Func(op, []sexp.Value{x})
	}
	return Apply(ctx, f, sexp.List(x))
}

func (m *machine) push(v sexp.Value) {
	m.stack[m.top] = v
	m.top++
}

func (m *machine) word() int64 {
	w, next := bytecode.ReadWord(m.bc.Data, m.ip)
	m.ip = next
	return w
}

func (m *machine) lit() sexp.Value {
	return m.bc.Literals[m.word()]
}

// raise constructs an exception, pushes it and enters the handler
// protocol. It returns false when the VM should terminate.
func (m *machine) raise(kind *sexp.Symbol, msg string, irritants sexp.Value) bool {
	m.ctx.Top = m.top
	m.push(sexp.KindedException(kind, nil, msg, irritants))
	return m.callErrorHandler()
}

// callErrorHandler implements the shared raise path: stamp the raising
// procedure on the exception, then tail-enter the installed handler
// with the exception as its sole argument, or terminate when none is
// installed.
func (m *machine) callErrorHandler() bool {
	if exc, ok := m.stack[m.top-1].(*sexp.Exception); ok && exc.Procedure == nil {
		exc.Procedure = m.self
	}
	return m.enterHandler()
}

func (m *machine) enterHandler() bool {
	handler := m.ctx.ErrorHandler()
	m.ctx.LastFP = m.fp
	proc, ok := handler.(*sexp.Procedure)
	if !ok {
		return false
	}
	m.stack[m.top] = sexp.Fixnum(1)
	m.stack[m.top+1] = sexp.Fixnum(m.ip)
	m.stack[m.top+2] = m.self
	m.stack[m.top+3] = sexp.Fixnum(m.fp)
	m.top += 4
	m.self = proc
	m.bc = proc.Code
	m.ip = 0
	m.cp = proc.Vars
	m.fp = m.top - 4
	return true
}

// makeCall pushes an activation frame and enters callee with n
// arguments already on the stack below the operator slot, adjusting
// for variadic procedures. retIP is the caller bytecode offset to
// return to. It returns false to terminate the VM.
func (m *machine) makeCall(callee sexp.Value, n, retIP int) bool {
	if op, ok := callee.(*sexp.Opcode); ok {
		// Compile non-inlined opcode applications on the fly.
		m.ctx.Top = m.top
		callee = compiler.MakeOpcodeProcedure(op, n)
		if exc, isExc := callee.(*sexp.Exception); isExc {
			m.stack[m.top-1] = exc
			return m.callErrorHandler()
		}
	}
	proc, ok := callee.(*sexp.Procedure)
	if !ok {
		return m.raise(sexp.KindNotProc, "non procedure application", sexp.List(callee))
	}
	i := n
	d := i - proc.NumArgs
	if d < 0 {
		return m.raise(sexp.KindArity, "not enough args",
			sexp.List(proc, sexp.Fixnum(i)))
	}
	if d > 0 {
		if !proc.Variadic() {
			return m.raise(sexp.KindArity, "too many args",
				sexp.List(proc, sexp.Fixnum(i)))
		}
		// Collapse the extra arguments into the rest list.
		m.stack[m.top-i-1] = sexp.Cons(m.stack[m.top-i-1], sexp.Null)
		k := m.top - i
		for ; k < m.top-(i-d)-1; k++ {
			m.stack[m.top-i-1] = sexp.Cons(m.stack[k], m.stack[m.top-i-1])
		}
		for ; k < m.top; k++ {
			m.stack[k-d+1] = m.stack[k]
		}
		m.top -= d - 1
		i -= d - 1
	} else if proc.Variadic() {
		// Exact arity: shift up and supply an empty rest list.
		for k := m.top; k >= m.top-i; k-- {
			m.stack[k] = m.stack[k-1]
		}
		m.stack[m.top-i-1] = sexp.Null
		m.top++
		i++
	}
	m.stack[m.top-1] = sexp.Fixnum(i)
	m.stack[m.top] = sexp.Fixnum(retIP)
	m.stack[m.top+1] = m.self
	m.stack[m.top+2] = sexp.Fixnum(m.fp)
	m.top += 3
	m.self = proc
	m.bc = proc.Code
	m.ip = 0
	m.cp = proc.Vars
	m.fp = m.top - 4
	return true
}

// arith applies the slow-path binary operation fn to the top two
// values (top first), reporting exceptions through the handler.
func (m *machine) arith(fn func(a, b sexp.Value) sexp.Value) bool {
	a, b := m.stack[m.top-1], m.stack[m.top-2]
	m.top--
	r := fn(a, b)
	m.stack[m.top-1] = r
	if _, isExc := r.(*sexp.Exception); isExc {
		return m.callErrorHandler()
	}
	return true
}

func (m *machine) compare(name string, keep func(int) bool) bool {
	a, b := m.stack[m.top-1], m.stack[m.top-2]
	m.top--
	if x, ok := a.(sexp.Fixnum); ok {
		if y, ok2 := b.(sexp.Fixnum); ok2 {
			m.stack[m.top-1] = sexp.Boolean(keep(cmpFixnum(x, y)))
			return true
		}
	}
	r := sexp.Compare(name, a, b)
	if exc, isExc := r.(*sexp.Exception); isExc {
		m.stack[m.top-1] = exc
		return m.callErrorHandler()
	}
	m.stack[m.top-1] = sexp.Boolean(keep(int(r.(sexp.Fixnum))))
	return true
}

func cmpFixnum(a, b sexp.Fixnum) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// endLoop finishes a termination: child threads never return to the
// host, so while the root still has fuel the loop resumes and waits
// for the scheduler to switch away.
func (m *machine) endLoop() (sexp.Value, bool) {
	if m.ctx != m.root {
		if m.root.Refuel > 0 {
			m.ctx.Refuel = 0
			m.fuel = 0
			m.halt = false
			return nil, false
		}
		m.stack[m.top-1] = sexp.Void
	}
	m.ctx.Top = m.top
	return m.stack[m.top-1], true
}

func (m *machine) loop() sexp.Value {
	for {
		// Scheduler hook: every dispatch iteration costs one unit of
		// fuel, and exhaustion is the preemption point.
		m.fuel--
		if m.fuel <= 0 {
			sched := m.ctx.Globals.Scheduler
			if sexp.Applicablep(sched) {
				m.ctx.Top = m.top
				m.ctx.IP = m.ip
				m.ctx.LastFP = m.fp
				m.ctx.Proc = m.self
				next := Apply1(m.ctx, sched, m.root)
				if nctx, ok := next.(*Context); ok {
					m.ctx = nctx
					m.stack = nctx.Stack
					m.top = nctx.Top
					m.fp = nctx.LastFP
					m.ip = nctx.IP
					m.self = nctx.Proc
					m.bc = m.self.Code
					m.cp = m.self.Vars
				}
			}
			m.fuel = m.ctx.Refuel
			if m.fuel <= 0 {
				if res, done := m.endLoop(); done {
					return res
				}
				continue
			}
		}

		op := bytecode.Op(m.bc.Data[m.ip])
		if m.ctx.Trace != nil {
			fmt.Fprintf(m.ctx.Trace, "%s ip: %d top: %d fp: %d\n", op, m.ip, m.top, m.fp)
		}
		m.ip++

		switch op {
		case bytecode.OpNoop:

		case bytecode.OpRaise:
			if !m.enterHandler() {
				m.halt = true
			}

		case bytecode.OpResumeCC:
			val := m.stack[m.fp-1]
			saved := m.cp.Data[0].(*sexp.Vector)
			copy(m.stack, saved.Data)
			m.top = len(saved.Data)
			m.fp = int(m.stack[m.top-1].(sexp.Fixnum))
			m.self = m.stack[m.top-2].(*sexp.Procedure)
			m.bc = m.self.Code
			m.cp = m.self.Vars
			m.ip = int(m.stack[m.top-3].(sexp.Fixnum))
			m.top -= 4
			m.stack[m.top-1] = val

		case bytecode.OpCallCC:
			receiver := m.stack[m.top-1]
			// Reserve the frame the continuation will resume into,
			// then capture everything up to and including it.
			m.stack[m.top] = sexp.Fixnum(1)
			m.stack[m.top+1] = sexp.Fixnum(m.ip)
			m.stack[m.top+2] = m.self
			m.stack[m.top+3] = sexp.Fixnum(m.fp)
			m.ctx.Top = m.top
			saved := make([]sexp.Value, m.top+4)
			copy(saved, m.stack[:m.top+4])
			vars := &sexp.Vector{Data: []sexp.Value{&sexp.Vector{Data: saved}}}
			m.stack[m.top-1] = sexp.MakeProcedure(0, 1, m.ctx.Globals.ResumeCC, vars)
			m.top++
			if !m.makeCall(receiver, 1, m.ip) {
				m.halt = true
			}

		case bytecode.OpApply1:
			proc := m.stack[m.top-1]
			ls := m.stack[m.top-2]
			n := sexp.ListLength(ls)
			if n < 0 {
				if !m.raise(sexp.KindType, "apply: not a list", sexp.List(ls)) {
					m.halt = true
				}
				break
			}
			m.top -= 2
			// Splay so the first element ends topmost.
			base := m.top
			for x := ls; x != sexp.Null; x = x.(*sexp.Pair).Cdr {
				m.stack[base+n-1] = x.(*sexp.Pair).Car
				base--
				m.top++
			}
			m.push(proc)
			if !m.makeCall(proc, n, m.ip) {
				m.halt = true
			}

		case bytecode.OpTailCall:
			n := int(m.word())
			callee := m.stack[m.top-1]
			// Restore the caller's registers and overwrite the
			// current frame's arguments in place.
			fpBox := m.stack[m.fp+3]
			j := int(m.stack[m.fp].(sexp.Fixnum))
			m.self = m.stack[m.fp+2].(*sexp.Procedure)
			m.bc = m.self.Code
			m.cp = m.self.Vars
			retIP := int(m.stack[m.fp+1].(sexp.Fixnum))
			for k := 0; k < n; k++ {
				m.stack[m.fp-j+k] = m.stack[m.top-1-n+k]
			}
			m.top = m.fp + n - j + 1
			m.fp = int(fpBox.(sexp.Fixnum))
			m.stack[m.top-1] = callee
			if !m.makeCall(callee, n, retIP) {
				m.halt = true
			}

		case bytecode.OpCall:
			if m.top+16 >= len(m.stack) {
				m.ctx.Top = m.top
				m.push(m.ctx.Globals.OOSError)
				if !m.callErrorHandler() {
					m.halt = true
				}
				break
			}
			n := int(m.word())
			if !m.makeCall(m.stack[m.top-1], n, m.ip) {
				m.halt = true
			}

		case bytecode.OpFCall0, bytecode.OpFCall1, bytecode.OpFCall2,
			bytecode.OpFCall3, bytecode.OpFCall4, bytecode.OpFCallN:
			fop := m.lit().(*sexp.Opcode)
			n := int(op - bytecode.OpFCall0)
			if op == bytecode.OpFCallN {
				n = int(m.word())
			}
			m.ctx.Top = m.top
			m.ctx.LastFP = m.fp
			args := make([]sexp.Value, n)
			for k := 0; k < n; k++ {
				args[k] = m.stack[m.top-1-k]
			}
			res := fop.Func(fop, args)
			if n == 0 {
				m.push(res)
			} else {
				m.top -= n - 1
				m.stack[m.top-1] = res
			}
			if _, isExc := res.(*sexp.Exception); isExc {
				if !m.callErrorHandler() {
					m.halt = true
				}
			}

		case bytecode.OpJumpUnless:
			slot := bytecode.AlignPos(m.ip)
			disp, next := bytecode.ReadWord(m.bc.Data, m.ip)
			m.top--
			if m.stack[m.top] == sexp.Value(sexp.False) {
				m.ip = slot + int(disp)
			} else {
				m.ip = next
			}

		case bytecode.OpJump:
			slot := bytecode.AlignPos(m.ip)
			disp, _ := bytecode.ReadWord(m.bc.Data, m.ip)
			m.ip = slot + int(disp)

		case bytecode.OpPush:
			m.push(m.lit())

		case bytecode.OpDrop:
			m.top--

		case bytecode.OpGlobalRef:
			cell := m.lit().(*sexp.Pair)
			if cell.Cdr == sexp.Undef {
				if !m.raise(sexp.KindUndefined, "undefined variable", sexp.List(cell.Car)) {
					m.halt = true
				}
				break
			}
			// After the check, identical to GLOBAL_KNOWN_REF.
			m.push(cell.Cdr)

		case bytecode.OpGlobalKnownRef:
			m.push(m.lit().(*sexp.Pair).Cdr)

		case bytecode.OpParameterRef:
			pop := m.lit().(*sexp.Opcode)
			m.push(m.ctx.ParameterCell(pop))

		case bytecode.OpStackRef:
			k := int(m.word())
			m.push(m.stack[m.top-k])

		case bytecode.OpLocalRef:
			k := int(m.word())
			m.push(m.stack[m.fp-1-k])

		case bytecode.OpLocalSet:
			k := int(m.word())
			m.stack[m.fp-1-k] = m.stack[m.top-1]
			m.stack[m.top-1] = sexp.Void

		case bytecode.OpClosureRef:
			k := int(m.word())
			m.push(m.cp.Data[k])

		case bytecode.OpVectorRef:
			vec, ok := m.stack[m.top-1].(*sexp.Vector)
			if !ok {
				m.halt = !m.typeErr("vector-ref", "vector", m.stack[m.top-1])
				break
			}
			idx, ok := m.stack[m.top-2].(sexp.Fixnum)
			if !ok {
				m.halt = !m.typeErr("vector-ref", "integer", m.stack[m.top-2])
				break
			}
			if idx < 0 || int(idx) >= len(vec.Data) {
				m.halt = !m.rangeErr("vector-ref", vec, idx)
				break
			}
			m.top--
			m.stack[m.top-1] = vec.Data[idx]

		case bytecode.OpVectorSet:
			vec, ok := m.stack[m.top-1].(*sexp.Vector)
			if !ok {
				m.halt = !m.typeErr("vector-set!", "vector", m.stack[m.top-1])
				break
			}
			if vec.Immutable {
				m.halt = !m.immutableErr("vector-set!", vec)
				break
			}
			idx, ok := m.stack[m.top-2].(sexp.Fixnum)
			if !ok {
				m.halt = !m.typeErr("vector-set!", "integer", m.stack[m.top-2])
				break
			}
			if idx < 0 || int(idx) >= len(vec.Data) {
				m.halt = !m.rangeErr("vector-set!", vec, idx)
				break
			}
			vec.Data[idx] = m.stack[m.top-3]
			m.stack[m.top-3] = sexp.Void
			m.top -= 2

		case bytecode.OpVectorLength:
			vec, ok := m.stack[m.top-1].(*sexp.Vector)
			if !ok {
				m.halt = !m.typeErr("vector-length", "vector", m.stack[m.top-1])
				break
			}
			m.stack[m.top-1] = sexp.Fixnum(len(vec.Data))

		case bytecode.OpStringRef:
			m.halt = !m.stringRef()

		case bytecode.OpStringSet:
			m.halt = !m.stringSet()

		case bytecode.OpStringLength:
			s, ok := m.stack[m.top-1].(*sexp.String)
			if !ok {
				m.halt = !m.typeErr("string-length", "string", m.stack[m.top-1])
				break
			}
			m.stack[m.top-1] = sexp.Fixnum(s.Length())

		case bytecode.OpBytesRef:
			b, ok := m.stack[m.top-1].(*sexp.Bytes)
			if !ok {
				m.halt = !m.typeErr("bytes-ref", "byte-vector", m.stack[m.top-1])
				break
			}
			idx, ok := m.stack[m.top-2].(sexp.Fixnum)
			if !ok {
				m.halt = !m.typeErr("bytes-ref", "integer", m.stack[m.top-2])
				break
			}
			if idx < 0 || int(idx) >= len(b.Data) {
				m.halt = !m.rangeErr("bytes-ref", b, idx)
				break
			}
			m.top--
			m.stack[m.top-1] = sexp.Fixnum(b.Data[idx])

		case bytecode.OpBytesSet:
			b, ok := m.stack[m.top-1].(*sexp.Bytes)
			if !ok {
				m.halt = !m.typeErr("bytes-set!", "byte-vector", m.stack[m.top-1])
				break
			}
			if b.Immutable {
				m.halt = !m.immutableErr("bytes-set!", b)
				break
			}
			idx, ok := m.stack[m.top-2].(sexp.Fixnum)
			if !ok {
				m.halt = !m.typeErr("bytes-set!", "integer", m.stack[m.top-2])
				break
			}
			val, ok := m.stack[m.top-3].(sexp.Fixnum)
			if !ok || val < 0 || val > 255 {
				m.halt = !m.typeErr("bytes-set!", "byte", m.stack[m.top-3])
				break
			}
			if idx < 0 || int(idx) >= len(b.Data) {
				m.halt = !m.rangeErr("bytes-set!", b, idx)
				break
			}
			b.Data[idx] = byte(val)
			m.stack[m.top-3] = sexp.Void
			m.top -= 2

		case bytecode.OpBytesLength:
			b, ok := m.stack[m.top-1].(*sexp.Bytes)
			if !ok {
				m.halt = !m.typeErr("bytes-length", "byte-vector", m.stack[m.top-1])
				break
			}
			m.stack[m.top-1] = sexp.Fixnum(len(b.Data))

		case bytecode.OpMakeProcedure:
			m.ctx.Top = m.top
			flags := uint8(m.stack[m.top-1].(sexp.Fixnum))
			arity := int(m.stack[m.top-2].(sexp.Fixnum))
			code := m.stack[m.top-3].(*sexp.Bytecode)
			vars := m.stack[m.top-4].(*sexp.Vector)
			m.stack[m.top-4] = sexp.MakeProcedure(flags, arity, code, vars)
			m.top -= 3

		case bytecode.OpMakeVector:
			m.ctx.Top = m.top
			n, ok := m.stack[m.top-1].(sexp.Fixnum)
			if !ok {
				m.halt = !m.typeErr("make-vector", "integer", m.stack[m.top-1])
				break
			}
			m.stack[m.top-2] = sexp.MakeVector(int(n), m.stack[m.top-2])
			m.top--

		case bytecode.OpMakeException:
			kind, _ := m.stack[m.top-1].(*sexp.Symbol)
			msg := ""
			if s, ok := m.stack[m.top-2].(*sexp.String); ok {
				msg = string(s.Data)
			}
			exc := &sexp.Exception{
				Kind:      kind,
				Message:   msg,
				Irritants: m.stack[m.top-3],
				Procedure: m.stack[m.top-4],
			}
			m.stack[m.top-5] = exc
			m.top -= 4

		case bytecode.OpAnd:
			m.stack[m.top-2] = sexp.Boolean(
				sexp.Truthy(m.stack[m.top-1]) && sexp.Truthy(m.stack[m.top-2]))
			m.top--

		case bytecode.OpEq:
			m.stack[m.top-2] = sexp.Boolean(m.stack[m.top-1] == m.stack[m.top-2])
			m.top--

		case bytecode.OpEofP:
			m.stack[m.top-1] = sexp.Boolean(m.stack[m.top-1] == sexp.Eof)

		case bytecode.OpNullP:
			m.stack[m.top-1] = sexp.Boolean(sexp.Nullp(m.stack[m.top-1]))

		case bytecode.OpFixnumP:
			m.stack[m.top-1] = sexp.Boolean(sexp.Fixnump(m.stack[m.top-1]))

		case bytecode.OpSymbolP:
			m.stack[m.top-1] = sexp.Boolean(sexp.Symbolp(m.stack[m.top-1]))

		case bytecode.OpCharP:
			m.stack[m.top-1] = sexp.Boolean(sexp.Charp(m.stack[m.top-1]))

		case bytecode.OpIsA:
			t, ok := m.stack[m.top-2].(*sexp.Type)
			if !ok {
				m.halt = !m.typeErr("is-a?", "type", m.stack[m.top-2])
				break
			}
			v := m.stack[m.top-1]
			m.top--
			m.stack[m.top-1] = sexp.Boolean(sexp.CheckType(v, t))

		case bytecode.OpTypeP:
			t := sexp.TypeByIndex(int(m.word()))
			m.stack[m.top-1] = sexp.Boolean(sexp.CheckType(m.stack[m.top-1], t))

		case bytecode.OpMake:
			t := sexp.TypeByIndex(int(m.word()))
			size := int(m.word())
			slots := make([]sexp.Value, size)
			for k := range slots {
				slots[k] = sexp.Void
			}
			m.push(&sexp.Record{Type: t, Slots: slots})

		case bytecode.OpSlotRef:
			t := sexp.TypeByIndex(int(m.word()))
			slot := int(m.word())
			if !sexp.CheckType(m.stack[m.top-1], t) {
				m.halt = !m.typeErr("slot-ref", t.Name, m.stack[m.top-1])
				break
			}
			m.stack[m.top-1] = m.stack[m.top-1].(*sexp.Record).Slots[slot]

		case bytecode.OpSlotSet:
			t := sexp.TypeByIndex(int(m.word()))
			slot := int(m.word())
			if !sexp.CheckType(m.stack[m.top-1], t) {
				m.halt = !m.typeErr("slot-set!", t.Name, m.stack[m.top-1])
				break
			}
			rec := m.stack[m.top-1].(*sexp.Record)
			if rec.Immutable {
				m.halt = !m.immutableErr("slot-set!", rec)
				break
			}
			rec.Slots[slot] = m.stack[m.top-2]
			m.stack[m.top-2] = sexp.Void
			m.top--

		case bytecode.OpSlotNRef:
			t, ok := m.stack[m.top-1].(*sexp.Type)
			if !ok {
				m.halt = !m.typeErr("slot-ref", "record type", m.stack[m.top-1])
				break
			}
			if !sexp.CheckType(m.stack[m.top-2], t) {
				m.halt = !m.typeErr("slot-ref", t.Name, m.stack[m.top-2])
				break
			}
			idx, ok := m.stack[m.top-3].(sexp.Fixnum)
			if !ok {
				m.halt = !m.typeErr("slot-ref", "integer", m.stack[m.top-3])
				break
			}
			m.stack[m.top-3] = m.stack[m.top-2].(*sexp.Record).Slots[idx]
			m.top -= 2

		case bytecode.OpSlotNSet:
			t, ok := m.stack[m.top-1].(*sexp.Type)
			if !ok {
				m.halt = !m.typeErr("slot-set!", "record type", m.stack[m.top-1])
				break
			}
			if !sexp.CheckType(m.stack[m.top-2], t) {
				m.halt = !m.typeErr("slot-set!", t.Name, m.stack[m.top-2])
				break
			}
			rec := m.stack[m.top-2].(*sexp.Record)
			if rec.Immutable {
				m.halt = !m.immutableErr("slot-set!", rec)
				break
			}
			idx, ok := m.stack[m.top-3].(sexp.Fixnum)
			if !ok {
				m.halt = !m.typeErr("slot-set!", "integer", m.stack[m.top-3])
				break
			}
			rec.Slots[idx] = m.stack[m.top-4]
			m.stack[m.top-4] = sexp.Void
			m.top -= 3

		case bytecode.OpCar:
			p, ok := m.stack[m.top-1].(*sexp.Pair)
			if !ok {
				m.halt = !m.typeErr("car", "pair", m.stack[m.top-1])
				break
			}
			m.stack[m.top-1] = p.Car

		case bytecode.OpCdr:
			p, ok := m.stack[m.top-1].(*sexp.Pair)
			if !ok {
				m.halt = !m.typeErr("cdr", "pair", m.stack[m.top-1])
				break
			}
			m.stack[m.top-1] = p.Cdr

		case bytecode.OpSetCar:
			p, ok := m.stack[m.top-1].(*sexp.Pair)
			if !ok {
				m.halt = !m.typeErr("set-car!", "pair", m.stack[m.top-1])
				break
			}
			if p.Immutable {
				m.halt = !m.immutableErr("set-car!", p)
				break
			}
			p.Car = m.stack[m.top-2]
			m.stack[m.top-2] = sexp.Void
			m.top--

		case bytecode.OpSetCdr:
			p, ok := m.stack[m.top-1].(*sexp.Pair)
			if !ok {
				m.halt = !m.typeErr("set-cdr!", "pair", m.stack[m.top-1])
				break
			}
			if p.Immutable {
				m.halt = !m.immutableErr("set-cdr!", p)
				break
			}
			p.Cdr = m.stack[m.top-2]
			m.stack[m.top-2] = sexp.Void
			m.top--

		case bytecode.OpCons:
			m.ctx.Top = m.top
			m.stack[m.top-2] = sexp.Cons(m.stack[m.top-1], m.stack[m.top-2])
			m.top--

		case bytecode.OpAdd:
			if x, y, ok := m.fixnums(); ok {
				s := int64(x) + int64(y)
				if (int64(x) >= 0) == (int64(y) >= 0) && (s >= 0) != (int64(x) >= 0) {
					m.stack[m.top-1] = sexp.Add(sexp.FixnumToBignum(x), y)
				} else {
					m.stack[m.top-1] = sexp.Fixnum(s)
				}
				break
			}
			m.halt = !m.arith(sexp.Add)

		case bytecode.OpSub:
			if x, y, ok := m.fixnums(); ok {
				s := int64(x) - int64(y)
				if (int64(x) >= 0) != (int64(y) >= 0) && (s >= 0) != (int64(x) >= 0) {
					m.stack[m.top-1] = sexp.Sub(sexp.FixnumToBignum(x), y)
				} else {
					m.stack[m.top-1] = sexp.Fixnum(s)
				}
				break
			}
			m.halt = !m.arith(sexp.Sub)

		case bytecode.OpMul:
			if x, y, ok := m.fixnums(); ok {
				if mulOverflows(int64(x), int64(y)) {
					m.stack[m.top-1] = sexp.Mul(sexp.FixnumToBignum(x), y)
				} else {
					m.stack[m.top-1] = sexp.Fixnum(int64(x) * int64(y))
				}
				break
			}
			m.halt = !m.arith(sexp.Mul)

		case bytecode.OpDiv:
			m.halt = !m.arith(sexp.Div)

		case bytecode.OpQuotient:
			m.halt = !m.arith(sexp.Quotient)

		case bytecode.OpRemainder:
			m.halt = !m.arith(sexp.Remainder)

		case bytecode.OpLt:
			m.halt = !m.compare("<", func(c int) bool { return c < 0 })

		case bytecode.OpLe:
			m.halt = !m.compare("<=", func(c int) bool { return c <= 0 })

		case bytecode.OpEqN:
			m.halt = !m.compare("=", func(c int) bool { return c == 0 })

		case bytecode.OpFix2Flo:
			switch x := m.stack[m.top-1].(type) {
			case sexp.Fixnum:
				m.stack[m.top-1] = sexp.FixnumToFlonum(x)
			case *sexp.Bignum:
				m.stack[m.top-1] = sexp.MakeFlonum(sexp.BignumToDouble(x))
			case *sexp.Flonum:
			default:
				m.halt = !m.typeErr("exact->inexact", "number", m.stack[m.top-1])
			}

		case bytecode.OpFlo2Fix:
			switch x := m.stack[m.top-1].(type) {
			case *sexp.Flonum:
				if !sexp.FlonumIntegral(x) {
					m.halt = !m.typeErr("inexact->exact", "integer", x)
					break
				}
				m.stack[m.top-1] = sexp.DoubleToBignum(x.Val)
			case sexp.Fixnum, *sexp.Bignum:
			default:
				m.halt = !m.typeErr("inexact->exact", "number", m.stack[m.top-1])
			}

		case bytecode.OpChar2Int:
			c, ok := m.stack[m.top-1].(sexp.Char)
			if !ok {
				m.halt = !m.typeErr("char->integer", "character", m.stack[m.top-1])
				break
			}
			m.stack[m.top-1] = sexp.Fixnum(c)

		case bytecode.OpInt2Char:
			n, ok := m.stack[m.top-1].(sexp.Fixnum)
			if !ok {
				m.halt = !m.typeErr("integer->char", "integer", m.stack[m.top-1])
				break
			}
			m.stack[m.top-1] = sexp.Char(n)

		case bytecode.OpCharUpcase:
			c, ok := m.stack[m.top-1].(sexp.Char)
			if !ok {
				m.halt = !m.typeErr("char-upcase", "character", m.stack[m.top-1])
				break
			}
			m.stack[m.top-1] = sexp.Char(unicode.ToUpper(rune(c)))

		case bytecode.OpCharDowncase:
			c, ok := m.stack[m.top-1].(sexp.Char)
			if !ok {
				m.halt = !m.typeErr("char-downcase", "character", m.stack[m.top-1])
				break
			}
			m.stack[m.top-1] = sexp.Char(unicode.ToLower(rune(c)))

		case bytecode.OpWriteChar:
			c, ok := m.stack[m.top-1].(sexp.Char)
			if !ok {
				m.halt = !m.typeErr("write-char", "character", m.stack[m.top-1])
				break
			}
			if !sexp.OutputPortp(m.stack[m.top-2]) {
				m.halt = !m.typeErr("write-char", "output-port", m.stack[m.top-2])
				break
			}
			m.stack[m.top-2].(*sexp.Port).WriteChar(rune(c))
			m.top--
			m.stack[m.top-1] = sexp.Void

		case bytecode.OpNewline:
			if !sexp.OutputPortp(m.stack[m.top-1]) {
				m.halt = !m.typeErr("newline", "output-port", m.stack[m.top-1])
				break
			}
			m.stack[m.top-1].(*sexp.Port).Newline()
			m.stack[m.top-1] = sexp.Void

		case bytecode.OpReadChar:
			m.halt = !m.readChar(false)

		case bytecode.OpPeekChar:
			m.halt = !m.readChar(true)

		case bytecode.OpYield:
			m.fuel = 0
			m.push(sexp.Void)

		case bytecode.OpRet:
			n := int(m.stack[m.fp].(sexp.Fixnum))
			retIP := int(m.stack[m.fp+1].(sexp.Fixnum))
			caller := m.stack[m.fp+2].(*sexp.Procedure)
			callerFP := int(m.stack[m.fp+3].(sexp.Fixnum))
			m.stack[m.fp-n] = m.stack[m.top-1]
			m.top = m.fp - n + 1
			m.self = caller
			m.bc = caller.Code
			m.ip = retIP
			m.cp = caller.Vars
			m.fp = callerFP

		case bytecode.OpDone:
			m.halt = true

		default:
			if !m.raise(sexp.KindBadOpcode, "unknown opcode",
				sexp.List(sexp.Fixnum(op))) {
				m.halt = true
			}
		}

		if m.halt {
			if res, done := m.endLoop(); done {
				return res
			}
		}
	}
}

func (m *machine) fixnums() (sexp.Fixnum, sexp.Fixnum, bool) {
	x, ok := m.stack[m.top-1].(sexp.Fixnum)
	if !ok {
		return 0, 0, false
	}
	y, ok := m.stack[m.top-2].(sexp.Fixnum)
	if !ok {
		return 0, 0, false
	}
	m.top--
	return x, y, true
}

func mulOverflows(x, y int64) bool {
	if x == 0 || y == 0 {
		return false
	}
	if x == -1 || y == -1 {
		return x*y != 0 && (x == minInt64 || y == minInt64)
	}
	p := x * y
	return p/x != y
}

const minInt64 = -1 << 63

func (m *machine) typeErr(where, expected string, got sexp.Value) bool {
	m.ctx.Top = m.top
	m.push(sexp.TypeException(where, expected, got))
	return m.callErrorHandler()
}

func (m *machine) rangeErr(where string, obj, idx sexp.Value) bool {
	m.ctx.Top = m.top
	m.push(sexp.RangeException(where, obj, idx))
	return m.callErrorHandler()
}

func (m *machine) immutableErr(where string, obj sexp.Value) bool {
	m.ctx.Top = m.top
	m.push(sexp.ImmutableException(where, obj))
	return m.callErrorHandler()
}

func (m *machine) stringRef() bool {
	s, ok := m.stack[m.top-1].(*sexp.String)
	if !ok {
		return m.typeErr("string-ref", "string", m.stack[m.top-1])
	}
	idx, ok := m.stack[m.top-2].(sexp.Fixnum)
	if !ok {
		return m.typeErr("string-ref", "integer", m.stack[m.top-2])
	}
	c, ok := s.Ref(int(idx))
	if !ok {
		return m.rangeErr("string-ref", s, idx)
	}
	m.top--
	m.stack[m.top-1] = sexp.Char(c)
	return true
}

func (m *machine) stringSet() bool {
	s, ok := m.stack[m.top-1].(*sexp.String)
	if !ok {
		return m.typeErr("string-set!", "string", m.stack[m.top-1])
	}
	if s.Immutable {
		return m.immutableErr("string-set!", s)
	}
	idx, ok := m.stack[m.top-2].(sexp.Fixnum)
	if !ok {
		return m.typeErr("string-set!", "integer", m.stack[m.top-2])
	}
	c, ok := m.stack[m.top-3].(sexp.Char)
	if !ok {
		return m.typeErr("string-set!", "character", m.stack[m.top-3])
	}
	if !s.Set(int(idx), rune(c)) {
		return m.rangeErr("string-set!", s, idx)
	}
	m.stack[m.top-3] = sexp.Void
	m.top -= 2
	return true
}

// readChar implements READ_CHAR and PEEK_CHAR, including the
// would-block interaction with the scheduler: when the port reports
// EAGAIN and a blocker is installed, the thread is parked on the port
// and the instruction backed up to retry after rescheduling.
func (m *machine) readChar(peek bool) bool {
	name := "read-char"
	if peek {
		name = "peek-char"
	}
	if !sexp.InputPortp(m.stack[m.top-1]) {
		return m.typeErr(name, "input-port", m.stack[m.top-1])
	}
	port := m.stack[m.top-1].(*sexp.Port)
	c, err := port.ReadChar()
	if err == sexp.ErrWouldBlock && sexp.Applicablep(m.ctx.Globals.Blocker) {
		m.ctx.Top = m.top
		Apply1(m.ctx, m.ctx.Globals.Blocker, port)
		m.fuel = 0
		m.ip-- // retry the same instruction after rescheduling
		return true
	}
	if err != nil {
		m.stack[m.top-1] = sexp.Eof
		return true
	}
	if peek {
		port.PushChar(c)
	}
	m.stack[m.top-1] = sexp.Char(c)
	return true
}
