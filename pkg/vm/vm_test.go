package vm

import (
	"testing"

	"github.com/unixaaa/chibi-scheme/pkg/analyzer"
	"github.com/unixaaa/chibi-scheme/pkg/compiler"
	"github.com/unixaaa/chibi-scheme/pkg/reader"
	"github.com/unixaaa/chibi-scheme/pkg/sexp"
)

// eval runs source through the full pipeline on ctx.
func eval(t *testing.T, ctx *Context, src string) sexp.Value {
	t.Helper()
	datums, err := reader.New("<test>", src).ReadAll()
	if err != nil {
		t.Fatalf("read error for %q: %v", src, err)
	}
	a := analyzer.New(ctx.Globals.Env)
	ast, err := a.AnalyzeProgram(datums)
	if err != nil {
		t.Fatalf("analyze error for %q: %v", src, err)
	}
	bc, err := compiler.Compile(ast, ctx.Globals.Env)
	if err != nil {
		t.Fatalf("compile error for %q: %v", src, err)
	}
	proc := sexp.MakeProcedure(0, 0, bc, &sexp.Vector{})
	return Apply(ctx, proc, sexp.Null)
}

func run(t *testing.T, src string) sexp.Value {
	t.Helper()
	return eval(t, NewContext(), src)
}

func TestLiterals(t *testing.T) {
	tests := []struct {
		src      string
		expected sexp.Value
	}{
		{"42", sexp.Fixnum(42)},
		{"#t", sexp.True},
		{"#f", sexp.False},
		{"'()", sexp.Null},
		{"'foo", sexp.Intern("foo")},
		{`#\a`, sexp.Char('a')},
	}
	for _, tt := range tests {
		if got := run(t, tt.src); got != tt.expected {
			t.Errorf("%s: expected %v, got %v", tt.src, tt.expected, got)
		}
	}
}

func TestArithmetic(t *testing.T) {
	tests := []struct {
		src      string
		expected int64
	}{
		{"(+ 1 2)", 3},
		{"(+ 1 2 3 4)", 10},
		{"(+ 5)", 5},
		{"(- 10 3)", 7},
		{"(- 10 3 2)", 5},
		{"(- 4)", -4},
		{"(* 3 4)", 12},
		{"(* 2 3 4)", 24},
		{"(/ 10 2)", 5},
		{"(quotient 7 2)", 3},
		{"(remainder 7 2)", 1},
		{"(quotient -7 2)", -3},
		{"(remainder -7 2)", -1},
	}
	for _, tt := range tests {
		got := run(t, tt.src)
		if got != sexp.Fixnum(tt.expected) {
			t.Errorf("%s: expected %d, got %v", tt.src, tt.expected, sexp.Write(got))
		}
	}
}

func TestComparison(t *testing.T) {
	tests := []struct {
		src      string
		expected bool
	}{
		{"(< 1 2)", true},
		{"(< 2 1)", false},
		{"(< 1 2 3)", true},
		{"(< 1 3 2)", false},
		{"(<= 2 2 3)", true},
		{"(> 3 2)", true},
		{"(> 2 3)", false},
		{"(> 3 2 1)", true},
		{"(>= 3 3 1)", true},
		{"(= 2 2)", true},
		{"(= 2 3)", false},
		{"(= 2 2 2)", true},
	}
	for _, tt := range tests {
		if got := run(t, tt.src); got != sexp.Boolean(tt.expected) {
			t.Errorf("%s: expected %v, got %v", tt.src, tt.expected, sexp.Write(got))
		}
	}
}

func TestFlonumPromotion(t *testing.T) {
	got := run(t, "(+ 1 2.5)")
	f, ok := got.(*sexp.Flonum)
	if !ok || f.Val != 3.5 {
		t.Fatalf("expected 3.5, got %v", sexp.Write(got))
	}
	got = run(t, "(/ 1 2)")
	f, ok = got.(*sexp.Flonum)
	if !ok || f.Val != 0.5 {
		t.Fatalf("expected 0.5, got %v", sexp.Write(got))
	}
}

func TestFixnumOverflowPromotes(t *testing.T) {
	got := run(t, "(* 4611686018427387904 4)")
	b, ok := got.(*sexp.Bignum)
	if !ok {
		t.Fatalf("expected bignum, got %v", sexp.Write(got))
	}
	if b.Val.String() != "18446744073709551616" {
		t.Errorf("expected 2^64, got %s", b.Val.String())
	}
	got = run(t, "(+ 9223372036854775807 1)")
	if _, ok := got.(*sexp.Bignum); !ok {
		t.Errorf("expected bignum from add overflow, got %v", sexp.Write(got))
	}
}

func TestConditional(t *testing.T) {
	tests := []struct {
		src      string
		expected sexp.Value
	}{
		{"(if #t 1 2)", sexp.Fixnum(1)},
		{"(if #f 1 2)", sexp.Fixnum(2)},
		{"(if 0 1 2)", sexp.Fixnum(1)}, // only #f is false
		{"(if #f 1)", sexp.Void},
		{"(and 1 2 3)", sexp.Fixnum(3)},
		{"(and 1 #f 3)", sexp.False},
		{"(or #f 2)", sexp.Fixnum(2)},
		{"(or #f #f)", sexp.False},
	}
	for _, tt := range tests {
		if got := run(t, tt.src); got != tt.expected {
			t.Errorf("%s: expected %v, got %v", tt.src, sexp.Write(tt.expected), sexp.Write(got))
		}
	}
}

func TestLambdaApplication(t *testing.T) {
	got := run(t, "((lambda (x) (+ x 1)) 41)")
	if got != sexp.Fixnum(42) {
		t.Fatalf("expected 42, got %v", sexp.Write(got))
	}
}

func TestSetBoxesParameter(t *testing.T) {
	got := run(t, "((lambda (x) (set! x 7) x) 3)")
	if got != sexp.Fixnum(7) {
		t.Fatalf("expected 7, got %v", sexp.Write(got))
	}
}

func TestClosureCapture(t *testing.T) {
	ctx := NewContext()
	eval(t, ctx, "(define make-getter (lambda (x) (lambda () x)))")
	eval(t, ctx, "(define get (make-getter 'kept))")
	for i := 0; i < 3; i++ {
		if got := eval(t, ctx, "(get)"); got != sexp.Intern("kept") {
			t.Fatalf("call %d: expected kept, got %v", i, sexp.Write(got))
		}
	}
}

func TestSharedMutableCapture(t *testing.T) {
	src := `
(define cell ((lambda (n)
  (cons (lambda () n)
        (lambda (v) (set! n v)))) 1))
(define get (car cell))
(define put (cdr cell))
(put 10)
(get)`
	if got := run(t, src); got != sexp.Fixnum(10) {
		t.Fatalf("expected 10, got %v", sexp.Write(got))
	}
}

func TestVariadicRestList(t *testing.T) {
	got := run(t, "((lambda args args) 1 2 3)")
	want := []int64{1, 2, 3}
	for _, n := range want {
		p, ok := got.(*sexp.Pair)
		if !ok {
			t.Fatalf("expected pair, got %v", sexp.Write(got))
		}
		if p.Car != sexp.Fixnum(n) {
			t.Fatalf("expected %d, got %v", n, sexp.Write(p.Car))
		}
		got = p.Cdr
	}
	if got != sexp.Null {
		t.Fatalf("expected proper list tail, got %v", sexp.Write(got))
	}

	got = run(t, "((lambda (a . rest) rest) 1)")
	if got != sexp.Null {
		t.Fatalf("expected () rest, got %v", sexp.Write(got))
	}
	got = run(t, "((lambda (a . rest) (car rest)) 1 2 3)")
	if got != sexp.Fixnum(2) {
		t.Fatalf("expected 2, got %v", sexp.Write(got))
	}
}

func TestNamedLetAccumulates(t *testing.T) {
	src := `(let f ((xs '(10 20 30)) (acc 0))
  (if (null? xs) acc (f (cdr xs) (+ acc (car xs)))))`
	if got := run(t, src); got != sexp.Fixnum(60) {
		t.Fatalf("expected 60, got %v", sexp.Write(got))
	}
}

func TestTailCallConstantSpace(t *testing.T) {
	// A small stack: a million iterations only complete if tail calls
	// reuse the frame.
	ctx := NewContextWith(256, 1000)
	src := `(letrec ((loop (lambda (n) (if (= n 0) 'done (loop (- n 1))))))
  (loop 1000000))`
	got := eval(t, ctx, src)
	if got != sexp.Intern("done") {
		t.Fatalf("expected done, got %v", sexp.Write(got))
	}
}

func TestDeepRecursionOutOfStack(t *testing.T) {
	ctx := NewContextWith(512, 1000)
	src := `(letrec ((f (lambda (n) (if (= n 0) 0 (+ 1 (f (- n 1)))))))
  (f 100000))`
	got := eval(t, ctx, src)
	exc, ok := got.(*sexp.Exception)
	if !ok {
		t.Fatalf("expected out-of-stack exception, got %v", sexp.Write(got))
	}
	if exc.Kind != sexp.KindOutOfStack {
		t.Errorf("expected out-of-stack kind, got %s", exc.Kind)
	}
}

func TestQuoteRoundTripIdentity(t *testing.T) {
	ctx := NewContext()
	a := analyzer.New(ctx.Globals.Env)
	values := []sexp.Value{
		sexp.Fixnum(7),
		sexp.MakeFlonum(1.5),
		sexp.Char('x'),
		sexp.True,
		sexp.Null,
		sexp.Eof,
		sexp.Intern("sym"),
	}
	for _, v := range values {
		ast, err := a.Analyze(sexp.List(sexp.Intern("quote"), v))
		if err != nil {
			t.Fatalf("analyze: %v", err)
		}
		bc, err := compiler.Compile(ast, ctx.Globals.Env)
		if err != nil {
			t.Fatalf("compile: %v", err)
		}
		got := Apply(ctx, sexp.MakeProcedure(0, 0, bc, &sexp.Vector{}), sexp.Null)
		if got != v {
			t.Errorf("round trip broke identity for %v: got %v", sexp.Write(v), sexp.Write(got))
		}
	}
}

func TestVectorOps(t *testing.T) {
	tests := []struct {
		src      string
		expected sexp.Value
	}{
		{"(vector-length (vector 1 2 3))", sexp.Fixnum(3)},
		{"(vector-ref (vector 'a 'b 'c) 1)", sexp.Intern("b")},
		{"(vector-length (make-vector 4))", sexp.Fixnum(4)},
		{"(vector-ref (make-vector 2 'z) 1)", sexp.Intern("z")},
		{"((lambda (v) (vector-set! v 0 9) (vector-ref v 0)) (vector 1 2))", sexp.Fixnum(9)},
	}
	for _, tt := range tests {
		if got := run(t, tt.src); got != tt.expected {
			t.Errorf("%s: expected %v, got %v", tt.src, sexp.Write(tt.expected), sexp.Write(got))
		}
	}
}

func TestStringAndCharOps(t *testing.T) {
	got := run(t, `(string-ref "hello" 1)`)
	if got != sexp.Char('e') {
		t.Fatalf("expected e, got %v", sexp.Write(got))
	}
	got = run(t, `(string-length "héllo")`)
	if got != sexp.Fixnum(5) {
		t.Fatalf("expected 5, got %v", sexp.Write(got))
	}
	got = run(t, `(char-upcase #\a)`)
	if got != sexp.Char('A') {
		t.Fatalf("expected A, got %v", sexp.Write(got))
	}
	got = run(t, `(char->integer #\A)`)
	if got != sexp.Fixnum(65) {
		t.Fatalf("expected 65, got %v", sexp.Write(got))
	}
	got = run(t, `(integer->char 97)`)
	if got != sexp.Char('a') {
		t.Fatalf("expected a, got %v", sexp.Write(got))
	}
}

func TestPredicates(t *testing.T) {
	tests := []struct {
		src      string
		expected bool
	}{
		{"(null? '())", true},
		{"(null? '(1))", false},
		{"(pair? '(1))", true},
		{"(pair? 1)", false},
		{"(fixnum? 3)", true},
		{"(fixnum? 'x)", false},
		{"(symbol? 'x)", true},
		{"(char? #\\a)", true},
		{"(eof-object? 'x)", false},
		{"(eq? 'a 'a)", true},
		{"(eq? '(1) '(1))", false},
		{"(not #f)", true},
		{"(not 3)", false},
	}
	for _, tt := range tests {
		if got := run(t, tt.src); got != sexp.Boolean(tt.expected) {
			t.Errorf("%s: expected %v, got %v", tt.src, tt.expected, sexp.Write(got))
		}
	}
}

func TestErrorKinds(t *testing.T) {
	tests := []struct {
		src     string
		kind    *sexp.Symbol
		message string
	}{
		{"(vector-ref (vector 'a 'b 'c) 5)", sexp.KindRange, "vector-ref"},
		{"(/ 1 0)", sexp.KindDivideZero, "divide by zero"},
		{"(car 5)", sexp.KindType, "car"},
		{"(nosuchvariable)", sexp.KindUndefined, "undefined variable"},
		{"(1 2 3)", sexp.KindNotProc, "non procedure"},
		{"((lambda (x) x) 1 2)", sexp.KindArity, "too many args"},
		{"((lambda (x y) x) 1)", sexp.KindArity, "not enough args"},
	}
	for _, tt := range tests {
		got := run(t, tt.src)
		exc, ok := got.(*sexp.Exception)
		if !ok {
			t.Errorf("%s: expected exception, got %v", tt.src, sexp.Write(got))
			continue
		}
		if exc.Kind != tt.kind {
			t.Errorf("%s: expected kind %s, got %s", tt.src, tt.kind, exc.Kind)
		}
		if !containsStr(exc.Message, tt.message) {
			t.Errorf("%s: message %q does not mention %q", tt.src, exc.Message, tt.message)
		}
	}
}

func containsStr(s, sub string) bool {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return true
		}
	}
	return false
}

func TestErrorHandlerResumes(t *testing.T) {
	ctx := NewContext()
	handler := eval(t, ctx, "(lambda (e) 41)")
	if _, ok := handler.(*sexp.Procedure); !ok {
		t.Fatalf("expected handler procedure, got %v", sexp.Write(handler))
	}
	ctx.SetErrorHandler(handler)
	// The handler's return value replaces the failed global reference
	// and execution resumes at the raise site.
	got := eval(t, ctx, "(+ 1 nosuchvar)")
	if got != sexp.Fixnum(42) {
		t.Fatalf("expected 42 after handler resume, got %v", sexp.Write(got))
	}
}

func TestErrorHandlerReceivesException(t *testing.T) {
	ctx := NewContext()
	eval(t, ctx, "(define seen #f)")
	handler := eval(t, ctx, "(lambda (e) (set! seen e) 'recovered)")
	ctx.SetErrorHandler(handler)
	got := eval(t, ctx, "(car 7)")
	if got != sexp.Intern("recovered") {
		t.Fatalf("expected recovered, got %v", sexp.Write(got))
	}
	cell, _ := ctx.Globals.Env.Lookup(sexp.Intern("seen"))
	exc, ok := cell.Cdr.(*sexp.Exception)
	if !ok {
		t.Fatalf("handler did not receive the exception: %v", sexp.Write(cell.Cdr))
	}
	if exc.Kind != sexp.KindType {
		t.Errorf("expected type-error, got %s", exc.Kind)
	}
	if exc.Procedure == nil {
		t.Errorf("exception missing source procedure")
	}
}

func TestRaisePrimitive(t *testing.T) {
	got := run(t, "(raise 'boom)")
	// Raising a non-exception with no handler terminates with the
	// raised value on top.
	if got != sexp.Intern("boom") {
		t.Fatalf("expected boom, got %v", sexp.Write(got))
	}
}

func TestOpcodeAsFirstClassValue(t *testing.T) {
	ctx := NewContext()
	got := eval(t, ctx, "((lambda (f) (f 2 3)) +)")
	if got != sexp.Fixnum(5) {
		t.Fatalf("expected 5, got %v", sexp.Write(got))
	}
	got = eval(t, ctx, "(apply + '(1 2 3))")
	if got != sexp.Fixnum(6) {
		t.Fatalf("expected 6, got %v", sexp.Write(got))
	}
	got = eval(t, ctx, "(apply car '((9 8)))")
	if got != sexp.Fixnum(9) {
		t.Fatalf("expected 9, got %v", sexp.Write(got))
	}
}

func TestApplyHostAPI(t *testing.T) {
	ctx := NewContext()
	proc := eval(t, ctx, "(lambda (a b) (- a b))")
	got := Apply(ctx, proc, sexp.List(sexp.Fixnum(10), sexp.Fixnum(4)))
	if got != sexp.Fixnum(6) {
		t.Fatalf("expected 6, got %v", sexp.Write(got))
	}
	got = Apply1(ctx, proc, sexp.Fixnum(1))
	exc, ok := got.(*sexp.Exception)
	if !ok || exc.Kind != sexp.KindArity {
		t.Fatalf("expected arity exception, got %v", sexp.Write(got))
	}
}

func TestImmutableObjects(t *testing.T) {
	ctx := NewContext()
	pair := sexp.Cons(sexp.Fixnum(1), sexp.Fixnum(2))
	pair.Immutable = true
	ctx.Globals.Env.Define(sexp.Intern("locked"), pair)
	got := eval(t, ctx, "(set-car! locked 9)")
	exc, ok := got.(*sexp.Exception)
	if !ok || exc.Kind != sexp.KindImmutable {
		t.Fatalf("expected immutable-object exception, got %v", sexp.Write(got))
	}
}

func TestLocalsCompileDirectly(t *testing.T) {
	// A hand-built lambda with an internally defined local exercises
	// the reserved-slot path the analyzer's letrec rewrite avoids.
	y := sexp.Intern("y")
	lam := &sexp.Lambda{Locals: []*sexp.Symbol{y}}
	cell := sexp.Cons(y, lam)
	lam.Body = &sexp.Seq{Ls: []sexp.Value{
		&sexp.Set{Var: &sexp.Ref{Name: y, Cell: cell}, Value: sexp.Fixnum(5)},
		&sexp.Ref{Name: y, Cell: cell},
	}}
	ctx := NewContext()
	app := sexp.List(lam)
	bc, err := compiler.Compile(app, ctx.Globals.Env)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	got := Apply(ctx, sexp.MakeProcedure(0, 0, bc, &sexp.Vector{}), sexp.Null)
	if got != sexp.Fixnum(5) {
		t.Fatalf("expected 5, got %v", sexp.Write(got))
	}
}

func TestRecordTypes(t *testing.T) {
	ctx := NewContext()
	point := sexp.RegisterType("point", nil, 2)
	env := ctx.Globals.Env
	env.Define(sexp.Intern("make-point"), compiler.MakeConstructor("make-point", point))
	env.Define(sexp.Intern("point-x"), compiler.MakeGetter("point-x", point, 0))
	env.Define(sexp.Intern("set-point-x!"), compiler.MakeSetter("set-point-x!", point, 0))
	env.Define(sexp.Intern("point?"), compiler.MakeTypePredicate("point?", point))
	env.Define(sexp.Intern("point-type"), point)

	got := eval(t, ctx, `((lambda (p) (set-point-x! p 11) (point-x p)) (make-point))`)
	if got != sexp.Fixnum(11) {
		t.Fatalf("expected 11, got %v", sexp.Write(got))
	}
	if got := eval(t, ctx, "(point? (make-point))"); got != sexp.True {
		t.Errorf("point? on point: got %v", sexp.Write(got))
	}
	if got := eval(t, ctx, "(point? 3)"); got != sexp.False {
		t.Errorf("point? on fixnum: got %v", sexp.Write(got))
	}
	if got := eval(t, ctx, "(is-a? (make-point) point-type)"); got != sexp.True {
		t.Errorf("is-a?: got %v", sexp.Write(got))
	}
	got = eval(t, ctx, "(point-x 3)")
	exc, ok := got.(*sexp.Exception)
	if !ok || exc.Kind != sexp.KindType {
		t.Errorf("expected type-error from off-type slot-ref, got %v", sexp.Write(got))
	}

	// A subtype answers true for its parent through the CPL.
	point3 := sexp.RegisterType("point3", point, 3)
	env.Define(sexp.Intern("make-point3"), compiler.MakeConstructor("make-point3", point3))
	if got := eval(t, ctx, "(point? (make-point3))"); got != sexp.True {
		t.Errorf("subtype failed parent predicate: got %v", sexp.Write(got))
	}
}

func TestGenericSlotAccess(t *testing.T) {
	ctx := NewContext()
	pair3 := sexp.RegisterType("triple", nil, 3)
	ctx.Globals.Env.Define(sexp.Intern("make-triple"), compiler.MakeConstructor("make-triple", pair3))
	ctx.Globals.Env.Define(sexp.Intern("triple"), pair3)
	got := eval(t, ctx, `((lambda (x) (slot-set! triple x 1 'mid) (slot-ref triple x 1)) (make-triple))`)
	if got != sexp.Intern("mid") {
		t.Fatalf("expected mid, got %v", sexp.Write(got))
	}
}

func TestMakeExceptionPrimitive(t *testing.T) {
	got := run(t, `(raise (make-exception 'custom "boom" '(1) #f #f))`)
	exc, ok := got.(*sexp.Exception)
	if !ok {
		t.Fatalf("expected exception, got %v", sexp.Write(got))
	}
	if exc.Kind != sexp.Intern("custom") || exc.Message != "boom" {
		t.Errorf("exception fields wrong: %s %q", exc.Kind, exc.Message)
	}
}

func TestGlobalDefineAndSet(t *testing.T) {
	ctx := NewContext()
	eval(t, ctx, "(define counter 0)")
	eval(t, ctx, "(set! counter (+ counter 5))")
	if got := eval(t, ctx, "counter"); got != sexp.Fixnum(5) {
		t.Fatalf("expected 5, got %v", sexp.Write(got))
	}
}
