package compiler

import (
	"strings"
	"testing"

	"github.com/unixaaa/chibi-scheme/pkg/bytecode"
	"github.com/unixaaa/chibi-scheme/pkg/sexp"
)

func opcodeByName(t *testing.T, name string) *sexp.Opcode {
	t.Helper()
	for _, op := range Primitives() {
		if op.Name == name {
			return op
		}
	}
	t.Fatalf("no primitive named %s", name)
	return nil
}

// countOps decodes a bytecode stream and counts occurrences of op.
func countOps(bc *sexp.Bytecode, want bytecode.Op) int {
	count := 0
	for pos := 0; pos < len(bc.Data); {
		op := bytecode.Op(bc.Data[pos])
		pos++
		if op == want {
			count++
		}
		for i := 0; i < bytecode.OperandCount(op); i++ {
			_, pos = bytecode.ReadWord(bc.Data, pos)
		}
	}
	return count
}

func TestLiteralPinned(t *testing.T) {
	env := sexp.NewEnv()
	str := sexp.NewString("hello")
	bc, err := Compile(&sexp.Lit{Value: str}, env)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	found := false
	for _, lit := range bc.Literals {
		if lit == sexp.Value(str) {
			found = true
		}
	}
	if !found {
		t.Errorf("embedded literal missing from literal list")
	}
}

func TestArithmeticFoldCount(t *testing.T) {
	env := sexp.NewEnv()
	add := opcodeByName(t, "+")
	// (+ 1 2 3 4) folds into three ADD instructions.
	app := sexp.Cons(add, sexp.List(sexp.Fixnum(1), sexp.Fixnum(2), sexp.Fixnum(3), sexp.Fixnum(4)))
	bc, err := Compile(app, env)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if n := countOps(bc, bytecode.OpAdd); n != 3 {
		t.Errorf("expected 3 ADDs, got %d", n)
	}
	// A single argument still folds against the injected identity.
	app = sexp.Cons(add, sexp.List(sexp.Fixnum(5)))
	bc, _ = Compile(app, env)
	if n := countOps(bc, bytecode.OpAdd); n != 1 {
		t.Errorf("expected 1 ADD with injected default, got %d", n)
	}
}

func TestComparisonChain(t *testing.T) {
	env := sexp.NewEnv()
	lt := opcodeByName(t, "<")
	app := sexp.Cons(lt, sexp.List(sexp.Fixnum(1), sexp.Fixnum(2), sexp.Fixnum(3)))
	bc, err := Compile(app, env)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if n := countOps(bc, bytecode.OpLt); n != 2 {
		t.Errorf("expected 2 LTs in chain, got %d", n)
	}
	if n := countOps(bc, bytecode.OpAnd); n != 3 {
		t.Errorf("expected 3 ANDs in chain, got %d", n)
	}
	if n := countOps(bc, bytecode.OpStackRef); n != 4 {
		t.Errorf("expected 4 STACK_REFs in chain, got %d", n)
	}
}

func TestOpcodeArityErrors(t *testing.T) {
	env := sexp.NewEnv()
	car := opcodeByName(t, "car")
	if _, err := Compile(sexp.Cons(car, sexp.Null), env); err == nil {
		t.Errorf("expected not-enough-args compile error")
	}
	app := sexp.Cons(car, sexp.List(sexp.Fixnum(1), sexp.Fixnum(2)))
	if _, err := Compile(app, env); err == nil {
		t.Errorf("expected too-many-args compile error")
	}
}

func TestClosureFreeVarCompiledAtRuntime(t *testing.T) {
	// (lambda (x) (lambda () x)): the inner lambda captures x, so the
	// outer body must build a closure vector at run time.
	x := sexp.Intern("x")
	outer := &sexp.Lambda{Params: []*sexp.Symbol{x}}
	cell := sexp.Cons(x, outer)
	inner := &sexp.Lambda{
		FreeVars: []*sexp.Ref{{Name: x, Cell: cell}},
		Body:     &sexp.Ref{Name: x, Cell: cell},
	}
	outer.Body = inner

	env := sexp.NewEnv()
	bc, err := Compile(outer, env)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	// The outer lambda has no free vars of its own, so it closes at
	// compile time and lands in the literal list.
	var outerProc *sexp.Procedure
	for _, lit := range bc.Literals {
		if p, ok := lit.(*sexp.Procedure); ok {
			outerProc = p
		}
	}
	if outerProc == nil {
		t.Fatalf("outer procedure not pinned in literal list")
	}
	inBC := outerProc.Code
	if n := countOps(inBC, bytecode.OpMakeVector); n != 1 {
		t.Errorf("expected closure vector construction, got %d MAKE_VECTORs", n)
	}
	if n := countOps(inBC, bytecode.OpMakeProcedure); n != 1 {
		t.Errorf("expected MAKE_PROCEDURE, got %d", n)
	}
	if n := countOps(inBC, bytecode.OpVectorSet); n != 1 {
		t.Errorf("expected one capture store, got %d VECTOR_SETs", n)
	}
}

func TestBoxedParameterPrologue(t *testing.T) {
	// (lambda (x) (set! x 7) x) boxes x on entry and indirects reads.
	x := sexp.Intern("x")
	lam := &sexp.Lambda{Params: []*sexp.Symbol{x}, SetVars: []*sexp.Symbol{x}}
	cell := sexp.Cons(x, lam)
	lam.Body = &sexp.Seq{Ls: []sexp.Value{
		&sexp.Set{Var: &sexp.Ref{Name: x, Cell: cell}, Value: sexp.Fixnum(7)},
		&sexp.Ref{Name: x, Cell: cell},
	}}
	env := sexp.NewEnv()
	bc, err := Compile(lam, env)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	var proc *sexp.Procedure
	for _, lit := range bc.Literals {
		if p, ok := lit.(*sexp.Procedure); ok {
			proc = p
		}
	}
	if proc == nil {
		t.Fatalf("procedure not pinned")
	}
	if n := countOps(proc.Code, bytecode.OpCons); n != 1 {
		t.Errorf("expected one boxing CONS, got %d", n)
	}
	if n := countOps(proc.Code, bytecode.OpSetCdr); n != 1 {
		t.Errorf("expected one SET_CDR for the assignment, got %d", n)
	}
	if n := countOps(proc.Code, bytecode.OpCdr); n != 1 {
		t.Errorf("expected one unboxing CDR, got %d", n)
	}
}

func TestGlobalRefChecksUndefined(t *testing.T) {
	env := sexp.NewEnv()
	name := sexp.Intern("later")
	ref := &sexp.Ref{Name: name, Cell: env.Cell(name)}
	bc, _ := Compile(ref, env)
	if n := countOps(bc, bytecode.OpGlobalRef); n != 1 {
		t.Errorf("undefined global should compile to checked GLOBAL_REF")
	}
	env.Define(name, sexp.Fixnum(1))
	ref2 := &sexp.Ref{Name: name, Cell: env.Cell(name)}
	bc2, _ := Compile(ref2, env)
	if n := countOps(bc2, bytecode.OpGlobalKnownRef); n != 1 {
		t.Errorf("bound global should compile to GLOBAL_KNOWN_REF")
	}
}

func TestTailPositionCompilesTailCall(t *testing.T) {
	f := sexp.Intern("f")
	env := sexp.NewEnv()
	fcell := env.Cell(f)
	lam := &sexp.Lambda{
		Params: []*sexp.Symbol{sexp.Intern("n")},
		Body:   sexp.Cons(&sexp.Ref{Name: f, Cell: fcell}, sexp.Null),
	}
	bc, err := Compile(lam, env)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	var proc *sexp.Procedure
	for _, lit := range bc.Literals {
		if p, ok := lit.(*sexp.Procedure); ok {
			proc = p
		}
	}
	if n := countOps(proc.Code, bytecode.OpTailCall); n != 1 {
		t.Errorf("body call should be a TAIL_CALL, got %d", n)
	}
	if n := countOps(proc.Code, bytecode.OpCall); n != 0 {
		t.Errorf("unexpected non-tail CALL in tail position")
	}
}

func TestMakeOpcodeProcedureCaching(t *testing.T) {
	cons := opcodeByName(t, "cons")
	p1 := MakeOpcodeProcedure(cons, 2)
	if _, ok := p1.(*sexp.Procedure); !ok {
		t.Fatalf("expected procedure, got %v", sexp.Write(p1))
	}
	p2 := MakeOpcodeProcedure(cons, 2)
	if p1 != p2 {
		t.Errorf("wrapper at declared arity should be cached")
	}
	if bad := MakeOpcodeProcedure(cons, 1); !sexp.Exceptionp(bad) {
		t.Errorf("expected arity exception for too few args")
	}
	if bad := MakeOpcodeProcedure(cons, 3); !sexp.Exceptionp(bad) {
		t.Errorf("expected arity exception for too many args")
	}
	add := opcodeByName(t, "+")
	p3 := MakeOpcodeProcedure(add, 4)
	proc, ok := p3.(*sexp.Procedure)
	if !ok {
		t.Fatalf("variadic wrapper failed: %v", sexp.Write(p3))
	}
	if proc.NumArgs != 4 {
		t.Errorf("wrapper arity: expected 4, got %d", proc.NumArgs)
	}
	if n := countOps(proc.Code, bytecode.OpAdd); n != 3 {
		t.Errorf("wrapper should fold 3 ADDs, got %d", n)
	}
	if proc.Code.Name != "+" {
		t.Errorf("wrapper bytecode should carry the opcode name, got %q", proc.Code.Name)
	}
}

func TestDisassembleListing(t *testing.T) {
	env := sexp.NewEnv()
	add := opcodeByName(t, "+")
	app := sexp.Cons(add, sexp.List(sexp.Fixnum(1), sexp.Fixnum(2)))
	bc, _ := Compile(app, env)
	bc.Name = "sum"
	var b strings.Builder
	bytecode.Disassemble(&b, bc)
	out := b.String()
	for _, want := range []string{";; sum", "PUSH 1", "PUSH 2", "ADD", "RET"} {
		if !strings.Contains(out, want) {
			t.Errorf("listing missing %q:\n%s", want, out)
		}
	}
}
