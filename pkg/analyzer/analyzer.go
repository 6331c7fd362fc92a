// Package analyzer resolves read s-expressions into the core AST the
// compiler consumes: references carrying binding cells, lambdas with
// their locals, mutated-variable and free-variable lists computed, and
// the derived binding forms expanded away.
package analyzer

import (
	"fmt"

	"github.com/unixaaa/chibi-scheme/pkg/sexp"
)

// Analyzer resolves programs against one top-level environment.
type Analyzer struct {
	env *sexp.Env
}

// New creates an analyzer over env.
func New(env *sexp.Env) *Analyzer { return &Analyzer{env: env} }

// Env returns the environment the analyzer resolves against.
func (a *Analyzer) Env() *sexp.Env { return a.env }

// scope is one rib of the lexical environment: the lambda that binds
// it and the reference cells handed out for its names. Sharing cells
// is what gives every use of a variable the same identity.
type scope struct {
	lam    *sexp.Lambda
	cells  map[*sexp.Symbol]*sexp.Pair
	parent *scope
}

func (sc *scope) cell(name *sexp.Symbol) *sexp.Pair {
	if c, ok := sc.cells[name]; ok {
		return c
	}
	c := sexp.Cons(name, sc.lam)
	sc.cells[name] = c
	return c
}

// Analyze resolves one top-level form. Definitions are legal only
// here and at the head of a body; everywhere else they are rejected.
func (a *Analyzer) Analyze(datum sexp.Value) (sexp.Value, error) {
	if def, ok := asDefine(datum); ok {
		return a.analyzeDefine(def)
	}
	return a.analyze(datum, nil)
}

// AnalyzeProgram resolves a sequence of top-level forms into one body.
func (a *Analyzer) AnalyzeProgram(datums []sexp.Value) (sexp.Value, error) {
	if len(datums) == 1 {
		return a.Analyze(datums[0])
	}
	seq := &sexp.Seq{}
	for _, d := range datums {
		x, err := a.Analyze(d)
		if err != nil {
			return nil, err
		}
		seq.Ls = append(seq.Ls, x)
	}
	return seq, nil
}

func (a *Analyzer) analyze(x sexp.Value, sc *scope) (sexp.Value, error) {
	switch v := x.(type) {
	case *sexp.Symbol:
		return a.resolve(v, sc), nil
	case *sexp.Pair:
		return a.analyzePair(v, sc)
	default:
		// Self-evaluating datum.
		return x, nil
	}
}

// resolve produces the reference node for name, registering it as a
// free variable of every lambda between the use and its binder.
func (a *Analyzer) resolve(name *sexp.Symbol, sc *scope) *sexp.Ref {
	for owner := sc; owner != nil; owner = owner.parent {
		if owner.lam.Binds(name) {
			cell := owner.cell(name)
			for inner := sc; inner != owner; inner = inner.parent {
				addFreeVar(inner.lam, name, cell)
			}
			return &sexp.Ref{Name: name, Cell: cell}
		}
	}
	return &sexp.Ref{Name: name, Cell: a.env.Cell(name)}
}

func addFreeVar(lam *sexp.Lambda, name *sexp.Symbol, cell *sexp.Pair) {
	for _, r := range lam.FreeVars {
		if r.Name == name && r.Cell == cell {
			return
		}
	}
	lam.FreeVars = append(lam.FreeVars, &sexp.Ref{Name: name, Cell: cell})
}

// lexicallyBound reports whether name is shadowed by an enclosing
// lambda, in which case it cannot be a keyword.
func lexicallyBound(name *sexp.Symbol, sc *scope) bool {
	for ; sc != nil; sc = sc.parent {
		if sc.lam.Binds(name) {
			return true
		}
	}
	return false
}

func (a *Analyzer) analyzePair(p *sexp.Pair, sc *scope) (sexp.Value, error) {
	if head, ok := p.Car.(*sexp.Symbol); ok && !lexicallyBound(head, sc) {
		switch head.Name {
		case "quote":
			args, err := properList(p.Cdr, 1, 1, "quote")
			if err != nil {
				return nil, err
			}
			return &sexp.Lit{Value: args[0]}, nil
		case "if":
			return a.analyzeIf(p, sc)
		case "set!":
			return a.analyzeSet(p, sc)
		case "lambda":
			return a.analyzeLambda(p, sc)
		case "begin":
			return a.analyzeBegin(p, sc)
		case "define":
			return nil, fmt.Errorf("define: not allowed in expression position")
		case "let":
			return a.analyzeLet(p, sc)
		case "let*":
			return a.analyzeLetStar(p, sc)
		case "letrec", "letrec*":
			return a.analyzeLetrec(p, sc)
		case "and":
			return a.analyze(expandAnd(p.Cdr), sc)
		case "or":
			return a.analyze(expandOr(p.Cdr), sc)
		}
	}
	return a.analyzeApp(p, sc)
}

func (a *Analyzer) analyzeApp(p *sexp.Pair, sc *scope) (sexp.Value, error) {
	op, err := a.analyze(p.Car, sc)
	if err != nil {
		return nil, err
	}
	// A reference to a top-level binding holding a primitive opcode
	// compiles as an inline opcode application.
	if ref, ok := op.(*sexp.Ref); ok && ref.Global() {
		if opc, isOp := ref.Cell.Cdr.(*sexp.Opcode); isOp {
			op = opc
		}
	}
	args := sexp.Null
	for ls := sexp.Reverse(p.Cdr); ls != sexp.Null; ls = ls.(*sexp.Pair).Cdr {
		arg, err := a.analyze(ls.(*sexp.Pair).Car, sc)
		if err != nil {
			return nil, err
		}
		args = sexp.Cons(arg, args)
	}
	return sexp.Cons(op, args), nil
}

func (a *Analyzer) analyzeIf(p *sexp.Pair, sc *scope) (sexp.Value, error) {
	args, err := properList(p.Cdr, 2, 3, "if")
	if err != nil {
		return nil, err
	}
	test, err := a.analyze(args[0], sc)
	if err != nil {
		return nil, err
	}
	pass, err := a.analyze(args[1], sc)
	if err != nil {
		return nil, err
	}
	fail := sexp.Value(sexp.Void)
	if len(args) == 3 {
		if fail, err = a.analyze(args[2], sc); err != nil {
			return nil, err
		}
	}
	return &sexp.Cnd{Test: test, Pass: pass, Fail: fail}, nil
}

func (a *Analyzer) analyzeSet(p *sexp.Pair, sc *scope) (sexp.Value, error) {
	args, err := properList(p.Cdr, 2, 2, "set!")
	if err != nil {
		return nil, err
	}
	name, ok := args[0].(*sexp.Symbol)
	if !ok {
		return nil, fmt.Errorf("set!: not an identifier: %s", sexp.Write(args[0]))
	}
	ref := a.resolve(name, sc)
	if owner, lexical := ref.Cell.Cdr.(*sexp.Lambda); lexical {
		markSetVar(owner, name)
	}
	val, err := a.analyze(args[1], sc)
	if err != nil {
		return nil, err
	}
	return &sexp.Set{Var: ref, Value: val}, nil
}

func markSetVar(lam *sexp.Lambda, name *sexp.Symbol) {
	if k, ok := lam.ParamIndex(name); !ok || k < 0 {
		// Locals mutate in place through LOCAL_SET; only parameters
		// need the box.
		return
	}
	for _, s := range lam.SetVars {
		if s == name {
			return
		}
	}
	lam.SetVars = append(lam.SetVars, name)
}

func (a *Analyzer) analyzeLambda(p *sexp.Pair, sc *scope) (sexp.Value, error) {
	body, ok := p.Cdr.(*sexp.Pair)
	if !ok {
		return nil, fmt.Errorf("lambda: missing body")
	}
	lam := &sexp.Lambda{}
	if rest, ok := body.Car.(*sexp.Symbol); ok {
		lam.Rest = rest
	} else {
		f := body.Car
		for {
			if f == sexp.Null {
				break
			}
			if fp, isPair := f.(*sexp.Pair); isPair {
				name, isSym := fp.Car.(*sexp.Symbol)
				if !isSym {
					return nil, fmt.Errorf("lambda: bad parameter: %s", sexp.Write(fp.Car))
				}
				lam.Params = append(lam.Params, name)
				f = fp.Cdr
				continue
			}
			rest, isSym := f.(*sexp.Symbol)
			if !isSym {
				return nil, fmt.Errorf("lambda: bad parameter list: %s", sexp.Write(body.Car))
			}
			lam.Rest = rest
			break
		}
	}
	inner := &scope{lam: lam, cells: make(map[*sexp.Symbol]*sexp.Pair), parent: sc}
	bodyForm, err := a.analyzeBody(body.Cdr, inner)
	if err != nil {
		return nil, err
	}
	lam.Body = bodyForm
	return lam, nil
}

// analyzeBody handles a lambda body: leading internal defines expand
// into an immediately applied letrec-style lambda, and multiple
// expressions become a sequence.
func (a *Analyzer) analyzeBody(body sexp.Value, sc *scope) (sexp.Value, error) {
	forms, err := properList(body, 1, -1, "body")
	if err != nil {
		return nil, err
	}
	var names, vals []sexp.Value
	rest := forms
	for len(rest) > 0 {
		def, isDef := asDefine(rest[0])
		if !isDef {
			break
		}
		names = append(names, def.name)
		vals = append(vals, def.value)
		rest = rest[1:]
	}
	if len(names) > 0 {
		if len(rest) == 0 {
			return nil, fmt.Errorf("body: no expression after internal definitions")
		}
		return a.analyze(letrecDatum(names, vals, rest), sc)
	}
	if len(forms) == 1 {
		return a.analyze(forms[0], sc)
	}
	seq := &sexp.Seq{}
	for _, f := range forms {
		x, err := a.analyze(f, sc)
		if err != nil {
			return nil, err
		}
		seq.Ls = append(seq.Ls, x)
	}
	return seq, nil
}

type defineForm struct {
	name  sexp.Value
	value sexp.Value
}

// asDefine recognizes both define shapes, rewriting the procedure
// shorthand into an explicit lambda.
func asDefine(form sexp.Value) (defineForm, bool) {
	p, ok := form.(*sexp.Pair)
	if !ok {
		return defineForm{}, false
	}
	head, ok := p.Car.(*sexp.Symbol)
	if !ok || head.Name != "define" {
		return defineForm{}, false
	}
	body, ok := p.Cdr.(*sexp.Pair)
	if !ok {
		return defineForm{}, false
	}
	if sig, isPair := body.Car.(*sexp.Pair); isPair {
		// (define (f . formals) body...)
		lam := sexp.Cons(sexp.Intern("lambda"), sexp.Cons(sig.Cdr, body.Cdr))
		return defineForm{name: sig.Car, value: lam}, true
	}
	var value sexp.Value = sexp.Void
	if rest, isPair := body.Cdr.(*sexp.Pair); isPair {
		value = rest.Car
	}
	return defineForm{name: body.Car, value: value}, true
}

func (a *Analyzer) analyzeDefine(def defineForm) (sexp.Value, error) {
	name, ok := def.name.(*sexp.Symbol)
	if !ok {
		return nil, fmt.Errorf("define: not an identifier: %s", sexp.Write(def.name))
	}
	cell := a.env.Cell(name)
	val, err := a.analyze(def.value, nil)
	if err != nil {
		return nil, err
	}
	return &sexp.Set{Var: &sexp.Ref{Name: name, Cell: cell}, Value: val}, nil
}

func (a *Analyzer) analyzeLet(p *sexp.Pair, sc *scope) (sexp.Value, error) {
	body, ok := p.Cdr.(*sexp.Pair)
	if !ok {
		return nil, fmt.Errorf("let: bad form")
	}
	if name, named := body.Car.(*sexp.Symbol); named {
		// (let loop ((n v)...) body...) binds loop recursively.
		inner, ok := body.Cdr.(*sexp.Pair)
		if !ok {
			return nil, fmt.Errorf("let: bad named form")
		}
		names, inits, err := bindings(inner.Car)
		if err != nil {
			return nil, err
		}
		loopLam := sexp.Cons(sexp.Intern("lambda"),
			sexp.Cons(sexp.List(names...), inner.Cdr))
		return a.analyze(letrecCall(
			[]sexp.Value{name}, []sexp.Value{loopLam},
			[]sexp.Value{sexp.Cons(name, sexp.List(inits...))}), sc)
	}
	names, inits, err := bindings(body.Car)
	if err != nil {
		return nil, err
	}
	lam := sexp.Cons(sexp.Intern("lambda"), sexp.Cons(sexp.List(names...), body.Cdr))
	return a.analyze(sexp.Cons(lam, sexp.List(inits...)), sc)
}

func (a *Analyzer) analyzeLetStar(p *sexp.Pair, sc *scope) (sexp.Value, error) {
	body, ok := p.Cdr.(*sexp.Pair)
	if !ok {
		return nil, fmt.Errorf("let*: bad form")
	}
	names, inits, err := bindings(body.Car)
	if err != nil {
		return nil, err
	}
	form := sexp.Cons(sexp.Intern("let"), sexp.Cons(sexp.Null, body.Cdr))
	for i := len(names) - 1; i >= 0; i-- {
		form = sexp.Cons(sexp.Intern("let"),
			sexp.Cons(sexp.List(sexp.List(names[i], inits[i])), sexp.List(form)))
	}
	return a.analyze(form, sc)
}

func (a *Analyzer) analyzeLetrec(p *sexp.Pair, sc *scope) (sexp.Value, error) {
	body, ok := p.Cdr.(*sexp.Pair)
	if !ok {
		return nil, fmt.Errorf("letrec: bad form")
	}
	names, inits, err := bindings(body.Car)
	if err != nil {
		return nil, err
	}
	forms, err := properList(body.Cdr, 1, -1, "letrec")
	if err != nil {
		return nil, err
	}
	return a.analyze(letrecDatum(names, inits, forms), sc)
}

// letrecDatum rewrites names/values/body into an immediately applied
// lambda whose parameters are assigned before the body runs.
func letrecDatum(names, vals []sexp.Value, body []sexp.Value) sexp.Value {
	var forms []sexp.Value
	for i := range names {
		forms = append(forms, sexp.List(sexp.Intern("set!"), names[i], vals[i]))
	}
	forms = append(forms, body...)
	return letrecCall(names, nil, forms)
}

// letrecCall builds ((lambda (names...) forms...) #f...), assigning
// vals through set! when provided as part of forms.
func letrecCall(names, vals []sexp.Value, forms []sexp.Value) sexp.Value {
	var allForms []sexp.Value
	for i := range vals {
		allForms = append(allForms, sexp.List(sexp.Intern("set!"), names[i], vals[i]))
	}
	allForms = append(allForms, forms...)
	lam := sexp.Cons(sexp.Intern("lambda"),
		sexp.Cons(sexp.List(names...), sexp.List(allForms...)))
	call := sexp.Null
	for range names {
		call = sexp.Cons(sexp.False, call)
	}
	return sexp.Cons(lam, call)
}

func (a *Analyzer) analyzeBegin(p *sexp.Pair, sc *scope) (sexp.Value, error) {
	forms, err := properList(p.Cdr, 0, -1, "begin")
	if err != nil {
		return nil, err
	}
	if len(forms) == 0 {
		return sexp.Void, nil
	}
	if len(forms) == 1 {
		return a.analyze(forms[0], sc)
	}
	seq := &sexp.Seq{}
	for _, f := range forms {
		x, err := a.analyze(f, sc)
		if err != nil {
			return nil, err
		}
		seq.Ls = append(seq.Ls, x)
	}
	return seq, nil
}

func expandAnd(args sexp.Value) sexp.Value {
	p, ok := args.(*sexp.Pair)
	if !ok {
		return sexp.True
	}
	if p.Cdr == sexp.Null {
		return p.Car
	}
	return sexp.List(sexp.Intern("if"), p.Car, expandAnd(p.Cdr), sexp.False)
}

var orTmp = sexp.Intern(" or-tmp")

func expandOr(args sexp.Value) sexp.Value {
	p, ok := args.(*sexp.Pair)
	if !ok {
		return sexp.False
	}
	if p.Cdr == sexp.Null {
		return p.Car
	}
	return sexp.List(sexp.Intern("let"),
		sexp.List(sexp.List(orTmp, p.Car)),
		sexp.List(sexp.Intern("if"), orTmp, orTmp, expandOr(p.Cdr)))
}

func bindings(form sexp.Value) (names, inits []sexp.Value, err error) {
	specs, err := properList(form, 0, -1, "bindings")
	if err != nil {
		return nil, nil, err
	}
	for _, spec := range specs {
		pair, err := properList(spec, 2, 2, "binding")
		if err != nil {
			return nil, nil, err
		}
		if _, ok := pair[0].(*sexp.Symbol); !ok {
			return nil, nil, fmt.Errorf("binding: not an identifier: %s", sexp.Write(pair[0]))
		}
		names = append(names, pair[0])
		inits = append(inits, pair[1])
	}
	return names, inits, nil
}

func properList(v sexp.Value, min, max int, what string) ([]sexp.Value, error) {
	var out []sexp.Value
	for v != sexp.Null {
		p, ok := v.(*sexp.Pair)
		if !ok {
			return nil, fmt.Errorf("%s: improper list", what)
		}
		out = append(out, p.Car)
		v = p.Cdr
	}
	if len(out) < min || (max >= 0 && len(out) > max) {
		return nil, fmt.Errorf("%s: bad arity: %d", what, len(out))
	}
	return out, nil
}
