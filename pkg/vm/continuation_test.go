package vm

import (
	"testing"

	"github.com/unixaaa/chibi-scheme/pkg/sexp"
)

func TestCallCCEscapes(t *testing.T) {
	got := run(t, "(call/cc (lambda (k) (+ 1 (k 42))))")
	if got != sexp.Fixnum(42) {
		t.Fatalf("expected 42, got %v", sexp.Write(got))
	}
}

func TestCallCCNormalReturn(t *testing.T) {
	// The receiver may ignore the continuation and return normally.
	got := run(t, "(call/cc (lambda (k) 7))")
	if got != sexp.Fixnum(7) {
		t.Fatalf("expected 7, got %v", sexp.Write(got))
	}
}

func TestCallCCUsedInExpression(t *testing.T) {
	got := run(t, "(+ 10 (call/cc (lambda (k) (k 5) 99)))")
	if got != sexp.Fixnum(15) {
		t.Fatalf("expected 15, got %v", sexp.Write(got))
	}
}

func TestContinuationInvokedTwice(t *testing.T) {
	// Stash the continuation in a global, resume it later from the
	// host, and observe the same downstream computation both times.
	ctx := NewContext()
	eval(t, ctx, "(define saved #f)")
	got := eval(t, ctx, "(+ 1 (call/cc (lambda (k) (set! saved k) 10)))")
	if got != sexp.Fixnum(11) {
		t.Fatalf("first pass: expected 11, got %v", sexp.Write(got))
	}
	cell, _ := ctx.Globals.Env.Lookup(sexp.Intern("saved"))
	k, ok := cell.Cdr.(*sexp.Procedure)
	if !ok {
		t.Fatalf("continuation not captured: %v", sexp.Write(cell.Cdr))
	}
	if got := Apply(ctx, k, sexp.List(sexp.Fixnum(100))); got != sexp.Fixnum(101) {
		t.Fatalf("first resume: expected 101, got %v", sexp.Write(got))
	}
	if got := Apply(ctx, k, sexp.List(sexp.Fixnum(200))); got != sexp.Fixnum(201) {
		t.Fatalf("second resume: expected 201, got %v", sexp.Write(got))
	}
}

func TestCallCCLoopCounter(t *testing.T) {
	// A generator-style loop re-entering the same continuation.
	src := `
(define count 0)
(define redo (call/cc (lambda (k) k)))
(set! count (+ count 1))
(if (< count 5) (redo redo) count)`
	if got := run(t, src); got != sexp.Fixnum(5) {
		t.Fatalf("expected 5, got %v", sexp.Write(got))
	}
}
