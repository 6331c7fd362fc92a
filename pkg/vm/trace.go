package vm

import (
	"fmt"
	"io"
	"strings"

	"github.com/unixaaa/chibi-scheme/pkg/sexp"
)

// StackTrace walks the frame-pointer chain recorded in the context and
// writes one line per activation whose frame records a calling
// procedure:
//
//	  called from <name> on line <line> of file <file>
//
// Procedures without a name print as <anonymous>. The line and file
// parts appear only when the procedure's bytecode carries source
// information; a frame without it still gets a line naming the
// procedure. The walk starts at
// the last frame pointer the VM recorded (updated on every raise and
// scheduler save), so it is valid both during handler execution and
// after an unhandled exception.
func StackTrace(ctx *Context, w io.Writer) {
	stack := ctx.Stack
	for i := ctx.LastFP; i > 4; {
		next, ok := stack[i+3].(sexp.Fixnum)
		if !ok {
			return
		}
		if proc, isProc := stack[i+2].(*sexp.Procedure); isProc {
			writeFrame(w, proc)
		}
		i = int(next)
	}
}

func writeFrame(w io.Writer, proc *sexp.Procedure) {
	fmt.Fprint(w, "  called from ")
	if proc.Code.Name != "" {
		fmt.Fprint(w, proc.Code.Name)
	} else {
		fmt.Fprint(w, "<anonymous>")
	}
	if src := proc.Code.Source; src != nil {
		if line, ok := src.Cdr.(sexp.Fixnum); ok && line >= 0 {
			fmt.Fprintf(w, " on line %d", int(line))
		}
		if file, ok := src.Car.(*sexp.String); ok {
			fmt.Fprintf(w, " of file %s", string(file.Data))
		}
	}
	fmt.Fprintln(w)
}

// TraceString renders the stack trace to a string, for embedding in
// exception values and host error messages.
func TraceString(ctx *Context) string {
	var b strings.Builder
	StackTrace(ctx, &b)
	return b.String()
}
