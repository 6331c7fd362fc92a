package bytecode

import (
	"fmt"
	"io"

	"github.com/unixaaa/chibi-scheme/pkg/sexp"
)

// Disassemble writes a human-readable listing of a finalized bytecode
// object. Literal operands are rendered through the literal list, and
// jump operands show both the displacement and the resolved offset.
//
// Example output:
//
//	;; fact ("fact.scm":3)
//	   0 LOCAL_REF 0
//	  16 PUSH 0
//	  32 EQN
//	  33 JUMP_UNLESS +26 -> 66
//	  ...
func Disassemble(w io.Writer, bc *sexp.Bytecode) {
	name := bc.Name
	if name == "" {
		name = "<anonymous>"
	}
	fmt.Fprintf(w, ";; %s", name)
	if bc.Source != nil {
		fmt.Fprintf(w, " (%s:%s)", sexp.Write(bc.Source.Car), sexp.Write(bc.Source.Cdr))
	}
	fmt.Fprintln(w)

	for pos := 0; pos < len(bc.Data); {
		op := Op(bc.Data[pos])
		at := pos
		pos++
		// Alignment padding only ever sits between an opcode and its
		// operand word, and ReadWord steps over it, so padding NOOPs
		// are never listed as instructions.
		fmt.Fprintf(w, "%4d %s", at, op)
		for i := 0; i < OperandCount(op); i++ {
			var word int64
			word, pos = ReadWord(bc.Data, pos)
			switch {
			case i == 0 && LiteralOperand(op):
				if int(word) < len(bc.Literals) {
					fmt.Fprintf(w, " %s", sexp.Write(bc.Literals[word]))
				} else {
					fmt.Fprintf(w, " lit[%d]?", word)
				}
			case op == OpJump || op == OpJumpUnless:
				slot := AlignPos(at + 1)
				fmt.Fprintf(w, " %+d -> %d", word, slot+int(word))
			default:
				fmt.Fprintf(w, " %d", word)
			}
		}
		fmt.Fprintln(w)
	}
}
