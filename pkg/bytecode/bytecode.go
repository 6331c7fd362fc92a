// Package bytecode defines the instruction set and the emit buffer for
// the compiler, plus a disassembler for the finalized form.
//
// The instruction stream is a byte array: a one-byte opcode followed by
// zero, one or two machine-word operands, each padded to word alignment
// from the start of the buffer. Jump operands are signed displacements
// relative to their own slot, so finalized bytecode is position
// independent. Operands that denote heap values hold an index into the
// bytecode object's literal list; the literal list is what keeps those
// values alive, so every embedded literal appears in it by
// construction.
package bytecode

// Op is a bytecode instruction opcode.
type Op byte

// The instruction set. Stack-effect comments read top-first.
const (
	// OpNoop has no effect.
	OpNoop Op = iota

	// OpRaise delivers the exception on top of the stack to the
	// installed error handler, or terminates the VM with it.
	OpRaise

	// OpResumeCC reinstates a captured stack image. The continuation
	// procedures built by OpCallCC share one bytecode object holding
	// this single instruction.
	OpResumeCC

	// OpCallCC captures the stack into a continuation procedure and
	// applies the receiver on top of the stack to it.
	OpCallCC

	// OpApply1 pops a procedure and an argument list, splays the list
	// and enters the procedure.
	OpApply1

	// OpTailCall <n> replaces the current activation with a call of
	// the procedure on top of the stack to the n arguments below it.
	OpTailCall

	// OpCall <n> pushes a frame and enters the procedure on top of
	// the stack with the n arguments below it, first argument
	// topmost.
	OpCall

	// OpFCall0..OpFCall4 <op-lit> invoke a foreign function with the
	// given number of stack arguments.
	OpFCall0
	OpFCall1
	OpFCall2
	OpFCall3
	OpFCall4

	// OpFCallN <op-lit> <n> invokes a foreign function with the n
	// stack arguments given by its second operand word.
	OpFCallN

	// OpJumpUnless <disp> pops the top value and branches when it is
	// #f. The displacement is signed, relative to its own slot.
	OpJumpUnless

	// OpJump <disp> branches unconditionally.
	OpJump

	// OpPush <lit> pushes a literal.
	OpPush

	// OpDrop discards the top value.
	OpDrop

	// OpGlobalRef <cell-lit> pushes the value of a top-level binding,
	// raising undefined-variable when the cell is still unbound.
	OpGlobalRef

	// OpGlobalKnownRef <cell-lit> pushes the value of a binding the
	// analyzer has proven bound, skipping the check.
	OpGlobalKnownRef

	// OpParameterRef <op-lit> pushes the current thread's binding
	// cell for a dynamic parameter, or the parameter's default cell.
	OpParameterRef

	// OpStackRef <k> duplicates the value k slots below the top.
	OpStackRef

	// OpLocalRef <k> pushes the frame-relative slot k.
	OpLocalRef

	// OpLocalSet <k> stores the top value into frame slot k and
	// leaves void behind.
	OpLocalSet

	// OpClosureRef <k> pushes element k of the closure vector.
	OpClosureRef

	// Aggregate accessors, all bounds- and type-checked.
	OpVectorRef
	OpVectorSet
	OpVectorLength
	OpBytesRef
	OpStringRef
	OpBytesSet
	OpStringSet
	OpBytesLength
	OpStringLength

	// OpMakeProcedure pops flags, arity, bytecode and closure vector
	// and pushes a procedure.
	OpMakeProcedure

	// OpMakeVector pops a length and a fill and pushes a vector.
	OpMakeVector

	// OpMakeException pops kind, message, irritants, source and trace
	// and pushes an exception value.
	OpMakeException

	// Predicates and identity.
	OpAnd
	OpEq
	OpEofP
	OpNullP
	OpFixnumP
	OpSymbolP
	OpCharP
	OpIsA
	OpTypeP

	// OpMake <type> <size> allocates a tagged record.
	OpMake

	// OpSlotRef <type> <slot> and OpSlotSet <type> <slot> access a
	// record slot after a class-precedence check against the declared
	// type.
	OpSlotRef
	OpSlotSet

	// OpSlotNRef and OpSlotNSet take the type and slot index from the
	// stack instead of inline words.
	OpSlotNRef
	OpSlotNSet

	// Pairs.
	OpCar
	OpCdr
	OpSetCar
	OpSetCdr
	OpCons

	// Arithmetic on the top two values, with fixnum/flonum/bignum
	// promotion.
	OpAdd
	OpSub
	OpMul
	OpDiv
	OpQuotient
	OpRemainder
	OpLt
	OpLe
	OpEqN
	OpFix2Flo
	OpFlo2Fix

	// Characters.
	OpChar2Int
	OpInt2Char
	OpCharUpcase
	OpCharDowncase

	// Ports.
	OpWriteChar
	OpNewline
	OpReadChar
	OpPeekChar

	// OpYield exhausts the fuel counter and pushes void.
	OpYield

	// OpRet returns the top value to the caller's frame.
	OpRet

	// OpDone terminates the VM, returning the top value to the host.
	OpDone

	// NumOpcodes is the count of defined opcodes.
	NumOpcodes = iota
)

var opNames = [...]string{
	OpNoop:           "NOOP",
	OpRaise:          "RAISE",
	OpResumeCC:       "RESUMECC",
	OpCallCC:         "CALLCC",
	OpApply1:         "APPLY1",
	OpTailCall:       "TAIL_CALL",
	OpCall:           "CALL",
	OpFCall0:         "FCALL0",
	OpFCall1:         "FCALL1",
	OpFCall2:         "FCALL2",
	OpFCall3:         "FCALL3",
	OpFCall4:         "FCALL4",
	OpFCallN:         "FCALLN",
	OpJumpUnless:     "JUMP_UNLESS",
	OpJump:           "JUMP",
	OpPush:           "PUSH",
	OpDrop:           "DROP",
	OpGlobalRef:      "GLOBAL_REF",
	OpGlobalKnownRef: "GLOBAL_KNOWN_REF",
	OpParameterRef:   "PARAMETER_REF",
	OpStackRef:       "STACK_REF",
	OpLocalRef:       "LOCAL_REF",
	OpLocalSet:       "LOCAL_SET",
	OpClosureRef:     "CLOSURE_REF",
	OpVectorRef:      "VECTOR_REF",
	OpVectorSet:      "VECTOR_SET",
	OpVectorLength:   "VECTOR_LENGTH",
	OpBytesRef:       "BYTES_REF",
	OpStringRef:      "STRING_REF",
	OpBytesSet:       "BYTES_SET",
	OpStringSet:      "STRING_SET",
	OpBytesLength:    "BYTES_LENGTH",
	OpStringLength:   "STRING_LENGTH",
	OpMakeProcedure:  "MAKE_PROCEDURE",
	OpMakeVector:     "MAKE_VECTOR",
	OpMakeException:  "MAKE_EXCEPTION",
	OpAnd:            "AND",
	OpEq:             "EQ",
	OpEofP:           "EOFP",
	OpNullP:          "NULLP",
	OpFixnumP:        "FIXNUMP",
	OpSymbolP:        "SYMBOLP",
	OpCharP:          "CHARP",
	OpIsA:            "ISA",
	OpTypeP:          "TYPEP",
	OpMake:           "MAKE",
	OpSlotRef:        "SLOT_REF",
	OpSlotSet:        "SLOT_SET",
	OpSlotNRef:       "SLOTN_REF",
	OpSlotNSet:       "SLOTN_SET",
	OpCar:            "CAR",
	OpCdr:            "CDR",
	OpSetCar:         "SET_CAR",
	OpSetCdr:         "SET_CDR",
	OpCons:           "CONS",
	OpAdd:            "ADD",
	OpSub:            "SUB",
	OpMul:            "MUL",
	OpDiv:            "DIV",
	OpQuotient:       "QUOTIENT",
	OpRemainder:      "REMAINDER",
	OpLt:             "LT",
	OpLe:             "LE",
	OpEqN:            "EQN",
	OpFix2Flo:        "FIX2FLO",
	OpFlo2Fix:        "FLO2FIX",
	OpChar2Int:       "CHAR2INT",
	OpInt2Char:       "INT2CHAR",
	OpCharUpcase:     "CHAR_UPCASE",
	OpCharDowncase:   "CHAR_DOWNCASE",
	OpWriteChar:      "WRITE_CHAR",
	OpNewline:        "NEWLINE",
	OpReadChar:       "READ_CHAR",
	OpPeekChar:       "PEEK_CHAR",
	OpYield:          "YIELD",
	OpRet:            "RET",
	OpDone:           "DONE",
}

// String returns the mnemonic for an opcode.
func (op Op) String() string {
	if int(op) < len(opNames) && opNames[op] != "" {
		return opNames[op]
	}
	return "UNKNOWN"
}

// OperandCount maps each opcode to the number of inline words that
// follow it.
func OperandCount(op Op) int {
	switch op {
	case OpTailCall, OpCall, OpFCall0, OpFCall1, OpFCall2, OpFCall3,
		OpFCall4, OpJumpUnless, OpJump, OpPush, OpGlobalRef,
		OpGlobalKnownRef, OpParameterRef, OpStackRef, OpLocalRef,
		OpLocalSet, OpClosureRef, OpTypeP:
		return 1
	case OpMake, OpSlotRef, OpSlotSet, OpFCallN:
		return 2
	}
	return 0
}

// LiteralOperand reports whether the opcode's first operand is an
// index into the literal list.
func LiteralOperand(op Op) bool {
	switch op {
	case OpPush, OpGlobalRef, OpGlobalKnownRef, OpParameterRef,
		OpFCall0, OpFCall1, OpFCall2, OpFCall3, OpFCall4, OpFCallN:
		return true
	}
	return false
}
