package bytecode

import (
	"encoding/binary"

	"github.com/unixaaa/chibi-scheme/pkg/sexp"
)

// WordSize is the width of an inline operand in bytes.
const WordSize = 8

// Buffer is an append-only bytecode stream under construction. Values
// embedded as operands are interned into the literal list and encoded
// as indexes, which keeps the finalized stream free of raw pointers
// while preserving the literal-pinning invariant.
type Buffer struct {
	data     []byte
	literals []sexp.Value
	litIndex map[sexp.Value]int
}

// NewBuffer creates an empty buffer.
func NewBuffer() *Buffer {
	return &Buffer{litIndex: make(map[sexp.Value]int)}
}

// Pos returns the current write cursor.
func (b *Buffer) Pos() int { return len(b.data) }

// Emit appends a single opcode byte.
func (b *Buffer) Emit(op Op) { b.data = append(b.data, byte(op)) }

// align pads the stream with NOOPs so the next word starts on a word
// boundary.
func (b *Buffer) align() {
	for len(b.data)%WordSize != 0 {
		b.data = append(b.data, byte(OpNoop))
	}
}

// EmitWord aligns and appends one signed word operand.
func (b *Buffer) EmitWord(w int64) {
	b.align()
	var buf [WordSize]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(w))
	b.data = append(b.data, buf[:]...)
}

// Intern records v in the literal list, reusing an existing entry for
// the identical value, and returns its index.
func (b *Buffer) Intern(v sexp.Value) int {
	if i, ok := b.litIndex[v]; ok {
		return i
	}
	i := len(b.literals)
	b.literals = append(b.literals, v)
	b.litIndex[v] = i
	return i
}

// EmitLit aligns and appends the literal index for v, pinning v.
func (b *Buffer) EmitLit(v sexp.Value) {
	b.EmitWord(int64(b.Intern(v)))
}

// EmitPush emits PUSH <v>.
func (b *Buffer) EmitPush(v sexp.Value) {
	b.Emit(OpPush)
	b.EmitLit(v)
}

// MakeLabel reserves an aligned word slot for a forward branch target
// and returns its offset.
func (b *Buffer) MakeLabel() int {
	b.align()
	label := len(b.data)
	b.data = append(b.data, make([]byte, WordSize)...)
	return label
}

// PatchLabel writes the displacement from the slot at label to the
// current cursor, as a signed word relative to the slot itself.
func (b *Buffer) PatchLabel(label int) {
	binary.LittleEndian.PutUint64(b.data[label:], uint64(int64(len(b.data)-label)))
}

// Finalize seals the buffer into a bytecode object carrying the given
// debug attributes. The buffer must not be written to afterwards.
func (b *Buffer) Finalize(name string, source *sexp.Pair) *sexp.Bytecode {
	return &sexp.Bytecode{
		Name:     name,
		Source:   source,
		Data:     b.data,
		Literals: b.literals,
	}
}

// ReadWord decodes the aligned word operand at or after pos in a
// finalized stream, returning the value and the offset just past it.
func ReadWord(data []byte, pos int) (int64, int) {
	for pos%WordSize != 0 {
		pos++
	}
	return int64(binary.LittleEndian.Uint64(data[pos:])), pos + WordSize
}

// AlignPos rounds pos up to the next word boundary.
func AlignPos(pos int) int {
	for pos%WordSize != 0 {
		pos++
	}
	return pos
}
