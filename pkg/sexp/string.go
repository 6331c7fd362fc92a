package sexp

import "unicode/utf8"

// Character-indexed access over the UTF-8 byte representation. Indexes
// count characters, not bytes, so multibyte contents behave like any
// other string.

// Length returns the number of characters.
func (s *String) Length() int { return utf8.RuneCount(s.Data) }

// byteOffset finds the byte position of character i, or -1 when i is
// out of range.
func (s *String) byteOffset(i int) int {
	if i < 0 {
		return -1
	}
	off := 0
	for ; i > 0; i-- {
		if off >= len(s.Data) {
			return -1
		}
		_, n := utf8.DecodeRune(s.Data[off:])
		off += n
	}
	if off >= len(s.Data) {
		return -1
	}
	return off
}

// Ref returns character i; ok is false when i is out of range.
func (s *String) Ref(i int) (rune, bool) {
	off := s.byteOffset(i)
	if off < 0 {
		return 0, false
	}
	c, _ := utf8.DecodeRune(s.Data[off:])
	return c, true
}

// Set replaces character i with c, splicing the bytes when the
// encoded widths differ. It reports false when i is out of range.
func (s *String) Set(i int, c rune) bool {
	off := s.byteOffset(i)
	if off < 0 {
		return false
	}
	_, oldLen := utf8.DecodeRune(s.Data[off:])
	var enc [utf8.UTFMax]byte
	newLen := utf8.EncodeRune(enc[:], c)
	if newLen == oldLen {
		copy(s.Data[off:], enc[:newLen])
		return true
	}
	out := make([]byte, 0, len(s.Data)+newLen-oldLen)
	out = append(out, s.Data[:off]...)
	out = append(out, enc[:newLen]...)
	out = append(out, s.Data[off+oldLen:]...)
	s.Data = out
	return true
}
