package sexp

import (
	"bufio"
	"errors"
	"io"
)

// ErrWouldBlock is returned by a port whose underlying stream has no
// data yet. The VM reacts by parking the thread on the scheduler's
// blocker callback and retrying the instruction.
var ErrWouldBlock = errors.New("port would block")

// Port wraps a host stream. A port is an input port when In is set and
// an output port when Out is set. Character I/O is UTF-8 aware.
type Port struct {
	Name     string
	In       *bufio.Reader
	Out      io.Writer
	pushback []rune
}

// NewInputPort wraps a reader.
func NewInputPort(name string, r io.Reader) *Port {
	return &Port{Name: name, In: bufio.NewReader(r)}
}

// NewOutputPort wraps a writer.
func NewOutputPort(name string, w io.Writer) *Port {
	return &Port{Name: name, Out: w}
}

// InputPortp reports an input port.
func InputPortp(v Value) bool {
	p, ok := v.(*Port)
	return ok && p.In != nil
}

// OutputPortp reports an output port.
func OutputPortp(v Value) bool {
	p, ok := v.(*Port)
	return ok && p.Out != nil
}

// ReadChar reads one character, honoring pushback. io.EOF signals end
// of stream; ErrWouldBlock signals a stream with nothing buffered yet.
func (p *Port) ReadChar() (rune, error) {
	if n := len(p.pushback); n > 0 {
		c := p.pushback[n-1]
		p.pushback = p.pushback[:n-1]
		return c, nil
	}
	c, _, err := p.In.ReadRune()
	if err != nil {
		return 0, err
	}
	return c, nil
}

// PushChar makes c the next character ReadChar returns.
func (p *Port) PushChar(c rune) { p.pushback = append(p.pushback, c) }

// WriteChar writes one character in UTF-8.
func (p *Port) WriteChar(c rune) error {
	var buf [4]byte
	b := buf[:encodeRune(buf[:], c)]
	_, err := p.Out.Write(b)
	return err
}

// WriteString writes a raw string.
func (p *Port) WriteString(s string) error {
	_, err := io.WriteString(p.Out, s)
	return err
}

// Newline writes the line terminator.
func (p *Port) Newline() error { return p.WriteChar('\n') }

func encodeRune(buf []byte, c rune) int {
	if c < 0x80 {
		buf[0] = byte(c)
		return 1
	}
	return copy(buf, string(c))
}
