// Package imapwire parses and serializes the IMAP wire syntax: atoms,
// numbers, NIL, quoted and literal strings, parenthesized lists, and the
// specials built from them such as tags, mailbox names and flags.
//
// All parse functions take a Buffer and return the parsed value and the
// remaining Buffer, or an error. A failed match returns an error matching
// ErrNotParseable, and the caller may try another production. A literal
// string whose data has not been received yet returns a
// *ContinuationRequired instead, which is not a syntax error: the caller must
// fetch the requested number of bytes, add them to a Continuations queue and
// parse again.
package imapwire

// Buffer is a read-only view on the bytes that remain to be parsed. Parse
// steps never modify the underlying bytes, they only return a new view
// starting after the consumed prefix.
type Buffer struct {
	data []byte
	off  int // Offset of data within the original input, for error messages.
}

// NewBuffer returns a buffer over buf. The caller must not modify buf while the
// buffer or nodes parsed from it are in use.
func NewBuffer(buf []byte) Buffer {
	return Buffer{data: buf}
}

// Bytes returns the remaining bytes.
func (b Buffer) Bytes() []byte {
	return b.data
}

// String returns the remaining bytes as string.
func (b Buffer) String() string {
	return string(b.data)
}

// Len returns the number of remaining bytes.
func (b Buffer) Len() int {
	return len(b.data)
}

// Empty returns whether no bytes remain.
func (b Buffer) Empty() bool {
	return len(b.data) == 0
}

// Offset returns the position of the buffer in the original input.
func (b Buffer) Offset() int {
	return b.off
}

// Skip returns the buffer with the first n bytes consumed.
func (b Buffer) Skip(n int) Buffer {
	if n > len(b.data) {
		n = len(b.data)
	}
	return Buffer{b.data[n:], b.off + n}
}

// peek returns the byte at i, or 0 if past the end.
func (b Buffer) peek(i int) byte {
	if i < len(b.data) {
		return b.data[i]
	}
	return 0
}

// spaces returns the number of leading space characters.
func (b Buffer) spaces() int {
	n := 0
	for n < len(b.data) && b.data[n] == ' ' {
		n++
	}
	return n
}

// skipSpaces returns the buffer without leading spaces.
func (b Buffer) skipSpaces() Buffer {
	return b.Skip(b.spaces())
}

// run returns the length of the run of bytes at the start of b for which fn
// returns true.
func (b Buffer) run(fn func(c byte) bool) int {
	n := 0
	for n < len(b.data) && fn(b.data[n]) {
		n++
	}
	return n
}

// Continuations is the queue of data chunks received after continuation
// requests for literals, in order. Each literal in a command consumes the next
// chunk. A chunk starts with the literal data and continues with the rest of
// the command line.
//
// A nil *Continuations is an empty queue.
type Continuations struct {
	chunks [][]byte
}

// NewContinuations returns a queue over chunks. Parsing consumes from the
// queue, so a new queue must be made for each parse attempt.
func NewContinuations(chunks [][]byte) *Continuations {
	return &Continuations{chunks: chunks}
}

// Pending returns the number of chunks not yet consumed.
func (c *Continuations) Pending() int {
	if c == nil {
		return 0
	}
	return len(c.chunks)
}

func (c *Continuations) next() ([]byte, bool) {
	if c == nil || len(c.chunks) == 0 {
		return nil, false
	}
	buf := c.chunks[0]
	c.chunks = c.chunks[1:]
	return buf, true
}
