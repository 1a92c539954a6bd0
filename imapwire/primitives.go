package imapwire

import (
	"bytes"
	"errors"
	"strconv"
)

// Node is a parsed primitive: Nil, Number, Atom, QuotedString, LiteralString or
// List. Bytes returns the canonical wire encoding, which parses back to an
// equal node.
type Node interface {
	Bytes() []byte
	isNode()
}

// String is a QuotedString or LiteralString.
type String interface {
	Node
	Value() []byte
}

// Nil is the NIL atom.
type Nil struct{}

// Number is a non-negative integer.
type Number uint64

// Atom is a run of atom characters. Its content is checked while parsing, not
// when constructed in code.
type Atom string

// QuotedString is a string in double quotes. When parsed, the original quoted
// form is kept and returned by Bytes.
type QuotedString struct {
	value []byte
	raw   []byte
}

// LiteralString is a string sent with a length prefix, {n}CRLF followed by n
// bytes of arbitrary data.
type LiteralString struct {
	value []byte
}

// List is a parenthesized list of nodes.
type List []Node

func (Nil) isNode()           {}
func (Number) isNode()        {}
func (Atom) isNode()          {}
func (QuotedString) isNode()  {}
func (LiteralString) isNode() {}
func (List) isNode()          {}

// NewQuotedString returns a quoted string for v. Callers must ensure v does not
// contain CR or LF.
func NewQuotedString(v []byte) QuotedString {
	return QuotedString{value: v}
}

// NewLiteralString returns a literal string for v.
func NewLiteralString(v []byte) LiteralString {
	return LiteralString{value: v}
}

func (Nil) Bytes() []byte {
	return []byte("NIL")
}

func (n Number) Bytes() []byte {
	return strconv.AppendUint(nil, uint64(n), 10)
}

func (a Atom) Bytes() []byte {
	return []byte(a)
}

func (s QuotedString) Value() []byte {
	return s.value
}

func (s QuotedString) Bytes() []byte {
	if s.raw != nil {
		return s.raw
	}
	r := make([]byte, 0, len(s.value)+2)
	r = append(r, '"')
	for _, c := range s.value {
		if c == '"' || c == '\\' {
			r = append(r, '\\')
		}
		r = append(r, c)
	}
	return append(r, '"')
}

func (s LiteralString) Value() []byte {
	return s.value
}

func (s LiteralString) Bytes() []byte {
	r := []byte{'{'}
	r = strconv.AppendInt(r, int64(len(s.value)), 10)
	r = append(r, "}\r\n"...)
	return append(r, s.value...)
}

func (l List) Bytes() []byte {
	r := []byte{'('}
	for i, n := range l {
		if i > 0 {
			r = append(r, ' ')
		}
		r = append(r, n.Bytes()...)
	}
	return append(r, ')')
}

// Production is a parse function for list elements.
type Production func(buf Buffer, conts *Continuations) (Node, Buffer, error)

// isAtomChar returns whether c is allowed in an atom. Excluded are control
// characters, space, the list, literal and wildcard characters, quotes,
// backslash and ]. Some characters outside the RFC 3501 ATOM-CHAR set are
// excluded as well, matching what clients send in practice.
func isAtomChar(c byte) bool {
	switch {
	case c == 0x21, c == 0x23, c == 0x24, c == 0x26, c == 0x27:
		return true
	case c >= 0x2b && c <= 0x5b:
		return true
	case c >= 0x5e && c <= 0x7a:
		return true
	case c == 0x7c, c == 0x7e:
		return true
	}
	return false
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}

// atomRun skips spaces and returns the run of atom characters and the buffer
// after it.
func atomRun(buf Buffer) ([]byte, Buffer) {
	buf = buf.skipSpaces()
	n := buf.run(isAtomChar)
	return buf.data[:n], buf.Skip(n)
}

// ParseNil parses NIL, case-insensitive, as a whole atom.
func ParseNil(buf Buffer) (Nil, Buffer, error) {
	atom, rest := atomRun(buf)
	if len(atom) == 0 || !bytes.EqualFold(atom, []byte("NIL")) {
		return Nil{}, buf, notParseable("NIL", buf.skipSpaces())
	}
	return Nil{}, rest, nil
}

// ParseNumber parses a run of atom characters that consists of digits only. A
// non-digit in the run fails the whole token.
func ParseNumber(buf Buffer) (Number, Buffer, error) {
	atom, rest := atomRun(buf)
	if len(atom) == 0 {
		return 0, buf, notParseable("number", buf.skipSpaces())
	}
	for _, c := range atom {
		if !isDigit(c) {
			return 0, buf, notParseable("number", buf.skipSpaces())
		}
	}
	v, err := strconv.ParseUint(string(atom), 10, 64)
	if err != nil {
		return 0, buf, notParseable("number", buf.skipSpaces())
	}
	return Number(v), rest, nil
}

// ParseAtom parses the longest run of atom characters, of at least one
// character.
func ParseAtom(buf Buffer) (Atom, Buffer, error) {
	atom, rest := atomRun(buf)
	if len(atom) == 0 {
		return "", buf, notParseable("atom", buf.skipSpaces())
	}
	return Atom(atom), rest, nil
}

// ParseQuotedString parses a double-quoted string. Only \\ and \" escapes are
// allowed, and the string cannot contain CR or LF.
func ParseQuotedString(buf Buffer) (QuotedString, Buffer, error) {
	start := buf.skipSpaces()
	if start.peek(0) != '"' {
		return QuotedString{}, buf, notParseable("quoted string", start)
	}
	var value []byte
	d := start.data
	for i := 1; i < len(d); i++ {
		switch c := d[i]; c {
		case '\r', '\n':
			return QuotedString{}, buf, notParseable("quoted string without CR/LF", start.Skip(i))
		case '\\':
			if i+1 >= len(d) || (d[i+1] != '\\' && d[i+1] != '"') {
				return QuotedString{}, buf, notParseable(`quoted string with \\ or \" escape`, start.Skip(i))
			}
			i++
			value = append(value, d[i])
		case '"':
			if value == nil {
				value = []byte{}
			}
			return QuotedString{value: value, raw: d[:i+1]}, start.Skip(i + 1), nil
		default:
			value = append(value, c)
		}
	}
	return QuotedString{}, buf, notParseable("quoted string end", start.Skip(len(d)))
}

// ParseLiteralString parses a literal string header {n}, optionally followed by
// CRLF, which must be at the end of buf. The literal data is taken from the
// next chunk in the continuation queue. If the queue is empty, a
// *ContinuationRequired is returned. A chunk shorter than n is a syntax error.
// The returned buffer is the remainder of the chunk.
func ParseLiteralString(buf Buffer, conts *Continuations) (LiteralString, Buffer, error) {
	start := buf.skipSpaces()
	if start.peek(0) != '{' {
		return LiteralString{}, buf, notParseable("literal", start)
	}
	n := start.Skip(1).run(isDigit)
	if n == 0 || start.peek(1+n) != '}' {
		return LiteralString{}, buf, notParseable("literal size", start)
	}
	size, err := strconv.ParseInt(string(start.data[1:1+n]), 10, 64)
	if err != nil {
		return LiteralString{}, buf, notParseable("literal size", start)
	}
	end := start.Skip(1 + n + 1)
	if end.peek(0) == '\r' {
		end = end.Skip(1)
	}
	if end.peek(0) == '\n' {
		end = end.Skip(1)
	}
	if !end.Empty() {
		return LiteralString{}, buf, notParseable("literal at end of line", end)
	}

	chunk, ok := conts.next()
	if !ok {
		return LiteralString{}, buf, &ContinuationRequired{Length: size}
	}
	if int64(len(chunk)) < size {
		return LiteralString{}, buf, notParseable("literal data", NewBuffer(chunk))
	}
	return LiteralString{value: chunk[:size]}, NewBuffer(chunk).Skip(int(size)), nil
}

// ParseString parses a quoted string, or else a literal string.
func ParseString(buf Buffer, conts *Continuations) (String, Buffer, error) {
	if s, rest, err := ParseQuotedString(buf); err == nil {
		return s, rest, nil
	}
	s, rest, err := ParseLiteralString(buf, conts)
	if err == nil {
		return s, rest, nil
	} else if _, ok := IsContinuationRequired(err); ok {
		return nil, buf, err
	}
	return nil, buf, notParseable("string", buf.skipSpaces())
}

// ParseList parses a parenthesized list with elements parsed by elem, or by
// ParsePrimitive if elem is nil. Elements must be separated by at least one
// space. Spaces before the closing parenthesis are allowed.
func ParseList(buf Buffer, conts *Continuations, elem Production) (List, Buffer, error) {
	if elem == nil {
		elem = ParsePrimitive
	}
	start := buf.skipSpaces()
	if start.peek(0) != '(' {
		return nil, buf, notParseable("list", start)
	}
	b := start.Skip(1)
	l := List{}
	for {
		n := b.spaces()
		if b.peek(n) == ')' {
			return l, b.Skip(n + 1), nil
		}
		if len(l) > 0 && n == 0 {
			return nil, buf, notParseable("space between list elements", b)
		}
		node, rest, err := elem(b, conts)
		if err != nil {
			return nil, buf, err
		}
		l = append(l, node)
		b = rest
	}
}

// ParsePrimitive parses any primitive: NIL, a number, an atom, a string or a
// list of primitives.
func ParsePrimitive(buf Buffer, conts *Continuations) (Node, Buffer, error) {
	if v, rest, err := ParseNil(buf); err == nil {
		return v, rest, nil
	}
	if v, rest, err := ParseNumber(buf); err == nil {
		return v, rest, nil
	}
	if v, rest, err := ParseAtom(buf); err == nil {
		return v, rest, nil
	}
	s, rest, err := ParseString(buf, conts)
	if err == nil {
		return s, rest, nil
	} else if !errors.Is(err, ErrNotParseable) {
		return nil, buf, err
	}
	l, rest, err := ParseList(buf, conts, nil)
	if err == nil {
		return l, rest, nil
	} else if !errors.Is(err, ErrNotParseable) {
		return nil, buf, err
	}
	return nil, buf, notParseable("primitive", buf.skipSpaces())
}
