package imapwire

import (
	"strings"
)

func isTagChar(c byte) bool {
	switch {
	case c == 0x21, c == 0x23, c == 0x24, c == 0x26, c == 0x27:
		return true
	case c >= 0x2c && c <= 0x5b:
		return true
	case c == 0x5d:
		return true
	case c >= 0x5e && c <= 0x7a:
		return true
	case c == 0x7c, c == 0x7e:
		return true
	}
	return false
}

func isAStringChar(c byte) bool {
	return isAtomChar(c) || c == ']' || c == '+'
}

func isListChar(c byte) bool {
	return isAStringChar(c) || c == '%' || c == '*'
}

// ParseTag parses a command tag. Unlike atoms, tags cannot contain "+", which
// starts a continuation response.
func ParseTag(buf Buffer) (string, Buffer, error) {
	b := buf.skipSpaces()
	n := b.run(isTagChar)
	if n == 0 {
		return "", buf, notParseable("tag", b)
	}
	return string(b.data[:n]), b.Skip(n), nil
}

// ParseSpace parses one or more spaces.
func ParseSpace(buf Buffer) (Buffer, error) {
	n := buf.spaces()
	if n == 0 {
		return buf, notParseable("space", buf)
	}
	return buf.Skip(n), nil
}

// ParseEndLine parses the end of a command line, optionally preceded by
// spaces.
func ParseEndLine(buf Buffer) (Buffer, error) {
	b := buf.skipSpaces()
	if b.peek(0) == '\r' {
		b = b.Skip(1)
	}
	if b.peek(0) != '\n' {
		return buf, notParseable("end of line", buf.skipSpaces())
	}
	return b.Skip(1), nil
}

// ParseAString parses an atom (where "]" and "+" are allowed as well) or a
// string.
func ParseAString(buf Buffer, conts *Continuations) ([]byte, Buffer, error) {
	b := buf.skipSpaces()
	if n := b.run(isAStringChar); n > 0 {
		return b.data[:n], b.Skip(n), nil
	}
	s, rest, err := ParseString(buf, conts)
	if err != nil {
		return nil, buf, err
	}
	return s.Value(), rest, nil
}

// ParseMailbox parses a mailbox name as astring, decoding modified UTF-7.
// INBOX is case-insensitive and always returned as "INBOX".
func ParseMailbox(buf Buffer, conts *Continuations) (string, Buffer, error) {
	v, rest, err := ParseAString(buf, conts)
	if err != nil {
		return "", buf, err
	}
	return mailboxName(string(v), buf, rest)
}

// ParseListMailbox parses a mailbox pattern for LIST and LSUB, which may
// contain the wildcards "*" and "%".
func ParseListMailbox(buf Buffer, conts *Continuations) (string, Buffer, error) {
	b := buf.skipSpaces()
	if n := b.run(isListChar); n > 0 {
		return mailboxName(string(b.data[:n]), buf, b.Skip(n))
	}
	s, rest, err := ParseString(buf, conts)
	if err != nil {
		return "", buf, err
	}
	return mailboxName(string(s.Value()), buf, rest)
}

func mailboxName(s string, buf, rest Buffer) (string, Buffer, error) {
	if strings.EqualFold(s, "INBOX") {
		return "INBOX", rest, nil
	}
	name, err := DecodeMailbox(s)
	if err != nil {
		return "", buf, &NotParseableError{"mailbox name in modified utf-7: " + err.Error(), buf.skipSpaces()}
	}
	return name, rest, nil
}

// ParseFlag parses a system flag like \Seen, or a keyword atom. The flag is
// returned as Atom, including the backslash for system flags.
func ParseFlag(buf Buffer, conts *Continuations) (Node, Buffer, error) {
	b := buf.skipSpaces()
	if b.peek(0) == '\\' {
		a, rest, err := ParseAtom(b.Skip(1))
		if err != nil || !isAtomChar(b.peek(1)) {
			return nil, buf, notParseable("flag", b)
		}
		return Atom("\\" + string(a)), rest, nil
	}
	a, rest, err := ParseAtom(b)
	if err != nil {
		return nil, buf, notParseable("flag", b)
	}
	return a, rest, nil
}

// ParseFlagList parses a parenthesized list of flags.
func ParseFlagList(buf Buffer, conts *Continuations) ([]string, Buffer, error) {
	l, rest, err := ParseList(buf, conts, ParseFlag)
	if err != nil {
		return nil, buf, err
	}
	flags := make([]string, len(l))
	for i, n := range l {
		flags[i] = string(n.(Atom))
	}
	return flags, rest, nil
}

// FlagList returns a list node of flags, for responses.
func FlagList(flags []string) List {
	l := make(List, len(flags))
	for i, f := range flags {
		l[i] = Atom(f)
	}
	return l
}

// MailboxString returns the wire form of a mailbox name: modified UTF-7
// encoded, as atom if possible and as quoted string otherwise.
func MailboxString(name string) Node {
	s := EncodeMailbox(name)
	if s == "" {
		return NewQuotedString(nil)
	}
	for i := 0; i < len(s); i++ {
		if !isAStringChar(s[i]) {
			return NewQuotedString([]byte(s))
		}
	}
	return Atom(s)
}
