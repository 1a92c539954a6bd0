package imapwire

import (
	"testing"
)

func TestTag(t *testing.T) {
	tag, rest, err := ParseTag(NewBuffer([]byte("a[001] NOOP")))
	tcheck(t, err, "parse tag")
	if tag != "a[001]" || rest.String() != " NOOP" {
		t.Fatalf("got %q, remaining %q", tag, rest.String())
	}
	for _, s := range []string{"", "+x", " ", "(a", "\"a\"", "{1}"} {
		_, _, err := ParseTag(NewBuffer([]byte(s)))
		xnotparseable(t, err, s)
	}
}

func TestSpaceEndLine(t *testing.T) {
	rest, err := ParseSpace(NewBuffer([]byte("  x")))
	tcheck(t, err, "parse space")
	if rest.String() != "x" {
		t.Fatalf("remaining %q", rest.String())
	}
	_, err = ParseSpace(NewBuffer([]byte("x")))
	xnotparseable(t, err, "x")

	for _, s := range []string{"\r\n", "\n", "  \r\n"} {
		rest, err := ParseEndLine(NewBuffer([]byte(s)))
		tcheck(t, err, "parse end of line")
		if !rest.Empty() {
			t.Fatalf("remaining %q", rest.String())
		}
	}
	for _, s := range []string{"", "x\r\n", "\r", " x"} {
		_, err := ParseEndLine(NewBuffer([]byte(s)))
		xnotparseable(t, err, s)
	}
}

func TestAString(t *testing.T) {
	check := func(input string, conts *Continuations, exp, exprest string) {
		t.Helper()
		v, rest, err := ParseAString(NewBuffer([]byte(input)), conts)
		tcheck(t, err, "parse astring")
		if string(v) != exp || rest.String() != exprest {
			t.Fatalf("got %q, remaining %q, expected %q and %q", v, rest.String(), exp, exprest)
		}
	}
	check("user pass", nil, "user", " pass")
	check("a]b+c\r\n", nil, "a]b+c", "\r\n")
	check(`"with space" x`, nil, "with space", " x")
	check("{4}\r\n", NewContinuations([][]byte{[]byte("p ss\r\n")}), "p ss", "\r\n")

	_, _, err := ParseAString(NewBuffer([]byte("(x)")), nil)
	xnotparseable(t, err, "(x)")
}

func TestMailbox(t *testing.T) {
	check := func(input, exp string) {
		t.Helper()
		name, _, err := ParseMailbox(NewBuffer([]byte(input)), nil)
		tcheck(t, err, "parse mailbox")
		if name != exp {
			t.Fatalf("got %q, expected %q", name, exp)
		}
	}
	check("inbox", "INBOX")
	check(`"InBoX"`, "INBOX")
	check("Archive", "Archive")
	check("&Jjo-", "☺")
	check(`"Sent Items"`, "Sent Items")

	_, _, err := ParseMailbox(NewBuffer([]byte("&Jjo")), nil)
	xnotparseable(t, err, "&Jjo")

	p, _, err := ParseListMailbox(NewBuffer([]byte("Archive/% x")), nil)
	tcheck(t, err, "parse list mailbox")
	if p != "Archive/%" {
		t.Fatalf("got %q", p)
	}
	p, _, err = ParseListMailbox(NewBuffer([]byte(`""`)), nil)
	tcheck(t, err, "parse empty list mailbox")
	if p != "" {
		t.Fatalf("got %q", p)
	}

	if n := MailboxString("INBOX"); n != Atom("INBOX") {
		t.Fatalf("got %#v", n)
	}
	if n := MailboxString("☺"); n != Atom("&Jjo-") {
		t.Fatalf("got %#v", n)
	}
	if b := MailboxString("Sent Items").Bytes(); string(b) != `"Sent Items"` {
		t.Fatalf("got %q", b)
	}
	if b := MailboxString("").Bytes(); string(b) != `""` {
		t.Fatalf("got %q", b)
	}
}

func TestFlagList(t *testing.T) {
	flags, rest, err := ParseFlagList(NewBuffer([]byte(`(\Seen $Junk \Answered) x`)), nil)
	tcheck(t, err, "parse flag list")
	if len(flags) != 3 || flags[0] != `\Seen` || flags[1] != "$Junk" || flags[2] != `\Answered` || rest.String() != " x" {
		t.Fatalf("got %v, remaining %q", flags, rest.String())
	}
	if b := FlagList(flags).Bytes(); string(b) != `(\Seen $Junk \Answered)` {
		t.Fatalf("reserialized as %q", b)
	}

	for _, s := range []string{`(\Seen"x")`, `("a")`, `(\ )`, `(NIL 1`} {
		_, _, err := ParseFlagList(NewBuffer([]byte(s)), nil)
		xnotparseable(t, err, s)
	}
}
