package imapwire

import (
	"errors"
	"testing"
)

func tcheck(t *testing.T, err error, msg string) {
	t.Helper()
	if err != nil {
		t.Fatalf("%s: %s", msg, err)
	}
}

func xnotparseable(t *testing.T, err error, input string) {
	t.Helper()
	if err == nil || !errors.Is(err, ErrNotParseable) {
		t.Fatalf("got err %v, expected not parseable, for %q", err, input)
	}
}

func TestNil(t *testing.T) {
	for _, s := range []string{"NIL", "nil", " Nil", "NIL rest"} {
		_, _, err := ParseNil(NewBuffer([]byte(s)))
		tcheck(t, err, "parse nil "+s)
	}
	_, rest, err := ParseNil(NewBuffer([]byte("  NIL)")))
	tcheck(t, err, "parse nil")
	if rest.String() != ")" || rest.Offset() != 5 {
		t.Fatalf("remaining %q at %d, expected \")\" at 5", rest.String(), rest.Offset())
	}
	for _, s := range []string{"NILL", "NI", "", "\"NIL\"", "xNIL"} {
		_, _, err := ParseNil(NewBuffer([]byte(s)))
		xnotparseable(t, err, s)
	}
}

func TestNumber(t *testing.T) {
	n, rest, err := ParseNumber(NewBuffer([]byte("123 x")))
	tcheck(t, err, "parse number")
	if n != 123 || rest.String() != " x" {
		t.Fatalf("got %d, remaining %q", n, rest.String())
	}
	for _, s := range []string{"12a", "a12", "", "-1", "99999999999999999999999"} {
		_, _, err := ParseNumber(NewBuffer([]byte(s)))
		xnotparseable(t, err, s)
	}
}

func TestAtom(t *testing.T) {
	a, rest, err := ParseAtom(NewBuffer([]byte(" LOGIN user")))
	tcheck(t, err, "parse atom")
	if a != "LOGIN" || rest.String() != " user" {
		t.Fatalf("got %q, remaining %q", a, rest.String())
	}
	a, rest, err = ParseAtom(NewBuffer([]byte("BODY[TEXT]")))
	tcheck(t, err, "parse atom")
	if a != "BODY[TEXT" || rest.String() != "]" {
		t.Fatalf("got %q, remaining %q", a, rest.String())
	}
	for _, s := range []string{"", " ", "(a)", "\"a\"", "{1}", "%", "*", "\\Seen"} {
		_, _, err := ParseAtom(NewBuffer([]byte(s)))
		xnotparseable(t, err, s)
	}
}

func TestQuotedString(t *testing.T) {
	input := `"ab\"c" rest`
	s, rest, err := ParseQuotedString(NewBuffer([]byte(input)))
	tcheck(t, err, "parse quoted string")
	if string(s.Value()) != `ab"c` {
		t.Fatalf("got value %q", s.Value())
	}
	if string(s.Bytes()) != `"ab\"c"` {
		t.Fatalf("got bytes %q, expected original", s.Bytes())
	}
	if rest.String() != " rest" {
		t.Fatalf("remaining %q", rest.String())
	}

	s, _, err = ParseQuotedString(NewBuffer([]byte(`""`)))
	tcheck(t, err, "parse empty quoted string")
	if s.Value() == nil || len(s.Value()) != 0 {
		t.Fatalf("got %v, expected empty non-nil value", s.Value())
	}

	if string(NewQuotedString([]byte(`a\b"c`)).Bytes()) != `"a\\b\"c"` {
		t.Fatalf("bad quoting of new quoted string")
	}

	for _, s := range []string{`"abc`, "\"a\rb\"", "\"a\nb\"", `"a\xb"`, `abc`, ``, `"\`} {
		_, _, err := ParseQuotedString(NewBuffer([]byte(s)))
		xnotparseable(t, err, s)
	}
}

func TestLiteralString(t *testing.T) {
	buf := NewBuffer([]byte("{5}\r\n"))
	_, rest, err := ParseLiteralString(buf, nil)
	cr, ok := IsContinuationRequired(err)
	if !ok || cr.Length != 5 {
		t.Fatalf("got err %v, expected continuation required for 5 bytes", err)
	}
	if rest.String() != buf.String() {
		t.Fatalf("buffer consumed on continuation required")
	}

	l, rest, err := ParseLiteralString(buf, NewContinuations([][]byte{[]byte("hello\r\n")}))
	tcheck(t, err, "parse literal with data")
	if string(l.Value()) != "hello" || rest.String() != "\r\n" {
		t.Fatalf("got %q, remaining %q", l.Value(), rest.String())
	}
	if string(l.Bytes()) != "{5}\r\nhello" {
		t.Fatalf("got bytes %q", l.Bytes())
	}

	// CRLF after the size is optional.
	_, _, err = ParseLiteralString(NewBuffer([]byte("{0}")), NewContinuations([][]byte{{}}))
	tcheck(t, err, "parse empty literal without crlf")

	_, _, err = ParseLiteralString(buf, NewContinuations([][]byte{[]byte("hell")}))
	xnotparseable(t, err, "short literal")

	for _, s := range []string{"{5}\r\nhello", "{}\r\n", "{x}\r\n", "{5\r\n", "5}\r\n"} {
		_, _, err := ParseLiteralString(NewBuffer([]byte(s)), nil)
		xnotparseable(t, err, s)
	}
}

func TestString(t *testing.T) {
	s, _, err := ParseString(NewBuffer([]byte(`"quoted"`)), nil)
	tcheck(t, err, "parse quoted")
	if _, ok := s.(QuotedString); !ok || string(s.Value()) != "quoted" {
		t.Fatalf("got %#v, expected quoted string", s)
	}

	_, _, err = ParseString(NewBuffer([]byte("{3}\r\n")), nil)
	if cr, ok := IsContinuationRequired(err); !ok || cr.Length != 3 {
		t.Fatalf("got err %v, expected continuation required", err)
	}

	s, _, err = ParseString(NewBuffer([]byte("{3}\r\n")), NewContinuations([][]byte{[]byte("abc")}))
	tcheck(t, err, "parse literal")
	if _, ok := s.(LiteralString); !ok || string(s.Value()) != "abc" {
		t.Fatalf("got %#v, expected literal string", s)
	}

	_, _, err = ParseString(NewBuffer([]byte("atom")), nil)
	xnotparseable(t, err, "atom")
}

func TestList(t *testing.T) {
	l, rest, err := ParseList(NewBuffer([]byte("(1 2 3) x")), nil, nil)
	tcheck(t, err, "parse list")
	if len(l) != 3 || l[0] != Number(1) || l[2] != Number(3) || rest.String() != " x" {
		t.Fatalf("got %#v, remaining %q", l, rest.String())
	}

	l, _, err = ParseList(NewBuffer([]byte("(1 2)")), nil, nil)
	tcheck(t, err, "parse list")
	if string(l.Bytes()) != "(1 2)" {
		t.Fatalf("reserialized as %q", l.Bytes())
	}

	// Separator runs are collapsed, trailing spaces allowed before the close.
	l, _, err = ParseList(NewBuffer([]byte("(a   NIL \"b\"  )")), nil, nil)
	tcheck(t, err, "parse list")
	if string(l.Bytes()) != `(a NIL "b")` {
		t.Fatalf("reserialized as %q", l.Bytes())
	}

	// Digits form a single number, never separate elements.
	l, _, err = ParseList(NewBuffer([]byte("(12)")), nil, nil)
	tcheck(t, err, "parse list")
	if len(l) != 1 || l[0] != Number(12) {
		t.Fatalf("got %#v, expected single number 12", l)
	}

	l, _, err = ParseList(NewBuffer([]byte("()")), nil, nil)
	tcheck(t, err, "parse empty list")
	if len(l) != 0 || string(l.Bytes()) != "()" {
		t.Fatalf("got %#v", l)
	}

	l, _, err = ParseList(NewBuffer([]byte("(a (b nil) 3)")), nil, nil)
	tcheck(t, err, "parse nested list")
	if len(l) != 3 {
		t.Fatalf("got %#v", l)
	}
	if sub, ok := l[1].(List); !ok || len(sub) != 2 || sub[1] != (Nil{}) {
		t.Fatalf("got %#v, expected sublist with nil", l[1])
	}

	for _, s := range []string{`("one"TWO)`, `(1"a")`, `("a""b")`, `(1 2`, `1 2)`, ``, `(a ]`} {
		_, _, err := ParseList(NewBuffer([]byte(s)), nil, nil)
		xnotparseable(t, err, s)
	}
}

func TestListLiteral(t *testing.T) {
	buf := NewBuffer([]byte("(a {3}\r\n"))
	_, _, err := ParseList(buf, nil, nil)
	if cr, ok := IsContinuationRequired(err); !ok || cr.Length != 3 {
		t.Fatalf("got err %v, expected continuation required", err)
	}

	conts := NewContinuations([][]byte{[]byte("xyz b)\r\n")})
	l, rest, err := ParseList(buf, conts, nil)
	tcheck(t, err, "parse list with literal")
	if len(l) != 3 || string(l[1].(LiteralString).Value()) != "xyz" || l[2] != Atom("b") {
		t.Fatalf("got %#v", l)
	}
	if rest.String() != "\r\n" || conts.Pending() != 0 {
		t.Fatalf("remaining %q, pending %d", rest.String(), conts.Pending())
	}
}

func TestPrimitive(t *testing.T) {
	check := func(input string, exp Node) {
		t.Helper()
		n, _, err := ParsePrimitive(NewBuffer([]byte(input)), nil)
		tcheck(t, err, "parse primitive "+input)
		if string(n.Bytes()) != string(exp.Bytes()) {
			t.Fatalf("got %#v, expected %#v", n, exp)
		}
		switch n.(type) {
		case Nil, Number, Atom, QuotedString, LiteralString, List:
		default:
			t.Fatalf("unexpected node type %T", n)
		}
	}

	check("NIL", Nil{})
	check("123", Number(123))
	check("12a", Atom("12a"))
	check("NILL", Atom("NILL"))
	check(`"x y"`, NewQuotedString([]byte("x y")))
	check("(1 NIL)", List{Number(1), Nil{}})

	n, _, _ := ParsePrimitive(NewBuffer([]byte("nil")), nil)
	if _, ok := n.(Nil); !ok {
		t.Fatalf("got %#v, expected nil", n)
	}

	_, _, err := ParsePrimitive(NewBuffer([]byte(")")), nil)
	xnotparseable(t, err, ")")
}
