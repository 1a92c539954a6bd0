package imapcmd

import (
	"errors"
	"testing"
	"time"

	"github.com/mjl-/moximap/imapwire"
	"github.com/mjl-/moximap/sasl"
)

func tcheck(t *testing.T, err error, msg string) {
	t.Helper()
	if err != nil {
		t.Fatalf("%s: %s", msg, err)
	}
}

func parse(r *Registry, line string, chunks ...string) (Command, error) {
	var l [][]byte
	for _, c := range chunks {
		l = append(l, []byte(c))
	}
	return r.Parse(imapwire.NewBuffer([]byte(line)), imapwire.NewContinuations(l))
}

func xparse(t *testing.T, r *Registry, line string, chunks ...string) Command {
	t.Helper()
	cmd, err := parse(r, line, chunks...)
	tcheck(t, err, "parse "+line)
	return cmd
}

func xbad(t *testing.T, r *Registry, line, expTag, expCommand string) {
	t.Helper()
	_, err := parse(r, line)
	var bad *BadCommandError
	if !errors.As(err, &bad) {
		t.Fatalf("got err %v, expected bad command, for %q", err, line)
	}
	if bad.Tag != expTag || bad.Command != expCommand {
		t.Fatalf("got tag %q command %q, expected %q and %q", bad.Tag, bad.Command, expTag, expCommand)
	}
	if !errors.Is(err, imapwire.ErrNotParseable) {
		t.Fatalf("got err %v, expected not parseable", err)
	}
}

func TestParse(t *testing.T) {
	r := NewRegistry(sasl.DefaultCatalog())

	cmd := xparse(t, r, "a001 login mjl test1234\r\n")
	if l, ok := cmd.(Login); !ok || l.Tag() != "a001" || l.Name() != "LOGIN" || l.Class() != NonAuth || l.Userid != "mjl" || l.Password != "test1234" {
		t.Fatalf("got %#v", cmd)
	}

	cmd = xparse(t, r, `a LOGIN "m j l" "pass\"word"`+"\r\n")
	if l := cmd.(Login); l.Userid != "m j l" || l.Password != `pass"word` {
		t.Fatalf("got %#v", cmd)
	}

	xbad(t, r, "a LOGIN mjl\r\n", "a", "LOGIN")
	xbad(t, r, "a LOGIN mjl pass extra\r\n", "a", "LOGIN")
	xbad(t, r, "a NOOP extra\r\n", "a", "NOOP")
	xbad(t, r, "a STARTTLS x\r\n", "a", "STARTTLS")
	xbad(t, r, "+ NOOP\r\n", "", "")
	xbad(t, r, "a\r\n", "a", "")
	xbad(t, r, "a (NOOP)\r\n", "a", "")
	xbad(t, r, "a NOOP", "a", "NOOP")

	_, err := parse(r, "a fetch 1 BODY[]\r\n")
	var nf *CommandNotFoundError
	if !errors.As(err, &nf) || nf.Tag != "a" || nf.Keyword != "FETCH" {
		t.Fatalf("got err %v, expected command not found", err)
	}

	cmd = xparse(t, r, "a select inbox\r\n")
	if m, ok := cmd.(MailboxArg); !ok || m.Name() != "SELECT" || m.Class() != Auth || m.Mailbox != "INBOX" {
		t.Fatalf("got %#v", cmd)
	}
	cmd = xparse(t, r, "a CREATE &Jjo-\r\n")
	if m := cmd.(MailboxArg); m.Mailbox != "☺" {
		t.Fatalf("got %#v", cmd)
	}

	cmd = xparse(t, r, "a CHECK\r\n")
	if cmd.Class() != Selected {
		t.Fatalf("got class %v", cmd.Class())
	}
	cmd = xparse(t, r, "a logout\r\n")
	if _, ok := cmd.(NoArgs); !ok || cmd.Class() != Any || cmd.Name() != "LOGOUT" {
		t.Fatalf("got %#v", cmd)
	}

	cmd = xparse(t, r, `a LIST "" "Archive/*"`+"\r\n")
	if l := cmd.(List); l.Name() != "LIST" || l.Reference != "" || l.Pattern != "Archive/*" {
		t.Fatalf("got %#v", cmd)
	}
	cmd = xparse(t, r, "a LSUB Archive %\r\n")
	if l := cmd.(List); l.Name() != "LSUB" || l.Reference != "Archive" || l.Pattern != "%" {
		t.Fatalf("got %#v", cmd)
	}

	cmd = xparse(t, r, "a RENAME old new\r\n")
	if rn := cmd.(Rename); rn.From != "old" || rn.To != "new" {
		t.Fatalf("got %#v", cmd)
	}

	cmd = xparse(t, r, "a STATUS INBOX (messages UIDNEXT)\r\n")
	if st := cmd.(Status); st.Mailbox != "INBOX" || len(st.Attrs) != 2 || st.Attrs[0] != "MESSAGES" || st.Attrs[1] != "UIDNEXT" {
		t.Fatalf("got %#v", cmd)
	}
	xbad(t, r, "a STATUS INBOX (FOO)\r\n", "a", "STATUS")
	xbad(t, r, "a STATUS INBOX ()\r\n", "a", "STATUS")
}

func TestAuthenticate(t *testing.T) {
	r := NewRegistry(sasl.DefaultCatalog())

	cmd := xparse(t, r, "a authenticate plain\r\n")
	if a, ok := cmd.(Authenticate); !ok || a.Mechanism.Name != "PLAIN" || a.Initial != nil || a.Class() != NonAuth {
		t.Fatalf("got %#v", cmd)
	}
	cmd = xparse(t, r, "a AUTHENTICATE PLAIN AG1qbAB0ZXN0MTIzNA==\r\n")
	if a := cmd.(Authenticate); string(a.Initial) != "AG1qbAB0ZXN0MTIzNA==" {
		t.Fatalf("got %#v", cmd)
	}
	xbad(t, r, "a AUTHENTICATE CRAM-MD5\r\n", "a", "AUTHENTICATE")
	xbad(t, r, "a AUTHENTICATE\r\n", "a", "AUTHENTICATE")

	// Without mechanisms, no AUTHENTICATE can be parsed.
	xbad(t, NewRegistry(nil), "a AUTHENTICATE PLAIN\r\n", "a", "AUTHENTICATE")
}

func TestLiteral(t *testing.T) {
	r := NewRegistry(sasl.DefaultCatalog())

	_, err := parse(r, "a LOGIN mjl {8}\r\n")
	if cr, ok := imapwire.IsContinuationRequired(err); !ok || cr.Length != 8 {
		t.Fatalf("got err %v, expected continuation required", err)
	}
	cmd := xparse(t, r, "a LOGIN mjl {8}\r\n", "test1234\r\n")
	if l := cmd.(Login); l.Password != "test1234" {
		t.Fatalf("got %#v", cmd)
	}

	// Two literals, the second announced in the first chunk.
	_, err = parse(r, "a LOGIN {3}\r\n", "mjl {8}\r\n")
	if cr, ok := imapwire.IsContinuationRequired(err); !ok || cr.Length != 8 {
		t.Fatalf("got err %v, expected continuation required", err)
	}
	cmd = xparse(t, r, "a LOGIN {3}\r\n", "mjl {8}\r\n", "test1234\r\n")
	if l := cmd.(Login); l.Userid != "mjl" || l.Password != "test1234" {
		t.Fatalf("got %#v", cmd)
	}

	_, err = parse(r, "a LOGIN mjl {8}\r\n", "test\r\n")
	if !errors.Is(err, imapwire.ErrNotParseable) {
		t.Fatalf("got err %v, expected not parseable for short literal", err)
	}

	line := `a APPEND INBOX (\Seen $Junk) "17-Jul-1996 02:44:25 -0700" {5}` + "\r\n"
	_, err = parse(r, line)
	if cr, ok := imapwire.IsContinuationRequired(err); !ok || cr.Length != 5 {
		t.Fatalf("got err %v, expected continuation required", err)
	}
	cmd = xparse(t, r, line, "hello\r\n")
	a := cmd.(Append)
	if a.Mailbox != "INBOX" || len(a.Flags) != 2 || a.Flags[1] != "$Junk" || string(a.Message) != "hello" {
		t.Fatalf("got %#v", cmd)
	}
	if exp := time.Date(1996, 7, 17, 9, 44, 25, 0, time.UTC); !a.Received.Equal(exp) {
		t.Fatalf("got received %v, expected %v", a.Received, exp)
	}

	cmd = xparse(t, r, "a APPEND Archive {2}\r\n", "hi\r\n")
	if a := cmd.(Append); a.Mailbox != "Archive" || a.Flags != nil || !a.Received.IsZero() || string(a.Message) != "hi" {
		t.Fatalf("got %#v", cmd)
	}
	xbad(t, r, "a APPEND INBOX hello\r\n", "a", "APPEND")
}

func TestRegister(t *testing.T) {
	r := NewRegistry(nil)
	r.Register("xping", Any, func(h Header, buf imapwire.Buffer, conts *imapwire.Continuations) (Command, imapwire.Buffer, error) {
		buf, err := imapwire.ParseEndLine(buf)
		return NoArgs{h}, buf, err
	})
	cmd := xparse(t, r, "a XPING\r\n")
	if cmd.Name() != "XPING" {
		t.Fatalf("got %#v", cmd)
	}
	if c, ok := r.Class("xping"); !ok || c != Any {
		t.Fatalf("got class %v %v", c, ok)
	}

	kw := r.Keywords()
	if len(kw) != 21 || kw[0] != "APPEND" || kw[len(kw)-1] != "XPING" {
		t.Fatalf("got keywords %v", kw)
	}
}
