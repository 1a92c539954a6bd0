// Package imapcmd parses IMAP command lines into typed commands.
//
// Commands are looked up by keyword in a Registry, and each command type
// parses its own arguments with the productions of package imapwire, through
// the end of the line. Each command has a static class that says in which
// connection states it is allowed.
package imapcmd

import (
	"fmt"
	"strings"
	"time"

	"github.com/mjl-/moximap/imapwire"
	"github.com/mjl-/moximap/sasl"
)

// Class is the required connection state for a command.
type Class int

const (
	Any      Class = iota // Allowed in all states.
	NonAuth               // Only before authentication.
	Auth                  // Only after authentication.
	Selected              // Only with a selected mailbox.
)

func (c Class) String() string {
	switch c {
	case Any:
		return "any"
	case NonAuth:
		return "nonauth"
	case Auth:
		return "auth"
	case Selected:
		return "selected"
	}
	return fmt.Sprintf("class(%d)", int(c))
}

// Command is a parsed command.
type Command interface {
	Tag() string
	Name() string // Upper case keyword, e.g. "LOGIN".
	Class() Class
}

// Header holds the tag, keyword and class of a command, and is embedded in all
// command types.
type Header struct {
	tag   string
	name  string
	class Class
}

func (h Header) Tag() string  { return h.tag }
func (h Header) Name() string { return h.name }
func (h Header) Class() Class { return h.class }

// NoArgs is a command without arguments, e.g. NOOP or CHECK.
type NoArgs struct {
	Header
}

// Login is the LOGIN command.
type Login struct {
	Header
	Userid   string
	Password string
}

// Authenticate is the AUTHENTICATE command with its SASL mechanism, resolved
// from the catalog.
type Authenticate struct {
	Header
	Mechanism sasl.Mechanism

	// Initial response as sent by the client (SASL-IR), still base64-encoded. Nil
	// if absent. A single "=" stands for an empty response.
	Initial []byte
}

// MailboxArg is a command with a single mailbox argument: SELECT, EXAMINE,
// CREATE, DELETE, SUBSCRIBE and UNSUBSCRIBE.
type MailboxArg struct {
	Header
	Mailbox string
}

// Rename is the RENAME command.
type Rename struct {
	Header
	From string
	To   string
}

// List is the LIST or LSUB command.
type List struct {
	Header
	Reference string
	Pattern   string
}

// Status is the STATUS command.
type Status struct {
	Header
	Mailbox string
	Attrs   []string // Upper case.
}

// Append is the APPEND command. The message is always a literal.
type Append struct {
	Header
	Mailbox  string
	Flags    []string
	Received time.Time // Zero if not specified.
	Message  []byte
}

func parseNoArgs(h Header, buf imapwire.Buffer, conts *imapwire.Continuations) (Command, imapwire.Buffer, error) {
	buf, err := imapwire.ParseEndLine(buf)
	if err != nil {
		return nil, buf, err
	}
	return NoArgs{h}, buf, nil
}

func parseLogin(h Header, buf imapwire.Buffer, conts *imapwire.Continuations) (Command, imapwire.Buffer, error) {
	buf, err := imapwire.ParseSpace(buf)
	if err != nil {
		return nil, buf, err
	}
	userid, buf, err := imapwire.ParseAString(buf, conts)
	if err != nil {
		return nil, buf, err
	}
	buf, err = imapwire.ParseSpace(buf)
	if err != nil {
		return nil, buf, err
	}
	password, buf, err := imapwire.ParseAString(buf, conts)
	if err != nil {
		return nil, buf, err
	}
	buf, err = imapwire.ParseEndLine(buf)
	if err != nil {
		return nil, buf, err
	}
	return Login{h, string(userid), string(password)}, buf, nil
}

func (r *Registry) parseAuthenticate(h Header, buf imapwire.Buffer, conts *imapwire.Continuations) (Command, imapwire.Buffer, error) {
	buf, err := imapwire.ParseSpace(buf)
	if err != nil {
		return nil, buf, err
	}
	name, rest, err := imapwire.ParseAtom(buf)
	if err != nil {
		return nil, buf, err
	}
	mech, ok := r.mechanisms.Lookup(string(name))
	if !ok {
		return nil, buf, &imapwire.NotParseableError{What: "known authentication mechanism", Buf: buf}
	}
	cmd := Authenticate{Header: h, Mechanism: mech}
	if b, err := imapwire.ParseSpace(rest); err == nil {
		if initial, b, err := imapwire.ParseAtom(b); err == nil {
			cmd.Initial = []byte(initial)
			rest = b
		}
	}
	rest, err = imapwire.ParseEndLine(rest)
	if err != nil {
		return nil, rest, err
	}
	return cmd, rest, nil
}

func parseMailboxArg(h Header, buf imapwire.Buffer, conts *imapwire.Continuations) (Command, imapwire.Buffer, error) {
	buf, err := imapwire.ParseSpace(buf)
	if err != nil {
		return nil, buf, err
	}
	name, buf, err := imapwire.ParseMailbox(buf, conts)
	if err != nil {
		return nil, buf, err
	}
	buf, err = imapwire.ParseEndLine(buf)
	if err != nil {
		return nil, buf, err
	}
	return MailboxArg{h, name}, buf, nil
}

func parseRename(h Header, buf imapwire.Buffer, conts *imapwire.Continuations) (Command, imapwire.Buffer, error) {
	var names [2]string
	for i := range names {
		var err error
		buf, err = imapwire.ParseSpace(buf)
		if err != nil {
			return nil, buf, err
		}
		names[i], buf, err = imapwire.ParseMailbox(buf, conts)
		if err != nil {
			return nil, buf, err
		}
	}
	buf, err := imapwire.ParseEndLine(buf)
	if err != nil {
		return nil, buf, err
	}
	return Rename{h, names[0], names[1]}, buf, nil
}

func parseList(h Header, buf imapwire.Buffer, conts *imapwire.Continuations) (Command, imapwire.Buffer, error) {
	buf, err := imapwire.ParseSpace(buf)
	if err != nil {
		return nil, buf, err
	}
	ref, buf, err := imapwire.ParseMailbox(buf, conts)
	if err != nil {
		return nil, buf, err
	}
	buf, err = imapwire.ParseSpace(buf)
	if err != nil {
		return nil, buf, err
	}
	pattern, buf, err := imapwire.ParseListMailbox(buf, conts)
	if err != nil {
		return nil, buf, err
	}
	buf, err = imapwire.ParseEndLine(buf)
	if err != nil {
		return nil, buf, err
	}
	return List{h, ref, pattern}, buf, nil
}

// StatusAttrs are the attributes that can be requested with STATUS.
var StatusAttrs = []string{"MESSAGES", "RECENT", "UIDNEXT", "UIDVALIDITY", "UNSEEN"}

func parseStatusAttr(buf imapwire.Buffer, conts *imapwire.Continuations) (imapwire.Node, imapwire.Buffer, error) {
	a, rest, err := imapwire.ParseAtom(buf)
	if err != nil {
		return nil, buf, err
	}
	s := strings.ToUpper(string(a))
	for _, attr := range StatusAttrs {
		if s == attr {
			return imapwire.Atom(s), rest, nil
		}
	}
	return nil, buf, &imapwire.NotParseableError{What: "status attribute", Buf: buf}
}

func parseStatus(h Header, buf imapwire.Buffer, conts *imapwire.Continuations) (Command, imapwire.Buffer, error) {
	buf, err := imapwire.ParseSpace(buf)
	if err != nil {
		return nil, buf, err
	}
	name, buf, err := imapwire.ParseMailbox(buf, conts)
	if err != nil {
		return nil, buf, err
	}
	buf, err = imapwire.ParseSpace(buf)
	if err != nil {
		return nil, buf, err
	}
	l, buf, err := imapwire.ParseList(buf, conts, parseStatusAttr)
	if err != nil {
		return nil, buf, err
	}
	if len(l) == 0 {
		return nil, buf, &imapwire.NotParseableError{What: "at least one status attribute", Buf: buf}
	}
	buf, err = imapwire.ParseEndLine(buf)
	if err != nil {
		return nil, buf, err
	}
	attrs := make([]string, len(l))
	for i, n := range l {
		attrs[i] = string(n.(imapwire.Atom))
	}
	return Status{h, name, attrs}, buf, nil
}

const appendDateLayout = "_2-Jan-2006 15:04:05 -0700"

func parseAppend(h Header, buf imapwire.Buffer, conts *imapwire.Continuations) (Command, imapwire.Buffer, error) {
	buf, err := imapwire.ParseSpace(buf)
	if err != nil {
		return nil, buf, err
	}
	cmd := Append{Header: h}
	cmd.Mailbox, buf, err = imapwire.ParseMailbox(buf, conts)
	if err != nil {
		return nil, buf, err
	}
	buf, err = imapwire.ParseSpace(buf)
	if err != nil {
		return nil, buf, err
	}
	if flags, rest, err := imapwire.ParseFlagList(buf, conts); err == nil {
		cmd.Flags = flags
		buf, err = imapwire.ParseSpace(rest)
		if err != nil {
			return nil, buf, err
		}
	}
	if qs, rest, err := imapwire.ParseQuotedString(buf); err == nil {
		cmd.Received, err = time.Parse(appendDateLayout, string(qs.Value()))
		if err != nil {
			return nil, buf, &imapwire.NotParseableError{What: "date-time", Buf: buf}
		}
		buf, err = imapwire.ParseSpace(rest)
		if err != nil {
			return nil, buf, err
		}
	}
	msg, buf, err := imapwire.ParseLiteralString(buf, conts)
	if err != nil {
		return nil, buf, err
	}
	cmd.Message = msg.Value()
	buf, err = imapwire.ParseEndLine(buf)
	if err != nil {
		return nil, buf, err
	}
	return cmd, buf, nil
}
