// Package imapresp builds IMAP server responses: untagged data lines followed
// by a single tagged completion result with an optional response code.
package imapresp

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/mjl-/moximap/imapwire"
)

// Status of a condition response.
type Status string

const (
	OK      Status = "OK"
	NO      Status = "NO"
	BAD     Status = "BAD"
	BYE     Status = "BYE"
	PREAUTH Status = "PREAUTH"
)

// Code is a response code, the text between the brackets, e.g. "READ-ONLY" or
// "UIDNEXT 3".
type Code string

// Codes without arguments.
const (
	CodeAlert      Code = "ALERT"
	CodeBadCharset Code = "BADCHARSET"
	CodeParse      Code = "PARSE"
	CodeReadOnly   Code = "READ-ONLY"
	CodeReadWrite  Code = "READ-WRITE"
	CodeTryCreate  Code = "TRYCREATE"

	// Sent when plain text authentication is attempted before STARTTLS.
	CodePrivacyRequired Code = "PRIVACYREQUIRED"
)

// CodeCapability returns a CAPABILITY code. IMAP4rev1 is always listed first.
func CodeCapability(caps []string) Code {
	return Code(strings.Join(append([]string{"CAPABILITY", "IMAP4rev1"}, caps...), " "))
}

// CodePermanentFlags returns a PERMANENTFLAGS code with a flag list.
func CodePermanentFlags(flags []string) Code {
	return Code("PERMANENTFLAGS " + string(imapwire.FlagList(flags).Bytes()))
}

// CodeUIDNext returns a UIDNEXT code with the predicted next UID.
func CodeUIDNext(uid uint32) Code {
	return Code(fmt.Sprintf("UIDNEXT %d", uid))
}

// CodeUIDValidity returns a UIDVALIDITY code.
func CodeUIDValidity(v uint32) Code {
	return Code(fmt.Sprintf("UIDVALIDITY %d", v))
}

// CodeUnseen returns an UNSEEN code with the sequence number of the first
// unseen message.
func CodeUnseen(seq uint32) Code {
	return Code(fmt.Sprintf("UNSEEN %d", seq))
}

// Line is an untagged response line, without CRLF.
type Line string

// Untagged returns an untagged condition line, e.g. "* OK [UIDNEXT 3] text".
func Untagged(status Status, code Code, text string) Line {
	return Line(condition("*", status, code, text))
}

// Bye returns an untagged BYE line.
func Bye(text string) Line {
	return Untagged(BYE, "", text)
}

// Flags returns an untagged FLAGS line.
func Flags(flags []string) Line {
	return Line("* FLAGS " + string(imapwire.FlagList(flags).Bytes()))
}

// Exists returns an untagged EXISTS line.
func Exists(n uint32) Line {
	return Line(fmt.Sprintf("* %d EXISTS", n))
}

// Recent returns an untagged RECENT line.
func Recent(n uint32) Line {
	return Line(fmt.Sprintf("* %d RECENT", n))
}

// Expunge returns an untagged EXPUNGE line for a message sequence number.
func Expunge(seq uint32) Line {
	return Line(fmt.Sprintf("* %d EXPUNGE", seq))
}

// Capability returns an untagged CAPABILITY line.
func Capability(caps []string) Line {
	return Line("* " + string(CodeCapability(caps)))
}

// List returns an untagged LIST or LSUB line for kind. Mailbox names are
// encoded in modified UTF-7.
func List(kind string, flags []string, delim string, name string) Line {
	var d imapwire.Node = imapwire.Nil{}
	if delim != "" {
		d = imapwire.NewQuotedString([]byte(delim))
	}
	return Line(fmt.Sprintf("* %s %s %s %s", kind, imapwire.FlagList(flags).Bytes(), d.Bytes(), imapwire.MailboxString(name).Bytes()))
}

// StatusItem is an attribute and value for an untagged STATUS line.
type StatusItem struct {
	Name  string
	Value uint32
}

// StatusData returns an untagged STATUS line.
func StatusData(name string, items []StatusItem) Line {
	l := make(imapwire.List, 0, 2*len(items))
	for _, it := range items {
		l = append(l, imapwire.Atom(it.Name), imapwire.Number(it.Value))
	}
	return Line(fmt.Sprintf("* STATUS %s %s", imapwire.MailboxString(name).Bytes(), l.Bytes()))
}

// Response is the result of a command: the untagged lines in order, and the
// tagged completion result.
type Response struct {
	Tag      string
	Status   Status
	Code     Code
	Text     string
	Untagged []Line
}

// OKf returns an OK completion response.
func OKf(tag string, code Code, format string, args ...any) Response {
	return Response{Tag: tag, Status: OK, Code: code, Text: fmt.Sprintf(format, args...)}
}

// NOf returns a NO completion response.
func NOf(tag string, code Code, format string, args ...any) Response {
	return Response{Tag: tag, Status: NO, Code: code, Text: fmt.Sprintf(format, args...)}
}

// BADf returns a BAD completion response.
func BADf(tag string, code Code, format string, args ...any) Response {
	return Response{Tag: tag, Status: BAD, Code: code, Text: fmt.Sprintf(format, args...)}
}

// BadCommand returns the response for a command that could not be parsed. If
// the tag could not be parsed, the response is untagged. Command is the
// keyword, if known, and is added as response code.
func BadCommand(tag, command string, err error) Response {
	if tag == "" {
		tag = "*"
	}
	return Response{Tag: tag, Status: BAD, Code: Code(command), Text: "Bad Command: " + err.Error()}
}

// Add appends untagged lines.
func (r *Response) Add(lines ...Line) {
	r.Untagged = append(r.Untagged, lines...)
}

// Line returns the tagged completion line, without CRLF.
func (r Response) Line() string {
	return condition(r.Tag, r.Status, r.Code, r.Text)
}

// Bytes returns the full response with CRLF line endings.
func (r Response) Bytes() []byte {
	var b bytes.Buffer
	for _, l := range r.Untagged {
		b.WriteString(string(l))
		b.WriteString("\r\n")
	}
	b.WriteString(r.Line())
	b.WriteString("\r\n")
	return b.Bytes()
}

// WriteTo writes the response to w.
func (r Response) WriteTo(w io.Writer) (int64, error) {
	n, err := w.Write(r.Bytes())
	return int64(n), err
}

// Continuation returns a continuation request line with CRLF, "+ text".
func Continuation(text string) []byte {
	if text == "" {
		return []byte("+ \r\n")
	}
	return []byte("+ " + text + "\r\n")
}

func condition(tag string, status Status, code Code, text string) string {
	s := tag + " " + string(status)
	if code != "" {
		s += " [" + string(code) + "]"
	}
	if text != "" {
		s += " " + text
	}
	return s
}
