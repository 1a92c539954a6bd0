package imapwire

import (
	"errors"
	"fmt"
)

// ErrNotParseable is matched by all syntax errors, with errors.Is.
var ErrNotParseable = errors.New("not parseable")

// NotParseableError is returned when a production does not match at the start
// of a buffer.
type NotParseableError struct {
	What string // Production that failed, e.g. "atom".
	Buf  Buffer // Remaining buffer at the point of failure.
}

func (e *NotParseableError) Error() string {
	s := e.Buf.String()
	if len(s) > 32 {
		s = s[:32] + "..."
	}
	return fmt.Sprintf("expected %s at offset %d, got %q", e.What, e.Buf.Offset(), s)
}

func (e *NotParseableError) Is(target error) bool {
	return target == ErrNotParseable
}

func notParseable(what string, buf Buffer) error {
	return &NotParseableError{what, buf}
}

// ContinuationRequired is returned when a literal string is announced but its
// data is not in the continuation queue yet. The caller should send a
// continuation request, read exactly Length bytes plus the remainder of the
// line, add them as chunk to the continuation queue and parse the command
// again.
type ContinuationRequired struct {
	Length int64
}

func (e *ContinuationRequired) Error() string {
	return fmt.Sprintf("literal of %d bytes requires continuation", e.Length)
}

// IsContinuationRequired returns the continuation request in err, if any.
func IsContinuationRequired(err error) (*ContinuationRequired, bool) {
	var cr *ContinuationRequired
	if errors.As(err, &cr) {
		return cr, true
	}
	return nil, false
}
