package imapserver

import (
	"errors"
	"fmt"

	"github.com/mjl-/moximap/moxio"
)

// Errors for the connection loop. Command handlers return results instead.
var errIO = errors.New("io error")             // For read/write errors and errors that should close the connection.
var errProtocol = errors.New("protocol error") // For protocol errors for which a stack trace should be printed.

func xcheckf(err error, format string, args ...any) {
	if err != nil {
		panic(serverError{fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)})
	}
}

type serverError struct{ err error }

func (e serverError) Error() string { return e.err.Error() }
func (e serverError) Unwrap() error { return e.err }

// isClosed returns whether i/o failed, typically because the connection is closed.
// For connection errors, we often want to generate fewer logs.
func isClosed(err error) bool {
	return errors.Is(err, errIO) || errors.Is(err, errProtocol) || moxio.IsClosed(err)
}
