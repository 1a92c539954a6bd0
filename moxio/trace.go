package moxio

import (
	"io"
	"log/slog"

	"github.com/mjl-/moximap/mlog"
)

// Trace logs the data read and written on a connection. The log level is
// shared between directions, and raised while reading/writing sensitive or
// bulky data, like passwords and literals.
type Trace struct {
	log   mlog.Log
	level slog.Level
}

// NewTrace returns a Trace logging at level trace.
func NewTrace(log mlog.Log) *Trace {
	return &Trace{log, mlog.LevelTrace}
}

// SetLevel changes the level for subsequent reads and writes.
func (t *Trace) SetLevel(level slog.Level) {
	t.level = level
}

// Reader returns a reader that logs each successful read from r, with prefix.
func (t *Trace) Reader(prefix string, r io.Reader) io.Reader {
	return traceReader{t, prefix, r}
}

// Writer returns a writer that logs each write before writing to w.
func (t *Trace) Writer(prefix string, w io.Writer) io.Writer {
	return traceWriter{t, prefix, w}
}

type traceReader struct {
	t      *Trace
	prefix string
	r      io.Reader
}

func (r traceReader) Read(buf []byte) (int, error) {
	n, err := r.r.Read(buf)
	if n > 0 {
		r.t.log.Trace(r.t.level, r.prefix, buf[:n])
	}
	return n, err
}

type traceWriter struct {
	t      *Trace
	prefix string
	w      io.Writer
}

func (w traceWriter) Write(buf []byte) (int, error) {
	w.t.log.Trace(w.t.level, w.prefix, buf)
	return w.w.Write(buf)
}
