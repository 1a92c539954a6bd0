// Package mlog provides logging on top of log/slog, with log levels per
// package and additional trace levels for protocol transcripts.
//
// Each log level has a function to log with and without error. Variable data
// should be in attributes. Logging strings themselves should be constant, for
// easier log processing.
//
// The log levels can be configured per originating package, e.g. imapserver,
// kvstore. The configuration is application-global, so each Log instance uses
// the same log levels.
//
// Print* should be used for lines that always should be printed, regardless of
// configured log levels. Useful for startup logging and subcommands.
//
// Fatal* stops the program. Its log text is always printed.
package mlog

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

var noctx = context.Background()

// Logfmt enables logfmt-style output, with l= and m= fields. Otherwise a more
// human-readable format is used.
var Logfmt bool

// Log levels, in addition to the levels of log/slog.
const (
	LevelPrint     slog.Level = 12 // Printed regardless of configured log level.
	LevelFatal     slog.Level = 10 // Printed regardless of configured log level.
	LevelError                = slog.LevelError
	LevelInfo                 = slog.LevelInfo
	LevelDebug                = slog.LevelDebug
	LevelTrace     slog.Level = -8
	LevelTraceauth slog.Level = -12
	LevelTracedata slog.Level = -16
)

var LevelStrings = map[slog.Level]string{
	LevelPrint:     "print",
	LevelFatal:     "fatal",
	LevelError:     "error",
	LevelInfo:      "info",
	LevelDebug:     "debug",
	LevelTrace:     "trace",
	LevelTraceauth: "traceauth",
	LevelTracedata: "tracedata",
}

var Levels = map[string]slog.Level{
	"print":     LevelPrint,
	"fatal":     LevelFatal,
	"error":     LevelError,
	"info":      LevelInfo,
	"debug":     LevelDebug,
	"trace":     LevelTrace,
	"traceauth": LevelTraceauth,
	"tracedata": LevelTracedata,
}

// Holds a map[string]slog.Level, mapping a package (field pkg in logs) to a
// log level. The empty string is the default/fallback log level.
var config atomic.Value

func init() {
	config.Store(map[string]slog.Level{"": LevelError})
}

// SetConfig atomically sets the new log levels used by all Log instances.
func SetConfig(c map[string]slog.Level) {
	config.Store(c)
}

type key string

// CidKey can be used with context.WithValue to store a "cid" in a context, for logging.
var CidKey key = "cid"

// Log wraps a slog.Logger, adding methods that take an error and trace
// functions.
type Log struct {
	*slog.Logger
}

// New returns a Log that adds a "pkg" attribute. If logger is nil, a logger
// writing to stderr with the package log levels from SetConfig is used.
func New(pkg string, logger *slog.Logger) Log {
	if logger == nil {
		logger = slog.New(&handler{out: os.Stderr, mu: &sync.Mutex{}})
	}
	return Log{logger}.WithPkg(pkg)
}

// WithPkg returns a new Log with attribute "pkg" added, which is used for
// matching the per-package log level.
func (l Log) WithPkg(pkg string) Log {
	if h, ok := l.Logger.Handler().(*handler); ok {
		nh := *h
		nh.pkgs = append(append([]string{}, h.pkgs...), pkg)
		return Log{slog.New(&nh)}
	}
	return Log{l.Logger.With(slog.String("pkg", pkg))}
}

// WithCid adds a attribute "cid".
// Also see WithContext.
func (l Log) WithCid(cid int64) Log {
	return l.With(slog.Int64("cid", cid))
}

// WithContext adds cid from context, if present. Context are often passed to
// functions, especially between packages, to pass a "cid" for an operation.
func (l Log) WithContext(ctx context.Context) Log {
	cidv := ctx.Value(CidKey)
	if cidv == nil {
		return l
	}
	cid := cidv.(int64)
	return l.WithCid(cid)
}

// With adds attributes that are logged with each line.
func (l Log) With(attrs ...slog.Attr) Log {
	args := make([]any, len(attrs))
	for i, a := range attrs {
		args[i] = a
	}
	return Log{l.Logger.With(args...)}
}

// WithFunc sets fn to be called for additional attributes each time a line is
// logged. Used for the current state of a connection, e.g. username.
func (l Log) WithFunc(fn func() []slog.Attr) Log {
	if h, ok := l.Logger.Handler().(*handler); ok {
		nh := *h
		nh.fn = fn
		return Log{slog.New(&nh)}
	}
	return l
}

// Check logs an error if err is not nil. Intended for logging errors that are
// good to know, but would not influence program flow.
func (l Log) Check(err error, msg string, attrs ...slog.Attr) {
	if err != nil {
		l.Errorx(msg, err, attrs...)
	}
}

func errAttr(err error) slog.Attr {
	return slog.Any("err", err)
}

// Trace logs at the trace levels. Data is only logged when level is enabled.
// For traceauth and tracedata levels that are not enabled, while trace is,
// the data is replaced with "***" or "...".
func (l Log) Trace(level slog.Level, prefix string, data []byte) {
	ctx := noctx
	if l.Enabled(ctx, level) {
		l.LogAttrs(ctx, level, prefix+string(data))
	} else if level == LevelTraceauth && l.Enabled(ctx, LevelTrace) {
		l.LogAttrs(ctx, LevelTrace, prefix+"***")
	} else if level == LevelTracedata && l.Enabled(ctx, LevelTrace) {
		l.LogAttrs(ctx, LevelTrace, prefix+"...")
	}
}

func (l Log) Fatal(msg string, attrs ...slog.Attr) { l.Fatalx(msg, nil, attrs...) }
func (l Log) Fatalx(msg string, err error, attrs ...slog.Attr) {
	if err != nil {
		attrs = append([]slog.Attr{errAttr(err)}, attrs...)
	}
	l.LogAttrs(noctx, LevelFatal, msg, attrs...)
	os.Exit(1)
}

func (l Log) Print(msg string, attrs ...slog.Attr) { l.Printx(msg, nil, attrs...) }
func (l Log) Printx(msg string, err error, attrs ...slog.Attr) {
	l.logx(LevelPrint, err, msg, attrs...)
}

func (l Log) Debug(msg string, attrs ...slog.Attr) { l.Debugx(msg, nil, attrs...) }
func (l Log) Debugx(msg string, err error, attrs ...slog.Attr) {
	l.logx(LevelDebug, err, msg, attrs...)
}

func (l Log) Info(msg string, attrs ...slog.Attr) { l.Infox(msg, nil, attrs...) }
func (l Log) Infox(msg string, err error, attrs ...slog.Attr) {
	l.logx(LevelInfo, err, msg, attrs...)
}

func (l Log) Error(msg string, attrs ...slog.Attr) { l.Errorx(msg, nil, attrs...) }
func (l Log) Errorx(msg string, err error, attrs ...slog.Attr) {
	l.logx(LevelError, err, msg, attrs...)
}

func (l Log) logx(level slog.Level, err error, msg string, attrs ...slog.Attr) {
	if !l.Enabled(noctx, level) {
		return
	}
	if err != nil {
		attrs = append([]slog.Attr{errAttr(err)}, attrs...)
	}
	l.LogAttrs(noctx, level, msg, attrs...)
}

type handler struct {
	out   io.Writer
	mu    *sync.Mutex
	pkgs  []string
	attrs []slog.Attr
	group string
	fn    func() []slog.Attr
}

var _ slog.Handler = (*handler)(nil)

// Enabled returns whether level is enabled for the most specific package of
// the logger, falling back to the default level.
func (h *handler) Enabled(ctx context.Context, level slog.Level) bool {
	if level >= LevelFatal {
		return true
	}
	cl := config.Load().(map[string]slog.Level)
	for i := len(h.pkgs) - 1; i >= 0; i-- {
		if v, ok := cl[h.pkgs[i]]; ok {
			return level >= v
		}
	}
	v, ok := cl[""]
	return ok && level >= v
}

func (h *handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	nh := *h
	if h.group != "" {
		for i := range attrs {
			attrs[i].Key = h.group + "." + attrs[i].Key
		}
	}
	nh.attrs = append(append([]slog.Attr{}, h.attrs...), attrs...)
	return &nh
}

func (h *handler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	nh := *h
	if nh.group != "" {
		nh.group += "."
	}
	nh.group += name
	return &nh
}

func (h *handler) Handle(ctx context.Context, r slog.Record) error {
	attrs := []slog.Attr{}
	if len(h.pkgs) > 0 {
		attrs = append(attrs, slog.String("pkg", h.pkgs[len(h.pkgs)-1]))
	}
	attrs = append(attrs, h.attrs...)
	r.Attrs(func(a slog.Attr) bool {
		if h.group != "" {
			a.Key = h.group + "." + a.Key
		}
		attrs = append(attrs, a)
		return true
	})
	if h.fn != nil {
		attrs = append(attrs, h.fn()...)
	}

	level := r.Level
	if level < LevelTrace {
		level = LevelTrace
	}
	levelstr, ok := LevelStrings[level]
	if !ok {
		levelstr = level.String()
	}

	// We build up a buffer so we can do a single write of the data. Otherwise
	// partial log lines may interleave.
	b := &bytes.Buffer{}
	if Logfmt {
		fmt.Fprintf(b, "l=%s m=%s", levelstr, logfmtValue(r.Message))
		for _, a := range attrs {
			fmt.Fprintf(b, " %s=%s", a.Key, logfmtValue(stringValue(a.Key == "cid", false, a.Value.Any())))
		}
	} else {
		fmt.Fprintf(b, "%s: %s", levelstr, logfmtValue(r.Message))
		if len(attrs) > 0 {
			fmt.Fprint(b, " (")
			for i, a := range attrs {
				if i > 0 {
					fmt.Fprint(b, "; ")
				}
				fmt.Fprintf(b, "%s: %s", a.Key, logfmtValue(stringValue(a.Key == "cid", false, a.Value.Any())))
			}
			fmt.Fprint(b, ")")
		}
	}
	b.WriteString("\n")
	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := h.out.Write(b.Bytes())
	return err
}

// escape logfmt string if required, otherwise return original string.
func logfmtValue(s string) string {
	for _, c := range s {
		if c == '"' || c == '\\' || c <= ' ' || c == '=' || c >= 0x7f {
			return fmt.Sprintf("%q", s)
		}
	}
	return s
}

func stringValue(iscid, nested bool, v any) string {
	// Handle some common types first.
	if v == nil {
		return ""
	}
	switch r := v.(type) {
	case string:
		return r
	case int:
		return strconv.Itoa(r)
	case int64:
		if iscid {
			return fmt.Sprintf("%x", v)
		}
		return strconv.FormatInt(r, 10)
	case uint64:
		return strconv.FormatUint(r, 10)
	case bool:
		if r {
			return "true"
		}
		return "false"
	case float64:
		return fmt.Sprintf("%v", v)
	case time.Duration:
		return r.String()
	case error:
		return r.Error()
	case []byte:
		return base64.RawURLEncoding.EncodeToString(r)
	case []string:
		if nested && len(r) == 0 {
			// Drop field from logging.
			return ""
		}
		return "[" + strings.Join(r, ",") + "]"
	}

	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Ptr && rv.IsNil() {
		return ""
	}

	if r, ok := v.(fmt.Stringer); ok {
		return r.String()
	}

	if rv.Kind() == reflect.Ptr {
		rv = rv.Elem()
		return stringValue(iscid, nested, rv.Interface())
	}
	if rv.Kind() == reflect.Slice {
		n := rv.Len()
		if nested && n == 0 {
			// Drop field.
			return ""
		}
		b := &strings.Builder{}
		b.WriteString("[")
		for i := 0; i < n; i++ {
			if i > 0 {
				b.WriteString(";")
			}
			b.WriteString(stringValue(false, true, rv.Index(i).Interface()))
		}
		b.WriteString("]")
		return b.String()
	}
	return fmt.Sprintf("%v", v)
}

type errWriter struct {
	log   Log
	level slog.Level
	msg   string
}

func (w *errWriter) Write(buf []byte) (int, error) {
	err := errors.New(strings.TrimSpace(string(buf)))
	w.log.logx(w.level, err, w.msg)
	return len(buf), nil
}

// ErrWriter returns a writer that turns each write into a logging call on "log"
// with given "level" and "msg" and the written content as an error.
// Can be used for making a Go log.Logger for use in http.Server.ErrorLog.
func ErrWriter(log Log, level slog.Level, msg string) io.Writer {
	return &errWriter{log, level, msg}
}
