// Package imapserver implements the connection state machine and connection
// loop of an IMAP4rev1 server (RFC 3501).
package imapserver

/*
Implementation notes

- A command is read as a single line, parsed with the command registry, and
  dispatched on the State of the connection. When the parser needs data for a
  literal, we send a continuation request, read the literal and the remainder of
  the line, and parse the command line again with all literal data read so far.
- We never execute multiple commands at the same time for a connection. We
  expect a client to open multiple connections instead.
- Handlers return a Result with the response to write. Only i/o errors and bugs
  cause panics, recovered at the end of the command or the connection.
- Mailbox hierarchies are slash separated. INBOX is case-insensitive and always
  exists.
*/

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/mjl-/moximap/imapcmd"
	"github.com/mjl-/moximap/imapresp"
	"github.com/mjl-/moximap/imapwire"
	"github.com/mjl-/moximap/metrics"
	"github.com/mjl-/moximap/mlog"
	"github.com/mjl-/moximap/moxio"
)

var (
	metricIMAPConnection = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "moximap_imap_connection_total",
			Help: "Incoming IMAP connections.",
		},
		[]string{
			"service", // imap, imaps
		},
	)
	metricIMAPCommands = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "moximap_imap_command_duration_seconds",
			Help:    "IMAP command duration and result codes in seconds.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.100, 0.5, 1, 5, 10, 20},
		},
		[]string{
			"cmd",
			"result", // ok, no, bad, panic, ioerror, servererror
		},
	)
)

// Delay after bad/suspicious behaviour. Tests set this to zero.
var badClientDelay = time.Second // Before reads and after 1-byte writes for probably spammers.

var errLiteralTooLarge = errors.New("literal too large")

var cid atomic.Int64

func init() {
	cid.Store(time.Now().UnixMilli())
}

// nextCid returns a new unique id for a connection.
func nextCid() int64 {
	return cid.Add(1)
}

// sleep for d, but return as soon as ctx is done.
func sleep(ctx context.Context, d time.Duration) (ctxDone bool) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return false
	case <-ctx.Done():
		return true
	}
}

// Server serves IMAP connections for a configuration.
type Server struct {
	Config   Config
	registry *imapcmd.Registry
	log      mlog.Log
}

// NewServer returns a server with a command registry for the mechanisms of
// config.
func NewServer(config Config) *Server {
	return &Server{
		Config:   config,
		registry: imapcmd.NewRegistry(config.mechanisms()),
		log:      mlog.New("imapserver", nil),
	}
}

var servers []func()

// Listen starts listening on addr and stores the listener for Serve to start
// it. With xtls, connections start with TLS (imaps). Listeners are closed when
// ctx is done.
func (srv *Server) Listen(ctx context.Context, listenerName, addr string, xtls bool) error {
	protocol := "imap"
	if xtls {
		if srv.Config.TLSConfig == nil {
			return fmt.Errorf("listener %q: tls config required for imaps", listenerName)
		}
		protocol = "imaps"
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen for %s: %w", protocol, err)
	}
	if xtls {
		ln = tls.NewListener(ln, srv.Config.TLSConfig)
	}
	srv.log.Print("listening for imap",
		slog.String("listener", listenerName),
		slog.String("addr", addr),
		slog.String("protocol", protocol))

	serve := func() {
		go func() {
			<-ctx.Done()
			ln.Close()
		}()
		for {
			conn, err := ln.Accept()
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				srv.log.Infox("imap: accept", err, slog.String("protocol", protocol), slog.String("listener", listenerName))
				continue
			}

			metricIMAPConnection.WithLabelValues(protocol).Inc()
			go srv.serve(ctx, listenerName, nextCid(), conn, xtls)
		}
	}

	servers = append(servers, serve)
	return nil
}

// Serve starts serving on all listeners, launching a goroutine per listener.
func Serve() {
	for _, serve := range servers {
		go serve()
	}
	servers = nil
}

type conn struct {
	cid       int64
	srv       *Server
	conn      net.Conn
	tls       bool          // Whether TLS has been initialized.
	br        *bufio.Reader // From remote, with TLS unwrapped in case of TLS.
	bw        *bufio.Writer // To remote, with TLS added in case of TLS.
	trace     *moxio.Trace  // For changing trace level when reading auth/data.
	slow      bool          // If set, reads are done with a 1 second sleep, and writes are done 1 byte at a time, to keep spammers busy.
	lastlog   time.Time     // For printing time since previous log line.
	remoteIP  net.IP
	cmd       string // Currently executing, for logging.
	cmdMetric string // Currently executing, for metrics.
	cmdStart  time.Time
	ncmds     int // Number of commands processed. Used to abort connection when first incoming command is garbage.
	log       mlog.Log
	ctx       context.Context // Done when the connection is closed or the server shuts down.
	state     *State
}

var cleanClose struct{} // Sentinel value for panic/recover indicating clean close of connection.

func (srv *Server) serve(ctx context.Context, listenerName string, cid int64, nc net.Conn, xtls bool) {
	var remoteIP net.IP
	if a, ok := nc.RemoteAddr().(*net.TCPAddr); ok {
		remoteIP = a.IP
	} else {
		// For net.Pipe, during tests.
		remoteIP = net.ParseIP("127.0.0.10")
	}

	ctx, cancel := context.WithCancel(context.WithValue(ctx, mlog.CidKey, cid))
	defer cancel()

	c := &conn{
		cid:      cid,
		srv:      srv,
		conn:     nc,
		tls:      xtls,
		lastlog:  time.Now(),
		remoteIP: remoteIP,
		cmd:      "(greeting)",
		cmdStart: time.Now(),
		ctx:      ctx,
	}
	var logmutex sync.Mutex
	c.log = mlog.New("imapserver", nil).WithFunc(func() []slog.Attr {
		logmutex.Lock()
		defer logmutex.Unlock()
		now := time.Now()
		l := []slog.Attr{
			slog.Int64("cid", c.cid),
			slog.Duration("delta", now.Sub(c.lastlog)),
		}
		c.lastlog = now
		if c.state != nil && c.state.Username() != "" {
			l = append(l, slog.String("username", c.state.Username()))
		}
		return l
	})
	c.state = NewState(&srv.Config, c.log, xtls)
	c.state.Challenge = c.challenge
	c.trace = moxio.NewTrace(c.log)
	c.br = bufio.NewReader(c.trace.Reader("C: ", c.conn))
	c.bw = bufio.NewWriter(c.trace.Writer("S: ", c))

	// Detect broken connections early.
	xconn := c.conn
	if xtls {
		xconn = c.conn.(*tls.Conn).NetConn()
	}
	if tcpconn, ok := xconn.(*net.TCPConn); ok {
		if err := tcpconn.SetKeepAlivePeriod(5 * time.Minute); err != nil {
			c.log.Errorx("setting keepalive period", err)
		} else if err := tcpconn.SetKeepAlive(true); err != nil {
			c.log.Errorx("enabling keepalive", err)
		}
	}

	c.log.Info("new connection",
		slog.Any("remote", c.conn.RemoteAddr()),
		slog.Any("local", c.conn.LocalAddr()),
		slog.Bool("tls", xtls),
		slog.String("listener", listenerName))

	defer func() {
		c.conn.Close()

		x := recover()
		if x == nil || x == cleanClose {
			c.log.Info("connection closed")
		} else if err, ok := x.(error); ok && isClosed(err) {
			c.log.Infox("connection closed", err)
		} else {
			c.log.Error("unhandled panic", slog.Any("err", x))
			debug.PrintStack()
			metrics.PanicInc(metrics.Imapserver)
		}
	}()

	select {
	case <-ctx.Done():
		c.writelinef("* BYE shutting down")
		return
	default:
	}

	c.writelinef("%s", c.state.Greeting())

	for {
		c.command()
		c.xflush() // For flushing errors, or possibly commands that did not flush explicitly.
	}
}

func (c *conn) setSlow(on bool) {
	if on && !c.slow {
		c.log.Debug("connection changed to slow")
	} else if !on && c.slow {
		c.log.Debug("connection restored to regular pace")
	}
	c.slow = on
}

// Write makes a connection an io.Writer. It panics for i/o errors. These errors
// are handled in the connection command loop.
func (c *conn) Write(buf []byte) (int, error) {
	chunk := len(buf)
	if c.slow {
		chunk = 1
	}

	var n int
	for len(buf) > 0 {
		err := c.conn.SetWriteDeadline(time.Now().Add(30 * time.Second))
		c.log.Check(err, "setting write deadline")

		nn, err := c.conn.Write(buf[:chunk])
		if err != nil {
			panic(fmt.Errorf("write: %s (%w)", err, errIO))
		}
		n += nn
		buf = buf[chunk:]
		if len(buf) > 0 && badClientDelay > 0 {
			sleep(c.ctx, badClientDelay)
		}
	}
	return n, nil
}

func (c *conn) xtrace(level slog.Level) func() {
	c.xflush()
	c.trace.SetLevel(level)
	return func() {
		c.xflush()
		c.trace.SetLevel(mlog.LevelTrace)
	}
}

// Cache of line buffers for reading commands.
var bufpool = moxio.NewBufpool(8, 16*1024)

func (c *conn) readline0() ([]byte, error) {
	if c.slow && badClientDelay > 0 {
		sleep(c.ctx, badClientDelay)
	}

	d := 30 * time.Minute
	if c.state.Phase() == NonAuthenticated {
		d = 30 * time.Second
	}
	err := c.conn.SetReadDeadline(time.Now().Add(d))
	c.log.Check(err, "setting read deadline")

	line, err := bufpool.Readline(c.log, c.br)
	if err != nil && errors.Is(err, moxio.ErrLineTooLong) {
		return nil, fmt.Errorf("%s (%w)", err, errProtocol)
	} else if err != nil {
		return nil, fmt.Errorf("%s (%w)", err, errIO)
	}
	return line, nil
}

// readline reads a line, including line ending. For a command line (readCmd),
// a BYE is written when the client was inactive for too long.
func (c *conn) readline(readCmd bool) []byte {
	line, err := c.readline0()
	if err != nil {
		if readCmd && errors.Is(err, os.ErrDeadlineExceeded) {
			err := c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			c.log.Check(err, "setting write deadline")
			c.writelinef("* BYE inactive")
		}
		panic(err)
	}

	// We respond immediately. The client may not be reading, or may have
	// disappeared. For unauthenticated connections, we require the client to read
	// faster.
	wd := 5 * time.Minute
	if c.state.Phase() == NonAuthenticated {
		wd = 30 * time.Second
	}
	err = c.conn.SetWriteDeadline(time.Now().Add(wd))
	c.log.Check(err, "setting write deadline")

	return line
}

func (c *conn) writelinef(format string, args ...any) {
	c.bwritelinef(format, args...)
	c.xflush()
}

// Buffer line for write.
func (c *conn) bwritelinef(format string, args ...any) {
	format += "\r\n"
	fmt.Fprintf(c.bw, format, args...)
}

func (c *conn) xflush() {
	err := c.bw.Flush()
	xcheckf(err, "flush") // Should never happen, the Write caused by the Flush should panic on i/o error.
}

// xcontinuation writes a continuation request and flushes.
func (c *conn) xcontinuation(text string) {
	_, err := c.bw.Write(imapresp.Continuation(text))
	xcheckf(err, "write continuation")
	c.xflush()
}

func (c *conn) xreadliteral(size int64) []byte {
	buf := make([]byte, size)
	if size > 0 {
		defer c.xtrace(mlog.LevelTracedata)()

		err := c.conn.SetReadDeadline(time.Now().Add(30 * time.Second))
		c.log.Check(err, "setting read deadline")

		if _, err := io.ReadFull(c.br, buf); err != nil {
			// Cannot use xcheckf due to %w handling of errIO.
			panic(fmt.Errorf("reading literal: %s (%w)", err, errIO))
		}
	}
	return buf
}

// xparse parses a command line. Each time the parser needs data for a
// literal, a continuation request is sent, and the literal and the remainder
// of the command line are read. The line is then parsed again with all literal
// data read so far.
func (c *conn) xparse(line []byte) (imapcmd.Command, error) {
	var chunks [][]byte
	var total int64
	for {
		cmd, err := c.srv.registry.Parse(imapwire.NewBuffer(line), imapwire.NewContinuations(chunks))
		cr, ok := imapwire.IsContinuationRequired(err)
		if !ok {
			return cmd, err
		}
		total += cr.Length
		if total > c.srv.Config.maxLiteralSize() {
			tag, _, _ := imapwire.ParseTag(imapwire.NewBuffer(line))
			return nil, &imapcmd.BadCommandError{Tag: tag, Err: fmt.Errorf("%w: %d bytes", errLiteralTooLarge, total)}
		}
		c.xcontinuation("Ready for literal data.")
		buf := c.xreadliteral(cr.Length)
		rest := c.readline(false)
		chunks = append(chunks, append(buf, rest...))
	}
}

// challenge is called by AUTHENTICATE to send a challenge and read the
// response.
func (c *conn) challenge(ctx context.Context, challenge string) (string, error) {
	c.xcontinuation(challenge)
	defer c.xtrace(mlog.LevelTraceauth)()
	line := c.readline(false)
	return strings.TrimRight(string(line), "\r\n"), nil
}

func (c *conn) command() {
	var tag, result string
	c.cmdMetric = ""

	defer func() {
		logFields := []slog.Attr{
			slog.String("cmd", c.cmd),
			slog.Duration("duration", time.Since(c.cmdStart)),
		}
		c.cmd = ""

		x := recover()
		var serr serverError
		if x == nil || x == cleanClose {
			c.log.Debug("imap command done", append(logFields, slog.String("result", result))...)
		} else if err, ok := x.(error); ok && isClosed(err) {
			c.log.Infox("imap command ioerror", err, logFields...)
			result = "ioerror"
			if errors.Is(err, errProtocol) {
				debug.PrintStack()
			}
		} else if ok && errors.As(err, &serr) {
			c.log.Errorx("imap command server error", err, logFields...)
			debug.PrintStack()
			result = "servererror"
		} else {
			c.log.Error("imap command panic", append([]slog.Attr{slog.Any("panic", x)}, logFields...)...)
			result = "panic"
		}
		if c.cmdMetric != "" {
			metricIMAPCommands.WithLabelValues(c.cmdMetric, result).Observe(float64(time.Since(c.cmdStart)) / float64(time.Second))
		}
		if result == "servererror" {
			if tag == "" {
				tag = "*"
			}
			c.bwritelinef("%s NO Server error.", tag)
			return
		}
		if x != nil {
			panic(x)
		}
	}()

	line := c.readline(true)
	c.cmdStart = time.Now()
	c.cmd = "(unrecognized)"
	c.cmdMetric = "(unrecognized)"

	select {
	case <-c.ctx.Done():
		c.writelinef("* BYE shutting down")
		panic(errIO)
	default:
	}

	cmd, err := c.xparse(line)
	var nferr *imapcmd.CommandNotFoundError
	var bcerr *imapcmd.BadCommandError
	var res Result
	if errors.As(err, &nferr) {
		tag = nferr.Tag
		res.Response = imapresp.BADf(tag, "", "%s: Not Implemented.", nferr.Keyword)
	} else if errors.As(err, &bcerr) {
		tag = bcerr.Tag
		if c.ncmds == 0 && bcerr.Command == "" && !errors.Is(err, errLiteralTooLarge) {
			// Other side is likely speaking something else than IMAP, send error message and
			// stop processing because there is a good chance whatever they sent has multiple
			// lines.
			c.writelinef("* BYE please try again speaking imap")
			panic(errIO)
		}
		c.log.Debugx("imap command syntax error", err)
		res.Response = imapresp.BadCommand(bcerr.Tag, bcerr.Command, bcerr.Err)

		// The client has sent the data of a non-synchronizing literal, which we
		// would read as commands.
		if bytes.HasSuffix(bytes.TrimRight(line, "\r\n"), []byte("+}")) {
			err := c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			c.log.Check(err, "setting write deadline")
			c.bwriteresponse(res.Response)
			c.xflush()
			panic(fmt.Errorf("aborting connection after syntax error for command with non-sync literal: %w", errProtocol))
		}
	} else if err != nil {
		xcheckf(err, "parsing command")
	} else {
		tag = cmd.Tag()
		c.cmd = strings.ToLower(cmd.Name())
		c.cmdMetric = c.cmd
		c.ncmds++
		res = c.state.Dispatch(c.ctx, cmd)
	}
	result = strings.ToLower(string(res.Response.Status))

	// On the 3rd failed authentication, start responding slowly. Successful auth will
	// cause fast responses again.
	c.setSlow(c.state.authFailed >= 3)

	c.bwriteresponse(res.Response)
	if res.Close {
		c.xflush()
		panic(cleanClose)
	} else if res.StartTLS {
		c.xflush()
		c.xstarttls()
	}
}

func (c *conn) bwriteresponse(r imapresp.Response) {
	_, err := r.WriteTo(c.bw)
	xcheckf(err, "write response")
}

// xstarttls runs a TLS handshake after a successful STARTTLS.
func (c *conn) xstarttls() {
	conn := c.conn
	if n := c.br.Buffered(); n > 0 {
		buf := make([]byte, n)
		_, err := io.ReadFull(c.br, buf)
		xcheckf(err, "reading buffered data for tls handshake")
		conn = &moxio.PrefixConn{Prefix: bytes.NewReader(buf), Conn: conn}
	}

	ctx, cancel := context.WithTimeout(c.ctx, time.Minute)
	defer cancel()
	tlsConn := tls.Server(conn, c.srv.Config.TLSConfig)
	c.log.Debug("starting tls server handshake")
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		panic(fmt.Errorf("starttls handshake: %s (%w)", err, errIO))
	}
	cancel()
	tlsversion, ciphersuite := moxio.TLSInfo(tlsConn)
	c.log.Debug("tls server handshake done", slog.String("tls", tlsversion), slog.String("ciphersuite", ciphersuite))

	c.conn = tlsConn
	c.trace = moxio.NewTrace(c.log)
	c.br = bufio.NewReader(c.trace.Reader("C: ", c.conn))
	c.bw = bufio.NewWriter(c.trace.Writer("S: ", c))
	c.tls = true
	c.state.tls = true
}
