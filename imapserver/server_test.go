package imapserver

import (
	"bufio"
	"context"
	"crypto/ed25519"
	cryptorand "crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"fmt"
	"io"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/mjl-/moximap/memstore"
	"github.com/mjl-/moximap/mlog"
	"github.com/mjl-/moximap/store"
)

var ctxbg = context.Background()
var pkglog = mlog.New("imapserver", nil)

func init() {
	// Don't slow down tests.
	badClientDelay = 0
	authFailDelay = 0
}

func tcheck(t *testing.T, err error, msg string) {
	t.Helper()
	if err != nil {
		t.Fatalf("%s: %s", msg, err)
	}
}

const password0 = "te\u0301st \u00a0\u2002\u200a" // NFD and various unicode spaces.
const password1 = "tést    "                    // PRECIS normalized, with NFC.

// testconn is a client connection to a server running in a goroutine.
type testconn struct {
	t          *testing.T
	conn       net.Conn
	br         *bufio.Reader
	done       chan struct{}
	serverConn net.Conn

	// Result of last command.
	lastUntagged []string
	lastResult   string // Tagged line, without CRLF.
}

func (tc *testconn) readline() string {
	tc.t.Helper()
	err := tc.conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	tcheck(tc.t, err, "set read deadline")
	line, err := tc.br.ReadString('\n')
	tcheck(tc.t, err, "read line")
	if !strings.HasSuffix(line, "\r\n") {
		tc.t.Fatalf("line %q does not end with crlf", line)
	}
	return strings.TrimSuffix(line, "\r\n")
}

func (tc *testconn) readprefixline(pre string) string {
	tc.t.Helper()
	line := tc.readline()
	if !strings.HasPrefix(line, pre) {
		tc.t.Fatalf("expected prefix %q, got %q", pre, line)
	}
	return line
}

func (tc *testconn) writelinef(format string, args ...any) {
	tc.t.Helper()
	err := tc.conn.SetWriteDeadline(time.Now().Add(3 * time.Second))
	tcheck(tc.t, err, "set write deadline")
	_, err = fmt.Fprintf(tc.conn, format+"\r\n", args...)
	tcheck(tc.t, err, "write line")
}

// response reads untagged lines until the tagged result for tag "x", and
// checks its status.
func (tc *testconn) response(status string) {
	tc.t.Helper()
	tc.lastUntagged = nil
	for {
		line := tc.readline()
		if strings.HasPrefix(line, "* ") {
			tc.lastUntagged = append(tc.lastUntagged, line)
			continue
		}
		tc.lastResult = line
		break
	}
	t := strings.SplitN(tc.lastResult, " ", 3)
	if len(t) < 2 || t[0] != "x" {
		tc.t.Fatalf("bad result line %q", tc.lastResult)
	}
	if t[1] != strings.ToUpper(status) {
		tc.t.Fatalf("got status %q, expected %q, line %q", t[1], strings.ToUpper(status), tc.lastResult)
	}
}

func (tc *testconn) transactf(status, format string, args ...any) {
	tc.t.Helper()
	tc.writelinef("x "+format, args...)
	tc.response(status)
}

func (tc *testconn) xuntagged(exps ...string) {
	tc.t.Helper()
	if len(exps) == 0 {
		exps = nil
	}
	if !reflect.DeepEqual(tc.lastUntagged, exps) {
		tc.t.Fatalf("got untagged:\n\t%q\nexpected:\n\t%q", tc.lastUntagged, exps)
	}
}

func (tc *testconn) xresult(exp string) {
	tc.t.Helper()
	if tc.lastResult != exp {
		tc.t.Fatalf("got result %q, expected %q", tc.lastResult, exp)
	}
}

func (tc *testconn) xcode(code string) {
	tc.t.Helper()
	var got string
	if i := strings.Index(tc.lastResult, " ["); i >= 0 {
		if j := strings.Index(tc.lastResult[i:], "]"); j >= 0 {
			got = tc.lastResult[i+2 : i+j]
		}
	}
	if got != code {
		tc.t.Fatalf("got code %q, expected %q, line %q", got, code, tc.lastResult)
	}
}

// login authenticates with the password sent as literal.
func (tc *testconn) login() {
	tc.t.Helper()
	tc.writelinef("x login mjl {%d}", len(password1))
	tc.readprefixline("+ ")
	tc.writelinef("%s", password1)
	tc.response("ok")
}

// starttls starts a TLS handshake on the client side, after STARTTLS.
func (tc *testconn) starttls() {
	tc.t.Helper()
	tlsConn := tls.Client(tc.conn, &tls.Config{InsecureSkipVerify: true})
	ctx, cancel := context.WithTimeout(ctxbg, 3*time.Second)
	defer cancel()
	err := tlsConn.HandshakeContext(ctx)
	tcheck(tc.t, err, "tls handshake")
	tc.conn = tlsConn
	tc.br = bufio.NewReader(tlsConn)
}

// wait at most 1 second for server to quit.
func (tc *testconn) waitDone() {
	tc.t.Helper()
	t := time.NewTimer(time.Second)
	select {
	case <-tc.done:
		t.Stop()
	case <-t.C:
		tc.t.Fatalf("server not done within 1s")
	}
}

func (tc *testconn) close() {
	tc.conn.Close()
	tc.serverConn.Close()
	tc.waitDone()
}

func start(t *testing.T) *testconn {
	return startArgs(t, nil, false, true)
}

func startArgs(t *testing.T, serverConfig *tls.Config, immediateTLS, noRequireTLS bool) *testconn {
	return startArgsMore(t, serverConfig, immediateTLS, noRequireTLS, nil)
}

func startArgsMore(t *testing.T, serverConfig *tls.Config, immediateTLS, noRequireTLS bool, configure func(config *Config)) *testconn {
	accounts, err := store.OpenAccounts(ctxbg, pkglog, filepath.Join(t.TempDir(), "accounts.db"), memstore.New([]string{"Archive"}))
	tcheck(t, err, "open accounts")
	t.Cleanup(func() {
		err := accounts.Close()
		pkglog.Check(err, "closing accounts")
	})
	err = accounts.SetPassword(ctxbg, "mjl", password0)
	tcheck(t, err, "set password")

	if serverConfig == nil && immediateTLS {
		serverConfig = &tls.Config{
			Certificates: []tls.Certificate{fakeCert(t)},
		}
	}
	config := Config{
		Hostname:     "mox.example",
		Auth:         accounts,
		TLSConfig:    serverConfig,
		NoRequireTLS: noRequireTLS,
	}
	if configure != nil {
		configure(&config)
	}
	srv := NewServer(config)

	// We get actual sockets for their buffering behaviour, a net.Pipe is
	// synchronous, which does not work for the TLS handshakes.
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	tcheck(t, err, "socketpair")
	xfdconn := func(fd int, name string) net.Conn {
		f := os.NewFile(uintptr(fd), name)
		fc, err := net.FileConn(f)
		tcheck(t, err, "fileconn")
		err = f.Close()
		tcheck(t, err, "close file for conn")
		return fc
	}
	serverConn := xfdconn(fds[0], "server")
	clientConn := xfdconn(fds[1], "client")

	var xserverConn net.Conn = serverConn
	if immediateTLS {
		xserverConn = tls.Server(serverConn, serverConfig)
		clientConn = tls.Client(clientConn, &tls.Config{InsecureSkipVerify: true})
	}

	done := make(chan struct{})
	go func() {
		srv.serve(ctxbg, "test", nextCid(), xserverConn, immediateTLS)
		close(done)
	}()
	tc := &testconn{t: t, conn: clientConn, br: bufio.NewReader(clientConn), done: done, serverConn: serverConn}
	tc.readprefixline("* OK [CAPABILITY IMAP4rev1 ")
	return tc
}

func fakeCert(t *testing.T) tls.Certificate {
	seed := make([]byte, ed25519.SeedSize)
	privKey := ed25519.NewKeyFromSeed(seed) // Fake key, don't use this for real!
	template := &x509.Certificate{
		SerialNumber: big.NewInt(1), // Required field...
		NotBefore:    time.Now().Add(-time.Minute),
		NotAfter:     time.Now().Add(time.Hour),
	}
	localCertBuf, err := x509.CreateCertificate(cryptorand.Reader, template, template, privKey.Public(), privKey)
	if err != nil {
		t.Fatalf("making certificate: %s", err)
	}
	cert, err := x509.ParseCertificate(localCertBuf)
	if err != nil {
		t.Fatalf("parsing generated certificate: %s", err)
	}
	return tls.Certificate{
		Certificate: [][]byte{localCertBuf},
		PrivateKey:  privKey,
		Leaf:        cert,
	}
}

func TestGreeting(t *testing.T) {
	tc := start(t)
	defer tc.close()

	tc.transactf("ok", "capability")
	tc.xuntagged("* CAPABILITY IMAP4rev1 SASL-IR AUTH=LOGIN AUTH=PLAIN")
	tc.xresult("x OK Capabilities listed.")

	tc.transactf("ok", "noop")
	tc.xuntagged()
}

func TestLogin(t *testing.T) {
	tc := start(t)
	defer tc.close()

	tc.transactf("bad", "login too many args")
	tc.xcode("LOGIN")
	tc.transactf("bad", "login") // no args
	tc.transactf("no", "login mjl badpass")
	tc.xresult("x NO Invalid authentication credentials.")
	tc.transactf("no", "login other testtest")
	tc.transactf("no", `login mjl "%s"`, "test")

	tc.login()
	tc.xcode("CAPABILITY IMAP4rev1 SASL-IR AUTH=LOGIN AUTH=PLAIN")
	tc.xresult("x OK [CAPABILITY IMAP4rev1 SASL-IR AUTH=LOGIN AUTH=PLAIN] Authentication successful.")

	tc.transactf("bad", "logout badarg")
	tc.transactf("ok", "logout")
	tc.xuntagged("* BYE Logging out.")
	tc.xresult("x OK Logout successful.")

	// No further commands are processed, the connection is closed.
	tc.waitDone()
	tc.conn.SetDeadline(time.Now().Add(time.Second))
	if _, err := fmt.Fprintf(tc.conn, "x noop\r\n"); err == nil {
		if line, err := tc.br.ReadString('\n'); err != io.EOF {
			t.Fatalf("got line %q, err %v, expected eof after logout", line, err)
		}
	}
}

// Commands are rejected in states they are not allowed in.
func TestState(t *testing.T) {
	tc := start(t)
	defer tc.close()

	notAuth := []string{"starttls", "login mjl test", "authenticate plain"}
	authSel := []string{"select inbox", "examine inbox", "create a", "delete a", "subscribe a", "unsubscribe a", "list \"\" \"\"", "lsub \"\" \"\"", "status inbox (messages)", "append inbox {1+}\r\nx"}
	sel := []string{"check", "close", "expunge"}

	for _, cmd := range append(authSel, sel...) {
		kw := strings.ToUpper(strings.SplitN(cmd, " ", 2)[0])
		if strings.HasPrefix(cmd, "append") {
			// Literal would require a continuation.
			continue
		}
		tc.transactf("bad", "%s", cmd)
		tc.xresult(fmt.Sprintf("x BAD %s: Must authenticate first.", kw))
	}

	tc.login()
	for _, cmd := range notAuth {
		kw := strings.ToUpper(strings.SplitN(cmd, " ", 2)[0])
		tc.transactf("bad", "%s", cmd)
		tc.xresult(fmt.Sprintf("x BAD %s: Already authenticated.", kw))
	}
	for _, cmd := range sel {
		tc.transactf("bad", "%s", cmd)
		tc.xresult(fmt.Sprintf("x BAD %s: Must select a mailbox first.", strings.ToUpper(cmd)))
	}

	// Parsed but not handled.
	tc.transactf("no", "rename a b")
	tc.xresult("x NO RENAME: Not Implemented.")

	// Not a known command.
	tc.transactf("bad", "bogus")
	tc.xresult("x BAD BOGUS: Not Implemented.")

	tc.transactf("ok", "select inbox")
	for _, cmd := range sel {
		tc.transactf("ok", "%s", cmd)
		if cmd == "close" {
			tc.transactf("ok", "select inbox")
		}
	}
}

func TestSelectExamine(t *testing.T) {
	tc := start(t)
	defer tc.close()
	tc.login()

	tc.transactf("no", "select Nonexistent")
	tc.xresult("x NO Mailbox does not exist.")
	tc.transactf("bad", "check") // Still not selected.
	tc.xresult("x BAD CHECK: Must select a mailbox first.")

	tc.transactf("ok", "select inbox")
	tc.xuntagged(
		`* FLAGS (\Answered \Flagged \Deleted \Seen \Draft)`,
		`* 0 EXISTS`,
		`* 0 RECENT`,
		`* OK [UIDNEXT 1] Predicted next UID.`,
		`* OK [UIDVALIDITY 1] UIDs valid.`,
		`* OK [PERMANENTFLAGS (\Answered \Flagged \Deleted \Seen \Draft \*)] Flags permitted.`,
	)
	tc.xresult("x OK [READ-WRITE] Selected mailbox.")

	tc.transactf("ok", "examine Archive")
	tc.xuntagged(
		`* FLAGS (\Answered \Flagged \Deleted \Seen \Draft)`,
		`* 0 EXISTS`,
		`* 0 RECENT`,
		`* OK [UIDNEXT 1] Predicted next UID.`,
		`* OK [UIDVALIDITY 2] UIDs valid.`,
		`* OK [PERMANENTFLAGS ()] Read-only mailbox.`,
	)
	tc.xresult("x OK [READ-ONLY] Examined mailbox.")

	tc.transactf("no", "expunge")
	tc.xcode("READ-ONLY")

	// A failed select keeps the current selection.
	tc.transactf("no", "select Nonexistent")
	tc.transactf("ok", "check")
}

func TestAppend(t *testing.T) {
	tc := start(t)
	defer tc.close()
	tc.login()

	tc.transactf("ok", "select inbox")

	msg := "Subject: test\r\n\r\nhi\r\n"
	tc.writelinef("x append inbox (\\Seen $Junk) {%d}", len(msg))
	tc.readprefixline("+ ")
	tc.writelinef("%s", msg)
	tc.response("ok")
	tc.xuntagged("* 1 EXISTS", "* 1 RECENT")

	tc.writelinef(`x append inbox "17-Oct-2026 10:00:00 +0200" {%d}`, len(msg))
	tc.readprefixline("+ ")
	tc.writelinef("%s", msg)
	tc.response("ok")
	tc.xuntagged("* 2 EXISTS", "* 2 RECENT")

	tc.writelinef("x append nonexistent {%d}", len(msg))
	tc.readprefixline("+ ")
	tc.writelinef("%s", msg)
	tc.response("no")
	tc.xcode("TRYCREATE")

	tc.writelinef("x append inbox (\\Bogus) {%d}", len(msg))
	tc.readprefixline("+ ")
	tc.writelinef("%s", msg)
	tc.response("bad")

	tc.transactf("ok", "status inbox (messages uidnext unseen recent uidvalidity)")
	tc.xuntagged("* STATUS INBOX (MESSAGES 2 UIDNEXT 3 UNSEEN 1 RECENT 2 UIDVALIDITY 1)")

	tc.transactf("ok", "select inbox")
	tc.xuntagged(
		`* FLAGS (\Answered \Flagged \Deleted \Seen \Draft $Junk)`,
		`* 2 EXISTS`,
		`* 2 RECENT`,
		`* OK [UNSEEN 2] First unseen.`,
		`* OK [UIDNEXT 3] Predicted next UID.`,
		`* OK [UIDVALIDITY 1] UIDs valid.`,
		`* OK [PERMANENTFLAGS (\Answered \Flagged \Deleted \Seen \Draft $Junk \*)] Flags permitted.`,
	)
}

func TestLiteralTooLarge(t *testing.T) {
	tc := startArgsMore(t, nil, false, true, func(config *Config) {
		config.MaxLiteralSize = 3
	})
	defer tc.close()
	tc.transactf("ok", `login mjl "%s"`, password1)

	// Rejected before the data is sent.
	tc.transactf("bad", "append inbox {4}")
	tc.transactf("ok", "noop")

	tc.writelinef("x append inbox {3}")
	tc.readprefixline("+ ")
	tc.writelinef("abc")
	tc.response("ok")
}

func TestExpunge(t *testing.T) {
	tc := start(t)
	defer tc.close()
	tc.login()

	for i := 0; i < 4; i++ {
		flags := ""
		if i == 1 || i == 2 {
			flags = `(\Deleted) `
		}
		tc.writelinef("x append inbox %s{1}", flags)
		tc.readprefixline("+ ")
		tc.writelinef("m")
		tc.response("ok")
	}

	tc.transactf("ok", "select inbox")
	tc.transactf("ok", "expunge")
	tc.xuntagged("* 2 EXPUNGE", "* 2 EXPUNGE")
	tc.transactf("ok", "expunge")
	tc.xuntagged()

	tc.transactf("ok", "close")
	tc.transactf("bad", "expunge")
	tc.xresult("x BAD EXPUNGE: Must select a mailbox first.")
}

func TestMailboxes(t *testing.T) {
	tc := start(t)
	defer tc.close()
	tc.login()

	tc.transactf("ok", `list "" ""`)
	tc.xuntagged(`* LIST (\Noselect) "/" ""`)

	tc.transactf("ok", `list "" "*"`)
	tc.xuntagged(`* LIST () "/" Archive`, `* LIST () "/" INBOX`)

	tc.transactf("ok", "create Lists/Work")
	tc.transactf("no", "create Lists/Work")
	tc.xresult("x NO Mailbox already exists.")
	tc.transactf("no", "create /bad")
	tc.xresult("x NO Invalid mailbox name.")
	tc.transactf("no", "create inbox")
	tc.xresult("x NO Mailbox already exists.")

	tc.transactf("ok", `list "" "%%"`)
	tc.xuntagged(`* LIST () "/" Archive`, `* LIST () "/" INBOX`, `* LIST () "/" Lists`)
	tc.transactf("ok", `list "Lists/" "%%"`)
	tc.xuntagged(`* LIST () "/" Lists/Work`)

	tc.transactf("ok", "subscribe Lists/Work")
	tc.transactf("ok", `lsub "" "*"`)
	tc.xuntagged(`* LSUB () "/" Archive`, `* LSUB () "/" INBOX`, `* LSUB () "/" Lists/Work`)
	tc.transactf("ok", "unsubscribe Lists/Work")
	tc.transactf("no", "unsubscribe Lists/Work")

	tc.transactf("ok", "select Lists/Work")
	tc.transactf("ok", "delete Lists/Work")
	tc.transactf("bad", "check") // Deleted mailbox was unselected.
	tc.transactf("no", "delete Lists/Work")
	tc.xresult("x NO Mailbox does not exist.")
	tc.transactf("no", "delete inbox")
	tc.xresult("x NO DELETE: Not allowed on INBOX.")

	// Mailbox names in modified UTF-7.
	tc.transactf("ok", "create Caf&AOk-")
	tc.transactf("ok", `list "" "Caf*"`)
	tc.xuntagged(`* LIST () "/" Caf&AOk-`)
	tc.transactf("ok", "status Caf&AOk- (messages)")
	tc.xuntagged(`* STATUS Caf&AOk- (MESSAGES 0)`)
}

func TestAuthenticate(t *testing.T) {
	tc := start(t)
	defer tc.close()

	plain := func(authz, user, pass string) string {
		return base64.StdEncoding.EncodeToString([]byte(authz + "\u0000" + user + "\u0000" + pass))
	}

	tc.transactf("bad", "authenticate bogus")
	tc.transactf("bad", "authenticate plain not base64...")
	tc.transactf("no", "authenticate plain %s", plain("", "mjl", "badpass"))
	tc.xresult("x NO Invalid authentication credentials.")
	tc.transactf("no", "authenticate plain %s", plain("other", "mjl", password1))

	// Aborted by client.
	tc.writelinef("x authenticate plain")
	tc.readprefixline("+ ")
	tc.writelinef("*")
	tc.response("bad")

	// Empty initial response.
	tc.transactf("bad", "authenticate plain =")

	// Exchange with challenges.
	tc.writelinef("x authenticate login")
	tc.readprefixline("+ ")
	tc.writelinef("%s", base64.StdEncoding.EncodeToString([]byte("mjl")))
	tc.readprefixline("+ ")
	tc.writelinef("%s", base64.StdEncoding.EncodeToString([]byte(password1)))
	tc.response("ok")
	tc.xcode("CAPABILITY IMAP4rev1 SASL-IR AUTH=LOGIN AUTH=PLAIN")

	tc.transactf("bad", "authenticate plain %s", plain("", "mjl", password1))
	tc.xresult("x BAD AUTHENTICATE: Already authenticated.")
}

func TestStarttls(t *testing.T) {
	serverConfig := &tls.Config{Certificates: []tls.Certificate{fakeCert(t)}}

	tc := startArgs(t, serverConfig, false, false)
	defer tc.close()

	tc.transactf("ok", "capability")
	tc.xuntagged("* CAPABILITY IMAP4rev1 SASL-IR STARTTLS LOGINDISABLED")

	tc.transactf("no", "login mjl test")
	tc.xcode("PRIVACYREQUIRED")
	tc.transactf("no", "authenticate plain %s", base64.StdEncoding.EncodeToString([]byte("\u0000mjl\u0000"+password1)))
	tc.xcode("PRIVACYREQUIRED")

	tc.transactf("ok", "starttls")
	tc.starttls()
	tc.transactf("bad", "starttls") // TLS already active.
	tc.transactf("ok", "capability")
	tc.xuntagged("* CAPABILITY IMAP4rev1 SASL-IR AUTH=LOGIN AUTH=PLAIN")
	tc.login()

	// Immediate TLS.
	tc2 := startArgs(t, nil, true, false)
	defer tc2.close()
	tc2.transactf("bad", "starttls")
	tc2.login()

	// No TLS configured.
	tc3 := startArgs(t, nil, false, false)
	defer tc3.close()
	tc3.transactf("no", "starttls")
}

func TestSyntax(t *testing.T) {
	tc := start(t)
	defer tc.close()

	tc.transactf("bad", "select")
	tc.xcode("SELECT")
	if !strings.HasPrefix(tc.lastResult, "x BAD [SELECT] Bad Command: ") {
		t.Fatalf("unexpected result %q", tc.lastResult)
	}
	tc.transactf("bad", "select inbox extra")
	tc.transactf("bad", `status inbox (bogus)`)
	tc.transactf("bad", `status inbox ()`)

	// Lower case keywords work.
	tc.transactf("ok", "CaPaBiLiTy")

	// Non-synchronizing literals are not supported, the connection is aborted.
	tc.writelinef("x login mjl {4+}")
	tc.response("bad")
	tc.waitDone()
}

// A first line not looking like IMAP, e.g. a TLS handshake on a plain text
// port, closes the connection.
func TestNotIMAP(t *testing.T) {
	tc := start(t)
	defer tc.close()

	tc.writelinef("\x16\x03\x01\x00\xa5\x01")
	tc.readprefixline("* BYE ")
	tc.waitDone()
}
