package imapserver

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/mjl-/moximap/imapcmd"
	"github.com/mjl-/moximap/imapresp"
	"github.com/mjl-/moximap/metrics"
	"github.com/mjl-/moximap/mlog"
	"github.com/mjl-/moximap/sasl"
	"github.com/mjl-/moximap/store"
)

// Delay after authentication failures. Tests set this to zero.
var authFailDelay = time.Second

// Config is the configuration shared by all connections of a server.
type Config struct {
	Hostname   string // Fully qualified, for the greeting.
	Auth       store.Authenticator
	Mechanisms *sasl.Catalog // For AUTHENTICATE. DefaultCatalog if nil.

	// For STARTTLS and implicit TLS. If nil, STARTTLS is not available.
	TLSConfig *tls.Config

	// Allow plain text authentication on connections without TLS.
	NoRequireTLS bool

	// Maximum total size of literals in a single command. If 0, 64MiB.
	MaxLiteralSize int64
}

func (c *Config) maxLiteralSize() int64 {
	if c.MaxLiteralSize <= 0 {
		return 64 * 1024 * 1024
	}
	return c.MaxLiteralSize
}

func (c *Config) mechanisms() *sasl.Catalog {
	if c.Mechanisms == nil {
		return sasl.DefaultCatalog()
	}
	return c.Mechanisms
}

// Phase is the state of a connection.
type Phase int

const (
	NonAuthenticated Phase = iota
	Authenticated
	Selected
)

func (p Phase) String() string {
	switch p {
	case NonAuthenticated:
		return "nonauthenticated"
	case Authenticated:
		return "authenticated"
	case Selected:
		return "selected"
	}
	return "unknown"
}

// Result is the outcome of a command.
type Result struct {
	Response imapresp.Response

	// Close the connection after writing the response. Set for LOGOUT.
	Close bool

	// Start a TLS handshake after writing the response. Set for STARTTLS.
	StartTLS bool
}

type handler func(ctx context.Context, s *State, cmd imapcmd.Command) Result

// handlers by lower case keyword. RENAME is parsed but not handled.
var handlers = map[string]handler{
	"capability":   cmdCapability,
	"noop":         cmdNoop,
	"logout":       cmdLogout,
	"login":        cmdLogin,
	"authenticate": cmdAuthenticate,
	"starttls":     cmdStarttls,
	"select":       cmdSelectExamine,
	"examine":      cmdSelectExamine,
	"create":       cmdCreate,
	"delete":       cmdDelete,
	"subscribe":    cmdSubscribe,
	"unsubscribe":  cmdUnsubscribe,
	"list":         cmdList,
	"lsub":         cmdList,
	"status":       cmdStatus,
	"append":       cmdAppend,
	"check":        cmdCheck,
	"close":        cmdClose,
	"expunge":      cmdExpunge,
}

// State is the state of a single connection. It is only used by the
// goroutine of that connection.
type State struct {
	config   *Config
	log      mlog.Log
	handlers map[string]handler

	tls        bool
	authFailed int // Failed authentication attempts, reset on success.

	user     store.User    // Set when authenticated.
	mailbox  store.Mailbox // Set when selected.
	readonly bool          // If mailbox was opened with EXAMINE or is not writable.
	exists   uint32        // Number of messages announced to the client.

	// Challenge sends a base64-encoded challenge for AUTHENTICATE to the client
	// and returns its response line, without line ending.
	Challenge func(ctx context.Context, challenge string) (string, error)
}

// NewState returns the state for a new connection, which starts with TLS if
// tls is set.
func NewState(config *Config, log mlog.Log, tls bool) *State {
	h := make(map[string]handler, len(handlers))
	for k, fn := range handlers {
		h[k] = fn
	}
	return &State{config: config, log: log, handlers: h, tls: tls}
}

// Phase returns the current state of the connection.
func (s *State) Phase() Phase {
	if s.mailbox != nil {
		return Selected
	} else if s.user != nil {
		return Authenticated
	}
	return NonAuthenticated
}

// Username returns the name of the authenticated user, or an empty string.
func (s *State) Username() string {
	if s.user == nil {
		return ""
	}
	return s.user.Name()
}

func (s *State) unselect() {
	s.mailbox = nil
	s.readonly = false
	s.exists = 0
}

// capabilities returns the capabilities, IMAP4rev1 excluded, given the TLS
// state and configuration.
func (s *State) capabilities() []string {
	caps := []string{"SASL-IR"}
	if !s.tls && s.config.TLSConfig != nil {
		caps = append(caps, "STARTTLS")
	}
	cat := s.config.mechanisms()
	plainOK := s.tls || s.config.NoRequireTLS
	for _, name := range cat.Names() {
		if m, _ := cat.Lookup(name); plainOK || !m.Cleartext {
			caps = append(caps, "AUTH="+name)
		}
	}
	if !plainOK {
		caps = append(caps, "LOGINDISABLED")
	}
	return caps
}

// Greeting returns the untagged OK line sent when a connection starts.
func (s *State) Greeting() imapresp.Line {
	return imapresp.Untagged(imapresp.OK, imapresp.CodeCapability(s.capabilities()), "Server ready "+s.config.Hostname)
}

// Dispatch checks whether cmd is allowed in the current state, and if so
// executes it. The state only changes for successful commands.
func (s *State) Dispatch(ctx context.Context, cmd imapcmd.Command) Result {
	tag, name := cmd.Tag(), cmd.Name()
	switch cmd.Class() {
	case imapcmd.NonAuth:
		if s.user != nil {
			return Result{Response: imapresp.BADf(tag, "", "%s: Already authenticated.", name)}
		}
	case imapcmd.Auth:
		if s.user == nil {
			return Result{Response: imapresp.BADf(tag, "", "%s: Must authenticate first.", name)}
		}
	case imapcmd.Selected:
		if s.user == nil {
			return Result{Response: imapresp.BADf(tag, "", "%s: Must authenticate first.", name)}
		} else if s.mailbox == nil {
			return Result{Response: imapresp.BADf(tag, "", "%s: Must select a mailbox first.", name)}
		}
	}

	fn, ok := s.handlers[strings.ToLower(name)]
	if !ok {
		return Result{Response: imapresp.NOf(tag, "", "%s: Not Implemented.", name)}
	}
	return fn(ctx, s, cmd)
}

// storeError returns the response for an error from a backend.
func (s *State) storeError(ctx context.Context, cmd imapcmd.Command, err error) Result {
	tag, name := cmd.Tag(), cmd.Name()
	var r imapresp.Response
	switch {
	case errors.Is(err, store.ErrMailboxNotFound):
		r = imapresp.NOf(tag, "", "Mailbox does not exist.")
	case errors.Is(err, store.ErrMailboxExists):
		r = imapresp.NOf(tag, "", "Mailbox already exists.")
	case errors.Is(err, store.ErrMailboxName):
		r = imapresp.NOf(tag, "", "Invalid mailbox name.")
	case errors.Is(err, store.ErrInbox):
		r = imapresp.NOf(tag, "", "%s: Not allowed on INBOX.", name)
	case errors.Is(err, store.ErrReadOnly):
		r = imapresp.NOf(tag, imapresp.CodeReadOnly, "Mailbox is read-only.")
	case errors.Is(err, store.ErrMessageNotFound):
		r = imapresp.NOf(tag, "", "Message does not exist.")
	case errors.Is(err, store.ErrFlag):
		r = imapresp.BADf(tag, "", "%s: %v.", name, err)
	default:
		s.log.Errorx("backend error", err, slog.String("cmd", name))
		r = imapresp.NOf(tag, "", "%s: Server error.", name)
	}
	return Result{Response: r}
}

// updates adds untagged responses for messages added to the selected mailbox
// since the client was last informed.
func (s *State) updates(ctx context.Context, r *imapresp.Response) {
	if s.mailbox == nil {
		return
	}
	info, err := s.mailbox.Info(ctx)
	if err != nil {
		s.log.Debugx("checking selected mailbox for updates", err)
		return
	}
	if info.MessageCount > s.exists {
		s.exists = info.MessageCount
		r.Add(imapresp.Exists(info.MessageCount), imapresp.Recent(info.RecentCount))
	}
}

func cmdCapability(ctx context.Context, s *State, cmd imapcmd.Command) Result {
	r := imapresp.OKf(cmd.Tag(), "", "Capabilities listed.")
	r.Add(imapresp.Capability(s.capabilities()))
	return Result{Response: r}
}

func cmdNoop(ctx context.Context, s *State, cmd imapcmd.Command) Result {
	r := imapresp.OKf(cmd.Tag(), "", "NOOP completed.")
	s.updates(ctx, &r)
	return Result{Response: r}
}

func cmdLogout(ctx context.Context, s *State, cmd imapcmd.Command) Result {
	s.unselect()
	s.user = nil
	r := imapresp.OKf(cmd.Tag(), "", "Logout successful.")
	r.Add(imapresp.Bye("Logging out."))
	return Result{Response: r, Close: true}
}

func cmdStarttls(ctx context.Context, s *State, cmd imapcmd.Command) Result {
	if s.tls {
		return Result{Response: imapresp.BADf(cmd.Tag(), "", "STARTTLS: TLS already active.")}
	} else if s.config.TLSConfig == nil {
		return Result{Response: imapresp.NOf(cmd.Tag(), "", "STARTTLS: TLS not available.")}
	}
	return Result{Response: imapresp.OKf(cmd.Tag(), "", "Begin TLS negotiation now."), StartTLS: true}
}

// privacyRequired returns whether cleartext credentials must be refused.
func (s *State) privacyRequired() bool {
	return !s.tls && !s.config.NoRequireTLS
}

func cmdLogin(ctx context.Context, s *State, cmd imapcmd.Command) Result {
	c := cmd.(imapcmd.Login)
	if s.privacyRequired() {
		metrics.AuthenticationInc("imap", "login", "privacyrequired")
		return Result{Response: imapresp.NOf(c.Tag(), imapresp.CodePrivacyRequired, "LOGIN: TLS required for plain text authentication.")}
	}
	return s.authenticate(ctx, c.Tag(), "login", c.Userid, c.Password)
}

func cmdAuthenticate(ctx context.Context, s *State, cmd imapcmd.Command) Result {
	c := cmd.(imapcmd.Authenticate)
	tag := c.Tag()
	variant := strings.ToLower(c.Mechanism.Name)
	if c.Mechanism.Cleartext && s.privacyRequired() {
		metrics.AuthenticationInc("imap", variant, "privacyrequired")
		return Result{Response: imapresp.NOf(tag, imapresp.CodePrivacyRequired, "AUTHENTICATE: TLS required for plain text authentication.")}
	}

	bad := func(result, format string, args ...any) Result {
		metrics.AuthenticationInc("imap", variant, result)
		return Result{Response: imapresp.BADf(tag, "", format, args...)}
	}

	var resp []byte
	if c.Initial != nil {
		if string(c.Initial) != "=" {
			buf, err := base64.StdEncoding.DecodeString(string(c.Initial))
			if err != nil {
				return bad("badsyntax", "AUTHENTICATE: Invalid base64 data.")
			}
			resp = buf
		} else {
			resp = []byte{}
		}
	}

	srv := c.Mechanism.NewServer()
	for {
		challenge, done, err := srv.Next(resp)
		if err != nil && errors.Is(err, sasl.ErrMalformed) {
			return bad("badsyntax", "AUTHENTICATE: Malformed response.")
		} else if err != nil {
			s.log.Debugx("sasl exchange", err)
			return s.authFailure(ctx, tag, variant, "badcreds")
		} else if done {
			break
		}
		if s.Challenge == nil {
			return bad("error", "AUTHENTICATE: Continuation not possible.")
		}
		line, err := s.Challenge(ctx, base64.StdEncoding.EncodeToString(challenge))
		if err != nil {
			return bad("error", "AUTHENTICATE: %v.", err)
		}
		if line == "*" {
			return bad("aborted", "AUTHENTICATE: Authentication aborted.")
		}
		resp, err = base64.StdEncoding.DecodeString(line)
		if err != nil {
			return bad("badsyntax", "AUTHENTICATE: Invalid base64 data.")
		}
	}
	creds := srv.Credentials()
	return s.authenticate(ctx, tag, variant, creds.Username, creds.Password)
}

// authenticate verifies credentials, setting the user on success.
func (s *State) authenticate(ctx context.Context, tag, variant, username, password string) Result {
	// For many failed auth attempts, slow down verification attempts.
	if s.authFailed > 3 && authFailDelay > 0 {
		sleep(ctx, time.Duration(s.authFailed-3)*authFailDelay)
	}

	user, err := s.config.Auth.Authenticate(ctx, username, password)
	if err != nil && errors.Is(err, store.ErrUnknownCredentials) {
		s.log.Info("failed authentication attempt", slog.String("username", username))
		return s.authFailure(ctx, tag, variant, "badcreds")
	} else if err != nil {
		s.log.Errorx("authenticating", err, slog.String("username", username))
		return s.authFailure(ctx, tag, variant, "error")
	}

	metrics.AuthenticationInc("imap", variant, "ok")
	s.authFailed = 0
	s.user = user
	return Result{Response: imapresp.OKf(tag, imapresp.CodeCapability(s.capabilities()), "Authentication successful.")}
}

func (s *State) authFailure(ctx context.Context, tag, variant, result string) Result {
	metrics.AuthenticationInc("imap", variant, result)
	s.authFailed++
	return Result{Response: imapresp.NOf(tag, "", "Invalid authentication credentials.")}
}
