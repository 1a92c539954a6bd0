// Package SASL implements Simple Authentication and Security Layer, RFC 4422,
// for the PLAIN and LOGIN mechanisms, with a catalog of server mechanisms for
// AUTHENTICATE.
package sasl

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

var (
	ErrMalformed = errors.New("sasl: malformed client response")
	ErrAuthz     = errors.New("sasl: cannot assume role of other user")
)

// Credentials are gathered by a server mechanism, to be verified by the caller.
type Credentials struct {
	Authzid  string // Empty if not present.
	Username string
	Password string
}

// Server is the server side of one SASL exchange.
type Server interface {
	// Next is called with each response from the client. The first call has a nil
	// fromClient if the client did not send an initial response. When done is
	// false, challenge must be sent to the client and its response passed to the
	// next call to Next. When done is true, the credentials are available.
	Next(fromClient []byte) (challenge []byte, done bool, err error)

	// Credentials returns the credentials after the exchange is done.
	Credentials() Credentials
}

// Mechanism is a server mechanism in a Catalog.
type Mechanism struct {
	Name string // Upper case, e.g. PLAIN.

	// Whether the password is sent in clear text. Clear text mechanisms are only
	// allowed after TLS, unless configured otherwise.
	Cleartext bool

	NewServer func() Server
}

// Catalog holds the mechanisms available to clients.
type Catalog struct {
	mechs map[string]Mechanism
}

// NewCatalog returns a catalog with mechs.
func NewCatalog(mechs ...Mechanism) *Catalog {
	c := &Catalog{map[string]Mechanism{}}
	for _, m := range mechs {
		c.mechs[strings.ToUpper(m.Name)] = m
	}
	return c
}

// DefaultCatalog returns a catalog with PLAIN and LOGIN.
func DefaultCatalog() *Catalog {
	return NewCatalog(
		Mechanism{"PLAIN", true, func() Server { return &serverPlain{} }},
		Mechanism{"LOGIN", true, func() Server { return &serverLogin{} }},
	)
}

// Lookup returns the mechanism by name, case-insensitive.
func (c *Catalog) Lookup(name string) (Mechanism, bool) {
	if c == nil {
		return Mechanism{}, false
	}
	m, ok := c.mechs[strings.ToUpper(name)]
	return m, ok
}

// Names returns the sorted mechanism names.
func (c *Catalog) Names() []string {
	if c == nil {
		return nil
	}
	l := maps.Keys(c.mechs)
	slices.Sort(l)
	return l
}

type serverPlain struct {
	creds Credentials
	step  int
}

var _ Server = (*serverPlain)(nil)

func (s *serverPlain) Next(fromClient []byte) (challenge []byte, done bool, rerr error) {
	defer func() { s.step++ }()
	switch s.step {
	case 0:
		if fromClient == nil {
			// No initial response, ask for it with an empty challenge.
			return []byte{}, false, nil
		}
		fallthrough
	case 1:
		t := bytes.Split(fromClient, []byte{0})
		if len(t) != 3 {
			return nil, false, fmt.Errorf("%w: expected 3 nul-separated tokens, got %d", ErrMalformed, len(t))
		}
		s.creds = Credentials{string(t[0]), string(t[1]), string(t[2])}
		if s.creds.Authzid != "" && s.creds.Authzid != s.creds.Username {
			return nil, false, ErrAuthz
		}
		return nil, true, nil
	default:
		return nil, false, fmt.Errorf("invalid step %d", s.step)
	}
}

func (s *serverPlain) Credentials() Credentials {
	return s.creds
}

// serverLogin implements the obsolete but widely used LOGIN mechanism, which
// asks for username and password in two challenges.
type serverLogin struct {
	creds Credentials
	step  int
}

var _ Server = (*serverLogin)(nil)

func (s *serverLogin) Next(fromClient []byte) (challenge []byte, done bool, rerr error) {
	defer func() { s.step++ }()
	switch s.step {
	case 0:
		if fromClient != nil {
			s.creds.Username = string(fromClient)
			s.step++
			return []byte("Password:"), false, nil
		}
		return []byte("Username:"), false, nil
	case 1:
		s.creds.Username = string(fromClient)
		return []byte("Password:"), false, nil
	case 2:
		s.creds.Password = string(fromClient)
		return nil, true, nil
	default:
		return nil, false, fmt.Errorf("invalid step %d", s.step)
	}
}

func (s *serverLogin) Credentials() Credentials {
	return s.creds
}

// Client is a SASL client
type Client interface {
	// Name as used in AUTHENTICATE, e.g. PLAIN.
	// cleartextCredentials indicates if credentials are exchanged in clear text, which influences whether they are logged.
	Info() (name string, cleartextCredentials bool)

	// Next is called for each step of the SASL communication. The first call has a nil
	// fromServer and serves to get a possible "initial response" from the client. If
	// the client sends its final message it indicates so with last. Returning an error
	// aborts the authentication attempt.
	// For the first toServer ("initial response"), a nil toServer indicates there is
	// no data, which is different from a non-nil zero-length toServer.
	Next(fromServer []byte) (toServer []byte, last bool, err error)
}

type clientPlain struct {
	Username, Password string
	step               int
}

var _ Client = (*clientPlain)(nil)

// NewClientPlain returns a client for SASL PLAIN authentication.
func NewClientPlain(username, password string) Client {
	return &clientPlain{username, password, 0}
}

func (a *clientPlain) Info() (name string, hasCleartextCredentials bool) {
	return "PLAIN", true
}

func (a *clientPlain) Next(fromServer []byte) (toServer []byte, last bool, rerr error) {
	defer func() { a.step++ }()
	switch a.step {
	case 0:
		return []byte(fmt.Sprintf("\u0000%s\u0000%s", a.Username, a.Password)), true, nil
	default:
		return nil, false, fmt.Errorf("invalid step %d", a.step)
	}
}

type clientLogin struct {
	Username, Password string
	step               int
}

var _ Client = (*clientLogin)(nil)

// NewClientLogin returns a client for SASL LOGIN authentication.
func NewClientLogin(username, password string) Client {
	return &clientLogin{username, password, 0}
}

func (a *clientLogin) Info() (name string, hasCleartextCredentials bool) {
	return "LOGIN", true
}

func (a *clientLogin) Next(fromServer []byte) (toServer []byte, last bool, rerr error) {
	defer func() { a.step++ }()
	switch a.step {
	case 0:
		return nil, false, nil
	case 1:
		return []byte(a.Username), false, nil
	case 2:
		return []byte(a.Password), true, nil
	default:
		return nil, false, fmt.Errorf("invalid step %d", a.step)
	}
}
