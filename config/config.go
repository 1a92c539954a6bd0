package config

import (
	"crypto/tls"
	"log/slog"
)

// Port returns port if non-zero, and fallback otherwise.
func Port(port, fallback int) int {
	if port == 0 {
		return fallback
	}
	return port
}

// Static is a parsed form of the moximap.conf configuration file.
type Static struct {
	DataDir          string            `sconf-doc:"NOTE: This config file is in 'sconf' format. Indent with tabs. Comments must be on their own line, they don't end a line. Do not escape or quote strings. Details: https://pkg.go.dev/github.com/mjl-/sconf.\n\n\nDirectory where all data is stored, e.g. the accounts database, mailboxes and tags. If this is a relative path, it is relative to the directory of moximap.conf."`
	LogLevel         string            `sconf-doc:"Default log level, one of: error, info, debug, trace, traceauth, tracedata. Trace logs IMAP protocol transcripts, with traceauth also messages with passwords, and tracedata on top of that also the full data exchanges (full messages), which can be a large amount of data."`
	PackageLogLevels map[string]string `sconf:"optional" sconf-doc:"Overrides of log level per package (e.g. imapserver, kvstore, tagsvc, store)."`
	Hostname         string            `sconf-doc:"Full hostname of system, e.g. mail.<domain>. Used in the IMAP greeting. Internationalized names are converted to their ASCII form."`
	HostnameASCII    string            `sconf:"-" json:"-"` // Parsed form of hostname.
	Backend          string            `sconf:"optional" sconf-doc:"Storage for mailboxes and messages: memory (default, lost at restart), or kv for a database in the data directory, with mailbox tags in the tag service."`
	TagService       struct {
		URL string `sconf-doc:"URL of the tag service API, e.g. http://localhost:1080/tags/. The tag service can be served by a listener of this instance, or by a separate instance with 'moximap tagservice'."`
	} `sconf:"optional" sconf-doc:"Tag service with the list of mailboxes per user and their message counts. Required for the kv backend."`
	InitialMailboxes []string            `sconf:"optional" sconf-doc:"Mailboxes to create for new users. Inbox is always created. If absent/empty, the following mailboxes are created: Sent, Archive, Trash, Drafts and Junk."`
	Listeners        map[string]Listener `sconf-doc:"Listeners are groups of IP addresses and services enabled on those IP addresses, such as IMAP or internal endpoints for Prometheus metrics and the tag service."`

	Log map[string]slog.Level `sconf:"-" json:"-"` // Parsed log levels, "" for the default.
}

// DefaultInitialMailboxes are created for new users when InitialMailboxes is
// not set.
var DefaultInitialMailboxes = []string{"Sent", "Archive", "Trash", "Drafts", "Junk"}

// Listener is a set of IPs with the services on those IPs.
type Listener struct {
	IPs  []string `sconf-doc:"Use 0.0.0.0 to listen on all IPv4 and/or :: to listen on all IPv6 addresses."`
	TLS  *TLS     `sconf:"optional" sconf-doc:"For IMAP STARTTLS and IMAPS connections."`
	IMAP struct {
		Enabled           bool
		Port              int  `sconf:"optional" sconf-doc:"Default 143."`
		NoRequireSTARTTLS bool `sconf:"optional" sconf-doc:"Allow plain text authentication without STARTTLS. Enable this only when the connection is otherwise encrypted (e.g. through a VPN)."`
	} `sconf:"optional" sconf-doc:"IMAP for reading email, by email applications. Starts out in plain text, can be upgraded to TLS with the STARTTLS command. Prefer using IMAPS instead which is always a TLS connection."`
	IMAPS struct {
		Enabled bool
		Port    int `sconf:"optional" sconf-doc:"Default 993."`
	} `sconf:"optional" sconf-doc:"IMAP over TLS for reading email, by email applications. Requires a TLS config."`
	Metrics struct {
		Enabled bool
		Port    int `sconf:"optional" sconf-doc:"Default 8010."`
	} `sconf:"optional" sconf-doc:"Prometheus metrics HTTP endpoint at /metrics. Should only be enabled on internal IPs."`
	TagService struct {
		Enabled bool
		Port    int    `sconf:"optional" sconf-doc:"Default 1080."`
		Path    string `sconf:"optional" sconf-doc:"Path to serve the API on. Default /tags/."`
	} `sconf:"optional" sconf-doc:"Tag service API over HTTP, used by the kv backend. Should only be enabled on internal IPs."`
}

// TLS is the TLS configuration of a listener.
type TLS struct {
	KeyCerts   []KeyCert `sconf-doc:"Keys and certificates to use for this listener."`
	MinVersion string    `sconf:"optional" sconf-doc:"Minimum TLS version. Default: TLSv1.2."`

	Config *tls.Config `sconf:"-" json:"-"` // Set when parsing config.
}

// KeyCert is a certificate chain and its private key, in PEM files.
type KeyCert struct {
	CertFile string `sconf-doc:"Certificate including intermediate CA certificates, in PEM format."`
	KeyFile  string `sconf-doc:"Private key for certificate, in PEM format. PKCS8 is recommended, but PKCS1 and EC private keys are recognized as well."`
}
