package config

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/net/idna"

	"github.com/mjl-/sconf"

	"github.com/mjl-/moximap/mlog"
	"github.com/mjl-/moximap/store"
)

// ParseFile parses and checks the config file at path. Relative paths in the
// config, like the data directory and TLS files, are resolved against the
// directory of the config file.
func ParseFile(path string) (*Static, []error) {
	c := &Static{DataDir: "."}

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) && os.Getenv("MOXIMAPCONF") == "" {
			return nil, []error{fmt.Errorf("open config file: %v (hint: use moximap -config ... or set MOXIMAPCONF=...)", err)}
		}
		return nil, []error{fmt.Errorf("open config file: %v", err)}
	}
	defer f.Close()
	if err := sconf.Parse(f, c); err != nil {
		return nil, []error{fmt.Errorf("parsing %s%v", path, err)}
	}

	if errs := c.prepare(path); len(errs) > 0 {
		return nil, errs
	}
	return c, nil
}

// return f interpreted relative to the directory of the config file. f is
// returned unchanged when absolute.
func configDirPath(configFile, f string) string {
	if filepath.IsAbs(f) {
		return f
	}
	return filepath.Join(filepath.Dir(configFile), f)
}

// DataDirPath returns f interpreted relative to the data directory, which
// itself is interpreted relative to the directory of the config file.
func (c *Static) DataDirPath(configFile, f string) string {
	if filepath.IsAbs(f) {
		return f
	}
	return filepath.Join(configDirPath(configFile, c.DataDir), f)
}

// Mailboxes returns the mailboxes to create for new users, besides INBOX.
func (c *Static) Mailboxes() []string {
	if len(c.InitialMailboxes) == 0 {
		return DefaultInitialMailboxes
	}
	return c.InitialMailboxes
}

func (c *Static) prepare(configFile string) (errs []error) {
	addErrorf := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	// Post-process logging config.
	if logLevel, ok := mlog.Levels[c.LogLevel]; ok {
		c.Log = map[string]slog.Level{"": logLevel}
	} else {
		addErrorf("invalid log level %q", c.LogLevel)
		c.Log = map[string]slog.Level{"": mlog.LevelInfo}
	}
	for pkg, s := range c.PackageLogLevels {
		if logLevel, ok := mlog.Levels[s]; ok {
			c.Log[pkg] = logLevel
		} else {
			addErrorf("invalid package log level %q", s)
		}
	}

	if h, err := idna.Lookup.ToASCII(c.Hostname); err != nil {
		addErrorf("parsing hostname %q: %v", c.Hostname, err)
	} else if !strings.Contains(strings.TrimSuffix(h, "."), ".") {
		addErrorf("hostname %q must be a fully qualified domain name", c.Hostname)
	} else {
		c.HostnameASCII = strings.TrimSuffix(h, ".")
	}

	switch c.Backend {
	case "", "memory":
		c.Backend = "memory"
	case "kv":
		if c.TagService.URL == "" {
			addErrorf("backend kv requires TagService.URL")
		}
	default:
		addErrorf("unknown backend %q, must be memory or kv", c.Backend)
	}

	for _, mb := range c.InitialMailboxes {
		if name, err := store.CheckMailboxName(mb); err != nil {
			addErrorf("initial mailbox %q: %v", mb, err)
		} else if name == store.Inbox {
			addErrorf("initial mailbox %q: inbox is always created", mb)
		}
	}

	if len(c.Listeners) == 0 {
		addErrorf("no listeners configured")
	}
	for name, l := range c.Listeners {
		addListenerErrorf := func(format string, args ...any) {
			addErrorf("listener %q: %s", name, fmt.Sprintf(format, args...))
		}

		if len(l.IPs) == 0 {
			addListenerErrorf("no IPs configured")
		}
		for _, ip := range l.IPs {
			if net.ParseIP(ip) == nil {
				addListenerErrorf("invalid IP %q", ip)
			}
		}

		if l.TLS != nil {
			if err := loadTLSKeyCerts(configFile, l.TLS); err != nil {
				addListenerErrorf("%v", err)
			}
		} else if l.IMAPS.Enabled {
			addListenerErrorf("IMAPS requires a TLS config")
		}
		if l.TagService.Enabled && l.TagService.Path == "" {
			l.TagService.Path = "/tags/"
		} else if l.TagService.Enabled && !strings.HasPrefix(l.TagService.Path, "/") {
			addListenerErrorf("tag service path %q must start with a slash", l.TagService.Path)
		}
		c.Listeners[name] = l
	}
	return errs
}

func loadTLSKeyCerts(configFile string, ctls *TLS) error {
	if len(ctls.KeyCerts) == 0 {
		return fmt.Errorf("tls config without key/certificate pairs")
	}
	certs := []tls.Certificate{}
	for _, kp := range ctls.KeyCerts {
		certPath := configDirPath(configFile, kp.CertFile)
		keyPath := configDirPath(configFile, kp.KeyFile)
		cert, err := tls.LoadX509KeyPair(certPath, keyPath)
		if err != nil {
			return fmt.Errorf("parsing x509 key pair: %v", err)
		}
		certs = append(certs, cert)
	}

	// TLS 1.2 was introduced in 2008. TLS <1.2 was deprecated in 2021.
	var minVersion uint16 = tls.VersionTLS12
	if ctls.MinVersion != "" {
		versions := map[string]uint16{
			"TLSv1.0": tls.VersionTLS10,
			"TLSv1.1": tls.VersionTLS11,
			"TLSv1.2": tls.VersionTLS12,
			"TLSv1.3": tls.VersionTLS13,
		}
		v, ok := versions[ctls.MinVersion]
		if !ok {
			return fmt.Errorf("unknown TLS mininum version %q", ctls.MinVersion)
		}
		minVersion = v
	}
	ctls.Config = &tls.Config{
		Certificates: certs,
		MinVersion:   minVersion,
	}
	return nil
}
