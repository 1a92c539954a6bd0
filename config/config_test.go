package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/mjl-/sconf"

	"github.com/mjl-/moximap/mlog"
)

func tcheck(t *testing.T, err error, msg string) {
	t.Helper()
	if err != nil {
		t.Fatalf("%s: %s", msg, err)
	}
}

func writeConfig(t *testing.T, s string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "moximap.conf")
	err := os.WriteFile(p, []byte(strings.ReplaceAll(s, "    ", "\t")), 0660)
	tcheck(t, err, "write config")
	return p
}

func TestParse(t *testing.T) {
	p := writeConfig(t, `DataDir: data
LogLevel: debug
PackageLogLevels:
    imapserver: trace
Hostname: mail.Example.org
Backend: kv
TagService:
    URL: http://127.0.0.1:1080/tags/
InitialMailboxes:
    - Archive
Listeners:
    local:
        IPs:
            - 127.0.0.1
        IMAP:
            Enabled: true
            Port: 1143
            NoRequireSTARTTLS: true
        TagService:
            Enabled: true
`)
	c, errs := ParseFile(p)
	if len(errs) > 0 {
		t.Fatalf("parse: %v", errs)
	}
	if c.HostnameASCII != "mail.example.org" {
		t.Fatalf("got hostname %q", c.HostnameASCII)
	}
	if c.Log[""] != mlog.LevelDebug || c.Log["imapserver"] != mlog.LevelTrace {
		t.Fatalf("bad log levels %v", c.Log)
	}
	l := c.Listeners["local"]
	if !l.IMAP.Enabled || Port(l.IMAP.Port, 143) != 1143 || !l.IMAP.NoRequireSTARTTLS {
		t.Fatalf("bad imap listener config %#v", l.IMAP)
	}
	if l.TagService.Path != "/tags/" || Port(l.TagService.Port, 1080) != 1080 {
		t.Fatalf("bad tag service config %#v", l.TagService)
	}
	if got := c.Mailboxes(); len(got) != 1 || got[0] != "Archive" {
		t.Fatalf("got mailboxes %v", got)
	}
	if got := c.DataDirPath(p, "accounts.db"); got != filepath.Join(filepath.Dir(p), "data", "accounts.db") {
		t.Fatalf("got datadir path %q", got)
	}
}

func TestParseErrors(t *testing.T) {
	const listener = `Listeners:
    local:
        IPs:
            - 127.0.0.1
`

	test := func(conf, expErr string) {
		t.Helper()
		_, errs := ParseFile(writeConfig(t, conf))
		for _, err := range errs {
			if strings.Contains(err.Error(), expErr) {
				return
			}
		}
		t.Fatalf("expected error with %q, got %v", expErr, errs)
	}

	test("DataDir: data\nLogLevel: bogus\nHostname: mail.example.org\n"+listener, "invalid log level")
	test("DataDir: data\nLogLevel: info\nHostname: localhost\n"+listener, "fully qualified")
	test("DataDir: data\nLogLevel: info\nHostname: mail.example.org\nBackend: kv\n"+listener, "TagService.URL")
	test("DataDir: data\nLogLevel: info\nHostname: mail.example.org\nBackend: redis\n"+listener, "unknown backend")
	test("DataDir: data\nLogLevel: info\nHostname: mail.example.org\nInitialMailboxes:\n    - inbox\n"+listener, "always created")
	test("DataDir: data\nLogLevel: info\nHostname: mail.example.org\n"+listener+"        IMAPS:\n            Enabled: true\n", "requires a TLS config")
	test("DataDir: data\nLogLevel: info\nHostname: mail.example.org\n"+listener+"        TLS:\n            KeyCerts:\n                -\n                    CertFile: missing.pem\n                    KeyFile: missing.pem\n", "x509 key pair")
	test("DataDir: data\nLogLevel: info\nHostname: mail.example.org\nListeners:\n    local:\n        IPs:\n            - bogus\n", "invalid IP")

	_, errs := ParseFile(filepath.Join(t.TempDir(), "absent.conf"))
	if len(errs) != 1 || !strings.Contains(errs[0].Error(), "open config file") {
		t.Fatalf("expected open error, got %v", errs)
	}
}

func TestDescribe(t *testing.T) {
	var b bytes.Buffer
	err := sconf.Describe(&b, &Static{})
	tcheck(t, err, "describe")
	if !strings.Contains(b.String(), "TagService:") {
		t.Fatalf("missing TagService in description:\n%s", b.String())
	}
}
