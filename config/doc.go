/*
Package config holds the configuration file definitions.

Moximap uses a single config file, moximap.conf. It is read at startup, after
changes moximap must be restarted for the changes to take effect. An annotated
empty config file is printed by "moximap config describe", and "moximap config
test" parses and checks a config file.

# sconf

The config file is in "sconf" format. Properties of sconf files:

  - Indentation with tabs only.
  - "#" as first non-whitespace character makes the line a comment. Lines with a
    value cannot also have a comment.
  - Values don't have syntax indicating their type. For example, strings are
    not quoted/escaped and can never span multiple lines.
  - Fields that are optional can be left out completely. But the value of an
    optional field may itself have required fields.

See https://pkg.go.dev/github.com/mjl-/sconf for details.

# Example

	DataDir: data
	LogLevel: info
	PackageLogLevels:
		imapserver: debug
	Hostname: mail.example.org
	Backend: kv
	TagService:
		URL: http://127.0.0.1:1080/tags/
	Listeners:
		internal:
			IPs:
				- 127.0.0.1
			Metrics:
				Enabled: true
			TagService:
				Enabled: true
		public:
			IPs:
				- 0.0.0.0
			TLS:
				KeyCerts:
					-
						CertFile: cert.pem
						KeyFile: key.pem
			IMAP:
				Enabled: true
			IMAPS:
				Enabled: true
*/
package config
