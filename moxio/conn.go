package moxio

import (
	"crypto/tls"
	"errors"
	"io"
	"net"
	"syscall"
)

// IsClosed returns whether err indicates the connection can no longer be used,
// e.g. because it was closed or reset by the remote, or the remote aborted TLS.
// Such errors are not worth logging as errors.
func IsClosed(err error) bool {
	if errors.Is(err, net.ErrClosed) || errors.Is(err, syscall.EPIPE) || errors.Is(err, syscall.ECONNRESET) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr) && opErr.Op == "remote error"
}

// PrefixConn first returns the data from Prefix for reads, then reads from the
// Conn. For STARTTLS, where the start of the TLS handshake can already be in a
// read buffer.
type PrefixConn struct {
	Prefix io.Reader // Set to nil once drained.
	net.Conn
}

func (c *PrefixConn) Read(buf []byte) (int, error) {
	if c.Prefix == nil {
		return c.Conn.Read(buf)
	}
	n, err := c.Prefix.Read(buf)
	if err == io.EOF {
		c.Prefix = nil
		if n == 0 {
			return c.Conn.Read(buf)
		}
		err = nil
	}
	return n, err
}

// TLSInfo returns the negotiated TLS version and cipher suite, for logging.
func TLSInfo(conn *tls.Conn) (version, ciphersuite string) {
	st := conn.ConnectionState()
	return tls.VersionName(st.Version), tls.CipherSuiteName(st.CipherSuite)
}
