// Package wireio is the lowest layer of the HTTP core: a timed,
// non-blocking-aware read/write wrapper over a plain or TLS socket. It owns
// the socket exclusively, serializes the single pending TLS read behind a
// mutex, and converts deadline overruns into a sticky timeout flag the
// caller inspects rather than chasing.
package wireio

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/holger24/AFD-sub010/internal/afderr"
	"golang.org/x/sys/unix"
)

// VerifyMode selects how strictly a TLS peer certificate is checked.
type VerifyMode int

// Verification modes, from most to least permissive.
const (
	VerifyNone VerifyMode = iota
	VerifyBasic
	VerifyStrict
)

// Features carries the per-host connection bits that don't change after connect.
type Features struct {
	TLS                 bool
	VerifyMode          VerifyMode
	ServerName          string // SNI
	LegacyRenegotiation bool
	TransferTimeout     time.Duration
}

// Conn is a deadline-bounded connection; exactly one of plain/TLS is live.
type Conn struct {
	raw         net.Conn
	tlsConn     *tls.Conn
	features    Features
	timeoutFlag bool
	readMu      sync.Mutex
}

// Connect dials addr and, if requested, performs a TLS handshake bounded by
// an explicit alarm rather than relying on the TLS library's internal retries.
func Connect(ctx context.Context, addr string, features Features) (*Conn, error) {
	dialer := &net.Dialer{Timeout: features.TransferTimeout}
	raw, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, classifyDialErr(err)
	}
	c := &Conn{raw: raw, features: features}
	if !features.TLS {
		return c, nil
	}
	conf := &tls.Config{ServerName: features.ServerName}
	switch features.VerifyMode {
	case VerifyNone, VerifyBasic:
		conf.InsecureSkipVerify = true
	case VerifyStrict:
		// default verification: full chain + hostname
	}
	if features.LegacyRenegotiation {
		conf.Renegotiation = tls.RenegotiateOnceAsClient
	}
	tlsConn := tls.Client(raw, conf)
	done := make(chan error, 1)
	go func() { done <- tlsConn.HandshakeContext(ctx) }()
	timeout := features.TransferTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	select {
	case err := <-done:
		if err != nil {
			_ = raw.Close()
			return nil, classifyTLSErr(err)
		}
	case <-time.After(timeout):
		_ = raw.Close()
		return nil, afderr.New(afderr.KindTimeout, "wireio.Connect", errors.New("tls handshake timed out"))
	}
	c.tlsConn = tlsConn
	return c, nil
}

// NewFromConn wraps an already-established connection (e.g. one dialed
// through a SOCKS proxy, or a net.Pipe() half in tests) instead of dialing
// one itself. TLS, if requested, is assumed already negotiated by the
// caller: no handshake is performed here, and deadlines come from
// features.TransferTimeout alone whatever features.TLS says.
func NewFromConn(conn net.Conn, features Features) *Conn {
	return &Conn{raw: conn, features: features}
}

func classifyDialErr(err error) error {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return afderr.New(afderr.KindDNS, "wireio.Connect", err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return afderr.New(afderr.KindTimeout, "wireio.Connect", err)
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		if opErr.Op == "dial" {
			return afderr.New(afderr.KindConnectionRefused, "wireio.Connect", err)
		}
	}
	return afderr.New(afderr.KindIO, "wireio.Connect", err)
}

func classifyTLSErr(err error) error {
	var certErr *tls.CertificateVerificationError
	if errors.As(err, &certErr) {
		return afderr.New(afderr.KindTLSVerify, "wireio.Connect", err)
	}
	return afderr.New(afderr.KindTLSHandshake, "wireio.Connect", err)
}

func (c *Conn) deadline() time.Time {
	if c.features.TransferTimeout <= 0 {
		return time.Time{}
	}
	return time.Now().Add(c.features.TransferTimeout)
}

// Write sends block, bounded by the configured transfer timeout.
func (c *Conn) Write(block []byte) error {
	_ = c.raw.SetWriteDeadline(c.deadline())
	var err error
	if c.tlsConn != nil {
		_, err = c.tlsConn.Write(block)
	} else {
		_, err = c.raw.Write(block)
	}
	return c.classifyIOErr(err)
}

// Read reads up to max bytes, bounded by the configured transfer timeout.
// TLS reads are serialized: the library's internal retry-on-partial-record
// behavior can hide more than one raw read behind a single call, so only one
// Read may be outstanding on the TLS connection at a time.
func (c *Conn) Read(max int) ([]byte, error) {
	_ = c.raw.SetReadDeadline(c.deadline())
	buf := make([]byte, max)
	var n int
	var err error
	if c.tlsConn != nil {
		c.readMu.Lock()
		n, err = c.tlsConn.Read(buf)
		c.readMu.Unlock()
	} else {
		n, err = c.raw.Read(buf)
	}
	if err != nil {
		return buf[:n], c.classifyIOErr(err)
	}
	return buf[:n], nil
}

func (c *Conn) classifyIOErr(err error) error {
	if err == nil {
		return nil
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		c.timeoutFlag = true
		return afderr.New(afderr.KindTimeout, "wireio", err)
	}
	if afderr.ShouldRetry(err) {
		return afderr.New(afderr.KindConnectionReset, "wireio", err)
	}
	return afderr.New(afderr.KindIO, "wireio", err)
}

// TimeoutFlag reports whether a previous call hit the deadline. Sticky until cleared.
func (c *Conn) TimeoutFlag() bool { return c.timeoutFlag }

// ClearTimeoutFlag resets the sticky timeout flag. The httpcmd verbs do not
// call it; the flag stays set until a caller does.
func (c *Conn) ClearTimeoutFlag() { c.timeoutFlag = false }

// PeerClosed does a non-blocking one-byte peek to detect a half-closed peer
// without consuming application data, used as the pre-send connection check.
func (c *Conn) PeerClosed() bool {
	tcpConn, ok := c.raw.(*net.TCPConn)
	if !ok {
		return false
	}
	rawConn, err := tcpConn.SyscallConn()
	if err != nil {
		return false
	}
	var peeked int
	var peekErr error
	ctrlErr := rawConn.Read(func(fd uintptr) bool {
		buf := make([]byte, 1)
		n, _, err := unix.Recvfrom(int(fd), buf, unix.MSG_PEEK|unix.MSG_DONTWAIT)
		peeked = n
		peekErr = err
		return true
	})
	if ctrlErr != nil {
		return false
	}
	if peekErr == unix.EAGAIN || peekErr == unix.EWOULDBLOCK {
		return false // nothing pending, connection presumed alive
	}
	if peekErr != nil {
		return true // any other errno reading the socket: treat as closed
	}
	return peeked == 0 // zero-length read on a readable socket means EOF
}

// Close tears down the socket (and TLS context, if any).
func (c *Conn) Close() error {
	if c.tlsConn != nil {
		_ = c.tlsConn.Close()
	}
	return c.raw.Close()
}
