package network

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/certifi/gocertifi"
	"github.com/pkg/errors"
	"lib.kevinlin.info/aperture/lib"

	"edgeconn/internal/metrics"
	"edgeconn/internal/trust"
)

// ErrConnectFailed matches every error returned by the TLS connector.
var ErrConnectFailed = errors.New("connector: connection failed")

// ConnectError describes a failure to establish a TLS connection. Dial, handshake, and
// certificate verification failures are all reported as a ConnectError; the cause is available
// for diagnostics but callers should treat every instance the same way.
type ConnectError struct {
	// Addr is the host:port the connector attempted to reach.
	Addr string
	// Err is the underlying failure.
	Err error
}

// Connector establishes TLS client connections whose certificate trust decision is delegated to a
// trust.ServerCertificates verifier. It never retries; retry policy belongs to the caller.
type Connector struct {
	callback func() trust.CertificateCallback
	cxHook   metrics.ConnectionLifecycleHook
	opts     ConnectorOpts
}

// ConnectorOpts formalizes TLS connector configuration options.
type ConnectorOpts struct {
	// ConnectTimeout is the timeout associated with establishing the TCP connection with the
	// remote server. Zero means no timeout beyond the caller's context.
	ConnectTimeout time.Duration
	// HandshakeTimeout is the timeout associated with the TLS handshake. Zero means no timeout
	// beyond the caller's context.
	HandshakeTimeout time.Duration
	// ExtraRoots are trusted in addition to the public trust-root bundle.
	ExtraRoots []*x509.Certificate
}

var publicRoots struct {
	once sync.Once
	pool *x509.CertPool
	err  error
}

// NewConnector creates a Connector. The callback is optional; nil makes any chain that does not
// verify against the trust roots a final rejection.
func NewConnector(callback trust.CertificateCallback, cxHook metrics.ConnectionLifecycleHook, opts ConnectorOpts) *Connector {
	return NewConnectorFunc(func() trust.CertificateCallback { return callback }, cxHook, opts)
}

// NewConnectorFunc creates a Connector that obtains a fresh callback from newCallback for every
// connection, so that stateful callbacks (such as trust.TrustOnFirstUse) are scoped to a single
// verification.
func NewConnectorFunc(newCallback func() trust.CertificateCallback, cxHook metrics.ConnectionLifecycleHook, opts ConnectorOpts) *Connector {
	if cxHook == nil {
		cxHook = metrics.NewNoopConnectionLifecycleHook()
	}

	return &Connector{
		callback: newCallback,
		cxHook:   cxHook,
		opts:     opts,
	}
}

// ConnectTLS opens a TCP connection to host:port and performs a TLS client handshake with host as
// the server name indicator. The server certificate is verified against the public trust-root
// bundle, consulting callback (if not nil) when verification fails.
//
// The certificate is NOT checked against host. Applications relying on hostname binding must
// verify it themselves, for example from the returned connection's state.
func ConnectTLS(ctx context.Context, host string, port uint16, callback trust.CertificateCallback) (*tls.Conn, error) {
	return NewConnector(callback, nil, ConnectorOpts{}).Connect(ctx, host, port)
}

// Connect opens a TCP connection to host:port and performs a TLS client handshake with host as the
// server name indicator. Both steps are cancelled with ctx. Any failure is reported as a
// *ConnectError, and the TCP connection, if any, is closed.
func (c *Connector) Connect(ctx context.Context, host string, port uint16) (*tls.Conn, error) {
	addr := net.JoinHostPort(host, strconv.Itoa(int(port)))
	dialTimer := lib.NewStopwatch()

	conn, err := c.connect(ctx, host, addr)
	if err != nil {
		c.cxHook.EmitConnectionError()
		return nil, &ConnectError{Addr: addr, Err: err}
	}

	c.cxHook.EmitConnectionOpen(dialTimer.Elapsed(), conn.RemoteAddr())

	return conn, nil
}

// ConnectStream is like Connect, but wraps the connection in a ByteStream. The connection close is
// reported to the connector's lifecycle hook when the last clone of the stream is closed.
func (c *Connector) ConnectStream(ctx context.Context, host string, port uint16) (*ByteStream, error) {
	conn, err := c.Connect(ctx, host, port)
	if err != nil {
		return nil, err
	}

	remote := conn.RemoteAddr()

	return NewTLS(conn, NewToken(func() { c.cxHook.EmitConnectionClose(remote) }))
}

// connect dials and handshakes without reporting metrics.
func (c *Connector) connect(ctx context.Context, host string, addr string) (*tls.Conn, error) {
	dialer := &net.Dialer{Timeout: c.opts.ConnectTimeout}

	raw, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, errors.Wrap(err, "connector: error establishing connection")
	}

	roots, err := c.roots()
	if err != nil {
		raw.Close()
		return nil, err
	}

	certs := trust.NewServerCertificates(c.callback())
	conf := &tls.Config{
		ServerName: host,
		RootCAs:    roots,
		// The verifier replaces default verification entirely, which would also bind the
		// certificate to ServerName.
		InsecureSkipVerify: true,
		VerifyConnection:   certs.VerifyConnection(roots),
	}

	handshakeCtx := ctx
	if c.opts.HandshakeTimeout > 0 {
		var cancel context.CancelFunc
		handshakeCtx, cancel = context.WithTimeout(ctx, c.opts.HandshakeTimeout)
		defer cancel()
	}

	conn := tls.Client(raw, conf)
	if err := conn.HandshakeContext(handshakeCtx); err != nil {
		raw.Close()
		return nil, errors.Wrap(err, "connector: TLS handshake failed")
	}

	return conn, nil
}

// roots builds the trust roots for a single connection: the public bundle plus any extra roots.
func (c *Connector) roots() (*x509.CertPool, error) {
	publicRoots.once.Do(func() {
		publicRoots.pool, publicRoots.err = gocertifi.CACerts()
	})

	if publicRoots.err != nil {
		return nil, errors.Wrap(publicRoots.err, "connector: error loading public trust roots")
	}

	roots := publicRoots.pool.Clone()
	for _, cert := range c.opts.ExtraRoots {
		roots.AddCert(cert)
	}

	return roots, nil
}

// Error describes the failure.
func (e *ConnectError) Error() string {
	return fmt.Sprintf("connector: failed to connect: addr=%s err=%v", e.Addr, e.Err)
}

// Unwrap returns the underlying failure.
func (e *ConnectError) Unwrap() error {
	return e.Err
}

// Is reports whether target is ErrConnectFailed.
func (e *ConnectError) Is(target error) bool {
	return target == ErrConnectFailed
}
