//go:generate go run golang.org/x/tools/cmd/stringer -type=Transport

package network

import (
	"crypto/tls"
	"fmt"
	"net"
	"sync/atomic"
	"time"
)

// Transport describes the kind of socket backing a ByteStream.
type Transport int

const (
	// TCP describes a plaintext TCP socket.
	TCP Transport = iota
	// TLS describes a TLS session layered on a TCP socket.
	TLS
	// Unix describes a Unix domain socket.
	Unix
)

// ByteStream is a handle on a single TCP, TLS-over-TCP, or Unix domain socket, together with the
// admission token under which the connection was accepted. It implements net.Conn, so it can be
// used for protocol implementation directly.
//
// All I/O is passed through to the backing socket: there is no buffering, and errors are returned
// verbatim. A ByteStream is not internally synchronized; callers may have at most one read and
// one write in flight at any time, across all clones of the stream.
//
// Cloning is shallow: every clone refers to the same socket and the same token. Closing a handle
// only drops that handle. The socket is closed, and the token released, when the last handle is
// closed, regardless of the order in which clones are closed.
type ByteStream struct {
	shared *shared
	closed atomic.Bool
}

// stream is the live socket behind a ByteStream. Exactly one of the socket fields is set, as
// selected by kind, and it never changes after construction.
type stream struct {
	kind Transport
	tcp  *net.TCPConn
	tls  *tls.Conn
	unix *net.UnixConn
}

// shared is the state common to all clones of a ByteStream.
type shared struct {
	stream stream
	token  Token
	refs   atomic.Int32
}

// NewTCP creates a ByteStream for an accepted TCP socket, holding the specified admission token.
func NewTCP(conn *net.TCPConn, token Token) *ByteStream {
	return newByteStream(stream{kind: TCP, tcp: conn}, token)
}

// NewUnix creates a ByteStream for an accepted Unix domain socket, holding the specified
// admission token.
func NewUnix(conn *net.UnixConn, token Token) *ByteStream {
	return newByteStream(stream{kind: Unix, unix: conn}, token)
}

// NewTLS creates a ByteStream for a TLS session, holding the specified admission token. It returns
// an error if the session is not layered on a TCP socket.
func NewTLS(conn *tls.Conn, token Token) (*ByteStream, error) {
	if _, ok := conn.NetConn().(*net.TCPConn); !ok {
		return nil, fmt.Errorf(
			"stream: TLS session is not layered on a TCP socket: type=%T",
			conn.NetConn(),
		)
	}

	return newByteStream(stream{kind: TLS, tls: conn}, token), nil
}

// NewTCPDetached creates a ByteStream for a TCP socket without an admission token.
//
// This can be used with interfaces that require a ByteStream for connections that were not
// obtained from a Listener applying admission control, for example client connections.
func NewTCPDetached(conn *net.TCPConn) *ByteStream {
	return NewTCP(conn, detachedToken{})
}

// NewUnixDetached creates a ByteStream for a Unix domain socket without an admission token.
func NewUnixDetached(conn *net.UnixConn) *ByteStream {
	return NewUnix(conn, detachedToken{})
}

// NewTLSDetached creates a ByteStream for an established TLS session without an admission token.
func NewTLSDetached(conn *tls.Conn) (*ByteStream, error) {
	return NewTLS(conn, detachedToken{})
}

// NewDetached creates a ByteStream from any supported socket type without an admission token.
func NewDetached(conn net.Conn) (*ByteStream, error) {
	return wrapConn(conn, detachedToken{})
}

// wrapConn selects the stream variant matching the dynamic type of conn.
func wrapConn(conn net.Conn, token Token) (*ByteStream, error) {
	switch c := conn.(type) {
	case *net.TCPConn:
		return NewTCP(c, token), nil
	case *tls.Conn:
		return NewTLS(c, token)
	case *net.UnixConn:
		return NewUnix(c, token), nil
	default:
		return nil, fmt.Errorf("stream: unsupported connection type: type=%T", conn)
	}
}

func newByteStream(s stream, token Token) *ByteStream {
	sh := &shared{stream: s, token: token}
	sh.refs.Store(1)

	return &ByteStream{shared: sh}
}

// Clone returns a new handle to the same socket and admission token. Cloning a closed handle
// returns a handle that is also closed.
func (b *ByteStream) Clone() *ByteStream {
	clone := &ByteStream{shared: b.shared}

	if b.closed.Load() {
		clone.closed.Store(true)
		return clone
	}

	b.shared.refs.Add(1)

	return clone
}

// Transport reports the kind of socket backing the stream.
func (b *ByteStream) Transport() Transport {
	return b.shared.stream.kind
}

// PeerAddr returns the address of the remote end of the stream.
func (b *ByteStream) PeerAddr() PeerAddr {
	s := &b.shared.stream

	switch s.kind {
	case TCP:
		return tcpPeerAddr(s.tcp.RemoteAddr())
	case TLS:
		return tcpPeerAddr(s.tls.RemoteAddr())
	case Unix:
		return unixPeerAddr(s.unix.RemoteAddr())
	default:
		panic(fmt.Sprintf("stream: unknown transport: transport=%v", s.kind))
	}
}

// ConnectionState returns the state of the TLS session behind the stream. It reports false for
// streams of other transports.
func (b *ByteStream) ConnectionState() (tls.ConnectionState, bool) {
	if b.shared.stream.kind != TLS {
		return tls.ConnectionState{}, false
	}

	return b.shared.stream.tls.ConnectionState(), true
}

// Read reads from the socket.
func (b *ByteStream) Read(buf []byte) (int, error) {
	if b.closed.Load() {
		return 0, net.ErrClosed
	}

	return b.shared.stream.conn().Read(buf)
}

// ReadBuffers performs a vectored read. Like a single read, it may return fewer bytes than
// requested; the bytes are placed in the first non-empty buffer.
func (b *ByteStream) ReadBuffers(bufs [][]byte) (int, error) {
	for _, buf := range bufs {
		if len(buf) > 0 {
			return b.Read(buf)
		}
	}

	return b.Read(nil)
}

// Write writes to the socket.
func (b *ByteStream) Write(buf []byte) (int, error) {
	if b.closed.Load() {
		return 0, net.ErrClosed
	}

	return b.shared.stream.conn().Write(buf)
}

// WriteBuffers performs a vectored write, using writev(2) where the socket supports it. The
// buffers are consumed as they are written.
func (b *ByteStream) WriteBuffers(bufs net.Buffers) (int64, error) {
	if b.closed.Load() {
		return 0, net.ErrClosed
	}

	return bufs.WriteTo(b.shared.stream.conn())
}

// Flush flushes pending writes. None of the supported sockets buffer writes in user space, so
// this only reports whether the handle is still usable.
func (b *ByteStream) Flush() error {
	if b.closed.Load() {
		return net.ErrClosed
	}

	return nil
}

// CloseWrite gracefully shuts down the writing side of the stream. TLS streams send a close_notify
// alert; TCP and Unix streams half-close the socket. The stream remains readable.
func (b *ByteStream) CloseWrite() error {
	if b.closed.Load() {
		return net.ErrClosed
	}

	s := &b.shared.stream

	switch s.kind {
	case TCP:
		return s.tcp.CloseWrite()
	case TLS:
		return s.tls.CloseWrite()
	case Unix:
		return s.unix.CloseWrite()
	default:
		panic(fmt.Sprintf("stream: unknown transport: transport=%v", s.kind))
	}
}

// Close drops this handle. The socket is closed and the admission token released when the last
// handle is dropped. Closing an already-closed handle is a noop.
func (b *ByteStream) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}

	return b.shared.release()
}

// LocalAddr returns the local address of the socket.
func (b *ByteStream) LocalAddr() net.Addr {
	return b.shared.stream.conn().LocalAddr()
}

// RemoteAddr returns the remote address of the socket. See PeerAddr for a transport-agnostic
// representation.
func (b *ByteStream) RemoteAddr() net.Addr {
	return b.shared.stream.conn().RemoteAddr()
}

// SetDeadline sets both the read and write deadline. A pending read or write interrupted by the
// deadline reports exactly the bytes it transferred.
func (b *ByteStream) SetDeadline(t time.Time) error {
	return b.shared.stream.conn().SetDeadline(t)
}

// SetReadDeadline sets the read deadline.
func (b *ByteStream) SetReadDeadline(t time.Time) error {
	return b.shared.stream.conn().SetReadDeadline(t)
}

// SetWriteDeadline sets the write deadline.
func (b *ByteStream) SetWriteDeadline(t time.Time) error {
	return b.shared.stream.conn().SetWriteDeadline(t)
}

// String implements the Stringer interface for human-consumable representation.
func (b *ByteStream) String() string {
	return fmt.Sprintf("ByteStream{%s %s->%s}", b.Transport(), b.LocalAddr(), b.PeerAddr())
}

// conn returns the live socket as a net.Conn.
func (s *stream) conn() net.Conn {
	switch s.kind {
	case TCP:
		return s.tcp
	case TLS:
		return s.tls
	case Unix:
		return s.unix
	default:
		panic(fmt.Sprintf("stream: unknown transport: transport=%v", s.kind))
	}
}

// release drops one reference to the shared state. Dropping the last reference closes the socket
// and releases the admission token.
func (s *shared) release() error {
	if s.refs.Add(-1) != 0 {
		return nil
	}

	err := s.stream.conn().Close()
	s.token.Release()

	return err
}
