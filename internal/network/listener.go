package network

import (
	"context"
	"net"

	"github.com/pkg/errors"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// Listener accepts TCP or Unix domain socket connections under admission control. Each accepted
// ByteStream holds one slot; the slot is freed when the last clone of the stream is closed. While
// all slots are held, Accept blocks before accepting, applying backpressure to clients through the
// kernel's listen backlog.
type Listener struct {
	ln      net.Listener
	sem     *semaphore.Weighted
	limiter *rate.Limiter
}

// ListenerOpts formalizes listener configuration options.
type ListenerOpts struct {
	// MaxConcurrentConnections configures the maximum number of accepted streams that may be
	// open at once.
	MaxConcurrentConnections int
	// AcceptRate limits the number of connections accepted per second. Zero disables the limit.
	AcceptRate float64
	// AcceptBurst is the number of connections that may be accepted at once above AcceptRate.
	AcceptBurst int
}

// Listen listens on a TCP ("tcp", "tcp4", "tcp6") or Unix domain socket ("unix") address.
func Listen(network string, addr string, opts ListenerOpts) (*Listener, error) {
	switch network {
	case "tcp", "tcp4", "tcp6", "unix":
	default:
		return nil, errors.Errorf("listener: unsupported network: network=%s", network)
	}

	ln, err := net.Listen(network, addr)
	if err != nil {
		return nil, errors.Wrapf(err, "listener: failed to listen: network=%s addr=%s", network, addr)
	}

	return NewListener(ln, opts), nil
}

// NewListener applies admission control to an existing listener. The listener must produce TCP or
// Unix domain socket connections.
func NewListener(ln net.Listener, opts ListenerOpts) *Listener {
	// Sane option defaults
	if opts.MaxConcurrentConnections <= 0 {
		opts.MaxConcurrentConnections = 16
	}

	limiter := rate.NewLimiter(rate.Inf, 0)
	if opts.AcceptRate > 0 {
		if opts.AcceptBurst <= 0 {
			opts.AcceptBurst = 1
		}

		limiter = rate.NewLimiter(rate.Limit(opts.AcceptRate), opts.AcceptBurst)
	}

	return &Listener{
		ln:      ln,
		sem:     semaphore.NewWeighted(int64(opts.MaxConcurrentConnections)),
		limiter: limiter,
	}
}

// Accept waits for a free admission slot and the accept rate limit, then for the next connection.
// Waiting for a slot or the rate limit is cancelled with ctx; waiting for a connection is
// interrupted by closing the listener.
func (l *Listener) Accept(ctx context.Context) (*ByteStream, error) {
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}

	if err := l.limiter.Wait(ctx); err != nil {
		l.sem.Release(1)
		return nil, err
	}

	conn, err := l.ln.Accept()
	if err != nil {
		l.sem.Release(1)
		return nil, err
	}

	stream, err := wrapConn(conn, newSemaphoreToken(l.sem))
	if err != nil {
		conn.Close()
		l.sem.Release(1)
		return nil, err
	}

	return stream, nil
}

// Addr returns the listening address.
func (l *Listener) Addr() net.Addr {
	return l.ln.Addr()
}

// Close stops listening. Streams already accepted are unaffected.
func (l *Listener) Close() error {
	return l.ln.Close()
}
