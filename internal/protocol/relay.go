package protocol

import (
	"context"
	"io"
	"time"

	"github.com/getsentry/raven-go"
	"github.com/pkg/errors"
	"lib.kevinlin.info/aperture/lib"

	"edgeconn/internal/log"
	"edgeconn/internal/metrics"
	"edgeconn/internal/network"
)

// Upstream opens byte streams to the upstream server.
type Upstream interface {
	// ConnectStream opens a stream to host:port.
	ConnectStream(ctx context.Context, host string, port uint16) (*network.ByteStream, error)
}

// RelayHandler is a protocol-agnostic server handler that relays bytes between a local client and
// a freshly opened upstream stream, typically a plaintext local socket and a TLS connection to
// the database server.
type RelayHandler struct {
	Upstream  Upstream
	Host      string
	Port      uint16
	RelayHook metrics.RelayHook
	Logger    log.Logger
	Opts      RelayOpts
}

// RelayOpts formalizes configuration options for the relay handler.
type RelayOpts struct {
	// ReadTimeout is the maximum amount of time a single read from either side may take. Since
	// database sessions are often idle for long periods, it is generally recommended to leave
	// this unset or generous.
	ReadTimeout time.Duration
	// WriteTimeout is the maximum amount of time a single write to either side may take.
	WriteTimeout time.Duration
}

// ConsumeError logs and reports the relay error.
func (h *RelayHandler) ConsumeError(ctx context.Context, err error) {
	h.logger().Error("%v", err)
	h.hook().EmitError()

	transport := "unknown"
	if t, ok := ctx.Value(network.TransportContextKey).(network.Transport); ok {
		transport = t.String()
	}

	raven.CaptureError(err, map[string]string{
		"transport": transport,
	})
}

// Handle opens an upstream stream and relays bytes in both directions until both sides have
// finished writing, either side fails, or ctx is done. End of input on one side is propagated to
// the other as a graceful write-side close.
func (h *RelayHandler) Handle(ctx context.Context, client *network.ByteStream) error {
	lifetime := lib.NewStopwatch()

	upstream, err := h.Upstream.ConnectStream(ctx, h.Host, h.Port)
	if err != nil {
		return errors.Wrap(err, "relay: error opening upstream connection")
	}
	defer upstream.Close()

	h.logger().Debug(
		"relay: opened upstream connection: client=%s upstream=%s transport=%s",
		client.PeerAddr(),
		upstream.PeerAddr(),
		client.Transport(),
	)

	// Interrupt both directions when the server shuts down or either direction fails.
	interrupt := func() {
		now := time.Now()
		client.SetDeadline(now)
		upstream.SetDeadline(now)
	}
	stop := context.AfterFunc(ctx, interrupt)
	defer stop()

	errs := make(chan error, 2)
	go func() { errs <- h.pipe("upstream", upstream, client, client) }()
	go func() { errs <- h.pipe("downstream", client, upstream, client) }()

	var relayErr error
	for i := 0; i < 2; i++ {
		if err := <-errs; err != nil && relayErr == nil {
			relayErr = err
			interrupt()
		}
	}

	if ctx.Err() != nil && relayErr != nil {
		relayErr = ctx.Err()
	}

	h.logger().Debug(
		"relay: closed relayed connection: client=%s lifetime=%v",
		client.PeerAddr(),
		lifetime.Elapsed(),
	)

	h.hook().EmitDuration(lifetime.Elapsed(), client.PeerAddr(), upstream.PeerAddr())

	return relayErr
}

// pipe copies from src to dst until src reaches end of input, then gracefully closes the writing
// side of dst.
func (h *RelayHandler) pipe(direction string, dst *network.ByteStream, src *network.ByteStream, client *network.ByteStream) error {
	n, err := io.Copy(
		network.NewTimeoutConn(dst, 0, h.Opts.WriteTimeout),
		network.NewTimeoutConn(src, h.Opts.ReadTimeout, 0),
	)

	h.hook().EmitBytes(direction, n, client.PeerAddr())

	if err != nil {
		return errors.Wrapf(err, "relay: error relaying bytes: direction=%s bytes=%d", direction, n)
	}

	// The peer may already have torn down its side; that does not fail the relay.
	if err := dst.CloseWrite(); err != nil {
		h.logger().Debug("relay: failed to close write side: direction=%s err=%v", direction, err)
	}

	h.logger().Debug("relay: finished relaying: direction=%s bytes=%d", direction, n)

	return nil
}

func (h *RelayHandler) logger() log.Logger {
	if h.Logger == nil {
		return log.NewNoopLogger()
	}

	return h.Logger
}

func (h *RelayHandler) hook() metrics.RelayHook {
	if h.RelayHook == nil {
		return metrics.NewNoopRelayHook()
	}

	return h.RelayHook
}
