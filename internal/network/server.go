package network

import (
	"context"
	"net"

	"github.com/pkg/errors"

	"edgeconn/internal/metrics"
)

// contextKey is a type alias for context keys passed to server handlers.
type contextKey int

// ServerHandler is a common interface that wraps logic for handling incoming connections on any
// transport.
type ServerHandler interface {
	// Handle describes the routine to run when the server accepts a connection from a client.
	// The server closes its handle on the stream once Handle returns; clones made by the
	// handler keep the connection (and its admission slot) alive.
	Handle(ctx context.Context, stream *ByteStream) error

	// ConsumeError is a callback invoked when the server fails to accept a connection from a
	// client, or when the handler returns an error.
	ConsumeError(ctx context.Context, err error)
}

// Server serves connections accepted from an admission-controlled Listener.
type Server struct {
	listener *Listener
	cxHook   metrics.ConnectionLifecycleHook
}

const (
	// TransportContextKey is the name of the context key used to indicate the Transport of the
	// stream the handler is serving. This is necessary because the handler APIs are abstracted
	// to the point that they are inherently agnostic to the client connection's underlying
	// transport.
	TransportContextKey contextKey = iota
)

// NewServer creates a server accepting connections from the specified listener.
func NewServer(listener *Listener, cxHook metrics.ConnectionLifecycleHook) *Server {
	if cxHook == nil {
		cxHook = metrics.NewNoopConnectionLifecycleHook()
	}

	return &Server{listener, cxHook}
}

// Serve accepts connections and serves each of them with the specified handler in its own
// goroutine, until ctx is done or the listener is closed. The listener is closed when Serve
// returns.
func (s *Server) Serve(ctx context.Context, handler ServerHandler) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		<-ctx.Done()
		s.listener.Close()
	}()

	for {
		stream, err := s.listener.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}

			if errors.Is(err, net.ErrClosed) {
				return err
			}

			s.cxHook.EmitConnectionError()
			handler.ConsumeError(ctx, err)
			continue
		}

		peer := stream.PeerAddr()
		s.cxHook.EmitConnectionOpen(0, peer)

		streamCtx := context.WithValue(ctx, TransportContextKey, stream.Transport())

		go func() {
			defer func() {
				s.cxHook.EmitConnectionClose(peer)
				stream.Close()
			}()

			if err := handler.Handle(streamCtx, stream); err != nil {
				handler.ConsumeError(streamCtx, err)
			}
		}()
	}
}
