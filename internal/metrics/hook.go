package metrics

import (
	"fmt"
	"net"
	"os"
	"time"
)

// ConnectionLifecycleHook is a metrics hook interface for reporting events that occur during a
// connection lifecycle, for TCP, TLS, and Unix domain socket connections alike.
type ConnectionLifecycleHook interface {
	// EmitConnectionOpen reports the event that a connection was successfully opened. The
	// latency covers dialing and, for TLS, the handshake; it is zero for accepted connections.
	EmitConnectionOpen(latency time.Duration, addr net.Addr)

	// EmitConnectionClose reports the event that a connection was closed.
	EmitConnectionClose(addr net.Addr)

	// EmitConnectionError reports occurrence of an error establishing a connection.
	EmitConnectionError()
}

// TrustHook is a metrics hook interface for reporting certificate trust decisions made outside
// of the default trust roots.
type TrustHook interface {
	// EmitTrustDecision reports whether a certificate decision callback accepted a chain.
	EmitTrustDecision(accepted bool)
}

// RelayHook is a metrics hook interface for reporting events and latencies related to relaying a
// local client connection to the upstream server.
type RelayHook interface {
	// EmitBytes reports the number of bytes relayed in one direction over the lifetime of a
	// relayed connection. The direction is either "upstream" or "downstream".
	EmitBytes(direction string, bytes int64, client net.Addr)

	// EmitDuration reports the total lifetime of a relayed connection.
	EmitDuration(duration time.Duration, client net.Addr, upstream net.Addr)

	// EmitError reports the occurrence of an error that terminated a relayed connection.
	EmitError()
}

// AsyncStatsdConnectionLifecycleHook is an implementation of ConnectionLifecycleHook that outputs
// metrics asynchronously to statsd.
type AsyncStatsdConnectionLifecycleHook struct {
	client *StatsdClient
	source string
}

// AsyncStatsdTrustHook is an implementation of TrustHook that outputs metrics asynchronously to
// statsd.
type AsyncStatsdTrustHook struct {
	client *StatsdClient
}

// AsyncStatsdRelayHook is an implementation of RelayHook that outputs metrics asynchronously to
// statsd.
type AsyncStatsdRelayHook struct {
	client *StatsdClient
}

// NoopConnectionLifecycleHook implements the ConnectionLifecycleHook interface but noops on all
// emissions.
type NoopConnectionLifecycleHook struct{}

// NoopTrustHook implements the TrustHook interface but noops on all emissions.
type NoopTrustHook struct{}

// NoopRelayHook implements the RelayHook interface but noops on all emissions.
type NoopRelayHook struct{}

// NewAsyncStatsdConnectionLifecycleHook creates a new client with the specified source, statsd
// address, statsd sample rate, and version. The source denotes the entity with whom connections
// are opened and closed.
func NewAsyncStatsdConnectionLifecycleHook(source string, addr string, sampleRate float32, version string) (ConnectionLifecycleHook, error) {
	client, err := statsdClientFactory(addr, sampleRate, version)
	if err != nil {
		return nil, err
	}

	return &AsyncStatsdConnectionLifecycleHook{
		client: client,
		source: source,
	}, nil
}

// EmitConnectionOpen statsd implementation
func (h *AsyncStatsdConnectionLifecycleHook) EmitConnectionOpen(latency time.Duration, addr net.Addr) {
	go func() {
		tags := map[string]string{
			"addr":      hostFromAddr(addr),
			"transport": transportFromAddr(addr),
		}

		h.client.Count(fmt.Sprintf("event.%s.cx_open", h.source), 1, tags)

		if latency > 0 {
			h.client.Timing(fmt.Sprintf("latency.%s.cx_open", h.source), latency, tags)
		}
	}()
}

// EmitConnectionClose statsd implementation
func (h *AsyncStatsdConnectionLifecycleHook) EmitConnectionClose(addr net.Addr) {
	go h.client.Count(fmt.Sprintf("event.%s.cx_close", h.source), 1, map[string]string{
		"addr":      hostFromAddr(addr),
		"transport": transportFromAddr(addr),
	})
}

// EmitConnectionError statsd implementation
func (h *AsyncStatsdConnectionLifecycleHook) EmitConnectionError() {
	go h.client.Count(fmt.Sprintf("event.%s.cx_error", h.source), 1, nil)
}

// NewNoopConnectionLifecycleHook creates a noop implementation of ConnectionLifecycleHook.
func NewNoopConnectionLifecycleHook() ConnectionLifecycleHook {
	return &NoopConnectionLifecycleHook{}
}

// EmitConnectionOpen noops.
func (h *NoopConnectionLifecycleHook) EmitConnectionOpen(latency time.Duration, addr net.Addr) {}

// EmitConnectionClose noops.
func (h *NoopConnectionLifecycleHook) EmitConnectionClose(addr net.Addr) {}

// EmitConnectionError noops.
func (h *NoopConnectionLifecycleHook) EmitConnectionError() {}

// NewAsyncStatsdTrustHook creates a new client with the specified statsd address, sample rate, and
// version.
func NewAsyncStatsdTrustHook(addr string, sampleRate float32, version string) (TrustHook, error) {
	client, err := statsdClientFactory(addr, sampleRate, version)
	if err != nil {
		return nil, err
	}

	return &AsyncStatsdTrustHook{client}, nil
}

// EmitTrustDecision statsd implementation
func (h *AsyncStatsdTrustHook) EmitTrustDecision(accepted bool) {
	decision := "declined"
	if accepted {
		decision = "accepted"
	}

	go h.client.Count(fmt.Sprintf("event.trust.%s", decision), 1, nil)
}

// NewNoopTrustHook creates a noop implementation of TrustHook.
func NewNoopTrustHook() TrustHook {
	return &NoopTrustHook{}
}

// EmitTrustDecision noops.
func (h *NoopTrustHook) EmitTrustDecision(accepted bool) {}

// NewAsyncStatsdRelayHook creates a new client with the specified statsd address, sample rate, and
// version.
func NewAsyncStatsdRelayHook(addr string, sampleRate float32, version string) (RelayHook, error) {
	client, err := statsdClientFactory(addr, sampleRate, version)
	if err != nil {
		return nil, err
	}

	return &AsyncStatsdRelayHook{client}, nil
}

// EmitBytes statsd implementation
func (h *AsyncStatsdRelayHook) EmitBytes(direction string, bytes int64, client net.Addr) {
	go h.client.Size(fmt.Sprintf("size.relay.%s", direction), bytes, map[string]string{
		"addr":      hostFromAddr(client),
		"transport": transportFromAddr(client),
	})
}

// EmitDuration statsd implementation
func (h *AsyncStatsdRelayHook) EmitDuration(duration time.Duration, client net.Addr, upstream net.Addr) {
	go h.client.Timing("latency.relay.lifetime", duration, map[string]string{
		"client":    hostFromAddr(client),
		"upstream":  hostFromAddr(upstream),
		"transport": transportFromAddr(client),
	})
}

// EmitError statsd implementation
func (h *AsyncStatsdRelayHook) EmitError() {
	go h.client.Count("event.relay.error", 1, nil)
}

// NewNoopRelayHook creates a noop implementation of RelayHook.
func NewNoopRelayHook() RelayHook {
	return &NoopRelayHook{}
}

// EmitBytes noops.
func (h *NoopRelayHook) EmitBytes(direction string, bytes int64, client net.Addr) {}

// EmitDuration noops.
func (h *NoopRelayHook) EmitDuration(duration time.Duration, client net.Addr, upstream net.Addr) {}

// EmitError noops.
func (h *NoopRelayHook) EmitError() {}

// statsdClientFactory creates a configured StatsdClient with reasonable defaults for the given
// statsd server address, sample rate, and version.
func statsdClientFactory(addr string, sampleRate float32, version string) (*StatsdClient, error) {
	hostname, err := os.Hostname()
	if err != nil {
		return nil, err
	}

	defaultTags := map[string]string{
		"host": hostname,
	}

	if version != "" {
		defaultTags["version"] = version
	}

	return NewStatsdClient(addr, "edgeconn", defaultTags, sampleRate)
}

// hostFromAddr returns the host portion of a net.Addr: the IP address of TCP peers and the socket
// path of Unix peers, or null if unavailable.
func hostFromAddr(addr net.Addr) string {
	if addr == nil {
		return "null"
	}

	switch addr.Network() {
	case "tcp", "tcp4", "tcp6":
		if host, _, err := net.SplitHostPort(addr.String()); err == nil {
			return host
		}

		return "null"
	case "unix":
		return addr.String()
	default:
		return "null"
	}
}

// transportFromAddr returns the transport protocol (as a string) behind a net.Addr, or null if
// unavailable.
func transportFromAddr(addr net.Addr) string {
	if addr == nil {
		return "null"
	}

	switch addr.Network() {
	case "tcp", "tcp4", "tcp6":
		return "tcp"
	case "unix":
		return "unix"
	default:
		return "null"
	}
}
