// Package metrics contains abstractions for emission of metrics generated throughout the lifetime
// of connections. Currently, the only supported metrics output engine is statsd.
//
// Metrics are generated at various points in a connection's lifecycle: dialing, the TLS
// handshake and its trust decisions, and relaying bytes. Thus, the metrics emissions in this
// package are structured around the notion of hooks: a hook interface defines methods that are
// invoked by the transport and relay logic at those lifecycle points. Implementations of hook
// interfaces actually output the metrics to a backend engine; this responsibility is decoupled
// from the semantics of "hooking" into connection logic.
package metrics
