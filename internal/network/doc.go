// Package network contains the transport layer shared by every protocol component. It abstracts
// away the API differences between TCP, TLS-over-TCP, and Unix domain sockets behind a single
// ByteStream, applies admission control to inbound connections, and minimizes the exposed
// interaction surface for outbound TLS connections in an effort to simplify client usage.
package network
