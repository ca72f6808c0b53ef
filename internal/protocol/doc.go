// Package protocol contains the connection handlers served on top of the transport layer. It does
// not understand the database wire protocol; it mediates bytes between local clients and the
// upstream server.
package protocol
