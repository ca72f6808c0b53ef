package network

import (
	"net"
)

// PeerAddr identifies the remote endpoint of a ByteStream. The set of implementations is closed:
// it is either a TCPPeerAddr or a UnixPeerAddr.
//
// UnixPeerAddr is available on every platform, including those without Unix domain socket
// support, so that generic code need not special-case platform availability.
type PeerAddr interface {
	net.Addr

	peerAddr()
}

// TCPPeerAddr is the address of a TCP peer. TLS streams report the address of the TCP socket they
// are layered on.
type TCPPeerAddr struct {
	*net.TCPAddr
}

// UnixPeerAddr is the filesystem path of a Unix domain socket peer. An empty Path denotes an
// unnamed socket.
type UnixPeerAddr struct {
	Path string
}

// Network returns the name of the network.
func (a TCPPeerAddr) Network() string {
	return "tcp"
}

// String renders the address in standard host:port notation.
func (a TCPPeerAddr) String() string {
	return a.TCPAddr.String()
}

func (TCPPeerAddr) peerAddr() {}

// Network returns the name of the network.
func (a UnixPeerAddr) Network() string {
	return "unix"
}

// String renders the socket path, or <unnamed> if the peer socket is not bound to a path.
func (a UnixPeerAddr) String() string {
	if a.Path == "" {
		return "<unnamed>"
	}

	return a.Path
}

func (UnixPeerAddr) peerAddr() {}

func tcpPeerAddr(addr net.Addr) TCPPeerAddr {
	tcpAddr, _ := addr.(*net.TCPAddr)

	return TCPPeerAddr{tcpAddr}
}

func unixPeerAddr(addr net.Addr) UnixPeerAddr {
	unixAddr, ok := addr.(*net.UnixAddr)
	if !ok || unixAddr == nil || unixAddr.Name == "@" {
		return UnixPeerAddr{}
	}

	return UnixPeerAddr{Path: unixAddr.Name}
}
