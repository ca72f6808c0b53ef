package network

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"net"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// selfSigned creates a self-signed server certificate. It is deliberately not issued for any
// address the tests connect to.
func selfSigned(t *testing.T) (tls.Certificate, *x509.Certificate) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	template := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "db.internal"},
		DNSNames:              []string{"db.internal"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, key.Public(), key)
	require.NoError(t, err)

	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)

	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key, Leaf: cert}, cert
}

// tcpPair returns both ends of a loopback TCP connection.
func tcpPair(t *testing.T) (*net.TCPConn, *net.TCPConn) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	client, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)

	server, err := ln.Accept()
	require.NoError(t, err)

	return client.(*net.TCPConn), server.(*net.TCPConn)
}

// unixPair returns both ends of a Unix domain socket connection, and the listening path.
func unixPair(t *testing.T) (*net.UnixConn, *net.UnixConn, string) {
	path := filepath.Join(t.TempDir(), "s.sock")

	ln, err := net.Listen("unix", path)
	require.NoError(t, err)
	defer ln.Close()

	client, err := net.Dial("unix", path)
	require.NoError(t, err)

	server, err := ln.Accept()
	require.NoError(t, err)

	return client.(*net.UnixConn), server.(*net.UnixConn), path
}

// tlsPair returns both ends of a loopback TLS session, after completing the handshake.
func tlsPair(t *testing.T) (*tls.Conn, *tls.Conn) {
	serverCert, _ := selfSigned(t)
	rawClient, rawServer := tcpPair(t)

	client := tls.Client(rawClient, &tls.Config{InsecureSkipVerify: true})
	server := tls.Server(rawServer, &tls.Config{Certificates: []tls.Certificate{serverCert}})

	errs := make(chan error, 1)
	go func() { errs <- server.Handshake() }()

	require.NoError(t, client.Handshake())
	require.NoError(t, <-errs)

	return client, server
}

// recordingHook counts connection lifecycle events.
type recordingHook struct {
	opens  atomic.Int32
	closes atomic.Int32
	errors atomic.Int32
}

func (h *recordingHook) EmitConnectionOpen(latency time.Duration, addr net.Addr) {
	h.opens.Add(1)
}

func (h *recordingHook) EmitConnectionClose(addr net.Addr) {
	h.closes.Add(1)
}

func (h *recordingHook) EmitConnectionError() {
	h.errors.Add(1)
}
