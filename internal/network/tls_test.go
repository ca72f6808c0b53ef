package network

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"io"
	"net"
	"strconv"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"edgeconn/internal/trust"
)

// echoServer serves TLS with a self-signed certificate, echoing every session back to the client.
func echoServer(t *testing.T) (uint16, *x509.Certificate) {
	serverCert, cert := selfSigned(t)

	ln, err := tls.Listen("tcp", "127.0.0.1:0", &tls.Config{Certificates: []tls.Certificate{serverCert}})
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}

			go func() {
				defer conn.Close()
				io.Copy(conn, conn)
			}()
		}
	}()

	return uint16(ln.Addr().(*net.TCPAddr).Port), cert
}

func echo(t *testing.T, conn net.Conn) {
	_, err := conn.Write([]byte("ping"))
	require.NoError(t, err)

	buf := make([]byte, 4)
	_, err = io.ReadFull(conn, buf)
	require.NoError(t, err)
	require.Equal(t, "ping", string(buf))
}

func TestConnectTLSTrustOnFirstUse(t *testing.T) {
	port, cert := echoServer(t)

	conn, err := ConnectTLS(context.Background(), "127.0.0.1", port, trust.TrustOnFirstUse())
	require.NoError(t, err)
	defer conn.Close()

	require.True(t, conn.ConnectionState().PeerCertificates[0].Equal(cert))
	echo(t, conn)
}

func TestConnectTLSUntrusted(t *testing.T) {
	port, _ := echoServer(t)

	_, err := ConnectTLS(context.Background(), "127.0.0.1", port, nil)
	require.ErrorIs(t, err, ErrConnectFailed)

	var connectErr *ConnectError
	require.ErrorAs(t, err, &connectErr)
	require.Equal(t, net.JoinHostPort("127.0.0.1", strconv.Itoa(int(port))), connectErr.Addr)

	calls := 0
	_, err = ConnectTLS(context.Background(), "127.0.0.1", port, func([]*x509.Certificate, *x509.CertPool) bool {
		calls++
		return false
	})
	require.ErrorIs(t, err, ErrConnectFailed)
	require.Equal(t, 1, calls)
}

func TestConnectorExtraRoots(t *testing.T) {
	port, cert := echoServer(t)
	hook := &recordingHook{}

	// The certificate names db.internal only; the server name is not checked.
	connector := NewConnector(nil, hook, ConnectorOpts{ExtraRoots: []*x509.Certificate{cert}})

	conn, err := connector.Connect(context.Background(), "127.0.0.1", port)
	require.NoError(t, err)
	defer conn.Close()

	echo(t, conn)
	require.EqualValues(t, 1, hook.opens.Load())
	require.EqualValues(t, 0, hook.errors.Load())
}

func TestConnectorFreshCallbackPerConnection(t *testing.T) {
	port, _ := echoServer(t)

	var created atomic.Int32
	connector := NewConnectorFunc(func() trust.CertificateCallback {
		created.Add(1)
		return trust.TrustOnFirstUse()
	}, nil, ConnectorOpts{})

	for i := 0; i < 2; i++ {
		conn, err := connector.Connect(context.Background(), "127.0.0.1", port)
		require.NoError(t, err)
		echo(t, conn)
		require.NoError(t, conn.Close())
	}

	require.EqualValues(t, 2, created.Load())
}

func TestConnectorConnectStream(t *testing.T) {
	port, _ := echoServer(t)
	hook := &recordingHook{}

	connector := NewConnectorFunc(trust.TrustOnFirstUse, hook, ConnectorOpts{})

	stream, err := connector.ConnectStream(context.Background(), "127.0.0.1", port)
	require.NoError(t, err)
	require.Equal(t, TLS, stream.Transport())
	require.Equal(t, "127.0.0.1", stream.PeerAddr().(TCPPeerAddr).IP.String())

	clone := stream.Clone()
	echo(t, clone)

	require.NoError(t, stream.Close())
	require.EqualValues(t, 0, hook.closes.Load())
	require.NoError(t, clone.Close())
	require.EqualValues(t, 1, hook.opens.Load())
	require.EqualValues(t, 1, hook.closes.Load())
}

func TestConnectorDialFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := uint16(ln.Addr().(*net.TCPAddr).Port)
	require.NoError(t, ln.Close())

	hook := &recordingHook{}
	connector := NewConnector(trust.TrustPresented, hook, ConnectorOpts{})

	_, err = connector.Connect(context.Background(), "127.0.0.1", port)
	require.ErrorIs(t, err, ErrConnectFailed)
	require.EqualValues(t, 1, hook.errors.Load())
	require.EqualValues(t, 0, hook.opens.Load())
}

func TestConnectorCancelled(t *testing.T) {
	port, _ := echoServer(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := ConnectTLS(ctx, "127.0.0.1", port, trust.TrustOnFirstUse())
	require.ErrorIs(t, err, ErrConnectFailed)
}
