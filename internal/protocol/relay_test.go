package protocol

import (
	"bytes"
	"context"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"edgeconn/internal/log"
	"edgeconn/internal/network"
)

// tcpUpstream opens plaintext streams to a fixed address, regardless of the requested host.
type tcpUpstream struct {
	addr string
}

func (u *tcpUpstream) ConnectStream(ctx context.Context, host string, port uint16) (*network.ByteStream, error) {
	var dialer net.Dialer

	conn, err := dialer.DialContext(ctx, "tcp", u.addr)
	if err != nil {
		return nil, err
	}

	return network.NewDetached(conn)
}

type failingUpstream struct{}

func (failingUpstream) ConnectStream(ctx context.Context, host string, port uint16) (*network.ByteStream, error) {
	return nil, errors.New("upstream unavailable")
}

type recordingRelayHook struct {
	mutex sync.Mutex
	bytes map[string]int64
	errs  int
}

func (h *recordingRelayHook) EmitBytes(direction string, bytes int64, client net.Addr) {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	h.bytes[direction] += bytes
}

func (h *recordingRelayHook) EmitDuration(duration time.Duration, client net.Addr, upstream net.Addr) {}

func (h *recordingRelayHook) EmitError() {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	h.errs++
}

// echoUpstream echoes every connection until the client finishes writing.
func echoUpstream(t *testing.T) string {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
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

	return ln.Addr().String()
}

// clientPair returns a local client connection and the accepted end as a ByteStream.
func clientPair(t *testing.T) (*net.TCPConn, *network.ByteStream) {
	ln, err := network.Listen("tcp", "127.0.0.1:0", network.ListenerOpts{})
	require.NoError(t, err)
	defer ln.Close()

	client, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)

	stream, err := ln.Accept(context.Background())
	require.NoError(t, err)

	return client.(*net.TCPConn), stream
}

func newHandler(upstream Upstream, out io.Writer) (*RelayHandler, *recordingRelayHook) {
	hook := &recordingRelayHook{bytes: make(map[string]int64)}

	return &RelayHandler{
		Upstream:  upstream,
		Host:      "db.internal",
		Port:      5656,
		RelayHook: hook,
		Logger:    log.NewWriterLogger(out, log.Debug),
	}, hook
}

func TestRelay(t *testing.T) {
	client, stream := clientPair(t)
	defer client.Close()
	defer stream.Close()

	var out bytes.Buffer
	h, hook := newHandler(&tcpUpstream{echoUpstream(t)}, &out)

	done := make(chan error, 1)
	go func() { done <- h.Handle(context.Background(), stream) }()

	_, err := client.Write([]byte("hello"))
	require.NoError(t, err)
	require.NoError(t, client.CloseWrite())

	echoed, err := io.ReadAll(client)
	require.NoError(t, err)
	require.Equal(t, "hello", string(echoed))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("relay did not finish")
	}

	hook.mutex.Lock()
	defer hook.mutex.Unlock()

	require.EqualValues(t, 5, hook.bytes["upstream"])
	require.EqualValues(t, 5, hook.bytes["downstream"])
	require.Contains(t, out.String(), "relay: opened upstream connection")
}

func TestRelayCancelled(t *testing.T) {
	client, stream := clientPair(t)
	defer client.Close()
	defer stream.Close()

	var out bytes.Buffer
	h, _ := newHandler(&tcpUpstream{echoUpstream(t)}, &out)

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- h.Handle(ctx, stream) }()

	_, err := client.Write([]byte("ping"))
	require.NoError(t, err)

	buf := make([]byte, 4)
	_, err = io.ReadFull(client, buf)
	require.NoError(t, err)

	cancel()

	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("relay was not interrupted")
	}
}

func TestRelayUpstreamFailure(t *testing.T) {
	client, stream := clientPair(t)
	defer client.Close()
	defer stream.Close()

	var out bytes.Buffer
	h, hook := newHandler(failingUpstream{}, &out)

	ctx := context.WithValue(context.Background(), network.TransportContextKey, network.TCP)

	err := h.Handle(ctx, stream)
	require.Error(t, err)

	h.ConsumeError(ctx, err)
	require.Contains(t, out.String(), "upstream unavailable")
	require.Equal(t, 1, hook.errs)
}

func TestRelayWithoutLoggerOrHook(t *testing.T) {
	client, stream := clientPair(t)
	defer client.Close()
	defer stream.Close()

	h := &RelayHandler{Upstream: failingUpstream{}}

	err := h.Handle(context.Background(), stream)
	require.Error(t, err)
	require.NotPanics(t, func() { h.ConsumeError(context.Background(), err) })
}
