package network

import (
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestListenUnsupportedNetwork(t *testing.T) {
	_, err := Listen("udp", "127.0.0.1:0", ListenerOpts{})
	require.Error(t, err)
}

func TestListenerAdmission(t *testing.T) {
	ln, err := Listen("tcp", "127.0.0.1:0", ListenerOpts{MaxConcurrentConnections: 1})
	require.NoError(t, err)
	defer ln.Close()

	first, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer first.Close()

	stream, err := ln.Accept(context.Background())
	require.NoError(t, err)
	clone := stream.Clone()

	second, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer second.Close()

	accepted := make(chan *ByteStream, 1)
	go func() {
		next, err := ln.Accept(context.Background())
		if err == nil {
			accepted <- next
		}
	}()

	select {
	case <-accepted:
		t.Fatal("accepted a connection while the only slot was held")
	case <-time.After(100 * time.Millisecond):
	}

	require.NoError(t, stream.Close())

	select {
	case <-accepted:
		t.Fatal("accepted a connection while a clone still held the slot")
	case <-time.After(100 * time.Millisecond):
	}

	require.NoError(t, clone.Close())

	select {
	case next := <-accepted:
		require.Equal(t, second.LocalAddr().String(), next.PeerAddr().String())
		require.NoError(t, next.Close())
	case <-time.After(5 * time.Second):
		t.Fatal("slot was not freed after the last clone was closed")
	}
}

func TestListenerAcceptCancelled(t *testing.T) {
	ln, err := Listen("tcp", "127.0.0.1:0", ListenerOpts{MaxConcurrentConnections: 1})
	require.NoError(t, err)
	defer ln.Close()

	client, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer client.Close()

	stream, err := ln.Accept(context.Background())
	require.NoError(t, err)
	defer stream.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err = ln.Accept(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestListenerClosed(t *testing.T) {
	ln, err := Listen("tcp", "127.0.0.1:0", ListenerOpts{})
	require.NoError(t, err)
	require.NoError(t, ln.Close())

	_, err = ln.Accept(context.Background())
	require.ErrorIs(t, err, net.ErrClosed)
}

func TestListenerUnix(t *testing.T) {
	path := filepath.Join(t.TempDir(), "l.sock")

	ln, err := Listen("unix", path, ListenerOpts{})
	require.NoError(t, err)
	defer ln.Close()

	client, err := net.Dial("unix", path)
	require.NoError(t, err)
	defer client.Close()

	stream, err := ln.Accept(context.Background())
	require.NoError(t, err)
	defer stream.Close()

	require.Equal(t, Unix, stream.Transport())
	roundTrip(t, stream, client)
}

func TestListenerAcceptRate(t *testing.T) {
	ln, err := Listen("tcp", "127.0.0.1:0", ListenerOpts{AcceptRate: 1, AcceptBurst: 1})
	require.NoError(t, err)
	defer ln.Close()

	for i := 0; i < 2; i++ {
		client, err := net.Dial("tcp", ln.Addr().String())
		require.NoError(t, err)
		defer client.Close()
	}

	stream, err := ln.Accept(context.Background())
	require.NoError(t, err)
	defer stream.Close()

	// The burst is spent; the next accept must wait for the limiter.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err = ln.Accept(ctx)
	require.Error(t, err)

	stream, err = ln.Accept(context.Background())
	require.NoError(t, err)
	require.NoError(t, stream.Close())
}
