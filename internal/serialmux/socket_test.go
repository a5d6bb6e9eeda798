package serialmux

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSocketListener_AcceptOneClient(t *testing.T) {
	ln, err := ListenSocket("127.0.0.1:0")
	require.NoError(t, err)

	client, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer client.Close()

	port, err := ln.Accept(context.Background())
	require.NoError(t, err)
	defer port.Close()
	assert.NotNil(t, port.RemoteAddr())

	_, err = client.Write([]byte("a0 = 1.03\n"))
	require.NoError(t, err)

	buf := make([]byte, 64)
	n, err := port.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "a0 = 1.03\n", string(buf[:n]))

	_, err = port.Write([]byte("ok\n"))
	require.NoError(t, err)
	reply := make([]byte, 8)
	n, err = client.Read(reply)
	require.NoError(t, err)
	assert.Equal(t, "ok\n", string(reply[:n]))

	// A second client is refused because the listener closed after accept.
	_, err = net.DialTimeout("tcp", ln.Addr().String(), 200*time.Millisecond)
	assert.Error(t, err)
}

func TestSocketListener_AcceptCancelled(t *testing.T) {
	ln, err := ListenSocket("127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err = ln.Accept(ctx)
	assert.True(t, errors.Is(err, context.Canceled), "err = %v", err)
}

func TestSocketPort_ReadTimeout(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()

	port := NewSocketPort(server)
	defer port.Close()
	require.NoError(t, port.SetReadTimeout(10*time.Millisecond))

	n, err := port.Read(make([]byte, 8))
	assert.NoError(t, err)
	assert.Zero(t, n)
}

func TestSocketPort_ClosedPeer(t *testing.T) {
	server, client := net.Pipe()
	port := NewSocketPort(server)
	defer port.Close()

	client.Close()
	_, err := port.Read(make([]byte, 8))
	assert.Error(t, err)
}
