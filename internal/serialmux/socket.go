package serialmux

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"
)

// SocketListener waits for a single tag connection on a TCP address. Once a
// client is accepted the listener closes; one tag streams per run.
type SocketListener struct {
	ln net.Listener
}

// ListenSocket starts listening on addr, e.g. ":7000" or "127.0.0.1:0".
func ListenSocket(addr string) (*SocketListener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", addr, err)
	}
	return &SocketListener{ln: ln}, nil
}

// Addr returns the bound address.
func (l *SocketListener) Addr() net.Addr {
	return l.ln.Addr()
}

// Accept blocks until a client connects or ctx is done. The listener is
// closed on return either way.
func (l *SocketListener) Accept(ctx context.Context) (*SocketPort, error) {
	stop := context.AfterFunc(ctx, func() { l.ln.Close() })
	defer stop()
	defer l.ln.Close()

	conn, err := l.ln.Accept()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("accept: %w", err)
	}
	return NewSocketPort(conn), nil
}

// Close stops listening without accepting.
func (l *SocketListener) Close() error {
	return l.ln.Close()
}

// SocketPort adapts a stream connection to TimeoutSerialPorter. A read that
// hits the deadline returns 0, nil like a serial port timeout.
type SocketPort struct {
	conn net.Conn

	mu      sync.Mutex
	timeout time.Duration
}

// NewSocketPort wraps conn.
func NewSocketPort(conn net.Conn) *SocketPort {
	return &SocketPort{conn: conn}
}

// RemoteAddr returns the connected client's address.
func (s *SocketPort) RemoteAddr() net.Addr {
	return s.conn.RemoteAddr()
}

func (s *SocketPort) Read(p []byte) (int, error) {
	s.mu.Lock()
	timeout := s.timeout
	s.mu.Unlock()

	if timeout > 0 {
		if err := s.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return 0, err
		}
	}
	n, err := s.conn.Read(p)
	if err != nil && errors.Is(err, os.ErrDeadlineExceeded) {
		return n, nil
	}
	return n, err
}

func (s *SocketPort) Write(p []byte) (int, error) {
	return s.conn.Write(p)
}

func (s *SocketPort) Close() error {
	return s.conn.Close()
}

// SetReadTimeout bounds each subsequent Read. Zero blocks indefinitely.
func (s *SocketPort) SetReadTimeout(timeout time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.timeout = timeout
	if timeout == 0 {
		return s.conn.SetReadDeadline(time.Time{})
	}
	return nil
}
