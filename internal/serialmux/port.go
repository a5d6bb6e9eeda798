// Package serialmux provides the byte-stream sources a tag reports through:
// real serial ports, a TCP socket, fixture replay, plus a tap that fans raw
// lines out to debug subscribers.
package serialmux

import (
	"io"
	"time"
)

// SerialPorter is the minimal interface the position loop reads from. Real
// serial ports, sockets, replay fixtures and the simulator all satisfy it,
// which keeps the loop testable without hardware.
type SerialPorter interface {
	io.ReadWriter
	io.Closer
}

// TimeoutSerialPorter is implemented by ports whose reads can be bounded.
// After SetReadTimeout a Read that finds no data returns 0, nil once the
// timeout elapses, matching go.bug.st/serial.
type TimeoutSerialPorter interface {
	SerialPorter
	SetReadTimeout(timeout time.Duration) error
}

// Opener opens the port at path. cmd/locate swaps it out in tests.
type Opener func(path string, opts PortOptions) (SerialPorter, error)
