package serialmux

import (
	"bytes"
	"io"
	"sync"
	"time"
)

// TestableSerialPort implements TimeoutSerialPorter with configurable
// behaviour for tests: scripted input, injected errors, chunked reads and
// end-of-stream.
type TestableSerialPort struct {
	mu sync.Mutex

	// ReadBuffer holds data to be returned by Read calls.
	ReadBuffer *bytes.Buffer

	// WriteBuffer captures data written to the port.
	WriteBuffer *bytes.Buffer

	// ChunkSize limits the bytes returned per Read when positive, which
	// splits frames across reads.
	ChunkSize int

	// ReadError is returned by the next Read once ReadBuffer is drained.
	ReadError error

	// EOFWhenDrained makes Read return io.EOF once ReadBuffer is empty.
	EOFWhenDrained bool

	// WriteError is returned by the next Write call if set.
	WriteError error

	// CloseError is returned by Close if set.
	CloseError error

	// Closed indicates whether Close was called.
	Closed bool

	// ReadCalls records the number of Read calls.
	ReadCalls int

	// WriteCalls records the number of Write calls.
	WriteCalls int

	// ReadTimeout is the current read timeout. With a timeout set, a Read
	// that finds no data waits for input up to the timeout and returns 0, nil.
	// Without one it blocks until data arrives or the port closes.
	ReadTimeout time.Duration

	readCond *sync.Cond
}

// NewTestableSerialPort creates a new TestableSerialPort for testing.
func NewTestableSerialPort() *TestableSerialPort {
	tsp := &TestableSerialPort{
		ReadBuffer:  bytes.NewBuffer(nil),
		WriteBuffer: bytes.NewBuffer(nil),
	}
	tsp.readCond = sync.NewCond(&tsp.mu)
	return tsp
}

func (t *TestableSerialPort) Read(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.ReadCalls++

	if t.ReadBuffer.Len() == 0 && t.ReadTimeout > 0 && !t.drainedResult() {
		// Wake the waiter when the timeout expires.
		timer := time.AfterFunc(t.ReadTimeout, func() {
			t.mu.Lock()
			t.readCond.Broadcast()
			t.mu.Unlock()
		})
		t.readCond.Wait()
		timer.Stop()
	} else {
		for t.ReadBuffer.Len() == 0 && !t.drainedResult() && t.ReadTimeout == 0 {
			t.readCond.Wait()
		}
	}

	if t.Closed {
		return 0, ErrPortClosed
	}
	if t.ReadBuffer.Len() == 0 {
		if t.ReadError != nil {
			err := t.ReadError
			t.ReadError = nil
			return 0, err
		}
		if t.EOFWhenDrained {
			return 0, io.EOF
		}
		return 0, nil
	}

	if t.ChunkSize > 0 && len(p) > t.ChunkSize {
		p = p[:t.ChunkSize]
	}
	return t.ReadBuffer.Read(p)
}

// drainedResult reports whether an empty read has something to return other
// than more data. Callers hold t.mu.
func (t *TestableSerialPort) drainedResult() bool {
	return t.Closed || t.ReadError != nil || t.EOFWhenDrained
}

func (t *TestableSerialPort) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.WriteCalls++

	if t.Closed {
		return 0, ErrPortClosed
	}
	if t.WriteError != nil {
		err := t.WriteError
		t.WriteError = nil
		return 0, err
	}
	return t.WriteBuffer.Write(p)
}

// Close marks the port as closed and wakes blocked readers.
func (t *TestableSerialPort) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.Closed = true
	t.readCond.Broadcast()
	return t.CloseError
}

// SetReadTimeout implements TimeoutSerialPorter.
func (t *TestableSerialPort) SetReadTimeout(timeout time.Duration) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.ReadTimeout = timeout
	return nil
}

// AddReadData queues data for subsequent Read calls.
func (t *TestableSerialPort) AddReadData(data []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.ReadBuffer.Write(data)
	t.readCond.Broadcast()
}

// FailNextRead makes the next Read that finds the buffer empty return err.
func (t *TestableSerialPort) FailNextRead(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.ReadError = err
	t.readCond.Broadcast()
}

// EndOfStream makes Read return io.EOF once the queued data is consumed.
func (t *TestableSerialPort) EndOfStream() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.EOFWhenDrained = true
	t.readCond.Broadcast()
}

// GetWrittenData returns a copy of all data written to the port.
func (t *TestableSerialPort) GetWrittenData() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()

	return bytes.Clone(t.WriteBuffer.Bytes())
}

// IsClosed reports whether Close was called.
func (t *TestableSerialPort) IsClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.Closed
}
