package serialmux

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/banshee-data/position.report/internal/timeutil"
)

// MaxReplaySize caps the fixture files a ReplayPort will load.
const MaxReplaySize = 16 << 20

// ErrPortClosed is returned by reads on a port after Close.
var ErrPortClosed = errors.New("port closed")

// ReplayPort plays back a recorded stream one line at a time, pausing
// Interval before each line. Reads return io.EOF after the last line unless
// Loop is set. Writes are accepted and discarded.
type ReplayPort struct {
	Interval time.Duration
	Loop     bool

	clock timeutil.Clock

	mu      sync.Mutex
	lines   [][]byte
	next    int
	pending []byte
	closed  bool
}

// NewReplayPort splits data into lines for playback. Each line keeps its
// terminator so the byte stream is reproduced exactly.
func NewReplayPort(data []byte, interval time.Duration, clock timeutil.Clock) *ReplayPort {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	var lines [][]byte
	for len(data) > 0 {
		i := bytes.IndexByte(data, '\n')
		if i < 0 {
			lines = append(lines, data)
			break
		}
		lines = append(lines, data[:i+1])
		data = data[i+1:]
	}
	return &ReplayPort{Interval: interval, clock: clock, lines: lines}
}

// OpenReplay loads a fixture file for playback.
func OpenReplay(path string, interval time.Duration) (*ReplayPort, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open replay file: %w", err)
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, MaxReplaySize+1))
	if err != nil {
		return nil, fmt.Errorf("read replay file: %w", err)
	}
	if len(data) > MaxReplaySize {
		return nil, fmt.Errorf("replay file too large (max %d bytes)", MaxReplaySize)
	}
	return NewReplayPort(data, interval, nil), nil
}

// Lines returns the number of lines in one pass of the fixture.
func (r *ReplayPort) Lines() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.lines)
}

func (r *ReplayPort) Read(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return 0, ErrPortClosed
	}
	if len(r.pending) == 0 {
		if r.next >= len(r.lines) {
			if !r.Loop || len(r.lines) == 0 {
				return 0, io.EOF
			}
			r.next = 0
		}
		r.pending = r.lines[r.next]
		r.next++

		if r.Interval > 0 {
			r.mu.Unlock()
			r.clock.Sleep(r.Interval)
			r.mu.Lock()
			if r.closed {
				return 0, ErrPortClosed
			}
		}
	}

	n := copy(p, r.pending)
	r.pending = r.pending[n:]
	return n, nil
}

func (r *ReplayPort) Write(p []byte) (int, error) {
	return len(p), nil
}

func (r *ReplayPort) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}
