package db

import (
	"sync"
	"sync/atomic"

	"github.com/banshee-data/position.report/internal/monitoring"
	"github.com/banshee-data/position.report/internal/position"
)

// Recorder persists every position published on a stream under one session.
type Recorder struct {
	db        *DB
	sessionID string

	mu      sync.Mutex
	stream  *position.Stream
	subID   string
	done    chan struct{}
	written atomic.Int64
	failed  atomic.Int64
}

// NewRecorder creates a Recorder for an existing session.
func NewRecorder(db *DB, sessionID string) *Recorder {
	return &Recorder{db: db, sessionID: sessionID}
}

// Attach subscribes the recorder to stream. Writes happen on the
// recorder's goroutine; a slow disk only costs this subscriber positions.
func (r *Recorder) Attach(stream *position.Stream, buffer int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id, ch := stream.Subscribe(buffer)
	r.stream = stream
	r.subID = id
	r.done = make(chan struct{})
	go func() {
		defer close(r.done)
		for p := range ch {
			r.Record(p)
		}
	}()
}

// Record writes p immediately.
func (r *Recorder) Record(p position.Position) {
	if err := r.db.RecordPosition(r.sessionID, p); err != nil {
		r.failed.Add(1)
		monitoring.Logf("recorder: %v", err)
		return
	}
	r.written.Add(1)
}

// Detach unsubscribes and waits for queued positions to be written.
func (r *Recorder) Detach() {
	r.mu.Lock()
	stream, id, done := r.stream, r.subID, r.done
	r.stream = nil
	r.mu.Unlock()

	if stream == nil {
		return
	}
	stream.Unsubscribe(id)
	<-done
}

// Written returns the number of positions stored.
func (r *Recorder) Written() int64 { return r.written.Load() }

// Failed returns the number of positions that could not be stored.
func (r *Recorder) Failed() int64 { return r.failed.Load() }

// SessionID returns the session positions are stored under.
func (r *Recorder) SessionID() string { return r.sessionID }
