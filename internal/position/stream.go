package position

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultPublishTimeout bounds how long Publish waits for slow subscribers.
const DefaultPublishTimeout = 50 * time.Millisecond

// Stream fans positions out to subscribers in emission order. Publishing never
// blocks for longer than the publish timeout: a subscriber that has not
// accepted a position by then misses it.
type Stream struct {
	timeout time.Duration

	mu          sync.Mutex
	subscribers map[string]chan Position
	closed      bool

	latestMu sync.RWMutex
	latest   *Position
}

// NewStream creates a Stream. A non-positive timeout selects
// DefaultPublishTimeout.
func NewStream(timeout time.Duration) *Stream {
	if timeout <= 0 {
		timeout = DefaultPublishTimeout
	}
	return &Stream{
		timeout:     timeout,
		subscribers: make(map[string]chan Position),
	}
}

// Subscribe registers a channel receiving every published position. buffer
// sets the channel capacity. The id is used to Unsubscribe. Subscribing to a
// closed stream returns an already closed channel.
func (s *Stream) Subscribe(buffer int) (string, <-chan Position) {
	if buffer < 0 {
		buffer = 0
	}
	id := uuid.NewString()
	ch := make(chan Position, buffer)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		close(ch)
		return id, ch
	}
	s.subscribers[id] = ch
	return id, ch
}

// SubscribeFunc calls fn for every published position on its own goroutine.
// Positions arrive in order; fn must not publish back into the stream.
func (s *Stream) SubscribeFunc(buffer int, fn func(Position)) string {
	id, ch := s.Subscribe(buffer)
	go func() {
		for p := range ch {
			fn(p)
		}
	}()
	return id
}

// Unsubscribe removes a subscriber and closes its channel.
func (s *Stream) Unsubscribe(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ch, ok := s.subscribers[id]; ok {
		close(ch)
		delete(s.subscribers, id)
	}
}

// Subscribers returns the number of active subscribers.
func (s *Stream) Subscribers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subscribers)
}

// Publish records p as the latest position and delivers it to every
// subscriber. It returns how many subscribers missed the position.
func (s *Stream) Publish(p Position) (dropped int) {
	s.latestMu.Lock()
	s.latest = &p
	s.latestMu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || len(s.subscribers) == 0 {
		return 0
	}

	var timer *time.Timer
	expired := false
	for _, ch := range s.subscribers {
		select {
		case ch <- p:
			continue
		default:
		}
		if expired {
			dropped++
			continue
		}

		if timer == nil {
			timer = time.NewTimer(s.timeout)
			defer timer.Stop()
		}
		select {
		case ch <- p:
		case <-timer.C:
			// the timeout is shared by all subscribers of this publish
			expired = true
			dropped++
		}
	}
	return dropped
}

// Latest returns the most recently published position.
func (s *Stream) Latest() (Position, bool) {
	s.latestMu.RLock()
	defer s.latestMu.RUnlock()
	if s.latest == nil {
		return Position{}, false
	}
	return *s.latest, true
}

// Close closes every subscriber channel. Later publishes only update Latest.
func (s *Stream) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for id, ch := range s.subscribers {
		close(ch)
		delete(s.subscribers, id)
	}
}
