// Package locator runs the positioning loop: it reads the transport, parses
// frames, assembles ranging cycles, solves them and publishes positions.
package locator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"sync"
	"time"

	"github.com/banshee-data/position.report/internal/anchors"
	"github.com/banshee-data/position.report/internal/frame"
	"github.com/banshee-data/position.report/internal/monitoring"
	"github.com/banshee-data/position.report/internal/position"
	"github.com/banshee-data/position.report/internal/ranging"
	"github.com/banshee-data/position.report/internal/serialmux"
	"github.com/banshee-data/position.report/internal/solver"
	"github.com/banshee-data/position.report/internal/timeutil"
)

// DefaultPollInterval bounds how long a single read may wait for input.
const DefaultPollInterval = 100 * time.Millisecond

const readBufferSize = 4096

// TransportError reports that the transport failed and the loop stopped. A
// finite source that ran out wraps io.EOF.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport failed: %v", e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Config configures a Locator. Only Layout is required.
type Config struct {
	Layout *anchors.Layout
	// Required lists the anchors a cycle needs. Defaults to the layout's
	// solver anchors and must include them.
	Required []anchors.ID
	// Bounds marks solutions outside it Invalid. Nil accepts everything.
	Bounds *solver.Bounds
	// PollInterval defaults to DefaultPollInterval.
	PollInterval time.Duration
	// CycleTimeout discards partial cycles older than this. Zero never does.
	CycleTimeout time.Duration
	// MaxFrameLen defaults to frame.DefaultMaxFrameLen.
	MaxFrameLen int

	Clock   timeutil.Clock
	Metrics *monitoring.Collector
	// Tap receives a copy of every byte read, e.g. a *serialmux.Tap.
	Tap io.Writer
}

// Stats counts what the loop has done since it was created.
type Stats struct {
	BytesRead   uint64            `json:"bytes_read"`
	Tokens      uint64            `json:"tokens"`
	ParseErrors map[string]uint64 `json:"parse_errors"`
	Cycles      ranging.Stats     `json:"cycles"`
	Solved      uint64            `json:"solved"`
	OutOfBounds uint64            `json:"out_of_bounds"`
	Degenerate  uint64            `json:"degenerate"`
	NonFinite   uint64            `json:"non_finite"`
	Direct      uint64            `json:"direct"`
	Published   uint64            `json:"published"`
	Dropped     uint64            `json:"dropped"`
	LastUpdate  time.Time         `json:"last_update,omitzero"`
}

// Locator owns the parser, aggregator and solver for one transport. Run and
// Process must be called from a single goroutine; Stats may be called from
// any.
type Locator struct {
	cfg    Config
	port   serialmux.SerialPorter
	stream *position.Stream
	clock  timeutil.Clock

	parser *frame.Parser
	agg    *ranging.Aggregator
	solver *solver.Solver
	buf    []byte

	mu    sync.Mutex
	stats Stats
}

// New validates cfg and builds a Locator reading port and publishing to
// stream.
func New(port serialmux.SerialPorter, stream *position.Stream, cfg Config) (*Locator, error) {
	if port == nil || stream == nil {
		return nil, errors.New("locator: port and stream are required")
	}
	if cfg.Layout == nil {
		return nil, errors.New("locator: layout is required")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock{}
	}
	if cfg.Bounds != nil {
		if err := cfg.Bounds.Validate(); err != nil {
			return nil, err
		}
	}

	if len(cfg.Required) == 0 {
		cfg.Required = cfg.Layout.SolverIDs()
	}
	for _, id := range cfg.Required {
		if _, ok := cfg.Layout.Lookup(id); !ok {
			return nil, fmt.Errorf("required anchor %d: %w", id, anchors.ErrUnknownAnchor)
		}
	}
	for _, id := range cfg.Layout.SolverIDs() {
		if !slices.Contains(cfg.Required, id) {
			return nil, fmt.Errorf("required anchors %v must include solver anchor %d", cfg.Required, id)
		}
	}

	agg, err := ranging.NewAggregator(ranging.Config{Required: cfg.Required, CycleTimeout: cfg.CycleTimeout})
	if err != nil {
		return nil, err
	}
	if cfg.Layout.Collinear() {
		monitoring.Diagf("layout", "solver anchors %v are collinear; ranging cycles cannot be solved", cfg.Layout.SolverIDs())
	}

	parser := frame.NewParser()
	parser.MaxFrameLen = cfg.MaxFrameLen

	return &Locator{
		cfg:    cfg,
		port:   port,
		stream: stream,
		clock:  cfg.Clock,
		parser: parser,
		agg:    agg,
		solver: solver.New(cfg.Layout, cfg.Bounds),
		buf:    make([]byte, readBufferSize),
		stats:  Stats{ParseErrors: make(map[string]uint64)},
	}, nil
}

// Run polls the transport until ctx is cancelled or the transport fails. The
// transport is closed before Run returns. Cancellation returns nil and drops
// any partial cycle; a read failure returns a *TransportError.
func (l *Locator) Run(ctx context.Context) error {
	defer l.port.Close()

	timed := false
	if tp, ok := l.port.(serialmux.TimeoutSerialPorter); ok {
		if err := tp.SetReadTimeout(l.cfg.PollInterval); err != nil {
			return &TransportError{Err: fmt.Errorf("set read timeout: %w", err)}
		}
		timed = true
	} else {
		// Closing the port is the only way to interrupt a blocking read.
		stop := context.AfterFunc(ctx, func() { l.port.Close() })
		defer stop()
	}

	for {
		if ctx.Err() != nil {
			return nil
		}

		n, err := l.port.Read(l.buf)
		if n > 0 {
			l.Process(l.buf[:n])
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, io.EOF) {
				// A recording may end without a final newline.
				l.parser.Flush()
				l.drain()
			}
			return &TransportError{Err: err}
		}
		if n == 0 && !timed {
			l.clock.Sleep(l.cfg.PollInterval)
		}
		l.expire()
	}
}

// Process runs one chunk of transport bytes through the pipeline: parse,
// aggregate, solve and publish.
func (l *Locator) Process(b []byte) {
	if l.cfg.Tap != nil {
		if _, err := l.cfg.Tap.Write(b); err != nil {
			monitoring.Diagf("tap", "write failed: %v", err)
		}
	}
	l.parser.Write(b)
	l.update(func(s *Stats) { s.BytesRead += uint64(len(b)) })
	l.drain()
}

// Stats returns a snapshot of the loop counters.
func (l *Locator) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := l.stats
	s.ParseErrors = make(map[string]uint64, len(l.stats.ParseErrors))
	for k, v := range l.stats.ParseErrors {
		s.ParseErrors[k] = v
	}
	return s
}

func (l *Locator) update(fn func(*Stats)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	fn(&l.stats)
	l.stats.Cycles = l.agg.Stats()
}

func (l *Locator) drain() {
	for tok, err := range l.parser.Tokens() {
		if err != nil {
			l.parseError(err)
			continue
		}
		l.handle(tok)
	}
}

func (l *Locator) parseError(err error) {
	kind := "unknown"
	var perr *frame.ParseError
	if errors.As(err, &perr) {
		kind = perr.Kind.String()
	}
	monitoring.Diagf("parse", "dropped frame: %v", err)
	l.cfg.Metrics.ObserveParseError(kind)
	l.update(func(s *Stats) { s.ParseErrors[kind]++ })
}

func (l *Locator) handle(tok frame.Token) {
	now := l.clock.Now()
	l.cfg.Metrics.ObserveFrame(tok.Dialect().String())
	l.update(func(s *Stats) { s.Tokens++ })

	switch t := tok.(type) {
	case frame.RangingSample:
		u := l.agg.Add(t, now)
		if u.Expired {
			l.expired()
		}
		if u.Ignored {
			monitoring.Diagf("ranging", "ignoring %v: anchor not required", t)
		}
		if u.Set != nil {
			l.cfg.Metrics.ObserveCycle("completed")
			l.solve(*u.Set)
		}
	case frame.DirectPosition:
		// Direct fixes bypass aggregation and bounds.
		l.update(func(s *Stats) { s.Direct++ })
		l.publish(position.Position{
			X:        t.X,
			Y:        t.Y,
			Validity: position.Valid,
			Source:   position.Direct,
			Time:     now,
		})
	}
}

func (l *Locator) solve(set ranging.Set) {
	p, err := l.solver.Solve(set)
	switch {
	case errors.Is(err, solver.ErrDegenerateGeometry):
		monitoring.Diagf("solve", "discarding %v: %v", set, err)
		l.cfg.Metrics.ObserveSolve("degenerate")
		l.update(func(s *Stats) { s.Degenerate++ })
		return
	case errors.Is(err, solver.ErrNonFinite):
		monitoring.Diagf("solve", "discarding %v: %v", set, err)
		l.cfg.Metrics.ObserveSolve("non_finite")
		l.update(func(s *Stats) { s.NonFinite++ })
		return
	case err != nil:
		monitoring.Diagf("solve", "discarding %v: %v", set, err)
		l.cfg.Metrics.ObserveSolve("error")
		return
	}

	l.cfg.Metrics.ObserveResidual(p.Residual)
	if p.IsValid() {
		l.cfg.Metrics.ObserveSolve("valid")
		l.update(func(s *Stats) { s.Solved++ })
	} else {
		l.cfg.Metrics.ObserveSolve("out_of_bounds")
		l.update(func(s *Stats) {
			s.Solved++
			s.OutOfBounds++
		})
	}
	l.publish(p)
}

func (l *Locator) publish(p position.Position) {
	dropped := l.stream.Publish(p)
	if dropped > 0 {
		monitoring.Diagf("publish", "%d subscriber(s) missed %v", dropped, p)
	}
	l.cfg.Metrics.ObservePublished(p.Source.String(), p.Validity.String())
	l.cfg.Metrics.ObserveDropped(dropped)
	l.update(func(s *Stats) {
		s.Published++
		s.Dropped += uint64(dropped)
		s.LastUpdate = p.Time
	})
}

func (l *Locator) expire() {
	if l.agg.Expire(l.clock.Now()) {
		l.expired()
	}
}

func (l *Locator) expired() {
	monitoring.Diagf("ranging", "partial cycle older than %v discarded", l.cfg.CycleTimeout)
	l.cfg.Metrics.ObserveCycle("expired")
	l.update(func(*Stats) {})
}
