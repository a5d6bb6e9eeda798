// Package sim generates the byte stream a tag would report while moving on a
// circle through an anchor layout. It stands in for hardware during
// development and in end-to-end tests.
package sim

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"strconv"
	"sync"
	"time"

	"gonum.org/v1/gonum/floats"

	"github.com/banshee-data/position.report/internal/anchors"
	"github.com/banshee-data/position.report/internal/timeutil"
)

// Format selects the wire dialect the simulated tag reports in.
type Format string

const (
	FormatRanging Format = "ranging" // one "a<N> = d" line per anchor
	FormatJSON    Format = "json"    // one {"Anchor<N>": d, ...} object per cycle
	FormatDirect  Format = "direct"  // one "(x,y) = (x, y)" line per cycle
)

var ErrClosed = errors.New("simulator closed")

// Config describes the simulated path.
type Config struct {
	Center anchors.Point
	Radius float64
	// Period is the time for one lap of the circle.
	Period time.Duration
	// Interval is the time between reported cycles.
	Interval time.Duration
	// Noise is the standard deviation added to each reported distance.
	Noise  float64
	Format Format
	Seed   uint64
}

// DefaultConfig circles the centroid of the layout's solver anchors.
func DefaultConfig(layout *anchors.Layout) Config {
	var cx, cy float64
	solver := layout.Solver()
	for _, a := range solver {
		cx += a.X
		cy += a.Y
	}
	cx /= anchors.SolverAnchors
	cy /= anchors.SolverAnchors

	radius := math.Inf(1)
	for _, a := range solver {
		radius = math.Min(radius, floats.Distance([]float64{cx, cy}, []float64{a.X, a.Y}, 2))
	}
	return Config{
		Center:   anchors.Point{X: cx, Y: cy},
		Radius:   radius / 2,
		Period:   20 * time.Second,
		Interval: 100 * time.Millisecond,
		Format:   FormatRanging,
		Seed:     1,
	}
}

// Tag is a simulated ranging source. It implements serialmux.SerialPorter:
// each Read waits Interval on the clock then returns the next cycle.
type Tag struct {
	cfg    Config
	layout *anchors.Layout
	clock  timeutil.Clock
	rng    *rand.Rand

	mu     sync.Mutex
	buf    bytes.Buffer
	cycle  int
	closed bool
}

// New creates a Tag. A nil clock uses the real clock.
func New(layout *anchors.Layout, cfg Config, clock timeutil.Clock) (*Tag, error) {
	if layout == nil {
		return nil, errors.New("sim: nil layout")
	}
	if cfg.Radius < 0 || cfg.Noise < 0 {
		return nil, fmt.Errorf("sim: radius and noise must be non-negative")
	}
	if cfg.Period <= 0 {
		return nil, fmt.Errorf("sim: period must be positive, got %v", cfg.Period)
	}
	switch cfg.Format {
	case "":
		cfg.Format = FormatRanging
	case FormatRanging, FormatJSON, FormatDirect:
	default:
		return nil, fmt.Errorf("sim: unknown format %q", cfg.Format)
	}
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Tag{
		cfg:    cfg,
		layout: layout,
		clock:  clock,
		rng:    rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15)),
	}, nil
}

// PositionAt returns the true tag position elapsed into the run.
func (t *Tag) PositionAt(elapsed time.Duration) anchors.Point {
	theta := 2 * math.Pi * float64(elapsed) / float64(t.cfg.Period)
	return anchors.Point{
		X: t.cfg.Center.X + t.cfg.Radius*math.Cos(theta),
		Y: t.cfg.Center.Y + t.cfg.Radius*math.Sin(theta),
	}
}

// Distances returns the noisy distance from p to every anchor in the layout.
// Distances are never negative.
func (t *Tag) Distances(p anchors.Point) map[anchors.ID]float64 {
	out := make(map[anchors.ID]float64, t.layout.Len())
	for _, a := range t.layout.Anchors() {
		d := floats.Distance([]float64{p.X, p.Y}, []float64{a.X, a.Y}, 2)
		if t.cfg.Noise > 0 {
			d = math.Max(0, d+t.rng.NormFloat64()*t.cfg.Noise)
		}
		out[a.ID] = d
	}
	return out
}

// Frame renders one cycle for a tag at p in the configured format.
func (t *Tag) Frame(p anchors.Point) []byte {
	var b bytes.Buffer
	if t.cfg.Format == FormatDirect {
		fmt.Fprintf(&b, "(x,y) = (%s, %s)\n", format(p.X), format(p.Y))
		return b.Bytes()
	}

	dist := t.Distances(p)
	ids := t.layout.IDs()
	if t.cfg.Format == FormatJSON {
		b.WriteByte('{')
		for i, id := range ids {
			if i > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "%q: %s", "Anchor"+strconv.Itoa(int(id)), format(dist[id]))
		}
		b.WriteString("}\n")
		return b.Bytes()
	}
	for _, id := range ids {
		fmt.Fprintf(&b, "a%d = %s\n", id, format(dist[id]))
	}
	return b.Bytes()
}

func format(v float64) string {
	return strconv.FormatFloat(v, 'f', 4, 64)
}

func (t *Tag) Read(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return 0, ErrClosed
	}
	if t.buf.Len() == 0 {
		t.mu.Unlock()
		t.clock.Sleep(t.cfg.Interval)
		t.mu.Lock()
		if t.closed {
			return 0, ErrClosed
		}
		elapsed := time.Duration(t.cycle) * t.cfg.Interval
		t.cycle++
		t.buf.Write(t.Frame(t.PositionAt(elapsed)))
	}
	return t.buf.Read(p)
}

// Write accepts and discards commands.
func (t *Tag) Write(p []byte) (int, error) {
	return len(p), nil
}

func (t *Tag) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

// Cycles returns the number of cycles generated so far.
func (t *Tag) Cycles() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cycle
}
