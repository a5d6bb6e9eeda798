// Package ranging assembles per-anchor distance samples into complete ranging
// sets, one per update cycle.
package ranging

import (
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/banshee-data/position.report/internal/anchors"
	"github.com/banshee-data/position.report/internal/frame"
)

// DefaultRequired is the anchor set a cycle needs when none is configured.
var DefaultRequired = []anchors.ID{0, 1, 2}

// Set is a completed cycle: one distance for every required anchor.
type Set struct {
	Cycle       uint64
	Distances   map[anchors.ID]float64
	StartedAt   time.Time
	CompletedAt time.Time
}

// Distance returns the distance reported by anchor id in this cycle.
func (s Set) Distance(id anchors.ID) (float64, bool) {
	d, ok := s.Distances[id]
	return d, ok
}

func (s Set) String() string {
	ids := slices.Sorted(maps.Keys(s.Distances))
	out := fmt.Sprintf("cycle %d:", s.Cycle)
	for _, id := range ids {
		out += fmt.Sprintf(" a%d=%g", id, s.Distances[id])
	}
	return out
}

// Config controls which anchors complete a cycle and how long a partial cycle
// may wait.
type Config struct {
	// Required lists the anchors a cycle needs. Empty means DefaultRequired.
	Required []anchors.ID
	// CycleTimeout discards a partial cycle whose first sample is older than
	// this. Zero means a partial cycle never expires.
	CycleTimeout time.Duration
}

// Update describes what a single sample did to the accumulator.
type Update struct {
	// Set is non-nil when the sample completed a cycle.
	Set *Set
	// Expired is true when a stale partial cycle was discarded before the
	// sample was applied.
	Expired bool
	// Ignored is true when the sample's anchor is not required.
	Ignored bool
	// Replaced is true when the sample overwrote an earlier distance for the
	// same anchor in the current cycle.
	Replaced bool
}

// Stats counts aggregator outcomes since construction.
type Stats struct {
	Completed uint64 `json:"completed"`
	Expired   uint64 `json:"expired"`
	Ignored   uint64 `json:"ignored"`
	Replaced  uint64 `json:"replaced"`
}

// Aggregator accumulates samples for the current cycle. It holds at most one
// partial set and is owned by a single goroutine.
type Aggregator struct {
	required  map[anchors.ID]struct{}
	timeout   time.Duration
	current   map[anchors.ID]float64
	startedAt time.Time
	stats     Stats
}

// NewAggregator builds an Aggregator from cfg.
func NewAggregator(cfg Config) (*Aggregator, error) {
	ids := cfg.Required
	if len(ids) == 0 {
		ids = DefaultRequired
	}
	if cfg.CycleTimeout < 0 {
		return nil, fmt.Errorf("invalid cycle timeout %v: must not be negative", cfg.CycleTimeout)
	}

	required := make(map[anchors.ID]struct{}, len(ids))
	for _, id := range ids {
		if _, dup := required[id]; dup {
			return nil, fmt.Errorf("anchor %d listed twice in required set", id)
		}
		required[id] = struct{}{}
	}

	return &Aggregator{
		required: required,
		timeout:  cfg.CycleTimeout,
		current:  make(map[anchors.ID]float64, len(required)),
	}, nil
}

// Add applies a sample received at now. A repeated anchor overwrites its
// earlier distance. When every required anchor has reported, the completed
// set is returned and the accumulator starts a fresh cycle.
func (a *Aggregator) Add(s frame.RangingSample, now time.Time) Update {
	var u Update
	u.Expired = a.Expire(now)

	if _, ok := a.required[s.Anchor]; !ok {
		a.stats.Ignored++
		u.Ignored = true
		return u
	}

	if len(a.current) == 0 {
		a.startedAt = now
	}
	if _, seen := a.current[s.Anchor]; seen {
		a.stats.Replaced++
		u.Replaced = true
	}
	a.current[s.Anchor] = s.Distance

	if len(a.current) < len(a.required) {
		return u
	}

	a.stats.Completed++
	u.Set = &Set{
		Cycle:       a.stats.Completed,
		Distances:   a.current,
		StartedAt:   a.startedAt,
		CompletedAt: now,
	}
	a.current = make(map[anchors.ID]float64, len(a.required))
	a.startedAt = time.Time{}
	return u
}

// Expire discards the partial cycle if a cycle timeout is configured and the
// cycle's first sample is older than it. It reports whether a cycle was
// discarded.
func (a *Aggregator) Expire(now time.Time) bool {
	if a.timeout <= 0 || len(a.current) == 0 {
		return false
	}
	if now.Sub(a.startedAt) <= a.timeout {
		return false
	}
	a.stats.Expired++
	a.Reset()
	return true
}

// Reset drops the partial cycle without counting it.
func (a *Aggregator) Reset() {
	clear(a.current)
	a.startedAt = time.Time{}
}

// Pending returns how many required anchors have reported in the current
// cycle.
func (a *Aggregator) Pending() int {
	return len(a.current)
}

// Missing returns the required anchors not yet reported this cycle, in
// ascending order.
func (a *Aggregator) Missing() []anchors.ID {
	var out []anchors.ID
	for id := range a.required {
		if _, ok := a.current[id]; !ok {
			out = append(out, id)
		}
	}
	slices.Sort(out)
	return out
}

// Stats returns the outcome counters.
func (a *Aggregator) Stats() Stats {
	return a.stats
}
