// Package anchors holds the fixed anchor coordinates that ranging reports are
// measured against.
package anchors

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/mat"
)

// ID identifies an anchor. IDs are 0-based and dense within a layout.
type ID int

// Point is a planar coordinate in layout units (the same units the anchors
// report distances in).
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Anchor is a single fixed reference point.
type Anchor struct {
	ID ID `json:"id"`
	Point
}

// SolverAnchors is the number of anchors the multilateration solver uses.
const SolverAnchors = 3

var (
	ErrTooFewAnchors = errors.New("layout needs at least 3 anchors")
	ErrUnknownAnchor = errors.New("unknown anchor")
)

// Layout is an immutable registry of anchor positions.
type Layout struct {
	anchors []Anchor // sorted by ID
	byID    map[ID]Point
}

// NewLayout validates the anchors and builds a Layout. The input slice is
// copied, so later changes by the caller do not affect the layout.
func NewLayout(list []Anchor) (*Layout, error) {
	if len(list) < SolverAnchors {
		return nil, fmt.Errorf("%w: got %d", ErrTooFewAnchors, len(list))
	}

	l := &Layout{
		anchors: make([]Anchor, len(list)),
		byID:    make(map[ID]Point, len(list)),
	}
	copy(l.anchors, list)
	sort.Slice(l.anchors, func(i, j int) bool { return l.anchors[i].ID < l.anchors[j].ID })

	for i, a := range l.anchors {
		if a.ID < 0 {
			return nil, fmt.Errorf("invalid anchor id %d: must not be negative", a.ID)
		}
		if _, dup := l.byID[a.ID]; dup {
			return nil, fmt.Errorf("duplicate anchor id %d", a.ID)
		}
		// ids follow the AnchorN keys on the wire: 0..n-1 with no gaps
		if a.ID != ID(i) {
			return nil, fmt.Errorf("anchor ids must run 0..%d without gaps: missing %d", len(list)-1, i)
		}
		if !finite(a.X) || !finite(a.Y) {
			return nil, fmt.Errorf("anchor %d has non-finite coordinates (%v, %v)", a.ID, a.X, a.Y)
		}
		l.byID[a.ID] = a.Point
	}
	return l, nil
}

// MustLayout is NewLayout for fixed layouts in tests and defaults. It panics
// on an invalid layout.
func MustLayout(list ...Anchor) *Layout {
	l, err := NewLayout(list)
	if err != nil {
		panic(err)
	}
	return l
}

// Len returns the number of anchors in the layout.
func (l *Layout) Len() int { return len(l.anchors) }

// Lookup returns the position of anchor id.
func (l *Layout) Lookup(id ID) (Point, bool) {
	p, ok := l.byID[id]
	return p, ok
}

// Anchors returns a copy of all anchors in ID order.
func (l *Layout) Anchors() []Anchor {
	out := make([]Anchor, len(l.anchors))
	copy(out, l.anchors)
	return out
}

// IDs returns all anchor ids in ascending order.
func (l *Layout) IDs() []ID {
	ids := make([]ID, len(l.anchors))
	for i, a := range l.anchors {
		ids[i] = a.ID
	}
	return ids
}

// Solver returns the first three anchors by ID order, the ones used for
// trilateration.
func (l *Layout) Solver() [SolverAnchors]Anchor {
	var out [SolverAnchors]Anchor
	copy(out[:], l.anchors[:SolverAnchors])
	return out
}

// SolverIDs returns the ids of the solver anchors.
func (l *Layout) SolverIDs() []ID {
	return l.IDs()[:SolverAnchors]
}

// Collinear reports whether the solver anchors lie on one line (or coincide).
// Such a layout can never produce a fix. The layout is still usable for
// direct positions, so this is advisory rather than a construction error.
func (l *Layout) Collinear() bool {
	s := l.Solver()
	m := mat.NewDense(2, 2, []float64{
		s[1].X - s[0].X, s[1].Y - s[0].Y,
		s[2].X - s[1].X, s[2].Y - s[1].Y,
	})
	return mat.Det(m) == 0
}

// MarshalJSON encodes the layout as its anchor list.
func (l *Layout) MarshalJSON() ([]byte, error) {
	return json.Marshal(l.anchors)
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
