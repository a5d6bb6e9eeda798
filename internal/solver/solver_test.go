package solver

import (
	"errors"
	"math"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/floats"

	"github.com/banshee-data/position.report/internal/anchors"
	"github.com/banshee-data/position.report/internal/position"
	"github.com/banshee-data/position.report/internal/ranging"
)

const tolerance = 1e-6

func roomLayout() *anchors.Layout {
	return anchors.MustLayout(
		anchors.Anchor{ID: 0, Point: anchors.Point{X: 0, Y: 0}},
		anchors.Anchor{ID: 1, Point: anchors.Point{X: 0, Y: 4.23}},
		anchors.Anchor{ID: 2, Point: anchors.Point{X: 7.04, Y: 4.23}},
	)
}

func setOf(cycle uint64, d0, d1, d2 float64) ranging.Set {
	return ranging.Set{
		Cycle:       cycle,
		Distances:   map[anchors.ID]float64{0: d0, 1: d1, 2: d2},
		CompletedAt: time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC),
	}
}

func distancesTo(layout *anchors.Layout, x, y float64) [anchors.SolverAnchors]float64 {
	var r [anchors.SolverAnchors]float64
	for i, a := range layout.Solver() {
		r[i] = floats.Distance([]float64{x, y}, []float64{a.X, a.Y}, 2)
	}
	return r
}

func TestSolveAnchorOneLocation(t *testing.T) {
	s := New(roomLayout(), nil)

	p, err := s.Solve(setOf(1, 4.23, 0.0, 7.04))
	require.NoError(t, err)
	assert.InDelta(t, 0, p.X, tolerance)
	assert.InDelta(t, 4.23, p.Y, tolerance)
	assert.Equal(t, position.Valid, p.Validity)
	assert.Equal(t, position.Solved, p.Source)
	assert.Equal(t, uint64(1), p.Cycle)
	assert.InDelta(t, 0, p.Residual, tolerance)
	assert.Equal(t, time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC), p.Time)
}

func TestTrilaterateRoundTrip(t *testing.T) {
	layouts := map[string]*anchors.Layout{
		"room metres": roomLayout(),
		"room centimetres": anchors.MustLayout(
			anchors.Anchor{ID: 0, Point: anchors.Point{X: 0, Y: 0}},
			anchors.Anchor{ID: 1, Point: anchors.Point{X: 0, Y: 423}},
			anchors.Anchor{ID: 2, Point: anchors.Point{X: 704, Y: 423}},
		),
		"skewed triangle": anchors.MustLayout(
			anchors.Anchor{ID: 0, Point: anchors.Point{X: -3, Y: 1}},
			anchors.Anchor{ID: 1, Point: anchors.Point{X: 5, Y: -2}},
			anchors.Anchor{ID: 2, Point: anchors.Point{X: 1.5, Y: 6}},
		),
	}

	rng := rand.New(rand.NewSource(42))
	for name, layout := range layouts {
		t.Run(name, func(t *testing.T) {
			scale := 1.0
			if name == "room centimetres" {
				scale = 100
			}
			for i := 0; i < 200; i++ {
				px := (rng.Float64()*20 - 10) * scale
				py := (rng.Float64()*20 - 10) * scale
				x, y, err := Trilaterate(layout.Solver(), distancesTo(layout, px, py))
				require.NoError(t, err)
				assert.InDelta(t, px, x, tolerance*scale, "x for P=(%v, %v)", px, py)
				assert.InDelta(t, py, y, tolerance*scale, "y for P=(%v, %v)", px, py)
			}
		})
	}
}

func TestTrilaterateCollinearAlwaysDegenerate(t *testing.T) {
	layouts := []*anchors.Layout{
		anchors.MustLayout(
			anchors.Anchor{ID: 0, Point: anchors.Point{X: 0, Y: 0}},
			anchors.Anchor{ID: 1, Point: anchors.Point{X: 1, Y: 0}},
			anchors.Anchor{ID: 2, Point: anchors.Point{X: 2, Y: 0}},
		),
		anchors.MustLayout(
			anchors.Anchor{ID: 0, Point: anchors.Point{X: 1, Y: 1}},
			anchors.Anchor{ID: 1, Point: anchors.Point{X: 2, Y: 2}},
			anchors.Anchor{ID: 2, Point: anchors.Point{X: 4, Y: 4}},
		),
		anchors.MustLayout(
			anchors.Anchor{ID: 0, Point: anchors.Point{X: 3, Y: 3}},
			anchors.Anchor{ID: 1, Point: anchors.Point{X: 3, Y: 3}},
			anchors.Anchor{ID: 2, Point: anchors.Point{X: 3, Y: 3}},
		),
	}

	rng := rand.New(rand.NewSource(7))
	for _, layout := range layouts {
		for i := 0; i < 50; i++ {
			r := [anchors.SolverAnchors]float64{rng.Float64() * 10, rng.Float64()*10 - 5, 0}
			_, _, err := Trilaterate(layout.Solver(), r)
			require.ErrorIs(t, err, ErrDegenerateGeometry)
		}
	}
}

func TestSolveDegenerateReturnsNoPosition(t *testing.T) {
	layout := anchors.MustLayout(
		anchors.Anchor{ID: 0, Point: anchors.Point{X: 0, Y: 0}},
		anchors.Anchor{ID: 1, Point: anchors.Point{X: 1, Y: 0}},
		anchors.Anchor{ID: 2, Point: anchors.Point{X: 2, Y: 0}},
	)
	p, err := New(layout, nil).Solve(setOf(1, 1, 1, 1))
	assert.True(t, errors.Is(err, ErrDegenerateGeometry))
	assert.Equal(t, position.Position{}, p)
}

func TestSolveNegativeAndZeroDistances(t *testing.T) {
	s := New(roomLayout(), nil)
	p, err := s.Solve(setOf(1, 0, 0, 0))
	require.NoError(t, err)
	assert.False(t, math.IsNaN(p.X))

	p, err = s.Solve(setOf(2, -1, -2, -3))
	require.NoError(t, err)
	assert.Equal(t, position.Valid, p.Validity)
}

func TestSolveBounds(t *testing.T) {
	bounds := &Bounds{MinX: -1, MinY: -1, MaxX: 8, MaxY: 5}
	s := New(roomLayout(), bounds)

	p, err := s.Solve(setOf(1, 4.23, 0, 7.04))
	require.NoError(t, err)
	assert.Equal(t, position.Valid, p.Validity)

	// a tag at (20, 20) is a consistent fix but outside the region
	r := distancesTo(roomLayout(), 20, 20)
	p, err = s.Solve(setOf(2, r[0], r[1], r[2]))
	require.NoError(t, err, "out-of-bounds is not an error")
	assert.Equal(t, position.Invalid, p.Validity)
	assert.InDelta(t, 20, p.X, tolerance)
	assert.InDelta(t, 20, p.Y, tolerance)
}

func TestSolveMissingDistance(t *testing.T) {
	s := New(roomLayout(), nil)
	_, err := s.Solve(ranging.Set{Distances: map[anchors.ID]float64{0: 1, 2: 1}})
	assert.ErrorIs(t, err, ErrMissingDistance)
}

func TestSolveUsesFirstThreeAnchors(t *testing.T) {
	layout := anchors.MustLayout(
		anchors.Anchor{ID: 0, Point: anchors.Point{X: 0, Y: 0}},
		anchors.Anchor{ID: 1, Point: anchors.Point{X: 0, Y: 300}},
		anchors.Anchor{ID: 2, Point: anchors.Point{X: 400, Y: 300}},
		anchors.Anchor{ID: 3, Point: anchors.Point{X: 400, Y: 0}},
	)
	r := distancesTo(layout, 120, 80)
	set := ranging.Set{Distances: map[anchors.ID]float64{0: r[0], 1: r[1], 2: r[2], 3: 9999}}

	p, err := New(layout, nil).Solve(set)
	require.NoError(t, err)
	assert.InDelta(t, 120, p.X, 1e-4)
	assert.InDelta(t, 80, p.Y, 1e-4)
}

func TestTrilaterateNonFinite(t *testing.T) {
	layout := anchors.MustLayout(
		anchors.Anchor{ID: 0, Point: anchors.Point{X: 0, Y: 0}},
		anchors.Anchor{ID: 1, Point: anchors.Point{X: 0, Y: 1e200}},
		anchors.Anchor{ID: 2, Point: anchors.Point{X: 1e200, Y: 1e200}},
	)
	_, _, err := Trilaterate(layout.Solver(), [anchors.SolverAnchors]float64{1, 1, 1})
	assert.ErrorIs(t, err, ErrNonFinite)
}

func TestResidual(t *testing.T) {
	layout := roomLayout()
	r := distancesTo(layout, 2, 2)
	assert.InDelta(t, 0, Residual(layout.Solver(), r, 2, 2), 1e-12)

	r[0] += 0.3
	x, y, err := Trilaterate(layout.Solver(), r)
	require.NoError(t, err)
	assert.Greater(t, Residual(layout.Solver(), r, x, y), 0.0)
}

func TestBounds(t *testing.T) {
	b := Bounds{MinX: -1000, MinY: -1000, MaxX: 1000, MaxY: 1000}
	require.NoError(t, b.Validate())
	assert.True(t, b.Contains(1000, -1000), "edges are inclusive")
	assert.False(t, b.Contains(1000.01, 0))

	assert.Error(t, Bounds{MinX: 1, MaxX: 0}.Validate())
}
