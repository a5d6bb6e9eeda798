// Package solver converts a complete ranging set into a tag position by 2D
// trilateration against the layout's first three anchors.
package solver

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"

	"github.com/banshee-data/position.report/internal/anchors"
	"github.com/banshee-data/position.report/internal/position"
	"github.com/banshee-data/position.report/internal/ranging"
)

var (
	// ErrDegenerateGeometry is returned when the solver anchors are collinear
	// or coincident, so the linear system has no unique solution.
	ErrDegenerateGeometry = errors.New("degenerate anchor geometry")
	// ErrNonFinite is returned when the solution overflows or is NaN.
	ErrNonFinite = errors.New("non-finite solution")
	// ErrMissingDistance is returned when the set lacks a solver anchor.
	ErrMissingDistance = errors.New("ranging set is missing a solver anchor")
)

// Bounds is the region in which a solved position is considered plausible.
// Edges are inclusive.
type Bounds struct {
	MinX float64 `json:"min_x" toml:"min_x"`
	MinY float64 `json:"min_y" toml:"min_y"`
	MaxX float64 `json:"max_x" toml:"max_x"`
	MaxY float64 `json:"max_y" toml:"max_y"`
}

// Validate checks that the bounds describe a non-empty region.
func (b Bounds) Validate() error {
	if b.MinX > b.MaxX || b.MinY > b.MaxY {
		return fmt.Errorf("invalid bounds: min (%g, %g) exceeds max (%g, %g)", b.MinX, b.MinY, b.MaxX, b.MaxY)
	}
	return nil
}

// Contains reports whether (x, y) lies within the bounds.
func (b Bounds) Contains(x, y float64) bool {
	return x >= b.MinX && x <= b.MaxX && y >= b.MinY && y <= b.MaxY
}

// Solver turns ranging sets into positions for a fixed layout.
type Solver struct {
	layout *anchors.Layout
	bounds *Bounds
}

// New returns a Solver. A nil bounds accepts every finite solution as Valid.
func New(layout *anchors.Layout, bounds *Bounds) *Solver {
	return &Solver{layout: layout, bounds: bounds}
}

// Solve computes the tag position for a completed ranging set. Solutions
// outside the bounds are returned with Validity Invalid and a nil error.
func (s *Solver) Solve(set ranging.Set) (position.Position, error) {
	solver := s.layout.Solver()
	var r [anchors.SolverAnchors]float64
	for i, a := range solver {
		d, ok := set.Distance(a.ID)
		if !ok {
			return position.Position{}, fmt.Errorf("%w: anchor %d", ErrMissingDistance, a.ID)
		}
		r[i] = d
	}

	x, y, err := Trilaterate(solver, r)
	if err != nil {
		return position.Position{}, err
	}

	validity := position.Valid
	if s.bounds != nil && !s.bounds.Contains(x, y) {
		validity = position.Invalid
	}
	return position.Position{
		X:        x,
		Y:        y,
		Validity: validity,
		Source:   position.Solved,
		Cycle:    set.Cycle,
		Residual: Residual(solver, r, x, y),
		Time:     set.CompletedAt,
	}, nil
}

// Trilaterate solves for the point whose distances to the three anchors are
// r. Subtracting the circle equation of anchor 0 from anchor 1, and of anchor
// 1 from anchor 2, gives the linear system
//
//	A*x + B*y = C
//	D*x + E*y = F
//
// which is solved by Cramer's rule. Negative and zero distances are ordinary
// inputs; only a zero determinant or a non-finite result is rejected.
func Trilaterate(a [anchors.SolverAnchors]anchors.Anchor, r [anchors.SolverAnchors]float64) (x, y float64, err error) {
	x0, y0 := a[0].X, a[0].Y
	x1, y1 := a[1].X, a[1].Y
	x2, y2 := a[2].X, a[2].Y
	r0, r1, r2 := r[0], r[1], r[2]

	A := 2 * (x1 - x0)
	B := 2 * (y1 - y0)
	C := r0*r0 - r1*r1 - x0*x0 + x1*x1 - y0*y0 + y1*y1
	D := 2 * (x2 - x1)
	E := 2 * (y2 - y1)
	F := r1*r1 - r2*r2 - x1*x1 + x2*x2 - y1*y1 + y2*y2

	denom := E*A - B*D
	if denom == 0 {
		return 0, 0, ErrDegenerateGeometry
	}

	x = (C*E - F*B) / denom
	y = (A*F - C*D) / denom
	if math.IsNaN(x) || math.IsInf(x, 0) || math.IsNaN(y) || math.IsInf(y, 0) {
		return 0, 0, fmt.Errorf("%w: (%v, %v)", ErrNonFinite, x, y)
	}
	return x, y, nil
}

// Residual is the RMS difference between each anchor's reported distance and
// its distance to (x, y). With three anchors and consistent ranges it is zero;
// larger values indicate noisy or inconsistent ranging.
func Residual(a [anchors.SolverAnchors]anchors.Anchor, r [anchors.SolverAnchors]float64, x, y float64) float64 {
	p := []float64{x, y}
	diffs := make([]float64, len(a))
	for i, anchor := range a {
		diffs[i] = floats.Distance(p, []float64{anchor.X, anchor.Y}, 2) - r[i]
	}
	return floats.Norm(diffs, 2) / math.Sqrt(float64(len(diffs)))
}
