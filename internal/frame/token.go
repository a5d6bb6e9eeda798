// Package frame decodes the anchor ranging wire protocol. It accepts an
// unstructured, possibly chunked byte stream and yields tokens: per-anchor
// distance readings and pre-computed tag coordinates.
//
// Three dialects are understood and told apart frame by frame:
//
//	a0 = 1.03                              ranging line
//	(x,y) = (0.52, 0.43)                   direct position line
//	{"Anchor0": 1.0, "Anchor1": 2.0, ...}  JSON ranging object
package frame

import (
	"fmt"

	"github.com/banshee-data/position.report/internal/anchors"
)

// Dialect identifies the wire format a token was decoded from.
type Dialect int

const (
	DialectRanging Dialect = iota + 1
	DialectDirect
	DialectJSON
)

func (d Dialect) String() string {
	switch d {
	case DialectRanging:
		return "ranging"
	case DialectDirect:
		return "direct"
	case DialectJSON:
		return "json"
	default:
		return "unknown"
	}
}

// Token is a decoded unit of the stream: either a RangingSample or a
// DirectPosition.
type Token interface {
	// Dialect returns the wire format the token came from.
	Dialect() Dialect
	// Sequence returns the token's position in the stream, starting at 1.
	Sequence() uint64
}

// RangingSample is one anchor's distance report.
type RangingSample struct {
	Anchor   anchors.ID
	Distance float64
	Seq      uint64
	From     Dialect
}

func (s RangingSample) Dialect() Dialect { return s.From }
func (s RangingSample) Sequence() uint64 { return s.Seq }

func (s RangingSample) String() string {
	return fmt.Sprintf("a%d = %g", s.Anchor, s.Distance)
}

// DirectPosition is a tag coordinate computed by the transmitter.
type DirectPosition struct {
	X, Y float64
	Seq  uint64
}

func (DirectPosition) Dialect() Dialect   { return DialectDirect }
func (p DirectPosition) Sequence() uint64 { return p.Seq }

func (p DirectPosition) String() string {
	return fmt.Sprintf("(x,y) = (%g, %g)", p.X, p.Y)
}
