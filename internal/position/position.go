// Package position defines the tag position value handed to consumers and the
// stream that publishes it.
package position

import (
	"encoding/json"
	"fmt"
	"time"
)

// Validity tells a consumer whether a fix is plausible.
type Validity int

const (
	Valid Validity = iota + 1
	// Invalid marks a fix that was computed but fell outside the configured
	// bounds. It is still published so consumers can tell "implausible fix"
	// apart from "no fix".
	Invalid
)

func (v Validity) String() string {
	switch v {
	case Valid:
		return "valid"
	case Invalid:
		return "invalid"
	default:
		return "unknown"
	}
}

func (v Validity) MarshalText() ([]byte, error) { return []byte(v.String()), nil }

func (v *Validity) UnmarshalText(b []byte) error {
	switch string(b) {
	case "valid":
		*v = Valid
	case "invalid":
		*v = Invalid
	default:
		return fmt.Errorf("unknown validity %q", b)
	}
	return nil
}

// Source records where a position came from.
type Source int

const (
	// Solved positions were computed from a ranging set.
	Solved Source = iota + 1
	// Direct positions arrived pre-computed on the wire.
	Direct
)

func (s Source) String() string {
	switch s {
	case Solved:
		return "solved"
	case Direct:
		return "direct"
	default:
		return "unknown"
	}
}

func (s Source) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *Source) UnmarshalText(b []byte) error {
	switch string(b) {
	case "solved":
		*s = Solved
	case "direct":
		*s = Direct
	default:
		return fmt.Errorf("unknown source %q", b)
	}
	return nil
}

// Position is an immutable tag fix. It is passed by value.
type Position struct {
	X        float64   `json:"x"`
	Y        float64   `json:"y"`
	Validity Validity  `json:"validity"`
	Source   Source    `json:"source"`
	Cycle    uint64    `json:"cycle,omitempty"`    // ranging cycle for solved fixes
	Residual float64   `json:"residual,omitempty"` // RMS range residual for solved fixes
	Time     time.Time `json:"time"`
}

// IsValid reports whether the position is marked Valid.
func (p Position) IsValid() bool { return p.Validity == Valid }

func (p Position) String() string {
	return fmt.Sprintf("(%.3f, %.3f) %s %s", p.X, p.Y, p.Source, p.Validity)
}

// JSON returns the position encoded for the wire feeds.
func (p Position) JSON() ([]byte, error) {
	return json.Marshal(p)
}
