package frame

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/banshee-data/position.report/internal/anchors"
)

var (
	rangingLine = regexp.MustCompile(`^a(\d+)\s*=\s*(.*)$`)
	directLine  = regexp.MustCompile(`^\(\s*x\s*,\s*y\s*\)\s*=\s*\((.*)\)$`)
	jsonAnchor  = regexp.MustCompile(`^Anchor(\d+)$`)
)

var errNoAnchors = errors.New("object has no AnchorN keys")

// Decode turns one complete frame into tokens. Ranging and direct lines yield
// exactly one token; a JSON object yields one RangingSample per AnchorN key in
// ascending anchor order. Sequence numbers are left at zero.
func Decode(frame []byte) ([]Token, error) {
	frame = bytes.TrimSpace(frame)
	if len(frame) > 0 && frame[0] == '{' {
		return decodeJSON(frame)
	}

	line := string(frame)
	if m := rangingLine.FindStringSubmatch(line); m != nil {
		sample, err := decodeRanging(m[1], m[2])
		if err != nil {
			return nil, newParseError(MalformedNumber, frame, err)
		}
		return []Token{sample}, nil
	}
	if m := directLine.FindStringSubmatch(line); m != nil {
		pos, err := decodeDirect(m[1])
		if err != nil {
			return nil, newParseError(MalformedNumber, frame, err)
		}
		return []Token{pos}, nil
	}
	return nil, newParseError(UnrecognizedLine, frame, nil)
}

func decodeRanging(id, value string) (RangingSample, error) {
	n, err := strconv.Atoi(id)
	if err != nil {
		return RangingSample{}, fmt.Errorf("anchor id: %w", err)
	}
	d, err := parseFinite(value)
	if err != nil {
		return RangingSample{}, fmt.Errorf("distance: %w", err)
	}
	return RangingSample{Anchor: anchors.ID(n), Distance: d, From: DialectRanging}, nil
}

func decodeDirect(body string) (DirectPosition, error) {
	parts := strings.Split(body, ",")
	if len(parts) != 2 {
		return DirectPosition{}, fmt.Errorf("expected 2 coordinates, got %d", len(parts))
	}
	x, err := parseFinite(parts[0])
	if err != nil {
		return DirectPosition{}, fmt.Errorf("x: %w", err)
	}
	y, err := parseFinite(parts[1])
	if err != nil {
		return DirectPosition{}, fmt.Errorf("y: %w", err)
	}
	return DirectPosition{X: x, Y: y}, nil
}

func decodeJSON(frame []byte) ([]Token, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(frame, &fields); err != nil {
		return nil, newParseError(MalformedJSON, frame, err)
	}

	samples := make([]RangingSample, 0, len(fields))
	for key, raw := range fields {
		m := jsonAnchor.FindStringSubmatch(key)
		if m == nil {
			continue // unrelated keys are tolerated
		}
		n, err := strconv.Atoi(m[1])
		if err != nil {
			return nil, newParseError(MalformedJSON, frame, fmt.Errorf("%s: %w", key, err))
		}
		if bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
			return nil, newParseError(MalformedJSON, frame, fmt.Errorf("%s: null distance", key))
		}
		var d float64
		if err := json.Unmarshal(raw, &d); err != nil {
			return nil, newParseError(MalformedJSON, frame, fmt.Errorf("%s: %w", key, err))
		}
		samples = append(samples, RangingSample{Anchor: anchors.ID(n), Distance: d, From: DialectJSON})
	}
	if len(samples) == 0 {
		return nil, newParseError(MalformedJSON, frame, errNoAnchors)
	}

	sort.Slice(samples, func(i, j int) bool { return samples[i].Anchor < samples[j].Anchor })
	tokens := make([]Token, len(samples))
	for i, s := range samples {
		tokens[i] = s
	}
	return tokens, nil
}

// parseFinite parses a float and rejects NaN and infinities, which
// strconv.ParseFloat would otherwise accept.
func parseFinite(s string) (float64, error) {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("non-finite value %q", strings.TrimSpace(s))
	}
	return v, nil
}
