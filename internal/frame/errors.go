package frame

import "fmt"

// ErrorKind classifies why a frame was dropped.
type ErrorKind int

const (
	MalformedNumber ErrorKind = iota + 1
	MalformedJSON
	UnrecognizedLine
	FrameTooLong
)

func (k ErrorKind) String() string {
	switch k {
	case MalformedNumber:
		return "malformed_number"
	case MalformedJSON:
		return "malformed_json"
	case UnrecognizedLine:
		return "unrecognized_line"
	case FrameTooLong:
		return "frame_too_long"
	default:
		return "unknown"
	}
}

// maxQuoted bounds how much of an offending frame is kept for diagnostics.
const maxQuoted = 80

// ParseError reports a frame that could not be decoded. The frame has already
// been dropped; the stream continues with the next frame.
type ParseError struct {
	Kind  ErrorKind
	Frame string
	Err   error
}

func newParseError(kind ErrorKind, frame []byte, err error) *ParseError {
	s := string(frame)
	if len(s) > maxQuoted {
		s = s[:maxQuoted] + "..."
	}
	return &ParseError{Kind: kind, Frame: s, Err: err}
}

func (e *ParseError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %q", e.Kind, e.Frame)
	}
	return fmt.Sprintf("%s: %q: %v", e.Kind, e.Frame, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }
