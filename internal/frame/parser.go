package frame

import (
	"bytes"
	"errors"
	"fmt"
	"iter"
)

// DefaultMaxFrameLen bounds the bytes buffered for a single frame. Input
// without a terminator beyond this length is discarded up to the next newline
// or object.
const DefaultMaxFrameLen = 4096

var errUnterminatedObject = errors.New("object ended before its closing brace")

// Parser buffers stream input and splits it into frames. Feed bytes with Write
// as they arrive and drain tokens with Tokens; a frame that is not yet
// complete stays buffered until more bytes arrive.
//
// A Parser is not safe for concurrent use; it is owned by the polling loop.
type Parser struct {
	// MaxFrameLen overrides DefaultMaxFrameLen when positive.
	MaxFrameLen int

	buf        []byte
	pending    []Token
	seq        uint64
	discarding bool
	flush      bool
}

// NewParser returns an empty Parser.
func NewParser() *Parser {
	return &Parser{}
}

// Write appends stream bytes to the parser buffer. It never fails; the
// signature lets a Parser sit behind io.Copy or io.MultiWriter.
func (p *Parser) Write(b []byte) (int, error) {
	p.buf = append(p.buf, b...)
	return len(b), nil
}

// Flush marks the end of input: the next Tokens call treats a trailing
// unterminated frame as complete instead of waiting for more bytes.
func (p *Parser) Flush() {
	p.flush = true
}

// Buffered returns the number of bytes held for an incomplete frame.
func (p *Parser) Buffered() int {
	return len(p.buf)
}

// Tokens yields every token decodable from the buffered input, paired with a
// nil error, and a nil token with a *ParseError for each dropped frame. The
// sequence stops when the buffer holds no complete frame. Stopping iteration
// early is safe: undelivered tokens are kept and yielded by the next call.
func (p *Parser) Tokens() iter.Seq2[Token, error] {
	return func(yield func(Token, error) bool) {
		for {
			for len(p.pending) > 0 {
				tok := p.pending[0]
				p.pending = p.pending[1:]
				if !yield(tok, nil) {
					return
				}
			}

			frame, perr, ok := p.nextFrame()
			if !ok {
				return
			}
			if perr != nil {
				if !yield(nil, perr) {
					return
				}
				continue
			}

			tokens, err := Decode(frame)
			if err != nil {
				if !yield(nil, err) {
					return
				}
				continue
			}
			for _, tok := range tokens {
				p.seq++
				p.pending = append(p.pending, withSeq(tok, p.seq))
			}
		}
	}
}

func withSeq(tok Token, seq uint64) Token {
	switch t := tok.(type) {
	case RangingSample:
		t.Seq = seq
		return t
	case DirectPosition:
		t.Seq = seq
		return t
	}
	return tok
}

// nextFrame removes the next complete frame from the buffer. It returns
// ok=false when more input is needed. A non-nil error reports a frame that
// was dropped during framing (oversized or broken object).
func (p *Parser) nextFrame() (frame []byte, perr *ParseError, ok bool) {
	maxLen := p.MaxFrameLen
	if maxLen <= 0 {
		maxLen = DefaultMaxFrameLen
	}

	for {
		if p.discarding {
			// resynchronise on the next line or object
			i := bytes.IndexAny(p.buf, "\n{")
			if i < 0 {
				p.buf = p.buf[:0]
				return nil, nil, false
			}
			if p.buf[i] == '\n' {
				i++
			}
			p.buf = p.buf[i:]
			p.discarding = false
		}

		start := skipSpace(p.buf)
		p.buf = p.buf[start:]
		if len(p.buf) == 0 {
			p.flush = false
			p.buf = nil
			return nil, nil, false
		}

		advance, end, broken := split(p.buf)
		switch {
		case advance > 0 && broken:
			frame = p.buf[:end]
			p.buf = p.buf[advance:]
			return nil, newParseError(MalformedJSON, frame, errUnterminatedObject), true
		case advance > 0 && end > maxLen:
			frame = p.buf[:maxLen]
			p.buf = p.buf[advance:]
			return nil, newParseError(FrameTooLong, frame, fmt.Errorf("frame exceeds %d bytes", maxLen)), true
		case advance > 0:
			frame = bytes.Clone(p.buf[:end])
			p.buf = p.buf[advance:]
			return frame, nil, true
		}

		// no terminator yet
		if len(p.buf) > maxLen {
			head := p.buf[:maxLen]
			perr := newParseError(FrameTooLong, head, fmt.Errorf("no terminator within %d bytes", maxLen))
			p.discarding = true
			p.buf = p.buf[maxLen:]
			return nil, perr, true
		}
		if p.flush {
			frame = bytes.Clone(p.buf)
			p.buf = nil
			p.flush = false
			return frame, nil, true
		}
		return nil, nil, false
	}
}

// split finds the end of the frame at the start of data, which must not begin
// with whitespace. advance is 0 when data holds no complete frame yet.
//
// Text frames end at a newline, or just before a '{' that starts an object.
// A frame starting with '{' ends at its closing brace and may span lines.
// Objects on the wire are flat, so a second '{' outside a string, or a line
// that cannot continue an object, marks the frame broken: it ends there and
// framing restarts at that point, so a bad object never swallows the next.
func split(data []byte) (advance, end int, broken bool) {
	if data[0] != '{' {
		i := bytes.IndexAny(data, "\n{")
		switch {
		case i < 0:
			return 0, 0, false
		case data[i] == '{':
			return i, i, false
		}
		return i + 1, i, false
	}

	inString, escaped := false, false
	for i := 1; i < len(data); i++ {
		c := data[i]
		if c == '\n' {
			if inString {
				return i + 1, i, true
			}
			cont, known := continuesObject(data[i+1:])
			if !known {
				return 0, 0, false
			}
			if !cont {
				return i + 1, i, true
			}
			continue
		}
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			return i, i, true
		case '}':
			return i + 1, i + 1, false
		}
	}
	return 0, 0, false
}

// continuesObject reports whether the line after a newline inside an object
// can belong to it. known is false while that line has not arrived yet.
func continuesObject(rest []byte) (cont, known bool) {
	i := skipSpace(rest)
	if i == len(rest) {
		return false, false
	}
	switch c := rest[i]; {
	case c == '"', c == '}', c == '{', c == ',', c == ':', c == '-', c == '.', c >= '0' && c <= '9':
		return true, true
	}
	return false, true
}

func skipSpace(b []byte) int {
	for i, c := range b {
		switch c {
		case ' ', '\t', '\r', '\n':
		default:
			return i
		}
	}
	return len(b)
}
