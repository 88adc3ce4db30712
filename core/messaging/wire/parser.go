package wire

import (
	"encoding/binary"
	"fmt"
)

// DecodeStatus is the outcome of a single Parser.Next call.
type DecodeStatus int

const (
	// StatusNeedMoreData means the buffered bytes do not hold a full frame yet.
	StatusNeedMoreData DecodeStatus = iota
	// StatusFrame means a complete frame was decoded.
	StatusFrame
)

type parserState int

const (
	stateHeader parserState = iota
	stateBody
)

// Parser incrementally decodes frames from a byte stream. Each session owns
// exactly one Parser; it is not safe for concurrent use.
type Parser struct {
	state    parserState
	buf      []byte
	bodyLen  int
	maxFrame int
}

// NewParser returns a parser rejecting frames larger than maxFrame bytes.
// A non-positive maxFrame selects DefaultMaxFrameSize.
func NewParser(maxFrame int) *Parser {
	if maxFrame <= 0 {
		maxFrame = DefaultMaxFrameSize
	}
	return &Parser{maxFrame: maxFrame, buf: make([]byte, 0, 4096)}
}

// Feed appends raw bytes read from the connection.
func (p *Parser) Feed(b []byte) {
	p.buf = append(p.buf, b...)
}

// Buffered returns the number of bytes not yet consumed.
func (p *Parser) Buffered() int {
	return len(p.buf)
}

// Next decodes one frame from the buffered bytes. The returned payload is a
// private copy and stays valid after further calls.
func (p *Parser) Next() (Frame, DecodeStatus, error) {
	for {
		switch p.state {
		case stateHeader:
			if len(p.buf) < lengthSize {
				return Frame{}, StatusNeedMoreData, nil
			}
			n := int(binary.BigEndian.Uint32(p.buf[:lengthSize]))
			if n < 1+8 {
				return Frame{}, StatusNeedMoreData, fmt.Errorf("%w: length %d", ErrMalformedFrame, n)
			}
			if n > p.maxFrame {
				return Frame{}, StatusNeedMoreData, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, n, p.maxFrame)
			}
			p.bodyLen = n
			p.state = stateBody
		case stateBody:
			if len(p.buf) < lengthSize+p.bodyLen {
				return Frame{}, StatusNeedMoreData, nil
			}
			body := p.buf[lengthSize : lengthSize+p.bodyLen]
			f := Frame{
				Type: MessageType(body[0]),
				Seq:  binary.BigEndian.Uint64(body[1:9]),
			}
			if len(body) > 9 {
				f.Payload = append([]byte(nil), body[9:]...)
			}
			p.consume(lengthSize + p.bodyLen)
			p.state = stateHeader
			p.bodyLen = 0
			return f, StatusFrame, nil
		}
	}
}

func (p *Parser) consume(n int) {
	rest := len(p.buf) - n
	copy(p.buf, p.buf[n:])
	p.buf = p.buf[:rest]
}
