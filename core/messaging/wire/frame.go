// Package wire defines the node-to-node frame format, an incremental frame
// parser and the message marshalling used by the transport.
//
// Every frame is laid out as:
//
//	| length uint32 | type uint8 | seq uint64 | payload ... |
//
// where length covers type, seq and payload. The one-byte type is the only
// part of a frame the transport inspects before handing the payload to the
// Marshaller.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// MessageType is the one-byte discriminator carried by every frame.
type MessageType uint8

// System frame types. Application message types start at FirstUserType.
const (
	TypeHandshake      MessageType = 1
	TypeHandshakeReply MessageType = 2
	TypeAck            MessageType = 3
	TypeAckRequest     MessageType = 4
	TypePing           MessageType = 5

	FirstUserType MessageType = 16
)

const (
	lengthSize = 4
	// HeaderSize is the fixed frame header: length, type and sequence.
	HeaderSize = lengthSize + 1 + 8

	// DefaultMaxFrameSize bounds a single frame.
	DefaultMaxFrameSize = 16 << 20
)

var (
	// ErrFrameTooLarge is returned when a frame header announces more than
	// the configured maximum.
	ErrFrameTooLarge = errors.New("wire: frame exceeds maximum size")
	// ErrMalformedFrame is returned for a frame shorter than its header.
	ErrMalformedFrame = errors.New("wire: malformed frame")
)

// Frame is one decoded unit on the wire.
type Frame struct {
	Type MessageType
	// Seq is the sender's sequence number for recoverable messages and the
	// acknowledged count for acks. Zero for frames outside recovery.
	Seq     uint64
	Payload []byte
}

// IsSystem reports whether the frame is a transport control frame.
func (f Frame) IsSystem() bool {
	return f.Type < FirstUserType
}

func (f Frame) String() string {
	return fmt.Sprintf("Frame{type=%d seq=%d len=%d}", f.Type, f.Seq, len(f.Payload))
}

// AppendFrame encodes f onto dst.
func AppendFrame(dst []byte, f Frame) []byte {
	var hdr [HeaderSize]byte
	binary.BigEndian.PutUint32(hdr[0:4], uint32(1+8+len(f.Payload)))
	hdr[4] = byte(f.Type)
	binary.BigEndian.PutUint64(hdr[5:13], f.Seq)
	dst = append(dst, hdr[:]...)
	return append(dst, f.Payload...)
}

// EncodedSize returns the number of bytes AppendFrame writes for f.
func EncodedSize(f Frame) int {
	return HeaderSize + len(f.Payload)
}
