package wire

import (
	"errors"
	"fmt"
	"sync"

	"google.golang.org/protobuf/encoding/protowire"
)

// ErrUnknownType is returned when no factory is registered for a frame type.
var ErrUnknownType = errors.New("wire: unknown message type")

// Message is an application message carried in a frame payload.
type Message interface {
	// Type returns the frame discriminator for this message.
	Type() MessageType
	// MarshalWire appends the encoded message to b.
	MarshalWire(b []byte) []byte
	// UnmarshalWire decodes the message from b.
	UnmarshalWire(b []byte) error
}

// Marshaller converts messages to and from frame payloads.
type Marshaller interface {
	Marshal(m Message) (MessageType, []byte, error)
	Unmarshal(t MessageType, payload []byte) (Message, error)
}

// Registry is a Marshaller backed by per-type message factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[MessageType]func() Message
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[MessageType]func() Message)}
}

// Register installs the factory for t. System types cannot be registered.
func (r *Registry) Register(t MessageType, factory func() Message) {
	if t < FirstUserType {
		panic(fmt.Sprintf("wire: message type %d is reserved", t))
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[t] = factory
}

// Marshal implements Marshaller.
func (r *Registry) Marshal(m Message) (MessageType, []byte, error) {
	if m == nil {
		return 0, nil, errors.New("wire: nil message")
	}
	return m.Type(), m.MarshalWire(nil), nil
}

// Unmarshal implements Marshaller.
func (r *Registry) Unmarshal(t MessageType, payload []byte) (Message, error) {
	r.mu.RLock()
	factory, ok := r.factories[t]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownType, t)
	}
	m := factory()
	if err := m.UnmarshalWire(payload); err != nil {
		return nil, fmt.Errorf("wire: decode type %d: %w", t, err)
	}
	return m, nil
}

// AppendString appends a length-delimited string field. Empty strings are
// omitted.
func AppendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

// AppendBytes appends a length-delimited bytes field. Nil slices are omitted,
// empty non-nil slices are kept.
func AppendBytes(b []byte, num protowire.Number, v []byte) []byte {
	if v == nil {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

// AppendUvarint appends a varint field. Zero is omitted.
func AppendUvarint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

// AppendBool appends a bool field. False is omitted.
func AppendBool(b []byte, num protowire.Number, v bool) []byte {
	if !v {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, protowire.EncodeBool(v))
}

// AppendNested appends a nested message produced by fn.
func AppendNested(b []byte, num protowire.Number, fn func([]byte) []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, fn(nil))
}

// Field is one decoded field handed to a RangeFields callback. Varint
// fields populate Uint, length-delimited fields populate Bytes.
type Field struct {
	Num   protowire.Number
	Type  protowire.Type
	Uint  uint64
	Bytes []byte
}

// Bool returns the field as a bool.
func (f Field) Bool() bool {
	return protowire.DecodeBool(f.Uint)
}

// String returns the field as a string.
func (f Field) String() string {
	return string(f.Bytes)
}

// RangeFields decodes b field by field. Unknown wire types are skipped.
func RangeFields(b []byte, fn func(Field) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		f := Field{Num: num, Type: typ}
		switch typ {
		case protowire.VarintType:
			v, m := protowire.ConsumeVarint(b)
			if m < 0 {
				return protowire.ParseError(m)
			}
			f.Uint = v
			n = m
		case protowire.BytesType:
			v, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return protowire.ParseError(m)
			}
			f.Bytes = v
			n = m
		default:
			m := protowire.ConsumeFieldValue(num, typ, b)
			if m < 0 {
				return protowire.ParseError(m)
			}
			b = b[m:]
			continue
		}
		b = b[n:]
		if err := fn(f); err != nil {
			return err
		}
	}
	return nil
}
