package transaction

import (
	"fmt"
	"time"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/sushant-115/gojogrid/core/messaging/wire"
	"github.com/sushant-115/gojogrid/core/storage"
)

// Protocol message types.
const (
	TypePrepareRequest wire.MessageType = wire.FirstUserType + iota
	TypePrepareResponse
	TypeFinishRequest
	TypeFinishResponse
	TypeCheckPreparedRequest
	TypeCheckPreparedResponse
)

// Header correlates a protocol message with the future waiting for it.
type Header struct {
	Version  Version
	FutureID string
	MiniID   string
}

func (h Header) marshal(b []byte) []byte {
	b = wire.AppendNested(b, 1, func(nb []byte) []byte { return appendVersion(nb, h.Version) })
	b = wire.AppendString(b, 2, h.FutureID)
	return wire.AppendString(b, 3, h.MiniID)
}

// unmarshal decodes the header fields 1 to 3 and reports whether f was one.
func (h *Header) unmarshal(f wire.Field) (bool, error) {
	switch f.Num {
	case 1:
		v, err := decodeVersion(f.Bytes)
		if err != nil {
			return true, err
		}
		h.Version = v
	case 2:
		h.FutureID = f.String()
	case 3:
		h.MiniID = f.String()
	default:
		return false, nil
	}
	return true, nil
}

func appendVersion(b []byte, v Version) []byte {
	b = wire.AppendUvarint(b, 1, v.Counter)
	b = wire.AppendString(b, 2, v.NodeID)
	return wire.AppendUvarint(b, 3, v.Order)
}

func decodeVersion(b []byte) (Version, error) {
	var v Version
	err := wire.RangeFields(b, func(f wire.Field) error {
		switch f.Num {
		case 1:
			v.Counter = f.Uint
		case 2:
			v.NodeID = f.String()
		case 3:
			v.Order = f.Uint
		}
		return nil
	})
	return v, err
}

func appendEntries(b []byte, num protowire.Number, entries []WriteEntry) []byte {
	for _, e := range entries {
		e := e
		b = wire.AppendNested(b, num, func(nb []byte) []byte {
			nb = wire.AppendUvarint(nb, 1, uint64(e.Op))
			nb = wire.AppendString(nb, 2, e.Key)
			nb = wire.AppendBytes(nb, 3, e.Value)
			nb = wire.AppendUvarint(nb, 4, e.ReadVersion)
			return wire.AppendBool(nb, 5, e.Validate)
		})
	}
	return b
}

func decodeEntry(b []byte) (WriteEntry, error) {
	var e WriteEntry
	err := wire.RangeFields(b, func(f wire.Field) error {
		switch f.Num {
		case 1:
			e.Op = storage.Op(f.Uint)
		case 2:
			e.Key = f.String()
		case 3:
			e.Value = append([]byte{}, f.Bytes...)
		case 4:
			e.ReadVersion = f.Uint
		case 5:
			e.Validate = f.Bool()
		}
		return nil
	})
	if err == nil && e.Op != storage.OpPut && e.Op != storage.OpDelete {
		err = fmt.Errorf("%w: write entry for %q has op %d", ErrProtocol, e.Key, e.Op)
	}
	return e, err
}

func appendTxNodes(b []byte, num protowire.Number, nodes TxNodes) []byte {
	for _, p := range nodes.Primaries() {
		p, backups := p, nodes[p]
		b = wire.AppendNested(b, num, func(nb []byte) []byte {
			nb = wire.AppendString(nb, 1, p)
			for _, bk := range backups {
				nb = wire.AppendString(nb, 2, bk)
			}
			return nb
		})
	}
	return b
}

func decodeTxNode(b []byte, into TxNodes) error {
	var primary string
	backups := []string{}
	err := wire.RangeFields(b, func(f wire.Field) error {
		switch f.Num {
		case 1:
			primary = f.String()
		case 2:
			backups = append(backups, f.String())
		}
		return nil
	})
	if err != nil {
		return err
	}
	if primary == "" {
		return fmt.Errorf("%w: participant entry without primary", ErrProtocol)
	}
	into[primary] = backups
	return nil
}

// PrepareRequest asks a participant to lock and stage its writes.
type PrepareRequest struct {
	Header
	ThreadID     uint64
	Concurrency  Concurrency
	Isolation    Isolation
	Timeout      time.Duration
	GroupLockKey string
	// Writes are the entries the receiving node owns as primary or backup.
	Writes []WriteEntry
	// Nodes is the full participant map of the transaction.
	Nodes TxNodes
}

func (m *PrepareRequest) Type() wire.MessageType { return TypePrepareRequest }

func (m *PrepareRequest) MarshalWire(b []byte) []byte {
	b = m.Header.marshal(b)
	b = wire.AppendUvarint(b, 4, m.ThreadID)
	b = wire.AppendUvarint(b, 5, uint64(m.Concurrency))
	b = wire.AppendUvarint(b, 6, uint64(m.Isolation))
	b = wire.AppendUvarint(b, 7, uint64(m.Timeout/time.Millisecond))
	b = wire.AppendString(b, 8, m.GroupLockKey)
	b = appendEntries(b, 9, m.Writes)
	return appendTxNodes(b, 10, m.Nodes)
}

func (m *PrepareRequest) UnmarshalWire(b []byte) error {
	m.Nodes = make(TxNodes)
	return wire.RangeFields(b, func(f wire.Field) error {
		if ok, err := m.Header.unmarshal(f); ok {
			return err
		}
		switch f.Num {
		case 4:
			m.ThreadID = f.Uint
		case 5:
			m.Concurrency = Concurrency(f.Uint)
		case 6:
			m.Isolation = Isolation(f.Uint)
		case 7:
			m.Timeout = time.Duration(f.Uint) * time.Millisecond
		case 8:
			m.GroupLockKey = f.String()
		case 9:
			e, err := decodeEntry(f.Bytes)
			if err != nil {
				return err
			}
			m.Writes = append(m.Writes, e)
		case 10:
			return decodeTxNode(f.Bytes, m.Nodes)
		}
		return nil
	})
}

// PrepareResponse reports the outcome of a prepare on one participant.
type PrepareResponse struct {
	Header
	ErrKind uint64
	ErrMsg  string
}

func (m *PrepareResponse) Type() wire.MessageType { return TypePrepareResponse }

func (m *PrepareResponse) MarshalWire(b []byte) []byte {
	b = m.Header.marshal(b)
	b = wire.AppendUvarint(b, 4, m.ErrKind)
	return wire.AppendString(b, 5, m.ErrMsg)
}

func (m *PrepareResponse) UnmarshalWire(b []byte) error {
	return wire.RangeFields(b, func(f wire.Field) error {
		if ok, err := m.Header.unmarshal(f); ok {
			return err
		}
		switch f.Num {
		case 4:
			m.ErrKind = f.Uint
		case 5:
			m.ErrMsg = f.String()
		}
		return nil
	})
}

// Err returns the participant's error, if any.
func (m *PrepareResponse) Err() error { return kindError(m.ErrKind, m.ErrMsg) }

// FinishRequest carries the commit or rollback decision.
type FinishRequest struct {
	Header
	ThreadID      uint64
	Commit        bool
	Invalidate    bool
	ReplyRequired bool
	CommitVersion Version
	BaseVersion   Version
	TxSize        uint64
	GroupLockKey  string
	// Writes are applied by a participant that holds no staged state for
	// the transaction.
	Writes []WriteEntry
	// RecoveryWrites are the writes whose replication to some owner was not
	// confirmed at prepare time.
	RecoveryWrites []WriteEntry
}

func (m *FinishRequest) Type() wire.MessageType { return TypeFinishRequest }

func (m *FinishRequest) MarshalWire(b []byte) []byte {
	b = m.Header.marshal(b)
	b = wire.AppendUvarint(b, 4, m.ThreadID)
	b = wire.AppendBool(b, 5, m.Commit)
	b = wire.AppendBool(b, 6, m.Invalidate)
	b = wire.AppendBool(b, 7, m.ReplyRequired)
	if !m.CommitVersion.IsZero() {
		b = wire.AppendNested(b, 8, func(nb []byte) []byte { return appendVersion(nb, m.CommitVersion) })
	}
	if !m.BaseVersion.IsZero() {
		b = wire.AppendNested(b, 9, func(nb []byte) []byte { return appendVersion(nb, m.BaseVersion) })
	}
	b = wire.AppendUvarint(b, 10, m.TxSize)
	b = wire.AppendString(b, 11, m.GroupLockKey)
	b = appendEntries(b, 12, m.Writes)
	return appendEntries(b, 13, m.RecoveryWrites)
}

func (m *FinishRequest) UnmarshalWire(b []byte) error {
	return wire.RangeFields(b, func(f wire.Field) error {
		if ok, err := m.Header.unmarshal(f); ok {
			return err
		}
		var err error
		switch f.Num {
		case 4:
			m.ThreadID = f.Uint
		case 5:
			m.Commit = f.Bool()
		case 6:
			m.Invalidate = f.Bool()
		case 7:
			m.ReplyRequired = f.Bool()
		case 8:
			m.CommitVersion, err = decodeVersion(f.Bytes)
		case 9:
			m.BaseVersion, err = decodeVersion(f.Bytes)
		case 10:
			m.TxSize = f.Uint
		case 11:
			m.GroupLockKey = f.String()
		case 12, 13:
			var e WriteEntry
			if e, err = decodeEntry(f.Bytes); err == nil {
				if f.Num == 12 {
					m.Writes = append(m.Writes, e)
				} else {
					m.RecoveryWrites = append(m.RecoveryWrites, e)
				}
			}
		}
		return err
	})
}

// FinishResponse acknowledges a FinishRequest.
type FinishResponse struct {
	Header
	ErrKind uint64
	ErrMsg  string
}

func (m *FinishResponse) Type() wire.MessageType { return TypeFinishResponse }

func (m *FinishResponse) MarshalWire(b []byte) []byte {
	b = m.Header.marshal(b)
	b = wire.AppendUvarint(b, 4, m.ErrKind)
	return wire.AppendString(b, 5, m.ErrMsg)
}

func (m *FinishResponse) UnmarshalWire(b []byte) error {
	return wire.RangeFields(b, func(f wire.Field) error {
		if ok, err := m.Header.unmarshal(f); ok {
			return err
		}
		switch f.Num {
		case 4:
			m.ErrKind = f.Uint
		case 5:
			m.ErrMsg = f.String()
		}
		return nil
	})
}

// Err returns the participant's error, if any.
func (m *FinishResponse) Err() error { return kindError(m.ErrKind, m.ErrMsg) }

// CheckPreparedRequest asks whether a transaction is prepared or committed
// on the receiving node with the given number of roles.
type CheckPreparedRequest struct {
	Header
	ExpectedCount uint64
}

func (m *CheckPreparedRequest) Type() wire.MessageType { return TypeCheckPreparedRequest }

func (m *CheckPreparedRequest) MarshalWire(b []byte) []byte {
	b = m.Header.marshal(b)
	return wire.AppendUvarint(b, 4, m.ExpectedCount)
}

func (m *CheckPreparedRequest) UnmarshalWire(b []byte) error {
	return wire.RangeFields(b, func(f wire.Field) error {
		if ok, err := m.Header.unmarshal(f); ok {
			return err
		}
		if f.Num == 4 {
			m.ExpectedCount = f.Uint
		}
		return nil
	})
}

// CheckPreparedResponse answers a CheckPreparedRequest.
type CheckPreparedResponse struct {
	Header
	Success bool
}

func (m *CheckPreparedResponse) Type() wire.MessageType { return TypeCheckPreparedResponse }

func (m *CheckPreparedResponse) MarshalWire(b []byte) []byte {
	b = m.Header.marshal(b)
	return wire.AppendBool(b, 4, m.Success)
}

func (m *CheckPreparedResponse) UnmarshalWire(b []byte) error {
	return wire.RangeFields(b, func(f wire.Field) error {
		if ok, err := m.Header.unmarshal(f); ok {
			return err
		}
		if f.Num == 4 {
			m.Success = f.Bool()
		}
		return nil
	})
}

// Factories returns the message factories of the protocol by type.
func Factories() map[wire.MessageType]func() wire.Message {
	return map[wire.MessageType]func() wire.Message{
		TypePrepareRequest:        func() wire.Message { return &PrepareRequest{} },
		TypePrepareResponse:       func() wire.Message { return &PrepareResponse{} },
		TypeFinishRequest:         func() wire.Message { return &FinishRequest{} },
		TypeFinishResponse:        func() wire.Message { return &FinishResponse{} },
		TypeCheckPreparedRequest:  func() wire.Message { return &CheckPreparedRequest{} },
		TypeCheckPreparedResponse: func() wire.Message { return &CheckPreparedResponse{} },
	}
}
