package wire

// Handshake is the first frame a dialing node writes on a new connection.
type Handshake struct {
	NodeID    string
	NodeOrder uint64
	// ConnectID increases with every connect attempt of the dialing node to
	// this peer; the higher id wins a concurrent reservation race.
	ConnectID uint64
	// Received is the number of messages the dialer has received from the
	// peer so far.
	Received uint64
}

// HandshakeReply answers a Handshake. When Accepted is false the dialer must
// drop the connection and retry later.
type HandshakeReply struct {
	Accepted bool
	// Received is the number of messages the acceptor has received from the
	// dialer; the dialer acknowledges everything up to it and resends the rest.
	Received uint64
}

// EncodeHandshake returns the frame for h.
func EncodeHandshake(h Handshake) Frame {
	var b []byte
	b = AppendString(b, 1, h.NodeID)
	b = AppendUvarint(b, 2, h.NodeOrder)
	b = AppendUvarint(b, 3, h.ConnectID)
	b = AppendUvarint(b, 4, h.Received)
	return Frame{Type: TypeHandshake, Payload: b}
}

// DecodeHandshake parses a handshake frame payload.
func DecodeHandshake(payload []byte) (Handshake, error) {
	var h Handshake
	err := RangeFields(payload, func(f Field) error {
		switch f.Num {
		case 1:
			h.NodeID = f.String()
		case 2:
			h.NodeOrder = f.Uint
		case 3:
			h.ConnectID = f.Uint
		case 4:
			h.Received = f.Uint
		}
		return nil
	})
	return h, err
}

// EncodeHandshakeReply returns the frame for r.
func EncodeHandshakeReply(r HandshakeReply) Frame {
	var b []byte
	b = AppendBool(b, 1, r.Accepted)
	b = AppendUvarint(b, 2, r.Received)
	return Frame{Type: TypeHandshakeReply, Payload: b}
}

// DecodeHandshakeReply parses a handshake reply payload.
func DecodeHandshakeReply(payload []byte) (HandshakeReply, error) {
	var r HandshakeReply
	err := RangeFields(payload, func(f Field) error {
		switch f.Num {
		case 1:
			r.Accepted = f.Bool()
		case 2:
			r.Received = f.Uint
		}
		return nil
	})
	return r, err
}

// AckFrame returns the acknowledgement frame reporting received messages.
func AckFrame(received uint64) Frame {
	return Frame{Type: TypeAck, Seq: received}
}
