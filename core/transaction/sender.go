package transaction

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/sushant-115/gojogrid/core/messaging/recovery"
	"github.com/sushant-115/gojogrid/core/messaging/transport"
	"github.com/sushant-115/gojogrid/core/messaging/wire"
)

// TransportSender sends protocol messages over the reliable transport.
type TransportSender struct {
	t          *transport.Transport
	marshaller wire.Marshaller
	log        *zap.Logger
}

// NewTransportSender returns a Sender writing to t.
func NewTransportSender(t *transport.Transport, marshaller wire.Marshaller, log *zap.Logger) *TransportSender {
	if log == nil {
		log = zap.NewNop()
	}
	return &TransportSender{t: t, marshaller: marshaller, log: log.Named("tx_sender")}
}

// Send implements Sender. The transport resends across reconnects, so only
// a departed or unknown peer is reported, as ErrNodeUnreachable.
func (s *TransportSender) Send(nodeID string, msg wire.Message) error {
	typ, payload, err := s.marshaller.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal %T: %w", msg, err)
	}
	f := s.t.Send(nodeID, wire.Frame{Type: typ, Payload: payload}, false)
	if _, ferr, done := f.Result(); done && ferr != nil {
		if errors.Is(ferr, transport.ErrUnknownNode) || errors.Is(ferr, recovery.ErrNodeLeft) {
			return fmt.Errorf("%w: %w", ErrNodeUnreachable, ferr)
		}
		return ferr
	}
	f.Listen(func(_ struct{}, ferr error) {
		if ferr != nil && !errors.Is(ferr, recovery.ErrNodeLeft) {
			s.log.Warn("Message delivery failed", zap.String("to", nodeID), zap.Uint8("type", uint8(typ)), zap.Error(ferr))
		}
	})
	return nil
}
