package internaltelemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// MessagingMetrics holds the instruments of the node-to-node transport.
// A nil *MessagingMetrics records nothing.
type MessagingMetrics struct {
	MessagesSentCounter      metric.Int64Counter
	MessagesReceivedCounter  metric.Int64Counter
	MessagesResentCounter    metric.Int64Counter
	DuplicatesDroppedCounter metric.Int64Counter
	HandshakesCounter        metric.Int64Counter
	PausedSessionsUpDown     metric.Int64UpDownCounter
	UnackedMessagesUpDown    metric.Int64UpDownCounter
}

// NewMessagingMetrics creates and registers all the transport metrics.
func NewMessagingMetrics(meter metric.Meter) (*MessagingMetrics, error) {
	sent, err := meter.Int64Counter(
		"gojogrid.messaging.sent_total",
		metric.WithDescription("Total number of messages written to peers."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	received, err := meter.Int64Counter(
		"gojogrid.messaging.received_total",
		metric.WithDescription("Total number of messages accepted from peers."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	resent, err := meter.Int64Counter(
		"gojogrid.messaging.resent_total",
		metric.WithDescription("Total number of unacknowledged messages resent after a reconnect."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	dups, err := meter.Int64Counter(
		"gojogrid.messaging.duplicates_dropped_total",
		metric.WithDescription("Total number of inbound messages dropped as duplicates."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	handshakes, err := meter.Int64Counter(
		"gojogrid.messaging.handshakes_total",
		metric.WithDescription("Total number of completed handshakes."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	paused, err := meter.Int64UpDownCounter(
		"gojogrid.messaging.paused_sessions",
		metric.WithDescription("Number of sessions whose reads are paused by backpressure."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	unacked, err := meter.Int64UpDownCounter(
		"gojogrid.messaging.unacked_messages",
		metric.WithDescription("Number of sent messages awaiting acknowledgement."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	return &MessagingMetrics{
		MessagesSentCounter:      sent,
		MessagesReceivedCounter:  received,
		MessagesResentCounter:    resent,
		DuplicatesDroppedCounter: dups,
		HandshakesCounter:        handshakes,
		PausedSessionsUpDown:     paused,
		UnackedMessagesUpDown:    unacked,
	}, nil
}

// NoopMessagingMetrics returns instruments backed by a no-op meter.
func NoopMessagingMetrics() *MessagingMetrics {
	m, _ := NewMessagingMetrics(noop.NewMeterProvider().Meter(""))
	return m
}

func peerAttr(peer string) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String("peer", peer))
}

// Sent records n messages written to peer.
func (m *MessagingMetrics) Sent(peer string, n int) {
	if m == nil {
		return
	}
	m.MessagesSentCounter.Add(context.Background(), int64(n), peerAttr(peer))
}

// Received records one message accepted from peer.
func (m *MessagingMetrics) Received(peer string) {
	if m == nil {
		return
	}
	m.MessagesReceivedCounter.Add(context.Background(), 1, peerAttr(peer))
}

// Resent records n messages resent to peer.
func (m *MessagingMetrics) Resent(peer string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.MessagesResentCounter.Add(context.Background(), int64(n), peerAttr(peer))
}

// DuplicateDropped records one duplicate suppressed from peer.
func (m *MessagingMetrics) DuplicateDropped(peer string) {
	if m == nil {
		return
	}
	m.DuplicatesDroppedCounter.Add(context.Background(), 1, peerAttr(peer))
}

// Handshake records one completed handshake with peer.
func (m *MessagingMetrics) Handshake(peer string, inbound bool) {
	if m == nil {
		return
	}
	m.HandshakesCounter.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("peer", peer), attribute.Bool("inbound", inbound)))
}

// Paused records a session pausing (delta 1) or resuming (delta -1) reads.
func (m *MessagingMetrics) Paused(delta int64) {
	if m == nil {
		return
	}
	m.PausedSessionsUpDown.Add(context.Background(), delta)
}

// Unacked adjusts the number of messages awaiting acknowledgement.
func (m *MessagingMetrics) Unacked(delta int64) {
	if m == nil || delta == 0 {
		return
	}
	m.UnackedMessagesUpDown.Add(context.Background(), delta)
}
