package internaltelemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// TxMetrics holds the instruments of the transaction manager. A nil
// *TxMetrics records nothing.
type TxMetrics struct {
	CommitsCounter       metric.Int64Counter
	RollbacksCounter     metric.Int64Counter
	RecoveriesCounter    metric.Int64Counter
	SalvagedCounter      metric.Int64Counter
	ActiveTxUpDown       metric.Int64UpDownCounter
	CommitLatencyHistory metric.Int64Histogram
}

// NewTxMetrics creates and registers all the transaction metrics.
func NewTxMetrics(meter metric.Meter) (*TxMetrics, error) {
	commits, err := meter.Int64Counter(
		"gojogrid.tx.commits_total",
		metric.WithDescription("Total number of committed transactions."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	rollbacks, err := meter.Int64Counter(
		"gojogrid.tx.rollbacks_total",
		metric.WithDescription("Total number of rolled back transactions, by reason."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	recoveries, err := meter.Int64Counter(
		"gojogrid.tx.recoveries_total",
		metric.WithDescription("Total number of check-prepared recoveries, by outcome."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	salvaged, err := meter.Int64Counter(
		"gojogrid.tx.salvaged_total",
		metric.WithDescription("Total number of transactions salvaged after an inconclusive recovery."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	active, err := meter.Int64UpDownCounter(
		"gojogrid.tx.active",
		metric.WithDescription("Number of transactions tracked by the manager."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	latency, err := meter.Int64Histogram(
		"gojogrid.tx.commit.duration",
		metric.WithDescription("Latency of prepare plus finish on the coordinator."),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	return &TxMetrics{
		CommitsCounter:       commits,
		RollbacksCounter:     rollbacks,
		RecoveriesCounter:    recoveries,
		SalvagedCounter:      salvaged,
		ActiveTxUpDown:       active,
		CommitLatencyHistory: latency,
	}, nil
}

// NoopTxMetrics returns instruments backed by a no-op meter.
func NoopTxMetrics() *TxMetrics {
	m, _ := NewTxMetrics(noop.NewMeterProvider().Meter(""))
	return m
}

// Committed records one commit.
func (m *TxMetrics) Committed(local bool) {
	if m == nil {
		return
	}
	m.CommitsCounter.Add(context.Background(), 1, metric.WithAttributes(attribute.Bool("local", local)))
}

// RolledBack records one rollback with its reason.
func (m *TxMetrics) RolledBack(reason string) {
	if m == nil {
		return
	}
	m.RollbacksCounter.Add(context.Background(), 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// Recovered records the outcome of one check-prepared recovery.
func (m *TxMetrics) Recovered(commit bool) {
	if m == nil {
		return
	}
	m.RecoveriesCounter.Add(context.Background(), 1, metric.WithAttributes(attribute.Bool("commit", commit)))
}

// Salvaged records one salvaged transaction.
func (m *TxMetrics) Salvaged() {
	if m == nil {
		return
	}
	m.SalvagedCounter.Add(context.Background(), 1)
}

// Active adjusts the number of tracked transactions.
func (m *TxMetrics) Active(delta int64) {
	if m == nil {
		return
	}
	m.ActiveTxUpDown.Add(context.Background(), delta)
}

// CommitLatency records the coordinator-side duration of one commit.
func (m *TxMetrics) CommitLatency(d time.Duration) {
	if m == nil {
		return
	}
	m.CommitLatencyHistory.Record(context.Background(), d.Milliseconds())
}
