package internaltelemetry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func collect(t *testing.T, r *sdkmetric.ManualReader) map[string]metricdata.Aggregation {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, r.Collect(context.Background(), &rm))
	out := make(map[string]metricdata.Aggregation)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out[m.Name] = m.Data
		}
	}
	return out
}

func sumOf(t *testing.T, agg metricdata.Aggregation) int64 {
	t.Helper()
	s, ok := agg.(metricdata.Sum[int64])
	require.True(t, ok, "%T", agg)
	var total int64
	for _, dp := range s.DataPoints {
		total += dp.Value
	}
	return total
}

func TestTxMetrics_Records(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	meter := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)).Meter("test")
	m, err := NewTxMetrics(meter)
	require.NoError(t, err)

	m.Committed(true)
	m.Committed(false)
	m.RolledBack("conflict")
	m.Recovered(true)
	m.Salvaged()
	m.Active(3)
	m.Active(-1)
	m.CommitLatency(15 * time.Millisecond)

	got := collect(t, reader)
	require.Equal(t, int64(2), sumOf(t, got["gojogrid.tx.commits_total"]))
	require.Equal(t, int64(2), sumOf(t, got["gojogrid.tx.active"]))
	h, ok := got["gojogrid.tx.commit.duration"].(metricdata.Histogram[int64])
	require.True(t, ok)
	require.Equal(t, uint64(1), h.DataPoints[0].Count)
}

func TestMessagingMetrics_Records(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	meter := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)).Meter("test")
	m, err := NewMessagingMetrics(meter)
	require.NoError(t, err)

	m.Sent("n2", 3)
	m.Resent("n2", 2)
	m.DuplicateDropped("n2")
	m.Paused(1)

	got := collect(t, reader)
	require.Equal(t, int64(3), sumOf(t, got["gojogrid.messaging.sent_total"]))
	require.Equal(t, int64(2), sumOf(t, got["gojogrid.messaging.resent_total"]))
	require.Equal(t, int64(1), sumOf(t, got["gojogrid.messaging.paused_sessions"]))
}

func TestNilMetricsRecordNothing(t *testing.T) {
	var tx *TxMetrics
	tx.Committed(true)
	tx.CommitLatency(time.Second)
	var msg *MessagingMetrics
	msg.Sent("n2", 1)
	msg.Handshake("n2", true)

	require.NotNil(t, NoopTxMetrics())
	require.NotNil(t, NoopMessagingMetrics())
}
