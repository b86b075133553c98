package modifier

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/driftmail/lib-resilience/log"
)

func collectMetrics(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Metrics {
	t.Helper()

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	collected := make(map[string]metricdata.Metrics)

	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			collected[m.Name] = m
		}
	}

	return collected
}

func TestQueueMetrics_CountsAdds(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	q, err := NewQueue(newMemStore(), newTestBreaker(), func(context.Context, Modifier) error { return nil },
		log.NewNop(), WithMeterProvider(provider))
	require.NoError(t, err)

	m := mustModifier(t, "msg-1", OperationPatch, map[string]any{"read": true})
	require.NoError(t, q.Add(context.Background(), m))

	collected := collectMetrics(t, reader)

	added, ok := collected["modifier.queue.added"]
	require.True(t, ok, "expected the added counter to be recorded")

	sum, ok := added.Data.(metricdata.Sum[int64])
	require.True(t, ok)
	require.Len(t, sum.DataPoints, 1)
	assert.Equal(t, int64(1), sum.DataPoints[0].Value)

	depth, ok := collected["modifier.queue.depth"]
	require.True(t, ok, "expected the depth gauge to be recorded")

	gauge, ok := depth.Data.(metricdata.Gauge[int64])
	require.True(t, ok)
	require.Len(t, gauge.DataPoints, 1)
	assert.Equal(t, int64(1), gauge.DataPoints[0].Value)
}

func TestQueueMetrics_DepthExcludesResolved(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	q, err := NewQueue(newMemStore(), newTestBreaker(), func(context.Context, Modifier) error { return nil },
		log.NewNop(), WithMeterProvider(provider))
	require.NoError(t, err)

	recorder := recordEvents(t, q)

	require.NoError(t, q.Start(context.Background()))
	defer q.Stop()

	m := mustModifier(t, "msg-1", OperationPatch, map[string]any{"read": true})
	require.NoError(t, q.Add(context.Background(), m))

	recorder.next(t, EventCompleted)

	// The synced modifier is retained until prune but is no longer queued
	collected := collectMetrics(t, reader)

	depth, ok := collected["modifier.queue.depth"]
	require.True(t, ok, "expected the depth gauge to be recorded")

	gauge, ok := depth.Data.(metricdata.Gauge[int64])
	require.True(t, ok)
	require.Len(t, gauge.DataPoints, 1)
	assert.Equal(t, int64(0), gauge.DataPoints[0].Value)
}

func TestQueueMetrics_NilInstrumentsAreSafe(t *testing.T) {
	var metrics queueMetrics

	// Recording on zero-value instruments must be a no-op, not a panic
	metrics.addAdded(context.Background(), "gmail")
	metrics.addSynced(context.Background(), "gmail")
	metrics.addFailed(context.Background(), "gmail")
	metrics.recordLatency(context.Background(), "gmail", 0.1)
	metrics.recordDepth(context.Background(), 1)
}
