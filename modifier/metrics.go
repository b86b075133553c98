package modifier

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type queueMetrics struct {
	modifiersAdded  metric.Int64Counter
	modifiersSynced metric.Int64Counter
	modifiersFailed metric.Int64Counter
	executeLatency  metric.Float64Histogram
	queueDepth      metric.Int64Gauge
}

func newQueueMetrics(provider metric.MeterProvider) (queueMetrics, error) {
	if provider == nil {
		provider = otel.GetMeterProvider()
	}

	meter := provider.Meter("resilience.modifier.queue")

	var (
		metrics queueMetrics
		err     error
	)

	metrics.modifiersAdded, err = meter.Int64Counter(
		"modifier.queue.added",
		metric.WithDescription("Number of modifiers enqueued"),
		metric.WithUnit("{modifier}"),
	)
	if err != nil {
		return queueMetrics{}, fmt.Errorf("create modifier.queue.added counter: %w", err)
	}

	metrics.modifiersSynced, err = meter.Int64Counter(
		"modifier.queue.synced",
		metric.WithDescription("Number of modifiers confirmed by the remote provider"),
		metric.WithUnit("{modifier}"),
	)
	if err != nil {
		return queueMetrics{}, fmt.Errorf("create modifier.queue.synced counter: %w", err)
	}

	metrics.modifiersFailed, err = meter.Int64Counter(
		"modifier.queue.failed",
		metric.WithDescription("Number of modifiers given up on"),
		metric.WithUnit("{modifier}"),
	)
	if err != nil {
		return queueMetrics{}, fmt.Errorf("create modifier.queue.failed counter: %w", err)
	}

	metrics.executeLatency, err = meter.Float64Histogram(
		"modifier.queue.execute.latency",
		metric.WithDescription("Time taken per provider call"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return queueMetrics{}, fmt.Errorf("create modifier.queue.execute.latency histogram: %w", err)
	}

	metrics.queueDepth, err = meter.Int64Gauge(
		"modifier.queue.depth",
		metric.WithDescription("Number of unresolved modifiers in the queue"),
		metric.WithUnit("{modifier}"),
	)
	if err != nil {
		return queueMetrics{}, fmt.Errorf("create modifier.queue.depth gauge: %w", err)
	}

	return metrics, nil
}

func (m queueMetrics) addAdded(ctx context.Context, provider string) {
	if m.modifiersAdded == nil {
		return
	}

	m.modifiersAdded.Add(ctx, 1, metric.WithAttributes(attribute.String("provider", provider)))
}

func (m queueMetrics) addSynced(ctx context.Context, provider string) {
	if m.modifiersSynced == nil {
		return
	}

	m.modifiersSynced.Add(ctx, 1, metric.WithAttributes(attribute.String("provider", provider)))
}

func (m queueMetrics) addFailed(ctx context.Context, provider string) {
	if m.modifiersFailed == nil {
		return
	}

	m.modifiersFailed.Add(ctx, 1, metric.WithAttributes(attribute.String("provider", provider)))
}

func (m queueMetrics) recordLatency(ctx context.Context, provider string, seconds float64) {
	if m.executeLatency == nil {
		return
	}

	m.executeLatency.Record(ctx, seconds, metric.WithAttributes(attribute.String("provider", provider)))
}

func (m queueMetrics) recordDepth(ctx context.Context, depth int64) {
	if m.queueDepth == nil {
		return
	}

	m.queueDepth.Record(ctx, depth)
}
