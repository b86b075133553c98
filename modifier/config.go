package modifier

import (
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const (
	defaultConcurrency   = 4
	defaultRetryBase     = 500 * time.Millisecond
	defaultRetryMax      = 30 * time.Second
	defaultRetention     = 10 * time.Minute
	defaultPruneInterval = time.Minute
)

// Config controls queue scheduling, retry, and retention behavior.
type Config struct {
	// Concurrency is the global budget of simultaneously in-flight remote calls.
	Concurrency int
	// RetryBase is the base delay for transient-failure backoff.
	RetryBase time.Duration
	// RetryMax caps the exponential backoff delay (before jitter).
	RetryMax time.Duration
	// Retention is how long synced and failed modifiers are kept before pruning.
	Retention time.Duration
	// PruneInterval is how often resolved modifiers are pruned.
	PruneInterval time.Duration
	// MeterProvider overrides the default global meter provider when set.
	MeterProvider metric.MeterProvider
}

// DefaultConfig returns the baseline queue configuration.
func DefaultConfig() Config {
	return Config{
		Concurrency:   defaultConcurrency,
		RetryBase:     defaultRetryBase,
		RetryMax:      defaultRetryMax,
		Retention:     defaultRetention,
		PruneInterval: defaultPruneInterval,
	}
}

func (cfg *Config) normalize() {
	defaults := DefaultConfig()

	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaults.Concurrency
	}

	if cfg.RetryBase <= 0 {
		cfg.RetryBase = defaults.RetryBase
	}

	if cfg.RetryMax <= 0 {
		cfg.RetryMax = defaults.RetryMax
	}

	if cfg.Retention <= 0 {
		cfg.Retention = defaults.Retention
	}

	if cfg.PruneInterval <= 0 {
		cfg.PruneInterval = defaults.PruneInterval
	}
}

// Option mutates queue configuration at construction.
type Option func(*Queue)

// WithConcurrency sets the global in-flight remote call budget.
func WithConcurrency(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.cfg.Concurrency = n
		}
	}
}

// WithRetryBackoff sets the base and cap for transient-failure backoff.
func WithRetryBackoff(base, maxDelay time.Duration) Option {
	return func(q *Queue) {
		if base > 0 {
			q.cfg.RetryBase = base
		}

		if maxDelay > 0 {
			q.cfg.RetryMax = maxDelay
		}
	}
}

// WithRetention sets how long resolved modifiers are kept before pruning.
func WithRetention(retention time.Duration) Option {
	return func(q *Queue) {
		if retention > 0 {
			q.cfg.Retention = retention
		}
	}
}

// WithPruneInterval sets how often resolved modifiers are pruned.
func WithPruneInterval(interval time.Duration) Option {
	return func(q *Queue) {
		if interval > 0 {
			q.cfg.PruneInterval = interval
		}
	}
}

// WithClassifier overrides the transient/permanent error classifier.
func WithClassifier(classifier Classifier) Option {
	return func(q *Queue) {
		if classifier != nil {
			q.classifier = classifier
		}
	}
}

// WithMeterProvider overrides the global meter provider.
func WithMeterProvider(provider metric.MeterProvider) Option {
	return func(q *Queue) {
		q.cfg.MeterProvider = provider
	}
}

// WithTracer sets the tracer used for execution spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(q *Queue) {
		if tracer != nil {
			q.tracer = tracer
		}
	}
}

// WithQueueClock overrides the wall-clock source. Intended for tests.
func WithQueueClock(now func() time.Time) Option {
	return func(q *Queue) {
		if now != nil {
			q.now = now
		}
	}
}
