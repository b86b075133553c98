package health

import (
	"context"
	"sync"
	"time"

	"github.com/driftmail/lib-resilience/circuitbreaker"
	"github.com/driftmail/lib-resilience/log"
	"github.com/driftmail/lib-resilience/modifier"
)

// BreakerListener returns a circuit breaker state change listener that maps
// each provider's breaker state onto its remote-sync subsystem:
// open -> unavailable, half-open -> degraded, closed -> healthy.
// Providers without a mapping are ignored.
func (r *Registry) BreakerListener(subsystemByProvider map[string]string) circuitbreaker.StateChangeListener {
	mapping := make(map[string]string, len(subsystemByProvider))
	for provider, subsystemID := range subsystemByProvider {
		mapping[provider] = subsystemID
	}

	return circuitbreaker.StateChangeListenerFunc(func(provider string, _, to circuitbreaker.State) {
		subsystemID, ok := mapping[provider]
		if !ok {
			return
		}

		var (
			state  Severity
			reason string
		)

		switch to {
		case circuitbreaker.StateOpen:
			state = Unavailable
			reason = "circuit breaker open"
		case circuitbreaker.StateHalfOpen:
			state = Degraded
			reason = "circuit breaker probing recovery"
		case circuitbreaker.StateClosed:
			state = Healthy
		default:
			return
		}

		if err := r.UpdateHealth(context.Background(), subsystemID, state, reason); err != nil {
			r.logger.Log(context.Background(), log.LevelWarn, "failed to report breaker state",
				log.String("subsystem", subsystemID), log.Err(err))
		}
	})
}

const (
	defaultFailureRateWindow     = 5 * time.Minute
	defaultFailureRateMinSamples = 10
	defaultFailureRateThreshold  = 0.5
)

// FailureRateConfig controls the sliding-window failure-rate signal.
type FailureRateConfig struct {
	// Window is the sliding observation window.
	Window time.Duration
	// MinSamples is the minimum number of outcomes inside the window before
	// the signal fires either way.
	MinSamples int
	// Threshold is the failure ratio above which the subsystem degrades.
	Threshold float64
}

// DefaultFailureRateConfig returns the baseline failure-rate configuration.
func DefaultFailureRateConfig() FailureRateConfig {
	return FailureRateConfig{
		Window:     defaultFailureRateWindow,
		MinSamples: defaultFailureRateMinSamples,
		Threshold:  defaultFailureRateThreshold,
	}
}

func (cfg *FailureRateConfig) normalize() {
	defaults := DefaultFailureRateConfig()

	if cfg.Window <= 0 {
		cfg.Window = defaults.Window
	}

	if cfg.MinSamples <= 0 {
		cfg.MinSamples = defaults.MinSamples
	}

	if cfg.Threshold <= 0 || cfg.Threshold >= 1 {
		cfg.Threshold = defaults.Threshold
	}
}

type outcomeSample struct {
	at     time.Time
	failed bool
}

// FailureRateTracker drives a queue subsystem degraded when the failure
// ratio over a sliding window exceeds the threshold, and back to healthy
// once it drops below. A failure to compute the signal degrades nothing and
// never panics the reporter.
type FailureRateTracker struct {
	registry    *Registry
	subsystemID string
	cfg         FailureRateConfig
	now         func() time.Time

	mu       sync.Mutex
	samples  []outcomeSample
	degraded bool
}

// NewFailureRateTracker creates a tracker reporting into the given subsystem.
func NewFailureRateTracker(registry *Registry, subsystemID string, cfg FailureRateConfig) (*FailureRateTracker, error) {
	if registry == nil {
		return nil, ErrRegistryRequired
	}

	if _, ok := registry.subsystems[subsystemID]; !ok {
		return nil, ErrSubsystemUnknown
	}

	cfg.normalize()

	return &FailureRateTracker{
		registry:    registry,
		subsystemID: subsystemID,
		cfg:         cfg,
		now:         func() time.Time { return time.Now().UTC() },
	}, nil
}

// Record observes one queue outcome and re-evaluates the signal.
func (t *FailureRateTracker) Record(success bool) {
	now := t.now()

	t.mu.Lock()

	t.samples = append(t.samples, outcomeSample{at: now, failed: !success})
	t.evictLocked(now)

	total := len(t.samples)
	failedCount := 0

	for _, sample := range t.samples {
		if sample.failed {
			failedCount++
		}
	}

	var (
		target Severity
		reason string
		fire   bool
	)

	if total >= t.cfg.MinSamples {
		ratio := float64(failedCount) / float64(total)

		switch {
		case ratio > t.cfg.Threshold && !t.degraded:
			t.degraded = true
			target = Degraded
			reason = "queue failure rate above threshold"
			fire = true
		case ratio <= t.cfg.Threshold && t.degraded:
			t.degraded = false
			target = Healthy
			fire = true
		}
	}

	t.mu.Unlock()

	if !fire {
		return
	}

	if err := t.registry.UpdateHealth(context.Background(), t.subsystemID, target, reason); err != nil {
		t.registry.logger.Log(context.Background(), log.LevelWarn, "failed to report failure-rate signal",
			log.String("subsystem", t.subsystemID), log.Err(err))
	}
}

func (t *FailureRateTracker) evictLocked(now time.Time) {
	cutoff := now.Add(-t.cfg.Window)
	keep := t.samples[:0]

	for _, sample := range t.samples {
		if sample.at.After(cutoff) {
			keep = append(keep, sample)
		}
	}

	t.samples = keep
}

// ObserveQueue wires the tracker to a modifier queue's lifecycle events:
// completed counts as success, failed as failure. Returns the unsubscribe
// function.
func (t *FailureRateTracker) ObserveQueue(q *modifier.Queue) func() {
	return q.Subscribe(func(ev modifier.Event) {
		switch ev.Type {
		case modifier.EventCompleted:
			t.Record(true)
		case modifier.EventFailed:
			t.Record(false)
		}
	})
}
