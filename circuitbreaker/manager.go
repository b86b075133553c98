package circuitbreaker

import (
	"context"
	"sync"
	"time"

	"github.com/driftmail/lib-resilience/internal/nilcheck"
	"github.com/driftmail/lib-resilience/log"
	"github.com/driftmail/lib-resilience/runtime"
)

// breaker holds the mutable state machine for one provider.
type breaker struct {
	config               Config
	state                State
	failureCount         int
	consecutiveSuccesses int
	lastFailureAt        time.Time
	openedAt             time.Time
	probeInFlight        bool
}

type manager struct {
	breakers  map[string]*breaker
	listeners []StateChangeListener
	mu        sync.RWMutex
	logger    log.Logger
	now       func() time.Time
}

// ManagerOption mutates manager construction.
type ManagerOption func(*manager)

// WithClock overrides the wall-clock source. Intended for tests.
func WithClock(now func() time.Time) ManagerOption {
	return func(m *manager) {
		if now != nil {
			m.now = now
		}
	}
}

// NewManager creates a new circuit breaker manager.
func NewManager(logger log.Logger, opts ...ManagerOption) Manager {
	if nilcheck.Interface(logger) {
		logger = log.NewNop()
	}

	m := &manager{
		breakers:  make(map[string]*breaker),
		listeners: make([]StateChangeListener, 0),
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}

	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}

	return m
}

func (m *manager) GetOrCreate(provider string, config Config) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.breakers[provider]; exists {
		return
	}

	config.normalize()
	m.breakers[provider] = &breaker{config: config, state: StateClosed}

	m.logger.Log(context.Background(), log.LevelInfo, "created circuit breaker",
		log.String("provider", provider))
}

func (m *manager) CanExecute(provider string) bool {
	m.mu.Lock()

	b, exists := m.breakers[provider]
	if !exists {
		m.mu.Unlock()

		// Unregistered providers are not gated.
		return true
	}

	switch b.state {
	case StateClosed:
		m.mu.Unlock()

		return true
	case StateOpen:
		if m.now().Sub(b.openedAt) < b.config.Cooldown {
			m.mu.Unlock()

			return false
		}

		// Cooldown elapsed: promote to half-open and grant this caller
		// the single probe.
		b.state = StateHalfOpen
		b.probeInFlight = true
		m.mu.Unlock()

		m.notifyStateChange(provider, StateOpen, StateHalfOpen)

		return true
	case StateHalfOpen:
		if b.probeInFlight {
			m.mu.Unlock()

			return false
		}

		b.probeInFlight = true
		m.mu.Unlock()

		return true
	default:
		m.mu.Unlock()

		return false
	}
}

func (m *manager) RecordSuccess(provider string) {
	m.mu.Lock()

	b, exists := m.breakers[provider]
	if !exists {
		m.mu.Unlock()

		return
	}

	from := b.state

	switch b.state {
	case StateHalfOpen:
		b.state = StateClosed
		b.failureCount = 0
		b.probeInFlight = false
		b.consecutiveSuccesses++
	case StateClosed:
		b.failureCount = 0
		b.consecutiveSuccesses++
	case StateOpen:
		// Late success from a call issued before the trip. The breaker
		// stays open; recovery goes through the half-open probe.
		m.mu.Unlock()

		return
	}

	to := b.state
	m.mu.Unlock()

	if from != to {
		m.logger.Log(context.Background(), log.LevelInfo, "circuit breaker closed after successful probe",
			log.String("provider", provider))
		m.notifyStateChange(provider, from, to)
	}
}

func (m *manager) RecordFailure(provider string) {
	m.mu.Lock()

	b, exists := m.breakers[provider]
	if !exists {
		m.mu.Unlock()

		return
	}

	now := m.now()
	from := b.state

	switch b.state {
	case StateClosed:
		// Failures further apart than the window do not accumulate.
		if !b.lastFailureAt.IsZero() && now.Sub(b.lastFailureAt) > b.config.FailureWindow {
			b.failureCount = 0
		}

		b.failureCount++
		b.consecutiveSuccesses = 0
		b.lastFailureAt = now

		if b.failureCount >= b.config.FailureThreshold {
			b.state = StateOpen
			b.openedAt = now
		}
	case StateHalfOpen:
		// Failed probe: cooldown restarts.
		b.state = StateOpen
		b.openedAt = now
		b.probeInFlight = false
		b.failureCount++
		b.consecutiveSuccesses = 0
		b.lastFailureAt = now
	case StateOpen:
		b.lastFailureAt = now
	}

	to := b.state
	m.mu.Unlock()

	if from != to {
		m.logger.Log(context.Background(), log.LevelWarn, "circuit breaker opened",
			log.String("provider", provider),
			log.String("from", string(from)))
		m.notifyStateChange(provider, from, to)
	}
}

func (m *manager) ForceProbe(provider string) bool {
	m.mu.Lock()

	b, exists := m.breakers[provider]
	if !exists || b.state != StateOpen {
		m.mu.Unlock()

		return false
	}

	b.state = StateHalfOpen
	b.probeInFlight = false
	m.mu.Unlock()

	m.logger.Log(context.Background(), log.LevelInfo, "circuit breaker probe forced",
		log.String("provider", provider))
	m.notifyStateChange(provider, StateOpen, StateHalfOpen)

	return true
}

func (m *manager) Reset(provider string) {
	m.mu.Lock()

	b, exists := m.breakers[provider]
	if !exists {
		m.mu.Unlock()

		return
	}

	from := b.state
	b.state = StateClosed
	b.failureCount = 0
	b.consecutiveSuccesses = 0
	b.probeInFlight = false
	b.lastFailureAt = time.Time{}
	b.openedAt = time.Time{}
	m.mu.Unlock()

	m.logger.Log(context.Background(), log.LevelInfo, "circuit breaker reset",
		log.String("provider", provider))

	if from != StateClosed {
		m.notifyStateChange(provider, from, StateClosed)
	}
}

func (m *manager) GetState(provider string) State {
	m.mu.RLock()
	defer m.mu.RUnlock()

	b, exists := m.breakers[provider]
	if !exists {
		return StateUnknown
	}

	return b.state
}

func (m *manager) GetStatus(provider string) Status {
	m.mu.RLock()
	defer m.mu.RUnlock()

	b, exists := m.breakers[provider]
	if !exists {
		return Status{Provider: provider, State: StateUnknown}
	}

	return Status{
		Provider:             provider,
		State:                b.state,
		FailureCount:         b.failureCount,
		ConsecutiveSuccesses: b.consecutiveSuccesses,
		OpenedAt:             b.openedAt,
		Cooldown:             b.config.Cooldown,
	}
}

func (m *manager) GetCooldownRemaining(provider string) time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()

	b, exists := m.breakers[provider]
	if !exists || b.state != StateOpen {
		return 0
	}

	remaining := b.openedAt.Add(b.config.Cooldown).Sub(m.now())
	if remaining < 0 {
		return 0
	}

	return remaining
}

// RegisterStateChangeListener registers a listener for state change notifications.
func (m *manager) RegisterStateChangeListener(listener StateChangeListener) {
	if nilcheck.Interface(listener) {
		m.logger.Log(context.Background(), log.LevelWarn, "attempted to register a nil state change listener")

		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.listeners = append(m.listeners, listener)
}

// notifyStateChange fans the transition out to listeners. Listeners run in
// goroutines so a slow or panicking listener cannot block breaker operations.
func (m *manager) notifyStateChange(provider string, from, to State) {
	m.mu.RLock()
	listeners := make([]StateChangeListener, len(m.listeners))
	copy(listeners, m.listeners)
	m.mu.RUnlock()

	for _, listener := range listeners {
		l := listener

		runtime.SafeGo(m.logger, "circuitbreaker.state_change_listener", func() {
			l.OnStateChange(provider, from, to)
		})
	}
}
