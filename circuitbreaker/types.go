package circuitbreaker

import "time"

// Manager manages circuit breakers for remote providers.
type Manager interface {
	// GetOrCreate registers a breaker for the provider if one does not exist.
	GetOrCreate(provider string, config Config)

	// CanExecute reports whether a new call to the provider may be attempted.
	// While half-open, exactly one caller is granted a probe; subsequent
	// callers are denied until the probe outcome is recorded.
	CanExecute(provider string) bool

	// RecordSuccess reports a successful provider call.
	RecordSuccess(provider string)

	// RecordFailure reports a failed provider call.
	RecordFailure(provider string)

	// ForceProbe moves an open breaker to half-open regardless of remaining
	// cooldown. Returns true if the transition was applied.
	ForceProbe(provider string) bool

	// Reset returns the breaker to closed with all counters cleared.
	Reset(provider string)

	// GetState returns the current state.
	GetState(provider string) State

	// GetStatus returns a snapshot of the breaker's full status.
	GetStatus(provider string) Status

	// GetCooldownRemaining returns how long until an open breaker becomes
	// eligible for a probe. Zero when the breaker is not open.
	GetCooldownRemaining(provider string) time.Duration

	// RegisterStateChangeListener registers a listener for state transitions.
	RegisterStateChangeListener(listener StateChangeListener)
}

// State represents circuit breaker state.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half-open"
	StateUnknown  State = "unknown"
)

// Status is a point-in-time snapshot of one provider's breaker.
type Status struct {
	Provider             string
	State                State
	FailureCount         int
	ConsecutiveSuccesses int
	OpenedAt             time.Time
	Cooldown             time.Duration
}

// StateChangeListener is notified when a circuit breaker changes state.
type StateChangeListener interface {
	// OnStateChange is called when a breaker transitions between states.
	OnStateChange(provider string, from State, to State)
}

// StateChangeListenerFunc adapts a function to StateChangeListener.
type StateChangeListenerFunc func(provider string, from State, to State)

func (fn StateChangeListenerFunc) OnStateChange(provider string, from State, to State) {
	if fn == nil {
		return
	}

	fn(provider, from, to)
}
