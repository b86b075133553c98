package health

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/driftmail/lib-resilience/internal/nilcheck"
	"github.com/driftmail/lib-resilience/log"
	"github.com/driftmail/lib-resilience/runtime"
)

const (
	defaultDebounceWindow = 2 * time.Second
	defaultHistoryLimit   = 50
	networkOfflineReason  = "network offline"
)

// Subsystem declares one independently-reportable unit of system health.
type Subsystem struct {
	// ID identifies the subsystem, e.g. "sync.gmail" or "modifier-queue".
	ID string
	// RemoteDependent subsystems are floored at degraded while the network
	// is offline.
	RemoteDependent bool
}

// SubsystemStatus is the effective state of one subsystem in a snapshot.
type SubsystemStatus struct {
	State  Severity
	Reason string
}

// Snapshot is an immutable view of all subsystem states. The registry
// returns the identical snapshot pointer until something actually changes,
// so downstream consumers can memoize on pointer equality.
type Snapshot struct {
	Subsystems  map[string]SubsystemStatus
	Overall     Severity
	LastUpdated time.Time
}

// Transition is one entry in the bounded health history.
type Transition struct {
	SubsystemID   string
	PreviousState Severity
	NewState      Severity
	Reason        string
	Timestamp     time.Time
}

type subsystemState struct {
	id     string
	remote bool
	state  Severity // last applied reported state
	reason string

	// Debounced transition awaiting window close.
	pending       *time.Timer
	pendingState  Severity
	pendingReason string
}

// Registry aggregates subsystem health with debounced transitions and
// bounded history.
type Registry struct {
	logger log.Logger
	window time.Duration
	limit  int
	now    func() time.Time

	mu          sync.Mutex
	subsystems  map[string]*subsystemState
	order       []string
	offline     bool
	effective   map[string]Severity
	reasons     map[string]string
	snapshot    *Snapshot
	lastChanged time.Time
	history     []Transition
	closed      bool

	listenerMu  sync.RWMutex
	listeners   map[int]func(*Snapshot)
	listenerSeq int
}

// RegistryOption mutates registry construction.
type RegistryOption func(*Registry)

// WithDebounceWindow overrides the healthy<->degraded debounce window.
func WithDebounceWindow(window time.Duration) RegistryOption {
	return func(r *Registry) {
		if window > 0 {
			r.window = window
		}
	}
}

// WithHistoryLimit overrides the bounded history size.
func WithHistoryLimit(limit int) RegistryOption {
	return func(r *Registry) {
		if limit > 0 {
			r.limit = limit
		}
	}
}

// WithRegistryClock overrides the wall-clock source. Intended for tests.
func WithRegistryClock(now func() time.Time) RegistryOption {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

// NewRegistry creates a registry over a fixed, enumerable set of subsystems.
// All subsystems start healthy.
func NewRegistry(logger log.Logger, subsystems []Subsystem, opts ...RegistryOption) (*Registry, error) {
	if len(subsystems) == 0 {
		return nil, ErrSubsystemRequired
	}

	if nilcheck.Interface(logger) {
		logger = log.NewNop()
	}

	r := &Registry{
		logger:     logger,
		window:     defaultDebounceWindow,
		limit:      defaultHistoryLimit,
		now:        func() time.Time { return time.Now().UTC() },
		subsystems: make(map[string]*subsystemState, len(subsystems)),
		effective:  make(map[string]Severity, len(subsystems)),
		reasons:    make(map[string]string, len(subsystems)),
		listeners:  make(map[int]func(*Snapshot)),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}

	for _, sub := range subsystems {
		id := strings.TrimSpace(sub.ID)
		if id == "" {
			return nil, fmt.Errorf("%w: empty id", ErrSubsystemUnknown)
		}

		if _, exists := r.subsystems[id]; exists {
			return nil, fmt.Errorf("%w: %s", ErrSubsystemDuplicate, id)
		}

		r.subsystems[id] = &subsystemState{id: id, remote: sub.RemoteDependent, state: Healthy}
		r.order = append(r.order, id)
		r.effective[id] = Healthy
	}

	r.lastChanged = r.now()

	return r, nil
}

// UpdateHealth reports a subsystem's state. Transitions into or out of
// unavailable apply immediately; healthy<->degraded transitions are held for
// the debounce window, and rapid flapping within the window coalesces into
// at most one notification reflecting the state at window close.
func (r *Registry) UpdateHealth(ctx context.Context, subsystemID string, state Severity, reason string) error {
	if !state.IsValid() {
		return fmt.Errorf("%w: %d", ErrSeverityInvalid, state)
	}

	r.mu.Lock()

	if r.closed {
		r.mu.Unlock()

		return ErrRegistryClosed
	}

	s, ok := r.subsystems[subsystemID]
	if !ok {
		r.mu.Unlock()

		return fmt.Errorf("%w: %s", ErrSubsystemUnknown, subsystemID)
	}

	immediate := state == Unavailable || s.state == Unavailable
	if !immediate {
		// Hold the transition until the window closes; a newer report
		// replaces the pending one, so only the latest state survives.
		if s.pending != nil {
			s.pending.Stop()
		}

		s.pendingState = state
		s.pendingReason = reason
		s.pending = time.AfterFunc(r.window, func() {
			r.applyPending(subsystemID)
		})

		r.mu.Unlock()

		return nil
	}

	if s.pending != nil {
		s.pending.Stop()
		s.pending = nil
	}

	s.state = state
	s.reason = reason
	changed, snapshot := r.refreshLocked()
	r.mu.Unlock()

	if changed {
		r.logger.Log(ctx, log.LevelWarn, "health state changed",
			log.String("subsystem", subsystemID),
			log.String("state", state.String()),
			log.String("reason", reason))
		r.notify(snapshot)
	}

	return nil
}

// applyPending applies a debounced transition at window close.
func (r *Registry) applyPending(subsystemID string) {
	r.mu.Lock()

	if r.closed {
		r.mu.Unlock()

		return
	}

	s, ok := r.subsystems[subsystemID]
	if !ok || s.pending == nil {
		r.mu.Unlock()

		return
	}

	s.pending = nil
	s.state = s.pendingState
	s.reason = s.pendingReason
	changed, snapshot := r.refreshLocked()
	r.mu.Unlock()

	if changed {
		r.notify(snapshot)
	}
}

// SetNetworkOnline reports network connectivity. While offline, every
// remote-dependent subsystem is floored at degraded; a subsystem already
// unavailable stays unavailable. The overlay applies immediately.
func (r *Registry) SetNetworkOnline(online bool) {
	r.mu.Lock()

	if r.closed || r.offline == !online {
		r.mu.Unlock()

		return
	}

	r.offline = !online
	changed, snapshot := r.refreshLocked()
	r.mu.Unlock()

	if changed {
		r.notify(snapshot)
	}
}

// refreshLocked recomputes effective states, records history for severity
// transitions, and rebuilds the cached snapshot when anything changed. A
// report that alters only a subsystem's reason at the same severity still
// counts as a change so snapshots never serve a stale reason.
// Caller holds r.mu.
func (r *Registry) refreshLocked() (bool, *Snapshot) {
	now := r.now()
	changed := false

	for _, id := range r.order {
		s := r.subsystems[id]

		effective := s.state
		if r.offline && s.remote {
			effective = worst(effective, Degraded)
		}

		reason := s.reason
		if effective > s.state {
			reason = networkOfflineReason
		}

		previous := r.effective[id]
		if effective == previous {
			if reason != r.reasons[id] {
				r.reasons[id] = reason
				changed = true
			}

			continue
		}

		r.history = append(r.history, Transition{
			SubsystemID:   id,
			PreviousState: previous,
			NewState:      effective,
			Reason:        reason,
			Timestamp:     now,
		})
		if len(r.history) > r.limit {
			r.history = r.history[len(r.history)-r.limit:]
		}

		r.effective[id] = effective
		r.reasons[id] = reason
		changed = true
	}

	if !changed {
		return false, nil
	}

	r.lastChanged = now
	r.snapshot = r.buildSnapshotLocked()

	return true, r.snapshot
}

func (r *Registry) buildSnapshotLocked() *Snapshot {
	subsystems := make(map[string]SubsystemStatus, len(r.order))
	overall := Healthy

	for _, id := range r.order {
		s := r.subsystems[id]
		effective := r.effective[id]

		reason := s.reason
		if effective > s.state {
			reason = networkOfflineReason
		}

		subsystems[id] = SubsystemStatus{State: effective, Reason: reason}
		overall = worst(overall, effective)
	}

	return &Snapshot{
		Subsystems:  subsystems,
		Overall:     overall,
		LastUpdated: r.lastChanged,
	}
}

// GetSnapshot returns the current snapshot. The same pointer is returned
// until a real change occurs.
func (r *Registry) GetSnapshot() *Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.snapshot == nil {
		r.snapshot = r.buildSnapshotLocked()
	}

	return r.snapshot
}

// GetOverallState returns the maximum severity across all subsystems.
func (r *Registry) GetOverallState() Severity {
	r.mu.Lock()
	defer r.mu.Unlock()

	overall := Healthy

	for _, id := range r.order {
		overall = worst(overall, r.effective[id])
	}

	return overall
}

// GetHistory returns the bounded transition history, oldest first.
func (r *Registry) GetHistory() []Transition {
	r.mu.Lock()
	defer r.mu.Unlock()

	history := make([]Transition, len(r.history))
	copy(history, r.history)

	return history
}

// Subscribe registers a listener fired once per coalesced change with the
// new snapshot. Returns an unsubscribe function.
func (r *Registry) Subscribe(listener func(*Snapshot)) func() {
	if listener == nil {
		return func() {}
	}

	r.listenerMu.Lock()
	id := r.listenerSeq
	r.listenerSeq++
	r.listeners[id] = listener
	r.listenerMu.Unlock()

	return func() {
		r.listenerMu.Lock()
		delete(r.listeners, id)
		r.listenerMu.Unlock()
	}
}

func (r *Registry) notify(snapshot *Snapshot) {
	r.listenerMu.RLock()
	listeners := make([]func(*Snapshot), 0, len(r.listeners))

	for _, listener := range r.listeners {
		listeners = append(listeners, listener)
	}
	r.listenerMu.RUnlock()

	for _, listener := range listeners {
		l := listener

		func() {
			defer runtime.RecoverAndLog(context.Background(), r.logger, "health", "snapshot_listener")

			l(snapshot)
		}()
	}
}

// Reset restores every subsystem to healthy, clears pending debounces and
// history, and marks the network online.
func (r *Registry) Reset() {
	r.mu.Lock()

	if r.closed {
		r.mu.Unlock()

		return
	}

	for _, s := range r.subsystems {
		if s.pending != nil {
			s.pending.Stop()
			s.pending = nil
		}

		s.state = Healthy
		s.reason = ""
	}

	r.offline = false
	changed, snapshot := r.refreshLocked()
	// A reset is a baseline, not a transition worth remembering.
	r.history = nil
	r.mu.Unlock()

	if changed {
		r.notify(snapshot)
	}
}

// Close cancels all outstanding debounce timers. Late timer callbacks after
// Close are no-ops, so a torn-down registry is never mutated.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return
	}

	r.closed = true

	for _, s := range r.subsystems {
		if s.pending != nil {
			s.pending.Stop()
			s.pending = nil
		}
	}
}
