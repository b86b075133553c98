package health

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftmail/lib-resilience/circuitbreaker"
	"github.com/driftmail/lib-resilience/log"
	"github.com/driftmail/lib-resilience/modifier"
)

func TestBreakerListener_MapsStates(t *testing.T) {
	r := newTestRegistry(t, WithDebounceWindow(time.Millisecond))

	listener := r.BreakerListener(map[string]string{"gmail": "sync.gmail"})

	// Open circuit takes the subsystem down immediately
	listener.OnStateChange("gmail", circuitbreaker.StateClosed, circuitbreaker.StateOpen)

	status := r.GetSnapshot().Subsystems["sync.gmail"]
	assert.Equal(t, Unavailable, status.State)
	assert.Equal(t, "circuit breaker open", status.Reason)

	// Half-open leaves unavailable, which applies immediately too
	listener.OnStateChange("gmail", circuitbreaker.StateOpen, circuitbreaker.StateHalfOpen)
	assert.Equal(t, Degraded, r.GetSnapshot().Subsystems["sync.gmail"].State)

	// Recovery back to healthy rides the debounce window
	listener.OnStateChange("gmail", circuitbreaker.StateHalfOpen, circuitbreaker.StateClosed)

	assert.Eventually(t, func() bool {
		return r.GetSnapshot().Subsystems["sync.gmail"].State == Healthy
	}, time.Second, 5*time.Millisecond)
}

func TestBreakerListener_IgnoresUnmappedProvider(t *testing.T) {
	r := newTestRegistry(t)

	listener := r.BreakerListener(map[string]string{"gmail": "sync.gmail"})
	listener.OnStateChange("imap", circuitbreaker.StateClosed, circuitbreaker.StateOpen)

	assert.Equal(t, Healthy, r.GetOverallState())
}

func TestBreakerListener_WiredToManager(t *testing.T) {
	r := newTestRegistry(t)

	manager := circuitbreaker.NewManager(log.NewNop())
	manager.GetOrCreate("gmail", circuitbreaker.Config{
		FailureThreshold: 1,
		FailureWindow:    time.Minute,
		Cooldown:         time.Hour,
	})
	manager.RegisterStateChangeListener(r.BreakerListener(map[string]string{"gmail": "sync.gmail"}))

	manager.RecordFailure("gmail")

	// Listener notifications are asynchronous
	assert.Eventually(t, func() bool {
		return r.GetSnapshot().Subsystems["sync.gmail"].State == Unavailable
	}, time.Second, 5*time.Millisecond)
}

func TestNewFailureRateTracker_Validation(t *testing.T) {
	r := newTestRegistry(t)

	_, err := NewFailureRateTracker(nil, "modifier-queue", DefaultFailureRateConfig())
	assert.ErrorIs(t, err, ErrRegistryRequired)

	_, err = NewFailureRateTracker(r, "nope", DefaultFailureRateConfig())
	assert.ErrorIs(t, err, ErrSubsystemUnknown)
}

func TestFailureRateTracker_DegradesAboveThreshold(t *testing.T) {
	r := newTestRegistry(t, WithDebounceWindow(time.Millisecond))

	tracker, err := NewFailureRateTracker(r, "modifier-queue", FailureRateConfig{
		Window:     time.Minute,
		MinSamples: 4,
		Threshold:  0.5,
	})
	require.NoError(t, err)

	tracker.Record(true)
	tracker.Record(true)
	tracker.Record(false)
	tracker.Record(false)

	// Exactly at the threshold is not above it
	assert.Equal(t, Healthy, r.GetOverallState())

	tracker.Record(false)

	assert.Eventually(t, func() bool {
		return r.GetSnapshot().Subsystems["modifier-queue"].State == Degraded
	}, time.Second, 5*time.Millisecond)

	// Enough successes bring the ratio back down and the subsystem recovers
	for i := 0; i < 6; i++ {
		tracker.Record(true)
	}

	assert.Eventually(t, func() bool {
		return r.GetSnapshot().Subsystems["modifier-queue"].State == Healthy
	}, time.Second, 5*time.Millisecond)
}

func TestFailureRateTracker_NeedsMinimumSamples(t *testing.T) {
	r := newTestRegistry(t, WithDebounceWindow(time.Millisecond))

	tracker, err := NewFailureRateTracker(r, "modifier-queue", FailureRateConfig{
		Window:     time.Minute,
		MinSamples: 10,
		Threshold:  0.5,
	})
	require.NoError(t, err)

	// All failures, but below the minimum sample count
	for i := 0; i < 9; i++ {
		tracker.Record(false)
	}

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, Healthy, r.GetOverallState())
}

// nopStore satisfies modifier.Store for wiring tests.
type nopStore struct{}

func (nopStore) Create(context.Context, *modifier.Modifier) error { return nil }
func (nopStore) Save(context.Context, *modifier.Modifier) error   { return nil }
func (nopStore) Delete(context.Context, uuid.UUID) error          { return nil }
func (nopStore) ListUnresolved(context.Context) ([]*modifier.Modifier, error) {
	return nil, nil
}
func (nopStore) PruneResolved(context.Context, time.Time) (int, error) { return 0, nil }

func TestFailureRateTracker_ObserveQueue(t *testing.T) {
	r := newTestRegistry(t, WithDebounceWindow(time.Millisecond))

	tracker, err := NewFailureRateTracker(r, "modifier-queue", FailureRateConfig{
		Window:     time.Minute,
		MinSamples: 2,
		Threshold:  0.5,
	})
	require.NoError(t, err)

	manager := circuitbreaker.NewManager(log.NewNop())
	manager.GetOrCreate("gmail", circuitbreaker.Config{
		FailureThreshold: 100,
		FailureWindow:    time.Minute,
		Cooldown:         time.Hour,
	})

	q, err := modifier.NewQueue(nopStore{}, manager, func(context.Context, modifier.Modifier) error {
		return modifier.Permanent(assert.AnError)
	}, log.NewNop())
	require.NoError(t, err)

	unsubscribe := tracker.ObserveQueue(q)
	defer unsubscribe()

	require.NoError(t, q.Start(context.Background()))
	defer q.Stop()

	for i := 0; i < 3; i++ {
		m, err := modifier.New("msg", "message", modifier.OperationDelete, "gmail", nil)
		require.NoError(t, err)
		require.NoError(t, q.Add(context.Background(), m))
	}

	// Failed executions flow through the event stream into the tracker
	assert.Eventually(t, func() bool {
		return r.GetSnapshot().Subsystems["modifier-queue"].State == Degraded
	}, 2*time.Second, 10*time.Millisecond)
}
