package modifier

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftmail/lib-resilience/circuitbreaker"
	"github.com/driftmail/lib-resilience/log"
)

// memStore is an in-memory Store for queue tests.
type memStore struct {
	mu    sync.Mutex
	mods  map[uuid.UUID]Modifier
	order []uuid.UUID
}

func newMemStore() *memStore {
	return &memStore{mods: make(map[uuid.UUID]Modifier)}
}

func (s *memStore) Create(_ context.Context, m *Modifier) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.mods[m.ID]; !exists {
		s.order = append(s.order, m.ID)
	}

	s.mods[m.ID] = m.Clone()

	return nil
}

func (s *memStore) Save(_ context.Context, m *Modifier) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.mods[m.ID]; !exists {
		s.order = append(s.order, m.ID)
	}

	s.mods[m.ID] = m.Clone()

	return nil
}

func (s *memStore) Delete(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.mods, id)

	return nil
}

func (s *memStore) ListUnresolved(_ context.Context) ([]*Modifier, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var result []*Modifier

	for _, id := range s.order {
		m, ok := s.mods[id]
		if !ok || m.Status.Resolved() {
			continue
		}

		clone := m.Clone()
		result = append(result, &clone)
	}

	return result, nil
}

func (s *memStore) PruneResolved(_ context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0

	for id, m := range s.mods {
		if m.Status.Resolved() && m.ResolvedAt != nil && m.ResolvedAt.Before(before) {
			delete(s.mods, id)
			removed++
		}
	}

	return removed, nil
}

func (s *memStore) get(id uuid.UUID) (Modifier, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.mods[id]

	return m, ok
}

func newTestBreaker() circuitbreaker.Manager {
	manager := circuitbreaker.NewManager(log.NewNop())
	manager.GetOrCreate("gmail", circuitbreaker.Config{
		FailureThreshold: 1,
		FailureWindow:    time.Minute,
		Cooldown:         time.Hour,
	})

	return manager
}

// newLenientBreaker tolerates the retries the test itself provokes.
func newLenientBreaker() circuitbreaker.Manager {
	manager := circuitbreaker.NewManager(log.NewNop())
	manager.GetOrCreate("gmail", circuitbreaker.Config{
		FailureThreshold: 100,
		FailureWindow:    time.Minute,
		Cooldown:         time.Hour,
	})

	return manager
}

// eventRecorder captures queue lifecycle events for assertions.
type eventRecorder struct {
	events chan Event
}

func recordEvents(t *testing.T, q *Queue) *eventRecorder {
	t.Helper()

	r := &eventRecorder{events: make(chan Event, 32)}

	unsubscribe := q.Subscribe(func(ev Event) {
		r.events <- ev
	})
	t.Cleanup(unsubscribe)

	return r
}

func (r *eventRecorder) next(t *testing.T, eventType EventType) Event {
	t.Helper()

	deadline := time.After(2 * time.Second)

	for {
		select {
		case ev := <-r.events:
			if ev.Type == eventType {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %q event", eventType)
		}
	}
}

func TestQueue_AddEnqueuesPending(t *testing.T) {
	store := newMemStore()
	q, err := NewQueue(store, newTestBreaker(), func(context.Context, Modifier) error { return nil }, log.NewNop())
	require.NoError(t, err)

	recorder := recordEvents(t, q)

	m := mustModifier(t, "msg-1", OperationPatch, map[string]any{"read": true})
	require.NoError(t, q.Add(context.Background(), m))

	assert.Equal(t, 1, q.Size())
	assert.Len(t, q.AllPending(), 1)

	// The modifier is persisted before it becomes visible in memory
	_, ok := store.get(m.ID)
	assert.True(t, ok)

	ev := recorder.next(t, EventAdded)
	assert.Equal(t, m.ID, ev.Modifier.ID)
}

func TestQueue_AddRejectsDuplicate(t *testing.T) {
	q, err := NewQueue(newMemStore(), newTestBreaker(), func(context.Context, Modifier) error { return nil }, log.NewNop())
	require.NoError(t, err)

	m := mustModifier(t, "msg-1", OperationPatch, map[string]any{"read": true})
	require.NoError(t, q.Add(context.Background(), m))

	assert.Error(t, q.Add(context.Background(), m))
}

func TestQueue_RemovePendingRevertsDerivedState(t *testing.T) {
	q, err := NewQueue(newMemStore(), newTestBreaker(), func(context.Context, Modifier) error { return nil }, log.NewNop())
	require.NoError(t, err)

	recorder := recordEvents(t, q)
	cached := Entity{"subject": "hello", "read": false}

	m := mustModifier(t, "msg-1", OperationPatch, map[string]any{"read": true})
	require.NoError(t, q.Add(context.Background(), m))
	require.Equal(t, true, q.DeriveEntity(cached, "msg-1")["read"])

	require.NoError(t, q.Remove(context.Background(), m.ID))

	// Derived state returns to exactly the pre-add value
	assert.Equal(t, Entity(cached), q.DeriveEntity(cached, "msg-1"))
	assert.Equal(t, 0, q.Size())

	ev := recorder.next(t, EventRemoved)
	assert.Equal(t, m.ID, ev.Modifier.ID)
}

func TestQueue_RemoveUnknown(t *testing.T) {
	q, err := NewQueue(newMemStore(), newTestBreaker(), func(context.Context, Modifier) error { return nil }, log.NewNop())
	require.NoError(t, err)

	err = q.Remove(context.Background(), uuid.New())
	assert.ErrorIs(t, err, ErrModifierNotFound)
}

func TestQueue_ExecutesAndSyncs(t *testing.T) {
	store := newMemStore()
	executed := make(chan Modifier, 1)

	q, err := NewQueue(store, newTestBreaker(), func(_ context.Context, m Modifier) error {
		executed <- m

		return nil
	}, log.NewNop())
	require.NoError(t, err)

	recorder := recordEvents(t, q)

	require.NoError(t, q.Start(context.Background()))
	defer q.Stop()

	m := mustModifier(t, "msg-1", OperationPatch, map[string]any{"read": true})
	require.NoError(t, q.Add(context.Background(), m))

	select {
	case got := <-executed:
		assert.Equal(t, m.ID, got.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("provider action was never invoked")
	}

	ev := recorder.next(t, EventCompleted)
	assert.Equal(t, StatusSynced, ev.Modifier.Status)

	persisted, ok := store.get(m.ID)
	require.True(t, ok)
	assert.Equal(t, StatusSynced, persisted.Status)
	require.NotNil(t, persisted.ResolvedAt)
}

func TestQueue_PerEntityFIFOWithOpenBreaker(t *testing.T) {
	breaker := newTestBreaker()
	breaker.RecordFailure("gmail")
	require.Equal(t, circuitbreaker.StateOpen, breaker.GetState("gmail"))

	var (
		mu       sync.Mutex
		executed []uuid.UUID
	)

	done := make(chan struct{}, 2)

	q, err := NewQueue(newMemStore(), breaker, func(_ context.Context, m Modifier) error {
		mu.Lock()
		executed = append(executed, m.ID)
		mu.Unlock()

		done <- struct{}{}

		return nil
	}, log.NewNop())
	require.NoError(t, err)

	require.NoError(t, q.Start(context.Background()))
	defer q.Stop()

	u1 := mustModifier(t, "entity-a", OperationPatch, map[string]any{"read": true})
	u2 := mustModifier(t, "entity-a", OperationPatch, map[string]any{"starred": true})
	require.NoError(t, q.Add(context.Background(), u1))
	require.NoError(t, q.Add(context.Background(), u2))

	// With the breaker open both stay pending and nothing executes
	time.Sleep(100 * time.Millisecond)
	assert.Len(t, q.AllPending(), 2)

	mu.Lock()
	assert.Empty(t, executed)
	mu.Unlock()

	// Probing the breaker releases the queue; the successful probe closes it
	require.True(t, breaker.ForceProbe("gmail"))

	for i := 0; i < 2; i++ {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for modifier execution")
		}
	}

	// Same-entity modifiers execute strictly in creation order
	mu.Lock()
	require.Len(t, executed, 2)
	assert.Equal(t, u1.ID, executed[0])
	assert.Equal(t, u2.ID, executed[1])
	mu.Unlock()
}

func TestQueue_BreakerDenialDoesNotChargeRetryBudget(t *testing.T) {
	breaker := newTestBreaker()
	breaker.RecordFailure("gmail")
	require.Equal(t, circuitbreaker.StateOpen, breaker.GetState("gmail"))

	q, err := NewQueue(newMemStore(), breaker, func(context.Context, Modifier) error {
		t.Error("provider action must not run while the breaker is open")

		return nil
	}, log.NewNop())
	require.NoError(t, err)

	require.NoError(t, q.Start(context.Background()))
	defer q.Stop()

	m := mustModifier(t, "msg-1", OperationPatch, map[string]any{"read": true})
	require.NoError(t, q.Add(context.Background(), m))

	time.Sleep(100 * time.Millisecond)

	mods := q.ModifiersForEntity("msg-1")
	require.Len(t, mods, 1)
	assert.Equal(t, StatusPending, mods[0].Status)
	assert.Equal(t, 0, mods[0].Attempts)
}

func TestQueue_ResumesWhenBreakerCooldownElapses(t *testing.T) {
	breaker := circuitbreaker.NewManager(log.NewNop())
	breaker.GetOrCreate("gmail", circuitbreaker.Config{
		FailureThreshold: 1,
		FailureWindow:    time.Minute,
		Cooldown:         50 * time.Millisecond,
	})
	breaker.RecordFailure("gmail")
	require.Equal(t, circuitbreaker.StateOpen, breaker.GetState("gmail"))

	executed := make(chan Modifier, 1)

	// A long prune interval leaves the cooldown expiry as the only thing
	// that can wake the scheduler.
	q, err := NewQueue(newMemStore(), breaker, func(_ context.Context, m Modifier) error {
		executed <- m

		return nil
	}, log.NewNop(), WithPruneInterval(time.Hour))
	require.NoError(t, err)

	require.NoError(t, q.Start(context.Background()))
	defer q.Stop()

	m := mustModifier(t, "msg-1", OperationPatch, map[string]any{"read": true})
	require.NoError(t, q.Add(context.Background(), m))

	select {
	case got := <-executed:
		assert.Equal(t, m.ID, got.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("pending modifier never executed after the cooldown elapsed")
	}
}

func TestQueue_TransientFailureRetries(t *testing.T) {
	var mu sync.Mutex

	calls := 0
	callCh := make(chan int, 4)

	q, err := NewQueue(newMemStore(), newLenientBreaker(), func(context.Context, Modifier) error {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()

		callCh <- n

		if n == 1 {
			return errors.New("transient network error")
		}

		return nil
	}, log.NewNop(), WithRetryBackoff(5*time.Millisecond, 20*time.Millisecond))
	require.NoError(t, err)

	recorder := recordEvents(t, q)

	require.NoError(t, q.Start(context.Background()))
	defer q.Stop()

	m := mustModifier(t, "msg-1", OperationPatch, map[string]any{"read": true})
	require.NoError(t, q.Add(context.Background(), m))

	ev := recorder.next(t, EventCompleted)
	assert.Equal(t, StatusSynced, ev.Modifier.Status)
	assert.Equal(t, 1, ev.Modifier.Attempts)

	// One failing call plus the successful retry
	assert.Len(t, callCh, 2)
}

func TestQueue_PermanentFailureDoesNotRetry(t *testing.T) {
	var mu sync.Mutex

	calls := 0

	q, err := NewQueue(newMemStore(), newTestBreaker(), func(context.Context, Modifier) error {
		mu.Lock()
		calls++
		mu.Unlock()

		return Permanent(errors.New("message no longer exists"))
	}, log.NewNop(), WithRetryBackoff(time.Millisecond, 5*time.Millisecond))
	require.NoError(t, err)

	recorder := recordEvents(t, q)

	require.NoError(t, q.Start(context.Background()))
	defer q.Stop()

	m := mustModifier(t, "msg-1", OperationDelete, nil)
	require.NoError(t, q.Add(context.Background(), m))

	ev := recorder.next(t, EventFailed)
	assert.Equal(t, StatusFailed, ev.Modifier.Status)
	assert.Contains(t, ev.Modifier.LastError, "message no longer exists")

	// No retry happens after a permanent rejection
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	assert.Equal(t, 1, calls)
	mu.Unlock()
}

func TestQueue_ExhaustedRetriesFail(t *testing.T) {
	q, err := NewQueue(newMemStore(), newLenientBreaker(), func(context.Context, Modifier) error {
		return errors.New("still down")
	}, log.NewNop(), WithRetryBackoff(time.Millisecond, 5*time.Millisecond))
	require.NoError(t, err)

	recorder := recordEvents(t, q)

	require.NoError(t, q.Start(context.Background()))
	defer q.Stop()

	m := mustModifier(t, "msg-1", OperationPatch, map[string]any{"read": true})
	m.MaxAttempts = 2
	require.NoError(t, q.Add(context.Background(), m))

	ev := recorder.next(t, EventFailed)
	assert.Equal(t, StatusFailed, ev.Modifier.Status)
	assert.Equal(t, 2, ev.Modifier.Attempts)
}

func TestQueue_RemoveActiveDiscardsResult(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})

	breaker := newTestBreaker()

	q, err := NewQueue(newMemStore(), breaker, func(context.Context, Modifier) error {
		close(started)
		<-release

		return nil
	}, log.NewNop())
	require.NoError(t, err)

	recorder := recordEvents(t, q)
	cached := Entity{"read": false}

	require.NoError(t, q.Start(context.Background()))
	defer q.Stop()

	m := mustModifier(t, "msg-1", OperationPatch, map[string]any{"read": true})
	require.NoError(t, q.Add(context.Background(), m))

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("provider action never started")
	}

	// Undo while the call is in flight: derived state reverts immediately
	require.NoError(t, q.Remove(context.Background(), m.ID))
	assert.Equal(t, false, q.DeriveEntity(cached, "msg-1")["read"])
	recorder.next(t, EventRemoved)

	// The in-flight result is discarded but still counts as a breaker signal
	close(release)

	assert.Eventually(t, func() bool {
		return breaker.GetStatus("gmail").ConsecutiveSuccesses == 1
	}, 2*time.Second, 10*time.Millisecond)

	// No completion event is emitted for a discarded modifier
	select {
	case ev := <-recorder.events:
		assert.NotEqual(t, EventCompleted, ev.Type)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestQueue_RestoreDemotesActive(t *testing.T) {
	store := newMemStore()

	pending := mustModifier(t, "msg-1", OperationPatch, map[string]any{"read": true})
	require.NoError(t, store.Create(context.Background(), pending))

	active := mustModifier(t, "msg-2", OperationPatch, map[string]any{"starred": true})
	active.Status = StatusActive
	require.NoError(t, store.Create(context.Background(), active))

	synced := mustModifier(t, "msg-3", OperationDelete, nil)
	synced.Status = StatusSynced
	require.NoError(t, store.Create(context.Background(), synced))

	q, err := NewQueue(store, newTestBreaker(), func(context.Context, Modifier) error { return nil }, log.NewNop())
	require.NoError(t, err)

	require.NoError(t, q.Restore(context.Background()))

	// Both unresolved modifiers come back pending; resolved ones do not
	all := q.AllPending()
	require.Len(t, all, 2)
	assert.Equal(t, StatusPending, all[0].Status)
	assert.Equal(t, StatusPending, all[1].Status)
}

func TestQueue_StartTwice(t *testing.T) {
	q, err := NewQueue(newMemStore(), newTestBreaker(), func(context.Context, Modifier) error { return nil }, log.NewNop())
	require.NoError(t, err)

	require.NoError(t, q.Start(context.Background()))
	defer q.Stop()

	assert.ErrorIs(t, q.Start(context.Background()), ErrQueueRunning)
}

func TestQueue_Shutdown(t *testing.T) {
	q, err := NewQueue(newMemStore(), newTestBreaker(), func(context.Context, Modifier) error { return nil }, log.NewNop())
	require.NoError(t, err)

	require.NoError(t, q.Start(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	assert.NoError(t, q.Shutdown(ctx))
}

func TestQueue_GetStats(t *testing.T) {
	breaker := newTestBreaker()
	breaker.RecordFailure("gmail")

	q, err := NewQueue(newMemStore(), breaker, func(context.Context, Modifier) error { return nil }, log.NewNop(), WithConcurrency(2))
	require.NoError(t, err)

	m := mustModifier(t, "msg-1", OperationPatch, map[string]any{"read": true})
	require.NoError(t, q.Add(context.Background(), m))

	stats := q.GetStats()
	assert.Equal(t, 1, stats.Pending)
	assert.Equal(t, 0, stats.Active)
	assert.Equal(t, 0, stats.InFlight)
	assert.Equal(t, 2, stats.Concurrency)
}
