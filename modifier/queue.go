package modifier

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/driftmail/lib-resilience/backoff"
	"github.com/driftmail/lib-resilience/circuitbreaker"
	"github.com/driftmail/lib-resilience/internal/nilcheck"
	"github.com/driftmail/lib-resilience/log"
	"github.com/driftmail/lib-resilience/runtime"
)

// ProviderAction performs the remote mutation for one modifier. It is the
// opaque asynchronous provider call: the queue never inspects the wire
// format, only the returned error. Wrap non-retryable rejections with
// Permanent (or install a custom Classifier).
type ProviderAction func(ctx context.Context, m Modifier) error

// Queue owns the set of pending and active modifiers and schedules their
// execution against the circuit breaker.
type Queue struct {
	store      Store
	breaker    circuitbreaker.Manager
	action     ProviderAction
	classifier Classifier
	logger     log.Logger
	tracer     trace.Tracer
	cfg        Config
	now        func() time.Time

	mu        sync.Mutex
	mods      map[uuid.UUID]*Modifier
	order     []uuid.UUID
	active    map[string]uuid.UUID // entityID -> in-flight modifier
	discarded map[uuid.UUID]Modifier
	inFlight  int

	kick     chan struct{}
	stop     chan struct{}
	stopOnce sync.Once
	runMu    sync.Mutex
	running  bool
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	listenerMu  sync.RWMutex
	listeners   map[int]func(Event)
	listenerSeq int

	metrics queueMetrics
}

// Stats is a diagnostics snapshot of queue occupancy. It is intended for
// introspection and tests, never required for correct operation.
type Stats struct {
	Pending     int
	Active      int
	InFlight    int
	Concurrency int
}

// NewQueue creates a modifier queue.
func NewQueue(
	store Store,
	breaker circuitbreaker.Manager,
	action ProviderAction,
	logger log.Logger,
	opts ...Option,
) (*Queue, error) {
	if nilcheck.Interface(store) {
		return nil, ErrStoreRequired
	}

	if nilcheck.Interface(breaker) {
		return nil, ErrBreakerRequired
	}

	if action == nil {
		return nil, ErrActionRequired
	}

	if nilcheck.Interface(logger) {
		logger = log.NewNop()
	}

	q := &Queue{
		store:      store,
		breaker:    breaker,
		action:     action,
		classifier: DefaultClassifier(),
		logger:     logger,
		tracer:     noop.NewTracerProvider().Tracer("resilience.noop"),
		cfg:        DefaultConfig(),
		now:        func() time.Time { return time.Now().UTC() },
		mods:       make(map[uuid.UUID]*Modifier),
		active:     make(map[string]uuid.UUID),
		discarded:  make(map[uuid.UUID]Modifier),
		kick:       make(chan struct{}, 1),
		stop:       make(chan struct{}),
		listeners:  make(map[int]func(Event)),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(q)
		}
	}

	q.cfg.normalize()

	metrics, err := newQueueMetrics(q.cfg.MeterProvider)
	if err != nil {
		return nil, fmt.Errorf("init queue metrics: %w", err)
	}

	q.metrics = metrics

	// Pending work blocked by an open breaker resumes as soon as the breaker
	// allows execution again, without polling.
	breaker.RegisterStateChangeListener(circuitbreaker.StateChangeListenerFunc(
		func(_ string, _, _ circuitbreaker.State) {
			q.kickScheduler()
		},
	))

	return q, nil
}

// Add enqueues a modifier as pending and triggers scheduling. There is no
// side effect on remote state until the scheduler executes it.
func (q *Queue) Add(ctx context.Context, m *Modifier) error {
	if m == nil {
		return ErrModifierRequired
	}

	if !m.Operation.IsValid() {
		return fmt.Errorf("%w: %q", ErrOperationInvalid, m.Operation)
	}

	if err := q.store.Create(ctx, m); err != nil {
		return fmt.Errorf("persist modifier: %w", err)
	}

	internal := m.Clone()
	internal.Status = StatusPending

	q.mu.Lock()

	if _, exists := q.mods[internal.ID]; exists {
		q.mu.Unlock()

		return fmt.Errorf("%w: %s already enqueued", ErrModifierRequired, internal.ID)
	}

	q.mods[internal.ID] = &internal
	q.order = append(q.order, internal.ID)
	depth := q.unresolvedLocked()
	snapshot := internal.Clone()
	q.mu.Unlock()

	q.metrics.addAdded(ctx, snapshot.Provider)
	q.metrics.recordDepth(ctx, depth)
	q.emit(Event{Type: EventAdded, Modifier: snapshot, At: q.now()})
	q.kickScheduler()

	return nil
}

// Remove cancels a modifier. A pending modifier is cancelled outright; the
// derived state reverts because derivation simply excludes it. An active
// modifier is marked for discard: the in-flight call is not aborted, but its
// result is ignored on completion. Either way the removal is observably
// instantaneous.
func (q *Queue) Remove(ctx context.Context, id uuid.UUID) error {
	q.mu.Lock()

	m, ok := q.mods[id]
	if !ok {
		q.mu.Unlock()

		return fmt.Errorf("%w: %s", ErrModifierNotFound, id)
	}

	snapshot := m.Clone()

	if m.Status == StatusActive {
		// Keep the per-entity slot held until the in-flight call resolves so
		// a follow-up modifier cannot overlap it.
		q.discarded[id] = snapshot
	}

	q.dropLocked(id)
	depth := q.unresolvedLocked()
	q.mu.Unlock()

	if err := q.store.Delete(ctx, id); err != nil {
		q.logger.Log(ctx, log.LevelWarn, "failed to delete removed modifier from store",
			log.String("modifier_id", id.String()), log.Err(err))
	}

	q.metrics.recordDepth(ctx, depth)
	q.emit(Event{Type: EventRemoved, Modifier: snapshot, At: q.now()})
	q.kickScheduler()

	return nil
}

// dropLocked removes id from the working set and creation order.
// Caller holds q.mu. The active map entry, if any, is left in place.
func (q *Queue) dropLocked(id uuid.UUID) {
	delete(q.mods, id)

	for i, existing := range q.order {
		if existing == id {
			q.order = append(q.order[:i], q.order[i+1:]...)

			break
		}
	}
}

// ModifiersForEntity returns the entity's unresolved modifiers in creation order.
func (q *Queue) ModifiersForEntity(entityID string) []Modifier {
	q.mu.Lock()
	defer q.mu.Unlock()

	var result []Modifier

	for _, id := range q.order {
		m := q.mods[id]
		if m == nil || m.EntityID != entityID || m.Status.Resolved() {
			continue
		}

		result = append(result, m.Clone())
	}

	return result
}

// DeriveEntity returns the display value for an entity: the cached
// provider-confirmed value with the entity's unresolved modifiers folded
// over it in creation order.
func (q *Queue) DeriveEntity(cached Entity, entityID string) Entity {
	q.mu.Lock()

	var mods []*Modifier

	for _, id := range q.order {
		m := q.mods[id]
		if m == nil || m.EntityID != entityID {
			continue
		}

		mods = append(mods, m)
	}

	derived := Derive(cached, mods)
	q.mu.Unlock()

	return derived
}

// AllPending returns every pending modifier in creation order.
func (q *Queue) AllPending() []Modifier {
	q.mu.Lock()
	defer q.mu.Unlock()

	var result []Modifier

	for _, id := range q.order {
		m := q.mods[id]
		if m == nil || m.Status != StatusPending {
			continue
		}

		result = append(result, m.Clone())
	}

	return result
}

// Size returns the number of unresolved modifiers.
func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return int(q.unresolvedLocked())
}

// unresolvedLocked counts modifiers not yet synced or failed. Caller holds
// q.mu. Resolved modifiers stay in the working set until prune, so q.order's
// length overstates the live queue depth.
func (q *Queue) unresolvedLocked() int64 {
	var count int64

	for _, m := range q.mods {
		if !m.Status.Resolved() {
			count++
		}
	}

	return count
}

// GetStats returns a diagnostics snapshot.
func (q *Queue) GetStats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	stats := Stats{InFlight: q.inFlight, Concurrency: q.cfg.Concurrency}

	for _, m := range q.mods {
		switch m.Status {
		case StatusPending:
			stats.Pending++
		case StatusActive:
			stats.Active++
		}
	}

	return stats
}

// Restore reloads unresolved modifiers from the store after a restart.
// Modifiers that were active when the process died are demoted to pending;
// their previous attempt either landed (the provider call is idempotent on
// replay) or never happened, and the store has no way to tell.
func (q *Queue) Restore(ctx context.Context) error {
	mods, err := q.store.ListUnresolved(ctx)
	if err != nil {
		return fmt.Errorf("list unresolved modifiers: %w", err)
	}

	q.mu.Lock()

	restored := 0

	for _, m := range mods {
		if m == nil {
			continue
		}

		if _, exists := q.mods[m.ID]; exists {
			continue
		}

		internal := m.Clone()
		if internal.Status == StatusActive {
			internal.Status = StatusPending
		}

		q.mods[internal.ID] = &internal
		q.order = append(q.order, internal.ID)
		restored++
	}

	q.mu.Unlock()

	if restored > 0 {
		q.logger.Log(ctx, log.LevelInfo, "restored unresolved modifiers",
			log.Int("count", restored))
		q.kickScheduler()
	}

	return nil
}

// Start launches the scheduler loop. It returns ErrQueueRunning if the queue
// is already running.
func (q *Queue) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	runCtx, cancel := context.WithCancel(ctx)

	q.runMu.Lock()

	if q.running {
		q.runMu.Unlock()
		cancel()

		return ErrQueueRunning
	}

	if isClosedSignal(q.stop) {
		q.stop = make(chan struct{})
		q.stopOnce = sync.Once{}
	}

	q.running = true
	q.cancel = cancel
	q.runMu.Unlock()

	q.wg.Add(1)

	go q.run(runCtx)

	q.logger.Log(ctx, log.LevelInfo, "modifier queue started",
		log.Int("concurrency", q.cfg.Concurrency))

	return nil
}

// Stop signals the scheduler loop to stop. In-flight provider calls are not
// forcibly aborted beyond context cancellation.
func (q *Queue) Stop() {
	q.stopOnce.Do(func() {
		q.runMu.Lock()
		cancel := q.cancel
		stop := q.stop
		q.running = false
		q.cancel = nil
		q.runMu.Unlock()

		if cancel != nil {
			cancel()
		}

		close(stop)
	})
}

// Shutdown stops the queue and waits for the scheduler and in-flight
// executions to finish, bounded by ctx.
func (q *Queue) Shutdown(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	q.Stop()

	done := make(chan struct{})

	runtime.SafeGo(q.logger, "modifier.queue_shutdown_wait", func() {
		q.wg.Wait()
		close(done)
	})

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("queue shutdown: %w", ctx.Err())
	}
}

func (q *Queue) kickScheduler() {
	select {
	case q.kick <- struct{}{}:
	default:
	}
}

func (q *Queue) run(ctx context.Context) {
	defer q.wg.Done()
	defer runtime.RecoverAndLog(ctx, q.logger, "modifier", "scheduler")

	pruneTicker := time.NewTicker(q.cfg.PruneInterval)
	defer pruneTicker.Stop()

	for {
		wake := q.schedulePass(ctx)

		var (
			timer *time.Timer
			wakeC <-chan time.Time
		)

		if wake > 0 {
			timer = time.NewTimer(wake)
			wakeC = timer.C
		}

		select {
		case <-q.stop:
			if timer != nil {
				timer.Stop()
			}

			return
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}

			return
		case <-q.kick:
		case <-wakeC:
		case <-pruneTicker.C:
			q.prune(ctx)
		}

		if timer != nil {
			timer.Stop()
		}
	}
}

// schedulePass walks the queue in creation order and launches every eligible
// pending modifier. It returns the delay until the earliest backoff deadline
// or breaker cooldown expiry makes a modifier eligible again, or zero when
// nothing is waiting on a timer.
//
// A modifier is eligible when its entity has no in-flight modifier, its
// backoff deadline has passed, the global concurrency budget has room, and
// the provider's breaker permits execution. A breaker denial leaves the
// modifier pending without charging its retry budget.
func (q *Queue) schedulePass(ctx context.Context) time.Duration {
	now := q.now()

	type launchItem struct {
		id       uuid.UUID
		snapshot Modifier
	}

	var (
		wake     time.Duration
		launches []launchItem
	)

	q.mu.Lock()

	for _, id := range q.order {
		m := q.mods[id]
		if m == nil || m.Status != StatusPending {
			continue
		}

		if _, busy := q.active[m.EntityID]; busy {
			continue
		}

		if m.NextAttemptAt.After(now) {
			delay := m.NextAttemptAt.Sub(now)
			if wake == 0 || delay < wake {
				wake = delay
			}

			continue
		}

		if q.inFlight >= q.cfg.Concurrency {
			break
		}

		if !q.breaker.CanExecute(m.Provider) {
			// An open breaker becomes eligible on wall-clock alone, so the
			// pass must schedule its own wake for the cooldown expiry. A
			// half-open denial needs none: the in-flight probe kicks the
			// scheduler when it resolves.
			if remaining := q.breaker.GetCooldownRemaining(m.Provider); remaining > 0 {
				if wake == 0 || remaining < wake {
					wake = remaining
				}
			}

			continue
		}

		m.Status = StatusActive
		attemptAt := now
		m.LastAttemptAt = &attemptAt
		q.active[m.EntityID] = id
		q.inFlight++

		launches = append(launches, launchItem{id: id, snapshot: m.Clone()})
	}

	q.mu.Unlock()

	for _, item := range launches {
		q.persist(ctx, item.id)

		q.wg.Add(1)

		go q.execute(ctx, item.id, item.snapshot)
	}

	return wake
}

func (q *Queue) execute(ctx context.Context, id uuid.UUID, snapshot Modifier) {
	defer q.wg.Done()
	defer runtime.RecoverAndLog(ctx, q.logger, "modifier", "execute")

	execCtx, span := q.tracer.Start(ctx, "modifier.queue.execute")
	span.SetAttributes(
		attribute.String("modifier.id", snapshot.ID.String()),
		attribute.String("modifier.operation", snapshot.Operation.String()),
		attribute.String("modifier.provider", snapshot.Provider),
	)

	start := time.Now()
	err := q.action(execCtx, snapshot)
	q.metrics.recordLatency(execCtx, snapshot.Provider, time.Since(start).Seconds())
	span.End()

	q.complete(ctx, id, err)
}

// complete applies one execution outcome. Outcomes for discarded modifiers
// are ignored for derived state but still reported to the breaker: the call
// happened, so it is a real provider health signal.
func (q *Queue) complete(ctx context.Context, id uuid.UUID, execErr error) {
	now := q.now()
	interrupted := execErr != nil && errors.Is(execErr, context.Canceled) && ctx.Err() != nil

	q.mu.Lock()
	q.inFlight--

	if snapshot, ok := q.discarded[id]; ok {
		delete(q.discarded, id)
		delete(q.active, snapshot.EntityID)
		q.mu.Unlock()

		if !interrupted {
			q.reportOutcome(snapshot.Provider, execErr)
		}

		q.kickScheduler()

		return
	}

	m, ok := q.mods[id]
	if !ok {
		q.mu.Unlock()
		q.kickScheduler()

		return
	}

	delete(q.active, m.EntityID)

	var eventType EventType

	switch {
	case interrupted:
		// Shutdown interrupted the call before an outcome was known: the
		// attempt is not charged and the breaker is not signalled.
		m.Status = StatusPending
	case execErr == nil:
		m.Status = StatusSynced
		m.LastError = ""
		m.ResolvedAt = &now
		eventType = EventCompleted
	case q.classifier.IsPermanent(execErr):
		m.Status = StatusFailed
		m.LastError = execErr.Error()
		m.ResolvedAt = &now
		eventType = EventFailed
	default:
		m.Attempts++
		m.LastError = execErr.Error()

		if m.Attempts >= m.MaxAttempts {
			m.Status = StatusFailed
			m.ResolvedAt = &now
			eventType = EventFailed
		} else {
			m.Status = StatusPending
			delay := backoff.Capped(q.cfg.RetryBase, q.cfg.RetryMax, m.Attempts-1) +
				backoff.FullJitter(q.cfg.RetryBase)
			m.NextAttemptAt = now.Add(delay)
		}
	}

	snapshot := m.Clone()
	depth := q.unresolvedLocked()
	q.mu.Unlock()

	if !interrupted {
		q.reportOutcome(snapshot.Provider, execErr)
	}

	q.persist(ctx, id)

	if eventType != "" {
		q.metrics.recordDepth(ctx, depth)
	}

	switch eventType {
	case EventCompleted:
		q.metrics.addSynced(ctx, snapshot.Provider)
		q.emit(Event{Type: EventCompleted, Modifier: snapshot, At: now})
	case EventFailed:
		q.metrics.addFailed(ctx, snapshot.Provider)
		q.logger.Log(ctx, log.LevelWarn, "modifier failed",
			log.String("modifier_id", snapshot.ID.String()),
			log.String("provider", snapshot.Provider),
			log.Int("attempts", snapshot.Attempts),
			log.String("last_error", snapshot.LastError))
		q.emit(Event{Type: EventFailed, Modifier: snapshot, At: now})
	}

	q.kickScheduler()
}

func (q *Queue) reportOutcome(provider string, execErr error) {
	if execErr == nil {
		q.breaker.RecordSuccess(provider)

		return
	}

	q.breaker.RecordFailure(provider)
}

func (q *Queue) persist(ctx context.Context, id uuid.UUID) {
	q.mu.Lock()

	m, ok := q.mods[id]

	var snapshot Modifier

	if ok {
		snapshot = m.Clone()
	}

	q.mu.Unlock()

	if !ok {
		return
	}

	if err := q.store.Save(ctx, &snapshot); err != nil {
		q.logger.Log(ctx, log.LevelWarn, "failed to persist modifier state",
			log.String("modifier_id", id.String()), log.Err(err))
	}
}

func (q *Queue) prune(ctx context.Context) {
	cutoff := q.now().Add(-q.cfg.Retention)

	q.mu.Lock()

	var pruned []uuid.UUID

	for id, m := range q.mods {
		if m.Status.Resolved() && m.ResolvedAt != nil && m.ResolvedAt.Before(cutoff) {
			pruned = append(pruned, id)
		}
	}

	for _, id := range pruned {
		q.dropLocked(id)
	}

	q.mu.Unlock()

	removed, err := q.store.PruneResolved(ctx, cutoff)
	if err != nil {
		q.logger.Log(ctx, log.LevelWarn, "failed to prune resolved modifiers", log.Err(err))

		return
	}

	if len(pruned) > 0 || removed > 0 {
		q.logger.Log(ctx, log.LevelDebug, "pruned resolved modifiers",
			log.Int("memory", len(pruned)), log.Int("store", removed))
	}
}

func isClosedSignal(signal <-chan struct{}) bool {
	if signal == nil {
		return false
	}

	select {
	case <-signal:
		return true
	default:
		return false
	}
}
