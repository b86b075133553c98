package bankruptcy

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/driftmail/lib-resilience/health"
	"github.com/driftmail/lib-resilience/internal/nilcheck"
	"github.com/driftmail/lib-resilience/log"
)

const defaultEvaluationInterval = time.Hour

// HealthReporter receives the detector's subsystem state. *health.Registry
// satisfies it.
type HealthReporter interface {
	UpdateHealth(ctx context.Context, subsystemID string, state health.Severity, reason string) error
}

// Config controls the detector's schedule and threshold.
type Config struct {
	// Interval is how often every account is re-evaluated.
	Interval time.Duration
	// StalenessThreshold is how stale a completed sync may get before the
	// account is declared bankrupt.
	StalenessThreshold time.Duration
}

// DefaultConfig returns the baseline detector configuration.
func DefaultConfig() Config {
	return Config{
		Interval:           defaultEvaluationInterval,
		StalenessThreshold: DefaultStalenessThreshold,
	}
}

func (cfg *Config) normalize() {
	defaults := DefaultConfig()

	if cfg.Interval <= 0 {
		cfg.Interval = defaults.Interval
	}

	if cfg.StalenessThreshold <= 0 {
		cfg.StalenessThreshold = defaults.StalenessThreshold
	}
}

// DetectorOption configures optional detector behavior.
type DetectorOption func(*Detector)

// WithHealthReporter wires the detector's bankruptcy signal into a health
// subsystem: degraded while a declared account awaits its full resync,
// healthy once no account is bankrupt.
func WithHealthReporter(reporter HealthReporter, subsystemID string) DetectorOption {
	return func(d *Detector) {
		d.reporter = reporter
		d.subsystemID = subsystemID
	}
}

// WithDetectorClock overrides the clock. Intended for tests.
func WithDetectorClock(now func() time.Time) DetectorOption {
	return func(d *Detector) {
		if now != nil {
			d.now = now
		}
	}
}

// Detector periodically evaluates every stored account and performs the
// fresh-sync reset for bankrupt ones. Accounts are handled independently:
// one account's bankruptcy never touches another's progress.
type Detector struct {
	store  ProgressStore
	cfg    Config
	logger log.Logger
	now    func() time.Time

	reporter    HealthReporter
	subsystemID string

	stopChan chan struct{}
	checkNow chan struct{}
	wg       sync.WaitGroup
	runMu    sync.Mutex
	running  bool

	listenerMu  sync.RWMutex
	listeners   map[int]func(Event)
	listenerSeq int
}

// NewDetector creates a detector over the given progress store.
func NewDetector(store ProgressStore, cfg Config, logger log.Logger, opts ...DetectorOption) (*Detector, error) {
	if nilcheck.Interface(store) {
		return nil, ErrStoreRequired
	}

	if nilcheck.Interface(logger) {
		logger = log.NewNop()
	}

	cfg.normalize()

	d := &Detector{
		store:     store,
		cfg:       cfg,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
		stopChan:  make(chan struct{}),
		checkNow:  make(chan struct{}, 1),
		listeners: make(map[int]func(Event)),
	}

	for _, opt := range opts {
		opt(d)
	}

	return d, nil
}

// Start begins the scheduled evaluation loop.
func (d *Detector) Start() {
	d.runMu.Lock()
	defer d.runMu.Unlock()

	if d.running {
		return
	}

	d.running = true
	d.wg.Add(1)

	go d.evaluationLoop()

	d.logger.Log(context.Background(), log.LevelInfo, "bankruptcy detector started",
		log.Duration("interval", d.cfg.Interval),
		log.Duration("staleness_threshold", d.cfg.StalenessThreshold))
}

// Stop halts the loop and waits for an in-progress evaluation to finish.
func (d *Detector) Stop() {
	d.runMu.Lock()

	if !d.running {
		d.runMu.Unlock()
		return
	}

	d.running = false
	d.runMu.Unlock()

	close(d.stopChan)
	d.wg.Wait()

	d.logger.Log(context.Background(), log.LevelInfo, "bankruptcy detector stopped")
}

// CheckNow schedules an immediate evaluation of all accounts without
// waiting for the next tick. Non-blocking; redundant requests coalesce.
func (d *Detector) CheckNow() {
	select {
	case d.checkNow <- struct{}{}:
	default:
	}
}

func (d *Detector) evaluationLoop() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			d.evaluateAll(context.Background())
		case <-d.checkNow:
			d.evaluateAll(context.Background())
		case <-d.stopChan:
			return
		}
	}
}

// EvaluateAccount runs the bankruptcy check for a single account without
// side effects.
func (d *Detector) EvaluateAccount(ctx context.Context, accountID string) (Decision, error) {
	progress, err := d.store.GetProgress(ctx, accountID)
	if err != nil {
		return Decision{}, fmt.Errorf("loading sync progress: %w", err)
	}

	return Evaluate(progress, d.now(), d.cfg.StalenessThreshold), nil
}

func (d *Detector) evaluateAll(ctx context.Context) {
	accounts, err := d.store.ListAccounts(ctx)
	if err != nil {
		d.logger.Log(ctx, log.LevelWarn, "failed to list accounts for bankruptcy evaluation", log.Err(err))
		return
	}

	now := d.now()
	declared := 0
	pendingReset := 0

	for _, progress := range accounts {
		decision := Evaluate(progress, now, d.cfg.StalenessThreshold)
		if !decision.Bankrupt {
			continue
		}

		declared++

		d.logger.Log(ctx, log.LevelWarn, "sync bankruptcy declared",
			log.String("account_id", progress.AccountID),
			log.String("provider", progress.Provider),
			log.String("reason", decision.Reason))

		if err := d.PerformFreshSyncReset(ctx, progress.AccountID, decision.Reason); err != nil {
			// Retried on the next cycle; the check is idempotent.
			pendingReset++

			d.logger.Log(ctx, log.LevelWarn, "fresh sync reset failed",
				log.String("account_id", progress.AccountID), log.Err(err))
		}
	}

	d.reportHealth(ctx, declared, pendingReset)
}

// PerformFreshSyncReset clears the account's sync cursor and initial-sync
// flag so the external orchestrator performs a full resync, and re-baselines
// its last-sync timestamp so the account cannot re-trigger bankruptcy
// immediately after the reset. Idempotent: resetting an already-reset
// account changes nothing but the baseline timestamp.
func (d *Detector) PerformFreshSyncReset(ctx context.Context, accountID, reason string) error {
	progress, err := d.store.GetProgress(ctx, accountID)
	if err != nil {
		return fmt.Errorf("loading sync progress: %w", err)
	}

	progress.SyncCursor = ""
	progress.InitialSyncComplete = false
	progress.LastSyncAt = d.now()

	if err := d.store.SaveProgress(ctx, progress); err != nil {
		return fmt.Errorf("saving reset progress: %w", err)
	}

	d.emit(Event{
		AccountID: progress.AccountID,
		Provider:  progress.Provider,
		Reason:    reason,
		At:        progress.LastSyncAt,
	})

	return nil
}

func (d *Detector) reportHealth(ctx context.Context, declared, pendingReset int) {
	if nilcheck.Interface(d.reporter) || d.subsystemID == "" {
		return
	}

	state := health.Healthy
	reason := ""

	if declared > 0 {
		state = health.Degraded
		reason = fmt.Sprintf("%d account(s) declared sync bankruptcy", declared)

		if pendingReset > 0 {
			reason = fmt.Sprintf("%s, %d reset(s) pending retry", reason, pendingReset)
		}
	}

	if err := d.reporter.UpdateHealth(ctx, d.subsystemID, state, reason); err != nil {
		d.logger.Log(ctx, log.LevelWarn, "failed to report bankruptcy health",
			log.String("subsystem", d.subsystemID), log.Err(err))
	}
}
