package bankruptcy

import (
	"context"
	"time"
)

// SyncProgress is the per-account sync bookkeeping the detector reads and,
// on bankruptcy, rewrites. The cursor is opaque to this package; only the
// external sync orchestrator interprets it.
type SyncProgress struct {
	AccountID           string    `db:"account_id" json:"accountId"`
	Provider            string    `db:"provider" json:"provider"`
	LastSyncAt          time.Time `db:"last_sync_at" json:"lastSyncAt"`
	InitialSyncComplete bool      `db:"initial_sync_complete" json:"initialSyncComplete"`
	SyncCursor          string    `db:"sync_cursor" json:"syncCursor"`
}

// ProgressStore persists per-account sync progress across restarts.
type ProgressStore interface {
	// GetProgress returns the progress record for an account, or
	// ErrAccountNotFound when none exists.
	GetProgress(ctx context.Context, accountID string) (SyncProgress, error)

	// SaveProgress inserts or replaces an account's progress record.
	SaveProgress(ctx context.Context, progress SyncProgress) error

	// ListAccounts returns the progress records of every known account.
	ListAccounts(ctx context.Context) ([]SyncProgress, error)
}
