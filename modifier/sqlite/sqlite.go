package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/driftmail/lib-resilience/bankruptcy"
	"github.com/driftmail/lib-resilience/modifier"
)

// Store implements modifier.Store and bankruptcy.ProgressStore over a local
// SQLite database.
type Store struct {
	db *sqlx.DB
}

// New opens (or creates) a SQLite database at dbPath, enables WAL mode, and
// runs any pending schema migrations.
func New(dbPath string) (*Store, error) {
	db, err := sqlx.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &Store{db: db}
	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// runMigrations checks the current schema version and applies any
// outstanding migrations in order.
func (s *Store) runMigrations() error {
	currentVersion := 0

	var tableCount int
	err := s.db.Get(
		&tableCount,
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='schema_version'",
	)
	if err != nil {
		return fmt.Errorf("checking schema_version table: %w", err)
	}

	if tableCount > 0 {
		err = s.db.Get(&currentVersion, "SELECT COALESCE(MAX(version), 0) FROM schema_version")
		if err != nil {
			return fmt.Errorf("reading schema version: %w", err)
		}
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}
		if _, err := s.db.Exec(m.sql); err != nil {
			return fmt.Errorf("applying migration v%d: %w", m.version, err)
		}
	}

	return nil
}

// Create persists a new modifier.
func (s *Store) Create(ctx context.Context, m *modifier.Modifier) error {
	payload, err := json.Marshal(m.Payload)
	if err != nil {
		return fmt.Errorf("marshaling payload for modifier %s: %w", m.ID, err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO modifiers (
			id, entity_id, entity_type, operation, provider,
			payload, status, attempts, max_attempts,
			created_at, last_attempt_at, next_attempt_at, resolved_at, last_error
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID.String(), m.EntityID, m.EntityType, string(m.Operation), m.Provider,
		string(payload), string(m.Status), m.Attempts, m.MaxAttempts,
		m.CreatedAt.UTC(), nullableTime(m.LastAttemptAt), zeroableTime(m.NextAttemptAt),
		nullableTime(m.ResolvedAt), m.LastError,
	)
	if err != nil {
		return fmt.Errorf("creating modifier %s: %w", m.ID, err)
	}

	return nil
}

// Save persists the current state of an existing modifier.
func (s *Store) Save(ctx context.Context, m *modifier.Modifier) error {
	payload, err := json.Marshal(m.Payload)
	if err != nil {
		return fmt.Errorf("marshaling payload for modifier %s: %w", m.ID, err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO modifiers (
			id, entity_id, entity_type, operation, provider,
			payload, status, attempts, max_attempts,
			created_at, last_attempt_at, next_attempt_at, resolved_at, last_error
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID.String(), m.EntityID, m.EntityType, string(m.Operation), m.Provider,
		string(payload), string(m.Status), m.Attempts, m.MaxAttempts,
		m.CreatedAt.UTC(), nullableTime(m.LastAttemptAt), zeroableTime(m.NextAttemptAt),
		nullableTime(m.ResolvedAt), m.LastError,
	)
	if err != nil {
		return fmt.Errorf("saving modifier %s: %w", m.ID, err)
	}

	return nil
}

// Delete removes a modifier.
func (s *Store) Delete(ctx context.Context, id uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM modifiers WHERE id = ?", id.String())
	if err != nil {
		return fmt.Errorf("deleting modifier %s: %w", id, err)
	}

	return nil
}

// ListUnresolved returns pending and active modifiers in creation order.
func (s *Store) ListUnresolved(ctx context.Context) ([]*modifier.Modifier, error) {
	rows, err := s.db.QueryxContext(ctx, `
		SELECT id, entity_id, entity_type, operation, provider,
			payload, status, attempts, max_attempts,
			created_at, last_attempt_at, next_attempt_at, resolved_at, last_error
		FROM modifiers
		WHERE status IN (?, ?)
		ORDER BY created_at, id`,
		string(modifier.StatusPending), string(modifier.StatusActive),
	)
	if err != nil {
		return nil, fmt.Errorf("querying unresolved modifiers: %w", err)
	}
	defer rows.Close()

	var mods []*modifier.Modifier
	for rows.Next() {
		m, err := scanModifier(rows)
		if err != nil {
			return nil, err
		}
		mods = append(mods, m)
	}

	return mods, rows.Err()
}

// PruneResolved removes synced and failed modifiers resolved before the
// given time and returns how many were removed.
func (s *Store) PruneResolved(ctx context.Context, before time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM modifiers
		WHERE status IN (?, ?) AND resolved_at IS NOT NULL AND resolved_at < ?`,
		string(modifier.StatusSynced), string(modifier.StatusFailed), before.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("pruning resolved modifiers: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("counting pruned modifiers: %w", err)
	}

	return int(affected), nil
}

// GetProgress returns the progress record for an account.
func (s *Store) GetProgress(ctx context.Context, accountID string) (bankruptcy.SyncProgress, error) {
	row := s.db.QueryRowxContext(ctx, `
		SELECT account_id, provider, last_sync_at, initial_sync_complete, sync_cursor
		FROM sync_progress WHERE account_id = ?`, accountID)

	progress, err := scanProgress(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return bankruptcy.SyncProgress{}, bankruptcy.ErrAccountNotFound
	}

	if err != nil {
		return bankruptcy.SyncProgress{}, fmt.Errorf("getting sync progress for %s: %w", accountID, err)
	}

	return progress, nil
}

// SaveProgress inserts or replaces an account's progress record.
func (s *Store) SaveProgress(ctx context.Context, progress bankruptcy.SyncProgress) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO sync_progress (
			account_id, provider, last_sync_at, initial_sync_complete, sync_cursor
		) VALUES (?, ?, ?, ?, ?)`,
		progress.AccountID, progress.Provider, progress.LastSyncAt.UTC(),
		boolToInt(progress.InitialSyncComplete), progress.SyncCursor,
	)
	if err != nil {
		return fmt.Errorf("saving sync progress for %s: %w", progress.AccountID, err)
	}

	return nil
}

// ListAccounts returns the progress records of every known account.
func (s *Store) ListAccounts(ctx context.Context) ([]bankruptcy.SyncProgress, error) {
	rows, err := s.db.QueryxContext(ctx, `
		SELECT account_id, provider, last_sync_at, initial_sync_complete, sync_cursor
		FROM sync_progress ORDER BY account_id`)
	if err != nil {
		return nil, fmt.Errorf("querying sync progress: %w", err)
	}
	defer rows.Close()

	var accounts []bankruptcy.SyncProgress
	for rows.Next() {
		progress, err := scanProgress(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scanning sync progress row: %w", err)
		}
		accounts = append(accounts, progress)
	}

	return accounts, rows.Err()
}

// scanModifier scans a modifier row from a sqlx.Rows result set.
func scanModifier(rows *sqlx.Rows) (*modifier.Modifier, error) {
	var (
		m             modifier.Modifier
		id            string
		operation     string
		payload       string
		status        string
		createdAt     time.Time
		lastAttemptAt sql.NullTime
		nextAttemptAt sql.NullTime
		resolvedAt    sql.NullTime
	)

	err := rows.Scan(
		&id, &m.EntityID, &m.EntityType, &operation, &m.Provider,
		&payload, &status, &m.Attempts, &m.MaxAttempts,
		&createdAt, &lastAttemptAt, &nextAttemptAt, &resolvedAt, &m.LastError,
	)
	if err != nil {
		return nil, fmt.Errorf("scanning modifier row: %w", err)
	}

	m.ID, err = uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("parsing modifier id %q: %w", id, err)
	}

	m.Operation = modifier.Operation(operation)
	m.Status = modifier.Status(status)
	m.CreatedAt = createdAt

	if payload != "" {
		if err := json.Unmarshal([]byte(payload), &m.Payload); err != nil {
			return nil, fmt.Errorf("unmarshaling payload for modifier %s: %w", m.ID, err)
		}
	}

	if lastAttemptAt.Valid {
		at := lastAttemptAt.Time
		m.LastAttemptAt = &at
	}

	if nextAttemptAt.Valid {
		m.NextAttemptAt = nextAttemptAt.Time
	}

	if resolvedAt.Valid {
		at := resolvedAt.Time
		m.ResolvedAt = &at
	}

	return &m, nil
}

// scanProgress scans a sync_progress row via the given scan function.
func scanProgress(scan func(dest ...any) error) (bankruptcy.SyncProgress, error) {
	var (
		progress   bankruptcy.SyncProgress
		lastSyncAt time.Time
		complete   int
	)

	err := scan(
		&progress.AccountID, &progress.Provider, &lastSyncAt,
		&complete, &progress.SyncCursor,
	)
	if err != nil {
		return bankruptcy.SyncProgress{}, err
	}

	progress.LastSyncAt = lastSyncAt
	progress.InitialSyncComplete = complete != 0

	return progress, nil
}

// nullableTime converts an optional timestamp for SQLite storage.
func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}

	return t.UTC()
}

// zeroableTime stores the zero time as NULL.
func zeroableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}

	return t.UTC()
}

// boolToInt converts a boolean to 0 or 1 for SQLite storage.
func boolToInt(b bool) int {
	if b {
		return 1
	}

	return 0
}
