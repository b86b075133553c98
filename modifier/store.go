package modifier

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Store defines persistence operations for modifiers. The queue keeps its
// working set in memory and writes through to the store so pending mutations
// survive a process restart.
type Store interface {
	// Create persists a new modifier.
	Create(ctx context.Context, m *Modifier) error

	// Save persists the current state of an existing modifier.
	Save(ctx context.Context, m *Modifier) error

	// Delete removes a modifier.
	Delete(ctx context.Context, id uuid.UUID) error

	// ListUnresolved returns pending and active modifiers in creation order.
	ListUnresolved(ctx context.Context) ([]*Modifier, error)

	// PruneResolved removes synced and failed modifiers resolved before the
	// given time and returns how many were removed.
	PruneResolved(ctx context.Context, before time.Time) (int, error)
}
