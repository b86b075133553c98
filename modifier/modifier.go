package modifier

import (
	"fmt"
	"maps"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Operation identifies the kind of mutation a modifier performs.
type Operation string

const (
	OperationPatch       Operation = "patch-fields"
	OperationMove        Operation = "move"
	OperationDelete      Operation = "delete"
	OperationCreateDraft Operation = "create-draft"
)

// IsValid reports whether the operation is a known mutation kind.
func (op Operation) IsValid() bool {
	switch op {
	case OperationPatch, OperationMove, OperationDelete, OperationCreateDraft:
		return true
	default:
		return false
	}
}

func (op Operation) String() string {
	return string(op)
}

// DefaultMaxAttempts bounds transient retries per modifier.
const DefaultMaxAttempts = 5

// Modifier is one pending local mutation of one entity awaiting remote
// confirmation. It is created by user action and mutated only by the queue's
// scheduler; queries return copies.
type Modifier struct {
	ID            uuid.UUID
	EntityID      string
	EntityType    string
	Operation     Operation
	Provider      string
	Payload       map[string]any
	Status        Status
	Attempts      int
	MaxAttempts   int
	CreatedAt     time.Time
	LastAttemptAt *time.Time
	NextAttemptAt time.Time
	ResolvedAt    *time.Time
	LastError     string
}

// New creates a valid modifier initialized as pending.
func New(entityID, entityType string, op Operation, provider string, payload map[string]any) (*Modifier, error) {
	entityID = strings.TrimSpace(entityID)
	if entityID == "" {
		return nil, fmt.Errorf("modifier entity id: %w", ErrEntityIDRequired)
	}

	entityType = strings.TrimSpace(entityType)
	if entityType == "" {
		return nil, fmt.Errorf("modifier entity type: %w", ErrEntityTypeRequired)
	}

	if !op.IsValid() {
		return nil, fmt.Errorf("%w: %q", ErrOperationInvalid, op)
	}

	provider = strings.TrimSpace(provider)
	if provider == "" {
		return nil, fmt.Errorf("modifier provider: %w", ErrProviderRequired)
	}

	if len(payload) == 0 && op != OperationDelete {
		return nil, fmt.Errorf("modifier payload: %w", ErrPayloadRequired)
	}

	return &Modifier{
		ID:          uuid.New(),
		EntityID:    entityID,
		EntityType:  entityType,
		Operation:   op,
		Provider:    provider,
		Payload:     maps.Clone(payload),
		Status:      StatusPending,
		MaxAttempts: DefaultMaxAttempts,
		CreatedAt:   time.Now().UTC(),
	}, nil
}

// Clone returns a deep-enough copy safe to hand to callers.
func (m *Modifier) Clone() Modifier {
	clone := *m
	clone.Payload = maps.Clone(m.Payload)

	if m.LastAttemptAt != nil {
		at := *m.LastAttemptAt
		clone.LastAttemptAt = &at
	}

	if m.ResolvedAt != nil {
		at := *m.ResolvedAt
		clone.ResolvedAt = &at
	}

	return clone
}
