package modifier

import "fmt"

// Status represents a valid modifier lifecycle state.
type Status string

const (
	// StatusPending means the modifier is enqueued and awaiting execution.
	StatusPending Status = "PENDING"
	// StatusActive means a remote call for the modifier is in flight.
	StatusActive Status = "ACTIVE"
	// StatusSynced means the remote provider confirmed the mutation.
	StatusSynced Status = "SYNCED"
	// StatusFailed means the mutation was given up on.
	StatusFailed Status = "FAILED"
)

// ParseStatus validates and converts a raw string status.
func ParseStatus(raw string) (Status, error) {
	status := Status(raw)

	if !status.IsValid() {
		return "", fmt.Errorf("%w: %q", ErrStatusInvalid, raw)
	}

	return status, nil
}

// IsValid reports whether the status is part of the modifier lifecycle.
func (status Status) IsValid() bool {
	switch status {
	case StatusPending, StatusActive, StatusSynced, StatusFailed:
		return true
	default:
		return false
	}
}

// Resolved reports whether the status is terminal.
func (status Status) Resolved() bool {
	return status == StatusSynced || status == StatusFailed
}

// CanTransitionTo reports whether a transition from status to next is allowed.
// Active goes back to pending when a transient failure is rescheduled.
func (status Status) CanTransitionTo(next Status) bool {
	switch status {
	case StatusPending:
		return next == StatusActive || next == StatusFailed
	case StatusActive:
		return next == StatusPending || next == StatusSynced || next == StatusFailed
	case StatusSynced, StatusFailed:
		return false
	default:
		return false
	}
}

func (status Status) String() string {
	return string(status)
}
