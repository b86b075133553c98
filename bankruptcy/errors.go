package bankruptcy

import "errors"

var (
	// ErrStoreRequired indicates that a progress store was not provided.
	ErrStoreRequired = errors.New("bankruptcy: progress store is required")
	// ErrAccountNotFound indicates the account has no stored sync progress.
	ErrAccountNotFound = errors.New("bankruptcy: account not found")
	// ErrInvalidInterval indicates that the evaluation interval must be positive.
	ErrInvalidInterval = errors.New("bankruptcy: evaluation interval must be positive")
	// ErrInvalidThreshold indicates that the staleness threshold must be positive.
	ErrInvalidThreshold = errors.New("bankruptcy: staleness threshold must be positive")
)
