package modifier

import "errors"

var (
	ErrModifierRequired   = errors.New("modifier is required")
	ErrModifierNotFound   = errors.New("modifier not found")
	ErrEntityIDRequired   = errors.New("entity id is required")
	ErrEntityTypeRequired = errors.New("entity type is required")
	ErrProviderRequired   = errors.New("provider is required")
	ErrPayloadRequired    = errors.New("payload is required")
	ErrOperationInvalid   = errors.New("invalid modifier operation")
	ErrStatusInvalid      = errors.New("invalid modifier status")
	ErrTransitionInvalid  = errors.New("invalid modifier status transition")
	ErrStoreRequired      = errors.New("modifier store is required")
	ErrActionRequired     = errors.New("provider action is required")
	ErrBreakerRequired    = errors.New("circuit breaker manager is required")
	ErrQueueRunning       = errors.New("modifier queue is already running")
	ErrQueueStopped       = errors.New("modifier queue is stopped")

	// ErrPermanent marks a provider error as non-retryable. Wrap provider
	// rejections (validation, auth, not-found) with Permanent so the default
	// classifier fails the modifier immediately instead of retrying.
	ErrPermanent = errors.New("permanent provider error")
)

// Permanent wraps err so the default classifier treats it as non-retryable.
func Permanent(err error) error {
	if err == nil {
		return nil
	}

	return errors.Join(ErrPermanent, err)
}
