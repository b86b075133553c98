// Package modifier implements the offline mutation queue.
//
// A Modifier describes one pending local mutation of one entity, applied
// optimistically and replayed against a remote provider. The Queue owns the
// set of pending and active modifiers, schedules execution under a global
// concurrency budget, serializes modifiers targeting the same entity,
// consults the provider's circuit breaker before every attempt, and retries
// transient failures with capped exponential backoff.
//
// Display state is derived, never cached: Derive folds an entity's
// unresolved modifiers over the last confirmed value in creation order, so
// removing a pending modifier reverts the derived value deterministically.
package modifier
