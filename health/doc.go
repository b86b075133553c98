// Package health aggregates failure and degradation signals from a fixed set
// of subsystems into one reportable state.
//
// Transitions into and out of unavailable apply immediately; healthy and
// degraded flapping is debounced so rapid changes within the window coalesce
// into at most one notification. The overall state is always recomputed as
// the maximum severity across subsystems, never stored independently.
package health
