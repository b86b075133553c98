// Package circuitbreaker isolates failing remote providers behind a
// closed/open/half-open state machine.
//
// Unlike execution-wrapping breakers, callers ask permission with CanExecute
// and report outcomes with RecordSuccess and RecordFailure. This fits work
// queues where the attempt happens elsewhere and a denied attempt must not
// consume the caller's retry budget. Cooldowns are computed from wall-clock
// timestamps, so the breaker behaves correctly across process suspension.
package circuitbreaker
