// Package zap provides a go.uber.org/zap backed implementation of log.Logger.
//
// Log entries emitted with a context that carries an active OpenTelemetry
// span are annotated with trace_id and span_id so logs correlate with traces.
package zap
