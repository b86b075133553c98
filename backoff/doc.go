// Package backoff provides exponential backoff utilities with jitter support
// for retry scheduling.
package backoff
