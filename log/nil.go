package log

import "context"

// NewNop returns a Logger that discards every log event. Constructors in
// this module fall back to it when the caller supplies no logger, so logging
// call sites never have to nil-check.
func NewNop() Logger {
	return nopLogger{}
}

type nopLogger struct{}

func (nopLogger) Log(context.Context, Level, string, ...Field) {}

// With returns the receiver unchanged; there is nothing to attach fields to.
//
//nolint:ireturn
func (n nopLogger) With(...Field) Logger { return n }

//nolint:ireturn
func (n nopLogger) WithGroup(string) Logger { return n }

// Enabled reports false for every level.
func (nopLogger) Enabled(Level) bool { return false }

func (nopLogger) Sync(context.Context) error { return nil }
