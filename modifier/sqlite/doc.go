// Package sqlite persists modifiers and per-account sync progress in a
// local SQLite database so pending mutations and sync bookkeeping survive a
// process restart. It implements modifier.Store and bankruptcy.ProgressStore
// over a single database file.
package sqlite
