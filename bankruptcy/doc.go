// Package bankruptcy detects accounts whose incremental sync cursor has
// gone stale beyond repair and forces a full resync baseline.
//
// An account is bankrupt when it previously completed an initial full sync
// and its last successful sync is older than the staleness threshold.
// Accounts that never finished their initial sync are never eligible, since
// they are already performing a full sync.
//
// The Detector evaluates every stored account on a schedule, performs the
// fresh-sync reset for bankrupt ones, and emits an Event per declaration so
// the UI and health reporting can react. The check itself is pure and
// idempotent, so re-running it after a failed reset is always safe.
package bankruptcy
