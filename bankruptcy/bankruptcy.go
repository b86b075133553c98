package bankruptcy

import (
	"fmt"
	"time"
)

// DefaultStalenessThreshold is how stale a completed account's sync may get
// before it is declared bankrupt.
const DefaultStalenessThreshold = 7 * 24 * time.Hour

// Decision is the outcome of a bankruptcy check.
type Decision struct {
	Bankrupt bool
	// Reason explains the decision either way.
	Reason string
}

// Evaluate decides whether an account's sync state is bankrupt at the given
// instant. Pure: it reads nothing but its arguments, so callers may re-run
// it freely.
//
// Bankruptcy requires both that the initial full sync completed and that
// the last successful sync is older than the threshold. An account still in
// its initial sync is never bankrupt regardless of age.
func Evaluate(progress SyncProgress, now time.Time, threshold time.Duration) Decision {
	if threshold <= 0 {
		threshold = DefaultStalenessThreshold
	}

	if !progress.InitialSyncComplete {
		return Decision{Reason: "initial sync not yet complete"}
	}

	staleness := now.Sub(progress.LastSyncAt)
	if staleness <= threshold {
		return Decision{Reason: fmt.Sprintf("last sync %s ago, within threshold %s", staleness.Round(time.Second), threshold)}
	}

	return Decision{
		Bankrupt: true,
		Reason:   fmt.Sprintf("last sync %s ago exceeds threshold %s", staleness.Round(time.Second), threshold),
	}
}
