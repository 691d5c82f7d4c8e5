// Package queue implements the inbound job queue: lease-based claims,
// heartbeats, bounded retries, and the stale-lease policy that recovers
// work abandoned by crashed workers.
package queue

import (
	"time"

	"github.com/parleyhq/parley/internal/store"
)

// StaleAction is the decision for a job whose lease has gone stale.
type StaleAction string

const (
	ActionRequeue StaleAction = "requeue"
	ActionFail    StaleAction = "fail"
)

// Defaults for the queue policy.
const (
	DefaultMaxAttempts       = 3
	DefaultLockDuration      = 60 * time.Second
	DefaultLegacyStaleWindow = 5 * time.Minute
)

// IsStale reports whether a processing job's lease has expired at the
// given instant. Jobs with a lock expiry are stale strictly after it
// (now == lockedUntil is not stale). Jobs from before lease tracking
// fall back to a fixed window measured from start (or creation) time.
func IsStale(job *store.Job, now time.Time, legacyWindow time.Duration) bool {
	if job.LockedUntil != nil {
		return now.After(*job.LockedUntil)
	}
	ref := job.CreatedAt
	if job.StartedAt != nil {
		ref = *job.StartedAt
	}
	return now.Sub(ref) > legacyWindow
}

// ResolveStaleAction decides whether a stale job is requeued for another
// attempt or failed permanently. The attempt that went stale counts
// against the budget: a job on its last allowed attempt fails.
func ResolveStaleAction(attemptCount, maxAttempts int) StaleAction {
	if attemptCount+1 >= maxAttempts {
		return ActionFail
	}
	return ActionRequeue
}

// CanRetry reports whether a job may be requeued for another attempt.
func CanRetry(attemptCount, maxAttempts int) bool {
	return attemptCount+1 < maxAttempts
}
