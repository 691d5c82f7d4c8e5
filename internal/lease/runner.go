package lease

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Runner holds a single account's lease for the lifetime of a context:
// it blocks until acquisition, heartbeats on the coordinator's
// interval, and re-acquires after ownership loss. Consumers poll Held
// (or watch Changes) to pause and resume work that requires the lease.
type Runner struct {
	coord     *Coordinator
	accountID string
	ownerID   string

	mu      sync.Mutex
	held    bool
	changes chan bool
}

func NewRunner(coord *Coordinator, accountID, ownerID string) *Runner {
	return &Runner{
		coord:     coord,
		accountID: accountID,
		ownerID:   ownerID,
		changes:   make(chan bool, 1),
	}
}

// Held reports whether the lease is currently believed held. It can go
// stale between heartbeats; callers that need a hard guarantee should
// also check the result of their own store writes.
func (r *Runner) Held() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.held
}

// Changes delivers ownership transitions (true = acquired, false =
// lost). The channel is buffered with the latest state; slow consumers
// only ever miss intermediate flaps.
func (r *Runner) Changes() <-chan bool {
	return r.changes
}

func (r *Runner) setHeld(held bool) {
	r.mu.Lock()
	changed := r.held != held
	r.held = held
	r.mu.Unlock()
	if !changed {
		return
	}
	// Collapse an unread previous transition so the channel always
	// carries the newest state.
	select {
	case <-r.changes:
	default:
	}
	r.changes <- held
}

// Run acquires and maintains the lease until ctx is cancelled, then
// releases it best-effort. It only returns on context cancellation or
// an unrecoverable store error during acquisition.
func (r *Runner) Run(ctx context.Context) error {
	defer func() {
		if r.Held() {
			if err := r.coord.Release(r.accountID, r.ownerID); err != nil {
				slog.Warn("Channel lease release failed", "account", r.accountID, "error", err)
			}
			r.setHeld(false)
		}
	}()

	for {
		if err := r.coord.Acquire(ctx, r.accountID, r.ownerID); err != nil {
			return err
		}
		slog.Info("Channel lease acquired", "account", r.accountID, "owner", r.ownerID)
		r.setHeld(true)

		if err := r.heartbeatLoop(ctx); err != nil {
			return err
		}
		// Ownership lost to another process. Drop back to acquiring;
		// the contention backoff in Acquire paces the retries.
		slog.Warn("Channel lease lost, pausing account work", "account", r.accountID, "owner", r.ownerID)
		r.setHeld(false)
	}
}

// heartbeatLoop renews until the lease is lost (nil return) or ctx is
// done (ctx.Err).
func (r *Runner) heartbeatLoop(ctx context.Context) error {
	ticker := time.NewTicker(r.coord.HeartbeatInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			ok, err := r.coord.Heartbeat(r.accountID, r.ownerID)
			if err != nil {
				slog.Warn("Channel lease heartbeat error", "account", r.accountID, "error", err)
				continue
			}
			if !ok {
				return nil
			}
		}
	}
}
