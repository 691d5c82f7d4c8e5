// Package lease coordinates exclusive ownership of a channel account.
//
// Chat platforms such as WhatsApp allow only one live session per
// account, so every process that wants to drive an account must first
// hold its lease. Ownership is stored in the channel_leases table and
// enforced by an atomic acquire-if-unowned-or-expired upsert; a holder
// keeps the lease alive by heartbeating and loses it the moment a
// heartbeat reports another owner.
package lease

import (
	"context"
	"log/slog"
	"time"

	"github.com/parleyhq/parley/internal/store"
)

const (
	DefaultTTL               = 45 * time.Second
	DefaultHeartbeatInterval = 15 * time.Second
	DefaultContentionBackoff = 3 * time.Second
)

// Options tunes lease timing. Zero values fall back to the defaults.
type Options struct {
	TTL               time.Duration
	HeartbeatInterval time.Duration
	ContentionBackoff time.Duration
}

// Coordinator hands out channel-account leases backed by the store.
type Coordinator struct {
	store             *store.Store
	ttl               time.Duration
	heartbeatInterval time.Duration
	contentionBackoff time.Duration
}

func NewCoordinator(s *store.Store, opts Options) *Coordinator {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if opts.ContentionBackoff <= 0 {
		opts.ContentionBackoff = DefaultContentionBackoff
	}
	return &Coordinator{
		store:             s,
		ttl:               opts.TTL,
		heartbeatInterval: opts.HeartbeatInterval,
		contentionBackoff: opts.ContentionBackoff,
	}
}

// HeartbeatInterval returns the cadence holders should renew at.
func (c *Coordinator) HeartbeatInterval() time.Duration { return c.heartbeatInterval }

// TryAcquire attempts a single non-blocking acquisition. It succeeds
// when the account is unleased, the current lease has expired, or
// ownerID already holds it (renewal).
func (c *Coordinator) TryAcquire(accountID, ownerID string) (bool, error) {
	return c.store.TryAcquireLease(accountID, ownerID, c.ttl)
}

// Acquire blocks until the lease is held or ctx is done, retrying on
// the contention backoff while another owner is alive.
func (c *Coordinator) Acquire(ctx context.Context, accountID, ownerID string) error {
	for {
		ok, err := c.TryAcquire(accountID, ownerID)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		slog.Debug("Channel lease held elsewhere, waiting", "account", accountID, "owner", ownerID)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.contentionBackoff):
		}
	}
}

// Heartbeat renews the lease. A false return means ownership was lost
// to another process and the caller must stop driving the account.
func (c *Coordinator) Heartbeat(accountID, ownerID string) (bool, error) {
	return c.store.HeartbeatLease(accountID, ownerID, c.ttl)
}

// Release gives the lease up voluntarily. Callers treat this as
// best-effort on shutdown; an unreleased lease simply expires.
func (c *Coordinator) Release(accountID, ownerID string) error {
	return c.store.ReleaseLease(accountID, ownerID)
}
