// Package outbound manages the durable delivery queue for messages the
// assistant sends back to chat channels. Rows are claimed with the same
// lease discipline as processing jobs but scoped per (channel, account)
// so each connected channel session drains only its own traffic. Rows
// are never deleted; terminal states stay behind as an audit trail.
package outbound

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/parleyhq/parley/internal/store"
)

const (
	DefaultMaxAttempts  = 5
	DefaultLockDuration = 120 * time.Second

	backoffBase = 30 * time.Second
	backoffCap  = 5 * time.Minute
)

// Options tunes the delivery queue. Zero values fall back to defaults.
type Options struct {
	MaxAttempts  int
	LockDuration time.Duration
}

// Queue wraps the store's outbound table with retry policy.
type Queue struct {
	store        *store.Store
	maxAttempts  int
	lockDuration time.Duration
}

func New(s *store.Store, opts Options) *Queue {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.LockDuration <= 0 {
		opts.LockDuration = DefaultLockDuration
	}
	return &Queue{
		store:        s,
		maxAttempts:  opts.MaxAttempts,
		lockDuration: opts.LockDuration,
	}
}

// LockDuration returns the configured per-claim lock duration.
func (q *Queue) LockDuration() time.Duration { return q.lockDuration }

// Enqueue records a message for delivery.
func (q *Queue) Enqueue(m *store.OutboundMessage) (*store.OutboundMessage, error) {
	if m.Channel == "" || m.ConversationID == "" {
		return nil, fmt.Errorf("enqueue outbound: channel and conversation required")
	}
	return q.store.EnqueueOutbound(m)
}

// Claim leases the oldest deliverable message for the given channel
// session. Expired locks on that (channel, account) pair are requeued
// first, so a crashed sender's messages become claimable immediately.
// Returns (nil, nil) when nothing is due.
func (q *Queue) Claim(channel, accountID, processorID string) (*store.OutboundMessage, error) {
	return q.store.ClaimNextOutbound(channel, accountID, processorID, q.lockDuration)
}

// Heartbeat extends the sender's lock on an in-flight message.
func (q *Queue) Heartbeat(id, processorID string) (bool, error) {
	return q.store.HeartbeatOutbound(id, processorID, q.lockDuration)
}

// Complete marks a message sent.
func (q *Queue) Complete(id string) error {
	return q.store.CompleteOutbound(id)
}

// Fail records a delivery failure. Retryable failures under the attempt
// budget go back to pending with an exponential-backoff next_attempt_at;
// everything else is failed permanently. The message's new attempt
// count and whether it will be retried are reported back.
func (q *Queue) Fail(m *store.OutboundMessage, deliveryErr error) (retried bool, err error) {
	attempts := m.AttemptCount + 1
	retry := attempts < q.maxAttempts && !IsPermanent(deliveryErr)
	var next *time.Time
	if retry {
		at := time.Now().UTC().Add(Backoff(m.AttemptCount))
		next = &at
	}
	if err := q.store.FailOutbound(m.ID, deliveryErr.Error(), retry, next); err != nil {
		return false, err
	}
	if retry {
		slog.Warn("Delivery failed, scheduled retry",
			"outbound_id", m.ID, "channel", m.Channel, "attempts", attempts, "next_attempt", next, "error", deliveryErr)
	} else {
		slog.Error("Delivery failed permanently",
			"outbound_id", m.ID, "channel", m.Channel, "attempts", attempts, "error", deliveryErr)
	}
	return retry, nil
}

// Backoff returns the delay before retry number attempts+1.
// min(30s * 2^attempts, 5min).
func Backoff(attempts int) time.Duration {
	delay := time.Duration(float64(backoffBase) * math.Pow(2, float64(attempts)))
	if delay > backoffCap {
		delay = backoffCap
	}
	return delay
}

// ErrPermanent marks delivery errors that must never be retried.
// Channel adapters wrap unrecoverable API rejections with Permanent.
var ErrPermanent = errors.New("permanent delivery failure")

// Permanent wraps err so the retry policy fails the message outright.
func Permanent(err error) error {
	return fmt.Errorf("%w: %v", ErrPermanent, err)
}

// MissingRecipient is the permanent failure for a recipient-less message.
func MissingRecipient(id string) error {
	return fmt.Errorf("%w: outbound %s has no recipient", ErrPermanent, id)
}

// IsPermanent reports whether a delivery error should never be retried.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrPermanent)
}
