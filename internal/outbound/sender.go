package outbound

import (
	"context"
	"log/slog"
	"time"

	"github.com/parleyhq/parley/internal/store"
)

const (
	defaultClaimBackoff      = time.Second
	defaultHeartbeatInterval = 5 * time.Second
)

// Deliverer pushes one message out through a channel connection.
// Implementations wrap unrecoverable API rejections with Permanent.
type Deliverer interface {
	Deliver(ctx context.Context, m *store.OutboundMessage) error
}

// Gate reports whether this process may drive the account right now.
// A lease.Runner satisfies it; a nil gate means always allowed.
type Gate interface {
	Held() bool
	Changes() <-chan bool
}

// Sender drains one (channel, account) slice of the delivery queue.
// When the gate closes (channel lease lost) it stops claiming and
// blocks until ownership returns; messages queued meanwhile sit in
// pending and drain as soon as the gate reopens.
type Sender struct {
	queue             *Queue
	deliver           Deliverer
	gate              Gate
	channel           string
	accountID         string
	processorID       string
	claimBackoff      time.Duration
	heartbeatInterval time.Duration
}

// SenderOptions tunes loop timing. Zero values fall back to defaults.
type SenderOptions struct {
	ClaimBackoff      time.Duration
	HeartbeatInterval time.Duration
}

func NewSender(q *Queue, d Deliverer, gate Gate, channel, accountID, processorID string, opts SenderOptions) *Sender {
	if opts.ClaimBackoff <= 0 {
		opts.ClaimBackoff = defaultClaimBackoff
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = defaultHeartbeatInterval
	}
	return &Sender{
		queue:             q,
		deliver:           d,
		gate:              gate,
		channel:           channel,
		accountID:         accountID,
		processorID:       processorID,
		claimBackoff:      opts.ClaimBackoff,
		heartbeatInterval: opts.HeartbeatInterval,
	}
}

// Run claims and delivers until ctx is cancelled.
func (s *Sender) Run(ctx context.Context) error {
	slog.Info("Outbound sender started", "channel", s.channel, "account", s.accountID, "processor", s.processorID)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if s.gate != nil && !s.gate.Held() {
			if err := s.waitForGate(ctx); err != nil {
				return err
			}
			continue
		}

		m, err := s.queue.Claim(s.channel, s.accountID, s.processorID)
		if err != nil {
			slog.Error("Outbound claim failed", "channel", s.channel, "error", err)
			if err := sleep(ctx, s.claimBackoff); err != nil {
				return err
			}
			continue
		}
		if m == nil {
			if err := sleep(ctx, s.claimBackoff); err != nil {
				return err
			}
			continue
		}
		s.send(ctx, m)
	}
}

func (s *Sender) waitForGate(ctx context.Context) error {
	slog.Info("Outbound sender paused, lease not held", "channel", s.channel, "account", s.accountID)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case held := <-s.gate.Changes():
			if held {
				slog.Info("Outbound sender resumed", "channel", s.channel, "account", s.accountID)
				return nil
			}
		}
	}
}

// send delivers a claimed message, heartbeating its lock for the
// duration of the attempt.
func (s *Sender) send(ctx context.Context, m *store.OutboundMessage) {
	if m.Recipient == "" {
		if _, err := s.queue.Fail(m, MissingRecipient(m.ID)); err != nil {
			slog.Error("Outbound fail write error", "outbound_id", m.ID, "error", err)
		}
		return
	}

	sendCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	hbDone := make(chan struct{})
	go func() {
		defer close(hbDone)
		ticker := time.NewTicker(s.heartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-sendCtx.Done():
				return
			case <-ticker.C:
				ok, err := s.queue.Heartbeat(m.ID, s.processorID)
				if err != nil {
					slog.Warn("Outbound heartbeat error", "outbound_id", m.ID, "error", err)
					continue
				}
				if !ok {
					// Lock lost; abandon the attempt so the new
					// holder does not double-send alongside us.
					slog.Warn("Outbound lock lost mid-delivery", "outbound_id", m.ID)
					cancel()
					return
				}
			}
		}
	}()

	err := s.deliver.Deliver(sendCtx, m)
	cancel()
	<-hbDone

	if err != nil {
		if _, failErr := s.queue.Fail(m, err); failErr != nil {
			slog.Error("Outbound fail write error", "outbound_id", m.ID, "error", failErr)
		}
		return
	}
	if err := s.queue.Complete(m.ID); err != nil {
		slog.Error("Outbound complete write error", "outbound_id", m.ID, "error", err)
		return
	}
	slog.Debug("Outbound delivered", "outbound_id", m.ID, "channel", s.channel, "conversation", m.ConversationID)
}

func sleep(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
