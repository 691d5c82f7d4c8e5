// Package ingest turns inbound channel events into queued jobs. Each
// event is deduplicated by its channel-native message ID, offered to
// the approval classifier (a "yes" reply resolves a pending tool
// approval instead of becoming a new job), and otherwise enqueued for
// a worker to claim.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/parleyhq/parley/internal/approval"
	"github.com/parleyhq/parley/internal/bus"
	"github.com/parleyhq/parley/internal/queue"
	"github.com/parleyhq/parley/internal/store"
)

// Outcome reports what became of one inbound event.
type Outcome struct {
	Duplicate        bool
	ResolvedApproval *store.ToolApproval
	Job              *store.Job
}

// Ingestor bridges the inbound bus to the durable job queue.
type Ingestor struct {
	store     *store.Store
	queue     *queue.Queue
	approvals *approval.Manager
	bus       *bus.MessageBus
}

func New(s *store.Store, q *queue.Queue, am *approval.Manager, b *bus.MessageBus) *Ingestor {
	return &Ingestor{store: s, queue: q, approvals: am, bus: b}
}

// Run consumes the bus until ctx is cancelled.
func (in *Ingestor) Run(ctx context.Context) error {
	slog.Info("Ingestion loop started")
	for {
		msg, err := in.bus.ConsumeInbound(ctx)
		if err != nil {
			return err
		}
		if _, err := in.Process(msg); err != nil {
			slog.Error("Inbound processing failed", "channel", msg.Channel, "conversation", msg.ConversationID, "error", err)
		}
	}
}

// Process handles one inbound event end to end.
func (in *Ingestor) Process(msg *bus.InboundMessage) (*Outcome, error) {
	if msg.ConversationID == "" {
		return nil, fmt.Errorf("inbound message missing conversation id")
	}

	if msg.ExternalID != "" {
		dup, err := in.store.RegisterInbound(msg.Channel, msg.ExternalID)
		if err != nil {
			return nil, fmt.Errorf("dedupe: %w", err)
		}
		if dup {
			slog.Debug("Dropped duplicate inbound message", "channel", msg.Channel, "external_id", msg.ExternalID)
			return &Outcome{Duplicate: true}, nil
		}
	}

	resolved, err := in.approvals.ResolveFromText(msg.ConversationID, msg.Content)
	if err != nil {
		return nil, fmt.Errorf("approval classification: %w", err)
	}
	if resolved != nil {
		return &Outcome{ResolvedApproval: resolved}, nil
	}

	messageID := msg.ExternalID
	if messageID == "" {
		messageID = fmt.Sprintf("%s-%d", msg.Channel, msg.Timestamp.UnixNano())
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode inbound payload: %w", err)
	}
	job, err := in.queue.EnqueueWithPayload(msg.ConversationID, messageID, "", string(payload))
	if err != nil {
		return nil, fmt.Errorf("enqueue job: %w", err)
	}
	slog.Info("Inbound message enqueued", "job_id", job.ID, "channel", msg.Channel, "conversation", msg.ConversationID)
	return &Outcome{Job: job}, nil
}
