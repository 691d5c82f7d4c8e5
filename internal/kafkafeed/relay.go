package kafkafeed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/parleyhq/parley/internal/bus"
)

// feedEnvelope is the wire format producers write to the feed topic.
type feedEnvelope struct {
	ConversationID string `json:"conversation_id"`
	SenderID       string `json:"sender_id"`
	MessageID      string `json:"message_id"`
	Content        string `json:"content"`
	AccountID      string `json:"account_id"`
}

// Relay decodes feed records and publishes them on the inbound bus.
type Relay struct {
	consumer Consumer
	bus      *bus.MessageBus
}

func NewRelay(consumer Consumer, msgBus *bus.MessageBus) *Relay {
	return &Relay{consumer: consumer, bus: msgBus}
}

// Run starts consuming and relaying. Blocks until ctx is cancelled or
// the consumer channel closes.
func (r *Relay) Run(ctx context.Context) error {
	if err := r.consumer.Start(ctx); err != nil {
		return fmt.Errorf("kafka feed: start consumer: %w", err)
	}
	defer r.consumer.Close()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-r.consumer.Messages():
			if !ok {
				return nil
			}
			r.handle(msg)
		}
	}
}

func (r *Relay) handle(msg ConsumerMessage) {
	var env feedEnvelope
	if err := json.Unmarshal(msg.Value, &env); err != nil {
		slog.Warn("Kafka feed: dropped malformed record", "error", err)
		return
	}
	if env.Content == "" {
		slog.Debug("Kafka feed: dropped empty record")
		return
	}
	conversationID := env.ConversationID
	if conversationID == "" && len(msg.Key) > 0 {
		conversationID = fmt.Sprintf("kafka:%s", msg.Key)
	}
	if conversationID == "" {
		slog.Warn("Kafka feed: dropped record without conversation")
		return
	}
	r.bus.PublishInbound(&bus.InboundMessage{
		Channel:        "kafka",
		AccountID:      env.AccountID,
		SenderID:       env.SenderID,
		ReplyTo:        conversationID,
		ConversationID: conversationID,
		ExternalID:     env.MessageID,
		Content:        env.Content,
		Timestamp:      time.Now().UTC(),
	})
}
