// Package bus carries inbound channel events to the ingestion loop.
// Delivery back to channels does not go through the bus; outbound
// traffic is durable and lives in the store's delivery queue.
package bus

import (
	"context"
	"time"
)

// InboundMessage is one user event from a channel adapter or relay.
type InboundMessage struct {
	Channel        string         `json:"channel"`
	AccountID      string         `json:"account_id,omitempty"`
	SenderID       string         `json:"sender_id"`
	// ReplyTo is the channel-native address replies are sent to (chat
	// ID on Telegram, channel ID on Slack). Defaults to SenderID.
	ReplyTo        string         `json:"reply_to,omitempty"`
	ConversationID string         `json:"conversation_id"`
	ExternalID     string         `json:"external_id,omitempty"`
	Content        string         `json:"content"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	Timestamp      time.Time      `json:"timestamp"`
}

// MessageBus decouples channel adapters from the ingestion loop.
type MessageBus struct {
	inbound chan *InboundMessage
}

// NewMessageBus creates a new message bus.
func NewMessageBus() *MessageBus {
	return &MessageBus{
		inbound: make(chan *InboundMessage, 100),
	}
}

// PublishInbound hands a channel event to the ingestion loop. Blocks
// when the buffer is full, applying backpressure to the adapter.
func (b *MessageBus) PublishInbound(msg *InboundMessage) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	b.inbound <- msg
}

// ConsumeInbound blocks until a message is available or ctx is done.
func (b *MessageBus) ConsumeInbound(ctx context.Context) (*InboundMessage, error) {
	select {
	case msg := <-b.inbound:
		return msg, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// InboundSize returns the number of buffered inbound messages.
func (b *MessageBus) InboundSize() int {
	return len(b.inbound)
}
