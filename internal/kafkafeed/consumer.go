// Package kafkafeed relays messages from a Kafka topic into the
// inbound bus, letting upstream systems inject conversations without
// speaking any chat protocol.
package kafkafeed

import (
	"context"
	"log/slog"
	"strings"

	"github.com/segmentio/kafka-go"
)

// Consumer reads raw records from the feed topic.
type Consumer interface {
	Start(ctx context.Context) error
	Messages() <-chan ConsumerMessage
	Close() error
}

// ConsumerMessage is a raw record from the feed.
type ConsumerMessage struct {
	Key   []byte
	Value []byte
}

// KafkaConsumer implements Consumer using segmentio/kafka-go.
type KafkaConsumer struct {
	brokers       string
	topic         string
	consumerGroup string
	reader        *kafka.Reader
	messages      chan ConsumerMessage
}

func NewKafkaConsumer(brokers, topic, consumerGroup string) *KafkaConsumer {
	return &KafkaConsumer{
		brokers:       brokers,
		topic:         topic,
		consumerGroup: consumerGroup,
		messages:      make(chan ConsumerMessage, 100),
	}
}

// Start begins consuming from the feed topic.
func (c *KafkaConsumer) Start(ctx context.Context) error {
	c.reader = kafka.NewReader(kafka.ReaderConfig{
		Brokers:  strings.Split(c.brokers, ","),
		Topic:    c.topic,
		GroupID:  c.consumerGroup,
		MinBytes: 1,
		MaxBytes: 10e6,
	})

	go func() {
		for {
			msg, err := c.reader.ReadMessage(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				slog.Warn("Kafka feed read error", "topic", c.topic, "error", err)
				continue
			}
			c.messages <- ConsumerMessage{Key: msg.Key, Value: msg.Value}
		}
	}()
	return nil
}

// Messages returns the channel of consumed records.
func (c *KafkaConsumer) Messages() <-chan ConsumerMessage {
	return c.messages
}

// Close stops the reader.
func (c *KafkaConsumer) Close() error {
	if c.reader != nil {
		return c.reader.Close()
	}
	return nil
}

// ChannelConsumer is an in-process Consumer backed by a Go channel.
type ChannelConsumer struct {
	ch chan ConsumerMessage
}

func NewChannelConsumer() *ChannelConsumer {
	return &ChannelConsumer{ch: make(chan ConsumerMessage, 100)}
}

func (c *ChannelConsumer) Start(ctx context.Context) error { return nil }

func (c *ChannelConsumer) Messages() <-chan ConsumerMessage { return c.ch }

func (c *ChannelConsumer) Close() error {
	close(c.ch)
	return nil
}

// Send pushes a record into the in-process consumer.
func (c *ChannelConsumer) Send(msg ConsumerMessage) {
	c.ch <- msg
}
