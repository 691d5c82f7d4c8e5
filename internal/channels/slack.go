package channels

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"

	"github.com/parleyhq/parley/internal/bus"
	"github.com/parleyhq/parley/internal/config"
	"github.com/parleyhq/parley/internal/store"
)

// SlackChannel implements Channel over Slack Socket Mode.
type SlackChannel struct {
	BaseChannel
	cfg    config.SlackConfig
	api    *slack.Client
	socket *socketmode.Client
}

func NewSlackChannel(cfg config.SlackConfig, messageBus *bus.MessageBus) *SlackChannel {
	return &SlackChannel{
		BaseChannel: BaseChannel{Bus: messageBus},
		cfg:         cfg,
	}
}

func (c *SlackChannel) Name() string      { return "slack" }
func (c *SlackChannel) AccountID() string { return c.cfg.AccountID }

// Start runs the Socket Mode event loop until ctx is cancelled.
func (c *SlackChannel) Start(ctx context.Context) error {
	c.api = slack.New(c.cfg.BotToken, slack.OptionAppLevelToken(c.cfg.AppToken))
	c.socket = socketmode.New(c.api)
	slog.Info("Slack socket mode started", "account", c.cfg.AccountID)

	go c.consumeEvents(ctx)
	return c.socket.RunContext(ctx)
}

func (c *SlackChannel) consumeEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-c.socket.Events:
			if !ok {
				return
			}
			if evt.Type != socketmode.EventTypeEventsAPI {
				continue
			}
			if evt.Request != nil {
				c.socket.Ack(*evt.Request)
			}
			ev, ok := evt.Data.(slackevents.EventsAPIEvent)
			if !ok || ev.Type != slackevents.CallbackEvent {
				continue
			}
			if in, ok := ev.InnerEvent.Data.(*slackevents.MessageEvent); ok && in != nil {
				c.handleMessage(in)
			}
		}
	}
}

func (c *SlackChannel) handleMessage(in *slackevents.MessageEvent) {
	// Ignore bot echoes and edits.
	if in.BotID != "" || in.SubType != "" || in.Text == "" {
		return
	}
	c.Bus.PublishInbound(&bus.InboundMessage{
		Channel:        c.Name(),
		AccountID:      c.cfg.AccountID,
		SenderID:       in.User,
		ReplyTo:        in.Channel,
		ConversationID: fmt.Sprintf("slack:%s", in.Channel),
		ExternalID:     fmt.Sprintf("%s:%s", in.Channel, in.TimeStamp),
		Content:        in.Text,
	})
}

func (c *SlackChannel) Stop() error { return nil }

// Deliver posts one outbound row to its Slack channel.
func (c *SlackChannel) Deliver(ctx context.Context, m *store.OutboundMessage) error {
	if c.api == nil {
		return fmt.Errorf("slack client not started")
	}
	_, _, err := c.api.PostMessageContext(ctx, m.Recipient, slack.MsgOptionText(m.Payload, false))
	if err != nil {
		return fmt.Errorf("slack post: %w", err)
	}
	return nil
}
