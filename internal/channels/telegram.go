package channels

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/parleyhq/parley/internal/bus"
	"github.com/parleyhq/parley/internal/config"
	"github.com/parleyhq/parley/internal/outbound"
	"github.com/parleyhq/parley/internal/store"
)

// TelegramChannel implements Channel over the Telegram Bot API using
// long polling.
type TelegramChannel struct {
	BaseChannel
	cfg     config.TelegramConfig
	allowed map[string]struct{}
	bot     *tgbotapi.BotAPI
}

func NewTelegramChannel(cfg config.TelegramConfig, messageBus *bus.MessageBus) *TelegramChannel {
	allowed := make(map[string]struct{}, len(cfg.AllowFrom))
	for _, id := range cfg.AllowFrom {
		allowed[strings.TrimSpace(id)] = struct{}{}
	}
	return &TelegramChannel{
		BaseChannel: BaseChannel{Bus: messageBus},
		cfg:         cfg,
		allowed:     allowed,
	}
}

func (t *TelegramChannel) Name() string      { return "telegram" }
func (t *TelegramChannel) AccountID() string { return t.cfg.AccountID }

// Start polls for updates until ctx is cancelled, reconnecting with
// exponential backoff after transport errors.
func (t *TelegramChannel) Start(ctx context.Context) error {
	var err error
	t.bot, err = tgbotapi.NewBotAPI(t.cfg.Token)
	if err != nil {
		return fmt.Errorf("telegram init failed: %w", err)
	}
	slog.Info("Telegram bot started", "user", t.bot.Self.UserName, "account", t.cfg.AccountID)

	backoff := time.Second
	const maxBackoff = 30 * time.Second
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		u := tgbotapi.NewUpdate(0)
		u.Timeout = 60
		updates := t.bot.GetUpdatesChan(u)
		pollErr := t.poll(ctx, updates)
		t.bot.StopReceivingUpdates()

		if pollErr == nil {
			return ctx.Err()
		}
		slog.Warn("Telegram poll disconnected, reconnecting", "error", pollErr, "backoff", backoff)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

func (t *TelegramChannel) poll(ctx context.Context, updates tgbotapi.UpdatesChannel) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-updates:
			if !ok {
				return fmt.Errorf("updates channel closed")
			}
			if update.Message == nil || update.Message.Text == "" {
				continue
			}
			t.handleMessage(update.Message)
		}
	}
}

func (t *TelegramChannel) handleMessage(msg *tgbotapi.Message) {
	senderID := strconv.FormatInt(msg.From.ID, 10)
	if len(t.allowed) > 0 {
		if _, ok := t.allowed[senderID]; !ok {
			slog.Debug("Dropped telegram message from unauthorized sender", "sender", senderID)
			return
		}
	}
	chatID := strconv.FormatInt(msg.Chat.ID, 10)
	t.Bus.PublishInbound(&bus.InboundMessage{
		Channel:        t.Name(),
		AccountID:      t.cfg.AccountID,
		SenderID:       senderID,
		ReplyTo:        chatID,
		ConversationID: fmt.Sprintf("telegram:%s", chatID),
		ExternalID:     fmt.Sprintf("%s:%d", chatID, msg.MessageID),
		Content:        msg.Text,
		Timestamp:      msg.Time(),
	})
}

func (t *TelegramChannel) Stop() error {
	if t.bot != nil {
		t.bot.StopReceivingUpdates()
	}
	return nil
}

// Deliver sends one outbound row to its Telegram chat. A malformed
// recipient is permanent; Telegram API rejections are retryable.
func (t *TelegramChannel) Deliver(_ context.Context, m *store.OutboundMessage) error {
	chatID, err := strconv.ParseInt(m.Recipient, 10, 64)
	if err != nil {
		return outbound.Permanent(fmt.Errorf("bad telegram recipient %q: %v", m.Recipient, err))
	}
	if t.bot == nil {
		return fmt.Errorf("telegram bot not started")
	}
	_, err = t.bot.Send(tgbotapi.NewMessage(chatID, m.Payload))
	if err != nil {
		return fmt.Errorf("telegram send: %w", err)
	}
	return nil
}
