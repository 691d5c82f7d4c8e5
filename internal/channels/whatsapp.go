package channels

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/skip2/go-qrcode"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"

	_ "modernc.org/sqlite"

	"github.com/parleyhq/parley/internal/bus"
	"github.com/parleyhq/parley/internal/config"
	"github.com/parleyhq/parley/internal/outbound"
	"github.com/parleyhq/parley/internal/store"
)

// WhatsAppChannel implements Channel over a native whatsmeow session.
// WhatsApp allows one live session per account, so the gateway only
// starts this channel while it holds the account's lease.
type WhatsAppChannel struct {
	BaseChannel
	cfg       config.WhatsAppConfig
	dataDir   string
	client    *whatsmeow.Client
	container *sqlstore.Container
	allowed   map[string]struct{}
}

func NewWhatsAppChannel(cfg config.WhatsAppConfig, dataDir string, messageBus *bus.MessageBus) *WhatsAppChannel {
	allowed := make(map[string]struct{}, len(cfg.AllowFrom))
	for _, id := range cfg.AllowFrom {
		allowed[strings.TrimSpace(id)] = struct{}{}
	}
	return &WhatsAppChannel{
		BaseChannel: BaseChannel{Bus: messageBus},
		cfg:         cfg,
		dataDir:     dataDir,
		allowed:     allowed,
	}
}

func (c *WhatsAppChannel) Name() string      { return "whatsapp" }
func (c *WhatsAppChannel) AccountID() string { return c.cfg.AccountID }

// Start connects the session, pairing via QR code on first run, and
// blocks until ctx is cancelled.
func (c *WhatsAppChannel) Start(ctx context.Context) error {
	dbLog := waLog.Stdout("Database", "WARN", true)
	clientLog := waLog.Stdout("Client", "INFO", true)

	dbPath := filepath.Join(c.dataDir, "whatsapp.db")
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return fmt.Errorf("create whatsapp data dir: %w", err)
	}
	container, err := sqlstore.New(ctx, "sqlite", "file:"+dbPath+"?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", dbLog)
	if err != nil {
		return fmt.Errorf("init whatsapp db: %w", err)
	}
	c.container = container

	deviceStore, err := container.GetFirstDevice(ctx)
	if err != nil {
		return fmt.Errorf("get whatsapp device: %w", err)
	}
	c.client = whatsmeow.NewClient(deviceStore, clientLog)
	c.client.AddEventHandler(c.eventHandler)

	if c.client.Store.ID == nil {
		qrChan, _ := c.client.GetQRChannel(ctx)
		if err := c.client.Connect(); err != nil {
			return fmt.Errorf("whatsapp connect: %w", err)
		}
		for evt := range qrChan {
			if evt.Event == "code" {
				qrPath := filepath.Join(c.dataDir, "whatsapp-qr.png")
				if err := qrcode.WriteFile(evt.Code, qrcode.Medium, 512, qrPath); err == nil {
					slog.Info("WhatsApp pairing QR code written", "path", qrPath)
				}
			} else {
				slog.Info("WhatsApp login event", "event", evt.Event)
			}
		}
	} else {
		if err := c.client.Connect(); err != nil {
			return fmt.Errorf("whatsapp connect: %w", err)
		}
		slog.Info("WhatsApp connected", "account", c.cfg.AccountID)
	}

	<-ctx.Done()
	return ctx.Err()
}

func (c *WhatsAppChannel) Stop() error {
	if c.client != nil {
		c.client.Disconnect()
	}
	if c.container != nil {
		c.container.Close()
	}
	return nil
}

func (c *WhatsAppChannel) eventHandler(evt interface{}) {
	v, ok := evt.(*events.Message)
	if !ok || v.Info.IsFromMe {
		return
	}
	content := v.Message.GetConversation()
	if content == "" {
		content = v.Message.GetExtendedTextMessage().GetText()
	}
	if content == "" {
		return
	}

	senderID := v.Info.Sender.User
	if len(c.allowed) > 0 {
		if _, ok := c.allowed[senderID]; !ok {
			if c.cfg.DropUnauthorized {
				slog.Debug("Dropped whatsapp message from unauthorized sender", "sender", senderID)
			}
			return
		}
	}
	chatJID := v.Info.Chat.String()
	c.Bus.PublishInbound(&bus.InboundMessage{
		Channel:        c.Name(),
		AccountID:      c.cfg.AccountID,
		SenderID:       senderID,
		ReplyTo:        chatJID,
		ConversationID: fmt.Sprintf("whatsapp:%s", chatJID),
		ExternalID:     v.Info.ID,
		Content:        content,
		Timestamp:      v.Info.Timestamp,
	})
}

// Deliver sends one outbound row to its WhatsApp chat.
func (c *WhatsAppChannel) Deliver(ctx context.Context, m *store.OutboundMessage) error {
	jid, err := types.ParseJID(m.Recipient)
	if err != nil {
		return outbound.Permanent(fmt.Errorf("bad whatsapp recipient %q: %v", m.Recipient, err))
	}
	if c.client == nil {
		return fmt.Errorf("whatsapp client not started")
	}
	_, err = c.client.SendMessage(ctx, jid, &waE2E.Message{
		Conversation: proto.String(m.Payload),
	})
	if err != nil {
		return fmt.Errorf("whatsapp send: %w", err)
	}
	return nil
}
