// Package channels implements the chat platform adapters. Each adapter
// publishes inbound events on the message bus and delivers claimed
// outbound rows back to its platform; adapters never touch the job
// queue directly.
package channels

import (
	"context"

	"github.com/parleyhq/parley/internal/bus"
	"github.com/parleyhq/parley/internal/store"
)

// Channel defines the interface for chat platforms (Telegram, WhatsApp, etc).
// Deliver satisfies the outbound sender's Deliverer, so a started
// channel plugs straight into its delivery loop.
type Channel interface {
	// Name returns the channel name (e.g. "telegram").
	Name() string
	// AccountID identifies the account this adapter drives; it scopes
	// the outbound queue slice and, for session channels, the lease.
	AccountID() string
	// Start runs the inbound listener until ctx is cancelled.
	Start(ctx context.Context) error
	// Stop tears the connection down.
	Stop() error
	// Deliver sends one outbound message to the platform.
	Deliver(ctx context.Context, m *store.OutboundMessage) error
}

// BaseChannel provides common functionality for channels.
type BaseChannel struct {
	Bus *bus.MessageBus
}
