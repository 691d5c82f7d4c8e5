package channels

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/parleyhq/parley/internal/bus"
	"github.com/parleyhq/parley/internal/config"
	"github.com/parleyhq/parley/internal/store"
)

// WebChannel implements Channel over plain HTTP. Clients POST inbound
// messages and poll for replies; delivery is a no-op because replies
// are already durable in the store by the time the sender claims them.
type WebChannel struct {
	BaseChannel
	cfg    config.WebConfig
	store  *store.Store
	server *http.Server
}

func NewWebChannel(cfg config.WebConfig, messageBus *bus.MessageBus, s *store.Store) *WebChannel {
	return &WebChannel{
		BaseChannel: BaseChannel{Bus: messageBus},
		cfg:         cfg,
		store:       s,
	}
}

func (c *WebChannel) Name() string      { return "web" }
func (c *WebChannel) AccountID() string { return "" }

// Start serves the HTTP API until ctx is cancelled.
func (c *WebChannel) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/messages", c.auth(c.handleMessages))
	mux.HandleFunc("/v1/replies", c.auth(c.handleReplies))

	c.server = &http.Server{Addr: c.cfg.Listen, Handler: mux}
	errCh := make(chan error, 1)
	go func() { errCh <- c.server.ListenAndServe() }()
	slog.Info("Web channel listening", "addr", c.cfg.Listen)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = c.server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func (c *WebChannel) Stop() error {
	if c.server != nil {
		return c.server.Close()
	}
	return nil
}

func (c *WebChannel) auth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if c.cfg.Token != "" && r.Header.Get("Authorization") != "Bearer "+c.cfg.Token {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

func (c *WebChannel) handleMessages(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		ConversationID string `json:"conversation_id"`
		SenderID       string `json:"sender_id"`
		MessageID      string `json:"message_id"`
		Content        string `json:"content"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.Content == "" {
		http.Error(w, "content required", http.StatusBadRequest)
		return
	}
	if req.ConversationID == "" {
		req.ConversationID = fmt.Sprintf("web:%s", uuid.NewString())
	}
	if req.MessageID == "" {
		req.MessageID = uuid.NewString()
	}
	c.Bus.PublishInbound(&bus.InboundMessage{
		Channel:        c.Name(),
		SenderID:       req.SenderID,
		ReplyTo:        req.ConversationID,
		ConversationID: req.ConversationID,
		ExternalID:     req.MessageID,
		Content:        req.Content,
	})
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(map[string]string{"conversation_id": req.ConversationID, "message_id": req.MessageID})
}

// handleReplies lets web clients poll delivered replies for their
// conversation.
func (c *WebChannel) handleReplies(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	conversationID := r.URL.Query().Get("conversation_id")
	if conversationID == "" {
		http.Error(w, "conversation_id required", http.StatusBadRequest)
		return
	}
	replies, err := c.store.ListOutboundForConversation(conversationID, store.OutboundSent)
	if err != nil {
		http.Error(w, "store error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"replies": replies})
}

// Deliver marks a web reply delivered. The row itself is the delivery
// medium; clients read it from the replies endpoint.
func (c *WebChannel) Deliver(_ context.Context, _ *store.OutboundMessage) error {
	return nil
}
