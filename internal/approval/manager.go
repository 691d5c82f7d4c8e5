// Package approval gates sensitive tool calls behind a pending record
// that a human resolves. Resolution happens exactly once, through
// whichever path gets there first: an explicit approve/reject action,
// a classified free-text reply in the same conversation, or the expiry
// sweep rejecting anything left pending past the TTL.
package approval

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/parleyhq/parley/internal/store"
)

const DefaultTTL = 5 * time.Minute

// Manager owns the approval lifecycle on top of the store. Waiters in
// this process are signalled directly when a resolution lands; other
// processes observe resolutions through the store.
type Manager struct {
	store *store.Store
	ttl   time.Duration

	mu      sync.Mutex
	waiters map[string]chan bool
}

func NewManager(s *store.Store, ttl time.Duration) *Manager {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Manager{
		store:   s,
		ttl:     ttl,
		waiters: make(map[string]chan bool),
	}
}

// TTL returns how long an approval may stay pending before the expiry
// sweep rejects it.
func (m *Manager) TTL() time.Duration { return m.ttl }

// Create records a pending approval for a proposed tool call.
func (m *Manager) Create(conversationID, jobID, toolName, toolInput, channel string) (*store.ToolApproval, error) {
	if conversationID == "" || toolName == "" {
		return nil, fmt.Errorf("create approval: conversation and tool required")
	}
	a, err := m.store.CreateApproval(&store.ToolApproval{
		ConversationID: conversationID,
		JobID:          jobID,
		ToolName:       toolName,
		ToolInput:      toolInput,
		Channel:        channel,
	})
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.waiters[a.ID] = make(chan bool, 1)
	m.mu.Unlock()
	slog.Info("Tool approval requested", "approval_id", a.ID, "conversation", conversationID, "tool", toolName)
	return a, nil
}

// Resolve applies an explicit decision. Returns false when the
// approval is unknown or already resolved; a repeat resolution is a
// no-op, not an error.
func (m *Manager) Resolve(id string, approve bool) (bool, error) {
	status := store.ApprovalRejected
	if approve {
		status = store.ApprovalApproved
	}
	ok, err := m.store.ResolveApproval(id, status)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	m.notify(id, approve)
	slog.Info("Tool approval resolved", "approval_id", id, "status", status)
	return true, nil
}

// ResolveFromText classifies an inbound reply and, on a keyword match,
// resolves the oldest pending approval in the conversation. Returns
// the resolved approval, or nil when the text is not a verdict or
// nothing was pending. Callers use a nil result to know the text
// should flow to the model as a normal message instead.
func (m *Manager) ResolveFromText(conversationID, text string) (*store.ToolApproval, error) {
	verdict := Classify(text)
	if verdict == VerdictNone {
		return nil, nil
	}
	pending, err := m.store.OldestPendingApproval(conversationID)
	if err != nil {
		return nil, err
	}
	if pending == nil {
		return nil, nil
	}
	ok, err := m.Resolve(pending.ID, verdict == VerdictApprove)
	if err != nil {
		return nil, err
	}
	if !ok {
		// Raced with another resolver; treat as nothing pending.
		return nil, nil
	}
	return m.store.GetApproval(pending.ID)
}

// Wait blocks until the approval is resolved or ctx is done. The waiter
// channel only sees resolutions made in this process, so on timeout the
// store is checked once: a decision recorded by another process (the
// operator CLI, a second gateway) wins over the deadline. A true timeout
// does not resolve the record, the expiry sweep does.
func (m *Manager) Wait(ctx context.Context, id string) (approved bool, err error) {
	m.mu.Lock()
	ch, ok := m.waiters[id]
	m.mu.Unlock()
	if !ok {
		return false, fmt.Errorf("no local waiter for approval %s", id)
	}
	defer func() {
		m.mu.Lock()
		delete(m.waiters, id)
		m.mu.Unlock()
	}()
	select {
	case approved := <-ch:
		return approved, nil
	case <-ctx.Done():
		if a, getErr := m.store.GetApproval(id); getErr == nil && a.Status != store.ApprovalPending {
			return a.Status == store.ApprovalApproved, nil
		}
		return false, ctx.Err()
	}
}

func (m *Manager) notify(id string, approved bool) {
	m.mu.Lock()
	ch, ok := m.waiters[id]
	m.mu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- approved:
	default:
	}
}

// ExpireStale rejects every approval pending longer than the TTL and
// wakes their local waiters. Run periodically by the maintenance
// scheduler.
func (m *Manager) ExpireStale() (int64, error) {
	cutoff := time.Now().UTC().Add(-m.ttl)
	expired, err := m.store.ExpireApprovalsReturning(cutoff)
	if err != nil {
		return 0, err
	}
	for _, id := range expired {
		m.notify(id, false)
	}
	if len(expired) > 0 {
		slog.Info("Expired stale tool approvals", "count", len(expired))
	}
	return int64(len(expired)), nil
}

// Pending lists every unresolved approval, oldest first.
func (m *Manager) Pending() ([]store.ToolApproval, error) {
	return m.store.ListPendingApprovals()
}
