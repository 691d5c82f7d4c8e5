package store

import (
	"database/sql"
	"fmt"
	"time"
)

const outboundColumns = `id, channel, COALESCE(account_id,''), conversation_id, message_id,
	COALESCE(recipient,''), payload, status, COALESCE(processor_id,''), locked_until,
	attempt_count, COALESCE(last_error,''), next_attempt_at, created_at, updated_at`

func scanOutbound(row interface{ Scan(...any) error }) (*OutboundMessage, error) {
	var m OutboundMessage
	var lockedUntil, nextAttempt sql.NullTime
	err := row.Scan(
		&m.ID, &m.Channel, &m.AccountID, &m.ConversationID, &m.MessageID,
		&m.Recipient, &m.Payload, &m.Status, &m.ProcessorID, &lockedUntil,
		&m.AttemptCount, &m.LastError, &nextAttempt, &m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if lockedUntil.Valid {
		m.LockedUntil = &lockedUntil.Time
	}
	if nextAttempt.Valid {
		m.NextAttemptAt = &nextAttempt.Time
	}
	return &m, nil
}

// EnqueueOutbound inserts a new pending outbound message.
func (s *Store) EnqueueOutbound(m *OutboundMessage) (*OutboundMessage, error) {
	if m.ID == "" {
		m.ID = newID("out")
	}
	if m.Status == "" {
		m.Status = OutboundPending
	}
	now := time.Now().UTC()
	_, err := s.db.Exec(`
	INSERT INTO outbound_messages (id, channel, account_id, conversation_id, message_id,
		recipient, payload, status, attempt_count, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.Channel, m.AccountID, m.ConversationID, m.MessageID,
		m.Recipient, m.Payload, m.Status, m.AttemptCount, now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("enqueue outbound: %w", err)
	}
	return s.GetOutbound(m.ID)
}

// GetOutbound returns an outbound message by id.
func (s *Store) GetOutbound(id string) (*OutboundMessage, error) {
	row := s.db.QueryRow(`SELECT `+outboundColumns+` FROM outbound_messages WHERE id = ?`, id)
	m, err := scanOutbound(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("outbound message not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get outbound: %w", err)
	}
	return m, nil
}

// ClaimNextOutbound atomically claims the oldest due pending outbound
// message for the given channel/account. Any processing message whose
// lock has expired is requeued first. Returns (nil, nil) when nothing is
// due.
func (s *Store) ClaimNextOutbound(channel, accountID, processorID string, lockFor time.Duration) (*OutboundMessage, error) {
	now := time.Now().UTC()
	tx, err := s.beginImmediate()
	if err != nil {
		return nil, fmt.Errorf("claim outbound: %w", err)
	}
	defer tx.Rollback()

	// Self-heal locks abandoned by crashed senders.
	if _, err := tx.Exec(`
	UPDATE outbound_messages SET status = 'pending', processor_id = '', locked_until = NULL, updated_at = ?
	WHERE channel = ? AND account_id = ? AND status = 'processing' AND locked_until IS NOT NULL AND locked_until <= ?`,
		now, channel, accountID, now); err != nil {
		return nil, fmt.Errorf("requeue expired outbound: %w", err)
	}

	row := tx.QueryRow(`
	SELECT `+outboundColumns+` FROM outbound_messages
	WHERE channel = ? AND account_id = ? AND status = 'pending'
		AND (next_attempt_at IS NULL OR next_attempt_at <= ?)
	ORDER BY created_at ASC
	LIMIT 1`, channel, accountID, now)
	m, err := scanOutbound(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim outbound select: %w", err)
	}

	lockedUntil := now.Add(lockFor)
	if _, err := tx.Exec(`
	UPDATE outbound_messages SET status = 'processing', processor_id = ?, locked_until = ?, updated_at = ?
	WHERE id = ?`, processorID, lockedUntil, now, m.ID); err != nil {
		return nil, fmt.Errorf("claim outbound update: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("claim outbound commit: %w", err)
	}

	m.Status = OutboundProcessing
	m.ProcessorID = processorID
	m.LockedUntil = &lockedUntil
	return m, nil
}

// HeartbeatOutbound extends the lock on a processing outbound message.
func (s *Store) HeartbeatOutbound(id, processorID string, lockFor time.Duration) (bool, error) {
	now := time.Now().UTC()
	res, err := s.db.Exec(`
	UPDATE outbound_messages SET locked_until = ?, updated_at = ?
	WHERE id = ? AND status = 'processing' AND processor_id = ?`,
		now.Add(lockFor), now, id, processorID)
	if err != nil {
		return false, fmt.Errorf("heartbeat outbound: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// CompleteOutbound marks a processing outbound message as sent.
func (s *Store) CompleteOutbound(id string) error {
	now := time.Now().UTC()
	res, err := s.db.Exec(`
	UPDATE outbound_messages SET status = 'sent', processor_id = '', locked_until = NULL, updated_at = ?
	WHERE id = ? AND status = 'processing'`, now, id)
	if err != nil {
		return fmt.Errorf("complete outbound: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("complete outbound %s: not processing", id)
	}
	return nil
}

// FailOutbound records a delivery failure. Retryable failures go back to
// pending with the given next attempt time; permanent ones go to failed.
// The attempt count is always incremented.
func (s *Store) FailOutbound(id, lastError string, retry bool, nextAttempt *time.Time) error {
	now := time.Now().UTC()
	status := OutboundFailed
	if retry {
		status = OutboundPending
	}
	var nextVal any
	if retry && nextAttempt != nil {
		nextVal = nextAttempt.UTC()
	}
	res, err := s.db.Exec(`
	UPDATE outbound_messages SET status = ?, attempt_count = attempt_count + 1,
		last_error = ?, next_attempt_at = ?, processor_id = '', locked_until = NULL, updated_at = ?
	WHERE id = ?`, status, lastError, nextVal, now, id)
	if err != nil {
		return fmt.Errorf("fail outbound: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("fail outbound %s: not found", id)
	}
	return nil
}

// ListOutbound returns outbound messages filtered by optional status,
// newest first.
func (s *Store) ListOutbound(status string, limit int) ([]OutboundMessage, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + outboundColumns + ` FROM outbound_messages`
	args := []any{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list outbound: %w", err)
	}
	defer rows.Close()

	var out []OutboundMessage
	for rows.Next() {
		m, err := scanOutbound(rows)
		if err != nil {
			return nil, fmt.Errorf("scan outbound: %w", err)
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

// ListOutboundForConversation returns a conversation's outbound messages
// with the given status, oldest first.
func (s *Store) ListOutboundForConversation(conversationID, status string) ([]OutboundMessage, error) {
	rows, err := s.db.Query(`SELECT `+outboundColumns+` FROM outbound_messages
		WHERE conversation_id = ? AND status = ? ORDER BY created_at ASC`,
		conversationID, status)
	if err != nil {
		return nil, fmt.Errorf("list outbound for conversation: %w", err)
	}
	defer rows.Close()

	var out []OutboundMessage
	for rows.Next() {
		m, err := scanOutbound(rows)
		if err != nil {
			return nil, fmt.Errorf("scan outbound: %w", err)
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}
