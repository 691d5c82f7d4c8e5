package store

import (
	"database/sql"
	"fmt"
	"time"
)

const approvalColumns = `id, conversation_id, job_id, tool_name, COALESCE(tool_input,''),
	status, COALESCE(channel,''), created_at, resolved_at`

func scanApproval(row interface{ Scan(...any) error }) (*ToolApproval, error) {
	var a ToolApproval
	var resolvedAt sql.NullTime
	err := row.Scan(
		&a.ID, &a.ConversationID, &a.JobID, &a.ToolName, &a.ToolInput,
		&a.Status, &a.Channel, &a.CreatedAt, &resolvedAt,
	)
	if err != nil {
		return nil, err
	}
	if resolvedAt.Valid {
		a.ResolvedAt = &resolvedAt.Time
	}
	return &a, nil
}

// CreateApproval inserts a new pending tool approval. ID is generated if
// empty.
func (s *Store) CreateApproval(a *ToolApproval) (*ToolApproval, error) {
	if a.ID == "" {
		a.ID = newID("appr")
	}
	a.Status = ApprovalPending
	now := time.Now().UTC()
	_, err := s.db.Exec(`
	INSERT INTO tool_approvals (id, conversation_id, job_id, tool_name, tool_input, status, channel, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.ConversationID, a.JobID, a.ToolName, a.ToolInput, a.Status, a.Channel, now)
	if err != nil {
		return nil, fmt.Errorf("create approval: %w", err)
	}
	return s.GetApproval(a.ID)
}

// GetApproval returns an approval by id.
func (s *Store) GetApproval(id string) (*ToolApproval, error) {
	row := s.db.QueryRow(`SELECT `+approvalColumns+` FROM tool_approvals WHERE id = ?`, id)
	a, err := scanApproval(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("approval not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get approval: %w", err)
	}
	return a, nil
}

// ResolveApproval transitions a pending approval to approved or rejected.
// Returns false when the approval does not exist or was already resolved,
// making every resolution path idempotent.
func (s *Store) ResolveApproval(id, status string) (bool, error) {
	if status != ApprovalApproved && status != ApprovalRejected {
		return false, fmt.Errorf("resolve approval: invalid status %q", status)
	}
	now := time.Now().UTC()
	res, err := s.db.Exec(`
	UPDATE tool_approvals SET status = ?, resolved_at = ?
	WHERE id = ? AND status = 'pending'`, status, now, id)
	if err != nil {
		return false, fmt.Errorf("resolve approval: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// OldestPendingApproval returns the oldest pending approval for a
// conversation, or (nil, nil) if there is none.
func (s *Store) OldestPendingApproval(conversationID string) (*ToolApproval, error) {
	row := s.db.QueryRow(`
	SELECT `+approvalColumns+` FROM tool_approvals
	WHERE conversation_id = ? AND status = 'pending'
	ORDER BY created_at ASC LIMIT 1`, conversationID)
	a, err := scanApproval(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("oldest pending approval: %w", err)
	}
	return a, nil
}

// ListPendingApprovals returns all pending approvals, oldest first.
func (s *Store) ListPendingApprovals() ([]ToolApproval, error) {
	rows, err := s.db.Query(`
	SELECT ` + approvalColumns + ` FROM tool_approvals
	WHERE status = 'pending' ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("list pending approvals: %w", err)
	}
	defer rows.Close()

	var out []ToolApproval
	for rows.Next() {
		a, err := scanApproval(rows)
		if err != nil {
			return nil, fmt.Errorf("scan approval: %w", err)
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

// ExpireApprovals rejects every approval still pending at or before the
// cutoff. Returns the number of approvals expired. Safe to run
// concurrently with live resolution traffic.
func (s *Store) ExpireApprovals(cutoff time.Time) (int64, error) {
	now := time.Now().UTC()
	res, err := s.db.Exec(`
	UPDATE tool_approvals SET status = 'rejected', resolved_at = ?
	WHERE status = 'pending' AND created_at <= ?`, now, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("expire approvals: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// ExpireApprovalsReturning is ExpireApprovals but reports the IDs of
// the approvals it rejected, so callers can notify in-process waiters.
func (s *Store) ExpireApprovalsReturning(cutoff time.Time) ([]string, error) {
	tx, err := s.beginImmediate()
	if err != nil {
		return nil, fmt.Errorf("expire approvals: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.Query(`
	SELECT id FROM tool_approvals
	WHERE status = 'pending' AND created_at <= ?`, cutoff.UTC())
	if err != nil {
		return nil, fmt.Errorf("expire approvals: select: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("expire approvals: scan: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()
	if len(ids) == 0 {
		return nil, nil
	}

	now := time.Now().UTC()
	for _, id := range ids {
		if _, err := tx.Exec(`
		UPDATE tool_approvals SET status = 'rejected', resolved_at = ?
		WHERE id = ? AND status = 'pending'`, now, id); err != nil {
			return nil, fmt.Errorf("expire approvals: update: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("expire approvals: commit: %w", err)
	}
	return ids, nil
}
