package store

import (
	"database/sql"
	"fmt"
	"time"
)

const jobColumns = `id, conversation_id, message_id, COALESCE(payload,''), COALESCE(agent_id,''), COALESCE(parent_job_id,''),
	COALESCE(root_job_id,''), is_internal, delegation_depth, status, attempt_count,
	COALESCE(processor_id,''), locked_until, started_at, last_heartbeat_at,
	COALESCE(error_reason,''), COALESCE(error_message,''), COALESCE(result,''), COALESCE(model_used,''),
	created_at, updated_at`

func scanJob(row interface{ Scan(...any) error }) (*Job, error) {
	var j Job
	var lockedUntil, startedAt, heartbeatAt sql.NullTime
	err := row.Scan(
		&j.ID, &j.ConversationID, &j.MessageID, &j.Payload, &j.AgentID, &j.ParentJobID,
		&j.RootJobID, &j.IsInternal, &j.DelegationDepth, &j.Status, &j.AttemptCount,
		&j.ProcessorID, &lockedUntil, &startedAt, &heartbeatAt,
		&j.ErrorReason, &j.ErrorMessage, &j.Result, &j.ModelUsed,
		&j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if lockedUntil.Valid {
		j.LockedUntil = &lockedUntil.Time
	}
	if startedAt.Valid {
		j.StartedAt = &startedAt.Time
	}
	if heartbeatAt.Valid {
		j.LastHeartbeatAt = &heartbeatAt.Time
	}
	return &j, nil
}

// CreateJob inserts a new pending job. ID is generated if empty.
func (s *Store) CreateJob(job *Job) (*Job, error) {
	if job.ID == "" {
		job.ID = newID("job")
	}
	if job.Status == "" {
		job.Status = JobPending
	}
	now := time.Now().UTC()
	_, err := s.db.Exec(`
	INSERT INTO jobs (id, conversation_id, message_id, payload, agent_id, parent_job_id, root_job_id,
		is_internal, delegation_depth, status, attempt_count, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.ConversationID, job.MessageID, job.Payload, job.AgentID, job.ParentJobID, job.RootJobID,
		job.IsInternal, job.DelegationDepth, job.Status, job.AttemptCount, now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}
	return s.GetJob(job.ID)
}

// GetJob returns a job by id.
func (s *Store) GetJob(id string) (*Job, error) {
	row := s.db.QueryRow(`SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("job not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// ListJobsByStatus returns jobs in the given status, oldest first.
// limit <= 0 means no limit.
func (s *Store) ListJobsByStatus(status string, limit int) ([]Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE status = ? ORDER BY created_at ASC`
	args := []any{status}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var out []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, *j)
	}
	return out, rows.Err()
}

// ClaimNextPending atomically claims the oldest claimable pending job for
// processorID. A job is claimable when no other job in its conversation is
// processing with a non-expired lease, or when the job is internal
// (delegated jobs may run alongside their ancestors). Returns (nil, nil)
// when nothing is claimable.
func (s *Store) ClaimNextPending(processorID string, lockFor time.Duration) (*Job, error) {
	now := time.Now().UTC()
	tx, err := s.beginImmediate()
	if err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRow(`
	SELECT `+jobColumns+` FROM jobs j
	WHERE j.status = 'pending'
		AND (j.is_internal = 1 OR NOT EXISTS (
			SELECT 1 FROM jobs p
			WHERE p.conversation_id = j.conversation_id
				AND p.status = 'processing'
				AND (p.locked_until IS NULL OR p.locked_until > ?)
		))
	ORDER BY j.created_at ASC
	LIMIT 1`, now)
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim job select: %w", err)
	}

	lockedUntil := now.Add(lockFor)
	res, err := tx.Exec(`
	UPDATE jobs SET status = 'processing', processor_id = ?, locked_until = ?,
		started_at = ?, last_heartbeat_at = ?, updated_at = ?
	WHERE id = ? AND status = 'pending'`,
		processorID, lockedUntil, now, now, now, job.ID)
	if err != nil {
		return nil, fmt.Errorf("claim job update: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, nil
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("claim job commit: %w", err)
	}

	job.Status = JobProcessing
	job.ProcessorID = processorID
	job.LockedUntil = &lockedUntil
	job.StartedAt = &now
	job.LastHeartbeatAt = &now
	return job, nil
}

// HeartbeatJob extends the lease on a processing job. Returns false when
// the job is no longer processing, is owned by someone else, or its lease
// already expired. Jobs created before lease tracking (NULL locked_until)
// always heartbeat successfully.
func (s *Store) HeartbeatJob(id, processorID string, lockFor time.Duration) (bool, error) {
	now := time.Now().UTC()
	res, err := s.db.Exec(`
	UPDATE jobs SET locked_until = ?, last_heartbeat_at = ?, updated_at = ?
	WHERE id = ? AND status = 'processing' AND processor_id = ?
		AND (locked_until IS NULL OR locked_until > ?)`,
		now.Add(lockFor), now, now, id, processorID, now)
	if err != nil {
		return false, fmt.Errorf("heartbeat job: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// CompleteJob transitions a processing job to completed.
func (s *Store) CompleteJob(id, result, modelUsed string) error {
	now := time.Now().UTC()
	res, err := s.db.Exec(`
	UPDATE jobs SET status = 'completed', result = ?, model_used = ?,
		processor_id = '', locked_until = NULL, updated_at = ?
	WHERE id = ? AND status = 'processing'`,
		result, modelUsed, now, id)
	if err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("complete job %s: not processing", id)
	}
	return nil
}

// FailJob transitions a processing job to failed, retaining the error
// reason and message for operator visibility.
func (s *Store) FailJob(id, reason, message string) error {
	now := time.Now().UTC()
	res, err := s.db.Exec(`
	UPDATE jobs SET status = 'failed', error_reason = ?, error_message = ?,
		processor_id = '', locked_until = NULL, updated_at = ?
	WHERE id = ? AND status = 'processing'`,
		reason, message, now, id)
	if err != nil {
		return fmt.Errorf("fail job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("fail job %s: not processing", id)
	}
	return nil
}

// RequeueJob resets a job to pending and increments its attempt count,
// clearing ownership and timing fields. The write only applies while the
// job is still in fromStatus, so a sweep racing the owner's completion
// never resurrects a terminal job. Used by retry (from failed) and by
// the stale-lease requeue path (from processing).
func (s *Store) RequeueJob(id, fromStatus string) error {
	now := time.Now().UTC()
	res, err := s.db.Exec(`
	UPDATE jobs SET status = 'pending', attempt_count = attempt_count + 1,
		processor_id = '', locked_until = NULL, started_at = NULL,
		last_heartbeat_at = NULL, updated_at = ?
	WHERE id = ? AND status = ?`, now, id, fromStatus)
	if err != nil {
		return fmt.Errorf("requeue job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("requeue job %s: no longer %s", id, fromStatus)
	}
	return nil
}

// FailJobTerminal marks a stale processing job failed regardless of
// current owner. Completed and failed jobs stay as they are; an error
// means the job left processing first.
func (s *Store) FailJobTerminal(id, reason, message string) error {
	now := time.Now().UTC()
	res, err := s.db.Exec(`
	UPDATE jobs SET status = 'failed', error_reason = ?, error_message = ?,
		processor_id = '', locked_until = NULL, updated_at = ?
	WHERE id = ? AND status = 'processing'`, reason, message, now, id)
	if err != nil {
		return fmt.Errorf("fail job terminal: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("fail job terminal %s: not processing", id)
	}
	return nil
}

// CountJobsForConversation returns how many jobs a conversation has
// accumulated. Feeds the router's conversation-length signal.
func (s *Store) CountJobsForConversation(conversationID string) (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM jobs WHERE conversation_id = ?`, conversationID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count conversation jobs: %w", err)
	}
	return n, nil
}

// CountJobsByStatus returns job counts grouped by status.
func (s *Store) CountJobsByStatus() (map[string]int, error) {
	rows, err := s.db.Query(`SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count jobs: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[status] = n
	}
	return out, rows.Err()
}
