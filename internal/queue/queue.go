package queue

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/parleyhq/parley/internal/store"
)

// Options configures a Queue. Zero values fall back to the defaults.
type Options struct {
	MaxAttempts       int
	LockDuration      time.Duration
	LegacyStaleWindow time.Duration
}

// Queue is the job queue service. All operations delegate their atomic
// step to the store; the queue adds the stale-lease policy and the
// retry budget on top.
type Queue struct {
	store             *store.Store
	maxAttempts       int
	lockDuration      time.Duration
	legacyStaleWindow time.Duration
}

// New creates a Queue over the given store.
func New(s *store.Store, opts Options) *Queue {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.LockDuration <= 0 {
		opts.LockDuration = DefaultLockDuration
	}
	if opts.LegacyStaleWindow <= 0 {
		opts.LegacyStaleWindow = DefaultLegacyStaleWindow
	}
	return &Queue{
		store:             s,
		maxAttempts:       opts.MaxAttempts,
		lockDuration:      opts.LockDuration,
		legacyStaleWindow: opts.LegacyStaleWindow,
	}
}

// LockDuration returns the configured job lock duration.
func (q *Queue) LockDuration() time.Duration { return q.lockDuration }

// Enqueue creates a new pending job for an inbound message.
func (q *Queue) Enqueue(conversationID, messageID, agentID string) (*store.Job, error) {
	return q.EnqueueWithPayload(conversationID, messageID, agentID, "")
}

// EnqueueWithPayload creates a pending job carrying the serialized
// inbound event, so workers see channel and sender context without a
// second lookup.
func (q *Queue) EnqueueWithPayload(conversationID, messageID, agentID, payload string) (*store.Job, error) {
	if conversationID == "" || messageID == "" {
		return nil, fmt.Errorf("enqueue: conversation and message ids required")
	}
	return q.store.CreateJob(&store.Job{
		ConversationID: conversationID,
		MessageID:      messageID,
		AgentID:        agentID,
		Payload:        payload,
	})
}

// Claim hands the oldest claimable pending job to processorID, leasing it
// for the configured lock duration. Before selecting, every processing
// job is checked against the stale-lease policy so leases abandoned by
// crashed workers self-heal without waiting for the timer sweep.
// Returns (nil, nil) when nothing is claimable.
func (q *Queue) Claim(processorID string) (*store.Job, error) {
	if _, err := q.SweepStale(); err != nil {
		slog.Warn("Inline stale sweep failed", "error", err)
	}
	return q.store.ClaimNextPending(processorID, q.lockDuration)
}

// Heartbeat extends the lease on a processing job. False means the
// caller lost the job (reassigned, completed elsewhere, or expired).
func (q *Queue) Heartbeat(jobID, processorID string) (bool, error) {
	return q.store.HeartbeatJob(jobID, processorID, q.lockDuration)
}

// Complete finishes a processing job with its result.
func (q *Queue) Complete(jobID, result, modelUsed string) error {
	return q.store.CompleteJob(jobID, result, modelUsed)
}

// Fail marks a processing job failed with a structured reason.
func (q *Queue) Fail(jobID, reason, message string) error {
	return q.store.FailJob(jobID, reason, message)
}

// Retry requeues a failed (or still-processing) job for another attempt.
// Returns false without touching the job when the attempt budget is
// exhausted or the job already reached a terminal completed state.
func (q *Queue) Retry(jobID string) (bool, error) {
	job, err := q.store.GetJob(jobID)
	if err != nil {
		return false, err
	}
	if job.Status != store.JobFailed && job.Status != store.JobProcessing {
		return false, nil
	}
	if !CanRetry(job.AttemptCount, q.maxAttempts) {
		return false, nil
	}
	if err := q.store.RequeueJob(jobID, job.Status); err != nil {
		return false, err
	}
	return true, nil
}

// CreateInternalJob spawns a delegated sub-job under parentJobID. The
// child may run concurrently with its ancestors, carries the parent's
// root id, and sits one delegation level deeper. The target message must
// belong to the parent's conversation; a mismatch is a contract error.
func (q *Queue) CreateInternalJob(parentJobID, conversationID, messageID string) (*store.Job, error) {
	parent, err := q.store.GetJob(parentJobID)
	if err != nil {
		return nil, fmt.Errorf("create internal job: %w", err)
	}
	if parent.ConversationID != conversationID {
		return nil, fmt.Errorf("create internal job: message %s is outside conversation %s", messageID, parent.ConversationID)
	}
	rootID := parent.RootJobID
	if rootID == "" {
		rootID = parent.ID
	}
	return q.store.CreateJob(&store.Job{
		ConversationID:  conversationID,
		MessageID:       messageID,
		AgentID:         parent.AgentID,
		ParentJobID:     parent.ID,
		RootJobID:       rootID,
		IsInternal:      true,
		DelegationDepth: parent.DelegationDepth + 1,
	})
}

// SweepStale applies the stale-lease policy to every processing job.
// Stale jobs with attempts left are requeued; ones on their last attempt
// fail permanently. Returns the number of jobs acted on. Runs both
// inline on every claim and from the periodic maintenance pass; both are
// idempotent and safe to race.
func (q *Queue) SweepStale() (int, error) {
	processing, err := q.store.ListJobsByStatus(store.JobProcessing, 0)
	if err != nil {
		return 0, fmt.Errorf("sweep stale: %w", err)
	}
	now := time.Now().UTC()
	acted := 0
	for i := range processing {
		job := &processing[i]
		if !IsStale(job, now, q.legacyStaleWindow) {
			continue
		}
		switch ResolveStaleAction(job.AttemptCount, q.maxAttempts) {
		case ActionFail:
			msg := fmt.Sprintf("lease expired after %d attempts", job.AttemptCount+1)
			if err := q.store.FailJobTerminal(job.ID, "stale_lease_exhausted", msg); err != nil {
				// Lost a race with the owner finishing it; fine.
				slog.Debug("Stale job terminal fail skipped", "job_id", job.ID, "error", err)
				continue
			}
			slog.Info("Stale job failed permanently", "job_id", job.ID, "attempts", job.AttemptCount)
		case ActionRequeue:
			if err := q.store.RequeueJob(job.ID, store.JobProcessing); err != nil {
				// Lost a race with the owner completing it; fine.
				slog.Debug("Stale job requeue skipped", "job_id", job.ID, "error", err)
				continue
			}
			slog.Info("Stale job requeued", "job_id", job.ID, "attempts", job.AttemptCount+1)
		}
		acted++
	}
	return acted, nil
}
