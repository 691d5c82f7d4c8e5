package queue

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/parleyhq/parley/internal/store"
)

func newTestQueue(t *testing.T, opts Options) (*Queue, *store.Store) {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "parley.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return New(s, opts), s
}

// expireLease backdates a job's lock so it reads as abandoned.
func expireLease(t *testing.T, s *store.Store, jobID string) {
	t.Helper()
	past := time.Now().UTC().Add(-time.Minute)
	if _, err := s.DB().Exec(`UPDATE jobs SET locked_until = ? WHERE id = ?`, past, jobID); err != nil {
		t.Fatalf("expire lease: %v", err)
	}
}

func TestClaimSelfHealsStaleLease(t *testing.T) {
	q, s := newTestQueue(t, Options{})
	job, err := q.Enqueue("conv-1", "msg-1", "")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	// worker-a claims, then vanishes without heartbeating.
	claimed, err := q.Claim("worker-a")
	if err != nil || claimed == nil {
		t.Fatalf("claim: job=%+v err=%v", claimed, err)
	}
	expireLease(t, s, claimed.ID)

	// The next claim's inline sweep requeues the stale job and hands it out.
	reclaimed, err := q.Claim("worker-b")
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if reclaimed == nil || reclaimed.ID != job.ID {
		t.Fatalf("stale job not reclaimed: %+v", reclaimed)
	}
	if reclaimed.AttemptCount != 1 {
		t.Errorf("attempt count after requeue = %d, want 1", reclaimed.AttemptCount)
	}
}

func TestStaleJobFailsPermanentlyWhenBudgetExhausted(t *testing.T) {
	q, s := newTestQueue(t, Options{MaxAttempts: 2})
	job, err := q.Enqueue("conv-1", "msg-1", "")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	// Attempt 1 goes stale and is requeued.
	first, err := q.Claim("worker-a")
	if err != nil || first == nil {
		t.Fatalf("claim 1: job=%+v err=%v", first, err)
	}
	expireLease(t, s, first.ID)
	reclaimed, err := q.Claim("worker-b")
	if err != nil || reclaimed == nil {
		t.Fatalf("claim 2: job=%+v err=%v", reclaimed, err)
	}
	expireLease(t, s, reclaimed.ID)

	// Attempt 2 also went stale; the budget (max 2) is now spent.
	none, err := q.Claim("worker-c")
	if err != nil {
		t.Fatalf("claim 3: %v", err)
	}
	if none != nil {
		t.Fatalf("exhausted job handed out again: %+v", none)
	}
	got, _ := s.GetJob(job.ID)
	if got.Status != store.JobFailed {
		t.Errorf("exhausted job status = %s, want failed", got.Status)
	}
	if got.ErrorReason != "stale_lease_exhausted" || got.ErrorMessage == "" {
		t.Errorf("terminal failure must retain reason and message: %+v", got)
	}
}

func TestRetryHonorsAttemptBudget(t *testing.T) {
	q, s := newTestQueue(t, Options{MaxAttempts: 3})
	job, err := q.Enqueue("conv-1", "msg-1", "")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	for attempt := 0; attempt < 3; attempt++ {
		claimed, err := q.Claim("worker-a")
		if err != nil || claimed == nil {
			t.Fatalf("claim attempt %d: job=%+v err=%v", attempt, claimed, err)
		}
		if err := q.Fail(job.ID, "model_error", "transient"); err != nil {
			t.Fatalf("fail attempt %d: %v", attempt, err)
		}
		ok, err := q.Retry(job.ID)
		if err != nil {
			t.Fatalf("retry attempt %d: %v", attempt, err)
		}
		if attempt < 2 && !ok {
			t.Fatalf("retry %d within the budget must be allowed", attempt+1)
		}
		if attempt == 2 && ok {
			t.Fatal("retry past the budget must be refused")
		}
	}

	got, _ := s.GetJob(job.ID)
	if got.Status != store.JobFailed || got.AttemptCount != 2 {
		t.Errorf("final job: status=%s attempts=%d", got.Status, got.AttemptCount)
	}
}

func TestCreateInternalJobDelegationChain(t *testing.T) {
	q, _ := newTestQueue(t, Options{})
	parent, err := q.Enqueue("conv-1", "msg-1", "agent-x")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	child, err := q.CreateInternalJob(parent.ID, "conv-1", "msg-2")
	if err != nil {
		t.Fatalf("create internal: %v", err)
	}
	if !child.IsInternal || child.ParentJobID != parent.ID {
		t.Errorf("child linkage: %+v", child)
	}
	if child.RootJobID != parent.ID {
		t.Errorf("root id = %s, want %s", child.RootJobID, parent.ID)
	}
	if child.DelegationDepth != parent.DelegationDepth+1 {
		t.Errorf("delegation depth = %d", child.DelegationDepth)
	}

	// Root id is stable across the chain.
	grandchild, err := q.CreateInternalJob(child.ID, "conv-1", "msg-3")
	if err != nil {
		t.Fatalf("create grandchild: %v", err)
	}
	if grandchild.RootJobID != parent.ID || grandchild.DelegationDepth != 2 {
		t.Errorf("grandchild chain: root=%s depth=%d", grandchild.RootJobID, grandchild.DelegationDepth)
	}
}

func TestCreateInternalJobRejectsForeignConversation(t *testing.T) {
	q, _ := newTestQueue(t, Options{})
	parent, err := q.Enqueue("conv-1", "msg-1", "")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := q.CreateInternalJob(parent.ID, "conv-2", "msg-2"); err == nil {
		t.Error("cross-conversation delegation accepted")
	}
	if _, err := q.CreateInternalJob("missing", "conv-1", "msg-2"); err == nil {
		t.Error("delegation from missing parent accepted")
	}
}

func TestSweepStaleLeavesLiveJobsAlone(t *testing.T) {
	q, s := newTestQueue(t, Options{LockDuration: time.Minute})
	if _, err := q.Enqueue("conv-1", "msg-1", ""); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	claimed, err := q.Claim("worker-a")
	if err != nil || claimed == nil {
		t.Fatalf("claim: job=%+v err=%v", claimed, err)
	}

	n, err := q.SweepStale()
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 0 {
		t.Errorf("sweep acted on %d live jobs", n)
	}
	got, _ := s.GetJob(claimed.ID)
	if got.Status != store.JobProcessing || got.ProcessorID != "worker-a" {
		t.Errorf("live job disturbed: %+v", got)
	}
}

func TestSweepStaleSkipsJobsTheOwnerFinished(t *testing.T) {
	q, s := newTestQueue(t, Options{MaxAttempts: 1})
	job, err := q.Enqueue("conv-1", "msg-1", "")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := q.Claim("worker-a"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	expireLease(t, s, job.ID)

	// The lease expired, but the owner still landed its completion
	// before the sweep's write. The sweep must leave the result alone.
	if err := q.Complete(job.ID, "late but done", "openai/gpt-4.1"); err != nil {
		t.Fatalf("complete: %v", err)
	}
	n, err := q.SweepStale()
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 0 {
		t.Errorf("sweep acted on %d finished jobs", n)
	}
	got, _ := s.GetJob(job.ID)
	if got.Status != store.JobCompleted || got.Result != "late but done" {
		t.Errorf("completed job disturbed: status=%s result=%q", got.Status, got.Result)
	}
}
