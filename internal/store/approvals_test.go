package store

import (
	"testing"
	"time"
)

func mustCreateApproval(t *testing.T, s *Store, convo, jobID string) *ToolApproval {
	t.Helper()
	a, err := s.CreateApproval(&ToolApproval{
		ConversationID: convo,
		JobID:          jobID,
		ToolName:       "send_email",
		ToolInput:      `{"to":"ops@example.com"}`,
		Channel:        "web",
	})
	if err != nil {
		t.Fatalf("create approval: %v", err)
	}
	return a
}

func TestApprovalResolveOnce(t *testing.T) {
	s := newTestStore(t)
	a := mustCreateApproval(t, s, "conv-1", "job-1")

	ok, err := s.ResolveApproval(a.ID, ApprovalApproved)
	if err != nil || !ok {
		t.Fatalf("resolve: ok=%v err=%v", ok, err)
	}
	got, _ := s.GetApproval(a.ID)
	if got.Status != ApprovalApproved || got.ResolvedAt == nil {
		t.Errorf("resolved approval: %+v", got)
	}

	// Second resolution attempt is a no-op.
	ok, err = s.ResolveApproval(a.ID, ApprovalRejected)
	if err != nil {
		t.Fatalf("re-resolve: %v", err)
	}
	if ok {
		t.Error("already-resolved approval resolved again")
	}
	got, _ = s.GetApproval(a.ID)
	if got.Status != ApprovalApproved {
		t.Errorf("status changed by second resolution: %s", got.Status)
	}
}

func TestApprovalResolveInvalidStatus(t *testing.T) {
	s := newTestStore(t)
	a := mustCreateApproval(t, s, "conv-1", "job-1")
	if _, err := s.ResolveApproval(a.ID, "timeout"); err == nil {
		t.Error("invalid status accepted")
	}
}

func TestOldestPendingApprovalOrdering(t *testing.T) {
	s := newTestStore(t)
	first := mustCreateApproval(t, s, "conv-1", "job-1")
	// Force distinct created_at ordering.
	if _, err := s.db.Exec(`UPDATE tool_approvals SET created_at = ? WHERE id = ?`,
		time.Now().UTC().Add(-time.Minute), first.ID); err != nil {
		t.Fatalf("backdate: %v", err)
	}
	mustCreateApproval(t, s, "conv-1", "job-2")
	mustCreateApproval(t, s, "conv-2", "job-3")

	oldest, err := s.OldestPendingApproval("conv-1")
	if err != nil || oldest == nil {
		t.Fatalf("oldest pending: %+v err=%v", oldest, err)
	}
	if oldest.ID != first.ID {
		t.Errorf("oldest = %s, want %s", oldest.ID, first.ID)
	}

	if a, _ := s.OldestPendingApproval("conv-3"); a != nil {
		t.Errorf("unexpected pending approval: %+v", a)
	}
}

func TestExpireApprovals(t *testing.T) {
	s := newTestStore(t)
	old := mustCreateApproval(t, s, "conv-1", "job-1")
	if _, err := s.db.Exec(`UPDATE tool_approvals SET created_at = ? WHERE id = ?`,
		time.Now().UTC().Add(-10*time.Minute), old.ID); err != nil {
		t.Fatalf("backdate: %v", err)
	}
	fresh := mustCreateApproval(t, s, "conv-1", "job-2")

	n, err := s.ExpireApprovals(time.Now().UTC().Add(-5 * time.Minute))
	if err != nil {
		t.Fatalf("expire: %v", err)
	}
	if n != 1 {
		t.Errorf("expired %d approvals, want 1", n)
	}
	gotOld, _ := s.GetApproval(old.ID)
	if gotOld.Status != ApprovalRejected {
		t.Errorf("stale approval not rejected: %s", gotOld.Status)
	}
	gotFresh, _ := s.GetApproval(fresh.ID)
	if gotFresh.Status != ApprovalPending {
		t.Errorf("fresh approval swept: %s", gotFresh.Status)
	}

	// Sweep is idempotent.
	n, err = s.ExpireApprovals(time.Now().UTC().Add(-5 * time.Minute))
	if err != nil || n != 0 {
		t.Errorf("second sweep: n=%d err=%v", n, err)
	}
}
