package ingest

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/parleyhq/parley/internal/approval"
	"github.com/parleyhq/parley/internal/bus"
	"github.com/parleyhq/parley/internal/queue"
	"github.com/parleyhq/parley/internal/store"
)

func newTestIngestor(t *testing.T) (*Ingestor, *store.Store, *approval.Manager) {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "parley.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	q := queue.New(s, queue.Options{})
	am := approval.NewManager(s, 0)
	return New(s, q, am, bus.NewMessageBus()), s, am
}

func inboundMessage(text, externalID string) *bus.InboundMessage {
	return &bus.InboundMessage{
		Channel:        "telegram",
		AccountID:      "acct-1",
		SenderID:       "user-1",
		ConversationID: "conv-1",
		ExternalID:     externalID,
		Content:        text,
		Timestamp:      time.Now(),
	}
}

func TestProcessEnqueuesJobWithPayload(t *testing.T) {
	in, s, _ := newTestIngestor(t)

	out, err := in.Process(inboundMessage("what is on my calendar", "ext-1"))
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if out.Job == nil || out.Duplicate || out.ResolvedApproval != nil {
		t.Fatalf("outcome = %+v, want a job", out)
	}

	job, err := s.GetJob(out.Job.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if job.ConversationID != "conv-1" || job.MessageID != "ext-1" {
		t.Errorf("job keys: %+v", job)
	}
	if job.Payload == "" {
		t.Error("inbound payload not recorded on the job")
	}
}

func TestProcessDropsDuplicates(t *testing.T) {
	in, s, _ := newTestIngestor(t)

	if _, err := in.Process(inboundMessage("hello", "ext-1")); err != nil {
		t.Fatalf("first process: %v", err)
	}
	out, err := in.Process(inboundMessage("hello", "ext-1"))
	if err != nil {
		t.Fatalf("second process: %v", err)
	}
	if !out.Duplicate || out.Job != nil {
		t.Fatalf("outcome = %+v, want duplicate", out)
	}

	counts, err := s.CountJobsByStatus()
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if counts[store.JobPending] != 1 {
		t.Errorf("pending jobs = %d, want 1", counts[store.JobPending])
	}
}

func TestProcessRoutesApprovalReplies(t *testing.T) {
	in, s, am := newTestIngestor(t)
	a, err := am.Create("conv-1", "job-1", "send_email", "{}", "telegram")
	if err != nil {
		t.Fatalf("create approval: %v", err)
	}

	out, err := in.Process(inboundMessage("yes", "ext-2"))
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if out.ResolvedApproval == nil || out.ResolvedApproval.ID != a.ID {
		t.Fatalf("outcome = %+v, want resolved approval %s", out, a.ID)
	}
	if out.Job != nil {
		t.Error("approval reply also became a job")
	}
	if got, _ := s.GetApproval(a.ID); got.Status != store.ApprovalApproved {
		t.Errorf("approval status = %s", got.Status)
	}

	// With nothing pending, the same word is an ordinary message.
	out, err = in.Process(inboundMessage("yes", "ext-3"))
	if err != nil {
		t.Fatalf("process after resolve: %v", err)
	}
	if out.Job == nil {
		t.Error("verdict word with nothing pending must enqueue a job")
	}
}

func TestProcessRequiresConversation(t *testing.T) {
	in, _, _ := newTestIngestor(t)
	msg := inboundMessage("hi", "ext-1")
	msg.ConversationID = ""
	if _, err := in.Process(msg); err == nil {
		t.Error("accepted a message without a conversation id")
	}
}
