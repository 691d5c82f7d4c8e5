package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/parleyhq/parley/internal/approval"
	"github.com/parleyhq/parley/internal/bus"
	"github.com/parleyhq/parley/internal/config"
	"github.com/parleyhq/parley/internal/outbound"
	"github.com/parleyhq/parley/internal/provider"
	"github.com/parleyhq/parley/internal/queue"
	"github.com/parleyhq/parley/internal/router"
	"github.com/parleyhq/parley/internal/store"
)

// scriptedProvider returns canned responses in order, tracking the
// models it was asked for.
type scriptedProvider struct {
	mu        sync.Mutex
	responses []*provider.ChatResponse
	errs      []error
	models    []string
}

func (p *scriptedProvider) Chat(_ context.Context, req *provider.ChatRequest) (*provider.ChatResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.models = append(p.models, req.Model)
	if len(p.errs) > 0 {
		err := p.errs[0]
		p.errs = p.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	if len(p.responses) == 0 {
		return &provider.ChatResponse{Content: "default answer"}, nil
	}
	resp := p.responses[0]
	p.responses = p.responses[1:]
	return resp, nil
}

func (p *scriptedProvider) DefaultModel() string { return "scripted" }

type testEnv struct {
	worker    *Worker
	store     *store.Store
	queue     *queue.Queue
	outbound  *outbound.Queue
	approvals *approval.Manager
	provider  *scriptedProvider
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "parley.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	cfg := config.DefaultConfig()
	q := queue.New(s, queue.Options{})
	ob := outbound.New(s, outbound.Options{})
	am := approval.NewManager(s, time.Minute)
	rt := router.New(cfg.Router)
	prov := &scriptedProvider{}

	w := New(cfg, s, q, ob, am, rt, NewRegistry(), Options{
		ProcessorID: "worker-test",
		Resolve: func(_ *config.Config, _ string) (provider.LLMProvider, error) {
			return prov, nil
		},
	})
	return &testEnv{worker: w, store: s, queue: q, outbound: ob, approvals: am, provider: prov}
}

func (e *testEnv) enqueueAndClaim(t *testing.T, text string) *store.Job {
	t.Helper()
	payload, _ := json.Marshal(&bus.InboundMessage{
		Channel:        "telegram",
		AccountID:      "acct-1",
		SenderID:       "user-1",
		ConversationID: "conv-1",
		Content:        text,
	})
	if _, err := e.queue.EnqueueWithPayload("conv-1", fmt.Sprintf("msg-%d", time.Now().UnixNano()), "", string(payload)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	job, err := e.queue.Claim("worker-test")
	if err != nil || job == nil {
		t.Fatalf("claim: job=%+v err=%v", job, err)
	}
	return job
}

func TestProcessCompletesAndEnqueuesReply(t *testing.T) {
	e := newTestEnv(t)
	e.provider.responses = []*provider.ChatResponse{{Content: "the answer"}}
	job := e.enqueueAndClaim(t, "question")

	e.worker.process(context.Background(), job)

	got, err := e.store.GetJob(job.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if got.Status != store.JobCompleted || got.Result != "the answer" || got.ModelUsed == "" {
		t.Errorf("completed job: %+v", got)
	}

	pending, err := e.store.ListOutbound(store.OutboundPending, 0)
	if err != nil {
		t.Fatalf("list outbound: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("outbound rows = %d, want 1", len(pending))
	}
	if pending[0].Payload != "the answer" || pending[0].Recipient != "user-1" || pending[0].Channel != "telegram" {
		t.Errorf("outbound row: %+v", pending[0])
	}
}

func TestProcessEscalatesThroughFallbacks(t *testing.T) {
	e := newTestEnv(t)
	e.provider.errs = []error{errors.New("lite overloaded"), nil}
	e.provider.responses = []*provider.ChatResponse{{Content: "rescued"}}
	job := e.enqueueAndClaim(t, "question")

	e.worker.process(context.Background(), job)

	got, _ := e.store.GetJob(job.ID)
	if got.Status != store.JobCompleted {
		t.Fatalf("job status = %s", got.Status)
	}
	if len(e.provider.models) != 2 {
		t.Fatalf("models tried = %v", e.provider.models)
	}
	if e.provider.models[0] == e.provider.models[1] {
		t.Errorf("fallback reused the failed model: %v", e.provider.models)
	}
	if got.ModelUsed != e.provider.models[1] {
		t.Errorf("model_used = %q, want %q", got.ModelUsed, e.provider.models[1])
	}
}

func TestProcessFailsAndRetriesOnModelExhaustion(t *testing.T) {
	e := newTestEnv(t)
	e.provider.errs = []error{errors.New("down"), errors.New("down"), errors.New("down")}
	job := e.enqueueAndClaim(t, "question")

	e.worker.process(context.Background(), job)

	got, _ := e.store.GetJob(job.ID)
	if got.Status != store.JobPending {
		t.Fatalf("job status = %s, want requeued pending", got.Status)
	}
	if got.AttemptCount != 1 || got.ErrorReason != "model_error" {
		t.Errorf("retried job: attempts=%d reason=%s", got.AttemptCount, got.ErrorReason)
	}
}

func TestProcessFailsInvalidPayload(t *testing.T) {
	e := newTestEnv(t)
	if _, err := e.queue.Enqueue("conv-1", "msg-1", ""); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	job, err := e.queue.Claim("worker-test")
	if err != nil || job == nil {
		t.Fatalf("claim: job=%+v err=%v", job, err)
	}

	e.worker.process(context.Background(), job)

	got, _ := e.store.GetJob(job.ID)
	if got.ErrorReason != "invalid_payload" {
		t.Errorf("reason = %s", got.ErrorReason)
	}
}

func TestToolCallRoundTrip(t *testing.T) {
	e := newTestEnv(t)
	e.provider.responses = []*provider.ChatResponse{
		{ToolCalls: []provider.ToolCall{{ID: "tc-1", Name: "current_time", Arguments: map[string]any{}}}},
		{Content: "it is late"},
	}
	job := e.enqueueAndClaim(t, "what time is it")

	e.worker.process(context.Background(), job)

	got, _ := e.store.GetJob(job.ID)
	if got.Status != store.JobCompleted || got.Result != "it is late" {
		t.Errorf("job after tool round trip: %+v", got)
	}
}

// approvalTool requires confirmation and records whether it ran.
type approvalTool struct {
	mu  sync.Mutex
	ran bool
}

func (a *approvalTool) Name() string        { return "wipe_calendar" }
func (a *approvalTool) Description() string { return "Deletes every calendar event." }
func (a *approvalTool) Parameters() map[string]any {
	return map[string]any{"type": "object", "properties": map[string]any{}}
}
func (a *approvalTool) RequiresApproval() bool { return true }
func (a *approvalTool) Execute(_ context.Context, _ map[string]any) (string, error) {
	a.mu.Lock()
	a.ran = true
	a.mu.Unlock()
	return "calendar wiped", nil
}

func (a *approvalTool) didRun() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.ran
}

func TestSensitiveToolWaitsForApproval(t *testing.T) {
	e := newTestEnv(t)
	tool := &approvalTool{}
	e.worker.registry.Register(tool)
	e.provider.responses = []*provider.ChatResponse{
		{ToolCalls: []provider.ToolCall{{ID: "tc-1", Name: "wipe_calendar", Arguments: map[string]any{}}}},
		{Content: "done"},
	}
	job := e.enqueueAndClaim(t, "wipe my calendar")

	done := make(chan struct{})
	go func() {
		defer close(done)
		e.worker.process(context.Background(), job)
	}()

	// The worker suspends on a pending approval and asks the user.
	var pendingID string
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		pending, err := e.approvals.Pending()
		if err != nil {
			t.Fatalf("pending: %v", err)
		}
		if len(pending) == 1 {
			pendingID = pending[0].ID
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if pendingID == "" {
		t.Fatal("no approval was created")
	}
	if tool.didRun() {
		t.Fatal("tool ran before approval")
	}

	if ok, err := e.approvals.Resolve(pendingID, true); err != nil || !ok {
		t.Fatalf("resolve: ok=%v err=%v", ok, err)
	}
	<-done

	if !tool.didRun() {
		t.Error("approved tool never ran")
	}
	got, _ := e.store.GetJob(job.ID)
	if got.Status != store.JobCompleted {
		t.Errorf("job status = %s", got.Status)
	}
}

func TestRejectedToolDoesNotRun(t *testing.T) {
	e := newTestEnv(t)
	tool := &approvalTool{}
	e.worker.registry.Register(tool)
	e.provider.responses = []*provider.ChatResponse{
		{ToolCalls: []provider.ToolCall{{ID: "tc-1", Name: "wipe_calendar", Arguments: map[string]any{}}}},
		{Content: "understood, leaving it alone"},
	}
	job := e.enqueueAndClaim(t, "wipe my calendar")

	done := make(chan struct{})
	go func() {
		defer close(done)
		e.worker.process(context.Background(), job)
	}()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		pending, _ := e.approvals.Pending()
		if len(pending) == 1 {
			if ok, err := e.approvals.Resolve(pending[0].ID, false); err != nil || !ok {
				t.Fatalf("resolve: ok=%v err=%v", ok, err)
			}
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	<-done

	if tool.didRun() {
		t.Error("rejected tool ran anyway")
	}
	got, _ := e.store.GetJob(job.ID)
	if got.Status != store.JobCompleted {
		t.Errorf("job status = %s", got.Status)
	}
}

func TestDelegateToolSpawnsInternalJob(t *testing.T) {
	e := newTestEnv(t)
	e.provider.responses = []*provider.ChatResponse{
		{ToolCalls: []provider.ToolCall{{ID: "tc-1", Name: "delegate", Arguments: map[string]any{"task": "summarize the thread"}}}},
		{Content: "working on it in the background"},
	}
	job := e.enqueueAndClaim(t, "summarize this later")

	e.worker.process(context.Background(), job)

	pending, err := e.store.ListJobsByStatus(store.JobPending, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("pending jobs = %d, want the delegated child", len(pending))
	}
	child := pending[0]
	if !child.IsInternal || child.ParentJobID != job.ID || child.DelegationDepth != 1 {
		t.Errorf("delegated child: %+v", child)
	}
}
