// Package worker implements the job processing loop: claim a job,
// heartbeat its lease while running, route to a model tier, drive the
// LLM/tool conversation (suspending on tool approvals), and enqueue
// the reply for outbound delivery.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
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

const (
	defaultClaimBackoff  = time.Second
	defaultErrorBackoff  = 2 * time.Second
	defaultMaxIterations = 10
)

// ResolveFunc builds an LLM client for a routed model identifier.
type ResolveFunc func(cfg *config.Config, model string) (provider.LLMProvider, error)

// Options wires a worker. Zero timing values fall back to defaults.
type Options struct {
	ProcessorID   string
	ClaimBackoff  time.Duration
	ErrorBackoff  time.Duration
	MaxIterations int
	Resolve       ResolveFunc
}

// Worker claims and processes jobs until stopped.
type Worker struct {
	cfg           *config.Config
	store         *store.Store
	queue         *queue.Queue
	outbound      *outbound.Queue
	approvals     *approval.Manager
	router        *router.Router
	registry      *Registry
	resolve       ResolveFunc
	processorID   string
	claimBackoff  time.Duration
	errorBackoff  time.Duration
	maxIterations int
}

func New(cfg *config.Config, s *store.Store, q *queue.Queue, ob *outbound.Queue, am *approval.Manager, rt *router.Router, reg *Registry, opts Options) *Worker {
	if opts.ClaimBackoff <= 0 {
		opts.ClaimBackoff = defaultClaimBackoff
	}
	if opts.ErrorBackoff <= 0 {
		opts.ErrorBackoff = defaultErrorBackoff
	}
	if opts.MaxIterations <= 0 {
		opts.MaxIterations = defaultMaxIterations
	}
	if opts.Resolve == nil {
		opts.Resolve = func(c *config.Config, model string) (provider.LLMProvider, error) {
			return provider.Resolve(c, model)
		}
	}
	w := &Worker{
		cfg:           cfg,
		store:         s,
		queue:         q,
		outbound:      ob,
		approvals:     am,
		router:        rt,
		registry:      reg,
		resolve:       opts.Resolve,
		processorID:   opts.ProcessorID,
		claimBackoff:  opts.ClaimBackoff,
		errorBackoff:  opts.ErrorBackoff,
		maxIterations: opts.MaxIterations,
	}
	reg.Register(delegateTool{spawn: w.spawnDelegate})
	reg.Register(clockTool{})
	return w
}

// Run claims and processes jobs until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	slog.Info("Worker started", "processor", w.processorID)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		job, err := w.queue.Claim(w.processorID)
		if err != nil {
			slog.Error("Job claim failed", "processor", w.processorID, "error", err)
			if err := sleep(ctx, w.errorBackoff); err != nil {
				return err
			}
			continue
		}
		if job == nil {
			if err := sleep(ctx, w.claimBackoff); err != nil {
				return err
			}
			continue
		}
		w.process(ctx, job)
	}
}

// process drives one claimed job to a terminal state.
func (w *Worker) process(ctx context.Context, job *store.Job) {
	slog.Info("Processing job", "job_id", job.ID, "conversation", job.ConversationID, "attempt", job.AttemptCount)

	// The lease is the cancellation unit: the heartbeat loop extends it
	// while we work, and losing it cancels jobCtx so a reclaimed job is
	// not finished twice.
	jobCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	hbDone := make(chan struct{})
	go w.heartbeatLoop(jobCtx, cancel, hbDone, job.ID)

	result, modelUsed, err := w.run(jobCtx, job)
	cancel()
	<-hbDone

	if err != nil {
		w.fail(job, err)
		return
	}
	if err := w.queue.Complete(job.ID, result, modelUsed); err != nil {
		slog.Error("Job complete write failed", "job_id", job.ID, "error", err)
		return
	}
	slog.Info("Job completed", "job_id", job.ID, "model", modelUsed)
}

func (w *Worker) heartbeatLoop(ctx context.Context, cancel context.CancelFunc, done chan struct{}, jobID string) {
	defer close(done)
	interval := w.queue.LockDuration() / 3
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ok, err := w.queue.Heartbeat(jobID, w.processorID)
			if err != nil {
				slog.Warn("Job heartbeat error", "job_id", jobID, "error", err)
				continue
			}
			if !ok {
				slog.Warn("Job lease lost, abandoning work", "job_id", jobID)
				cancel()
				return
			}
		}
	}
}

// run executes the routed LLM/tool conversation and enqueues the reply.
func (w *Worker) run(ctx context.Context, job *store.Job) (result, modelUsed string, err error) {
	event, err := decodeEvent(job)
	if err != nil {
		return "", "", &jobError{reason: "invalid_payload", err: err}
	}

	messageCount, err := w.store.CountJobsForConversation(job.ConversationID)
	if err != nil {
		return "", "", &jobError{reason: "store_error", err: err}
	}
	sel := w.router.Select(router.RouteContext{
		Channel:      event.Channel,
		ToolCount:    w.registry.Len(),
		MessageCount: messageCount,
	})
	candidates := w.router.Candidates(sel)
	if len(candidates) == 0 {
		return "", "", &jobError{reason: "no_compatible_model", err: fmt.Errorf("no model compatible with provider mode")}
	}
	slog.Debug("Model routed", "job_id", job.ID, "tier", sel.Tier.String(), "primary", sel.Primary, "reason", sel.Reason)

	messages := []provider.Message{
		{Role: "system", Content: "You are a helpful assistant replying inside a chat conversation."},
		{Role: "user", Content: event.Content},
	}

	var lastErr error
	for _, model := range candidates {
		result, err := w.converse(ctx, job, event, model, messages)
		if err == nil {
			return result, model, nil
		}
		if errors.Is(err, context.Canceled) {
			return "", "", &jobError{reason: "lease_lost", err: err}
		}
		var jerr *jobError
		if errors.As(err, &jerr) {
			// Tool and approval failures are not the model's fault;
			// escalating tiers will not help.
			return "", "", err
		}
		slog.Warn("Model attempt failed, escalating", "job_id", job.ID, "model", model, "error", err)
		lastErr = err
	}
	return "", "", &jobError{reason: "model_error", err: lastErr}
}

// converse runs the tool-call loop against one model until it yields a
// final answer, then enqueues the reply for delivery.
func (w *Worker) converse(ctx context.Context, job *store.Job, event *bus.InboundMessage, model string, messages []provider.Message) (string, error) {
	prov, err := w.resolve(w.cfg, model)
	if err != nil {
		return "", err
	}

	for iter := 0; iter < w.maxIterations; iter++ {
		resp, err := prov.Chat(ctx, &provider.ChatRequest{
			Messages: messages,
			Tools:    w.registry.Definitions(),
			Model:    model,
		})
		if err != nil {
			return "", err
		}
		if len(resp.ToolCalls) == 0 {
			if err := w.enqueueReply(job, event, resp.Content); err != nil {
				return "", &jobError{reason: "outbound_error", err: err}
			}
			return resp.Content, nil
		}

		messages = append(messages, provider.Message{
			Role: "assistant", Content: resp.Content, ToolCalls: resp.ToolCalls,
		})
		for _, call := range resp.ToolCalls {
			output, err := w.executeTool(ctx, job, event, call)
			if err != nil {
				return "", err
			}
			messages = append(messages, provider.Message{
				Role: "tool", Content: output, ToolCallID: call.ID,
			})
		}
	}
	return "", &jobError{reason: "tool_loop_overflow", err: fmt.Errorf("no final answer after %d iterations", w.maxIterations)}
}

// executeTool runs one tool call, gating sensitive tools behind an
// approval. A rejection or expiry becomes a tool result the model can
// relay, not a job failure.
func (w *Worker) executeTool(ctx context.Context, job *store.Job, event *bus.InboundMessage, call provider.ToolCall) (string, error) {
	tool, ok := w.registry.Get(call.Name)
	if !ok {
		return fmt.Sprintf("unknown tool %q", call.Name), nil
	}

	if tool.RequiresApproval() {
		approved, err := w.awaitApproval(ctx, job, event, call)
		if err != nil {
			return "", err
		}
		if !approved {
			return fmt.Sprintf("tool %s was not approved by the user", call.Name), nil
		}
	}

	args := call.Arguments
	if args == nil {
		args = map[string]any{}
	}
	args[delegateParentKey] = job.ID
	args[delegateConversationKey] = job.ConversationID

	output, err := tool.Execute(ctx, args)
	if err != nil {
		slog.Warn("Tool execution failed", "job_id", job.ID, "tool", call.Name, "error", err)
		return fmt.Sprintf("tool %s failed: %v", call.Name, err), nil
	}
	return output, nil
}

// awaitApproval records a pending approval, tells the user, and
// suspends until it is resolved or its TTL lapses.
func (w *Worker) awaitApproval(ctx context.Context, job *store.Job, event *bus.InboundMessage, call provider.ToolCall) (bool, error) {
	input, _ := json.Marshal(call.Arguments)
	a, err := w.approvals.Create(job.ConversationID, job.ID, call.Name, string(input), event.Channel)
	if err != nil {
		return false, &jobError{reason: "approval_error", err: err}
	}
	prompt := fmt.Sprintf("I need your approval to run %s. Reply \"yes\" to approve or \"no\" to reject.", call.Name)
	if err := w.enqueueReply(job, event, prompt); err != nil {
		return false, &jobError{reason: "outbound_error", err: err}
	}

	waitCtx, cancel := context.WithTimeout(ctx, w.approvals.TTL())
	defer cancel()
	approved, err := w.approvals.Wait(waitCtx, a.ID)
	if err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		// TTL elapsed without a decision; the expiry sweep rejects the
		// record, we just report the non-approval.
		slog.Info("Tool approval timed out", "approval_id", a.ID, "tool", call.Name)
		return false, nil
	}
	return approved, nil
}

// enqueueReply records the assistant's message on the durable delivery
// queue for the channel sender loop to pick up.
func (w *Worker) enqueueReply(job *store.Job, event *bus.InboundMessage, content string) error {
	if content == "" {
		return nil
	}
	// Delegated jobs report back through their job result, not the
	// user-facing channel.
	if job.IsInternal {
		return nil
	}
	recipient := event.ReplyTo
	if recipient == "" {
		recipient = event.SenderID
	}
	_, err := w.outbound.Enqueue(&store.OutboundMessage{
		Channel:        event.Channel,
		AccountID:      event.AccountID,
		ConversationID: job.ConversationID,
		MessageID:      job.MessageID,
		Recipient:      recipient,
		Payload:        content,
	})
	return err
}

// spawnDelegate backs the delegate tool.
func (w *Worker) spawnDelegate(parentJobID, conversationID, task string) (string, error) {
	child, err := w.queue.CreateInternalJob(parentJobID, conversationID, fmt.Sprintf("delegate-%d", time.Now().UnixNano()))
	if err != nil {
		return "", err
	}
	if _, err := w.store.DB().Exec(`UPDATE jobs SET payload = ? WHERE id = ?`, delegatePayload(task), child.ID); err != nil {
		slog.Warn("Failed to record delegate task", "job_id", child.ID, "error", err)
	}
	return child.ID, nil
}

func delegatePayload(task string) string {
	payload, _ := json.Marshal(&bus.InboundMessage{
		Channel: "internal",
		Content: task,
	})
	return string(payload)
}

// fail records the error and requeues the job while its attempt budget
// allows.
func (w *Worker) fail(job *store.Job, err error) {
	reason := "processing_error"
	var jerr *jobError
	if errors.As(err, &jerr) {
		reason = jerr.reason
	}
	if reason == "lease_lost" {
		// The lease owner has changed; the job is no longer ours to
		// fail. The stale sweep or the new owner handles it.
		slog.Warn("Job abandoned after lease loss", "job_id", job.ID)
		return
	}

	if failErr := w.queue.Fail(job.ID, reason, err.Error()); failErr != nil {
		slog.Error("Job fail write failed", "job_id", job.ID, "error", failErr)
		return
	}
	retried, retryErr := w.queue.Retry(job.ID)
	if retryErr != nil {
		slog.Error("Job retry failed", "job_id", job.ID, "error", retryErr)
		return
	}
	slog.Warn("Job failed", "job_id", job.ID, "reason", reason, "retried", retried, "error", err)
}

// jobError carries the failure reason recorded on the job row.
type jobError struct {
	reason string
	err    error
}

func (e *jobError) Error() string { return fmt.Sprintf("%s: %v", e.reason, e.err) }
func (e *jobError) Unwrap() error { return e.err }

// decodeEvent recovers the inbound event a job was created from.
func decodeEvent(job *store.Job) (*bus.InboundMessage, error) {
	if job.Payload == "" {
		return nil, fmt.Errorf("job %s has no payload", job.ID)
	}
	var event bus.InboundMessage
	if err := json.Unmarshal([]byte(job.Payload), &event); err != nil {
		return nil, fmt.Errorf("decode job payload: %w", err)
	}
	return &event, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
