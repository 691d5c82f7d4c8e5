package outbound

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
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

func enqueueTestMessage(t *testing.T, q *Queue, recipient string) *store.OutboundMessage {
	t.Helper()
	m, err := q.Enqueue(&store.OutboundMessage{
		Channel:        "telegram",
		AccountID:      "acct-1",
		ConversationID: "conv-1",
		MessageID:      "msg-1",
		Recipient:      recipient,
		Payload:        "hello",
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	return m
}

func TestBackoffSchedule(t *testing.T) {
	cases := []struct {
		attempts int
		want     time.Duration
	}{
		{0, 30 * time.Second},
		{1, 60 * time.Second},
		{2, 120 * time.Second},
		{3, 240 * time.Second},
		{4, 5 * time.Minute},
		{10, 5 * time.Minute},
	}
	for _, tc := range cases {
		if got := Backoff(tc.attempts); got != tc.want {
			t.Errorf("Backoff(%d) = %v, want %v", tc.attempts, got, tc.want)
		}
	}
}

func TestFailRetrySchedulesBackoff(t *testing.T) {
	q, s := newTestQueue(t, Options{})
	m := enqueueTestMessage(t, q, "user-1")

	claimed, err := q.Claim("telegram", "acct-1", "proc-a")
	if err != nil || claimed == nil {
		t.Fatalf("claim: m=%+v err=%v", claimed, err)
	}
	retried, err := q.Fail(claimed, errors.New("network timeout"))
	if err != nil {
		t.Fatalf("fail: %v", err)
	}
	if !retried {
		t.Fatal("transient failure under budget must retry")
	}

	got, err := s.GetOutbound(m.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != store.OutboundPending || got.AttemptCount != 1 {
		t.Errorf("after retryable fail: status=%s attempts=%d", got.Status, got.AttemptCount)
	}
	if got.NextAttemptAt == nil || time.Until(*got.NextAttemptAt) < 25*time.Second {
		t.Errorf("next attempt not pushed out by backoff: %v", got.NextAttemptAt)
	}

	// The scheduled message must not be claimable before its time.
	again, err := q.Claim("telegram", "acct-1", "proc-b")
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if again != nil {
		t.Errorf("claimed a message still in backoff: %+v", again)
	}
}

func TestFailPermanentClassification(t *testing.T) {
	q, s := newTestQueue(t, Options{})
	m := enqueueTestMessage(t, q, "user-1")
	claimed, err := q.Claim("telegram", "acct-1", "proc-a")
	if err != nil || claimed == nil {
		t.Fatalf("claim: m=%+v err=%v", claimed, err)
	}

	retried, err := q.Fail(claimed, Permanent(errors.New("chat not found")))
	if err != nil {
		t.Fatalf("fail: %v", err)
	}
	if retried {
		t.Fatal("permanent failure must not retry")
	}
	got, _ := s.GetOutbound(m.ID)
	if got.Status != store.OutboundFailed || got.LastError == "" {
		t.Errorf("permanent fail: status=%s last_error=%q", got.Status, got.LastError)
	}
}

func TestFailExhaustsAttemptBudget(t *testing.T) {
	q, _ := newTestQueue(t, Options{MaxAttempts: 2})
	m := enqueueTestMessage(t, q, "user-1")

	m.AttemptCount = 1 // one transient failure already recorded
	retried, err := q.Fail(m, errors.New("still down"))
	if err != nil {
		t.Fatalf("fail: %v", err)
	}
	if retried {
		t.Error("failure at the attempt budget must be terminal")
	}
}

// flakyDeliverer fails a fixed number of times, then succeeds.
type flakyDeliverer struct {
	mu        sync.Mutex
	failures  int
	delivered []string
}

func (d *flakyDeliverer) Deliver(_ context.Context, m *store.OutboundMessage) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failures > 0 {
		d.failures--
		return fmt.Errorf("transient send error")
	}
	d.delivered = append(d.delivered, m.ID)
	return nil
}

func (d *flakyDeliverer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.delivered)
}

// manualGate is a test stand-in for a lease runner.
type manualGate struct {
	mu      sync.Mutex
	held    bool
	changes chan bool
}

func newManualGate(held bool) *manualGate {
	return &manualGate{held: held, changes: make(chan bool, 1)}
}

func (g *manualGate) Held() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.held
}

func (g *manualGate) Changes() <-chan bool { return g.changes }

func (g *manualGate) set(held bool) {
	g.mu.Lock()
	g.held = held
	g.mu.Unlock()
	g.changes <- held
}

func TestSenderDeliversAndCompletes(t *testing.T) {
	q, s := newTestQueue(t, Options{})
	m := enqueueTestMessage(t, q, "user-1")

	d := &flakyDeliverer{}
	sender := NewSender(q, d, nil, "telegram", "acct-1", "proc-a",
		SenderOptions{ClaimBackoff: 10 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() { defer close(done); _ = sender.Run(ctx) }()

	waitFor(t, func() bool {
		got, err := s.GetOutbound(m.ID)
		return err == nil && got.Status == store.OutboundSent
	}, "message delivered")
	if d.count() != 1 {
		t.Errorf("delivered %d times, want 1", d.count())
	}
	cancel()
	<-done
}

func TestSenderFailsMissingRecipientPermanently(t *testing.T) {
	q, s := newTestQueue(t, Options{})
	m := enqueueTestMessage(t, q, "")

	d := &flakyDeliverer{}
	sender := NewSender(q, d, nil, "telegram", "acct-1", "proc-a",
		SenderOptions{ClaimBackoff: 10 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() { defer close(done); _ = sender.Run(ctx) }()

	waitFor(t, func() bool {
		got, err := s.GetOutbound(m.ID)
		return err == nil && got.Status == store.OutboundFailed
	}, "missing recipient failed")
	if d.count() != 0 {
		t.Error("recipient-less message must never reach the channel")
	}
	cancel()
	<-done
}

func TestSenderPausesWhileLeaseLost(t *testing.T) {
	q, s := newTestQueue(t, Options{})

	gate := newManualGate(false)
	d := &flakyDeliverer{}
	sender := NewSender(q, d, gate, "telegram", "acct-1", "proc-a",
		SenderOptions{ClaimBackoff: 10 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() { defer close(done); _ = sender.Run(ctx) }()

	m := enqueueTestMessage(t, q, "user-1")
	time.Sleep(100 * time.Millisecond)
	if got, _ := s.GetOutbound(m.ID); got.Status != store.OutboundPending {
		t.Fatalf("message moved while lease not held: %s", got.Status)
	}

	// Regaining the lease drains the backlog without intervention.
	gate.set(true)
	waitFor(t, func() bool {
		got, err := s.GetOutbound(m.ID)
		return err == nil && got.Status == store.OutboundSent
	}, "backlog drained after lease regain")
	cancel()
	<-done
}

func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
