package queue

import (
	"testing"
	"time"

	"github.com/parleyhq/parley/internal/store"
)

func TestIsStaleWithLockExpiry(t *testing.T) {
	now := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	expiry := now.Add(-time.Second)
	job := &store.Job{LockedUntil: &expiry}
	if !IsStale(job, now, DefaultLegacyStaleWindow) {
		t.Error("expired lock not stale")
	}

	future := now.Add(time.Second)
	job = &store.Job{LockedUntil: &future}
	if IsStale(job, now, DefaultLegacyStaleWindow) {
		t.Error("live lock reported stale")
	}

	// Boundary: now == lockedUntil is not stale.
	job = &store.Job{LockedUntil: &now}
	if IsStale(job, now, DefaultLegacyStaleWindow) {
		t.Error("now == lockedUntil must not be stale")
	}
}

func TestIsStaleLegacyWindow(t *testing.T) {
	now := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)

	started := now.Add(-6 * time.Minute)
	job := &store.Job{StartedAt: &started, CreatedAt: now.Add(-time.Hour)}
	if !IsStale(job, now, 5*time.Minute) {
		t.Error("legacy job past window not stale")
	}

	started = now.Add(-4 * time.Minute)
	job = &store.Job{StartedAt: &started}
	if IsStale(job, now, 5*time.Minute) {
		t.Error("legacy job inside window reported stale")
	}

	// No startedAt: creation time is the reference.
	job = &store.Job{CreatedAt: now.Add(-6 * time.Minute)}
	if !IsStale(job, now, 5*time.Minute) {
		t.Error("creation-time fallback not applied")
	}

	// Boundary: exactly the window is not stale.
	job = &store.Job{CreatedAt: now.Add(-5 * time.Minute)}
	if IsStale(job, now, 5*time.Minute) {
		t.Error("exactly the window must not be stale")
	}
}

func TestResolveStaleAction(t *testing.T) {
	cases := []struct {
		attempts, max int
		want          StaleAction
	}{
		{0, 3, ActionRequeue},
		{1, 3, ActionRequeue},
		{2, 3, ActionFail},
		{5, 3, ActionFail},
		{0, 1, ActionFail},
	}
	for _, c := range cases {
		if got := ResolveStaleAction(c.attempts, c.max); got != c.want {
			t.Errorf("ResolveStaleAction(%d, %d) = %s, want %s", c.attempts, c.max, got, c.want)
		}
	}
}

func TestCanRetry(t *testing.T) {
	cases := []struct {
		attempts, max int
		want          bool
	}{
		{0, 3, true},
		{1, 3, true},
		{2, 3, false},
		{3, 3, false},
	}
	for _, c := range cases {
		if got := CanRetry(c.attempts, c.max); got != c.want {
			t.Errorf("CanRetry(%d, %d) = %v, want %v", c.attempts, c.max, got, c.want)
		}
	}
}
