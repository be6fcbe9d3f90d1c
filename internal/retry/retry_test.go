package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/denizbac/fleetcore/internal/registry"
	"github.com/denizbac/fleetcore/internal/scheduler"
	"github.com/denizbac/fleetcore/internal/store"
)

func newTestPolicy(t *testing.T) (*Policy, store.Store, string) {
	t.Helper()
	st, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	repo, err := st.CreateRepo(context.Background(), "retry-repo", "https://example.com/r.git", "main", "full", 0)
	if err != nil {
		t.Fatalf("CreateRepo: %v", err)
	}
	return New(st, 30*time.Second, nil), st, repo.RepoID
}

func TestBackoffDoubles(t *testing.T) {
	t.Parallel()
	p := New(nil, 30*time.Second, nil)
	for attempt, want := range map[int]time.Duration{
		1: 30 * time.Second,
		2: 60 * time.Second,
		3: 120 * time.Second,
	} {
		if got := p.Backoff(attempt); got != want {
			t.Fatalf("Backoff(%d) = %v, want %v", attempt, got, want)
		}
	}
}

func TestOnTaskFailedRequeuesWithBackoff(t *testing.T) {
	t.Parallel()
	p, st, repoID := newTestPolicy(t)
	ctx := context.Background()

	base := time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)
	p.Now = func() time.Time { return base }

	id, err := st.CreateTask(ctx, repoID, "implement", 5, "{}", 3)
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if _, err := st.ClaimTask(ctx, id, "coder-1", base); err != nil {
		t.Fatalf("ClaimTask: %v", err)
	}

	out, err := p.OnTaskFailed(ctx, id, "compile error")
	if err != nil {
		t.Fatalf("OnTaskFailed: %v", err)
	}
	if !out.Requeued || out.RetryCount != 1 {
		t.Fatalf("outcome: %+v", out)
	}
	if want := base.Add(30 * time.Second); !out.NotBefore.Equal(want) {
		t.Fatalf("not_before: got %v, want %v", out.NotBefore, want)
	}
	task, err := st.GetTask(ctx, id)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if task.Status != "pending" || task.RetryCount != 1 || task.AssignedAgent != nil {
		t.Fatalf("task after requeue: %+v", task)
	}
	if task.NotBefore == nil || !task.NotBefore.Equal(base.Add(30*time.Second)) {
		t.Fatalf("task not_before: %v", task.NotBefore)
	}
}

func TestOnTaskFailedCancelledBypasses(t *testing.T) {
	t.Parallel()
	p, st, repoID := newTestPolicy(t)
	ctx := context.Background()

	id, err := st.CreateTask(ctx, repoID, "implement", 5, "{}", 3)
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if err := st.CancelTask(ctx, id, time.Now().UTC()); err != nil {
		t.Fatalf("CancelTask: %v", err)
	}
	out, err := p.OnTaskFailed(ctx, id, "irrelevant")
	if err != nil {
		t.Fatalf("OnTaskFailed: %v", err)
	}
	if !out.Cancelled || out.Requeued || out.Terminal {
		t.Fatalf("outcome: %+v", out)
	}
	task, _ := st.GetTask(ctx, id)
	if task.Status != "cancelled" || task.RetryCount != 0 {
		t.Fatalf("cancelled task mutated: %+v", task)
	}
}

func TestOnTaskFailedAlreadyFailed(t *testing.T) {
	t.Parallel()
	p, st, repoID := newTestPolicy(t)
	ctx := context.Background()

	id, err := st.CreateTask(ctx, repoID, "implement", 5, "{}", 1)
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	now := time.Now().UTC()
	if _, err := st.ClaimTask(ctx, id, "coder-1", now); err != nil {
		t.Fatalf("ClaimTask: %v", err)
	}
	if _, err := st.FailTask(ctx, id, "boom", now); err != nil {
		t.Fatalf("FailTask: %v", err)
	}
	_, err = p.OnTaskFailed(ctx, id, "boom again")
	if !errors.Is(err, store.ErrRetryExhausted) {
		t.Fatalf("expected ErrRetryExhausted, got %v", err)
	}
}

// Create task -> assign -> fail -> retry -> fail -> retry -> fail -> terminal.
func TestThreeFailuresEndToEnd(t *testing.T) {
	t.Parallel()
	p, st, repoID := newTestPolicy(t)
	ctx := context.Background()

	reg := registry.New(st, map[string][]string{"coder": {"implement"}}, 60*time.Second)
	sched := scheduler.New(st, reg, nil)

	clock := time.Date(2026, 6, 2, 10, 0, 0, 0, time.UTC)
	now := func() time.Time { return clock }
	p.Now, reg.Now, sched.Now = now, now, now

	if err := reg.Register(ctx, "agent-a", "coder", nil); err != nil {
		t.Fatalf("Register: %v", err)
	}
	id, err := st.CreateTask(ctx, repoID, "implement", 5, "{}", 3)
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	for attempt := 1; attempt <= 2; attempt++ {
		task, err := sched.NextAssignment(ctx, "agent-a", "coder")
		if err != nil {
			t.Fatalf("NextAssignment #%d: %v", attempt, err)
		}
		if task == nil || task.TaskID != id {
			t.Fatalf("assignment #%d: %+v", attempt, task)
		}
		out, err := p.OnTaskFailed(ctx, id, "flaky network")
		if err != nil {
			t.Fatalf("OnTaskFailed #%d: %v", attempt, err)
		}
		if !out.Requeued || out.RetryCount != attempt {
			t.Fatalf("outcome #%d: %+v", attempt, out)
		}
		// Keep the agent fresh and jump past the backoff gate.
		clock = out.NotBefore.Add(time.Second)
		if err := reg.Heartbeat(ctx, "agent-a"); err != nil {
			t.Fatalf("Heartbeat: %v", err)
		}
	}

	// The third failure exhausts max_retries=3.
	task, err := sched.NextAssignment(ctx, "agent-a", "coder")
	if err != nil || task == nil {
		t.Fatalf("final assignment: %+v, %v", task, err)
	}
	out, err := p.OnTaskFailed(ctx, id, "still broken")
	if err != nil {
		t.Fatalf("final OnTaskFailed: %v", err)
	}
	if !out.Terminal {
		t.Fatalf("expected terminal outcome: %+v", out)
	}
	final, err := st.GetTask(ctx, id)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if final.Status != "failed" || final.RetryCount != 2 {
		t.Fatalf("final task: %+v", final)
	}
	if final.Error == nil || *final.Error != "still broken" {
		t.Fatalf("final error: %v", final.Error)
	}
	// Never returns to pending on its own.
	if next, _ := sched.NextAssignment(ctx, "agent-a", "coder"); next != nil {
		t.Fatalf("failed task rescheduled: %+v", next)
	}
	errs, err := st.ListTaskErrors(ctx, id)
	if err != nil {
		t.Fatalf("ListTaskErrors: %v", err)
	}
	if len(errs) != 3 {
		t.Fatalf("expected 3 error history entries, got %d", len(errs))
	}
}
