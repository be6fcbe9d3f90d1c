package store

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func openTestStore(t *testing.T) Store {
	t.Helper()
	st, err := Open(filepath.Join(t.TempDir(), "home"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func mustRepo(t *testing.T, st Store, name, autonomy string) Repository {
	t.Helper()
	r, err := st.CreateRepo(context.Background(), name, "git@example.com:"+name+".git", "main", autonomy, 0)
	if err != nil {
		t.Fatalf("CreateRepo(%s): %v", name, err)
	}
	return r
}

func ptr[T any](v T) *T { return &v }

func TestForeignKeysOnEveryConnection(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	s := st.(*sqliteStore)
	ctx := context.Background()

	// Holding connections open forces the pool to hand out distinct ones.
	conns := make([]*sql.Conn, 0, 4)
	for i := 0; i < 4; i++ {
		c, err := s.DB.Conn(ctx)
		if err != nil {
			t.Fatalf("Conn: %v", err)
		}
		conns = append(conns, c)
	}
	defer func() {
		for _, c := range conns {
			_ = c.Close()
		}
	}()
	for i, c := range conns {
		var on int
		if err := c.QueryRowContext(ctx, "PRAGMA foreign_keys").Scan(&on); err != nil {
			t.Fatalf("conn %d pragma: %v", i, err)
		}
		if on != 1 {
			t.Fatalf("conn %d: foreign_keys off", i)
		}
	}
}

func TestMigrationsAndRepoCRUD(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	r := mustRepo(t, st, "api", "guided")
	got, err := st.GetRepoByName(ctx, "api")
	if err != nil {
		t.Fatalf("GetRepoByName: %v", err)
	}
	if got.RepoID != r.RepoID || got.AutonomyMode != "guided" || !got.Active {
		t.Fatalf("unexpected repo: %+v", got)
	}

	if err := st.SetRepoAutonomy(ctx, r.RepoID, "full"); err != nil {
		t.Fatalf("SetRepoAutonomy: %v", err)
	}
	if err := st.SetRepoMaxInProgress(ctx, r.RepoID, 2); err != nil {
		t.Fatalf("SetRepoMaxInProgress: %v", err)
	}
	got, _ = st.GetRepo(ctx, r.RepoID)
	if got.AutonomyMode != "full" || got.MaxInProgress != 2 {
		t.Fatalf("repo settings not applied: %+v", got)
	}

	if err := st.SetRepoActive(ctx, r.RepoID, false); err != nil {
		t.Fatalf("SetRepoActive: %v", err)
	}
	got, _ = st.GetRepo(ctx, r.RepoID)
	if got.Active {
		t.Fatal("repo should be inactive")
	}

	if _, err := st.GetRepo(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := st.SetRepoAutonomy(ctx, r.RepoID, "yolo"); err == nil {
		t.Fatal("expected error for bad autonomy mode")
	}
}

func TestTaskLifecycle(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()
	r := mustRepo(t, st, "api", "guided")
	now := time.Now().UTC()

	id, err := st.CreateTask(ctx, r.RepoID, "build", 5, `{"ref":"abc"}`, 3)
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	task, err := st.GetTask(ctx, id)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if task.Status != "pending" || task.RetryCount != 0 || task.MaxRetries != 3 {
		t.Fatalf("unexpected new task: %+v", task)
	}

	claimed, err := st.ClaimTask(ctx, id, "builder-1", now)
	if err != nil || !claimed {
		t.Fatalf("ClaimTask: claimed=%v err=%v", claimed, err)
	}
	// Second claim must miss: the task is no longer pending.
	claimed, err = st.ClaimTask(ctx, id, "builder-2", now)
	if err != nil {
		t.Fatalf("ClaimTask: %v", err)
	}
	if claimed {
		t.Fatal("double claim succeeded")
	}

	task, _ = st.GetTask(ctx, id)
	if task.Status != "in_progress" || task.AssignedAgent == nil || *task.AssignedAgent != "builder-1" || task.StartedAt == nil {
		t.Fatalf("claimed task wrong: %+v", task)
	}

	// Completion is guarded by the holding agent.
	done, err := st.CompleteTask(ctx, id, "builder-2", "nope", now)
	if err != nil || done {
		t.Fatalf("CompleteTask by wrong agent: done=%v err=%v", done, err)
	}
	done, err = st.CompleteTask(ctx, id, "builder-1", `{"ok":true}`, now)
	if err != nil || !done {
		t.Fatalf("CompleteTask: done=%v err=%v", done, err)
	}
	task, _ = st.GetTask(ctx, id)
	if task.Status != "completed" || task.Result == nil || task.CompletedAt == nil || task.AssignedAgent != nil {
		t.Fatalf("completed task wrong: %+v", task)
	}
}

func TestRequeueAndFail(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()
	r := mustRepo(t, st, "api", "guided")
	now := time.Now().UTC()

	id, _ := st.CreateTask(ctx, r.RepoID, "build", 5, "", 2)

	for attempt := 1; attempt <= 2; attempt++ {
		if ok, err := st.ClaimTask(ctx, id, "builder-1", now); err != nil || !ok {
			t.Fatalf("ClaimTask attempt %d: ok=%v err=%v", attempt, ok, err)
		}
		ok, err := st.RequeueTask(ctx, id, "boom", now, now)
		if err != nil || !ok {
			t.Fatalf("RequeueTask attempt %d: ok=%v err=%v", attempt, ok, err)
		}
		task, _ := st.GetTask(ctx, id)
		if task.Status != "pending" || task.RetryCount != attempt || task.AssignedAgent != nil {
			t.Fatalf("requeued task wrong after attempt %d: %+v", attempt, task)
		}
	}

	// retry_count == max_retries: requeue must refuse, fail must land.
	if ok, _ := st.ClaimTask(ctx, id, "builder-1", now); !ok {
		t.Fatal("claim after requeues")
	}
	ok, err := st.RequeueTask(ctx, id, "boom", now, now)
	if err != nil {
		t.Fatalf("RequeueTask: %v", err)
	}
	if ok {
		t.Fatal("requeue succeeded past max_retries")
	}
	ok, err = st.FailTask(ctx, id, "final boom", now)
	if err != nil || !ok {
		t.Fatalf("FailTask: ok=%v err=%v", ok, err)
	}
	task, _ := st.GetTask(ctx, id)
	if task.Status != "failed" || task.Error == nil || *task.Error != "final boom" || task.CompletedAt == nil {
		t.Fatalf("failed task wrong: %+v", task)
	}

	hist, err := st.ListTaskErrors(ctx, id)
	if err != nil {
		t.Fatalf("ListTaskErrors: %v", err)
	}
	if len(hist) != 3 || hist[0].Attempt != 1 || hist[2].Attempt != 3 || hist[2].Detail != "final boom" {
		t.Fatalf("unexpected error history: %+v", hist)
	}

	// Operator override brings it back with a fresh retry budget.
	if err := st.ForceRequeueTask(ctx, id, now); err != nil {
		t.Fatalf("ForceRequeueTask: %v", err)
	}
	task, _ = st.GetTask(ctx, id)
	if task.Status != "pending" || task.RetryCount != 0 || task.Error != nil {
		t.Fatalf("force-requeued task wrong: %+v", task)
	}
	if err := st.ForceRequeueTask(ctx, id, now); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestCancelTask(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()
	r := mustRepo(t, st, "api", "guided")
	now := time.Now().UTC()

	id, _ := st.CreateTask(ctx, r.RepoID, "build", 5, "", 3)
	if err := st.CancelTask(ctx, id, now); err != nil {
		t.Fatalf("CancelTask: %v", err)
	}
	task, _ := st.GetTask(ctx, id)
	if task.Status != "cancelled" {
		t.Fatalf("task not cancelled: %+v", task)
	}
	if err := st.CancelTask(ctx, id, now); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("cancel of terminal task: want ErrInvalidTransition, got %v", err)
	}
	if err := st.CancelTask(ctx, 9999, now); !errors.Is(err, ErrNotFound) {
		t.Fatalf("cancel of missing task: want ErrNotFound, got %v", err)
	}
}

func TestNextPendingTaskOrderingAndCaps(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	r := mustRepo(t, st, "api", "guided")
	id3, _ := st.CreateTask(ctx, r.RepoID, "build", 3, "", 3)
	id9, _ := st.CreateTask(ctx, r.RepoID, "build", 9, "", 3)
	id5, _ := st.CreateTask(ctx, r.RepoID, "build", 5, "", 3)

	want := []int64{id9, id5, id3}
	for _, wantID := range want {
		next, err := st.NextPendingTask(ctx, []string{"build"}, now)
		if err != nil {
			t.Fatalf("NextPendingTask: %v", err)
		}
		if next == nil || next.TaskID != wantID {
			t.Fatalf("next = %+v, want task %d", next, wantID)
		}
		if ok, _ := st.ClaimTask(ctx, next.TaskID, "a", now); !ok {
			t.Fatal("claim failed")
		}
	}
	next, _ := st.NextPendingTask(ctx, []string{"build"}, now)
	if next != nil {
		t.Fatalf("expected no eligible task, got %+v", next)
	}

	// Type filter.
	idReview, _ := st.CreateTask(ctx, r.RepoID, "review", 5, "", 3)
	next, _ = st.NextPendingTask(ctx, []string{"build"}, now)
	if next != nil {
		t.Fatalf("type filter leaked: %+v", next)
	}
	next, _ = st.NextPendingTask(ctx, []string{"build", "review"}, now)
	if next == nil || next.TaskID != idReview {
		t.Fatalf("review task not selected: %+v", next)
	}

	// Per-repo cap: capped repo is skipped, another repo's task is returned.
	capped := mustRepo(t, st, "capped", "guided")
	if err := st.SetRepoMaxInProgress(ctx, capped.RepoID, 1); err != nil {
		t.Fatal(err)
	}
	c1, _ := st.CreateTask(ctx, capped.RepoID, "build", 9, "", 3)
	c2, _ := st.CreateTask(ctx, capped.RepoID, "build", 9, "", 3)
	other := mustRepo(t, st, "other", "guided")
	o1, _ := st.CreateTask(ctx, other.RepoID, "build", 1, "", 3)

	next, _ = st.NextPendingTask(ctx, []string{"build"}, now)
	if next == nil || next.TaskID != c1 {
		t.Fatalf("want capped repo's first task %d, got %+v", c1, next)
	}
	if ok, _ := st.ClaimTask(ctx, c1, "a", now); !ok {
		t.Fatal("claim c1")
	}
	next, _ = st.NextPendingTask(ctx, []string{"build"}, now)
	if next == nil || next.TaskID != o1 {
		t.Fatalf("capped repo not skipped: got %+v, want %d (c2=%d)", next, o1, c2)
	}

	// Inactive repo is skipped.
	if err := st.SetRepoActive(ctx, other.RepoID, false); err != nil {
		t.Fatal(err)
	}
	next, _ = st.NextPendingTask(ctx, []string{"build"}, now)
	if next != nil {
		t.Fatalf("inactive repo not skipped: %+v", next)
	}
}

func TestNextPendingTaskBackoff(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()
	r := mustRepo(t, st, "api", "guided")
	now := time.Now().UTC()

	id, _ := st.CreateTask(ctx, r.RepoID, "build", 5, "", 3)
	if ok, _ := st.ClaimTask(ctx, id, "a", now); !ok {
		t.Fatal("claim")
	}
	notBefore := now.Add(2 * time.Minute)
	if ok, err := st.RequeueTask(ctx, id, "boom", notBefore, now); err != nil || !ok {
		t.Fatalf("RequeueTask: ok=%v err=%v", ok, err)
	}

	if next, _ := st.NextPendingTask(ctx, []string{"build"}, now); next != nil {
		t.Fatalf("task selected before backoff expiry: %+v", next)
	}
	next, _ := st.NextPendingTask(ctx, []string{"build"}, now.Add(3*time.Minute))
	if next == nil || next.TaskID != id {
		t.Fatalf("task not selected after backoff expiry: %+v", next)
	}
}

func TestAgentStatus(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	if err := st.Heartbeat(ctx, "ghost", now); !errors.Is(err, ErrNotFound) {
		t.Fatalf("heartbeat for unknown agent: %v", err)
	}

	if err := st.RegisterAgent(ctx, "builder-1", "builder", nil, now); err != nil {
		t.Fatalf("RegisterAgent: %v", err)
	}
	a, err := st.GetAgent(ctx, "builder-1")
	if err != nil {
		t.Fatalf("GetAgent: %v", err)
	}
	if a.Status != "idle" || !a.LastHeartbeat.Equal(now) {
		t.Fatalf("unexpected agent: %+v", a)
	}

	later := now.Add(30 * time.Second)
	if err := st.Heartbeat(ctx, "builder-1", later); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}
	a, _ = st.GetAgent(ctx, "builder-1")
	if !a.LastHeartbeat.Equal(later) {
		t.Fatalf("heartbeat not recorded: %+v", a)
	}

	// current_task_id references tasks, so a real task is needed.
	r := mustRepo(t, st, "api", "guided")
	taskID, err := st.CreateTask(ctx, r.RepoID, "build", 5, "", 3)
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if err := st.SetAgentRunning(ctx, "builder-1", taskID, later); err != nil {
		t.Fatalf("SetAgentRunning: %v", err)
	}
	a, _ = st.GetAgent(ctx, "builder-1")
	if a.Status != "running" || a.CurrentTaskID == nil || *a.CurrentTaskID != taskID {
		t.Fatalf("running agent wrong: %+v", a)
	}

	// Stale detection: heartbeat older than cutoff.
	stale, err := st.StaleAgents(ctx, later.Add(time.Second))
	if err != nil {
		t.Fatalf("StaleAgents: %v", err)
	}
	if len(stale) != 1 || stale[0].AgentName != "builder-1" {
		t.Fatalf("stale agents: %+v", stale)
	}
	if stale, _ = st.StaleAgents(ctx, later); len(stale) != 0 {
		t.Fatalf("agent wrongly stale: %+v", stale)
	}

	if err := st.MarkAgentError(ctx, "builder-1", later); err != nil {
		t.Fatalf("MarkAgentError: %v", err)
	}
	a, _ = st.GetAgent(ctx, "builder-1")
	if a.Status != "error" || a.CurrentTaskID != nil {
		t.Fatalf("error agent wrong: %+v", a)
	}

	if err := st.SetAgentStopped(ctx, "builder-1", later); err != nil {
		t.Fatalf("SetAgentStopped: %v", err)
	}
	n, _ := st.CountAgentsOnline(ctx, now)
	if n != 0 {
		t.Fatalf("stopped agent counted online: %d", n)
	}

	// Re-register resets the session.
	if err := st.RegisterAgent(ctx, "builder-1", "builder", nil, later); err != nil {
		t.Fatalf("re-register: %v", err)
	}
	a, _ = st.GetAgent(ctx, "builder-1")
	if a.Status != "idle" || !a.SessionStart.Equal(later) {
		t.Fatalf("re-registered agent wrong: %+v", a)
	}
}

func TestApprovalImmutable(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()
	r := mustRepo(t, st, "api", "guided")
	now := time.Now().UTC()

	taskID, _ := st.CreateTask(ctx, r.RepoID, "build", 5, "", 3)
	id, err := st.CreateApproval(ctx, r.RepoID, ptr(taskID), "builder", "merge", `{"mr":1}`, now)
	if err != nil {
		t.Fatalf("CreateApproval: %v", err)
	}

	a, _ := st.GetApproval(ctx, id)
	if a.Status != "pending" || a.ApprovalType != "merge" {
		t.Fatalf("unexpected approval: %+v", a)
	}

	ok, err := st.ResolveApproval(ctx, id, "approved", "alice", "lgtm", false, "", now)
	if err != nil || !ok {
		t.Fatalf("ResolveApproval: ok=%v err=%v", ok, err)
	}
	// Resolved approvals are immutable: the conditional update misses.
	ok, err = st.ResolveApproval(ctx, id, "rejected", "bob", "", false, "", now)
	if err != nil {
		t.Fatalf("ResolveApproval again: %v", err)
	}
	if ok {
		t.Fatal("resolved approval was mutated")
	}

	a, _ = st.GetApproval(ctx, id)
	if a.Status != "approved" || a.Reviewer == nil || *a.Reviewer != "alice" || a.ResolvedAt == nil {
		t.Fatalf("approval after resolution: %+v", a)
	}

	if _, err := st.CreateApproval(ctx, r.RepoID, nil, "builder", "bogus", "", now); err == nil {
		t.Fatal("expected error for unknown approval type")
	}
}

func TestReflectionsAndLearnings(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()
	r := mustRepo(t, st, "api", "guided")
	now := time.Now().UTC().Truncate(time.Second)

	taskID, _ := st.CreateTask(ctx, r.RepoID, "build", 5, "", 3)
	if _, err := st.CreateReflection(ctx, 9999, "builder", "x", 0.5, nil, now); !errors.Is(err, ErrNotFound) {
		t.Fatalf("reflection for missing task: %v", err)
	}
	if _, err := st.CreateReflection(ctx, taskID, "builder", "x", 1.5, nil, now); err == nil {
		t.Fatal("expected confidence range error")
	}

	rid, err := st.CreateReflection(ctx, taskID, "builder", "tests flaky on arm", 0.9, []string{"merge", "ci"}, now)
	if err != nil {
		t.Fatalf("CreateReflection: %v", err)
	}
	rid2, err := st.CreateReflection(ctx, taskID, "builder", "retry helped", 0.8, nil, now)
	if err != nil {
		t.Fatalf("CreateReflection: %v", err)
	}

	refs, err := st.ListReflectionsSince(ctx, now.Add(-time.Minute), 0, 0)
	if err != nil {
		t.Fatalf("ListReflectionsSince: %v", err)
	}
	if len(refs) != 2 || refs[0].RepoID != r.RepoID || len(refs[0].Tags) != 2 {
		t.Fatalf("reflections: %+v", refs)
	}
	// Rows stamped in the same second are ordered and cursored by ID.
	if refs, _ = st.ListReflectionsSince(ctx, now, rid, 0); len(refs) != 1 || refs[0].ReflectionID != rid2 {
		t.Fatalf("ID tiebreak: %+v", refs)
	}
	if refs, _ = st.ListReflectionsSince(ctx, now, rid2, 0); len(refs) != 0 {
		t.Fatalf("cursor past last row: %+v", refs)
	}

	lid, err := st.CreateLearning(ctx, Learning{RepoID: r.RepoID, AgentType: "builder", Category: "merge", Insight: "tests flaky on arm", Confidence: 0.9, SampleCount: 1})
	if err != nil {
		t.Fatalf("CreateLearning: %v", err)
	}
	if err := st.UpdateLearningStats(ctx, lid, 0.85, 2); err != nil {
		t.Fatalf("UpdateLearningStats: %v", err)
	}
	if err := st.TouchLearningUsage(ctx, []int64{lid}, now); err != nil {
		t.Fatalf("TouchLearningUsage: %v", err)
	}

	active, err := st.ActiveLearnings(ctx, r.RepoID, "builder", "merge")
	if err != nil {
		t.Fatalf("ActiveLearnings: %v", err)
	}
	if len(active) != 1 || active[0].Confidence != 0.85 || active[0].SampleCount != 2 || active[0].UsageCount != 1 {
		t.Fatalf("active learnings: %+v", active)
	}

	if err := st.DeactivateLearning(ctx, lid); err != nil {
		t.Fatalf("DeactivateLearning: %v", err)
	}
	if active, _ = st.ActiveLearnings(ctx, r.RepoID, "builder", "merge"); len(active) != 0 {
		t.Fatalf("deactivated learning still active: %+v", active)
	}
	n, _ := st.CountActiveLearnings(ctx)
	if n != 0 {
		t.Fatalf("CountActiveLearnings = %d", n)
	}
}

func TestWatermarks(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	wm, err := st.GetWatermark(ctx, "consolidate")
	if err != nil {
		t.Fatalf("GetWatermark: %v", err)
	}
	if !wm.IsZero() {
		t.Fatalf("fresh watermark should be zero, got %v", wm)
	}
	ts := time.Now().UTC().Truncate(time.Second)
	if err := st.SetWatermark(ctx, "consolidate", ts); err != nil {
		t.Fatalf("SetWatermark: %v", err)
	}
	wm, _ = st.GetWatermark(ctx, "consolidate")
	if !wm.Equal(ts) {
		t.Fatalf("watermark = %v, want %v", wm, ts)
	}
}

func TestCountsSurface(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()
	r := mustRepo(t, st, "api", "guided")
	now := time.Now().UTC()

	id1, _ := st.CreateTask(ctx, r.RepoID, "build", 5, "", 3)
	_, _ = st.CreateTask(ctx, r.RepoID, "build", 5, "", 3)
	_, _ = st.ClaimTask(ctx, id1, "a", now)

	counts, err := st.CountTasksByStatus(ctx)
	if err != nil {
		t.Fatalf("CountTasksByStatus: %v", err)
	}
	if counts["pending"] != 1 || counts["in_progress"] != 1 {
		t.Fatalf("counts: %+v", counts)
	}

	_, _ = st.CreateApproval(ctx, r.RepoID, nil, "builder", "merge", "", now)
	n, _ := st.CountPendingApprovals(ctx)
	if n != 1 {
		t.Fatalf("pending approvals = %d", n)
	}
}
