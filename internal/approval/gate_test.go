package approval

import (
	"context"
	"errors"
	"math/rand"
	"strings"
	"testing"
	"time"

	"github.com/denizbac/fleetcore/internal/learnings"
	"github.com/denizbac/fleetcore/internal/store"
)

func newTestGate(t *testing.T, autonomy string) (*Gate, store.Store, string) {
	t.Helper()
	st, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	repo, err := st.CreateRepo(context.Background(), "gate-repo", "https://example.com/g.git", "main", autonomy, 0)
	if err != nil {
		t.Fatalf("CreateRepo: %v", err)
	}
	return New(st, 0.8, nil), st, repo.RepoID
}

func seedLearning(t *testing.T, st store.Store, repoID, agentType, category string, confidence float64, samples int) int64 {
	t.Helper()
	id, err := st.CreateLearning(context.Background(), store.Learning{
		RepoID:      repoID,
		AgentType:   agentType,
		Category:    category,
		Insight:     "seeded",
		Confidence:  confidence,
		SampleCount: samples,
	})
	if err != nil {
		t.Fatalf("CreateLearning: %v", err)
	}
	return id
}

func TestRequestApprovalStaysPendingWithoutLearnings(t *testing.T) {
	t.Parallel()
	g, _, repoID := newTestGate(t, "full")
	a, err := g.RequestApproval(context.Background(), repoID, nil, "coder", "merge", `{"pr":12}`)
	if err != nil {
		t.Fatalf("RequestApproval: %v", err)
	}
	if a.Status != "pending" || a.AutoApproved {
		t.Fatalf("approval: %+v", a)
	}
}

func TestResolveAndImmutability(t *testing.T) {
	t.Parallel()
	g, st, repoID := newTestGate(t, "guided")
	ctx := context.Background()
	a, err := g.RequestApproval(ctx, repoID, nil, "coder", "spec", "{}")
	if err != nil {
		t.Fatalf("RequestApproval: %v", err)
	}
	if err := g.Resolve(ctx, a.ApprovalID, "rejected", "dana", "needs scoping"); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	err = g.Resolve(ctx, a.ApprovalID, "approved", "lee", "")
	if !errors.Is(err, store.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	got, err := st.GetApproval(ctx, a.ApprovalID)
	if err != nil {
		t.Fatalf("GetApproval: %v", err)
	}
	if got.Status != "rejected" || got.Reviewer == nil || *got.Reviewer != "dana" {
		t.Fatalf("resolution mutated: %+v", got)
	}
	if err := g.Resolve(ctx, 99999, "approved", "lee", ""); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestAutoApproveUnderFullAutonomy(t *testing.T) {
	t.Parallel()
	g, st, repoID := newTestGate(t, "full")
	ctx := context.Background()
	id := seedLearning(t, st, repoID, "coder", "merge", 0.9, 3)

	a, err := g.RequestApproval(ctx, repoID, nil, "coder", "merge", `{"pr":7}`)
	if err != nil {
		t.Fatalf("RequestApproval: %v", err)
	}
	if !a.AutoApproved || a.Status != "approved" {
		t.Fatalf("expected auto-approval: %+v", a)
	}
	if a.AutoApproveReason == nil || !strings.Contains(*a.AutoApproveReason, "merge") || !strings.Contains(*a.AutoApproveReason, "confidence=") {
		t.Fatalf("reason: %v", a.AutoApproveReason)
	}
	ls, err := st.ListLearnings(ctx, true)
	if err != nil {
		t.Fatalf("ListLearnings: %v", err)
	}
	for _, l := range ls {
		if l.LearningID == id {
			if l.UsageCount != 1 || l.LastUsedAt == nil {
				t.Fatalf("usage not recorded: %+v", l)
			}
		}
	}
}

func TestAutoApproveRespectsThresholdAndScope(t *testing.T) {
	t.Parallel()
	g, st, repoID := newTestGate(t, "full")
	ctx := context.Background()

	// Below threshold.
	seedLearning(t, st, repoID, "coder", "merge", 0.7, 2)
	a, err := g.RequestApproval(ctx, repoID, nil, "coder", "merge", "{}")
	if err != nil {
		t.Fatalf("RequestApproval: %v", err)
	}
	if a.AutoApproved {
		t.Fatalf("auto-approved below threshold: %+v", a)
	}

	// High confidence, but scoped to a different agent type and category.
	seedLearning(t, st, repoID, "reviewer", "deploy", 0.99, 5)
	a, err = g.RequestApproval(ctx, repoID, nil, "coder", "deploy", "{}")
	if err != nil {
		t.Fatalf("RequestApproval: %v", err)
	}
	if a.AutoApproved {
		t.Fatalf("auto-approved across agent-type scope: %+v", a)
	}
}

func TestAutoApproveRequiresStrictlyExceedingThreshold(t *testing.T) {
	t.Parallel()
	g, st, repoID := newTestGate(t, "full")
	ctx := context.Background()

	// A single learning puts the aggregate exactly on the threshold.
	id := seedLearning(t, st, repoID, "coder", "merge", 0.8, 4)
	a, err := g.RequestApproval(ctx, repoID, nil, "coder", "merge", "{}")
	if err != nil {
		t.Fatalf("RequestApproval: %v", err)
	}
	if a.AutoApproved || a.Status != "pending" {
		t.Fatalf("auto-approved at exactly the threshold: %+v", a)
	}

	// Nudged above the threshold, it fires.
	if err := st.DeactivateLearning(ctx, id); err != nil {
		t.Fatalf("DeactivateLearning: %v", err)
	}
	seedLearning(t, st, repoID, "coder", "merge", 0.81, 4)
	a, err = g.RequestApproval(ctx, repoID, nil, "coder", "merge", "{}")
	if err != nil {
		t.Fatalf("RequestApproval: %v", err)
	}
	if !a.AutoApproved {
		t.Fatalf("expected auto-approval above threshold: %+v", a)
	}
}

// Guided autonomy is an absolute override: whatever the learnings say,
// auto-approval never fires.
func TestGuidedNeverAutoApproves(t *testing.T) {
	t.Parallel()
	g, st, repoID := newTestGate(t, "guided")
	ctx := context.Background()

	rng := rand.New(rand.NewSource(42))
	var prev int64
	for i := 0; i < 50; i++ {
		if prev != 0 {
			if err := st.DeactivateLearning(ctx, prev); err != nil {
				t.Fatalf("DeactivateLearning: %v", err)
			}
		}
		prev = seedLearning(t, st, repoID, "coder", "merge", rng.Float64(), 1+rng.Intn(10))
		a, err := g.RequestApproval(ctx, repoID, nil, "coder", "merge", "{}")
		if err != nil {
			t.Fatalf("RequestApproval: %v", err)
		}
		if a.AutoApproved || a.Status != "pending" {
			t.Fatalf("guided repo auto-approved at iteration %d: %+v", i, a)
		}
	}
}

// Completion requiring a merge approval, three reflections at 0.9 under
// full autonomy: consolidation produces a confident learning and the next
// approval auto-fires.
func TestReflectionsDriveAutoApprovalEndToEnd(t *testing.T) {
	t.Parallel()
	g, st, repoID := newTestGate(t, "full")
	ctx := context.Background()

	taskID, err := st.CreateTask(ctx, repoID, "implement", 5, "{}", 3)
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	loop := learnings.New(st, nil)
	base := time.Date(2026, 7, 1, 11, 0, 0, 0, time.UTC)
	loop.Now = func() time.Time { return base }
	for i := 0; i < 3; i++ {
		if _, err := loop.RecordReflection(ctx, taskID, "coder", "merge went clean", 0.9, []string{"merge"}); err != nil {
			t.Fatalf("RecordReflection: %v", err)
		}
	}
	loop.Now = func() time.Time { return base.Add(10 * time.Second) }
	if _, err := loop.Consolidate(ctx); err != nil {
		t.Fatalf("Consolidate: %v", err)
	}

	a, err := g.RequestApproval(ctx, repoID, &taskID, "coder", "merge", `{"pr":42}`)
	if err != nil {
		t.Fatalf("RequestApproval: %v", err)
	}
	if !a.AutoApproved || a.Status != "approved" {
		t.Fatalf("expected auto-approval from reflections: %+v", a)
	}
}
