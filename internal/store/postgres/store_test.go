package postgres

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/denizbac/fleetcore/internal/store"
)

func TestOpen_skipIfNoDatabaseURL(t *testing.T) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL not set, skipping postgres test")
	}
	st, err := Open(dsn)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer func() { _ = st.Close() }()
	ctx := context.Background()

	repo, err := st.CreateRepo(ctx, "pg-smoke-"+randomID()[:8], "https://example.com/pg.git", "main", "guided", 0)
	if err != nil {
		t.Fatalf("CreateRepo: %v", err)
	}
	taskID, err := st.CreateTask(ctx, repo.RepoID, "implement", 7, `{"issue":1}`, 3)
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	now := time.Now().UTC()
	next, err := st.NextPendingTask(ctx, []string{"implement"}, now)
	if err != nil {
		t.Fatalf("NextPendingTask: %v", err)
	}
	if next == nil || next.TaskID != taskID {
		t.Fatalf("expected task %d, got %+v", taskID, next)
	}
	ok, err := st.ClaimTask(ctx, taskID, "pg-agent", now)
	if err != nil || !ok {
		t.Fatalf("ClaimTask: ok=%v err=%v", ok, err)
	}
	ok, err = st.CompleteTask(ctx, taskID, "pg-agent", `{"pr":1}`, now)
	if err != nil || !ok {
		t.Fatalf("CompleteTask: ok=%v err=%v", ok, err)
	}
	got, err := st.GetTask(ctx, taskID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.Status != "completed" {
		t.Fatalf("expected completed, got %s", got.Status)
	}
}

var _ store.Store = (*Store)(nil)
