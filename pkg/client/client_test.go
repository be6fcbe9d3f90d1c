package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/denizbac/fleetcore/pkg/models"
)

func TestNew(t *testing.T) {
	c := New("http://localhost:7420", "")
	if c.BaseURL != "http://localhost:7420" || c.APIKey != "" {
		t.Errorf("New: %+v", c)
	}
	c2 := New("http://localhost:7420", "secret")
	if c2.APIKey != "secret" {
		t.Errorf("New with key: %+v", c2)
	}
}

func TestHealth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			t.Errorf("path: %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "")
	ok, err := c.Health(context.Background())
	if err != nil {
		t.Fatalf("Health: %v", err)
	}
	if !ok {
		t.Fatal("Health: expected ok true")
	}
}

func TestHealth_error(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"error":"down"}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "")
	if _, err := c.Health(context.Background()); err == nil {
		t.Fatal("expected error from 503")
	}
}

func TestClient_setsAPIKeyHeader(t *testing.T) {
	var gotKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("X-API-Key")
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "topsecret")
	if _, err := c.Health(context.Background()); err != nil {
		t.Fatalf("Health: %v", err)
	}
	if gotKey != "topsecret" {
		t.Errorf("X-API-Key: got %q, want topsecret", gotKey)
	}
}

func TestCreateTask_sendsRequestBody(t *testing.T) {
	var got models.CreateTaskRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/tasks" {
			t.Errorf("request: %s %s", r.Method, r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		_ = json.NewEncoder(w).Encode(models.Task{TaskID: 7, RepoID: got.RepoID, TaskType: got.TaskType, Status: models.TaskPending})
	}))
	defer srv.Close()

	c := New(srv.URL, "")
	task, err := c.CreateTask(context.Background(), models.CreateTaskRequest{
		RepoID: "repo-1", TaskType: "implement", Priority: 7, Payload: `{"issue":42}`, MaxRetries: 5,
	})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if task.TaskID != 7 || task.Status != models.TaskPending {
		t.Errorf("task: %+v", task)
	}
	if got.RepoID != "repo-1" || got.TaskType != "implement" || got.Priority != 7 || got.MaxRetries != 5 {
		t.Errorf("request body: %+v", got)
	}
}

func TestNext_noContentMeansNoTask(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/agents/coder-1/next" {
			t.Errorf("path: %s", r.URL.Path)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := New(srv.URL, "")
	task, err := c.Next(context.Background(), "coder-1")
	if !errors.Is(err, ErrNoTask) {
		t.Fatalf("expected ErrNoTask, got %v (task %+v)", err, task)
	}
}

func TestNext_returnsTask(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(models.Task{TaskID: 11, TaskType: "fix", Status: models.TaskInProgress})
	}))
	defer srv.Close()

	c := New(srv.URL, "")
	task, err := c.Next(context.Background(), "coder-1")
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if task.TaskID != 11 || task.Status != models.TaskInProgress {
		t.Errorf("task: %+v", task)
	}
}

func TestReportFailure_decodesOutcome(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/tasks/3/failure" {
			t.Errorf("path: %s", r.URL.Path)
		}
		var body models.ReportRequest
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body.Error != "tests red" {
			t.Errorf("error detail: %q", body.Error)
		}
		_, _ = w.Write([]byte(`{"ok":true,"requeued":true,"terminal":false,"retry_count":1}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "")
	out, err := c.ReportFailure(context.Background(), 3, "coder-1", "tests red")
	if err != nil {
		t.Fatalf("ReportFailure: %v", err)
	}
	if !out.Requeued || out.Terminal || out.RetryCount != 1 {
		t.Errorf("outcome: %+v", out)
	}
}

func TestResolveApproval_postsDecision(t *testing.T) {
	var got models.ResolveRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/approvals/9/resolve" {
			t.Errorf("path: %s", r.URL.Path)
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "")
	if err := c.ResolveApproval(context.Background(), 9, models.ApprovalApproved, "deniz", "lgtm"); err != nil {
		t.Fatalf("ResolveApproval: %v", err)
	}
	if got.Decision != models.ApprovalApproved || got.Reviewer != "deniz" {
		t.Errorf("resolve body: %+v", got)
	}
}

func TestListLearnings_includesInactiveWhenAsked(t *testing.T) {
	var gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		_, _ = w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	c := New(srv.URL, "")
	if _, err := c.ListLearnings(context.Background(), false); err != nil {
		t.Fatalf("ListLearnings: %v", err)
	}
	if gotQuery != "active=false" {
		t.Errorf("query: %q", gotQuery)
	}
}
