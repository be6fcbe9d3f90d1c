// Package client provides a Go SDK for the fleetcore HTTP API. Agent
// processes drive their whole lifecycle through it: register, heartbeat,
// poll for work, report outcomes, record reflections.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/denizbac/fleetcore/pkg/models"
)

// ErrNoTask is returned by Next when no task is eligible for the agent.
var ErrNoTask = fmt.Errorf("no task available")

// Client calls the fleetcore HTTP API. It is safe for concurrent use.
type Client struct {
	BaseURL    string       // e.g. "http://localhost:7420"
	APIKey     string       // optional; set for X-API-Key
	HTTPClient *http.Client // optional; nil uses http.DefaultClient
}

// New returns a client for the given base URL (e.g. "http://localhost:7420").
// APIKey is optional; when set, requests carry the X-API-Key header.
func New(baseURL, apiKey string) *Client {
	return &Client{BaseURL: baseURL, APIKey: apiKey}
}

func (c *Client) client() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

func (c *Client) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		bodyReader = bytes.NewReader(b)
	}
	u := c.BaseURL + path
	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.APIKey != "" {
		req.Header.Set("X-API-Key", c.APIKey)
	}
	return c.client().Do(req)
}

func (c *Client) doJSON(ctx context.Context, method, path string, body any, out any) error {
	resp, err := c.do(ctx, method, path, body)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var errBody struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&errBody)
		if errBody.Error != "" {
			return fmt.Errorf("api %s %s: %s", method, path, errBody.Error)
		}
		return fmt.Errorf("api %s %s: status %d", method, path, resp.StatusCode)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// Health returns the /health response (ok: true).
func (c *Client) Health(ctx context.Context) (ok bool, err error) {
	var out struct {
		OK bool `json:"ok"`
	}
	err = c.doJSON(ctx, http.MethodGet, "/health", nil, &out)
	return out.OK, err
}

// Status returns the orchestrator's aggregate counters.
func (c *Client) Status(ctx context.Context) (*models.StatusSummary, error) {
	var out models.StatusSummary
	err := c.doJSON(ctx, http.MethodGet, "/api/status", nil, &out)
	return &out, err
}

// --- repositories ---

// ListRepos returns all registered repositories.
func (c *Client) ListRepos(ctx context.Context) ([]models.Repository, error) {
	var out []models.Repository
	err := c.doJSON(ctx, http.MethodGet, "/api/repos", nil, &out)
	return out, err
}

// CreateRepo registers a repository and returns it.
func (c *Client) CreateRepo(ctx context.Context, name, sourceURL, defaultBranch, autonomy string, maxInProgress int) (*models.Repository, error) {
	body := map[string]any{
		"name":            name,
		"source_url":      sourceURL,
		"default_branch":  defaultBranch,
		"autonomy_mode":   autonomy,
		"max_in_progress": maxInProgress,
	}
	var out models.Repository
	err := c.doJSON(ctx, http.MethodPost, "/api/repos", body, &out)
	return &out, err
}

// SetRepoAutonomy sets a repository's autonomy mode (guided or full).
func (c *Client) SetRepoAutonomy(ctx context.Context, repoID, mode string) error {
	path := "/api/repos/" + url.PathEscape(repoID) + "/autonomy"
	return c.doJSON(ctx, http.MethodPost, path, map[string]string{"autonomy_mode": mode}, nil)
}

// --- tasks ---

// ListTasks returns tasks, optionally filtered by status (limit 0 = default).
func (c *Client) ListTasks(ctx context.Context, status string, limit int) ([]models.Task, error) {
	path := "/api/tasks"
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var out []models.Task
	err := c.doJSON(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

// CreateTask creates a pending task and returns it.
func (c *Client) CreateTask(ctx context.Context, req models.CreateTaskRequest) (*models.Task, error) {
	var out models.Task
	err := c.doJSON(ctx, http.MethodPost, "/api/tasks", req, &out)
	return &out, err
}

// GetTask returns a task by ID.
func (c *Client) GetTask(ctx context.Context, taskID int64) (*models.Task, error) {
	var out models.Task
	err := c.doJSON(ctx, http.MethodGet, taskPath(taskID, ""), nil, &out)
	return &out, err
}

// CancelTask cancels a task. Terminal; agents drop cancelled work on report.
func (c *Client) CancelTask(ctx context.Context, taskID int64) error {
	return c.doJSON(ctx, http.MethodPost, taskPath(taskID, "cancel"), nil, nil)
}

// RetryTask is the operator override on a terminally failed task: it resets
// the retry budget and requeues.
func (c *Client) RetryTask(ctx context.Context, taskID int64) error {
	return c.doJSON(ctx, http.MethodPost, taskPath(taskID, "retry"), nil, nil)
}

// ReportSuccess marks the agent's in-progress task completed.
func (c *Client) ReportSuccess(ctx context.Context, taskID int64, agentName, result string) error {
	body := models.ReportRequest{AgentName: agentName, Result: result}
	return c.doJSON(ctx, http.MethodPost, taskPath(taskID, "success"), body, nil)
}

// FailureOutcome reports what the retry policy decided for a failed task.
type FailureOutcome struct {
	OK         bool `json:"ok"`
	Requeued   bool `json:"requeued"`
	Terminal   bool `json:"terminal"`
	RetryCount int  `json:"retry_count"`
}

// ReportFailure reports a task failure; the server requeues with backoff or
// fails terminally depending on the retry budget.
func (c *Client) ReportFailure(ctx context.Context, taskID int64, agentName, errDetail string) (*FailureOutcome, error) {
	body := models.ReportRequest{AgentName: agentName, Error: errDetail}
	var out FailureOutcome
	err := c.doJSON(ctx, http.MethodPost, taskPath(taskID, "failure"), body, &out)
	return &out, err
}

// TaskReflections returns the reflections recorded against a task.
func (c *Client) TaskReflections(ctx context.Context, taskID int64) ([]models.Reflection, error) {
	var out []models.Reflection
	err := c.doJSON(ctx, http.MethodGet, taskPath(taskID, "reflections"), nil, &out)
	return out, err
}

// RecordReflection appends a reflection to a task and returns its ID.
func (c *Client) RecordReflection(ctx context.Context, taskID int64, req models.ReflectionRequest) (int64, error) {
	var out struct {
		ReflectionID int64 `json:"reflection_id"`
	}
	err := c.doJSON(ctx, http.MethodPost, taskPath(taskID, "reflections"), req, &out)
	return out.ReflectionID, err
}

func taskPath(taskID int64, sub string) string {
	p := "/api/tasks/" + strconv.FormatInt(taskID, 10)
	if sub != "" {
		p += "/" + sub
	}
	return p
}

// --- agent boundary ---

// Register registers an agent instance and returns its status row.
func (c *Client) Register(ctx context.Context, req models.RegisterRequest) (*models.AgentStatus, error) {
	var out models.AgentStatus
	err := c.doJSON(ctx, http.MethodPost, "/api/agents", req, &out)
	return &out, err
}

// ListAgents returns all known agent instances.
func (c *Client) ListAgents(ctx context.Context) ([]models.AgentStatus, error) {
	var out []models.AgentStatus
	err := c.doJSON(ctx, http.MethodGet, "/api/agents", nil, &out)
	return out, err
}

// Heartbeat refreshes the agent's liveness timestamp.
func (c *Client) Heartbeat(ctx context.Context, agentName string) error {
	return c.doJSON(ctx, http.MethodPost, agentPath(agentName, "heartbeat"), nil, nil)
}

// Deregister removes an agent from scheduling.
func (c *Client) Deregister(ctx context.Context, agentName string) error {
	return c.doJSON(ctx, http.MethodPost, agentPath(agentName, "deregister"), nil, nil)
}

// Next asks the scheduler for the agent's next task. Returns ErrNoTask when
// nothing is eligible.
func (c *Client) Next(ctx context.Context, agentName string) (*models.Task, error) {
	resp, err := c.do(ctx, http.MethodPost, agentPath(agentName, "next"), nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode == http.StatusNoContent {
		return nil, ErrNoTask
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var errBody struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&errBody)
		if errBody.Error != "" {
			return nil, fmt.Errorf("api next: %s", errBody.Error)
		}
		return nil, fmt.Errorf("api next: status %d", resp.StatusCode)
	}
	var out models.Task
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	return &out, nil
}

func agentPath(name, sub string) string {
	p := "/api/agents/" + url.PathEscape(name)
	if sub != "" {
		p += "/" + sub
	}
	return p
}

// --- approvals ---

// RequestApproval opens an approval gate and returns it; the result may
// already be auto-resolved.
func (c *Client) RequestApproval(ctx context.Context, req models.ApprovalRequest) (*models.Approval, error) {
	var out models.Approval
	err := c.doJSON(ctx, http.MethodPost, "/api/approvals", req, &out)
	return &out, err
}

// ListApprovals returns approvals, optionally filtered by status.
func (c *Client) ListApprovals(ctx context.Context, status string, limit int) ([]models.Approval, error) {
	path := "/api/approvals"
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var out []models.Approval
	err := c.doJSON(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

// GetApproval returns an approval by ID.
func (c *Client) GetApproval(ctx context.Context, approvalID int64) (*models.Approval, error) {
	var out models.Approval
	err := c.doJSON(ctx, http.MethodGet, "/api/approvals/"+strconv.FormatInt(approvalID, 10), nil, &out)
	return &out, err
}

// ResolveApproval resolves a pending approval (decision approved or rejected).
func (c *Client) ResolveApproval(ctx context.Context, approvalID int64, decision, reviewer, comment string) error {
	body := models.ResolveRequest{Decision: decision, Reviewer: reviewer, Comment: comment}
	path := "/api/approvals/" + strconv.FormatInt(approvalID, 10) + "/resolve"
	return c.doJSON(ctx, http.MethodPost, path, body, nil)
}

// --- learnings ---

// ListLearnings returns learnings; activeOnly filters out deactivated ones.
func (c *Client) ListLearnings(ctx context.Context, activeOnly bool) ([]models.Learning, error) {
	path := "/api/learnings"
	if !activeOnly {
		path += "?active=false"
	}
	var out []models.Learning
	err := c.doJSON(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

// DeactivateLearning retires a learning from auto-approval decisions.
func (c *Client) DeactivateLearning(ctx context.Context, learningID int64) error {
	path := "/api/learnings/" + strconv.FormatInt(learningID, 10) + "/deactivate"
	return c.doJSON(ctx, http.MethodPost, path, nil, nil)
}
