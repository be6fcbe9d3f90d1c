package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/denizbac/fleetcore/internal/otel"
	"github.com/denizbac/fleetcore/internal/registry"
	"github.com/denizbac/fleetcore/internal/store"
	"github.com/denizbac/fleetcore/pkg/models"
)

func errStatus(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrInvalidTransition), errors.Is(err, store.ErrConcurrentModification), errors.Is(err, store.ErrRetryExhausted):
		return http.StatusConflict
	case errors.Is(err, registry.ErrUnknownAgentType):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeStoreError(w http.ResponseWriter, err error) {
	writeJSONError(w, errStatus(err), err.Error())
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid id %q", s)
	}
	return id, nil
}

func queryLimit(r *http.Request) int {
	n, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || n <= 0 || n > models.DefaultTaskListLimit {
		return models.DefaultTaskListLimit
	}
	return n
}

// --- conversions to API types ---

func toModelRepo(r store.Repository) models.Repository {
	return models.Repository{
		RepoID:        r.RepoID,
		Name:          r.Name,
		SourceURL:     r.SourceURL,
		DefaultBranch: r.DefaultBranch,
		AutonomyMode:  r.AutonomyMode,
		MaxInProgress: r.MaxInProgress,
		Active:        r.Active,
		CreatedAt:     r.CreatedAt,
	}
}

func toModelTask(t store.Task) models.Task {
	return models.Task{
		TaskID:        t.TaskID,
		RepoID:        t.RepoID,
		TaskType:      t.TaskType,
		Status:        t.Status,
		Priority:      t.Priority,
		Payload:       t.Payload,
		Result:        t.Result,
		Error:         t.Error,
		AssignedAgent: t.AssignedAgent,
		RetryCount:    t.RetryCount,
		MaxRetries:    t.MaxRetries,
		NotBefore:     t.NotBefore,
		CreatedAt:     t.CreatedAt,
		StartedAt:     t.StartedAt,
		CompletedAt:   t.CompletedAt,
	}
}

func toModelApproval(a store.Approval) models.Approval {
	return models.Approval{
		ApprovalID:        a.ApprovalID,
		RepoID:            a.RepoID,
		TaskID:            a.TaskID,
		AgentType:         a.AgentType,
		ApprovalType:      a.ApprovalType,
		Status:            a.Status,
		Payload:           a.Payload,
		Reviewer:          a.Reviewer,
		ReviewComment:     a.ReviewComment,
		AutoApproved:      a.AutoApproved,
		AutoApproveReason: a.AutoApproveReason,
		CreatedAt:         a.CreatedAt,
		ResolvedAt:        a.ResolvedAt,
	}
}

func toModelAgent(a store.AgentStatus) models.AgentStatus {
	return models.AgentStatus{
		AgentName:     a.AgentName,
		AgentType:     a.AgentType,
		RepoID:        a.RepoID,
		Status:        a.Status,
		CurrentTaskID: a.CurrentTaskID,
		LastHeartbeat: a.LastHeartbeat,
		SessionStart:  a.SessionStart,
	}
}

func toModelLearning(l store.Learning) models.Learning {
	return models.Learning{
		LearningID:  l.LearningID,
		RepoID:      l.RepoID,
		AgentType:   l.AgentType,
		Category:    l.Category,
		Insight:     l.Insight,
		Confidence:  l.Confidence,
		SampleCount: l.SampleCount,
		UsageCount:  l.UsageCount,
		LastUsedAt:  l.LastUsedAt,
		Active:      l.Active,
		CreatedAt:   l.CreatedAt,
	}
}

func toModelReflection(r store.Reflection) models.Reflection {
	return models.Reflection{
		ReflectionID: r.ReflectionID,
		TaskID:       r.TaskID,
		AgentType:    r.AgentType,
		Content:      r.Content,
		Confidence:   r.Confidence,
		Tags:         r.Tags,
		CreatedAt:    r.CreatedAt,
	}
}

// --- read surface ---

// handleStatus is the read-only aggregate surface; it never mutates state.
func (a *App) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	ctx := r.Context()
	byStatus, err := a.Store.CountTasksByStatus(ctx)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	pending, err := a.Store.CountPendingApprovals(ctx)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	online, err := a.Store.CountAgentsOnline(ctx, time.Now().Add(-a.Registry.StaleTimeout()))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	active, err := a.Store.CountActiveLearnings(ctx)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, models.StatusSummary{
		TasksByStatus:    byStatus,
		PendingApprovals: pending,
		AgentsOnline:     online,
		ActiveLearnings:  active,
	})
}

func (a *App) handlePlainMetrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	byStatus, err := a.Store.CountTasksByStatus(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	_, _ = fmt.Fprintf(w, "# TYPE fleetcore_tasks_total gauge\n")
	for _, status := range []string{"pending", "in_progress", "completed", "failed", "cancelled"} {
		_, _ = fmt.Fprintf(w, "fleetcore_tasks_total{status=%q} %d\n", status, byStatus[status])
	}
}

// --- repositories ---

func (a *App) handleRepos(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	switch r.Method {
	case http.MethodGet:
		repos, err := a.Store.ListRepos(ctx)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		out := make([]models.Repository, 0, len(repos))
		for _, rp := range repos {
			out = append(out, toModelRepo(rp))
		}
		writeJSON(w, out)
	case http.MethodPost:
		var body models.Repository
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid json")
			return
		}
		repo, err := a.Store.CreateRepo(ctx, body.Name, body.SourceURL, body.DefaultBranch, body.AutonomyMode, body.MaxInProgress)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, err.Error())
			return
		}
		a.Hub.Publish(Event{Type: EventRepoUpdate, RepoID: repo.RepoID})
		writeJSON(w, toModelRepo(repo))
	default:
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// handleRepoByID covers /api/repos/{id} and /api/repos/{id}/autonomy|active|cap.
func (a *App) handleRepoByID(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/api/repos/"), "/")
	if len(parts) < 1 || parts[0] == "" {
		writeJSONError(w, http.StatusNotFound, "not found")
		return
	}
	ctx := r.Context()
	repoID := parts[0]

	if len(parts) == 1 {
		if r.Method != http.MethodGet {
			writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		repo, err := a.Store.GetRepo(ctx, repoID)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		writeJSON(w, toModelRepo(repo))
		return
	}
	if r.Method != http.MethodPost {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	switch parts[1] {
	case "autonomy":
		var body struct {
			Mode string `json:"mode"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid json")
			return
		}
		if err := a.Store.SetRepoAutonomy(ctx, repoID, body.Mode); err != nil {
			writeStoreError(w, err)
			return
		}
	case "active":
		var body struct {
			Active bool `json:"active"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid json")
			return
		}
		if err := a.Store.SetRepoActive(ctx, repoID, body.Active); err != nil {
			writeStoreError(w, err)
			return
		}
	case "cap":
		var body struct {
			MaxInProgress int `json:"max_in_progress"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid json")
			return
		}
		if err := a.Store.SetRepoMaxInProgress(ctx, repoID, body.MaxInProgress); err != nil {
			writeStoreError(w, err)
			return
		}
	default:
		writeJSONError(w, http.StatusNotFound, "not found")
		return
	}
	a.Hub.Publish(Event{Type: EventRepoUpdate, RepoID: repoID})
	writeJSON(w, map[string]any{"ok": true})
}

// --- tasks ---

func (a *App) handleTasks(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	switch r.Method {
	case http.MethodGet:
		tasks, err := a.Store.ListTasks(ctx, r.URL.Query().Get("status"), queryLimit(r))
		if err != nil {
			writeStoreError(w, err)
			return
		}
		out := make([]models.Task, 0, len(tasks))
		for _, t := range tasks {
			out = append(out, toModelTask(t))
		}
		writeJSON(w, out)
	case http.MethodPost:
		var body models.CreateTaskRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid json")
			return
		}
		id, err := a.Store.CreateTask(ctx, body.RepoID, body.TaskType, body.Priority, body.Payload, body.MaxRetries)
		if err != nil {
			if errStatus(err) == http.StatusNotFound {
				writeStoreError(w, err)
				return
			}
			writeJSONError(w, http.StatusBadRequest, err.Error())
			return
		}
		task, err := a.Store.GetTask(ctx, id)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		otel.RecordTaskOp(ctx, "create", task.Status)
		a.Hub.Publish(Event{Type: EventTaskUpdate, TaskID: id, Status: task.Status})
		writeJSON(w, toModelTask(task))
	default:
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// handleTaskByID covers /api/tasks/{id} and its sub-resources:
// cancel, retry, success, failure, errors, reflections.
func (a *App) handleTaskByID(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/api/tasks/"), "/")
	if len(parts) < 1 || parts[0] == "" {
		writeJSONError(w, http.StatusNotFound, "not found")
		return
	}
	taskID, err := parseID(parts[0])
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid task id")
		return
	}
	ctx := r.Context()

	if len(parts) == 1 {
		if r.Method != http.MethodGet {
			writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		task, err := a.Store.GetTask(ctx, taskID)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		writeJSON(w, toModelTask(task))
		return
	}

	switch parts[1] {
	case "errors":
		if r.Method != http.MethodGet {
			writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		history, err := a.Store.ListTaskErrors(ctx, taskID)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		writeJSON(w, history)
	case "reflections":
		a.handleTaskReflections(w, r, taskID)
	case "cancel":
		if r.Method != http.MethodPost {
			writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		if err := a.Store.CancelTask(ctx, taskID, time.Now().UTC()); err != nil {
			writeStoreError(w, err)
			return
		}
		otel.RecordTaskOp(ctx, "cancel", "cancelled")
		a.Hub.Publish(Event{Type: EventTaskUpdate, TaskID: taskID, Status: "cancelled"})
		writeJSON(w, map[string]any{"ok": true})
	case "retry":
		if r.Method != http.MethodPost {
			writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		// Operator override on a terminally failed task.
		if err := a.Store.ForceRequeueTask(ctx, taskID, time.Now().UTC()); err != nil {
			writeStoreError(w, err)
			return
		}
		otel.RecordTaskOp(ctx, "force_requeue", "pending")
		a.Hub.Publish(Event{Type: EventTaskUpdate, TaskID: taskID, Status: "pending"})
		writeJSON(w, map[string]any{"ok": true})
	case "success":
		a.handleTaskSuccess(w, r, taskID)
	case "failure":
		a.handleTaskFailure(w, r, taskID)
	default:
		writeJSONError(w, http.StatusNotFound, "not found")
	}
}

func (a *App) handleTaskSuccess(w http.ResponseWriter, r *http.Request, taskID int64) {
	if r.Method != http.MethodPost {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var body models.ReportRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if body.AgentName == "" {
		writeJSONError(w, http.StatusBadRequest, "agent_name required")
		return
	}
	ctx := r.Context()
	now := time.Now().UTC()
	ok, err := a.Store.CompleteTask(ctx, taskID, body.AgentName, body.Result, now)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if !ok {
		writeJSONError(w, http.StatusConflict, fmt.Sprintf("task %d is not in progress under agent %s", taskID, body.AgentName))
		return
	}
	if err := a.Store.SetAgentIdle(ctx, body.AgentName, now); err != nil && !errors.Is(err, store.ErrNotFound) {
		writeStoreError(w, err)
		return
	}
	otel.RecordTaskOp(ctx, "complete", "completed")
	a.Hub.Publish(Event{Type: EventTaskUpdate, TaskID: taskID, Status: "completed"})
	writeJSON(w, map[string]any{"ok": true})
}

func (a *App) handleTaskFailure(w http.ResponseWriter, r *http.Request, taskID int64) {
	if r.Method != http.MethodPost {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var body models.ReportRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid json")
		return
	}
	ctx := r.Context()
	out, err := a.Policy.OnTaskFailed(ctx, taskID, body.Error)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if body.AgentName != "" {
		if err := a.Store.SetAgentIdle(ctx, body.AgentName, time.Now().UTC()); err != nil && !errors.Is(err, store.ErrNotFound) {
			writeStoreError(w, err)
			return
		}
	}
	status := "pending"
	switch {
	case out.Terminal:
		status = "failed"
		a.notify(ctx, fmt.Sprintf("task %d failed terminally: %s", taskID, body.Error))
	case out.Cancelled:
		status = "cancelled"
	}
	otel.RecordTaskOp(ctx, "report_failure", status)
	a.Hub.Publish(Event{Type: EventTaskUpdate, TaskID: taskID, Status: status})
	writeJSON(w, map[string]any{"ok": true, "requeued": out.Requeued, "terminal": out.Terminal, "retry_count": out.RetryCount})
}

func (a *App) handleTaskReflections(w http.ResponseWriter, r *http.Request, taskID int64) {
	ctx := r.Context()
	switch r.Method {
	case http.MethodGet:
		refs, err := a.Store.ListTaskReflections(ctx, taskID)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		out := make([]models.Reflection, 0, len(refs))
		for _, ref := range refs {
			out = append(out, toModelReflection(ref))
		}
		writeJSON(w, out)
	case http.MethodPost:
		var body models.ReflectionRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid json")
			return
		}
		id, err := a.Loop.RecordReflection(ctx, taskID, body.AgentType, body.Content, body.Confidence, body.Tags)
		if err != nil {
			if errStatus(err) == http.StatusNotFound {
				writeStoreError(w, err)
				return
			}
			writeJSONError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeJSON(w, map[string]any{"reflection_id": id})
	default:
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// --- agent boundary ---

func (a *App) handleAgents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	switch r.Method {
	case http.MethodGet:
		agents, err := a.Store.ListAgents(ctx)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		out := make([]models.AgentStatus, 0, len(agents))
		for _, ag := range agents {
			out = append(out, toModelAgent(ag))
		}
		writeJSON(w, out)
	case http.MethodPost:
		var body models.RegisterRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid json")
			return
		}
		if err := a.Registry.Register(ctx, body.AgentName, body.AgentType, body.RepoID); err != nil {
			writeStoreError(w, err)
			return
		}
		agent, err := a.Store.GetAgent(ctx, body.AgentName)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		a.Hub.Publish(Event{Type: EventAgentUpdate, Agent: body.AgentName, Status: agent.Status})
		writeJSON(w, toModelAgent(agent))
	default:
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// handleAgentByName covers /api/agents/{name} and
// /api/agents/{name}/heartbeat|next|deregister.
func (a *App) handleAgentByName(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/api/agents/"), "/")
	if len(parts) < 1 || parts[0] == "" {
		writeJSONError(w, http.StatusNotFound, "not found")
		return
	}
	name := parts[0]
	ctx := r.Context()

	if len(parts) == 1 {
		if r.Method != http.MethodGet {
			writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		agent, err := a.Store.GetAgent(ctx, name)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		writeJSON(w, toModelAgent(agent))
		return
	}
	if r.Method != http.MethodPost {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	switch parts[1] {
	case "heartbeat":
		if err := a.Registry.Heartbeat(ctx, name); err != nil {
			writeStoreError(w, err)
			return
		}
		writeJSON(w, map[string]any{"ok": true})
	case "deregister":
		if err := a.Registry.Deregister(ctx, name); err != nil {
			writeStoreError(w, err)
			return
		}
		a.Hub.Publish(Event{Type: EventAgentUpdate, Agent: name, Status: "stopped"})
		writeJSON(w, map[string]any{"ok": true})
	case "next":
		agent, err := a.Store.GetAgent(ctx, name)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		task, err := a.Scheduler.NextAssignment(ctx, name, agent.AgentType)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		if task == nil {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		otel.RecordAssignment(ctx, agent.AgentType, task.TaskType)
		a.Hub.Publish(Event{Type: EventTaskUpdate, TaskID: task.TaskID, Status: task.Status, Agent: name})
		writeJSON(w, toModelTask(*task))
	default:
		writeJSONError(w, http.StatusNotFound, "not found")
	}
}

// --- approvals ---

func (a *App) handleApprovals(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	switch r.Method {
	case http.MethodGet:
		approvals, err := a.Store.ListApprovals(ctx, r.URL.Query().Get("status"), queryLimit(r))
		if err != nil {
			writeStoreError(w, err)
			return
		}
		out := make([]models.Approval, 0, len(approvals))
		for _, ap := range approvals {
			out = append(out, toModelApproval(ap))
		}
		writeJSON(w, out)
	case http.MethodPost:
		var body models.ApprovalRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid json")
			return
		}
		ap, err := a.Gate.RequestApproval(ctx, body.RepoID, body.TaskID, body.AgentType, body.ApprovalType, body.Payload)
		if err != nil {
			if errStatus(err) == http.StatusNotFound {
				writeStoreError(w, err)
				return
			}
			writeJSONError(w, http.StatusBadRequest, err.Error())
			return
		}
		if ap.AutoApproved {
			otel.RecordApproval(ctx, "auto", ap.Status)
		} else {
			a.notify(ctx, fmt.Sprintf("approval %d (%s) pending for repo %s", ap.ApprovalID, ap.ApprovalType, ap.RepoID))
		}
		a.Hub.Publish(Event{Type: EventApprovalUpdate, ApprovalID: ap.ApprovalID, Status: ap.Status})
		writeJSON(w, toModelApproval(ap))
	default:
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// handleApprovalByID covers /api/approvals/{id} and /api/approvals/{id}/resolve.
func (a *App) handleApprovalByID(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/api/approvals/"), "/")
	if len(parts) < 1 || parts[0] == "" {
		writeJSONError(w, http.StatusNotFound, "not found")
		return
	}
	approvalID, err := parseID(parts[0])
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid approval id")
		return
	}
	ctx := r.Context()

	if len(parts) == 1 {
		if r.Method != http.MethodGet {
			writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		ap, err := a.Store.GetApproval(ctx, approvalID)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		writeJSON(w, toModelApproval(ap))
		return
	}
	if parts[1] != "resolve" || r.Method != http.MethodPost {
		writeJSONError(w, http.StatusNotFound, "not found")
		return
	}
	var body models.ResolveRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if err := a.Gate.Resolve(ctx, approvalID, body.Decision, body.Reviewer, body.Comment); err != nil {
		writeStoreError(w, err)
		return
	}
	otel.RecordApproval(ctx, "reviewed", body.Decision)
	a.Hub.Publish(Event{Type: EventApprovalUpdate, ApprovalID: approvalID, Status: body.Decision})
	writeJSON(w, map[string]any{"ok": true})
}

// --- learnings ---

func (a *App) handleLearnings(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	activeOnly := r.URL.Query().Get("active") != "false"
	ls, err := a.Store.ListLearnings(r.Context(), activeOnly)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	out := make([]models.Learning, 0, len(ls))
	for _, l := range ls {
		out = append(out, toModelLearning(l))
	}
	writeJSON(w, out)
}

// handleLearningByID covers /api/learnings/{id}/deactivate.
func (a *App) handleLearningByID(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/api/learnings/"), "/")
	if len(parts) < 2 || parts[1] != "deactivate" || r.Method != http.MethodPost {
		writeJSONError(w, http.StatusNotFound, "not found")
		return
	}
	learningID, err := parseID(parts[0])
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid learning id")
		return
	}
	if err := a.Store.DeactivateLearning(r.Context(), learningID); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, map[string]any{"ok": true})
}

// notify fans a message out to configured notifiers. Delivery problems
// never fail the gated operation.
func (a *App) notify(ctx context.Context, message string) {
	if a.Capabilities == nil {
		return
	}
	_ = a.Capabilities.NotifyAll(ctx, message)
}
