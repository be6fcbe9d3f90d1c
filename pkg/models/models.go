// Package models provides shared types for the fleetcore HTTP API and external tools.
// These types mirror the API JSON and are stable for use by pkg/client and other consumers.
package models

import "time"

// Repository is a unit of project configuration that owns tasks.
type Repository struct {
	RepoID        string    `json:"repo_id"`
	Name          string    `json:"name"`
	SourceURL     string    `json:"source_url"`
	DefaultBranch string    `json:"default_branch,omitempty"`
	AutonomyMode  string    `json:"autonomy_mode"`
	MaxInProgress int       `json:"max_in_progress,omitempty"`
	Active        bool      `json:"active"`
	CreatedAt     time.Time `json:"created_at,omitempty"`
}

// Task is a unit of schedulable work owned by a repository.
type Task struct {
	TaskID        int64      `json:"task_id"`
	RepoID        string     `json:"repo_id"`
	TaskType      string     `json:"task_type"`
	Status        string     `json:"status"`
	Priority      int        `json:"priority"`
	Payload       string     `json:"payload,omitempty"`
	Result        *string    `json:"result,omitempty"`
	Error         *string    `json:"error,omitempty"`
	AssignedAgent *string    `json:"assigned_agent,omitempty"`
	RetryCount    int        `json:"retry_count"`
	MaxRetries    int        `json:"max_retries"`
	NotBefore     *time.Time `json:"not_before,omitempty"`
	CreatedAt     time.Time  `json:"created_at,omitempty"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
}

// Approval is a gate instance awaiting sign-off for a task outcome.
type Approval struct {
	ApprovalID        int64      `json:"approval_id"`
	RepoID            string     `json:"repo_id"`
	TaskID            *int64     `json:"task_id,omitempty"`
	AgentType         string     `json:"agent_type,omitempty"`
	ApprovalType      string     `json:"approval_type"`
	Status            string     `json:"status"`
	Payload           string     `json:"payload,omitempty"`
	Reviewer          *string    `json:"reviewer,omitempty"`
	ReviewComment     *string    `json:"review_comment,omitempty"`
	AutoApproved      bool       `json:"auto_approved"`
	AutoApproveReason *string    `json:"auto_approve_reason,omitempty"`
	CreatedAt         time.Time  `json:"created_at,omitempty"`
	ResolvedAt        *time.Time `json:"resolved_at,omitempty"`
}

// AgentStatus is one row per live agent instance.
type AgentStatus struct {
	AgentName     string    `json:"agent_name"`
	AgentType     string    `json:"agent_type"`
	RepoID        *string   `json:"repo_id,omitempty"`
	Status        string    `json:"status"`
	CurrentTaskID *int64    `json:"current_task_id,omitempty"`
	LastHeartbeat time.Time `json:"last_heartbeat,omitempty"`
	SessionStart  time.Time `json:"session_start,omitempty"`
}

// Reflection is an agent-authored note tied to a task.
type Reflection struct {
	ReflectionID int64     `json:"reflection_id"`
	TaskID       int64     `json:"task_id"`
	AgentType    string    `json:"agent_type"`
	Content      string    `json:"content"`
	Confidence   float64   `json:"confidence"`
	Tags         []string  `json:"tags,omitempty"`
	CreatedAt    time.Time `json:"created_at,omitempty"`
}

// Learning is an aggregated insight derived from reflections.
type Learning struct {
	LearningID  int64      `json:"learning_id"`
	RepoID      string     `json:"repo_id"`
	AgentType   string     `json:"agent_type"`
	Category    string     `json:"category"`
	Insight     string     `json:"insight,omitempty"`
	Confidence  float64    `json:"confidence"`
	SampleCount int        `json:"sample_count"`
	UsageCount  int        `json:"usage_count"`
	LastUsedAt  *time.Time `json:"last_used_at,omitempty"`
	Active      bool       `json:"active"`
	CreatedAt   time.Time  `json:"created_at,omitempty"`
}

// StatusSummary is the read-only aggregate surface for dashboards and notifiers.
type StatusSummary struct {
	TasksByStatus    map[string]int64 `json:"tasks_by_status"`
	PendingApprovals int64            `json:"pending_approvals"`
	AgentsOnline     int64            `json:"agents_online"`
	ActiveLearnings  int64            `json:"active_learnings"`
}

// RegisterRequest registers an agent instance with the orchestrator.
type RegisterRequest struct {
	AgentName string  `json:"agent_name"`
	AgentType string  `json:"agent_type"`
	RepoID    *string `json:"repo_id,omitempty"`
}

// CreateTaskRequest creates a pending task.
type CreateTaskRequest struct {
	RepoID     string `json:"repo_id"`
	TaskType   string `json:"task_type"`
	Priority   int    `json:"priority,omitempty"`
	Payload    string `json:"payload,omitempty"`
	MaxRetries int    `json:"max_retries,omitempty"`
}

// ApprovalRequest opens an approval gate for a task outcome.
type ApprovalRequest struct {
	RepoID       string `json:"repo_id"`
	TaskID       *int64 `json:"task_id,omitempty"`
	AgentType    string `json:"agent_type"`
	ApprovalType string `json:"approval_type"`
	Payload      string `json:"payload,omitempty"`
}

// ReportRequest carries an agent outcome report for a task.
type ReportRequest struct {
	AgentName string `json:"agent_name"`
	Result    string `json:"result,omitempty"`
	Error     string `json:"error,omitempty"`
}

// ResolveRequest resolves a pending approval.
type ResolveRequest struct {
	Decision string `json:"decision"` // approved or rejected
	Reviewer string `json:"reviewer"`
	Comment  string `json:"comment,omitempty"`
}

// ReflectionRequest appends a reflection to a task.
type ReflectionRequest struct {
	AgentType  string   `json:"agent_type"`
	Content    string   `json:"content"`
	Confidence float64  `json:"confidence"`
	Tags       []string `json:"tags,omitempty"`
}
