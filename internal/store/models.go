// Package store defines the persistence interface and shared models for
// repositories, tasks, approvals, agent status, reflections, and learnings.
package store

import "time"

// Repository is a unit of project configuration. Owns zero or more tasks.
// Deactivated, never hard-deleted while tasks reference it.
type Repository struct {
	RepoID        string
	Name          string
	SourceURL     string
	DefaultBranch string
	AutonomyMode  string // full or guided
	MaxInProgress int    // per-repo in_progress cap; 0 = unlimited
	Active        bool
	CreatedAt     time.Time
}

// Task is the unit of schedulable work.
type Task struct {
	TaskID        int64
	RepoID        string
	TaskType      string
	Status        string // pending, in_progress, completed, failed, cancelled
	Priority      int    // 1-10, higher scheduled first
	Payload       string
	Result        *string
	Error         *string
	AssignedAgent *string
	RetryCount    int
	MaxRetries    int
	NotBefore     *time.Time // backoff gate; scheduler skips until this passes
	CreatedAt     time.Time
	StartedAt     *time.Time
	CompletedAt   *time.Time
}

// TaskError is one entry in a task's failure history.
type TaskError struct {
	TaskID    int64
	Attempt   int
	Detail    string
	CreatedAt time.Time
}

// Approval is a gate instance tied to a repository and optionally a task.
// Once approved or rejected it is immutable.
type Approval struct {
	ApprovalID        int64
	RepoID            string
	TaskID            *int64
	AgentType         string // originating agent type; scopes the auto-approval lookup
	ApprovalType      string // spec, merge, issue_creation, deploy
	Status            string // pending, approved, rejected
	Payload           string
	Reviewer          *string
	ReviewComment     *string
	AutoApproved      bool
	AutoApproveReason *string
	CreatedAt         time.Time
	ResolvedAt        *time.Time
}

// AgentStatus is one row per live agent instance.
type AgentStatus struct {
	AgentName     string
	AgentType     string
	RepoID        *string
	Status        string // idle, running, error, stopped
	CurrentTaskID *int64
	LastHeartbeat time.Time
	SessionStart  time.Time
}

// Reflection is an agent-authored note tied to a task. Append-only.
type Reflection struct {
	ReflectionID int64
	TaskID       int64
	RepoID       string
	AgentType    string
	Content      string
	Confidence   float64 // 0-1
	Tags         []string
	CreatedAt    time.Time
}

// Learning is an aggregated insight scoped to a repository and agent type.
// Deactivated rather than deleted when superseded.
type Learning struct {
	LearningID  int64
	RepoID      string
	AgentType   string
	Category    string
	Insight     string
	Confidence  float64
	SampleCount int // reflections folded into Confidence (write path)
	UsageCount  int // times consulted by scheduler/gate (read path)
	LastUsedAt  *time.Time
	Active      bool
	CreatedAt   time.Time
}
