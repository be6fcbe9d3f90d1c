package store

import (
	"context"
	"time"
)

// Store is the persistence interface for the orchestration core.
// Implementations: the embedded SQLite store (default) and *postgres.Store.
//
// All conditional mutations ("claim one pending task", "resolve a pending
// approval") are single UPDATE statements whose WHERE clause carries the
// selection predicate, so at-most-one caller wins a race. Such methods
// return (false, nil) when the predicate no longer held.
type Store interface {
	// Repositories
	CreateRepo(ctx context.Context, name, sourceURL, defaultBranch, autonomy string, maxInProgress int) (Repository, error)
	GetRepo(ctx context.Context, repoID string) (Repository, error)
	GetRepoByName(ctx context.Context, name string) (Repository, error)
	ListRepos(ctx context.Context) ([]Repository, error)
	SetRepoAutonomy(ctx context.Context, repoID, mode string) error
	SetRepoMaxInProgress(ctx context.Context, repoID string, n int) error
	SetRepoActive(ctx context.Context, repoID string, active bool) error

	// Tasks
	CreateTask(ctx context.Context, repoID, taskType string, priority int, payload string, maxRetries int) (int64, error)
	GetTask(ctx context.Context, taskID int64) (Task, error)
	ListTasks(ctx context.Context, status string, limit int) ([]Task, error)
	// NextPendingTask returns the highest-priority eligible pending task
	// (FIFO within a priority band) among the given task types, skipping
	// inactive repositories, repositories at their in_progress cap, and
	// tasks whose not_before is still in the future. Returns nil when no
	// task is eligible.
	NextPendingTask(ctx context.Context, taskTypes []string, now time.Time) (*Task, error)
	ClaimTask(ctx context.Context, taskID int64, agentName string, now time.Time) (bool, error)
	CompleteTask(ctx context.Context, taskID int64, agentName, result string, now time.Time) (bool, error)
	// RequeueTask returns an in_progress task to pending with retry_count+1
	// and records the error detail; refuses (false) once retries exhaust.
	RequeueTask(ctx context.Context, taskID int64, errDetail string, notBefore, now time.Time) (bool, error)
	FailTask(ctx context.Context, taskID int64, errDetail string, now time.Time) (bool, error)
	// ReleaseTask returns an in_progress task to pending with retry_count
	// unchanged (stale-agent reclamation; the interruption is not a failure).
	ReleaseTask(ctx context.Context, taskID int64, now time.Time) (bool, error)
	CancelTask(ctx context.Context, taskID int64, now time.Time) error
	// ForceRequeueTask is the operator override on a terminally failed task:
	// resets retry_count and returns it to pending.
	ForceRequeueTask(ctx context.Context, taskID int64, now time.Time) error
	ListTaskErrors(ctx context.Context, taskID int64) ([]TaskError, error)
	CountTasksByStatus(ctx context.Context) (map[string]int64, error)

	// Agent status
	RegisterAgent(ctx context.Context, name, agentType string, repoID *string, now time.Time) error
	Heartbeat(ctx context.Context, name string, now time.Time) error
	SetAgentRunning(ctx context.Context, name string, taskID int64, now time.Time) error
	SetAgentIdle(ctx context.Context, name string, now time.Time) error
	SetAgentStopped(ctx context.Context, name string, now time.Time) error
	MarkAgentError(ctx context.Context, name string, now time.Time) error
	GetAgent(ctx context.Context, name string) (AgentStatus, error)
	ListAgents(ctx context.Context) ([]AgentStatus, error)
	// StaleAgents returns idle/running agents whose last heartbeat is
	// strictly older than the cutoff.
	StaleAgents(ctx context.Context, cutoff time.Time) ([]AgentStatus, error)
	CountAgentsOnline(ctx context.Context, since time.Time) (int64, error)

	// Approvals
	CreateApproval(ctx context.Context, repoID string, taskID *int64, agentType, approvalType, payload string, now time.Time) (int64, error)
	GetApproval(ctx context.Context, approvalID int64) (Approval, error)
	ListApprovals(ctx context.Context, status string, limit int) ([]Approval, error)
	// ResolveApproval flips a pending approval to approved/rejected; returns
	// false if it was already resolved.
	ResolveApproval(ctx context.Context, approvalID int64, decision, reviewer, comment string, auto bool, autoReason string, now time.Time) (bool, error)
	CountPendingApprovals(ctx context.Context) (int64, error)

	// Reflections (append-only)
	CreateReflection(ctx context.Context, taskID int64, agentType, content string, confidence float64, tags []string, now time.Time) (int64, error)
	// ListReflectionsSince pages reflections strictly after the compound
	// position (since, afterID), ordered by (created_at, reflection_id).
	// The ID tiebreak keeps pagination stable when many reflections share
	// one timestamp second.
	ListReflectionsSince(ctx context.Context, since time.Time, afterID int64, limit int) ([]Reflection, error)
	ListTaskReflections(ctx context.Context, taskID int64) ([]Reflection, error)

	// Learnings
	ActiveLearnings(ctx context.Context, repoID, agentType, category string) ([]Learning, error)
	CreateLearning(ctx context.Context, l Learning) (int64, error)
	UpdateLearningStats(ctx context.Context, learningID int64, confidence float64, sampleCount int) error
	// TouchLearningUsage increments usage_count and stamps last_used_at for
	// learnings that actually influenced a decision (read path only).
	TouchLearningUsage(ctx context.Context, learningIDs []int64, now time.Time) error
	ListLearnings(ctx context.Context, activeOnly bool) ([]Learning, error)
	DeactivateLearning(ctx context.Context, learningID int64) error
	CountActiveLearnings(ctx context.Context) (int64, error)

	// Consolidation watermark (keeps reflections append-only across restarts)
	GetWatermark(ctx context.Context, name string) (time.Time, error)
	SetWatermark(ctx context.Context, name string, t time.Time) error

	Close() error
}
