package postgres

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/denizbac/fleetcore/internal/store"
)

const taskColumns = `task_id, repo_id, task_type, status, priority, payload, result, error, assigned_agent, retry_count, max_retries, not_before, created_at, started_at, completed_at`

const approvalColumns = `approval_id, repo_id, task_id, agent_type, approval_type, status, payload, reviewer, review_comment, auto_approved, auto_approve_reason, created_at, resolved_at`

const learningColumns = `learning_id, repo_id, agent_type, category, insight, confidence, sample_count, usage_count, last_used_at, active, created_at`

type scanner interface{ Scan(dest ...any) error }

func (s *Store) CreateRepo(ctx context.Context, name, sourceURL, defaultBranch, autonomy string, maxInProgress int) (store.Repository, error) {
	if name == "" {
		return store.Repository{}, errors.New("repo name required")
	}
	if sourceURL == "" {
		return store.Repository{}, errors.New("repo source URL required")
	}
	if defaultBranch == "" {
		defaultBranch = "main"
	}
	if autonomy == "" {
		autonomy = "guided"
	}
	if autonomy != "full" && autonomy != "guided" {
		return store.Repository{}, fmt.Errorf("autonomy mode must be full or guided, got %q", autonomy)
	}
	if maxInProgress < 0 {
		maxInProgress = 0
	}
	id := randomID()
	now := time.Now().UTC().Unix()
	_, err := s.Pool.Exec(ctx, `INSERT INTO repos(repo_id, name, source_url, default_branch, autonomy_mode, max_in_progress, active, created_at) VALUES($1, $2, $3, $4, $5, $6, TRUE, $7)`,
		id, name, sourceURL, defaultBranch, autonomy, maxInProgress, now)
	if err != nil {
		return store.Repository{}, err
	}
	return store.Repository{
		RepoID:        id,
		Name:          name,
		SourceURL:     sourceURL,
		DefaultBranch: defaultBranch,
		AutonomyMode:  autonomy,
		MaxInProgress: maxInProgress,
		Active:        true,
		CreatedAt:     time.Unix(now, 0).UTC(),
	}, nil
}

func scanRepo(row scanner) (store.Repository, error) {
	var (
		r         store.Repository
		createdAt int64
	)
	err := row.Scan(&r.RepoID, &r.Name, &r.SourceURL, &r.DefaultBranch, &r.AutonomyMode, &r.MaxInProgress, &r.Active, &createdAt)
	if err != nil {
		return store.Repository{}, err
	}
	r.CreatedAt = time.Unix(createdAt, 0).UTC()
	return r, nil
}

func (s *Store) GetRepo(ctx context.Context, repoID string) (store.Repository, error) {
	return s.repoBy(ctx, `repo_id`, repoID)
}

func (s *Store) GetRepoByName(ctx context.Context, name string) (store.Repository, error) {
	return s.repoBy(ctx, `name`, name)
}

func (s *Store) repoBy(ctx context.Context, col, val string) (store.Repository, error) {
	row := s.Pool.QueryRow(ctx, `SELECT repo_id, name, source_url, default_branch, autonomy_mode, max_in_progress, active, created_at FROM repos WHERE `+col+` = $1`, val)
	r, err := scanRepo(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.Repository{}, fmt.Errorf("repo %s: %w", val, store.ErrNotFound)
		}
		return store.Repository{}, err
	}
	return r, nil
}

func (s *Store) ListRepos(ctx context.Context) ([]store.Repository, error) {
	rows, err := s.Pool.Query(ctx, `SELECT repo_id, name, source_url, default_branch, autonomy_mode, max_in_progress, active, created_at FROM repos ORDER BY created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []store.Repository
	for rows.Next() {
		r, err := scanRepo(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) SetRepoAutonomy(ctx context.Context, repoID, mode string) error {
	if mode != "full" && mode != "guided" {
		return fmt.Errorf("autonomy mode must be full or guided, got %q", mode)
	}
	return s.updateRepoField(ctx, repoID, `autonomy_mode`, mode)
}

func (s *Store) SetRepoMaxInProgress(ctx context.Context, repoID string, n int) error {
	if n < 0 {
		n = 0
	}
	return s.updateRepoField(ctx, repoID, `max_in_progress`, n)
}

func (s *Store) SetRepoActive(ctx context.Context, repoID string, active bool) error {
	return s.updateRepoField(ctx, repoID, `active`, active)
}

func (s *Store) updateRepoField(ctx context.Context, repoID, col string, val any) error {
	tag, err := s.Pool.Exec(ctx, `UPDATE repos SET `+col+`=$1 WHERE repo_id=$2`, val, repoID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("repo %s: %w", repoID, store.ErrNotFound)
	}
	return nil
}

func (s *Store) CreateTask(ctx context.Context, repoID, taskType string, priority int, payload string, maxRetries int) (int64, error) {
	if taskType == "" {
		return 0, errors.New("task type required")
	}
	if priority == 0 {
		priority = 5
	}
	if priority < 1 || priority > 10 {
		return 0, fmt.Errorf("priority must be 1-10, got %d", priority)
	}
	if maxRetries <= 0 {
		maxRetries = 3
	}
	if _, err := s.GetRepo(ctx, repoID); err != nil {
		return 0, err
	}
	now := time.Now().UTC().Unix()
	var id int64
	err := s.Pool.QueryRow(ctx, `INSERT INTO tasks(repo_id, task_type, status, priority, payload, max_retries, created_at) VALUES($1, $2, 'pending', $3, $4, $5, $6) RETURNING task_id`,
		repoID, taskType, priority, payload, maxRetries, now).Scan(&id)
	return id, err
}

func scanTask(row scanner) (store.Task, error) {
	var (
		t           store.Task
		notBefore   *int64
		createdAt   int64
		startedAt   *int64
		completedAt *int64
	)
	err := row.Scan(&t.TaskID, &t.RepoID, &t.TaskType, &t.Status, &t.Priority, &t.Payload, &t.Result, &t.Error, &t.AssignedAgent, &t.RetryCount, &t.MaxRetries, &notBefore, &createdAt, &startedAt, &completedAt)
	if err != nil {
		return store.Task{}, err
	}
	t.NotBefore = tsPtr(notBefore)
	t.CreatedAt = time.Unix(createdAt, 0).UTC()
	t.StartedAt = tsPtr(startedAt)
	t.CompletedAt = tsPtr(completedAt)
	return t, nil
}

func tsPtr(v *int64) *time.Time {
	if v == nil {
		return nil
	}
	t := time.Unix(*v, 0).UTC()
	return &t
}

func (s *Store) GetTask(ctx context.Context, taskID int64) (store.Task, error) {
	t, err := scanTask(s.Pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE task_id = $1`, taskID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.Task{}, fmt.Errorf("task %d: %w", taskID, store.ErrNotFound)
		}
		return store.Task{}, err
	}
	return t, nil
}

func (s *Store) ListTasks(ctx context.Context, status string, limit int) ([]store.Task, error) {
	q := `SELECT ` + taskColumns + ` FROM tasks`
	var args []any
	if status != "" {
		q += ` WHERE status = $1`
		args = append(args, status)
	}
	q += ` ORDER BY created_at DESC`
	if limit > 0 {
		q += fmt.Sprintf(` LIMIT %d`, limit)
	}
	rows, err := s.Pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []store.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) NextPendingTask(ctx context.Context, taskTypes []string, now time.Time) (*store.Task, error) {
	if len(taskTypes) == 0 {
		return nil, nil
	}
	q := `
SELECT ` + prefixed("t", taskColumns) + `
FROM tasks t
JOIN repos r ON r.repo_id = t.repo_id
WHERE t.status = 'pending'
  AND r.active
  AND t.task_type = ANY($1)
  AND (t.not_before IS NULL OR t.not_before <= $2)
  AND (r.max_in_progress <= 0 OR
       (SELECT COUNT(*) FROM tasks x WHERE x.repo_id = t.repo_id AND x.status = 'in_progress') < r.max_in_progress)
ORDER BY t.priority DESC, t.created_at ASC, t.task_id ASC
LIMIT 1`
	t, err := scanTask(s.Pool.QueryRow(ctx, q, taskTypes, now.UTC().Unix()))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &t, nil
}

func prefixed(alias, cols string) string {
	parts := strings.Split(cols, ", ")
	for i, p := range parts {
		parts[i] = alias + "." + p
	}
	return strings.Join(parts, ", ")
}

func (s *Store) ClaimTask(ctx context.Context, taskID int64, agentName string, now time.Time) (bool, error) {
	tag, err := s.Pool.Exec(ctx, `UPDATE tasks SET status='in_progress', assigned_agent=$1, started_at=$2, not_before=NULL WHERE task_id=$3 AND status='pending'`,
		agentName, now.UTC().Unix(), taskID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (s *Store) CompleteTask(ctx context.Context, taskID int64, agentName, result string, now time.Time) (bool, error) {
	tag, err := s.Pool.Exec(ctx, `UPDATE tasks SET status='completed', result=$1, completed_at=$2, assigned_agent=NULL WHERE task_id=$3 AND status='in_progress' AND assigned_agent=$4`,
		result, now.UTC().Unix(), taskID, agentName)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (s *Store) RequeueTask(ctx context.Context, taskID int64, errDetail string, notBefore, now time.Time) (bool, error) {
	tx, err := s.Pool.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, `UPDATE tasks SET status='pending', assigned_agent=NULL, started_at=NULL, retry_count=retry_count+1, error=$1, not_before=$2 WHERE task_id=$3 AND status='in_progress' AND retry_count < max_retries`,
		errDetail, notBefore.UTC().Unix(), taskID)
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}
	var attempt int
	if err := tx.QueryRow(ctx, `SELECT retry_count FROM tasks WHERE task_id=$1`, taskID).Scan(&attempt); err != nil {
		return false, err
	}
	if _, err := tx.Exec(ctx, `INSERT INTO task_errors(task_id, attempt, detail, created_at) VALUES($1, $2, $3, $4)`,
		taskID, attempt, errDetail, now.UTC().Unix()); err != nil {
		return false, err
	}
	return true, tx.Commit(ctx)
}

func (s *Store) FailTask(ctx context.Context, taskID int64, errDetail string, now time.Time) (bool, error) {
	tx, err := s.Pool.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	ts := now.UTC().Unix()
	tag, err := tx.Exec(ctx, `UPDATE tasks SET status='failed', error=$1, completed_at=$2, assigned_agent=NULL WHERE task_id=$3 AND status='in_progress'`,
		errDetail, ts, taskID)
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}
	var retryCount int
	if err := tx.QueryRow(ctx, `SELECT retry_count FROM tasks WHERE task_id=$1`, taskID).Scan(&retryCount); err != nil {
		return false, err
	}
	if _, err := tx.Exec(ctx, `INSERT INTO task_errors(task_id, attempt, detail, created_at) VALUES($1, $2, $3, $4)`,
		taskID, retryCount+1, errDetail, ts); err != nil {
		return false, err
	}
	return true, tx.Commit(ctx)
}

func (s *Store) ReleaseTask(ctx context.Context, taskID int64, now time.Time) (bool, error) {
	tag, err := s.Pool.Exec(ctx, `UPDATE tasks SET status='pending', assigned_agent=NULL, started_at=NULL WHERE task_id=$1 AND status='in_progress'`, taskID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (s *Store) CancelTask(ctx context.Context, taskID int64, now time.Time) error {
	tag, err := s.Pool.Exec(ctx, `UPDATE tasks SET status='cancelled', assigned_agent=NULL, completed_at=$1 WHERE task_id=$2 AND status IN ('pending', 'in_progress')`,
		now.UTC().Unix(), taskID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	if _, err := s.GetTask(ctx, taskID); err != nil {
		return err
	}
	return fmt.Errorf("cancel task %d: already terminal: %w", taskID, store.ErrInvalidTransition)
}

func (s *Store) ForceRequeueTask(ctx context.Context, taskID int64, now time.Time) error {
	tag, err := s.Pool.Exec(ctx, `UPDATE tasks SET status='pending', retry_count=0, error=NULL, result=NULL, completed_at=NULL, not_before=NULL WHERE task_id=$1 AND status='failed'`, taskID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	if _, err := s.GetTask(ctx, taskID); err != nil {
		return err
	}
	return fmt.Errorf("force-requeue task %d: not in failed state: %w", taskID, store.ErrInvalidTransition)
}

func (s *Store) ListTaskErrors(ctx context.Context, taskID int64) ([]store.TaskError, error) {
	rows, err := s.Pool.Query(ctx, `SELECT task_id, attempt, detail, created_at FROM task_errors WHERE task_id=$1 ORDER BY attempt ASC`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []store.TaskError
	for rows.Next() {
		var e store.TaskError
		var createdAt int64
		if err := rows.Scan(&e.TaskID, &e.Attempt, &e.Detail, &createdAt); err != nil {
			return nil, err
		}
		e.CreatedAt = time.Unix(createdAt, 0).UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) CountTasksByStatus(ctx context.Context) (map[string]int64, error) {
	rows, err := s.Pool.Query(ctx, `SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string]int64)
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[status] = n
	}
	return out, rows.Err()
}

func (s *Store) RegisterAgent(ctx context.Context, name, agentType string, repoID *string, now time.Time) error {
	if name == "" {
		return errors.New("agent name required")
	}
	if agentType == "" {
		return errors.New("agent type required")
	}
	ts := now.UTC().Unix()
	_, err := s.Pool.Exec(ctx, `
INSERT INTO agent_status(agent_name, agent_type, repo_id, status, current_task_id, last_heartbeat, session_start)
VALUES($1, $2, $3, 'idle', NULL, $4, $4)
ON CONFLICT(agent_name) DO UPDATE SET
  agent_type = EXCLUDED.agent_type,
  repo_id = EXCLUDED.repo_id,
  status = 'idle',
  current_task_id = NULL,
  last_heartbeat = EXCLUDED.last_heartbeat,
  session_start = EXCLUDED.session_start`,
		name, agentType, repoID, ts)
	return err
}

func (s *Store) Heartbeat(ctx context.Context, name string, now time.Time) error {
	return s.execAgent(ctx, name, `UPDATE agent_status SET last_heartbeat=$1 WHERE agent_name=$2`, now.UTC().Unix(), name)
}

func (s *Store) SetAgentRunning(ctx context.Context, name string, taskID int64, now time.Time) error {
	return s.execAgent(ctx, name, `UPDATE agent_status SET status='running', current_task_id=$1, last_heartbeat=$2 WHERE agent_name=$3`, taskID, now.UTC().Unix(), name)
}

func (s *Store) SetAgentIdle(ctx context.Context, name string, now time.Time) error {
	return s.execAgent(ctx, name, `UPDATE agent_status SET status='idle', current_task_id=NULL, last_heartbeat=$1 WHERE agent_name=$2`, now.UTC().Unix(), name)
}

func (s *Store) SetAgentStopped(ctx context.Context, name string, now time.Time) error {
	return s.execAgent(ctx, name, `UPDATE agent_status SET status='stopped', current_task_id=NULL, last_heartbeat=$1 WHERE agent_name=$2`, now.UTC().Unix(), name)
}

// MarkAgentError leaves last_heartbeat untouched so staleness stays observable.
func (s *Store) MarkAgentError(ctx context.Context, name string, _ time.Time) error {
	return s.execAgent(ctx, name, `UPDATE agent_status SET status='error', current_task_id=NULL WHERE agent_name=$1`, name)
}

func (s *Store) execAgent(ctx context.Context, name, q string, args ...any) error {
	tag, err := s.Pool.Exec(ctx, q, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("agent %s: %w", name, store.ErrNotFound)
	}
	return nil
}

func scanAgent(row scanner) (store.AgentStatus, error) {
	var (
		a             store.AgentStatus
		lastHeartbeat int64
		sessionStart  int64
	)
	err := row.Scan(&a.AgentName, &a.AgentType, &a.RepoID, &a.Status, &a.CurrentTaskID, &lastHeartbeat, &sessionStart)
	if err != nil {
		return store.AgentStatus{}, err
	}
	a.LastHeartbeat = time.Unix(lastHeartbeat, 0).UTC()
	a.SessionStart = time.Unix(sessionStart, 0).UTC()
	return a, nil
}

func (s *Store) GetAgent(ctx context.Context, name string) (store.AgentStatus, error) {
	a, err := scanAgent(s.Pool.QueryRow(ctx, `SELECT agent_name, agent_type, repo_id, status, current_task_id, last_heartbeat, session_start FROM agent_status WHERE agent_name = $1`, name))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.AgentStatus{}, fmt.Errorf("agent %s: %w", name, store.ErrNotFound)
		}
		return store.AgentStatus{}, err
	}
	return a, nil
}

func (s *Store) ListAgents(ctx context.Context) ([]store.AgentStatus, error) {
	return s.queryAgents(ctx, `SELECT agent_name, agent_type, repo_id, status, current_task_id, last_heartbeat, session_start FROM agent_status ORDER BY session_start ASC`)
}

func (s *Store) StaleAgents(ctx context.Context, cutoff time.Time) ([]store.AgentStatus, error) {
	return s.queryAgents(ctx, `SELECT agent_name, agent_type, repo_id, status, current_task_id, last_heartbeat, session_start FROM agent_status WHERE status IN ('idle', 'running') AND last_heartbeat < $1`, cutoff.UTC().Unix())
}

func (s *Store) queryAgents(ctx context.Context, q string, args ...any) ([]store.AgentStatus, error) {
	rows, err := s.Pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []store.AgentStatus
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *Store) CountAgentsOnline(ctx context.Context, since time.Time) (int64, error) {
	var n int64
	err := s.Pool.QueryRow(ctx, `SELECT COUNT(*) FROM agent_status WHERE status != 'stopped' AND last_heartbeat >= $1`, since.UTC().Unix()).Scan(&n)
	return n, err
}

func (s *Store) CreateApproval(ctx context.Context, repoID string, taskID *int64, agentType, approvalType, payload string, now time.Time) (int64, error) {
	switch approvalType {
	case "spec", "merge", "issue_creation", "deploy":
	default:
		return 0, fmt.Errorf("unknown approval type %q", approvalType)
	}
	if _, err := s.GetRepo(ctx, repoID); err != nil {
		return 0, err
	}
	var id int64
	err := s.Pool.QueryRow(ctx, `INSERT INTO approvals(repo_id, task_id, agent_type, approval_type, status, payload, created_at) VALUES($1, $2, $3, $4, 'pending', $5, $6) RETURNING approval_id`,
		repoID, taskID, agentType, approvalType, payload, now.UTC().Unix()).Scan(&id)
	return id, err
}

func scanApproval(row scanner) (store.Approval, error) {
	var (
		a          store.Approval
		createdAt  int64
		resolvedAt *int64
	)
	err := row.Scan(&a.ApprovalID, &a.RepoID, &a.TaskID, &a.AgentType, &a.ApprovalType, &a.Status, &a.Payload, &a.Reviewer, &a.ReviewComment, &a.AutoApproved, &a.AutoApproveReason, &createdAt, &resolvedAt)
	if err != nil {
		return store.Approval{}, err
	}
	a.CreatedAt = time.Unix(createdAt, 0).UTC()
	a.ResolvedAt = tsPtr(resolvedAt)
	return a, nil
}

func (s *Store) GetApproval(ctx context.Context, approvalID int64) (store.Approval, error) {
	a, err := scanApproval(s.Pool.QueryRow(ctx, `SELECT `+approvalColumns+` FROM approvals WHERE approval_id = $1`, approvalID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.Approval{}, fmt.Errorf("approval %d: %w", approvalID, store.ErrNotFound)
		}
		return store.Approval{}, err
	}
	return a, nil
}

func (s *Store) ListApprovals(ctx context.Context, status string, limit int) ([]store.Approval, error) {
	q := `SELECT ` + approvalColumns + ` FROM approvals`
	var args []any
	if status != "" {
		q += ` WHERE status = $1`
		args = append(args, status)
	}
	q += ` ORDER BY created_at ASC`
	if limit > 0 {
		q += fmt.Sprintf(` LIMIT %d`, limit)
	}
	rows, err := s.Pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []store.Approval
	for rows.Next() {
		a, err := scanApproval(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *Store) ResolveApproval(ctx context.Context, approvalID int64, decision, reviewer, comment string, auto bool, autoReason string, now time.Time) (bool, error) {
	if decision != "approved" && decision != "rejected" {
		return false, fmt.Errorf("decision must be approved or rejected, got %q", decision)
	}
	var reasonVal *string
	if auto {
		reasonVal = &autoReason
	}
	tag, err := s.Pool.Exec(ctx, `UPDATE approvals SET status=$1, reviewer=$2, review_comment=$3, auto_approved=$4, auto_approve_reason=$5, resolved_at=$6 WHERE approval_id=$7 AND status='pending'`,
		decision, reviewer, comment, auto, reasonVal, now.UTC().Unix(), approvalID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (s *Store) CountPendingApprovals(ctx context.Context) (int64, error) {
	var n int64
	err := s.Pool.QueryRow(ctx, `SELECT COUNT(*) FROM approvals WHERE status='pending'`).Scan(&n)
	return n, err
}

func (s *Store) CreateReflection(ctx context.Context, taskID int64, agentType, content string, confidence float64, tags []string, now time.Time) (int64, error) {
	if confidence < 0 || confidence > 1 {
		return 0, fmt.Errorf("confidence must be 0-1, got %v", confidence)
	}
	if _, err := s.GetTask(ctx, taskID); err != nil {
		return 0, err
	}
	var id int64
	err := s.Pool.QueryRow(ctx, `INSERT INTO reflections(task_id, agent_type, content, confidence, tags, created_at) VALUES($1, $2, $3, $4, $5, $6) RETURNING reflection_id`,
		taskID, agentType, content, confidence, strings.Join(tags, ","), now.UTC().Unix()).Scan(&id)
	return id, err
}

const reflectionSelect = `SELECT f.reflection_id, f.task_id, t.repo_id, f.agent_type, f.content, f.confidence, f.tags, f.created_at FROM reflections f JOIN tasks t ON t.task_id = f.task_id`

func scanReflection(row scanner) (store.Reflection, error) {
	var (
		r         store.Reflection
		tags      string
		createdAt int64
	)
	err := row.Scan(&r.ReflectionID, &r.TaskID, &r.RepoID, &r.AgentType, &r.Content, &r.Confidence, &tags, &createdAt)
	if err != nil {
		return store.Reflection{}, err
	}
	if tags != "" {
		r.Tags = strings.Split(tags, ",")
	}
	r.CreatedAt = time.Unix(createdAt, 0).UTC()
	return r, nil
}

func (s *Store) ListReflectionsSince(ctx context.Context, since time.Time, afterID int64, limit int) ([]store.Reflection, error) {
	q := reflectionSelect + ` WHERE (f.created_at > $1 OR (f.created_at = $1 AND f.reflection_id > $2)) ORDER BY f.created_at ASC, f.reflection_id ASC`
	if limit > 0 {
		q += fmt.Sprintf(` LIMIT %d`, limit)
	}
	return s.queryReflections(ctx, q, since.UTC().Unix(), afterID)
}

func (s *Store) ListTaskReflections(ctx context.Context, taskID int64) ([]store.Reflection, error) {
	return s.queryReflections(ctx, reflectionSelect+` WHERE f.task_id = $1 ORDER BY f.created_at ASC, f.reflection_id ASC`, taskID)
}

func (s *Store) queryReflections(ctx context.Context, q string, args ...any) ([]store.Reflection, error) {
	rows, err := s.Pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []store.Reflection
	for rows.Next() {
		r, err := scanReflection(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func scanLearning(row scanner) (store.Learning, error) {
	var (
		l         store.Learning
		lastUsed  *int64
		createdAt int64
	)
	err := row.Scan(&l.LearningID, &l.RepoID, &l.AgentType, &l.Category, &l.Insight, &l.Confidence, &l.SampleCount, &l.UsageCount, &lastUsed, &l.Active, &createdAt)
	if err != nil {
		return store.Learning{}, err
	}
	l.LastUsedAt = tsPtr(lastUsed)
	l.CreatedAt = time.Unix(createdAt, 0).UTC()
	return l, nil
}

func (s *Store) ActiveLearnings(ctx context.Context, repoID, agentType, category string) ([]store.Learning, error) {
	return s.queryLearnings(ctx, `SELECT `+learningColumns+` FROM learnings WHERE repo_id=$1 AND agent_type=$2 AND category=$3 AND active ORDER BY created_at ASC`, repoID, agentType, category)
}

func (s *Store) CreateLearning(ctx context.Context, l store.Learning) (int64, error) {
	if l.Category == "" {
		return 0, errors.New("learning category required")
	}
	if l.SampleCount <= 0 {
		l.SampleCount = 1
	}
	var id int64
	err := s.Pool.QueryRow(ctx, `INSERT INTO learnings(repo_id, agent_type, category, insight, confidence, sample_count, usage_count, active, created_at) VALUES($1, $2, $3, $4, $5, $6, 0, TRUE, $7) RETURNING learning_id`,
		l.RepoID, l.AgentType, l.Category, l.Insight, l.Confidence, l.SampleCount, time.Now().UTC().Unix()).Scan(&id)
	return id, err
}

func (s *Store) UpdateLearningStats(ctx context.Context, learningID int64, confidence float64, sampleCount int) error {
	tag, err := s.Pool.Exec(ctx, `UPDATE learnings SET confidence=$1, sample_count=$2 WHERE learning_id=$3`, confidence, sampleCount, learningID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("learning %d: %w", learningID, store.ErrNotFound)
	}
	return nil
}

func (s *Store) TouchLearningUsage(ctx context.Context, learningIDs []int64, now time.Time) error {
	if len(learningIDs) == 0 {
		return nil
	}
	_, err := s.Pool.Exec(ctx, `UPDATE learnings SET usage_count=usage_count+1, last_used_at=$1 WHERE learning_id = ANY($2)`, now.UTC().Unix(), learningIDs)
	return err
}

func (s *Store) ListLearnings(ctx context.Context, activeOnly bool) ([]store.Learning, error) {
	q := `SELECT ` + learningColumns + ` FROM learnings`
	if activeOnly {
		q += ` WHERE active`
	}
	q += ` ORDER BY created_at ASC`
	return s.queryLearnings(ctx, q)
}

func (s *Store) queryLearnings(ctx context.Context, q string, args ...any) ([]store.Learning, error) {
	rows, err := s.Pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []store.Learning
	for rows.Next() {
		l, err := scanLearning(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func (s *Store) DeactivateLearning(ctx context.Context, learningID int64) error {
	tag, err := s.Pool.Exec(ctx, `UPDATE learnings SET active=FALSE WHERE learning_id=$1`, learningID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("learning %d: %w", learningID, store.ErrNotFound)
	}
	return nil
}

func (s *Store) CountActiveLearnings(ctx context.Context) (int64, error) {
	var n int64
	err := s.Pool.QueryRow(ctx, `SELECT COUNT(*) FROM learnings WHERE active`).Scan(&n)
	return n, err
}

func (s *Store) GetWatermark(ctx context.Context, name string) (time.Time, error) {
	var ts int64
	err := s.Pool.QueryRow(ctx, `SELECT ts FROM watermarks WHERE name=$1`, name).Scan(&ts)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return time.Time{}, nil
		}
		return time.Time{}, err
	}
	return time.Unix(ts, 0).UTC(), nil
}

func (s *Store) SetWatermark(ctx context.Context, name string, t time.Time) error {
	_, err := s.Pool.Exec(ctx, `INSERT INTO watermarks(name, ts) VALUES($1, $2) ON CONFLICT(name) DO UPDATE SET ts=EXCLUDED.ts`, name, t.UTC().Unix())
	return err
}

func randomID() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("r-%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}
