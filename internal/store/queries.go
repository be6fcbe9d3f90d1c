package store

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"
)

const taskColumns = `task_id, repo_id, task_type, status, priority, payload, result, error, assigned_agent, retry_count, max_retries, not_before, created_at, started_at, completed_at`

const approvalColumns = `approval_id, repo_id, task_id, agent_type, approval_type, status, payload, reviewer, review_comment, auto_approved, auto_approve_reason, created_at, resolved_at`

const learningColumns = `learning_id, repo_id, agent_type, category, insight, confidence, sample_count, usage_count, last_used_at, active, created_at`

func (s *sqliteStore) CreateRepo(ctx context.Context, name, sourceURL, defaultBranch, autonomy string, maxInProgress int) (Repository, error) {
	if name == "" {
		return Repository{}, errors.New("repo name required")
	}
	if sourceURL == "" {
		return Repository{}, errors.New("repo source URL required")
	}
	if defaultBranch == "" {
		defaultBranch = "main"
	}
	if autonomy == "" {
		autonomy = "guided"
	}
	if autonomy != "full" && autonomy != "guided" {
		return Repository{}, fmt.Errorf("autonomy mode must be full or guided, got %q", autonomy)
	}
	if maxInProgress < 0 {
		maxInProgress = 0
	}
	id := randomID()
	now := time.Now().UTC().Unix()
	_, err := s.DB.ExecContext(ctx, `INSERT INTO repos(repo_id, name, source_url, default_branch, autonomy_mode, max_in_progress, active, created_at) VALUES(?, ?, ?, ?, ?, ?, 1, ?)`,
		id, name, sourceURL, defaultBranch, autonomy, maxInProgress, now)
	if err != nil {
		return Repository{}, err
	}
	return Repository{
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

func (s *sqliteStore) GetRepo(ctx context.Context, repoID string) (Repository, error) {
	return s.repoBy(ctx, `repo_id`, repoID)
}

func (s *sqliteStore) GetRepoByName(ctx context.Context, name string) (Repository, error) {
	return s.repoBy(ctx, `name`, name)
}

func (s *sqliteStore) repoBy(ctx context.Context, col, val string) (Repository, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT repo_id, name, source_url, default_branch, autonomy_mode, max_in_progress, active, created_at FROM repos WHERE `+col+` = ?`, val)
	r, err := scanRepo(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Repository{}, fmt.Errorf("repo %s: %w", val, ErrNotFound)
		}
		return Repository{}, err
	}
	return r, nil
}

func scanRepo(row interface{ Scan(dest ...any) error }) (Repository, error) {
	var (
		r         Repository
		active    int
		createdAt int64
	)
	err := row.Scan(&r.RepoID, &r.Name, &r.SourceURL, &r.DefaultBranch, &r.AutonomyMode, &r.MaxInProgress, &active, &createdAt)
	if err != nil {
		return Repository{}, err
	}
	r.Active = active != 0
	r.CreatedAt = time.Unix(createdAt, 0).UTC()
	return r, nil
}

func (s *sqliteStore) ListRepos(ctx context.Context) ([]Repository, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT repo_id, name, source_url, default_branch, autonomy_mode, max_in_progress, active, created_at FROM repos ORDER BY created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []Repository
	for rows.Next() {
		r, err := scanRepo(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqliteStore) SetRepoAutonomy(ctx context.Context, repoID, mode string) error {
	if mode != "full" && mode != "guided" {
		return fmt.Errorf("autonomy mode must be full or guided, got %q", mode)
	}
	return s.updateRepoField(ctx, repoID, `autonomy_mode`, mode)
}

func (s *sqliteStore) SetRepoMaxInProgress(ctx context.Context, repoID string, n int) error {
	if n < 0 {
		n = 0
	}
	return s.updateRepoField(ctx, repoID, `max_in_progress`, n)
}

func (s *sqliteStore) SetRepoActive(ctx context.Context, repoID string, active bool) error {
	v := 0
	if active {
		v = 1
	}
	return s.updateRepoField(ctx, repoID, `active`, v)
}

func (s *sqliteStore) updateRepoField(ctx context.Context, repoID, col string, val any) error {
	res, err := s.DB.ExecContext(ctx, `UPDATE repos SET `+col+`=? WHERE repo_id=?`, val, repoID)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("repo %s: %w", repoID, ErrNotFound)
	}
	return nil
}

func (s *sqliteStore) CreateTask(ctx context.Context, repoID, taskType string, priority int, payload string, maxRetries int) (int64, error) {
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
	res, err := s.DB.ExecContext(ctx, `INSERT INTO tasks(repo_id, task_type, status, priority, payload, max_retries, created_at) VALUES(?, ?, 'pending', ?, ?, ?, ?)`,
		repoID, taskType, priority, payload, maxRetries, now)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// scanTask scans a row with taskColumns order.
func scanTask(row interface{ Scan(dest ...any) error }) (Task, error) {
	var (
		t           Task
		result      sql.NullString
		errDetail   sql.NullString
		assigned    sql.NullString
		notBefore   sql.NullInt64
		createdAt   int64
		startedAt   sql.NullInt64
		completedAt sql.NullInt64
	)
	err := row.Scan(&t.TaskID, &t.RepoID, &t.TaskType, &t.Status, &t.Priority, &t.Payload, &result, &errDetail, &assigned, &t.RetryCount, &t.MaxRetries, &notBefore, &createdAt, &startedAt, &completedAt)
	if err != nil {
		return Task{}, err
	}
	if result.Valid {
		t.Result = &result.String
	}
	if errDetail.Valid {
		t.Error = &errDetail.String
	}
	if assigned.Valid {
		t.AssignedAgent = &assigned.String
	}
	t.NotBefore = tsPtr(notBefore)
	t.CreatedAt = time.Unix(createdAt, 0).UTC()
	t.StartedAt = tsPtr(startedAt)
	t.CompletedAt = tsPtr(completedAt)
	return t, nil
}

func tsPtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(v.Int64, 0).UTC()
	return &t
}

func (s *sqliteStore) GetTask(ctx context.Context, taskID int64) (Task, error) {
	t, err := scanTask(s.stmtGetTask.QueryRowContext(ctx, taskID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Task{}, fmt.Errorf("task %d: %w", taskID, ErrNotFound)
		}
		return Task{}, err
	}
	return t, nil
}

func (s *sqliteStore) ListTasks(ctx context.Context, status string, limit int) ([]Task, error) {
	q := `SELECT ` + taskColumns + ` FROM tasks`
	var args []any
	if status != "" {
		q += ` WHERE status = ?`
		args = append(args, status)
	}
	q += ` ORDER BY created_at DESC`
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// NextPendingTask picks the best eligible pending task: active repo, matching
// type, backoff expired, repo under its in_progress cap. Highest priority
// first, FIFO within a band.
func (s *sqliteStore) NextPendingTask(ctx context.Context, taskTypes []string, now time.Time) (*Task, error) {
	if len(taskTypes) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(taskTypes)), ", ")
	q := `
SELECT ` + prefixed("t", taskColumns) + `
FROM tasks t
JOIN repos r ON r.repo_id = t.repo_id
WHERE t.status = 'pending'
  AND r.active = 1
  AND t.task_type IN (` + placeholders + `)
  AND (t.not_before IS NULL OR t.not_before <= ?)
  AND (r.max_in_progress <= 0 OR
       (SELECT COUNT(*) FROM tasks x WHERE x.repo_id = t.repo_id AND x.status = 'in_progress') < r.max_in_progress)
ORDER BY t.priority DESC, t.created_at ASC, t.task_id ASC
LIMIT 1`
	args := make([]any, 0, len(taskTypes)+1)
	for _, tt := range taskTypes {
		args = append(args, tt)
	}
	args = append(args, now.UTC().Unix())
	t, err := scanTask(s.DB.QueryRowContext(ctx, q, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
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

// ClaimTask sets status to in_progress, assigns the agent, and stamps
// started_at, but only if the task is still pending. Returns true if claimed.
func (s *sqliteStore) ClaimTask(ctx context.Context, taskID int64, agentName string, now time.Time) (bool, error) {
	res, err := s.stmtClaimTask.ExecContext(ctx, agentName, now.UTC().Unix(), taskID)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// CompleteTask moves a task to completed only if this agent still holds it.
func (s *sqliteStore) CompleteTask(ctx context.Context, taskID int64, agentName, result string, now time.Time) (bool, error) {
	res, err := s.DB.ExecContext(ctx, `UPDATE tasks SET status='completed', result=?, completed_at=?, assigned_agent=NULL WHERE task_id=? AND status='in_progress' AND assigned_agent=?`,
		result, now.UTC().Unix(), taskID, agentName)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// RequeueTask returns an in_progress task to pending with retry_count+1 and
// appends the error detail to the task's failure history. The guard
// retry_count < max_retries keeps the invariant in the store itself.
func (s *sqliteStore) RequeueTask(ctx context.Context, taskID int64, errDetail string, notBefore, now time.Time) (bool, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `UPDATE tasks SET status='pending', assigned_agent=NULL, started_at=NULL, retry_count=retry_count+1, error=?, not_before=? WHERE task_id=? AND status='in_progress' AND retry_count < max_retries`,
		errDetail, notBefore.UTC().Unix(), taskID)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return false, nil
	}
	var attempt int
	if err := tx.QueryRowContext(ctx, `SELECT retry_count FROM tasks WHERE task_id=?`, taskID).Scan(&attempt); err != nil {
		return false, err
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO task_errors(task_id, attempt, detail, created_at) VALUES(?, ?, ?, ?)`,
		taskID, attempt, errDetail, now.UTC().Unix()); err != nil {
		return false, err
	}
	return true, tx.Commit()
}

// FailTask marks an in_progress task terminally failed and records the final error.
func (s *sqliteStore) FailTask(ctx context.Context, taskID int64, errDetail string, now time.Time) (bool, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	ts := now.UTC().Unix()
	res, err := tx.ExecContext(ctx, `UPDATE tasks SET status='failed', error=?, completed_at=?, assigned_agent=NULL WHERE task_id=? AND status='in_progress'`,
		errDetail, ts, taskID)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return false, nil
	}
	var retryCount int
	if err := tx.QueryRowContext(ctx, `SELECT retry_count FROM tasks WHERE task_id=?`, taskID).Scan(&retryCount); err != nil {
		return false, err
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO task_errors(task_id, attempt, detail, created_at) VALUES(?, ?, ?, ?)`,
		taskID, retryCount+1, errDetail, ts); err != nil {
		return false, err
	}
	return true, tx.Commit()
}

// ReleaseTask frees an interrupted task back to pending without counting a retry.
func (s *sqliteStore) ReleaseTask(ctx context.Context, taskID int64, now time.Time) (bool, error) {
	res, err := s.DB.ExecContext(ctx, `UPDATE tasks SET status='pending', assigned_agent=NULL, started_at=NULL WHERE task_id=? AND status='in_progress'`, taskID)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// CancelTask moves a non-terminal task to cancelled. Cancellation is
// cooperative: an agent already executing the task must observe it itself.
func (s *sqliteStore) CancelTask(ctx context.Context, taskID int64, now time.Time) error {
	res, err := s.DB.ExecContext(ctx, `UPDATE tasks SET status='cancelled', assigned_agent=NULL, completed_at=? WHERE task_id=? AND status IN ('pending', 'in_progress')`,
		now.UTC().Unix(), taskID)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		return nil
	}
	if _, err := s.GetTask(ctx, taskID); err != nil {
		return err
	}
	return fmt.Errorf("cancel task %d: already terminal: %w", taskID, ErrInvalidTransition)
}

// ForceRequeueTask is an explicit operator override on a terminally failed
// task; it resets the retry budget and returns the task to pending.
func (s *sqliteStore) ForceRequeueTask(ctx context.Context, taskID int64, now time.Time) error {
	res, err := s.DB.ExecContext(ctx, `UPDATE tasks SET status='pending', retry_count=0, error=NULL, result=NULL, completed_at=NULL, not_before=NULL WHERE task_id=? AND status='failed'`, taskID)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		return nil
	}
	if _, err := s.GetTask(ctx, taskID); err != nil {
		return err
	}
	return fmt.Errorf("force-requeue task %d: not in failed state: %w", taskID, ErrInvalidTransition)
}

func (s *sqliteStore) ListTaskErrors(ctx context.Context, taskID int64) ([]TaskError, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT task_id, attempt, detail, created_at FROM task_errors WHERE task_id=? ORDER BY attempt ASC`, taskID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []TaskError
	for rows.Next() {
		var e TaskError
		var createdAt int64
		if err := rows.Scan(&e.TaskID, &e.Attempt, &e.Detail, &createdAt); err != nil {
			return nil, err
		}
		e.CreatedAt = time.Unix(createdAt, 0).UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *sqliteStore) CountTasksByStatus(ctx context.Context) (map[string]int64, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
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

// RegisterAgent upserts the agent's row: a re-register resets the session.
func (s *sqliteStore) RegisterAgent(ctx context.Context, name, agentType string, repoID *string, now time.Time) error {
	if name == "" {
		return errors.New("agent name required")
	}
	if agentType == "" {
		return errors.New("agent type required")
	}
	ts := now.UTC().Unix()
	_, err := s.DB.ExecContext(ctx, `
INSERT INTO agent_status(agent_name, agent_type, repo_id, status, current_task_id, last_heartbeat, session_start)
VALUES(?, ?, ?, 'idle', NULL, ?, ?)
ON CONFLICT(agent_name) DO UPDATE SET
  agent_type = excluded.agent_type,
  repo_id = excluded.repo_id,
  status = 'idle',
  current_task_id = NULL,
  last_heartbeat = excluded.last_heartbeat,
  session_start = excluded.session_start`,
		name, agentType, toNull(repoID), ts, ts)
	return err
}

func (s *sqliteStore) Heartbeat(ctx context.Context, name string, now time.Time) error {
	res, err := s.stmtHeartbeat.ExecContext(ctx, now.UTC().Unix(), name)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("agent %s: %w", name, ErrNotFound)
	}
	return nil
}

func (s *sqliteStore) SetAgentRunning(ctx context.Context, name string, taskID int64, now time.Time) error {
	return s.execAgent(ctx, name, `UPDATE agent_status SET status='running', current_task_id=?, last_heartbeat=? WHERE agent_name=?`, taskID, now.UTC().Unix(), name)
}

func (s *sqliteStore) SetAgentIdle(ctx context.Context, name string, now time.Time) error {
	return s.execAgent(ctx, name, `UPDATE agent_status SET status='idle', current_task_id=NULL, last_heartbeat=? WHERE agent_name=?`, now.UTC().Unix(), name)
}

func (s *sqliteStore) SetAgentStopped(ctx context.Context, name string, now time.Time) error {
	return s.execAgent(ctx, name, `UPDATE agent_status SET status='stopped', current_task_id=NULL, last_heartbeat=? WHERE agent_name=?`, now.UTC().Unix(), name)
}

// MarkAgentError leaves last_heartbeat untouched so staleness stays observable.
func (s *sqliteStore) MarkAgentError(ctx context.Context, name string, _ time.Time) error {
	return s.execAgent(ctx, name, `UPDATE agent_status SET status='error', current_task_id=NULL WHERE agent_name=?`, name)
}

func (s *sqliteStore) execAgent(ctx context.Context, name, q string, args ...any) error {
	res, err := s.DB.ExecContext(ctx, q, args...)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("agent %s: %w", name, ErrNotFound)
	}
	return nil
}

func scanAgent(row interface{ Scan(dest ...any) error }) (AgentStatus, error) {
	var (
		a             AgentStatus
		repoID        sql.NullString
		currentTask   sql.NullInt64
		lastHeartbeat int64
		sessionStart  int64
	)
	err := row.Scan(&a.AgentName, &a.AgentType, &repoID, &a.Status, &currentTask, &lastHeartbeat, &sessionStart)
	if err != nil {
		return AgentStatus{}, err
	}
	if repoID.Valid {
		a.RepoID = &repoID.String
	}
	if currentTask.Valid {
		a.CurrentTaskID = &currentTask.Int64
	}
	a.LastHeartbeat = time.Unix(lastHeartbeat, 0).UTC()
	a.SessionStart = time.Unix(sessionStart, 0).UTC()
	return a, nil
}

func (s *sqliteStore) GetAgent(ctx context.Context, name string) (AgentStatus, error) {
	a, err := scanAgent(s.stmtGetAgent.QueryRowContext(ctx, name))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return AgentStatus{}, fmt.Errorf("agent %s: %w", name, ErrNotFound)
		}
		return AgentStatus{}, err
	}
	return a, nil
}

func (s *sqliteStore) ListAgents(ctx context.Context) ([]AgentStatus, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT agent_name, agent_type, repo_id, status, current_task_id, last_heartbeat, session_start FROM agent_status ORDER BY session_start ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []AgentStatus
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *sqliteStore) StaleAgents(ctx context.Context, cutoff time.Time) ([]AgentStatus, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT agent_name, agent_type, repo_id, status, current_task_id, last_heartbeat, session_start FROM agent_status WHERE status IN ('idle', 'running') AND last_heartbeat < ?`, cutoff.UTC().Unix())
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []AgentStatus
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *sqliteStore) CountAgentsOnline(ctx context.Context, since time.Time) (int64, error) {
	var n int64
	err := s.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM agent_status WHERE status != 'stopped' AND last_heartbeat >= ?`, since.UTC().Unix()).Scan(&n)
	return n, err
}

func (s *sqliteStore) CreateApproval(ctx context.Context, repoID string, taskID *int64, agentType, approvalType, payload string, now time.Time) (int64, error) {
	switch approvalType {
	case "spec", "merge", "issue_creation", "deploy":
	default:
		return 0, fmt.Errorf("unknown approval type %q", approvalType)
	}
	if _, err := s.GetRepo(ctx, repoID); err != nil {
		return 0, err
	}
	var tid any
	if taskID != nil {
		tid = *taskID
	}
	res, err := s.DB.ExecContext(ctx, `INSERT INTO approvals(repo_id, task_id, agent_type, approval_type, status, payload, created_at) VALUES(?, ?, ?, ?, 'pending', ?, ?)`,
		repoID, tid, agentType, approvalType, payload, now.UTC().Unix())
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func scanApproval(row interface{ Scan(dest ...any) error }) (Approval, error) {
	var (
		a          Approval
		taskID     sql.NullInt64
		reviewer   sql.NullString
		comment    sql.NullString
		auto       int
		autoReason sql.NullString
		createdAt  int64
		resolvedAt sql.NullInt64
	)
	err := row.Scan(&a.ApprovalID, &a.RepoID, &taskID, &a.AgentType, &a.ApprovalType, &a.Status, &a.Payload, &reviewer, &comment, &auto, &autoReason, &createdAt, &resolvedAt)
	if err != nil {
		return Approval{}, err
	}
	if taskID.Valid {
		a.TaskID = &taskID.Int64
	}
	if reviewer.Valid {
		a.Reviewer = &reviewer.String
	}
	if comment.Valid {
		a.ReviewComment = &comment.String
	}
	a.AutoApproved = auto != 0
	if autoReason.Valid {
		a.AutoApproveReason = &autoReason.String
	}
	a.CreatedAt = time.Unix(createdAt, 0).UTC()
	a.ResolvedAt = tsPtr(resolvedAt)
	return a, nil
}

func (s *sqliteStore) GetApproval(ctx context.Context, approvalID int64) (Approval, error) {
	a, err := scanApproval(s.DB.QueryRowContext(ctx, `SELECT `+approvalColumns+` FROM approvals WHERE approval_id = ?`, approvalID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Approval{}, fmt.Errorf("approval %d: %w", approvalID, ErrNotFound)
		}
		return Approval{}, err
	}
	return a, nil
}

func (s *sqliteStore) ListApprovals(ctx context.Context, status string, limit int) ([]Approval, error) {
	q := `SELECT ` + approvalColumns + ` FROM approvals`
	var args []any
	if status != "" {
		q += ` WHERE status = ?`
		args = append(args, status)
	}
	q += ` ORDER BY created_at ASC`
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []Approval
	for rows.Next() {
		a, err := scanApproval(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// ResolveApproval flips pending to approved/rejected. An already-resolved
// approval is immutable, so the conditional update simply misses.
func (s *sqliteStore) ResolveApproval(ctx context.Context, approvalID int64, decision, reviewer, comment string, auto bool, autoReason string, now time.Time) (bool, error) {
	if decision != "approved" && decision != "rejected" {
		return false, fmt.Errorf("decision must be approved or rejected, got %q", decision)
	}
	autoVal := 0
	var reasonVal any
	if auto {
		autoVal = 1
		reasonVal = autoReason
	}
	res, err := s.DB.ExecContext(ctx, `UPDATE approvals SET status=?, reviewer=?, review_comment=?, auto_approved=?, auto_approve_reason=?, resolved_at=? WHERE approval_id=? AND status='pending'`,
		decision, reviewer, comment, autoVal, reasonVal, now.UTC().Unix(), approvalID)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *sqliteStore) CountPendingApprovals(ctx context.Context) (int64, error) {
	var n int64
	err := s.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM approvals WHERE status='pending'`).Scan(&n)
	return n, err
}

func (s *sqliteStore) CreateReflection(ctx context.Context, taskID int64, agentType, content string, confidence float64, tags []string, now time.Time) (int64, error) {
	if confidence < 0 || confidence > 1 {
		return 0, fmt.Errorf("confidence must be 0-1, got %v", confidence)
	}
	if _, err := s.GetTask(ctx, taskID); err != nil {
		return 0, err
	}
	res, err := s.DB.ExecContext(ctx, `INSERT INTO reflections(task_id, agent_type, content, confidence, tags, created_at) VALUES(?, ?, ?, ?, ?, ?)`,
		taskID, agentType, content, confidence, joinTags(tags), now.UTC().Unix())
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

const reflectionSelect = `SELECT f.reflection_id, f.task_id, t.repo_id, f.agent_type, f.content, f.confidence, f.tags, f.created_at FROM reflections f JOIN tasks t ON t.task_id = f.task_id`

func scanReflection(row interface{ Scan(dest ...any) error }) (Reflection, error) {
	var (
		r         Reflection
		tags      string
		createdAt int64
	)
	err := row.Scan(&r.ReflectionID, &r.TaskID, &r.RepoID, &r.AgentType, &r.Content, &r.Confidence, &tags, &createdAt)
	if err != nil {
		return Reflection{}, err
	}
	r.Tags = splitTags(tags)
	r.CreatedAt = time.Unix(createdAt, 0).UTC()
	return r, nil
}

func (s *sqliteStore) ListReflectionsSince(ctx context.Context, since time.Time, afterID int64, limit int) ([]Reflection, error) {
	ts := since.UTC().Unix()
	q := reflectionSelect + ` WHERE (f.created_at > ? OR (f.created_at = ? AND f.reflection_id > ?)) ORDER BY f.created_at ASC, f.reflection_id ASC`
	args := []any{ts, ts, afterID}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []Reflection
	for rows.Next() {
		r, err := scanReflection(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqliteStore) ListTaskReflections(ctx context.Context, taskID int64) ([]Reflection, error) {
	rows, err := s.DB.QueryContext(ctx, reflectionSelect+` WHERE f.task_id = ? ORDER BY f.created_at ASC, f.reflection_id ASC`, taskID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []Reflection
	for rows.Next() {
		r, err := scanReflection(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func scanLearning(row interface{ Scan(dest ...any) error }) (Learning, error) {
	var (
		l         Learning
		lastUsed  sql.NullInt64
		active    int
		createdAt int64
	)
	err := row.Scan(&l.LearningID, &l.RepoID, &l.AgentType, &l.Category, &l.Insight, &l.Confidence, &l.SampleCount, &l.UsageCount, &lastUsed, &active, &createdAt)
	if err != nil {
		return Learning{}, err
	}
	l.LastUsedAt = tsPtr(lastUsed)
	l.Active = active != 0
	l.CreatedAt = time.Unix(createdAt, 0).UTC()
	return l, nil
}

func (s *sqliteStore) ActiveLearnings(ctx context.Context, repoID, agentType, category string) ([]Learning, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT `+learningColumns+` FROM learnings WHERE repo_id=? AND agent_type=? AND category=? AND active=1 ORDER BY created_at ASC`,
		repoID, agentType, category)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []Learning
	for rows.Next() {
		l, err := scanLearning(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func (s *sqliteStore) CreateLearning(ctx context.Context, l Learning) (int64, error) {
	if l.Category == "" {
		return 0, errors.New("learning category required")
	}
	if l.SampleCount <= 0 {
		l.SampleCount = 1
	}
	now := time.Now().UTC().Unix()
	res, err := s.DB.ExecContext(ctx, `INSERT INTO learnings(repo_id, agent_type, category, insight, confidence, sample_count, usage_count, active, created_at) VALUES(?, ?, ?, ?, ?, ?, 0, 1, ?)`,
		l.RepoID, l.AgentType, l.Category, l.Insight, l.Confidence, l.SampleCount, now)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (s *sqliteStore) UpdateLearningStats(ctx context.Context, learningID int64, confidence float64, sampleCount int) error {
	res, err := s.DB.ExecContext(ctx, `UPDATE learnings SET confidence=?, sample_count=? WHERE learning_id=?`, confidence, sampleCount, learningID)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("learning %d: %w", learningID, ErrNotFound)
	}
	return nil
}

func (s *sqliteStore) TouchLearningUsage(ctx context.Context, learningIDs []int64, now time.Time) error {
	if len(learningIDs) == 0 {
		return nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(learningIDs)), ", ")
	args := []any{now.UTC().Unix()}
	for _, id := range learningIDs {
		args = append(args, id)
	}
	_, err := s.DB.ExecContext(ctx, `UPDATE learnings SET usage_count=usage_count+1, last_used_at=? WHERE learning_id IN (`+placeholders+`)`, args...)
	return err
}

func (s *sqliteStore) ListLearnings(ctx context.Context, activeOnly bool) ([]Learning, error) {
	q := `SELECT ` + learningColumns + ` FROM learnings`
	if activeOnly {
		q += ` WHERE active=1`
	}
	q += ` ORDER BY created_at ASC`
	rows, err := s.DB.QueryContext(ctx, q)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []Learning
	for rows.Next() {
		l, err := scanLearning(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func (s *sqliteStore) DeactivateLearning(ctx context.Context, learningID int64) error {
	res, err := s.DB.ExecContext(ctx, `UPDATE learnings SET active=0 WHERE learning_id=?`, learningID)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("learning %d: %w", learningID, ErrNotFound)
	}
	return nil
}

func (s *sqliteStore) CountActiveLearnings(ctx context.Context) (int64, error) {
	var n int64
	err := s.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM learnings WHERE active=1`).Scan(&n)
	return n, err
}

func (s *sqliteStore) GetWatermark(ctx context.Context, name string) (time.Time, error) {
	var ts int64
	err := s.DB.QueryRowContext(ctx, `SELECT ts FROM watermarks WHERE name=?`, name).Scan(&ts)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return time.Time{}, nil
		}
		return time.Time{}, err
	}
	return time.Unix(ts, 0).UTC(), nil
}

func (s *sqliteStore) SetWatermark(ctx context.Context, name string, t time.Time) error {
	_, err := s.DB.ExecContext(ctx, `INSERT INTO watermarks(name, ts) VALUES(?, ?) ON CONFLICT(name) DO UPDATE SET ts=excluded.ts`, name, t.UTC().Unix())
	return err
}

func toNull(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func joinTags(tags []string) string {
	var kept []string
	for _, t := range tags {
		t = strings.TrimSpace(t)
		if t != "" {
			kept = append(kept, t)
		}
	}
	return strings.Join(kept, ",")
}

func splitTags(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	var out []string
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func randomID() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("r-%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}
