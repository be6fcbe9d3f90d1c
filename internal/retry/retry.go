// Package retry decides what happens when an agent reports a task failure:
// requeue with exponential backoff, or terminal failure once retries
// exhaust.
package retry

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/denizbac/fleetcore/internal/store"
)

// DefaultBackoffBase is the first retry delay; each further retry doubles it.
const DefaultBackoffBase = 30 * time.Second

// Outcome describes what the policy did with a failed task.
type Outcome struct {
	Requeued   bool
	Terminal   bool
	Cancelled  bool // task was cancelled; the failure is ignored
	RetryCount int
	NotBefore  time.Time // next eligibility when Requeued
}

// Policy applies the retry/failure rules.
type Policy struct {
	st          store.Store
	backoffBase time.Duration
	log         *slog.Logger

	// Now is injectable for tests.
	Now func() time.Time
}

// New builds a Policy. backoffBase <= 0 uses DefaultBackoffBase; logger may
// be nil.
func New(st store.Store, backoffBase time.Duration, logger *slog.Logger) *Policy {
	if backoffBase <= 0 {
		backoffBase = DefaultBackoffBase
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Policy{st: st, backoffBase: backoffBase, log: logger, Now: time.Now}
}

// Backoff returns the delay before retry attempt n (1-based): base * 2^(n-1).
func (p *Policy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return p.backoffBase << (attempt - 1)
}

// OnTaskFailed records the error and either requeues the task with backoff
// or fails it terminally. Cancelled tasks bypass the policy entirely.
func (p *Policy) OnTaskFailed(ctx context.Context, taskID int64, errDetail string) (Outcome, error) {
	task, err := p.st.GetTask(ctx, taskID)
	if err != nil {
		return Outcome{}, err
	}
	switch task.Status {
	case "cancelled":
		return Outcome{Cancelled: true}, nil
	case "failed":
		return Outcome{}, fmt.Errorf("task %d: %w", taskID, store.ErrRetryExhausted)
	case "in_progress":
	default:
		return Outcome{}, fmt.Errorf("task %d in %s: %w", taskID, task.Status, store.ErrInvalidTransition)
	}

	// max_retries counts total attempts: with max_retries=3 the third
	// failure is terminal.
	now := p.Now()
	attempt := task.RetryCount + 1
	if attempt < task.MaxRetries {
		notBefore := now.Add(p.Backoff(attempt))
		ok, err := p.st.RequeueTask(ctx, taskID, errDetail, notBefore, now)
		if err != nil {
			return Outcome{}, err
		}
		if ok {
			p.log.Info("requeued failed task", "task_id", taskID, "retry", attempt, "not_before", notBefore)
			return Outcome{Requeued: true, RetryCount: attempt, NotBefore: notBefore}, nil
		}
		// Lost the race; the task moved under us. Re-read once.
		return p.OnTaskFailed(ctx, taskID, errDetail)
	}

	ok, err := p.st.FailTask(ctx, taskID, errDetail, now)
	if err != nil {
		return Outcome{}, err
	}
	if !ok {
		return Outcome{}, fmt.Errorf("task %d: %w", taskID, store.ErrConcurrentModification)
	}
	p.log.Warn("task failed terminally", "task_id", taskID, "retries", task.RetryCount, "err", errDetail)
	return Outcome{Terminal: true, RetryCount: task.RetryCount}, nil
}
