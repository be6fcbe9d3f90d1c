// Package scheduler assigns pending tasks to requesting agents: priority
// ordering, per-repository concurrency caps, and stale-agent reclamation.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/denizbac/fleetcore/internal/registry"
	"github.com/denizbac/fleetcore/internal/store"
)

// claimRetries bounds how often a lost claim race is retried before
// ErrConcurrentModification surfaces.
const claimRetries = 3

// Scheduler hands out at most one task per NextAssignment call. Claims are
// conditional updates in the store, so concurrent schedulers never double
// assign.
type Scheduler struct {
	st  store.Store
	reg *registry.Registry
	log *slog.Logger

	// Now is injectable for tests.
	Now func() time.Time
}

// New builds a Scheduler. logger may be nil.
func New(st store.Store, reg *registry.Registry, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{st: st, reg: reg, log: logger, Now: time.Now}
}

// NextAssignment reclaims stale agents, then selects and claims the highest
// priority eligible pending task for the agent's declared capabilities.
// Returns (nil, nil) when nothing is eligible; no side effects in that case
// beyond reclamation.
func (s *Scheduler) NextAssignment(ctx context.Context, agentName, agentType string) (*store.Task, error) {
	if _, err := s.ReclaimStale(ctx); err != nil {
		// Reclamation failing must not block assignment.
		s.log.Warn("stale reclamation failed", "err", err)
	}
	taskTypes, ok := s.reg.TaskTypes(agentType)
	if !ok {
		return nil, fmt.Errorf("%w: %q", registry.ErrUnknownAgentType, agentType)
	}
	for attempt := 0; attempt < claimRetries; attempt++ {
		now := s.Now()
		task, err := s.st.NextPendingTask(ctx, taskTypes, now)
		if err != nil {
			return nil, err
		}
		if task == nil {
			return nil, nil
		}
		claimed, err := s.st.ClaimTask(ctx, task.TaskID, agentName, now)
		if err != nil {
			return nil, err
		}
		if !claimed {
			// Another scheduler won this row; pick again.
			continue
		}
		if err := s.st.SetAgentRunning(ctx, agentName, task.TaskID, now); err != nil {
			return nil, err
		}
		fresh, err := s.st.GetTask(ctx, task.TaskID)
		if err != nil {
			return nil, err
		}
		s.log.Info("assigned task", "task_id", fresh.TaskID, "agent", agentName, "type", fresh.TaskType, "priority", fresh.Priority)
		return &fresh, nil
	}
	return nil, fmt.Errorf("claim lost %d races: %w", claimRetries, store.ErrConcurrentModification)
}

// ReclaimStale releases tasks held by agents whose heartbeat expired. The
// task returns to pending with retry_count unchanged (the interruption is
// not a failure) and the agent is marked error. Returns how many tasks were
// released.
func (s *Scheduler) ReclaimStale(ctx context.Context) (int, error) {
	stale, err := s.reg.Stale(ctx)
	if err != nil {
		return 0, err
	}
	now := s.Now()
	var released int
	for _, a := range stale {
		if a.CurrentTaskID != nil {
			ok, err := s.st.ReleaseTask(ctx, *a.CurrentTaskID, now)
			if err != nil {
				return released, err
			}
			if ok {
				released++
				s.log.Warn("reclaimed task from stale agent", "task_id", *a.CurrentTaskID, "agent", a.AgentName)
			}
		}
		if err := s.st.MarkAgentError(ctx, a.AgentName, now); err != nil {
			return released, err
		}
	}
	return released, nil
}
