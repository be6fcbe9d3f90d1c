package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/denizbac/fleetcore/internal/httpapi"
	"github.com/denizbac/fleetcore/internal/otel"
)

const approvalReminderInterval = 15 * time.Minute

// runReclaimLoop periodically releases tasks held by agents that stopped
// heartbeating, so other agents can pick them up.
func runReclaimLoop(ctx context.Context, app *httpapi.App, interval time.Duration) {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			released, err := app.Scheduler.ReclaimStale(ctx)
			if err != nil {
				slog.Warn("stale reclaim sweep failed", "err", err)
				continue
			}
			if released > 0 {
				otel.RecordReclaimed(ctx, released)
				slog.Info("reclaimed tasks from stale agents", "released", released)
				app.Hub.Publish(httpapi.Event{Type: httpapi.EventAgentUpdate})
				app.Hub.Publish(httpapi.Event{Type: httpapi.EventTaskUpdate})
			}
		}
	}
}

// runConsolidateLoop folds accumulated reflections into learnings on a timer.
func runConsolidateLoop(ctx context.Context, app *httpapi.App, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			touched, err := app.Loop.Consolidate(ctx)
			if err != nil {
				slog.Warn("learnings consolidation failed", "err", err)
				continue
			}
			otel.RecordConsolidation(ctx, touched)
			if touched > 0 {
				slog.Info("consolidated learnings", "touched", touched)
				app.Hub.Publish(httpapi.Event{Type: httpapi.EventLearningUpdate})
			}
		}
	}
}

// runApprovalReminder nudges registered notifiers while approvals sit in the
// queue. Creation-time notifications are immediate; this covers the ones that
// went unanswered.
func runApprovalReminder(ctx context.Context, app *httpapi.App, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := app.Store.CountPendingApprovals(ctx)
			if err != nil || n == 0 {
				continue
			}
			msg := fmt.Sprintf("%d approval(s) awaiting review", n)
			if err := app.Capabilities.NotifyAll(ctx, msg); err != nil {
				slog.Warn("approval reminder failed", "err", err)
			}
		}
	}
}
