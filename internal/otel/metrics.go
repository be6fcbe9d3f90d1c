package otel

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	initMetricsOnce      sync.Once
	taskOpsCounter       metric.Int64Counter
	assignmentsCounter   metric.Int64Counter
	approvalsCounter     metric.Int64Counter
	reclaimedCounter     metric.Int64Counter
	consolidationCounter metric.Int64Counter
	sseEventsCounter     metric.Int64Counter
	sseConnectionsGauge  metric.Int64ObservableGauge
	sseConnections       int64
	sseConnectionsMu     sync.Mutex
)

// InitMetrics creates the meter instruments. Safe to call multiple times; only runs once.
// Call after InitMeterProvider.
func InitMetrics(ctx context.Context) error {
	var err error
	initMetricsOnce.Do(func() {
		m := Meter()
		taskOpsCounter, err = m.Int64Counter("fleetcore_task_operations_total", metric.WithDescription("Total task operations (create, complete, requeue, fail, cancel)"))
		if err != nil {
			return
		}
		assignmentsCounter, err = m.Int64Counter("fleetcore_assignments_total", metric.WithDescription("Total tasks assigned to agents"))
		if err != nil {
			return
		}
		approvalsCounter, err = m.Int64Counter("fleetcore_approvals_total", metric.WithDescription("Total approval resolutions, by mode (auto/reviewed) and decision"))
		if err != nil {
			return
		}
		reclaimedCounter, err = m.Int64Counter("fleetcore_reclaimed_tasks_total", metric.WithDescription("Tasks released from stale agents"))
		if err != nil {
			return
		}
		consolidationCounter, err = m.Int64Counter("fleetcore_learning_consolidations_total", metric.WithDescription("Learnings created or updated by consolidation"))
		if err != nil {
			return
		}
		sseEventsCounter, err = m.Int64Counter("fleetcore_sse_events_total", metric.WithDescription("Total SSE events published"))
		if err != nil {
			return
		}
		sseConnectionsGauge, err = m.Int64ObservableGauge("fleetcore_sse_connections", metric.WithDescription("Current SSE subscriber count"))
		if err != nil {
			return
		}
		_, err = m.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
			sseConnectionsMu.Lock()
			n := sseConnections
			sseConnectionsMu.Unlock()
			o.ObserveInt64(sseConnectionsGauge, n)
			return nil
		}, sseConnectionsGauge)
		if err != nil {
			return
		}
	})
	return err
}

// RecordTaskOp records a task operation and the resulting status.
func RecordTaskOp(ctx context.Context, op, status string) {
	if taskOpsCounter == nil {
		return
	}
	taskOpsCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation", op),
		AttrStatus.String(status),
	))
}

// RecordAssignment records one task handed to an agent.
func RecordAssignment(ctx context.Context, agentType, taskType string) {
	if assignmentsCounter == nil {
		return
	}
	assignmentsCounter.Add(ctx, 1, metric.WithAttributes(AttrAgentType.String(agentType), AttrType.String(taskType)))
}

// RecordApproval records an approval resolution. mode is "auto" or "reviewed".
func RecordApproval(ctx context.Context, mode, decision string) {
	if approvalsCounter == nil {
		return
	}
	approvalsCounter.Add(ctx, 1, metric.WithAttributes(AttrMode.String(mode), AttrStatus.String(decision)))
}

// RecordReclaimed records tasks released from stale agents.
func RecordReclaimed(ctx context.Context, n int) {
	if reclaimedCounter == nil || n <= 0 {
		return
	}
	reclaimedCounter.Add(ctx, int64(n))
}

// RecordConsolidation records learnings touched by one consolidation pass.
func RecordConsolidation(ctx context.Context, touched int) {
	if consolidationCounter == nil || touched <= 0 {
		return
	}
	consolidationCounter.Add(ctx, int64(touched))
}

// RecordSSEEvent records one SSE event published.
func RecordSSEEvent(ctx context.Context) {
	if sseEventsCounter != nil {
		sseEventsCounter.Add(ctx, 1)
	}
}

// AddSSEConnection adds 1 to the SSE connection gauge (call on subscribe).
func AddSSEConnection() {
	sseConnectionsMu.Lock()
	sseConnections++
	sseConnectionsMu.Unlock()
}

// RemoveSSEConnection subtracts 1 from the SSE connection gauge (call on unsubscribe).
func RemoveSSEConnection() {
	sseConnectionsMu.Lock()
	sseConnections--
	if sseConnections < 0 {
		sseConnections = 0
	}
	sseConnectionsMu.Unlock()
}

// BacklogFunc returns task counts by status for the backlog gauge.
type BacklogFunc func() map[string]int64

// InitMetricsWithBacklog creates instruments and registers a callback
// observing the task backlog by status. If backlog is nil the gauge is not
// reported.
func InitMetricsWithBacklog(ctx context.Context, backlog BacklogFunc) error {
	if err := InitMetrics(ctx); err != nil {
		return err
	}
	if backlog == nil {
		return nil
	}
	m := Meter()
	gauge, err := m.Int64ObservableGauge("fleetcore_tasks_total", metric.WithDescription("Number of tasks by status"))
	if err != nil {
		return err
	}
	_, err = m.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
		for status, n := range backlog() {
			o.ObserveInt64(gauge, n, metric.WithAttributes(AttrStatus.String(status)))
		}
		return nil
	}, gauge)
	return err
}
