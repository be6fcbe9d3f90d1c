// Package registry tracks live agent instances: registration with
// capability validation, heartbeats, and stale detection.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/denizbac/fleetcore/internal/store"
)

// ErrUnknownAgentType is returned when an agent registers with a type that
// has no capability mapping.
var ErrUnknownAgentType = errors.New("unknown agent type")

// Registry validates agent registrations against the capability map and
// maintains per-agent liveness rows in the store.
type Registry struct {
	st           store.Store
	caps         map[string][]string
	staleTimeout time.Duration

	// Now is injectable for tests.
	Now func() time.Time
}

// New builds a Registry. caps maps agent type to the task types it handles.
func New(st store.Store, caps map[string][]string, staleTimeout time.Duration) *Registry {
	return &Registry{
		st:           st,
		caps:         caps,
		staleTimeout: staleTimeout,
		Now:          time.Now,
	}
}

// Register creates or resets an agent row. Re-registration under the same
// name starts a fresh session. The agent type must exist in the capability
// map, otherwise scheduling would silently never match it.
func (r *Registry) Register(ctx context.Context, name, agentType string, repoID *string) error {
	if name == "" {
		return errors.New("agent name required")
	}
	if _, ok := r.caps[agentType]; !ok {
		return fmt.Errorf("%w: %q", ErrUnknownAgentType, agentType)
	}
	return r.st.RegisterAgent(ctx, name, agentType, repoID, r.Now())
}

// Heartbeat refreshes the agent's liveness timestamp.
func (r *Registry) Heartbeat(ctx context.Context, name string) error {
	return r.st.Heartbeat(ctx, name, r.Now())
}

// Deregister marks the agent stopped. Stopped agents are excluded from
// stale sweeps.
func (r *Registry) Deregister(ctx context.Context, name string) error {
	return r.st.SetAgentStopped(ctx, name, r.Now())
}

// TaskTypes returns the task types an agent type handles, sorted for
// deterministic query parameters.
func (r *Registry) TaskTypes(agentType string) ([]string, bool) {
	types, ok := r.caps[agentType]
	if !ok {
		return nil, false
	}
	out := make([]string, len(types))
	copy(out, types)
	sort.Strings(out)
	return out, true
}

// AgentTypes returns the known agent types, sorted.
func (r *Registry) AgentTypes() []string {
	out := make([]string, 0, len(r.caps))
	for t := range r.caps {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// StaleTimeout reports the configured staleness window.
func (r *Registry) StaleTimeout() time.Duration {
	return r.staleTimeout
}

// Stale returns idle or running agents whose last heartbeat is older than
// the staleness window.
func (r *Registry) Stale(ctx context.Context) ([]store.AgentStatus, error) {
	cutoff := r.Now().Add(-r.staleTimeout)
	return r.st.StaleAgents(ctx, cutoff)
}
