// Package approval gates task outcomes that need sign-off (spec, merge,
// issue creation, deploy) and auto-approves them when accumulated
// learnings are confident enough.
package approval

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/denizbac/fleetcore/internal/learnings"
	"github.com/denizbac/fleetcore/internal/store"
)

// DefaultThreshold is the aggregate confidence above which auto-approval
// fires under full autonomy.
const DefaultThreshold = 0.8

// Gate creates and resolves approvals.
type Gate struct {
	st        store.Store
	threshold float64
	log       *slog.Logger

	// Now is injectable for tests.
	Now func() time.Time
}

// New builds a Gate. threshold outside (0, 1] uses DefaultThreshold; logger
// may be nil.
func New(st store.Store, threshold float64, logger *slog.Logger) *Gate {
	if threshold <= 0 || threshold > 1 {
		threshold = DefaultThreshold
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{st: st, threshold: threshold, log: logger, Now: time.Now}
}

// RequestApproval creates a pending approval and immediately attempts
// auto-approval. Returns the approval in its post-attempt state.
func (g *Gate) RequestApproval(ctx context.Context, repoID string, taskID *int64, agentType, approvalType, payload string) (store.Approval, error) {
	id, err := g.st.CreateApproval(ctx, repoID, taskID, agentType, approvalType, payload, g.Now())
	if err != nil {
		return store.Approval{}, err
	}
	if _, err := g.TryAutoApprove(ctx, id); err != nil {
		// The approval stays pending for a human; auto-approval is best effort.
		g.log.Warn("auto-approval attempt failed", "approval_id", id, "err", err)
	}
	return g.st.GetApproval(ctx, id)
}

// Resolve records a reviewer decision. Fails with ErrInvalidTransition when
// the approval was already resolved.
func (g *Gate) Resolve(ctx context.Context, approvalID int64, decision, reviewer, comment string) error {
	ok, err := g.st.ResolveApproval(ctx, approvalID, decision, reviewer, comment, false, "", g.Now())
	if err != nil {
		return err
	}
	if ok {
		g.log.Info("approval resolved", "approval_id", approvalID, "decision", decision, "reviewer", reviewer)
		return nil
	}
	if _, err := g.st.GetApproval(ctx, approvalID); err != nil {
		return err
	}
	return fmt.Errorf("approval %d already resolved: %w", approvalID, store.ErrInvalidTransition)
}

// TryAutoApprove consults active learnings scoped to the approval's
// repository, originating agent type, and type-derived category. It fires
// only when the repository runs full autonomy and the usage-weighted
// confidence clears the threshold. Guided autonomy is an absolute override.
func (g *Gate) TryAutoApprove(ctx context.Context, approvalID int64) (bool, error) {
	a, err := g.st.GetApproval(ctx, approvalID)
	if err != nil {
		return false, err
	}
	if a.Status != "pending" {
		return false, nil
	}
	repo, err := g.st.GetRepo(ctx, a.RepoID)
	if err != nil {
		return false, err
	}
	if repo.AutonomyMode != "full" {
		return false, nil
	}
	matched, err := g.st.ActiveLearnings(ctx, a.RepoID, a.AgentType, a.ApprovalType)
	if err != nil {
		return false, err
	}
	if len(matched) == 0 {
		return false, nil
	}
	samples := make([]learnings.Sample, len(matched))
	ids := make([]int64, len(matched))
	cats := make([]string, len(matched))
	for i, l := range matched {
		samples[i] = learnings.Sample{Confidence: l.Confidence, Weight: float64(l.UsageCount)}
		ids[i] = l.LearningID
		cats[i] = l.Category
	}
	confidence := learnings.WeightedConfidence(samples)
	// Auto-approval fires only when confidence strictly exceeds the threshold.
	if confidence <= g.threshold {
		return false, nil
	}
	now := g.Now()
	reason := fmt.Sprintf("categories=%s confidence=%.3f learnings=%d", strings.Join(cats, ","), confidence, len(matched))
	ok, err := g.st.ResolveApproval(ctx, approvalID, "approved", "auto", "", true, reason, now)
	if err != nil || !ok {
		return false, err
	}
	// The learnings influenced a decision; that is the read-path counter.
	if err := g.st.TouchLearningUsage(ctx, ids, now); err != nil {
		g.log.Warn("touch learning usage failed", "approval_id", approvalID, "err", err)
	}
	g.log.Info("auto-approved", "approval_id", approvalID, "type", a.ApprovalType, "confidence", confidence)
	return true, nil
}
