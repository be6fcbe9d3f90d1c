// Package learnings ingests agent reflections and folds them into
// confidence-scored learnings consumed by the scheduler and approval gate.
package learnings

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/denizbac/fleetcore/internal/store"
)

const (
	consolidateWatermark = "learnings_consolidate"
	// settleWindow keeps reflections younger than this out of a consolidation
	// pass, so the watermark can never skip a row stamped in the same second.
	settleWindow = 2 * time.Second

	batchSize = 500
)

// Loop is the learnings feedback loop.
type Loop struct {
	st    store.Store
	log   *slog.Logger
	batch int

	// Now is injectable for tests.
	Now func() time.Time
}

// New builds a Loop. logger may be nil.
func New(st store.Store, logger *slog.Logger) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{st: st, log: logger, batch: batchSize, Now: time.Now}
}

// RecordReflection appends a reflection for a task. Always succeeds if the
// task exists and confidence is in range.
func (l *Loop) RecordReflection(ctx context.Context, taskID int64, agentType, content string, confidence float64, tags []string) (int64, error) {
	return l.st.CreateReflection(ctx, taskID, agentType, content, confidence, tags, l.Now())
}

// Category derives a learning category from reflection tags: the first
// non-empty tag, lowercased. Untagged reflections fall into "general".
func Category(tags []string) string {
	for _, t := range tags {
		t = strings.ToLower(strings.TrimSpace(t))
		if t != "" {
			return t
		}
	}
	return "general"
}

type groupKey struct {
	repoID    string
	agentType string
	category  string
}

type group struct {
	confidences []float64
	lastContent string
}

// Consolidate folds reflections recorded since the last watermark into
// learnings, grouped by repository, agent type, and tag-derived category.
// An existing active learning for a group gets its confidence updated as a
// running weighted average over sample_count; otherwise a new learning is
// created. usage_count is never touched here (read-path only). Returns the
// number of learnings created or updated.
func (l *Loop) Consolidate(ctx context.Context) (int, error) {
	since, err := l.st.GetWatermark(ctx, consolidateWatermark)
	if err != nil {
		return 0, fmt.Errorf("read watermark: %w", err)
	}
	cutoff := l.Now().Add(-settleWindow)

	groups := make(map[groupKey]*group)
	order := make([]groupKey, 0)
	var latest time.Time
	var processed int
	// Paginate on the compound cursor (created_at, reflection_id); paging on
	// the timestamp alone loses rows when a batch boundary splits a run of
	// reflections stamped in the same second. The first page stays strict on
	// the timestamp: everything at the watermark second was already folded,
	// and the settle window keeps new rows from landing there.
	sinceID := int64(math.MaxInt64)
	for {
		refs, err := l.st.ListReflectionsSince(ctx, since, sinceID, l.batch)
		if err != nil {
			return 0, fmt.Errorf("list reflections: %w", err)
		}
		done := true
		for _, r := range refs {
			if r.CreatedAt.After(cutoff) {
				break
			}
			key := groupKey{repoID: r.RepoID, agentType: r.AgentType, category: Category(r.Tags)}
			g := groups[key]
			if g == nil {
				g = &group{}
				groups[key] = g
				order = append(order, key)
			}
			g.confidences = append(g.confidences, r.Confidence)
			g.lastContent = r.Content
			if r.CreatedAt.After(latest) {
				latest = r.CreatedAt
			}
			since = r.CreatedAt
			sinceID = r.ReflectionID
			processed++
			done = false
		}
		if done || len(refs) < l.batch {
			break
		}
	}
	if processed == 0 {
		return 0, nil
	}

	var touched int
	for _, key := range order {
		g := groups[key]
		if err := l.fold(ctx, key, g); err != nil {
			return touched, err
		}
		touched++
	}
	if err := l.st.SetWatermark(ctx, consolidateWatermark, latest); err != nil {
		return touched, fmt.Errorf("advance watermark: %w", err)
	}
	l.log.Info("consolidated reflections", "reflections", processed, "learnings", touched)
	return touched, nil
}

func (l *Loop) fold(ctx context.Context, key groupKey, g *group) error {
	var incoming float64
	for _, c := range g.confidences {
		incoming += c
	}
	n := len(g.confidences)

	existing, err := l.st.ActiveLearnings(ctx, key.repoID, key.agentType, key.category)
	if err != nil {
		return fmt.Errorf("lookup learning %s/%s/%s: %w", key.repoID, key.agentType, key.category, err)
	}
	if len(existing) > 0 {
		cur := existing[0]
		total := cur.SampleCount + n
		avg := (cur.Confidence*float64(cur.SampleCount) + incoming) / float64(total)
		return l.st.UpdateLearningStats(ctx, cur.LearningID, avg, total)
	}
	_, err = l.st.CreateLearning(ctx, store.Learning{
		RepoID:      key.repoID,
		AgentType:   key.agentType,
		Category:    key.category,
		Insight:     g.lastContent,
		Confidence:  incoming / float64(n),
		SampleCount: n,
	})
	return err
}
