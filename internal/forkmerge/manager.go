// Package forkmerge branches trails and reconciles branches back together.
// Fork is a thin wrapper over the store's copy-on-branch clone. Merge is a
// strategy dispatch: union and intersection are pure set operations that
// cannot conflict; rebase and synthesis can surface conflicts, which leave
// the merge pending until the invoking explorer resolves every one.
package forkmerge

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"trailengine/internal/config"
	"trailengine/internal/logging"
	"trailengine/internal/resolver"
	"trailengine/internal/store"
	"trailengine/internal/synchub"
	"trailengine/internal/types"
)

// Conflict resolution values accepted by ResolveConflict.
const (
	ResolutionKeepRecorded  = "keep-recorded"
	ResolutionUseReresolved = "use-reresolved"
	ResolutionApprove       = "approve"
	ResolutionDiscard       = "discard"
)

// Manager coordinates forks and merges.
type Manager struct {
	trails          *store.TrailStore
	resolver        *resolver.Resolver
	llm             types.LLMClient
	hub             *synchub.Hub
	rebaseThreshold float64
}

// New wires a manager. llm may be nil, in which case synthesis merges are
// rejected up front.
func New(trails *store.TrailStore, res *resolver.Resolver, llm types.LLMClient, hub *synchub.Hub, cfg config.MergeConfig) *Manager {
	threshold := cfg.RebaseThreshold
	if threshold <= 0 || threshold > 1 {
		threshold = 0.85
	}
	return &Manager{trails: trails, resolver: res, llm: llm, hub: hub, rebaseThreshold: threshold}
}

// Fork branches a trail at the given step. The child is an independent copy
// of steps [0, atStep]; later parent edits never reach it.
func (m *Manager) Fork(trailID string, atStep int, explorer, name string) (*types.Trail, error) {
	timer := logging.StartTimer(logging.CategoryMerge, "Fork")
	defer timer.Stop()

	child, err := m.trails.ForkTrail(trailID, atStep, explorer, name)
	if err != nil {
		return nil, err
	}

	if m.hub != nil {
		m.hub.Broadcast(types.TrailEvent{
			Type:     types.EventForkCreated,
			TrailID:  trailID,
			Explorer: explorer,
			ForkID:   child.ID,
		})
	}
	logging.Merge("Fork %s at step %d -> %s (%s)", trailID, atStep, child.ID, name)
	return child, nil
}

// Merge combines the source trails under the given strategy. Union and
// intersection complete immediately. Rebase and synthesis may return a
// pending merge whose conflicts must be resolved through ResolveConflict
// before a target trail exists.
func (m *Manager) Merge(ctx context.Context, sourceIDs []string, strategy types.MergeStrategy, explorer, targetName string) (*types.TrailMerge, error) {
	timer := logging.StartTimer(logging.CategoryMerge, "Merge")
	defer timer.Stop()

	if len(sourceIDs) < 2 {
		return nil, fmt.Errorf("merge requires at least two source trails, got %d", len(sourceIDs))
	}
	if strategy == types.MergeSynthesis && m.llm == nil {
		return nil, fmt.Errorf("synthesis merge requires a reasoning model")
	}

	sources, err := m.loadSources(ctx, sourceIDs)
	if err != nil {
		return nil, mapDeadline(ctx, err)
	}

	merge := &types.TrailMerge{
		ID:        uuid.NewString(),
		SourceIDs: sourceIDs,
		Strategy:  strategy,
		Creator:   explorer,
		CreatedAt: time.Now().UTC(),
	}

	switch strategy {
	case types.MergeUnion:
		merge.Proposed = mergeUnion(sources)
	case types.MergeIntersection:
		merge.Proposed = mergeIntersection(sources)
	case types.MergeRebase:
		merge.Proposed, merge.Conflicts, err = m.mergeRebase(ctx, sources)
	case types.MergeSynthesis:
		merge.Proposed, merge.Conflicts, err = m.mergeSynthesis(ctx, sources, explorer)
	default:
		return nil, fmt.Errorf("%w: %q", types.ErrUnknownStrategy, strategy)
	}
	if err != nil {
		return nil, mapDeadline(ctx, err)
	}

	if len(merge.Conflicts) > 0 {
		merge.Status = types.MergeStatusPending
		if err := m.trails.RecordMerge(merge); err != nil {
			return nil, err
		}
		logging.Merge("Merge %s (%s) pending with %d conflicts", merge.ID, strategy, len(merge.Conflicts))
		// The record is returned alongside the sentinel so the caller can
		// present the conflicts.
		return merge, types.ErrMergePending
	}

	if err := m.finalize(merge, targetName); err != nil {
		return nil, err
	}
	return merge, nil
}

// ResolveConflict applies the explorer's decision to one conflict. When the
// last conflict is resolved the merge finalizes: the target trail is created
// from the (possibly amended) proposed steps, unless a synthesis proposal
// was discarded.
func (m *Manager) ResolveConflict(mergeID, conflictID, resolution string) (*types.TrailMerge, error) {
	timer := logging.StartTimer(logging.CategoryMerge, "ResolveConflict")
	defer timer.Stop()

	merge, err := m.trails.GetMerge(mergeID)
	if err != nil {
		return nil, err
	}
	if merge.Status != types.MergeStatusPending {
		return nil, fmt.Errorf("merge %s is not pending", mergeID)
	}

	idx := -1
	for i := range merge.Conflicts {
		if merge.Conflicts[i].ID == conflictID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, fmt.Errorf("conflict %s not found in merge %s", conflictID, mergeID)
	}
	conflict := &merge.Conflicts[idx]
	if conflict.Resolved {
		return nil, fmt.Errorf("conflict %s is already resolved", conflictID)
	}

	switch resolution {
	case ResolutionKeepRecorded:
		merge.Proposed[conflict.StepIndex].Destinations = conflict.Recorded
		merge.Proposed[conflict.StepIndex].DeadEnd = len(conflict.Recorded) == 0
	case ResolutionUseReresolved:
		merge.Proposed[conflict.StepIndex].Destinations = conflict.Reresolved
		merge.Proposed[conflict.StepIndex].DeadEnd = len(conflict.Reresolved) == 0
	case ResolutionApprove, ResolutionDiscard:
		if merge.Strategy != types.MergeSynthesis {
			return nil, fmt.Errorf("resolution %q only applies to synthesis merges", resolution)
		}
	default:
		return nil, fmt.Errorf("unknown resolution %q", resolution)
	}
	conflict.Resolution = resolution
	conflict.Resolved = true

	if merge.Pending() {
		if err := m.trails.RecordMerge(merge); err != nil {
			return nil, err
		}
		return merge, types.ErrMergePending
	}

	if resolution == ResolutionDiscard {
		// Explorer rejected the proposal; record the outcome, create nothing.
		merge.Status = types.MergeStatusComplete
		merge.Proposed = nil
		if err := m.trails.RecordMerge(merge); err != nil {
			return nil, err
		}
		logging.Merge("Merge %s discarded by %s", merge.ID, merge.Creator)
		return merge, nil
	}

	if err := m.finalize(merge, ""); err != nil {
		return nil, err
	}
	return merge, nil
}

// GetMerge returns a merge record by id.
func (m *Manager) GetMerge(mergeID string) (*types.TrailMerge, error) {
	return m.trails.GetMerge(mergeID)
}

// finalize creates the target trail from the proposed steps and records the
// completed merge.
func (m *Manager) finalize(merge *types.TrailMerge, targetName string) error {
	if targetName == "" {
		targetName = fmt.Sprintf("merge-%s-%s", merge.Strategy, merge.ID[:8])
	}

	target, err := m.trails.CreateTrailWithSteps(targetName, merge.Creator, merge.Proposed)
	if err != nil {
		return err
	}
	if err := m.trails.MarkForkMerged(merge.SourceIDs, target.ID); err != nil {
		return err
	}

	merge.TargetID = target.ID
	merge.Status = types.MergeStatusComplete
	if err := m.trails.RecordMerge(merge); err != nil {
		return err
	}

	if m.hub != nil {
		for _, sourceID := range merge.SourceIDs {
			m.hub.Broadcast(types.TrailEvent{
				Type:     types.EventMergeCompleted,
				TrailID:  sourceID,
				Explorer: merge.Creator,
				MergeID:  merge.ID,
			})
		}
	}
	logging.Merge("Merge %s (%s) complete: %d sources -> %s (%d steps)",
		merge.ID, merge.Strategy, len(merge.SourceIDs), target.ID, len(merge.Proposed))
	return nil
}

func (m *Manager) loadSources(ctx context.Context, sourceIDs []string) ([]*types.Trail, error) {
	sources := make([]*types.Trail, len(sourceIDs))
	g, _ := errgroup.WithContext(ctx)
	for i, id := range sourceIDs {
		g.Go(func() error {
			trail, err := m.trails.ReadTrail(id)
			if err != nil {
				return fmt.Errorf("source %s: %w", id, err)
			}
			sources[i] = trail
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return sources, nil
}

func mapDeadline(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", types.ErrTimeout, err)
	}
	return err
}
