// Package engine drives trail navigation: it resolves an edge (structural
// via the graph, semantic via the resolver), builds the resulting step, and
// commits it to the trail under optimistic concurrency. A committed step is
// broadcast to live subscribers; a version conflict is surfaced to the
// caller for re-read and retry, never retried silently.
package engine

import (
	"context"
	"errors"
	"fmt"

	"trailengine/internal/embedding"
	"trailengine/internal/logging"
	"trailengine/internal/resolver"
	"trailengine/internal/store"
	"trailengine/internal/synchub"
	"trailengine/internal/types"
)

// NavigateRequest describes one navigation attempt.
type NavigateRequest struct {
	TrailID         string `json:"trail_id"`
	ExpectedVersion int64  `json:"expected_version"`
	Explorer        string `json:"explorer"`
	// Source is the node navigated from. When empty it defaults to the
	// first destination of the trail's last step.
	Source string `json:"source"`
	// Edge is either a structural edge name or a semantic edge of the
	// form "semantic:<query>".
	Edge      string `json:"edge"`
	Reasoning string `json:"reasoning"`
	// LLMBudget caps reasoning-model calls for this navigation. Zero
	// means vector-only resolution.
	LLMBudget int `json:"llm_budget"`
}

// Engine executes navigation against a trail store and graph.
type Engine struct {
	trails   *store.TrailStore
	graph    types.GraphLookup
	resolver *resolver.Resolver
	embedder embedding.Engine
	hub      *synchub.Hub
}

// New wires a navigation engine. hub may be nil when running without live
// subscribers (tests, batch tools).
func New(trails *store.TrailStore, graph types.GraphLookup, res *resolver.Resolver, embedder embedding.Engine, hub *synchub.Hub) *Engine {
	return &Engine{trails: trails, graph: graph, resolver: res, embedder: embedder, hub: hub}
}

// Navigate resolves req.Edge from the trail's current position and appends
// the resulting step. The step is committed only if the trail is still at
// req.ExpectedVersion; otherwise the result carries NavConflicted and the
// error wraps types.ErrVersionConflict. A context deadline maps to
// types.ErrTimeout with nothing committed.
func (e *Engine) Navigate(ctx context.Context, req NavigateRequest) (*types.NavigationResult, error) {
	timer := logging.StartTimer(logging.CategoryEngine, "Navigate")
	defer timer.Stop()

	trail, err := e.trails.ReadTrail(req.TrailID)
	if err != nil {
		return nil, err
	}

	source := req.Source
	if source == "" {
		source = currentPosition(trail)
	}
	if source == "" {
		return nil, fmt.Errorf("trail %s has no position and no source was given", req.TrailID)
	}

	step := types.TrailStep{
		Index:     len(trail.Steps),
		Explorer:  req.Explorer,
		Source:    source,
		Edge:      req.Edge,
		Reasoning: req.Reasoning,
	}

	degraded, err := e.resolveDestinations(ctx, &step, req.LLMBudget)
	if err != nil {
		return nil, mapDeadline(ctx, err)
	}

	if err := e.embedStep(ctx, &step); err != nil {
		// Navigation still commits; the step is re-embeddable later.
		logging.Engine("Step embedding failed for trail %s: %v", req.TrailID, err)
	}

	if err := ctx.Err(); err != nil {
		return nil, mapDeadline(ctx, err)
	}

	committed, err := e.trails.AppendStep(req.TrailID, req.ExpectedVersion, step)
	if errors.Is(err, types.ErrVersionConflict) {
		logging.Engine("Navigate conflict on trail %s: expected v%d", req.TrailID, req.ExpectedVersion)
		return &types.NavigationResult{State: types.NavConflicted, Step: &step}, err
	}
	if err != nil {
		return nil, mapDeadline(ctx, err)
	}

	e.broadcastStep(committed, step)

	logging.EngineDebug("Navigate committed trail=%s step=%d edge=%q dests=%d dead_end=%v",
		req.TrailID, step.Index, req.Edge, len(step.Destinations), step.DeadEnd)
	return &types.NavigationResult{
		State:    types.NavCommitted,
		Step:     &committed.Steps[step.Index],
		Trail:    committed,
		Degraded: degraded,
	}, nil
}

// resolveDestinations fills step.Destinations and step.DeadEnd. A resolution
// that finds nothing is not an error: the trail records the dead end so
// other explorers do not repeat it.
func (e *Engine) resolveDestinations(ctx context.Context, step *types.TrailStep, llmBudget int) (degraded bool, err error) {
	if types.IsSemanticEdge(step.Edge) {
		res, rerr := e.resolver.Resolve(ctx, step.Source, types.SemanticQuery(step.Edge), llmBudget)
		if errors.Is(rerr, resolver.ErrNoCandidates) {
			step.DeadEnd = true
			return false, nil
		}
		if rerr != nil {
			return false, rerr
		}
		for _, c := range res.Candidates {
			step.Destinations = append(step.Destinations, c.Node.ID)
		}
		return res.Degraded, nil
	}

	nodes, lerr := e.graph.LookupEdge(ctx, step.Source, step.Edge)
	if lerr != nil {
		return false, lerr
	}
	if len(nodes) == 0 {
		step.DeadEnd = true
		return false, nil
	}
	for _, n := range nodes {
		step.Destinations = append(step.Destinations, n.ID)
	}
	return false, nil
}

// embedStep attaches an embedding of the step's reasoning (or semantic
// query) so the trail is searchable.
func (e *Engine) embedStep(ctx context.Context, step *types.TrailStep) error {
	if e.embedder == nil {
		return nil
	}
	text := step.Reasoning
	if text == "" && types.IsSemanticEdge(step.Edge) {
		text = types.SemanticQuery(step.Edge)
	}
	if text == "" {
		return nil
	}
	vec, err := e.embedder.Embed(ctx, text)
	if err != nil {
		return err
	}
	step.Embedding = vec
	step.EmbeddingModel = e.embedder.Name()
	return nil
}

func (e *Engine) broadcastStep(trail *types.Trail, step types.TrailStep) {
	if e.hub == nil {
		return
	}
	e.hub.Broadcast(types.TrailEvent{
		Type:     types.EventStepAdded,
		TrailID:  trail.ID,
		Explorer: step.Explorer,
		Version:  trail.Version,
		Step:     &step,
	})
}

// currentPosition is the head of the trail: the first destination of the
// last non-dead-end step.
func currentPosition(trail *types.Trail) string {
	for i := len(trail.Steps) - 1; i >= 0; i-- {
		s := trail.Steps[i]
		if !s.DeadEnd && len(s.Destinations) > 0 {
			return s.Destinations[0]
		}
	}
	return ""
}

func mapDeadline(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", types.ErrTimeout, err)
	}
	return err
}
