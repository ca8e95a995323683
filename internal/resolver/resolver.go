// Package resolver turns semantic edge queries into ranked candidate nodes.
// Resolution is hybrid: a vector pass scores graph neighbors against the
// query embedding, then a reasoning model reranks the survivors when the
// call budget allows. The LLM never introduces candidates the vector pass
// did not surface.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"trailengine/internal/config"
	"trailengine/internal/embedding"
	"trailengine/internal/logging"
	"trailengine/internal/types"
)

// ErrNoCandidates indicates the query resolved against an empty or
// unreachable neighborhood.
var ErrNoCandidates = errors.New("no candidates for semantic query")

// ScoredNode is a candidate destination with its similarity score.
type ScoredNode struct {
	Node       types.Node `json:"node"`
	Similarity float64    `json:"similarity"`
}

// Resolution is the outcome of resolving one semantic query.
type Resolution struct {
	Candidates []ScoredNode `json:"candidates"`
	// Method records which path produced the ranking: "vector", "llm",
	// or "vector-degraded" when the rerank failed and the caller got
	// the vector ordering instead.
	Method   string `json:"method"`
	Degraded bool   `json:"degraded"`
}

// Resolver resolves semantic trail edges against the graph.
type Resolver struct {
	graph  types.GraphLookup
	engine embedding.Engine
	llm    types.LLMClient
	cfg    config.ResolverConfig

	llmTimeout time.Duration
}

// New creates a resolver. llm may be nil, in which case every resolution
// takes the vector path.
func New(graph types.GraphLookup, engine embedding.Engine, llm types.LLMClient, cfg config.ResolverConfig, llmTimeout time.Duration) *Resolver {
	if cfg.SimilarityThreshold <= 0 {
		cfg.SimilarityThreshold = 0.55
	}
	if cfg.MaxCandidates <= 0 {
		cfg.MaxCandidates = 10
	}
	if cfg.RerankMinCandidates <= 0 {
		cfg.RerankMinCandidates = 3
	}
	if cfg.RerankTopK <= 0 {
		cfg.RerankTopK = 5
	}
	if llmTimeout <= 0 {
		llmTimeout = 15 * time.Second
	}
	return &Resolver{graph: graph, engine: engine, llm: llm, cfg: cfg, llmTimeout: llmTimeout}
}

// ResolveVector resolves a semantic query purely by embedding similarity
// over the current node's neighborhood.
func (r *Resolver) ResolveVector(ctx context.Context, current, query string) (*Resolution, error) {
	timer := logging.StartTimer(logging.CategoryResolver, "ResolveVector")
	defer timer.Stop()

	neighbors, err := r.graph.Neighbors(ctx, current)
	if err != nil {
		return nil, fmt.Errorf("neighbor enumeration failed: %w", err)
	}
	if len(neighbors) == 0 {
		return nil, ErrNoCandidates
	}

	queryVec, err := r.engine.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query embedding failed: %w", err)
	}

	texts := make([]string, len(neighbors))
	for i, ne := range neighbors {
		texts[i] = candidateText(ne)
	}
	candidateVecs, err := r.engine.EmbedBatch(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("candidate embedding failed: %w", err)
	}

	ranked := embedding.TopK(queryVec, candidateVecs, r.cfg.MaxCandidates)

	var scored []ScoredNode
	for _, res := range ranked {
		if res.Similarity < r.cfg.SimilarityThreshold {
			continue
		}
		scored = append(scored, ScoredNode{
			Node:       neighbors[res.Index].Node,
			Similarity: res.Similarity,
		})
	}
	if len(scored) == 0 {
		return nil, ErrNoCandidates
	}

	logging.ResolverDebug("Vector resolution %q from %s: %d/%d candidates above %.2f",
		query, current, len(scored), len(neighbors), r.cfg.SimilarityThreshold)
	return &Resolution{Candidates: scored, Method: "vector"}, nil
}

// Resolve runs hybrid resolution. llmBudget is the number of reasoning
// calls the caller is still willing to spend; zero forces the vector path.
// A failed rerank degrades to the vector ordering rather than failing the
// navigation.
func (r *Resolver) Resolve(ctx context.Context, current, query string, llmBudget int) (*Resolution, error) {
	timer := logging.StartTimer(logging.CategoryResolver, "Resolve")
	defer timer.Stop()

	vectorRes, err := r.ResolveVector(ctx, current, query)
	if err != nil {
		return nil, err
	}

	// Small candidate sets are not worth a reasoning call.
	if r.llm == nil || llmBudget <= 0 || len(vectorRes.Candidates) <= r.cfg.RerankMinCandidates {
		return vectorRes, nil
	}

	reranked, err := r.rerank(ctx, current, query, vectorRes.Candidates)
	if err != nil {
		logging.Resolver("Rerank failed, degrading to vector ordering: %v", err)
		return &Resolution{
			Candidates: vectorRes.Candidates,
			Method:     "vector-degraded",
			Degraded:   true,
		}, nil
	}

	return &Resolution{Candidates: reranked, Method: "llm"}, nil
}

// neighborhoodProvider is implemented by graph stores that can render a
// bounded BFS neighborhood as prompt context.
type neighborhoodProvider interface {
	NeighborhoodContext(ctx context.Context, node string, depth, maxNodes int) (string, error)
}

// ResolveLLM resolves a semantic query by reasoning alone: a bounded context
// around the current node goes to the model, and the reply is parsed into
// node references. Replies are constrained to nodes present in the context.
// Higher latency and non-deterministic; the hybrid path prefers the vector
// pass and uses the model only to rerank.
func (r *Resolver) ResolveLLM(ctx context.Context, current, query string) (*Resolution, error) {
	timer := logging.StartTimer(logging.CategoryResolver, "ResolveLLM")
	defer timer.Stop()

	if r.llm == nil {
		return nil, fmt.Errorf("no reasoning model configured")
	}

	neighbors, err := r.graph.Neighbors(ctx, current)
	if err != nil {
		return nil, fmt.Errorf("neighbor enumeration failed: %w", err)
	}

	known := make(map[string]types.Node, len(neighbors))
	var graphContext string
	if provider, ok := r.graph.(neighborhoodProvider); ok {
		graphContext, err = provider.NeighborhoodContext(ctx, current, 2, 50)
		if err != nil {
			return nil, fmt.Errorf("neighborhood context failed: %w", err)
		}
		for _, id := range nodeIDsInContext(graphContext) {
			known[id] = types.Node{ID: id}
		}
	} else {
		var lines []string
		for _, ne := range neighbors {
			lines = append(lines, fmt.Sprintf("%s -[%s]-> %s (%s)", current, ne.EdgeName, ne.Node.ID, ne.Node.Label))
		}
		graphContext = strings.Join(lines, "\n")
	}
	for _, ne := range neighbors {
		known[ne.Node.ID] = ne.Node
	}
	if len(known) == 0 {
		return nil, ErrNoCandidates
	}

	llmCtx, cancel := context.WithTimeout(ctx, r.llmTimeout)
	defer cancel()

	var sb strings.Builder
	sb.WriteString("You are resolving a navigation query over a knowledge graph.\n")
	fmt.Fprintf(&sb, "Current node: %s\nQuery: %s\n\nGraph neighborhood:\n%s\n", current, query, graphContext)
	fmt.Fprintf(&sb, "\nReturn the ids of the nodes that answer the query, most relevant first, one per line, at most %d. Return ids only.\n", r.cfg.MaxCandidates)

	reply, err := r.llm.Complete(llmCtx, sb.String())
	if err != nil {
		return nil, fmt.Errorf("llm resolution failed: %w", err)
	}

	var candidates []ScoredNode
	seen := make(map[string]bool)
	for _, line := range strings.Split(reply, "\n") {
		id := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(line), "-"))
		id = strings.Trim(id, "`\"")
		node, ok := known[id]
		if !ok || seen[id] {
			continue
		}
		seen[id] = true
		candidates = append(candidates, ScoredNode{Node: node})
		if len(candidates) >= r.cfg.MaxCandidates {
			break
		}
	}
	if len(candidates) == 0 {
		return nil, ErrNoCandidates
	}

	logging.ResolverDebug("LLM resolution %q from %s: %d candidates", query, current, len(candidates))
	return &Resolution{Candidates: candidates, Method: "llm"}, nil
}

// nodeIDsInContext extracts node ids from "a -[edge]-> b" context lines.
func nodeIDsInContext(graphContext string) []string {
	var ids []string
	for _, line := range strings.Split(graphContext, "\n") {
		parts := strings.SplitN(line, " -[", 2)
		if len(parts) != 2 {
			continue
		}
		ids = append(ids, strings.TrimSpace(parts[0]))
		rest := parts[1]
		if i := strings.Index(rest, "]-> "); i >= 0 {
			target := rest[i+len("]-> "):]
			if j := strings.Index(target, " ("); j >= 0 {
				target = target[:j]
			}
			ids = append(ids, strings.TrimSpace(target))
		}
	}
	return ids
}

// rerank asks the reasoning model to reorder vector candidates. The reply
// is constrained to candidate ids; unknown ids are dropped, and candidates
// the model omitted keep their vector order at the tail.
func (r *Resolver) rerank(ctx context.Context, current, query string, candidates []ScoredNode) ([]ScoredNode, error) {
	rerankCtx, cancel := context.WithTimeout(ctx, r.llmTimeout)
	defer cancel()

	limit := r.cfg.RerankTopK
	if limit > len(candidates) {
		limit = len(candidates)
	}

	var sb strings.Builder
	sb.WriteString("You are resolving a navigation query over a knowledge graph.\n")
	fmt.Fprintf(&sb, "Current node: %s\nQuery: %s\n\nCandidates:\n", current, query)
	for _, c := range candidates {
		fmt.Fprintf(&sb, "- %s (kind=%s, label=%q, similarity=%.3f)\n",
			c.Node.ID, c.Node.Kind, c.Node.Label, c.Similarity)
	}
	fmt.Fprintf(&sb, "\nReturn the ids of the best matches, most relevant first, one per line, at most %d. Return ids only.\n", limit)

	reply, err := r.llm.Complete(rerankCtx, sb.String())
	if err != nil {
		return nil, err
	}

	byID := make(map[string]ScoredNode, len(candidates))
	for _, c := range candidates {
		byID[c.Node.ID] = c
	}

	var reranked []ScoredNode
	seen := make(map[string]bool)
	for _, line := range strings.Split(reply, "\n") {
		id := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(line), "-"))
		id = strings.Trim(id, "`\"")
		c, ok := byID[id]
		if !ok || seen[id] {
			continue
		}
		seen[id] = true
		reranked = append(reranked, c)
		if len(reranked) >= limit {
			break
		}
	}
	if len(reranked) == 0 {
		return nil, fmt.Errorf("rerank reply contained no known candidate ids")
	}

	// Omitted candidates keep their vector order behind the reranked set.
	for _, c := range candidates {
		if !seen[c.Node.ID] {
			reranked = append(reranked, c)
		}
	}
	return reranked, nil
}

func candidateText(ne types.NeighborEdge) string {
	parts := []string{ne.EdgeName, ne.Node.ID}
	if ne.Node.Label != "" {
		parts = append(parts, ne.Node.Label)
	}
	if ne.Node.Kind != "" {
		parts = append(parts, ne.Node.Kind)
	}
	return strings.Join(parts, " ")
}
