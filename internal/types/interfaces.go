package types

import (
	"context"
)

// GraphLookup is the narrow interface onto the external knowledge graph.
// The trail engine never mutates the graph; it only resolves edges and
// enumerates neighbors when building context for semantic resolution.
type GraphLookup interface {
	// LookupEdge resolves a structural edge from a node to its destinations.
	LookupEdge(ctx context.Context, node string, edgeName string) ([]Node, error)

	// Neighbors enumerates all outgoing edges of a node as (edgeName, node)
	// pairs.
	Neighbors(ctx context.Context, node string) ([]NeighborEdge, error)
}

// NeighborEdge pairs an edge name with the node it reaches.
type NeighborEdge struct {
	EdgeName string `json:"edge_name"`
	Node     Node   `json:"node"`
}

// LLMClient defines the minimal interface for LLM completion calls.
// Callers enforce timeouts through ctx; a late result is discarded.
type LLMClient interface {
	Complete(ctx context.Context, prompt string) (string, error)
	CompleteWithSystem(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}
