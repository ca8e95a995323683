// Package types provides shared type definitions used across trail engine packages.
// This package exists to break import cycles between store, engine, and forkmerge.
// Types in this package should be foundational data structures with no complex dependencies.
package types

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
	"time"
)

// =============================================================================
// GRAPH NODES
// =============================================================================

// Node is a reference to a node in the knowledge graph being navigated.
// The graph itself is an external collaborator; trails only record references.
type Node struct {
	ID    string `json:"id"`
	Kind  string `json:"kind,omitempty"`
	Label string `json:"label,omitempty"`
}

// SemanticEdgePrefix marks free-text navigation queries in a step's Edge field.
const SemanticEdgePrefix = "semantic:"

// IsSemanticEdge reports whether an edge identifier is a free-text query
// rather than a structural edge name.
func IsSemanticEdge(edge string) bool {
	return strings.HasPrefix(edge, SemanticEdgePrefix)
}

// SemanticQuery strips the semantic prefix from an edge identifier.
func SemanticQuery(edge string) string {
	return strings.TrimPrefix(edge, SemanticEdgePrefix)
}

// =============================================================================
// TRAILS AND STEPS
// =============================================================================

// TrailStep is one atomic navigation event. Steps are immutable once persisted:
// corrections are new steps, never edits.
type TrailStep struct {
	Index        int       `json:"index"`
	Timestamp    time.Time `json:"timestamp"`
	Explorer     string    `json:"explorer"`
	Source       string    `json:"source"`
	Edge         string    `json:"edge"`
	Destinations []string  `json:"destinations"`
	Reasoning    string    `json:"reasoning,omitempty"`
	DeadEnd      bool      `json:"dead_end,omitempty"`

	// Embedding of the reasoning/query, with the model version that produced
	// it so later re-embedding decisions stay auditable.
	Embedding      []float32 `json:"-"`
	EmbeddingModel string    `json:"embedding_model,omitempty"`
}

// ContentHash identifies a step by what it did, independent of when and by
// whom. Used for dedup during union merges and for intersection membership.
func (s TrailStep) ContentHash() string {
	dests := make([]string, len(s.Destinations))
	copy(dests, s.Destinations)
	sort.Strings(dests)

	h := sha256.New()
	h.Write([]byte(s.Source))
	h.Write([]byte{0})
	h.Write([]byte(s.Edge))
	for _, d := range dests {
		h.Write([]byte{0})
		h.Write([]byte(d))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// ForkPoint records where a child trail branched off its parent.
type ForkPoint struct {
	TrailID   string `json:"trail_id"`
	StepIndex int    `json:"step_index"`
}

// Trail is the top-level artifact: a versioned, ordered sequence of steps plus
// fork/merge lineage. Version is the optimistic lock: it increments by exactly
// one on every successful mutation, and a write observing a stale version is
// rejected.
type Trail struct {
	ID         string      `json:"id"`
	Name       string      `json:"name"`
	Creator    string      `json:"creator"`
	CreatedAt  time.Time   `json:"created_at"`
	Version    int64       `json:"version"`
	Steps      []TrailStep `json:"steps"`
	ForkedFrom *ForkPoint  `json:"forked_from,omitempty"`
	MergedInto string      `json:"merged_into,omitempty"`
	Archived   bool        `json:"archived,omitempty"`
}

// StepCount returns the number of persisted steps.
func (t *Trail) StepCount() int {
	return len(t.Steps)
}

// =============================================================================
// FORKS AND MERGES
// =============================================================================

// TrailFork links a parent trail, a fork point, and the child trail copied
// from it. Forks are copy-on-branch: the child's prefix never tracks later
// parent changes.
type TrailFork struct {
	ID        string    `json:"id"`
	ParentID  string    `json:"parent_id"`
	ChildID   string    `json:"child_id"`
	ForkPoint int       `json:"fork_point"`
	Creator   string    `json:"creator"`
	CreatedAt time.Time `json:"created_at"`
	Merged    bool      `json:"merged"`
}

// MergeStrategy is a closed set of reconciliation strategies. New strategies
// are a compile-time-checked addition, not open string dispatch.
type MergeStrategy string

const (
	MergeUnion        MergeStrategy = "union"
	MergeIntersection MergeStrategy = "intersection"
	MergeRebase       MergeStrategy = "rebase"
	MergeSynthesis    MergeStrategy = "synthesis"
)

// ParseMergeStrategy validates a strategy name.
func ParseMergeStrategy(s string) (MergeStrategy, error) {
	switch MergeStrategy(s) {
	case MergeUnion, MergeIntersection, MergeRebase, MergeSynthesis:
		return MergeStrategy(s), nil
	}
	return "", ErrUnknownStrategy
}

// Merge status values.
const (
	MergeStatusPending  = "pending"
	MergeStatusComplete = "complete"
)

// MergeConflict records one ambiguity surfaced by a rebase or synthesis merge.
// The merge stays pending until every conflict carries a resolution.
type MergeConflict struct {
	ID            string   `json:"id"`
	SourceTrailID string   `json:"source_trail_id"`
	StepIndex     int      `json:"step_index"`
	Reason        string   `json:"reason"`
	Recorded      []string `json:"recorded,omitempty"`
	Reresolved    []string `json:"reresolved,omitempty"`
	Resolution    string   `json:"resolution,omitempty"`
	Resolved      bool     `json:"resolved"`
}

// TrailMerge records one merge attempt: sources, strategy, detected conflicts
// and the resolution chosen for each.
type TrailMerge struct {
	ID        string          `json:"id"`
	SourceIDs []string        `json:"source_ids"`
	TargetID  string          `json:"target_id"`
	Strategy  MergeStrategy   `json:"strategy"`
	Status    string          `json:"status"`
	Conflicts []MergeConflict `json:"conflicts,omitempty"`
	// Proposed steps awaiting explorer approval (synthesis never auto-commits).
	Proposed  []TrailStep `json:"proposed,omitempty"`
	Creator   string      `json:"creator"`
	CreatedAt time.Time   `json:"created_at"`
}

// Pending reports whether unresolved conflicts still block the merge.
func (m *TrailMerge) Pending() bool {
	for _, c := range m.Conflicts {
		if !c.Resolved {
			return true
		}
	}
	return false
}

// =============================================================================
// NAVIGATION RESULTS
// =============================================================================

// NavigationState tracks a navigation request through its lifecycle.
type NavigationState string

const (
	NavPending    NavigationState = "pending"
	NavResolving  NavigationState = "resolving"
	NavValidating NavigationState = "validating"
	NavAppending  NavigationState = "appending"
	NavCommitted  NavigationState = "committed"
	NavConflicted NavigationState = "conflicted"
)

// NavigationResult is the typed outcome of a navigate call. Conflicted and
// Degraded are branches for the caller, not failures.
type NavigationResult struct {
	State NavigationState `json:"state"`
	Step  *TrailStep      `json:"step,omitempty"`
	Trail *Trail          `json:"trail,omitempty"`
	// Degraded marks a best-effort match: the LLM rerank failed or timed out
	// and the vector-only candidates were used.
	Degraded bool `json:"degraded,omitempty"`
}
