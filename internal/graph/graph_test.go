package graph

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"trailengine/internal/types"
)

func newTestGraph(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "graph.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func seed(t *testing.T, s *Store) {
	t.Helper()
	nodes := []types.Node{
		{ID: "n1", Kind: "paper", Label: "root"},
		{ID: "n2", Kind: "paper", Label: "survey"},
		{ID: "n3", Kind: "paper", Label: "history"},
		{ID: "n4", Kind: "author", Label: "hopper"},
	}
	for _, n := range nodes {
		if err := s.PutNode(n, nil); err != nil {
			t.Fatalf("PutNode(%s) failed: %v", n.ID, err)
		}
	}
	edges := []struct {
		source, name, target string
		weight               float64
	}{
		{"n1", "cites", "n2", 0.5},
		{"n1", "cites", "n3", 0.9},
		{"n1", "written-by", "n4", 1.0},
		{"n2", "cites", "n3", 1.0},
	}
	for _, e := range edges {
		if err := s.PutEdge(e.source, e.name, e.target, e.weight); err != nil {
			t.Fatalf("PutEdge(%s) failed: %v", e.source, err)
		}
	}
}

func TestLookupEdgeOrdersByWeight(t *testing.T) {
	s := newTestGraph(t)
	seed(t, s)

	dests, err := s.LookupEdge(context.Background(), "n1", "cites")
	if err != nil {
		t.Fatalf("LookupEdge failed: %v", err)
	}
	if len(dests) != 2 {
		t.Fatalf("got %d destinations, want 2", len(dests))
	}
	if dests[0].ID != "n3" || dests[1].ID != "n2" {
		t.Errorf("destinations = [%s %s], want heavier edge first [n3 n2]", dests[0].ID, dests[1].ID)
	}
}

func TestLookupEdgeUnknown(t *testing.T) {
	s := newTestGraph(t)
	seed(t, s)

	dests, err := s.LookupEdge(context.Background(), "n1", "contradicts")
	if err != nil {
		t.Fatalf("LookupEdge failed: %v", err)
	}
	if len(dests) != 0 {
		t.Errorf("unknown edge returned %d destinations, want 0", len(dests))
	}
}

func TestNeighborsSpansEdgeNames(t *testing.T) {
	s := newTestGraph(t)
	seed(t, s)

	neighbors, err := s.Neighbors(context.Background(), "n1")
	if err != nil {
		t.Fatalf("Neighbors failed: %v", err)
	}
	if len(neighbors) != 3 {
		t.Fatalf("got %d neighbors, want 3", len(neighbors))
	}
	names := map[string]bool{}
	for _, ne := range neighbors {
		names[ne.EdgeName] = true
		if ne.Node.Label == "" {
			t.Errorf("neighbor %s missing label", ne.Node.ID)
		}
	}
	if !names["cites"] || !names["written-by"] {
		t.Errorf("neighbor edge names = %v", names)
	}
}

func TestGetNode(t *testing.T) {
	s := newTestGraph(t)
	seed(t, s)

	node, err := s.GetNode("n4")
	if err != nil {
		t.Fatalf("GetNode failed: %v", err)
	}
	if node.Kind != "author" || node.Label != "hopper" {
		t.Errorf("node = %+v", node)
	}
	if _, err := s.GetNode("ghost"); err == nil {
		t.Error("GetNode of unknown id succeeded")
	}
}

func TestNeighborhoodContextBoundedDepth(t *testing.T) {
	s := newTestGraph(t)
	seed(t, s)

	// Depth 1: only n1's direct edges, so n2's edge to n3 must not appear.
	text, err := s.NeighborhoodContext(context.Background(), "n1", 1, 50)
	if err != nil {
		t.Fatalf("NeighborhoodContext failed: %v", err)
	}
	if !strings.Contains(text, "n1 -[cites]-> n3") {
		t.Errorf("direct edge missing from context:\n%s", text)
	}
	if strings.Contains(text, "n2 -[cites]-> n3") {
		t.Errorf("depth-2 edge leaked into depth-1 context:\n%s", text)
	}

	text, err = s.NeighborhoodContext(context.Background(), "n1", 2, 50)
	if err != nil {
		t.Fatalf("NeighborhoodContext failed: %v", err)
	}
	if !strings.Contains(text, "n2 -[cites]-> n3") {
		t.Errorf("depth-2 edge missing from depth-2 context:\n%s", text)
	}
}

func TestPutEdgeValidation(t *testing.T) {
	s := newTestGraph(t)
	if err := s.PutEdge("", "cites", "n2", 1.0); err == nil {
		t.Error("empty source accepted")
	}
	if err := s.PutNode(types.Node{}, nil); err == nil {
		t.Error("empty node id accepted")
	}
}
