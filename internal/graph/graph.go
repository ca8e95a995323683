// Package graph provides a SQLite-backed typed node/edge store implementing
// the lookup interface trails navigate against. The trail engine treats the
// graph as read-mostly: trails record node references, never graph mutations.
package graph

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	_ "github.com/mattn/go-sqlite3"

	"trailengine/internal/logging"
	"trailengine/internal/types"
)

// Store is a typed node/edge store. It satisfies types.GraphLookup.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// Open opens (or creates) the graph database at the given path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open graph database: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logging.GraphDebug("Failed to set busy_timeout: %v", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		logging.GraphDebug("Failed to set journal_mode=WAL: %v", err)
	}

	s := &Store{db: db}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS graph_nodes (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL DEFAULT '',
		label TEXT NOT NULL DEFAULT '',
		metadata TEXT
	);
	CREATE TABLE IF NOT EXISTS graph_edges (
		source TEXT NOT NULL,
		edge_name TEXT NOT NULL,
		target TEXT NOT NULL,
		weight REAL NOT NULL DEFAULT 1.0,
		UNIQUE(source, edge_name, target)
	);
	CREATE INDEX IF NOT EXISTS idx_edges_source ON graph_edges(source);
	CREATE INDEX IF NOT EXISTS idx_edges_target ON graph_edges(target);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create graph schema: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// PutNode upserts a node. Used by graph loaders and tests.
func (s *Store) PutNode(node types.Node, metadata map[string]interface{}) error {
	if node.ID == "" {
		return fmt.Errorf("node id must be non-empty")
	}
	metaJSON, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal node metadata: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.db.Exec(
		`INSERT OR REPLACE INTO graph_nodes (id, kind, label, metadata) VALUES (?, ?, ?, ?)`,
		node.ID, node.Kind, node.Label, string(metaJSON),
	)
	return err
}

// PutEdge upserts a typed edge between two nodes.
func (s *Store) PutEdge(source, edgeName, target string, weight float64) error {
	if source == "" || edgeName == "" || target == "" {
		return fmt.Errorf("invalid edge: source/edgeName/target must be non-empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(
		`INSERT OR REPLACE INTO graph_edges (source, edge_name, target, weight) VALUES (?, ?, ?, ?)`,
		source, edgeName, target, weight,
	)
	return err
}

// GetNode returns a node by id.
func (s *Store) GetNode(id string) (*types.Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getNodeLocked(id)
}

func (s *Store) getNodeLocked(id string) (*types.Node, error) {
	var node types.Node
	err := s.db.QueryRow(
		`SELECT id, kind, label FROM graph_nodes WHERE id = ?`, id,
	).Scan(&node.ID, &node.Kind, &node.Label)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("node %q not found", id)
	}
	if err != nil {
		return nil, err
	}
	return &node, nil
}

// LookupEdge resolves a structural edge from a node to its destinations.
func (s *Store) LookupEdge(ctx context.Context, node string, edgeName string) ([]types.Node, error) {
	timer := logging.StartTimer(logging.CategoryGraph, "LookupEdge")
	defer timer.Stop()

	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		`SELECT n.id, n.kind, n.label FROM graph_edges e
		 JOIN graph_nodes n ON n.id = e.target
		 WHERE e.source = ? AND e.edge_name = ?
		 ORDER BY e.weight DESC`,
		node, edgeName,
	)
	if err != nil {
		return nil, fmt.Errorf("edge lookup failed: %w", err)
	}
	defer rows.Close()

	var dests []types.Node
	for rows.Next() {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		var n types.Node
		if err := rows.Scan(&n.ID, &n.Kind, &n.Label); err != nil {
			continue
		}
		dests = append(dests, n)
	}

	logging.GraphDebug("LookupEdge %s -[%s]-> %d nodes", node, edgeName, len(dests))
	return dests, rows.Err()
}

// Neighbors enumerates all outgoing edges of a node.
func (s *Store) Neighbors(ctx context.Context, node string) ([]types.NeighborEdge, error) {
	timer := logging.StartTimer(logging.CategoryGraph, "Neighbors")
	defer timer.Stop()

	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		`SELECT e.edge_name, n.id, n.kind, n.label FROM graph_edges e
		 JOIN graph_nodes n ON n.id = e.target
		 WHERE e.source = ?
		 ORDER BY e.weight DESC`,
		node,
	)
	if err != nil {
		return nil, fmt.Errorf("neighbor query failed: %w", err)
	}
	defer rows.Close()

	var neighbors []types.NeighborEdge
	for rows.Next() {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		var ne types.NeighborEdge
		if err := rows.Scan(&ne.EdgeName, &ne.Node.ID, &ne.Node.Kind, &ne.Node.Label); err != nil {
			continue
		}
		neighbors = append(neighbors, ne)
	}

	logging.GraphDebug("Neighbors of %s: %d edges", node, len(neighbors))
	return neighbors, rows.Err()
}

// NeighborhoodContext renders a bounded BFS neighborhood around a node as
// text, one "source -[edge]-> target (label)" line per edge. Used to build
// the context the reasoning model reranks against; maxNodes caps the prompt
// size.
func (s *Store) NeighborhoodContext(ctx context.Context, node string, depth, maxNodes int) (string, error) {
	timer := logging.StartTimer(logging.CategoryGraph, "NeighborhoodContext")
	defer timer.Stop()

	if depth <= 0 {
		depth = 2
	}
	if maxNodes <= 0 {
		maxNodes = 50
	}

	type queueItem struct {
		id    string
		depth int
	}

	visited := map[string]bool{node: true}
	queue := []queueItem{{id: node, depth: 0}}
	var lines []string

	for len(queue) > 0 && len(visited) < maxNodes {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		current := queue[0]
		queue = queue[1:]
		if current.depth >= depth {
			continue
		}

		neighbors, err := s.Neighbors(ctx, current.id)
		if err != nil {
			continue
		}
		for _, ne := range neighbors {
			line := fmt.Sprintf("%s -[%s]-> %s", current.id, ne.EdgeName, ne.Node.ID)
			if ne.Node.Label != "" {
				line += fmt.Sprintf(" (%s)", ne.Node.Label)
			}
			lines = append(lines, line)
			if !visited[ne.Node.ID] {
				visited[ne.Node.ID] = true
				queue = append(queue, queueItem{id: ne.Node.ID, depth: current.depth + 1})
			}
		}
	}

	return strings.Join(lines, "\n"), nil
}
