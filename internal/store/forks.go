package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"trailengine/internal/logging"
	"trailengine/internal/types"
)

// ForkTrail copies steps [0, atStep] of a trail into a new trail and records
// the fork. The copy is by value: the child shares no mutable state with the
// parent, and its prefix never tracks later parent changes. The child's
// version starts at 1.
func (s *TrailStore) ForkTrail(trailID string, atStep int, creator, name string) (*types.Trail, error) {
	timer := logging.StartTimer(logging.CategoryStore, "ForkTrail")
	defer timer.Stop()

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return nil, storageErr("begin fork", err)
	}
	defer tx.Rollback()

	parent, err := s.readTrailLocked(tx, trailID)
	if err != nil {
		return nil, err
	}
	if atStep < 0 || atStep >= len(parent.Steps) {
		return nil, fmt.Errorf("fork point %d out of range for trail with %d steps", atStep, len(parent.Steps))
	}

	if name == "" {
		name = fmt.Sprintf("%s (fork @%d)", parent.Name, atStep)
	}

	child := &types.Trail{
		ID:         uuid.NewString(),
		Name:       name,
		Creator:    creator,
		CreatedAt:  timeNow().UTC(),
		Version:    1,
		ForkedFrom: &types.ForkPoint{TrailID: trailID, StepIndex: atStep},
	}

	_, err = tx.Exec(
		`INSERT INTO trails (id, name, creator, version, forked_from_trail, forked_from_step, created_at)
		 VALUES (?, ?, ?, 1, ?, ?, ?)`,
		child.ID, child.Name, child.Creator, trailID, atStep, formatTime(child.CreatedAt),
	)
	if err != nil {
		return nil, storageErr("insert fork child", err)
	}

	copied := parent.Steps[:atStep+1]
	if err := insertSteps(tx, child.ID, copied); err != nil {
		return nil, err
	}
	child.Steps = append(child.Steps, copied...)

	fork := types.TrailFork{
		ID:        uuid.NewString(),
		ParentID:  trailID,
		ChildID:   child.ID,
		ForkPoint: atStep,
		Creator:   creator,
		CreatedAt: child.CreatedAt,
	}
	_, err = tx.Exec(
		`INSERT INTO trail_forks (id, parent_id, child_id, fork_point, creator, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		fork.ID, fork.ParentID, fork.ChildID, fork.ForkPoint, fork.Creator, formatTime(fork.CreatedAt),
	)
	if err != nil {
		return nil, storageErr("insert fork record", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, storageErr("commit fork", err)
	}

	for _, step := range copied {
		s.indexStepVector(child.ID, step)
	}

	logging.Store("Forked trail %s at step %d into %s", trailID, atStep, child.ID)
	return child, nil
}

// CreateTrailWithSteps creates a new trail preloaded with the given steps.
// Used by merge strategies to materialize a target trail; the bulk load is
// part of creation, so the version starts at 1 like any fresh trail.
func (s *TrailStore) CreateTrailWithSteps(name, creator string, steps []types.TrailStep) (*types.Trail, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return nil, storageErr("begin create", err)
	}
	defer tx.Rollback()

	trail := &types.Trail{
		ID:        uuid.NewString(),
		Name:      name,
		Creator:   creator,
		CreatedAt: timeNow().UTC(),
		Version:   1,
	}
	_, err = tx.Exec(
		`INSERT INTO trails (id, name, creator, version, created_at) VALUES (?, ?, ?, 1, ?)`,
		trail.ID, trail.Name, trail.Creator, formatTime(trail.CreatedAt),
	)
	if err != nil {
		return nil, storageErr("insert trail", err)
	}

	// Reindex steps 0..n-1 regardless of where they came from.
	renumbered := make([]types.TrailStep, len(steps))
	for i, step := range steps {
		step.Index = i
		renumbered[i] = step
	}
	if err := insertSteps(tx, trail.ID, renumbered); err != nil {
		return nil, err
	}
	trail.Steps = renumbered

	if err := tx.Commit(); err != nil {
		return nil, storageErr("commit create", err)
	}

	for _, step := range renumbered {
		s.indexStepVector(trail.ID, step)
	}

	return trail, nil
}

func insertSteps(tx *sql.Tx, trailID string, steps []types.TrailStep) error {
	for _, step := range steps {
		destsJSON, err := json.Marshal(step.Destinations)
		if err != nil {
			return fmt.Errorf("failed to marshal destinations: %w", err)
		}
		var embJSON interface{}
		if len(step.Embedding) > 0 {
			raw, err := json.Marshal(step.Embedding)
			if err != nil {
				return fmt.Errorf("failed to marshal embedding: %w", err)
			}
			embJSON = string(raw)
		}
		ts := step.Timestamp
		if ts.IsZero() {
			ts = timeNow().UTC()
		}
		_, err = tx.Exec(
			`INSERT INTO trail_steps (trail_id, idx, explorer, source, edge, destinations, reasoning, dead_end, embedding, embedding_model, content_hash, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			trailID, step.Index, step.Explorer, step.Source, step.Edge,
			string(destsJSON), step.Reasoning, boolToInt(step.DeadEnd),
			embJSON, step.EmbeddingModel, step.ContentHash(), formatTime(ts),
		)
		if err != nil {
			return storageErr("insert step", err)
		}
	}
	return nil
}

// GetFork returns the fork record for a child trail.
func (s *TrailStore) GetFork(childID string) (*types.TrailFork, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		fork      types.TrailFork
		merged    int
		createdAt string
	)
	err := s.db.QueryRow(
		`SELECT id, parent_id, child_id, fork_point, creator, merged, created_at
		 FROM trail_forks WHERE child_id = ?`, childID,
	).Scan(&fork.ID, &fork.ParentID, &fork.ChildID, &fork.ForkPoint, &fork.Creator, &merged, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.ErrTrailNotFound
	}
	if err != nil {
		return nil, storageErr("get fork", err)
	}
	fork.Merged = merged != 0
	fork.CreatedAt = parseTime(createdAt)
	return &fork, nil
}

// MarkForkMerged flags the fork records of the given child trails after a
// completed merge, and points the source trails at the merge target.
func (s *TrailStore) MarkForkMerged(sourceIDs []string, targetID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return storageErr("begin mark merged", err)
	}
	defer tx.Rollback()

	for _, id := range sourceIDs {
		if _, err := tx.Exec(`UPDATE trail_forks SET merged = 1 WHERE child_id = ?`, id); err != nil {
			return storageErr("mark fork merged", err)
		}
		if _, err := tx.Exec(`UPDATE trails SET merged_into = ? WHERE id = ?`, targetID, id); err != nil {
			return storageErr("set merged_into", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return storageErr("commit mark merged", err)
	}
	return nil
}
