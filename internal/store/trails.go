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

// CreateTrail initializes a new trail with version 1 and an empty step list.
func (s *TrailStore) CreateTrail(name, creator string) (*types.Trail, error) {
	timer := logging.StartTimer(logging.CategoryStore, "CreateTrail")
	defer timer.Stop()

	s.mu.Lock()
	defer s.mu.Unlock()

	trail := &types.Trail{
		ID:        uuid.NewString(),
		Name:      name,
		Creator:   creator,
		CreatedAt: timeNow().UTC(),
		Version:   1,
	}

	_, err := s.db.Exec(
		`INSERT INTO trails (id, name, creator, version, created_at) VALUES (?, ?, ?, 1, ?)`,
		trail.ID, trail.Name, trail.Creator, formatTime(trail.CreatedAt),
	)
	if err != nil {
		logging.Get(logging.CategoryStore).Error("Failed to create trail %q: %v", name, err)
		return nil, storageErr("create trail", err)
	}

	logging.Store("Created trail %s (%q) for %s", trail.ID, name, creator)
	return trail, nil
}

// ReadTrail returns the current state of a trail, steps included. This is a
// snapshot read; it never blocks on writers.
func (s *TrailStore) ReadTrail(trailID string) (*types.Trail, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.readTrailLocked(s.db, trailID)
}

// querier abstracts *sql.DB and *sql.Tx so snapshot reads can run inside the
// append transaction.
type querier interface {
	Query(query string, args ...interface{}) (*sql.Rows, error)
	QueryRow(query string, args ...interface{}) *sql.Row
}

func (s *TrailStore) readTrailLocked(q querier, trailID string) (*types.Trail, error) {
	var (
		trail      types.Trail
		createdAt  string
		forkTrail  sql.NullString
		forkStep   sql.NullInt64
		mergedInto string
		archived   int
	)
	err := q.QueryRow(
		`SELECT id, name, creator, version, forked_from_trail, forked_from_step, merged_into, archived, created_at
		 FROM trails WHERE id = ?`, trailID,
	).Scan(&trail.ID, &trail.Name, &trail.Creator, &trail.Version, &forkTrail, &forkStep, &mergedInto, &archived, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.ErrTrailNotFound
	}
	if err != nil {
		return nil, storageErr("read trail", err)
	}

	trail.CreatedAt = parseTime(createdAt)
	trail.MergedInto = mergedInto
	trail.Archived = archived != 0
	if forkTrail.Valid {
		trail.ForkedFrom = &types.ForkPoint{TrailID: forkTrail.String, StepIndex: int(forkStep.Int64)}
	}

	steps, err := s.readStepsLocked(q, trailID)
	if err != nil {
		return nil, err
	}
	trail.Steps = steps
	return &trail, nil
}

func (s *TrailStore) readStepsLocked(q querier, trailID string) ([]types.TrailStep, error) {
	rows, err := q.Query(
		`SELECT idx, explorer, source, edge, destinations, reasoning, dead_end, embedding, embedding_model, created_at
		 FROM trail_steps WHERE trail_id = ? ORDER BY idx`, trailID)
	if err != nil {
		return nil, storageErr("read steps", err)
	}
	defer rows.Close()

	var steps []types.TrailStep
	for rows.Next() {
		var (
			step      types.TrailStep
			destsJSON string
			deadEnd   int
			embJSON   sql.NullString
			createdAt string
		)
		if err := rows.Scan(&step.Index, &step.Explorer, &step.Source, &step.Edge,
			&destsJSON, &step.Reasoning, &deadEnd, &embJSON, &step.EmbeddingModel, &createdAt); err != nil {
			logging.Get(logging.CategoryStore).Warn("Step row scan failed for trail %s: %v", trailID, err)
			continue
		}
		step.DeadEnd = deadEnd != 0
		step.Timestamp = parseTime(createdAt)
		if err := json.Unmarshal([]byte(destsJSON), &step.Destinations); err != nil {
			logging.Get(logging.CategoryStore).Warn("Destinations unmarshal failed for trail %s step %d: %v", trailID, step.Index, err)
		}
		if embJSON.Valid && embJSON.String != "" {
			if err := json.Unmarshal([]byte(embJSON.String), &step.Embedding); err != nil {
				logging.Get(logging.CategoryStore).Warn("Embedding unmarshal failed for trail %s step %d: %v", trailID, step.Index, err)
			}
		}
		steps = append(steps, step)
	}
	return steps, rows.Err()
}

// AppendStep atomically validates expectedVersion against the stored version,
// appends the step, and bumps the version by exactly one. On a stale version
// it returns types.ErrVersionConflict without mutating anything. This is the
// compare-and-swap every concurrent navigation races on.
func (s *TrailStore) AppendStep(trailID string, expectedVersion int64, step types.TrailStep) (*types.Trail, error) {
	timer := logging.StartTimer(logging.CategoryStore, "AppendStep")
	defer timer.Stop()

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return nil, storageErr("begin append", err)
	}
	defer tx.Rollback()

	res, err := tx.Exec(
		`UPDATE trails SET version = version + 1 WHERE id = ? AND version = ? AND archived = 0`,
		trailID, expectedVersion,
	)
	if err != nil {
		return nil, storageErr("version check", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, storageErr("version check", err)
	}
	if affected == 0 {
		// Distinguish a lost race from a missing trail.
		var current int64
		err := tx.QueryRow(`SELECT version FROM trails WHERE id = ?`, trailID).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, types.ErrTrailNotFound
		}
		if err != nil {
			return nil, storageErr("version check", err)
		}
		logging.StoreDebug("Append rejected on trail %s: expected v%d, stored v%d", trailID, expectedVersion, current)
		return nil, fmt.Errorf("%w: expected version %d, stored version %d", types.ErrVersionConflict, expectedVersion, current)
	}

	var count int
	if err := tx.QueryRow(`SELECT COUNT(*) FROM trail_steps WHERE trail_id = ?`, trailID).Scan(&count); err != nil {
		return nil, storageErr("count steps", err)
	}
	if step.Index != count {
		return nil, fmt.Errorf("%w: step index %d does not follow %d persisted steps", types.ErrVersionConflict, step.Index, count)
	}

	if step.Timestamp.IsZero() {
		step.Timestamp = timeNow().UTC()
	}
	destsJSON, err := json.Marshal(step.Destinations)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal destinations: %w", err)
	}
	var embJSON interface{}
	if len(step.Embedding) > 0 {
		raw, err := json.Marshal(step.Embedding)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal embedding: %w", err)
		}
		embJSON = string(raw)
	}

	_, err = tx.Exec(
		`INSERT INTO trail_steps (trail_id, idx, explorer, source, edge, destinations, reasoning, dead_end, embedding, embedding_model, content_hash, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		trailID, step.Index, step.Explorer, step.Source, step.Edge,
		string(destsJSON), step.Reasoning, boolToInt(step.DeadEnd),
		embJSON, step.EmbeddingModel, step.ContentHash(), formatTime(step.Timestamp),
	)
	if err != nil {
		return nil, storageErr("insert step", err)
	}

	trail, err := s.readTrailLocked(tx, trailID)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, storageErr("commit append", err)
	}

	s.indexStepVector(trailID, step)

	logging.StoreDebug("Appended step %d to trail %s (v%d)", step.Index, trailID, trail.Version)
	return trail, nil
}

// ArchiveTrail marks a trail archived. Trails are never hard-deleted, to
// preserve provenance; archived trails reject further appends and drop out
// of search results.
func (s *TrailStore) ArchiveTrail(trailID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`UPDATE trails SET archived = 1 WHERE id = ?`, trailID)
	if err != nil {
		return storageErr("archive trail", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return types.ErrTrailNotFound
	}
	logging.Store("Archived trail %s", trailID)
	return nil
}

// ListTrails returns all non-archived trails without their steps, newest
// first.
func (s *TrailStore) ListTrails() ([]types.Trail, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		`SELECT id, name, creator, version, merged_into, created_at FROM trails
		 WHERE archived = 0 ORDER BY created_at DESC`)
	if err != nil {
		return nil, storageErr("list trails", err)
	}
	defer rows.Close()

	var trails []types.Trail
	for rows.Next() {
		var t types.Trail
		var createdAt string
		if err := rows.Scan(&t.ID, &t.Name, &t.Creator, &t.Version, &t.MergedInto, &createdAt); err != nil {
			continue
		}
		t.CreatedAt = parseTime(createdAt)
		trails = append(trails, t)
	}
	return trails, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
