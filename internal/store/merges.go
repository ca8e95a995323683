package store

import (
	"database/sql"
	"encoding/json"
	"errors"

	"trailengine/internal/logging"
	"trailengine/internal/types"
)

// RecordMerge persists a merge record. Pending merges are stored too so that
// conflict resolutions survive a restart; re-recording the same id replaces
// the record with its updated conflict list and status.
func (s *TrailStore) RecordMerge(merge *types.TrailMerge) error {
	timer := logging.StartTimer(logging.CategoryStore, "RecordMerge")
	defer timer.Stop()

	s.mu.Lock()
	defer s.mu.Unlock()

	sourcesJSON, err := json.Marshal(merge.SourceIDs)
	if err != nil {
		return err
	}
	conflictsJSON, err := json.Marshal(merge.Conflicts)
	if err != nil {
		return err
	}
	proposedJSON, err := json.Marshal(merge.Proposed)
	if err != nil {
		return err
	}

	_, err = s.db.Exec(
		`INSERT OR REPLACE INTO trail_merges (id, source_ids, target_id, strategy, status, conflicts, proposed, creator, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		merge.ID, string(sourcesJSON), merge.TargetID, string(merge.Strategy), merge.Status,
		string(conflictsJSON), string(proposedJSON), merge.Creator, formatTime(merge.CreatedAt),
	)
	if err != nil {
		return storageErr("record merge", err)
	}

	logging.MergeDebug("Recorded merge %s (%s, %s)", merge.ID, merge.Strategy, merge.Status)
	return nil
}

// GetMerge returns a merge record by id.
func (s *TrailStore) GetMerge(mergeID string) (*types.TrailMerge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		merge         types.TrailMerge
		strategy      string
		sourcesJSON   string
		conflictsJSON string
		proposedJSON  string
		createdAt     string
	)
	err := s.db.QueryRow(
		`SELECT id, source_ids, target_id, strategy, status, conflicts, proposed, creator, created_at
		 FROM trail_merges WHERE id = ?`, mergeID,
	).Scan(&merge.ID, &sourcesJSON, &merge.TargetID, &strategy, &merge.Status,
		&conflictsJSON, &proposedJSON, &merge.Creator, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.ErrMergeNotFound
	}
	if err != nil {
		return nil, storageErr("get merge", err)
	}

	merge.Strategy = types.MergeStrategy(strategy)
	merge.CreatedAt = parseTime(createdAt)
	if err := json.Unmarshal([]byte(sourcesJSON), &merge.SourceIDs); err != nil {
		logging.Get(logging.CategoryStore).Warn("Merge sources unmarshal failed for %s: %v", mergeID, err)
	}
	if err := json.Unmarshal([]byte(conflictsJSON), &merge.Conflicts); err != nil {
		logging.Get(logging.CategoryStore).Warn("Merge conflicts unmarshal failed for %s: %v", mergeID, err)
	}
	if err := json.Unmarshal([]byte(proposedJSON), &merge.Proposed); err != nil {
		logging.Get(logging.CategoryStore).Warn("Merge proposed-steps unmarshal failed for %s: %v", mergeID, err)
	}
	return &merge, nil
}
