package store

import (
	"context"
	"encoding/json"
	"fmt"

	"trailengine/internal/embedding"
	"trailengine/internal/logging"
	"trailengine/internal/types"
)

// ensureVecIndex creates the ANN virtual table and its rowid map. Only called
// once sqlite-vec is known to be available.
func (s *TrailStore) ensureVecIndex() {
	stmts := []string{
		`CREATE VIRTUAL TABLE IF NOT EXISTS trail_vec USING vec0(embedding float[768])`,
		`CREATE TABLE IF NOT EXISTS trail_vec_map (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			trail_id TEXT NOT NULL,
			idx INTEGER NOT NULL,
			UNIQUE(trail_id, idx)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			logging.Get(logging.CategoryStore).Warn("Failed to create vec index: %v", err)
			s.vectorExt = false
			return
		}
	}
}

// indexStepVector mirrors a step's embedding into the ANN index. Best-effort:
// the JSON embedding column on trail_steps stays the source of truth, so an
// index failure only degrades search to the cosine scan.
func (s *TrailStore) indexStepVector(trailID string, step types.TrailStep) {
	if !s.vectorExt || len(step.Embedding) == 0 {
		return
	}
	res, err := s.db.Exec(`INSERT OR IGNORE INTO trail_vec_map (trail_id, idx) VALUES (?, ?)`, trailID, step.Index)
	if err != nil {
		logging.StoreDebug("vec map insert failed for %s/%d: %v", trailID, step.Index, err)
		return
	}
	rowid, err := res.LastInsertId()
	if err != nil || rowid == 0 {
		return
	}
	embJSON, err := json.Marshal(step.Embedding)
	if err != nil {
		return
	}
	if _, err := s.db.Exec(`INSERT INTO trail_vec (rowid, embedding) VALUES (?, ?)`, rowid, string(embJSON)); err != nil {
		logging.StoreDebug("vec index insert failed for %s/%d: %v", trailID, step.Index, err)
	}
}

// SearchByEmbedding performs nearest-neighbor search over step embeddings and
// returns the trails owning the closest steps, best match first. Archived
// trails are excluded.
func (s *TrailStore) SearchByEmbedding(queryVector []float32, limit int) ([]types.Trail, error) {
	timer := logging.StartTimer(logging.CategoryStore, "SearchByEmbedding")
	defer timer.Stop()

	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 10
	}

	var ranked []string
	var err error
	if s.vectorExt {
		ranked, err = s.searchVecIndex(queryVector, limit)
	} else {
		ranked, err = s.searchCosineScan(queryVector, limit)
	}
	if err != nil {
		return nil, err
	}

	trails := make([]types.Trail, 0, len(ranked))
	for _, id := range ranked {
		trail, err := s.readTrailLocked(s.db, id)
		if err != nil {
			logging.StoreDebug("Skipping unreadable trail %s in search: %v", id, err)
			continue
		}
		if trail.Archived {
			continue
		}
		trails = append(trails, *trail)
	}
	return trails, nil
}

// searchVecIndex queries the sqlite-vec ANN index. Over-fetches so that
// multiple hits on the same trail still yield `limit` distinct trails.
func (s *TrailStore) searchVecIndex(queryVector []float32, limit int) ([]string, error) {
	qJSON, err := json.Marshal(queryVector)
	if err != nil {
		return nil, err
	}

	// Archived trails are filtered here, not after ranking, so over-fetched
	// neighbors on archived trails cannot crowd live ones out of the result.
	rows, err := s.db.Query(
		`SELECT m.trail_id FROM trail_vec v
		 JOIN trail_vec_map m ON m.id = v.rowid
		 JOIN trails t ON t.id = m.trail_id
		 WHERE v.embedding MATCH ? AND k = ? AND t.archived = 0
		 ORDER BY v.distance`,
		string(qJSON), limit*4,
	)
	if err != nil {
		return nil, storageErr("ann search", err)
	}
	defer rows.Close()

	seen := make(map[string]bool)
	var ranked []string
	for rows.Next() {
		var trailID string
		if err := rows.Scan(&trailID); err != nil {
			continue
		}
		if !seen[trailID] {
			seen[trailID] = true
			ranked = append(ranked, trailID)
			if len(ranked) >= limit {
				break
			}
		}
	}
	return ranked, rows.Err()
}

// searchCosineScan is the fallback: scan every embedded step and rank trails
// by their best step similarity.
func (s *TrailStore) searchCosineScan(queryVector []float32, limit int) ([]string, error) {
	rows, err := s.db.Query(
		`SELECT s.trail_id, s.embedding FROM trail_steps s
		 JOIN trails t ON t.id = s.trail_id
		 WHERE s.embedding IS NOT NULL AND t.archived = 0`)
	if err != nil {
		return nil, storageErr("cosine scan", err)
	}
	defer rows.Close()

	best := make(map[string]float64)
	for rows.Next() {
		var trailID, embJSON string
		if err := rows.Scan(&trailID, &embJSON); err != nil {
			continue
		}
		var vec []float32
		if err := json.Unmarshal([]byte(embJSON), &vec); err != nil {
			continue
		}
		sim, err := embedding.CosineSimilarity(queryVector, vec)
		if err != nil {
			continue
		}
		if sim > best[trailID] {
			best[trailID] = sim
		}
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("cosine scan", err)
	}

	ranked := make([]string, 0, len(best))
	for id := range best {
		ranked = append(ranked, id)
	}
	// Selection by best similarity descending.
	for i := 0; i < len(ranked) && i < limit; i++ {
		for j := i + 1; j < len(ranked); j++ {
			if best[ranked[j]] > best[ranked[i]] {
				ranked[i], ranked[j] = ranked[j], ranked[i]
			}
		}
	}
	if len(ranked) > limit {
		ranked = ranked[:limit]
	}
	return ranked, nil
}

// ReembedSteps regenerates embeddings for steps whose recorded embedding
// model differs from the engine's current one (or that have no embedding at
// all). Steps with no reasoning and a structural edge carry nothing to embed
// and are skipped.
func (s *TrailStore) ReembedSteps(ctx context.Context, engine embedding.Engine) (int, error) {
	timer := logging.StartTimer(logging.CategoryStore, "ReembedSteps")
	defer timer.Stop()

	if engine == nil {
		return 0, fmt.Errorf("no embedding engine configured")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(
		`SELECT trail_id, idx, edge, reasoning FROM trail_steps WHERE embedding_model != ?`,
		engine.Name())
	if err != nil {
		return 0, storageErr("select stale steps", err)
	}

	type stale struct {
		trailID string
		idx     int
		text    string
	}
	var work []stale
	for rows.Next() {
		var st stale
		var edge, reasoning string
		if err := rows.Scan(&st.trailID, &st.idx, &edge, &reasoning); err != nil {
			continue
		}
		switch {
		case reasoning != "":
			st.text = reasoning
		case types.IsSemanticEdge(edge):
			st.text = types.SemanticQuery(edge)
		default:
			continue
		}
		work = append(work, st)
	}
	rows.Close()

	if len(work) == 0 {
		return 0, nil
	}

	logging.Store("Re-embedding %d steps with %s", len(work), engine.Name())

	updated := 0
	const batchSize = 32
	for start := 0; start < len(work); start += batchSize {
		end := start + batchSize
		if end > len(work) {
			end = len(work)
		}
		batch := work[start:end]

		texts := make([]string, len(batch))
		for i, w := range batch {
			texts[i] = w.text
		}
		vecs, err := engine.EmbedBatch(ctx, texts)
		if err != nil {
			return updated, fmt.Errorf("failed to embed batch: %w", err)
		}

		for i, w := range batch {
			embJSON, err := json.Marshal(vecs[i])
			if err != nil {
				continue
			}
			_, err = s.db.Exec(
				`UPDATE trail_steps SET embedding = ?, embedding_model = ? WHERE trail_id = ? AND idx = ?`,
				string(embJSON), engine.Name(), w.trailID, w.idx,
			)
			if err != nil {
				return updated, storageErr("update embedding", err)
			}
			updated++
		}
	}

	return updated, nil
}

// Stats returns counters for the ops surface.
func (s *TrailStore) Stats() (map[string]interface{}, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := make(map[string]interface{})

	var trails, archived, steps, embedded, forks, merges int64
	s.db.QueryRow(`SELECT COUNT(*) FROM trails`).Scan(&trails)
	s.db.QueryRow(`SELECT COUNT(*) FROM trails WHERE archived = 1`).Scan(&archived)
	s.db.QueryRow(`SELECT COUNT(*) FROM trail_steps`).Scan(&steps)
	s.db.QueryRow(`SELECT COUNT(*) FROM trail_steps WHERE embedding IS NOT NULL`).Scan(&embedded)
	s.db.QueryRow(`SELECT COUNT(*) FROM trail_forks`).Scan(&forks)
	s.db.QueryRow(`SELECT COUNT(*) FROM trail_merges`).Scan(&merges)

	stats["trails"] = trails
	stats["archived_trails"] = archived
	stats["steps"] = steps
	stats["embedded_steps"] = embedded
	stats["forks"] = forks
	stats["merges"] = merges
	stats["ann_index"] = s.vectorExt

	return stats, nil
}
