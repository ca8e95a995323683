// Package store provides durable persistence for trails, steps, forks, and
// merges on SQLite. The version-checked append is the single concurrency
// primitive of the whole engine: every higher-level operation reduces to it.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"trailengine/internal/logging"
	"trailengine/internal/types"
)

// TrailStore persists trails and their lineage. Reads are snapshot reads and
// never block on writers (WAL); writes go through the optimistic version
// check.
type TrailStore struct {
	db        *sql.DB
	mu        sync.RWMutex
	dbPath    string
	vectorExt bool // sqlite-vec available
}

// NewTrailStore opens (or creates) the SQLite database at the given path.
// Pass requireVec=true to fail fast when the sqlite-vec extension is missing
// instead of falling back to the in-process cosine scan.
func NewTrailStore(path string, requireVec bool) (*TrailStore, error) {
	timer := logging.StartTimer(logging.CategoryStore, "NewTrailStore")
	defer timer.Stop()

	logging.Store("Initializing TrailStore at path: %s", path)

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		logging.Get(logging.CategoryStore).Error("Failed to open database at %s: %v", path, err)
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logging.StoreDebug("Failed to set sqlite busy_timeout: %v", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		logging.StoreDebug("Failed to set sqlite journal_mode=WAL: %v", err)
	}
	// synchronous=NORMAL is safe under WAL and much faster than FULL.
	if _, err := db.Exec("PRAGMA synchronous = NORMAL"); err != nil {
		logging.StoreDebug("Failed to set sqlite synchronous=NORMAL: %v", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		logging.StoreDebug("Failed to enable foreign keys: %v", err)
	}

	store := &TrailStore{db: db, dbPath: path}
	if err := store.initialize(); err != nil {
		logging.Get(logging.CategoryStore).Error("Failed to initialize schema: %v", err)
		db.Close()
		return nil, err
	}

	if err := RunMigrations(db); err != nil {
		logging.Get(logging.CategoryStore).Warn("Schema migrations had issues: %v", err)
	}

	store.detectVecExtension()
	if requireVec && !store.vectorExt {
		db.Close()
		return nil, fmt.Errorf("sqlite-vec extension not available; build with -tags sqlite_vec to enable ANN search")
	}
	if store.vectorExt {
		logging.Store("sqlite-vec extension detected and enabled")
	} else {
		logging.Get(logging.CategoryStore).Warn("sqlite-vec extension not available; falling back to cosine scan")
	}

	logging.Store("TrailStore initialization complete")
	return store, nil
}

// initialize creates the schema. Steps are append-only: triggers reject any
// update to a step's identity columns and any delete, so corrections have to
// be new steps.
func (s *TrailStore) initialize() error {
	trailsTable := `
	CREATE TABLE IF NOT EXISTS trails (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		creator TEXT NOT NULL,
		version INTEGER NOT NULL DEFAULT 1,
		forked_from_trail TEXT,
		forked_from_step INTEGER,
		merged_into TEXT NOT NULL DEFAULT '',
		archived INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_trails_forked_from ON trails(forked_from_trail);
	`

	stepsTable := `
	CREATE TABLE IF NOT EXISTS trail_steps (
		trail_id TEXT NOT NULL REFERENCES trails(id),
		idx INTEGER NOT NULL,
		explorer TEXT NOT NULL,
		source TEXT NOT NULL,
		edge TEXT NOT NULL,
		destinations TEXT NOT NULL DEFAULT '[]',
		reasoning TEXT NOT NULL DEFAULT '',
		dead_end INTEGER NOT NULL DEFAULT 0,
		embedding TEXT,
		embedding_model TEXT NOT NULL DEFAULT '',
		content_hash TEXT NOT NULL,
		created_at TEXT NOT NULL,
		PRIMARY KEY (trail_id, idx)
	);
	CREATE INDEX IF NOT EXISTS idx_steps_hash ON trail_steps(content_hash);
	`

	// Re-embedding may rewrite embedding and embedding_model; everything that
	// identifies what the step did is frozen at append time.
	stepTriggers := `
	CREATE TRIGGER IF NOT EXISTS trail_steps_immutable
	BEFORE UPDATE OF trail_id, idx, explorer, source, edge, destinations, reasoning, dead_end, content_hash, created_at
	ON trail_steps
	BEGIN
		SELECT RAISE(ABORT, 'trail steps are append-only');
	END;
	CREATE TRIGGER IF NOT EXISTS trail_steps_no_delete
	BEFORE DELETE ON trail_steps
	BEGIN
		SELECT RAISE(ABORT, 'trail steps are append-only');
	END;
	`

	forksTable := `
	CREATE TABLE IF NOT EXISTS trail_forks (
		id TEXT PRIMARY KEY,
		parent_id TEXT NOT NULL REFERENCES trails(id),
		child_id TEXT NOT NULL REFERENCES trails(id),
		fork_point INTEGER NOT NULL,
		creator TEXT NOT NULL,
		merged INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_forks_parent ON trail_forks(parent_id);
	CREATE INDEX IF NOT EXISTS idx_forks_child ON trail_forks(child_id);
	`

	mergesTable := `
	CREATE TABLE IF NOT EXISTS trail_merges (
		id TEXT PRIMARY KEY,
		source_ids TEXT NOT NULL,
		target_id TEXT NOT NULL,
		strategy TEXT NOT NULL,
		status TEXT NOT NULL,
		conflicts TEXT NOT NULL DEFAULT '[]',
		proposed TEXT NOT NULL DEFAULT '[]',
		creator TEXT NOT NULL,
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_merges_target ON trail_merges(target_id);
	`

	for _, stmt := range []string{trailsTable, stepsTable, stepTriggers, forksTable, mergesTable} {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
	}

	return nil
}

// detectVecExtension attempts to create a vec0 virtual table to see if
// sqlite-vec is available.
func (s *TrailStore) detectVecExtension() {
	if s.db == nil {
		return
	}
	if _, err := s.db.Exec("CREATE VIRTUAL TABLE IF NOT EXISTS vec_probe USING vec0(embedding float[4])"); err == nil {
		s.vectorExt = true
		_, _ = s.db.Exec("DROP TABLE IF EXISTS vec_probe")
		s.ensureVecIndex()
		return
	}
	s.vectorExt = false
}

// Close closes the database.
func (s *TrailStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// storageErr wraps a driver error so callers can branch on
// types.ErrStorageUnavailable without losing the cause.
func storageErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", types.ErrStorageUnavailable, op, err)
}

// timeNow is replaceable in tests that need deterministic timestamps.
var timeNow = time.Now

const timeLayout = time.RFC3339Nano

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
