package config

import (
	"path/filepath"
	"testing"
	"time"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Resolver.SimilarityThreshold != 0.55 {
		t.Errorf("similarity threshold = %v, want 0.55", cfg.Resolver.SimilarityThreshold)
	}
	if cfg.Merge.RebaseThreshold != 0.85 {
		t.Errorf("rebase threshold = %v, want 0.85", cfg.Merge.RebaseThreshold)
	}
	if cfg.Server.Addr != ":8710" {
		t.Errorf("addr = %q, want :8710", cfg.Server.Addr)
	}
}

func TestSaveLoadRoundtrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "config.yaml")

	cfg := DefaultConfig()
	cfg.Store.DatabasePath = "/var/lib/trails.db"
	cfg.Sync.SubscriberBuffer = 128
	cfg.Resolver.LLMTimeout = "3s"
	if err := cfg.Save(path); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded.Store.DatabasePath != "/var/lib/trails.db" {
		t.Errorf("database path = %q", loaded.Store.DatabasePath)
	}
	if loaded.Sync.SubscriberBuffer != 128 {
		t.Errorf("subscriber buffer = %d", loaded.Sync.SubscriberBuffer)
	}
	if got := loaded.GetResolverLLMTimeout(); got != 3*time.Second {
		t.Errorf("resolver LLM timeout = %v, want 3s", got)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("TRAIL_DB", "/tmp/override.db")
	t.Setenv("TRAIL_ADDR", ":9999")
	t.Setenv("TRAIL_GRAPH_DB", "/tmp/graph-override.db")

	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Store.DatabasePath != "/tmp/override.db" {
		t.Errorf("TRAIL_DB override ignored: %q", cfg.Store.DatabasePath)
	}
	if cfg.Server.Addr != ":9999" {
		t.Errorf("TRAIL_ADDR override ignored: %q", cfg.Server.Addr)
	}
	if cfg.Store.GraphPath != "/tmp/graph-override.db" {
		t.Errorf("TRAIL_GRAPH_DB override ignored: %q", cfg.Store.GraphPath)
	}
}

func TestDurationFallbacks(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LLM.Timeout = "not-a-duration"
	cfg.Server.ShutdownTimeout = ""
	if got := cfg.GetLLMTimeout(); got != 60*time.Second {
		t.Errorf("bad LLM timeout fell back to %v, want 60s", got)
	}
	if got := cfg.GetShutdownTimeout(); got != 10*time.Second {
		t.Errorf("empty shutdown timeout fell back to %v, want 10s", got)
	}
}
