// Package config loads trail engine configuration from YAML with
// environment-variable overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all trail engine configuration.
type Config struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	// Store configuration
	Store StoreConfig `yaml:"store"`

	// Embedding engine configuration
	Embedding EmbeddingConfig `yaml:"embedding"`

	// LLM configuration
	LLM LLMConfig `yaml:"llm"`

	// Semantic resolver tuning
	Resolver ResolverConfig `yaml:"resolver"`

	// Merge tuning
	Merge MergeConfig `yaml:"merge"`

	// Sync hub configuration
	Sync SyncConfig `yaml:"sync"`

	// HTTP server configuration
	Server ServerConfig `yaml:"server"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// StoreConfig configures the SQLite trail store.
type StoreConfig struct {
	DatabasePath string `yaml:"database_path"`
	// GraphPath is the SQLite database holding the node/edge graph trails
	// navigate against.
	GraphPath string `yaml:"graph_path"`
	// RequireVec fails startup when the sqlite-vec extension is missing
	// instead of falling back to in-process cosine scan.
	RequireVec bool `yaml:"require_vec"`
}

// ResolverConfig configures the hybrid vector/LLM resolver.
type ResolverConfig struct {
	// Minimum cosine similarity for a vector candidate to survive.
	SimilarityThreshold float64 `yaml:"similarity_threshold"`
	// Maximum candidates returned by the vector pass.
	MaxCandidates int `yaml:"max_candidates"`
	// Candidate count at or below which the LLM rerank is skipped.
	RerankMinCandidates int `yaml:"rerank_min_candidates"`
	// Top-k returned after the LLM rerank.
	RerankTopK int `yaml:"rerank_top_k"`
	// Timeout for a single LLM rerank call.
	LLMTimeout string `yaml:"llm_timeout"`
}

// MergeConfig configures merge behavior.
type MergeConfig struct {
	// Jaccard similarity over destination sets below which a rebased step is
	// considered materially different from the recorded one. Tunable, not a
	// hidden constant.
	RebaseThreshold float64 `yaml:"rebase_threshold"`
}

// SyncConfig configures the sync hub.
type SyncConfig struct {
	// Per-subscriber event buffer; oldest events are dropped on overflow so a
	// slow consumer never blocks the writer path.
	SubscriberBuffer int `yaml:"subscriber_buffer"`
}

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	Addr            string `yaml:"addr"`
	ShutdownTimeout string `yaml:"shutdown_timeout"`
}

// LoggingConfig configures the categorized file logger.
type LoggingConfig struct {
	DebugMode  bool            `yaml:"debug_mode"`
	Categories map[string]bool `yaml:"categories"`
	Level      string          `yaml:"level"` // debug, info, warn, error
	JSONFormat bool            `yaml:"json_format"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:    "trail-engine",
		Version: "0.3.0",

		Store: StoreConfig{
			DatabasePath: "data/trails.db",
			GraphPath:    "data/graph.db",
			RequireVec:   false,
		},

		Embedding: EmbeddingConfig{
			Provider:       "ollama",
			OllamaEndpoint: "http://localhost:11434",
			OllamaModel:    "embeddinggemma",
			GenAIModel:     "gemini-embedding-001",
			TaskType:       "SEMANTIC_SIMILARITY",
		},

		LLM: LLMConfig{
			Provider: "gemini",
			Model:    "gemini-2.5-flash",
			BaseURL:  "https://generativelanguage.googleapis.com/v1beta",
			Timeout:  "60s",
		},

		Resolver: ResolverConfig{
			SimilarityThreshold: 0.55,
			MaxCandidates:       10,
			RerankMinCandidates: 3,
			RerankTopK:          5,
			LLMTimeout:          "15s",
		},

		Merge: MergeConfig{
			RebaseThreshold: 0.85,
		},

		Sync: SyncConfig{
			SubscriberBuffer: 64,
		},

		Server: ServerConfig{
			Addr:            ":8710",
			ShutdownTimeout: "10s",
		},

		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load loads configuration from a YAML file.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Return defaults if config file doesn't exist
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()

	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if key := os.Getenv("GEMINI_API_KEY"); key != "" {
		c.LLM.APIKey = key
		c.Embedding.GenAIAPIKey = key
	}
	if path := os.Getenv("TRAIL_DB"); path != "" {
		c.Store.DatabasePath = path
	}
	if path := os.Getenv("TRAIL_GRAPH_DB"); path != "" {
		c.Store.GraphPath = path
	}
	if addr := os.Getenv("TRAIL_ADDR"); addr != "" {
		c.Server.Addr = addr
	}
	if ep := os.Getenv("OLLAMA_ENDPOINT"); ep != "" {
		c.Embedding.OllamaEndpoint = ep
	}
}

// GetLLMTimeout returns the LLM timeout as a duration.
func (c *Config) GetLLMTimeout() time.Duration {
	d, err := time.ParseDuration(c.LLM.Timeout)
	if err != nil {
		return 60 * time.Second
	}
	return d
}

// GetResolverLLMTimeout returns the rerank call timeout as a duration.
func (c *Config) GetResolverLLMTimeout() time.Duration {
	d, err := time.ParseDuration(c.Resolver.LLMTimeout)
	if err != nil {
		return 15 * time.Second
	}
	return d
}

// GetShutdownTimeout returns the server drain timeout as a duration.
func (c *Config) GetShutdownTimeout() time.Duration {
	d, err := time.ParseDuration(c.Server.ShutdownTimeout)
	if err != nil {
		return 10 * time.Second
	}
	return d
}
