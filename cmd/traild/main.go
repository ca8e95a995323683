package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"trailengine/internal/config"
	"trailengine/internal/embedding"
	"trailengine/internal/engine"
	"trailengine/internal/forkmerge"
	"trailengine/internal/graph"
	"trailengine/internal/llm"
	"trailengine/internal/logging"
	"trailengine/internal/resolver"
	"trailengine/internal/server"
	"trailengine/internal/store"
	"trailengine/internal/synchub"
)

const version = "0.3.0"

var (
	// Global flags
	verbose    bool
	configPath string
	workspace  string

	// Logger
	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "traild",
	Short: "Trail engine daemon - collaborative knowledge-graph exploration",
	Long: `traild serves versioned exploration trails over a knowledge graph.

Explorers (human or agent) navigate structural and semantic edges; every
step is appended under optimistic concurrency, so concurrent explorers
never silently overwrite each other. Trails can be forked, merged back
(union, intersection, rebase, synthesis), searched by embedding, and
followed live over SSE.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zapCfg := zap.NewProductionConfig()
		if verbose {
			zapCfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zapCfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		if err := logging.Initialize(workspace); err != nil {
			logger.Warn("Categorized file logging unavailable", zap.Error(err))
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logging.CloseAll()
		if logger != nil {
			_ = logger.Sync()
		}
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd, args)
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the trail engine HTTP server",
	RunE:  runServe,
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default config file",
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := os.Stat(configPath); err == nil {
			return fmt.Errorf("config already exists at %s", configPath)
		}
		if err := config.DefaultConfig().Save(configPath); err != nil {
			return err
		}
		logger.Info("Wrote default config", zap.String("path", configPath))
		return nil
	},
}

var reembedCmd = &cobra.Command{
	Use:   "reembed",
	Short: "Re-embed trail steps recorded under a different embedding model",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		trails, err := store.NewTrailStore(cfg.Store.DatabasePath, cfg.Store.RequireVec)
		if err != nil {
			return err
		}
		defer trails.Close()
		embedder, err := embedding.NewEngine(cfg.Embedding)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		n, err := trails.ReembedSteps(ctx, embedder)
		if err != nil {
			return err
		}
		logger.Info("Re-embedding complete", zap.Int("steps", n), zap.String("model", embedder.Name()))
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the traild version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("traild %s\n", version)
	},
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	trails, err := store.NewTrailStore(cfg.Store.DatabasePath, cfg.Store.RequireVec)
	if err != nil {
		return fmt.Errorf("failed to open trail store: %w", err)
	}
	defer trails.Close()

	graphStore, err := graph.Open(cfg.Store.GraphPath)
	if err != nil {
		return fmt.Errorf("failed to open graph store: %w", err)
	}
	defer graphStore.Close()

	embedder, err := embedding.NewEngine(cfg.Embedding)
	if err != nil {
		return fmt.Errorf("failed to initialize embedding engine: %w", err)
	}
	logger.Info("Embedding engine ready", zap.String("engine", embedder.Name()))

	llmClient, err := llm.NewClient(cfg.LLM)
	if err != nil {
		// Vector-only operation is valid; semantic rerank and synthesis degrade.
		logger.Warn("Reasoning model unavailable, running vector-only", zap.Error(err))
		llmClient = nil
	}

	hub := synchub.New(cfg.Sync.SubscriberBuffer)
	res := resolver.New(graphStore, embedder, llmClient, cfg.Resolver, cfg.GetResolverLLMTimeout())
	nav := engine.New(trails, graphStore, res, embedder, hub)
	merges := forkmerge.New(trails, res, llmClient, hub, cfg.Merge)
	api := server.New(trails, nav, merges, hub, embedder)

	httpServer := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: api.Handler(),
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Trail engine listening", zap.String("addr", cfg.Server.Addr))
		logging.Boot("Server started on %s (db=%s graph=%s)", cfg.Server.Addr, cfg.Store.DatabasePath, cfg.Store.GraphPath)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	logger.Info("Shutting down", zap.Duration("drain", cfg.GetShutdownTimeout()))
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.GetShutdownTimeout())
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown failed: %w", err)
	}
	return nil
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", ".trail/config.yaml", "Path to config file")
	rootCmd.PersistentFlags().StringVarP(&workspace, "workspace", "w", ".", "Workspace directory for logs and data")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(reembedCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
