package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/parley/internal/agent"
	"github.com/haasonsaas/parley/internal/config"
	"github.com/haasonsaas/parley/internal/conversations"
	"github.com/haasonsaas/parley/internal/gateway"
	"github.com/haasonsaas/parley/internal/llm"
	"github.com/haasonsaas/parley/internal/observability"
	"github.com/haasonsaas/parley/internal/rag/chunker"
	"github.com/haasonsaas/parley/internal/rag/index"
	"github.com/haasonsaas/parley/internal/rag/query"
	"github.com/haasonsaas/parley/internal/reminders"
	"github.com/haasonsaas/parley/internal/tools"
	pipelinetools "github.com/haasonsaas/parley/internal/tools/pipeline"
	ragtools "github.com/haasonsaas/parley/internal/tools/rag"
	remindertools "github.com/haasonsaas/parley/internal/tools/reminders"
	systemtools "github.com/haasonsaas/parley/internal/tools/system"
)

func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the parley API server",
		Long: `Start the API server with the configured provider, storage backend,
tool families, RAG index, and reminder scheduler. Shuts down gracefully
on SIGINT/SIGTERM.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), resolveConfigPath(configPath), debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to the configuration file (default parley.yaml)")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	return cmd
}

func loadConfig(path string) (*Config, error) {
	cfg, err := config.Load(path)
	if err == nil {
		return &Config{Config: cfg}, nil
	}
	// A missing default file means "run with defaults"; an explicitly
	// broken file is fatal.
	if errors.Is(err, fs.ErrNotExist) {
		return &Config{Config: config.Default()}, nil
	}
	return nil, err
}

// Config wraps the file configuration so commands share one load path.
type Config struct {
	*config.Config
}

func runServe(ctx context.Context, configPath string, debug bool) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if debug {
		cfg.Logging.Level = "debug"
	}

	logger := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})

	var metrics *observability.Metrics
	if cfg.Metrics.Enabled {
		metrics = observability.NewMetrics()
	}

	_, shutdownTracer := observability.NewTracer(observability.TraceConfig{
		ServiceName:    "parley",
		ServiceVersion: version,
		Endpoint:       cfg.Tracing.Endpoint,
		SamplingRate:   cfg.Tracing.SamplingRate,
		EnableInsecure: cfg.Tracing.Insecure,
	})
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracer(shutdownCtx)
	}()

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client, err := llm.New(llm.ClientConfig{
		Provider: cfg.LLM.Provider,
		APIKey:   cfg.LLM.APIKey,
		BaseURL:  cfg.LLM.BaseURL,
		Model:    cfg.LLM.Model,
		Timeout:  cfg.LLM.Timeout,
	})
	if err != nil {
		return err
	}
	logger.Info(ctx, "llm provider ready", "provider", client.Name(), "model", cfg.LLM.Model)

	repo, err := conversations.New(ctx, cfg.Storage)
	if err != nil {
		return err
	}
	defer repo.Close()
	logger.Info(ctx, "conversation storage ready", "backend", cfg.Storage.Backend)

	idx := index.New()
	if metrics != nil {
		idx.WithMetrics(metrics)
	}
	if cfg.RAG.IndexPath != "" {
		if _, err := os.Stat(cfg.RAG.IndexPath); err == nil {
			if err := idx.Load(cfg.RAG.IndexPath); err != nil {
				logger.Warn(ctx, "rag index load failed, starting empty", "path", cfg.RAG.IndexPath, "error", err)
			} else {
				logger.Info(ctx, "rag index loaded", "path", cfg.RAG.IndexPath, "entries", idx.Len())
			}
		}
	}

	var watcher *index.Watcher
	if cfg.RAG.Watch && cfg.RAG.DocsDir != "" {
		watcher, err = index.NewWatcher(idx, cfg.RAG.DocsDir, logger)
		if err != nil {
			logger.Warn(ctx, "document watcher unavailable", "dir", cfg.RAG.DocsDir, "error", err)
		} else {
			defer watcher.Close()
		}
	}

	store, err := reminders.NewFileStore(cfg.Reminders.StorePath)
	if err != nil {
		return fmt.Errorf("open reminder store: %w", err)
	}
	scheduler, err := reminders.NewScheduler(store, reminders.SchedulerConfig{
		CheckInterval: time.Duration(cfg.Reminders.CheckIntervalMinutes) * time.Minute,
		Cron:          cfg.Reminders.Cron,
	}, logger, metrics)
	if err != nil {
		return err
	}
	scheduler.Start()
	defer scheduler.Stop()

	registry := tools.NewRegistry()
	if err := registerToolFamilies(registry, cfg, client, idx, logger, store, scheduler); err != nil {
		return err
	}
	logger.Info(ctx, "tools registered", "count", registry.Len(), "names", registry.GetToolNames())

	opts := []agent.Option{agent.WithMaxToolIterations(cfg.Agent.MaxToolIterations)}
	if metrics != nil {
		opts = append(opts, agent.WithMetrics(metrics))
	}
	ag := agent.New(client, repo, registry, logger, opts...)

	server := gateway.New(gateway.Config{
		ListenAddr:      cfg.Server.ListenAddr,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	}, ag, repo, registry, client, logger, metrics)

	return server.Start(ctx)
}

func registerToolFamilies(registry *tools.Registry, cfg *Config, client llm.Client, idx *index.Index, logger *observability.Logger, store *reminders.FileStore, scheduler *reminders.Scheduler) error {
	if err := systemtools.Register(registry); err != nil {
		return err
	}
	if err := pipelinetools.Register(registry, pipelinetools.Deps{
		Index:     idx,
		Client:    client,
		OutputDir: cfg.RAG.OutputDir,
	}); err != nil {
		return err
	}
	ragToolset := ragtools.New(ragtools.Deps{
		Index:     idx,
		Query:     query.NewService(idx, client, logger),
		Chunker:   chunker.New(chunker.Config{ChunkSize: cfg.RAG.ChunkSize, ChunkOverlap: cfg.RAG.ChunkOverlap}),
		DocsDir:   cfg.RAG.DocsDir,
		IndexPath: cfg.RAG.IndexPath,
	})
	if err := ragToolset.Register(registry); err != nil {
		return err
	}
	return remindertools.Register(registry, store, scheduler)
}
