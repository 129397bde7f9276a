// Command loomd runs the loom workflow engine as an MCP server on stdio.
//
// Workflow definitions, runs, and event logs are persisted in libSQL under
// ~/.loom by default. The MCP protocol uses stdout, so all logging goes to
// stderr.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/loomworks/loom/internal/agent"
	"github.com/loomworks/loom/internal/engine"
	"github.com/loomworks/loom/internal/human"
	"github.com/loomworks/loom/internal/logging"
	"github.com/loomworks/loom/internal/registry"
	"github.com/loomworks/loom/internal/scheduler"
	"github.com/loomworks/loom/internal/store"
	loommcp "github.com/loomworks/loom/pkg/mcp"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "loomd:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := loadConfig()
	logger := buildLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, closeStore, err := buildStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	plans := registry.New(st)
	agents := agent.NewRegistry(buildAgentFallback(cfg))
	humans := human.NewMemoryChannel()

	eng, err := engine.New(engine.Config{
		MaxSteps:       cfg.MaxSteps,
		WorkerPoolSize: cfg.PoolSize,
		DefaultRetry:   engine.DefaultConfig().DefaultRetry,
		Breaker:        engine.DefaultCircuitBreakerConfig(),
	}, st, plans, agents, humans, logger)
	if err != nil {
		return fmt.Errorf("create engine: %w", err)
	}
	defer eng.Shutdown()

	sched := scheduler.New(st, eng, cfg.cronInterval(), logger)
	if err := sched.Recover(ctx); err != nil {
		logger.Warn("run recovery incomplete", logging.Err(err))
	}
	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	defer sched.Stop()

	srv, err := loommcp.NewLoomServer(loommcp.LoomServerDeps{
		Engine: eng,
		Plans:  plans,
		Humans: humans,
		Logger: logger,
	})
	if err != nil {
		return fmt.Errorf("create server: %w", err)
	}
	go func() {
		if err := srv.ForwardInterrupts(ctx); err != nil && ctx.Err() == nil {
			logger.Error("interrupt forwarding stopped", logging.Err(err))
		}
	}()

	logger.Info("loomd started",
		slog.String("db_path", cfg.DBPath),
		slog.Bool("memory_backend", cfg.MemoryBackend),
		slog.Int("pool_size", cfg.PoolSize))

	if err := srv.Serve(ctx); err != nil && ctx.Err() == nil {
		return fmt.Errorf("serve: %w", err)
	}
	return nil
}

// buildStore opens the configured backend and applies migrations.
func buildStore(ctx context.Context, cfg Config) (store.Store, func(), error) {
	if cfg.MemoryBackend {
		return store.NewMemoryStore(), func() {}, nil
	}

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return nil, nil, fmt.Errorf("create data directory: %w", err)
	}
	st, err := store.NewLibSQLStore(cfg.DBPath)
	if err != nil {
		return nil, nil, fmt.Errorf("open database: %w", err)
	}
	if err := st.Migrate(ctx); err != nil {
		st.Close()
		return nil, nil, fmt.Errorf("migrate database: %w", err)
	}
	return st, func() { st.Close() }, nil
}

// buildAgentFallback returns the HTTP bridge client for capabilities with no
// in-process handler, or nil when no bridge is configured.
func buildAgentFallback(cfg Config) agent.Client {
	if cfg.AgentURL == "" {
		return nil
	}
	return agent.NewHTTPClient(cfg.AgentURL, cfg.agentTimeout())
}

func buildLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	return slog.New(logging.NewCorrelationHandler(handler))
}
