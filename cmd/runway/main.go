package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/liftoffhq/runway/internal/agent"
	"github.com/liftoffhq/runway/internal/api"
	"github.com/liftoffhq/runway/internal/engine"
	"github.com/liftoffhq/runway/internal/logging"
	"github.com/liftoffhq/runway/internal/scheduler"
	"github.com/liftoffhq/runway/internal/store"
	"github.com/liftoffhq/runway/internal/streaming"
	"github.com/liftoffhq/runway/internal/validation"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "version" {
		printVersion()
		return
	}

	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "runway:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := loadConfig()
	logger := newLogger(cfg.LogLevel)

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.NewLibSQLStore("file:" + cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	if err := st.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate store: %w", err)
	}

	hub := streaming.NewMemoryHub()
	events := streaming.NewFanout(st, hub, logger)

	executor := agent.NewHTTPTaskExecutor(agent.HTTPExecutorConfig{
		BaseURL:   cfg.ExecutorURL,
		AuthToken: cfg.ExecutorAuth,
	})

	registry := engine.NewHandlerRegistry(
		engine.NewAgentTaskHandler(st, executor, logger),
		engine.NewHumanGateHandler(),
		engine.NewDocumentOutputHandler(logger),
	)

	eng := engine.New(st, events, registry, streaming.NewHubNotifier(hub, logger), logger)

	pool := scheduler.NewWorkerPool(cfg.PoolSize)
	sched := scheduler.NewScheduler(st, eng, pool, logger)
	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}

	validator, err := validation.NewTemplateValidator()
	if err != nil {
		return fmt.Errorf("build template validator: %w", err)
	}

	srv := api.NewServer(cfg.ListenAddr, api.Deps{
		Store:     st,
		Engine:    eng,
		Validator: validator,
		Hub:       hub,
		Logger:    logger,
	})
	srv.Start()

	logger.Info("runway started",
		slog.String("version", version),
		slog.String("db_path", cfg.DBPath),
		slog.String("listen_addr", cfg.ListenAddr),
	)

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := srv.Stop(shutdownCtx); err != nil {
		logger.Error("api shutdown failed", slog.String("error", err.Error()))
	}
	if err := sched.Stop(); err != nil {
		logger.Error("scheduler shutdown failed", slog.String("error", err.Error()))
	}
	pool.Shutdown()
	return nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	inner := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	return slog.New(logging.NewCorrelationHandler(inner))
}
