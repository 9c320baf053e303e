package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"guildbell/internal/app"
	"guildbell/internal/config"
	"guildbell/internal/domain/jobs"
	"guildbell/internal/domain/schedule"
	"guildbell/internal/infra/queue"
)

func main() {
	// Initialize structured logger
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("worker configuration loaded", "timezone", cfg.Scheduler.Timezone)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ==========================================
	// Dependency Injection (Manual Wiring)
	// ==========================================

	a, err := app.New(ctx, cfg)
	if err != nil {
		slog.Error("failed to initialize worker", "error", err)
		os.Exit(1)
	}
	defer a.Close()

	names := a.JobNames()
	slog.Info("jobs registered", "jobs", names)

	// ==========================================
	// Asynq Server (task processing)
	// ==========================================

	asynqServer := queue.NewServer(
		cfg.Redis.Address,
		cfg.Redis.Password,
		cfg.Redis.DB,
		cfg.Queue.Concurrency,
		schedule.Backoff{Base: 30 * time.Second, Cap: 10 * time.Minute, Multiplier: 2},
	)
	mux := queue.NewServeMux(a.Runner, names...)

	if err := asynqServer.Start(mux); err != nil {
		slog.Error("worker failed to start", "error", err)
		os.Exit(1)
	}
	slog.Info("worker started",
		"concurrency", cfg.Queue.Concurrency,
		"redis", cfg.Redis.Address,
	)

	// ==========================================
	// Recurring chains
	// ==========================================

	if err := a.Runner.Bootstrap(ctx); err != nil {
		slog.Error("failed to bootstrap job chains", "error", err)
	}

	keeper := jobs.NewKeeper(a.Runner, time.Duration(cfg.Scheduler.KeeperIntervalSec)*time.Second)
	go keeper.Run(ctx)

	// ==========================================
	// Graceful Shutdown
	// ==========================================

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down worker...")
	cancel() // Stop the keeper first
	asynqServer.Shutdown()
	slog.Info("worker exited gracefully")
}
