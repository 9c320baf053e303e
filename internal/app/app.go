// Package app wires configuration into the job runner shared by the worker
// and the operator API.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"guildbell/internal/config"
	"guildbell/internal/domain/jobs"
	"guildbell/internal/domain/schedule"
	"guildbell/internal/infra/discord"
	"guildbell/internal/infra/feeds"
	"guildbell/internal/infra/history"
	"guildbell/internal/infra/ledger"
	"guildbell/internal/infra/queue"
	"guildbell/internal/infra/store"
	"guildbell/internal/infra/template"
	"guildbell/internal/router"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

// App holds the process-wide connections and the fully registered runner.
type App struct {
	Config   *config.Config
	Location *time.Location
	Pool     *pgxpool.Pool
	Redis    *redis.Client
	Queue    *asynq.Client
	Runner   *jobs.Runner
}

// New connects to Postgres and Redis, migrates the ledger and registers every
// job whose source is configured.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	loc, err := cfg.Scheduler.Location()
	if err != nil {
		return nil, err
	}

	pool, err := ledger.NewPool(ctx, cfg.Database.URL, cfg.Database.MaxConns)
	if err != nil {
		return nil, err
	}
	notificationLedger := ledger.NewPostgresLedger(pool)
	if err := notificationLedger.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	slog.Info("notification ledger ready")

	rdb, err := history.NewClient(ctx, cfg.Redis.Address, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		pool.Close()
		return nil, err
	}

	configStore, err := store.NewSupabaseStore(cfg.Supabase.URL, cfg.Supabase.ServiceKey)
	if err != nil {
		pool.Close()
		_ = rdb.Close()
		return nil, err
	}

	renderer, err := template.NewEngine()
	if err != nil {
		pool.Close()
		_ = rdb.Close()
		return nil, fmt.Errorf("initializing template engine: %w", err)
	}

	asynqClient := queue.NewClient(cfg.Redis.Address, cfg.Redis.Password, cfg.Redis.DB)
	scheduler := queue.NewScheduler(asynqClient, cfg.Queue.MaxRetry)

	runner := jobs.NewRunner(jobs.RunnerDeps{
		Scheduler: scheduler,
		History:   history.NewRedisHistory(rdb, cfg.History.KeepPerJob),
		Location:  loc,
	})

	delivery := discord.NewClient(discord.Config{
		Token:             cfg.Discord.Token,
		APIBase:           cfg.Discord.APIBase,
		RequestsPerSecond: cfg.Discord.RequestsPerSecond,
		Burst:             cfg.Discord.Burst,
		Timeout:           time.Duration(cfg.Discord.TimeoutSec) * time.Second,
	})
	announcer := jobs.NewAnnouncer(notificationLedger, delivery)

	registerJobs(ctx, cfg, runner, wiring{
		store:     configStore,
		announcer: announcer,
		renderer:  renderer,
		scheduler: scheduler,
	})

	return &App{
		Config:   cfg,
		Location: loc,
		Pool:     pool,
		Redis:    rdb,
		Queue:    asynqClient,
		Runner:   runner,
	}, nil
}

type wiring struct {
	store     *store.SupabaseStore
	announcer *jobs.Announcer
	renderer  jobs.Renderer
	scheduler jobs.Scheduler
}

func registerJobs(ctx context.Context, cfg *config.Config, runner *jobs.Runner, w wiring) {
	minute := schedule.EveryMinute(cfg.Scheduler.MinuteFloorSec)
	quarter := schedule.EveryQuarterHour()
	concurrency := cfg.Polling.Concurrency

	birthdays := jobs.NewBirthdayJob(w.store, w.announcer, w.renderer, w.scheduler,
		schedule.DailyAt(cfg.Scheduler.DailyHour), BirthdayRetry(cfg.Birthdays))
	runner.Register(birthdays, birthdays.RetryJob())

	runner.Register(jobs.NewReminderJob(w.store, w.announcer, w.renderer, minute, ReminderRetry(cfg.Reminders)))

	runner.Register(jobs.NewPatchNotesJob(w.store, w.store, w.announcer, w.renderer, quarter, concurrency))

	youtube := feeds.NewYouTubeFeed(cfg.YouTube.FeedBase, 0)
	runner.Register(jobs.NewYouTubeJob(w.store, youtube, w.announcer, w.renderer, quarter, concurrency))

	if cfg.Twitch.ClientID != "" {
		twitch := feeds.NewTwitchHelix(ctx, feeds.TwitchConfig{
			ClientID:     cfg.Twitch.ClientID,
			ClientSecret: cfg.Twitch.ClientSecret,
		})
		runner.Register(jobs.NewTwitchJob(jobs.StreamJobDeps{
			Store:       w.store.Streams(store.TwitchWatchTable),
			Source:      twitch,
			Announcer:   w.announcer,
			Renderer:    w.renderer,
			Cadence:     minute,
			Concurrency: concurrency,
		}))
	} else {
		slog.Warn("twitch credentials not configured, twitch polling disabled")
	}

	runner.Register(jobs.NewTikTokJob(jobs.StreamJobDeps{
		Store:       w.store.Streams(store.TikTokWatchTable),
		Source:      w.store.TikTokSessions(),
		Announcer:   w.announcer,
		Renderer:    w.renderer,
		Cadence:     minute,
		Concurrency: concurrency,
	}))
}

// BirthdayRetry builds the birthday retry chain policy.
func BirthdayRetry(c config.BirthdaysConfig) jobs.RetryPolicy {
	return jobs.RetryPolicy{
		MaxAttempts: c.RetryMaxAttempts,
		Backoff: schedule.Backoff{
			Base:       time.Duration(c.RetryDelaySec) * time.Second,
			Cap:        time.Duration(c.RetryCapSec) * time.Second,
			Multiplier: 2,
		},
	}
}

// ReminderRetry builds the reminder redelivery policy.
func ReminderRetry(c config.RemindersConfig) jobs.RetryPolicy {
	return jobs.RetryPolicy{
		MaxAttempts: c.MaxAttempts,
		Backoff: schedule.Backoff{
			Base:       time.Duration(c.BackoffBaseSec) * time.Second,
			Cap:        time.Duration(c.BackoffCapSec) * time.Second,
			Multiplier: c.BackoffMultiplier,
		},
	}
}

// JobNames lists every registered job, the task types the worker serves.
func (a *App) JobNames() []string {
	infos := a.Runner.Jobs()
	names := make([]string, len(infos))
	for i, info := range infos {
		names[i] = info.Name
	}
	return names
}

type pingFunc func(ctx context.Context) error

func (p pingFunc) Ping(ctx context.Context) error { return p(ctx) }

// Checks returns the dependency health probes.
func (a *App) Checks() map[string]router.Pinger {
	return map[string]router.Pinger{
		"postgres": pingFunc(a.Pool.Ping),
		"redis":    pingFunc(func(ctx context.Context) error { return a.Redis.Ping(ctx).Err() }),
	}
}

// Close releases every connection.
func (a *App) Close() {
	if err := a.Queue.Close(); err != nil {
		slog.Error("closing asynq client", "error", err)
	}
	if err := a.Redis.Close(); err != nil {
		slog.Error("closing redis client", "error", err)
	}
	a.Pool.Close()
}
