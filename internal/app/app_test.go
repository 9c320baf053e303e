package app

import (
	"context"
	"testing"
	"time"

	"guildbell/internal/config"
	"guildbell/internal/domain/jobs"
	"guildbell/internal/domain/schedule"
	"guildbell/internal/infra/store"
	"guildbell/internal/infra/template"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type nopScheduler struct{}

func (nopScheduler) Schedule(context.Context, string, []byte, jobs.ScheduleOptions) (string, error) {
	return "", nil
}

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Scheduler.MinuteFloorSec = 5
	cfg.Scheduler.DailyHour = 9
	cfg.Polling.Concurrency = 4
	return cfg
}

func registered(t *testing.T, cfg *config.Config) []jobs.JobInfo {
	t.Helper()
	s, err := store.NewSupabaseStore("http://127.0.0.1:1", "service-key")
	require.NoError(t, err)
	engine, err := template.NewEngine()
	require.NoError(t, err)

	runner := jobs.NewRunner(jobs.RunnerDeps{Scheduler: nopScheduler{}, Location: time.UTC})
	registerJobs(context.Background(), cfg, runner, wiring{
		store:     s,
		announcer: jobs.NewAnnouncer(nil, nil),
		renderer:  engine,
		scheduler: nopScheduler{},
	})
	return runner.Jobs()
}

func names(infos []jobs.JobInfo) []string {
	out := make([]string, len(infos))
	for i, info := range infos {
		out[i] = info.Name
	}
	return out
}

func TestRegisterJobs_WithoutTwitchCredentials(t *testing.T) {
	got := names(registered(t, testConfig()))

	assert.Equal(t, []string{
		jobs.JobBirthdays, jobs.JobBirthdayRetry, jobs.JobReminders,
		jobs.JobPatchNotes, jobs.JobYouTube, jobs.JobTikTok,
	}, got)
}

func TestRegisterJobs_WithTwitch(t *testing.T) {
	cfg := testConfig()
	cfg.Twitch.ClientID = "cid"
	cfg.Twitch.ClientSecret = "secret"

	infos := registered(t, cfg)

	assert.Contains(t, names(infos), jobs.JobTwitch)
	for _, info := range infos {
		switch info.Name {
		case jobs.JobBirthdays:
			assert.Equal(t, schedule.DailyAt(9).Name(), info.Cadence)
		case jobs.JobTwitch, jobs.JobReminders, jobs.JobTikTok:
			assert.Equal(t, schedule.EveryMinute(5).Name(), info.Cadence)
		case jobs.JobYouTube, jobs.JobPatchNotes:
			assert.Equal(t, schedule.EveryQuarterHour().Name(), info.Cadence)
		case jobs.JobBirthdayRetry:
			assert.False(t, info.Recurring)
		}
	}
}

func TestRetryPolicies(t *testing.T) {
	b := BirthdayRetry(config.BirthdaysConfig{RetryMaxAttempts: 3, RetryDelaySec: 300, RetryCapSec: 3600})
	assert.Equal(t, 3, b.MaxAttempts)
	assert.Equal(t, 5*time.Minute, b.Backoff.ForAttempt(1))
	assert.Equal(t, 10*time.Minute, b.Backoff.ForAttempt(2))

	r := ReminderRetry(config.RemindersConfig{BackoffBaseSec: 60, BackoffCapSec: 600, BackoffMultiplier: 2, MaxAttempts: 10})
	assert.Equal(t, 10, r.MaxAttempts)
	assert.Equal(t, 10*time.Minute, r.Backoff.ForAttempt(6))
}
