package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"guildbell/internal/common"
	"guildbell/internal/domain/schedule"
)

const birthdayRetryRetention = 48 * time.Hour

// RetryPolicy bounds a chain of retry runs.
type RetryPolicy struct {
	MaxAttempts int
	Backoff     schedule.Backoff
}

// BirthdayJob announces the day's birthdays once a day. A failed send is
// handed to a bounded chain of birthdays:retry runs.
type BirthdayJob struct {
	store     BirthdayStore
	announcer *Announcer
	renderer  Renderer
	scheduler Scheduler
	cadence   schedule.Cadence
	retry     RetryPolicy
}

// NewBirthdayJob creates the birthdays:run job.
func NewBirthdayJob(store BirthdayStore, announcer *Announcer, renderer Renderer, scheduler Scheduler, cadence schedule.Cadence, retry RetryPolicy) *BirthdayJob {
	return &BirthdayJob{
		store:     store,
		announcer: announcer,
		renderer:  renderer,
		scheduler: scheduler,
		cadence:   cadence,
		retry:     retry,
	}
}

func (j *BirthdayJob) Name() string { return JobBirthdays }
func (j *BirthdayJob) Cadence() schedule.Cadence { return j.cadence }

// RetryJob returns the birthdays:retry job bound to the same collaborators.
func (j *BirthdayJob) RetryJob() Job { return &birthdayRetryJob{parent: j} }

// Run announces every birthday falling on inv.Date.
func (j *BirthdayJob) Run(ctx context.Context, inv Invocation) (Result, error) {
	var res Result

	birthdays, err := j.load(ctx, inv.Date)
	if err != nil {
		return res, err
	}

	dateKey := inv.DateKey()
	for _, b := range birthdays {
		res.Processed++

		ann, err := j.announcement(b, dateKey)
		if err != nil {
			res.Errors++
			slog.Warn("skipping birthday", "guild_id", b.GuildID, "user_id", b.UserID, "error", err)
			continue
		}

		outcome, _, err := j.announcer.Announce(ctx, inv.Now, ann, inv.Force)
		res.tally(outcome)

		switch outcome {
		case OutcomeSent:
			j.markNotified(ctx, b, inv.Now)
		case OutcomeFailed:
			var deliveryErr *common.DeliveryError
			if errors.As(err, &deliveryErr) {
				j.scheduleRetry(ctx, b.GuildID, b.UserID, dateKey, 1, inv.Force)
			} else {
				slog.Error("birthday announcement failed", "guild_id", b.GuildID, "user_id", b.UserID, "error", err)
			}
		}
	}

	return res, nil
}

// load returns the birthdays on date. Feb 29 birthdays are celebrated on
// Feb 28 in non-leap years.
func (j *BirthdayJob) load(ctx context.Context, date time.Time) ([]Birthday, error) {
	month, day := int(date.Month()), date.Day()

	birthdays, err := j.store.BirthdaysOn(ctx, month, day)
	if err != nil {
		return nil, common.NewStoreError("list birthdays", err)
	}

	if month == 2 && day == 28 && !isLeapYear(date.Year()) {
		leap, err := j.store.BirthdaysOn(ctx, 2, 29)
		if err != nil {
			return nil, common.NewStoreError("list birthdays", err)
		}
		birthdays = append(birthdays, leap...)
	}
	return birthdays, nil
}

func (j *BirthdayJob) announcement(b Birthday, dateKey string) (Announcement, error) {
	if b.ChannelID == "" {
		return Announcement{}, common.NewConfigError("birthday", fmt.Sprintf("guild %s has no announcement channel", b.GuildID))
	}

	content, err := j.renderer.Render(KindBirthday, b.Template, map[string]any{
		"Mention": mention(b.UserID),
		"UserID":  b.UserID,
		"GuildID": b.GuildID,
		"Date":    dateKey,
	})
	if err != nil {
		return Announcement{}, common.NewConfigError("birthday template", err.Error())
	}

	return Announcement{
		Provider:  ProviderBirthday,
		EventID:   birthdayEventID(b.GuildID, b.UserID, dateKey),
		GuildID:   b.GuildID,
		ChannelID: b.ChannelID,
		UserID:    b.UserID,
		Message:   Message{Content: content},
		Policy:    b.Policy,
	}, nil
}

func (j *BirthdayJob) markNotified(ctx context.Context, b Birthday, now time.Time) {
	if err := j.store.MarkBirthdayNotified(ctx, b.GuildID, b.UserID, now); err != nil {
		slog.Error("failed to mark birthday notified", "guild_id", b.GuildID, "user_id", b.UserID, "error", err)
	}
}

// scheduleRetry enqueues retry attempt number attempt unless the policy is
// exhausted. It reports whether a run is now queued for that attempt.
func (j *BirthdayJob) scheduleRetry(ctx context.Context, guildID, userID, dateKey string, attempt int, force bool) bool {
	if attempt > j.retry.MaxAttempts {
		slog.Warn("birthday retries exhausted",
			"guild_id", guildID,
			"user_id", userID,
			"date", dateKey,
			"attempts", attempt-1,
		)
		return false
	}

	payload, err := NewBirthdayRetryPayload(BirthdayRetryPayload{
		GuildID: guildID,
		UserID:  userID,
		Date:    dateKey,
		Attempt: attempt,
		Force:   force,
	})
	if err != nil {
		slog.Error("failed to build birthday retry", "error", err)
		return false
	}

	key := IdempotencyKey(JobBirthdayRetry, fmt.Sprintf("%s:%d", birthdayEventID(guildID, userID, dateKey), attempt))
	delay := j.retry.Backoff.ForAttempt(attempt)
	if _, err := ScheduleSingleton(ctx, j.scheduler, JobBirthdayRetry, payload, ScheduleOptions{
		Delay:          delay,
		IdempotencyKey: key,
		Retention:      birthdayRetryRetention,
	}); err != nil {
		slog.Error("failed to schedule birthday retry", "key", key, "error", err)
		return false
	}

	slog.Info("birthday retry scheduled", "key", key, "delay", delay)
	return true
}

// birthdayRetryJob re-attempts a single failed birthday announcement.
type birthdayRetryJob struct {
	parent *BirthdayJob
}

func (j *birthdayRetryJob) Name() string { return JobBirthdayRetry }

func (j *birthdayRetryJob) Run(ctx context.Context, inv Invocation) (Result, error) {
	var res Result
	p, err := ParseBirthdayRetryPayload(inv.Payload)
	if err != nil {
		return res, err
	}
	res.Processed = 1

	b := j.parent
	eventID := birthdayEventID(p.GuildID, p.UserID, p.Date)

	entry, err := b.announcer.ledger.GetOne(ctx, ProviderBirthday, eventID)
	if err != nil {
		res.Errors++
		b.scheduleRetry(ctx, p.GuildID, p.UserID, p.Date, p.Attempt+1, p.Force)
		return res, nil
	}
	if entry != nil && entry.MessageID != "" {
		res.Skipped++
		return res, nil
	}

	birthday, err := b.store.GetBirthday(ctx, p.GuildID, p.UserID)
	if err != nil {
		res.Errors++
		b.scheduleRetry(ctx, p.GuildID, p.UserID, p.Date, p.Attempt+1, p.Force)
		return res, nil
	}
	if birthday == nil {
		res.Skipped++
		return res, nil
	}

	ann, err := b.announcement(*birthday, p.Date)
	if err != nil {
		res.Errors++
		slog.Warn("dropping birthday retry", "event_id", eventID, "error", err)
		return res, nil
	}

	sent, err := b.announcer.Deliver(ctx, ann)
	if err != nil {
		res.Errors++
		b.scheduleRetry(ctx, p.GuildID, p.UserID, p.Date, p.Attempt+1, p.Force)
		return res, nil
	}

	b.announcer.Enrich(ctx, ann, sent, p.Force)
	b.markNotified(ctx, *birthday, inv.Now)
	res.Sent++
	return res, nil
}

func birthdayEventID(guildID, userID, dateKey string) string {
	return guildID + ":" + userID + ":" + dateKey
}

func isLeapYear(y int) bool {
	return y%4 == 0 && (y%100 != 0 || y%400 == 0)
}

func mention(userID string) string {
	return "<@" + userID + ">"
}
