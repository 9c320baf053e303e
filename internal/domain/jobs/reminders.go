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

// ReminderJob delivers due reminders every minute. A failed delivery bumps
// the reminder's attempt counter and pushes NextAttemptAt out by the backoff
// for that attempt; the reminder is dropped once MaxAttempts is reached. An
// attempt whose claim outlived its run without a message is delivered again.
type ReminderJob struct {
	store     ReminderStore
	announcer *Announcer
	renderer  Renderer
	cadence   schedule.Cadence
	retry     RetryPolicy
}

// NewReminderJob creates the reminders:run job.
func NewReminderJob(store ReminderStore, announcer *Announcer, renderer Renderer, cadence schedule.Cadence, retry RetryPolicy) *ReminderJob {
	return &ReminderJob{
		store:     store,
		announcer: announcer,
		renderer:  renderer,
		cadence:   cadence,
		retry:     retry,
	}
}

func (j *ReminderJob) Name() string { return JobReminders }

func (j *ReminderJob) Cadence() schedule.Cadence { return j.cadence }

// Run delivers every reminder due at inv.Now.
func (j *ReminderJob) Run(ctx context.Context, inv Invocation) (Result, error) {
	var res Result

	reminders, err := j.store.DueReminders(ctx, inv.Now)
	if err != nil {
		return res, common.NewStoreError("list reminders", err)
	}

	for _, rem := range reminders {
		if rem.DueAt().After(inv.Now) {
			continue
		}
		res.Processed++

		ann, err := j.announcement(rem)
		if err != nil {
			res.Errors++
			slog.Warn("dropping reminder", "reminder_id", rem.ID, "error", err)
			j.remove(ctx, rem.ID)
			continue
		}

		outcome, _, err := j.announcer.Resume(ctx, inv.Now, ann, inv.Force)
		res.tally(outcome)

		switch outcome {
		case OutcomeSent, OutcomeDuplicate:
			// A duplicate was delivered by a run that failed to remove it.
			j.remove(ctx, rem.ID)
		case OutcomeFailed:
			var deliveryErr *common.DeliveryError
			if errors.As(err, &deliveryErr) {
				j.backoff(ctx, rem, inv.Now)
			}
		}
	}

	return res, nil
}

func (j *ReminderJob) announcement(rem Reminder) (Announcement, error) {
	if rem.ChannelID == "" && rem.UserID == "" {
		return Announcement{}, common.NewConfigError("reminder", fmt.Sprintf("reminder %s has no target", rem.ID))
	}

	content, err := j.renderer.Render(KindReminder, "", map[string]any{
		"Mention":  mention(rem.UserID),
		"UserID":   rem.UserID,
		"Content":  rem.Content,
		"RemindAt": rem.RemindAt,
	})
	if err != nil {
		return Announcement{}, common.NewConfigError("reminder template", err.Error())
	}

	return Announcement{
		Provider: ProviderReminder,
		// The attempt number is part of the key: each retry is a fresh
		// claim, while concurrent runs of the same attempt collapse.
		EventID:   fmt.Sprintf("%s:%d", rem.ID, rem.Attempts),
		GuildID:   rem.GuildID,
		ChannelID: rem.ChannelID,
		UserID:    rem.UserID,
		Message:   Message{Content: content},
		Policy:    rem.Policy,
	}, nil
}

func (j *ReminderJob) backoff(ctx context.Context, rem Reminder, now time.Time) {
	attempts := rem.Attempts + 1
	if attempts >= j.retry.MaxAttempts {
		slog.Warn("reminder retries exhausted, dropping",
			"reminder_id", rem.ID,
			"attempts", attempts,
		)
		j.remove(ctx, rem.ID)
		return
	}

	next := now.Add(j.retry.Backoff.ForAttempt(attempts))
	if err := j.store.RescheduleReminder(ctx, rem.ID, attempts, next); err != nil {
		slog.Error("failed to reschedule reminder", "reminder_id", rem.ID, "error", err)
		return
	}
	slog.Info("reminder rescheduled",
		"reminder_id", rem.ID,
		"attempts", attempts,
		"next_attempt_at", next,
	)
}

func (j *ReminderJob) remove(ctx context.Context, id string) {
	if err := j.store.RemoveReminder(ctx, id); err != nil {
		slog.Error("failed to remove reminder", "reminder_id", id, "error", err)
	}
}
