package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"guildbell/internal/common"
)

// Job names. Each is also the queue task type.
const (
	JobBirthdays     = "birthdays:run"
	JobBirthdayRetry = "birthdays:retry"
	JobReminders     = "reminders:run"
	JobPatchNotes    = "patchnotes:run"
	JobTwitch        = "twitch:poll"
	JobYouTube       = "youtube:poll"
	JobTikTok        = "tiktok:poll"
)

// ErrAlreadyScheduled is returned by a Scheduler when a run with the same
// idempotency key already exists. Runners treat it as success.
var ErrAlreadyScheduled = errors.New("run already scheduled")

// ScheduleOptions controls when a run executes and how it is deduplicated.
type ScheduleOptions struct {
	Delay          time.Duration
	IdempotencyKey string

	// Retention keeps a finished run's key reserved so late duplicates of
	// the same boundary still collapse.
	Retention time.Duration
}

// Scheduler enqueues future job runs. Implementations live in infra/queue/.
type Scheduler interface {
	Schedule(ctx context.Context, jobName string, payload []byte, opts ScheduleOptions) (string, error)
}

// IdempotencyKey derives the deterministic key for a job run.
func IdempotencyKey(jobName, suffix string) string {
	return jobName + ":" + suffix
}

// ScheduleSingleton schedules a run unless one with the same key exists. It
// reports whether a new run was enqueued; a collision is not an error.
func ScheduleSingleton(ctx context.Context, s Scheduler, jobName string, payload []byte, opts ScheduleOptions) (bool, error) {
	if _, err := s.Schedule(ctx, jobName, payload, opts); err != nil {
		if errors.Is(err, ErrAlreadyScheduled) {
			return false, nil
		}
		return false, fmt.Errorf("scheduling %s: %w", opts.IdempotencyKey, err)
	}
	return true, nil
}

// RunPayload is the payload of every recurring job run.
type RunPayload struct {
	Boundary time.Time `json:"boundary"`
	Force    bool      `json:"force,omitempty"`
	CatchUp  bool      `json:"catch_up,omitempty"`
}

// NewRunPayload serializes a RunPayload.
func NewRunPayload(p RunPayload) ([]byte, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshaling run payload: %w", err)
	}
	return data, nil
}

// ParseRunPayload deserializes and validates a RunPayload.
func ParseRunPayload(data []byte) (*RunPayload, error) {
	var p RunPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, common.NewConfigError("run payload", err.Error())
	}
	if p.Boundary.IsZero() {
		return nil, common.NewConfigError("run payload", "boundary is required")
	}
	return &p, nil
}

// BirthdayRetryPayload is the payload of a birthdays:retry run.
type BirthdayRetryPayload struct {
	GuildID string `json:"guild_id"`
	UserID  string `json:"user_id"`
	Date    string `json:"date"`
	Attempt int    `json:"attempt"`
	Force   bool   `json:"force,omitempty"`
}

// NewBirthdayRetryPayload serializes a BirthdayRetryPayload.
func NewBirthdayRetryPayload(p BirthdayRetryPayload) ([]byte, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshaling birthday retry payload: %w", err)
	}
	return data, nil
}

// ParseBirthdayRetryPayload deserializes and validates a BirthdayRetryPayload.
func ParseBirthdayRetryPayload(data []byte) (*BirthdayRetryPayload, error) {
	var p BirthdayRetryPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, common.NewConfigError("birthday retry payload", err.Error())
	}
	if p.GuildID == "" || p.UserID == "" {
		return nil, common.NewConfigError("birthday retry payload", "guild_id and user_id are required")
	}
	if _, err := time.Parse(dateLayout, p.Date); err != nil {
		return nil, common.NewConfigError("birthday retry payload", fmt.Sprintf("bad date %q", p.Date))
	}
	if p.Attempt < 1 {
		return nil, common.NewConfigError("birthday retry payload", "attempt must be positive")
	}
	return &p, nil
}
