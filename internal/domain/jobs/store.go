package jobs

import (
	"context"
	"time"
)

// BirthdayStore reads birthday candidates. Implementations live in infra/store/.
type BirthdayStore interface {
	// BirthdaysOn returns every birthday on month/day whose guild has
	// announcements enabled.
	BirthdaysOn(ctx context.Context, month, day int) ([]Birthday, error)

	// GetBirthday returns a single birthday, or nil, nil if it no longer exists.
	GetBirthday(ctx context.Context, guildID, userID string) (*Birthday, error)

	// MarkBirthdayNotified records the time a birthday was announced.
	MarkBirthdayNotified(ctx context.Context, guildID, userID string, at time.Time) error
}

// ReminderStore reads and advances reminders.
type ReminderStore interface {
	// DueReminders returns reminders whose due time is at or before now.
	DueReminders(ctx context.Context, now time.Time) ([]Reminder, error)

	// RemoveReminder deletes a delivered or abandoned reminder.
	RemoveReminder(ctx context.Context, id string) error

	// RescheduleReminder stores the attempt counter and next attempt time.
	RescheduleReminder(ctx context.Context, id string, attempts int, nextAttemptAt time.Time) error
}

// PatchStore reads patch-note subscriptions and advances their cursor.
type PatchStore interface {
	PatchSubscriptions(ctx context.Context) ([]PatchSubscription, error)
	UpdatePatchCursor(ctx context.Context, id string, cursor PatchCursor) error
}

// StreamStore reads live-stream watches for one platform and writes their
// cursor.
type StreamStore interface {
	StreamWatches(ctx context.Context) ([]StreamWatch, error)
	UpdateStreamCursor(ctx context.Context, id string, cursor StreamCursor) error
}

// YouTubeStore reads upload watches and writes their cursor.
type YouTubeStore interface {
	YouTubeWatches(ctx context.Context) ([]YouTubeWatch, error)
	UpdateYouTubeCursor(ctx context.Context, id string, cursor VideoCursor) error
}

// PatchSource fetches published patch notes for a game.
type PatchSource interface {
	LatestNotes(ctx context.Context, game string) ([]PatchNote, error)
}

// StreamSource reports which of the given accounts are live. Accounts absent
// from the result are offline.
type StreamSource interface {
	LiveStreams(ctx context.Context, accounts []string) (map[string]LiveStream, error)
}

// VideoSource lists a channel's most recent uploads, newest first.
type VideoSource interface {
	LatestVideos(ctx context.Context, youtubeChannelID string) ([]Video, error)
}
