package jobs

import (
	"time"

	"guildbell/internal/domain/suppression"
)

// Birthday is a member's birthday joined with the guild's announcement
// settings.
type Birthday struct {
	GuildID   string `json:"guild_id"`
	UserID    string `json:"user_id"`
	Month     int    `json:"month"`
	Day       int    `json:"day"`
	ChannelID string `json:"channel_id"`
	Template  string `json:"template,omitempty"`
	suppression.Policy
}

// Reminder is a user-requested message delivered at RemindAt. Failed
// deliveries move NextAttemptAt forward and bump Attempts; RemindAt itself is
// never rewritten.
type Reminder struct {
	ID            string     `json:"id"`
	GuildID       string     `json:"guild_id"`
	ChannelID     string     `json:"channel_id,omitempty"`
	UserID        string     `json:"user_id"`
	Content       string     `json:"content"`
	RemindAt      time.Time  `json:"remind_at"`
	NextAttemptAt *time.Time `json:"next_attempt_at,omitempty"`
	Attempts      int        `json:"attempts"`
	suppression.Policy
}

// DueAt is the earliest time the reminder may be attempted.
func (r Reminder) DueAt() time.Time {
	if r.NextAttemptAt != nil && r.NextAttemptAt.After(r.RemindAt) {
		return *r.NextAttemptAt
	}
	return r.RemindAt
}

// PatchSubscription announces new patch notes for one game into a channel.
type PatchSubscription struct {
	ID              string     `json:"id"`
	GuildID         string     `json:"guild_id"`
	ChannelID       string     `json:"channel_id"`
	Game            string     `json:"game"`
	Template        string     `json:"template,omitempty"`
	LastAnnouncedAt *time.Time `json:"last_announced_at,omitempty"`
	LastNoteID      string     `json:"last_note_id,omitempty"`
	suppression.Policy
}

// PatchCursor is the last note a subscription has moved past. Notes are
// ordered by publish time, then by ID.
type PatchCursor struct {
	LastAnnouncedAt time.Time
	LastNoteID      string
	LastNotifiedAt  *time.Time
}

// PatchNote is one published patch note.
type PatchNote struct {
	ID          string    `json:"id"`
	Game        string    `json:"game"`
	Title       string    `json:"title"`
	URL         string    `json:"url"`
	Summary     string    `json:"summary,omitempty"`
	ImageURL    string    `json:"image_url,omitempty"`
	PublishedAt time.Time `json:"published_at"`
}

// StreamWatch tracks one live-streaming account (Twitch login or TikTok
// username) for a guild channel.
type StreamWatch struct {
	ID           string `json:"id"`
	GuildID      string `json:"guild_id"`
	ChannelID    string `json:"channel_id"`
	Account      string `json:"account"`
	Template     string `json:"template,omitempty"`
	IsLive       bool   `json:"is_live"`
	LastStreamID string `json:"last_stream_id,omitempty"`
	suppression.Policy
}

// LiveStream is a stream observed as live by a poll.
type LiveStream struct {
	ID           string    `json:"id"`
	Account      string    `json:"account"`
	Title        string    `json:"title"`
	Game         string    `json:"game,omitempty"`
	URL          string    `json:"url"`
	ThumbnailURL string    `json:"thumbnail_url,omitempty"`
	StartedAt    time.Time `json:"started_at"`
}

// StreamCursor is the tracking state written back to a StreamWatch.
type StreamCursor struct {
	IsLive         bool       `json:"is_live"`
	LastStreamID   string     `json:"last_stream_id,omitempty"`
	LastNotifiedAt *time.Time `json:"last_notified_at,omitempty"`
}

// YouTubeWatch announces new uploads of a YouTube channel.
type YouTubeWatch struct {
	ID               string `json:"id"`
	GuildID          string `json:"guild_id"`
	ChannelID        string `json:"channel_id"`
	YouTubeChannelID string `json:"youtube_channel_id"`
	Template         string `json:"template,omitempty"`
	LastVideoID      string `json:"last_video_id,omitempty"`
	suppression.Policy
}

// Video is a YouTube upload. Feeds list videos newest first.
type Video struct {
	ID          string    `json:"id"`
	ChannelName string    `json:"channel_name"`
	Title       string    `json:"title"`
	URL         string    `json:"url"`
	PublishedAt time.Time `json:"published_at"`
}

// VideoCursor is the tracking state written back to a YouTubeWatch.
type VideoCursor struct {
	LastVideoID    string     `json:"last_video_id"`
	LastNotifiedAt *time.Time `json:"last_notified_at,omitempty"`
}
