package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"guildbell/internal/domain/jobs"
	"guildbell/internal/domain/suppression"

	"github.com/supabase-community/postgrest-go"
	supa "github.com/supabase-community/supabase-go"
)

const (
	birthdayView       = "birthday_candidates"
	birthdayTable      = "birthdays"
	reminderTable      = "reminders"
	patchSubTable      = "patch_subscriptions"
	patchNoteTable     = "patch_notes"
	youtubeTable       = "youtube_watches"
	TwitchWatchTable   = "twitch_watches"
	TikTokWatchTable   = "tiktok_watches"
	tiktokSessionTable = "tiktok_live_sessions"

	// patchNoteWindow bounds how many recent notes one poll reads per game.
	patchNoteWindow = 20
)

var (
	_ jobs.BirthdayStore = (*SupabaseStore)(nil)
	_ jobs.ReminderStore = (*SupabaseStore)(nil)
	_ jobs.PatchStore    = (*SupabaseStore)(nil)
	_ jobs.YouTubeStore  = (*SupabaseStore)(nil)
	_ jobs.PatchSource   = (*SupabaseStore)(nil)
	_ jobs.StreamStore   = (*StreamWatches)(nil)
	_ jobs.StreamSource  = (*LiveSessions)(nil)
)

// SupabaseStore reads bot configuration rows through PostgREST. The engine
// only reads due rows and writes cursor columns; CRUD of the rows belongs to
// the dashboard.
type SupabaseStore struct {
	client *supa.Client
}

// NewSupabaseStore creates a new Supabase-backed configuration store.
func NewSupabaseStore(supabaseURL, serviceKey string) (*SupabaseStore, error) {
	client, err := supa.NewClient(supabaseURL, serviceKey, nil)
	if err != nil {
		return nil, fmt.Errorf("creating supabase client: %w", err)
	}
	return &SupabaseStore{client: client}, nil
}

// policyColumns is embedded by every row carrying a suppression policy.
type policyColumns struct {
	CooldownMinutes int     `json:"cooldown_minutes"`
	QuietHoursStart string  `json:"quiet_hours_start"`
	QuietHoursEnd   string  `json:"quiet_hours_end"`
	LastNotifiedAt  *string `json:"last_notified_at"`
}

func (p policyColumns) policy() suppression.Policy {
	return suppression.Policy{
		CooldownMinutes: p.CooldownMinutes,
		QuietHoursStart: p.QuietHoursStart,
		QuietHoursEnd:   p.QuietHoursEnd,
		LastNotifiedAt:  parseTime(p.LastNotifiedAt),
	}
}

type birthdayRow struct {
	GuildID   string `json:"guild_id"`
	UserID    string `json:"user_id"`
	Month     int    `json:"month"`
	Day       int    `json:"day"`
	ChannelID string `json:"channel_id"`
	Template  string `json:"template"`
	policyColumns
}

type reminderRow struct {
	ID            string  `json:"id"`
	GuildID       string  `json:"guild_id"`
	ChannelID     string  `json:"channel_id"`
	UserID        string  `json:"user_id"`
	Content       string  `json:"content"`
	RemindAt      string  `json:"remind_at"`
	NextAttemptAt *string `json:"next_attempt_at"`
	Attempts      int     `json:"attempts"`
	policyColumns
}

type patchSubRow struct {
	ID              string  `json:"id"`
	GuildID         string  `json:"guild_id"`
	ChannelID       string  `json:"channel_id"`
	Game            string  `json:"game"`
	Template        string  `json:"template"`
	LastAnnouncedAt *string `json:"last_announced_at"`
	LastNoteID      *string `json:"last_note_id"`
	policyColumns
}

type patchNoteRow struct {
	ID          string `json:"id"`
	Game        string `json:"game"`
	Title       string `json:"title"`
	URL         string `json:"url"`
	Summary     string `json:"summary"`
	ImageURL    string `json:"image_url"`
	PublishedAt string `json:"published_at"`
}

type youtubeRow struct {
	ID               string `json:"id"`
	GuildID          string `json:"guild_id"`
	ChannelID        string `json:"channel_id"`
	YouTubeChannelID string `json:"youtube_channel_id"`
	Template         string `json:"template"`
	LastVideoID      string `json:"last_video_id"`
	policyColumns
}

type streamRow struct {
	ID           string `json:"id"`
	GuildID      string `json:"guild_id"`
	ChannelID    string `json:"channel_id"`
	Account      string `json:"account"`
	Template     string `json:"template"`
	IsLive       bool   `json:"is_live"`
	LastStreamID string `json:"last_stream_id"`
	policyColumns
}

type liveSessionRow struct {
	ID           string `json:"id"`
	Account      string `json:"account"`
	Title        string `json:"title"`
	URL          string `json:"url"`
	ThumbnailURL string `json:"thumbnail_url"`
	StartedAt    string `json:"started_at"`
}

// BirthdaysOn returns the enabled birthdays falling on month/day.
func (s *SupabaseStore) BirthdaysOn(ctx context.Context, month, day int) ([]jobs.Birthday, error) {
	data, _, err := s.client.From(birthdayView).
		Select("*", "", false).
		Eq("month", strconv.Itoa(month)).
		Eq("day", strconv.Itoa(day)).
		Eq("enabled", "true").
		Execute()
	if err != nil {
		return nil, fmt.Errorf("listing birthdays: %w", err)
	}

	var rows []birthdayRow
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, fmt.Errorf("parsing birthdays: %w", err)
	}

	out := make([]jobs.Birthday, len(rows))
	for i, row := range rows {
		out[i] = rowToBirthday(&row)
	}
	return out, nil
}

// GetBirthday returns a single enabled birthday.
// Returns nil, nil if no record is found.
func (s *SupabaseStore) GetBirthday(ctx context.Context, guildID, userID string) (*jobs.Birthday, error) {
	data, _, err := s.client.From(birthdayView).
		Select("*", "", false).
		Eq("guild_id", guildID).
		Eq("user_id", userID).
		Eq("enabled", "true").
		Execute()
	if err != nil {
		return nil, fmt.Errorf("fetching birthday: %w", err)
	}

	var rows []birthdayRow
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, fmt.Errorf("parsing birthday: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}

	b := rowToBirthday(&rows[0])
	return &b, nil
}

// MarkBirthdayNotified stores the announcement time on the birthday row.
func (s *SupabaseStore) MarkBirthdayNotified(ctx context.Context, guildID, userID string, when time.Time) error {
	update := map[string]any{"last_notified_at": formatTime(when)}

	_, _, err := s.client.From(birthdayTable).Update(update, "", "").
		Eq("guild_id", guildID).
		Eq("user_id", userID).
		Execute()
	if err != nil {
		return fmt.Errorf("marking birthday notified: %w", err)
	}
	return nil
}

// DueReminders returns reminders whose remind_at and next_attempt_at have
// both passed.
func (s *SupabaseStore) DueReminders(ctx context.Context, now time.Time) ([]jobs.Reminder, error) {
	ts := formatTime(now)

	data, _, err := s.client.From(reminderTable).
		Select("*", "", false).
		Lte("remind_at", ts).
		Or("next_attempt_at.is.null,next_attempt_at.lte."+ts, "").
		Order("remind_at", &postgrest.OrderOpts{Ascending: true}).
		Execute()
	if err != nil {
		return nil, fmt.Errorf("listing due reminders: %w", err)
	}

	var rows []reminderRow
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, fmt.Errorf("parsing reminders: %w", err)
	}

	out := make([]jobs.Reminder, 0, len(rows))
	for _, row := range rows {
		r, ok := rowToReminder(&row)
		if !ok {
			slog.Warn("skipping reminder with unreadable remind_at",
				"reminder_id", row.ID,
				"remind_at", row.RemindAt,
			)
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

// RemoveReminder deletes a reminder row.
func (s *SupabaseStore) RemoveReminder(ctx context.Context, id string) error {
	_, _, err := s.client.From(reminderTable).Delete("", "").Eq("id", id).Execute()
	if err != nil {
		return fmt.Errorf("removing reminder: %w", err)
	}
	return nil
}

// RescheduleReminder stores the attempt counter and the next attempt time.
func (s *SupabaseStore) RescheduleReminder(ctx context.Context, id string, attempts int, nextAttemptAt time.Time) error {
	update := map[string]any{
		"attempts":        attempts,
		"next_attempt_at": formatTime(nextAttemptAt),
	}

	_, _, err := s.client.From(reminderTable).Update(update, "", "").Eq("id", id).Execute()
	if err != nil {
		return fmt.Errorf("rescheduling reminder: %w", err)
	}
	return nil
}

// PatchSubscriptions lists every patch-note subscription.
func (s *SupabaseStore) PatchSubscriptions(ctx context.Context) ([]jobs.PatchSubscription, error) {
	data, _, err := s.client.From(patchSubTable).Select("*", "", false).Execute()
	if err != nil {
		return nil, fmt.Errorf("listing patch subscriptions: %w", err)
	}

	var rows []patchSubRow
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, fmt.Errorf("parsing patch subscriptions: %w", err)
	}

	out := make([]jobs.PatchSubscription, len(rows))
	for i, row := range rows {
		out[i] = jobs.PatchSubscription{
			ID:              row.ID,
			GuildID:         row.GuildID,
			ChannelID:       row.ChannelID,
			Game:            row.Game,
			Template:        row.Template,
			LastAnnouncedAt: parseTime(row.LastAnnouncedAt),
			LastNoteID:      deref(row.LastNoteID),
			Policy:          row.policy(),
		}
	}
	return out, nil
}

// UpdatePatchCursor advances a subscription's cursor.
func (s *SupabaseStore) UpdatePatchCursor(ctx context.Context, id string, cursor jobs.PatchCursor) error {
	update := map[string]any{
		"last_announced_at": formatTime(cursor.LastAnnouncedAt),
		"last_note_id":      cursor.LastNoteID,
	}
	if cursor.LastNotifiedAt != nil {
		update["last_notified_at"] = formatTime(*cursor.LastNotifiedAt)
	}

	_, _, err := s.client.From(patchSubTable).Update(update, "", "").Eq("id", id).Execute()
	if err != nil {
		return fmt.Errorf("updating patch cursor: %w", err)
	}
	return nil
}

// LatestNotes returns the most recent patch notes collected for game, newest
// first.
func (s *SupabaseStore) LatestNotes(ctx context.Context, game string) ([]jobs.PatchNote, error) {
	data, _, err := s.client.From(patchNoteTable).
		Select("*", "", false).
		Eq("game", game).
		Order("published_at", &postgrest.OrderOpts{Ascending: false}).
		Range(0, patchNoteWindow-1, "").
		Execute()
	if err != nil {
		return nil, fmt.Errorf("listing patch notes for %s: %w", game, err)
	}

	var rows []patchNoteRow
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, fmt.Errorf("parsing patch notes: %w", err)
	}

	out := make([]jobs.PatchNote, 0, len(rows))
	for _, row := range rows {
		published := parseTime(&row.PublishedAt)
		if published == nil {
			continue
		}
		out = append(out, jobs.PatchNote{
			ID:          row.ID,
			Game:        row.Game,
			Title:       row.Title,
			URL:         row.URL,
			Summary:     row.Summary,
			ImageURL:    row.ImageURL,
			PublishedAt: *published,
		})
	}
	return out, nil
}

// YouTubeWatches lists every YouTube upload watch.
func (s *SupabaseStore) YouTubeWatches(ctx context.Context) ([]jobs.YouTubeWatch, error) {
	data, _, err := s.client.From(youtubeTable).Select("*", "", false).Execute()
	if err != nil {
		return nil, fmt.Errorf("listing youtube watches: %w", err)
	}

	var rows []youtubeRow
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, fmt.Errorf("parsing youtube watches: %w", err)
	}

	out := make([]jobs.YouTubeWatch, len(rows))
	for i, row := range rows {
		out[i] = jobs.YouTubeWatch{
			ID:               row.ID,
			GuildID:          row.GuildID,
			ChannelID:        row.ChannelID,
			YouTubeChannelID: row.YouTubeChannelID,
			Template:         row.Template,
			LastVideoID:      row.LastVideoID,
			Policy:           row.policy(),
		}
	}
	return out, nil
}

// UpdateYouTubeCursor stores the last seen video.
func (s *SupabaseStore) UpdateYouTubeCursor(ctx context.Context, id string, cursor jobs.VideoCursor) error {
	update := map[string]any{"last_video_id": cursor.LastVideoID}
	if cursor.LastNotifiedAt != nil {
		update["last_notified_at"] = formatTime(*cursor.LastNotifiedAt)
	}

	_, _, err := s.client.From(youtubeTable).Update(update, "", "").Eq("id", id).Execute()
	if err != nil {
		return fmt.Errorf("updating youtube cursor: %w", err)
	}
	return nil
}

// StreamWatches is the watch table of one live-streaming platform.
type StreamWatches struct {
	client *supa.Client
	table  string
}

// Streams returns the watch store backed by table.
func (s *SupabaseStore) Streams(table string) *StreamWatches {
	return &StreamWatches{client: s.client, table: table}
}

// StreamWatches lists every watch in the table.
func (w *StreamWatches) StreamWatches(ctx context.Context) ([]jobs.StreamWatch, error) {
	data, _, err := w.client.From(w.table).Select("*", "", false).Execute()
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", w.table, err)
	}

	var rows []streamRow
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", w.table, err)
	}

	out := make([]jobs.StreamWatch, len(rows))
	for i, row := range rows {
		out[i] = jobs.StreamWatch{
			ID:           row.ID,
			GuildID:      row.GuildID,
			ChannelID:    row.ChannelID,
			Account:      row.Account,
			Template:     row.Template,
			IsLive:       row.IsLive,
			LastStreamID: row.LastStreamID,
			Policy:       row.policy(),
		}
	}
	return out, nil
}

// UpdateStreamCursor writes the live state of a watch.
func (w *StreamWatches) UpdateStreamCursor(ctx context.Context, id string, cursor jobs.StreamCursor) error {
	update := map[string]any{
		"is_live":        cursor.IsLive,
		"last_stream_id": cursor.LastStreamID,
	}
	if cursor.LastNotifiedAt != nil {
		update["last_notified_at"] = formatTime(*cursor.LastNotifiedAt)
	}

	_, _, err := w.client.From(w.table).Update(update, "", "").Eq("id", id).Execute()
	if err != nil {
		return fmt.Errorf("updating %s cursor: %w", w.table, err)
	}
	return nil
}

// LiveSessions reads TikTok live sessions recorded by the collector. A
// session without ended_at is live.
type LiveSessions struct {
	client *supa.Client
}

// TikTokSessions returns the TikTok live-session source.
func (s *SupabaseStore) TikTokSessions() *LiveSessions {
	return &LiveSessions{client: s.client}
}

// LiveStreams returns the open sessions of accounts keyed by lowercase
// account. Accounts match case-insensitively.
func (l *LiveSessions) LiveStreams(ctx context.Context, accounts []string) (map[string]jobs.LiveStream, error) {
	live := make(map[string]jobs.LiveStream, len(accounts))
	if len(accounts) == 0 {
		return live, nil
	}

	wanted := make(map[string]bool, len(accounts))
	filters := make([]string, len(accounts))
	for i, a := range accounts {
		wanted[strings.ToLower(a)] = true
		filters[i] = `account.ilike."` + a + `"`
	}

	data, _, err := l.client.From(tiktokSessionTable).
		Select("*", "", false).
		Or(strings.Join(filters, ","), "").
		Is("ended_at", "null").
		Execute()
	if err != nil {
		return nil, fmt.Errorf("listing tiktok sessions: %w", err)
	}

	var rows []liveSessionRow
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, fmt.Errorf("parsing tiktok sessions: %w", err)
	}

	for _, row := range rows {
		// ilike treats _ as a wildcard.
		account := strings.ToLower(row.Account)
		if !wanted[account] {
			continue
		}
		s := jobs.LiveStream{
			ID:           row.ID,
			Account:      row.Account,
			Title:        row.Title,
			URL:          row.URL,
			ThumbnailURL: row.ThumbnailURL,
		}
		if s.URL == "" {
			s.URL = "https://www.tiktok.com/@" + row.Account + "/live"
		}
		if t := parseTime(&row.StartedAt); t != nil {
			s.StartedAt = *t
		}
		live[account] = s
	}
	return live, nil
}

func rowToBirthday(row *birthdayRow) jobs.Birthday {
	return jobs.Birthday{
		GuildID:   row.GuildID,
		UserID:    row.UserID,
		Month:     row.Month,
		Day:       row.Day,
		ChannelID: row.ChannelID,
		Template:  row.Template,
		Policy:    row.policy(),
	}
}

// rowToReminder reports false when remind_at cannot be read.
func rowToReminder(row *reminderRow) (jobs.Reminder, bool) {
	remindAt := parseTime(&row.RemindAt)
	if remindAt == nil {
		return jobs.Reminder{}, false
	}
	return jobs.Reminder{
		ID:            row.ID,
		GuildID:       row.GuildID,
		ChannelID:     row.ChannelID,
		UserID:        row.UserID,
		Content:       row.Content,
		NextAttemptAt: parseTime(row.NextAttemptAt),
		RemindAt:      *remindAt,
		Attempts:      row.Attempts,
		Policy:        row.policy(),
	}, true
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// parseTime reads a timestamptz column. PostgREST renders them with a
// numeric offset, which RFC3339Nano accepts.
func parseTime(s *string) *time.Time {
	if s == nil || *s == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, *s)
	if err != nil {
		return nil
	}
	return &t
}
