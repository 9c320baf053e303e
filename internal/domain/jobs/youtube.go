package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"guildbell/internal/common"
	"guildbell/internal/domain/schedule"
)

const youtubeColor = 0xFF0000

// YouTubeJob announces the newest upload of each watched channel.
type YouTubeJob struct {
	store       YouTubeStore
	source      VideoSource
	announcer   *Announcer
	renderer    Renderer
	cadence     schedule.Cadence
	concurrency int
}

// NewYouTubeJob creates the youtube:poll job.
func NewYouTubeJob(store YouTubeStore, source VideoSource, announcer *Announcer, renderer Renderer, cadence schedule.Cadence, concurrency int) *YouTubeJob {
	return &YouTubeJob{
		store:       store,
		source:      source,
		announcer:   announcer,
		renderer:    renderer,
		cadence:     cadence,
		concurrency: concurrency,
	}
}

func (j *YouTubeJob) Name() string { return JobYouTube }

func (j *YouTubeJob) Cadence() schedule.Cadence { return j.cadence }

// Run compares each watch's cursor with the newest video of its feed. A
// watch without a cursor is seeded silently so existing uploads are never
// announced as new.
func (j *YouTubeJob) Run(ctx context.Context, inv Invocation) (Result, error) {
	var res Result

	watches, err := j.store.YouTubeWatches(ctx)
	if err != nil {
		return res, common.NewStoreError("list youtube watches", err)
	}
	if len(watches) == 0 {
		return res, nil
	}

	channelIDs := make([]string, len(watches))
	for i, w := range watches {
		channelIDs[i] = w.YouTubeChannelID
	}
	feeds, failed := fetchAll(ctx, unique(channelIDs), j.concurrency, j.source.LatestVideos)

	for _, w := range watches {
		if _, ok := failed[w.YouTubeChannelID]; ok {
			res.Errors++
			continue
		}
		videos := feeds[w.YouTubeChannelID]
		if len(videos) == 0 {
			continue
		}

		newest := videos[0]
		if w.LastVideoID == newest.ID {
			continue
		}

		cursor := VideoCursor{LastVideoID: newest.ID, LastNotifiedAt: w.LastNotifiedAt}
		if w.LastVideoID == "" {
			j.saveCursor(ctx, &res, w.ID, cursor)
			continue
		}

		res.Processed++
		eventID := w.ID + ":" + newest.ID

		ann, err := j.announcement(w, newest, eventID)
		if err != nil {
			res.Errors++
			slog.Warn("skipping youtube watch", "watch_id", w.ID, "error", err)
			continue
		}

		outcome, _, err := j.announcer.Resume(ctx, inv.Now, ann, inv.Force)
		res.tally(outcome)

		switch outcome {
		case OutcomeSent:
			now := inv.Now
			cursor.LastNotifiedAt = &now
			j.saveCursor(ctx, &res, w.ID, cursor)
		case OutcomeSuppressed, OutcomeDuplicate:
			j.saveCursor(ctx, &res, w.ID, cursor)
		case OutcomePending:
			// Left for the next poll, which sees the claim settled.
		case OutcomeFailed:
			slog.Error("youtube announcement failed", "watch_id", w.ID, "video_id", newest.ID, "error", err)
		}
	}

	return res, nil
}

func (j *YouTubeJob) announcement(w YouTubeWatch, v Video, eventID string) (Announcement, error) {
	if w.ChannelID == "" {
		return Announcement{}, common.NewConfigError("youtube watch", fmt.Sprintf("watch %s has no channel", w.ID))
	}

	content, err := j.renderer.Render(KindYouTube, w.Template, map[string]any{
		"Name":  v.ChannelName,
		"Title": v.Title,
		"URL":   v.URL,
	})
	if err != nil {
		return Announcement{}, common.NewConfigError("youtube template", err.Error())
	}

	embed := Embed{Title: v.Title, URL: v.URL, Color: youtubeColor}
	if !v.PublishedAt.IsZero() {
		embed.Timestamp = v.PublishedAt.UTC().Format(time.RFC3339)
	}

	return Announcement{
		Provider:  ProviderYouTube,
		EventID:   eventID,
		GuildID:   w.GuildID,
		ChannelID: w.ChannelID,
		Message:   Message{Content: content, Embeds: []Embed{embed}},
		Policy:    w.Policy,
	}, nil
}

func (j *YouTubeJob) saveCursor(ctx context.Context, res *Result, id string, cursor VideoCursor) {
	if err := j.store.UpdateYouTubeCursor(ctx, id, cursor); err != nil {
		res.Errors++
		slog.Error("failed to update youtube cursor", "watch_id", id, "error", err)
	}
}
