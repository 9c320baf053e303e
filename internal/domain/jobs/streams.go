package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"guildbell/internal/common"
	"guildbell/internal/domain/schedule"
)

const (
	twitchBatchSize = 100
	tiktokBatchSize = 1
	twitchColor     = 0x9146FF
	tiktokColor     = 0xFE2C55
)

// StreamJob polls a live-streaming platform and announces offline→live
// transitions. Twitch and TikTok share it with different sources.
type StreamJob struct {
	name        string
	provider    string
	kind        MessageKind
	color       int
	batchSize   int
	store       StreamStore
	source      StreamSource
	announcer   *Announcer
	renderer    Renderer
	cadence     schedule.Cadence
	concurrency int
}

// StreamJobDeps wires a StreamJob.
type StreamJobDeps struct {
	Store       StreamStore
	Source      StreamSource
	Announcer   *Announcer
	Renderer    Renderer
	Cadence     schedule.Cadence
	Concurrency int
}

// NewTwitchJob creates the twitch:poll job.
func NewTwitchJob(deps StreamJobDeps) *StreamJob {
	return newStreamJob(JobTwitch, ProviderTwitch, KindTwitch, twitchColor, twitchBatchSize, deps)
}

// NewTikTokJob creates the tiktok:poll job.
func NewTikTokJob(deps StreamJobDeps) *StreamJob {
	return newStreamJob(JobTikTok, ProviderTikTok, KindTikTok, tiktokColor, tiktokBatchSize, deps)
}

func newStreamJob(name, provider string, kind MessageKind, color, batchSize int, deps StreamJobDeps) *StreamJob {
	return &StreamJob{
		name:        name,
		provider:    provider,
		kind:        kind,
		color:       color,
		batchSize:   batchSize,
		store:       deps.Store,
		source:      deps.Source,
		announcer:   deps.Announcer,
		renderer:    deps.Renderer,
		cadence:     deps.Cadence,
		concurrency: deps.Concurrency,
	}
}

func (j *StreamJob) Name() string { return j.name }

func (j *StreamJob) Cadence() schedule.Cadence { return j.cadence }

// Run polls every watched account once.
func (j *StreamJob) Run(ctx context.Context, inv Invocation) (Result, error) {
	var res Result

	watches, err := j.store.StreamWatches(ctx)
	if err != nil {
		return res, common.NewStoreError("list "+j.provider+" watches", err)
	}
	if len(watches) == 0 {
		return res, nil
	}

	accounts := make([]string, len(watches))
	for i, w := range watches {
		accounts[i] = normalizeAccount(w.Account)
	}
	live, failed := j.poll(ctx, unique(accounts))

	for i, w := range watches {
		account := accounts[i]
		if failed[account] {
			res.Errors++
			continue
		}

		stream, isLive := live[account]
		if !isLive {
			if w.IsLive {
				j.saveCursor(ctx, &res, w.ID, StreamCursor{
					IsLive:         false,
					LastStreamID:   w.LastStreamID,
					LastNotifiedAt: w.LastNotifiedAt,
				})
			}
			continue
		}
		if w.IsLive && w.LastStreamID == stream.ID {
			continue
		}

		res.Processed++
		cursor := StreamCursor{IsLive: true, LastStreamID: stream.ID, LastNotifiedAt: w.LastNotifiedAt}
		eventID := w.ID + ":" + stream.ID

		ann, err := j.announcement(w, stream, eventID)
		if err != nil {
			res.Errors++
			slog.Warn("skipping stream watch", "watch_id", w.ID, "error", err)
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
			slog.Error("stream announcement failed", "provider", j.provider, "watch_id", w.ID, "error", err)
		}
	}

	return res, nil
}

func (j *StreamJob) poll(ctx context.Context, accounts []string) (map[string]LiveStream, map[string]bool) {
	batches := chunk(accounts, j.batchSize)
	indexes := make([]int, len(batches))
	for i := range batches {
		indexes[i] = i
	}

	results, errs := fetchAll(ctx, indexes, j.concurrency, func(ctx context.Context, i int) (map[string]LiveStream, error) {
		return j.source.LiveStreams(ctx, batches[i])
	})

	live := make(map[string]LiveStream)
	for _, streams := range results {
		for account, s := range streams {
			live[normalizeAccount(account)] = s
		}
	}
	failed := make(map[string]bool)
	for i := range errs {
		for _, account := range batches[i] {
			failed[account] = true
		}
	}
	return live, failed
}

func (j *StreamJob) announcement(w StreamWatch, s LiveStream, eventID string) (Announcement, error) {
	if w.ChannelID == "" {
		return Announcement{}, common.NewConfigError(j.provider+" watch", fmt.Sprintf("watch %s has no channel", w.ID))
	}

	content, err := j.renderer.Render(j.kind, w.Template, map[string]any{
		"Name":  w.Account,
		"Title": s.Title,
		"Game":  s.Game,
		"URL":   s.URL,
	})
	if err != nil {
		return Announcement{}, common.NewConfigError(j.provider+" template", err.Error())
	}

	embed := Embed{
		Title:       s.Title,
		URL:         s.URL,
		Description: s.Game,
		Color:       j.color,
	}
	if s.ThumbnailURL != "" {
		embed.Image = &EmbedMedia{URL: s.ThumbnailURL}
	}
	if !s.StartedAt.IsZero() {
		embed.Timestamp = s.StartedAt.UTC().Format(time.RFC3339)
	}

	return Announcement{
		Provider:  j.provider,
		EventID:   eventID,
		GuildID:   w.GuildID,
		ChannelID: w.ChannelID,
		Message:   Message{Content: content, Embeds: []Embed{embed}},
		Policy:    w.Policy,
	}, nil
}

func (j *StreamJob) saveCursor(ctx context.Context, res *Result, id string, cursor StreamCursor) {
	if err := j.store.UpdateStreamCursor(ctx, id, cursor); err != nil {
		res.Errors++
		slog.Error("failed to update stream cursor", "provider", j.provider, "watch_id", id, "error", err)
	}
}

func normalizeAccount(account string) string {
	return strings.ToLower(strings.TrimSpace(account))
}
