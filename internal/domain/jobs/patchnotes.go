package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"guildbell/internal/common"
	"guildbell/internal/domain/schedule"
	"guildbell/internal/domain/suppression"
)

// PatchNotesJob announces patch notes published after each subscription's
// last announced time, oldest first.
type PatchNotesJob struct {
	store       PatchStore
	source      PatchSource
	announcer   *Announcer
	renderer    Renderer
	cadence     schedule.Cadence
	concurrency int
}

// NewPatchNotesJob creates the patchnotes:run job.
func NewPatchNotesJob(store PatchStore, source PatchSource, announcer *Announcer, renderer Renderer, cadence schedule.Cadence, concurrency int) *PatchNotesJob {
	return &PatchNotesJob{
		store:       store,
		source:      source,
		announcer:   announcer,
		renderer:    renderer,
		cadence:     cadence,
		concurrency: concurrency,
	}
}

func (j *PatchNotesJob) Name() string { return JobPatchNotes }

func (j *PatchNotesJob) Cadence() schedule.Cadence { return j.cadence }

// Run processes every subscription. A subscription without a cursor is
// seeded with the newest note and announces nothing.
func (j *PatchNotesJob) Run(ctx context.Context, inv Invocation) (Result, error) {
	var res Result

	subs, err := j.store.PatchSubscriptions(ctx)
	if err != nil {
		return res, common.NewStoreError("list patch subscriptions", err)
	}
	if len(subs) == 0 {
		return res, nil
	}

	games := make([]string, len(subs))
	for i, s := range subs {
		games[i] = s.Game
	}
	notesByGame, failed := fetchAll(ctx, unique(games), j.concurrency, j.source.LatestNotes)

	for _, sub := range subs {
		if _, ok := failed[sub.Game]; ok {
			res.Errors++
			continue
		}
		j.processSubscription(ctx, inv, sub, sortedByPublished(notesByGame[sub.Game]), &res)
	}

	return res, nil
}

func (j *PatchNotesJob) processSubscription(ctx context.Context, inv Invocation, sub PatchSubscription, notes []PatchNote, res *Result) {
	if len(notes) == 0 {
		return
	}

	if sub.LastAnnouncedAt == nil {
		newest := notes[len(notes)-1]
		j.saveCursor(ctx, res, sub.ID, PatchCursor{
			LastAnnouncedAt: newest.PublishedAt,
			LastNoteID:      newest.ID,
			LastNotifiedAt:  sub.LastNotifiedAt,
		})
		return
	}

	var (
		cursor   = PatchCursor{LastAnnouncedAt: *sub.LastAnnouncedAt, LastNoteID: sub.LastNoteID}
		policy   = sub.Policy
		advanced bool
	)

	for _, note := range notes {
		if !noteAfter(note, *sub.LastAnnouncedAt, sub.LastNoteID) {
			continue
		}
		res.Processed++
		eventID := sub.ID + ":" + note.ID

		ann, err := j.announcement(sub, note, eventID, policy)
		if err != nil {
			res.Errors++
			slog.Warn("skipping patch subscription", "subscription_id", sub.ID, "error", err)
			break
		}

		outcome, _, err := j.announcer.Resume(ctx, inv.Now, ann, inv.Force)
		res.tally(outcome)
		if outcome == OutcomeFailed || outcome == OutcomePending {
			// Later notes wait so the cursor never skips past this one.
			if err != nil {
				slog.Error("patch note announcement failed", "subscription_id", sub.ID, "note_id", note.ID, "error", err)
			}
			break
		}

		cursor.LastAnnouncedAt, cursor.LastNoteID, advanced = note.PublishedAt, note.ID, true
		if outcome == OutcomeSent {
			now := inv.Now
			policy.LastNotifiedAt = &now
		}
	}

	if advanced {
		cursor.LastNotifiedAt = policy.LastNotifiedAt
		j.saveCursor(ctx, res, sub.ID, cursor)
	}
}

func (j *PatchNotesJob) announcement(sub PatchSubscription, note PatchNote, eventID string, policy suppression.Policy) (Announcement, error) {
	if sub.ChannelID == "" {
		return Announcement{}, common.NewConfigError("patch subscription", fmt.Sprintf("subscription %s has no channel", sub.ID))
	}

	content, err := j.renderer.Render(KindPatchNote, sub.Template, map[string]any{
		"Game":  note.Game,
		"Title": note.Title,
		"URL":   note.URL,
	})
	if err != nil {
		return Announcement{}, common.NewConfigError("patch note template", err.Error())
	}

	embed := Embed{
		Title:       note.Title,
		URL:         note.URL,
		Description: note.Summary,
		Timestamp:   note.PublishedAt.UTC().Format(time.RFC3339),
	}
	if note.ImageURL != "" {
		embed.Image = &EmbedMedia{URL: note.ImageURL}
	}

	return Announcement{
		Provider:  ProviderPatchNotes,
		EventID:   eventID,
		GuildID:   sub.GuildID,
		ChannelID: sub.ChannelID,
		Message:   Message{Content: content, Embeds: []Embed{embed}},
		Policy:    policy,
	}, nil
}

func (j *PatchNotesJob) saveCursor(ctx context.Context, res *Result, id string, cursor PatchCursor) {
	if err := j.store.UpdatePatchCursor(ctx, id, cursor); err != nil {
		res.Errors++
		slog.Error("failed to update patch cursor", "subscription_id", id, "error", err)
	}
}

func sortedByPublished(notes []PatchNote) []PatchNote {
	out := append([]PatchNote(nil), notes...)
	sort.SliceStable(out, func(a, b int) bool {
		if !out[a].PublishedAt.Equal(out[b].PublishedAt) {
			return out[a].PublishedAt.Before(out[b].PublishedAt)
		}
		return out[a].ID < out[b].ID
	})
	return out
}

// noteAfter reports whether n sorts after the cursor. A cursor without a note
// ID only orders by time.
func noteAfter(n PatchNote, at time.Time, noteID string) bool {
	if !n.PublishedAt.Equal(at) {
		return n.PublishedAt.After(at)
	}
	return noteID != "" && n.ID > noteID
}
