package jobs

import (
	"context"
	"fmt"
	"testing"
	"time"

	"guildbell/internal/domain/schedule"
	"guildbell/internal/domain/suppression"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runStreams(t *testing.T, now time.Time, newJob func(StreamJobDeps) *StreamJob, store *fakeStreamStore, source *fakeStreamSource, setup func(h *harness)) *harness {
	t.Helper()
	h := newHarness(now)
	if setup != nil {
		setup(h)
	}
	job := newJob(StreamJobDeps{
		Store:     store,
		Source:    source,
		Announcer: h.announcer,
		Renderer:  fakeRenderer{},
		Cadence:   schedule.EveryMinute(5),
	})
	h.runner.Register(job)
	require.NoError(t, h.runner.Handle(context.Background(), job.Name(), runPayload(t, now.Truncate(time.Minute), false)))
	return h
}

func liveStream(account, id string) LiveStream {
	return LiveStream{ID: id, Account: account, Title: "speedrun", URL: "https://twitch.tv/" + account}
}

func TestTwitch_AnnouncesWentLive(t *testing.T) {
	now := at(2025, 6, 15, 12, 0, 0)
	store := &fakeStreamStore{watches: []StreamWatch{{ID: "w1", GuildID: "g1", ChannelID: "c1", Account: "Streamer"}}}
	source := &fakeStreamSource{live: map[string]LiveStream{"streamer": liveStream("streamer", "s1")}}

	h := runStreams(t, now, NewTwitchJob, store, source, nil)

	require.Equal(t, 1, h.delivery.count())
	msg := h.delivery.sent[0].Message
	require.Len(t, msg.Embeds, 1)
	assert.Equal(t, twitchColor, msg.Embeds[0].Color)

	assert.Equal(t, StreamCursor{IsLive: true, LastStreamID: "s1", LastNotifiedAt: &now}, store.cursors["w1"])
	assert.NotNil(t, h.ledger.entry(ProviderTwitch, "w1:s1"))
}

func TestTwitch_SameStreamIsIgnored(t *testing.T) {
	now := at(2025, 6, 15, 12, 0, 0)
	store := &fakeStreamStore{watches: []StreamWatch{{ID: "w1", ChannelID: "c1", Account: "streamer", IsLive: true, LastStreamID: "s1"}}}
	source := &fakeStreamSource{live: map[string]LiveStream{"streamer": liveStream("streamer", "s1")}}

	h := runStreams(t, now, NewTwitchJob, store, source, nil)

	assert.Zero(t, h.delivery.count())
	assert.Empty(t, store.cursors)
}

func TestTwitch_WentOfflineResetsCursor(t *testing.T) {
	now := at(2025, 6, 15, 12, 0, 0)
	store := &fakeStreamStore{watches: []StreamWatch{{ID: "w1", ChannelID: "c1", Account: "streamer", IsLive: true, LastStreamID: "s1"}}}

	h := runStreams(t, now, NewTwitchJob, store, &fakeStreamSource{}, nil)

	assert.Zero(t, h.delivery.count())
	assert.Equal(t, StreamCursor{IsLive: false, LastStreamID: "s1"}, store.cursors["w1"])
}

func TestTwitch_AlreadyAnnouncedAdvancesCursorOnly(t *testing.T) {
	now := at(2025, 6, 15, 12, 0, 0)
	store := &fakeStreamStore{watches: []StreamWatch{{ID: "w1", ChannelID: "c1", Account: "streamer"}}}
	source := &fakeStreamSource{live: map[string]LiveStream{"streamer": liveStream("streamer", "s1")}}

	h := runStreams(t, now, NewTwitchJob, store, source, func(h *harness) {
		h.ledger.entries[ledgerKey(ProviderTwitch, "w1:s1")] = &LedgerEntry{MessageID: "m0"}
	})

	assert.Zero(t, h.delivery.count())
	assert.Zero(t, h.ledger.recordCalls)
	assert.True(t, store.cursors["w1"].IsLive)
	assert.Equal(t, 1, h.history.last().Meta.Skipped)
}

func TestTwitch_FailedSendLeavesCursor(t *testing.T) {
	now := at(2025, 6, 15, 12, 0, 0)
	store := &fakeStreamStore{watches: []StreamWatch{{ID: "w1", ChannelID: "c1", Account: "streamer"}}}
	source := &fakeStreamSource{live: map[string]LiveStream{"streamer": liveStream("streamer", "s1")}}

	h := runStreams(t, now, NewTwitchJob, store, source, func(h *harness) { h.delivery.err = errBoom })

	assert.Empty(t, store.cursors)
	assert.Equal(t, 1, h.history.last().Meta.Errors)
}

func TestTwitch_FailedSendIsRetriedNextPoll(t *testing.T) {
	first := at(2025, 6, 15, 12, 0, 0)
	store := &fakeStreamStore{watches: []StreamWatch{{ID: "w1", GuildID: "g1", ChannelID: "c1", Account: "streamer"}}}
	source := &fakeStreamSource{live: map[string]LiveStream{"streamer": liveStream("streamer", "s1")}}

	failed := runStreams(t, first, NewTwitchJob, store, source, func(h *harness) { h.delivery.failN = 1 })
	require.Zero(t, failed.delivery.count())
	require.Empty(t, store.cursors)

	second := first.Add(time.Minute)
	h := runStreams(t, second, NewTwitchJob, store, source, func(h *harness) { h.useLedger(failed.ledger) })

	require.Equal(t, 1, h.delivery.count())
	assert.Equal(t, StreamCursor{IsLive: true, LastStreamID: "s1", LastNotifiedAt: &second}, store.cursors["w1"])
	assert.Equal(t, "msg-1", h.ledger.entry(ProviderTwitch, "w1:s1").MessageID)
	assert.Equal(t, 1, h.history.last().Meta.Sent)
}

func TestTwitch_FreshClaimWaitsForItsRun(t *testing.T) {
	now := at(2025, 6, 15, 12, 0, 0)
	store := &fakeStreamStore{watches: []StreamWatch{{ID: "w1", ChannelID: "c1", Account: "streamer"}}}
	source := &fakeStreamSource{live: map[string]LiveStream{"streamer": liveStream("streamer", "s1")}}

	h := runStreams(t, now, NewTwitchJob, store, source, func(h *harness) {
		h.ledger.entries[ledgerKey(ProviderTwitch, "w1:s1")] = &LedgerEntry{CreatedAt: now.Add(-5 * time.Second)}
	})

	assert.Zero(t, h.delivery.count())
	assert.Empty(t, store.cursors, "cursor waits until the claim settles")
	assert.Equal(t, 1, h.history.last().Meta.Skipped)
}

func TestTwitch_FetchFailureCountsPerWatch(t *testing.T) {
	now := at(2025, 6, 15, 12, 0, 0)
	store := &fakeStreamStore{watches: []StreamWatch{
		{ID: "w1", ChannelID: "c1", Account: "broken"},
		{ID: "w2", ChannelID: "c2", Account: "broken"},
	}}
	source := &fakeStreamSource{failFor: "broken"}

	h := runStreams(t, now, NewTwitchJob, store, source, nil)

	assert.Empty(t, store.cursors)
	assert.Equal(t, 2, h.history.last().Meta.Errors)
}

func TestTwitch_BatchesAccounts(t *testing.T) {
	now := at(2025, 6, 15, 12, 0, 0)
	store := &fakeStreamStore{}
	for i := range 150 {
		store.watches = append(store.watches, StreamWatch{ID: fmt.Sprintf("w%d", i), ChannelID: "c1", Account: fmt.Sprintf("acct%d", i)})
	}
	source := &fakeStreamSource{}

	runStreams(t, now, NewTwitchJob, store, source, nil)

	require.Len(t, source.batches, 2)
	assert.Equal(t, 150, len(source.batches[0])+len(source.batches[1]))
}

func TestTikTok_QuietHoursSuppressButPersistLive(t *testing.T) {
	now := at(2025, 6, 15, 12, 0, 0)
	store := &fakeStreamStore{watches: []StreamWatch{{
		ID: "w1", ChannelID: "c1", Account: "dancer",
		Policy: suppression.Policy{QuietHoursStart: "00:00", QuietHoursEnd: "23:59"},
	}}}
	source := &fakeStreamSource{live: map[string]LiveStream{"dancer": liveStream("dancer", "t1")}}

	h := runStreams(t, now, NewTikTokJob, store, source, nil)

	assert.Zero(t, h.delivery.count())
	assert.Zero(t, h.ledger.recordCalls)
	assert.Equal(t, StreamCursor{IsLive: true, LastStreamID: "t1"}, store.cursors["w1"])
	assert.Equal(t, 1, h.history.last().Meta.Suppressed)
}

func TestTikTok_OneAccountPerRequest(t *testing.T) {
	now := at(2025, 6, 15, 12, 0, 0)
	store := &fakeStreamStore{watches: []StreamWatch{
		{ID: "w1", ChannelID: "c1", Account: "a"},
		{ID: "w2", ChannelID: "c1", Account: "b"},
		{ID: "w3", ChannelID: "c2", Account: "a"},
	}}
	source := &fakeStreamSource{live: map[string]LiveStream{"a": liveStream("a", "t1")}}

	h := runStreams(t, now, NewTikTokJob, store, source, nil)

	assert.Len(t, source.batches, 2)
	assert.Equal(t, 2, h.delivery.count(), "both watches of the live account announce")
	assert.Equal(t, tiktokColor, h.delivery.sent[0].Message.Embeds[0].Color)
}
