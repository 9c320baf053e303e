package history

import (
	"context"
	"fmt"
	"testing"
	"time"

	"guildbell/internal/domain/jobs"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestHistory(t *testing.T, keep int) (*RedisHistory, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisHistory(client, keep), mr
}

func entry(job, boundary string, ok bool) jobs.RunEntry {
	return jobs.RunEntry{
		Job:        job,
		StartedAt:  time.Date(2025, 6, 15, 9, 0, 0, 0, time.UTC),
		FinishedAt: time.Date(2025, 6, 15, 9, 0, 1, 0, time.UTC),
		OK:         ok,
		Meta:       jobs.RunMeta{Boundary: boundary, Result: jobs.Result{Processed: 2, Sent: 1, Errors: 1}},
	}
}

func TestRecordAndRecent(t *testing.T) {
	h, _ := newTestHistory(t, 10)
	ctx := context.Background()

	for i := range 3 {
		require.NoError(t, h.Record(ctx, entry(jobs.JobReminders, fmt.Sprintf("2025-06-15T09:0%d", i), true)))
	}
	require.NoError(t, h.Record(ctx, entry(jobs.JobBirthdays, "2025-06-15", false)))

	got, err := h.Recent(ctx, jobs.JobReminders, 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "2025-06-15T09:02", got[0].Meta.Boundary)
	assert.Equal(t, "2025-06-15T09:01", got[1].Meta.Boundary)
	assert.Equal(t, 1, got[0].Meta.Errors)

	got, err = h.Recent(ctx, jobs.JobBirthdays, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.False(t, got[0].OK)
}

func TestRecordTrimsToKeep(t *testing.T) {
	h, mr := newTestHistory(t, 3)
	ctx := context.Background()

	for i := range 5 {
		require.NoError(t, h.Record(ctx, entry(jobs.JobTwitch, fmt.Sprintf("b%d", i), true)))
	}

	list, err := mr.List(keyPrefix + jobs.JobTwitch)
	require.NoError(t, err)
	assert.Len(t, list, 3)

	got, err := h.Recent(ctx, jobs.JobTwitch, 10)
	require.NoError(t, err)
	assert.Equal(t, "b4", got[0].Meta.Boundary)
	assert.Equal(t, "b2", got[2].Meta.Boundary)
}

func TestRecentSkipsCorruptEntries(t *testing.T) {
	h, mr := newTestHistory(t, 10)
	ctx := context.Background()

	require.NoError(t, h.Record(ctx, entry(jobs.JobYouTube, "good", true)))
	mr.Lpush(keyPrefix+jobs.JobYouTube, "{not json")

	got, err := h.Recent(ctx, jobs.JobYouTube, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "good", got[0].Meta.Boundary)
}

func TestRecentEmpty(t *testing.T) {
	h, _ := newTestHistory(t, 10)

	got, err := h.Recent(context.Background(), "unknown", 5)
	require.NoError(t, err)
	assert.Empty(t, got)
}
