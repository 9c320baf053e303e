package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLimiter(t *testing.T, maxPerHour int) (*RedisManualRunLimiter, *time.Time) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	now := time.Date(2025, 6, 15, 9, 0, 0, 0, time.UTC)
	l := NewRedisManualRunLimiter(client, maxPerHour)
	l.now = func() time.Time { return now }
	return l, &now
}

func TestAllow_SlidingWindow(t *testing.T) {
	l, now := newTestLimiter(t, 2)
	ctx := context.Background()

	for range 2 {
		ok, err := l.Allow(ctx, "birthdays:run")
		require.NoError(t, err)
		assert.True(t, ok)
	}

	ok, err := l.Allow(ctx, "birthdays:run")
	require.NoError(t, err)
	assert.False(t, ok, "third run within the hour is refused")

	ok, err = l.Allow(ctx, "reminders:run")
	require.NoError(t, err)
	assert.True(t, ok, "limits are per job")

	*now = now.Add(61 * time.Minute)
	ok, err = l.Allow(ctx, "birthdays:run")
	require.NoError(t, err)
	assert.True(t, ok, "window slid past the earlier runs")
}

func TestAllow_Disabled(t *testing.T) {
	l, _ := newTestLimiter(t, 0)

	for range 10 {
		ok, err := l.Allow(context.Background(), "birthdays:run")
		require.NoError(t, err)
		assert.True(t, ok)
	}
}

func TestAllow_RefusedRunsDoNotHoldSlots(t *testing.T) {
	l, now := newTestLimiter(t, 1)
	ctx := context.Background()

	ok, err := l.Allow(ctx, "twitch:poll")
	require.NoError(t, err)
	require.True(t, ok)

	for range 3 {
		*now = now.Add(10 * time.Minute)
		ok, err = l.Allow(ctx, "twitch:poll")
		require.NoError(t, err)
		assert.False(t, ok)
	}

	// Only the first run counts: it leaves the window at 61 minutes even
	// though refusals kept arriving.
	*now = now.Add(31 * time.Minute)
	ok, err = l.Allow(ctx, "twitch:poll")
	require.NoError(t, err)
	assert.True(t, ok)
}
