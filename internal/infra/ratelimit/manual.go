// Package ratelimit caps operator-triggered job runs.
package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"guildbell/internal/domain/jobs"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var _ jobs.ManualRunLimiter = (*RedisManualRunLimiter)(nil)

// RedisManualRunLimiter caps manual runs per job over a sliding hour. Each
// run is a sorted-set member scored by its start time in nanoseconds.
type RedisManualRunLimiter struct {
	client     redis.Cmdable
	maxPerHour int
	window     time.Duration
	now        func() time.Time
}

// NewRedisManualRunLimiter creates a Redis-based manual run limiter. A
// non-positive maxPerHour disables the limit.
func NewRedisManualRunLimiter(client redis.Cmdable, maxPerHour int) *RedisManualRunLimiter {
	return &RedisManualRunLimiter{
		client:     client,
		maxPerHour: maxPerHour,
		window:     time.Hour,
		now:        time.Now,
	}
}

// Allow reserves a slot for one manual run of job. The slot is added and
// counted in one MULTI block, then released again when it overflowed the
// limit, so concurrent callers can never both take the last slot.
func (r *RedisManualRunLimiter) Allow(ctx context.Context, job string) (bool, error) {
	if r.maxPerHour <= 0 {
		return true, nil
	}

	key := "guildbell:manual:" + job
	now := r.now()
	member := strconv.FormatInt(now.UnixNano(), 10) + ":" + uuid.NewString()

	var card *redis.IntCmd
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRemRangeByScore(ctx, key, "-inf", strconv.FormatInt(now.Add(-r.window).UnixNano(), 10))
		pipe.ZAdd(ctx, key, redis.Z{Score: float64(now.UnixNano()), Member: member})
		card = pipe.ZCard(ctx, key)
		pipe.Expire(ctx, key, r.window+time.Minute)
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("reserving manual run of %s: %w", job, err)
	}

	if card.Val() <= int64(r.maxPerHour) {
		return true, nil
	}

	if err := r.client.ZRem(ctx, key, member).Err(); err != nil {
		return false, fmt.Errorf("releasing manual run slot of %s: %w", job, err)
	}
	return false, nil
}
