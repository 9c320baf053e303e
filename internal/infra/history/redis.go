// Package history keeps per-job run history in Redis lists.
package history

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"guildbell/internal/domain/jobs"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "guildbell:runs:"

var _ jobs.RunHistory = (*RedisHistory)(nil)

// RedisHistory stores one list per job, newest entry at the head, trimmed to
// the configured length on every write.
type RedisHistory struct {
	client redis.Cmdable
	keep   int
}

// NewRedisHistory creates a run history keeping the newest keep entries per job.
func NewRedisHistory(client redis.Cmdable, keep int) *RedisHistory {
	if keep <= 0 {
		keep = 50
	}
	return &RedisHistory{client: client, keep: keep}
}

// NewClient creates a Redis client and verifies the connection.
func NewClient(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("pinging redis at %s: %w", addr, err)
	}
	return client, nil
}

// Record appends an entry and trims the job's list.
func (h *RedisHistory) Record(ctx context.Context, entry jobs.RunEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshaling run entry: %w", err)
	}

	key := keyPrefix + entry.Job
	pipe := h.client.TxPipeline()
	pipe.LPush(ctx, key, data)
	pipe.LTrim(ctx, key, 0, int64(h.keep-1))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("recording run of %s: %w", entry.Job, err)
	}
	return nil
}

// Recent returns up to limit entries for job, newest first.
func (h *RedisHistory) Recent(ctx context.Context, job string, limit int) ([]jobs.RunEntry, error) {
	if limit <= 0 {
		return nil, nil
	}

	raw, err := h.client.LRange(ctx, keyPrefix+job, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("reading runs of %s: %w", job, err)
	}

	entries := make([]jobs.RunEntry, 0, len(raw))
	for _, item := range raw {
		var e jobs.RunEntry
		if err := json.Unmarshal([]byte(item), &e); err != nil {
			slog.Warn("skipping corrupt run entry", "job", job, "error", err)
			continue
		}
		entries = append(entries, e)
	}
	return entries, nil
}
