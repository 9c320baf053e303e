package jobs

import (
	"context"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"
)

const defaultPollConcurrency = 4

// fetchAll calls fetch for every key with at most limit calls in flight.
// Failures are collected per key rather than cancelling the other fetches:
// one broken feed must not hide the rest of the batch.
func fetchAll[K comparable, V any](ctx context.Context, keys []K, limit int, fetch func(context.Context, K) (V, error)) (map[K]V, map[K]error) {
	if limit <= 0 {
		limit = defaultPollConcurrency
	}

	var (
		mu      sync.Mutex
		results = make(map[K]V, len(keys))
		errs    = make(map[K]error)
	)

	var g errgroup.Group
	g.SetLimit(limit)
	for _, key := range keys {
		g.Go(func() error {
			v, err := fetch(ctx, key)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs[key] = err
				slog.Warn("poll fetch failed", "key", key, "error", err)
				return nil
			}
			results[key] = v
			return nil
		})
	}
	_ = g.Wait()

	return results, errs
}

// unique returns the distinct non-empty values in first-seen order.
func unique(values []string) []string {
	seen := make(map[string]bool, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out
}

// chunk splits values into slices of at most size elements.
func chunk(values []string, size int) [][]string {
	if size <= 0 {
		size = len(values)
	}
	var out [][]string
	for size < len(values) {
		out = append(out, values[:size:size])
		values = values[size:]
	}
	if len(values) > 0 {
		out = append(out, values)
	}
	return out
}
