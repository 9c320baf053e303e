package jobs

import (
	"context"
	"log/slog"
	"time"
)

// ChainRepairer re-issues missing boundary runs. *Runner implements it.
type ChainRepairer interface {
	EnsureChains(ctx context.Context) (int, error)
}

// Keeper periodically re-issues the next run of every recurring job. A
// chain can only break if the queue loses a task (Redis flushed, a worker
// killed between ack and reschedule); the keeper mends it within one
// interval. Healthy chains see only duplicate-key no-ops.
type Keeper struct {
	runner   ChainRepairer
	interval time.Duration
}

// NewKeeper creates a chain keeper. A non-positive interval defaults to five
// minutes.
func NewKeeper(runner ChainRepairer, interval time.Duration) *Keeper {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Keeper{runner: runner, interval: interval}
}

// Run blocks until ctx is cancelled. Should be called in a goroutine.
func (k *Keeper) Run(ctx context.Context) {
	slog.Info("chain keeper started", "interval", k.interval)

	ticker := time.NewTicker(k.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("chain keeper stopped")
			return
		case <-ticker.C:
			k.sweep(ctx)
		}
	}
}

func (k *Keeper) sweep(ctx context.Context) {
	repaired, err := k.runner.EnsureChains(ctx)
	if err != nil {
		slog.Error("keeper: failed to ensure job chains", "error", err)
	}
	if repaired > 0 {
		slog.Warn("keeper: repaired broken job chains", "count", repaired)
	}
}
