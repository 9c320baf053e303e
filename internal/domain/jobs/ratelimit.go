package jobs

import "context"

// ManualRunLimiter caps how often operators may trigger a job by hand.
// Implementations live in infra/ratelimit/.
type ManualRunLimiter interface {
	// Allow reports whether another manual run of job is permitted now.
	Allow(ctx context.Context, job string) (bool, error)
}
