package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"guildbell/internal/domain/jobs"
	"guildbell/internal/domain/schedule"

	"github.com/hibiken/asynq"
)

// QueueName is the asynq queue every job run goes through.
const QueueName = "jobs"

var _ jobs.Scheduler = (*AsynqScheduler)(nil)

// enqueuer is the part of *asynq.Client the scheduler uses.
type enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// AsynqScheduler implements jobs.Scheduler on asynq. The idempotency key is
// the asynq task ID, so a second enqueue of the same key is rejected by
// Redis while the first task is pending, active or retained.
type AsynqScheduler struct {
	client   enqueuer
	maxRetry int
}

// NewScheduler creates a scheduler over an asynq client.
func NewScheduler(client *asynq.Client, maxRetry int) *AsynqScheduler {
	return &AsynqScheduler{client: client, maxRetry: maxRetry}
}

// NewClient creates a new asynq client connected to Redis.
func NewClient(redisAddr, password string, db int) *asynq.Client {
	return asynq.NewClient(asynq.RedisClientOpt{
		Addr:     redisAddr,
		Password: password,
		DB:       db,
	})
}

// Schedule enqueues one run of jobName. A key collision is reported as
// jobs.ErrAlreadyScheduled.
func (s *AsynqScheduler) Schedule(ctx context.Context, jobName string, payload []byte, opts jobs.ScheduleOptions) (string, error) {
	taskOpts := []asynq.Option{
		asynq.Queue(QueueName),
		asynq.MaxRetry(s.maxRetry),
	}
	if opts.IdempotencyKey != "" {
		taskOpts = append(taskOpts, asynq.TaskID(opts.IdempotencyKey))
	}
	if opts.Delay > 0 {
		taskOpts = append(taskOpts, asynq.ProcessIn(opts.Delay))
	}
	if opts.Retention > 0 {
		taskOpts = append(taskOpts, asynq.Retention(opts.Retention))
	}

	info, err := s.client.EnqueueContext(ctx, asynq.NewTask(jobName, payload), taskOpts...)
	if err != nil {
		if errors.Is(err, asynq.ErrTaskIDConflict) || errors.Is(err, asynq.ErrDuplicateTask) {
			return "", jobs.ErrAlreadyScheduled
		}
		return "", fmt.Errorf("enqueuing %s: %w", jobName, err)
	}
	return info.ID, nil
}

// TaskHandler runs a queued job. *jobs.Runner implements it.
type TaskHandler interface {
	Handle(ctx context.Context, name string, payload []byte) error
}

// NewServeMux routes every named task type to h.
func NewServeMux(h TaskHandler, names ...string) *asynq.ServeMux {
	mux := asynq.NewServeMux()
	for _, name := range names {
		mux.HandleFunc(name, func(ctx context.Context, task *asynq.Task) error {
			return h.Handle(ctx, task.Type(), task.Payload())
		})
	}
	return mux
}

// NewServer creates a new asynq server connected to Redis. Tasks that fail
// at the queue level back off with retry.
func NewServer(redisAddr, password string, db int, concurrency int, retry schedule.Backoff) *asynq.Server {
	return asynq.NewServer(
		asynq.RedisClientOpt{
			Addr:     redisAddr,
			Password: password,
			DB:       db,
		},
		asynq.Config{
			Concurrency: concurrency,
			Queues: map[string]int{
				QueueName: 10, // priority weight
				"default": 1,
			},
			RetryDelayFunc: func(n int, e error, t *asynq.Task) time.Duration {
				return retry.ForAttempt(n)
			},
			ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
				slog.Error("task failed", "job", task.Type(), "error", err)
			}),
		},
	)
}
