package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"guildbell/internal/common"
	"guildbell/internal/domain/schedule"
)

const dateLayout = "2006-01-02"

// minRetention is the shortest time a finished run keeps its key reserved.
const minRetention = 10 * time.Minute

// Clock supplies the current time. Tests inject a fixed clock.
type Clock interface {
	Now() time.Time
}

// SystemClock is the wall clock.
type SystemClock struct{}

// Now returns time.Now().
func (SystemClock) Now() time.Time { return time.Now() }

// Invocation is what a job sees for one run.
type Invocation struct {
	// Now is the run's start time in the runner location.
	Now time.Time

	// Boundary is the aligned time this run is for. Manual runs use Now.
	Boundary time.Time

	// Date is the calendar day the run processes (midnight, runner location).
	Date time.Time

	Force  bool
	Manual bool

	// Payload is the raw task payload, used by one-shot jobs.
	Payload []byte
}

// DateKey renders the invocation date as YYYY-MM-DD.
func (inv Invocation) DateKey() string { return inv.Date.Format(dateLayout) }

// Job processes one batch of candidates.
type Job interface {
	Name() string
	Run(ctx context.Context, inv Invocation) (Result, error)
}

// RecurringJob is a Job that reschedules itself on a cadence after every run.
type RecurringJob interface {
	Job
	Cadence() schedule.Cadence
}

// JobInfo describes a registered job.
type JobInfo struct {
	Name      string `json:"name"`
	Cadence   string `json:"cadence,omitempty"`
	Recurring bool   `json:"recurring"`
}

// RunnerDeps wires a Runner.
type RunnerDeps struct {
	Scheduler Scheduler
	History   RunHistory
	Clock     Clock
	Location  *time.Location
}

// Runner dispatches queued runs to registered jobs, records run history and
// keeps each recurring job's chain of future runs alive.
type Runner struct {
	scheduler Scheduler
	history   RunHistory
	clock     Clock
	loc       *time.Location
	jobs      map[string]Job
	order     []string
}

// NewRunner creates a Runner with no jobs registered.
func NewRunner(deps RunnerDeps) *Runner {
	if deps.Clock == nil {
		deps.Clock = SystemClock{}
	}
	if deps.Location == nil {
		deps.Location = time.Local
	}
	return &Runner{
		scheduler: deps.Scheduler,
		history:   deps.History,
		clock:     deps.Clock,
		loc:       deps.Location,
		jobs:      make(map[string]Job),
	}
}

// Register adds jobs. Registering a name twice replaces the earlier job.
func (r *Runner) Register(jobs ...Job) {
	for _, j := range jobs {
		if _, exists := r.jobs[j.Name()]; !exists {
			r.order = append(r.order, j.Name())
		}
		r.jobs[j.Name()] = j
	}
}

// Jobs lists registered jobs in registration order.
func (r *Runner) Jobs() []JobInfo {
	infos := make([]JobInfo, 0, len(r.order))
	for _, name := range r.order {
		info := JobInfo{Name: name}
		if rj, ok := r.jobs[name].(RecurringJob); ok {
			info.Recurring = true
			info.Cadence = rj.Cadence().Name()
		}
		infos = append(infos, info)
	}
	return infos
}

func (r *Runner) now() time.Time {
	return r.clock.Now().In(r.loc)
}

// Handle executes one queued run. It always records a history entry and, for
// recurring jobs, schedules the next boundary, even when the run failed. The
// returned error is non-nil only for an unknown job; run failures are
// acknowledged so a bad cycle never breaks the chain.
func (r *Runner) Handle(ctx context.Context, name string, payload []byte) error {
	job, ok := r.jobs[name]
	if !ok {
		return common.NewConfigError("job", fmt.Sprintf("no handler registered for %q", name))
	}

	startedAt := r.now()
	if rj, ok := job.(RecurringJob); ok {
		r.handleRecurring(ctx, rj, payload, startedAt)
		return nil
	}

	inv := Invocation{Now: startedAt, Boundary: startedAt, Date: dayOf(startedAt), Payload: payload}
	res, err := r.execute(ctx, job, inv)
	r.record(ctx, name, startedAt, RunMeta{Result: res}, err)
	return nil
}

func (r *Runner) handleRecurring(ctx context.Context, job RecurringJob, payload []byte, startedAt time.Time) {
	var (
		res  Result
		meta RunMeta
		own  time.Time
	)

	p, err := ParseRunPayload(payload)
	if err == nil {
		own = p.Boundary.In(r.loc)
		meta.Boundary = job.Cadence().Key(own)
		meta.Force = p.Force
		meta.CatchUp = p.CatchUp

		inv := Invocation{
			Now:      startedAt,
			Boundary: own,
			Date:     dayOf(own),
			Force:    p.Force,
		}
		res, err = r.execute(ctx, job, inv)
	}

	meta.Result = res
	r.record(ctx, job.Name(), startedAt, meta, err)

	if _, serr := r.scheduleNext(ctx, job, own); serr != nil {
		slog.Error("failed to schedule next run",
			"job", job.Name(),
			"error", serr,
		)
	}
}

// execute runs the job, converting a panic into an error.
func (r *Runner) execute(ctx context.Context, job Job, inv Invocation) (res Result, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("job panicked",
				"job", job.Name(),
				"panic", rec,
				"stack", string(debug.Stack()),
			)
			err = fmt.Errorf("job %s panicked: %v", job.Name(), rec)
		}
	}()
	return job.Run(ctx, inv)
}

func (r *Runner) record(ctx context.Context, name string, startedAt time.Time, meta RunMeta, runErr error) {
	entry := RunEntry{
		Job:        name,
		StartedAt:  startedAt,
		FinishedAt: r.now(),
		OK:         runErr == nil && meta.Errors == 0,
		Meta:       meta,
	}
	if runErr != nil {
		entry.Error = runErr.Error()
	}

	if runErr != nil {
		slog.Error("job run failed",
			"job", name,
			"boundary", meta.Boundary,
			"error", runErr,
			"duration", entry.FinishedAt.Sub(startedAt),
		)
	} else {
		slog.Info("job run complete",
			"job", name,
			"boundary", meta.Boundary,
			"processed", meta.Processed,
			"sent", meta.Sent,
			"suppressed", meta.Suppressed,
			"skipped", meta.Skipped,
			"errors", meta.Errors,
			"duration", entry.FinishedAt.Sub(startedAt),
		)
	}

	if r.history == nil {
		return
	}
	if err := r.history.Record(ctx, entry); err != nil {
		slog.Error("failed to record run history", "job", name, "error", err)
	}
}

// scheduleNext schedules the first boundary after both now and own.
func (r *Runner) scheduleNext(ctx context.Context, job RecurringJob, own time.Time) (bool, error) {
	c := job.Cadence()
	delay, boundary := c.NextAfter(r.now(), own)
	return r.scheduleBoundary(ctx, job, boundary, delay, false)
}

func (r *Runner) scheduleBoundary(ctx context.Context, job RecurringJob, boundary time.Time, delay time.Duration, catchUp bool) (bool, error) {
	c := job.Cadence()
	payload, err := NewRunPayload(RunPayload{Boundary: boundary, CatchUp: catchUp})
	if err != nil {
		return false, err
	}

	key := IdempotencyKey(job.Name(), c.Key(boundary))
	scheduled, err := ScheduleSingleton(ctx, r.scheduler, job.Name(), payload, ScheduleOptions{
		Delay:          delay,
		IdempotencyKey: key,
		Retention:      retentionFor(c),
	})
	if err != nil {
		return false, err
	}
	if scheduled {
		slog.Debug("run scheduled", "job", job.Name(), "key", key, "delay", delay)
	}
	return scheduled, nil
}

// retentionFor keeps a finished run's key for two periods, so a catch-up
// keyed by the current boundary collapses into the run that already happened.
func retentionFor(c schedule.Cadence) time.Duration {
	if d := 2 * c.Period(); d > minRetention {
		return d
	}
	return minRetention
}

// Bootstrap is called once per process start. For every recurring job it
// schedules the next regular boundary and an immediate catch-up run keyed by
// the current boundary, so work missed while no process was running happens
// exactly once across all instances.
func (r *Runner) Bootstrap(ctx context.Context) error {
	var errs []error
	now := r.now()
	for _, name := range r.order {
		job, ok := r.jobs[name].(RecurringJob)
		if !ok {
			continue
		}

		if _, err := r.scheduleNext(ctx, job, time.Time{}); err != nil {
			errs = append(errs, err)
		}

		prev := job.Cadence().Previous(now)
		scheduled, err := r.scheduleBoundary(ctx, job, prev, 0, true)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		slog.Info("job chain bootstrapped",
			"job", name,
			"cadence", job.Cadence().Name(),
			"catch_up_boundary", job.Cadence().Key(prev),
			"catch_up_scheduled", scheduled,
		)
	}
	return errors.Join(errs...)
}

// EnsureChains re-issues the next boundary run of every recurring job and
// returns how many were missing. Healthy chains collapse into no-ops.
func (r *Runner) EnsureChains(ctx context.Context) (int, error) {
	var errs []error
	repaired := 0
	for _, name := range r.order {
		job, ok := r.jobs[name].(RecurringJob)
		if !ok {
			continue
		}
		scheduled, err := r.scheduleNext(ctx, job, time.Time{})
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if scheduled {
			repaired++
		}
	}
	return repaired, errors.Join(errs...)
}

// RunOnce runs a recurring job immediately outside its chain, for operators.
// date selects the calendar day to process (today when nil); force bypasses
// suppression and the ledger's first-announcement check. It returns the
// number of candidates processed. No next run is scheduled.
func (r *Runner) RunOnce(ctx context.Context, name string, date *time.Time, force bool) (int, error) {
	job, ok := r.jobs[name]
	if !ok {
		return 0, common.NewNotFoundError("job", name)
	}
	if _, ok := job.(RecurringJob); !ok {
		return 0, common.NewValidationError(fmt.Sprintf("job %s cannot be run manually", name))
	}

	startedAt := r.now()
	inv := Invocation{
		Now:      startedAt,
		Boundary: startedAt,
		Date:     dayOf(startedAt),
		Force:    force,
		Manual:   true,
	}
	if date != nil {
		inv.Date = dayOf(date.In(r.loc))
	}

	res, err := r.execute(ctx, job, inv)
	r.record(ctx, name, startedAt, RunMeta{
		Result:   res,
		Boundary: inv.DateKey(),
		Force:    force,
		Manual:   true,
	}, err)
	return res.Processed, err
}

// History returns the most recent runs of a job, newest first.
func (r *Runner) History(ctx context.Context, name string, limit int) ([]RunEntry, error) {
	if _, ok := r.jobs[name]; !ok {
		return nil, common.NewNotFoundError("job", name)
	}
	if r.history == nil {
		return nil, nil
	}
	entries, err := r.history.Recent(ctx, name, limit)
	if err != nil {
		return nil, fmt.Errorf("reading run history: %w", err)
	}
	return entries, nil
}

func dayOf(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}
