// Package schedule computes the aligned boundaries recurring jobs run on and
// the backoff delays used when a delivery has to be retried.
package schedule

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// Granularity controls how a boundary is rendered into a key.
type Granularity int

const (
	GranularityMinute Granularity = iota
	GranularityDay
)

const (
	minuteKeyLayout = "2006-01-02T15:04"
	dayKeyLayout    = "2006-01-02"
)

const (
	// DefaultMinSeconds is the delay floor for minute cadences.
	DefaultMinSeconds = 5

	quarterHourFloor = 5 * time.Second
	dailyFloor       = time.Second
)

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Cadence describes a recurring boundary: every minute, every quarter hour,
// or once a day at a fixed local hour. Boundaries are evaluated in the
// location of the time passed in.
type Cadence struct {
	name   string
	sched  cron.Schedule
	period time.Duration
	floor  time.Duration
	gran   Granularity
}

// EveryMinute returns a cadence aligned to the start of each minute. Delays
// shorter than minSeconds are raised to minSeconds.
func EveryMinute(minSeconds int) Cadence {
	if minSeconds <= 0 {
		minSeconds = DefaultMinSeconds
	}
	return Cadence{
		name:   "minute",
		sched:  mustParse("* * * * *"),
		period: time.Minute,
		floor:  time.Duration(minSeconds) * time.Second,
		gran:   GranularityMinute,
	}
}

// EveryQuarterHour returns a cadence aligned to :00, :15, :30 and :45.
func EveryQuarterHour() Cadence {
	return Cadence{
		name:   "quarter-hour",
		sched:  mustParse("*/15 * * * *"),
		period: 15 * time.Minute,
		floor:  quarterHourFloor,
		gran:   GranularityMinute,
	}
}

// DailyAt returns a cadence firing once a day at hour:00 local time.
func DailyAt(hour int) Cadence {
	return Cadence{
		name:   fmt.Sprintf("daily@%02d:00", hour),
		sched:  mustParse(fmt.Sprintf("0 %d * * *", hour)),
		period: 24 * time.Hour,
		floor:  dailyFloor,
		gran:   GranularityDay,
	}
}

func mustParse(spec string) cron.Schedule {
	s, err := parser.Parse(spec)
	if err != nil {
		panic(fmt.Sprintf("schedule: invalid cron spec %q: %v", spec, err))
	}
	return s
}

// Name returns a short human readable label for the cadence.
func (c Cadence) Name() string { return c.name }

// Period is the distance between consecutive boundaries.
func (c Cadence) Period() time.Duration { return c.period }

// Granularity returns the key granularity of the cadence.
func (c Cadence) Granularity() Granularity { return c.gran }

// Next returns the delay until the next boundary strictly after now, and the
// boundary itself. A call made exactly on a boundary advances to the
// following one.
func (c Cadence) Next(now time.Time) (time.Duration, time.Time) {
	return c.NextAfter(now, now)
}

// NextAfter is Next with the search starting at the later of now and ref.
// Runners pass their own boundary as ref so a run that fires slightly early
// never schedules itself again.
func (c Cadence) NextAfter(now, ref time.Time) (time.Duration, time.Time) {
	from := now
	if ref.After(from) {
		from = ref
	}
	boundary := c.sched.Next(from)
	delay := boundary.Sub(now)
	if delay < c.floor {
		delay = c.floor
	}
	return delay, boundary
}

// Previous returns the most recent boundary at or before now.
func (c Cadence) Previous(now time.Time) time.Time {
	return c.sched.Next(now.Add(-c.period))
}

// Key renders a boundary of this cadence into its key suffix.
func (c Cadence) Key(boundary time.Time) string {
	return BoundaryKey(boundary, c.gran)
}

// BoundaryKey formats a boundary as YYYY-MM-DD (daily) or YYYY-MM-DDTHH:MM.
// The result is an idempotency key suffix and is never parsed back.
func BoundaryKey(t time.Time, g Granularity) string {
	if g == GranularityDay {
		return t.Format(dayKeyLayout)
	}
	return t.Format(minuteKeyLayout)
}

// NextMinute returns the delay to the start of the next minute, floored at
// minSeconds.
func NextMinute(now time.Time, minSeconds int) (time.Duration, time.Time) {
	return EveryMinute(minSeconds).Next(now)
}

// NextQuarterHour returns the delay to the next quarter hour, floored at 5s.
func NextQuarterHour(now time.Time) (time.Duration, time.Time) {
	return EveryQuarterHour().Next(now)
}

// NextDailyAt returns the delay to the next hour:00 in now's location,
// floored at 1s.
func NextDailyAt(now time.Time, hour int) (time.Duration, time.Time) {
	return DailyAt(hour).Next(now)
}
