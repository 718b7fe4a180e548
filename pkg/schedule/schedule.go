package schedule

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/jdziat/durable-flows/pkg/core"
)

// Schedule defines when a job should run next.
type Schedule interface {
	Next(from time.Time) time.Time
}

// everySchedule runs at fixed intervals.
type everySchedule struct {
	interval time.Duration
}

// Every creates a schedule that runs at fixed intervals.
func Every(d time.Duration) Schedule {
	return &everySchedule{interval: d}
}

func (s *everySchedule) Next(from time.Time) time.Time {
	return from.Add(s.interval)
}

var parser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// cronSchedule wraps a cron expression evaluated in a fixed location.
type cronSchedule struct {
	schedule cron.Schedule
	loc      *time.Location
}

// Cron creates a schedule from a five-field cron expression evaluated in the
// given IANA timezone. An empty timezone means UTC.
func Cron(expr, timezone string) (Schedule, error) {
	loc, err := LoadLocation(timezone)
	if err != nil {
		return nil, err
	}
	sched, err := parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", core.ErrInvalidCron, expr, err)
	}
	return &cronSchedule{schedule: sched, loc: loc}, nil
}

// MustCron is like Cron but panics on an invalid expression or timezone.
func MustCron(expr, timezone string) Schedule {
	s, err := Cron(expr, timezone)
	if err != nil {
		panic(err)
	}
	return s
}

func (s *cronSchedule) Next(from time.Time) time.Time {
	return s.schedule.Next(from.In(s.loc))
}

// LoadLocation resolves an IANA timezone name, defaulting to UTC.
func LoadLocation(timezone string) (*time.Location, error) {
	if timezone == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", core.ErrInvalidTimezone, timezone)
	}
	return loc, nil
}

// DelayUntil returns how long to wait from now until at.
// A time already in the past yields zero.
func DelayUntil(at, now time.Time) time.Duration {
	d := at.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// Descriptor is the queryable description of a registered cron schedule.
type Descriptor struct {
	Expression string `json:"expression"`
	Timezone   string `json:"timezone"`
}

// Describe validates a cron expression and timezone and returns their descriptor.
func Describe(expr, timezone string) (Descriptor, error) {
	if _, err := Cron(expr, timezone); err != nil {
		return Descriptor{}, err
	}
	if timezone == "" {
		timezone = time.UTC.String()
	}
	return Descriptor{Expression: expr, Timezone: timezone}, nil
}
