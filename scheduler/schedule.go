package scheduler

import (
	"time"

	"github.com/teranos/pulse/errors"
)

// ScheduleKind tags the variant of a Schedule.
type ScheduleKind string

const (
	ScheduleOnce      ScheduleKind = "once"
	ScheduleInterval  ScheduleKind = "interval"
	ScheduleCron      ScheduleKind = "cron"
	ScheduleImmediate ScheduleKind = "immediate"
)

// Schedule describes when a job should run. It is a closed tagged type:
// exactly one variant is active, selected by Kind, and NextRun switches
// exhaustively over it. Construct with Once, Every, Cron or Immediately.
type Schedule struct {
	Kind ScheduleKind `json:"kind"`

	// Once
	At time.Time `json:"at,omitempty"`

	// Interval
	Every time.Duration `json:"every,omitempty"`
	// SkipMissed fast-forwards a stale candidate to now+Every instead of
	// bursting catch-up runs after the process was asleep.
	SkipMissed bool `json:"skip_missed,omitempty"`

	// Cron
	Expr     string `json:"expr,omitempty"`
	Timezone string `json:"timezone,omitempty"` // IANA name; empty means local

	// Interval and Cron window
	StartAt *time.Time `json:"start_at,omitempty"`
	EndAt   *time.Time `json:"end_at,omitempty"`
}

// Once runs a single time at the given instant.
func Once(at time.Time) Schedule {
	return Schedule{Kind: ScheduleOnce, At: at}
}

// Every runs repeatedly with a fixed period between runs.
func Every(period time.Duration) Schedule {
	return Schedule{Kind: ScheduleInterval, Every: period}
}

// Cron runs on a 5-field cron expression.
func Cron(expr string) Schedule {
	return Schedule{Kind: ScheduleCron, Expr: expr}
}

// Immediately runs on the next dispatcher tick.
func Immediately() Schedule {
	return Schedule{Kind: ScheduleImmediate}
}

// Validate rejects malformed schedules at registration time. A cron
// expression that parses but never fires (Feb 30) is NOT an error here;
// it simply yields no next run.
func (s Schedule) Validate() error {
	switch s.Kind {
	case ScheduleOnce:
		if s.At.IsZero() {
			return errors.Wrap(errors.ErrInvalidConfig, "once schedule requires an instant")
		}
	case ScheduleInterval:
		if s.Every <= 0 {
			return errors.Wrap(errors.ErrInvalidConfig, "interval schedule requires a positive period")
		}
	case ScheduleCron:
		if _, err := ParseCron(s.Expr); err != nil {
			return errors.Wrapf(errors.ErrInvalidConfig, "cron: %v", err)
		}
		if s.Timezone != "" {
			if _, err := time.LoadLocation(s.Timezone); err != nil {
				return errors.Wrapf(errors.ErrInvalidConfig, "cron timezone %q", s.Timezone)
			}
		}
	case ScheduleImmediate:
		// always valid
	default:
		return errors.Wrapf(errors.ErrInvalidConfig, "unknown schedule kind %q", s.Kind)
	}
	if s.StartAt != nil && s.EndAt != nil && s.EndAt.Before(*s.StartAt) {
		return errors.Wrap(errors.ErrInvalidConfig, "schedule window ends before it starts")
	}
	return nil
}

// NextRun computes the next execution instant given the current time and
// the last run (nil before the first run). ok=false means the schedule
// never fires again.
func (s Schedule) NextRun(now time.Time, lastRun *time.Time) (time.Time, bool) {
	switch s.Kind {
	case ScheduleOnce:
		if s.At.After(now) {
			return s.At, true
		}
		return time.Time{}, false

	case ScheduleInterval:
		base := now
		if lastRun != nil {
			base = *lastRun
		}
		candidate := base.Add(s.Every)
		if s.StartAt != nil && candidate.Before(*s.StartAt) {
			candidate = *s.StartAt
		}
		if s.SkipMissed && candidate.Before(now) {
			candidate = now.Add(s.Every)
		}
		if s.EndAt != nil && candidate.After(*s.EndAt) {
			return time.Time{}, false
		}
		return candidate, true

	case ScheduleCron:
		expr, err := ParseCron(s.Expr)
		if err != nil {
			// Unparsable expressions never fire rather than crashing
			// the scheduler; Validate catches this at registration.
			return time.Time{}, false
		}
		from := now
		if s.Timezone != "" {
			if loc, lerr := time.LoadLocation(s.Timezone); lerr == nil {
				from = from.In(loc)
			}
		}
		if s.StartAt != nil && from.Before(*s.StartAt) {
			from = *s.StartAt
		}
		candidate, ok := expr.Next(from)
		if !ok {
			return time.Time{}, false
		}
		if s.EndAt != nil && candidate.After(*s.EndAt) {
			return time.Time{}, false
		}
		return candidate, true

	case ScheduleImmediate:
		if lastRun != nil {
			// fires exactly once
			return time.Time{}, false
		}
		return now, true
	}
	return time.Time{}, false
}

// Recurring reports whether the schedule can fire more than once.
func (s Schedule) Recurring() bool {
	return s.Kind == ScheduleInterval || s.Kind == ScheduleCron
}
