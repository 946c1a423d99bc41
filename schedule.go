package parley

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// ScheduleType selects the trigger model for a task.
type ScheduleType string

const (
	ScheduleCron     ScheduleType = "cron"
	ScheduleInterval ScheduleType = "interval"
)

// minRerunGap is the guard between consecutive runs of the same task,
// regardless of schedule type. Two scheduler wakeups inside this window
// never fire the same task twice.
const minRerunGap = 5 * time.Minute

// cronParser accepts the standard five-field expression plus an optional
// leading seconds field.
var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Schedule is a parsed task trigger: either a cron expression or a fixed
// interval.
type Schedule struct {
	Type  ScheduleType
	Value string

	spec     cron.Schedule
	interval time.Duration
}

// ParseSchedule validates and parses a schedule declaration. Interval
// values accept either a bare number of seconds ("300") or a Go duration
// string ("5m").
func ParseSchedule(typ, value string) (Schedule, error) {
	s := Schedule{Type: ScheduleType(typ), Value: value}
	switch s.Type {
	case ScheduleCron:
		spec, err := cronParser.Parse(value)
		if err != nil {
			return Schedule{}, fmt.Errorf("parse cron %q: %w", value, err)
		}
		s.spec = spec
	case ScheduleInterval:
		d, err := parseInterval(value)
		if err != nil {
			return Schedule{}, err
		}
		s.interval = d
	default:
		return Schedule{}, &InvalidArgumentError{Arg: "schedule.type", Reason: fmt.Sprintf("unknown type %q", typ)}
	}
	return s, nil
}

func parseInterval(value string) (time.Duration, error) {
	v := strings.TrimSpace(value)
	if secs, err := strconv.Atoi(v); err == nil {
		if secs <= 0 {
			return 0, &InvalidArgumentError{Arg: "schedule.value", Reason: "interval must be positive"}
		}
		return time.Duration(secs) * time.Second, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("parse interval %q: %w", value, err)
	}
	if d <= 0 {
		return 0, &InvalidArgumentError{Arg: "schedule.value", Reason: "interval must be positive"}
	}
	return d, nil
}

// MarshalText lets Schedule round-trip through JSON task configs as
// "type value".
func (s Schedule) MarshalText() ([]byte, error) {
	return []byte(string(s.Type) + " " + s.Value), nil
}

// UnmarshalText parses the "type value" form written by MarshalText.
func (s *Schedule) UnmarshalText(b []byte) error {
	typ, value, ok := strings.Cut(string(b), " ")
	if !ok {
		return &InvalidArgumentError{Arg: "schedule", Reason: fmt.Sprintf("malformed %q", b)}
	}
	parsed, err := ParseSchedule(typ, value)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Due reports whether the task should fire at now, given when it last ran.
// A zero lastRun means the task has never run.
//
// Rules:
//   - Re-run guard: a task that ran within the last five minutes never
//     fires again, for either schedule type.
//   - cron: fires iff the next cron tick after lastRun is <= now. A task
//     that has never run fires when the next tick after now-value-zero is
//     due, which in practice means it waits for its first tick.
//   - interval: fires iff now-lastRun >= the interval. A task that has
//     never run fires immediately.
func (s Schedule) Due(lastRun, now time.Time) bool {
	if !lastRun.IsZero() && now.Sub(lastRun) < minRerunGap {
		return false
	}
	switch s.Type {
	case ScheduleCron:
		if s.spec == nil {
			return false
		}
		ref := lastRun
		if ref.IsZero() {
			// Use the tick neighborhood around now so a fresh task
			// fires on its first eligible tick, not retroactively.
			ref = now.Add(-time.Minute)
		}
		return !s.spec.Next(ref).After(now)
	case ScheduleInterval:
		if lastRun.IsZero() {
			return true
		}
		return now.Sub(lastRun) >= s.interval
	}
	return false
}

// Next returns the earliest time the task may fire after now, assuming it
// just ran at lastRun. Used only for status reporting.
func (s Schedule) Next(lastRun, now time.Time) time.Time {
	switch s.Type {
	case ScheduleCron:
		if s.spec == nil {
			return time.Time{}
		}
		next := s.spec.Next(now)
		if guard := lastRun.Add(minRerunGap); next.Before(guard) {
			// Skip ticks inside the re-run guard.
			for !next.IsZero() && next.Before(guard) {
				next = s.spec.Next(next)
			}
		}
		return next
	case ScheduleInterval:
		if lastRun.IsZero() {
			return now
		}
		next := lastRun.Add(s.interval)
		if guard := lastRun.Add(minRerunGap); next.Before(guard) {
			next = guard
		}
		return next
	}
	return time.Time{}
}
