package scheduler

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ══════════════════════════════════════════════════════════════════════════════
// INTERVAL
// ══════════════════════════════════════════════════════════════════════════════

// IntervalSchedule runs a job at a fixed interval.
type IntervalSchedule struct {
	Interval time.Duration
}

// Every returns an IntervalSchedule. Intervals below one second are raised to
// one second.
func Every(d time.Duration) IntervalSchedule {
	if d < time.Second {
		d = time.Second
	}
	return IntervalSchedule{Interval: d}
}

// Next implements Schedule.
func (s IntervalSchedule) Next(t time.Time) time.Time { return t.Add(s.Interval) }

func (s IntervalSchedule) String() string { return "@every " + s.Interval.String() }

// ══════════════════════════════════════════════════════════════════════════════
// CRON
// ══════════════════════════════════════════════════════════════════════════════

// CronSchedule is a standard five-field cron expression:
// minute hour day-of-month month day-of-week.
//
//	"*/5 * * * *"  every 5 minutes
//	"5 0 * * *"    every day at 00:05
//	"0 9 * * 1-5"  weekdays at 09:00
type CronSchedule struct {
	raw      string
	minutes  uint64
	hours    uint64
	days     uint64
	months   uint64
	weekdays uint64
}

type cronField struct {
	name     string
	min, max int
}

var cronFields = [5]cronField{
	{"minute", 0, 59},
	{"hour", 0, 23},
	{"day", 1, 31},
	{"month", 1, 12},
	{"weekday", 0, 6},
}

// ParseSchedule accepts a cron expression, "@every <duration>", "@hourly" or
// "@daily".
func ParseSchedule(expr string) (Schedule, error) {
	expr = strings.TrimSpace(expr)
	switch {
	case strings.HasPrefix(expr, "@every "):
		d, err := time.ParseDuration(strings.TrimSpace(strings.TrimPrefix(expr, "@every ")))
		if err != nil {
			return nil, fmt.Errorf("invalid interval %q: %w", expr, err)
		}
		if d <= 0 {
			return nil, fmt.Errorf("invalid interval %q: must be positive", expr)
		}
		return Every(d), nil
	case expr == "@hourly":
		return ParseCron("0 * * * *")
	case expr == "@daily":
		return ParseCron("0 0 * * *")
	}
	return ParseCron(expr)
}

// ParseCron parses a five-field cron expression. Each field accepts *, n,
// n-m, lists and /step suffixes.
func ParseCron(expr string) (*CronSchedule, error) {
	fields := strings.Fields(expr)
	if len(fields) != len(cronFields) {
		return nil, fmt.Errorf("invalid cron expression %q: expected 5 fields, got %d", expr, len(fields))
	}

	var sets [5]uint64
	for i, f := range fields {
		set, err := parseCronField(f, cronFields[i])
		if err != nil {
			return nil, fmt.Errorf("invalid cron expression %q: %w", expr, err)
		}
		sets[i] = set
	}
	return &CronSchedule{
		raw:      expr,
		minutes:  sets[0],
		hours:    sets[1],
		days:     sets[2],
		months:   sets[3],
		weekdays: sets[4],
	}, nil
}

// MustParseCron is ParseCron that panics. For package-level schedules only.
func MustParseCron(expr string) *CronSchedule {
	s, err := ParseCron(expr)
	if err != nil {
		panic(err)
	}
	return s
}

func parseCronField(field string, spec cronField) (uint64, error) {
	var set uint64
	for _, part := range strings.Split(field, ",") {
		lo, hi, step := spec.min, spec.max, 1

		rng := part
		if i := strings.IndexByte(part, '/'); i >= 0 {
			n, err := strconv.Atoi(part[i+1:])
			if err != nil || n <= 0 {
				return 0, fmt.Errorf("%s: invalid step in %q", spec.name, part)
			}
			step, rng = n, part[:i]
		}

		switch {
		case rng == "*":
		case strings.Contains(rng, "-"):
			a, b, _ := strings.Cut(rng, "-")
			var err1, err2 error
			lo, err1 = strconv.Atoi(a)
			hi, err2 = strconv.Atoi(b)
			if err1 != nil || err2 != nil {
				return 0, fmt.Errorf("%s: invalid range %q", spec.name, rng)
			}
		default:
			n, err := strconv.Atoi(rng)
			if err != nil {
				return 0, fmt.Errorf("%s: invalid value %q", spec.name, rng)
			}
			lo = n
			if step == 1 {
				hi = n
			}
		}

		if lo < spec.min || hi > spec.max || lo > hi {
			return 0, fmt.Errorf("%s: %q out of range [%d-%d]", spec.name, part, spec.min, spec.max)
		}
		for v := lo; v <= hi; v += step {
			set |= 1 << uint(v)
		}
	}
	return set, nil
}

func (s *CronSchedule) String() string { return s.raw }

// Next returns the first matching minute strictly after t, or the zero time
// when nothing matches within a year.
func (s *CronSchedule) Next(t time.Time) time.Time {
	next := t.Truncate(time.Minute).Add(time.Minute)
	limit := next.AddDate(1, 0, 0)

	for next.Before(limit) {
		switch {
		case !has(s.months, int(next.Month())):
			next = time.Date(next.Year(), next.Month()+1, 1, 0, 0, 0, 0, next.Location())
		case !has(s.days, next.Day()) || !has(s.weekdays, int(next.Weekday())):
			next = time.Date(next.Year(), next.Month(), next.Day()+1, 0, 0, 0, 0, next.Location())
		case !has(s.hours, next.Hour()):
			next = next.Truncate(time.Hour).Add(time.Hour)
		case !has(s.minutes, next.Minute()):
			next = next.Add(time.Minute)
		default:
			return next
		}
	}
	return time.Time{}
}

func has(set uint64, v int) bool { return set&(1<<uint(v)) != 0 }
