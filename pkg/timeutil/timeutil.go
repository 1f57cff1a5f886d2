// Package timeutil provides calendar-day arithmetic in a fixed location.
// Streaks and health decay are counted in calendar days of the learner's
// zone, never in 24h windows.
package timeutil

import (
	"fmt"
	"time"
)

// Calendar does day arithmetic in one location.
type Calendar struct {
	loc *time.Location
}

// NewCalendar returns a Calendar for loc. A nil loc means UTC.
func NewCalendar(loc *time.Location) Calendar {
	if loc == nil {
		loc = time.UTC
	}
	return Calendar{loc: loc}
}

// LoadCalendar resolves an IANA zone name ("" and "UTC" are UTC,
// "Local" is the host zone).
func LoadCalendar(name string) (Calendar, error) {
	switch name {
	case "", "UTC":
		return NewCalendar(time.UTC), nil
	case "Local":
		return NewCalendar(time.Local), nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return Calendar{}, fmt.Errorf("load time zone %q: %w", name, err)
	}
	return NewCalendar(loc), nil
}

// Location returns the calendar's location.
func (c Calendar) Location() *time.Location {
	if c.loc == nil {
		return time.UTC
	}
	return c.loc
}

// StartOfDay returns 00:00:00 of t's day in the calendar's location.
func (c Calendar) StartOfDay(t time.Time) time.Time {
	l := t.In(c.Location())
	return time.Date(l.Year(), l.Month(), l.Day(), 0, 0, 0, 0, c.Location())
}

// EndOfDay returns the last nanosecond of t's day.
func (c Calendar) EndOfDay(t time.Time) time.Time {
	return c.StartOfDay(t).AddDate(0, 0, 1).Add(-time.Nanosecond)
}

// DaysBetween returns the number of calendar days from a to b.
// It is negative when b is on an earlier day than a.
func (c Calendar) DaysBetween(a, b time.Time) int {
	da := c.StartOfDay(a)
	db := c.StartOfDay(b)
	// Dates, not durations: DST days are 23h or 25h long.
	ya, ma, dda := da.Date()
	yb, mb, ddb := db.Date()
	ua := time.Date(ya, ma, dda, 0, 0, 0, 0, time.UTC)
	ub := time.Date(yb, mb, ddb, 0, 0, 0, 0, time.UTC)
	return int(ub.Sub(ua).Hours() / 24)
}

// IsSameDay reports whether a and b fall on the same calendar day.
func (c Calendar) IsSameDay(a, b time.Time) bool {
	return c.DaysBetween(a, b) == 0
}

// IsConsecutiveDay reports whether next is exactly one day after prev.
func (c Calendar) IsConsecutiveDay(prev, next time.Time) bool {
	return c.DaysBetween(prev, next) == 1
}

// Ago renders the distance between t and now the way status output shows
// the last sync time ("just now", "5m ago", "3h ago", "2d ago").
func Ago(t, now time.Time) string {
	if t.IsZero() {
		return "never"
	}
	d := now.Sub(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}
