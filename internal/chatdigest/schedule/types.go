package schedule

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"time"
)

var (
	// ErrInvalidTimeFormat is returned for a time-of-day that is not a valid
	// zero-padded 24h "HH:MM".
	ErrInvalidTimeFormat = errors.New("schedule: invalid time format, expected HH:MM (00:00-23:59)")

	// ErrInvalidTimezone is returned for a timezone name the runtime cannot load.
	ErrInvalidTimezone = errors.New("schedule: unknown timezone")

	// ErrNotFound is returned by Get when a conversation has no schedule.
	ErrNotFound = errors.New("schedule: not found")
)

var timeOfDayPattern = regexp.MustCompile(`^\d{2}:\d{2}$`)

// TimeOfDay is a wall-clock hour and minute.
type TimeOfDay struct {
	Hour   int
	Minute int
}

// ParseTimeOfDay parses a strict "HH:MM" string.
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	if !timeOfDayPattern.MatchString(s) {
		return TimeOfDay{}, fmt.Errorf("%w: %q", ErrInvalidTimeFormat, s)
	}
	h, _ := strconv.Atoi(s[:2])
	m, _ := strconv.Atoi(s[3:])
	if h > 23 || m > 59 {
		return TimeOfDay{}, fmt.Errorf("%w: %q", ErrInvalidTimeFormat, s)
	}
	return TimeOfDay{Hour: h, Minute: m}, nil
}

// MustParseTimeOfDay is ParseTimeOfDay for constants; it panics on error.
func MustParseTimeOfDay(s string) TimeOfDay {
	t, err := ParseTimeOfDay(s)
	if err != nil {
		panic(err)
	}
	return t
}

// String formats t as "HH:MM".
func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d", t.Hour, t.Minute)
}

// On returns the instant at which t occurs on the calendar day of d in loc.
// For a wall time skipped by a DST transition the result is normalised
// forward by time.Date.
func (t TimeOfDay) On(d Date, loc *time.Location) time.Time {
	return time.Date(d.Year, d.Month, d.Day, t.Hour, t.Minute, 0, 0, loc)
}

// Date is a calendar date with no timezone attached. Occurrences are
// identified by the Date on which they fall in their schedule's timezone.
type Date struct {
	Year  int
	Month time.Month
	Day   int
}

// DateOf returns the calendar date of t in t's own location.
func DateOf(t time.Time) Date {
	y, m, d := t.Date()
	return Date{Year: y, Month: m, Day: d}
}

// ParseDate parses "YYYY-MM-DD".
func ParseDate(s string) (Date, error) {
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return Date{}, fmt.Errorf("schedule: parse date %q: %w", s, err)
	}
	return DateOf(t), nil
}

// IsZero reports whether d is the zero Date (no occurrence recorded).
func (d Date) IsZero() bool { return d == Date{} }

// String formats d as "YYYY-MM-DD"; the zero Date formats as "".
func (d Date) String() string {
	if d.IsZero() {
		return ""
	}
	return fmt.Sprintf("%04d-%02d-%02d", d.Year, d.Month, d.Day)
}

// Before reports whether d is strictly earlier than o.
func (d Date) Before(o Date) bool {
	if d.Year != o.Year {
		return d.Year < o.Year
	}
	if d.Month != o.Month {
		return d.Month < o.Month
	}
	return d.Day < o.Day
}

// AddDays returns d shifted by n calendar days.
func (d Date) AddDays(n int) Date {
	return DateOf(time.Date(d.Year, d.Month, d.Day+n, 12, 0, 0, 0, time.UTC))
}

// Entry is one conversation's digest schedule.
type Entry struct {
	ConversationID string
	Time           TimeOfDay
	Timezone       string
	// LastFired is the local date of the last successful digest, or zero.
	LastFired Date
}

// Location loads the entry's timezone.
func (e Entry) Location() (*time.Location, error) {
	return LoadLocation(e.Timezone)
}
