package utils

import (
	"fmt"
	"time"
)

// Session describes the regular trading session of an exchange.
type Session struct {
	Location *time.Location
	OpenMin  int // minutes after midnight
	CloseMin int
}

// NewSession builds a session from a time zone name and "HH:MM" open/close times.
func NewSession(tz, open, close string) (Session, error) {
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return Session{}, fmt.Errorf("loading time zone %q: %w", tz, err)
	}
	openMin, err := parseClock(open)
	if err != nil {
		return Session{}, err
	}
	closeMin, err := parseClock(close)
	if err != nil {
		return Session{}, err
	}
	if closeMin <= openMin {
		return Session{}, fmt.Errorf("session close %s must be after open %s", close, open)
	}
	return Session{Location: loc, OpenMin: openMin, CloseMin: closeMin}, nil
}

// DefaultSession returns the US equities regular session, 09:30-16:00 New York.
func DefaultSession() Session {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		loc = time.FixedZone("EST", -5*60*60)
	}
	return Session{Location: loc, OpenMin: 9*60 + 30, CloseMin: 16 * 60}
}

func parseClock(s string) (int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("invalid clock time %q: %w", s, err)
	}
	return t.Hour()*60 + t.Minute(), nil
}

func (s Session) loc() *time.Location {
	if s.Location == nil {
		return time.UTC
	}
	return s.Location
}

// Date returns the session date of t, used as the reset boundary for daily counters.
func (s Session) Date(t time.Time) string {
	return t.In(s.loc()).Format("2006-01-02")
}

// IsOpen reports whether t falls inside the regular session on a weekday.
func (s Session) IsOpen(t time.Time) bool {
	local := t.In(s.loc())
	if local.Weekday() == time.Saturday || local.Weekday() == time.Sunday {
		return false
	}
	m := local.Hour()*60 + local.Minute()
	return m >= s.OpenMin && m < s.CloseMin
}

// NextClose returns the first session close at or after t.
func (s Session) NextClose(t time.Time) time.Time {
	local := t.In(s.loc())
	next := time.Date(local.Year(), local.Month(), local.Day(), s.CloseMin/60, s.CloseMin%60, 0, 0, s.loc())
	if local.After(next) {
		next = next.AddDate(0, 0, 1)
	}
	// Skip weekends
	for next.Weekday() == time.Saturday || next.Weekday() == time.Sunday {
		next = next.AddDate(0, 0, 1)
	}
	return next
}
