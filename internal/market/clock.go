// Package market provides exchange-local time handling and the index catalog.
package market

import (
	"fmt"
	"time"
)

// Clock abstracts wall time so the engine and tests can share one time source.
type Clock interface {
	Now() time.Time
}

// RealClock returns system time.
type RealClock struct{}

// Now returns the current wall time.
func (RealClock) Now() time.Time { return time.Now() }

// IST returns the exchange timezone. Falls back to a fixed UTC+5:30 zone
// for minimal containers without tzdata.
func IST() *time.Location {
	loc, err := time.LoadLocation("Asia/Kolkata")
	if err != nil {
		return time.FixedZone("IST", 5*3600+30*60)
	}
	return loc
}

// Session holds the trading day cutoffs in IST. All predicates are pure
// functions of the supplied wall time.
type Session struct {
	loc        *time.Location
	open       clockTime
	close      clockTime
	entryOpen  clockTime
	entryClose clockTime
	forceFlat  clockTime
}

type clockTime struct {
	hour, minute int
}

func parseClockTime(s string) (clockTime, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return clockTime{}, fmt.Errorf("invalid HH:MM time %q: %w", s, err)
	}
	return clockTime{hour: t.Hour(), minute: t.Minute()}, nil
}

func (c clockTime) minutes() int { return c.hour*60 + c.minute }

// SessionTimes configures a Session. Zero-value fields use NSE defaults.
type SessionTimes struct {
	EntryOpen  string // "09:25"
	EntryClose string // "15:10"
	ForceFlat  string // "15:25"
	Close      string // "15:30"
}

// NSE cash session opens at 09:15 IST.
const sessionOpenIST = "09:15"

// NewSession builds a Session from HH:MM strings, validating their ordering.
func NewSession(times SessionTimes) (*Session, error) {
	if times.EntryOpen == "" {
		times.EntryOpen = "09:25"
	}
	if times.EntryClose == "" {
		times.EntryClose = "15:10"
	}
	if times.ForceFlat == "" {
		times.ForceFlat = "15:25"
	}
	if times.Close == "" {
		times.Close = "15:30"
	}

	s := &Session{loc: IST()}
	var err error
	if s.open, err = parseClockTime(sessionOpenIST); err != nil {
		return nil, err
	}
	if s.entryOpen, err = parseClockTime(times.EntryOpen); err != nil {
		return nil, fmt.Errorf("entry open: %w", err)
	}
	if s.entryClose, err = parseClockTime(times.EntryClose); err != nil {
		return nil, fmt.Errorf("entry close: %w", err)
	}
	if s.forceFlat, err = parseClockTime(times.ForceFlat); err != nil {
		return nil, fmt.Errorf("force flat: %w", err)
	}
	if s.close, err = parseClockTime(times.Close); err != nil {
		return nil, fmt.Errorf("session close: %w", err)
	}

	if !(s.open.minutes() <= s.entryOpen.minutes() &&
		s.entryOpen.minutes() < s.entryClose.minutes() &&
		s.entryClose.minutes() <= s.forceFlat.minutes() &&
		s.forceFlat.minutes() < s.close.minutes()) {
		return nil, fmt.Errorf("session cutoffs out of order: open=%s entry=[%s,%s] forceFlat=%s close=%s",
			sessionOpenIST, times.EntryOpen, times.EntryClose, times.ForceFlat, times.Close)
	}

	return s, nil
}

// Location returns the exchange timezone the session operates in.
func (s *Session) Location() *time.Location { return s.loc }

func (s *Session) minutesOfDay(t time.Time) int {
	ist := t.In(s.loc)
	return ist.Hour()*60 + ist.Minute()
}

// IsWeekday reports whether t falls Monday through Friday in IST.
func (s *Session) IsWeekday(t time.Time) bool {
	wd := t.In(s.loc).Weekday()
	return wd != time.Saturday && wd != time.Sunday
}

// WithinSession reports whether t is inside [09:15, close] IST on a weekday.
func (s *Session) WithinSession(t time.Time) bool {
	if !s.IsWeekday(t) {
		return false
	}
	m := s.minutesOfDay(t)
	return m >= s.open.minutes() && m <= s.close.minutes()
}

// WithinEntryWindow reports whether new entries are permitted at t.
func (s *Session) WithinEntryWindow(t time.Time) bool {
	if !s.IsWeekday(t) {
		return false
	}
	m := s.minutesOfDay(t)
	return m >= s.entryOpen.minutes() && m <= s.entryClose.minutes()
}

// AtOrAfterForceFlat reports whether the unconditional squareoff cutoff
// has been reached at t.
func (s *Session) AtOrAfterForceFlat(t time.Time) bool {
	return s.minutesOfDay(t) >= s.forceFlat.minutes()
}

// SessionDay returns the IST calendar date of t, used as the RiskBook and
// day-stats key.
func (s *Session) SessionDay(t time.Time) string {
	return t.In(s.loc).Format("2006-01-02")
}
