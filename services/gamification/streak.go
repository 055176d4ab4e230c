package gamification

import (
	"time"

	"github.com/cppla/ecoreceipt/models"
)

// period maps an instant onto the calendar unit a streak counts in.
type period func(t time.Time, loc *time.Location) time.Time

func dayOf(t time.Time, loc *time.Location) time.Time {
	t = t.In(loc)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
}

// weekOf returns the Monday starting t's ISO week.
func weekOf(t time.Time, loc *time.Location) time.Time {
	d := dayOf(t, loc)
	offset := (int(d.Weekday()) + 6) % 7
	return d.AddDate(0, 0, -offset)
}

// civilDays counts calendar days from a to b, ignoring DST shifts.
func civilDays(a, b time.Time) int {
	ua := time.Date(a.Year(), a.Month(), a.Day(), 0, 0, 0, 0, time.UTC)
	ub := time.Date(b.Year(), b.Month(), b.Day(), 0, 0, 0, 0, time.UTC)
	return int(ub.Sub(ua).Hours() / 24)
}

// advance applies one qualifying occurrence at t to s. It reports whether s changed.
// A repeat within the same unit is a no-op, the next unit increments, a larger gap
// restarts at 1. Occurrences older than the last one are ignored.
func advance(s *models.Streak, t time.Time, unit period, unitDays int, loc *time.Location) bool {
	at := unit(t, loc)
	if s.LastDate == nil {
		s.Current = 1
	} else {
		gap := civilDays(unit(*s.LastDate, loc), at) / unitDays
		switch {
		case gap <= 0:
			return false
		case gap == 1:
			s.Current++
		default:
			s.Current = 1
		}
	}
	s.LastDate = &at
	if s.Current > s.Longest {
		s.Longest = s.Current
	}
	return true
}

func advanceDaily(s *models.Streak, t time.Time, loc *time.Location) bool {
	return advance(s, t, dayOf, 1, loc)
}

func advanceWeekly(s *models.Streak, t time.Time, loc *time.Location) bool {
	return advance(s, t, weekOf, 7, loc)
}
