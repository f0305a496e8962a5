package cronexpr

import (
	"errors"
	"slices"
	"time"
)

// ErrImpossibleSchedule is returned when no matching instant exists within
// the search horizon (for example `0 9 30 2 *`).
var ErrImpossibleSchedule = errors.New("cron: no matching instant within four years")

// searchCapMinutes bounds the minute-by-minute search to roughly four years.
const searchCapMinutes = 4 * 365 * 24 * 60

// Next returns the first instant strictly after from that matches the
// parsed expression, evaluated in loc. The result always has zero seconds
// and sub-second fields.
func (f *Fields) Next(from time.Time, loc *time.Location) (time.Time, error) {
	t := from.In(loc)
	// Round up to the next whole minute.
	t = time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), 0, 0, loc).Add(time.Minute)

	for i := 0; i < searchCapMinutes; i++ {
		if f.matches(t) {
			return t, nil
		}
		t = t.Add(time.Minute)
	}
	return time.Time{}, ErrImpossibleSchedule
}

// matches reports whether the instant satisfies all five fields.
func (f *Fields) matches(t time.Time) bool {
	if !slices.Contains(f.Minute, t.Minute()) {
		return false
	}
	if !slices.Contains(f.Hour, t.Hour()) {
		return false
	}
	if !slices.Contains(f.Month, int(t.Month())) {
		return false
	}
	return f.dayMatches(t)
}

// dayMatches applies the standard cron day-of-month / day-of-week rule:
// when both fields are restricted the match is an OR, otherwise an AND
// (a wildcard field matches every day).
func (f *Fields) dayMatches(t time.Time) bool {
	domMatch := slices.Contains(f.DayOfMonth, t.Day())
	if f.LastDayOfMonth {
		domMatch = isLastDayOfMonth(t)
	}
	dowMatch := slices.Contains(f.DayOfWeek, int(t.Weekday()))

	domRestricted := f.LastDayOfMonth || !f.DayOfMonthStar
	dowRestricted := !f.DayOfWeekStar

	if domRestricted && dowRestricted {
		return domMatch || dowMatch
	}
	return domMatch && dowMatch
}

// isLastDayOfMonth reports whether the following day falls in a different
// month, evaluated in t's location.
func isLastDayOfMonth(t time.Time) bool {
	return t.AddDate(0, 0, 1).Month() != t.Month()
}
