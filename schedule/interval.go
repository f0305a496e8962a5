package schedule

import (
	"time"
)

// nextInterval computes the next firing for an Interval schedule.
//
// Drift mode adds the interval to from, preserving any sub-minute offset.
// Aligned mode snaps to the next boundary multiple of Every in loc, with
// seconds and sub-second fields zeroed.
func nextInterval(s Interval, from time.Time, loc *time.Location) (time.Time, error) {
	if err := s.Validate(); err != nil {
		return time.Time{}, err
	}

	if !s.Aligned {
		unit, _ := s.Unit.duration()
		return from.Add(time.Duration(s.Every) * unit), nil
	}

	t := from.In(loc)
	year, month, day := t.Date()

	switch s.Unit {
	case Seconds:
		next := (t.Second()/s.Every + 1) * s.Every
		return time.Date(year, month, day, t.Hour(), t.Minute(), next, 0, loc), nil
	case Minutes:
		next := (t.Minute()/s.Every + 1) * s.Every
		return time.Date(year, month, day, t.Hour(), next, 0, 0, loc), nil
	case Hours:
		next := (t.Hour()/s.Every + 1) * s.Every
		return time.Date(year, month, day, next, 0, 0, 0, loc), nil
	case Days:
		// Midnight today plus Every days. For Every > 1 the anchor is the
		// current day, not a fixed calendar epoch, so the boundary drifts
		// with the scheduling instant.
		return time.Date(year, month, day+s.Every, 0, 0, 0, 0, loc), nil
	}

	// Unreachable: Validate covers the unit set.
	return time.Time{}, ErrInvalidSchedule
}

// nextDaily computes today's H:MM in loc, or tomorrow's when that instant
// has already passed.
func nextDaily(s Daily, from time.Time, loc *time.Location) (time.Time, error) {
	hour, minute, err := s.clock()
	if err != nil {
		return time.Time{}, err
	}

	t := from.In(loc)
	year, month, day := t.Date()

	candidate := time.Date(year, month, day, hour, minute, 0, 0, loc)
	if !candidate.After(from) {
		candidate = time.Date(year, month, day+1, hour, minute, 0, 0, loc)
	}
	return candidate, nil
}
