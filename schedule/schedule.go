// Package schedule defines the job schedule forms and computes the next
// firing instant for each of them.
//
// Three forms exist: Interval ("every N units", drifting or aligned to
// boundaries), Daily ("at HH:MM"), and Cron (a five-field expression, see
// package cronexpr).
package schedule

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"time"

	"git.home.luguber.info/inful/cronlock/cronexpr"
)

// ErrInvalidSchedule is returned when a value matches no schedule form or
// fails validation.
var ErrInvalidSchedule = errors.New("schedule: invalid schedule")

// Unit is the time unit of an Interval schedule.
type Unit string

const (
	Seconds Unit = "seconds"
	Minutes Unit = "minutes"
	Hours   Unit = "hours"
	Days    Unit = "days"
)

func (u Unit) duration() (time.Duration, bool) {
	switch u {
	case Seconds:
		return time.Second, true
	case Minutes:
		return time.Minute, true
	case Hours:
		return time.Hour, true
	case Days:
		return 24 * time.Hour, true
	default:
		return 0, false
	}
}

// Schedule is the tagged union of the three schedule forms.
type Schedule interface {
	// Validate checks the schedule's own fields. All errors wrap
	// ErrInvalidSchedule.
	Validate() error

	schedule()
}

// Interval fires every Every units. In drift mode the interval is measured
// from the previous scheduling instant; in aligned mode the next firing
// snaps to a boundary multiple of the interval in the chosen zone.
type Interval struct {
	Every   int
	Unit    Unit
	Aligned bool
}

func (Interval) schedule() {}

func (s Interval) Validate() error {
	if s.Every <= 0 {
		return fmt.Errorf("%w: interval must be positive, got %d", ErrInvalidSchedule, s.Every)
	}
	if _, ok := s.Unit.duration(); !ok {
		return fmt.Errorf("%w: unknown unit %q", ErrInvalidSchedule, s.Unit)
	}
	return nil
}

// Daily fires once a day at a fixed wall-clock time "H:MM" or "HH:MM".
type Daily struct {
	At string
}

func (Daily) schedule() {}

var dailyAtPattern = regexp.MustCompile(`^(\d{1,2}):(\d{2})$`)

func (s Daily) Validate() error {
	_, _, err := s.clock()
	return err
}

func (s Daily) clock() (hour, minute int, err error) {
	m := dailyAtPattern.FindStringSubmatch(s.At)
	if m == nil {
		return 0, 0, fmt.Errorf("%w: daily time %q is not H:MM", ErrInvalidSchedule, s.At)
	}
	hour, _ = strconv.Atoi(m[1])
	minute, _ = strconv.Atoi(m[2])
	if hour > 23 {
		return 0, 0, fmt.Errorf("%w: hour %d out of range 0-23", ErrInvalidSchedule, hour)
	}
	if minute > 59 {
		return 0, 0, fmt.Errorf("%w: minute %d out of range 0-59", ErrInvalidSchedule, minute)
	}
	return hour, minute, nil
}

// Cron fires per a five-field cron expression.
type Cron struct {
	Expr string
}

func (Cron) schedule() {}

func (s Cron) Validate() error {
	if _, err := cronexpr.Parse(s.Expr); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidSchedule, err)
	}
	return nil
}

// Next computes the first firing instant strictly after from. When utc is
// false the local zone drives wall-clock arithmetic (alignment boundaries,
// midnight, daily times).
func Next(s Schedule, from time.Time, utc bool) (time.Time, error) {
	loc := time.Local
	if utc {
		loc = time.UTC
	}

	switch v := s.(type) {
	case Interval:
		return nextInterval(v, from, loc)
	case Daily:
		return nextDaily(v, from, loc)
	case Cron:
		fields, err := cronexpr.Parse(v.Expr)
		if err != nil {
			return time.Time{}, err
		}
		return fields.Next(from, loc)
	case nil:
		return time.Time{}, fmt.Errorf("%w: nil schedule", ErrInvalidSchedule)
	default:
		return time.Time{}, fmt.Errorf("%w: unknown schedule type %T", ErrInvalidSchedule, s)
	}
}
