package model

import (
	"errors"
	"fmt"
	"slices"
	"time"
)

// ErrValidation marks malformed appointments: bad enums, inconsistent
// time bounds, or Todo-only state on other types.
var ErrValidation = errors.New("invalid appointment")

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// Normalize corrects recoverable inconsistencies in place. Callers rely on
// it instead of getting errors for them:
//   - interval below 1 becomes 1
//   - a count limit without a positive count becomes unlimited
//   - an until limit without a date becomes unlimited, one before the start
//     is clamped to the start
//   - the unused limit value is cleared so only one limit kind stays active
//   - ordinals of weekdays that are not selected are cleared
//   - exceptions are sorted by time
//   - a Todo without its Todo part gets an empty one
func (a *Appointment) Normalize() {
	r := &a.Recur
	if r.Interval < 1 {
		r.Interval = 1
	}
	switch r.Limit {
	case LimitCount:
		if r.Count <= 0 {
			r.Limit = LimitNone
			r.Count = 0
		}
		r.Until = time.Time{}
	case LimitUntil:
		if r.Until.IsZero() {
			r.Limit = LimitNone
		} else if r.Until.Before(a.Start) {
			r.Until = a.Start
		}
		r.Count = 0
	default:
		r.Limit = LimitNone
		r.Count = 0
		r.Until = time.Time{}
	}
	for i := range r.ByDay {
		if !r.ByDay[i] {
			r.ByDayCount[i] = 0
		}
	}
	slices.SortStableFunc(r.Exceptions, func(x, y Exception) int {
		return x.Time.Compare(y.Time)
	})
	if a.Type == TypeTodo && a.Todo == nil {
		a.Todo = &TodoFields{}
	}
	if a.UseDuration && a.Duration < 0 {
		a.Duration = 0
	}
}

// Validate reports problems Normalize cannot fix.
func (a *Appointment) Validate() error {
	switch a.Type {
	case TypeEvent, TypeTodo, TypeJournal:
	default:
		return invalid("unknown type %d", a.Type)
	}
	if a.Type != TypeTodo && a.Todo != nil {
		return invalid("%s cannot carry todo fields", a.Type)
	}
	if a.Recur.Freq < FreqNone || a.Recur.Freq > FreqHourly {
		return invalid("unknown frequency %d", a.Recur.Freq)
	}
	if a.Recur.Limit < LimitNone || a.Recur.Limit > LimitUntil {
		return invalid("unknown recurrence limit %d", a.Recur.Limit)
	}
	if a.Start.IsZero() && a.Type == TypeEvent {
		return invalid("missing start time")
	}
	if a.UseDuration {
		if a.Duration < 0 {
			return invalid("negative duration")
		}
	} else if !a.End.IsZero() && !a.Start.IsZero() && a.End.Before(a.Start) {
		return invalid("end %s before start %s", a.End, a.Start)
	}
	for i, c := range a.Recur.ByDayCount {
		if c < -5 || c > 53 {
			return invalid("weekday %d ordinal %d out of range", i, c)
		}
	}
	for _, ex := range a.Recur.Exceptions {
		if ex.Kind != ExDate && ex.Kind != RDate {
			return invalid("unknown exception kind %d", ex.Kind)
		}
		if ex.Time.IsZero() {
			return invalid("exception without time")
		}
	}
	if a.Alarm.SoundRepeatCount < 0 || a.Alarm.SoundRepeatInterval < 0 {
		return invalid("negative sound repeat")
	}
	return nil
}
