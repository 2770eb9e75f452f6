package ics

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/teambition/rrule-go"

	appLog "calarm/internal/log"
	"calarm/internal/model"
)

const (
	defaultMaxOccurrencesPerEvent = 5000
)

// ExpandConfig controls how recurrence expansion is performed.
type ExpandConfig struct {
	// RangeStart / RangeEnd define the inclusive time window for occurrences.
	RangeStart time.Time
	RangeEnd   time.Time

	// MaxOccurrencesPerEvent is a safety cap to avoid extremely large
	// expansions. If zero, defaultMaxOccurrencesPerEvent is used.
	MaxOccurrencesPerEvent int
}

// ExpandResult wraps the list of expanded occurrences and optionally
// information about truncation.
type ExpandResult struct {
	// Occurrences are copies of their appointment with StartCurrent and
	// EndCurrent set, ordered by start time.
	Occurrences []*model.Appointment
	// TruncatedUIDs records UIDs that hit the MaxOccurrencesPerEvent cap.
	TruncatedUIDs []string
}

// Expand returns the occurrences of a single appointment that intersect
// [from, to]. It never modifies a.
func Expand(a *model.Appointment, from, to time.Time) []*model.Appointment {
	occ, _ := expandOne(a, ExpandConfig{RangeStart: from, RangeEnd: to})
	return occ
}

// ExpandOccurrences expands a list of appointments into concrete
// occurrences within the configured range. It handles:
//
//   - single non-recurring appointments
//   - HOURLY/DAILY/WEEKLY/MONTHLY/YEARLY rules with BYDAY ordinals
//   - EXDATE removal and RDATE addition
//   - count and until limits
//   - todos recurring from their completion time
//
// The result is ordered by start time, then UID.
func ExpandOccurrences(appts []*model.Appointment, cfg ExpandConfig) (ExpandResult, error) {
	var result ExpandResult

	if cfg.RangeEnd.Before(cfg.RangeStart) {
		return result, errors.New("expand: RangeEnd is before RangeStart")
	}
	if cfg.MaxOccurrencesPerEvent <= 0 {
		cfg.MaxOccurrencesPerEvent = defaultMaxOccurrencesPerEvent
	}

	all := make([]*model.Appointment, 0)
	for _, a := range appts {
		occ, hitCap := expandOne(a, cfg)
		if hitCap {
			result.TruncatedUIDs = append(result.TruncatedUIDs, a.UID)
			appLog.Error("expand: truncated occurrences for UID due to cap",
				errors.New("max occurrences reached"),
				"uid", a.UID,
				"cap", cfg.MaxOccurrencesPerEvent,
			)
		}
		all = append(all, occ...)
	}

	SortOccurrences(all)
	result.Occurrences = all
	return result, nil
}

// SortOccurrences orders occurrences by current start, then UID.
func SortOccurrences(occ []*model.Appointment) {
	slices.SortStableFunc(occ, func(x, y *model.Appointment) int {
		if c := x.StartCurrent.Compare(y.StartCurrent); c != 0 {
			return c
		}
		if x.UID < y.UID {
			return -1
		}
		if x.UID > y.UID {
			return 1
		}
		return 0
	})
}

func expandOne(a *model.Appointment, cfg ExpandConfig) ([]*model.Appointment, bool) {
	if cfg.MaxOccurrencesPerEvent <= 0 {
		cfg.MaxOccurrencesPerEvent = defaultMaxOccurrencesPerEvent
	}
	base := recurBase(a)
	if base.IsZero() {
		return nil, false
	}

	// Single non-recurring appointment
	if !a.IsRecurring() {
		start, end := occurrenceBounds(a, base)
		if !overlaps(start, end, cfg.RangeStart, cfg.RangeEnd) {
			return nil, false
		}
		return []*model.Appointment{makeOccurrence(a, start, end)}, false
	}

	set, err := buildSet(a, base)
	if err != nil {
		appLog.Error("expand: failed to build recurrence", err, "uid", a.UID)
		return nil, false
	}

	// Occurrences starting before the window can still run into it.
	earliest := cfg.RangeStart.Add(-a.Length())

	out := make([]*model.Appointment, 0)
	next := set.Iterator()
	for {
		t, ok := next()
		if !ok || t.After(cfg.RangeEnd) {
			break
		}
		if t.Before(earliest) {
			continue
		}
		start, end := occurrenceBounds(a, t)
		if !overlaps(start, end, cfg.RangeStart, cfg.RangeEnd) {
			continue
		}
		if len(out) >= cfg.MaxOccurrencesPerEvent {
			return out, true
		}
		out = append(out, makeOccurrence(a, start, end))
	}
	return out, false
}

// NextOccurrence returns the first occurrence of a starting at or after
// the given time.
func NextOccurrence(a *model.Appointment, after time.Time) (*model.Appointment, bool) {
	base := recurBase(a)
	if base.IsZero() {
		return nil, false
	}
	if !a.IsRecurring() {
		if base.Before(after) {
			return nil, false
		}
		start, end := occurrenceBounds(a, base)
		return makeOccurrence(a, start, end), true
	}
	set, err := buildSet(a, base)
	if err != nil {
		appLog.Error("expand: failed to build recurrence", err, "uid", a.UID)
		return nil, false
	}
	next := set.Iterator()
	for {
		t, ok := next()
		if !ok {
			return nil, false
		}
		if t.Before(after) {
			continue
		}
		start, end := occurrenceBounds(a, t)
		return makeOccurrence(a, start, end), true
	}
}

// Current returns the occurrence running at now, or the next one when
// nothing is running.
func Current(a *model.Appointment, now time.Time) (*model.Appointment, bool) {
	if running := Expand(a, now, now); len(running) > 0 {
		return running[0], true
	}
	return NextOccurrence(a, now)
}

// CompareTimes checks the time bounds of a and returns the length of
// its base interval.
func CompareTimes(a *model.Appointment) (time.Duration, error) {
	if a.Start.IsZero() {
		return 0, fmt.Errorf("%w: missing start time", model.ErrValidation)
	}
	if a.UseDuration {
		if a.Duration < 0 {
			return 0, fmt.Errorf("%w: negative duration", model.ErrValidation)
		}
		return a.Duration, nil
	}
	if a.End.IsZero() {
		return 0, nil
	}
	if a.End.Before(a.Start) {
		return 0, fmt.Errorf("%w: end before start", model.ErrValidation)
	}
	return a.End.Sub(a.Start), nil
}

// recurBase is the time recurrence advances from: the start, or the last
// completion for todos that recur from completion.
func recurBase(a *model.Appointment) time.Time {
	if a.Type == model.TypeTodo && a.Todo != nil && a.Todo.BaseOnCompletion &&
		a.Todo.Completed && !a.Todo.CompletedTime.IsZero() {
		return a.Todo.CompletedTime.In(a.Start.Location())
	}
	return a.Start
}

func buildSet(a *model.Appointment, base time.Time) (*rrule.Set, error) {
	opt, ok := buildOption(a, base)
	if !ok {
		return nil, fmt.Errorf("%w: no frequency", model.ErrValidation)
	}
	r, err := rrule.NewRRule(opt)
	if err != nil {
		return nil, err
	}
	set := &rrule.Set{}
	set.RRule(r)
	for _, ex := range a.Recur.Exceptions {
		// Align exception location with the base so wall-clock values match.
		t := ex.Time.In(base.Location())
		switch ex.Kind {
		case model.ExDate:
			set.ExDate(t)
		case model.RDate:
			set.RDate(t)
		}
	}
	return set, nil
}

// occurrenceBounds returns start and end of the occurrence starting at t.
// All-day occurrences keep their length in whole calendar days.
func occurrenceBounds(a *model.Appointment, t time.Time) (time.Time, time.Time) {
	if a.AllDay {
		start := model.StartOfDay(t)
		days := int(a.Length().Round(time.Hour).Hours()) / 24
		if days < 1 {
			days = 1
		}
		return start, start.AddDate(0, 0, days)
	}
	return t, t.Add(a.Length())
}

// makeOccurrence copies a and records the concrete occurrence times.
func makeOccurrence(a *model.Appointment, start, end time.Time) *model.Appointment {
	occ := a.Clone()
	occ.StartCurrent = start
	occ.EndCurrent = end
	return occ
}

// overlaps reports whether [aStart, aEnd] touches the closed window
// [bStart, bEnd]. An occurrence ending exactly at bStart does not count
// unless it also starts there.
func overlaps(aStart, aEnd, bStart, bEnd time.Time) bool {
	if aStart.After(bEnd) {
		return false
	}
	if !aStart.Before(bStart) {
		return true
	}
	return aEnd.After(bStart)
}
