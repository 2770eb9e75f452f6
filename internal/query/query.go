// Package query answers day, range and text lookups over the loaded
// calendars by expanding recurrences on the fly.
package query

import (
	"strings"
	"sync"
	"time"

	"golang.org/x/text/cases"

	"calarm/internal/ics"
	"calarm/internal/model"
	"calarm/internal/store"
)

// AnyType matches appointments of every type.
const AnyType model.Type = -1

// Source is the part of the store the finder reads.
type Source interface {
	Snapshot(scope store.Scope) []*model.Appointment
}

// Finder iterates occurrences. NextOnDay and NextWithString are cursors:
// a call with first set restarts the iteration, later calls continue it.
type Finder struct {
	src Source

	mu      sync.Mutex
	fold    cases.Caser
	dayCur  []*model.Appointment
	dayPos  int
	textCur []*model.Appointment
	textPos int
}

// NewFinder creates a Finder over src.
func NewFinder(src Source) *Finder {
	return &Finder{src: src, fold: cases.Fold()}
}

// window returns the closed range covering days whole days from day.
func window(day time.Time, days int) (time.Time, time.Time) {
	if days < 1 {
		days = 1
	}
	from := model.StartOfDay(day)
	return from, from.AddDate(0, 0, days).Add(-time.Nanosecond)
}

func typeMatches(a *model.Appointment, typ model.Type) bool {
	return typ == AnyType || a.Type == typ
}

// InRange returns every occurrence overlapping [day, day+days) of the
// given type, ordered by start then UID.
func (f *Finder) InRange(day time.Time, days int, typ model.Type, scope store.Scope) []*model.Appointment {
	from, to := window(day, days)
	var appts []*model.Appointment
	for _, a := range f.src.Snapshot(scope) {
		if typeMatches(a, typ) {
			appts = append(appts, a)
		}
	}
	res, err := ics.ExpandOccurrences(appts, ics.ExpandConfig{RangeStart: from, RangeEnd: to})
	if err != nil {
		return nil
	}
	return res.Occurrences
}

// EachInRange calls collect for every occurrence InRange returns.
func (f *Finder) EachInRange(day time.Time, days int, typ model.Type, scope store.Scope, collect func(*model.Appointment)) {
	for _, occ := range f.InRange(day, days, typ, scope) {
		collect(occ)
	}
}

// NextOnDay returns the next occurrence of typ starting within
// [day, day+days). With first the iteration restarts at the earliest one.
func (f *Finder) NextOnDay(day time.Time, first bool, days int, typ model.Type, scope store.Scope) (*model.Appointment, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if first || f.dayCur == nil {
		from, to := window(day, days)
		f.dayCur = f.dayCur[:0]
		for _, occ := range f.InRange(day, days, typ, scope) {
			if !occ.StartCurrent.Before(from) && !occ.StartCurrent.After(to) {
				f.dayCur = append(f.dayCur, occ)
			}
		}
		f.dayPos = 0
	}
	if f.dayPos >= len(f.dayCur) {
		return nil, false
	}
	occ := f.dayCur[f.dayPos]
	f.dayPos++
	return occ, true
}

// NextWithString returns the next appointment whose title or note contains
// text, compared case-insensitively. Results are ordered by start then UID.
func (f *Finder) NextWithString(text string, first bool, scope store.Scope) (*model.Appointment, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if first || f.textCur == nil {
		f.textCur = f.textCur[:0]
		needle := f.fold.String(text)
		for _, a := range f.src.Snapshot(scope) {
			if strings.Contains(f.fold.String(a.Title), needle) || strings.Contains(f.fold.String(a.Note), needle) {
				a.StartCurrent, a.EndCurrent = a.Start, a.EndAt()
				f.textCur = append(f.textCur, a)
			}
		}
		ics.SortOccurrences(f.textCur)
		f.textPos = 0
	}
	if f.textPos >= len(f.textCur) {
		return nil, false
	}
	a := f.textCur[f.textPos]
	f.textPos++
	return a, true
}

// MarkMonth returns the days of the month (1-based) touched by at least
// one occurrence in scope.
func (f *Finder) MarkMonth(year int, month time.Month, scope store.Scope, loc *time.Location) []int {
	if loc == nil {
		loc = time.Local
	}
	first := time.Date(year, month, 1, 0, 0, 0, 0, loc)
	next := first.AddDate(0, 1, 0)
	days := int(next.Sub(first).Hours()/24 + 0.5)

	marked := make([]bool, days+1)
	for _, occ := range f.InRange(first, days, AnyType, scope) {
		d := occ.StartCurrent.In(loc)
		if d.Before(first) {
			d = first
		}
		d = model.StartOfDay(d)
		for {
			if !d.Before(next) {
				break
			}
			marked[d.Day()] = true
			d = d.AddDate(0, 0, 1)
			if !d.Before(occ.EndCurrent) {
				break
			}
		}
	}
	var out []int
	for day := 1; day <= days; day++ {
		if marked[day] {
			out = append(out, day)
		}
	}
	return out
}
