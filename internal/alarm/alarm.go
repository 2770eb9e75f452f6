// Package alarm keeps the ordered list of pending alarms and fires them.
//
// The scheduler owns no timer: the embedding program calls Build after the
// calendars change and Tick periodically. Both serialize on one mutex.
package alarm

import (
	"container/heap"
	"context"
	"errors"
	"io/fs"
	"os"
	"slices"
	"sync"
	"time"

	"github.com/jmhodges/clock"
	"gopkg.in/yaml.v3"

	"calarm/internal/config"
	"calarm/internal/ics"
	appLog "calarm/internal/log"
	"calarm/internal/model"
	"calarm/internal/store"
)

// State is the life-cycle state of a pending alarm.
type State int

const (
	// StatePending waits for its trigger time.
	StatePending State = iota
	// StateFiredLate was missed while the scheduler was not running and
	// fires on the next Tick.
	StateFiredLate
)

func (s State) String() string {
	if s == StateFiredLate {
		return "fired-late"
	}
	return "pending"
}

// Pending is one scheduled alarm.
type Pending struct {
	UID   string
	Title string
	// At is the trigger time.
	At    time.Time
	Start time.Time
	End   time.Time
	State State
	// Repeat is 0 for the alarm itself and n for the n-th sound repeat.
	Repeat int
	// Occurrence is a copy of the appointment with StartCurrent/EndCurrent
	// set to the alarmed occurrence.
	Occurrence *model.Appointment
}

// Actions performs alarm side effects.
type Actions interface {
	Sound(ctx context.Context, p Pending) error
	Display(ctx context.Context, p Pending) error
	Procedure(ctx context.Context, p Pending) error
}

// Source supplies the appointments to schedule.
type Source interface {
	Snapshot(scope store.Scope) []*model.Appointment
}

// Options configures a Scheduler.
type Options struct {
	// StatePath is the YAML file remembering when the scheduler last ran.
	// Empty disables persistence.
	StatePath string
	// Horizon bounds how far ahead occurrences are searched.
	Horizon time.Duration
	// Clock defaults to the wall clock.
	Clock clock.Clock
	// OnFire is called after each alarm fired.
	OnFire func(Pending)
}

type persistedState struct {
	LastSeen time.Time `yaml:"last_seen"`
}

// Scheduler builds and fires alarms.
type Scheduler struct {
	mu      sync.Mutex
	src     Source
	actions Actions
	clk     clock.Clock
	opts    Options

	q        *queue
	warm     bool
	lastSeen time.Time
}

// New creates a scheduler. Nothing is scheduled until Build.
func New(src Source, actions Actions, opts Options) *Scheduler {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Horizon <= 0 {
		opts.Horizon = 400 * 24 * time.Hour
	}
	return &Scheduler{
		src:     src,
		actions: actions,
		clk:     opts.Clock,
		opts:    opts,
		q:       newQueue(),
	}
}

// Build recomputes the pending list from the current appointments.
//
// The first Build after start is cold: alarms that came due while the
// scheduler was not running (since the last saved state, or since the
// start of today with rebuildFromToday and no saved state) are queued as
// fired-late when persistent and dropped otherwise. Later builds keep
// every alarm due since the last Tick pending. Building twice without a
// change in between yields the same list. The saved state is not advanced
// past queued late alarms; the Tick that fires them saves it.
func (s *Scheduler) Build(rebuildFromToday bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clk.Now()
	q := newQueue()

	after := s.lastSeen
	var lateFrom time.Time
	if !s.warm {
		st, err := s.loadState()
		if err != nil {
			appLog.Error("alarm state load failed", err, "path", s.opts.StatePath)
		}
		switch {
		case !st.LastSeen.IsZero():
			lateFrom = st.LastSeen
		case rebuildFromToday:
			lateFrom = model.StartOfDay(now)
		default:
			lateFrom = now
		}
		after = now
	} else {
		// Carry late alarms and sound repeats not fired yet.
		for _, p := range *s.q {
			if p.State == StateFiredLate || p.Repeat > 0 {
				heap.Push(q, p)
			}
		}
	}

	dropped, late := 0, 0
	for _, a := range s.src.Snapshot(store.ScopeAny) {
		if !schedulable(a) {
			continue
		}
		if !s.warm && lateFrom.Before(now) {
			if p, ok := lastTrigger(a, lateFrom, now); ok {
				if a.Alarm.Persistent {
					p.State = StateFiredLate
					heap.Push(q, p)
					late++
					appLog.Info("persistent alarm missed, firing late", "uid", p.UID, "at", p.At)
				} else {
					dropped++
				}
			}
		}
		if p, ok := nextTrigger(a, after, now.Add(s.opts.Horizon)); ok {
			heap.Push(q, p)
		}
	}

	s.q = q
	if !s.warm {
		s.warm = true
		s.lastSeen = now
		// Late alarms are found again after a crash until a Tick fired them.
		if late == 0 {
			s.saveState()
		}
	}
	appLog.Info("alarm list built", "pending", q.Len(), "dropped", dropped)
	return nil
}

// Tick fires every alarm due at the current time and returns them in
// firing order.
func (s *Scheduler) Tick(ctx context.Context) []Pending {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clk.Now()
	var fired []Pending
	for {
		p := s.q.peek()
		if p == nil || p.At.After(now) {
			break
		}
		heap.Pop(s.q)
		s.fire(ctx, *p)
		fired = append(fired, *p)

		if p.Repeat > 0 {
			continue
		}
		s.queueRepeats(p, now)
		if p.State == StateFiredLate {
			// The regular entry for the next occurrence is already queued.
			continue
		}
		if next, ok := nextTrigger(p.Occurrence, p.At, now.Add(s.opts.Horizon)); ok {
			heap.Push(s.q, next)
		}
	}
	s.lastSeen = now
	s.saveState()
	return fired
}

// Pending returns the scheduled alarms ordered by trigger time.
func (s *Scheduler) Pending() []Pending {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Pending, 0, s.q.Len())
	for _, p := range *s.q {
		out = append(out, *p)
	}
	slices.SortFunc(out, func(a, b Pending) int {
		switch {
		case less(&a, &b):
			return -1
		case less(&b, &a):
			return 1
		}
		return 0
	})
	return out
}

// LastSeen returns the time of the last Build or Tick.
func (s *Scheduler) LastSeen() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeen
}

func (s *Scheduler) fire(ctx context.Context, p Pending) {
	al := p.Occurrence.Alarm
	appLog.Info("alarm fired", "uid", p.UID, "title", p.Title, "at", p.At, "state", p.State.String(), "repeat", p.Repeat)

	if p.Repeat > 0 {
		if err := s.actions.Sound(ctx, p); err != nil {
			appLog.Error("alarm sound failed", err, "uid", p.UID)
		}
		s.notify(p)
		return
	}
	if al.Sound {
		if err := s.actions.Sound(ctx, p); err != nil {
			appLog.Error("alarm sound failed", err, "uid", p.UID)
		}
	}
	if al.DisplayNative || al.DisplayNotify {
		if err := s.actions.Display(ctx, p); err != nil {
			appLog.Error("alarm display failed", err, "uid", p.UID)
		}
	}
	if al.Procedure {
		if err := s.actions.Procedure(ctx, p); err != nil {
			appLog.Error("alarm procedure failed", err, "uid", p.UID)
		}
	}
	s.notify(p)
}

func (s *Scheduler) notify(p Pending) {
	if s.opts.OnFire != nil {
		s.opts.OnFire(p)
	}
}

// queueRepeats schedules the follow-up sounds of p. Late alarms repeat
// from now instead of their missed trigger time.
func (s *Scheduler) queueRepeats(p *Pending, now time.Time) {
	al := p.Occurrence.Alarm
	if !al.Sound || !al.SoundRepeat || al.SoundRepeatCount <= 0 || al.SoundRepeatInterval <= 0 {
		return
	}
	base := p.At
	if p.State == StateFiredLate {
		base = now
	}
	for i := 1; i <= al.SoundRepeatCount; i++ {
		r := *p
		r.Repeat = i
		r.State = StatePending
		r.At = base.Add(time.Duration(i) * al.SoundRepeatInterval)
		heap.Push(s.q, &r)
	}
}

func (s *Scheduler) loadState() (persistedState, error) {
	var st persistedState
	if s.opts.StatePath == "" {
		return st, nil
	}
	data, err := os.ReadFile(s.opts.StatePath)
	if errors.Is(err, fs.ErrNotExist) {
		return st, nil
	}
	if err != nil {
		return st, err
	}
	if err := yaml.Unmarshal(data, &st); err != nil {
		return persistedState{}, err
	}
	return st, nil
}

func (s *Scheduler) saveState() {
	if s.opts.StatePath == "" {
		return
	}
	data, err := yaml.Marshal(persistedState{LastSeen: s.lastSeen})
	if err == nil {
		err = config.WriteFileAtomic(s.opts.StatePath, data)
	}
	if err != nil {
		appLog.Error("alarm state save failed", err, "path", s.opts.StatePath)
	}
}

func schedulable(a *model.Appointment) bool {
	if !a.Alarm.Enabled() || a.Start.IsZero() {
		return false
	}
	// A completed todo only alarms again when it recurs.
	if a.Type == model.TypeTodo && a.Todo != nil && a.Todo.Completed && !a.IsRecurring() {
		return false
	}
	return true
}

// triggerDelta is the distance from occurrence start to trigger.
func triggerDelta(a *model.Appointment) time.Duration {
	return a.Alarm.TriggerFor(a.Start, a.EndAt()).Sub(a.Start)
}

func pendingFor(occ *model.Appointment) *Pending {
	return &Pending{
		UID:        occ.UID,
		Title:      occ.Title,
		At:         occ.Alarm.TriggerFor(occ.StartCurrent, occ.EndCurrent),
		Start:      occ.StartCurrent,
		End:        occ.EndCurrent,
		Occurrence: occ,
	}
}

// nextTrigger finds the first occurrence of a whose alarm triggers after
// the given time, giving up past limit.
func nextTrigger(a *model.Appointment, after, limit time.Time) (*Pending, bool) {
	t := after.Add(-triggerDelta(a))
	for range 1000 {
		occ, ok := ics.NextOccurrence(a, t)
		if !ok || occ.StartCurrent.After(limit) {
			return nil, false
		}
		p := pendingFor(occ)
		if p.At.After(after) {
			return p, true
		}
		t = occ.StartCurrent.Add(time.Second)
	}
	return nil, false
}

// lastTrigger finds the latest occurrence of a whose alarm triggered in
// (from, to].
func lastTrigger(a *model.Appointment, from, to time.Time) (*Pending, bool) {
	delta := triggerDelta(a)
	occs := ics.Expand(a, from.Add(-delta.Abs()-a.Length()), to.Add(delta.Abs()))
	var last *Pending
	for _, occ := range occs {
		p := pendingFor(occ)
		if p.At.After(from) && !p.At.After(to) {
			last = p
		}
	}
	return last, last != nil
}
