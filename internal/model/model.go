package model

import (
	"slices"
	"time"
)

// Type is the kind of calendar component an Appointment represents.
type Type int

const (
	TypeEvent Type = iota
	TypeTodo
	TypeJournal
)

func (t Type) String() string {
	switch t {
	case TypeEvent:
		return "event"
	case TypeTodo:
		return "todo"
	case TypeJournal:
		return "journal"
	default:
		return "unknown"
	}
}

// Freq is the recurrence frequency.
type Freq int

const (
	FreqNone Freq = iota
	FreqDaily
	FreqWeekly
	FreqMonthly
	FreqYearly
	FreqHourly
)

// RecurLimit selects how a recurrence ends.
type RecurLimit int

const (
	LimitNone RecurLimit = iota
	LimitCount
	LimitUntil
)

// ExceptionKind tags an exception date as removing or adding an occurrence.
type ExceptionKind int

const (
	ExDate ExceptionKind = iota
	RDate
)

func (k ExceptionKind) String() string {
	if k == RDate {
		return "RDATE"
	}
	return "EXDATE"
}

// Exception is a single EXDATE or RDATE entry.
type Exception struct {
	Time time.Time
	Kind ExceptionKind
}

// Availability values as stored in TRANSP.
const (
	AvailabilityFree = 0
	AvailabilityBusy = 1
)

// Weekday indexes used by Recurrence.ByDay: Monday first.
const (
	Monday = iota
	Tuesday
	Wednesday
	Thursday
	Friday
	Saturday
	Sunday
)

// WeekdayIndex converts a time.Weekday into a ByDay index.
func WeekdayIndex(d time.Weekday) int {
	return (int(d) + 6) % 7
}

// Alarm holds the alarm settings of an appointment.
type Alarm struct {
	// Offset is the distance between the related time and the trigger.
	Offset       time.Duration
	Before       bool // trigger before (true) or after the related time
	RelatedStart bool // related to start (true) or end
	// Persistent alarms still fire once if the scheduler was not running
	// when they were due.
	Persistent bool

	Sound               bool
	SoundFile           string
	SoundRepeat         bool
	SoundRepeatCount    int
	SoundRepeatInterval time.Duration

	DisplayNative bool
	DisplayNotify bool
	// NotifyTimeout: -1 = no timeout, 0 = default, >0 = seconds.
	NotifyTimeout int

	Procedure       bool
	ProcedureCmd    string
	ProcedureParams string
}

// Enabled reports whether at least one alarm action is configured.
func (a Alarm) Enabled() bool {
	return a.Sound || a.DisplayNative || a.DisplayNotify || a.Procedure
}

// TriggerFor returns the instant the alarm fires for an occurrence.
func (a Alarm) TriggerFor(start, end time.Time) time.Time {
	base := end
	if a.RelatedStart {
		base = start
	}
	if a.Before {
		return base.Add(-a.Offset)
	}
	return base.Add(a.Offset)
}

// Recurrence describes how an appointment repeats.
type Recurrence struct {
	Freq     Freq
	Interval int
	Limit    RecurLimit
	Count    int
	Until    time.Time

	// ByDay flags weekdays (Monday=0). ByDayCount holds the ordinal for
	// monthly/yearly rules: 1 = first, -1 = last, 0 = every.
	ByDay      [7]bool
	ByDayCount [7]int

	Exceptions []Exception
}

// HasByDay reports whether any weekday flag is set.
func (r Recurrence) HasByDay() bool {
	for _, b := range r.ByDay {
		if b {
			return true
		}
	}
	return false
}

// TodoFields carries state that only exists for TypeTodo.
type TodoFields struct {
	// UseDueTime marks End as the due date.
	UseDueTime    bool
	Completed     bool
	CompletedTime time.Time
	CompletedTZ   string
	// BaseOnCompletion recurs from the completion time instead of the start.
	BaseOnCompletion bool
}

// Appointment is a single calendar entry as held by the store.
type Appointment struct {
	Type Type
	// UID is the store identifier: a 3 character source tag, '.', and the
	// iCalendar UID (e.g. "O00.0b6f…").
	UID string

	Title      string
	Location   string
	Categories string
	Note       string

	AllDay   bool
	Readonly bool

	Start   time.Time
	StartTZ string
	End     time.Time
	EndTZ   string

	UseDuration bool
	Duration    time.Duration

	Todo *TodoFields

	Availability int
	Priority     int

	Alarm Alarm
	Recur Recurrence

	// StartCurrent / EndCurrent hold the occurrence currently being looked
	// at. They are set by recurrence expansion and never persisted.
	StartCurrent time.Time
	EndCurrent   time.Time
}

// New allocates an appointment of the given type with default settings.
func New(t Type) *Appointment {
	a := &Appointment{
		Type:         t,
		Availability: AvailabilityBusy,
		Alarm: Alarm{
			Before:       true,
			RelatedStart: true,
		},
		Recur: Recurrence{Interval: 1},
	}
	if t == TypeTodo {
		a.Todo = &TodoFields{}
	}
	return a
}

// Clone returns a deep copy.
func (a *Appointment) Clone() *Appointment {
	if a == nil {
		return nil
	}
	c := *a
	if a.Todo != nil {
		t := *a.Todo
		c.Todo = &t
	}
	c.Recur.Exceptions = slices.Clone(a.Recur.Exceptions)
	return &c
}

// EndAt returns the effective end time of the base interval.
func (a *Appointment) EndAt() time.Time {
	if a.UseDuration {
		return a.Start.Add(a.Duration)
	}
	if a.End.IsZero() {
		return a.Start
	}
	return a.End
}

// Length returns the length every occurrence inherits.
func (a *Appointment) Length() time.Duration {
	d := a.EndAt().Sub(a.Start)
	if d < 0 {
		return 0
	}
	return d
}

// IsRecurring reports whether the appointment has a recurrence rule.
func (a *Appointment) IsRecurring() bool {
	return a.Recur.Freq != FreqNone
}

// SourceTag returns the 3 character source prefix of the UID.
func (a *Appointment) SourceTag() string {
	tag, _ := SplitUID(a.UID)
	return tag
}

// SplitUID separates a store UID into source tag and raw iCalendar UID.
// A UID without a valid prefix returns an empty tag.
func SplitUID(uid string) (tag, raw string) {
	if len(uid) > 4 && uid[3] == '.' {
		return uid[:3], uid[4:]
	}
	return "", uid
}
