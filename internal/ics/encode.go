package ics

import (
	"strconv"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"

	"calarm/internal/model"
)

// ProductID is the service name written into PRODID.
const ProductID = "calarm"

// EncodeOptions controls calendar output.
type EncodeOptions struct {
	// RawUIDs strips the source tag from UIDs.
	RawUIDs bool
	// Stamp is written as DTSTAMP. Zero means time.Now.
	Stamp time.Time
}

// Encode renders appointments as a VCALENDAR body.
func Encode(appts []*model.Appointment, opts EncodeOptions) []byte {
	cal := ical.NewCalendarFor(ProductID)
	stamp := opts.Stamp
	if stamp.IsZero() {
		stamp = time.Now()
	}
	for _, a := range appts {
		uid := a.UID
		if opts.RawUIDs {
			_, uid = model.SplitUID(uid)
		}
		switch a.Type {
		case model.TypeTodo:
			c := ical.NewTodo(uid)
			encodeCommon(&c.ComponentBase, a, stamp)
			encodeTodo(&c.ComponentBase, a)
			encodeAlarms(c.AddAlarm, a)
			cal.Components = append(cal.Components, c)
		case model.TypeJournal:
			c := ical.NewJournal(uid)
			encodeCommon(&c.ComponentBase, a, stamp)
			encodeEnd(&c.ComponentBase, a, ical.ComponentPropertyDtEnd)
			cal.Components = append(cal.Components, c)
		default:
			c := ical.NewEvent(uid)
			encodeCommon(&c.ComponentBase, a, stamp)
			encodeEnd(&c.ComponentBase, a, ical.ComponentPropertyDtEnd)
			if a.Availability == model.AvailabilityFree {
				c.SetProperty(ical.ComponentPropertyTransp, "TRANSPARENT")
			} else {
				c.SetProperty(ical.ComponentPropertyTransp, "OPAQUE")
			}
			encodeAlarms(c.AddAlarm, a)
			cal.Components = append(cal.Components, c)
		}
	}
	return []byte(cal.Serialize())
}

func encodeCommon(cb *ical.ComponentBase, a *model.Appointment, stamp time.Time) {
	cb.SetProperty(ical.ComponentPropertyDtstamp, model.FormatStamp(stamp, false, true))
	if a.Title != "" {
		cb.SetProperty(ical.ComponentPropertySummary, a.Title)
	}
	if a.Location != "" {
		cb.SetProperty(ical.ComponentPropertyLocation, a.Location)
	}
	if a.Note != "" {
		cb.SetProperty(ical.ComponentPropertyDescription, a.Note)
	}
	for _, c := range strings.Split(a.Categories, ",") {
		if c = strings.TrimSpace(c); c != "" {
			cb.AddProperty(ical.ComponentPropertyCategories, c)
		}
	}
	if a.Priority != 0 {
		cb.SetProperty(ical.ComponentPropertyPriority, strconv.Itoa(a.Priority))
	}
	// TRANSP exists only on VEVENT and only knows free and busy.
	if a.Type != model.TypeEvent && a.Availability != model.AvailabilityBusy ||
		a.Availability != model.AvailabilityFree && a.Availability != model.AvailabilityBusy {
		cb.SetProperty(propAvailability, strconv.Itoa(a.Availability))
	}
	if !a.Start.IsZero() {
		setTimeProp(cb, ical.ComponentPropertyDtStart, a.Start, a.StartTZ, a.AllDay)
	}
	if rule := RRuleString(a); rule != "" {
		cb.SetProperty(ical.ComponentPropertyRrule, rule)
	}
	for _, ex := range a.Recur.Exceptions {
		prop := ical.ComponentPropertyExdate
		if ex.Kind == model.RDate {
			prop = ical.ComponentPropertyRdate
		}
		addTimeProp(cb, prop, ex.Time, a.StartTZ, a.AllDay)
	}
}

func encodeEnd(cb *ical.ComponentBase, a *model.Appointment, prop ical.ComponentProperty) {
	if a.UseDuration {
		cb.SetProperty(ical.ComponentPropertyDuration, formatDuration(a.Duration))
		return
	}
	if !a.End.IsZero() {
		setTimeProp(cb, prop, a.End, a.EndTZ, a.AllDay)
	}
}

func encodeTodo(cb *ical.ComponentBase, a *model.Appointment) {
	t := a.Todo
	if t == nil {
		return
	}
	if t.UseDueTime || a.UseDuration {
		encodeEnd(cb, a, ical.ComponentPropertyDue)
	}
	// DURATION hides whether a due time was set.
	if t.UseDueTime && a.UseDuration {
		cb.SetProperty(propDueTime, "TRUE")
	}
	if t.Completed {
		cb.SetProperty(ical.ComponentPropertyStatus, string(ical.ObjectStatusCompleted))
		if !t.CompletedTime.IsZero() {
			setTimeProp(cb, ical.ComponentPropertyCompleted, t.CompletedTime, t.CompletedTZ, false)
		}
	}
	if t.BaseOnCompletion {
		cb.SetProperty(propBaseOnCompletion, "TRUE")
	}
}

func encodeAlarms(add func() *ical.VAlarm, a *model.Appointment) {
	al := a.Alarm
	if !al.Enabled() {
		return
	}
	trigger := al.Offset
	if al.Before {
		trigger = -trigger
	}
	var params []ical.PropertyParameter
	if !al.RelatedStart {
		params = append(params, &ical.KeyValues{Key: string(ical.ParameterRelated), Value: []string{"END"}})
	}
	newAlarm := func(action ical.Action) *ical.VAlarm {
		va := add()
		va.SetAction(action)
		va.SetTrigger(formatDuration(trigger), params...)
		if al.Persistent {
			va.SetProperty(propPersistent, "TRUE")
		}
		return va
	}

	if al.DisplayNative || al.DisplayNotify {
		va := newAlarm(ical.ActionDisplay)
		va.SetProperty(ical.ComponentPropertyDescription, a.Title)
		if al.DisplayNative {
			va.AddProperty(propDisplay, displayNative)
		}
		if al.DisplayNotify {
			va.AddProperty(propDisplay, displayNotify)
			if al.NotifyTimeout != 0 {
				va.SetProperty(propNotifyTimeout, strconv.Itoa(al.NotifyTimeout))
			}
		}
	}
	if al.Sound {
		va := newAlarm(ical.ActionAudio)
		if al.SoundFile != "" {
			va.SetProperty(ical.ComponentPropertyAttach, al.SoundFile)
		}
		if al.SoundRepeat && al.SoundRepeatCount > 0 {
			va.SetProperty(propRepeat, strconv.Itoa(al.SoundRepeatCount))
			va.SetProperty(ical.ComponentPropertyDuration, formatDuration(al.SoundRepeatInterval))
		}
	}
	if al.Procedure {
		va := newAlarm(ical.ActionProcedure)
		va.SetProperty(ical.ComponentPropertyAttach, al.ProcedureCmd)
		if al.ProcedureParams != "" {
			va.SetProperty(ical.ComponentPropertyDescription, al.ProcedureParams)
		}
	}
}

func timeParams(tz string, dateOnly bool) []ical.PropertyParameter {
	var params []ical.PropertyParameter
	if dateOnly {
		params = append(params, ical.WithValue(string(ical.ValueDataTypeDate)))
	} else if tz != "" && tz != model.TZUTC {
		params = append(params, &ical.KeyValues{Key: string(ical.ParameterTzid), Value: []string{tz}})
	}
	return params
}

func setTimeProp(cb *ical.ComponentBase, prop ical.ComponentProperty, t time.Time, tz string, dateOnly bool) {
	cb.SetProperty(prop, model.FormatStamp(t, dateOnly, tz == model.TZUTC), timeParams(tz, dateOnly)...)
}

func addTimeProp(cb *ical.ComponentBase, prop ical.ComponentProperty, t time.Time, tz string, dateOnly bool) {
	cb.AddProperty(prop, model.FormatStamp(t, dateOnly, tz == model.TZUTC), timeParams(tz, dateOnly)...)
}
