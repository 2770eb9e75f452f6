package ics

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"

	appLog "calarm/internal/log"
	"calarm/internal/model"
)

// Extension properties for settings iCalendar has no field for.
var (
	propBaseOnCompletion = ical.ComponentPropertyExtended("X-CALARM-BASE-ON-COMPLETION")
	propPersistent       = ical.ComponentPropertyExtended("X-CALARM-PERSISTENT")
	propDisplay          = ical.ComponentPropertyExtended("X-CALARM-DISPLAY")
	propNotifyTimeout    = ical.ComponentPropertyExtended("X-CALARM-NOTIFY-TIMEOUT")
	propAvailability     = ical.ComponentPropertyExtended("X-CALARM-AVAILABILITY")
	propDueTime          = ical.ComponentPropertyExtended("X-CALARM-DUE-TIME")

	propRepeat = ical.ComponentProperty(ical.PropertyRepeat)
)

const (
	displayNative = "NATIVE"
	displayNotify = "NOTIFY"
)

// DecodeOptions controls how a calendar body is turned into appointments.
type DecodeOptions struct {
	// Tag is the 3 character source tag prefixed to every UID. Empty keeps
	// raw UIDs.
	Tag string
	// Location is used for wall-clock (non-Z) timestamps. Nil means
	// time.Local.
	Location *time.Location
	// Readonly marks every decoded appointment read-only.
	Readonly bool
	// Name identifies the source in log lines.
	Name string
}

// DecodeResult lists decoded appointments and how many components were
// skipped because they could not be understood.
type DecodeResult struct {
	Appointments []*model.Appointment
	Skipped      int
}

// Decode parses a calendar body into appointments.
//
//   - A body that is not a complete VCALENDAR is an error.
//   - Components that fail to decode are logged and skipped; the rest of
//     the calendar is still returned.
//   - VEVENT, VTODO and VJOURNAL are understood; other components
//     (VTIMEZONE, VFREEBUSY, …) are ignored.
func Decode(body []byte, opts DecodeOptions) (DecodeResult, error) {
	var res DecodeResult
	if len(bytes.TrimSpace(body)) == 0 {
		return res, errors.New("empty calendar body")
	}
	// The parser accepts streams that stop before END:VCALENDAR.
	if !bytes.Contains(body, []byte("END:VCALENDAR")) {
		return res, errors.New("truncated calendar: missing END:VCALENDAR")
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}

	cal, err := ical.ParseCalendar(bytes.NewReader(body))
	if err != nil {
		appLog.Error("ics parse failed", err, "source", opts.Name)
		return res, err
	}

	for _, comp := range cal.Components {
		var (
			typ model.Type
			cb  *ical.ComponentBase
		)
		switch c := comp.(type) {
		case *ical.VEvent:
			typ, cb = model.TypeEvent, &c.ComponentBase
		case *ical.VTodo:
			typ, cb = model.TypeTodo, &c.ComponentBase
		case *ical.VJournal:
			typ, cb = model.TypeJournal, &c.ComponentBase
		default:
			continue
		}
		a, perr := decodeComponent(typ, cb, opts)
		if perr != nil {
			// Log and skip this component, but keep parsing others.
			appLog.Error("ics component decode failed", perr, "source", opts.Name, "type", typ.String())
			res.Skipped++
			continue
		}
		res.Appointments = append(res.Appointments, a)
	}

	appLog.Debug("ics decode completed", "source", opts.Name, "count", len(res.Appointments), "skipped", res.Skipped)
	return res, nil
}

// Check reports whether body is a calendar every component of which can
// be decoded.
func Check(body []byte) error {
	res, err := Decode(body, DecodeOptions{Name: "check"})
	if err != nil {
		return err
	}
	if res.Skipped > 0 {
		return fmt.Errorf("%d components could not be decoded", res.Skipped)
	}
	return nil
}

func decodeComponent(typ model.Type, cb *ical.ComponentBase, opts DecodeOptions) (*model.Appointment, error) {
	a := model.New(typ)
	a.Readonly = opts.Readonly
	loc := opts.Location

	// UID
	uid := propValue(cb, ical.ComponentPropertyUniqueId)
	if uid == "" {
		return nil, errors.New("missing UID")
	}
	if opts.Tag != "" {
		uid = opts.Tag + "." + uid
	}
	a.UID = uid

	a.Title = propValue(cb, ical.ComponentPropertySummary)
	a.Location = propValue(cb, ical.ComponentPropertyLocation)
	a.Note = propValue(cb, ical.ComponentPropertyDescription)
	var cats []string
	for _, p := range cb.GetProperties(ical.ComponentPropertyCategories) {
		cats = append(cats, p.Value)
	}
	a.Categories = strings.Join(cats, ",")

	// DTSTART
	if p := cb.GetProperty(ical.ComponentPropertyDtStart); p != nil {
		t, dateOnly, tz, err := parseTimeProp(p, loc)
		if err != nil {
			return nil, fmt.Errorf("DTSTART: %w", err)
		}
		a.Start, a.StartTZ, a.AllDay = t, tz, dateOnly
	} else if typ == model.TypeEvent {
		return nil, errors.New("missing DTSTART")
	}

	// DTEND / DUE / DURATION
	endProp := ical.ComponentPropertyDtEnd
	if typ == model.TypeTodo {
		endProp = ical.ComponentPropertyDue
	}
	if p := cb.GetProperty(endProp); p != nil {
		t, _, tz, err := parseTimeProp(p, loc)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", endProp, err)
		}
		a.End, a.EndTZ = t, tz
		if typ == model.TypeTodo {
			a.Todo.UseDueTime = true
		}
	} else if v := propValue(cb, ical.ComponentPropertyDuration); v != "" {
		d, err := parseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("DURATION: %w", err)
		}
		a.UseDuration = true
		a.Duration = d
		if typ == model.TypeTodo {
			a.Todo.UseDueTime = isTrue(propValue(cb, propDueTime))
		}
	}

	if typ == model.TypeTodo {
		if p := cb.GetProperty(ical.ComponentPropertyCompleted); p != nil {
			t, _, tz, err := parseTimeProp(p, loc)
			if err != nil {
				return nil, fmt.Errorf("COMPLETED: %w", err)
			}
			a.Todo.Completed = true
			a.Todo.CompletedTime, a.Todo.CompletedTZ = t, tz
		}
		if strings.EqualFold(propValue(cb, ical.ComponentPropertyStatus), string(ical.ObjectStatusCompleted)) {
			a.Todo.Completed = true
		}
		a.Todo.BaseOnCompletion = isTrue(propValue(cb, propBaseOnCompletion))
	}

	// TRANSP / PRIORITY
	switch strings.ToUpper(propValue(cb, ical.ComponentPropertyTransp)) {
	case "TRANSPARENT":
		a.Availability = model.AvailabilityFree
	case "OPAQUE":
		a.Availability = model.AvailabilityBusy
	}
	if v := propValue(cb, propAvailability); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			a.Availability = n
		}
	}
	if v := propValue(cb, ical.ComponentPropertyPriority); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			a.Priority = n
		}
	}

	// RRULE
	if v := propValue(cb, ical.ComponentPropertyRrule); v != "" {
		if err := ApplyRRule(a, v, loc); err != nil {
			return nil, err
		}
	}

	// EXDATE / RDATE (each can appear multiple times with comma lists)
	for _, kind := range []model.ExceptionKind{model.ExDate, model.RDate} {
		prop := ical.ComponentPropertyExdate
		if kind == model.RDate {
			prop = ical.ComponentPropertyRdate
		}
		for _, p := range cb.GetProperties(prop) {
			for _, part := range strings.Split(p.Value, ",") {
				part = strings.TrimSpace(part)
				if part == "" {
					continue
				}
				t, _, err := model.ParseStamp(part, loc)
				if err != nil {
					return nil, fmt.Errorf("%s: %w", prop, err)
				}
				a.Recur.Exceptions = append(a.Recur.Exceptions, model.Exception{Time: t, Kind: kind})
			}
		}
	}

	// VALARM: one per action, all sharing the trigger.
	for _, sub := range cb.Components {
		va, ok := sub.(*ical.VAlarm)
		if !ok {
			continue
		}
		if err := decodeAlarm(a, &va.ComponentBase); err != nil {
			return nil, err
		}
	}

	a.Normalize()
	if err := a.Validate(); err != nil {
		return nil, err
	}
	return a, nil
}

func decodeAlarm(a *model.Appointment, cb *ical.ComponentBase) error {
	al := &a.Alarm

	if p := cb.GetProperty(ical.ComponentPropertyTrigger); p != nil {
		if strings.EqualFold(paramValue(p, string(ical.ParameterValue)), "DATE-TIME") {
			// Absolute trigger: turn it into an offset from the start.
			t, _, err := model.ParseStamp(p.Value, a.Start.Location())
			if err != nil {
				return fmt.Errorf("TRIGGER: %w", err)
			}
			d := t.Sub(a.Start)
			al.RelatedStart = true
			al.Before = d < 0
			al.Offset = d.Abs()
		} else {
			d, err := parseDuration(p.Value)
			if err != nil {
				return fmt.Errorf("TRIGGER: %w", err)
			}
			al.RelatedStart = !strings.EqualFold(paramValue(p, string(ical.ParameterRelated)), "END")
			al.Before = d < 0
			al.Offset = d.Abs()
		}
	}
	if isTrue(propValue(cb, propPersistent)) {
		al.Persistent = true
	}

	switch ical.Action(strings.ToUpper(propValue(cb, ical.ComponentPropertyAction))) {
	case ical.ActionAudio:
		al.Sound = true
		al.SoundFile = propValue(cb, ical.ComponentPropertyAttach)
		if v := propValue(cb, propRepeat); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("REPEAT: %w", err)
			}
			al.SoundRepeatCount = n
			al.SoundRepeat = n > 0
		}
		if v := propValue(cb, ical.ComponentPropertyDuration); v != "" {
			d, err := parseDuration(v)
			if err != nil {
				return fmt.Errorf("alarm DURATION: %w", err)
			}
			al.SoundRepeatInterval = d
		}
	case ical.ActionDisplay:
		kinds := cb.GetProperties(propDisplay)
		if len(kinds) == 0 {
			al.DisplayNative = true
		}
		for _, k := range kinds {
			switch strings.ToUpper(k.Value) {
			case displayNative:
				al.DisplayNative = true
			case displayNotify:
				al.DisplayNotify = true
			}
		}
		if v := propValue(cb, propNotifyTimeout); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				al.NotifyTimeout = n
			}
		}
	case ical.ActionProcedure:
		al.Procedure = true
		al.ProcedureCmd = propValue(cb, ical.ComponentPropertyAttach)
		al.ProcedureParams = propValue(cb, ical.ComponentPropertyDescription)
	default:
		// EMAIL and unknown actions carry nothing we can run.
	}
	return nil
}

// parseTimeProp parses a date or date-time property. The TZID parameter is
// recorded but not resolved; non-UTC values are wall-clock time in loc.
func parseTimeProp(p *ical.IANAProperty, loc *time.Location) (time.Time, bool, string, error) {
	t, dateOnly, err := model.ParseStamp(p.Value, loc)
	if err != nil {
		return time.Time{}, false, "", err
	}
	tz := paramValue(p, string(ical.ParameterTzid))
	if strings.HasSuffix(strings.TrimSpace(p.Value), "Z") {
		tz = model.TZUTC
	}
	return t, dateOnly, tz, nil
}

func propValue(cb *ical.ComponentBase, prop ical.ComponentProperty) string {
	if p := cb.GetProperty(prop); p != nil {
		return strings.TrimSpace(p.Value)
	}
	return ""
}

func paramValue(p *ical.IANAProperty, name string) string {
	if p.ICalParameters == nil {
		return ""
	}
	if vs, ok := p.ICalParameters[name]; ok && len(vs) > 0 {
		return vs[0]
	}
	return ""
}

func isTrue(v string) bool {
	return strings.EqualFold(strings.TrimSpace(v), "TRUE")
}
