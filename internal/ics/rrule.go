package ics

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/teambition/rrule-go"

	"calarm/internal/model"
)

var rruleDays = [7]rrule.Weekday{rrule.MO, rrule.TU, rrule.WE, rrule.TH, rrule.FR, rrule.SA, rrule.SU}

var dayNames = [7]string{"MO", "TU", "WE", "TH", "FR", "SA", "SU"}

var freqNames = map[model.Freq]string{
	model.FreqDaily:   "DAILY",
	model.FreqWeekly:  "WEEKLY",
	model.FreqMonthly: "MONTHLY",
	model.FreqYearly:  "YEARLY",
	model.FreqHourly:  "HOURLY",
}

func toRRuleFreq(f model.Freq) (rrule.Frequency, bool) {
	switch f {
	case model.FreqDaily:
		return rrule.DAILY, true
	case model.FreqWeekly:
		return rrule.WEEKLY, true
	case model.FreqMonthly:
		return rrule.MONTHLY, true
	case model.FreqYearly:
		return rrule.YEARLY, true
	case model.FreqHourly:
		return rrule.HOURLY, true
	default:
		return 0, false
	}
}

func fromRRuleFreq(f rrule.Frequency) (model.Freq, error) {
	switch f {
	case rrule.DAILY:
		return model.FreqDaily, nil
	case rrule.WEEKLY:
		return model.FreqWeekly, nil
	case rrule.MONTHLY:
		return model.FreqMonthly, nil
	case rrule.YEARLY:
		return model.FreqYearly, nil
	case rrule.HOURLY:
		return model.FreqHourly, nil
	default:
		return model.FreqNone, fmt.Errorf("%w: unsupported frequency %v", model.ErrValidation, f)
	}
}

// buildOption converts the recurrence of a into rrule options. dtstart is
// the base the rule advances from.
func buildOption(a *model.Appointment, dtstart time.Time) (rrule.ROption, bool) {
	freq, ok := toRRuleFreq(a.Recur.Freq)
	if !ok {
		return rrule.ROption{}, false
	}
	r := a.Recur
	opt := rrule.ROption{
		Freq:     freq,
		Dtstart:  dtstart,
		Interval: max(r.Interval, 1),
		Wkst:     rrule.MO,
	}
	switch r.Limit {
	case model.LimitCount:
		opt.Count = r.Count
	case model.LimitUntil:
		opt.Until = r.Until
	}
	for i, on := range r.ByDay {
		if !on {
			continue
		}
		wd := rruleDays[i]
		if n := r.ByDayCount[i]; n != 0 && (freq == rrule.MONTHLY || freq == rrule.YEARLY) {
			wd = wd.Nth(n)
		}
		opt.Byweekday = append(opt.Byweekday, wd)
	}
	return opt, true
}

// RRuleString renders the recurrence of a as RRULE property text. It
// returns "" for non-recurring appointments.
func RRuleString(a *model.Appointment) string {
	name, ok := freqNames[a.Recur.Freq]
	if !ok {
		return ""
	}
	r := a.Recur
	parts := []string{"FREQ=" + name}
	if r.Interval > 1 {
		parts = append(parts, "INTERVAL="+strconv.Itoa(r.Interval))
	}
	switch r.Limit {
	case model.LimitCount:
		parts = append(parts, "COUNT="+strconv.Itoa(r.Count))
	case model.LimitUntil:
		// UNTIL takes the value type of DTSTART.
		parts = append(parts, "UNTIL="+model.FormatStamp(r.Until, a.AllDay, !a.AllDay))
	}
	var days []string
	for i, on := range r.ByDay {
		if !on {
			continue
		}
		d := dayNames[i]
		if n := r.ByDayCount[i]; n != 0 && (r.Freq == model.FreqMonthly || r.Freq == model.FreqYearly) {
			d = strconv.Itoa(n) + d
		}
		days = append(days, d)
	}
	if len(days) > 0 {
		parts = append(parts, "BYDAY="+strings.Join(days, ","))
	}
	return strings.Join(parts, ";")
}

// ApplyRRule parses RRULE text into a's recurrence. Floating UNTIL values
// are read in loc. Rule parts the appointment model cannot express are
// ignored.
func ApplyRRule(a *model.Appointment, s string, loc *time.Location) error {
	if loc == nil {
		loc = time.Local
	}
	opt, err := rrule.StrToROptionInLocation(strings.TrimSpace(s), loc)
	if err != nil {
		return fmt.Errorf("%w: rrule %q: %v", model.ErrValidation, s, err)
	}
	freq, err := fromRRuleFreq(opt.Freq)
	if err != nil {
		return err
	}

	r := &a.Recur
	r.Freq = freq
	r.Interval = max(opt.Interval, 1)
	r.Limit = model.LimitNone
	r.Count = 0
	r.Until = time.Time{}
	switch {
	case opt.Count > 0:
		r.Limit = model.LimitCount
		r.Count = opt.Count
	case !opt.Until.IsZero():
		r.Limit = model.LimitUntil
		r.Until = opt.Until.In(loc)
	}
	r.ByDay = [7]bool{}
	r.ByDayCount = [7]int{}
	for _, wd := range opt.Byweekday {
		d := wd.Day()
		if d < 0 || d > 6 {
			continue
		}
		r.ByDay[d] = true
		r.ByDayCount[d] = wd.N()
	}
	return nil
}
