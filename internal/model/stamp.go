package model

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	stampDate     = "20060102"
	stampLocal    = "20060102T150405"
	stampUTC      = "20060102T150405Z"
	stampMaxWidth = 16
)

// ParseStamp parses the fixed-width YYYYMMDD[THHMMSS[Z]] form.
//
//   - "Z" suffix: UTC instant.
//   - otherwise: wall-clock time in loc (time.Local when nil).
//
// dateOnly reports whether the value carried no time part.
func ParseStamp(v string, loc *time.Location) (t time.Time, dateOnly bool, err error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return time.Time{}, false, errors.New("empty time value")
	}
	if len(v) > stampMaxWidth {
		return time.Time{}, false, fmt.Errorf("time value too long: %q", v)
	}
	if loc == nil {
		loc = time.Local
	}

	switch {
	case strings.HasSuffix(v, "Z") && strings.Contains(v, "T"):
		t, err = time.Parse(stampUTC, v)
	case strings.Contains(v, "T"):
		t, err = time.ParseInLocation(stampLocal, v, loc)
	default:
		t, err = time.ParseInLocation(stampDate, v, loc)
		dateOnly = true
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("bad time value %q: %w", v, err)
	}
	return t, dateOnly, nil
}

// FormatStamp renders t in the fixed-width form. With utc the instant is
// written with the Z suffix, otherwise as wall-clock time of t's location.
// Date-only values drop the time part.
func FormatStamp(t time.Time, dateOnly, utc bool) string {
	switch {
	case dateOnly:
		return t.Format(stampDate)
	case utc:
		return t.UTC().Format(stampUTC)
	default:
		return t.Format(stampLocal)
	}
}

// TZUTC is the timezone string recorded for stamps carrying the Z suffix.
const TZUTC = "UTC"

// StartOfDay truncates t to midnight in its own location.
func StartOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}
