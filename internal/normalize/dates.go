// Package normalize turns raw extracted strings into canonical typed
// values with per-field confidence, and derives fingerprints, diffs,
// and change events from normalized opportunities.
package normalize

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/araddon/dateparse"
)

// DateResult is a parsed date with a confidence reflecting how
// unambiguous the input format was.
type DateResult struct {
	Time       time.Time
	OK         bool
	Confidence float64
	Method     string
	Original   string
}

type dateLayout struct {
	layout     string
	confidence float64
	method     string
}

// Unambiguous formats tried before the permissive fallback parser.
var dateLayouts = []dateLayout{
	{"2006-01-02T15:04:05Z07:00", 1.0, "iso8601"},
	{"2006-01-02T15:04:05", 1.0, "iso8601"},
	{"2006-01-02 15:04:05", 0.95, "iso_space"},
	{"2006-01-02 15:04", 0.95, "iso_space_no_sec"},
	{"2006-01-02", 0.9, "iso_date"},
	{"01/02/2006 3:04 PM", 0.85, "us_datetime"},
	{"01/02/2006 15:04", 0.85, "us_datetime"},
	{"01/02/2006", 0.85, "us_date"},
	{"1/2/2006", 0.85, "us_date"},
	{"01/02/06", 0.75, "us_date_short"},
	{"1/2/06", 0.75, "us_date_short"},
}

// Day-first variants for portals using DD/MM/YYYY conventions.
var dateLayoutsDayFirst = []dateLayout{
	{"2006-01-02T15:04:05Z07:00", 1.0, "iso8601"},
	{"2006-01-02T15:04:05", 1.0, "iso8601"},
	{"2006-01-02 15:04:05", 0.95, "iso_space"},
	{"2006-01-02 15:04", 0.95, "iso_space_no_sec"},
	{"2006-01-02", 0.9, "iso_date"},
	{"02/01/2006 3:04 PM", 0.85, "intl_datetime"},
	{"02/01/2006 15:04", 0.85, "intl_datetime"},
	{"02/01/2006", 0.85, "intl_date"},
	{"2/1/2006", 0.85, "intl_date"},
	{"02/01/06", 0.75, "intl_date_short"},
	{"2/1/06", 0.75, "intl_date_short"},
}

var (
	datePrefixRe   = regexp.MustCompile(`(?i)^\s*(due|closes?|deadline|closing date|open until|posted|published|date)\s*:\s*`)
	dateTzSuffixRe = regexp.MustCompile(`(?i)\s+(PT|PST|PDT|MT|MST|MDT|CT|CST|CDT|ET|EST|EDT)\s*$`)
	fourDigitYear  = regexp.MustCompile(`\b(19|20)\d{2}\b`)
	timeOfDayRe    = regexp.MustCompile(`\d{1,2}:\d{2}`)
	relativeWordRe = regexp.MustCompile(`(?i)\b(today|tomorrow|yesterday|ago|next|last)\b`)
	inDurationRe   = regexp.MustCompile(`(?i)^in\s+(\d+)\s+(day|week|month)s?$`)
	weekdayRe      = regexp.MustCompile(`(?i)^(?:next\s+)?(monday|tuesday|wednesday|thursday|friday|saturday|sunday)$`)
)

// dateClock is the reference time for relative phrases. Tests pin it.
var dateClock = time.Now

var weekdayNames = map[string]time.Weekday{
	"sunday":    time.Sunday,
	"monday":    time.Monday,
	"tuesday":   time.Tuesday,
	"wednesday": time.Wednesday,
	"thursday":  time.Thursday,
	"friday":    time.Friday,
	"saturday":  time.Saturday,
}

// ParseDate parses a raw date string. Known unambiguous layouts are
// tried first; anything else goes through a permissive fallback parser
// at reduced confidence. Ambiguous numeric dates are read month-first.
func ParseDate(raw string) DateResult {
	return parseDate(raw, false)
}

// ParseDateDayFirst is ParseDate with day-first interpretation of
// ambiguous numeric dates, for portals using DD/MM/YYYY conventions.
func ParseDateDayFirst(raw string) DateResult {
	return parseDate(raw, true)
}

func parseDate(raw string, dayFirst bool) DateResult {
	original := raw
	cleaned := cleanDateString(raw)
	if cleaned == "" {
		return DateResult{Original: original}
	}

	if t, ok := parseRelative(cleaned, dateClock()); ok {
		return DateResult{
			Time:       t,
			OK:         true,
			Confidence: 0.6,
			Method:     "relative",
			Original:   original,
		}
	}

	layouts := dateLayouts
	if dayFirst {
		layouts = dateLayoutsDayFirst
	}
	for _, dl := range layouts {
		t, err := time.Parse(dl.layout, cleaned)
		if err != nil {
			continue
		}
		if dl.method == "us_date_short" || dl.method == "intl_date_short" {
			t = fixTwoDigitYear(t)
		}
		return DateResult{
			Time:       t,
			OK:         true,
			Confidence: dl.confidence,
			Method:     dl.method,
			Original:   original,
		}
	}

	t, err := dateparse.ParseAny(cleaned, dateparse.PreferMonthFirst(!dayFirst))
	if err != nil {
		return DateResult{Original: original}
	}
	conf := 0.7
	if fourDigitYear.MatchString(cleaned) {
		conf += 0.1
	}
	if timeOfDayRe.MatchString(cleaned) {
		conf += 0.1
	}
	if relativeWordRe.MatchString(cleaned) {
		conf -= 0.1
	}
	if conf > 1 {
		conf = 1
	}
	if conf < 0 {
		conf = 0
	}
	return DateResult{
		Time:       t,
		OK:         true,
		Confidence: conf,
		Method:     "fallback",
		Original:   original,
	}
}

// parseRelative resolves relative phrases and bare weekday names
// against the reference clock. Bare weekdays prefer the future: a
// closing date of "Friday" scraped on a Friday means next week, the
// way the portals that write them intend.
func parseRelative(s string, now time.Time) (time.Time, bool) {
	lower := strings.ToLower(strings.TrimSpace(s))
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())

	switch lower {
	case "today":
		return today, true
	case "tomorrow":
		return today.AddDate(0, 0, 1), true
	case "yesterday":
		return today.AddDate(0, 0, -1), true
	}

	if m := inDurationRe.FindStringSubmatch(lower); m != nil {
		n, err := strconv.Atoi(m[1])
		if err != nil {
			return time.Time{}, false
		}
		switch m[2] {
		case "day":
			return today.AddDate(0, 0, n), true
		case "week":
			return today.AddDate(0, 0, 7*n), true
		case "month":
			return today.AddDate(0, n, 0), true
		}
	}

	if m := weekdayRe.FindStringSubmatch(lower); m != nil {
		target := weekdayNames[m[1]]
		days := (int(target) - int(today.Weekday()) + 7) % 7
		if days == 0 {
			days = 7
		}
		return today.AddDate(0, 0, days), true
	}

	return time.Time{}, false
}

// fixTwoDigitYear maps two-digit years below 50 into the 2000s and the
// rest into the 1900s.
func fixTwoDigitYear(t time.Time) time.Time {
	yy := t.Year() % 100
	year := 1900 + yy
	if yy < 50 {
		year = 2000 + yy
	}
	if year == t.Year() {
		return t
	}
	return time.Date(year, t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
}

// cleanDateString strips label prefixes and trailing timezone
// abbreviations that portals commonly attach to date cells.
func cleanDateString(s string) string {
	s = strings.TrimSpace(s)
	s = datePrefixRe.ReplaceAllString(s, "")
	s = dateTzSuffixRe.ReplaceAllString(s, "")
	return strings.TrimSpace(s)
}
