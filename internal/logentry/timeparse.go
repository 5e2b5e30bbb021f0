package logentry

import (
	"regexp"
	"time"
)

// Timestamp formats are tried in order. Each pairs a locating regexp
// with the time layout used to parse the match. The first hit wins.
var timestampFormats = []struct {
	re     *regexp.Regexp
	layout string
	noYear bool
}{
	// RFC3339 / ISO 8601 with zone: 2024-10-10T10:10:10.123+02:00
	{re: regexp.MustCompile(`\d{4}-\d{2}-\d{2}[T ]\d{2}:\d{2}:\d{2}(?:\.\d+)?(?:Z|[+-]\d{2}:?\d{2})`), layout: ""},
	// ISO 8601 without zone: 2024-10-10T10:10:10.123
	{re: regexp.MustCompile(`\d{4}-\d{2}-\d{2}[T ]\d{2}:\d{2}:\d{2}\.\d+`), layout: "2006-01-02T15:04:05.999999999"},
	{re: regexp.MustCompile(`\d{4}-\d{2}-\d{2}[T ]\d{2}:\d{2}:\d{2}`), layout: "2006-01-02T15:04:05"},
	// Slashed date: 2024/10/10 10:10:10
	{re: regexp.MustCompile(`\d{4}/\d{2}/\d{2} \d{2}:\d{2}:\d{2}`), layout: "2006/01/02 15:04:05"},
	// CLF: 10/Oct/2024:10:10:10 +0200
	{re: regexp.MustCompile(`\d{2}/[A-Z][a-z]{2}/\d{4}:\d{2}:\d{2}:\d{2} [+-]\d{4}`), layout: "02/Jan/2006:15:04:05 -0700"},
	// ctime: Mon Oct 10 10:10:10 2024
	{re: regexp.MustCompile(`[A-Z][a-z]{2} [A-Z][a-z]{2} [ \d]\d \d{2}:\d{2}:\d{2} \d{4}`), layout: "Mon Jan _2 15:04:05 2006"},
	// BSD syslog: Oct 10 10:10:10 (no year)
	{re: regexp.MustCompile(`[A-Z][a-z]{2} [ \d]\d \d{2}:\d{2}:\d{2}`), layout: "Jan _2 15:04:05", noYear: true},
}

// ExtractTimestamp finds the first recognizable timestamp in raw and
// returns it as milliseconds since epoch. Formats without a year (BSD
// syslog) borrow the year from ref, stepping back one year when the
// result would land in the future. Returns false when no format
// matches; the caller falls back to ingest time.
func ExtractTimestamp(raw string, ref time.Time) (int64, bool) {
	// Only scan the head of the line; timestamps live in prefixes.
	head := raw
	if len(head) > 256 {
		head = head[:256]
	}
	for _, f := range timestampFormats {
		m := f.re.FindString(head)
		if m == "" {
			continue
		}
		var t time.Time
		var err error
		if f.layout == "" {
			t, err = parseRFC3339ish(m)
		} else {
			t, err = time.Parse(normalizeLayout(f.layout, m), m)
		}
		if err != nil {
			continue
		}
		if f.noYear {
			t = t.AddDate(ref.Year(), 0, 0)
			if t.After(ref.Add(24 * time.Hour)) {
				t = t.AddDate(-1, 0, 0)
			}
		}
		return t.UnixMilli(), true
	}
	return 0, false
}

// parseRFC3339ish accepts both T and space separated variants and
// zone offsets with or without a colon.
func parseRFC3339ish(s string) (time.Time, error) {
	layouts := []string{
		time.RFC3339Nano,
		"2006-01-02 15:04:05.999999999Z07:00",
		"2006-01-02T15:04:05.999999999-0700",
		"2006-01-02 15:04:05.999999999-0700",
	}
	var err error
	var t time.Time
	for _, l := range layouts {
		t, err = time.Parse(l, s)
		if err == nil {
			return t, nil
		}
	}
	return time.Time{}, err
}

// normalizeLayout swaps the T separator for a space when the matched
// text uses one.
func normalizeLayout(layout, match string) string {
	if len(match) > 10 && match[10] == ' ' && len(layout) > 10 && layout[10] == 'T' {
		return layout[:10] + " " + layout[11:]
	}
	return layout
}
