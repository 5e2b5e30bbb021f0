// Package partition owns the partition lifecycle: time-bucketed keys,
// the OPEN/ACTIVE/CLOSED/ARCHIVED state machine, the active-set cap,
// retention, and archival.
package partition

import (
	"fmt"
	"regexp"
	"strconv"
	"time"
)

// Granularity selects how timestamps map to partition keys.
type Granularity string

const (
	Daily   Granularity = "DAILY"
	Weekly  Granularity = "WEEKLY"
	Monthly Granularity = "MONTHLY"
)

func ParseGranularity(s string) (Granularity, error) {
	switch Granularity(s) {
	case Daily, Weekly, Monthly:
		return Granularity(s), nil
	}
	return "", fmt.Errorf("unknown granularity %q", s)
}

var weeklyKeyRE = regexp.MustCompile(`^(\d{4})-W(\d{2})$`)

// KeyFor maps a timestamp (ms since epoch, interpreted in UTC) to its
// partition key. The mapping depends only on the granularity, so two
// entries in the same bucket always share a partition.
func KeyFor(tsMillis int64, g Granularity) string {
	t := time.UnixMilli(tsMillis).UTC()
	switch g {
	case Weekly:
		year, week := t.ISOWeek()
		return fmt.Sprintf("%04d-W%02d", year, week)
	case Monthly:
		return t.Format("2006-01")
	default:
		return t.Format("2006-01-02")
	}
}

// KeyBounds returns the half-open UTC interval [start, end) covered by
// a key. The key shape identifies its granularity.
func KeyBounds(key string) (time.Time, time.Time, error) {
	if m := weeklyKeyRE.FindStringSubmatch(key); m != nil {
		year, _ := strconv.Atoi(m[1])
		week, _ := strconv.Atoi(m[2])
		start := isoWeekStart(year, week)
		return start, start.AddDate(0, 0, 7), nil
	}
	if t, err := time.Parse("2006-01-02", key); err == nil {
		return t, t.AddDate(0, 0, 1), nil
	}
	if t, err := time.Parse("2006-01", key); err == nil {
		return t, t.AddDate(0, 1, 0), nil
	}
	return time.Time{}, time.Time{}, fmt.Errorf("unparseable partition key %q", key)
}

// isoWeekStart returns the Monday that opens the given ISO week.
// January 4th is always in week 1.
func isoWeekStart(year, week int) time.Time {
	jan4 := time.Date(year, 1, 4, 0, 0, 0, 0, time.UTC)
	monday := jan4.AddDate(0, 0, -((int(jan4.Weekday()) + 6) % 7))
	return monday.AddDate(0, 0, (week-1)*7)
}

// Intersects reports whether the key's interval overlaps the inclusive
// millisecond range [start, end].
func Intersects(key string, startMillis, endMillis int64) bool {
	lo, hi, err := KeyBounds(key)
	if err != nil {
		return false
	}
	return startMillis < hi.UnixMilli() && endMillis >= lo.UnixMilli()
}
