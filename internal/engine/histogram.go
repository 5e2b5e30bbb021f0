package engine

import "grepwise/internal/logentry"

// TimeSlot is one histogram bucket of a search response.
type TimeSlot struct {
	Start int64 `json:"start"`
	Count int64 `json:"count"`
}

const maxSlots = 60

// slotLadder holds candidate bucket widths in millis, coarsening until
// the range fits in maxSlots buckets.
var slotLadder = []int64{
	1000, 5 * 1000, 10 * 1000, 30 * 1000,
	60 * 1000, 5 * 60 * 1000, 15 * 60 * 1000, 30 * 60 * 1000,
	3600 * 1000, 3 * 3600 * 1000, 6 * 3600 * 1000, 12 * 3600 * 1000,
	24 * 3600 * 1000,
}

func slotWidth(span int64) int64 {
	for _, w := range slotLadder {
		if span/w < maxSlots {
			return w
		}
	}
	day := slotLadder[len(slotLadder)-1]
	// Multiples of a day for very wide ranges.
	w := ((span / maxSlots / day) + 1) * day
	return w
}

// buildTimeSlots buckets entries over [start, end]. Zero bounds are
// tightened to the observed timestamps. Buckets are contiguous, with
// empty ones included, so clients can render gaps.
func buildTimeSlots(entries []logentry.LogEntry, start, end int64) []TimeSlot {
	if len(entries) == 0 {
		return nil
	}
	minTS, maxTS := entries[0].Timestamp, entries[0].Timestamp
	for _, e := range entries[1:] {
		if e.Timestamp < minTS {
			minTS = e.Timestamp
		}
		if e.Timestamp > maxTS {
			maxTS = e.Timestamp
		}
	}
	if start <= 0 {
		start = minTS
	}
	if end <= 0 {
		end = maxTS
	}
	if end < start {
		return nil
	}

	width := slotWidth(end - start + 1)
	base := (start / width) * width
	n := int((end-base)/width) + 1
	slots := make([]TimeSlot, n)
	for i := range slots {
		slots[i].Start = base + int64(i)*width
	}
	for _, e := range entries {
		if e.Timestamp < base || e.Timestamp > end {
			continue
		}
		slots[(e.Timestamp-base)/width].Count++
	}
	return slots
}
