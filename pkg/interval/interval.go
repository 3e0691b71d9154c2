// Package interval maps timestamps onto the fixed-length slots of the
// tariff horizon. All functions are pure; callers own the interval slices.
package interval

import (
	"fmt"
	"sort"
	"time"

	"github.com/loadshift/loadshift/pkg/types"
)

// DefaultLengthMinutes is the slot length of the day-ahead tariff.
const DefaultLengthMinutes = 15

// OfDay returns the zero-based slot index of t within its local day, so
// 00:00-00:14 is 0 and 23:45-23:59 is 95 for 15-minute slots.
func OfDay(t time.Time, lengthMinutes int) (int, error) {
	if t.IsZero() {
		return 0, fmt.Errorf("zero timestamp")
	}
	if lengthMinutes <= 0 || lengthMinutes > 24*60 {
		return 0, fmt.Errorf("invalid interval length: %d minutes", lengthMinutes)
	}
	minutes := t.Hour()*60 + t.Minute()
	return minutes / lengthMinutes, nil
}

// CurrentIndex returns the index within intervals of the slot whose
// [start, start+length) range contains t, or -1 when no slot matches.
// Callers must treat -1 as "no schedule available", not as an error.
func CurrentIndex(t time.Time, intervals []types.PriceInterval, lengthMinutes int) int {
	if t.IsZero() || lengthMinutes <= 0 {
		return -1
	}
	length := time.Duration(lengthMinutes) * time.Minute
	for i, iv := range intervals {
		if !t.Before(iv.TSStart) && t.Before(iv.TSStart.Add(length)) {
			return i
		}
	}
	return -1
}

// FilterCurrentAndFuture keeps intervals whose start is no more than one
// slot length in the past, so the slot currently in progress survives.
// The result is sorted ascending by start time.
func FilterCurrentAndFuture(intervals []types.PriceInterval, now time.Time, lengthMinutes int) []types.PriceInterval {
	if lengthMinutes <= 0 {
		lengthMinutes = DefaultLengthMinutes
	}
	cutoff := now.Add(-time.Duration(lengthMinutes) * time.Minute)

	out := make([]types.PriceInterval, 0, len(intervals))
	for _, iv := range intervals {
		if iv.TSStart.After(cutoff) || iv.TSStart.Equal(cutoff) {
			out = append(out, iv)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].TSStart.Before(out[j].TSStart)
	})
	return out
}

// Enrich attaches Index and IntervalOfDay to each interval. Intervals with
// an invalid start keep a zero IntervalOfDay; the horizon is never
// rejected wholesale for one bad entry.
func Enrich(intervals []types.PriceInterval, lengthMinutes int) []types.PriceInterval {
	if lengthMinutes <= 0 {
		lengthMinutes = DefaultLengthMinutes
	}
	out := make([]types.PriceInterval, len(intervals))
	for i, iv := range intervals {
		iv.Index = i
		if iod, err := OfDay(iv.TSStart, lengthMinutes); err == nil {
			iv.IntervalOfDay = iod
		} else {
			iv.IntervalOfDay = 0
		}
		out[i] = iv
	}
	return out
}
