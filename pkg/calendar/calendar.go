// Package calendar computes missing trading-date ranges for incremental
// ingestion. Given the exchange trading calendar and the dates already
// stored for a code, it reduces the gap set to contiguous [start, end]
// ranges suitable for backfill requests.
package calendar

import (
	"sort"
	"time"
)

// DateRange is a closed range of trading dates; both endpoints are missing.
type DateRange struct {
	Start time.Time
	End   time.Time
}

// dayKey normalizes a timestamp to its calendar date for set membership.
func dayKey(t time.Time) string {
	return t.Format("2006-01-02")
}

// MissingDates returns the trading days present in the calendar but absent
// from existing, sorted ascending. Both inputs may be unsorted.
func MissingDates(tradingDays, existing []time.Time) []time.Time {
	have := make(map[string]struct{}, len(existing))
	for _, d := range existing {
		have[dayKey(d)] = struct{}{}
	}
	var missing []time.Time
	seen := make(map[string]struct{}, len(tradingDays))
	for _, d := range tradingDays {
		key := dayKey(d)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		if _, ok := have[key]; !ok {
			missing = append(missing, time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, d.Location()))
		}
	}
	sort.Slice(missing, func(i, j int) bool { return missing[i].Before(missing[j]) })
	return missing
}

// Ranges collapses sorted missing dates into contiguous ranges. Contiguity
// is judged against the trading calendar, not calendar days: two missing
// dates belong to one range when no stored trading day separates them.
func Ranges(tradingDays, missing []time.Time) []DateRange {
	if len(missing) == 0 {
		return nil
	}
	missingSet := make(map[string]struct{}, len(missing))
	for _, d := range missing {
		missingSet[dayKey(d)] = struct{}{}
	}

	ordered := append([]time.Time(nil), tradingDays...)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Before(ordered[j]) })

	var ranges []DateRange
	var open *DateRange
	for _, d := range ordered {
		if _, miss := missingSet[dayKey(d)]; miss {
			day := time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, d.Location())
			if open == nil {
				open = &DateRange{Start: day, End: day}
			} else {
				open.End = day
			}
			continue
		}
		if open != nil {
			ranges = append(ranges, *open)
			open = nil
		}
	}
	if open != nil {
		ranges = append(ranges, *open)
	}
	return ranges
}

// MissingRanges is the one-call form: trading calendar in, stored dates in,
// contiguous backfill ranges out.
func MissingRanges(tradingDays, existing []time.Time) []DateRange {
	return Ranges(tradingDays, MissingDates(tradingDays, existing))
}
