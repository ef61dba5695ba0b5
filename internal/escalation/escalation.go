// Package escalation decides whether an issue's recent event rate
// significantly exceeds its prior baseline, and derives the display status
// of an issue from its timestamps and histogram.
//
// Everything here is a pure function of "now" and its inputs, so checks are
// safe to re-run on every histogram append and from any goroutine.
package escalation

import "time"

const (
	// RecentWindow must contain at least one event for an issue to escalate.
	RecentWindow = 24 * time.Hour
	// CurrentWindow is the window whose total is compared to the baseline.
	CurrentWindow = 7 * 24 * time.Hour
	// PreviousWindow is the baseline window immediately preceding CurrentWindow.
	PreviousWindow = 7 * 24 * time.Hour
	// MinThreshold is the minimum CurrentWindow total before escalation is considered.
	MinThreshold = 20
	// Multiplier is how many times the previous daily average the current
	// window total must exceed.
	Multiplier = 2

	previousWindowDays = 7
)

// Bucket is one day of histogram counts for an issue. Date is the start of
// the day in UTC.
type Bucket struct {
	Date  time.Time
	Count int
}

// Result carries the intermediate counts alongside the decision so callers
// can log why an issue did or did not escalate.
type Result struct {
	IsEscalating        bool
	RecentCount         int
	CurrentWindowCount  int
	PreviousWindowCount int
	PreviousAverage     float64
}

// Check computes escalation for the given histogram as of now.
func Check(now time.Time, buckets []Bucket) Result {
	var res Result

	recentStart := now.Add(-RecentWindow)
	currentStart := now.Add(-CurrentWindow)
	previousStart := currentStart.Add(-PreviousWindow)

	for _, b := range buckets {
		if !b.Date.Before(recentStart) {
			res.RecentCount += b.Count
		}
		if !b.Date.Before(currentStart) {
			res.CurrentWindowCount += b.Count
		} else if !b.Date.Before(previousStart) {
			res.PreviousWindowCount += b.Count
		}
	}

	if res.RecentCount == 0 {
		return res
	}
	if res.CurrentWindowCount < MinThreshold {
		return res
	}

	if res.PreviousWindowCount > 0 {
		res.PreviousAverage = float64(res.PreviousWindowCount) / previousWindowDays
	}
	res.IsEscalating = float64(res.CurrentWindowCount) > res.PreviousAverage*Multiplier

	return res
}
