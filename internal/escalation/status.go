package escalation

import "time"

// NewIssueWindow is how long after creation an issue counts as new.
const NewIssueWindow = 7 * 24 * time.Hour

// State is the primary derived status of an issue. It is never stored.
type State string

const (
	StateNew        State = "new"
	StateEscalating State = "escalating"
	StateStable     State = "stable"
	StateResolved   State = "resolved"
	StateRegressed  State = "regressed"
	StateIgnored    State = "ignored"
	StateMerged     State = "merged"
)

// Timestamps are the lifecycle timestamps of an issue that feed status
// derivation. Nil means unset.
type Timestamps struct {
	CreatedAt  time.Time
	ResolvedAt *time.Time
	IgnoredAt  *time.Time
	MergedAt   *time.Time
}

// Status is the full derived view. Flags are independent; State picks the
// one shown first.
type Status struct {
	State        State
	IsNew        bool
	IsEscalating bool
	IsResolved   bool
	IsRegressed  bool
	IsIgnored    bool
	IsMerged     bool
	Escalation   Result
}

// StatusOf derives the status of an issue from its timestamps and histogram.
// Precedence: merged, ignored, regressed, resolved, escalating, new, stable.
func StatusOf(now time.Time, ts Timestamps, buckets []Bucket) Status {
	st := Status{
		IsNew:     now.Sub(ts.CreatedAt) < NewIssueWindow,
		IsIgnored: ts.IgnoredAt != nil,
		IsMerged:  ts.MergedAt != nil,
	}

	if ts.ResolvedAt != nil {
		if hasActivityAfter(buckets, *ts.ResolvedAt) {
			st.IsRegressed = true
		} else {
			st.IsResolved = true
		}
	}

	st.Escalation = Check(now, buckets)
	st.IsEscalating = st.Escalation.IsEscalating

	switch {
	case st.IsMerged:
		st.State = StateMerged
	case st.IsIgnored:
		st.State = StateIgnored
	case st.IsRegressed:
		st.State = StateRegressed
	case st.IsResolved:
		st.State = StateResolved
	case st.IsEscalating:
		st.State = StateEscalating
	case st.IsNew:
		st.State = StateNew
	default:
		st.State = StateStable
	}

	return st
}

func hasActivityAfter(buckets []Bucket, t time.Time) bool {
	for _, b := range buckets {
		if b.Count > 0 && b.Date.After(t) {
			return true
		}
	}
	return false
}
