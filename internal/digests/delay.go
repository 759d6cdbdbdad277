package digests

import "time"

// History is what the delay policy knows about a key. Zero times are unset.
type History struct {
	LastScheduled time.Time
	LastActivity  time.Time
	// FirstPending is the timestamp of the oldest record not yet flushed.
	FirstPending time.Time
}

// NextEligible computes when a key may next be scheduled.
//
// A key that was never scheduled waits Minimum after its last activity. A
// key scheduled before waits Increment after that, capped at Maximum after
// its last activity. With Maximum set, nothing waits longer than Maximum
// past its first pending record, even under continuous activity.
func NextEligible(d Delays, h History) time.Time {
	var next time.Time
	if h.LastScheduled.IsZero() {
		next = h.LastActivity.Add(d.Minimum)
	} else {
		next = h.LastScheduled.Add(d.Increment)
		if d.Maximum > 0 {
			next = earliest(next, h.LastActivity.Add(d.Maximum))
		}
	}
	if d.Maximum > 0 && !h.FirstPending.IsZero() {
		next = earliest(next, h.FirstPending.Add(d.Maximum))
	}
	return next
}

func earliest(a, b time.Time) time.Time {
	if b.Before(a) {
		return b
	}
	return a
}
