package transport

import (
	"sync"
	"time"
)

// rateWindow counts events in a rolling time window. It exists to
// enforce the hard outbound cap; callers that exceed it are cut off,
// not delayed.
type rateWindow struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	stamps []time.Time
}

func newRateWindow(limit int, window time.Duration) *rateWindow {
	return &rateWindow{limit: limit, window: window}
}

// allow records one event at now and reports whether the cap holds.
// A zero limit disables the cap.
func (r *rateWindow) allow(now time.Time) bool {
	if r.limit <= 0 {
		return true
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := now.Add(-r.window)
	keep := r.stamps[:0]
	for _, ts := range r.stamps {
		if ts.After(cutoff) {
			keep = append(keep, ts)
		}
	}
	r.stamps = keep

	if len(r.stamps) >= r.limit {
		return false
	}
	r.stamps = append(r.stamps, now)
	return true
}
