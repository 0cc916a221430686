// Package liveness tracks the time of the most recent inbound broker
// traffic. A connection that has gone silent past a threshold is
// indistinguishable from a dead link and gets torn down by the
// supervisory loop even when the transport never reported an error.
package liveness

import (
	"sync"
	"time"
)

// Tracker records the timestamp of the last observed inbound activity.
// The zero value is ready to use. All methods are safe for concurrent
// use: the transport read path touches the tracker while the
// supervisory loop polls it.
type Tracker struct {
	mu   sync.Mutex
	last time.Time
}

// Touch records inbound activity at the current time.
func (t *Tracker) Touch() {
	t.Observe(time.Now())
}

// Observe records inbound activity at the given time.
func (t *Tracker) Observe(at time.Time) {
	t.mu.Lock()
	t.last = at
	t.mu.Unlock()
}

// Last returns the most recent activity timestamp, or the zero time
// when nothing has been observed yet.
func (t *Tracker) Last() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.last
}

// IsStale reports whether more than maxInactive has elapsed between
// the last observed activity and now. The boundary is exclusive:
// exactly maxInactive of silence is not yet stale. A tracker that has
// never observed activity is never stale.
func (t *Tracker) IsStale(now time.Time, maxInactive time.Duration) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.last.IsZero() {
		return false
	}
	return now.Sub(t.last) > maxInactive
}
