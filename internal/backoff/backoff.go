// Package backoff computes reconnect delays: exponential growth from a
// base delay up to a ceiling, plus a random jitter so a fleet of
// monitors does not hammer a recovering broker in lockstep.
package backoff

import (
	"math/rand"
	"time"
)

// jitterWindow is the width of the random offset added to every delay.
const jitterWindow = time.Second

// Policy computes the delay before a reconnect attempt. The zero value
// is usable and applies the defaults.
type Policy struct {
	// Min is the base delay, used for attempt 0 (default: 1s).
	Min time.Duration

	// Max caps the exponential growth, before jitter (default: 60s).
	Max time.Duration

	// Jitter returns a uniform random value in [0, 1). Defaults to
	// math/rand; tests inject a fixed source for determinism.
	Jitter func() float64
}

// Delay returns the delay to sleep before the given attempt, counted
// from zero: min(Max, Min*2^attempt) plus a uniform jitter in [0, 1s).
// Doubling stops once the ceiling is reached, so arbitrarily large
// attempt counts saturate at Max instead of overflowing.
func (p Policy) Delay(attempt int) time.Duration {
	minDelay := p.Min
	if minDelay <= 0 {
		minDelay = time.Second
	}
	maxDelay := p.Max
	if maxDelay <= 0 {
		maxDelay = 60 * time.Second
	}
	if maxDelay < minDelay {
		maxDelay = minDelay
	}
	jitter := p.Jitter
	if jitter == nil {
		jitter = rand.Float64
	}

	d := minDelay
	for i := 0; i < attempt && d < maxDelay; i++ {
		if d > maxDelay/2 {
			// Doubling again would pass (or overflow past) the
			// ceiling; saturate now.
			d = maxDelay
			break
		}
		d *= 2
	}
	if d > maxDelay {
		d = maxDelay
	}

	return d + time.Duration(jitter()*float64(jitterWindow))
}
