package sensor

import "time"

// Transition is a detected change in occupancy state, stamped with the
// time of the reading that caused it. Transitions are what the event
// log persists; readings that confirm the current state produce none.
type Transition struct {
	Occupied bool
	At       time.Time
}

// Deduper filters a stream of readings down to state transitions. It
// remembers the last seen state, starting from unknown, and emits once
// per change: the emitted sequence strictly alternates, and the first
// reading always emits. The zero value is ready to use. Not safe for
// concurrent use; the session's processing loop is the only caller.
type Deduper struct {
	last *bool
}

// Observe feeds one reading through the filter. It returns the
// resulting transition and true when the reading differs from the
// last known state (or no state was known yet), and the zero
// Transition and false otherwise. A reading with a zero ReceivedAt is
// stamped with the current time.
func (d *Deduper) Observe(r Reading) (Transition, bool) {
	if d.last != nil && *d.last == r.Occupied {
		return Transition{}, false
	}

	v := r.Occupied
	d.last = &v

	at := r.ReceivedAt
	if at.IsZero() {
		at = time.Now()
	}
	return Transition{Occupied: v, At: at}, true
}
