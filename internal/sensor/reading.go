// Package sensor decodes raw occupancy sensor payloads and filters
// the resulting readings down to genuine state transitions.
package sensor

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Reading is one decoded sensor report. Readings are transient: they
// exist only long enough to be fed through a Deduper and are never
// persisted themselves.
type Reading struct {
	Occupied   bool
	ReceivedAt time.Time
}

// DecodeReading parses a raw sensor payload into a Reading stamped
// with the given receive time. The payload must be a JSON object
// carrying a boolean "occupancy" field; every other field is ignored.
// A missing or non-boolean occupancy field, or a payload that is not
// an object at all, is an error.
func DecodeReading(payload []byte, at time.Time) (Reading, error) {
	var msg struct {
		Occupancy *bool `json:"occupancy"`
	}
	if err := json.Unmarshal(payload, &msg); err != nil {
		return Reading{}, fmt.Errorf("parse sensor payload: %w", err)
	}
	if msg.Occupancy == nil {
		return Reading{}, errors.New("sensor payload has no boolean occupancy field")
	}
	return Reading{Occupied: *msg.Occupancy, ReceivedAt: at}, nil
}
