package session

import (
	"context"

	"github.com/nugget/occupancyd/internal/config"
	"github.com/nugget/occupancyd/internal/sensor"
)

// processLoop consumes inbound sensor messages one at a time, in
// arrival order. It runs for the whole daemon lifetime; the queue
// simply sits idle between connections.
func (m *Manager) processLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-m.messages:
			m.handleMessage(ctx, msg)
		}
	}
}

// handleMessage runs one message through decode, dedupe, persist.
// Decode failures are logged and dropped before the deduplicator sees
// them. A failed append is logged and dropped too: it is not retried
// and does not roll the deduplicator back.
func (m *Manager) handleMessage(ctx context.Context, msg message) {
	m.log.Log(ctx, config.LevelTrace, "sensor payload received",
		"topic", msg.topic,
		"payload", string(msg.payload),
	)

	r, err := sensor.DecodeReading(msg.payload, msg.receivedAt)
	if err != nil {
		m.log.Warn("discarding sensor message", "topic", msg.topic, "error", err)
		return
	}

	tr, changed := m.dedup.Observe(r)
	if !changed {
		m.log.Debug("occupancy unchanged", "occupied", r.Occupied)
		return
	}

	if tr.Occupied {
		m.log.Info("presence detected")
	} else {
		m.log.Info("no presence")
	}

	if err := m.cfg.Sink.Append(ctx, tr.Occupied, tr.At); err != nil {
		m.log.Error("record occupancy event", "occupied", tr.Occupied, "error", err)
	}
}
