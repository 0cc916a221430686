package session

import (
	"context"
	"encoding/json"
	"time"

	"github.com/eclipse/paho.golang/paho"

	"github.com/nugget/occupancyd/internal/buildinfo"
)

// heartbeat is the JSON payload published on the heartbeat topic.
type heartbeat struct {
	Timestamp string `json:"timestamp"`
	State     string `json:"state"`
	Uptime    string `json:"uptime"`
}

// heartbeatLoop publishes a heartbeat at a fixed interval for the whole
// daemon lifetime, independent of staleness bookkeeping. Ticks that
// land between connections are skipped.
func (m *Manager) heartbeatLoop(ctx context.Context) {
	if m.cfg.HeartbeatTopic == "" {
		return
	}

	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.publishHeartbeat(ctx)
		}
	}
}

// publishHeartbeat sends one heartbeat if a connection is live. QoS 1
// makes the broker acknowledge it, which feeds the liveness tracker
// through the connection's read path.
func (m *Manager) publishHeartbeat(ctx context.Context) {
	m.mu.Lock()
	client := m.client
	state := m.state
	m.mu.Unlock()

	if client == nil {
		return
	}

	payload, err := json.Marshal(heartbeat{
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		State:     state.String(),
		Uptime:    buildinfo.Uptime().String(),
	})
	if err != nil {
		m.log.Error("marshal heartbeat", "error", err)
		return
	}

	if _, err := client.Publish(ctx, &paho.Publish{
		Topic:   m.cfg.HeartbeatTopic,
		Payload: payload,
		QoS:     1,
	}); err != nil {
		m.log.Debug("heartbeat publish failed", "error", err)
	} else {
		m.log.Debug("heartbeat published", "topic", m.cfg.HeartbeatTopic)
	}
}
