// Package session owns the MQTT subscriber connection. An explicit
// state machine (disconnected, connecting, connected, reconnecting)
// drives the connect/supervise/reconnect cycle with jittered
// exponential backoff, while a separate processing loop runs inbound
// sensor readings through decoding and deduplication before they reach
// the event sink, preserving arrival order.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/eclipse/paho.golang/paho"

	"github.com/nugget/occupancyd/internal/backoff"
	"github.com/nugget/occupancyd/internal/liveness"
	"github.com/nugget/occupancyd/internal/sensor"
)

// connectTimeout bounds a single dial + handshake + subscribe attempt.
const connectTimeout = 30 * time.Second

// State is the session's position in the connection lifecycle.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// EventSink receives deduplicated occupancy transitions. Append must be
// durable before returning nil.
type EventSink interface {
	Append(ctx context.Context, occupied bool, at time.Time) error
}

// Config configures a session manager.
type Config struct {
	// BrokerURL is the broker address as mqtt://host:port.
	BrokerURL string

	// ClientID identifies this daemon to the broker.
	ClientID string

	// Topic is the sensor state topic to subscribe to.
	Topic string

	// HeartbeatTopic receives periodic liveness payloads. Empty disables
	// the heartbeat loop.
	HeartbeatTopic string

	// AvailabilityTopic carries online/offline status, with an MQTT will
	// covering unclean exits. Empty disables availability publishing.
	AvailabilityTopic string

	// KeepAlive is the MQTT keepalive interval (default 30s).
	KeepAlive time.Duration

	// HeartbeatInterval paces the heartbeat loop (default 15s). Must be
	// shorter than KeepAlive so the broker never idles us out between
	// heartbeats.
	HeartbeatInterval time.Duration

	// MaxInactive is the longest broker silence tolerated before the
	// session is torn down as stale (default 60s).
	MaxInactive time.Duration

	// Backoff paces reconnect attempts. The zero value uses the policy
	// defaults.
	Backoff backoff.Policy

	// MaxRetries bounds consecutive failed connection attempts before
	// Run gives up. Zero or negative retries forever.
	MaxRetries int

	// Sink receives occupancy transitions.
	Sink EventSink

	// Logger for structured logging. Uses slog.Default() if nil.
	Logger *slog.Logger
}

// notice is a connection event from a paho callback, tagged with the
// connection generation it belongs to.
type notice struct {
	gen uint64
	err error
}

// message is one inbound publish awaiting processing.
type message struct {
	topic      string
	payload    []byte
	receivedAt time.Time
}

// Manager runs the session state machine. Create with New, then call
// Run; the zero value is not usable.
type Manager struct {
	cfg    Config
	log    *slog.Logger
	policy backoff.Policy

	mu       sync.Mutex
	state    State
	since    time.Time
	attempts int
	lastErr  error
	client   *paho.Client
	conn     net.Conn
	gen      uint64

	activity liveness.Tracker
	dedup    sensor.Deduper

	notices  chan notice
	messages chan message
}

// Status is a point-in-time snapshot of the session.
type Status struct {
	State    State
	Since    time.Time
	Attempts int
	LastErr  error
}

// New creates a session manager. It does not connect; call Run.
//
// Panics if BrokerURL, Topic, or Sink is missing. These are wiring
// errors, not runtime conditions.
func New(cfg Config) *Manager {
	if cfg.BrokerURL == "" {
		panic("session: Config.BrokerURL must not be empty")
	}
	if cfg.Topic == "" {
		panic("session: Config.Topic must not be empty")
	}
	if cfg.Sink == nil {
		panic("session: Config.Sink must not be nil")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "occupancyd"
	}
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = 30 * time.Second
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 15 * time.Second
	}
	if cfg.MaxInactive <= 0 {
		cfg.MaxInactive = 60 * time.Second
	}

	return &Manager{
		cfg:      cfg,
		log:      cfg.Logger,
		policy:   cfg.Backoff,
		state:    StateDisconnected,
		since:    time.Now(),
		notices:  make(chan notice, 8),
		messages: make(chan message, 64),
	}
}

// Run connects to the broker and supervises the session until ctx is
// cancelled or the retry budget is exhausted. A nil return means a
// clean shutdown; a non-nil return means the broker stayed unreachable
// past MaxRetries consecutive attempts.
func (m *Manager) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)

	var wg sync.WaitGroup
	defer wg.Wait()
	defer cancel()

	wg.Add(2)
	go func() {
		defer wg.Done()
		m.processLoop(ctx)
	}()
	go func() {
		defer wg.Done()
		m.heartbeatLoop(ctx)
	}()

	for {
		err := m.connect(ctx)
		if err == nil {
			if err = m.supervise(ctx); err == nil {
				// Context cancelled while connected.
				m.shutdown()
				return nil
			}
			m.log.Warn("session lost", "error", err)
			m.teardown()
		} else {
			if ctx.Err() != nil {
				m.setState(StateDisconnected)
				return nil
			}
			m.log.Warn("connect failed", "broker", m.cfg.BrokerURL, "error", err)
		}

		delay, fatal := m.scheduleRetry(err)
		if fatal {
			m.log.Error("giving up on broker",
				"broker", m.cfg.BrokerURL,
				"attempts", m.cfg.MaxRetries,
				"error", err,
			)
			return fmt.Errorf("reconnect attempts exhausted after %d tries: %w", m.cfg.MaxRetries, err)
		}
		if !sleepCtx(ctx, delay) {
			m.setState(StateDisconnected)
			return nil
		}
	}
}

// connect performs one dial + handshake + subscribe attempt.
func (m *Manager) connect(ctx context.Context) error {
	m.setState(StateConnecting)

	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	conn, err := dialBroker(ctx, m.cfg.BrokerURL, &m.activity)
	if err != nil {
		return fmt.Errorf("dial broker: %w", err)
	}

	m.mu.Lock()
	m.gen++
	gen := m.gen
	m.mu.Unlock()

	client := paho.NewClient(paho.ClientConfig{
		ClientID: m.cfg.ClientID,
		Conn:     conn,
		OnPublishReceived: []func(paho.PublishReceived) (bool, error){
			func(pr paho.PublishReceived) (bool, error) {
				m.enqueue(pr.Packet.Topic, pr.Packet.Payload)
				return true, nil
			},
		},
		OnServerDisconnect: func(d *paho.Disconnect) {
			m.notify(gen, fmt.Errorf("server disconnect (reason %d)", d.ReasonCode))
		},
		OnClientError: func(err error) {
			m.notify(gen, err)
		},
	})

	cp := &paho.Connect{
		ClientID:   m.cfg.ClientID,
		CleanStart: true,
		KeepAlive:  uint16(m.cfg.KeepAlive / time.Second),
	}
	if m.cfg.AvailabilityTopic != "" {
		cp.WillMessage = &paho.WillMessage{
			Topic:   m.cfg.AvailabilityTopic,
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		}
	}

	connack, err := client.Connect(ctx, cp)
	if err != nil {
		conn.Close()
		return fmt.Errorf("mqtt connect: %w", err)
	}
	if connack.ReasonCode != 0 {
		conn.Close()
		return fmt.Errorf("broker refused connection (reason %d)", connack.ReasonCode)
	}

	if _, err := client.Subscribe(ctx, &paho.Subscribe{
		Subscriptions: []paho.SubscribeOptions{
			{Topic: m.cfg.Topic, QoS: 0},
		},
	}); err != nil {
		client.Disconnect(&paho.Disconnect{ReasonCode: 0})
		conn.Close()
		return fmt.Errorf("subscribe %s: %w", m.cfg.Topic, err)
	}

	m.recordConnected(client, conn)
	m.log.Info("subscribed to sensor", "topic", m.cfg.Topic)
	m.publishAvailability(ctx, "online")
	return nil
}

// recordConnected installs the live client and resets the retry
// counter. Connecting to connected is the only transition that clears
// the attempt count.
func (m *Manager) recordConnected(client *paho.Client, conn net.Conn) {
	m.mu.Lock()
	prev := m.state
	attempts := m.attempts
	m.state = StateConnected
	m.since = time.Now()
	m.attempts = 0
	m.lastErr = nil
	m.client = client
	m.conn = conn
	m.mu.Unlock()

	m.activity.Touch()
	m.logTransition(prev, StateConnected)

	if attempts > 0 {
		m.log.Info("reconnected to broker", "broker", m.cfg.BrokerURL, "after_attempts", attempts)
	} else {
		m.log.Info("connected to broker", "broker", m.cfg.BrokerURL)
	}
}

// supervise watches a live connection. It returns nil when ctx is
// cancelled, or the failure that ended the session. Notices from
// superseded connection generations are ignored.
func (m *Manager) supervise(ctx context.Context) error {
	m.mu.Lock()
	gen := m.gen
	m.mu.Unlock()

	poll := time.NewTicker(stalePollInterval(m.cfg.MaxInactive))
	defer poll.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case n := <-m.notices:
			if n.gen != gen {
				continue
			}
			return n.err
		case <-poll.C:
			if m.activity.IsStale(time.Now(), m.cfg.MaxInactive) {
				silent := time.Since(m.activity.Last()).Truncate(time.Second)
				return fmt.Errorf("no broker activity for %s (limit %s)", silent, m.cfg.MaxInactive)
			}
		}
	}
}

// scheduleRetry books a failed attempt and computes the backoff delay
// before the next one. fatal is true once the retry budget is spent.
func (m *Manager) scheduleRetry(err error) (delay time.Duration, fatal bool) {
	m.mu.Lock()
	m.attempts++
	attempts := m.attempts
	m.lastErr = err
	m.mu.Unlock()

	if m.cfg.MaxRetries > 0 && attempts >= m.cfg.MaxRetries {
		m.setState(StateDisconnected)
		return 0, true
	}

	m.setState(StateReconnecting)
	delay = m.policy.Delay(attempts - 1)
	m.log.Info("reconnect scheduled",
		"attempt", attempts,
		"delay", delay.Truncate(time.Millisecond).String(),
		"error", err,
	)
	return delay, false
}

// teardown discards a dead connection. The transport is closed directly
// rather than through the client; the session is already gone.
func (m *Manager) teardown() {
	m.mu.Lock()
	conn := m.conn
	m.client = nil
	m.conn = nil
	m.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
}

// shutdown disconnects cleanly: availability goes offline, the broker
// gets a DISCONNECT packet, and the state lands on disconnected.
func (m *Manager) shutdown() {
	m.mu.Lock()
	client := m.client
	conn := m.conn
	m.mu.Unlock()

	if client != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		m.publishAvailability(ctx, "offline")
		cancel()
		if err := client.Disconnect(&paho.Disconnect{ReasonCode: 0}); err == nil {
			m.log.Info("disconnected from broker")
		}
	}

	m.mu.Lock()
	m.client = nil
	m.conn = nil
	m.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	m.setState(StateDisconnected)
}

// publishAvailability publishes retained online/offline status, pairing
// with the connection's will message.
func (m *Manager) publishAvailability(ctx context.Context, status string) {
	if m.cfg.AvailabilityTopic == "" {
		return
	}
	m.mu.Lock()
	client := m.client
	m.mu.Unlock()
	if client == nil {
		return
	}

	if _, err := client.Publish(ctx, &paho.Publish{
		Topic:   m.cfg.AvailabilityTopic,
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		m.log.Warn("availability publish failed", "status", status, "error", err)
	} else {
		m.log.Info("availability published", "status", status)
	}
}

// Status returns a snapshot of the session state.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Status{
		State:    m.state,
		Since:    m.since,
		Attempts: m.attempts,
		LastErr:  m.lastErr,
	}
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	prev := m.state
	m.state = s
	m.since = time.Now()
	m.mu.Unlock()

	m.logTransition(prev, s)
}

func (m *Manager) logTransition(from, to State) {
	if from != to {
		m.log.Info("session state changed", "from", from.String(), "to", to.String())
	}
}

// notify delivers a connection event to the supervisor without
// blocking. Callbacks fire on paho's goroutines and must never stall.
func (m *Manager) notify(gen uint64, err error) {
	select {
	case m.notices <- notice{gen: gen, err: err}:
	default:
	}
}

// enqueue hands an inbound publish to the processing loop. Messages are
// dropped with a warning when the loop is backed up.
func (m *Manager) enqueue(topic string, payload []byte) {
	msg := message{topic: topic, payload: payload, receivedAt: time.Now()}
	select {
	case m.messages <- msg:
	default:
		m.log.Warn("dropping sensor message, processing queue full", "topic", topic)
	}
}

// stalePollInterval derives how often the supervisor checks for broker
// silence. A quarter of the threshold, clamped to [1s, 10s], keeps
// detection latency bounded without tight polling.
func stalePollInterval(maxInactive time.Duration) time.Duration {
	interval := maxInactive / 4
	if interval < time.Second {
		return time.Second
	}
	if interval > 10*time.Second {
		return 10 * time.Second
	}
	return interval
}

// sleepCtx sleeps for d or until ctx is cancelled. Returns false if cancelled.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
