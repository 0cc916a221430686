// Package config handles occupancyd configuration loading.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/occupancyd/config.yaml, /etc/occupancyd/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "occupancyd", "config.yaml"))
	}

	paths = append(paths, "/etc/occupancyd/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all occupancyd configuration.
type Config struct {
	Broker    BrokerConfig  `yaml:"broker"`
	Sensor    SensorConfig  `yaml:"sensor"`
	Monitor   MonitorConfig `yaml:"monitor"`
	DataDir   string        `yaml:"data_dir"`
	LogLevel  string        `yaml:"log_level"`
	LogFormat string        `yaml:"log_format"` // "text" or "json"
}

// BrokerConfig defines the MQTT broker connection.
type BrokerConfig struct {
	// URL is the broker address as mqtt://host:port. The port defaults
	// to 1883 when omitted.
	URL string `yaml:"url"`
	// ClientID identifies this daemon to the broker. If empty, a stable
	// ID is derived from the persisted instance ID.
	ClientID     string `yaml:"client_id"`
	KeepAliveSec int    `yaml:"keepalive_sec"`
}

// SensorConfig defines the occupancy sensor subscription.
type SensorConfig struct {
	// Topic is the sensor's state topic, typically
	// zigbee2mqtt/FRIENDLY_NAME for a zigbee2mqtt presence sensor.
	Topic string `yaml:"topic"`
}

// MonitorConfig defines session supervision behavior.
type MonitorConfig struct {
	HeartbeatTopic       string `yaml:"heartbeat_topic"`
	HeartbeatIntervalSec int    `yaml:"heartbeat_interval_sec"`
	AvailabilityTopic    string `yaml:"availability_topic"`
	// MaxInactiveSec is the longest silence from the broker before the
	// session is considered stale and torn down.
	MaxInactiveSec       int `yaml:"max_inactive_sec"`
	ReconnectMinDelaySec int `yaml:"reconnect_min_delay_sec"`
	ReconnectMaxDelaySec int `yaml:"reconnect_max_delay_sec"`
	// MaxReconnectAttempts bounds consecutive failed reconnects before
	// the daemon gives up. Zero or negative means retry forever.
	MaxReconnectAttempts int `yaml:"max_reconnect_attempts"`
}

// Load reads configuration from a YAML file. Values not present in the
// file keep their defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	cfg.DataDir = expandHome(cfg.DataDir)
	return cfg, nil
}

// expandHome resolves a leading ~ to the user's home directory. Paths
// without one, and paths for which the home directory is unknown, pass
// through unchanged.
func expandHome(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	if path == "~" {
		return home
	}
	if strings.HasPrefix(path, "~/") {
		return filepath.Join(home, path[2:])
	}
	return path
}

// Default returns a default configuration.
func Default() *Config {
	return &Config{
		Broker: BrokerConfig{
			URL:          "mqtt://localhost:1883",
			KeepAliveSec: 30,
		},
		Sensor: SensorConfig{
			Topic: "zigbee2mqtt/SONOFF_SNZB-06P",
		},
		Monitor: MonitorConfig{
			HeartbeatTopic:       "occupancy_monitor/heartbeat",
			HeartbeatIntervalSec: 15,
			AvailabilityTopic:    "occupancy_monitor/availability",
			MaxInactiveSec:       60,
			ReconnectMinDelaySec: 1,
			ReconnectMaxDelaySec: 60,
		},
		DataDir:   ".",
		LogLevel:  "info",
		LogFormat: "text",
	}
}

// Validate checks the configuration for values the daemon cannot run
// with. It returns the first problem found.
func (c *Config) Validate() error {
	if c.Broker.URL == "" {
		return fmt.Errorf("broker.url is required")
	}
	u, err := url.Parse(c.Broker.URL)
	if err != nil {
		return fmt.Errorf("broker.url: %w", err)
	}
	switch u.Scheme {
	case "mqtt", "tcp":
	default:
		return fmt.Errorf("broker.url: unsupported scheme %q (use mqtt:// or tcp://)", u.Scheme)
	}
	if u.Hostname() == "" {
		return fmt.Errorf("broker.url: missing host")
	}

	if c.Sensor.Topic == "" {
		return fmt.Errorf("sensor.topic is required")
	}

	if c.Broker.KeepAliveSec <= 0 {
		return fmt.Errorf("broker.keepalive_sec must be positive")
	}
	if c.Monitor.HeartbeatIntervalSec <= 0 {
		return fmt.Errorf("monitor.heartbeat_interval_sec must be positive")
	}
	if c.Monitor.HeartbeatIntervalSec >= c.Broker.KeepAliveSec {
		return fmt.Errorf("monitor.heartbeat_interval_sec (%d) must be below broker.keepalive_sec (%d)",
			c.Monitor.HeartbeatIntervalSec, c.Broker.KeepAliveSec)
	}
	if c.Monitor.MaxInactiveSec <= 0 {
		return fmt.Errorf("monitor.max_inactive_sec must be positive")
	}
	if c.Monitor.ReconnectMinDelaySec <= 0 {
		return fmt.Errorf("monitor.reconnect_min_delay_sec must be positive")
	}
	if c.Monitor.ReconnectMaxDelaySec < c.Monitor.ReconnectMinDelaySec {
		return fmt.Errorf("monitor.reconnect_max_delay_sec (%d) is below reconnect_min_delay_sec (%d)",
			c.Monitor.ReconnectMaxDelaySec, c.Monitor.ReconnectMinDelaySec)
	}

	switch c.LogFormat {
	case "", "text", "json":
	default:
		return fmt.Errorf("log_format must be \"text\" or \"json\", got %q", c.LogFormat)
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}

	return nil
}
