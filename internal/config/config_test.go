package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

func TestFindConfig_Explicit(t *testing.T) {
	// Create a temp config file
	dir := t.TempDir()
	path := filepath.Join(dir, "test.yaml")
	os.WriteFile(path, []byte("broker:\n  url: mqtt://broker:1883\n"), 0600)

	got, err := FindConfig(path)
	if err != nil {
		t.Fatalf("FindConfig(%q) error: %v", path, err)
	}
	if got != path {
		t.Errorf("FindConfig(%q) = %q, want %q", path, got, path)
	}
}

func TestFindConfig_ExplicitMissing(t *testing.T) {
	_, err := FindConfig("/nonexistent/config.yaml")
	if err == nil {
		t.Fatal("FindConfig with missing explicit path should error")
	}
}

func TestFindConfig_SearchPath(t *testing.T) {
	// When no config exists anywhere, should error
	// (Save and restore CWD to avoid finding the repo's config.yaml)
	dir := t.TempDir()
	orig, _ := os.Getwd()
	os.Chdir(dir)
	defer os.Chdir(orig)

	_, err := FindConfig("")
	if err == nil {
		t.Fatal("FindConfig(\"\") with no config files should error")
	}
}

func TestFindConfig_CWD(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("sensor:\n  topic: zigbee2mqtt/hall\n"), 0600)

	orig, _ := os.Getwd()
	os.Chdir(dir)
	defer os.Chdir(orig)

	got, err := FindConfig("")
	if err != nil {
		t.Fatalf("FindConfig(\"\") error: %v", err)
	}
	if got != "config.yaml" {
		t.Errorf("FindConfig(\"\") = %q, want %q", got, "config.yaml")
	}
}

func TestLoad_ExpandsEnvVars(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("broker:\n  url: ${OCCUPANCYD_TEST_BROKER}\n"), 0600)
	os.Setenv("OCCUPANCYD_TEST_BROKER", "mqtt://pi400.fritz.box:1883")
	defer os.Unsetenv("OCCUPANCYD_TEST_BROKER")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Broker.URL != "mqtt://pi400.fritz.box:1883" {
		t.Errorf("broker.url = %q, want %q", cfg.Broker.URL, "mqtt://pi400.fritz.box:1883")
	}
}

func TestLoad_KeepsDefaultsForAbsentKeys(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("sensor:\n  topic: zigbee2mqtt/office\n"), 0600)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Sensor.Topic != "zigbee2mqtt/office" {
		t.Errorf("sensor.topic = %q, want override", cfg.Sensor.Topic)
	}
	if cfg.Broker.KeepAliveSec != 30 {
		t.Errorf("keepalive_sec = %d, want default 30", cfg.Broker.KeepAliveSec)
	}
	if cfg.Monitor.HeartbeatIntervalSec != 15 {
		t.Errorf("heartbeat_interval_sec = %d, want default 15", cfg.Monitor.HeartbeatIntervalSec)
	}
	if cfg.Monitor.MaxInactiveSec != 60 {
		t.Errorf("max_inactive_sec = %d, want default 60", cfg.Monitor.MaxInactiveSec)
	}
	if cfg.Monitor.ReconnectMinDelaySec != 1 || cfg.Monitor.ReconnectMaxDelaySec != 60 {
		t.Errorf("reconnect delays = %d/%d, want defaults 1/60",
			cfg.Monitor.ReconnectMinDelaySec, cfg.Monitor.ReconnectMaxDelaySec)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("log_level = %q, want default info", cfg.LogLevel)
	}
	if cfg.DataDir != "." {
		t.Errorf("data_dir = %q, want default .", cfg.DataDir)
	}
}

func TestLoad_Overrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte(`log_level: debug
data_dir: /var/lib/occupancyd
broker:
  url: mqtt://pi400.fritz.box:1883
  client_id: occupancy_monitor
  keepalive_sec: 45
monitor:
  heartbeat_interval_sec: 20
  max_reconnect_attempts: 5
`), 0600)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Broker.ClientID != "occupancy_monitor" {
		t.Errorf("client_id = %q", cfg.Broker.ClientID)
	}
	if cfg.Broker.KeepAliveSec != 45 {
		t.Errorf("keepalive_sec = %d, want 45", cfg.Broker.KeepAliveSec)
	}
	if cfg.Monitor.HeartbeatIntervalSec != 20 {
		t.Errorf("heartbeat_interval_sec = %d, want 20", cfg.Monitor.HeartbeatIntervalSec)
	}
	if cfg.Monitor.MaxReconnectAttempts != 5 {
		t.Errorf("max_reconnect_attempts = %d, want 5", cfg.Monitor.MaxReconnectAttempts)
	}
	if cfg.DataDir != "/var/lib/occupancyd" {
		t.Errorf("data_dir = %q", cfg.DataDir)
	}
}

func TestLoad_ExpandsHomeInDataDir(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skipf("no home directory: %v", err)
	}

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("data_dir: ~/occupancyd-data\n"), 0600)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	want := filepath.Join(home, "occupancyd-data")
	if cfg.DataDir != want {
		t.Errorf("data_dir = %q, want %q", cfg.DataDir, want)
	}
}

func TestExpandHome(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"/var/lib/occupancyd", "/var/lib/occupancyd"},
		{".", "."},
		{"relative/dir", "relative/dir"},
		{"~user/dir", "~user/dir"},
	}

	for _, tt := range tests {
		if got := expandHome(tt.in); got != tt.want {
			t.Errorf("expandHome(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults are valid", func(c *Config) {}, false},
		{"tcp scheme accepted", func(c *Config) { c.Broker.URL = "tcp://broker:1883" }, false},
		{"empty broker url", func(c *Config) { c.Broker.URL = "" }, true},
		{"http scheme rejected", func(c *Config) { c.Broker.URL = "http://broker:1883" }, true},
		{"missing host", func(c *Config) { c.Broker.URL = "mqtt://" }, true},
		{"empty sensor topic", func(c *Config) { c.Sensor.Topic = "" }, true},
		{"zero keepalive", func(c *Config) { c.Broker.KeepAliveSec = 0 }, true},
		{"heartbeat at keepalive", func(c *Config) { c.Monitor.HeartbeatIntervalSec = c.Broker.KeepAliveSec }, true},
		{"zero max inactive", func(c *Config) { c.Monitor.MaxInactiveSec = 0 }, true},
		{"min delay above max", func(c *Config) {
			c.Monitor.ReconnectMinDelaySec = 90
			c.Monitor.ReconnectMaxDelaySec = 60
		}, true},
		{"unknown log level", func(c *Config) { c.LogLevel = "verbose" }, true},
		{"unknown log format", func(c *Config) { c.LogFormat = "xml" }, true},
		{"unbounded retries allowed", func(c *Config) { c.Monitor.MaxReconnectAttempts = -1 }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr && err == nil {
				t.Error("Validate() = nil, want error")
			}
			if !tt.wantErr && err != nil {
				t.Errorf("Validate() = %v, want nil", err)
			}
		})
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{"trace", LevelTrace, false},
		{"debug", slog.LevelDebug, false},
		{"", slog.LevelInfo, false},
		{"INFO", slog.LevelInfo, false},
		{" warn ", slog.LevelWarn, false},
		{"warning", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"verbose", slog.LevelInfo, true},
	}

	for _, tt := range tests {
		got, err := ParseLogLevel(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("ParseLogLevel(%q) succeeded, want error", tt.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseLogLevel(%q): %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseLogLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
