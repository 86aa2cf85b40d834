package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if cfg.Bus.Transport != "dbus" {
		t.Errorf("Expected dbus transport, got %s", cfg.Bus.Transport)
	}
	if cfg.Bus.CallTimeout != 2*time.Second {
		t.Errorf("Expected 2s call timeout, got %v", cfg.Bus.CallTimeout)
	}
	if cfg.Switch.Interval != time.Second || cfg.Switch.SearchEvery != 10 || cfg.Switch.Label != "transfer switch" {
		t.Errorf("Unexpected switch defaults: %+v", cfg.Switch)
	}
	if cfg.Monitor.Interval != 5*time.Second || cfg.Monitor.StartDelay != 2*time.Second {
		t.Errorf("Unexpected monitor defaults: %+v", cfg.Monitor)
	}
	if cfg.Monitor.OutdoorRetries != 3 || cfg.Monitor.RetryDelay != time.Second {
		t.Errorf("Unexpected outdoor retry defaults: %+v", cfg.Monitor)
	}
	if cfg.Settings.Store != "bus" {
		t.Errorf("Expected bus settings store, got %s", cfg.Settings.Store)
	}
	if cfg.GPIO.Enabled {
		t.Error("GPIO should be disabled by default")
	}
	if cfg.Events.Broker != "" || cfg.Events.Heartbeat != "@every 15m" {
		t.Errorf("Unexpected events defaults: %+v", cfg.Events)
	}
	if cfg.Logging.Format != "logfmt" || cfg.Logging.Level != "info" {
		t.Errorf("Unexpected logging defaults: %+v", cfg.Logging)
	}
}

func TestLoad_File(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	configContent := `
bus:
  transport: MQTT
  broker: "tcp://venus.local:1883"
  portalId: "c0619ab1b2c3"
switch:
  debounce: 3s
monitor:
  interval: 10s
settings:
  store: file
  file: /tmp/ts.yaml
gpio:
  enabled: true
  pin: 22
  activeOn: Grid
events:
  broker: "tcp://192.168.1.200:1883"
  heartbeat: "*/5 * * * *"
logging:
  format: json
  level: debug
`
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("Failed to create test config file: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if cfg.Bus.Transport != "mqtt" || cfg.Bus.PortalID != "c0619ab1b2c3" {
		t.Errorf("Unexpected bus config: %+v", cfg.Bus)
	}
	if cfg.Switch.Debounce != 3*time.Second {
		t.Errorf("Expected 3s debounce, got %v", cfg.Switch.Debounce)
	}
	if cfg.Switch.Interval != time.Second {
		t.Errorf("Unset fields should keep defaults, got %v", cfg.Switch.Interval)
	}
	if cfg.Monitor.Interval != 10*time.Second {
		t.Errorf("Expected 10s monitor interval, got %v", cfg.Monitor.Interval)
	}
	if cfg.Settings.Store != "file" || cfg.Settings.File != "/tmp/ts.yaml" {
		t.Errorf("Unexpected settings config: %+v", cfg.Settings)
	}
	if !cfg.GPIO.Enabled || cfg.GPIO.Pin != 22 || cfg.GPIO.ActiveOn != "grid" {
		t.Errorf("Unexpected gpio config: %+v", cfg.GPIO)
	}
	if cfg.Logging.Format != "json" || cfg.Logging.Level != "debug" {
		t.Errorf("Unexpected logging config: %+v", cfg.Logging)
	}
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("BUS_TRANSPORT", "mqtt")
	t.Setenv("VENUS_BROKER", "tcp://10.0.0.2:1883")
	t.Setenv("SWITCH_LABEL", "ats")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if cfg.Bus.Transport != "mqtt" || cfg.Bus.Broker != "tcp://10.0.0.2:1883" {
		t.Errorf("Unexpected bus config: %+v", cfg.Bus)
	}
	if cfg.Switch.Label != "ats" {
		t.Errorf("Expected label ats, got %s", cfg.Switch.Label)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("Expected error for missing file")
	}
}

func validConfig(t *testing.T) *Config {
	t.Helper()
	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	return cfg
}

func TestValidate_Errors(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"bad transport", func(c *Config) { c.Bus.Transport = "serial" }, "bus transport"},
		{"zero timeout", func(c *Config) { c.Bus.CallTimeout = 0 }, "call timeout"},
		{"zero switch interval", func(c *Config) { c.Switch.Interval = 0 }, "switch interval"},
		{"zero search", func(c *Config) { c.Switch.SearchEvery = 0 }, "searchEvery"},
		{"empty label", func(c *Config) { c.Switch.Label = "  " }, "label"},
		{"negative debounce", func(c *Config) { c.Switch.Debounce = -time.Second }, "debounce"},
		{"zero monitor interval", func(c *Config) { c.Monitor.Interval = 0 }, "monitor interval"},
		{"negative retries", func(c *Config) { c.Monitor.OutdoorRetries = -1 }, "retries"},
		{"bad store", func(c *Config) { c.Settings.Store = "sqlite" }, "settings store"},
		{"file store without file", func(c *Config) { c.Settings.Store = "file"; c.Settings.File = "" }, "settings file"},
		{"bad gpio polarity", func(c *Config) { c.GPIO.Enabled = true; c.GPIO.ActiveOn = "shore" }, "activeOn"},
		{"bad heartbeat", func(c *Config) { c.Events.Heartbeat = "every so often" }, "heartbeat"},
		{"bad log level", func(c *Config) { c.Logging.Level = "verbose" }, "log level"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig(t)
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("Expected error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Expected error containing %q, got: %v", tt.wantErr, err)
			}
		})
	}
}
