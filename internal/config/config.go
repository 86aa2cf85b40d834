// Package config loads the daemon configuration from an optional YAML file
// and the environment.
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/robfig/cron/v3"

	"github.com/sweeney/transfer-switch/internal/logging"
)

// Config represents the application configuration.
type Config struct {
	Bus      BusConfig      `yaml:"bus"`
	Switch   SwitchConfig   `yaml:"switch"`
	Monitor  MonitorConfig  `yaml:"monitor"`
	Settings SettingsConfig `yaml:"settings"`
	GPIO     GPIOConfig     `yaml:"gpio"`
	Events   EventsConfig   `yaml:"events"`
	HTTP     HTTPConfig     `yaml:"http"`
	Logging  logging.Config `yaml:"logging"`
}

// BusConfig selects how Venus OS values are reached.
type BusConfig struct {
	Transport         string        `yaml:"transport" env:"BUS_TRANSPORT" env-default:"dbus"`
	Broker            string        `yaml:"broker" env:"VENUS_BROKER" env-default:"tcp://127.0.0.1:1883"`
	PortalID          string        `yaml:"portalId" env:"VENUS_PORTAL_ID"`
	CallTimeout       time.Duration `yaml:"callTimeout" env:"BUS_CALL_TIMEOUT" env-default:"2s"`
	ConnectTimeout    time.Duration `yaml:"connectTimeout" env:"VENUS_CONNECT_TIMEOUT" env-default:"10s"`
	KeepaliveInterval time.Duration `yaml:"keepaliveInterval" env:"VENUS_KEEPALIVE" env-default:"30s"`
}

// SwitchConfig configures the transfer switch coordinator.
type SwitchConfig struct {
	Interval    time.Duration `yaml:"interval" env:"SWITCH_INTERVAL" env-default:"1s"`
	Label       string        `yaml:"label" env:"SWITCH_LABEL" env-default:"transfer switch"`
	SearchEvery int           `yaml:"searchEvery" env:"SWITCH_SEARCH_EVERY" env-default:"10"`
	Debounce    time.Duration `yaml:"debounce" env:"SWITCH_DEBOUNCE" env-default:"0s"`
}

// MonitorConfig configures the derating monitor.
type MonitorConfig struct {
	Interval       time.Duration `yaml:"interval" env:"MONITOR_INTERVAL" env-default:"5s"`
	StartDelay     time.Duration `yaml:"startDelay" env:"MONITOR_START_DELAY" env-default:"2s"`
	OutdoorRetries int           `yaml:"outdoorRetries" env:"MONITOR_OUTDOOR_RETRIES" env-default:"3"`
	RetryDelay     time.Duration `yaml:"retryDelay" env:"MONITOR_RETRY_DELAY" env-default:"1s"`
	Rediscover     int           `yaml:"rediscover" env:"MONITOR_REDISCOVER" env-default:"12"`
}

// SettingsConfig selects where the profile settings are kept.
type SettingsConfig struct {
	Store string `yaml:"store" env:"SETTINGS_STORE" env-default:"bus"`
	File  string `yaml:"file" env:"SETTINGS_FILE" env-default:"/data/transfer-switch/settings.yaml"`
}

// GPIOConfig mounts a local GPIO line as the transfer switch digital input.
type GPIOConfig struct {
	Enabled  bool   `yaml:"enabled" env:"GPIO_ENABLED" env-default:"false"`
	Chip     string `yaml:"chip" env:"GPIO_CHIP" env-default:"gpiochip0"`
	Pin      int    `yaml:"pin" env:"GPIO_PIN" env-default:"17"`
	Name     string `yaml:"name" env:"GPIO_NAME" env-default:"Transfer Switch"`
	ActiveOn string `yaml:"activeOn" env:"GPIO_ACTIVE_ON" env-default:"generator"`
}

// EventsConfig configures event publishing to an MQTT broker.
type EventsConfig struct {
	Broker      string `yaml:"broker" env:"EVENTS_BROKER"`
	TopicPrefix string `yaml:"topicPrefix" env:"EVENTS_TOPIC_PREFIX" env-default:"energy/transfer-switch"`
	Heartbeat   string `yaml:"heartbeat" env:"EVENTS_HEARTBEAT" env-default:"@every 15m"`
}

// HTTPConfig configures the status server.
type HTTPConfig struct {
	Addr     string `yaml:"addr" env:"HTTP_ADDR" env-default:":8080"`
	WSBroker string `yaml:"wsBroker" env:"HTTP_WS_BROKER"`
}

// Load reads configuration from path, if set, with environment overrides.
// With an empty path only the environment and defaults are used.
func Load(path string) (*Config, error) {
	var cfg Config
	var err error
	if path == "" {
		err = cleanenv.ReadEnv(&cfg)
	} else {
		err = cleanenv.ReadConfig(path, &cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate validates and normalizes the configuration.
func (c *Config) Validate() error {
	c.Bus.Transport = strings.ToLower(c.Bus.Transport)
	switch c.Bus.Transport {
	case "dbus":
	case "mqtt":
		if _, err := url.Parse(c.Bus.Broker); err != nil || c.Bus.Broker == "" {
			return fmt.Errorf("bus broker must be a URL, got '%s'", c.Bus.Broker)
		}
	default:
		return fmt.Errorf("bus transport must be 'dbus' or 'mqtt', got '%s'", c.Bus.Transport)
	}
	if c.Bus.CallTimeout <= 0 {
		return fmt.Errorf("bus call timeout must be positive")
	}

	if c.Switch.Interval <= 0 {
		return fmt.Errorf("switch interval must be positive")
	}
	if c.Switch.SearchEvery < 1 {
		return fmt.Errorf("switch searchEvery must be at least 1")
	}
	if strings.TrimSpace(c.Switch.Label) == "" {
		return fmt.Errorf("switch label is required")
	}
	if c.Switch.Debounce < 0 {
		return fmt.Errorf("switch debounce must not be negative")
	}

	if c.Monitor.Interval <= 0 {
		return fmt.Errorf("monitor interval must be positive")
	}
	if c.Monitor.StartDelay < 0 || c.Monitor.RetryDelay < 0 {
		return fmt.Errorf("monitor delays must not be negative")
	}
	if c.Monitor.OutdoorRetries < 0 || c.Monitor.Rediscover < 0 {
		return fmt.Errorf("monitor retries and rediscover must not be negative")
	}

	c.Settings.Store = strings.ToLower(c.Settings.Store)
	switch c.Settings.Store {
	case "bus":
	case "file":
		if c.Settings.File == "" {
			return fmt.Errorf("settings file is required for the file store")
		}
	default:
		return fmt.Errorf("settings store must be 'bus' or 'file', got '%s'", c.Settings.Store)
	}

	if c.GPIO.Enabled {
		if c.GPIO.Pin < 0 {
			return fmt.Errorf("gpio pin must not be negative, got %d", c.GPIO.Pin)
		}
		c.GPIO.ActiveOn = strings.ToLower(c.GPIO.ActiveOn)
		if c.GPIO.ActiveOn != "generator" && c.GPIO.ActiveOn != "grid" {
			return fmt.Errorf("gpio activeOn must be 'generator' or 'grid', got '%s'", c.GPIO.ActiveOn)
		}
	}

	if c.Events.Heartbeat != "" {
		if _, err := cron.ParseStandard(c.Events.Heartbeat); err != nil {
			return fmt.Errorf("events heartbeat: %w", err)
		}
	}

	return c.Logging.Validate()
}
