package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"github.com/srg/teleble/internal/discovery"
	"github.com/srg/teleble/internal/session"
	"github.com/srg/teleble/internal/sink"
	"gopkg.in/yaml.v3"
)

// Config holds application configuration
type Config struct {
	LogLevel  string            `yaml:"log_level" default:"info"`
	Device    DeviceConfig      `yaml:"device"`
	Session   SessionConfig     `yaml:"session"`
	Telemetry TelemetryConfig   `yaml:"telemetry"`
	InfluxDB  sink.InfluxConfig `yaml:"influxdb"`
	MQTT      sink.MQTTConfig   `yaml:"mqtt"`
	EventFeed EventFeedConfig   `yaml:"event_feed"`
}

// DeviceConfig selects the peripheral.
type DeviceConfig struct {
	Name        string        `yaml:"name" default:"teleinfo"`
	AllowList   []string      `yaml:"allow_list"`
	ScanTimeout time.Duration `yaml:"scan_timeout" default:"30s"`
}

// SessionConfig maps onto session.Options.
type SessionConfig struct {
	ConnectTimeout     time.Duration   `yaml:"connect_timeout" default:"30s"`
	DiscoveryTimeout   time.Duration   `yaml:"discovery_timeout" default:"30s"`
	OperationTimeout   time.Duration   `yaml:"operation_timeout" default:"10s"`
	RestoreStepTimeout time.Duration   `yaml:"restore_step_timeout" default:"5s"`
	AutoReconnect      bool            `yaml:"auto_reconnect" default:"true"`
	Reconnect          ReconnectConfig `yaml:"reconnect"`
}

type ReconnectConfig struct {
	InitialDelay time.Duration `yaml:"initial_delay" default:"1s"`
	MaxDelay     time.Duration `yaml:"max_delay" default:"30s"`
	MaxAttempts  int           `yaml:"max_attempts" default:"0"`
}

// TelemetryConfig sizes the reading buffer between the session and the sinks.
type TelemetryConfig struct {
	BufferSize    uint32        `yaml:"buffer_size" default:"1024"`
	FlushInterval time.Duration `yaml:"flush_interval" default:"1s"`
}

// EventFeedConfig enables the WebSocket event feed.
type EventFeedConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr" default:":8080"`
}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	return cfg
}

// Load reads a YAML file over the defaults. An empty path returns the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("log_level: %w", err))
	}
	if c.Device.Name == "" {
		errs = append(errs, errors.New("device.name must not be empty"))
	}
	for name, d := range map[string]time.Duration{
		"session.connect_timeout":         c.Session.ConnectTimeout,
		"session.discovery_timeout":       c.Session.DiscoveryTimeout,
		"session.operation_timeout":       c.Session.OperationTimeout,
		"session.restore_step_timeout":    c.Session.RestoreStepTimeout,
		"session.reconnect.initial_delay": c.Session.Reconnect.InitialDelay,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", name, d))
		}
	}
	if c.Session.Reconnect.MaxDelay < c.Session.Reconnect.InitialDelay {
		errs = append(errs, errors.New("session.reconnect.max_delay must not be below initial_delay"))
	}
	if c.Session.Reconnect.MaxAttempts < 0 {
		errs = append(errs, errors.New("session.reconnect.max_attempts must not be negative"))
	}
	if c.Telemetry.BufferSize == 0 {
		errs = append(errs, errors.New("telemetry.buffer_size must be > 0"))
	}
	if c.InfluxDB.Enabled && c.InfluxDB.URL == "" {
		errs = append(errs, errors.New("influxdb.url is required when influxdb is enabled"))
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		errs = append(errs, errors.New("mqtt.broker is required when mqtt is enabled"))
	}
	if c.MQTT.QoS > 2 {
		errs = append(errs, fmt.Errorf("mqtt.qos must be 0, 1 or 2, got %d", c.MQTT.QoS))
	}
	return errors.Join(errs...)
}

// SessionOptions converts the session settings.
func (c *Config) SessionOptions() session.Options {
	return session.Options{
		ConnectTimeout:     c.Session.ConnectTimeout,
		DiscoveryTimeout:   c.Session.DiscoveryTimeout,
		OperationTimeout:   c.Session.OperationTimeout,
		RestoreStepTimeout: c.Session.RestoreStepTimeout,
		AutoReconnect:      c.Session.AutoReconnect,
		Reconnect: session.ReconnectPolicy{
			InitialDelay: c.Session.Reconnect.InitialDelay,
			MaxDelay:     c.Session.Reconnect.MaxDelay,
			MaxAttempts:  c.Session.Reconnect.MaxAttempts,
		},
	}
}

// DiscoveryOptions converts the device settings.
func (c *Config) DiscoveryOptions() discovery.Options {
	return discovery.Options{
		Name:      c.Device.Name,
		AllowList: c.Device.AllowList,
		Timeout:   c.Device.ScanTimeout,
		Session:   c.SessionOptions(),
	}
}

// NewLogger creates a configured logger instance
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	// Use structured logging format
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	return logger
}
