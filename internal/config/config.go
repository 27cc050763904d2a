package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	LogLevel     string `yaml:"log_level"`
	LogFile      string `yaml:"log_file"`       // optional; "" logs to stderr only
	LogFileLevel string `yaml:"log_file_level"` // level for log_file, defaults to log_level

	Devices []DeviceConfig `yaml:"devices"`

	InactivityTimeout time.Duration `yaml:"inactivity_timeout"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	HandshakeTimeout  time.Duration `yaml:"handshake_timeout"`
	ResolveTimeout    time.Duration `yaml:"resolve_timeout"` // scan time to read a device's name; 0 skips the scan

	Output  OutputConfig  `yaml:"output"`
	MQTT    MQTTConfig    `yaml:"mqtt"`
	NATS    NATSConfig    `yaml:"nats"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// DeviceConfig identifies one sensor. On macOS the address is the
// CoreBluetooth peripheral UUID instead of a MAC.
type DeviceConfig struct {
	MAC  string `yaml:"mac"`
	Name string `yaml:"name,omitempty"` // advertised name, e.g. VSON#WP6810#000123; skips the name scan
}

// OutputConfig controls console output.
type OutputConfig struct {
	Format         string `yaml:"format"` // "text", "json" or "none"
	IncludeHistory bool   `yaml:"include_history"`
}

// MQTTConfig holds MQTT publishing settings.
type MQTTConfig struct {
	Enabled                bool   `yaml:"enabled"`
	Broker                 string `yaml:"broker"`
	ClientID               string `yaml:"client_id"`
	Username               string `yaml:"username"`
	Password               string `yaml:"password"`
	TopicPrefix            string `yaml:"topic_prefix"`
	QoS                    byte   `yaml:"qos"`
	HomeAssistantDiscovery bool   `yaml:"home_assistant_discovery"`
}

// NATSConfig holds NATS publishing settings.
type NATSConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

// MetricsConfig holds the Prometheus endpoint settings.
type MetricsConfig struct {
	Addr string `yaml:"addr"` // e.g. ":9810"; "" disables /metrics
}

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "vson-monitor")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// Default returns a Config with sensible default values.
func Default() *Config {
	return &Config{
		LogLevel:          "info",
		InactivityTimeout: 300 * time.Second,
		RetryInterval:     5 * time.Second,
		HandshakeTimeout:  10 * time.Second,
		ResolveTimeout:    10 * time.Second,
		Output: OutputConfig{
			Format: "text",
		},
		MQTT: MQTTConfig{
			Broker:      "tcp://localhost:1883",
			TopicPrefix: "vson",
		},
		NATS: NATSConfig{
			URL:           "nats://localhost:4222",
			SubjectPrefix: "vson",
		},
	}
}

// Load reads and parses a YAML config file. Missing fields are filled
// with defaults. Tilde (~) in log_file is expanded to the user's home
// directory, and device addresses are upper-cased.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.LogFile = expandTilde(cfg.LogFile)
	for i := range cfg.Devices {
		cfg.Devices[i].MAC = strings.ToUpper(strings.TrimSpace(cfg.Devices[i].MAC))
	}

	return cfg, nil
}

const defaultHeader = `# vson-monitor configuration
#
# List your sensors under devices, e.g.
#
#   devices:
#     - mac: "20:C3:8F:DA:96:DE"
#
# Durations use Go syntax: 300s, 5m, 1m30s.
`

// WriteDefault writes the default config to DefaultConfigPath if no file
// exists there yet. It returns the path written, or "" if a config was
// already present.
func WriteDefault() (string, error) {
	path := DefaultConfigPath()
	if _, err := os.Stat(path); err == nil {
		return "", nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("checking config file: %w", err)
	}

	data, err := yaml.Marshal(Default())
	if err != nil {
		return "", fmt.Errorf("encoding default config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("creating config dir: %w", err)
	}
	if err := os.WriteFile(path, append([]byte(defaultHeader+"\n"), data...), 0o600); err != nil {
		return "", fmt.Errorf("writing config file: %w", err)
	}
	return path, nil
}

var macPattern = regexp.MustCompile(`^([0-9A-Fa-f]{2}[:-]){5}[0-9A-Fa-f]{2}$`)

// ValidAddress reports whether addr is a MAC address or a CoreBluetooth
// peripheral UUID.
func ValidAddress(addr string) bool {
	if macPattern.MatchString(addr) {
		return true
	}
	_, err := uuid.Parse(addr)
	return err == nil && len(addr) == 36
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	if err := validateLevel("log_level", c.LogLevel); err != nil {
		return err
	}
	if c.LogFileLevel != "" {
		if err := validateLevel("log_file_level", c.LogFileLevel); err != nil {
			return err
		}
	}

	seen := make(map[string]bool, len(c.Devices))
	for i, d := range c.Devices {
		if !ValidAddress(d.MAC) {
			return fmt.Errorf("devices[%d].mac: %q is not a MAC address or peripheral UUID", i, d.MAC)
		}
		key := strings.ToUpper(d.MAC)
		if seen[key] {
			return fmt.Errorf("devices[%d].mac: %s listed more than once", i, d.MAC)
		}
		seen[key] = true
	}

	for _, d := range []struct {
		name string
		v    time.Duration
	}{
		{"inactivity_timeout", c.InactivityTimeout},
		{"retry_interval", c.RetryInterval},
		{"handshake_timeout", c.HandshakeTimeout},
	} {
		if d.v < time.Second {
			return fmt.Errorf("%s must be at least 1s, got %s", d.name, d.v)
		}
	}
	if c.ResolveTimeout < 0 {
		return fmt.Errorf("resolve_timeout must not be negative, got %s", c.ResolveTimeout)
	}

	switch c.Output.Format {
	case "text", "json", "none":
	default:
		return fmt.Errorf("output.format must be \"text\", \"json\" or \"none\", got %q", c.Output.Format)
	}

	if c.MQTT.Enabled {
		if c.MQTT.Broker == "" {
			return fmt.Errorf("mqtt.broker must not be empty when mqtt is enabled")
		}
		if c.MQTT.QoS > 2 {
			return fmt.Errorf("mqtt.qos must be 0, 1 or 2, got %d", c.MQTT.QoS)
		}
		if strings.ContainsAny(c.MQTT.TopicPrefix, "+#") {
			return fmt.Errorf("mqtt.topic_prefix must not contain wildcards, got %q", c.MQTT.TopicPrefix)
		}
	}

	if c.NATS.Enabled && c.NATS.URL == "" {
		return fmt.Errorf("nats.url must not be empty when nats is enabled")
	}

	return nil
}

func validateLevel(field, level string) error {
	switch level {
	case "debug", "info", "warn", "error":
		return nil
	default:
		return fmt.Errorf("%s must be debug, info, warn, or error, got %q", field, level)
	}
}

// ParseLogLevel converts a level name to a slog.Level, defaulting to info.
func ParseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// expandTilde replaces a leading ~ with the user's home directory.
func expandTilde(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}
