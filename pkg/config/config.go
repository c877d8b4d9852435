package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Config holds application configuration
type Config struct {
	// Enabled gates the whole central: when false no backend is selected and
	// every operation is a no-op.
	Enabled bool `yaml:"enabled" default:"true"`

	// Backends is the comma-separated bootstrap order; the first available
	// driver wins.
	Backends string `yaml:"backends" default:"go-ble,paypal-gatt"`

	RelayCapacity  uint32        `yaml:"relay_capacity" default:"24"`
	MaxPeripherals int           `yaml:"max_peripherals" default:"48"`
	LogLevel       string        `yaml:"log_level" default:"info"`
	ScanTimeout    time.Duration `yaml:"scan_timeout" default:"10s"`
	ConnectTimeout time.Duration `yaml:"connect_timeout" default:"30s"`

	// SimProfile is the YAML/JSON profile loaded by the sim backend.
	SimProfile string `yaml:"sim_profile"`
}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	return cfg
}

// Load reads a YAML file over the defaults. An empty path yields the defaults.
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

// Validate checks value ranges.
func (c *Config) Validate() error {
	if c.RelayCapacity == 0 {
		return fmt.Errorf("relay_capacity must be positive")
	}
	if c.MaxPeripherals <= 0 {
		return fmt.Errorf("max_peripherals must be positive")
	}
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("log_level: %w", err)
	}
	if len(c.BackendOrder()) == 0 {
		return fmt.Errorf("backends must name at least one driver")
	}
	return nil
}

// BackendOrder splits Backends into trimmed, lowercase driver names.
func (c *Config) BackendOrder() []string {
	var out []string
	for _, name := range strings.Split(c.Backends, ",") {
		name = strings.ToLower(strings.TrimSpace(name))
		if name != "" {
			out = append(out, name)
		}
	}
	return out
}

// NewLogger creates a configured logger instance
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()

	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	return logger
}
