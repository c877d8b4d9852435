package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.NotNil(t, cfg)
	assert.True(t, cfg.Enabled)
	assert.Equal(t, "go-ble,paypal-gatt", cfg.Backends)
	assert.Equal(t, uint32(24), cfg.RelayCapacity)
	assert.Equal(t, 48, cfg.MaxPeripherals)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 10*time.Second, cfg.ScanTimeout)
	assert.Equal(t, 30*time.Second, cfg.ConnectTimeout)
	assert.Empty(t, cfg.SimProfile)
	assert.NoError(t, cfg.Validate())
}

func TestLoad(t *testing.T) {
	write := func(t *testing.T, content string) string {
		path := filepath.Join(t.TempDir(), "blecentral.yaml")
		require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
		return path
	}

	t.Run("empty path yields defaults", func(t *testing.T) {
		cfg, err := Load("")
		require.NoError(t, err)
		assert.Equal(t, DefaultConfig(), cfg)
	})

	t.Run("file overrides only the fields it names", func(t *testing.T) {
		cfg, err := Load(write(t, "enabled: false\nbackends: sim\nrelay_capacity: 8\nscan_timeout: 3s\n"))
		require.NoError(t, err)

		assert.False(t, cfg.Enabled, "an explicit false MUST survive default application")
		assert.Equal(t, []string{"sim"}, cfg.BackendOrder())
		assert.Equal(t, uint32(8), cfg.RelayCapacity)
		assert.Equal(t, 3*time.Second, cfg.ScanTimeout)
		assert.Equal(t, 48, cfg.MaxPeripherals)
		assert.Equal(t, "info", cfg.LogLevel)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
		assert.ErrorContains(t, err, "failed to read config")
	})

	t.Run("malformed yaml", func(t *testing.T) {
		_, err := Load(write(t, "enabled: [\n"))
		assert.ErrorContains(t, err, "failed to parse config")
	})

	t.Run("invalid values", func(t *testing.T) {
		_, err := Load(write(t, "log_level: loud\n"))
		assert.ErrorContains(t, err, "log_level")

		_, err = Load(write(t, "max_peripherals: -1\n"))
		assert.ErrorContains(t, err, "max_peripherals")

		_, err = Load(write(t, "backends: ' , '\n"))
		assert.ErrorContains(t, err, "backends")
	})
}

func TestConfig_BackendOrder(t *testing.T) {
	cfg := &Config{Backends: " Go-BLE , ,sim,"}
	assert.Equal(t, []string{"go-ble", "sim"}, cfg.BackendOrder())

	cfg.Backends = ""
	assert.Empty(t, cfg.BackendOrder())
}

func TestConfig_NewLogger(t *testing.T) {
	tests := []struct {
		name     string
		logLevel string
		want     logrus.Level
	}{
		{name: "debug", logLevel: "debug", want: logrus.DebugLevel},
		{name: "info", logLevel: "info", want: logrus.InfoLevel},
		{name: "warn", logLevel: "warn", want: logrus.WarnLevel},
		{name: "error", logLevel: "error", want: logrus.ErrorLevel},
		{name: "unknown falls back to info", logLevel: "loud", want: logrus.InfoLevel},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{LogLevel: tt.logLevel}

			logger := cfg.NewLogger()

			assert.NotNil(t, logger)
			assert.Equal(t, tt.want, logger.GetLevel())

			formatter, ok := logger.Formatter.(*logrus.TextFormatter)
			assert.True(t, ok)
			assert.True(t, formatter.FullTimestamp)
			assert.Equal(t, time.RFC3339, formatter.TimestampFormat)
		})
	}
}

func BenchmarkDefaultConfig(b *testing.B) {
	for i := 0; i < b.N; i++ {
		_ = DefaultConfig()
	}
}
