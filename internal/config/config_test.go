package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestDefaults(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	cfg, err := Load(New(), "")
	require.NoError(t, err)

	assert.Equal(t, zapcore.InfoLevel, cfg.LogLevel)
	assert.Equal(t, "serial", cfg.Link.Type)
	assert.Equal(t, "/dev/rfcomm0", cfg.Link.Port)
	assert.Equal(t, 38400, cfg.Link.Baud)
	assert.Equal(t, 5*time.Second, cfg.Adapter.CommandTimeout)
	assert.Equal(t, uint(3), cfg.Adapter.ConnectAttempts)
	assert.Equal(t, VehicleConfig{VIN: "DEMO123456789", Make: "Mazda", Model: "CX-30", Year: 2024}, cfg.Vehicle)
	assert.False(t, cfg.MQTT.Enabled)
	assert.Equal(t, "vehicle/dtc/obd", cfg.MQTT.DTCTopic)
	assert.Equal(t, time.Minute, cfg.Agent.ScanInterval)
	assert.Equal(t, uint(8080), cfg.HTTP.Port)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	t.Setenv("OBD_LOG_LEVEL", "debug")
	t.Setenv("OBD_LINK_TYPE", "RFCOMM")
	t.Setenv("OBD_LINK_ADDRESS", "00:1D:A5:68:98:8B")
	t.Setenv("OBD_ADAPTER_COMMAND_TIMEOUT", "2s")
	t.Setenv("OBD_VEHICLE_MAKE", "Kia")

	cfg, err := Load(New(), "")
	require.NoError(t, err)
	assert.Equal(t, zapcore.DebugLevel, cfg.LogLevel)
	assert.Equal(t, "rfcomm", cfg.Link.Type)
	assert.Equal(t, "00:1D:A5:68:98:8B", cfg.Link.Address)
	assert.Equal(t, 2*time.Second, cfg.Adapter.CommandTimeout)
	assert.Equal(t, "Kia", cfg.Vehicle.Make)
}

func TestConfigFile(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	path := filepath.Join(t.TempDir(), "obd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
link:
  type: ble
  address: "AA:BB:CC:DD:EE:FF"
mqtt:
  enabled: true
  broker: tcp://broker:1883
  username: car
  password: secret
agent:
  schedule: "0 */5 * * * *"
`), 0o600))

	cfg, err := Load(New(), path)
	require.NoError(t, err)
	assert.Equal(t, "ble", cfg.Link.Type)
	assert.True(t, cfg.MQTT.Enabled)
	assert.Equal(t, "tcp://broker:1883", cfg.MQTT.Broker)
	assert.Equal(t, "0 */5 * * * *", cfg.Agent.Schedule)

	red := cfg.Redacted()
	assert.Equal(t, "*redacted*", red.MQTT.Password)
	assert.Equal(t, "secret", cfg.MQTT.Password)
}

func TestMissingConfigFile(t *testing.T) {
	_, err := Load(New(), filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestInvalidLogLevel(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	t.Setenv("OBD_LOG_LEVEL", "loud")
	_, err := Load(New(), "")
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	valid := func(t *testing.T) Config {
		cfg, err := Load(New(), "")
		require.NoError(t, err)
		return *cfg
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown link", func(c *Config) { c.Link.Type = "usb" }},
		{"rfcomm without address", func(c *Config) { c.Link.Type = "rfcomm"; c.Link.Address = "" }},
		{"short command timeout", func(c *Config) { c.Adapter.CommandTimeout = time.Millisecond }},
		{"zero attempts", func(c *Config) { c.Adapter.ConnectAttempts = 0 }},
		{"bad year", func(c *Config) { c.Vehicle.Year = 1900 }},
		{"wildcard topic", func(c *Config) { c.MQTT.Enabled = true; c.MQTT.Topic = "vehicle/#" }},
		{"bad cron", func(c *Config) { c.Agent.Schedule = "every minute" }},
		{"short interval", func(c *Config) { c.Agent.ScanInterval = time.Second }},
		{"bad port", func(c *Config) { c.HTTP.Port = 70000 }},
		{"mongo without collection", func(c *Config) { c.Mongo.URI = "mongodb://localhost"; c.Mongo.Collection = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid(t)
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	cfg := valid(t)
	assert.NoError(t, cfg.Validate())
}

func TestCheckPublishTopic(t *testing.T) {
	assert.NoError(t, CheckPublishTopic("vehicle/data/obd"))
	assert.Error(t, CheckPublishTopic(""))
	assert.Error(t, CheckPublishTopic("vehicle/+/obd"))
}
