package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"codeberg.org/mutker/avrlink/internal/config"
	"codeberg.org/mutker/avrlink/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "avrlink.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
log_level = "debug"
catalog = "/etc/avrlink/channels.yaml"

[mqtt]
broker = "tcp://vehicle.local:1883"
qos = 1
connect_timeout = "2s"

[serial]
enabled = true
port = "/dev/ttyACM0"
baud_rate = 57600

[backoff]
initial = "250ms"
max = "10s"

[commands]
transport = "serial"

[history]
enabled = true
db_path = "/tmp/history.db"
batch_size = 20
`)

	cfg, err := config.Load(config.WithConfigFile(path), config.WithArgs([]string{}))
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "/etc/avrlink/channels.yaml", cfg.Catalog)
	assert.Equal(t, "tcp://vehicle.local:1883", cfg.MQTT.Broker)
	assert.Equal(t, 1, cfg.MQTT.QoS)
	assert.Equal(t, 2*time.Second, cfg.MQTT.ConnectTimeout)
	assert.Equal(t, 30*time.Second, cfg.MQTT.KeepAlive, "unset keys keep their defaults")
	assert.True(t, cfg.Serial.Enabled)
	assert.Equal(t, "/dev/ttyACM0", cfg.Serial.Port)
	assert.Equal(t, 57600, cfg.Serial.BaudRate)
	assert.Equal(t, 250*time.Millisecond, cfg.Backoff.Initial)
	assert.Equal(t, 10*time.Second, cfg.Backoff.Max)
	assert.InDelta(t, 2.0, cfg.Backoff.Multiplier, 0)
	assert.Equal(t, "serial", cfg.Commands.Transport)
	assert.True(t, cfg.History.Enabled)
	assert.Equal(t, 20, cfg.History.BatchSize)
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("AVRLINK_CONFIG", "")

	cfg, err := config.Load(config.WithArgs([]string{}))
	require.NoError(t, err)

	assert.Equal(t, config.DefaultLogLevel, cfg.LogLevel)
	assert.True(t, cfg.MQTT.Enabled)
	assert.Equal(t, "tcp://localhost:18830", cfg.MQTT.Broker)
	assert.False(t, cfg.Serial.Enabled)
	assert.Equal(t, 500*time.Millisecond, cfg.Backoff.Initial)
	assert.Equal(t, 32, cfg.Supervisor.OutboxSize)
	assert.Equal(t, 10, cfg.Supervisor.DegradedAfter)
	assert.Equal(t, "mqtt", cfg.Commands.Transport)
	assert.False(t, cfg.History.Enabled)
	assert.True(t, cfg.HTTP.Enabled)
}

func TestLoadPrecedence(t *testing.T) {
	path := writeConfig(t, `
log_level = "warning"

[mqtt]
broker = "tcp://file:1883"
client_id = "from-file"
`)
	t.Setenv("AVRLINK_CONFIG", path)
	t.Setenv("AVRLINK_MQTT_BROKER", "tcp://env:1883")
	t.Setenv("AVRLINK_SUPERVISOR_CLOSE_GRACE", "750ms")

	cfg, err := config.Load(config.WithArgs([]string{"--log-level", "error"}))
	require.NoError(t, err)

	assert.Equal(t, "error", cfg.LogLevel, "flag beats file")
	assert.Equal(t, "tcp://env:1883", cfg.MQTT.Broker, "env beats file")
	assert.Equal(t, "from-file", cfg.MQTT.ClientID)
	assert.Equal(t, 750*time.Millisecond, cfg.Supervisor.CloseGrace)
}

func TestLoadConfigFlag(t *testing.T) {
	path := writeConfig(t, `
[http]
addr = "0.0.0.0:9000"
`)

	cfg, err := config.Load(config.WithArgs([]string{"--config", path, "--http-addr", "127.0.0.1:9001"}))
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9001", cfg.HTTP.Addr)
}

func TestLoadEnvPrefix(t *testing.T) {
	t.Setenv("GCS_LOG_LEVEL", "debug")

	cfg, err := config.Load(config.WithEnvPrefix("GCS"), config.WithArgs([]string{}))
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestLoadConfigFileInvalidFormat(t *testing.T) {
	path := writeConfig(t, `
This is not a valid TOML file
`)

	_, err := config.Load(config.WithConfigFile(path), config.WithArgs([]string{}))
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrReadConfig))
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := config.Load(
		config.WithConfigFile(filepath.Join(t.TempDir(), "missing.toml")),
		config.WithArgs([]string{}),
	)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrReadConfig))
}

func TestInvalidLogLevel(t *testing.T) {
	path := writeConfig(t, `
log_level = "invalid"
`)

	_, err := config.Load(config.WithConfigFile(path), config.WithArgs([]string{}))
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrInvalidLogLevel))
}

func TestUnknownFlag(t *testing.T) {
	_, err := config.Load(config.WithArgs([]string{"--no-such-flag"}))
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrBindFlags))
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		args   []string
		errMsg string
	}{
		{name: "no transport", args: []string{"--mqtt=false"}, errMsg: "no transport enabled"},
		{name: "commands over disabled serial", args: []string{"--commands-transport", "serial"}, errMsg: "serial is disabled"},
		{name: "unknown commands transport", args: []string{"--commands-transport", "radio"}, errMsg: "unknown commands.transport"},
		{name: "serial commands", args: []string{"--serial", "--commands-transport", "serial"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("AVRLINK_CONFIG", "")
			_, err := config.Load(config.WithArgs(tt.args))
			if tt.errMsg == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, errors.HasCode(err, errors.ErrInvalidConfig))
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}
