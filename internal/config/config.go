package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"codeberg.org/mutker/avrlink/internal/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	DefaultEnvPrefix  = "AVRLINK"
	DefaultConfigFile = "/etc/avrlink.toml"
	DefaultLogLevel   = string(LogLevelInfo)
)

type Config struct {
	LogLevel   string           `mapstructure:"log_level"`
	Catalog    string           `mapstructure:"catalog"`
	PIDFile    string           `mapstructure:"pid_file"`
	MQTT       MQTTConfig       `mapstructure:"mqtt"`
	Serial     SerialConfig     `mapstructure:"serial"`
	Backoff    BackoffConfig    `mapstructure:"backoff"`
	Supervisor SupervisorConfig `mapstructure:"supervisor"`
	Commands   CommandsConfig   `mapstructure:"commands"`
	History    HistoryConfig    `mapstructure:"history"`
	HTTP       HTTPConfig       `mapstructure:"http"`
}

type MQTTConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	Broker         string        `mapstructure:"broker"`
	ClientID       string        `mapstructure:"client_id"`
	Username       string        `mapstructure:"username"`
	Password       string        `mapstructure:"password"`
	QoS            int           `mapstructure:"qos"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	KeepAlive      time.Duration `mapstructure:"keep_alive"`
}

type SerialConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	Port        string        `mapstructure:"port"`
	BaudRate    int           `mapstructure:"baud_rate"`
	ReadTimeout time.Duration `mapstructure:"read_timeout"`
	MaxPayload  int           `mapstructure:"max_payload"`
}

type BackoffConfig struct {
	Initial    time.Duration `mapstructure:"initial"`
	Max        time.Duration `mapstructure:"max"`
	Multiplier float64       `mapstructure:"multiplier"`
	Jitter     float64       `mapstructure:"jitter"`
}

type SupervisorConfig struct {
	OutboxSize    int           `mapstructure:"outbox_size"`
	DegradedAfter int           `mapstructure:"degraded_after"`
	CloseGrace    time.Duration `mapstructure:"close_grace"`
	SendTimeout   time.Duration `mapstructure:"send_timeout"`
}

type CommandsConfig struct {
	// Transport names the link commands are sent over: "mqtt" or "serial".
	Transport string `mapstructure:"transport"`
}

type HistoryConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	DBPath       string        `mapstructure:"db_path"`
	BackupDir    string        `mapstructure:"backup_dir"`
	BatchSize    int           `mapstructure:"batch_size"`
	BatchTimeout time.Duration `mapstructure:"batch_timeout"`
}

type HTTPConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

var defaults = map[string]any{
	"log_level": DefaultLogLevel,
	"catalog":   "",
	"pid_file":  "/run/avrlink.pid",

	"mqtt.enabled":         true,
	"mqtt.broker":          "tcp://localhost:18830",
	"mqtt.client_id":       "avrlink",
	"mqtt.username":        "",
	"mqtt.password":        "",
	"mqtt.qos":             0,
	"mqtt.connect_timeout": 5 * time.Second,
	"mqtt.keep_alive":      30 * time.Second,

	"serial.enabled":      false,
	"serial.port":         "/dev/ttyUSB0",
	"serial.baud_rate":    115200,
	"serial.read_timeout": 100 * time.Millisecond,
	"serial.max_payload":  1024,

	"backoff.initial":    500 * time.Millisecond,
	"backoff.max":        30 * time.Second,
	"backoff.multiplier": 2.0,
	"backoff.jitter":     0.2,

	"supervisor.outbox_size":    32,
	"supervisor.degraded_after": 10,
	"supervisor.close_grace":    2 * time.Second,
	"supervisor.send_timeout":   5 * time.Second,

	"commands.transport": "mqtt",

	"history.enabled":       false,
	"history.db_path":       "/var/lib/avrlink/history.db",
	"history.backup_dir":    "/var/lib/avrlink/backups",
	"history.batch_size":    100,
	"history.batch_timeout": 5 * time.Second,

	"http.enabled": true,
	"http.addr":    "127.0.0.1:8710",
}

// flagKeys maps command-line flags onto configuration keys.
var flagKeys = map[string]string{
	"log-level":          "log_level",
	"catalog":            "catalog",
	"pid-file":           "pid_file",
	"mqtt":               "mqtt.enabled",
	"mqtt-broker":        "mqtt.broker",
	"mqtt-client-id":     "mqtt.client_id",
	"serial":             "serial.enabled",
	"serial-port":        "serial.port",
	"serial-baud-rate":   "serial.baud_rate",
	"commands-transport": "commands.transport",
	"history":            "history.enabled",
	"history-db":         "history.db_path",
	"http":               "http.enabled",
	"http-addr":          "http.addr",
}

func newFlagSet() *pflag.FlagSet {
	fs := pflag.NewFlagSet("avrlink", pflag.ContinueOnError)
	fs.String("config", "", "Path to a TOML configuration file")
	fs.String("log-level", DefaultLogLevel, "Log level (debug, info, warning, error)")
	fs.String("catalog", "", "Path to a YAML channel catalog")
	fs.String("pid-file", "/run/avrlink.pid", "PID file path, empty to disable")
	fs.Bool("mqtt", true, "Enable the MQTT transport")
	fs.String("mqtt-broker", "tcp://localhost:18830", "MQTT broker URL")
	fs.String("mqtt-client-id", "avrlink", "MQTT client id")
	fs.Bool("serial", false, "Enable the serial transport")
	fs.String("serial-port", "/dev/ttyUSB0", "Serial device")
	fs.Int("serial-baud-rate", 115200, "Serial baud rate")
	fs.String("commands-transport", "mqtt", "Transport used for commands (mqtt or serial)")
	fs.Bool("history", false, "Record telemetry history to SQLite")
	fs.String("history-db", "/var/lib/avrlink/history.db", "History database path")
	fs.Bool("http", true, "Serve the status and command API")
	fs.String("http-addr", "127.0.0.1:8710", "HTTP listen address")
	return fs
}

// Load reads configuration from defaults, the config file, the environment
// and command-line flags, in increasing order of precedence.
func Load(opts ...Option) (*Config, error) {
	errFactory := errors.New()

	o := options{envPrefix: DefaultEnvPrefix}
	for _, opt := range opts {
		if err := opt(&o); err != nil {
			return nil, errFactory.Wrap(errors.ErrInvalidConfig, err)
		}
	}
	if o.args == nil {
		o.args = os.Args[1:]
	}

	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	fs := newFlagSet()
	if err := fs.Parse(o.args); err != nil {
		return nil, errFactory.Wrap(errors.ErrBindFlags, err)
	}
	for name, key := range flagKeys {
		if err := v.BindPFlag(key, fs.Lookup(name)); err != nil {
			return nil, errFactory.Wrap(errors.ErrBindFlags, err)
		}
	}

	v.SetEnvPrefix(o.envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	path, explicit := configPath(o, fs)
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			var pathErr *os.PathError
			if explicit || !errors.As(err, &pathErr) {
				return nil, errFactory.Wrap(errors.ErrReadConfig, err)
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errFactory.Wrap(errors.ErrInvalidConfig, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// configPath resolves the config file: option, then --config, then the
// environment, then the system default if it exists.
func configPath(o options, fs *pflag.FlagSet) (string, bool) {
	if o.configPath != "" {
		return o.configPath, true
	}
	if path, _ := fs.GetString("config"); path != "" {
		return path, true
	}
	if path := os.Getenv(o.envPrefix + "_CONFIG"); path != "" {
		return path, true
	}
	return DefaultConfigFile, false
}

func (c *Config) Validate() error {
	errFactory := errors.New()

	if !LogLevel(c.LogLevel).IsValid() {
		return errFactory.WithData(errors.ErrInvalidLogLevel, c.LogLevel)
	}
	if !c.MQTT.Enabled && !c.Serial.Enabled {
		return errFactory.WithData(errors.ErrInvalidConfig, "no transport enabled")
	}
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		return errFactory.WithData(errors.ErrInvalidConfig, fmt.Sprintf("mqtt.qos %d out of range", c.MQTT.QoS))
	}

	switch c.Commands.Transport {
	case "mqtt":
		if !c.MQTT.Enabled {
			return errFactory.WithData(errors.ErrInvalidConfig, "commands.transport is mqtt but mqtt is disabled")
		}
	case "serial":
		if !c.Serial.Enabled {
			return errFactory.WithData(errors.ErrInvalidConfig, "commands.transport is serial but serial is disabled")
		}
	default:
		return errFactory.WithData(errors.ErrInvalidConfig, "unknown commands.transport "+c.Commands.Transport)
	}

	if c.HTTP.Enabled && c.HTTP.Addr == "" {
		return errFactory.WithData(errors.ErrInvalidConfig, "http.addr not set")
	}

	return nil
}
