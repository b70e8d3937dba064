package app

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
	"github.com/rs/zerolog"

	"github.com/Agrid-Dev/windmillfan/internal/blynk"
	modbusctrl "github.com/Agrid-Dev/windmillfan/internal/controllers/modbus"
	mqttctrl "github.com/Agrid-Dev/windmillfan/internal/controllers/mqtt"
	"github.com/Agrid-Dev/windmillfan/internal/coordinator"
	"github.com/Agrid-Dev/windmillfan/internal/device"
)

// EnvPrefix prefixes every environment override, e.g.
// WINDMILLFAN_WINDMILL_TOKEN or WINDMILLFAN_CONTROLLERS_HTTP_ADDR.
const EnvPrefix = "WINDMILLFAN_"

type Config struct {
	DeviceID    string            `koanf:"device_id" yaml:"device_id"`
	Windmill    WindmillConfig    `koanf:"windmill" yaml:"windmill"`
	Controllers ControllersConfig `koanf:"controllers" yaml:"controllers"`
	Log         LogConfig         `koanf:"log" yaml:"log"`
}

type WindmillConfig struct {
	Server         string        `koanf:"server" yaml:"server"`
	Token          string        `koanf:"token" yaml:"token"`
	Timeout        time.Duration `koanf:"timeout" yaml:"timeout"`
	MaxAttempts    int           `koanf:"max_attempts" yaml:"max_attempts"`
	RetryInterval  time.Duration `koanf:"retry_interval" yaml:"retry_interval"`
	UpdateInterval time.Duration `koanf:"update_interval" yaml:"update_interval"`
}

type ControllersConfig struct {
	HTTP   HTTPConfig   `koanf:"http" yaml:"http"`
	MQTT   MQTTConfig   `koanf:"mqtt" yaml:"mqtt"`
	MODBUS ModbusConfig `koanf:"modbus" yaml:"modbus"`
}

type HTTPConfig struct {
	Enabled bool   `koanf:"enabled" yaml:"enabled"`
	Addr    string `koanf:"addr" yaml:"addr"`
}

type MQTTConfig struct {
	Enabled         bool          `koanf:"enabled" yaml:"enabled"`
	BrokerURL       string        `koanf:"broker_url" yaml:"broker_url"`
	ClientID        string        `koanf:"client_id" yaml:"client_id"`
	BaseTopic       string        `koanf:"base_topic" yaml:"base_topic"`
	QoS             byte          `koanf:"qos" yaml:"qos"`
	RetainState     bool          `koanf:"retain_state" yaml:"retain_state"`
	PublishInterval time.Duration `koanf:"publish_interval" yaml:"publish_interval"`
	Username        string        `koanf:"username" yaml:"username"`
	Password        string        `koanf:"password" yaml:"password"`
}

type ModbusConfig struct {
	Enabled bool   `koanf:"enabled" yaml:"enabled"`
	Addr    string `koanf:"addr" yaml:"addr"`
	UnitID  byte   `koanf:"unit_id" yaml:"unit_id"`
}

type LogConfig struct {
	Level  string `koanf:"level" yaml:"level"`
	Format string `koanf:"format" yaml:"format"` // "console" | "json"
}

// Defaults returns the configuration used when nothing overrides it.
func Defaults() Config {
	return Config{
		Windmill: WindmillConfig{
			Server:         blynk.DefaultServer,
			Timeout:        blynk.DefaultTimeout,
			MaxAttempts:    blynk.DefaultMaxAttempts,
			RetryInterval:  blynk.DefaultRetryInterval,
			UpdateInterval: coordinator.DefaultInterval,
		},
		Controllers: ControllersConfig{
			HTTP: HTTPConfig{Enabled: true, Addr: ":8080"},
			MQTT: MQTTConfig{
				BrokerURL:       "tcp://localhost:1883",
				RetainState:     true,
				PublishInterval: 1 * time.Second,
			},
			MODBUS: ModbusConfig{Addr: "127.0.0.1:1502", UnitID: 1},
		},
		Log: LogConfig{Level: "info", Format: "console"},
	}
}

// Load layers defaults, the config file at path and the environment, in
// that order. A missing file is not an error. environ may be nil, in which
// case os.Environ is used.
func Load(path string, environ func() []string) (Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(Defaults(), "koanf"), nil); err != nil {
		return Config{}, fmt.Errorf("load defaults: %w", err)
	}

	if path != "" {
		if err := loadFile(k, path); err != nil {
			return Config{}, err
		}
	}

	envOpt := env.Opt{
		Prefix: EnvPrefix,
		TransformFunc: func(key, value string) (string, any) {
			return envKeyTransform(strings.TrimPrefix(key, EnvPrefix)), value
		},
		EnvironFunc: environ,
	}
	if err := k.Load(env.Provider(".", envOpt), nil); err != nil {
		return Config{}, fmt.Errorf("load env: %w", err)
	}

	var cfg Config
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	applyDefaults(&cfg)
	return cfg, nil
}

func loadFile(k *koanf.Koanf, path string) error {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			// Config file missing → use defaults
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}

	var parser koanf.Parser
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		parser = yaml.Parser()
	case ".json":
		parser = json.Parser()
	default:
		return fmt.Errorf("unsupported config extension %q", ext)
	}

	if err := k.Load(file.Provider(path), parser); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

func applyDefaults(cfg *Config) {
	c := &cfg.Controllers
	if !c.HTTP.Enabled && !c.MQTT.Enabled && !c.MODBUS.Enabled {
		c.HTTP.Enabled = true
	}
	if c.HTTP.Addr == "" {
		c.HTTP.Addr = ":8080"
	}
}

// envKeyTransform maps an environment variable name (prefix already
// stripped) onto a config key:
//
//	CONTROLLERS_HTTP_ADDR     -> controllers.http.addr
//	WINDMILL_UPDATE_INTERVAL  -> windmill.update_interval
//	LOG_LEVEL                 -> log.level
//	DEVICE_ID                 -> device_id
func envKeyTransform(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return ""
	}

	switch {
	case strings.HasPrefix(s, "controllers_"):
		parts := strings.SplitN(s, "_", 3)
		if len(parts) < 3 {
			return s
		}
		return parts[0] + "." + parts[1] + "." + parts[2]
	case strings.HasPrefix(s, "windmill_"):
		return "windmill." + strings.TrimPrefix(s, "windmill_")
	case strings.HasPrefix(s, "log_"):
		return "log." + strings.TrimPrefix(s, "log_")
	}
	return s
}

func (c Config) Validate() error {
	if err := device.ValidateToken(c.Windmill.Token); err != nil {
		return fmt.Errorf("windmill.token: %w", err)
	}
	if c.Windmill.UpdateInterval <= 0 {
		return errors.New("windmill.update_interval must be positive")
	}
	if c.Windmill.MaxAttempts < 1 {
		return errors.New("windmill.max_attempts must be at least 1")
	}
	if c.Controllers.MQTT.QoS > 2 {
		return errors.New("controllers.mqtt.qos must be 0, 1 or 2")
	}
	if c.Controllers.MODBUS.Enabled && c.Controllers.MODBUS.UnitID == 0 {
		return errors.New("controllers.modbus.unit_id is required")
	}
	if _, err := zerolog.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	switch c.Log.Format {
	case "console", "json":
	default:
		return fmt.Errorf("log.format %q: want console or json", c.Log.Format)
	}
	return nil
}

// Redacted returns a copy safe to print.
func (c Config) Redacted() Config {
	if t := c.Windmill.Token; len(t) > 4 {
		c.Windmill.Token = strings.Repeat("*", len(t)-4) + t[len(t)-4:]
	}
	if c.Controllers.MQTT.Password != "" {
		c.Controllers.MQTT.Password = "********"
	}
	return c
}

func (c Config) Device() device.Config {
	return device.Config{
		ID: c.DeviceID,
		Blynk: blynk.Config{
			Server:        c.Windmill.Server,
			Token:         c.Windmill.Token,
			Timeout:       c.Windmill.Timeout,
			MaxAttempts:   c.Windmill.MaxAttempts,
			RetryInterval: c.Windmill.RetryInterval,
		},
		UpdateInterval: c.Windmill.UpdateInterval,
	}
}

func (c Config) MQTT(deviceID string) mqttctrl.Config {
	m := c.Controllers.MQTT
	return mqttctrl.Config{
		DeviceID:        deviceID,
		BrokerURL:       m.BrokerURL,
		ClientID:        m.ClientID,
		BaseTopic:       m.BaseTopic,
		QoS:             m.QoS,
		RetainState:     m.RetainState,
		PublishInterval: m.PublishInterval,
		Username:        m.Username,
		Password:        m.Password,
	}
}

func (c Config) Modbus(deviceID string) modbusctrl.Config {
	return modbusctrl.Config{
		DeviceID: deviceID,
		Addr:     c.Controllers.MODBUS.Addr,
		UnitID:   c.Controllers.MODBUS.UnitID,
	}
}

// NewLogger builds the root logger described by c.Log.
func (c Config) NewLogger(w io.Writer) (zerolog.Logger, error) {
	level, err := zerolog.ParseLevel(c.Log.Level)
	if err != nil {
		return zerolog.Nop(), err
	}
	if c.Log.Format != "json" {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	return zerolog.New(w).Level(level).With().Timestamp().Logger(), nil
}
