package app

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/Agrid-Dev/windmillfan/internal/device"
)

func TestEnvKeyTransform_TopLevel(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"DEVICE_ID", "device_id"},
		{"CONTROLLER", "controller"},
		{"ADDR", "addr"},
		{"", ""},
		{"   ", ""},
	}

	for _, tt := range tests {
		got := envKeyTransform(tt.in)
		if got != tt.want {
			t.Fatalf("envKeyTransform(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestEnvKeyTransform_Controllers(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"CONTROLLERS_HTTP_ADDR", "controllers.http.addr"},
		{"CONTROLLERS_MQTT_PUBLISH_INTERVAL", "controllers.mqtt.publish_interval"},
		{"CONTROLLERS_MODBUS_UNIT_ID", "controllers.modbus.unit_id"},
		{"CONTROLLERS_HTTP", "controllers_http"},   // not enough parts -> fallback
		{"CONTROLLERS__ADDR", "controllers..addr"}, // edge case
		{"controllers_HTTP_addr", "controllers.http.addr"},
		{"CONTROLLERS_MQTT_RETAIN_STATE", "controllers.mqtt.retain_state"},
	}

	for _, tt := range tests {
		got := envKeyTransform(tt.in)
		if got != tt.want {
			t.Fatalf("envKeyTransform(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestEnvKeyTransform_WindmillAndLog(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"WINDMILL_TOKEN", "windmill.token"},
		{"WINDMILL_UPDATE_INTERVAL", "windmill.update_interval"},
		{"WINDMILL_MAX_ATTEMPTS", "windmill.max_attempts"},
		{"WINDMILL", "windmill"}, // not enough parts -> passthrough
		{"LOG_LEVEL", "log.level"},
		{"LOG_FORMAT", "log.format"},
		{"LOG", "log"},
	}

	for _, tt := range tests {
		got := envKeyTransform(tt.in)
		if got != tt.want {
			t.Fatalf("envKeyTransform(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func noEnv() []string { return nil }

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("", noEnv)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Windmill.Server != "https://dashboard.windmillair.com" {
		t.Fatalf("server = %q", cfg.Windmill.Server)
	}
	if cfg.Windmill.UpdateInterval != 60*time.Second {
		t.Fatalf("update_interval = %v", cfg.Windmill.UpdateInterval)
	}
	if cfg.Windmill.MaxAttempts != 3 || cfg.Windmill.Timeout != 30*time.Second {
		t.Fatalf("retry policy = %d/%v", cfg.Windmill.MaxAttempts, cfg.Windmill.Timeout)
	}
	if !cfg.Controllers.HTTP.Enabled || cfg.Controllers.HTTP.Addr != ":8080" {
		t.Fatalf("http = %+v", cfg.Controllers.HTTP)
	}
	if cfg.Controllers.MODBUS.UnitID != 1 {
		t.Fatalf("unit_id = %d", cfg.Controllers.MODBUS.UnitID)
	}
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"), noEnv)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Log.Level != "info" {
		t.Fatalf("log.level = %q", cfg.Log.Level)
	}
}

func TestLoad_YAML(t *testing.T) {
	p := writeFile(t, "config.yaml", `
device_id: bedroom
windmill:
  token: abcd1234ef
  update_interval: 15s
controllers:
  http:
    enabled: false
  mqtt:
    enabled: true
    qos: 1
`)
	cfg, err := Load(p, noEnv)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.DeviceID != "bedroom" || cfg.Windmill.Token != "abcd1234ef" {
		t.Fatalf("cfg = %+v", cfg)
	}
	if cfg.Windmill.UpdateInterval != 15*time.Second {
		t.Fatalf("update_interval = %v", cfg.Windmill.UpdateInterval)
	}
	if cfg.Controllers.HTTP.Enabled || !cfg.Controllers.MQTT.Enabled || cfg.Controllers.MQTT.QoS != 1 {
		t.Fatalf("controllers = %+v", cfg.Controllers)
	}
	// untouched keys keep their defaults
	if cfg.Controllers.MQTT.BrokerURL != "tcp://localhost:1883" {
		t.Fatalf("broker_url = %q", cfg.Controllers.MQTT.BrokerURL)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestLoad_JSON(t *testing.T) {
	p := writeFile(t, "config.json", `{"windmill": {"token": "abcd1234ef", "max_attempts": 5}}`)
	cfg, err := Load(p, noEnv)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Windmill.MaxAttempts != 5 {
		t.Fatalf("max_attempts = %d", cfg.Windmill.MaxAttempts)
	}
}

func TestLoad_UnsupportedExtension(t *testing.T) {
	p := writeFile(t, "config.toml", `device_id = "x"`)
	if _, err := Load(p, noEnv); err == nil {
		t.Fatal("expected error for .toml")
	}
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	p := writeFile(t, "config.yaml", "windmill:\n  token: from-file-123\n")
	environ := func() []string {
		return []string{
			"WINDMILLFAN_WINDMILL_TOKEN=from-env-4567",
			"WINDMILLFAN_CONTROLLERS_HTTP_ADDR=:9090",
			"WINDMILLFAN_WINDMILL_UPDATE_INTERVAL=2m",
			"WINDMILLFAN_CONTROLLERS_MODBUS_UNIT_ID=7",
			"HOME=/root",
		}
	}
	cfg, err := Load(p, environ)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Windmill.Token != "from-env-4567" {
		t.Fatalf("token = %q", cfg.Windmill.Token)
	}
	if cfg.Controllers.HTTP.Addr != ":9090" {
		t.Fatalf("addr = %q", cfg.Controllers.HTTP.Addr)
	}
	if cfg.Windmill.UpdateInterval != 2*time.Minute {
		t.Fatalf("update_interval = %v", cfg.Windmill.UpdateInterval)
	}
	if cfg.Controllers.MODBUS.UnitID != 7 {
		t.Fatalf("unit_id = %d", cfg.Controllers.MODBUS.UnitID)
	}
}

func TestLoad_NoControllerEnablesHTTP(t *testing.T) {
	p := writeFile(t, "config.yaml", "controllers:\n  http:\n    enabled: false\n")
	cfg, err := Load(p, noEnv)
	if err != nil {
		t.Fatal(err)
	}
	if !cfg.Controllers.HTTP.Enabled {
		t.Fatal("expected HTTP enabled when no controller is")
	}
}

func TestValidate(t *testing.T) {
	valid := Defaults()
	valid.Windmill.Token = "abcd1234ef"
	if err := valid.Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	tests := []struct {
		name string
		mut  func(*Config)
	}{
		{"short token", func(c *Config) { c.Windmill.Token = "short" }},
		{"zero interval", func(c *Config) { c.Windmill.UpdateInterval = 0 }},
		{"no attempts", func(c *Config) { c.Windmill.MaxAttempts = 0 }},
		{"qos 3", func(c *Config) { c.Controllers.MQTT.QoS = 3 }},
		{"modbus unit 0", func(c *Config) { c.Controllers.MODBUS.Enabled = true; c.Controllers.MODBUS.UnitID = 0 }},
		{"bad level", func(c *Config) { c.Log.Level = "loud" }},
		{"bad format", func(c *Config) { c.Log.Format = "xml" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid
			tt.mut(&c)
			if err := c.Validate(); err == nil {
				t.Fatal("expected error")
			}
		})
	}

	qos2 := valid
	qos2.Controllers.MQTT.QoS = 2
	if err := qos2.Validate(); err != nil {
		t.Fatalf("qos 2 rejected: %v", err)
	}

	short := valid
	short.Windmill.Token = "short"
	if err := short.Validate(); !errors.Is(err, device.ErrInvalidAuth) {
		t.Fatalf("expected ErrInvalidAuth, got %v", err)
	}
}

func TestRedacted(t *testing.T) {
	c := Defaults()
	c.Windmill.Token = "abcd1234ef"
	c.Controllers.MQTT.Password = "secret"

	r := c.Redacted()
	if r.Windmill.Token != "******34ef" {
		t.Fatalf("token = %q", r.Windmill.Token)
	}
	if r.Controllers.MQTT.Password == "secret" {
		t.Fatal("password not redacted")
	}
	if c.Windmill.Token != "abcd1234ef" {
		t.Fatal("receiver modified")
	}
}

func TestDeviceConfig(t *testing.T) {
	c := Defaults()
	c.DeviceID = "fan1"
	c.Windmill.Token = "abcd1234ef"

	d := c.Device()
	if d.ID != "fan1" || d.Blynk.Token != "abcd1234ef" || d.Blynk.MaxAttempts != 3 {
		t.Fatalf("device config = %+v", d)
	}
	if m := c.MQTT("fan1"); m.DeviceID != "fan1" || !m.RetainState {
		t.Fatalf("mqtt config = %+v", m)
	}
	if m := c.Modbus("fan1"); m.UnitID != 1 || m.Addr != "127.0.0.1:1502" {
		t.Fatalf("modbus config = %+v", m)
	}
}

func TestNewLogger(t *testing.T) {
	c := Defaults()
	c.Log.Format = "json"
	c.Log.Level = "warn"

	var buf bytes.Buffer
	log, err := c.NewLogger(&buf)
	if err != nil {
		t.Fatal(err)
	}
	log.Info().Msg("hidden")
	log.Warn().Msg("shown")

	out := buf.String()
	if strings.Contains(out, "hidden") || !strings.Contains(out, `"message":"shown"`) {
		t.Fatalf("unexpected log output: %s", out)
	}
}
