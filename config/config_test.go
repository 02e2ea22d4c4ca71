package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"netcam-capture/netcam"
)

// TestLoadConfigDefaults tests default configuration loading
func TestLoadConfigDefaults(t *testing.T) {
	// Use non-existent file to trigger defaults
	cfg, err := LoadConfig("non-existent-config.toml")
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	if len(cfg.Cameras) != 0 {
		t.Errorf("Default cameras = %d, want 0", len(cfg.Cameras))
	}
	if cfg.Netcam.ReconnectAfterFailures != 3 {
		t.Errorf("Default ReconnectAfterFailures = %d, want 3", cfg.Netcam.ReconnectAfterFailures)
	}
	if cfg.Netcam.ReconnectDelayDuration() != time.Second {
		t.Errorf("Default reconnect delay = %s, want 1s", cfg.Netcam.ReconnectDelayDuration())
	}
	if cfg.Netcam.GstLatencyDuration() != 200*time.Millisecond {
		t.Errorf("Default gst latency = %s, want 200ms", cfg.Netcam.GstLatencyDuration())
	}
	if cfg.Server.WebPort != 8080 {
		t.Errorf("Default Server.WebPort = %d, want 8080", cfg.Server.WebPort)
	}
	if !cfg.Server.Enabled {
		t.Error("Server should be enabled by default")
	}
	if cfg.Server.PublicHost == "" {
		t.Error("PublicHost should be auto-detected or fall back to localhost")
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("Default Logging.Level = %q, want info", cfg.Logging.Level)
	}
	if cfg.Timeouts.WaitFrameTimeout != 5000 {
		t.Errorf("Default WaitFrameTimeout = %d, want 5000", cfg.Timeouts.WaitFrameTimeout)
	}
	if cfg.MQTT.Enabled {
		t.Error("MQTT should be disabled by default")
	}
	if cfg.MQTT.PublishIntervalDuration() != 10*time.Second {
		t.Errorf("Default MQTT publish interval = %s, want 10s", cfg.MQTT.PublishIntervalDuration())
	}
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
	return path
}

// TestLoadConfigFromFile tests loading cameras and overrides from TOML
func TestLoadConfigFromFile(t *testing.T) {
	path := writeConfig(t, `
[[cameras]]
id = "front"
host = "192.168.1.20"
path = "/stream1"
userpass = "alice:secret"

[[cameras]]
host = "0.0.0.0"
port = 5004
transport = "rtp"

[netcam]
userpass = "admin:admin"
reconnect_after_failures = 5

[server]
web_port = 9090
public_host = "cams.local"
allowed_origins = ["http://localhost:3000"]
`)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	if len(cfg.Cameras) != 2 {
		t.Fatalf("cameras = %d, want 2", len(cfg.Cameras))
	}

	front := cfg.Cameras[0]
	if front.ID != "front" || front.Port != 554 || front.Scheme != "rtsp" || front.Transport != "tcp" {
		t.Errorf("front camera defaults not applied: %+v", front)
	}

	second := cfg.Cameras[1]
	if second.ID != "camera2" {
		t.Errorf("second camera ID = %q, want camera2", second.ID)
	}
	if second.Port != 5004 || second.Transport != "rtp" {
		t.Errorf("second camera = %+v", second)
	}

	// Overridden values
	if cfg.Netcam.ReconnectAfterFailures != 5 {
		t.Errorf("ReconnectAfterFailures = %d, want 5", cfg.Netcam.ReconnectAfterFailures)
	}
	if cfg.Server.WebPort != 9090 {
		t.Errorf("WebPort = %d, want 9090", cfg.Server.WebPort)
	}
	if cfg.Server.PublicHost != "cams.local" {
		t.Errorf("PublicHost = %q, want cams.local", cfg.Server.PublicHost)
	}
	if len(cfg.Server.AllowedOrigins) != 1 || cfg.Server.AllowedOrigins[0] != "http://localhost:3000" {
		t.Errorf("AllowedOrigins = %v", cfg.Server.AllowedOrigins)
	}

	// Values absent from the file keep defaults
	if cfg.Netcam.GstLatency != 200 {
		t.Errorf("GstLatency = %d, want default 200", cfg.Netcam.GstLatency)
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate failed: %v", err)
	}
}

func TestNetcamConfigConversion(t *testing.T) {
	cam := CameraConfig{ID: "front", Host: "cam", Port: 8554, Path: "/live", Scheme: "rtsp", Transport: "udp", UserPass: "alice:secret"}

	nc, err := cam.NetcamConfig("admin:admin")
	if err != nil {
		t.Fatalf("NetcamConfig failed: %v", err)
	}

	want := netcam.Config{
		ID:               "front",
		Scheme:           "rtsp",
		Host:             "cam",
		Port:             8554,
		Path:             "/live",
		Transport:        netcam.TransportUDP,
		UserPass:         "alice:secret",
		UserPassOverride: "admin:admin",
	}
	if nc != want {
		t.Errorf("NetcamConfig = %+v, want %+v", nc, want)
	}

	cam.Transport = "carrier-pigeon"
	if _, err := cam.NetcamConfig(""); err == nil {
		t.Error("expected error for unknown transport")
	}
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg := Default()
		cfg.Cameras = []CameraConfig{{ID: "a", Host: "cam-a", Transport: "tcp"}}
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "no cameras", mutate: func(c *Config) { c.Cameras = nil }, wantErr: "no cameras"},
		{name: "empty host", mutate: func(c *Config) { c.Cameras[0].Host = "" }, wantErr: "host is required"},
		{name: "unknown transport", mutate: func(c *Config) { c.Cameras[0].Transport = "ftp" }, wantErr: "unknown transport"},
		{
			name: "duplicate ids",
			mutate: func(c *Config) {
				c.Cameras = append(c.Cameras, CameraConfig{ID: "a", Host: "cam-b", Transport: "tcp"})
			},
			wantErr: "duplicate id",
		},
		{name: "zero failure threshold", mutate: func(c *Config) { c.Netcam.ReconnectAfterFailures = 0 }, wantErr: "reconnect_after_failures"},
		{name: "bad web port", mutate: func(c *Config) { c.Server.WebPort = 70000 }, wantErr: "web_port"},
		{name: "bad web port ignored when disabled", mutate: func(c *Config) { c.Server.WebPort = 0; c.Server.Enabled = false }},
		{name: "mqtt disabled skips checks", mutate: func(c *Config) { c.MQTT.Broker = "" }},
		{name: "mqtt without broker", mutate: func(c *Config) { c.MQTT.Enabled = true; c.MQTT.Broker = "" }, wantErr: "broker is required"},
		{name: "mqtt bad qos", mutate: func(c *Config) { c.MQTT.Enabled = true; c.MQTT.QoS = 3 }, wantErr: "qos"},
		{name: "mqtt bad payload format", mutate: func(c *Config) { c.MQTT.Enabled = true; c.MQTT.PayloadFormat = "xml" }, wantErr: "payload_format"},
		{name: "mqtt msgpack", mutate: func(c *Config) { c.MQTT.Enabled = true; c.MQTT.PayloadFormat = "msgpack" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() = %v, want error containing %q", err, tt.wantErr)
			}
		})
	}
}

// TestSaveConfig tests configuration saving
func TestSaveConfig(t *testing.T) {
	cfg := Default()
	cfg.Cameras = []CameraConfig{{ID: "front", Host: "cam", Port: 554, Scheme: "rtsp", Transport: "tcp"}}
	cfg.Server.WebPort = 9999

	path := filepath.Join(t.TempDir(), "saved.toml")
	if err := SaveConfig(cfg, path); err != nil {
		t.Fatalf("SaveConfig failed: %v", err)
	}

	loaded, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if loaded.Server.WebPort != 9999 {
		t.Errorf("WebPort = %d, want 9999", loaded.Server.WebPort)
	}
	if len(loaded.Cameras) != 1 || loaded.Cameras[0].Host != "cam" {
		t.Errorf("Cameras = %+v", loaded.Cameras)
	}
}

// TestInvalidConfigFile tests handling of malformed TOML
func TestInvalidConfigFile(t *testing.T) {
	path := writeConfig(t, "[server\nweb_port = ")

	if _, err := LoadConfig(path); err == nil {
		t.Error("Expected error for invalid TOML, got nil")
	}
}

// TestLoadConfigYAML tests the YAML form, including an http camera
func TestLoadConfigYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "netcam.yaml")
	err := os.WriteFile(path, []byte(`
cameras:
  - id: door
    host: 192.168.1.30
    path: /video.mjpg
    transport: http
netcam:
  read_timeout_ms: 3000
mqtt:
  enabled: true
  broker: tcp://broker.local:1883
  payload_format: msgpack
`), 0o644)
	if err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	if len(cfg.Cameras) != 1 {
		t.Fatalf("cameras = %d, want 1", len(cfg.Cameras))
	}
	door := cfg.Cameras[0]
	if door.Scheme != "http" || door.Port != 80 || door.Transport != "http" {
		t.Errorf("http camera defaults not applied: %+v", door)
	}
	if cfg.Netcam.ReadTimeout != 3000 {
		t.Errorf("ReadTimeout = %d, want 3000", cfg.Netcam.ReadTimeout)
	}
	if !cfg.MQTT.Enabled || cfg.MQTT.PayloadFormat != "msgpack" || cfg.MQTT.TopicPrefix != "netcam" {
		t.Errorf("MQTT = %+v", cfg.MQTT)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate failed: %v", err)
	}
}

func TestSaveConfigYAML(t *testing.T) {
	cfg := Default()
	cfg.Cameras = []CameraConfig{{ID: "door", Host: "cam", Port: 8080, Scheme: "http", Transport: "http"}}

	path := filepath.Join(t.TempDir(), "saved.yml")
	if err := SaveConfig(cfg, path); err != nil {
		t.Fatalf("SaveConfig failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if !strings.Contains(string(data), "transport: http") {
		t.Errorf("saved file is not YAML:\n%s", data)
	}

	loaded, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if len(loaded.Cameras) != 1 || loaded.Cameras[0].Port != 8080 {
		t.Errorf("Cameras = %+v", loaded.Cameras)
	}
}
