package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"netcam-capture/netcam"
)

// Config represents the application configuration
type Config struct {
	Cameras  []CameraConfig `toml:"cameras" yaml:"cameras" json:"cameras"`
	Netcam   NetcamConfig   `toml:"netcam" yaml:"netcam" json:"netcam"`
	Server   ServerConfig   `toml:"server" yaml:"server" json:"server"`
	Logging  LoggingConfig  `toml:"logging" yaml:"logging" json:"logging"`
	Timeouts TimeoutConfig  `toml:"timeouts" yaml:"timeouts" json:"timeouts"`
	MQTT     MQTTConfig     `toml:"mqtt" yaml:"mqtt" json:"mqtt"`
}

// CameraConfig holds camera-specific settings
type CameraConfig struct {
	ID        string `toml:"id" yaml:"id" json:"id"`
	Host      string `toml:"host" yaml:"host" json:"host"`
	Port      int    `toml:"port" yaml:"port" json:"port"`
	Path      string `toml:"path" yaml:"path" json:"path"`
	Scheme    string `toml:"scheme" yaml:"scheme" json:"scheme"`
	Transport string `toml:"transport" yaml:"transport" json:"transport"`
	UserPass  string `toml:"userpass" yaml:"userpass" json:"-"`
	Width     int    `toml:"width" yaml:"width" json:"width"`
	Height    int    `toml:"height" yaml:"height" json:"height"`
}

// NetcamConfig holds settings shared by every camera connection
type NetcamConfig struct {
	UserPass               string `toml:"userpass" yaml:"userpass" json:"-"` // Overrides per-camera credentials
	ReconnectAfterFailures int    `toml:"reconnect_after_failures" yaml:"reconnect_after_failures" json:"reconnect_after_failures"`
	ReconnectDelay         int    `toml:"reconnect_delay_ms" yaml:"reconnect_delay_ms" json:"reconnect_delay_ms"`
	MaxReconnectDelay      int    `toml:"max_reconnect_delay_ms" yaml:"max_reconnect_delay_ms" json:"max_reconnect_delay_ms"`
	ReadTimeout            int    `toml:"read_timeout_ms" yaml:"read_timeout_ms" json:"read_timeout_ms"`
	StartTimeout           int    `toml:"start_timeout_ms" yaml:"start_timeout_ms" json:"start_timeout_ms"`
	GstLatency             int    `toml:"gst_latency_ms" yaml:"gst_latency_ms" json:"gst_latency_ms"`
	GstBinary              string `toml:"gst_binary" yaml:"gst_binary" json:"gst_binary"`
	JPEGQuality            int    `toml:"jpeg_quality" yaml:"jpeg_quality" json:"jpeg_quality"`
	MaxFrameSizeMB         int    `toml:"max_frame_size_mb" yaml:"max_frame_size_mb" json:"max_frame_size_mb"`
}

// ServerConfig holds web server settings
type ServerConfig struct {
	Enabled         bool     `toml:"enabled" yaml:"enabled" json:"enabled"`
	WebPort         int      `toml:"web_port" yaml:"web_port" json:"web_port"`
	BindIP          string   `toml:"bind_ip" yaml:"bind_ip" json:"bind_ip"`
	PublicHost      string   `toml:"public_host" yaml:"public_host" json:"public_host"` // Auto-detected if empty
	AllowedOrigins  []string `toml:"allowed_origins" yaml:"allowed_origins" json:"allowed_origins"`
	SnapshotQuality int      `toml:"snapshot_quality" yaml:"snapshot_quality" json:"snapshot_quality"`
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Level            string `toml:"level" yaml:"level" json:"level"`
	StatsLogInterval int    `toml:"stats_log_interval_seconds" yaml:"stats_log_interval_seconds" json:"stats_log_interval_seconds"`
	LogDir           string `toml:"log_dir" yaml:"log_dir" json:"log_dir"`
	MaxLogFiles      int    `toml:"max_log_files" yaml:"max_log_files" json:"max_log_files"`
}

// TimeoutConfig holds timeout and delay settings
type TimeoutConfig struct {
	ShutdownTimeout     int `toml:"shutdown_timeout_seconds" yaml:"shutdown_timeout_seconds" json:"shutdown_timeout_seconds"`
	HTTPShutdownTimeout int `toml:"http_shutdown_timeout_seconds" yaml:"http_shutdown_timeout_seconds" json:"http_shutdown_timeout_seconds"`
	WaitFrameTimeout    int `toml:"wait_frame_timeout_ms" yaml:"wait_frame_timeout_ms" json:"wait_frame_timeout_ms"`
}

// MQTTConfig holds status publishing settings
type MQTTConfig struct {
	Enabled         bool   `toml:"enabled" yaml:"enabled" json:"enabled"`
	Broker          string `toml:"broker" yaml:"broker" json:"broker"`
	ClientID        string `toml:"client_id" yaml:"client_id" json:"client_id"`
	Username        string `toml:"username" yaml:"username" json:"username"`
	Password        string `toml:"password" yaml:"password" json:"-"`
	TopicPrefix     string `toml:"topic_prefix" yaml:"topic_prefix" json:"topic_prefix"`
	QoS             int    `toml:"qos" yaml:"qos" json:"qos"`
	PublishInterval int    `toml:"publish_interval_seconds" yaml:"publish_interval_seconds" json:"publish_interval_seconds"`
	PayloadFormat   string `toml:"payload_format" yaml:"payload_format" json:"payload_format"` // json or msgpack
}

const (
	defaultRTSPPort = 554
	defaultHTTPPort = 80
	defaultScheme   = "rtsp"
)

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		Netcam: NetcamConfig{
			ReconnectAfterFailures: 3,
			ReconnectDelay:         1000,
			MaxReconnectDelay:      30000,
			ReadTimeout:            5000,
			StartTimeout:           10000,
			GstLatency:             200,
			GstBinary:              "gst-launch-1.0",
			JPEGQuality:            85,
			MaxFrameSizeMB:         4,
		},
		Server: ServerConfig{
			Enabled:         true,
			WebPort:         8080,
			BindIP:          "0.0.0.0",
			SnapshotQuality: 85,
		},
		Logging: LoggingConfig{
			Level:            "info",
			StatsLogInterval: 60,
			LogDir:           "logs",
			MaxLogFiles:      20,
		},
		Timeouts: TimeoutConfig{
			ShutdownTimeout:     30,
			HTTPShutdownTimeout: 5,
			WaitFrameTimeout:    5000,
		},
		MQTT: MQTTConfig{
			Enabled:         false,
			Broker:          "tcp://localhost:1883",
			ClientID:        "netcam-capture",
			TopicPrefix:     "netcam",
			QoS:             0,
			PublishInterval: 10,
			PayloadFormat:   "json",
		},
	}
}

// LoadConfig loads configuration from a TOML file
func LoadConfig(configPath string) (*Config, error) {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	config := Default()

	// Load from file if it exists
	if _, err := os.Stat(configPath); err == nil {
		if err := decodeFile(configPath, config); err != nil {
			return nil, fmt.Errorf("failed to decode config file: %w", err)
		}
		logger.Info("Config loaded from file", zap.String("path", configPath))
	} else {
		logger.Info("Config file not found, using defaults", zap.String("path", configPath))
	}

	config.applyCameraDefaults()

	// Auto-detect public host if not set
	if config.Server.PublicHost == "" {
		if ip := getLocalIP(); ip != "" {
			config.Server.PublicHost = ip
			logger.Info("Auto-detected public host", zap.String("ip", ip))
		} else {
			config.Server.PublicHost = "localhost"
			logger.Warn("Could not detect local IP, using localhost")
		}
	}

	return config, nil
}

func (c *Config) applyCameraDefaults() {
	for i := range c.Cameras {
		cam := &c.Cameras[i]
		if cam.ID == "" {
			cam.ID = fmt.Sprintf("camera%d", i+1)
		}
		if cam.Transport == "" {
			cam.Transport = string(netcam.TransportTCP)
		}

		isHTTP := strings.EqualFold(cam.Transport, string(netcam.TransportHTTP))
		if cam.Scheme == "" {
			cam.Scheme = defaultScheme
			if isHTTP {
				cam.Scheme = "http"
			}
		}
		if cam.Port == 0 {
			switch {
			case isHTTP:
				cam.Port = defaultHTTPPort
			case !strings.EqualFold(cam.Transport, string(netcam.TransportRTP)):
				cam.Port = defaultRTSPPort
			}
		}
	}
}

// Validate reports every configuration problem found.
func (c *Config) Validate() error {
	var errs []error

	if len(c.Cameras) == 0 {
		errs = append(errs, errors.New("no cameras configured"))
	}

	seen := make(map[string]bool, len(c.Cameras))
	for i, cam := range c.Cameras {
		name := cam.ID
		if name == "" {
			name = fmt.Sprintf("#%d", i+1)
		}
		if cam.Host == "" {
			errs = append(errs, fmt.Errorf("camera %s: host is required", name))
		}
		if _, err := netcam.ParseTransport(cam.Transport); err != nil {
			errs = append(errs, fmt.Errorf("camera %s: %w", name, err))
		}
		if cam.ID != "" {
			if seen[cam.ID] {
				errs = append(errs, fmt.Errorf("camera %s: duplicate id", name))
			}
			seen[cam.ID] = true
		}
	}

	if c.Netcam.ReconnectAfterFailures < 1 {
		errs = append(errs, fmt.Errorf("netcam: reconnect_after_failures must be at least 1, got %d", c.Netcam.ReconnectAfterFailures))
	}
	if c.Server.Enabled && (c.Server.WebPort <= 0 || c.Server.WebPort > 65535) {
		errs = append(errs, fmt.Errorf("server: invalid web_port %d", c.Server.WebPort))
	}
	if c.MQTT.Enabled {
		if c.MQTT.Broker == "" {
			errs = append(errs, errors.New("mqtt: broker is required"))
		}
		if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
			errs = append(errs, fmt.Errorf("mqtt: qos must be 0, 1 or 2, got %d", c.MQTT.QoS))
		}
		if c.MQTT.PayloadFormat != "json" && c.MQTT.PayloadFormat != "msgpack" {
			errs = append(errs, fmt.Errorf("mqtt: unknown payload_format %q", c.MQTT.PayloadFormat))
		}
	}

	return errors.Join(errs...)
}

// NetcamConfig converts the camera entry into a netcam session config. The
// global credential override applies when set.
func (cam CameraConfig) NetcamConfig(override string) (netcam.Config, error) {
	transport, err := netcam.ParseTransport(cam.Transport)
	if err != nil {
		return netcam.Config{}, err
	}
	return netcam.Config{
		ID:               cam.ID,
		Scheme:           cam.Scheme,
		Host:             cam.Host,
		Port:             cam.Port,
		Path:             cam.Path,
		Transport:        transport,
		UserPass:         cam.UserPass,
		UserPassOverride: override,
	}, nil
}

// Duration helpers.

func (n NetcamConfig) ReconnectDelayDuration() time.Duration {
	return time.Duration(n.ReconnectDelay) * time.Millisecond
}

func (n NetcamConfig) MaxReconnectDelayDuration() time.Duration {
	return time.Duration(n.MaxReconnectDelay) * time.Millisecond
}

func (n NetcamConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(n.ReadTimeout) * time.Millisecond
}

func (n NetcamConfig) StartTimeoutDuration() time.Duration {
	return time.Duration(n.StartTimeout) * time.Millisecond
}

func (n NetcamConfig) GstLatencyDuration() time.Duration {
	return time.Duration(n.GstLatency) * time.Millisecond
}

func (m MQTTConfig) PublishIntervalDuration() time.Duration {
	return time.Duration(m.PublishInterval) * time.Second
}

// getLocalIP attempts to determine the local IP address
func getLocalIP() string {
	// Try to connect to a remote address to determine local IP
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return ""
	}
	defer conn.Close()

	localAddr := conn.LocalAddr().(*net.UDPAddr)
	return localAddr.IP.String()
}

// SaveConfig saves the current configuration to a file
func SaveConfig(config *Config, configPath string) error {
	file, err := os.Create(configPath)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer file.Close()

	if isYAML(configPath) {
		encoder := yaml.NewEncoder(file)
		encoder.SetIndent(2)
		err = encoder.Encode(config)
		if err == nil {
			err = encoder.Close()
		}
	} else {
		err = toml.NewEncoder(file).Encode(config)
	}
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	return nil
}

// isYAML reports whether path names a YAML file. Everything else is TOML.
func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

func decodeFile(path string, config *Config) error {
	if !isYAML(path) {
		_, err := toml.DecodeFile(path, config)
		return err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, config)
}
