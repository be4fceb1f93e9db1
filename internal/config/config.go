package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the complete edge-guard configuration. Structure comes from YAML;
// secrets and the alert endpoint come from the environment.
type Config struct {
	InstanceID      string           `yaml:"instance_id"`
	ShutdownTimeout time.Duration    `yaml:"shutdown_timeout"`
	Groups          []GroupConfig    `yaml:"groups"`
	Capture         CaptureConfig    `yaml:"capture"`
	Batch           BatchConfig      `yaml:"batch"`
	Detection       DetectionConfig  `yaml:"detection"`
	Throttle        ThrottleConfig   `yaml:"throttle"`
	Alert           AlertConfig      `yaml:"alert"`
	Token           TokenConfig      `yaml:"token"`
	Record          RecordConfig     `yaml:"record"`
	MQTT            MQTTConfig       `yaml:"mqtt"`
	Journal         JournalConfig    `yaml:"journal"`
	Status          StatusConfig     `yaml:"status"`
	Supervisor      SupervisorConfig `yaml:"supervisor"`
}

// GroupConfig is one camera group: source id → stream URI.
type GroupConfig struct {
	Name    string         `yaml:"name"`
	Cameras map[int]string `yaml:"cameras"`
}

// CaptureConfig contains decode settings shared by every source
type CaptureConfig struct {
	Width             int           `yaml:"width"`       // output scale (default 1920)
	Height            int           `yaml:"height"`      // output scale (default 1080)
	QueueDepth        int           `yaml:"queue_depth"` // leaky decode queue (default 10)
	OutputBuffer      int           `yaml:"output_buffer"`
	ReconnectAttempts int           `yaml:"reconnect_attempts"`
	ReconnectDelay    time.Duration `yaml:"reconnect_delay"`
	ReconnectMaxDelay time.Duration `yaml:"reconnect_max_delay"`
	SyntheticFPS      int           `yaml:"synthetic_fps"` // frame rate of synthetic:// sources
}

// BatchConfig contains aggregator settings
type BatchConfig struct {
	Window time.Duration `yaml:"window"`
	Depth  int           `yaml:"depth"` // per-source queue, 1-10
}

// DetectionConfig selects the detection engine. An empty command runs the
// static detector (no detections), useful for soak tests.
type DetectionConfig struct {
	Command     string        `yaml:"command"`
	Args        []string      `yaml:"args"`
	Timeout     time.Duration `yaml:"timeout"`
	TargetClass int           `yaml:"target_class"`
	Bias        float64       `yaml:"bias"`
}

// ThrottleConfig contains dedup settings
type ThrottleConfig struct {
	Interval time.Duration `yaml:"interval"`
}

// AlertConfig contains delivery settings
type AlertConfig struct {
	EndpointEnv    string        `yaml:"endpoint_env"`
	ClientID       int           `yaml:"client_id"`
	MaxRetries     int           `yaml:"max_retries"`
	RetryDelay     time.Duration `yaml:"retry_delay"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	QueueSize      int           `yaml:"queue_size"`
	Workers        int           `yaml:"workers"`
	RatePerSecond  float64       `yaml:"rate_per_second"` // outbound cap (default 2, negative disables)
	Burst          int           `yaml:"burst"`
}

// TokenConfig names the environment variables holding credentials.
// StaticEnv wins over client credentials when set.
type TokenConfig struct {
	URL             string `yaml:"url"`
	Scope           string `yaml:"scope"`
	ClientIDEnv     string `yaml:"client_id_env"`
	ClientSecretEnv string `yaml:"client_secret_env"`
	StaticEnv       string `yaml:"static_env"`
}

// RecordConfig contains local persistence settings
type RecordConfig struct {
	Enabled bool   `yaml:"enabled"`
	Dir     string `yaml:"dir"`
	Quality int    `yaml:"quality"` // JPEG quality 1-100
	Overlay *bool  `yaml:"overlay"` // draw boxes before saving/sending (default true)
}

// MQTTConfig contains broker settings. An empty broker disables the emitter.
type MQTTConfig struct {
	Broker         string        `yaml:"broker"`
	QoS            byte          `yaml:"qos"`
	HealthInterval time.Duration `yaml:"health_interval"`
	Topics         MQTTTopics    `yaml:"topics"`
}

// MQTTTopics contains topic prefixes
type MQTTTopics struct {
	Alerts string `yaml:"alerts"`
	Health string `yaml:"health"`
}

// JournalConfig contains the sqlite journal location. Empty disables it.
type JournalConfig struct {
	Path string `yaml:"path"`
}

// StatusConfig contains the status API address. Empty disables it.
type StatusConfig struct {
	Addr string `yaml:"addr"`
}

// SupervisorConfig contains restart settings
type SupervisorConfig struct {
	RestartDelay    time.Duration `yaml:"restart_delay"`
	MaxRestartDelay time.Duration `yaml:"max_restart_delay"`
}

// LoadEnv loads KEY=value pairs from path into the process environment
// without overriding variables already set. A missing file is not an error.
func LoadEnv(path string) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("failed to load env file %s: %w", path, err)
	}
	return nil
}

// Load reads, parses and validates a YAML configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates YAML configuration bytes.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// Endpoint returns the alert endpoint URL from the environment.
func (c *Config) Endpoint() string {
	return os.Getenv(c.Alert.EndpointEnv)
}

// Credentials resolves token credentials from the environment.
func (c *Config) Credentials() (static, clientID, clientSecret string) {
	return os.Getenv(c.Token.StaticEnv), os.Getenv(c.Token.ClientIDEnv), os.Getenv(c.Token.ClientSecretEnv)
}

// OverlayEnabled reports whether detections are drawn on alert frames.
func (c *Config) OverlayEnabled() bool {
	return c.Record.Overlay == nil || *c.Record.Overlay
}
