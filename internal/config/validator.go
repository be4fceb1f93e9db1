package config

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

var (
	instanceIDPattern = regexp.MustCompile(`^[a-z0-9\-]+$`)
	groupNamePattern  = regexp.MustCompile(`^[a-zA-Z0-9_\-]+$`)
)

// Validate checks the configuration and fills in defaults
func Validate(cfg *Config) error {
	if cfg.InstanceID == "" {
		return fmt.Errorf("instance_id is required")
	}
	if !instanceIDPattern.MatchString(cfg.InstanceID) {
		return fmt.Errorf("instance_id must match pattern [a-z0-9-]+")
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 5 * time.Second
	}

	if err := validateGroups(cfg.Groups); err != nil {
		return err
	}

	// Capture
	if cfg.Capture.Width == 0 {
		cfg.Capture.Width = 1920
	}
	if cfg.Capture.Height == 0 {
		cfg.Capture.Height = 1080
	}
	if cfg.Capture.Width < 0 || cfg.Capture.Height < 0 {
		return fmt.Errorf("capture.width and capture.height must be > 0")
	}
	if cfg.Capture.QueueDepth <= 0 {
		cfg.Capture.QueueDepth = 10
	}
	if cfg.Capture.OutputBuffer <= 0 {
		cfg.Capture.OutputBuffer = 10
	}
	if cfg.Capture.ReconnectAttempts <= 0 {
		cfg.Capture.ReconnectAttempts = 5
	}
	if cfg.Capture.ReconnectDelay <= 0 {
		cfg.Capture.ReconnectDelay = time.Second
	}
	if cfg.Capture.ReconnectMaxDelay <= 0 {
		cfg.Capture.ReconnectMaxDelay = 30 * time.Second
	}
	if cfg.Capture.SyntheticFPS <= 0 {
		cfg.Capture.SyntheticFPS = 10
	}

	// Batch
	if cfg.Batch.Window <= 0 {
		cfg.Batch.Window = 33 * time.Millisecond
	}
	if cfg.Batch.Depth == 0 {
		cfg.Batch.Depth = 4
	}
	if cfg.Batch.Depth < 1 || cfg.Batch.Depth > 10 {
		return fmt.Errorf("batch.depth must be between 1 and 10, got %d", cfg.Batch.Depth)
	}

	// Detection
	if cfg.Detection.Timeout <= 0 {
		cfg.Detection.Timeout = 5 * time.Second
	}
	if cfg.Detection.TargetClass < 0 {
		return fmt.Errorf("detection.target_class must be >= 0")
	}
	if cfg.Detection.Bias == 0 {
		cfg.Detection.Bias = 0.6
	}
	if cfg.Detection.Bias < 0 || cfg.Detection.Bias > 1 {
		return fmt.Errorf("detection.bias must be in (0, 1], got %v", cfg.Detection.Bias)
	}

	if cfg.Throttle.Interval <= 0 {
		cfg.Throttle.Interval = 2 * time.Minute
	}

	validateAlert(&cfg.Alert)

	// Token
	if cfg.Token.ClientIDEnv == "" {
		cfg.Token.ClientIDEnv = "TOKEN_CLIENT_ID"
	}
	if cfg.Token.ClientSecretEnv == "" {
		cfg.Token.ClientSecretEnv = "TOKEN_CLIENT_SECRET"
	}
	if cfg.Token.StaticEnv == "" {
		cfg.Token.StaticEnv = "API_TOKEN"
	}

	// Record
	if cfg.Record.Dir == "" {
		cfg.Record.Dir = "out"
	}
	if cfg.Record.Quality == 0 {
		cfg.Record.Quality = 95
	}
	if cfg.Record.Quality < 1 || cfg.Record.Quality > 100 {
		return fmt.Errorf("record.quality must be between 1 and 100, got %d", cfg.Record.Quality)
	}

	// MQTT is optional; topics default under the instance id
	if cfg.MQTT.Broker != "" {
		if cfg.MQTT.QoS > 2 {
			return fmt.Errorf("mqtt.qos must be 0, 1 or 2")
		}
		if cfg.MQTT.Topics.Alerts == "" {
			cfg.MQTT.Topics.Alerts = fmt.Sprintf("care/edge/%s/alerts", cfg.InstanceID)
		}
		if cfg.MQTT.Topics.Health == "" {
			cfg.MQTT.Topics.Health = fmt.Sprintf("care/edge/%s/health", cfg.InstanceID)
		}
		if cfg.MQTT.HealthInterval <= 0 {
			cfg.MQTT.HealthInterval = 30 * time.Second
		}
	}

	if cfg.Supervisor.RestartDelay <= 0 {
		cfg.Supervisor.RestartDelay = 5 * time.Second
	}
	if cfg.Supervisor.MaxRestartDelay < cfg.Supervisor.RestartDelay {
		cfg.Supervisor.MaxRestartDelay = cfg.Supervisor.RestartDelay
	}

	return nil
}

func validateGroups(groups []GroupConfig) error {
	if len(groups) == 0 {
		return fmt.Errorf("at least one camera group is required")
	}

	names := make(map[string]bool, len(groups))
	ids := make(map[int]string)
	for i, g := range groups {
		if g.Name == "" {
			return fmt.Errorf("groups[%d]: name is required", i)
		}
		if !groupNamePattern.MatchString(g.Name) {
			return fmt.Errorf("group '%s': name must match [a-zA-Z0-9_-]+", g.Name)
		}
		if names[g.Name] {
			return fmt.Errorf("group '%s': duplicate name", g.Name)
		}
		names[g.Name] = true

		if len(g.Cameras) == 0 {
			return fmt.Errorf("group '%s': at least one camera is required", g.Name)
		}
		for id, uri := range g.Cameras {
			if id < 0 {
				return fmt.Errorf("group '%s': camera id %d must be >= 0", g.Name, id)
			}
			if strings.TrimSpace(uri) == "" {
				return fmt.Errorf("group '%s': camera %d has an empty uri", g.Name, id)
			}
			// Throttle and FPS state are keyed by source id across groups
			if other, dup := ids[id]; dup {
				return fmt.Errorf("camera id %d is used by groups '%s' and '%s'", id, other, g.Name)
			}
			ids[id] = g.Name
		}
	}
	return nil
}

func validateAlert(a *AlertConfig) {
	if a.EndpointEnv == "" {
		a.EndpointEnv = "URL_INFERENCE"
	}
	if a.ClientID == 0 {
		a.ClientID = 1
	}
	if a.MaxRetries <= 0 {
		a.MaxRetries = 3
	}
	if a.RetryDelay <= 0 {
		a.RetryDelay = 500 * time.Millisecond
	}
	if a.RequestTimeout <= 0 {
		a.RequestTimeout = 10 * time.Second
	}
	if a.QueueSize <= 0 {
		a.QueueSize = 16
	}
	if a.Workers <= 0 {
		a.Workers = 2
	}
	// 0 takes the default; a negative rate disables the limiter
	switch {
	case a.RatePerSecond == 0:
		a.RatePerSecond = 2
	case a.RatePerSecond < 0:
		a.RatePerSecond = 0
	}
	if a.Burst <= 0 {
		a.Burst = 4
	}
}
