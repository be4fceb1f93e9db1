package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const minimal = `
instance_id: edge-01
groups:
  - name: lobby
    cameras:
      1: rtsp://10.0.0.11/stream
      2: rtsp://10.0.0.12/stream
`

func TestParseAppliesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(minimal))
	require.NoError(t, err)

	assert.Equal(t, "edge-01", cfg.InstanceID)
	require.Len(t, cfg.Groups, 1)
	assert.Equal(t, "rtsp://10.0.0.12/stream", cfg.Groups[0].Cameras[2])

	assert.Equal(t, 1920, cfg.Capture.Width)
	assert.Equal(t, 1080, cfg.Capture.Height)
	assert.Equal(t, 10, cfg.Capture.QueueDepth)
	assert.Equal(t, 33*time.Millisecond, cfg.Batch.Window)
	assert.Equal(t, 4, cfg.Batch.Depth)
	assert.Equal(t, 0, cfg.Detection.TargetClass)
	assert.Equal(t, 0.6, cfg.Detection.Bias)
	assert.Equal(t, 2*time.Minute, cfg.Throttle.Interval)
	assert.Equal(t, "URL_INFERENCE", cfg.Alert.EndpointEnv)
	assert.Equal(t, 3, cfg.Alert.MaxRetries)
	assert.Equal(t, 500*time.Millisecond, cfg.Alert.RetryDelay)
	assert.Equal(t, 1, cfg.Alert.ClientID)
	assert.Equal(t, 2.0, cfg.Alert.RatePerSecond)
	assert.Equal(t, 4, cfg.Alert.Burst)
	assert.Equal(t, "out", cfg.Record.Dir)
	assert.Equal(t, 95, cfg.Record.Quality)
	assert.True(t, cfg.OverlayEnabled())
	assert.Equal(t, 5*time.Second, cfg.Supervisor.RestartDelay)
	assert.Equal(t, 5*time.Second, cfg.ShutdownTimeout)
	assert.Empty(t, cfg.MQTT.Topics.Alerts, "mqtt disabled without a broker")
	t.Logf("✅ defaults applied for %d group(s)", len(cfg.Groups))
}

func TestParseOverrides(t *testing.T) {
	cfg, err := Parse([]byte(`
instance_id: edge-02
shutdown_timeout: 10s
groups:
  - name: dock
    cameras:
      7: synthetic://dock
batch:
  window: 50ms
  depth: 8
detection:
  command: python3
  args: ["-m", "detector"]
  target_class: 2
  bias: 0.45
throttle:
  interval: 30s
record:
  enabled: true
  overlay: false
mqtt:
  broker: 10.0.0.2:1883
  qos: 1
alert:
  rate_per_second: -1
`))
	require.NoError(t, err)

	assert.Equal(t, 10*time.Second, cfg.ShutdownTimeout)
	assert.Equal(t, 50*time.Millisecond, cfg.Batch.Window)
	assert.Equal(t, 8, cfg.Batch.Depth)
	assert.Equal(t, []string{"-m", "detector"}, cfg.Detection.Args)
	assert.Equal(t, 2, cfg.Detection.TargetClass)
	assert.Equal(t, 0.45, cfg.Detection.Bias)
	assert.Equal(t, 30*time.Second, cfg.Throttle.Interval)
	assert.False(t, cfg.OverlayEnabled())
	assert.Zero(t, cfg.Alert.RatePerSecond, "negative rate disables the limiter")
	assert.Equal(t, "care/edge/edge-02/alerts", cfg.MQTT.Topics.Alerts)
	assert.Equal(t, 30*time.Second, cfg.MQTT.HealthInterval)
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"missing instance", "groups: [{name: a, cameras: {1: x}}]", "instance_id is required"},
		{"bad instance", "instance_id: Edge_01\ngroups: [{name: a, cameras: {1: x}}]", "instance_id must match"},
		{"no groups", "instance_id: edge", "at least one camera group"},
		{"empty group", "instance_id: edge\ngroups: [{name: a}]", "at least one camera"},
		{"empty uri", "instance_id: edge\ngroups: [{name: a, cameras: {1: ''}}]", "empty uri"},
		{"duplicate group", "instance_id: edge\ngroups: [{name: a, cameras: {1: x}}, {name: a, cameras: {2: y}}]", "duplicate name"},
		{"shared camera id", "instance_id: edge\ngroups: [{name: a, cameras: {1: x}}, {name: b, cameras: {1: y}}]", "camera id 1"},
		{"depth too large", "instance_id: edge\ngroups: [{name: a, cameras: {1: x}}]\nbatch: {depth: 11}", "batch.depth"},
		{"bias above one", "instance_id: edge\ngroups: [{name: a, cameras: {1: x}}]\ndetection: {bias: 1.5}", "detection.bias"},
		{"bad quality", "instance_id: edge\ngroups: [{name: a, cameras: {1: x}}]\nrecord: {quality: 101}", "record.quality"},
		{"bad qos", "instance_id: edge\ngroups: [{name: a, cameras: {1: x}}]\nmqtt: {broker: 'b:1883', qos: 3}", "mqtt.qos"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
			t.Logf("✅ rejected: %v", err)
		})
	}
}

func TestLoadFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "edgeguard.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(minimal), 0o644))

	envPath := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(envPath, []byte("EDGEGUARD_TEST_URL=http://alerts.local/api\nEDGEGUARD_TEST_TOKEN=abc\n"), 0o644))
	t.Cleanup(func() {
		os.Unsetenv("EDGEGUARD_TEST_URL")
		os.Unsetenv("EDGEGUARD_TEST_TOKEN")
	})

	require.NoError(t, LoadEnv(envPath))
	require.NoError(t, LoadEnv(filepath.Join(dir, "missing.env")), "missing env file is tolerated")

	cfg, err := Load(cfgPath)
	require.NoError(t, err)

	cfg.Alert.EndpointEnv = "EDGEGUARD_TEST_URL"
	cfg.Token.StaticEnv = "EDGEGUARD_TEST_TOKEN"
	assert.Equal(t, "http://alerts.local/api", cfg.Endpoint())

	static, _, _ := cfg.Credentials()
	assert.Equal(t, "abc", static)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
