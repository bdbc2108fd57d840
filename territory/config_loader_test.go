package territory

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadConfig(t *testing.T) {
	path := writeConfig(t, `
mqtt:
  broker: "mqtt://broker:1883"
  clientId: "capture-1"
  topicPrefix: "runs/track"
  publishPrefix: "runs"
service:
  baseUrl: "https://territories.example.com"
  timeout: 5s
  maxRetries: 4
  claimTimeout: 20s
capture:
  closureDistance: 20
  debounce: 15s
  maxPolygonPoints: 100
http:
  port: 9090
  serveBackend: true
`)

	config, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "mqtt://broker:1883", config.MQTT.Broker)
	assert.Equal(t, "capture-1", config.MQTT.ClientID)
	assert.Equal(t, "runs/track", config.GetTopicPrefix())
	assert.Equal(t, "runs", config.GetPublishPrefix())

	assert.Equal(t, "https://territories.example.com", config.Service.BaseURL)
	assert.Equal(t, 5*time.Second, config.Service.Timeout)
	assert.Equal(t, 4, config.Service.MaxRetries)
	assert.Equal(t, 20*time.Second, config.Service.ClaimTimeout)

	assert.Equal(t, 20.0, config.Capture.ClosureDistance)
	assert.Equal(t, 15*time.Second, config.Capture.Debounce)
	assert.Equal(t, 100, config.Capture.MaxPolygonPoints)
	assert.Zero(t, config.Capture.MinCoordinates, "unset thresholds stay zero until applied")

	assert.Equal(t, 9090, config.HTTP.Port)
	assert.True(t, config.HTTP.ServeBackend)
}

func TestLoadConfig_Errors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{name: "invalid yaml", content: "mqtt: [", wantErr: "parsing config YAML"},
		{name: "bad base url", content: "service:\n  baseUrl: ftp://x\n", wantErr: "service.baseUrl"},
		{name: "negative retries", content: "service:\n  maxRetries: -1\n", wantErr: "maxRetries"},
		{name: "port out of range", content: "http:\n  port: 70000\n", wantErr: "http.port"},
		{name: "negative distance", content: "capture:\n  closureDistance: -5\n", wantErr: "distances"},
		{name: "negative count", content: "capture:\n  recentBuffer: -1\n", wantErr: "point counts"},
		{name: "negative debounce", content: "capture:\n  debounce: -1s\n", wantErr: "debounce"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadConfig(writeConfig(t, tt.content))
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestLoadConfig_NotFound(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorContains(t, err, "config file not found")
}

func TestSaveConfig_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	config := &Config{
		MQTT:    MQTTConfig{Broker: "mqtt://localhost:1883"},
		Capture: Thresholds{Debounce: 30 * time.Second, MinLoopLength: 80},
		HTTP:    HTTPConfig{Port: 8081},
	}

	require.NoError(t, SaveConfig(path, config))
	loaded, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, config, loaded)
}

func TestConfigDefaults(t *testing.T) {
	config := &Config{}
	assert.Equal(t, "loopcapture/track", config.GetTopicPrefix())
	assert.Equal(t, "loopcapture", config.GetPublishPrefix())
}

func TestNewServiceFromConfig(t *testing.T) {
	svc, err := NewServiceFromConfig(&Config{Service: ServiceConfig{MinArea: 500}})
	require.NoError(t, err)
	mem, ok := svc.(*MemoryService)
	require.True(t, ok)
	assert.Equal(t, 500.0, mem.minArea)

	svc, err = NewServiceFromConfig(nil)
	require.NoError(t, err)
	assert.IsType(t, &MemoryService{}, svc)

	svc, err = NewServiceFromConfig(&Config{Service: ServiceConfig{
		BaseURL:    "http://localhost:8080",
		Timeout:    2 * time.Second,
		MaxRetries: 5,
	}})
	require.NoError(t, err)
	httpSvc, ok := svc.(*HTTPService)
	require.True(t, ok)
	assert.Equal(t, 2*time.Second, httpSvc.cfg.timeout)
	assert.Equal(t, 5, httpSvc.cfg.maxRetries)
}

func TestConfig_StoreOptions(t *testing.T) {
	config := &Config{Capture: Thresholds{Debounce: time.Minute}}
	s := NewStore(nil, config.StoreOptions()...)

	assert.Equal(t, time.Minute, s.thresholds.Debounce)
	assert.Equal(t, DefaultThresholds().ClosureDistance, s.thresholds.ClosureDistance)
	assert.Equal(t, 30*time.Second, s.claimTimeout)

	config.Service.ClaimTimeout = 5 * time.Second
	s = NewStore(nil, config.StoreOptions()...)
	assert.Equal(t, 5*time.Second, s.claimTimeout)
}

func TestParseActivity(t *testing.T) {
	tests := []struct {
		in       string
		want     ActivityType
		eligible bool
	}{
		{"running", ActivityRunning, true},
		{"Running", ActivityRunning, true},
		{" GOLF ", ActivityGolf, true},
		{"hiking", ActivityHiking, true},
		{"skiing", ActivitySkiing, true},
		{"walking", ActivityWalking, false},
		{"cycling", ActivityCycling, false},
		{"yoga", ActivityYoga, false},
		{"", ActivityUnknown, false},
		{"parkour", ActivityUnknown, false},
	}

	for _, tt := range tests {
		got := ParseActivity(tt.in)
		assert.Equal(t, tt.want, got, "ParseActivity(%q)", tt.in)
		assert.Equal(t, tt.eligible, got.Eligible(), "%q eligible", tt.in)
	}
}
