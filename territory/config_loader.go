package territory

import (
	"fmt"
	"net/url"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// LoadConfig loads the configuration from a YAML file
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", path)
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// Validate checks field ranges; empty sections are allowed
func (c *Config) Validate() error {
	if c.Service.BaseURL != "" {
		u, err := url.Parse(c.Service.BaseURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("service.baseUrl must be an http(s) URL: %q", c.Service.BaseURL)
		}
	}
	if c.Service.MaxRetries < 0 {
		return fmt.Errorf("service.maxRetries must not be negative")
	}
	if c.Service.Timeout < 0 || c.Service.ClaimTimeout < 0 {
		return fmt.Errorf("service timeouts must not be negative")
	}
	if c.HTTP.Port < 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("http.port out of range: %d", c.HTTP.Port)
	}

	th := c.Capture
	if th.MinCoordinates < 0 || th.RecentBuffer < 0 || th.MinLoopPoints < 0 ||
		th.FallbackMinPoints < 0 || th.MaxPolygonPoints < 0 {
		return fmt.Errorf("capture point counts must not be negative")
	}
	if th.ClosureDistance < 0 || th.MinLoopLength < 0 || th.FallbackDistance < 0 || th.SnapCloseDistance < 0 {
		return fmt.Errorf("capture distances must not be negative")
	}
	if th.Debounce < 0 {
		return fmt.Errorf("capture.debounce must not be negative")
	}
	return nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(path string, config *Config) error {
	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("marshaling config YAML: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	return nil
}

// NewServiceFromConfig builds the territory backend client. An empty
// service.baseUrl selects an in-process MemoryService.
func NewServiceFromConfig(config *Config) (Service, error) {
	if config == nil || config.Service.BaseURL == "" {
		minArea := 0.0
		if config != nil {
			minArea = config.Service.MinArea
		}
		return NewMemoryService(minArea), nil
	}
	svc, err := NewHTTPService(config.Service.BaseURL,
		WithTimeout(config.Service.Timeout),
		WithMaxRetries(config.Service.MaxRetries),
	)
	if err != nil {
		return nil, err
	}
	return svc, nil
}

// StoreOptions returns the store options implied by the config
func (c *Config) StoreOptions() []StoreOption {
	claimTimeout := c.Service.ClaimTimeout
	if claimTimeout == 0 {
		claimTimeout = 30 * time.Second
	}
	return []StoreOption{
		WithThresholds(c.Capture),
		WithClaimTimeout(claimTimeout),
	}
}
