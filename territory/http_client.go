package territory

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/paulmach/orb/geojson"
)

const (
	// DefaultFetchTimeout is the default HTTP request timeout.
	DefaultFetchTimeout = 30 * time.Second

	// DefaultMaxRetries is the default number of fetch attempts.
	DefaultMaxRetries = 3

	// defaultBaseBackoff is the base delay for exponential backoff.
	defaultBaseBackoff = 500 * time.Millisecond

	// maxResponseBytes limits the response body to 50 MB to prevent OOM.
	maxResponseBytes = 50 << 20

	territoriesPath = "/api/territories"
)

// ErrEmptyBaseURL is returned when no backend URL is configured
var ErrEmptyBaseURL = errors.New("territory service: base URL is empty")

// ServiceOption configures an HTTPService.
type ServiceOption func(*serviceConfig)

type serviceConfig struct {
	timeout     time.Duration
	maxRetries  int
	baseBackoff time.Duration
	client      *http.Client
}

func defaultServiceConfig() serviceConfig {
	return serviceConfig{
		timeout:     DefaultFetchTimeout,
		maxRetries:  DefaultMaxRetries,
		baseBackoff: defaultBaseBackoff,
	}
}

// WithTimeout sets the HTTP request timeout.
func WithTimeout(d time.Duration) ServiceOption {
	return func(c *serviceConfig) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithMaxRetries sets the maximum number of fetch attempts.
func WithMaxRetries(n int) ServiceOption {
	return func(c *serviceConfig) {
		if n > 0 {
			c.maxRetries = n
		}
	}
}

// WithBaseBackoff sets the base delay for exponential backoff between retries.
func WithBaseBackoff(d time.Duration) ServiceOption {
	return func(c *serviceConfig) {
		c.baseBackoff = d
	}
}

// WithHTTPClient overrides the default HTTP client (useful for testing).
func WithHTTPClient(client *http.Client) ServiceOption {
	return func(c *serviceConfig) {
		c.client = client
	}
}

// HTTPService talks to a REST territory backend
type HTTPService struct {
	baseURL string
	cfg     serviceConfig
	client  *http.Client
}

// NewHTTPService creates a client for the backend at baseURL,
// e.g. "https://api.example.com".
func NewHTTPService(baseURL string, opts ...ServiceOption) (*HTTPService, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, ErrEmptyBaseURL
	}

	cfg := defaultServiceConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	client := cfg.client
	if client == nil {
		client = &http.Client{Timeout: cfg.timeout}
	}

	return &HTTPService{baseURL: baseURL, cfg: cfg, client: client}, nil
}

// ClaimRequest is the body of a claim POST. Coordinates are [lon, lat].
type ClaimRequest struct {
	OwnerID     string       `json:"ownerId"`
	Activity    ActivityType `json:"activity"`
	Coordinates [][2]float64 `json:"coordinates"`
}

// ErrorResponse is the error body returned by the backend
type ErrorResponse struct {
	Error string `json:"error"`
}

// FetchTerritories downloads the full territory set, retrying transient
// failures with exponential backoff. Individual features that cannot be
// decoded are skipped.
func (s *HTTPService) FetchTerritories(ctx context.Context) ([]*geojson.Feature, error) {
	url := s.baseURL + territoriesPath

	var lastErr error
	for attempt := range s.cfg.maxRetries {
		if attempt > 0 {
			backoff := s.cfg.baseBackoff * time.Duration(math.Pow(2, float64(attempt-1)))
			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("fetch territories: %w", ctx.Err())
			case <-time.After(backoff):
			}
		}

		body, err := s.do(ctx, http.MethodGet, url, nil)
		if err != nil {
			lastErr = err
			continue
		}

		features, err := decodeFeatures(body)
		if err != nil {
			// Parse errors are not transient; do not retry.
			return nil, fmt.Errorf("fetch territories: %w", err)
		}
		return features, nil
	}

	return nil, fmt.Errorf("fetch territories: all %d attempts failed: %w", s.cfg.maxRetries, lastErr)
}

// ClaimTerritory posts a claim once. It is never retried so that a claim is
// submitted at most once.
func (s *HTTPService) ClaimTerritory(ctx context.Context, ownerID string, activity ActivityType, polygon []Coordinate) (*geojson.Feature, error) {
	req := ClaimRequest{
		OwnerID:     ownerID,
		Activity:    activity,
		Coordinates: make([][2]float64, len(polygon)),
	}
	for i, c := range polygon {
		req.Coordinates[i] = [2]float64{c.Lon, c.Lat}
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshaling claim: %w", err)
	}

	body, err := s.do(ctx, http.MethodPost, s.baseURL+territoriesPath, payload)
	if err != nil {
		return nil, err
	}

	f, err := geojson.UnmarshalFeature(body)
	if err != nil {
		return nil, fmt.Errorf("parsing claim response: %w", err)
	}
	return f, nil
}

// do performs a single request and returns the response body bytes.
func (s *HTTPService) do(ctx context.Context, method, url string, payload []byte) ([]byte, error) {
	var reqBody io.Reader
	if payload != nil {
		reqBody = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reqBody)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/geo+json, application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTP %s %s: %w", method, url, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("reading response from %s: %w", url, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := strings.TrimSpace(string(body))
		var er ErrorResponse
		if json.Unmarshal(body, &er) == nil && er.Error != "" {
			msg = er.Error
		}
		if resp.StatusCode == http.StatusUnprocessableEntity || resp.StatusCode == http.StatusConflict {
			return nil, fmt.Errorf("HTTP %s %s: %w: %s", method, url, ErrClaimRejected, msg)
		}
		return nil, fmt.Errorf("HTTP %s %s: status %d: %s", method, url, resp.StatusCode, msg)
	}

	return body, nil
}

// decodeFeatures parses a FeatureCollection feature by feature so one bad
// record does not discard the rest.
func decodeFeatures(body []byte) ([]*geojson.Feature, error) {
	var envelope struct {
		Type     string            `json:"type"`
		Features []json.RawMessage `json:"features"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("parsing JSON: %w", err)
	}
	if envelope.Type != "FeatureCollection" {
		return nil, fmt.Errorf("parsing JSON: expected FeatureCollection, got %q", envelope.Type)
	}

	features := make([]*geojson.Feature, 0, len(envelope.Features))
	for i, raw := range envelope.Features {
		f, err := geojson.UnmarshalFeature(raw)
		if err != nil {
			log.Printf("[territory] skipping undecodable feature %d: %v", i, err)
			continue
		}
		features = append(features, f)
	}
	return features, nil
}
