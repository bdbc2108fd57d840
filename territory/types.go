package territory

import (
	"strings"
	"time"

	"github.com/paulmach/orb"
)

// Coordinate is a geographic position in degrees
type Coordinate struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Point returns the coordinate as an orb point (lon, lat order)
func (c Coordinate) Point() orb.Point {
	return orb.Point{c.Lon, c.Lat}
}

// CoordinateFromPoint converts an orb point (lon, lat) to a Coordinate
func CoordinateFromPoint(p orb.Point) Coordinate {
	return Coordinate{Lat: p.Lat(), Lon: p.Lon()}
}

// Fix is a timestamped coordinate as delivered by a GPS source
type Fix struct {
	Coordinate
	Time time.Time `json:"time"`
}

// ActivityType tags the kind of tracked activity
type ActivityType string

const (
	ActivityRunning  ActivityType = "running"
	ActivityGolf     ActivityType = "golf"
	ActivityHiking   ActivityType = "hiking"
	ActivitySkiing   ActivityType = "skiing"
	ActivityWalking  ActivityType = "walking"
	ActivityCycling  ActivityType = "cycling"
	ActivitySwimming ActivityType = "swimming"
	ActivityGym      ActivityType = "gym"
	ActivityYoga     ActivityType = "yoga"
	ActivityUnknown  ActivityType = "unknown"
)

var knownActivities = map[ActivityType]bool{
	ActivityRunning:  true,
	ActivityGolf:     true,
	ActivityHiking:   true,
	ActivitySkiing:   true,
	ActivityWalking:  true,
	ActivityCycling:  true,
	ActivitySwimming: true,
	ActivityGym:      true,
	ActivityYoga:     true,
}

// ParseActivity maps a string to an ActivityType, case-insensitively.
// Unrecognised values map to ActivityUnknown.
func ParseActivity(s string) ActivityType {
	a := ActivityType(strings.ToLower(strings.TrimSpace(s)))
	if knownActivities[a] {
		return a
	}
	return ActivityUnknown
}

// Eligible reports whether the activity participates in territory capture
func (a ActivityType) Eligible() bool {
	switch a {
	case ActivityRunning, ActivityGolf, ActivityHiking, ActivitySkiing:
		return true
	}
	return false
}

// Territory is a captured region attributed to a user and activity.
// Area is only ever set from the authoritative backend; optimistic local
// entries carry zero.
type Territory struct {
	ID       string         `json:"id"`
	OwnerID  string         `json:"ownerId"`
	Activity ActivityType   `json:"activity"`
	Area     float64        `json:"area"`
	Polygons [][]Coordinate `json:"polygons"`
}

// IsLocal reports whether the territory is an unconfirmed optimistic entry
func (t Territory) IsLocal() bool {
	return strings.HasPrefix(t.ID, localIDPrefix)
}

// clone returns a deep copy so callers cannot mutate store-owned polygons
func (t Territory) clone() Territory {
	c := t
	if t.Polygons != nil {
		c.Polygons = make([][]Coordinate, len(t.Polygons))
		for i, ring := range t.Polygons {
			c.Polygons[i] = append([]Coordinate(nil), ring...)
		}
	}
	return c
}

// Thresholds holds the tunable constants of loop detection and capture
type Thresholds struct {
	MinCoordinates    int           `yaml:"minCoordinates,omitempty" json:"minCoordinates,omitempty"`       // scanner needs at least this many points
	RecentBuffer      int           `yaml:"recentBuffer,omitempty" json:"recentBuffer,omitempty"`           // latest points excluded as loop anchors
	ClosureDistance   float64       `yaml:"closureDistance,omitempty" json:"closureDistance,omitempty"`     // metres
	Debounce          time.Duration `yaml:"debounce,omitempty" json:"debounce,omitempty"`                   // minimum time between captures
	MinLoopPoints     int           `yaml:"minLoopPoints,omitempty" json:"minLoopPoints,omitempty"`         // points in a valid loop
	MinLoopLength     float64       `yaml:"minLoopLength,omitempty" json:"minLoopLength,omitempty"`         // metres, exclusive
	FallbackDistance  float64       `yaml:"fallbackDistance,omitempty" json:"fallbackDistance,omitempty"`   // metres, end-of-session start/end test
	FallbackMinPoints int           `yaml:"fallbackMinPoints,omitempty" json:"fallbackMinPoints,omitempty"` // points for the end-of-session test
	MaxPolygonPoints  int           `yaml:"maxPolygonPoints,omitempty" json:"maxPolygonPoints,omitempty"`   // simplify target
	SnapCloseDistance float64       `yaml:"snapCloseDistance,omitempty" json:"snapCloseDistance,omitempty"` // metres
}

// DefaultThresholds returns the production capture constants
func DefaultThresholds() Thresholds {
	return Thresholds{
		MinCoordinates:    21,
		RecentBuffer:      15,
		ClosureDistance:   15,
		Debounce:          10 * time.Second,
		MinLoopPoints:     10,
		MinLoopLength:     50,
		FallbackDistance:  25,
		FallbackMinPoints: 4,
		MaxPolygonPoints:  200,
		SnapCloseDistance: 5,
	}
}

// withDefaults fills zero fields from DefaultThresholds
func (t Thresholds) withDefaults() Thresholds {
	d := DefaultThresholds()
	if t.MinCoordinates <= 0 {
		t.MinCoordinates = d.MinCoordinates
	}
	if t.RecentBuffer <= 0 {
		t.RecentBuffer = d.RecentBuffer
	}
	if t.ClosureDistance <= 0 {
		t.ClosureDistance = d.ClosureDistance
	}
	if t.Debounce <= 0 {
		t.Debounce = d.Debounce
	}
	if t.MinLoopPoints <= 0 {
		t.MinLoopPoints = d.MinLoopPoints
	}
	if t.MinLoopLength <= 0 {
		t.MinLoopLength = d.MinLoopLength
	}
	if t.FallbackDistance <= 0 {
		t.FallbackDistance = d.FallbackDistance
	}
	if t.FallbackMinPoints <= 0 {
		t.FallbackMinPoints = d.FallbackMinPoints
	}
	if t.MaxPolygonPoints <= 0 {
		t.MaxPolygonPoints = d.MaxPolygonPoints
	}
	if t.SnapCloseDistance <= 0 {
		t.SnapCloseDistance = d.SnapCloseDistance
	}
	return t
}

// MQTTConfig holds MQTT connection settings
type MQTTConfig struct {
	Broker        string `yaml:"broker" json:"broker"`
	ClientID      string `yaml:"clientId" json:"clientId"`
	Username      string `yaml:"username,omitempty" json:"username,omitempty"`
	Password      string `yaml:"password,omitempty" json:"password,omitempty"`
	TopicPrefix   string `yaml:"topicPrefix,omitempty" json:"topicPrefix,omitempty"`     // ingest: {prefix}/{user}/fix
	PublishPrefix string `yaml:"publishPrefix,omitempty" json:"publishPrefix,omitempty"` // events: {prefix}/{user}/events
}

// ServiceConfig points at the authoritative territory backend.
// An empty BaseURL selects the in-process MemoryService.
type ServiceConfig struct {
	BaseURL      string        `yaml:"baseUrl,omitempty" json:"baseUrl,omitempty"`
	Timeout      time.Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	MaxRetries   int           `yaml:"maxRetries,omitempty" json:"maxRetries,omitempty"`
	ClaimTimeout time.Duration `yaml:"claimTimeout,omitempty" json:"claimTimeout,omitempty"`
	MinArea      float64       `yaml:"minArea,omitempty" json:"minArea,omitempty"` // m², MemoryService only
}

// HTTPConfig configures the HTTP surface
type HTTPConfig struct {
	Port         int  `yaml:"port,omitempty" json:"port,omitempty"`
	ServeBackend bool `yaml:"serveBackend,omitempty" json:"serveBackend,omitempty"`
}

// Config represents the full configuration file
type Config struct {
	MQTT    MQTTConfig    `yaml:"mqtt" json:"mqtt"`
	Service ServiceConfig `yaml:"service" json:"service"`
	Capture Thresholds    `yaml:"capture" json:"capture"`
	HTTP    HTTPConfig    `yaml:"http" json:"http"`
}

// GetTopicPrefix returns the ingest topic prefix or its default
func (c *Config) GetTopicPrefix() string {
	if c.MQTT.TopicPrefix != "" {
		return c.MQTT.TopicPrefix
	}
	return "loopcapture/track"
}

// GetPublishPrefix returns the event topic prefix or its default
func (c *Config) GetPublishPrefix() string {
	if c.MQTT.PublishPrefix != "" {
		return c.MQTT.PublishPrefix
	}
	return "loopcapture"
}
