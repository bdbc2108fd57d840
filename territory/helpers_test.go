package territory

import (
	"context"
	"encoding/json"
	"math"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/paulmach/orb/geojson"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// metresPerDegree matches the earth radius used by orb/geo
const metresPerDegree = 6378137.0 * math.Pi / 180

var testOrigin = Coordinate{Lat: 40.0, Lon: -75.0}

// offset moves c north and east by the given metres
func offset(c Coordinate, north, east float64) Coordinate {
	return Coordinate{
		Lat: c.Lat + north/metresPerDegree,
		Lon: c.Lon + east/(metresPerDegree*math.Cos(c.Lat*math.Pi/180)),
	}
}

// circle returns n points evenly spaced on a circle of radius metres,
// starting due east of center. The start point is not repeated.
func circle(center Coordinate, radius float64, n int) []Coordinate {
	out := make([]Coordinate, n)
	for i := range n {
		theta := 2 * math.Pi * float64(i) / float64(n)
		out[i] = offset(center, radius*math.Sin(theta), radius*math.Cos(theta))
	}
	return out
}

// loopRoute walks a 24 point circle of radius 70 m and returns to the start,
// 25 coordinates in total. Adjacent points are ~18 m apart so only the
// final point closes the loop.
func loopRoute() []Coordinate {
	c := circle(testOrigin, 70, 24)
	return append(c, c[0])
}

// line returns n points heading north from start, step metres apart
func line(start Coordinate, step float64, n int) []Coordinate {
	out := make([]Coordinate, n)
	for i := range n {
		out[i] = offset(start, step*float64(i), 0)
	}
	return out
}

// fakeClock is a settable time source
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// mockService is a testify mock of Service
type mockService struct {
	mock.Mock
}

func (m *mockService) FetchTerritories(ctx context.Context) ([]*geojson.Feature, error) {
	args := m.Called(ctx)
	features, _ := args.Get(0).([]*geojson.Feature)
	return features, args.Error(1)
}

func (m *mockService) ClaimTerritory(ctx context.Context, ownerID string, activity ActivityType, polygon []Coordinate) (*geojson.Feature, error) {
	args := m.Called(ctx, ownerID, activity, polygon)
	f, _ := args.Get(0).(*geojson.Feature)
	return f, args.Error(1)
}

// eventRecorder collects store events for assertions
type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *eventRecorder) Handle(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *eventRecorder) Kinds() []EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	kinds := make([]EventKind, len(r.events))
	for i, ev := range r.events {
		kinds[i] = ev.Kind
	}
	return kinds
}

func (r *eventRecorder) Last() Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.events) == 0 {
		return Event{}
	}
	return r.events[len(r.events)-1]
}

// serverTerritory builds a confirmed territory around center
func serverTerritory(id, owner string, center Coordinate) Territory {
	ring := circle(center, 40, 12)
	ring = append(ring, ring[0])
	return Territory{
		ID:       id,
		OwnerID:  owner,
		Activity: ActivityRunning,
		Area:     Area(ring),
		Polygons: [][]Coordinate{ring},
	}
}

func writeJSONFile(t *testing.T, path string, v interface{}) {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0644))
}
