package territory

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/paulmach/orb/geojson"
)

// DefaultMinArea is the smallest claim, in m², the reference backend accepts
const DefaultMinArea = 100.0

// MemoryService is an in-process authoritative backend. It validates claims,
// computes their geodesic area and assigns server ids.
type MemoryService struct {
	mu          sync.RWMutex
	territories []Territory
	minArea     float64
}

// NewMemoryService creates an empty backend. minArea <= 0 selects DefaultMinArea.
func NewMemoryService(minArea float64) *MemoryService {
	if minArea <= 0 {
		minArea = DefaultMinArea
	}
	return &MemoryService{minArea: minArea}
}

// Seed adds existing territories, skipping ids already present
func (m *MemoryService) Seed(ts ...Territory) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range ts {
		if indexByID(m.territories, t.ID) < 0 {
			m.territories = append(m.territories, t.clone())
		}
	}
}

// Territories returns a copy of every stored territory
func (m *MemoryService) Territories() []Territory {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return cloneAll(m.territories)
}

// FetchTerritories implements Service
func (m *MemoryService) FetchTerritories(ctx context.Context) ([]*geojson.Feature, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	features := make([]*geojson.Feature, len(m.territories))
	for i, t := range m.territories {
		features[i] = TerritoryToFeature(t)
	}
	return features, nil
}

// ClaimTerritory implements Service
func (m *MemoryService) ClaimTerritory(ctx context.Context, ownerID string, activity ActivityType, polygon []Coordinate) (*geojson.Feature, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := m.validateClaim(ownerID, polygon); err != nil {
		return nil, err
	}

	t := Territory{
		ID:       uuid.NewString(),
		OwnerID:  ownerID,
		Activity: activity,
		Area:     Area(polygon),
		Polygons: [][]Coordinate{append([]Coordinate(nil), polygon...)},
	}
	if t.Area < m.minArea {
		return nil, fmt.Errorf("%w: area %.1f m² below minimum %.1f m²", ErrClaimRejected, t.Area, m.minArea)
	}

	m.mu.Lock()
	m.territories = append(m.territories, t)
	m.mu.Unlock()

	return TerritoryToFeature(t), nil
}

func (m *MemoryService) validateClaim(ownerID string, polygon []Coordinate) error {
	if ownerID == "" {
		return fmt.Errorf("%w: ownerId is required", ErrClaimRejected)
	}
	if len(polygon) < 4 {
		return fmt.Errorf("%w: polygon has %d points, need at least 4", ErrClaimRejected, len(polygon))
	}
	if !IsClosed(polygon) {
		return fmt.Errorf("%w: polygon is not closed", ErrClaimRejected)
	}
	for _, c := range polygon {
		if !ValidCoordinate(c) {
			return fmt.Errorf("%w: invalid coordinate %v", ErrClaimRejected, c)
		}
	}
	return nil
}
