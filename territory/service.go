package territory

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
)

// ErrMalformedTerritory is returned when a remote record does not describe a
// usable territory
var ErrMalformedTerritory = errors.New("malformed territory")

// ErrClaimRejected is returned when the backend refuses a claim
var ErrClaimRejected = errors.New("claim rejected")

// Service is the network boundary to the authoritative territory backend.
// Territories travel as GeoJSON features with ownerId, activity and area
// properties.
type Service interface {
	// FetchTerritories returns every territory the backend knows about
	FetchTerritories(ctx context.Context) ([]*geojson.Feature, error)
	// ClaimTerritory submits a closed polygon and returns the stored territory
	ClaimTerritory(ctx context.Context, ownerID string, activity ActivityType, polygon []Coordinate) (*geojson.Feature, error)
}

// TerritoryToFeature converts a territory to its GeoJSON representation.
// A single ring becomes a Polygon, several become a MultiPolygon.
func TerritoryToFeature(t Territory) *geojson.Feature {
	var geom orb.Geometry
	if len(t.Polygons) == 1 {
		geom = orb.Polygon{toRing(t.Polygons[0])}
	} else {
		mp := make(orb.MultiPolygon, len(t.Polygons))
		for i, ring := range t.Polygons {
			mp[i] = orb.Polygon{toRing(ring)}
		}
		geom = mp
	}

	f := geojson.NewFeature(geom)
	f.ID = t.ID
	f.Properties["ownerId"] = t.OwnerID
	f.Properties["activity"] = string(t.Activity)
	f.Properties["area"] = t.Area
	if t.IsLocal() {
		f.Properties["pending"] = true
	}
	return f
}

// TerritoriesToFeatureCollection converts territories to a FeatureCollection
func TerritoriesToFeatureCollection(ts []Territory) *geojson.FeatureCollection {
	fc := geojson.NewFeatureCollection()
	for _, t := range ts {
		fc.Append(TerritoryToFeature(t))
	}
	return fc
}

// TerritoryFromFeature maps a remote record to a Territory. Only the outer
// ring of each polygon is kept; rings that are not exactly closed are closed.
func TerritoryFromFeature(f *geojson.Feature) (Territory, error) {
	if f == nil {
		return Territory{}, fmt.Errorf("%w: nil feature", ErrMalformedTerritory)
	}

	id := featureID(f.ID)
	if id == "" {
		return Territory{}, fmt.Errorf("%w: missing id", ErrMalformedTerritory)
	}

	var polys orb.MultiPolygon
	switch g := f.Geometry.(type) {
	case orb.Polygon:
		polys = orb.MultiPolygon{g}
	case orb.MultiPolygon:
		polys = g
	case nil:
		return Territory{}, fmt.Errorf("%w: %s has no geometry", ErrMalformedTerritory, id)
	default:
		return Territory{}, fmt.Errorf("%w: %s has geometry %s", ErrMalformedTerritory, id, g.GeoJSONType())
	}
	if len(polys) == 0 {
		return Territory{}, fmt.Errorf("%w: %s has no polygons", ErrMalformedTerritory, id)
	}

	rings := make([][]Coordinate, 0, len(polys))
	for _, poly := range polys {
		if len(poly) == 0 {
			return Territory{}, fmt.Errorf("%w: %s has an empty polygon", ErrMalformedTerritory, id)
		}
		ring := fromRing(poly[0])
		for _, c := range ring {
			if !ValidCoordinate(c) {
				return Territory{}, fmt.Errorf("%w: %s has invalid coordinate %v", ErrMalformedTerritory, id, c)
			}
		}
		if len(ring) > 0 && !IsClosed(ring) {
			ring = append(ring, ring[0])
		}
		if len(ring) < 4 {
			return Territory{}, fmt.Errorf("%w: %s ring has %d points", ErrMalformedTerritory, id, len(ring))
		}
		rings = append(rings, ring)
	}

	props := f.Properties
	return Territory{
		ID:       id,
		OwnerID:  props.MustString("ownerId", ""),
		Activity: ParseActivity(props.MustString("activity", "")),
		Area:     props.MustFloat64("area", 0),
		Polygons: rings,
	}, nil
}

// featureID normalises a GeoJSON id, which may decode as a string or number
func featureID(id interface{}) string {
	switch v := id.(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	}
	return ""
}
