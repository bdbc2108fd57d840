package territory

import (
	"fmt"
	"os"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
)

// LoadRoute reads a recorded activity from a GeoJSON file. The file may hold
// a LineString Feature, a FeatureCollection whose first LineString feature is
// used, or a bare LineString geometry. An optional "times" property of unix
// milliseconds per vertex timestamps the fixes; otherwise fixes are spaced
// one second apart starting at start.
func LoadRoute(path string, start time.Time) ([]Fix, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading route file: %w", err)
	}
	return ParseRoute(data, start)
}

// ParseRoute decodes a route from GeoJSON bytes; see LoadRoute
func ParseRoute(data []byte, start time.Time) ([]Fix, error) {
	var (
		line  orb.LineString
		props geojson.Properties
	)

	if fc, err := geojson.UnmarshalFeatureCollection(data); err == nil && fc.Type == "FeatureCollection" {
		for _, f := range fc.Features {
			if ls, ok := f.Geometry.(orb.LineString); ok {
				line, props = ls, f.Properties
				break
			}
		}
	} else if f, err := geojson.UnmarshalFeature(data); err == nil && f.Type == "Feature" {
		ls, ok := f.Geometry.(orb.LineString)
		if !ok {
			return nil, fmt.Errorf("parsing route: feature geometry is not a LineString")
		}
		line, props = ls, f.Properties
	} else if g, err := geojson.UnmarshalGeometry(data); err == nil {
		ls, ok := g.Geometry().(orb.LineString)
		if !ok {
			return nil, fmt.Errorf("parsing route: geometry is not a LineString")
		}
		line = ls
	} else {
		return nil, fmt.Errorf("parsing route: %w", err)
	}

	if len(line) == 0 {
		return nil, fmt.Errorf("parsing route: no LineString found")
	}

	times := routeTimes(props, len(line))
	fixes := make([]Fix, len(line))
	for i, p := range line {
		fixes[i] = Fix{Coordinate: CoordinateFromPoint(p)}
		if times != nil {
			fixes[i].Time = time.UnixMilli(times[i])
		} else {
			fixes[i].Time = start.Add(time.Duration(i) * time.Second)
		}
	}
	return fixes, nil
}

// routeTimes extracts the per-vertex timestamps, or nil if absent or mismatched
func routeTimes(props geojson.Properties, n int) []int64 {
	raw, ok := props["times"].([]interface{})
	if !ok || len(raw) != n {
		return nil
	}
	times := make([]int64, n)
	for i, v := range raw {
		f, ok := v.(float64)
		if !ok {
			return nil
		}
		times[i] = int64(f)
	}
	return times
}

// WriteFeatureCollection writes territories as GeoJSON to path
func WriteFeatureCollection(path string, ts []Territory) error {
	data, err := TerritoriesToFeatureCollection(ts).MarshalJSON()
	if err != nil {
		return fmt.Errorf("marshal territories: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write territories: %w", err)
	}
	return nil
}
