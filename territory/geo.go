package territory

import (
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geo"
)

// Distance returns the haversine distance in metres between two coordinates
func Distance(a, b Coordinate) float64 {
	return geo.DistanceHaversine(a.Point(), b.Point())
}

// PathLength sums the consecutive-point distances of a polyline in metres
func PathLength(coords []Coordinate) float64 {
	if len(coords) < 2 {
		return 0
	}
	return geo.LengthHaversine(toLineString(coords))
}

// Simplify downsamples coords to roughly maxPoints by stride sampling on the
// original index, always keeping the true last point. If sampling would leave
// fewer than 3 points the input is returned unchanged.
func Simplify(coords []Coordinate, maxPoints int) []Coordinate {
	if maxPoints <= 0 {
		maxPoints = DefaultThresholds().MaxPolygonPoints
	}
	n := len(coords)
	if n == 0 {
		return coords
	}

	// ceil bounds the stride sample to maxPoints, so with the forced last
	// point the result never exceeds maxPoints+1.
	step := (n + maxPoints - 1) / maxPoints
	if step < 1 {
		step = 1
	}

	out := make([]Coordinate, 0, n/step+2)
	for i := 0; i < n; i += step {
		out = append(out, coords[i])
	}
	if (n-1)%step != 0 {
		out = append(out, coords[n-1])
	}

	if len(out) < 3 {
		return coords
	}
	return out
}

// EnsureClosedLoop returns a copy of coords whose last point equals the first.
// A last point within snapDistance metres of the first is replaced by it;
// otherwise the first point is appended. Fewer than 3 points are returned as
// an unmodified copy.
func EnsureClosedLoop(coords []Coordinate, snapDistance float64) []Coordinate {
	out := append([]Coordinate(nil), coords...)
	if len(out) < 3 {
		return out
	}
	first := out[0]
	last := out[len(out)-1]
	if Distance(first, last) <= snapDistance {
		out[len(out)-1] = first
	} else {
		out = append(out, first)
	}
	return out
}

// IsClosed reports whether a ring's first and last points are identical
func IsClosed(ring []Coordinate) bool {
	return len(ring) > 0 && ring[0] == ring[len(ring)-1]
}

// Area returns the geodesic area of a ring in square metres
func Area(ring []Coordinate) float64 {
	if len(ring) < 3 {
		return 0
	}
	return math.Abs(geo.Area(toRing(ring)))
}

// ValidCoordinate reports whether c is a finite, in-range WGS84 position
func ValidCoordinate(c Coordinate) bool {
	if math.IsNaN(c.Lat) || math.IsNaN(c.Lon) || math.IsInf(c.Lat, 0) || math.IsInf(c.Lon, 0) {
		return false
	}
	return c.Lat >= -90 && c.Lat <= 90 && c.Lon >= -180 && c.Lon <= 180
}

func toLineString(coords []Coordinate) orb.LineString {
	ls := make(orb.LineString, len(coords))
	for i, c := range coords {
		ls[i] = c.Point()
	}
	return ls
}

func toRing(coords []Coordinate) orb.Ring {
	r := make(orb.Ring, len(coords))
	for i, c := range coords {
		r[i] = c.Point()
	}
	return r
}

func fromRing(r orb.Ring) []Coordinate {
	out := make([]Coordinate, len(r))
	for i, p := range r {
		out[i] = CoordinateFromPoint(p)
	}
	return out
}
