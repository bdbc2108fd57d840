package territory

import (
	"encoding/json"
	"testing"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTerritoryToFeature(t *testing.T) {
	terr := serverTerritory("srv-1", "alice", testOrigin)
	f := TerritoryToFeature(terr)

	assert.Equal(t, "srv-1", f.ID)
	poly, ok := f.Geometry.(orb.Polygon)
	require.True(t, ok, "single ring encodes as Polygon")
	assert.Len(t, poly[0], len(terr.Polygons[0]))
	assert.Equal(t, terr.Polygons[0][1].Lon, poly[0][1].Lon())

	assert.Equal(t, "alice", f.Properties.MustString("ownerId"))
	assert.Equal(t, "running", f.Properties.MustString("activity"))
	assert.InDelta(t, terr.Area, f.Properties.MustFloat64("area"), 1e-9)
	assert.NotContains(t, f.Properties, "pending")
}

func TestTerritoryToFeature_MultiPolygonAndPending(t *testing.T) {
	a := serverTerritory("x", "alice", testOrigin)
	b := serverTerritory("y", "alice", offset(testOrigin, 300, 0))
	terr := Territory{
		ID:       localIDPrefix + "abc",
		OwnerID:  "alice",
		Activity: ActivityGolf,
		Polygons: [][]Coordinate{a.Polygons[0], b.Polygons[0]},
	}

	f := TerritoryToFeature(terr)
	mp, ok := f.Geometry.(orb.MultiPolygon)
	require.True(t, ok)
	assert.Len(t, mp, 2)
	assert.Equal(t, true, f.Properties["pending"])
}

func TestTerritoryFromFeature_RoundTripJSON(t *testing.T) {
	terr := serverTerritory("srv-9", "bob", testOrigin)
	terr.Activity = ActivityHiking

	data, err := json.Marshal(TerritoryToFeature(terr))
	require.NoError(t, err)

	f, err := geojson.UnmarshalFeature(data)
	require.NoError(t, err)

	got, err := TerritoryFromFeature(f)
	require.NoError(t, err)
	assert.Equal(t, terr.ID, got.ID)
	assert.Equal(t, terr.OwnerID, got.OwnerID)
	assert.Equal(t, terr.Activity, got.Activity)
	assert.InDelta(t, terr.Area, got.Area, 1e-6)
	require.Len(t, got.Polygons, 1)
	assert.Len(t, got.Polygons[0], len(terr.Polygons[0]))
	assert.True(t, IsClosed(got.Polygons[0]))
}

func TestTerritoryFromFeature(t *testing.T) {
	ring := orb.Ring{{-75, 40}, {-75, 40.001}, {-74.999, 40.001}, {-75, 40}}
	open := orb.Ring{{-75, 40}, {-75, 40.001}, {-74.999, 40.001}}

	tests := []struct {
		name      string
		json      string
		wantErr   bool
		wantID    string
		wantRings int
		wantLen   int
	}{
		{
			name:      "polygon with string id",
			json:      `{"type":"Feature","id":"t1","geometry":{"type":"Polygon","coordinates":[[[-75,40],[-75,40.001],[-74.999,40.001],[-75,40]]]},"properties":{"ownerId":"a","activity":"Running","area":12.5}}`,
			wantID:    "t1",
			wantRings: 1,
			wantLen:   4,
		},
		{
			name:      "numeric id",
			json:      `{"type":"Feature","id":42,"geometry":{"type":"Polygon","coordinates":[[[-75,40],[-75,40.001],[-74.999,40.001],[-75,40]]]},"properties":{}}`,
			wantID:    "42",
			wantRings: 1,
			wantLen:   4,
		},
		{
			name:      "unclosed ring is closed",
			json:      `{"type":"Feature","id":"t2","geometry":{"type":"Polygon","coordinates":[[[-75,40],[-75,40.001],[-74.999,40.001]]]},"properties":{}}`,
			wantID:    "t2",
			wantRings: 1,
			wantLen:   4,
		},
		{
			name:      "multipolygon keeps outer rings",
			json:      `{"type":"Feature","id":"t3","geometry":{"type":"MultiPolygon","coordinates":[[[[-75,40],[-75,40.001],[-74.999,40.001],[-75,40]],[[-75,40],[-75,40.0005],[-74.9995,40.0005],[-75,40]]],[[[-74,40],[-74,40.001],[-73.999,40.001],[-74,40]]]]},"properties":{}}`,
			wantID:    "t3",
			wantRings: 2,
			wantLen:   4,
		},
		{
			name:    "missing id",
			json:    `{"type":"Feature","geometry":{"type":"Polygon","coordinates":[[[-75,40],[-75,40.001],[-74.999,40.001],[-75,40]]]},"properties":{}}`,
			wantErr: true,
		},
		{
			name:    "point geometry",
			json:    `{"type":"Feature","id":"p","geometry":{"type":"Point","coordinates":[-75,40]},"properties":{}}`,
			wantErr: true,
		},
		{
			name:    "null geometry",
			json:    `{"type":"Feature","id":"n","geometry":null,"properties":{}}`,
			wantErr: true,
		},
		{
			name:    "degenerate ring",
			json:    `{"type":"Feature","id":"d","geometry":{"type":"Polygon","coordinates":[[[-75,40],[-75,40.001]]]},"properties":{}}`,
			wantErr: true,
		},
		{
			name:    "out of range coordinate",
			json:    `{"type":"Feature","id":"o","geometry":{"type":"Polygon","coordinates":[[[-75,40],[-75,95],[-74.999,40.001],[-75,40]]]},"properties":{}}`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := geojson.UnmarshalFeature([]byte(tt.json))
			require.NoError(t, err)

			got, err := TerritoryFromFeature(f)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrMalformedTerritory)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantID, got.ID)
			assert.Len(t, got.Polygons, tt.wantRings)
			assert.Len(t, got.Polygons[0], tt.wantLen)
			assert.True(t, IsClosed(got.Polygons[0]))
		})
	}

	// geometry built directly rather than decoded
	f := geojson.NewFeature(orb.Polygon{open})
	f.ID = "direct"
	got, err := TerritoryFromFeature(f)
	require.NoError(t, err)
	assert.Len(t, got.Polygons[0], len(ring))
}

func TestTerritoryFromFeature_Properties(t *testing.T) {
	f, err := geojson.UnmarshalFeature([]byte(`{"type":"Feature","id":"t1","geometry":{"type":"Polygon","coordinates":[[[-75,40],[-75,40.001],[-74.999,40.001],[-75,40]]]},"properties":{"ownerId":"a","activity":"Running","area":12.5}}`))
	require.NoError(t, err)

	got, err := TerritoryFromFeature(f)
	require.NoError(t, err)
	assert.Equal(t, "a", got.OwnerID)
	assert.Equal(t, ActivityRunning, got.Activity)
	assert.Equal(t, 12.5, got.Area)
}

func TestTerritoryFromFeature_Nil(t *testing.T) {
	_, err := TerritoryFromFeature(nil)
	assert.ErrorIs(t, err, ErrMalformedTerritory)
}

func TestTerritoriesToFeatureCollection(t *testing.T) {
	fc := TerritoriesToFeatureCollection([]Territory{
		serverTerritory("a", "x", testOrigin),
		serverTerritory("b", "y", testOrigin),
	})
	assert.Equal(t, "FeatureCollection", fc.Type)
	assert.Len(t, fc.Features, 2)

	empty := TerritoriesToFeatureCollection(nil)
	data, err := json.Marshal(empty)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"FeatureCollection","features":[]}`, string(data))
}
