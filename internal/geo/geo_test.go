package geo

import (
	"math"
	"testing"

	"github.com/bwise1/groupbeacon/internal/model"
)

func TestHaversineSymmetry(t *testing.T) {
	testCases := []struct {
		name                   string
		aLat, aLng, bLat, bLng float64
	}{
		{"Ankara to Istanbul", 39.9334, 32.8597, 41.0082, 28.9784},
		{"Across equator", -1.5, 36.8, 1.2, 36.9},
		{"Across antimeridian", 52.0, 179.9, 52.0, -179.9},
		{"Tiny offset", 39.0, 35.2433, 39.0001, 35.2433},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			ab := Haversine(tc.aLat, tc.aLng, tc.bLat, tc.bLng)
			ba := Haversine(tc.bLat, tc.bLng, tc.aLat, tc.aLng)
			if ab != ba {
				t.Errorf("Haversine not symmetric: d(a,b)=%v d(b,a)=%v", ab, ba)
			}
			if ab < 0 {
				t.Errorf("Haversine returned negative distance %v", ab)
			}
		})
	}
}

func TestHaversineZero(t *testing.T) {
	if d := Haversine(39.0, 35.2433, 39.0, 35.2433); d != 0 {
		t.Errorf("d(a,a) = %v, want 0", d)
	}
}

func TestHaversineKnownDistance(t *testing.T) {
	// ~111m north of the Turkey center coordinate.
	d := Haversine(39.0, 35.2433, 39.001, 35.2433)
	if math.Abs(d-111) > 1 {
		t.Errorf("distance = %v, want 111 +/- 1", d)
	}
	if m := DistanceMeters(39.0, 35.2433, 39.001, 35.2433); m < 110 || m > 112 {
		t.Errorf("DistanceMeters = %d, want ~111", m)
	}
}

func TestGeofenceContains(t *testing.T) {
	fence := Geofence{Center: model.Coordinate{Lat: 39.0, Lng: 35.2433}, Radius: 150}

	testCases := []struct {
		name     string
		lat, lng float64
		want     bool
	}{
		{"at center", 39.0, 35.2433, true},
		{"111m north", 39.001, 35.2433, true},
		{"well outside", 39.01, 35.2433, false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := fence.Contains(tc.lat, tc.lng); got != tc.want {
				t.Errorf("Contains(%v, %v) = %v, want %v", tc.lat, tc.lng, got, tc.want)
			}
		})
	}
}

func TestGeofenceBoundaryInclusive(t *testing.T) {
	// Radius set to the exact computed distance: membership must be true.
	d := Haversine(39.0, 35.2433, 39.001, 35.2433)
	fence := Geofence{Center: model.Coordinate{Lat: 39.0, Lng: 35.2433}, Radius: d}
	if !fence.Contains(39.001, 35.2433) {
		t.Error("sample exactly at radius must be inside the fence")
	}
}

func TestNewGeofenceDefaults(t *testing.T) {
	lat, lng := 39.0, 35.2433

	fence, ok := NewGeofence(model.GroupInfo{Lat: &lat, Lng: &lng})
	if !ok {
		t.Fatal("expected a fence for a group with a center")
	}
	if fence.Radius != DefaultWorkRadius {
		t.Errorf("Radius = %v, want default %v", fence.Radius, DefaultWorkRadius)
	}

	if _, ok := NewGeofence(model.GroupInfo{}); ok {
		t.Error("group without a center must not produce a fence")
	}
}

func TestTrailBoundedAndEncoded(t *testing.T) {
	trail := NewTrail(3)
	for i := 0; i < 5; i++ {
		trail.Append(39.0+float64(i)*0.001, 35.2433)
	}
	if trail.Len() != 3 {
		t.Fatalf("Len = %d, want 3", trail.Len())
	}
	pts := trail.Points()
	if pts[0].Lat != 39.002 {
		t.Errorf("oldest retained point = %v, want 39.002", pts[0].Lat)
	}

	decoded, err := DecodeTrail(trail.Encoded())
	if err != nil {
		t.Fatalf("DecodeTrail error: %v", err)
	}
	if len(decoded) != 3 {
		t.Fatalf("decoded %d points, want 3", len(decoded))
	}
	for i, p := range decoded {
		if math.Abs(p.Lat-pts[i].Lat) > 1e-4 || math.Abs(p.Lng-pts[i].Lng) > 1e-4 {
			t.Errorf("point %d = %v, want %v", i, p, pts[i])
		}
	}
}
