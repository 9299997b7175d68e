// Package geo holds the great-circle distance and geofence helpers shared
// by the reporter, the aggregator and the relay.
package geo

import (
	"math"

	"github.com/bwise1/groupbeacon/internal/model"
)

// EarthRadiusMeters is the mean Earth radius used by the haversine formula.
const EarthRadiusMeters = 6371000

// DefaultWorkRadius is the geofence radius applied when a group does not
// carry one of its own.
const DefaultWorkRadius = 150.0

func toRad(deg float64) float64 {
	return deg * math.Pi / 180
}

// Haversine returns the great-circle distance in meters between two
// lat/lng points given in degrees. The result is unrounded; comparisons
// against a radius must use this value, not the display-rounded one.
func Haversine(aLat, aLng, bLat, bLng float64) float64 {
	dLat := toRad(bLat - aLat)
	dLng := toRad(bLng - aLng)
	lat1 := toRad(aLat)
	lat2 := toRad(bLat)

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLng/2)*math.Sin(dLng/2)
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
	return EarthRadiusMeters * c
}

// DistanceMeters is Haversine rounded to the nearest meter, for display.
func DistanceMeters(aLat, aLng, bLat, bLng float64) int {
	return int(math.Round(Haversine(aLat, aLng, bLat, bLng)))
}

// Geofence is a circular work area around a group center.
type Geofence struct {
	Center model.Coordinate
	Radius float64 // meters
}

// NewGeofence builds a geofence from group info, falling back to
// DefaultWorkRadius when the group carries no radius.
func NewGeofence(info model.GroupInfo) (Geofence, bool) {
	if info.Lat == nil || info.Lng == nil {
		return Geofence{}, false
	}
	radius := info.WorkRadius
	if radius <= 0 {
		radius = DefaultWorkRadius
	}
	return Geofence{
		Center: model.Coordinate{Lat: *info.Lat, Lng: *info.Lng},
		Radius: radius,
	}, true
}

// Contains reports whether the sample lies inside the fence. The boundary
// is inclusive: a sample exactly at the radius is inside.
func (g Geofence) Contains(lat, lng float64) bool {
	return g.Distance(lat, lng) <= g.Radius
}

// Distance returns the unrounded distance in meters from the fence center.
func (g Geofence) Distance(lat, lng float64) float64 {
	return Haversine(g.Center.Lat, g.Center.Lng, lat, lng)
}
