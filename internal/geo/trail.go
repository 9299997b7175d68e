package geo

import (
	"github.com/twpayne/go-polyline"

	"github.com/bwise1/groupbeacon/internal/model"
)

// DefaultTrailLen bounds how many recent fixes a trail retains per member.
const DefaultTrailLen = 50

// Trail is a bounded ring of a member's most recent positions, oldest
// first. Used for breadcrumb rendering on the group map.
type Trail struct {
	points []model.Coordinate
	max    int
}

// NewTrail returns a trail retaining at most max points. max <= 0 selects
// DefaultTrailLen.
func NewTrail(max int) *Trail {
	if max <= 0 {
		max = DefaultTrailLen
	}
	return &Trail{max: max}
}

// Append records a new fix, evicting the oldest when full.
func (t *Trail) Append(lat, lng float64) {
	t.points = append(t.points, model.Coordinate{Lat: lat, Lng: lng})
	if len(t.points) > t.max {
		t.points = t.points[len(t.points)-t.max:]
	}
}

// Points returns a copy of the retained coordinates, oldest first.
func (t *Trail) Points() []model.Coordinate {
	out := make([]model.Coordinate, len(t.points))
	copy(out, t.points)
	return out
}

// Len returns the number of retained fixes.
func (t *Trail) Len() int {
	return len(t.points)
}

// Encoded returns the trail as a Google encoded polyline for map layers.
func (t *Trail) Encoded() string {
	coords := make([][]float64, len(t.points))
	for i, p := range t.points {
		coords[i] = []float64{p.Lat, p.Lng}
	}
	return string(polyline.EncodeCoords(coords))
}

// DecodeTrail decodes an encoded polyline back into coordinates.
func DecodeTrail(encoded string) ([]model.Coordinate, error) {
	coords, _, err := polyline.DecodeCoords([]byte(encoded))
	if err != nil {
		return nil, err
	}
	out := make([]model.Coordinate, len(coords))
	for i, c := range coords {
		out[i] = model.Coordinate{Lat: c[0], Lng: c[1]}
	}
	return out, nil
}
