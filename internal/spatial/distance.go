package spatial

import (
	"math"

	"github.com/golang/geo/s2"
)

// Constants
const (
	EarthRadiusMeters = 6371000.0 // Earth's mean radius in meters
	EarthRadiusKm     = 6371.0    // Earth's mean radius in kilometers
)

// HaversineDistance calculates the great-circle distance between two points in meters
func HaversineDistance(lat1, lon1, lat2, lon2 float64) float64 {
	p1 := s2.LatLngFromDegrees(lat1, lon1)
	p2 := s2.LatLngFromDegrees(lat2, lon2)
	return p1.Distance(p2).Radians() * EarthRadiusMeters
}

// PathDistance sums the great-circle distance along a polyline of lat/lon pairs
func PathDistance(lats, lons []float64) float64 {
	total := 0.0
	for i := 1; i < len(lats) && i < len(lons); i++ {
		total += HaversineDistance(lats[i-1], lons[i-1], lats[i], lons[i])
	}
	return total
}

// Centroid returns the spherical centroid of a set of points
func Centroid(lats, lons []float64) (float64, float64) {
	if len(lats) == 0 || len(lats) != len(lons) {
		return 0, 0
	}

	var sum s2.Point
	for i := range lats {
		p := s2.PointFromLatLng(s2.LatLngFromDegrees(lats[i], lons[i]))
		sum = s2.Point{Vector: sum.Add(p.Vector)}
	}
	if sum.Norm() == 0 {
		return lats[0], lons[0]
	}

	c := s2.LatLngFromPoint(s2.Point{Vector: sum.Normalize()})
	return c.Lat.Degrees(), c.Lng.Degrees()
}

// Projector maps lat/lon to a local planar frame in meters around an origin.
// Equirectangular: accurate enough for the few kilometers a single trip segment spans.
type Projector struct {
	originLat float64
	originLon float64
	cosLat    float64
}

// NewProjector creates a projector centered at the given origin
func NewProjector(originLat, originLon float64) Projector {
	return Projector{
		originLat: originLat,
		originLon: originLon,
		cosLat:    math.Cos(originLat * math.Pi / 180),
	}
}

// ToMeters converts lat/lon into (x, y) meters east/north of the origin
func (p Projector) ToMeters(lat, lon float64) (float64, float64) {
	x := (lon - p.originLon) * math.Pi / 180 * EarthRadiusMeters * p.cosLat
	y := (lat - p.originLat) * math.Pi / 180 * EarthRadiusMeters
	return x, y
}
