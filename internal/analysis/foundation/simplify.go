package foundation

import (
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/simplify"

	"github.com/jengzang/records-timeline/internal/models"
	"github.com/jengzang/records-timeline/internal/spatial"
)

// PathSimplifier reduces trip paths with Douglas-Peucker in a local metric
// frame, so the tolerance is in meters. Kept vertices are the original
// GPSPoints, so speed and accuracy readings survive.
type PathSimplifier struct{}

// NewPathSimplifier creates a path simplifier
func NewPathSimplifier() *PathSimplifier {
	return &PathSimplifier{}
}

// Simplify returns the reduced path. Paths of two points or fewer, and a
// non-positive tolerance, return the input unchanged.
func (s *PathSimplifier) Simplify(path []models.GPSPoint, toleranceMeters float64) []models.GPSPoint {
	if len(path) <= 2 || toleranceMeters <= 0 {
		return path
	}

	proj := spatial.NewProjector(path[0].Latitude, path[0].Longitude)
	ls := make(orb.LineString, len(path))
	for i, p := range path {
		x, y := proj.ToMeters(p.Latitude, p.Longitude)
		ls[i] = orb.Point{x, y}
	}

	reduced := simplify.DouglasPeucker(toleranceMeters).LineString(ls.Clone())
	if len(reduced) < 2 {
		return path
	}

	// The reduced line is an ordered subsequence of ls that starts and ends
	// with the original endpoints
	last := len(path) - 1
	out := make([]models.GPSPoint, 0, len(reduced))
	out = append(out, path[0])
	cursor := 1
	for _, v := range reduced[1 : len(reduced)-1] {
		for cursor < last && !ls[cursor].Equal(v) {
			cursor++
		}
		if cursor == last {
			break
		}
		out = append(out, path[cursor])
		cursor++
	}
	return append(out, path[last])
}

// SimplifyTrips simplifies every trip path in place and returns the number of points removed
func (s *PathSimplifier) SimplifyTrips(trips []*models.Trip, toleranceMeters float64) int {
	removed := 0
	for _, trip := range trips {
		before := len(trip.Path)
		trip.Path = s.Simplify(trip.Path, toleranceMeters)
		removed += before - len(trip.Path)
	}
	return removed
}
