package foundation

import (
	"context"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/stat"

	"github.com/jengzang/records-timeline/internal/logger"
	"github.com/jengzang/records-timeline/internal/models"
	"github.com/jengzang/records-timeline/internal/spatial"
)

// SegmentationParams are the stay-point detection parameters.
// They belong to the processor, not to the per-user TimelineConfig.
type SegmentationParams struct {
	StayRadiusMeters  float64       // max distance from the first point of a stay
	MinStayDuration   time.Duration // shorter dwell periods are part of a trip
	LowAccuracyMeters float64       // accuracy above this counts as a low-accuracy point
}

// DefaultSegmentationParams provides default stay detection parameters
var DefaultSegmentationParams = SegmentationParams{
	StayRadiusMeters:  50.0,
	MinStayDuration:   7 * time.Minute,
	LowAccuracyMeters: 100.0,
}

// SegmentationProcessor turns a point stream into draft stays, trips and data gaps.
// Output depends only on its inputs.
type SegmentationProcessor struct {
	params SegmentationParams
	log    zerolog.Logger
}

// NewSegmentationProcessor creates a segmentation processor
func NewSegmentationProcessor(params SegmentationParams) *SegmentationProcessor {
	if params.StayRadiusMeters <= 0 {
		params.StayRadiusMeters = DefaultSegmentationParams.StayRadiusMeters
	}
	if params.MinStayDuration <= 0 {
		params.MinStayDuration = DefaultSegmentationParams.MinStayDuration
	}
	if params.LowAccuracyMeters <= 0 {
		params.LowAccuracyMeters = DefaultSegmentationParams.LowAccuracyMeters
	}
	return &SegmentationProcessor{
		params: params,
		log:    logger.Component("segmentation"),
	}
}

// Process segments context + new points. Events starting before the first
// new point are dropped, except a stay still in progress at that point,
// which is clipped to start there.
func (p *SegmentationProcessor) Process(
	ctx context.Context,
	contextPoints, newPoints []models.GPSPoint,
	cfg *models.TimelineConfig,
	userID int64,
) ([]models.TimelineEvent, error) {
	if len(newPoints) == 0 {
		return nil, nil
	}

	points := make([]models.GPSPoint, 0, len(contextPoints)+len(newPoints))
	points = append(points, contextPoints...)
	points = append(points, newPoints...)
	sort.SliceStable(points, func(i, j int) bool { return points[i].Timestamp.Before(points[j].Timestamp) })

	cutoff := newPoints[0].Timestamp
	for _, pt := range newPoints[1:] {
		if pt.Timestamp.Before(cutoff) {
			cutoff = pt.Timestamp
		}
	}

	var events []models.TimelineEvent
	runStart := 0
	for i := 1; i <= len(points); i++ {
		if i < len(points) && !ShouldCreateGap(cfg, points[i-1].Timestamp, points[i].Timestamp) {
			continue
		}

		if err := ctx.Err(); err != nil {
			return nil, err
		}
		events = append(events, p.segmentRun(points[runStart:i])...)
		if i < len(points) {
			events = append(events, models.NewDataGap(points[i-1].Timestamp, points[i].Timestamp))
		}
		runStart = i
	}

	kept := events[:0]
	for _, ev := range events {
		if !ev.StartTime().Before(cutoff) {
			kept = append(kept, ev)
			continue
		}
		// A stay that began in the context points is clipped to the cutoff
		if s, ok := ev.(*models.Stay); ok && !s.EndTime().Before(cutoff) {
			end := s.EndTime()
			s.Timestamp = cutoff
			s.DurationSeconds = int64(end.Sub(cutoff).Seconds())
			kept = append(kept, s)
		}
	}

	places := p.namePlaces(kept)

	p.log.Debug().
		Int64("user_id", userID).
		Int("context_points", len(contextPoints)).
		Int("new_points", len(newPoints)).
		Int("events", len(kept)).
		Int("dropped", len(events)-len(kept)).
		Int("places", places).
		Msg("Segmented points")

	return kept, nil
}

// namePlaces gives every unnamed stay a place key so the merger can match
// revisits. A stay within the stay radius of an earlier stay's place reuses
// that place's key; otherwise it opens a new place keyed by the geohash of
// its centroid. Returns the number of distinct places.
func (p *SegmentationProcessor) namePlaces(events []models.TimelineEvent) int {
	type place struct {
		lat, lon float64
		key      string
	}
	var places []place
	precision := spatial.GeohashPrecisionForDistance(2 * p.params.StayRadiusMeters)

	for _, ev := range events {
		s, ok := ev.(*models.Stay)
		if !ok || s.LocationName != "" {
			continue
		}

		key := ""
		for _, pl := range places {
			if spatial.HaversineDistance(pl.lat, pl.lon, s.Latitude, s.Longitude) <= p.params.StayRadiusMeters {
				key = pl.key
				break
			}
		}
		if key == "" {
			key = spatial.EncodeGeohash(s.Latitude, s.Longitude, precision)
			places = append(places, place{s.Latitude, s.Longitude, key})
		}
		s.LocationName = key
		s.LocationSource = models.LocationSourceGeohash
	}
	return len(places)
}

// segmentRun detects stays in a run of points without a data gap and
// connects them with trips
func (p *SegmentationProcessor) segmentRun(run []models.GPSPoint) []models.TimelineEvent {
	type span struct{ from, to int }
	var stays []span

	for i := 0; i < len(run); {
		j := i + 1
		for j < len(run) && spatial.HaversineDistance(run[i].Latitude, run[i].Longitude, run[j].Latitude, run[j].Longitude) <= p.params.StayRadiusMeters {
			j++
		}
		if run[j-1].Timestamp.Sub(run[i].Timestamp) >= p.params.MinStayDuration {
			stays = append(stays, span{i, j - 1})
			i = j
			continue
		}
		i++
	}

	var events []models.TimelineEvent
	tripStart := 0
	for _, s := range stays {
		if s.from > tripStart {
			if trip := p.buildTrip(run[tripStart : s.from+1]); trip != nil {
				events = append(events, trip)
			}
		}
		events = append(events, buildStay(run[s.from:s.to+1]))
		tripStart = s.to
	}
	if tripStart < len(run)-1 {
		if trip := p.buildTrip(run[tripStart:]); trip != nil {
			events = append(events, trip)
		}
	}
	return events
}

func buildStay(pts []models.GPSPoint) *models.Stay {
	lats := make([]float64, len(pts))
	lons := make([]float64, len(pts))
	for i, pt := range pts {
		lats[i], lons[i] = pt.Latitude, pt.Longitude
	}
	lat, lon := spatial.Centroid(lats, lons)

	return &models.Stay{
		Timestamp:       pts[0].Timestamp,
		DurationSeconds: int64(pts[len(pts)-1].Timestamp.Sub(pts[0].Timestamp).Seconds()),
		Latitude:        lat,
		Longitude:       lon,
		LocationSource:  models.LocationSourceUnknown,
	}
}

func (p *SegmentationProcessor) buildTrip(pts []models.GPSPoint) *models.Trip {
	if len(pts) < 2 {
		return nil
	}

	lats := make([]float64, len(pts))
	lons := make([]float64, len(pts))
	for i, pt := range pts {
		lats[i], lons[i] = pt.Latitude, pt.Longitude
	}

	first, last := pts[0], pts[len(pts)-1]
	path := make([]models.GPSPoint, len(pts))
	copy(path, pts)

	return &models.Trip{
		Timestamp:       first.Timestamp,
		DurationSeconds: int64(last.Timestamp.Sub(first.Timestamp).Seconds()),
		DistanceMeters:  spatial.PathDistance(lats, lons),
		StartLatitude:   first.Latitude,
		StartLongitude:  first.Longitude,
		EndLatitude:     last.Latitude,
		EndLongitude:    last.Longitude,
		Path:            path,
		MovementType:    models.MovementUnknown,
		Statistics:      p.tripStatistics(pts),
	}
}

// tripStatistics summarizes the device-reported speeds along a path
func (p *SegmentationProcessor) tripStatistics(pts []models.GPSPoint) models.TripGPSStatistics {
	var stats models.TripGPSStatistics
	var speeds []float64

	for _, pt := range pts {
		if pt.Speed != nil && *pt.Speed >= 0 {
			speeds = append(speeds, *pt.Speed)
		}
		if pt.Accuracy != nil && *pt.Accuracy > p.params.LowAccuracyMeters {
			stats.LowAccuracyPoints++
		}
	}

	if len(speeds) == 0 {
		return stats
	}

	mean := stat.Mean(speeds, nil)
	fastest := speeds[0]
	for _, s := range speeds[1:] {
		if s > fastest {
			fastest = s
		}
	}
	stats.AvgGPSSpeed = models.Float(mean)
	stats.MaxGPSSpeed = models.Float(fastest)
	if len(speeds) >= 2 {
		stats.SpeedVariance = models.Float(stat.Variance(speeds, nil))
	}
	return stats
}
