package foundation

import (
	"context"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jengzang/records-timeline/internal/models"
)

var morning = time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)

// series returns n points one minute apart starting at start, moving dLat degrees per step
func series(start time.Time, lat float64, n int, dLat float64, speed *float64) []models.GPSPoint {
	out := make([]models.GPSPoint, n)
	for i := range out {
		out[i] = models.GPSPoint{
			UserID:    1,
			Timestamp: start.Add(time.Duration(i) * time.Minute),
			Latitude:  lat + float64(i)*dLat,
			Longitude: 116.4,
			Speed:     speed,
		}
	}
	return out
}

// commute is a 20 minute stay, a ~5 km trip over 10 minutes and another 20 minute stay
func commute() []models.GPSPoint {
	var pts []models.GPSPoint
	pts = append(pts, series(morning, 39.9, 21, 0, nil)...)
	pts = append(pts, series(morning.Add(21*time.Minute), 39.9045, 9, 0.0045, models.Float(30))...)
	pts = append(pts, series(morning.Add(30*time.Minute), 39.945, 21, 0, nil)...)
	return pts
}

func segConfig() *models.TimelineConfig {
	return &models.TimelineConfig{DataGapThresholdSeconds: models.Int(3600)}
}

func kinds(events []models.TimelineEvent) []models.EventKind {
	out := make([]models.EventKind, len(events))
	for i, ev := range events {
		out[i] = ev.Kind()
	}
	return out
}

func TestProcess_StayTripStay(t *testing.T) {
	p := NewSegmentationProcessor(DefaultSegmentationParams)

	events, err := p.Process(context.Background(), nil, commute(), segConfig(), 1)
	require.NoError(t, err)
	require.Equal(t, []models.EventKind{models.EventStay, models.EventTrip, models.EventStay}, kinds(events))

	home := events[0].(*models.Stay)
	assert.Equal(t, morning, home.Timestamp)
	assert.Equal(t, int64(20*60), home.DurationSeconds)
	assert.InDelta(t, 39.9, home.Latitude, 1e-6)

	trip := events[1].(*models.Trip)
	assert.Equal(t, morning.Add(20*time.Minute), trip.Timestamp)
	assert.Equal(t, int64(600), trip.DurationSeconds)
	assert.InDelta(t, 5000, trip.DistanceMeters, 50)
	assert.Len(t, trip.Path, 11)
	assert.Equal(t, models.MovementUnknown, trip.MovementType)
	require.NotNil(t, trip.Statistics.AvgGPSSpeed)
	assert.InDelta(t, 30.0, *trip.Statistics.AvgGPSSpeed, 1e-9)
	assert.InDelta(t, 30.0, *trip.Statistics.MaxGPSSpeed, 1e-9)
	require.NotNil(t, trip.Statistics.SpeedVariance)
	assert.InDelta(t, 0.0, *trip.Statistics.SpeedVariance, 1e-9)

	office := events[2].(*models.Stay)
	assert.Equal(t, morning.Add(30*time.Minute), office.Timestamp)
}

func TestProcess_SilenceBecomesDataGap(t *testing.T) {
	pts := commute()
	later := morning.Add(4*time.Hour + 50*time.Minute)
	pts = append(pts, series(later, 39.945, 21, 0, nil)...)

	events, err := NewSegmentationProcessor(DefaultSegmentationParams).Process(context.Background(), nil, pts, segConfig(), 1)
	require.NoError(t, err)

	require.Equal(t, []models.EventKind{
		models.EventStay, models.EventTrip, models.EventStay, models.EventDataGap, models.EventStay,
	}, kinds(events))

	gap := events[3].(*models.DataGap)
	assert.Equal(t, morning.Add(50*time.Minute), gap.Start)
	assert.Equal(t, later, gap.End)
	assert.Equal(t, int64(4*3600), gap.DurationSeconds)
}

func TestProcess_NamesRevisitedPlaces(t *testing.T) {
	pts := commute()
	pts = append(pts, series(morning.Add(4*time.Hour+50*time.Minute), 39.945, 21, 0, nil)...)

	events, err := NewSegmentationProcessor(DefaultSegmentationParams).Process(context.Background(), nil, pts, segConfig(), 1)
	require.NoError(t, err)
	require.Len(t, events, 5)

	home := events[0].(*models.Stay)
	office := events[2].(*models.Stay)
	again := events[4].(*models.Stay)

	for _, s := range []*models.Stay{home, office, again} {
		assert.Equal(t, models.LocationSourceGeohash, s.LocationSource)
		assert.Len(t, s.LocationName, 8)
	}
	assert.Equal(t, office.LocationName, again.LocationName)
	assert.NotEqual(t, home.LocationName, office.LocationName)
}

func TestProcess_DropsEventsBeforeNewPoints(t *testing.T) {
	pts := commute()

	events, err := NewSegmentationProcessor(DefaultSegmentationParams).Process(context.Background(), pts[:30], pts[30:], segConfig(), 1)
	require.NoError(t, err)

	require.Equal(t, []models.EventKind{models.EventStay}, kinds(events))
	assert.Equal(t, morning.Add(30*time.Minute), events[0].StartTime())
}

func TestProcess_ClipsStayInProgress(t *testing.T) {
	pts := commute()

	events, err := NewSegmentationProcessor(DefaultSegmentationParams).Process(context.Background(), pts[:10], pts[10:], segConfig(), 1)
	require.NoError(t, err)

	require.Equal(t, []models.EventKind{models.EventStay, models.EventTrip, models.EventStay}, kinds(events))
	home := events[0].(*models.Stay)
	assert.Equal(t, morning.Add(10*time.Minute), home.Timestamp)
	assert.Equal(t, int64(10*60), home.DurationSeconds)
}

func TestProcess_ShortDwellIsPartOfTrip(t *testing.T) {
	pts := series(morning, 39.9, 5, 0, nil) // five minutes, below the minimum stay
	pts = append(pts, series(morning.Add(5*time.Minute), 39.9045, 5, 0.0045, nil)...)

	events, err := NewSegmentationProcessor(DefaultSegmentationParams).Process(context.Background(), nil, pts, segConfig(), 1)
	require.NoError(t, err)

	require.Equal(t, []models.EventKind{models.EventTrip}, kinds(events))
	assert.Nil(t, events[0].(*models.Trip).Statistics.AvgGPSSpeed)
}

func TestProcess_Deterministic(t *testing.T) {
	p := NewSegmentationProcessor(DefaultSegmentationParams)
	ctx := context.Background()

	first, err := p.Process(ctx, nil, commute(), segConfig(), 1)
	require.NoError(t, err)
	second, err := p.Process(ctx, nil, commute(), segConfig(), 1)
	require.NoError(t, err)

	if diff := cmp.Diff(first, second); diff != "" {
		t.Errorf("segmentation is not deterministic (-first +second):\n%s", diff)
	}
}

func TestProcess_NoNewPoints(t *testing.T) {
	events, err := NewSegmentationProcessor(DefaultSegmentationParams).Process(context.Background(), commute(), nil, segConfig(), 1)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestProcess_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewSegmentationProcessor(DefaultSegmentationParams).Process(ctx, nil, commute(), segConfig(), 1)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestTripStatistics(t *testing.T) {
	p := NewSegmentationProcessor(DefaultSegmentationParams)
	pts := []models.GPSPoint{
		{Speed: models.Float(10), Accuracy: models.Float(5)},
		{Speed: models.Float(20), Accuracy: models.Float(150)},
		{Speed: nil, Accuracy: models.Float(250)},
		{Speed: models.Float(30)},
	}

	stats := p.tripStatistics(pts)

	require.NotNil(t, stats.AvgGPSSpeed)
	assert.InDelta(t, 20.0, *stats.AvgGPSSpeed, 1e-9)
	assert.InDelta(t, 30.0, *stats.MaxGPSSpeed, 1e-9)
	assert.InDelta(t, 100.0, *stats.SpeedVariance, 1e-9) // sample variance
	assert.Equal(t, 2, stats.LowAccuracyPoints)
}
