package service

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jengzang/records-timeline/internal/analysis/foundation"
	"github.com/jengzang/records-timeline/internal/database"
	"github.com/jengzang/records-timeline/internal/models"
	"github.com/jengzang/records-timeline/internal/repository"
)

var morning = time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)

func testDefaults() models.TimelineConfig {
	return models.TimelineConfig{
		MergeEnabled:            true,
		MergeMaxDistanceMeters:  100,
		MergeMaxTimeGapMinutes:  30,
		DataGapThresholdSeconds: models.Int(3600),
		WalkingMaxAvgSpeed:      models.Float(6),
		WalkingMaxMaxSpeed:      models.Float(8),
		CarMinAvgSpeed:          models.Float(8),
		CarMinMaxSpeed:          models.Float(15),

		PathSimplificationEnabled:   true,
		PathSimplificationTolerance: 5,
	}
}

type testEnv struct {
	db        *sql.DB
	points    *repository.GPSPointRepository
	timelines *repository.TimelineRepository
	status    *repository.ProcessingStatusRepository
	configs   *repository.TimelineConfigRepository

	mu  sync.Mutex
	now time.Time
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	conn, err := database.Open(database.Config{Path: filepath.Join(t.TempDir(), "timeline.db")})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, database.MigrateUp(conn))

	configs, err := repository.NewTimelineConfigRepository(conn, testDefaults(), 0, 0)
	require.NoError(t, err)

	return &testEnv{
		db: conn,
		points: repository.NewGPSPointRepository(conn, repository.GPSPointLoaderOptions{
			ChunkSize:     16,
			ContextPoints: 100,
			ContextWindow: 2 * time.Hour,
		}),
		timelines: repository.NewTimelineRepository(conn),
		status:    repository.NewProcessingStatusRepository(conn),
		configs:   configs,
		now:       morning.Add(5 * time.Hour),
	}
}

func (e *testEnv) clock() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.now
}

func (e *testEnv) setNow(t time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.now = t
}

// service wires the real collaborators; loader and segmenter may be replaced
func (e *testEnv) service(loader PointLoader, seg Segmenter, badges BadgeRecalculator) *TimelineGenerationService {
	if loader == nil {
		loader = e.points
	}
	if seg == nil {
		seg = foundation.NewSegmentationProcessor(foundation.DefaultSegmentationParams)
	}
	gaps := foundation.NewDataGapDetector(e.points, e.timelines).WithClock(e.clock)
	return NewTimelineGenerationService(e.db, loader, e.timelines, e.status, e.configs, seg, gaps, badges, nil)
}

func (e *testEnv) insert(t *testing.T, userID int64, pts []models.GPSPoint) {
	t.Helper()
	_, _, err := e.points.InsertPoints(context.Background(), userID, pts)
	require.NoError(t, err)
}

func (e *testEnv) timeline(t *testing.T, userID int64) *models.TimelineResponse {
	t.Helper()
	resp, err := e.timelines.ListTimeline(context.Background(), userID, Epoch, morning.Add(48*time.Hour))
	require.NoError(t, err)
	return resp
}

func (e *testEnv) requireIdle(t *testing.T, userID int64) {
	t.Helper()
	st, err := e.status.Get(context.Background(), userID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusIdle, st.Status)
}

func series(start time.Time, lat float64, n int, dLat float64, speed *float64) []models.GPSPoint {
	out := make([]models.GPSPoint, n)
	for i := range out {
		out[i] = models.GPSPoint{
			Timestamp: start.Add(time.Duration(i) * time.Minute),
			Latitude:  lat + float64(i)*dLat,
			Longitude: 116.4,
			Speed:     speed,
		}
	}
	return out
}

// commute is a 20 minute stay, a ~5 km drive over 10 minutes and another 20 minute stay
func commute() []models.GPSPoint {
	var pts []models.GPSPoint
	pts = append(pts, series(morning, 39.9, 21, 0, nil)...)
	pts = append(pts, series(morning.Add(21*time.Minute), 39.9045, 9, 0.0045, models.Float(30))...)
	pts = append(pts, series(morning.Add(30*time.Minute), 39.945, 21, 0, nil)...)
	return pts
}

type countingBadges struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (b *countingBadges) RecalculateAllBadges(ctx context.Context, userID int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls++
	return b.err
}

func TestRegenerateFullTimeline_BuildsTimeline(t *testing.T) {
	env := newTestEnv(t)
	env.insert(t, 1, commute())
	badges := &countingBadges{}

	var steps []string
	result, err := env.service(nil, nil, badges).RegenerateFullTimelineWithProgress(context.Background(), 1, func(step Step, _ map[string]any) {
		steps = append(steps, step.Name)
	})
	require.NoError(t, err)

	assert.True(t, result.Full)
	assert.Equal(t, 51, result.NewPoints)
	assert.Equal(t, 2, result.Stays)
	assert.Equal(t, 1, result.Trips)
	assert.Equal(t, 0, result.MergedStays, "home and office are different places")
	assert.Equal(t, 1, result.MovementTypes[models.MovementCar])
	assert.Equal(t, foundation.GapCreated, result.OngoingGap)
	assert.Greater(t, result.SimplifiedPoints, 0)
	assert.Equal(t, []string{"LOCK", "CLEANUP", "LOAD", "SEGMENT", "CLASSIFY", "MERGE", "SIMPLIFY", "PERSIST", "GAPS"}, steps)
	assert.Equal(t, 1, badges.calls)

	tl := env.timeline(t, 1)
	require.Len(t, tl.Stays, 2)
	require.Len(t, tl.Trips, 1)
	require.Len(t, tl.DataGaps, 1)
	assert.Equal(t, models.MovementCar, tl.Trips[0].MovementType)
	assert.Equal(t, morning.Add(50*time.Minute), tl.DataGaps[0].Start)
	assert.Equal(t, env.clock(), tl.DataGaps[0].End)

	env.requireIdle(t, 1)
}

func TestRegenerateFullTimeline_MergesRevisit(t *testing.T) {
	env := newTestEnv(t)
	// 20 minutes at home, three minutes ~170 m away, back home for 20 minutes
	var pts []models.GPSPoint
	pts = append(pts, series(morning, 39.9, 21, 0, nil)...)
	pts = append(pts, series(morning.Add(21*time.Minute), 39.9015, 4, 0, nil)...)
	pts = append(pts, series(morning.Add(25*time.Minute), 39.9, 21, 0, nil)...)
	env.insert(t, 1, pts)

	result, err := env.service(nil, nil, nil).RegenerateFullTimeline(context.Background(), 1)
	require.NoError(t, err)

	assert.Equal(t, 1, result.MergedStays)
	assert.Equal(t, 1, result.Stays)
	assert.Equal(t, 0, result.Trips, "the hop is absorbed")

	tl := env.timeline(t, 1)
	require.Len(t, tl.Stays, 1)
	assert.Empty(t, tl.Trips)
	home := tl.Stays[0]
	assert.Equal(t, morning, home.Timestamp)
	assert.Equal(t, int64(45*60), home.DurationSeconds)
	assert.Equal(t, models.LocationSourceGeohash, home.LocationSource)
	assert.NotEmpty(t, home.LocationName)
}

func TestRegenerateFullTimeline_Repeatable(t *testing.T) {
	env := newTestEnv(t)
	env.insert(t, 1, commute())
	svc := env.service(nil, nil, nil)

	_, err := svc.RegenerateFullTimeline(context.Background(), 1)
	require.NoError(t, err)
	first := env.timeline(t, 1)

	result, err := svc.RegenerateFullTimeline(context.Background(), 1)
	require.NoError(t, err)
	second := env.timeline(t, 1)

	assert.Equal(t, int64(4), result.DeletedRows)
	assert.Len(t, second.Stays, len(first.Stays))
	assert.Len(t, second.Trips, len(first.Trips))
	assert.Len(t, second.DataGaps, len(first.DataGaps))
}

func TestRegenerateFullTimeline_BadgeErrorIgnored(t *testing.T) {
	env := newTestEnv(t)
	env.insert(t, 1, commute())
	badges := &countingBadges{err: errors.New("badge store offline")}

	_, err := env.service(nil, nil, badges).RegenerateFullTimeline(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, 1, badges.calls)
}

func TestGenerateTimelineFromTimestamp_ReplaysFromLastStay(t *testing.T) {
	env := newTestEnv(t)
	env.insert(t, 1, commute())
	svc := env.service(nil, nil, nil)

	_, err := svc.RegenerateFullTimeline(context.Background(), 1)
	require.NoError(t, err)

	// Back at the office after four hours without signal
	later := morning.Add(5 * time.Hour)
	env.insert(t, 1, series(later, 39.945, 21, 0, nil))
	env.setNow(morning.Add(8 * time.Hour))

	result, err := svc.GenerateTimelineFromTimestamp(context.Background(), 1, later)
	require.NoError(t, err)

	assert.False(t, result.Full)
	assert.Equal(t, morning.Add(30*time.Minute), result.From, "replay starts at the office stay")
	assert.Equal(t, int64(2), result.DeletedRows, "office stay and ongoing gap")
	assert.Equal(t, 42, result.NewPoints)
	assert.Equal(t, 30, result.ContextPoints)

	tl := env.timeline(t, 1)
	require.Len(t, tl.Stays, 3)
	assert.Equal(t, morning, tl.Stays[0].Timestamp)
	assert.Equal(t, morning.Add(30*time.Minute), tl.Stays[1].Timestamp)
	assert.Equal(t, later, tl.Stays[2].Timestamp)
	require.Len(t, tl.Trips, 1, "the morning trip is neither lost nor duplicated")

	require.Len(t, tl.DataGaps, 2)
	assert.Equal(t, morning.Add(50*time.Minute), tl.DataGaps[0].Start)
	assert.Equal(t, later, tl.DataGaps[0].End)
	assert.Equal(t, later.Add(20*time.Minute), tl.DataGaps[1].Start)
	assert.Equal(t, morning.Add(8*time.Hour), tl.DataGaps[1].End)

	env.requireIdle(t, 1)
}

func TestGenerateTimelineFromTimestamp_NoEarlierStayRebuildsAll(t *testing.T) {
	env := newTestEnv(t)
	env.insert(t, 1, commute())

	result, err := env.service(nil, nil, nil).GenerateTimelineFromTimestamp(context.Background(), 1, morning.Add(10*time.Minute))
	require.NoError(t, err)

	assert.True(t, result.Full)
	assert.Equal(t, Epoch, result.From)
	assert.Equal(t, 0, result.ContextPoints)
	assert.Len(t, env.timeline(t, 1).Stays, 2)
}

type emptyLoader struct{}

func (emptyLoader) LoadForTimeline(ctx context.Context, userID int64, from time.Time) ([]models.GPSPoint, error) {
	return nil, nil
}

func (emptyLoader) LoadContext(ctx context.Context, userID int64, from time.Time) ([]models.GPSPoint, error) {
	return nil, nil
}

func TestGenerateTimeline_OngoingGapWithoutNewPoints(t *testing.T) {
	env := newTestEnv(t)
	env.insert(t, 1, series(morning, 39.9, 1, 0, nil))
	env.setNow(morning.Add(3 * time.Hour))

	result, err := env.service(emptyLoader{}, nil, nil).GenerateTimelineFromTimestamp(context.Background(), 1, morning)
	require.NoError(t, err)

	assert.Equal(t, 0, result.NewPoints)
	assert.Equal(t, foundation.GapCreated, result.OngoingGap)

	tl := env.timeline(t, 1)
	assert.Empty(t, tl.Stays)
	require.Len(t, tl.DataGaps, 1)
	assert.Equal(t, int64(3*3600), tl.DataGaps[0].DurationSeconds)
}

type failingGaps struct{}

func (failingGaps) CheckAndCreateOngoingGap(ctx context.Context, userID int64, cfg *models.TimelineConfig) (foundation.GapOutcome, error) {
	return foundation.GapNone, errors.New("gap table locked")
}

func TestGenerateTimeline_GapCheckErrorAfterCommit(t *testing.T) {
	env := newTestEnv(t)
	env.insert(t, 1, commute())
	seg := foundation.NewSegmentationProcessor(foundation.DefaultSegmentationParams)
	svc := NewTimelineGenerationService(env.db, env.points, env.timelines, env.status, env.configs, seg, failingGaps{}, nil, nil)

	_, err := svc.RegenerateFullTimeline(context.Background(), 1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "gap table locked")

	assert.Len(t, env.timeline(t, 1).Stays, 2, "the timeline was committed before the gap check")
	env.requireIdle(t, 1)
}

func TestGenerateTimeline_UserWithoutPoints(t *testing.T) {
	env := newTestEnv(t)

	result, err := env.service(nil, nil, nil).RegenerateFullTimeline(context.Background(), 99)
	require.NoError(t, err)
	assert.Equal(t, 0, result.NewPoints)
	assert.Equal(t, foundation.GapNone, result.OngoingGap)
	env.requireIdle(t, 99)
}

// blockingSegmenter holds the first run inside segmentation until released
type blockingSegmenter struct {
	Segmenter
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (b *blockingSegmenter) Process(ctx context.Context, contextPoints, newPoints []models.GPSPoint, cfg *models.TimelineConfig, userID int64) ([]models.TimelineEvent, error) {
	b.once.Do(func() {
		close(b.entered)
		<-b.release
	})
	return b.Segmenter.Process(ctx, contextPoints, newPoints, cfg, userID)
}

func TestGenerateTimeline_ConcurrentRunsConflict(t *testing.T) {
	env := newTestEnv(t)
	env.insert(t, 1, commute())

	seg := &blockingSegmenter{
		Segmenter: foundation.NewSegmentationProcessor(foundation.DefaultSegmentationParams),
		entered:   make(chan struct{}),
		release:   make(chan struct{}),
	}
	svc := env.service(nil, seg, nil)

	done := make(chan error, 1)
	go func() {
		_, err := svc.RegenerateFullTimeline(context.Background(), 1)
		done <- err
	}()
	<-seg.entered

	st, err := env.status.Get(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, models.StatusProcessing, st.Status, "full rebuilds take the same lock state")

	_, err = svc.GenerateTimelineFromTimestamp(context.Background(), 1, morning)
	assert.ErrorIs(t, err, ErrLockConflict)

	// Other users are not blocked
	_, err = svc.GenerateTimelineFromTimestamp(context.Background(), 2, morning)
	assert.NoError(t, err)

	close(seg.release)
	require.NoError(t, <-done)
	env.requireIdle(t, 1)
	assert.Len(t, env.timeline(t, 1).Stays, 2)
}

type failingLoader struct{ emptyLoader }

func (failingLoader) LoadForTimeline(ctx context.Context, userID int64, from time.Time) ([]models.GPSPoint, error) {
	return nil, errors.New("disk on fire")
}

func TestGenerateTimeline_ErrorReleasesLock(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.service(failingLoader{}, nil, nil).GenerateTimelineFromTimestamp(context.Background(), 1, morning)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk on fire")
	env.requireIdle(t, 1)
}

func TestGenerateTimeline_CancelledContextReleasesLock(t *testing.T) {
	env := newTestEnv(t)
	env.insert(t, 1, commute())

	ctx, cancel := context.WithCancel(context.Background())
	seg := &blockingSegmenter{
		Segmenter: foundation.NewSegmentationProcessor(foundation.DefaultSegmentationParams),
		entered:   make(chan struct{}),
		release:   make(chan struct{}),
	}
	done := make(chan error, 1)
	go func() {
		_, err := env.service(nil, seg, nil).RegenerateFullTimeline(ctx, 1)
		done <- err
	}()
	<-seg.entered
	cancel()
	close(seg.release)

	assert.ErrorIs(t, <-done, context.Canceled)
	env.requireIdle(t, 1)
	assert.Empty(t, env.timeline(t, 1).Stays)
}

func TestRecoverStuckUsers(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	ok, err := env.status.TryAcquire(ctx, 5, models.StatusProcessing)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = env.status.TryAcquire(ctx, 6, models.StatusRegenerating)
	require.NoError(t, err)
	require.True(t, ok)

	svc := env.service(nil, nil, nil)
	_, err = svc.RegenerateFullTimeline(ctx, 5)
	require.ErrorIs(t, err, ErrLockConflict)

	users, err := svc.RecoverStuckUsers(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int64{5, 6}, users)
	env.requireIdle(t, 5)
	env.requireIdle(t, 6)

	_, err = svc.RegenerateFullTimeline(ctx, 5)
	assert.NoError(t, err)
}
