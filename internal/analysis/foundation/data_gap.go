package foundation

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/jengzang/records-timeline/internal/logger"
	"github.com/jengzang/records-timeline/internal/models"
)

// DefaultDataGapThresholdSeconds applies when the config leaves the threshold unset
const DefaultDataGapThresholdSeconds int64 = 3600

// LatestPointFinder returns a user's most recent GPS point, or nil when there is none
type LatestPointFinder interface {
	LatestPoint(ctx context.Context, userID int64) (*models.GPSPoint, error)
}

// DataGapStore persists the ongoing data gap
type DataGapStore interface {
	LatestDataGap(ctx context.Context, userID int64) (*models.DataGap, error)
	UpdateDataGap(ctx context.Context, userID int64, gap *models.DataGap) error
	InsertDataGap(ctx context.Context, userID int64, gap *models.DataGap) error
}

// GapOutcome reports what CheckAndCreateOngoingGap did
type GapOutcome string

// GapOutcome constants
const (
	GapNone     GapOutcome = "NONE"
	GapCreated  GapOutcome = "CREATED"
	GapExtended GapOutcome = "EXTENDED"
)

// DataGapDetector decides which silences become data gaps and keeps the
// gap after the user's last point up to date
type DataGapDetector struct {
	points LatestPointFinder
	gaps   DataGapStore
	now    func() time.Time
	log    zerolog.Logger
}

// NewDataGapDetector creates a detector using the wall clock
func NewDataGapDetector(points LatestPointFinder, gaps DataGapStore) *DataGapDetector {
	return &DataGapDetector{
		points: points,
		gaps:   gaps,
		now:    time.Now,
		log:    logger.Component("data_gap_detector"),
	}
}

// WithClock replaces the clock, for tests
func (d *DataGapDetector) WithClock(now func() time.Time) *DataGapDetector {
	d.now = now
	return d
}

// ShouldCreateGap reports whether the silence between start and end is a data gap:
// strictly longer than the threshold and at least the minimum duration
func ShouldCreateGap(cfg *models.TimelineConfig, start, end time.Time) bool {
	duration := int64(end.Sub(start).Seconds())

	threshold := DefaultDataGapThresholdSeconds
	if cfg != nil && cfg.DataGapThresholdSeconds != nil {
		threshold = *cfg.DataGapThresholdSeconds
	}
	if duration <= threshold {
		return false
	}

	if cfg != nil && cfg.DataGapMinDurationSeconds != nil && duration < *cfg.DataGapMinDurationSeconds {
		return false
	}
	return true
}

// CheckAndCreateOngoingGap records the silence since the user's last GPS point.
// A gap already starting at that point is extended in place, otherwise a new one is inserted.
func (d *DataGapDetector) CheckAndCreateOngoingGap(ctx context.Context, userID int64, cfg *models.TimelineConfig) (GapOutcome, error) {
	last, err := d.points.LatestPoint(ctx, userID)
	if err != nil {
		return GapNone, fmt.Errorf("failed to get latest point: %w", err)
	}
	if last == nil {
		return GapNone, nil
	}

	now := d.now().Truncate(time.Second)
	if !ShouldCreateGap(cfg, last.Timestamp, now) {
		return GapNone, nil
	}

	existing, err := d.gaps.LatestDataGap(ctx, userID)
	if err != nil {
		return GapNone, fmt.Errorf("failed to get latest data gap: %w", err)
	}

	gap := models.NewDataGap(last.Timestamp, now)
	if existing != nil && existing.Start.Equal(last.Timestamp) {
		gap.ID = existing.ID
		if err := d.gaps.UpdateDataGap(ctx, userID, gap); err != nil {
			return GapNone, fmt.Errorf("failed to extend data gap: %w", err)
		}
		d.log.Debug().Int64("user_id", userID).Time("start", gap.Start).Int64("duration_seconds", gap.DurationSeconds).Msg("Extended ongoing data gap")
		return GapExtended, nil
	}

	if err := d.gaps.InsertDataGap(ctx, userID, gap); err != nil {
		return GapNone, fmt.Errorf("failed to insert data gap: %w", err)
	}
	d.log.Info().Int64("user_id", userID).Time("start", gap.Start).Int64("duration_seconds", gap.DurationSeconds).Msg("Created ongoing data gap")
	return GapCreated, nil
}
