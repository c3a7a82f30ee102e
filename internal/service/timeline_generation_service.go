package service

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/jengzang/records-timeline/internal/analysis/behavior"
	"github.com/jengzang/records-timeline/internal/analysis/foundation"
	"github.com/jengzang/records-timeline/internal/database"
	"github.com/jengzang/records-timeline/internal/logger"
	"github.com/jengzang/records-timeline/internal/metrics"
	"github.com/jengzang/records-timeline/internal/models"
	"github.com/jengzang/records-timeline/internal/repository"
)

// Epoch is the sentinel timestamp meaning "regenerate everything"
var Epoch = time.Unix(0, 0).UTC()

// PointLoader reads the GPS points a regeneration works on
type PointLoader interface {
	LoadForTimeline(ctx context.Context, userID int64, from time.Time) ([]models.GPSPoint, error)
	LoadContext(ctx context.Context, userID int64, from time.Time) ([]models.GPSPoint, error)
}

// Segmenter turns points into draft timeline events
type Segmenter interface {
	Process(ctx context.Context, contextPoints, newPoints []models.GPSPoint, cfg *models.TimelineConfig, userID int64) ([]models.TimelineEvent, error)
}

// StatusStore is the durable per-user timeline lock
type StatusStore interface {
	TryAcquire(ctx context.Context, userID int64, status models.ProcessingStatus) (bool, error)
	Release(ctx context.Context, userID int64) error
	ResetBusy(ctx context.Context) ([]int64, error)
}

// ConfigProvider resolves a user's effective TimelineConfig
type ConfigProvider interface {
	Get(ctx context.Context, userID int64) (*models.TimelineConfig, error)
}

// GapChecker maintains the data gap after the user's last point
type GapChecker interface {
	CheckAndCreateOngoingGap(ctx context.Context, userID int64, cfg *models.TimelineConfig) (foundation.GapOutcome, error)
}

// Step is one reported stage of a regeneration
type Step struct {
	Name    string
	Index   int // 1-based
	Percent int // progress once the step has started
}

// Regeneration steps, in execution order
var (
	StepLock     = Step{Name: "LOCK", Index: 1, Percent: 5}
	StepCleanup  = Step{Name: "CLEANUP", Index: 2, Percent: 10}
	StepLoad     = Step{Name: "LOAD", Index: 3, Percent: 20}
	StepSegment  = Step{Name: "SEGMENT", Index: 4, Percent: 40}
	StepClassify = Step{Name: "CLASSIFY", Index: 5, Percent: 60}
	StepMerge    = Step{Name: "MERGE", Index: 6, Percent: 70}
	StepSimplify = Step{Name: "SIMPLIFY", Index: 7, Percent: 80}
	StepPersist  = Step{Name: "PERSIST", Index: 8, Percent: 85}
	StepGaps     = Step{Name: "GAPS", Index: 9, Percent: 95}
)

// ProgressFunc receives each step as it starts, with the details known so far
type ProgressFunc func(step Step, details map[string]any)

// GenerationResult summarizes one regeneration run
type GenerationResult struct {
	UserID           int64                       `json:"userId"`
	From             time.Time                   `json:"from"`
	Full             bool                        `json:"full"`
	DeletedRows      int64                       `json:"deletedRows"`
	ContextPoints    int                         `json:"contextPoints"`
	NewPoints        int                         `json:"newPoints"`
	Stays            int                         `json:"stays"`
	Trips            int                         `json:"trips"`
	DataGaps         int                         `json:"dataGaps"`
	MergedStays      int                         `json:"mergedStays"`
	SimplifiedPoints int                         `json:"simplifiedPoints"`
	MovementTypes    map[models.MovementType]int `json:"movementTypes"`
	OngoingGap       foundation.GapOutcome       `json:"ongoingGap"`
	Duration         time.Duration               `json:"duration"`
}

// TimelineGenerationService rebuilds a user's timeline from a point in time
type TimelineGenerationService struct {
	db         *sql.DB
	points     PointLoader
	timelines  *repository.TimelineRepository
	status     StatusStore
	configs    ConfigProvider
	segmenter  Segmenter
	gaps       GapChecker
	badges     BadgeRecalculator
	classifier *behavior.TripClassifier
	merger     *behavior.TimelineMerger
	simplifier *foundation.PathSimplifier
	metrics    metrics.Recorder
	log        zerolog.Logger
}

// NewTimelineGenerationService creates a new timeline generation service.
// badges may be nil when badge recalculation is not configured.
func NewTimelineGenerationService(
	db *sql.DB,
	points PointLoader,
	timelines *repository.TimelineRepository,
	status StatusStore,
	configs ConfigProvider,
	segmenter Segmenter,
	gaps GapChecker,
	badges BadgeRecalculator,
	rec metrics.Recorder,
) *TimelineGenerationService {
	if rec == nil {
		rec = metrics.Noop{}
	}
	return &TimelineGenerationService{
		db:         db,
		points:     points,
		timelines:  timelines,
		status:     status,
		configs:    configs,
		segmenter:  segmenter,
		gaps:       gaps,
		badges:     badges,
		classifier: behavior.NewTripClassifier(),
		merger:     behavior.NewTimelineMerger(),
		simplifier: foundation.NewPathSimplifier(),
		metrics:    rec,
		log:        logger.Component("timeline_generation"),
	}
}

// GenerateTimelineFromTimestamp regenerates the timeline affected by points
// at or after t. Returns ErrLockConflict when the user is already being processed.
func (s *TimelineGenerationService) GenerateTimelineFromTimestamp(ctx context.Context, userID int64, t time.Time) (*GenerationResult, error) {
	return s.GenerateTimelineFromTimestampWithProgress(ctx, userID, t, nil)
}

// GenerateTimelineFromTimestampWithProgress is GenerateTimelineFromTimestamp
// reporting each step to progress
func (s *TimelineGenerationService) GenerateTimelineFromTimestampWithProgress(ctx context.Context, userID int64, t time.Time, progress ProgressFunc) (*GenerationResult, error) {
	return s.run(ctx, userID, t, progress)
}

// RegenerateFullTimeline rebuilds the user's whole timeline, then recalculates badges
func (s *TimelineGenerationService) RegenerateFullTimeline(ctx context.Context, userID int64) (*GenerationResult, error) {
	return s.RegenerateFullTimelineWithProgress(ctx, userID, nil)
}

// RegenerateFullTimelineWithProgress is RegenerateFullTimeline reporting each step to progress
func (s *TimelineGenerationService) RegenerateFullTimelineWithProgress(ctx context.Context, userID int64, progress ProgressFunc) (*GenerationResult, error) {
	result, err := s.run(ctx, userID, Epoch, progress)
	if err != nil {
		return nil, err
	}

	if s.badges != nil {
		if err := s.badges.RecalculateAllBadges(ctx, userID); err != nil {
			s.log.Warn().Err(err).Int64("user_id", userID).Msg("Badge recalculation failed")
		}
	}
	return result, nil
}

// RecoverStuckUsers resets users left busy by a crash.
// Regenerations only ever take PROCESSING; REGENERATING rows are reset too.
// Call once at startup, before any regeneration runs.
func (s *TimelineGenerationService) RecoverStuckUsers(ctx context.Context) ([]int64, error) {
	users, err := s.status.ResetBusy(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to recover stuck users: %w", err)
	}
	if len(users) > 0 {
		s.log.Warn().Ints64("user_ids", users).Msg("Reset timeline status of stuck users")
	}
	return users, nil
}

func (s *TimelineGenerationService) run(ctx context.Context, userID int64, t time.Time, progress ProgressFunc) (*GenerationResult, error) {
	started := time.Now()
	result := &GenerationResult{UserID: userID}
	report := func(step Step) {
		if progress != nil {
			progress(step, result.details())
		}
	}

	report(StepLock)
	acquired, err := s.status.TryAcquire(ctx, userID, models.StatusProcessing)
	if err != nil {
		s.metrics.ObserveRegeneration(metrics.OutcomeError, time.Since(started))
		return nil, err
	}
	if !acquired {
		s.metrics.ObserveRegeneration(metrics.OutcomeLockConflict, time.Since(started))
		return nil, ErrLockConflict
	}
	defer func() {
		if err := s.status.Release(context.WithoutCancel(ctx), userID); err != nil {
			s.log.Error().Err(err).Int64("user_id", userID).Msg("Failed to release timeline lock")
		}
	}()

	if err := s.generate(ctx, userID, t, result, report); err != nil {
		s.metrics.ObserveRegeneration(metrics.OutcomeError, time.Since(started))
		s.log.Error().Err(err).Int64("user_id", userID).Time("from", t).Msg("Timeline regeneration failed")
		return nil, err
	}

	result.Duration = time.Since(started)
	s.metrics.ObserveRegeneration(metrics.OutcomeSuccess, result.Duration)
	s.log.Info().
		Int64("user_id", userID).
		Time("from", result.From).
		Bool("full", result.Full).
		Int("stays", result.Stays).
		Int("trips", result.Trips).
		Int("data_gaps", result.DataGaps).
		Dur("duration", result.Duration).
		Msg("Timeline regenerated")
	return result, nil
}

func (s *TimelineGenerationService) generate(ctx context.Context, userID int64, t time.Time, result *GenerationResult, report func(Step)) error {
	cfg, err := s.configs.Get(ctx, userID)
	if err != nil {
		return fmt.Errorf("failed to load timeline config: %w", err)
	}

	// Replay window: restart at the last stay before t so it can absorb new points
	report(StepCleanup)
	from := Epoch
	if t.After(Epoch) {
		anchor, err := s.timelines.LatestStayBefore(ctx, userID, t)
		if err != nil {
			return err
		}
		if anchor != nil {
			from = anchor.Timestamp
		}
	}
	result.From = from
	result.Full = !from.After(Epoch)

	report(StepLoad)
	newPoints, err := s.points.LoadForTimeline(ctx, userID, from)
	if err != nil {
		return err
	}
	var contextPoints []models.GPSPoint
	if !result.Full {
		if contextPoints, err = s.points.LoadContext(ctx, userID, from); err != nil {
			return err
		}
	}
	result.NewPoints = len(newPoints)
	result.ContextPoints = len(contextPoints)

	report(StepSegment)
	events, err := s.segmenter.Process(ctx, contextPoints, newPoints, cfg, userID)
	if err != nil {
		return fmt.Errorf("failed to segment points: %w", err)
	}
	tl := models.NewRawTimeline(userID, events)

	report(StepClassify)
	result.MovementTypes = s.classifier.ClassifyTrips(tl.Trips, cfg)
	s.metrics.AddClassifiedTrips(result.MovementTypes)

	report(StepMerge)
	if cfg.MergeEnabled {
		before := len(tl.Stays)
		tl = s.merger.Merge(tl, cfg)
		result.MergedStays = before - len(tl.Stays)
	}

	report(StepSimplify)
	if cfg.PathSimplificationEnabled && cfg.PathSimplificationTolerance > 0 {
		result.SimplifiedPoints = s.simplifier.SimplifyTrips(tl.Trips, cfg.PathSimplificationTolerance)
	}

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("regeneration cancelled: %w", err)
	}

	report(StepPersist)
	err = database.Transaction(ctx, s.db, func(tx *sql.Tx) error {
		repo := s.timelines.WithTx(tx)
		var deleted int64
		var err error
		if result.Full {
			deleted, err = repo.DeleteAll(ctx, userID)
		} else {
			deleted, err = repo.DeleteFrom(ctx, userID, from)
		}
		if err != nil {
			return err
		}
		result.DeletedRows = deleted
		return repo.SaveTimeline(ctx, tl)
	})
	if err != nil {
		return fmt.Errorf("failed to persist timeline: %w", err)
	}
	result.Stays = len(tl.Stays)
	result.Trips = len(tl.Trips)
	result.DataGaps = len(tl.DataGaps)

	// The ongoing gap runs even without new points. A failure is reported but
	// the committed timeline stays in place.
	report(StepGaps)
	outcome, err := s.gaps.CheckAndCreateOngoingGap(ctx, userID, cfg)
	if err != nil {
		return fmt.Errorf("failed to check ongoing data gap: %w", err)
	}
	result.OngoingGap = outcome
	if outcome != foundation.GapNone {
		s.metrics.IncDataGaps(string(outcome))
	}
	return nil
}

func (r *GenerationResult) details() map[string]any {
	return map[string]any{
		"from":             r.From,
		"newPoints":        r.NewPoints,
		"contextPoints":    r.ContextPoints,
		"stays":            r.Stays,
		"trips":            r.Trips,
		"dataGaps":         r.DataGaps,
		"mergedStays":      r.MergedStays,
		"simplifiedPoints": r.SimplifiedPoints,
	}
}
