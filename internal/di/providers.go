package di

import (
	"database/sql"
	"fmt"

	"github.com/google/wire"

	"github.com/jengzang/records-timeline/internal/analysis/foundation"
	"github.com/jengzang/records-timeline/internal/api"
	"github.com/jengzang/records-timeline/internal/config"
	"github.com/jengzang/records-timeline/internal/database"
	"github.com/jengzang/records-timeline/internal/handler"
	"github.com/jengzang/records-timeline/internal/logger"
	"github.com/jengzang/records-timeline/internal/metrics"
	"github.com/jengzang/records-timeline/internal/middleware"
	"github.com/jengzang/records-timeline/internal/repository"
	"github.com/jengzang/records-timeline/internal/service"
)

// StorageSet opens the database and builds the repositories
var StorageSet = wire.NewSet(
	ProvideDB,
	ProvidePointRepository,
	repository.NewTimelineRepository,
	repository.NewProcessingStatusRepository,
	ProvideConfigRepository,
)

// ServiceSet builds the timeline pipeline and job services
var ServiceSet = wire.NewSet(
	ProvideMetrics,
	ProvideSegmenter,
	ProvideGapDetector,
	ProvideBadgeRecalculator,
	service.NewTimelineGenerationService,
	ProvideJobTracker,
	ProvideJobService,

	wire.Bind(new(service.PointLoader), new(*repository.GPSPointRepository)),
	wire.Bind(new(service.StatusStore), new(*repository.ProcessingStatusRepository)),
	wire.Bind(new(service.ConfigProvider), new(*repository.TimelineConfigRepository)),
	wire.Bind(new(service.Segmenter), new(*foundation.SegmentationProcessor)),
	wire.Bind(new(service.GapChecker), new(*foundation.DataGapDetector)),
	wire.Bind(new(service.TimelineRegenerator), new(*service.TimelineGenerationService)),
)

// HTTPSet builds the handlers and the router
var HTTPSet = wire.NewSet(
	handler.NewTimelineHandler,
	ProvideRateLimiter,
	api.SetupRouter,

	wire.Bind(new(handler.JobRunner), new(*service.TimelineJobService)),
	wire.Bind(new(handler.JobQuery), new(*service.JobProgressTracker)),
	wire.Bind(new(handler.TimelineReader), new(*repository.TimelineRepository)),
	wire.Bind(new(handler.PointWriter), new(*repository.GPSPointRepository)),
	wire.Bind(new(handler.ConfigStore), new(*repository.TimelineConfigRepository)),
)

// ProvideDB opens the sqlite database and applies migrations when enabled
func ProvideDB(cfg *config.Config) (*sql.DB, func(), error) {
	conn, err := database.Open(database.Config{Path: cfg.DBPath})
	if err != nil {
		return nil, nil, err
	}
	cleanup := func() {
		if err := conn.Close(); err != nil {
			log := logger.Component("database")
			log.Error().Err(err).Msg("Failed to close database")
		}
	}

	if cfg.AutoMigrate {
		if err := database.MigrateUp(conn); err != nil {
			cleanup()
			return nil, nil, err
		}
	}
	if version, dirty, err := database.MigrateVersion(conn); err == nil {
		log := logger.Component("database")
		log.Info().
			Str("path", cfg.DBPath).
			Uint("schema_version", version).
			Bool("dirty", dirty).
			Msg("Database ready")
	}
	return conn, cleanup, nil
}

// ProvideMetrics returns the Prometheus recorder, or a no-op one when disabled
func ProvideMetrics(cfg *config.Config) metrics.Recorder {
	return metrics.New(cfg.Metrics.Enabled)
}

func ProvidePointRepository(db *sql.DB, cfg *config.Config) *repository.GPSPointRepository {
	return repository.NewGPSPointRepository(db, repository.GPSPointLoaderOptions{
		ChunkSize:     cfg.Timeline.PointChunkSize,
		ContextPoints: cfg.Timeline.ContextPoints,
		ContextWindow: cfg.Timeline.ContextWindow,
	})
}

func ProvideConfigRepository(db *sql.DB, cfg *config.Config) (*repository.TimelineConfigRepository, error) {
	repo, err := repository.NewTimelineConfigRepository(db, cfg.Timeline.DefaultTimelineConfig(), cfg.Timeline.ConfigCacheMB, cfg.Timeline.ConfigCacheTTL)
	if err != nil {
		return nil, fmt.Errorf("failed to create timeline config repository: %w", err)
	}
	return repo, nil
}

func ProvideSegmenter(cfg *config.Config) *foundation.SegmentationProcessor {
	return foundation.NewSegmentationProcessor(foundation.SegmentationParams{
		StayRadiusMeters: cfg.Timeline.StayRadiusMeters,
		MinStayDuration:  cfg.Timeline.MinStayDuration,
	})
}

func ProvideGapDetector(points *repository.GPSPointRepository, timelines *repository.TimelineRepository) *foundation.DataGapDetector {
	return foundation.NewDataGapDetector(points, timelines)
}

// ProvideBadgeRecalculator returns nil: no badge store is configured
func ProvideBadgeRecalculator() service.BadgeRecalculator {
	return nil
}

// ProvideJobTracker builds the tracker; the caller starts and stops its cleanup loop
func ProvideJobTracker(cfg *config.Config, rec metrics.Recorder) *service.JobProgressTracker {
	return service.NewJobProgressTracker(service.JobTrackerOptions{
		Capacity:        cfg.Jobs.Capacity,
		Retention:       cfg.Jobs.Retention,
		CleanupInterval: cfg.Jobs.CleanupInterval,
	}, rec)
}

func ProvideJobService(generator service.TimelineRegenerator, tracker *service.JobProgressTracker, cfg *config.Config) *service.TimelineJobService {
	return service.NewTimelineJobService(generator, tracker, cfg.Jobs.Workers)
}

// ProvideRateLimiter returns nil when rate limiting is disabled
func ProvideRateLimiter(cfg *config.Config) (*middleware.RateLimiter, func()) {
	if cfg.RateLimit.Requests <= 0 {
		return nil, func() {}
	}
	limiter := middleware.NewRateLimiter(cfg.RateLimit.Requests, cfg.RateLimit.Window)
	return limiter, limiter.Stop
}
