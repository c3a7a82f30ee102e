package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/jengzang/records-timeline/internal/logger"
	"github.com/jengzang/records-timeline/internal/models"
)

// TimelineRegenerator runs regenerations while reporting progress
type TimelineRegenerator interface {
	GenerateTimelineFromTimestampWithProgress(ctx context.Context, userID int64, t time.Time, progress ProgressFunc) (*GenerationResult, error)
	RegenerateFullTimelineWithProgress(ctx context.Context, userID int64, progress ProgressFunc) (*GenerationResult, error)
}

// TimelineJobService runs regenerations as tracked background jobs on a
// worker pool shared by all users
type TimelineJobService struct {
	generator TimelineRegenerator
	tracker   *JobProgressTracker
	sem       *semaphore.Weighted

	mu      sync.Mutex
	closed  bool
	pending map[int64]time.Time // user id -> earliest deferred start
	wg      sync.WaitGroup
	baseCtx context.Context
	cancel  context.CancelFunc

	log zerolog.Logger
}

// NewTimelineJobService creates a job service running at most workers
// regenerations at once
func NewTimelineJobService(generator TimelineRegenerator, tracker *JobProgressTracker, workers int) *TimelineJobService {
	if workers <= 0 {
		workers = 2
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &TimelineJobService{
		generator: generator,
		tracker:   tracker,
		sem:       semaphore.NewWeighted(int64(workers)),
		pending:   make(map[int64]time.Time),
		baseCtx:   ctx,
		cancel:    cancel,
		log:       logger.Component("timeline_jobs"),
	}
}

// RegenerateAsync queues a full regeneration and returns the job id.
// Returns a *JobConflictError when the user already has an active job.
func (s *TimelineJobService) RegenerateAsync(userID int64) (uuid.UUID, error) {
	return s.submit(userID, func(ctx context.Context, progress ProgressFunc) (*GenerationResult, error) {
		return s.generator.RegenerateFullTimelineWithProgress(ctx, userID, progress)
	})
}

// RegenerateFromAsync queues an incremental regeneration from t
func (s *TimelineJobService) RegenerateFromAsync(userID int64, t time.Time) (uuid.UUID, error) {
	return s.submit(userID, s.fromTimestamp(userID, t))
}

// RegenerateFromAfterActive is RegenerateFromAsync, except that a user with an
// active job is not rejected: t is deferred and a follow-up job starts from
// the earliest deferred time once the active job ends. In that case deferred
// is true and jobID is the active job's id.
func (s *TimelineJobService) RegenerateFromAfterActive(userID int64, t time.Time) (jobID uuid.UUID, deferred bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// The active job reads pending only after it is terminal and under mu,
	// so a conflict seen here is always followed up
	jobID, err = s.submitLocked(userID, s.fromTimestamp(userID, t))
	var conflict *JobConflictError
	if !errors.As(err, &conflict) {
		return jobID, false, err
	}
	if prev, ok := s.pending[userID]; !ok || t.Before(prev) {
		s.pending[userID] = t
	}
	s.log.Info().Int64("user_id", userID).Str("active_job_id", conflict.JobID.String()).Time("from", t).Msg("Deferred timeline job")
	return conflict.JobID, true, nil
}

type jobFunc func(ctx context.Context, progress ProgressFunc) (*GenerationResult, error)

func (s *TimelineJobService) fromTimestamp(userID int64, t time.Time) jobFunc {
	return func(ctx context.Context, progress ProgressFunc) (*GenerationResult, error) {
		return s.generator.GenerateTimelineFromTimestampWithProgress(ctx, userID, t, progress)
	}
}

func (s *TimelineJobService) submit(userID int64, run jobFunc) (uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.submitLocked(userID, run)
}

func (s *TimelineJobService) submitLocked(userID int64, run jobFunc) (uuid.UUID, error) {
	if s.closed {
		return uuid.Nil, ErrShuttingDown
	}

	job, err := s.tracker.CreateJob(userID)
	if err != nil {
		return uuid.Nil, err
	}

	s.wg.Add(1)
	go s.worker(job.JobID, userID, run)

	s.log.Info().Int64("user_id", userID).Str("job_id", job.JobID.String()).Msg("Queued timeline job")
	return job.JobID, nil
}

func (s *TimelineJobService) worker(jobID uuid.UUID, userID int64, run jobFunc) {
	defer s.wg.Done()
	log := s.log.With().Int64("user_id", userID).Str("job_id", jobID.String()).Logger()
	defer s.followUp(log, userID)

	if err := s.sem.Acquire(s.baseCtx, 1); err != nil {
		s.fail(log, jobID, err)
		return
	}
	defer s.sem.Release(1)

	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("Timeline job panicked")
			_ = s.tracker.FailJob(jobID, "internal error")
		}
	}()

	result, err := run(s.baseCtx, func(step Step, details map[string]any) {
		if err := s.tracker.UpdateProgress(jobID, step.Name, step.Index, step.Percent, details); err != nil {
			log.Warn().Err(err).Str("step", step.Name).Msg("Failed to update job progress")
		}
	})
	if err != nil {
		s.fail(log, jobID, err)
		return
	}

	final := result.details()
	final["movementTypes"] = result.MovementTypes
	final["ongoingGap"] = string(result.OngoingGap)
	final["durationMs"] = result.Duration.Milliseconds()
	_ = s.tracker.UpdateProgress(jobID, StepGaps.Name, models.TimelineJobTotalSteps, 100, final)
	if err := s.tracker.CompleteJob(jobID); err != nil {
		log.Warn().Err(err).Msg("Failed to complete job")
		return
	}
	log.Info().Dur("duration", result.Duration).Msg("Timeline job completed")
}

func (s *TimelineJobService) fail(log zerolog.Logger, jobID uuid.UUID, err error) {
	log.Error().Err(err).Msg("Timeline job failed")
	if ferr := s.tracker.FailJob(jobID, err.Error()); ferr != nil {
		log.Warn().Err(ferr).Msg("Failed to mark job as failed")
	}
}

// followUp starts the deferred regeneration for userID, if any.
// Runs after the finished job is terminal.
func (s *TimelineJobService) followUp(log zerolog.Logger, userID int64) {
	s.mu.Lock()
	t, ok := s.pending[userID]
	delete(s.pending, userID)
	s.mu.Unlock()
	if !ok {
		return
	}

	jobID, deferred, err := s.RegenerateFromAfterActive(userID, t)
	if err != nil {
		log.Warn().Err(err).Time("from", t).Msg("Dropped deferred timeline job")
		return
	}
	if !deferred {
		log.Info().Str("follow_up_job_id", jobID.String()).Time("from", t).Msg("Started deferred timeline job")
	}
}

// Shutdown stops accepting jobs and waits for running ones. When ctx ends
// first, running jobs are cancelled and Shutdown returns ctx.Err().
func (s *TimelineJobService) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.cancel()
		return nil
	case <-ctx.Done():
		s.cancel()
		<-done
		return ctx.Err()
	}
}
