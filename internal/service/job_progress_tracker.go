package service

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/jengzang/records-timeline/internal/logger"
	"github.com/jengzang/records-timeline/internal/metrics"
	"github.com/jengzang/records-timeline/internal/models"
)

// JobTrackerOptions bounds the in-memory job store
type JobTrackerOptions struct {
	Capacity        int           // max jobs kept; oldest terminal jobs are evicted beyond it
	Retention       time.Duration // terminal jobs older than this are removed by CleanupExpired
	CleanupInterval time.Duration // how often Start runs CleanupExpired
}

// JobProgressTracker keeps the progress of asynchronous timeline jobs in memory.
// Jobs do not survive a restart.
type JobProgressTracker struct {
	mu     sync.RWMutex
	jobs   map[uuid.UUID]*models.TimelineJobProgress
	active map[int64]uuid.UUID // user id -> queued or running job

	opts    JobTrackerOptions
	now     func() time.Time
	metrics metrics.Recorder
	log     zerolog.Logger

	startOnce sync.Once
	stopOnce  sync.Once
	stop      chan struct{}
	done      chan struct{}
}

// NewJobProgressTracker creates an empty tracker
func NewJobProgressTracker(opts JobTrackerOptions, rec metrics.Recorder) *JobProgressTracker {
	if opts.Capacity <= 0 {
		opts.Capacity = 1000
	}
	if opts.Retention <= 0 {
		opts.Retention = 24 * time.Hour
	}
	if opts.CleanupInterval <= 0 {
		opts.CleanupInterval = 10 * time.Minute
	}
	if rec == nil {
		rec = metrics.Noop{}
	}

	return &JobProgressTracker{
		jobs:    make(map[uuid.UUID]*models.TimelineJobProgress),
		active:  make(map[int64]uuid.UUID),
		opts:    opts,
		now:     time.Now,
		metrics: rec,
		log:     logger.Component("job_tracker"),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// CreateJob registers a QUEUED job for the user. Returns a *JobConflictError
// when the user already has an active job.
func (t *JobProgressTracker) CreateJob(userID int64) (*models.TimelineJobProgress, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if id, ok := t.activeJobLocked(userID); ok {
		return nil, &JobConflictError{UserID: userID, JobID: id}
	}

	job := &models.TimelineJobProgress{
		JobID:      uuid.New(),
		UserID:     userID,
		Status:     models.JobStatusQueued,
		TotalSteps: models.TimelineJobTotalSteps,
		Details:    map[string]any{},
		StartTime:  t.now(),
	}
	t.jobs[job.JobID] = job
	t.active[userID] = job.JobID

	t.evictLocked()
	t.metrics.SetActiveJobs(len(t.active))
	return job.Clone(), nil
}

// UpdateProgress moves the job to RUNNING and records the current step.
// Percent is clamped to [0, 100]. Updates to terminal jobs are ignored.
func (t *JobProgressTracker) UpdateProgress(jobID uuid.UUID, step string, stepIndex, percent int, details map[string]any) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	job, ok := t.jobs[jobID]
	if !ok {
		return ErrJobNotFound
	}
	if job.Status.IsTerminal() {
		return nil
	}

	job.Status = models.JobStatusRunning
	job.CurrentStep = step
	job.CurrentStepIndex = stepIndex
	job.ProgressPercentage = clampPercent(percent)
	for k, v := range details {
		job.Details[k] = v
	}
	return nil
}

// CompleteJob marks the job COMPLETED
func (t *JobProgressTracker) CompleteJob(jobID uuid.UUID) error {
	return t.finish(jobID, models.JobStatusCompleted, "")
}

// FailJob marks the job FAILED with the error message
func (t *JobProgressTracker) FailJob(jobID uuid.UUID, message string) error {
	return t.finish(jobID, models.JobStatusFailed, message)
}

func (t *JobProgressTracker) finish(jobID uuid.UUID, status models.JobStatus, message string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	job, ok := t.jobs[jobID]
	if !ok {
		return ErrJobNotFound
	}
	// The first outcome sticks
	if job.Status.IsTerminal() {
		return nil
	}

	end := t.now()
	job.Status = status
	job.EndTime = &end
	job.ErrorMessage = message
	if status == models.JobStatusCompleted {
		job.ProgressPercentage = 100
	}

	if id, ok := t.active[job.UserID]; ok && id == jobID {
		delete(t.active, job.UserID)
	}
	t.metrics.SetActiveJobs(len(t.active))
	return nil
}

// GetJob returns a snapshot of the job
func (t *JobProgressTracker) GetJob(jobID uuid.UUID) (*models.TimelineJobProgress, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	job, ok := t.jobs[jobID]
	if !ok {
		return nil, false
	}
	return job.Clone(), true
}

// GetUserActiveJob returns the user's queued or running job. A stale index
// entry pointing at a missing or finished job is cleared.
func (t *JobProgressTracker) GetUserActiveJob(userID int64) (*models.TimelineJobProgress, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	id, ok := t.activeJobLocked(userID)
	if !ok {
		return nil, false
	}
	return t.jobs[id].Clone(), true
}

// activeJobLocked resolves the active index, dropping stale entries
func (t *JobProgressTracker) activeJobLocked(userID int64) (uuid.UUID, bool) {
	id, ok := t.active[userID]
	if !ok {
		return uuid.Nil, false
	}
	if job, exists := t.jobs[id]; !exists || job.Status.IsTerminal() {
		delete(t.active, userID)
		t.log.Debug().Int64("user_id", userID).Str("job_id", id.String()).Msg("Cleared stale active job entry")
		return uuid.Nil, false
	}
	return id, true
}

// GetUserHistoryJobs returns the user's finished jobs, most recent first
func (t *JobProgressTracker) GetUserHistoryJobs(userID int64) []*models.TimelineJobProgress {
	t.mu.RLock()
	defer t.mu.RUnlock()

	history := []*models.TimelineJobProgress{}
	for _, job := range t.jobs {
		if job.UserID == userID && job.Status.IsTerminal() {
			history = append(history, job.Clone())
		}
	}
	sort.Slice(history, func(i, j int) bool {
		if !history[i].StartTime.Equal(history[j].StartTime) {
			return history[i].StartTime.After(history[j].StartTime)
		}
		return history[i].EndTime.After(*history[j].EndTime)
	})
	return history
}

// ActiveCount returns the number of queued or running jobs
func (t *JobProgressTracker) ActiveCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.active)
}

// CleanupExpired removes terminal jobs that ended more than Retention ago
func (t *JobProgressTracker) CleanupExpired() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	cutoff := t.now().Add(-t.opts.Retention)
	removed := 0
	for id, job := range t.jobs {
		if job.Status.IsTerminal() && job.EndTime != nil && job.EndTime.Before(cutoff) {
			delete(t.jobs, id)
			removed++
		}
	}

	if removed > 0 {
		t.log.Info().Int("removed", removed).Int("remaining", len(t.jobs)).Msg("Cleaned up expired timeline jobs")
	}
	return removed
}

// evictLocked drops the oldest terminal jobs while the store is over capacity
func (t *JobProgressTracker) evictLocked() {
	excess := len(t.jobs) - t.opts.Capacity
	if excess <= 0 {
		return
	}

	var terminal []*models.TimelineJobProgress
	for _, job := range t.jobs {
		if job.Status.IsTerminal() {
			terminal = append(terminal, job)
		}
	}
	sort.Slice(terminal, func(i, j int) bool {
		return terminal[i].EndTime.Before(*terminal[j].EndTime)
	})

	for i := 0; i < excess && i < len(terminal); i++ {
		delete(t.jobs, terminal[i].JobID)
	}
	t.log.Debug().Int("evicted", min(excess, len(terminal))).Msg("Evicted terminal timeline jobs over capacity")
}

// Start runs CleanupExpired every CleanupInterval until Stop is called.
// Only the first call starts a loop.
func (t *JobProgressTracker) Start() {
	t.startOnce.Do(func() {
		go t.cleanupLoop()
	})
}

func (t *JobProgressTracker) cleanupLoop() {
	defer close(t.done)
	ticker := time.NewTicker(t.opts.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			t.CleanupExpired()
		case <-t.stop:
			return
		}
	}
}

// Stop ends the cleanup loop and waits for it to exit. A tracker that was
// never started cannot be started afterwards.
func (t *JobProgressTracker) Stop() {
	t.stopOnce.Do(func() {
		close(t.stop)
		t.startOnce.Do(func() { close(t.done) })
		<-t.done
	})
}

func clampPercent(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}
