package service

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jengzang/records-timeline/internal/models"
)

var allSteps = []Step{StepLock, StepCleanup, StepLoad, StepSegment, StepClassify, StepMerge, StepSimplify, StepPersist, StepGaps}

// fakeRegenerator reports every step, then waits for gate (if set) before returning
type fakeRegenerator struct {
	gate    chan struct{}
	err     error
	running atomic.Int32
	peak    atomic.Int32
	calls   atomic.Int32
	lastT   atomic.Value
}

func (f *fakeRegenerator) run(ctx context.Context, userID int64, progress ProgressFunc) (*GenerationResult, error) {
	f.calls.Add(1)
	n := f.running.Add(1)
	defer f.running.Add(-1)
	for {
		peak := f.peak.Load()
		if n <= peak || f.peak.CompareAndSwap(peak, n) {
			break
		}
	}

	for _, step := range allSteps {
		progress(step, map[string]any{"userId": userID})
	}
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	return &GenerationResult{UserID: userID, Stays: 2, Trips: 1, MovementTypes: map[models.MovementType]int{models.MovementCar: 1}}, nil
}

func (f *fakeRegenerator) GenerateTimelineFromTimestampWithProgress(ctx context.Context, userID int64, t time.Time, progress ProgressFunc) (*GenerationResult, error) {
	f.lastT.Store(t)
	return f.run(ctx, userID, progress)
}

func (f *fakeRegenerator) RegenerateFullTimelineWithProgress(ctx context.Context, userID int64, progress ProgressFunc) (*GenerationResult, error) {
	return f.run(ctx, userID, progress)
}

func waitForStatus(t *testing.T, tr *JobProgressTracker, jobID uuid.UUID, status models.JobStatus) *models.TimelineJobProgress {
	t.Helper()
	var job *models.TimelineJobProgress
	require.Eventually(t, func() bool {
		var ok bool
		job, ok = tr.GetJob(jobID)
		return ok && job.Status == status
	}, 2*time.Second, 5*time.Millisecond)
	return job
}

func newJobService(gen TimelineRegenerator, workers int) (*TimelineJobService, *JobProgressTracker) {
	tracker := NewJobProgressTracker(JobTrackerOptions{}, nil)
	return NewTimelineJobService(gen, tracker, workers), tracker
}

func TestRegenerateAsync_CompletesJob(t *testing.T) {
	gen := &fakeRegenerator{}
	svc, tracker := newJobService(gen, 2)
	defer svc.Shutdown(context.Background())

	jobID, err := svc.RegenerateAsync(1)
	require.NoError(t, err)

	job := waitForStatus(t, tracker, jobID, models.JobStatusCompleted)
	assert.Equal(t, 100, job.ProgressPercentage)
	assert.Equal(t, "GAPS", job.CurrentStep)
	assert.Equal(t, models.TimelineJobTotalSteps, job.CurrentStepIndex)
	assert.Equal(t, 2, job.Details["stays"])
	assert.NotNil(t, job.EndTime)

	_, active := tracker.GetUserActiveJob(1)
	assert.False(t, active)
}

func TestRegenerateFromAsync_PassesTimestamp(t *testing.T) {
	gen := &fakeRegenerator{}
	svc, tracker := newJobService(gen, 1)
	defer svc.Shutdown(context.Background())

	from := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	jobID, err := svc.RegenerateFromAsync(1, from)
	require.NoError(t, err)

	waitForStatus(t, tracker, jobID, models.JobStatusCompleted)
	assert.Equal(t, from, gen.lastT.Load())
}

func TestRegenerateFromAfterActive_StartsWhenIdle(t *testing.T) {
	gen := &fakeRegenerator{}
	svc, tracker := newJobService(gen, 1)
	defer svc.Shutdown(context.Background())

	from := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	jobID, deferred, err := svc.RegenerateFromAfterActive(1, from)
	require.NoError(t, err)
	assert.False(t, deferred)

	waitForStatus(t, tracker, jobID, models.JobStatusCompleted)
	assert.Equal(t, from, gen.lastT.Load())
	assert.Equal(t, int32(1), gen.calls.Load())
}

func TestRegenerateFromAfterActive_FollowsUpFromEarliest(t *testing.T) {
	gen := &fakeRegenerator{gate: make(chan struct{})}
	svc, tracker := newJobService(gen, 2)
	defer svc.Shutdown(context.Background())

	active, err := svc.RegenerateAsync(1)
	require.NoError(t, err)

	nine := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	for _, from := range []time.Time{nine.Add(time.Hour), nine, nine.Add(2 * time.Hour)} {
		jobID, deferred, err := svc.RegenerateFromAfterActive(1, from)
		require.NoError(t, err)
		assert.True(t, deferred)
		assert.Equal(t, active, jobID)
	}
	assert.Equal(t, int32(1), gen.calls.Load(), "nothing runs while the user has an active job")

	close(gen.gate)
	waitForStatus(t, tracker, active, models.JobStatusCompleted)

	require.Eventually(t, func() bool {
		_, running := tracker.GetUserActiveJob(1)
		return gen.calls.Load() == 2 && !running
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, nine, gen.lastT.Load())

	// One follow-up only
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(2), gen.calls.Load())
}

func TestRegenerateAsync_RejectsActiveJob(t *testing.T) {
	gen := &fakeRegenerator{gate: make(chan struct{})}
	svc, tracker := newJobService(gen, 2)
	defer svc.Shutdown(context.Background())

	first, err := svc.RegenerateAsync(1)
	require.NoError(t, err)

	_, err = svc.RegenerateAsync(1)
	require.ErrorIs(t, err, ErrJobAlreadyActive)
	var conflict *JobConflictError
	require.True(t, errors.As(err, &conflict))
	assert.Equal(t, first, conflict.JobID)

	close(gen.gate)
	waitForStatus(t, tracker, first, models.JobStatusCompleted)

	second, err := svc.RegenerateAsync(1)
	require.NoError(t, err)
	waitForStatus(t, tracker, second, models.JobStatusCompleted)
	assert.Equal(t, int32(2), gen.calls.Load())
}

func TestRegenerateAsync_FailureMarksJobFailed(t *testing.T) {
	gen := &fakeRegenerator{err: ErrLockConflict}
	svc, tracker := newJobService(gen, 1)
	defer svc.Shutdown(context.Background())

	jobID, err := svc.RegenerateAsync(1)
	require.NoError(t, err)

	job := waitForStatus(t, tracker, jobID, models.JobStatusFailed)
	assert.Equal(t, ErrLockConflict.Error(), job.ErrorMessage)
	assert.Len(t, tracker.GetUserHistoryJobs(1), 1)
}

func TestRegenerateAsync_WorkerPoolIsBounded(t *testing.T) {
	gen := &fakeRegenerator{gate: make(chan struct{})}
	svc, tracker := newJobService(gen, 2)
	defer svc.Shutdown(context.Background())

	var ids []uuid.UUID
	for user := int64(1); user <= 4; user++ {
		id, err := svc.RegenerateAsync(user)
		require.NoError(t, err)
		ids = append(ids, id)
	}

	require.Eventually(t, func() bool { return gen.running.Load() == 2 }, 2*time.Second, 5*time.Millisecond)
	queued := 0
	for _, id := range ids {
		job, _ := tracker.GetJob(id)
		if job.Status == models.JobStatusQueued {
			queued++
		}
	}
	assert.Equal(t, 2, queued)

	close(gen.gate)
	for _, id := range ids {
		waitForStatus(t, tracker, id, models.JobStatusCompleted)
	}
	assert.Equal(t, int32(2), gen.peak.Load())
}

func TestShutdown_WaitsForRunningJobs(t *testing.T) {
	gen := &fakeRegenerator{gate: make(chan struct{})}
	svc, tracker := newJobService(gen, 1)

	jobID, err := svc.RegenerateAsync(1)
	require.NoError(t, err)

	var wg sync.WaitGroup
	wg.Add(1)
	var shutdownErr error
	go func() {
		defer wg.Done()
		shutdownErr = svc.Shutdown(context.Background())
	}()

	require.Eventually(t, func() bool {
		_, err := svc.RegenerateAsync(2)
		return errors.Is(err, ErrShuttingDown)
	}, 2*time.Second, 5*time.Millisecond)

	close(gen.gate)
	wg.Wait()
	assert.NoError(t, shutdownErr)
	waitForStatus(t, tracker, jobID, models.JobStatusCompleted)
}

func TestShutdown_CancelsJobsAfterDeadline(t *testing.T) {
	gen := &fakeRegenerator{gate: make(chan struct{})}
	svc, tracker := newJobService(gen, 1)

	jobID, err := svc.RegenerateAsync(1)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return gen.running.Load() == 1 }, 2*time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, svc.Shutdown(ctx), context.DeadlineExceeded)

	job := waitForStatus(t, tracker, jobID, models.JobStatusFailed)
	assert.Contains(t, job.ErrorMessage, "context canceled")
}

func TestRegenerateAsync_EndToEnd(t *testing.T) {
	env := newTestEnv(t)
	env.insert(t, 1, commute())

	svc, tracker := newJobService(env.service(nil, nil, nil), 2)
	defer svc.Shutdown(context.Background())

	jobID, err := svc.RegenerateAsync(1)
	require.NoError(t, err)

	job := waitForStatus(t, tracker, jobID, models.JobStatusCompleted)
	assert.Equal(t, 2, job.Details["stays"])
	assert.Equal(t, "CREATED", job.Details["ongoingGap"])
	assert.Len(t, env.timeline(t, 1).Trips, 1)
	env.requireIdle(t, 1)
}
