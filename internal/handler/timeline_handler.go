package handler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/jengzang/records-timeline/internal/logger"
	"github.com/jengzang/records-timeline/internal/middleware"
	"github.com/jengzang/records-timeline/internal/models"
	"github.com/jengzang/records-timeline/internal/service"
	"github.com/jengzang/records-timeline/pkg/response"
)

const (
	defaultTimelineRange = 24 * time.Hour
	maxTimelineRange     = 93 * 24 * time.Hour
	maxConfigBodyBytes   = 64 << 10
)

// JobRunner starts background regenerations
type JobRunner interface {
	RegenerateAsync(userID int64) (uuid.UUID, error)
	RegenerateFromAfterActive(userID int64, t time.Time) (jobID uuid.UUID, deferred bool, err error)
}

// JobQuery reads tracked job progress
type JobQuery interface {
	GetJob(jobID uuid.UUID) (*models.TimelineJobProgress, bool)
	GetUserActiveJob(userID int64) (*models.TimelineJobProgress, bool)
	GetUserHistoryJobs(userID int64) []*models.TimelineJobProgress
}

// TimelineReader lists persisted timeline events
type TimelineReader interface {
	ListTimeline(ctx context.Context, userID int64, from, to time.Time) (*models.TimelineResponse, error)
}

// PointWriter stores ingested GPS points
type PointWriter interface {
	InsertPoints(ctx context.Context, userID int64, points []models.GPSPoint) (int, time.Time, error)
}

// ConfigStore reads and writes per-user timeline configs
type ConfigStore interface {
	Get(ctx context.Context, userID int64) (*models.TimelineConfig, error)
	Save(ctx context.Context, userID int64, overrides []byte) error
	Delete(ctx context.Context, userID int64) error
}

// TimelineHandler handles HTTP requests for timeline generation
type TimelineHandler struct {
	jobs      JobRunner
	progress  JobQuery
	timelines TimelineReader
	points    PointWriter
	configs   ConfigStore
	log       zerolog.Logger
}

// NewTimelineHandler creates a new timeline handler
func NewTimelineHandler(jobs JobRunner, progress JobQuery, timelines TimelineReader, points PointWriter, configs ConfigStore) *TimelineHandler {
	return &TimelineHandler{
		jobs:      jobs,
		progress:  progress,
		timelines: timelines,
		points:    points,
		configs:   configs,
		log:       logger.Component("timeline_handler"),
	}
}

// RegisterRoutes mounts the timeline routes on rg
func (h *TimelineHandler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("", h.GetTimeline)
	rg.POST("/regenerate", h.Regenerate)
	rg.GET("/jobs", h.ListJobs)
	rg.GET("/jobs/active", h.GetActiveJob)
	rg.GET("/jobs/:id", h.GetJob)
	rg.POST("/points", h.IngestPoints)
	rg.GET("/config", h.GetConfig)
	rg.PUT("/config", h.UpdateConfig)
	rg.DELETE("/config", h.ResetConfig)
}

// Regenerate queues a full timeline regeneration
// POST /api/v1/timeline/regenerate
func (h *TimelineHandler) Regenerate(c *gin.Context) {
	userID, ok := h.userID(c)
	if !ok {
		return
	}

	jobID, err := h.jobs.RegenerateAsync(userID)
	if err != nil {
		h.jobError(c, err)
		return
	}

	response.Accepted(c, gin.H{"jobId": jobID})
}

// GetJob returns one of the caller's jobs
// GET /api/v1/timeline/jobs/:id
func (h *TimelineHandler) GetJob(c *gin.Context) {
	userID, ok := h.userID(c)
	if !ok {
		return
	}

	jobID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "Invalid job ID")
		return
	}

	job, found := h.progress.GetJob(jobID)
	if !found || job.UserID != userID {
		response.NotFound(c, service.ErrJobNotFound.Error())
		return
	}

	response.Success(c, job)
}

// GetActiveJob returns the caller's queued or running job
// GET /api/v1/timeline/jobs/active
func (h *TimelineHandler) GetActiveJob(c *gin.Context) {
	userID, ok := h.userID(c)
	if !ok {
		return
	}

	job, found := h.progress.GetUserActiveJob(userID)
	if !found {
		response.NotFound(c, "no active timeline job")
		return
	}

	response.Success(c, job)
}

// ListJobs returns the caller's finished jobs, newest first
// GET /api/v1/timeline/jobs
func (h *TimelineHandler) ListJobs(c *gin.Context) {
	userID, ok := h.userID(c)
	if !ok {
		return
	}

	response.Success(c, gin.H{"jobs": h.progress.GetUserHistoryJobs(userID)})
}

// GetTimeline returns the events starting within [from, to).
// Both bounds accept RFC 3339 or Unix seconds; the default is the last 24 hours.
// GET /api/v1/timeline?from=...&to=...
func (h *TimelineHandler) GetTimeline(c *gin.Context) {
	userID, ok := h.userID(c)
	if !ok {
		return
	}

	to := time.Now().UTC()
	if raw := c.Query("to"); raw != "" {
		t, err := parseTime(raw)
		if err != nil {
			response.BadRequest(c, "Invalid 'to' parameter")
			return
		}
		to = t
	}

	from := to.Add(-defaultTimelineRange)
	if raw := c.Query("from"); raw != "" {
		t, err := parseTime(raw)
		if err != nil {
			response.BadRequest(c, "Invalid 'from' parameter")
			return
		}
		from = t
	}

	if !from.Before(to) {
		response.BadRequest(c, "'from' must be before 'to'")
		return
	}
	if to.Sub(from) > maxTimelineRange {
		response.BadRequest(c, "Requested range is too large")
		return
	}

	timeline, err := h.timelines.ListTimeline(c.Request.Context(), userID, from, to)
	if err != nil {
		h.log.Error().Err(err).Int64("user_id", userID).Msg("Failed to list timeline")
		response.InternalError(c, "Failed to load timeline")
		return
	}

	response.Success(c, timeline)
}

// IngestPoints stores GPS points and regenerates the timeline from the
// earliest stored one
// POST /api/v1/timeline/points
func (h *TimelineHandler) IngestPoints(c *gin.Context) {
	userID, ok := h.userID(c)
	if !ok {
		return
	}

	var req models.IngestPointsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, bindingMessage(err))
		return
	}

	inserted, earliest, err := h.points.InsertPoints(c.Request.Context(), userID, req.Points)
	if err != nil {
		h.log.Error().Err(err).Int64("user_id", userID).Msg("Failed to store points")
		response.InternalError(c, "Failed to store points")
		return
	}

	result := gin.H{"received": len(req.Points), "inserted": inserted}
	if inserted == 0 {
		response.Success(c, result)
		return
	}
	result["earliest"] = earliest

	jobID, deferred, err := h.jobs.RegenerateFromAfterActive(userID, earliest)
	if err != nil {
		h.jobError(c, err)
		return
	}

	// With a job already running, the regeneration starts once it ends
	if deferred {
		result["activeJobId"] = jobID
		result["deferred"] = true
	} else {
		result["jobId"] = jobID
	}
	response.Accepted(c, result)
}

// GetConfig returns the caller's effective timeline config
// GET /api/v1/timeline/config
func (h *TimelineHandler) GetConfig(c *gin.Context) {
	userID, ok := h.userID(c)
	if !ok {
		return
	}

	cfg, err := h.configs.Get(c.Request.Context(), userID)
	if err != nil {
		h.log.Error().Err(err).Int64("user_id", userID).Msg("Failed to load timeline config")
		response.InternalError(c, "Failed to load timeline config")
		return
	}

	response.Success(c, cfg)
}

// UpdateConfig stores overrides; fields absent from the body keep their defaults
// PUT /api/v1/timeline/config
func (h *TimelineHandler) UpdateConfig(c *gin.Context) {
	userID, ok := h.userID(c)
	if !ok {
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxConfigBodyBytes))
	if err != nil {
		response.BadRequest(c, "Invalid request body")
		return
	}

	var overrides map[string]json.RawMessage
	if err := json.Unmarshal(body, &overrides); err != nil {
		response.BadRequest(c, "Config must be a JSON object")
		return
	}
	if err := json.Unmarshal(body, &models.TimelineConfig{}); err != nil {
		response.BadRequest(c, "Invalid timeline config: "+err.Error())
		return
	}

	if err := h.configs.Save(c.Request.Context(), userID, body); err != nil {
		h.log.Error().Err(err).Int64("user_id", userID).Msg("Failed to save timeline config")
		response.InternalError(c, "Failed to save timeline config")
		return
	}

	h.GetConfig(c)
}

// ResetConfig removes the caller's overrides
// DELETE /api/v1/timeline/config
func (h *TimelineHandler) ResetConfig(c *gin.Context) {
	userID, ok := h.userID(c)
	if !ok {
		return
	}

	if err := h.configs.Delete(c.Request.Context(), userID); err != nil {
		h.log.Error().Err(err).Int64("user_id", userID).Msg("Failed to delete timeline config")
		response.InternalError(c, "Failed to reset timeline config")
		return
	}

	h.GetConfig(c)
}

func (h *TimelineHandler) userID(c *gin.Context) (int64, bool) {
	userID, ok := middleware.UserID(c)
	if !ok {
		response.Unauthorized(c, "authentication required")
		return 0, false
	}
	return userID, true
}

func (h *TimelineHandler) jobError(c *gin.Context, err error) {
	var conflict *service.JobConflictError
	switch {
	case errors.As(err, &conflict):
		response.Conflict(c, service.ErrJobAlreadyActive.Error(), gin.H{"activeJobId": conflict.JobID})
	case errors.Is(err, service.ErrShuttingDown):
		response.Error(c, http.StatusServiceUnavailable, err.Error())
	default:
		h.log.Error().Err(err).Msg("Failed to queue timeline job")
		response.InternalError(c, "Failed to queue timeline job")
	}
}

func parseTime(raw string) (time.Time, error) {
	if secs, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.Unix(secs, 0).UTC(), nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

// bindingMessage names each failed field, e.g. "IngestPointsRequest.Points[3].Latitude failed lte"
func bindingMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return "Invalid request body"
	}
	msgs := make([]string, len(verrs))
	for i, fe := range verrs {
		msgs[i] = fmt.Sprintf("%s failed %s", fe.Namespace(), fe.Tag())
	}
	return strings.Join(msgs, "; ")
}
