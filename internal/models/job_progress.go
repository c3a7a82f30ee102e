package models

import (
	"time"

	"github.com/google/uuid"
)

// JobStatus is the lifecycle state of a timeline job
type JobStatus string

// JobStatus constants
const (
	JobStatusQueued    JobStatus = "QUEUED"
	JobStatusRunning   JobStatus = "RUNNING"
	JobStatusCompleted JobStatus = "COMPLETED"
	JobStatusFailed    JobStatus = "FAILED"
)

// IsTerminal reports whether no further transitions are possible
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// TimelineJobTotalSteps is the number of steps a regeneration reports
const TimelineJobTotalSteps = 9

// TimelineJobProgress tracks one asynchronous timeline regeneration
type TimelineJobProgress struct {
	JobID              uuid.UUID      `json:"jobId"`
	UserID             int64          `json:"userId"`
	Status             JobStatus      `json:"status"`
	CurrentStep        string         `json:"currentStep,omitempty"`
	CurrentStepIndex   int            `json:"currentStepIndex"`
	TotalSteps         int            `json:"totalSteps"`
	ProgressPercentage int            `json:"progressPercentage"` // 0-100
	Details            map[string]any `json:"details,omitempty"`
	StartTime          time.Time      `json:"startTime"`
	EndTime            *time.Time     `json:"endTime,omitempty"`
	ErrorMessage       string         `json:"errorMessage,omitempty"`
}

// Clone returns a copy that shares no mutable state with p
func (p *TimelineJobProgress) Clone() *TimelineJobProgress {
	c := *p
	if p.Details != nil {
		c.Details = make(map[string]any, len(p.Details))
		for k, v := range p.Details {
			c.Details[k] = v
		}
	}
	if p.EndTime != nil {
		end := *p.EndTime
		c.EndTime = &end
	}
	return &c
}
