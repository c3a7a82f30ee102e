package models

import "time"

// ProcessingStatus is the durable per-user timeline lock state
type ProcessingStatus string

// ProcessingStatus constants
const (
	StatusIdle         ProcessingStatus = "IDLE"
	StatusProcessing   ProcessingStatus = "PROCESSING"
	StatusRegenerating ProcessingStatus = "REGENERATING"
)

// IsBusy reports whether the status holds the user's timeline lock
func (s ProcessingStatus) IsBusy() bool {
	return s == StatusProcessing || s == StatusRegenerating
}

// UserTimelineStatus is one row of user_timeline_status
type UserTimelineStatus struct {
	UserID    int64            `json:"userId" db:"user_id"`
	Status    ProcessingStatus `json:"status" db:"status"`
	UpdatedAt time.Time        `json:"updatedAt" db:"updated_at"`
}
