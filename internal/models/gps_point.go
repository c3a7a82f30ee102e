package models

import "time"

// GPSPoint represents a single location fix reported by a user's device
type GPSPoint struct {
	ID        int64     `json:"id" db:"id"`
	UserID    int64     `json:"userId" db:"user_id"`
	Timestamp time.Time `json:"timestamp" db:"timestamp" binding:"required"` // Stored as Unix seconds
	Latitude  float64   `json:"latitude" db:"latitude" binding:"gte=-90,lte=90"`
	Longitude float64   `json:"longitude" db:"longitude" binding:"gte=-180,lte=180"`

	// Optional device readings
	Speed    *float64 `json:"speed,omitempty" db:"speed"`       // km/h
	Accuracy *float64 `json:"accuracy,omitempty" db:"accuracy"` // meters
	Altitude *float64 `json:"altitude,omitempty" db:"altitude"` // meters
	Battery  *float64 `json:"battery,omitempty" db:"battery"`   // percent

	SourceType string `json:"sourceType,omitempty" db:"source_type"` // e.g. OWNTRACKS, OVERLAND, GPX
}

// HasSpeed reports whether the device supplied a positive speed reading
func (p GPSPoint) HasSpeed() bool {
	return p.Speed != nil && *p.Speed > 0
}

// IngestPointsRequest is the body accepted by the point ingest endpoint
type IngestPointsRequest struct {
	Points []GPSPoint `json:"points" binding:"required,min=1,dive"`
}
