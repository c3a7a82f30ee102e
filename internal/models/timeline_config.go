package models

// TimelineConfig holds the per-user thresholds used by one regeneration run.
// Speeds are km/h. A nil threshold disables only the test that needs it.
type TimelineConfig struct {
	// Stay merging
	MergeEnabled           bool    `json:"mergeEnabled"`
	MergeMaxDistanceMeters float64 `json:"mergeMaxDistanceMeters"`
	MergeMaxTimeGapMinutes float64 `json:"mergeMaxTimeGapMinutes"`

	// Data gaps
	DataGapThresholdSeconds   *int64 `json:"dataGapThresholdSeconds,omitempty"`
	DataGapMinDurationSeconds *int64 `json:"dataGapMinDurationSeconds,omitempty"`

	// Walking and car are always evaluated
	WalkingMaxAvgSpeed *float64 `json:"walkingMaxAvgSpeed,omitempty"`
	WalkingMaxMaxSpeed *float64 `json:"walkingMaxMaxSpeed,omitempty"`
	CarMinAvgSpeed     *float64 `json:"carMinAvgSpeed,omitempty"`
	CarMinMaxSpeed     *float64 `json:"carMinMaxSpeed,omitempty"`

	// Optional modes
	BicycleEnabled     bool     `json:"bicycleEnabled"`
	BicycleMinAvgSpeed *float64 `json:"bicycleMinAvgSpeed,omitempty"`
	BicycleMaxAvgSpeed *float64 `json:"bicycleMaxAvgSpeed,omitempty"`
	BicycleMaxMaxSpeed *float64 `json:"bicycleMaxMaxSpeed,omitempty"`

	RunningEnabled     bool     `json:"runningEnabled"`
	RunningMinAvgSpeed *float64 `json:"runningMinAvgSpeed,omitempty"`
	RunningMaxAvgSpeed *float64 `json:"runningMaxAvgSpeed,omitempty"`
	RunningMaxMaxSpeed *float64 `json:"runningMaxMaxSpeed,omitempty"`

	TrainEnabled          bool     `json:"trainEnabled"`
	TrainMinAvgSpeed      *float64 `json:"trainMinAvgSpeed,omitempty"`
	TrainMaxAvgSpeed      *float64 `json:"trainMaxAvgSpeed,omitempty"`
	TrainMinMaxSpeed      *float64 `json:"trainMinMaxSpeed,omitempty"`
	TrainMaxMaxSpeed      *float64 `json:"trainMaxMaxSpeed,omitempty"`
	TrainMaxSpeedVariance *float64 `json:"trainMaxSpeedVariance,omitempty"`

	FlightEnabled     bool     `json:"flightEnabled"`
	FlightMinAvgSpeed *float64 `json:"flightMinAvgSpeed,omitempty"`
	FlightMinMaxSpeed *float64 `json:"flightMinMaxSpeed,omitempty"`

	// Path simplification
	PathSimplificationEnabled   bool    `json:"pathSimplificationEnabled"`
	PathSimplificationTolerance float64 `json:"pathSimplificationTolerance"` // meters
}

// Float returns a pointer to v, for building configs in code
func Float(v float64) *float64 {
	return &v
}

// Int returns a pointer to v, for building configs in code
func Int(v int64) *int64 {
	return &v
}
