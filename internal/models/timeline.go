package models

import (
	"sort"
	"time"
)

// MovementType is the transport mode assigned to a trip
type MovementType string

// MovementType constants
const (
	MovementFlight  MovementType = "FLIGHT"
	MovementTrain   MovementType = "TRAIN"
	MovementBicycle MovementType = "BICYCLE"
	MovementRunning MovementType = "RUNNING"
	MovementCar     MovementType = "CAR"
	MovementWalk    MovementType = "WALK"
	MovementUnknown MovementType = "UNKNOWN"
)

// EventKind discriminates the variants of TimelineEvent
type EventKind string

// EventKind constants
const (
	EventStay    EventKind = "STAY"
	EventTrip    EventKind = "TRIP"
	EventDataGap EventKind = "DATA_GAP"
)

// LocationSource records where a stay's location name came from
type LocationSource string

// LocationSource constants
const (
	LocationSourceFavorite  LocationSource = "FAVORITE"
	LocationSourceGeocoding LocationSource = "GEOCODING"
	LocationSourceGeohash   LocationSource = "GEOHASH"
	LocationSourceUnknown   LocationSource = "UNKNOWN"
)

// TimelineEvent is one of *Stay, *Trip or *DataGap.
// The interface is sealed; switch on the concrete type to handle each variant.
type TimelineEvent interface {
	Kind() EventKind
	StartTime() time.Time
	isTimelineEvent()
}

// Stay represents a dwell period at one location
type Stay struct {
	ID              int64     `json:"id,omitempty" db:"id"`
	Timestamp       time.Time `json:"timestamp" db:"timestamp"`
	DurationSeconds int64     `json:"durationSeconds" db:"duration_seconds"`
	Latitude        float64   `json:"latitude" db:"latitude"`
	Longitude       float64   `json:"longitude" db:"longitude"`
	LocationName    string    `json:"locationName" db:"location_name"`

	// At most one of FavoriteID and GeocodingID is set
	FavoriteID     *int64         `json:"favoriteId,omitempty" db:"favorite_id"`
	GeocodingID    *int64         `json:"geocodingId,omitempty" db:"geocoding_id"`
	LocationSource LocationSource `json:"locationSource" db:"location_source"`
}

func (s *Stay) Kind() EventKind      { return EventStay }
func (s *Stay) StartTime() time.Time { return s.Timestamp }
func (s *Stay) isTimelineEvent()     {}

// EndTime returns the moment the stay ended
func (s *Stay) EndTime() time.Time {
	return s.Timestamp.Add(time.Duration(s.DurationSeconds) * time.Second)
}

// TripGPSStatistics holds device-reported speed statistics of a trip.
// Nil speeds mean the device did not report any.
type TripGPSStatistics struct {
	AvgGPSSpeed       *float64 `json:"avgGpsSpeed,omitempty" db:"avg_gps_speed"` // km/h
	MaxGPSSpeed       *float64 `json:"maxGpsSpeed,omitempty" db:"max_gps_speed"` // km/h
	SpeedVariance     *float64 `json:"speedVariance,omitempty" db:"speed_variance"`
	LowAccuracyPoints int      `json:"lowAccuracyPoints" db:"low_accuracy_points"`
}

// Trip represents movement between two stays
type Trip struct {
	ID              int64     `json:"id,omitempty" db:"id"`
	Timestamp       time.Time `json:"timestamp" db:"timestamp"`
	DurationSeconds int64     `json:"durationSeconds" db:"duration_seconds"`
	DistanceMeters  float64   `json:"distanceMeters" db:"distance_meters"`

	StartLatitude  float64 `json:"startLatitude" db:"start_latitude"`
	StartLongitude float64 `json:"startLongitude" db:"start_longitude"`
	EndLatitude    float64 `json:"endLatitude" db:"end_latitude"`
	EndLongitude   float64 `json:"endLongitude" db:"end_longitude"`

	Path         []GPSPoint        `json:"path,omitempty" db:"path"` // Compressed JSON blob
	MovementType MovementType      `json:"movementType" db:"movement_type"`
	Statistics   TripGPSStatistics `json:"statistics"`
}

func (t *Trip) Kind() EventKind      { return EventTrip }
func (t *Trip) StartTime() time.Time { return t.Timestamp }
func (t *Trip) isTimelineEvent()     {}

// EndTime returns the moment the trip ended
func (t *Trip) EndTime() time.Time {
	return t.Timestamp.Add(time.Duration(t.DurationSeconds) * time.Second)
}

// DataGap represents a period without GPS signal
type DataGap struct {
	ID              int64     `json:"id,omitempty" db:"id"`
	Start           time.Time `json:"startTime" db:"start_time"`
	End             time.Time `json:"endTime" db:"end_time"`
	DurationSeconds int64     `json:"durationSeconds" db:"duration_seconds"`
}

func (g *DataGap) Kind() EventKind      { return EventDataGap }
func (g *DataGap) StartTime() time.Time { return g.Start }
func (g *DataGap) isTimelineEvent()     {}

// NewDataGap builds a gap covering [start, end]
func NewDataGap(start, end time.Time) *DataGap {
	return &DataGap{
		Start:           start,
		End:             end,
		DurationSeconds: int64(end.Sub(start).Seconds()),
	}
}

// RawTimeline is the working set of one regeneration run
type RawTimeline struct {
	UserID   int64      `json:"userId"`
	Stays    []*Stay    `json:"stays"`
	Trips    []*Trip    `json:"trips"`
	DataGaps []*DataGap `json:"dataGaps"`
}

// NewRawTimeline splits events into their variants, each sorted by start time
func NewRawTimeline(userID int64, events []TimelineEvent) *RawTimeline {
	tl := &RawTimeline{UserID: userID}
	for _, ev := range events {
		switch e := ev.(type) {
		case *Stay:
			tl.Stays = append(tl.Stays, e)
		case *Trip:
			tl.Trips = append(tl.Trips, e)
		case *DataGap:
			tl.DataGaps = append(tl.DataGaps, e)
		}
	}
	tl.Sort()
	return tl
}

// Sort orders every collection by start time
func (tl *RawTimeline) Sort() {
	sort.SliceStable(tl.Stays, func(i, j int) bool { return tl.Stays[i].Timestamp.Before(tl.Stays[j].Timestamp) })
	sort.SliceStable(tl.Trips, func(i, j int) bool { return tl.Trips[i].Timestamp.Before(tl.Trips[j].Timestamp) })
	sort.SliceStable(tl.DataGaps, func(i, j int) bool { return tl.DataGaps[i].Start.Before(tl.DataGaps[j].Start) })
}

// Events returns all events merged into one chronological sequence
func (tl *RawTimeline) Events() []TimelineEvent {
	events := make([]TimelineEvent, 0, tl.Len())
	for _, s := range tl.Stays {
		events = append(events, s)
	}
	for _, t := range tl.Trips {
		events = append(events, t)
	}
	for _, g := range tl.DataGaps {
		events = append(events, g)
	}
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].StartTime().Before(events[j].StartTime())
	})
	return events
}

// Len returns the total number of events
func (tl *RawTimeline) Len() int {
	return len(tl.Stays) + len(tl.Trips) + len(tl.DataGaps)
}

// TimelineResponse is returned by the timeline query endpoint
type TimelineResponse struct {
	UserID   int64     `json:"userId"`
	From     time.Time `json:"from"`
	To       time.Time `json:"to"`
	Stays    []Stay    `json:"stays"`
	Trips    []Trip    `json:"trips"`
	DataGaps []DataGap `json:"dataGaps"`
}
