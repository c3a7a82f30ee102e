package behavior

import (
	"github.com/rs/zerolog"

	"github.com/jengzang/records-timeline/internal/logger"
	"github.com/jengzang/records-timeline/internal/models"
)

// StayBuilder collapses a group of same-location stays into one.
// The group is ordered by timestamp and has at least two members.
type StayBuilder func(group []*models.Stay) *models.Stay

// TimelineMerger consolidates consecutive stays at the same location
// connected by short or quick trips
type TimelineMerger struct {
	log       zerolog.Logger
	buildStay StayBuilder
}

// NewTimelineMerger creates a merger using DefaultStayBuilder
func NewTimelineMerger() *TimelineMerger {
	return NewTimelineMergerWithBuilder(DefaultStayBuilder)
}

// NewTimelineMergerWithBuilder creates a merger with a custom stay builder
func NewTimelineMergerWithBuilder(builder StayBuilder) *TimelineMerger {
	if builder == nil {
		builder = DefaultStayBuilder
	}
	return &TimelineMerger{
		log:       logger.Component("timeline_merger"),
		buildStay: builder,
	}
}

// DefaultStayBuilder keeps the anchor's location and reference and spans
// from the anchor's start to the latest end in the group
func DefaultStayBuilder(group []*models.Stay) *models.Stay {
	anchor := group[0]
	end := anchor.EndTime()
	for _, s := range group[1:] {
		if e := s.EndTime(); e.After(end) {
			end = e
		}
	}

	merged := *anchor
	merged.ID = 0
	merged.DurationSeconds = int64(end.Sub(anchor.Timestamp).Seconds())
	return &merged
}

// Merge returns a new timeline with mergeable stay groups collapsed and the
// trips inside each group removed. Data gaps pass through untouched and a
// group never spans one.
// The input must have stays and trips sorted by timestamp.
func (m *TimelineMerger) Merge(tl *models.RawTimeline, cfg *models.TimelineConfig) *models.RawTimeline {
	out := &models.RawTimeline{
		UserID:   tl.UserID,
		DataGaps: tl.DataGaps,
	}
	if len(tl.Stays) < 2 {
		out.Stays = tl.Stays
		out.Trips = tl.Trips
		return out
	}

	absorbed := make(map[*models.Trip]struct{})
	groups := 0

	for i := 0; i < len(tl.Stays); {
		anchor := tl.Stays[i]
		group := []*models.Stay{anchor}

		j := i + 1
		for ; j < len(tl.Stays); j++ {
			next := tl.Stays[j]
			last := group[len(group)-1]
			if !SameLocation(anchor, next) || gapBetween(last, next, tl.DataGaps) || !CanMerge(last, next, tl.Trips, cfg) {
				break
			}
			group = append(group, next)
		}

		if len(group) == 1 {
			out.Stays = append(out.Stays, anchor)
		} else {
			for k := 1; k < len(group); k++ {
				for _, trip := range tripsBetween(group[k-1], group[k], tl.Trips) {
					absorbed[trip] = struct{}{}
				}
			}
			out.Stays = append(out.Stays, m.buildStay(group))
			groups++
		}
		i = j
	}

	for _, trip := range tl.Trips {
		if _, ok := absorbed[trip]; !ok {
			out.Trips = append(out.Trips, trip)
		}
	}

	if groups > 0 {
		m.log.Debug().
			Int64("user_id", tl.UserID).
			Int("groups", groups).
			Int("stays_before", len(tl.Stays)).
			Int("stays_after", len(out.Stays)).
			Int("trips_removed", len(absorbed)).
			Msg("Merged stays")
	}

	return out
}

// SameLocation reports whether two stays refer to the same place: same
// favorite, else same geocoding result, else identical non-empty name.
// Stays that were never named are not considered the same place.
func SameLocation(a, b *models.Stay) bool {
	if a.FavoriteID != nil && b.FavoriteID != nil {
		return *a.FavoriteID == *b.FavoriteID
	}
	if a.GeocodingID != nil && b.GeocodingID != nil {
		return *a.GeocodingID == *b.GeocodingID
	}
	return a.LocationName != "" && a.LocationName == b.LocationName
}

// CanMerge sums the trips strictly between a and b and reports whether they
// form a short hop or a quick hop
func CanMerge(a, b *models.Stay, trips []*models.Trip, cfg *models.TimelineConfig) bool {
	var distance float64
	var seconds int64
	for _, trip := range tripsBetween(a, b, trips) {
		distance += trip.DistanceMeters
		seconds += trip.DurationSeconds
	}

	minutes := float64(seconds) / 60.0
	return distance < cfg.MergeMaxDistanceMeters || minutes < cfg.MergeMaxTimeGapMinutes
}

// tripsBetween returns the trips whose timestamp lies strictly between a and b
func tripsBetween(a, b *models.Stay, trips []*models.Trip) []*models.Trip {
	var between []*models.Trip
	for _, trip := range trips {
		if trip.Timestamp.After(a.Timestamp) && trip.Timestamp.Before(b.Timestamp) {
			between = append(between, trip)
		}
	}
	return between
}

// gapBetween reports whether a data gap starts after a and before b
func gapBetween(a, b *models.Stay, gaps []*models.DataGap) bool {
	for _, g := range gaps {
		if !g.Start.Before(a.Timestamp) && g.Start.Before(b.Timestamp) {
			return true
		}
	}
	return false
}
