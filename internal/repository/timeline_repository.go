package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jengzang/records-timeline/internal/models"
)

// TimelineRepository handles database operations for stays, trips and data gaps
type TimelineRepository struct {
	db DBTX
}

// NewTimelineRepository creates a new timeline repository
func NewTimelineRepository(db *sql.DB) *TimelineRepository {
	return &TimelineRepository{db: db}
}

// WithTx returns a repository whose statements run inside tx
func (r *TimelineRepository) WithTx(tx *sql.Tx) *TimelineRepository {
	return &TimelineRepository{db: tx}
}

// LatestStayBefore returns the user's latest stay starting strictly before t, or nil
func (r *TimelineRepository) LatestStayBefore(ctx context.Context, userID int64, t time.Time) (*models.Stay, error) {
	query := `SELECT ` + stayColumns + `
		FROM timeline_stays
		WHERE user_id = ? AND timestamp < ?
		ORDER BY timestamp DESC, id DESC
		LIMIT 1`

	rows, err := r.db.QueryContext(ctx, query, userID, ceilUnix(t))
	if err != nil {
		return nil, fmt.Errorf("failed to query latest stay: %w", err)
	}
	stays, err := scanStays(rows)
	if err != nil {
		return nil, err
	}
	if len(stays) == 0 {
		return nil, nil
	}
	return &stays[0], nil
}

// DeleteFrom removes every stay, trip and data gap starting at or after t.
// Returns the number of rows removed.
func (r *TimelineRepository) DeleteFrom(ctx context.Context, userID int64, t time.Time) (int64, error) {
	var total int64
	for _, q := range []string{
		`DELETE FROM timeline_stays WHERE user_id = ? AND timestamp >= ?`,
		`DELETE FROM timeline_trips WHERE user_id = ? AND timestamp >= ?`,
		`DELETE FROM timeline_data_gaps WHERE user_id = ? AND start_time >= ?`,
	} {
		result, err := r.db.ExecContext(ctx, q, userID, ceilUnix(t))
		if err != nil {
			return total, fmt.Errorf("failed to delete timeline rows: %w", err)
		}
		n, _ := result.RowsAffected()
		total += n
	}
	return total, nil
}

// DeleteAll removes the user's whole timeline
func (r *TimelineRepository) DeleteAll(ctx context.Context, userID int64) (int64, error) {
	var total int64
	for _, table := range []string{"timeline_stays", "timeline_trips", "timeline_data_gaps"} {
		result, err := r.db.ExecContext(ctx, `DELETE FROM `+table+` WHERE user_id = ?`, userID)
		if err != nil {
			return total, fmt.Errorf("failed to delete %s: %w", table, err)
		}
		n, _ := result.RowsAffected()
		total += n
	}
	return total, nil
}

// SaveTimeline inserts every event of the timeline
func (r *TimelineRepository) SaveTimeline(ctx context.Context, tl *models.RawTimeline) error {
	if err := r.InsertStays(ctx, tl.UserID, tl.Stays); err != nil {
		return err
	}
	if err := r.InsertTrips(ctx, tl.UserID, tl.Trips); err != nil {
		return err
	}
	for _, gap := range tl.DataGaps {
		if err := r.InsertDataGap(ctx, tl.UserID, gap); err != nil {
			return err
		}
	}
	return nil
}

// InsertStays bulk inserts stays and sets their IDs
func (r *TimelineRepository) InsertStays(ctx context.Context, userID int64, stays []*models.Stay) error {
	query := `
		INSERT INTO timeline_stays (
			user_id, timestamp, duration_seconds, latitude, longitude,
			location_name, favorite_id, geocoding_id, location_source
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	for _, s := range stays {
		source := s.LocationSource
		if source == "" {
			source = models.LocationSourceUnknown
		}
		result, err := r.db.ExecContext(ctx, query,
			userID,
			s.Timestamp.Unix(),
			s.DurationSeconds,
			s.Latitude,
			s.Longitude,
			s.LocationName,
			nullInt(s.FavoriteID),
			nullInt(s.GeocodingID),
			source,
		)
		if err != nil {
			return fmt.Errorf("failed to insert stay: %w", err)
		}
		if s.ID, err = result.LastInsertId(); err != nil {
			return fmt.Errorf("failed to get last insert id: %w", err)
		}
	}
	return nil
}

// InsertTrips bulk inserts trips with their compressed paths and sets their IDs
func (r *TimelineRepository) InsertTrips(ctx context.Context, userID int64, trips []*models.Trip) error {
	query := `
		INSERT INTO timeline_trips (
			user_id, timestamp, duration_seconds, distance_meters,
			start_latitude, start_longitude, end_latitude, end_longitude,
			movement_type, avg_gps_speed, max_gps_speed, speed_variance,
			low_accuracy_points, path
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	for _, t := range trips {
		blob, err := encodePath(t.Path)
		if err != nil {
			return err
		}
		movement := t.MovementType
		if movement == "" {
			movement = models.MovementUnknown
		}

		result, err := r.db.ExecContext(ctx, query,
			userID,
			t.Timestamp.Unix(),
			t.DurationSeconds,
			t.DistanceMeters,
			t.StartLatitude,
			t.StartLongitude,
			t.EndLatitude,
			t.EndLongitude,
			movement,
			nullFloat(t.Statistics.AvgGPSSpeed),
			nullFloat(t.Statistics.MaxGPSSpeed),
			nullFloat(t.Statistics.SpeedVariance),
			t.Statistics.LowAccuracyPoints,
			blob,
		)
		if err != nil {
			return fmt.Errorf("failed to insert trip: %w", err)
		}
		if t.ID, err = result.LastInsertId(); err != nil {
			return fmt.Errorf("failed to get last insert id: %w", err)
		}
	}
	return nil
}

// LatestDataGap returns the user's most recent data gap, or nil
func (r *TimelineRepository) LatestDataGap(ctx context.Context, userID int64) (*models.DataGap, error) {
	query := `SELECT ` + dataGapColumns + `
		FROM timeline_data_gaps
		WHERE user_id = ?
		ORDER BY start_time DESC, id DESC
		LIMIT 1`

	var gap models.DataGap
	var start, end int64
	err := r.db.QueryRowContext(ctx, query, userID).Scan(&gap.ID, &start, &end, &gap.DurationSeconds)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest data gap: %w", err)
	}
	gap.Start, gap.End = unixTime(start), unixTime(end)
	return &gap, nil
}

// UpdateDataGap rewrites the bounds of an existing gap
func (r *TimelineRepository) UpdateDataGap(ctx context.Context, userID int64, gap *models.DataGap) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE timeline_data_gaps
		SET start_time = ?, end_time = ?, duration_seconds = ?
		WHERE id = ? AND user_id = ?
	`, gap.Start.Unix(), gap.End.Unix(), gap.DurationSeconds, gap.ID, userID)
	if err != nil {
		return fmt.Errorf("failed to update data gap: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("data gap %d: %w", gap.ID, ErrNotFound)
	}
	return nil
}

// InsertDataGap inserts one gap and sets its ID
func (r *TimelineRepository) InsertDataGap(ctx context.Context, userID int64, gap *models.DataGap) error {
	result, err := r.db.ExecContext(ctx, `
		INSERT INTO timeline_data_gaps (user_id, start_time, end_time, duration_seconds)
		VALUES (?, ?, ?, ?)
	`, userID, gap.Start.Unix(), gap.End.Unix(), gap.DurationSeconds)
	if err != nil {
		return fmt.Errorf("failed to insert data gap: %w", err)
	}
	if gap.ID, err = result.LastInsertId(); err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}
	return nil
}

// ListTimeline returns the events starting within [from, to), ordered by start time
func (r *TimelineRepository) ListTimeline(ctx context.Context, userID int64, from, to time.Time) (*models.TimelineResponse, error) {
	resp := &models.TimelineResponse{
		UserID:   userID,
		From:     from,
		To:       to,
		Stays:    []models.Stay{},
		Trips:    []models.Trip{},
		DataGaps: []models.DataGap{},
	}

	rows, err := r.db.QueryContext(ctx, `SELECT `+stayColumns+`
		FROM timeline_stays
		WHERE user_id = ? AND timestamp >= ? AND timestamp < ?
		ORDER BY timestamp, id`, userID, from.Unix(), to.Unix())
	if err != nil {
		return nil, fmt.Errorf("failed to query stays: %w", err)
	}
	if resp.Stays, err = scanStays(rows); err != nil {
		return nil, err
	}

	rows, err = r.db.QueryContext(ctx, `SELECT `+tripColumns+`
		FROM timeline_trips
		WHERE user_id = ? AND timestamp >= ? AND timestamp < ?
		ORDER BY timestamp, id`, userID, from.Unix(), to.Unix())
	if err != nil {
		return nil, fmt.Errorf("failed to query trips: %w", err)
	}
	if resp.Trips, err = scanTrips(rows); err != nil {
		return nil, err
	}

	rows, err = r.db.QueryContext(ctx, `SELECT `+dataGapColumns+`
		FROM timeline_data_gaps
		WHERE user_id = ? AND start_time >= ? AND start_time < ?
		ORDER BY start_time, id`, userID, from.Unix(), to.Unix())
	if err != nil {
		return nil, fmt.Errorf("failed to query data gaps: %w", err)
	}
	if resp.DataGaps, err = scanDataGaps(rows); err != nil {
		return nil, err
	}

	return resp, nil
}

const (
	stayColumns = `id, timestamp, duration_seconds, latitude, longitude, location_name,
		favorite_id, geocoding_id, location_source`
	tripColumns = `id, timestamp, duration_seconds, distance_meters,
		start_latitude, start_longitude, end_latitude, end_longitude,
		movement_type, avg_gps_speed, max_gps_speed, speed_variance, low_accuracy_points, path`
	dataGapColumns = `id, start_time, end_time, duration_seconds`
)

func scanStays(rows *sql.Rows) ([]models.Stay, error) {
	defer rows.Close()

	stays := []models.Stay{}
	for rows.Next() {
		var s models.Stay
		var ts int64
		var favoriteID, geocodingID sql.NullInt64
		if err := rows.Scan(
			&s.ID, &ts, &s.DurationSeconds, &s.Latitude, &s.Longitude, &s.LocationName,
			&favoriteID, &geocodingID, &s.LocationSource,
		); err != nil {
			return nil, fmt.Errorf("failed to scan stay: %w", err)
		}
		s.Timestamp = unixTime(ts)
		s.FavoriteID = intPtr(favoriteID)
		s.GeocodingID = intPtr(geocodingID)
		stays = append(stays, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate stays: %w", err)
	}
	return stays, nil
}

func scanTrips(rows *sql.Rows) ([]models.Trip, error) {
	defer rows.Close()

	trips := []models.Trip{}
	for rows.Next() {
		var t models.Trip
		var ts int64
		var avg, maxSpeed, variance sql.NullFloat64
		var blob []byte
		if err := rows.Scan(
			&t.ID, &ts, &t.DurationSeconds, &t.DistanceMeters,
			&t.StartLatitude, &t.StartLongitude, &t.EndLatitude, &t.EndLongitude,
			&t.MovementType, &avg, &maxSpeed, &variance, &t.Statistics.LowAccuracyPoints, &blob,
		); err != nil {
			return nil, fmt.Errorf("failed to scan trip: %w", err)
		}
		t.Timestamp = unixTime(ts)
		t.Statistics.AvgGPSSpeed = floatPtr(avg)
		t.Statistics.MaxGPSSpeed = floatPtr(maxSpeed)
		t.Statistics.SpeedVariance = floatPtr(variance)

		path, err := decodePath(blob)
		if err != nil {
			return nil, fmt.Errorf("trip %d: %w", t.ID, err)
		}
		t.Path = path
		trips = append(trips, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate trips: %w", err)
	}
	return trips, nil
}

func scanDataGaps(rows *sql.Rows) ([]models.DataGap, error) {
	defer rows.Close()

	gaps := []models.DataGap{}
	for rows.Next() {
		var g models.DataGap
		var start, end int64
		if err := rows.Scan(&g.ID, &start, &end, &g.DurationSeconds); err != nil {
			return nil, fmt.Errorf("failed to scan data gap: %w", err)
		}
		g.Start, g.End = unixTime(start), unixTime(end)
		gaps = append(gaps, g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate data gaps: %w", err)
	}
	return gaps, nil
}
