package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jengzang/records-timeline/internal/database"
	"github.com/jengzang/records-timeline/internal/models"
)

const gpsPointColumns = `id, user_id, timestamp, latitude, longitude, speed, accuracy, altitude, battery, source_type`

// GPSPointLoaderOptions bounds how points are read for a regeneration
type GPSPointLoaderOptions struct {
	ChunkSize     int           // points per query when loading the replay window
	ContextPoints int           // max points returned by LoadContext
	ContextWindow time.Duration // look-back window of LoadContext
}

// GPSPointRepository handles database operations for GPS points
type GPSPointRepository struct {
	db   *sql.DB
	opts GPSPointLoaderOptions
}

// NewGPSPointRepository creates a new GPS point repository
func NewGPSPointRepository(db *sql.DB, opts GPSPointLoaderOptions) *GPSPointRepository {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = 5000
	}
	if opts.ContextPoints < 0 {
		opts.ContextPoints = 0
	}
	return &GPSPointRepository{db: db, opts: opts}
}

// LoadForTimeline returns every point at or after from, ordered by timestamp.
// Points are read in chunks; a cancelled ctx aborts between chunks.
func (r *GPSPointRepository) LoadForTimeline(ctx context.Context, userID int64, from time.Time) ([]models.GPSPoint, error) {
	query := `SELECT ` + gpsPointColumns + `
		FROM gps_points
		WHERE user_id = ? AND (timestamp > ? OR (timestamp = ? AND id > ?))
		ORDER BY timestamp, id
		LIMIT ?`

	var points []models.GPSPoint
	lastTS := from.Unix()
	lastID := int64(-1)

	for {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("point loading cancelled: %w", err)
		}

		rows, err := r.db.QueryContext(ctx, query, userID, lastTS, lastTS, lastID, r.opts.ChunkSize)
		if err != nil {
			return nil, fmt.Errorf("failed to query gps points: %w", err)
		}
		chunk, err := scanGPSPoints(rows)
		if err != nil {
			return nil, err
		}

		points = append(points, chunk...)
		if len(chunk) < r.opts.ChunkSize {
			break
		}

		last := chunk[len(chunk)-1]
		lastTS, lastID = last.Timestamp.Unix(), last.ID
	}

	return points, nil
}

// LoadContext returns up to ContextPoints points strictly before from and
// within ContextWindow of it, ordered by timestamp
func (r *GPSPointRepository) LoadContext(ctx context.Context, userID int64, from time.Time) ([]models.GPSPoint, error) {
	if r.opts.ContextPoints == 0 {
		return nil, nil
	}

	lowerBound := int64(0)
	if r.opts.ContextWindow > 0 {
		lowerBound = from.Add(-r.opts.ContextWindow).Unix()
	}

	query := `SELECT ` + gpsPointColumns + `
		FROM gps_points
		WHERE user_id = ? AND timestamp < ? AND timestamp >= ?
		ORDER BY timestamp DESC, id DESC
		LIMIT ?`

	rows, err := r.db.QueryContext(ctx, query, userID, from.Unix(), lowerBound, r.opts.ContextPoints)
	if err != nil {
		return nil, fmt.Errorf("failed to query context points: %w", err)
	}
	points, err := scanGPSPoints(rows)
	if err != nil {
		return nil, err
	}

	for i, j := 0, len(points)-1; i < j; i, j = i+1, j-1 {
		points[i], points[j] = points[j], points[i]
	}
	return points, nil
}

// LatestPoint returns the user's most recent point, or nil when the user has none
func (r *GPSPointRepository) LatestPoint(ctx context.Context, userID int64) (*models.GPSPoint, error) {
	query := `SELECT ` + gpsPointColumns + `
		FROM gps_points
		WHERE user_id = ?
		ORDER BY timestamp DESC, id DESC
		LIMIT 1`

	rows, err := r.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query latest point: %w", err)
	}
	points, err := scanGPSPoints(rows)
	if err != nil {
		return nil, err
	}
	if len(points) == 0 {
		return nil, nil
	}
	return &points[0], nil
}

// InsertPoints stores points for a user, ignoring duplicates of an existing
// (user, timestamp). Returns how many were stored and the earliest stored timestamp.
func (r *GPSPointRepository) InsertPoints(ctx context.Context, userID int64, points []models.GPSPoint) (int, time.Time, error) {
	var inserted int
	var earliest time.Time

	err := database.Transaction(ctx, r.db, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT OR IGNORE INTO gps_points (
				user_id, timestamp, latitude, longitude, speed, accuracy, altitude, battery, source_type
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`)
		if err != nil {
			return fmt.Errorf("failed to prepare statement: %w", err)
		}
		defer stmt.Close()

		for _, p := range points {
			result, err := stmt.ExecContext(ctx,
				userID,
				p.Timestamp.Unix(),
				p.Latitude,
				p.Longitude,
				nullFloat(p.Speed),
				nullFloat(p.Accuracy),
				nullFloat(p.Altitude),
				nullFloat(p.Battery),
				p.SourceType,
			)
			if err != nil {
				return fmt.Errorf("failed to insert gps point: %w", err)
			}
			if n, _ := result.RowsAffected(); n == 0 {
				continue
			}
			inserted++
			if ts := unixTime(p.Timestamp.Unix()); earliest.IsZero() || ts.Before(earliest) {
				earliest = ts
			}
		}
		return nil
	})
	if err != nil {
		return 0, time.Time{}, err
	}

	return inserted, earliest, nil
}

// CountPoints returns the number of points stored for a user
func (r *GPSPointRepository) CountPoints(ctx context.Context, userID int64) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM gps_points WHERE user_id = ?`, userID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count gps points: %w", err)
	}
	return count, nil
}

func scanGPSPoints(rows *sql.Rows) ([]models.GPSPoint, error) {
	defer rows.Close()

	var points []models.GPSPoint
	for rows.Next() {
		var p models.GPSPoint
		var ts int64
		var speed, accuracy, altitude, battery sql.NullFloat64
		if err := rows.Scan(
			&p.ID, &p.UserID, &ts, &p.Latitude, &p.Longitude,
			&speed, &accuracy, &altitude, &battery, &p.SourceType,
		); err != nil {
			return nil, fmt.Errorf("failed to scan gps point: %w", err)
		}
		p.Timestamp = unixTime(ts)
		p.Speed = floatPtr(speed)
		p.Accuracy = floatPtr(accuracy)
		p.Altitude = floatPtr(altitude)
		p.Battery = floatPtr(battery)
		points = append(points, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate gps points: %w", err)
	}
	return points, nil
}
