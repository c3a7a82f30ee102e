package repository

import (
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jengzang/records-timeline/internal/database"
	"github.com/jengzang/records-timeline/internal/models"
)

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()
	conn, err := database.Open(database.Config{Path: filepath.Join(t.TempDir(), "timeline.db")})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, database.MigrateUp(conn))
	return conn
}

var base = time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)

func minutes(n int) time.Time {
	return base.Add(time.Duration(n) * time.Minute)
}

func point(userID int64, ts time.Time, lat float64) models.GPSPoint {
	return models.GPSPoint{
		UserID:     userID,
		Timestamp:  ts,
		Latitude:   lat,
		Longitude:  116.4,
		Speed:      models.Float(12.5),
		Accuracy:   models.Float(8),
		SourceType: "OWNTRACKS",
	}
}
