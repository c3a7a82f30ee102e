package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Port)
	assert.Equal(t, 4, cfg.Jobs.Workers)
	assert.Equal(t, 24*time.Hour, cfg.Jobs.Retention)
	assert.Equal(t, 5000, cfg.Timeline.PointChunkSize)
	assert.True(t, cfg.Timeline.MergeEnabled)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("PORT", ":9090")
	t.Setenv("DB_PATH", "/tmp/timeline.db")
	t.Setenv("JOBS_WORKERS", "2")
	t.Setenv("JOBS_RETENTION", "2h")
	t.Setenv("TIMELINE_TRAIN_ENABLED", "true")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Port)
	assert.Equal(t, "/tmp/timeline.db", cfg.DBPath)
	assert.Equal(t, 2, cfg.Jobs.Workers)
	assert.Equal(t, 2*time.Hour, cfg.Jobs.Retention)
	assert.True(t, cfg.Timeline.TrainEnabled)
}

func TestLoad_ConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "timeline.yaml")
	content := []byte("log:\n  level: debug\ntimeline:\n  merge_max_distance_meters: 250\n")
	require.NoError(t, os.WriteFile(path, content, 0644))
	t.Setenv("CONFIG_FILE", path)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, 250.0, cfg.Timeline.MergeMaxDistanceMeters)
}

func TestLoad_InvalidLogLevel(t *testing.T) {
	t.Setenv("LOG_LEVEL", "verbose")

	_, err := Load()
	assert.Error(t, err)
}

func TestLoad_ZeroWorkers(t *testing.T) {
	t.Setenv("JOBS_WORKERS", "0")

	_, err := Load()
	assert.Error(t, err)
}

func TestDefaultTimelineConfig(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	tc := cfg.Timeline.DefaultTimelineConfig()
	require.NotNil(t, tc.WalkingMaxMaxSpeed)
	assert.Equal(t, 8.0, *tc.WalkingMaxMaxSpeed)
	require.NotNil(t, tc.DataGapThresholdSeconds)
	assert.Equal(t, int64(10800), *tc.DataGapThresholdSeconds)
	assert.False(t, tc.FlightEnabled)
}
