package di

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jengzang/records-timeline/internal/config"
	"github.com/jengzang/records-timeline/internal/middleware"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := &config.Config{
		Port:        "127.0.0.1:0",
		DBPath:      filepath.Join(t.TempDir(), "timeline.db"),
		JWTSecret:   "di-secret",
		AutoMigrate: true,
	}
	cfg.Metrics.Enabled = true
	cfg.RateLimit.Requests = 100
	cfg.RateLimit.Window = time.Minute
	cfg.Jobs.Workers = 1
	cfg.Jobs.Capacity = 10
	cfg.Jobs.Retention = time.Hour
	cfg.Jobs.CleanupInterval = time.Minute
	cfg.Timeline.PointChunkSize = 100
	cfg.Timeline.StayRadiusMeters = 50
	cfg.Timeline.MinStayDuration = 7 * time.Minute
	cfg.Timeline.DataGapThresholdSeconds = 3600
	return cfg
}

func TestInitApp_ServesRoutes(t *testing.T) {
	app, cleanup, err := InitApp(testConfig(t))
	require.NoError(t, err)
	defer cleanup()

	w := httptest.NewRecorder()
	app.Router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	token, err := middleware.GenerateToken("di-secret", 1, time.Hour)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/timeline/config", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w = httptest.NewRecorder()
	app.Router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"dataGapThresholdSeconds":3600`)
}

func TestApp_RunStopsOnCancel(t *testing.T) {
	app, cleanup, err := InitApp(testConfig(t))
	require.NoError(t, err)
	defer cleanup()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- app.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
