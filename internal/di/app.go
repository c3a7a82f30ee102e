package di

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/jengzang/records-timeline/internal/config"
	"github.com/jengzang/records-timeline/internal/logger"
	"github.com/jengzang/records-timeline/internal/service"
)

const shutdownTimeout = 30 * time.Second

// App is the assembled timeline server
type App struct {
	Config    *config.Config
	Router    *gin.Engine
	Generator *service.TimelineGenerationService
	Jobs      *service.TimelineJobService
	Tracker   *service.JobProgressTracker

	log zerolog.Logger
}

// NewApp assembles the server from its parts
func NewApp(cfg *config.Config, router *gin.Engine, generator *service.TimelineGenerationService, jobs *service.TimelineJobService, tracker *service.JobProgressTracker) *App {
	return &App{
		Config:    cfg,
		Router:    router,
		Generator: generator,
		Jobs:      jobs,
		Tracker:   tracker,
		log:       logger.Component("app"),
	}
}

// Run recovers users left locked by a crash, then serves HTTP until ctx is
// cancelled and shuts down gracefully
func (a *App) Run(ctx context.Context) error {
	if _, err := a.Generator.RecoverStuckUsers(ctx); err != nil {
		return err
	}

	a.Tracker.Start()
	defer a.Tracker.Stop()

	srv := &http.Server{
		Addr:              a.Config.Port,
		Handler:           a.Router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.log.Info().Str("addr", srv.Addr).Msg("Server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		a.log.Info().Msg("Shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		serverErr := srv.Shutdown(shutdownCtx)
		if err := a.Jobs.Shutdown(shutdownCtx); err != nil {
			a.log.Warn().Err(err).Msg("Timeline jobs cancelled before completion")
		}
		return serverErr
	})

	return g.Wait()
}
