package logger

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

var base = zerolog.New(os.Stderr).With().Timestamp().Logger()

// Init configures the process-wide logger.
// format is "json" or "console"; level is any zerolog level name.
func Init(level, format string) error {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		return err
	}
	if lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}

	var w io.Writer = os.Stderr
	if format == "console" {
		w = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	}

	base = zerolog.New(w).Level(lvl).With().Timestamp().Logger()
	return nil
}

// SetOutput redirects the process-wide logger, mostly for tests
func SetOutput(w io.Writer) {
	base = base.Output(w)
}

// Get returns the process-wide logger
func Get() *zerolog.Logger {
	return &base
}

// Component returns a child logger tagged with the component name
func Component(name string) zerolog.Logger {
	return base.With().Str("component", name).Logger()
}
