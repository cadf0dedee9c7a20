// Package logger holds the shared zerolog instance used across the queue,
// worker, and gateway processes.
package logger

import (
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Log is the global logger instance.
var Log zerolog.Logger

func init() {
	// JSON output for production
	Log = zerolog.New(os.Stdout).
		With().
		Timestamp().
		Logger()

	// Pretty print everywhere else
	if os.Getenv("APP_ENV") != "production" {
		Log = Log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
}

// For returns a child logger tagged with the given component name.
func For(component string) zerolog.Logger {
	return Log.With().Str("component", component).Logger()
}
