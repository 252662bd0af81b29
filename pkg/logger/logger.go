package logger

import (
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Log is the global logger instance
var Log zerolog.Logger

func init() {
	Log = zerolog.New(os.Stdout).
		With().
		Timestamp().
		Logger()

	// Pretty print for development
	if os.Getenv("SERVER_ENV") != "production" {
		Log = Log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
}

// SetLevel applies the configured log level to the global logger.
func SetLevel(level string) {
	switch strings.ToLower(level) {
	case "debug":
		Log = Log.Level(zerolog.DebugLevel)
	case "warn":
		Log = Log.Level(zerolog.WarnLevel)
	case "error":
		Log = Log.Level(zerolog.ErrorLevel)
	default:
		Log = Log.Level(zerolog.InfoLevel)
	}
}

// Component returns a child logger tagged with a component name.
func Component(name string) zerolog.Logger {
	return Log.With().Str("component", name).Logger()
}
