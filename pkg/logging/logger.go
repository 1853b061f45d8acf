// Package logging provides structured logging configuration using zerolog.
package logging

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// LogLevel represents the logging level.
type LogLevel string

const (
	// LevelDebug logs debug messages and above.
	LevelDebug LogLevel = "debug"

	// LevelInfo logs info messages and above.
	LevelInfo LogLevel = "info"

	// LevelWarn logs warning messages and above.
	LevelWarn LogLevel = "warn"

	// LevelError logs error messages only.
	LevelError LogLevel = "error"
)

// Config holds logger configuration.
type Config struct {
	// Level is the minimum log level to output.
	Level LogLevel

	// Pretty enables human-readable console output (default: false for JSON).
	Pretty bool

	// Output is the writer to output logs to (default: os.Stderr).
	Output io.Writer
}

// DefaultConfig returns a default logger configuration.
func DefaultConfig() Config {
	return Config{
		Level:  LevelInfo,
		Pretty: false,
		Output: os.Stderr,
	}
}

// Setup configures the global zerolog logger. Every package-level logger
// created afterwards via NewLogger inherits this configuration.
func Setup(cfg Config) zerolog.Logger {
	zerolog.SetGlobalLevel(parseLevel(cfg.Level))

	output := cfg.Output
	if output == nil {
		output = os.Stderr
	}
	if cfg.Pretty {
		output = zerolog.ConsoleWriter{Out: output}
	}

	logger := zerolog.New(output).With().Timestamp().Logger()
	log.Logger = logger

	return logger
}

// parseLevel converts LogLevel to zerolog.Level.
func parseLevel(level LogLevel) zerolog.Level {
	switch strings.ToLower(string(level)) {
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// NewLogger creates a new logger with the given component name.
func NewLogger(component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}

// Log Level Guidelines:
//
// Debug: Detailed information for debugging
//   - Rate limiter token waits
//   - Per-page fetch results (cursor, record count)
//   - Retry backoff decisions
//   - Token cache operations (hit/miss, TTL)
//
// Info: Normal operation events
//   - Run start/end with configuration summary
//   - Batch sealed/uploaded (seq, id, records)
//   - Successful retry recoveries
//
// Warn: Warning conditions that don't prevent operation
//   - Retry attempts exhausted for a single batch
//   - Token cache unavailable (falling back to re-authentication)
//   - Rate limit responses from the source API
//
// Error: Error conditions requiring attention
//   - Fetch path failure (run aborts)
//   - Batch upload terminal failures
//   - Configuration errors
//
// Context Fields:
//   - component: package-level component name
//   - op: logical operation (authenticate, fetch_page, upload_batch)
//   - endpoint: API endpoint path
//   - status: HTTP status code
//   - attempt: retry attempt number
//   - cursor: pagination cursor in play
//   - batch_seq / batch_id: sealed batch identity
//   - records / pages / batches: volume counters
//   - limiter: rate limiter instance name
//   - duration: elapsed time
