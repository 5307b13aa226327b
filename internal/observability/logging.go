// Package observability provides logging for the dispatch core.
package observability

import (
	"io"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// SetupLogging configures the global logger based on the provided settings.
func SetupLogging(level, format string, output io.Writer) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)

	zerolog.TimeFieldFormat = time.RFC3339

	if format == "console" || format == "text" {
		output = zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: "15:04:05",
		}
	}

	log.Logger = zerolog.New(output).With().Timestamp().Logger()
}

// Logger returns a contextualized logger for a component.
func Logger(component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}

// WithEndpoint adds the endpoint id to logger context.
func WithEndpoint(logger zerolog.Logger, endpointID string) zerolog.Logger {
	return logger.With().Str("endpoint_id", endpointID).Logger()
}

// WithConnection adds the WebSocket connection id to logger context.
func WithConnection(logger zerolog.Logger, connectionID string) zerolog.Logger {
	return logger.With().Str("connection_id", connectionID).Logger()
}

// WithTrigger adds the classified trigger kind to logger context.
func WithTrigger(logger zerolog.Logger, kind string) zerolog.Logger {
	return logger.With().Str("trigger", kind).Logger()
}

// SanitizeForLog removes sensitive data from a map before logging.
func SanitizeForLog(data map[string]any) map[string]any {
	sanitized := make(map[string]any)
	sensitiveKeys := map[string]bool{
		"password":     true,
		"secret":       true,
		"token":        true,
		"api_key":      true,
		"apikey":       true,
		"access_token": true,
		"private_key":  true,
		"credentials":  true,
	}

	for k, v := range data {
		if sensitiveKeys[k] {
			sanitized[k] = "[REDACTED]"
		} else {
			sanitized[k] = v
		}
	}

	return sanitized
}
