package monitoring

import (
	"io"
	"os"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"
)

// LogLevel is the minimum level emitted by the logger.
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

// LogFormat selects the output encoding.
type LogFormat string

const (
	LogFormatJSON   LogFormat = "json"
	LogFormatPretty LogFormat = "pretty"
)

// LoggerConfig holds logger configuration.
type LoggerConfig struct {
	Level  LogLevel
	Format LogFormat
}

// NewLogger creates the root structured logger. JSON output is the
// default so log shippers can ingest it directly; pretty output is for
// local runs.
//
// Example:
//
//	logger := NewLogger(LoggerConfig{Level: LogLevelInfo, Format: LogFormatJSON})
//	logger.Info().Str("component", "collector").Msg("started")
func NewLogger(config LoggerConfig) zerolog.Logger {
	var output io.Writer = os.Stdout

	var level zerolog.Level
	switch config.Level {
	case LogLevelDebug:
		level = zerolog.DebugLevel
	case LogLevelInfo:
		level = zerolog.InfoLevel
	case LogLevelWarn:
		level = zerolog.WarnLevel
	case LogLevelError:
		level = zerolog.ErrorLevel
	default:
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if config.Format == LogFormatPretty {
		output = zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
	}

	return zerolog.New(output).
		With().
		Timestamp().
		Caller().
		Str("service", "odin-ingest").
		Logger()
}

// LogError logs an error with additional context fields.
func LogError(logger zerolog.Logger, err error, msg string, fields map[string]any) {
	event := logger.Error().Err(err)
	for k, v := range fields {
		event = event.Interface(k, v)
	}
	event.Msg(msg)
}

// RecoverPanic logs a recovered panic without exiting. Use in the defer
// block of every long-lived goroutine so one bad frame cannot take the
// whole pipeline down.
func RecoverPanic(logger zerolog.Logger, goroutine string) {
	if r := recover(); r != nil {
		logger.Error().
			Str("goroutine", goroutine).
			Interface("panic_value", r).
			Str("stack_trace", string(debug.Stack())).
			Msg("goroutine panic recovered")
	}
}
