// Package obs provides structured logging for the rate limiter service.
package obs

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Level represents the logging level
type Level string

// Log levels
const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
	FatalLevel Level = "fatal"
)

type contextKey string

const (
	loggerKey contextKey = "logger"
	requestID contextKey = "request_id"
)

// Init initializes the global logger with the given settings
func Init(level Level, pretty bool) {
	zerolog.SetGlobalLevel(parseLevel(level))

	var output io.Writer = os.Stdout
	if pretty {
		output = zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
	}

	log.Logger = zerolog.New(output).
		With().
		Timestamp().
		Caller().
		Logger()

	Info("logger initialized", map[string]interface{}{
		"level":  level,
		"pretty": pretty,
	})
}

func parseLevel(level Level) zerolog.Level {
	switch level {
	case DebugLevel:
		return zerolog.DebugLevel
	case InfoLevel:
		return zerolog.InfoLevel
	case WarnLevel:
		return zerolog.WarnLevel
	case ErrorLevel:
		return zerolog.ErrorLevel
	case FatalLevel:
		return zerolog.FatalLevel
	default:
		return zerolog.InfoLevel
	}
}

// WithRequestID attaches a request ID to the logger carried in ctx
func WithRequestID(ctx context.Context, reqID string) context.Context {
	logger := zerolog.Ctx(ctx).With().Str("request_id", reqID).Logger()
	ctx = context.WithValue(ctx, requestID, reqID)
	return logger.WithContext(ctx)
}

// RequestIDFromContext returns the request ID stored in ctx, if any
func RequestIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(requestID).(string); ok {
		return id
	}
	return ""
}

func addFields(event *zerolog.Event, fields map[string]interface{}) {
	if fields == nil {
		return
	}
	for k, v := range fields {
		event = event.Interface(k, v)
	}
}

// Debug logs a debug message with additional fields
func Debug(msg string, fields map[string]interface{}) {
	event := log.Debug()
	addFields(event, fields)
	event.Msg(msg)
}

// Info logs an info message with additional fields
func Info(msg string, fields map[string]interface{}) {
	event := log.Info()
	addFields(event, fields)
	event.Msg(msg)
}

// Warn logs a warning message with additional fields
func Warn(msg string, fields map[string]interface{}) {
	event := log.Warn()
	addFields(event, fields)
	event.Msg(msg)
}

// Error logs an error message with additional fields
func Error(err error, msg string, fields map[string]interface{}) {
	if fields == nil {
		fields = make(map[string]interface{})
	}
	fields["error"] = err.Error()

	event := log.Error()
	addFields(event, fields)
	event.Msg(msg)
}

// Fatal logs a fatal error message with additional fields and exits the program
func Fatal(err error, msg string, fields map[string]interface{}) {
	if fields == nil {
		fields = make(map[string]interface{})
	}
	fields["error"] = err.Error()

	event := log.Fatal()
	addFields(event, fields)
	event.Msg(msg)
}

// DebugContext logs a debug message using the logger carried on ctx
func DebugContext(ctx context.Context, msg string, fields map[string]interface{}) {
	event := log.Ctx(ctx).Debug()
	addFields(event, fields)
	event.Msg(msg)
}

// InfoContext logs an info message using the logger carried on ctx
func InfoContext(ctx context.Context, msg string, fields map[string]interface{}) {
	event := log.Ctx(ctx).Info()
	addFields(event, fields)
	event.Msg(msg)
}

// WarnContext logs a warning message using the logger carried on ctx
func WarnContext(ctx context.Context, msg string, fields map[string]interface{}) {
	event := log.Ctx(ctx).Warn()
	addFields(event, fields)
	event.Msg(msg)
}

// ErrorContext logs an error message using the logger carried on ctx
func ErrorContext(ctx context.Context, err error, msg string, fields map[string]interface{}) {
	if fields == nil {
		fields = make(map[string]interface{})
	}
	fields["error"] = err.Error()

	event := log.Ctx(ctx).Error()
	addFields(event, fields)
	event.Msg(msg)
}

// Timer measures and logs execution times
type Timer struct {
	Name      string
	StartTime time.Time
}

// NewTimer creates a new timer with the given name
func NewTimer(name string) *Timer {
	return &Timer{Name: name, StartTime: time.Now()}
}

// Stop stops the timer and logs the elapsed time
func (t *Timer) Stop() time.Duration {
	elapsed := time.Since(t.StartTime)
	Info(fmt.Sprintf("%s completed", t.Name), map[string]interface{}{
		"duration_ms": elapsed.Milliseconds(),
	})
	return elapsed
}

// StopContext stops the timer and logs the elapsed time via ctx's logger
func (t *Timer) StopContext(ctx context.Context) time.Duration {
	elapsed := time.Since(t.StartTime)
	InfoContext(ctx, fmt.Sprintf("%s completed", t.Name), map[string]interface{}{
		"duration_ms": elapsed.Milliseconds(),
	})
	return elapsed
}

// NewRequestID generates a short request identifier for logging/headers.
// Reservation IDs, which must be safe to use as an idempotency key across
// nodes, use uuid.NewString instead (see internal/quota).
func NewRequestID() string {
	return uuid.NewString()[:8]
}

// WithLogger attaches an explicit logger to ctx
func WithLogger(ctx context.Context, logger *zerolog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// GetLogger retrieves the logger attached to ctx, or a default one
func GetLogger(ctx context.Context) *zerolog.Logger {
	if l, ok := ctx.Value(loggerKey).(*zerolog.Logger); ok {
		return l
	}
	logger := log.With().Str("from", "context").Logger()
	return &logger
}
