// Package logging provides structured application logging with correlation
// ID propagation. All pipeline packages log through this layer (usually via
// the slogger facade) so output format and level are controlled in one place.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"
)

// Fields represents structured logging fields.
type Fields map[string]interface{}

// contextKey is the type for context keys used by this package.
type contextKey string

// CorrelationIDKey is the context key carrying the correlation ID.
const CorrelationIDKey contextKey = "correlation_id"

// WithCorrelationID returns a context carrying the given correlation ID.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, CorrelationIDKey, id)
}

// CorrelationIDFromContext extracts the correlation ID, or empty when absent.
func CorrelationIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if id, ok := ctx.Value(CorrelationIDKey).(string); ok {
		return id
	}
	return ""
}

// Config represents logger configuration.
type Config struct {
	Level  string `mapstructure:"level"`  // DEBUG, INFO, WARN, ERROR
	Format string `mapstructure:"format"` // json or text
	Output string `mapstructure:"output"` // stdout, stderr, or a file path
}

// ApplicationLogger defines the interface for structured application logging.
type ApplicationLogger interface {
	Debug(ctx context.Context, message string, fields Fields)
	Info(ctx context.Context, message string, fields Fields)
	Warn(ctx context.Context, message string, fields Fields)
	Error(ctx context.Context, message string, fields Fields)
	ErrorWithError(ctx context.Context, err error, message string, fields Fields)
	LogPerformance(ctx context.Context, operation string, duration time.Duration, fields Fields)
	WithComponent(component string) ApplicationLogger
}

// DefaultApplicationLogger implements ApplicationLogger on top of log/slog.
type DefaultApplicationLogger struct {
	logger    *slog.Logger
	component string
}

// NewApplicationLogger creates a logger from config.
func NewApplicationLogger(config Config) (ApplicationLogger, error) {
	level, err := parseLevel(config.Level)
	if err != nil {
		return nil, err
	}

	output, err := openOutput(config.Output)
	if err != nil {
		return nil, err
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch strings.ToLower(config.Format) {
	case "", "json":
		handler = slog.NewJSONHandler(output, opts)
	case "text":
		handler = slog.NewTextHandler(output, opts)
	default:
		return nil, fmt.Errorf("unsupported log format: %s", config.Format)
	}

	return &DefaultApplicationLogger{logger: slog.New(handler)}, nil
}

func parseLevel(level string) (slog.Level, error) {
	switch strings.ToUpper(level) {
	case "", "INFO":
		return slog.LevelInfo, nil
	case "DEBUG":
		return slog.LevelDebug, nil
	case "WARN", "WARNING":
		return slog.LevelWarn, nil
	case "ERROR":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unsupported log level: %s", level)
	}
}

func openOutput(output string) (io.Writer, error) {
	switch output {
	case "", "stdout":
		return os.Stdout, nil
	case "stderr":
		return os.Stderr, nil
	default:
		file, err := os.OpenFile(output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log output %s: %w", output, err)
		}
		return file, nil
	}
}

// Debug logs a debug message.
func (l *DefaultApplicationLogger) Debug(ctx context.Context, message string, fields Fields) {
	l.log(ctx, slog.LevelDebug, message, fields)
}

// Info logs an info message.
func (l *DefaultApplicationLogger) Info(ctx context.Context, message string, fields Fields) {
	l.log(ctx, slog.LevelInfo, message, fields)
}

// Warn logs a warning message.
func (l *DefaultApplicationLogger) Warn(ctx context.Context, message string, fields Fields) {
	l.log(ctx, slog.LevelWarn, message, fields)
}

// Error logs an error message.
func (l *DefaultApplicationLogger) Error(ctx context.Context, message string, fields Fields) {
	l.log(ctx, slog.LevelError, message, fields)
}

// ErrorWithError logs an error message with the error attached as a field.
func (l *DefaultApplicationLogger) ErrorWithError(ctx context.Context, err error, message string, fields Fields) {
	merged := make(Fields, len(fields)+1)
	for k, v := range fields {
		merged[k] = v
	}
	if err != nil {
		merged["error"] = err.Error()
	}
	l.log(ctx, slog.LevelError, message, merged)
}

// LogPerformance logs an operation duration at info level.
func (l *DefaultApplicationLogger) LogPerformance(
	ctx context.Context,
	operation string,
	duration time.Duration,
	fields Fields,
) {
	merged := make(Fields, len(fields)+2)
	for k, v := range fields {
		merged[k] = v
	}
	merged["operation"] = operation
	merged["duration_ms"] = duration.Milliseconds()
	l.log(ctx, slog.LevelInfo, "operation completed", merged)
}

// WithComponent returns a logger that stamps every entry with the component name.
func (l *DefaultApplicationLogger) WithComponent(component string) ApplicationLogger {
	return &DefaultApplicationLogger{logger: l.logger, component: component}
}

func (l *DefaultApplicationLogger) log(ctx context.Context, level slog.Level, message string, fields Fields) {
	attrs := make([]slog.Attr, 0, len(fields)+2)
	if l.component != "" {
		attrs = append(attrs, slog.String("component", l.component))
	}
	if id := CorrelationIDFromContext(ctx); id != "" {
		attrs = append(attrs, slog.String("correlation_id", id))
	}
	for key, value := range fields {
		attrs = append(attrs, slog.Any(key, value))
	}
	l.logger.LogAttrs(ctx, level, message, attrs...)
}
