// Package slogger exposes package-level structured logging helpers so callers
// do not have to thread an ApplicationLogger through every constructor. The
// global logger is initialized lazily with sane defaults and can be replaced
// once at startup (or per test) via SetGlobalLogger.
package slogger

import (
	"context"
	"sync"

	"locpipe/internal/application/common/logging"
)

// Fields is an alias for logging.Fields for convenience.
type Fields = logging.Fields

//nolint:gochecknoglobals // Singleton logging infrastructure.
var (
	globalMu     sync.RWMutex
	globalLogger logging.ApplicationLogger
)

// getLogger returns the global logger, initializing the default on first use.
func getLogger() logging.ApplicationLogger {
	globalMu.RLock()
	logger := globalLogger
	globalMu.RUnlock()
	if logger != nil {
		return logger
	}

	globalMu.Lock()
	defer globalMu.Unlock()
	if globalLogger == nil {
		logger, err := logging.NewApplicationLogger(logging.Config{
			Level:  "INFO",
			Format: "json",
			Output: "stdout",
		})
		if err != nil {
			// Static defaults above are valid; this cannot happen.
			panic("failed to initialize default logger: " + err.Error())
		}
		globalLogger = logger
	}
	return globalLogger
}

// SetGlobalLogger replaces the global logger (startup wiring and tests).
func SetGlobalLogger(logger logging.ApplicationLogger) {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalLogger = logger
}

// Context-aware logging functions (preferred).

// Debug logs a debug message with context.
func Debug(ctx context.Context, msg string, fields Fields) {
	getLogger().Debug(ctx, msg, fields)
}

// Info logs an info message with context.
func Info(ctx context.Context, msg string, fields Fields) {
	getLogger().Info(ctx, msg, fields)
}

// Warn logs a warning message with context.
func Warn(ctx context.Context, msg string, fields Fields) {
	getLogger().Warn(ctx, msg, fields)
}

// Error logs an error message with context.
func Error(ctx context.Context, msg string, fields Fields) {
	getLogger().Error(ctx, msg, fields)
}

// ErrorWithError logs an error message with an error object and context.
func ErrorWithError(ctx context.Context, err error, msg string, fields Fields) {
	getLogger().ErrorWithError(ctx, err, msg, fields)
}

// No-context fallback functions.

// DebugNoCtx logs a debug message without context.
func DebugNoCtx(msg string, fields Fields) {
	getLogger().Debug(context.Background(), msg, fields)
}

// InfoNoCtx logs an info message without context.
func InfoNoCtx(msg string, fields Fields) {
	getLogger().Info(context.Background(), msg, fields)
}

// WarnNoCtx logs a warning message without context.
func WarnNoCtx(msg string, fields Fields) {
	getLogger().Warn(context.Background(), msg, fields)
}

// ErrorNoCtx logs an error message without context.
func ErrorNoCtx(msg string, fields Fields) {
	getLogger().Error(context.Background(), msg, fields)
}

// ErrorWithErrorNoCtx logs an error message with an error object without context.
func ErrorWithErrorNoCtx(err error, msg string, fields Fields) {
	getLogger().ErrorWithError(context.Background(), err, msg, fields)
}

// Helper functions for creating Fields.

// Field creates a single-field Fields map.
func Field(key string, value interface{}) Fields {
	return Fields{key: value}
}

// Fields2 creates a Fields map with two key-value pairs.
func Fields2(k1 string, v1 interface{}, k2 string, v2 interface{}) Fields {
	return Fields{k1: v1, k2: v2}
}

// Fields3 creates a Fields map with three key-value pairs.
func Fields3(k1 string, v1 interface{}, k2 string, v2 interface{}, k3 string, v3 interface{}) Fields {
	return Fields{k1: v1, k2: v2, k3: v3}
}

// WithComponent returns a logger scoped to a component name.
func WithComponent(component string) logging.ApplicationLogger {
	return getLogger().WithComponent(component)
}
