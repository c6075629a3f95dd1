package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

var (
	defaultLogger *slog.Logger
	level         slog.LevelVar
	once          sync.Once
)

// Initialize sets up the structured logger. Output goes to stderr so that
// record output on stdout stays machine-readable.
func Initialize() {
	once.Do(func() {
		handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
			Level:     &level,
			AddSource: false,
		})
		defaultLogger = slog.New(handler)
	})
}

// InitializeWithWriter sets up the structured logger against an explicit
// writer. Intended for tests and for redirecting diagnostics to a file.
func InitializeWithWriter(w io.Writer) {
	once.Do(func() {
		handler := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: &level})
		defaultLogger = slog.New(handler)
	})
}

// SetLevel adjusts the minimum log level. Accepts "debug", "info", "warn",
// "error"; anything else leaves the level unchanged.
func SetLevel(name string) {
	switch strings.ToLower(name) {
	case "debug":
		level.Set(slog.LevelDebug)
	case "info":
		level.Set(slog.LevelInfo)
	case "warn", "warning":
		level.Set(slog.LevelWarn)
	case "error":
		level.Set(slog.LevelError)
	}
}

// Get returns the default structured logger
func Get() *slog.Logger {
	Initialize() // Always call Initialize, sync.Once ensures it only runs once
	return defaultLogger
}

// Info logs an info level message
func Info(msg string, args ...any) {
	Get().Info(msg, args...)
}

// Warn logs a warning level message
func Warn(msg string, args ...any) {
	Get().Warn(msg, args...)
}

// Error logs an error level message
func Error(msg string, args ...any) {
	Get().Error(msg, args...)
}

// Debug logs a debug level message
func Debug(msg string, args ...any) {
	Get().Debug(msg, args...)
}

// With returns a logger with the given attributes
func With(args ...any) *slog.Logger {
	return Get().With(args...)
}
