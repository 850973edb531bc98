package logger

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
)

// Level aliases slog.Level for callers that configure logging.
type Level = slog.Level

const (
	LevelDebug   = slog.LevelDebug
	LevelInfo    = slog.LevelInfo
	LevelWarning = slog.LevelWarn
	LevelError   = slog.LevelError
)

var (
	// Logger is the process-wide structured logger. Setup installs it as the
	// slog default so library packages logging via slog.Default share it.
	Logger *slog.Logger

	programLevel = new(slog.LevelVar)
)

// Counters incremented by HTTP middleware and error paths, exposed through
// the health endpoint. Incremented regardless of log level.
var (
	TotalErrors   atomic.Int64
	TotalWarnings atomic.Int64
)

// Setup configures JSON logging to stdout. The level comes from the LOG_LEVEL
// environment variable (default INFO).
func Setup() {
	level := slog.LevelInfo
	if levelStr := os.Getenv("LOG_LEVEL"); levelStr != "" {
		if parsed, err := ParseLevel(levelStr); err == nil {
			level = parsed
		}
	}
	programLevel.Set(level)

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: programLevel})
	Logger = slog.New(handler)
	slog.SetDefault(Logger)
}

// SetLevel changes the log level at runtime.
func SetLevel(level Level) {
	programLevel.Set(level)
}

// ParseLevel converts a level name to a slog.Level.
func ParseLevel(s string) (Level, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return LevelDebug, nil
	case "INFO":
		return LevelInfo, nil
	case "WARN", "WARNING":
		return LevelWarning, nil
	case "ERROR":
		return LevelError, nil
	default:
		return LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
}

// Error logs at error level and bumps the error counter.
func Error(msg string, args ...any) {
	TotalErrors.Add(1)
	logger().Error(msg, args...)
}

// Warn logs at warning level and bumps the warning counter.
func Warn(msg string, args ...any) {
	TotalWarnings.Add(1)
	logger().Warn(msg, args...)
}

// Info logs at info level.
func Info(msg string, args ...any) {
	logger().Info(msg, args...)
}

// Debug logs at debug level.
func Debug(msg string, args ...any) {
	logger().Debug(msg, args...)
}

func logger() *slog.Logger {
	if Logger != nil {
		return Logger
	}
	return slog.Default()
}
