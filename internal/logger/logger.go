// Package logger provides structured logging using log/slog.
// It sets up a JSON handler with service-level context and carries a
// session id through context.Context so every log line of one upstream
// connection attempt can be correlated.
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"
)

type ctxKey string

const sessionKey ctxKey = "session_id"

// Init creates a JSON logger on stdout for the given service and installs it
// as the slog default.
func Init(service string, level slog.Level) *slog.Logger {
	logger := New(os.Stdout, service, level)
	slog.SetDefault(logger)
	return logger
}

// New builds a JSON logger writing to w without touching the default.
func New(w io.Writer, service string, level slog.Level) *slog.Logger {
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	})
	return slog.New(handler).With(slog.String("service", service))
}

// ParseLevel maps LOG_LEVEL values to slog levels. Unknown or empty values
// yield info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// WithSession stores an upstream session id in the context.
func WithSession(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, sessionKey, id)
}

// Session extracts the session id from context. Returns "" if not set.
func Session(ctx context.Context) string {
	if v, ok := ctx.Value(sessionKey).(string); ok {
		return v
	}
	return ""
}

// NewSessionID builds "{source}-{attempt}-{unixNano}".
func NewSessionID(source string, attempt int, ts time.Time) string {
	return fmt.Sprintf("%s-%d-%d", source, attempt, ts.UnixNano())
}

// LogWithSession returns slog attributes carrying the session id, if any.
// Usage: slog.Info("msg", logger.LogWithSession(ctx)...)
func LogWithSession(ctx context.Context) []any {
	sid := Session(ctx)
	if sid == "" {
		return nil
	}
	return []any{slog.String("session_id", sid)}
}
