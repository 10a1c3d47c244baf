package logging

import (
	"context"
	"log/slog"
	"os"
)

// New returns a logger writing text records to STDERR. STDOUT stays free for
// telemetry output. The EPMON_LOG_LEVEL environment variable ("debug",
// "warn", "error") overrides the default info level.
func New() *slog.Logger {
	level := slog.LevelInfo
	switch os.Getenv("EPMON_LOG_LEVEL") {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

type ctxKey struct{}

// NewContext returns a copy of ctx with the logger stored.
func NewContext(ctx context.Context, l *slog.Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, l)
}

// FromContext retrieves a logger from ctx or returns slog.Default().
func FromContext(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(ctxKey{}).(*slog.Logger); ok {
		return l
	}
	return slog.Default()
}
