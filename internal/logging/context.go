package logging

import (
	"context"
)

type contextKey int

const (
	loggerKey contextKey = iota
	cycleIDKey
)

// WithLoggerCtx returns a new context with the logger attached.
func WithLoggerCtx(ctx context.Context, l *Logger) context.Context {
	return context.WithValue(ctx, loggerKey, l)
}

// LoggerFromCtx returns the logger from context, or nil if not set.
func LoggerFromCtx(ctx context.Context) *Logger {
	l, _ := ctx.Value(loggerKey).(*Logger)
	return l
}

// WithCycleIDCtx returns a new context carrying an evaluation cycle id.
func WithCycleIDCtx(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, cycleIDKey, id)
}

// CycleIDFromCtx extracts the cycle id from the context.
func CycleIDFromCtx(ctx context.Context) string {
	if id, ok := ctx.Value(cycleIDKey).(string); ok {
		return id
	}
	return ""
}

// FromCtx returns the logger attached to ctx, falling back to the global
// logger. A cycle id found in ctx is applied when the logger lacks one.
func FromCtx(ctx context.Context) *Logger {
	l := LoggerFromCtx(ctx)
	if l == nil {
		l = Global()
	}
	if id := CycleIDFromCtx(ctx); id != "" && l.CycleID() != id {
		l = l.WithCycleID(id)
	}
	return l
}
