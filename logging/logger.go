// Package logging carries a structured logger on the request context.
//
// Components never hold a logger of their own. They log through the package
// functions, which resolve the logger scoped to the current request:
//
//	logging.Infow(ctx, "flows: acg started", "page", opts.PageURI)
package logging

import (
	"context"
	"testing"
)

type ctxkey struct {
	logger Logger
}

// With attaches a logger to the context.
//
// This can be used to create logging scopes like so:
//
//	for _, sub := range subjects {
//	  ctx := With(ctx, logger.Named(sub))
//	  expire(ctx, sub)
//	}
func With(ctx context.Context, logger Logger) context.Context {
	return context.WithValue(ctx, ctxkey{}, &ctxkey{
		logger: logger,
	})
}

// FromContext returns the scoped logger, or a no-op logger if the context has
// none attached.
func FromContext(ctx context.Context) Logger {
	if ctx != nil {
		if c, ok := ctx.Value(ctxkey{}).(*ctxkey); ok {
			return c.logger
		}
	}
	return nopLogger
}

// EnsureLogger returns ctx unchanged if it already carries a logger, otherwise
// it attaches a development logger. Mostly useful in tests and background
// goroutines.
func EnsureLogger(ctx context.Context) context.Context {
	if c, ok := ctx.Value(ctxkey{}).(*ctxkey); ok && c.logger != nil {
		return ctx
	}
	return With(ctx, NewDevLogger())
}

// ForTest returns a context carrying a logger that writes through t.Log.
func ForTest(t testing.TB) context.Context {
	return With(t.Context(), NewTestLogger(t))
}

// Track a field across the lifetime of the context. Tracked values persist back
// up the call-chain to the request middleware, so do not use this inside loops
// without first creating a new scope with `logging.With(ctx, l.Named("x"))`.
func Track(ctx context.Context, field string, value any) {
	if c, ok := ctx.Value(ctxkey{}).(*ctxkey); ok {
		c.logger = c.logger.With(field, value)
	}
}

// Logger provides an abstract logging interface designed around uber-go/zap's
// sugared logger.
type Logger interface {
	Debug(args ...any)
	Debugw(msg string, keysAndValues ...any)
	Debugf(msg string, args ...any)
	Info(args ...any)
	Infow(msg string, keysAndValues ...any)
	Infof(msg string, args ...any)
	Warn(args ...any)
	Warnw(msg string, keysAndValues ...any)
	Warnf(msg string, args ...any)
	Error(args ...any)
	Errorw(msg string, keysAndValues ...any)
	Errorf(msg string, args ...any)

	// Named creates a child logger with the given name.
	Named(name string) Logger

	// With creates a child logger and attaches structured context to it.
	With(field string, value any) Logger

	// Sync flushes buffered entries.
	Sync() error
}

func Debugw(ctx context.Context, msg string, fields ...any) {
	FromContext(ctx).Debugw(msg, fields...)
}

func Debugf(ctx context.Context, msg string, args ...any) {
	FromContext(ctx).Debugf(msg, args...)
}

func Info(ctx context.Context, msg string) {
	FromContext(ctx).Info(msg)
}

func Infow(ctx context.Context, msg string, fields ...any) {
	FromContext(ctx).Infow(msg, fields...)
}

func Infof(ctx context.Context, msg string, args ...any) {
	FromContext(ctx).Infof(msg, args...)
}

func Warnw(ctx context.Context, msg string, fields ...any) {
	FromContext(ctx).Warnw(msg, fields...)
}

func Warnf(ctx context.Context, msg string, args ...any) {
	FromContext(ctx).Warnf(msg, args...)
}

func Error(ctx context.Context, msg string) {
	FromContext(ctx).Error(msg)
}

func Errorw(ctx context.Context, msg string, fields ...any) {
	FromContext(ctx).Errorw(msg, fields...)
}

func Errorf(ctx context.Context, msg string, args ...any) {
	FromContext(ctx).Errorf(msg, args...)
}
