package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
)

var nopLogger Logger = &ZapLogger{z: zap.NewNop().Sugar()}

// New returns a logger for the named mode: "dev", "prod" or "nop".
func New(mode string) (Logger, error) {
	switch mode {
	case "", "dev":
		return NewDevLogger(), nil
	case "prod":
		return NewProdLogger(), nil
	case "nop":
		return nopLogger, nil
	default:
		return nil, fmt.Errorf("logging: unknown mode %q", mode)
	}
}

// NewDevLogger returns a zap logger that prints dev friendly output.
func NewDevLogger() Logger {
	l, _ := zap.NewDevelopment(zap.AddCallerSkip(2))
	return &ZapLogger{z: l.Sugar()}
}

// NewProdLogger returns a zap logger that outputs JSON.
func NewProdLogger() Logger {
	l, _ := zap.NewProduction(zap.AddCallerSkip(2))
	return &ZapLogger{z: l.Sugar()}
}

// NewTestLogger returns a logger that writes through the test's log.
func NewTestLogger(t zaptest.TestingT) Logger {
	return &ZapLogger{z: zaptest.NewLogger(t, zaptest.Level(zapcore.DebugLevel)).Sugar()}
}

// NewZapLogger adapts an existing zap logger.
func NewZapLogger(l *zap.Logger) Logger {
	return &ZapLogger{z: l.Sugar()}
}

// ZapLogger is a logging adapter for a zap SugaredLogger.
type ZapLogger struct {
	z *zap.SugaredLogger
}

func (z *ZapLogger) Debug(args ...any) { z.z.Debug(args...) }
func (z *ZapLogger) Debugw(msg string, kv ...any) { z.z.Debugw(msg, kv...) }
func (z *ZapLogger) Debugf(msg string, args ...any) { z.z.Debugf(msg, args...) }
func (z *ZapLogger) Info(args ...any) { z.z.Info(args...) }
func (z *ZapLogger) Infow(msg string, kv ...any) { z.z.Infow(msg, kv...) }
func (z *ZapLogger) Infof(msg string, args ...any) { z.z.Infof(msg, args...) }
func (z *ZapLogger) Warn(args ...any) { z.z.Warn(args...) }
func (z *ZapLogger) Warnw(msg string, kv ...any) { z.z.Warnw(msg, kv...) }
func (z *ZapLogger) Warnf(msg string, args ...any) { z.z.Warnf(msg, args...) }
func (z *ZapLogger) Error(args ...any) { z.z.Error(args...) }
func (z *ZapLogger) Errorw(msg string, kv ...any) { z.z.Errorw(msg, kv...) }
func (z *ZapLogger) Errorf(msg string, args ...any) { z.z.Errorf(msg, args...) }
func (z *ZapLogger) Sync() error { return z.z.Sync() }
func (z *ZapLogger) Named(name string) Logger { return &ZapLogger{z: z.z.Named(name)} }
func (z *ZapLogger) With(field string, value any) Logger {
	return &ZapLogger{z: z.z.With(field, value)}
}
