package celerity

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is the minimal logging interface; applications may inject their own.
// kv is a flat list of alternating keys and values.
type Logger interface {
	Debug(ctx context.Context, msg string, kv ...interface{})
	Info(ctx context.Context, msg string, kv ...interface{})
	Warn(ctx context.Context, msg string, kv ...interface{})
	Error(ctx context.Context, msg string, kv ...interface{})
	With(kv ...interface{}) Logger
}

// zapLogger adapts a zap.SugaredLogger to Logger.
type zapLogger struct{ s *zap.SugaredLogger }

// NewZapLogger builds a zap backed Logger. format is "json" or "console".
func NewZapLogger(level, format string) (Logger, error) {
	lvl := zapcore.InfoLevel
	if level != "" {
		if err := lvl.UnmarshalText([]byte(level)); err != nil {
			return nil, err
		}
	}
	var cfg zap.Config
	if format == "json" {
		cfg = zap.NewProductionConfig()
	} else {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	l, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	return ZapLogger(l), nil
}

// ZapLogger wraps an existing *zap.Logger.
func ZapLogger(l *zap.Logger) Logger { return zapLogger{s: l.Sugar()} }

// NopLogger discards everything.
func NopLogger() Logger { return zapLogger{s: zap.NewNop().Sugar()} }

func (z zapLogger) Debug(_ context.Context, msg string, kv ...interface{}) { z.s.Debugw(msg, kv...) }
func (z zapLogger) Info(_ context.Context, msg string, kv ...interface{})  { z.s.Infow(msg, kv...) }
func (z zapLogger) Warn(_ context.Context, msg string, kv ...interface{})  { z.s.Warnw(msg, kv...) }
func (z zapLogger) Error(_ context.Context, msg string, kv ...interface{}) { z.s.Errorw(msg, kv...) }
func (z zapLogger) With(kv ...interface{}) Logger                          { return zapLogger{s: z.s.With(kv...)} }

func defaultLogger(cfg LoggerConfig) Logger {
	l, err := NewZapLogger(cfg.Level, cfg.Format)
	if err != nil {
		return NopLogger()
	}
	return l
}
