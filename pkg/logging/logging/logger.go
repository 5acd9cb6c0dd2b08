package logging

import (
	"context"
	"fmt"
	"os"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Service is stamped on every line unless Options says otherwise.
const Service = "wardrobe-render"

// Options selects the encoder and threshold of a logger built by New.
type Options struct {
	// Development switches to the colored console encoder.
	Development bool
	// Level is a zap level name. Empty means info.
	Level   string
	Service string
}

// OptionsFromEnv reads ENV and LOG_LEVEL.
func OptionsFromEnv() Options {
	env := os.Getenv("ENV")
	return Options{
		Development: env == "dev" || env == "development",
		Level:       os.Getenv("LOG_LEVEL"),
		Service:     Service,
	}
}

// New builds a JSON logger, or a console logger in development.
func New(opts Options) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	if opts.Level != "" {
		if err := level.UnmarshalText([]byte(opts.Level)); err != nil {
			return nil, fmt.Errorf("log level %q: %w", opts.Level, err)
		}
	}

	cfg := zap.NewProductionConfig()
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	if opts.Development {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	cfg.Level = zap.NewAtomicLevelAt(level)
	if service := opts.Service; service != "" {
		cfg.InitialFields = map[string]any{"service": service}
	}
	return cfg.Build()
}

var fallback atomic.Pointer[zap.Logger]

// SetDefault replaces the logger FromContext falls back to.
func SetDefault(l *zap.Logger) {
	if l != nil {
		fallback.Store(l)
	}
}

// DefaultLogger returns the process logger. Until SetDefault is called it is
// built from the environment, or is a no-op logger when that fails.
func DefaultLogger() *zap.Logger {
	if l := fallback.Load(); l != nil {
		return l
	}
	l, err := New(OptionsFromEnv())
	if err != nil {
		l = zap.NewNop()
	}
	if fallback.CompareAndSwap(nil, l) {
		return l
	}
	return fallback.Load()
}

type ctxKey struct{}

// WithLogger returns a copy of ctx carrying l.
func WithLogger(ctx context.Context, l *zap.Logger) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, ctxKey{}, l)
}

// FromContext returns the logger carried by ctx, or DefaultLogger.
func FromContext(ctx context.Context) *zap.Logger {
	if ctx != nil {
		if l, ok := ctx.Value(ctxKey{}).(*zap.Logger); ok && l != nil {
			return l
		}
	}
	return DefaultLogger()
}

// L is shorthand for FromContext.
func L(ctx context.Context) *zap.Logger {
	return FromContext(ctx)
}

// WithFields returns ctx with a logger extended by fields.
func WithFields(ctx context.Context, fields ...zap.Field) context.Context {
	return WithLogger(ctx, FromContext(ctx).With(fields...))
}
