package cache

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"wardrobe-render/internal/metrics"
	"wardrobe-render/internal/render"
	"wardrobe-render/pkg/logging/logging"
)

// LoggingCache wraps a Cache with logging + metrics.
type LoggingCache struct {
	inner Cache
}

// NewLoggingCache returns a cache that logs and records metrics.
func NewLoggingCache(inner Cache) Cache {
	return &LoggingCache{inner: inner}
}

func (c *LoggingCache) Lookup(ctx context.Context, userID string, hash render.Hash) (*Entry, error) {
	start := time.Now()
	e, err := c.inner.Lookup(ctx, userID, hash)
	elapsed := time.Since(start)
	metrics.CacheOpSeconds.WithLabelValues("lookup").Observe(elapsed.Seconds())

	result := "hit"
	switch {
	case errors.Is(err, ErrNotFound):
		result = "miss"
	case err != nil:
		result = "error"
	}
	metrics.CacheLookupsTotal.WithLabelValues(result).Inc()

	fields := []zap.Field{
		zap.String("user_id", userID),
		zap.String("render_hash", string(hash)),
		zap.String("cache_result", result), // hit | miss | error
		zap.Float64("latency_ms", latencyMs(elapsed)),
	}
	if e != nil {
		fields = append(fields, zap.Int64("hit_count", e.HitCount))
	}

	logger := logging.L(ctx)
	if result == "error" {
		logger.Error("render_cache_lookup", append(fields, zap.Error(err))...)
	} else {
		logger.Info("render_cache_lookup", fields...)
	}
	return e, err
}

func (c *LoggingCache) Upsert(ctx context.Context, in UpsertInput) (*Entry, error) {
	start := time.Now()
	e, err := c.inner.Upsert(ctx, in)
	elapsed := time.Since(start)
	metrics.CacheOpSeconds.WithLabelValues("upsert").Observe(elapsed.Seconds())

	fields := []zap.Field{
		zap.String("user_id", in.UserID),
		zap.String("render_hash", string(in.RenderHash)),
		zap.String("storage_path", in.StoragePath),
		zap.String("model", in.Model),
		zap.Float64("latency_ms", latencyMs(elapsed)),
	}
	logger := logging.L(ctx)
	if err != nil {
		logger.Error("render_cache_upsert", append(fields, zap.Error(err))...)
	} else {
		logger.Info("render_cache_upsert", fields...)
	}
	return e, err
}

func (c *LoggingCache) RecordHit(ctx context.Context, userID string, hash render.Hash) error {
	start := time.Now()
	err := c.inner.RecordHit(ctx, userID, hash)
	metrics.CacheOpSeconds.WithLabelValues("record_hit").Observe(time.Since(start).Seconds())
	if err != nil {
		logging.L(ctx).Warn("render_cache_record_hit",
			zap.String("user_id", userID),
			zap.String("render_hash", string(hash)),
			zap.Error(err),
		)
	}
	return err
}

func (c *LoggingCache) PutBlob(ctx context.Context, userID string, hash render.Hash, data []byte, mimeType string) (string, error) {
	start := time.Now()
	p, err := c.inner.PutBlob(ctx, userID, hash, data, mimeType)
	elapsed := time.Since(start)
	metrics.CacheOpSeconds.WithLabelValues("put_blob").Observe(elapsed.Seconds())

	fields := []zap.Field{
		zap.String("user_id", userID),
		zap.String("render_hash", string(hash)),
		zap.Int("bytes", len(data)),
		zap.Float64("latency_ms", latencyMs(elapsed)),
	}
	logger := logging.L(ctx)
	if err != nil {
		logger.Error("render_blob_put", append(fields, zap.Error(err))...)
	} else {
		logger.Info("render_blob_put", append(fields, zap.String("storage_path", p))...)
	}
	return p, err
}

func latencyMs(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000.0
}
