package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"wardrobe-render/internal/cache"
	"wardrobe-render/internal/handlers"
	"wardrobe-render/internal/httpserver"
	"wardrobe-render/internal/lease"
	"wardrobe-render/internal/metrics"
	"wardrobe-render/internal/orchestrator"
	"wardrobe-render/internal/provider"
	"wardrobe-render/internal/render"
	"wardrobe-render/internal/retry"
	"wardrobe-render/internal/usage"
	"wardrobe-render/pkg/logging/logging"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("renderd exited with error: %v", err)
	}
}

func run() error {
	// ----- Logger -----
	logger, err := logging.New(logging.OptionsFromEnv())
	if err != nil {
		return err
	}
	defer logger.Sync()
	logging.SetDefault(logger)

	// ----- Metrics -----
	metrics.Register()

	// ----- Config -----
	cfg := LoadConfig()
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger.Info("loaded config",
		zap.String("port", cfg.Port),
		zap.String("metadata_backend", cfg.MetadataBackend),
		zap.String("lease_backend", cfg.LeaseBackend),
		zap.String("usage_backend", cfg.UsageBackend),
		zap.String("redis_addr", cfg.RedisAddr),
		zap.String("llm_base_url", cfg.LLMBaseURL),
		zap.Bool("fallback_enabled", cfg.FallbackModel != ""),
		zap.Bool("url_signing", cfg.URLSigningKey != ""),
	)

	// ----- Tracing -----
	tp, shutdownTracing, err := setupTracing(cfg)
	if err != nil {
		return err
	}
	defer shutdownTracing()

	// ----- Redis client (only if needed) -----
	var redisClient *redis.Client
	if cfg.needsRedis() {
		redisClient = redis.NewClient(&redis.Options{
			Addr: cfg.RedisAddr,
		})
		defer redisClient.Close()

		// Fail fast if Redis is misconfigured
		if err := redisClient.Ping(context.Background()).Err(); err != nil {
			logger.Error("redis connection failed", zap.Error(err))
			return err
		}
		logger.Info("redis connection established",
			zap.String("addr", cfg.RedisAddr),
		)
	}

	// ----- Metadata store -----
	var db *gorm.DB
	if cfg.MetadataBackend == "sql" {
		db, err = openDB(cfg)
		if err != nil {
			return err
		}
	}
	var rc redis.UniversalClient
	if redisClient != nil {
		rc = redisClient
	}
	meta, err := cache.NewMetadataStore(cache.Config{
		Backend: cfg.MetadataBackend,
		Prefix:  cfg.RedisPrefix,
	}, db, rc)
	if err != nil {
		return err
	}
	if m, ok := meta.(interface{ Migrate(context.Context) error }); ok {
		if err := m.Migrate(context.Background()); err != nil {
			return fmt.Errorf("migrate render cache: %w", err)
		}
	}
	if closer, ok := meta.(interface{ Close() error }); ok {
		defer closer.Close()
	}

	// ----- Blob store -----
	var signer *cache.URLSigner
	if cfg.URLSigningKey != "" {
		signer, err = cache.NewURLSigner([]byte(cfg.URLSigningKey))
		if err != nil {
			return err
		}
	} else {
		logger.Warn("URL_SIGNING_KEY not set, serving unsigned public blob urls")
	}
	blobs, err := cache.NewLocalBlobStore(cfg.BlobRoot, cfg.PublicBaseURL, signer)
	if err != nil {
		return err
	}

	// ----- Render cache -----
	store, err := cache.NewStore(meta, blobs, cache.StoreConfig{
		TTL:          cfg.CacheTTL,
		SignedURLTTL: cfg.SignedURLTTL,
		Logger:       logger.Named("cache"),
	})
	if err != nil {
		return err
	}
	defer store.Close()
	renderCache := cache.NewLoggingCache(store)

	// ----- Usage gate -----
	var ledger usage.Ledger
	switch cfg.UsageBackend {
	case "redis":
		ledger = usage.NewRedisLedger(redisClient, usage.RedisLedgerConfig{
			Prefix:         cfg.RedisPrefix,
			DefaultCredits: cfg.DefaultCredits,
		})
	default:
		ledger = usage.NewMemoryLedger(cfg.DefaultCredits)
	}

	// ----- Leases -----
	var leases lease.Registry
	switch cfg.LeaseBackend {
	case "redis":
		leases = lease.NewRedisRegistry(redisClient, lease.RedisConfig{
			Prefix: cfg.RedisPrefix,
			TTL:    cfg.LeaseTTL,
			Logger: logger,
		})
	default:
		leases = lease.NewLocalRegistry()
	}

	// ----- Providers -----
	primary, err := provider.NewOpenRouter(provider.Config{
		Name:    "primary",
		BaseURL: cfg.LLMBaseURL,
		APIKey:  cfg.LLMAPIKey,
		Models: map[render.Quality]string{
			render.QualityFlash: cfg.PrimaryModelFlash,
			render.QualityPro:   cfg.PrimaryModelPro,
		},
		DefaultModel: cfg.PrimaryModelFlash,
		Timeout:      cfg.ProviderTimeout,
	}, logger)
	if err != nil {
		return err
	}
	defer closeProvider(primary)

	var fallback provider.Provider
	if cfg.FallbackModel != "" {
		fallback, err = provider.NewOpenRouter(provider.Config{
			Name:         "fallback",
			BaseURL:      firstNonEmpty(cfg.FallbackBaseURL, cfg.LLMBaseURL),
			APIKey:       firstNonEmpty(cfg.FallbackAPIKey, cfg.LLMAPIKey),
			DefaultModel: cfg.FallbackModel,
			Timeout:      cfg.ProviderTimeout,
		}, logger)
		if err != nil {
			return err
		}
		defer closeProvider(fallback)
	}

	policy := retry.New(retry.Config{
		MaxRetries:  cfg.MaxRetries,
		BaseBackoff: cfg.RetryBase,
		Jitter:      0.2,
	}, retry.WithLogger(logger))

	gen, err := provider.NewRouter(primary, fallback, policy, provider.OnAccountRejection, logger)
	if err != nil {
		return err
	}

	// ----- Orchestrator -----
	orch, err := orchestrator.New(orchestrator.Deps{
		Validator:      render.NewValidator(nil),
		Gate:           usage.NewGate(ledger, logger),
		Cache:          renderCache,
		Leases:         leases,
		Generator:      gen,
		Assets:         orchestrator.NewBlobAssets(blobs, 0),
		TracerProvider: tp,
		Logger:         logger,
	}, orchestrator.Config{
		LeaseWaitTimeout: cfg.LeaseWaitTimeout,
		MaxConcurrent:    cfg.MaxConcurrent,
		ChargeCacheHits:  cfg.ChargeCacheHits,
	})
	if err != nil {
		return err
	}

	// ----- Router + middleware -----
	// worst case: every attempt on the primary plus one on the fallback
	requestTimeout := time.Duration(cfg.MaxRetries+2)*cfg.ProviderTimeout + cfg.LeaseWaitTimeout
	r := chi.NewRouter()
	httpserver.SetupRouter(r, logger,
		handlers.NewRenderHandler(orch, renderCache),
		handlers.NewBlobHandler(blobs, signer),
		httpserver.Options{RequestTimeout: requestTimeout},
	)

	// ----- HTTP server -----
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      requestTimeout + 5*time.Second,
		IdleTimeout:       60 * time.Second,
	}

	logger.Info("starting renderd",
		zap.String("addr", srv.Addr),
		zap.Duration("request_timeout", requestTimeout),
	)

	// Start server in background
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", zap.Error(err))
		}
	}()

	// ----- Graceful shutdown -----
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	<-stop
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
		return err
	}
	// detached generations and hit updates still write to the cache
	if err := orch.Drain(shutdownCtx); err != nil {
		logger.Warn("orchestrator drain incomplete", zap.Error(err))
	}

	logger.Info("server shutdown complete")
	return nil
}

func setupTracing(cfg Config) (trace.TracerProvider, func(), error) {
	if cfg.TraceExporter != "stdout" {
		return otel.GetTracerProvider(), func() {}, nil
	}
	exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, nil, fmt.Errorf("stdout trace exporter: %w", err)
	}
	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exp))
	otel.SetTracerProvider(tp)
	return tp, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tp.Shutdown(ctx)
	}, nil
}

func openDB(cfg Config) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch cfg.SQLDriver {
	case "postgres":
		dialector = postgres.Open(cfg.DatabaseDSN)
	default:
		dialector = sqlite.Open(cfg.DatabaseDSN)
	}
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", cfg.SQLDriver, err)
	}
	return db, nil
}

func closeProvider(p provider.Provider) {
	if closer, ok := p.(interface{ Close() error }); ok {
		_ = closer.Close()
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
