package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	Port string

	CacheTTL     time.Duration
	SignedURLTTL time.Duration

	MaxRetries      int
	RetryBase       time.Duration
	ProviderTimeout time.Duration

	LeaseWaitTimeout time.Duration
	LeaseTTL         time.Duration
	MaxConcurrent    int64
	ChargeCacheHits  bool

	MetadataBackend string // memory | sql | redis
	SQLDriver       string // sqlite | postgres
	DatabaseDSN     string
	LeaseBackend    string // local | redis
	UsageBackend    string // memory | redis
	DefaultCredits  int
	RedisAddr       string
	RedisPrefix     string

	BlobRoot      string
	PublicBaseURL string
	URLSigningKey string

	LLMBaseURL        string
	LLMAPIKey         string
	PrimaryModelFlash string
	PrimaryModelPro   string
	FallbackBaseURL   string
	FallbackAPIKey    string
	FallbackModel     string

	TraceExporter string // none | stdout
}

func LoadConfig() Config {
	return Config{
		Port: getenv("PORT", "8080"),

		CacheTTL:     time.Duration(getint("CACHE_TTL_DAYS", 14)) * 24 * time.Hour,
		SignedURLTTL: time.Duration(getint("SIGNED_URL_TTL_SECONDS", 3600)) * time.Second,

		MaxRetries:      getint("MAX_RETRIES", 2),
		RetryBase:       getms("RETRY_BASE_BACKOFF_MS", 250),
		ProviderTimeout: getms("PROVIDER_TIMEOUT_MS", 60000),

		LeaseWaitTimeout: getms("LEASE_WAIT_TIMEOUT_MS", 90000),
		LeaseTTL:         getms("LEASE_TTL_MS", 120000),
		MaxConcurrent:    int64(getint("MAX_CONCURRENT_GENERATIONS", 8)),
		ChargeCacheHits:  getbool("CHARGE_CACHE_HITS", false),

		MetadataBackend: getenv("METADATA_BACKEND", "memory"),
		SQLDriver:       getenv("SQL_DRIVER", "sqlite"),
		DatabaseDSN:     getenv("DATABASE_DSN", "file:renders.db?_pragma=busy_timeout(5000)"),
		LeaseBackend:    getenv("LEASE_BACKEND", "local"),
		UsageBackend:    getenv("USAGE_BACKEND", "memory"),
		DefaultCredits:  getint("DEFAULT_CREDITS", 50),
		RedisAddr:       getenv("REDIS_ADDR", "127.0.0.1:6379"),
		RedisPrefix:     getenv("REDIS_PREFIX", "wardrobe"),

		BlobRoot:      getenv("BLOB_ROOT", "./data/blobs"),
		PublicBaseURL: getenv("PUBLIC_BASE_URL", "http://localhost:8080"),
		URLSigningKey: os.Getenv("URL_SIGNING_KEY"),

		LLMBaseURL:        getenv("LLM_BASE_URL", "https://openrouter.ai/api/v1"),
		LLMAPIKey:         os.Getenv("LLM_API_KEY"),
		PrimaryModelFlash: getenv("PRIMARY_MODEL_FLASH", "google/gemini-2.5-flash-image"),
		PrimaryModelPro:   getenv("PRIMARY_MODEL_PRO", "google/gemini-3-pro-image-preview"),
		FallbackBaseURL:   os.Getenv("FALLBACK_BASE_URL"),
		FallbackAPIKey:    os.Getenv("FALLBACK_API_KEY"),
		FallbackModel:     os.Getenv("FALLBACK_MODEL"),

		TraceExporter: getenv("TRACE_EXPORTER", "none"),
	}
}

func (c Config) Validate() error {
	var errs []error
	if c.LLMAPIKey == "" {
		errs = append(errs, errors.New("LLM_API_KEY is required"))
	}
	if c.CacheTTL <= 0 {
		errs = append(errs, errors.New("CACHE_TTL_DAYS must be positive"))
	}
	if c.MaxRetries < 0 {
		errs = append(errs, errors.New("MAX_RETRIES must not be negative"))
	}
	if c.MaxConcurrent <= 0 {
		errs = append(errs, errors.New("MAX_CONCURRENT_GENERATIONS must be positive"))
	}
	switch c.MetadataBackend {
	case "memory", "sql", "redis":
	default:
		errs = append(errs, fmt.Errorf("METADATA_BACKEND %q is not one of memory, sql, redis", c.MetadataBackend))
	}
	switch c.SQLDriver {
	case "sqlite", "postgres":
	default:
		errs = append(errs, fmt.Errorf("SQL_DRIVER %q is not one of sqlite, postgres", c.SQLDriver))
	}
	switch c.LeaseBackend {
	case "local", "redis":
	default:
		errs = append(errs, fmt.Errorf("LEASE_BACKEND %q is not one of local, redis", c.LeaseBackend))
	}
	switch c.UsageBackend {
	case "memory", "redis":
	default:
		errs = append(errs, fmt.Errorf("USAGE_BACKEND %q is not one of memory, redis", c.UsageBackend))
	}
	switch c.TraceExporter {
	case "none", "stdout":
	default:
		errs = append(errs, fmt.Errorf("TRACE_EXPORTER %q is not one of none, stdout", c.TraceExporter))
	}
	if c.URLSigningKey != "" && len(c.URLSigningKey) < 16 {
		errs = append(errs, errors.New("URL_SIGNING_KEY must be at least 16 bytes"))
	}
	return errors.Join(errs...)
}

// needsRedis reports whether any backend is configured to use Redis.
func (c Config) needsRedis() bool {
	return c.MetadataBackend == "redis" || c.LeaseBackend == "redis" || c.UsageBackend == "redis"
}

// getenv returns the value of the environment variable key or def if not set.
func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getint(key string, def int) int {
	v, err := strconv.Atoi(os.Getenv(key))
	if err != nil {
		return def
	}
	return v
}

func getbool(key string, def bool) bool {
	v, err := strconv.ParseBool(os.Getenv(key))
	if err != nil {
		return def
	}
	return v
}

func getms(key string, def int) time.Duration {
	return time.Duration(getint(key, def)) * time.Millisecond
}
