package cache

import (
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

type Config struct {
	// Backend selects the metadata store: memory | sql | redis.
	Backend string
	Prefix  string
	// SweepInterval applies to the memory backend only.
	SweepInterval time.Duration
}

// NewMetadataStore picks a backend. db is required for "sql", redisClient
// for "redis".
func NewMetadataStore(cfg Config, db *gorm.DB, redisClient redis.UniversalClient) (MetadataStore, error) {
	switch cfg.Backend {
	case "sql":
		if db == nil {
			return nil, fmt.Errorf("cache: sql backend needs a database")
		}
		return NewSQLMetadataStore(db), nil
	case "redis":
		if redisClient == nil {
			return nil, fmt.Errorf("cache: redis backend needs a client")
		}
		return NewRedisMetadataStore(redisClient, RedisConfig{
			Prefix: cfg.Prefix,
		}), nil
	case "", "memory":
		return NewMemoryMetadataStore(cfg.SweepInterval), nil
	default:
		return nil, fmt.Errorf("cache: unknown backend %q", cfg.Backend)
	}
}
