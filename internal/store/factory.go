// ABOUTME: Store factory selecting the memory, SQLite or Redis driver
// ABOUTME: Drivers are configured with functional options

package store

import (
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// StoreType names a storage driver.
type StoreType string

const (
	TypeMemory StoreType = "memory"
	TypeSQLite StoreType = "sqlite"
	TypeRedis  StoreType = "redis"
)

// DefaultRedisTTL is how long a Redis transcript lives without being saved or read.
const DefaultRedisTTL = 7 * 24 * time.Hour

// Option configures a store.
type Option func(*storeConfig)

type storeConfig struct {
	sqlitePath  string
	redisClient *redis.Client
	redisTTL    time.Duration
	logger      *slog.Logger
	now         func() time.Time
}

// WithSQLitePath sets the database file of the SQLite driver.
func WithSQLitePath(path string) Option {
	return func(c *storeConfig) {
		c.sqlitePath = path
	}
}

// WithRedisClient sets the client of the Redis driver.
func WithRedisClient(client *redis.Client) Option {
	return func(c *storeConfig) {
		c.redisClient = client
	}
}

// WithRedisTTL sets the TTL of Redis transcript keys.
func WithRedisTTL(ttl time.Duration) Option {
	return func(c *storeConfig) {
		c.redisTTL = ttl
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *storeConfig) {
		c.logger = logger
	}
}

// WithClock sets the time source for CreatedAt and UpdatedAt.
func WithClock(now func() time.Time) Option {
	return func(c *storeConfig) {
		c.now = now
	}
}

// NewStore creates a store of the given type. SQLite requires
// WithSQLitePath and Redis requires WithRedisClient.
func NewStore(storeType StoreType, opts ...Option) (Store, error) {
	cfg := &storeConfig{
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(cfg)
	}
	logger := cfg.logger.With("component", "store", "driver", string(storeType))

	switch storeType {
	case TypeMemory:
		return newMemoryStore(cfg.now), nil

	case TypeSQLite:
		if cfg.sqlitePath == "" {
			return nil, ErrInvalidConfig
		}
		return newSQLiteStore(cfg.sqlitePath, cfg.now, logger)

	case TypeRedis:
		if cfg.redisClient == nil {
			return nil, ErrInvalidConfig
		}
		ttl := cfg.redisTTL
		if ttl <= 0 {
			ttl = DefaultRedisTTL
		}
		return newRedisStore(cfg.redisClient, ttl, cfg.now, logger), nil

	default:
		return nil, ErrInvalidStoreType
	}
}
