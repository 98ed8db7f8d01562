package prices

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// RedisCache is a shared cache tier backed by redis. Failures degrade to
// cache misses; the price source is still consulted.
type RedisCache struct {
	client *redis.Client
	prefix string
}

// RedisConfig holds the redis cache tier configuration
type RedisConfig struct {
	Addr    string        `yaml:"addr"`
	DB      int           `yaml:"db"`
	TTL     time.Duration `yaml:"ttl"`
	Enabled bool          `yaml:"enabled"`
}

// NewRedisCache creates a redis-backed price cache
func NewRedisCache(cfg RedisConfig) *RedisCache {
	return &RedisCache{
		client: redis.NewClient(&redis.Options{
			Addr: cfg.Addr,
			DB:   cfg.DB,
		}),
		prefix: "squeezetrack:prices:",
	}
}

// Get retrieves a cached value; redis errors count as misses
func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, bool) {
	data, err := c.client.Get(ctx, c.prefix+key).Bytes()
	if err == redis.Nil {
		return nil, false
	}
	if err != nil {
		log.Debug().Err(err).Str("key", key).Msg("redis price cache get failed")
		return nil, false
	}
	return data, true
}

// Set stores a value with TTL; redis errors are logged and dropped
func (c *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) {
	if err := c.client.Set(ctx, c.prefix+key, value, ttl).Err(); err != nil {
		log.Debug().Err(err).Str("key", key).Msg("redis price cache set failed")
	}
}

// Close releases the underlying redis connection
func (c *RedisCache) Close() error {
	return c.client.Close()
}
