package utils

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"

	"github.com/pavitra93/go-brewery-tenancy/shared/config"
)

// ErrCacheMiss is returned when a key does not exist.
var ErrCacheMiss = errors.New("key not found")

// NewRedisClient builds a client with the pool settings every service uses.
func NewRedisClient(cfg *config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         cfg.Addr(),
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
		MinIdleConns: 5,
	})
}

// InitRedis connects to redis using environment configuration.
func InitRedis(ctx context.Context) (*redis.Client, error) {
	cfg := config.GetRedisConfig()
	client := NewRedisClient(cfg)

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", cfg.Addr(), err)
	}

	logrus.WithField("addr", cfg.Addr()).Info("Connected to Redis")
	return client, nil
}

// Cache stores JSON values in redis with per-key expiration.
type Cache struct {
	client *redis.Client
}

// NewCache wraps a redis client.
func NewCache(client *redis.Client) *Cache {
	return &Cache{client: client}
}

// SetJSON stores value as JSON under key.
func (c *Cache) SetJSON(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal cache value for %s: %w", key, err)
	}
	return c.client.Set(ctx, key, data, ttl).Err()
}

// GetJSON loads the JSON value under key into dst. Missing keys return ErrCacheMiss.
func (c *Cache) GetJSON(ctx context.Context, key string, dst interface{}) error {
	data, err := c.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return ErrCacheMiss
	}
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("failed to unmarshal cache value for %s: %w", key, err)
	}
	return nil
}

// Delete removes keys. Deleting a missing key is not an error.
func (c *Cache) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return c.client.Del(ctx, keys...).Err()
}

