package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rwdstudio/cohortengine/pkg/config"
)

// Client represents a Redis client
type Client struct {
	client *redis.Client
}

// NewClient creates a new Redis client
func NewClient(cfg *config.RedisConfig) (*Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr(),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &Client{client: client}, nil
}

// Client returns the underlying Redis client
func (c *Client) Client() *redis.Client {
	return c.client
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.client.Close()
}

// Ping verifies the connection to Redis
func (c *Client) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// CacheAdapter implements providers.CacheProvider on top of Redis.
type CacheAdapter struct {
	client *redis.Client
}

// NewCacheAdapter creates a cache adapter from a connected client
func NewCacheAdapter(c *Client) *CacheAdapter {
	return &CacheAdapter{client: c.client}
}

// Get retrieves a value from cache
func (a *CacheAdapter) Get(ctx context.Context, key string) ([]byte, error) {
	return a.client.Get(ctx, key).Bytes()
}

// Set stores a value in cache with expiration
func (a *CacheAdapter) Set(ctx context.Context, key string, value []byte, expirationSeconds int) error {
	return a.client.Set(ctx, key, value, time.Duration(expirationSeconds)*time.Second).Err()
}

// Delete removes a value from cache
func (a *CacheAdapter) Delete(ctx context.Context, key string) error {
	return a.client.Del(ctx, key).Err()
}

// Exists checks if a key exists in cache
func (a *CacheAdapter) Exists(ctx context.Context, key string) (bool, error) {
	n, err := a.client.Exists(ctx, key).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
