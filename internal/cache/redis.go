// Package cache provides a tiny Redis client wrapper mapping processed-item
// cache keys to output locators, so a repeat upload of the same bytes with
// the same settings skips the model entirely.
package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache wraps a Redis client for result-locator storage
type Cache struct {
	client *redis.Client
	ttl    time.Duration
}

// New creates a new Cache instance connected to the specified Redis address
// If addr is empty, defaults to localhost:6379
func New(addr string, ttl time.Duration) (*Cache, error) {
	if addr == "" {
		addr = "localhost:6379"
	}

	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: "", // No password by default
		DB:       0,  // Default DB
	})

	// Test connection
	ctx := context.Background()
	_, err := client.Ping(ctx).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", addr, err)
	}

	return &Cache{client: client, ttl: ttl}, nil
}

// GetLocator returns the stored locator for key, or "" when absent.
func (c *Cache) GetLocator(ctx context.Context, key string) (string, error) {
	if c.client == nil {
		return "", fmt.Errorf("cache client is nil")
	}

	locator, err := c.client.Get(ctx, "cutout:"+key).Result()
	if err == redis.Nil {
		return "", nil // Key does not exist
	}
	if err != nil {
		return "", fmt.Errorf("failed to get cached result: %w", err)
	}

	return locator, nil
}

// SetLocator stores the locator for key with the configured TTL.
func (c *Cache) SetLocator(ctx context.Context, key, locator string) error {
	if c.client == nil {
		return fmt.Errorf("cache client is nil")
	}

	err := c.client.Set(ctx, "cutout:"+key, locator, c.ttl).Err()
	if err != nil {
		return fmt.Errorf("failed to cache result: %w", err)
	}

	return nil
}

// Close closes the Redis connection
func (c *Cache) Close() error {
	if c.client != nil {
		return c.client.Close()
	}
	return nil
}
