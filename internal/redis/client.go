package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/StudioEly/koomy-saas2-sub001/internal/config"
)

// Client wraps the Redis client with application-specific methods
type Client struct {
	rdb *redis.Client
}

// NewClient creates a new Redis client
func NewClient(cfg config.RedisConfig) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr(),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &Client{rdb: rdb}, nil
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Ping checks the connection to Redis
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Key prefixes
const (
	RateLimitKeyPrefix = "community:ratelimit:"
)

// IncrementWindow bumps a fixed-window counter and returns the new count and the time left in the window.
// The expiry is only set when the window opens so repeated hits do not extend it.
func (c *Client) IncrementWindow(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	fullKey := RateLimitKeyPrefix + key

	pipe := c.rdb.TxPipeline()
	incr := pipe.Incr(ctx, fullKey)
	pipe.ExpireNX(ctx, fullKey, window)
	ttl := pipe.TTL(ctx, fullKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, 0, fmt.Errorf("failed to increment rate limit counter: %w", err)
	}

	remaining := ttl.Val()
	if remaining < 0 {
		remaining = window
	}
	return incr.Val(), remaining, nil
}
