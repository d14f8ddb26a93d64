package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// pingTimeout bounds the connection check done by the constructors.
const pingTimeout = 2 * time.Second

// Client wraps the standard redis client
type Client struct {
	rdb *redis.Client
}

// NewRedis connects to the Redis server
func NewRedis(addr, password string, db int) (*Client, error) {
	return newClient(context.Background(), &redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
}

// NewRedisURL connects to the Redis server described by a redis:// or
// rediss:// URL.
func NewRedisURL(ctx context.Context, url string) (*Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}

	return newClient(ctx, opts)
}

func newClient(ctx context.Context, opts *redis.Options) (*Client, error) {
	rdb := redis.NewClient(opts)

	// Test the connection (Ping)
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()

		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &Client{rdb: rdb}, nil
}

// Redis returns the underlying client for commands the wrapper doesn't cover.
func (c *Client) Redis() *redis.Client {
	return c.rdb
}

// Set stores a value (key, value, duration)
func (c *Client) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return c.rdb.Set(ctx, key, value, ttl).Err()
}

// Get retrieves a value
func (c *Client) Get(ctx context.Context, key string) ([]byte, error) {
	return c.rdb.Get(ctx, key).Bytes()
}

// Close closes the connection pool.
func (c *Client) Close() error {
	return c.rdb.Close()
}
