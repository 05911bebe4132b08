package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/SkynetNext/ws-gateway/internal/config"
	"github.com/redis/go-redis/v9"
)

const loginTokenPrefix = "user_token:"

// Client is a Redis client wrapper
type Client struct {
	rdb    *redis.Client
	prefix string
}

// NewClient creates a new Redis client
func NewClient(cfg *config.RedisConfig) *Client {
	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	return &Client{
		rdb:    rdb,
		prefix: cfg.KeyPrefix,
	}
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Ping checks Redis connection
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// key generates full key with prefix
func (c *Client) key(suffix string) string {
	return c.prefix + suffix
}

// GetJSON loads the JSON value at suffix into v.
// It reports false without error when the key does not exist.
func (c *Client) GetJSON(ctx context.Context, suffix string, v any) (bool, error) {
	data, err := c.rdb.Get(ctx, c.key(suffix)).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to get %s: %w", suffix, err)
	}

	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("failed to parse %s: %w", suffix, err)
	}
	return true, nil
}

// SetJSON stores v as JSON at suffix; ttl 0 keeps the key forever
func (c *Client) SetJSON(ctx context.Context, suffix string, v any, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", suffix, err)
	}
	if err := c.rdb.Set(ctx, c.key(suffix), data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set %s: %w", suffix, err)
	}
	return nil
}

// SaveLoginToken stores token -> userID for ttl
func (c *Client) SaveLoginToken(ctx context.Context, token, userID string, ttl time.Duration) error {
	if err := c.rdb.SetEx(ctx, c.key(loginTokenPrefix+token), userID, ttl).Err(); err != nil {
		return fmt.Errorf("failed to save login token: %w", err)
	}
	return nil
}

// LoginTokenExists reports whether token was issued and has not expired
func (c *Client) LoginTokenExists(ctx context.Context, token string) (bool, error) {
	n, err := c.rdb.Exists(ctx, c.key(loginTokenPrefix+token)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check login token: %w", err)
	}
	return n > 0, nil
}
