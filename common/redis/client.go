// Package redis wraps the go-redis client shared by the queue, the event publisher and the rate limiter.
package redis

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/lyzr/mediacache/common/config"
	"github.com/lyzr/mediacache/common/logger"
)

// Client owns one go-redis connection pool. Create it once per process and pass it down.
type Client struct {
	redis  *redis.Client
	logger *logger.Logger
}

// Open builds a pool from config and verifies it with PING
func Open(ctx context.Context, cfg config.RedisConfig, log *logger.Logger) (*Client, error) {
	opts, err := optionsFromConfig(cfg)
	if err != nil {
		return nil, err
	}

	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to ping redis at %s: %w", opts.Addr, err)
	}

	log.Info("redis connected", "addr", opts.Addr, "db", opts.DB)
	return NewClient(rdb, log), nil
}

// NewClient wraps an existing go-redis client
func NewClient(redisClient *redis.Client, log *logger.Logger) *Client {
	return &Client{
		redis:  redisClient,
		logger: log,
	}
}

func optionsFromConfig(cfg config.RedisConfig) (*redis.Options, error) {
	if cfg.URL != "" {
		opts, err := redis.ParseURL(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		if cfg.DialTimeout > 0 {
			opts.DialTimeout = cfg.DialTimeout
		}
		return opts, nil
	}

	return &redis.Options{
		Addr:        cfg.Addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: cfg.DialTimeout,
	}, nil
}

// GetUnderlying returns the underlying redis.Client for queue scripts and pipelines
func (c *Client) GetUnderlying() *redis.Client {
	return c.redis
}

// Ping checks the connection
func (c *Client) Ping(ctx context.Context) error {
	return c.redis.Ping(ctx).Err()
}

// PublishEvent publishes a payload to a channel and returns the receiver count
func (c *Client) PublishEvent(ctx context.Context, channel string, message []byte) (int64, error) {
	receivers, err := c.redis.Publish(ctx, channel, message).Result()
	if err != nil {
		c.logger.Error("redis PUBLISH failed", "channel", channel, "error", err)
		return 0, fmt.Errorf("failed to publish to channel %s: %w", channel, err)
	}
	c.logger.Debug("redis PUBLISH", "channel", channel, "receivers", receivers)
	return receivers, nil
}

// Subscribe opens a dedicated pub/sub connection and waits for the subscription to be confirmed
func (c *Client) Subscribe(ctx context.Context, channels ...string) (*redis.PubSub, error) {
	ps := c.redis.Subscribe(ctx, channels...)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		c.logger.Error("redis SUBSCRIBE failed", "channels", channels, "error", err)
		return nil, fmt.Errorf("failed to subscribe to %v: %w", channels, err)
	}
	c.logger.Debug("redis SUBSCRIBE", "channels", channels)
	return ps, nil
}

// Close releases the pool
func (c *Client) Close() error {
	if err := c.redis.Close(); err != nil && !errors.Is(err, redis.ErrClosed) {
		return err
	}
	return nil
}
