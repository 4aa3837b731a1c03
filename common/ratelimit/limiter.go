// Package ratelimit implements fixed-window request limits in Redis.
package ratelimit

import (
	"context"
	_ "embed"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/lyzr/mediacache/common/logger"
)

//go:embed rate_limit.lua
var rateLimitScript string

// RateLimitResult contains the result of a rate limit check
type RateLimitResult struct {
	Allowed           bool
	CurrentCount      int64
	Limit             int64
	RetryAfterSeconds int64 // 0 if allowed
}

// RateLimiter runs the limit script atomically in Redis
type RateLimiter struct {
	redis  *redis.Client
	script *redis.Script
	prefix string
	logger *logger.Logger
}

// NewRateLimiter creates a new rate limiter with embedded Lua script
func NewRateLimiter(redisClient *redis.Client, prefix string, log *logger.Logger) *RateLimiter {
	if prefix == "" {
		prefix = "mediacache"
	}
	return &RateLimiter{
		redis:  redisClient,
		script: redis.NewScript(rateLimitScript),
		prefix: prefix,
		logger: log,
	}
}

// CheckClientLimit counts one request for a client (usually its IP) in a scope such as "writes"
func (r *RateLimiter) CheckClientLimit(ctx context.Context, scope, clientID string, limit int64, windowSec int) (*RateLimitResult, error) {
	return r.checkLimit(ctx, r.ClientKey(scope, clientID), limit, windowSec)
}

// ClientKey returns the counter key for a client in a scope
func (r *RateLimiter) ClientKey(scope, clientID string) string {
	return fmt.Sprintf("%s:rate_limit:%s:%s", r.prefix, scope, clientID)
}

func (r *RateLimiter) checkLimit(ctx context.Context, key string, limit int64, windowSec int) (*RateLimitResult, error) {
	if windowSec < 1 {
		windowSec = 60
	}

	values, err := r.script.Run(ctx, r.redis, []string{key}, limit, windowSec).Int64Slice()
	if err != nil {
		r.logger.Error("rate limit check failed", "key", key, "error", err)
		return nil, fmt.Errorf("rate limit check failed: %w", err)
	}
	if len(values) != 4 {
		return nil, fmt.Errorf("unexpected script result format")
	}

	result := &RateLimitResult{
		Allowed:           values[0] == 1,
		CurrentCount:      values[1],
		Limit:             values[2],
		RetryAfterSeconds: values[3],
	}

	if !result.Allowed {
		r.logger.Warn("rate limit exceeded",
			"key", key,
			"current", result.CurrentCount,
			"limit", limit,
			"retry_after", result.RetryAfterSeconds)
	}

	return result, nil
}

// GetCurrentCount returns current count without incrementing
func (r *RateLimiter) GetCurrentCount(ctx context.Context, key string) (int64, error) {
	count, err := r.redis.Get(ctx, key).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return count, err
}

// ResetLimit clears a rate limit counter
func (r *RateLimiter) ResetLimit(ctx context.Context, key string) error {
	return r.redis.Del(ctx, key).Err()
}
