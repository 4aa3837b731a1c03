package middleware

import (
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/lyzr/mediacache/common/ratelimit"
)

// ClientRateLimitConfig configures ClientRateLimitMiddleware
type ClientRateLimitConfig struct {
	Scope          string
	Limit          int64
	WindowSeconds  int
	InternalSecret string // requests carrying it in X-Internal-Service skip the limit; empty disables bypass
}

// isInternalRequest checks if the request is from an internal service
func isInternalRequest(c echo.Context, secret string) bool {
	if secret == "" {
		return false
	}
	return c.Request().Header.Get("X-Internal-Service") == secret
}

// ClientRateLimitMiddleware limits requests per client IP. Redis errors fail open.
func ClientRateLimitMiddleware(rateLimiter *ratelimit.RateLimiter, cfg ClientRateLimitConfig) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if isInternalRequest(c, cfg.InternalSecret) {
				return next(c)
			}

			clientIP := c.RealIP()
			result, err := rateLimiter.CheckClientLimit(c.Request().Context(), cfg.Scope, clientIP, cfg.Limit, cfg.WindowSeconds)
			if err != nil {
				return next(c)
			}

			if !result.Allowed {
				c.Response().Header().Set("Retry-After", fmt.Sprint(result.RetryAfterSeconds))
				return c.JSON(http.StatusTooManyRequests, map[string]interface{}{
					"error":   "rate_limit_exceeded",
					"message": "Too many requests. Please wait before trying again.",
					"details": map[string]interface{}{
						"limit":               result.Limit,
						"window_seconds":      cfg.WindowSeconds,
						"current_count":       result.CurrentCount,
						"retry_after_seconds": result.RetryAfterSeconds,
					},
				})
			}

			return next(c)
		}
	}
}
