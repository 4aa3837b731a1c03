package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lyzr/mediacache/common/logger"
	"github.com/lyzr/mediacache/common/ratelimit"
)

func newLimitedServer(t *testing.T, mr *miniredis.Miniredis) *echo.Echo {
	t.Helper()
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	e := echo.New()
	limiter := ratelimit.NewRateLimiter(rdb, "test", logger.Nop())
	e.POST("/write", func(c echo.Context) error {
		return c.NoContent(http.StatusNoContent)
	}, ClientRateLimitMiddleware(limiter, ClientRateLimitConfig{
		Scope: "writes", Limit: 2, WindowSeconds: 60, InternalSecret: "s3cret",
	}))
	return e
}

func post(e *echo.Echo, ip string, header map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/write", nil)
	req.RemoteAddr = ip + ":1234"
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestClientRateLimitMiddleware(t *testing.T) {
	mr := miniredis.RunT(t)
	e := newLimitedServer(t, mr)

	assert.Equal(t, http.StatusNoContent, post(e, "10.1.1.1", nil).Code)
	assert.Equal(t, http.StatusNoContent, post(e, "10.1.1.1", nil).Code)

	rec := post(e, "10.1.1.1", nil)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
	assert.Contains(t, rec.Body.String(), "rate_limit_exceeded")

	assert.Equal(t, http.StatusNoContent, post(e, "10.1.1.2", nil).Code)
	assert.Equal(t, http.StatusNoContent, post(e, "10.1.1.1", map[string]string{"X-Internal-Service": "s3cret"}).Code)
	assert.Equal(t, http.StatusTooManyRequests, post(e, "10.1.1.1", map[string]string{"X-Internal-Service": "wrong"}).Code)
}

func TestClientRateLimitMiddleware_FailsOpen(t *testing.T) {
	mr := miniredis.RunT(t)
	e := newLimitedServer(t, mr)
	mr.Close()

	assert.Equal(t, http.StatusNoContent, post(e, "10.1.1.1", nil).Code)
}
