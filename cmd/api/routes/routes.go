package routes

import (
	"github.com/labstack/echo/v4"

	"github.com/lyzr/mediacache/cmd/api/container"
	"github.com/lyzr/mediacache/cmd/api/handlers"
	"github.com/lyzr/mediacache/common/middleware"
)

// Register mounts every API route under /api
func Register(e *echo.Echo, c *container.Container) {
	api := e.Group("/api")

	var writeLimit []echo.MiddlewareFunc
	if rl := c.Components.Config.RateLimit; rl.Enabled {
		writeLimit = append(writeLimit, middleware.ClientRateLimitMiddleware(c.RateLimiter, middleware.ClientRateLimitConfig{
			Scope:         "writes",
			Limit:         rl.Limit,
			WindowSeconds: rl.WindowSeconds,
		}))
	}

	RegisterCacheAssetRoutes(api, c.CacheAssetHandler, writeLimit...)
	RegisterAdminRoutes(api.Group("/admin"), c.AdminHandler, writeLimit...)
	RegisterEventRoutes(api, c.EventsHandler)
}

// RegisterCacheAssetRoutes registers cache asset routes; write routes get writeMW
func RegisterCacheAssetRoutes(g *echo.Group, h *handlers.CacheAssetHandler, writeMW ...echo.MiddlewareFunc) {
	g.POST("/cache-assets", h.Create, writeMW...)
	g.GET("/cache-assets", h.Get)
	g.DELETE("/cache-assets", h.Delete, writeMW...)
	g.GET("/cache-assets/lookup", h.Lookup)
	g.POST("/cache-assets/:id/retry", h.Retry, writeMW...)
	g.GET("/cache-assets/:id/similar", h.Similar)
}

// RegisterAdminRoutes registers queue maintenance routes
func RegisterAdminRoutes(g *echo.Group, h *handlers.AdminHandler, writeMW ...echo.MiddlewareFunc) {
	g.POST("/ocr/queue-all", h.QueueAllOCR, writeMW...)
	g.GET("/queues/:name/stats", h.Stats)
	g.DELETE("/queues/:name", h.Clear, writeMW...)
	g.GET("/queues/:name/jobs/:id", h.GetJob)
}

// RegisterEventRoutes registers the SSE and WebSocket bridges
func RegisterEventRoutes(g *echo.Group, h *handlers.EventsHandler) {
	g.GET("/events/:channel", h.Stream)
	g.GET("/ws/:channel", h.WebSocket)
}
