package bootstrap

import (
	"context"
	"fmt"

	"github.com/lyzr/mediacache/common/cache"
	"github.com/lyzr/mediacache/common/config"
	"github.com/lyzr/mediacache/common/db"
	"github.com/lyzr/mediacache/common/logger"
	"github.com/lyzr/mediacache/common/metrics"
	mcredis "github.com/lyzr/mediacache/common/redis"
	"github.com/lyzr/mediacache/common/telemetry"
)

// Setup initializes the shared connections for a service.
// Everything it opens is closed by Components.Shutdown, in reverse order.
func Setup(ctx context.Context, serviceName string, opts ...Option) (*Components, error) {
	options := defaultOptions()
	for _, opt := range opts {
		opt(options)
	}

	components := &Components{
		cleanupFuncs: make([]func() error, 0),
	}

	// 1. Load configuration
	var err error
	if options.customConfig != nil {
		components.Config = options.customConfig
	} else {
		components.Config, err = config.Load(serviceName)
		if err != nil {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
	}

	// 2. Initialize logger
	if options.customLogger != nil {
		components.Logger = options.customLogger
	} else {
		components.Logger = logger.New(
			components.Config.Service.LogLevel,
			components.Config.Service.LogFormat,
		)
	}

	components.Logger.Info("initializing service",
		"service", serviceName,
		"environment", components.Config.Service.Environment,
	)

	// 3. Metrics are always on; the endpoint is optional
	components.Metrics = metrics.New()

	// 4. Database
	if !options.skipDB {
		components.Logger.Info("connecting to database")
		components.DB, err = db.New(ctx, components.Config, components.Logger)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		components.addCleanup(func() error {
			components.Logger.Info("closing database connection")
			components.DB.Close()
			return nil
		})

		if options.dbInitHook != nil {
			components.Logger.Info("running database init hook")
			if err := options.dbInitHook(components.DB); err != nil {
				_ = components.Shutdown(ctx)
				return nil, fmt.Errorf("database init hook failed: %w", err)
			}
		}
	}

	// 5. Redis (queues, events, rate limits)
	if !options.skipRedis {
		components.Logger.Info("connecting to redis")
		components.Redis, err = mcredis.Open(ctx, components.Config.Redis, components.Logger)
		if err != nil {
			_ = components.Shutdown(ctx)
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}

		components.addCleanup(func() error {
			components.Logger.Info("closing redis connection")
			return components.Redis.Close()
		})
	}

	// 6. Resolved URL cache
	if !options.skipCache && components.Config.Cache.Enabled {
		components.Logger.Info("initializing url cache",
			"default_ttl", components.Config.Cache.DefaultTTL,
		)
		components.URLCache = cache.NewURLCache(components.Logger)

		components.addCleanup(func() error {
			components.Logger.Info("closing url cache")
			return components.URLCache.Close()
		})
	}

	// 7. Telemetry
	tcfg := components.Config.Telemetry
	if !options.skipTelemetry && (tcfg.EnablePprof || tcfg.EnableMetrics) {
		pprofPort, metricsPort := 0, 0
		if tcfg.EnablePprof {
			pprofPort = tcfg.PprofPort
		}
		if tcfg.EnableMetrics {
			metricsPort = tcfg.MetricsPort
		}

		components.Logger.Info("initializing telemetry")
		components.Telemetry = telemetry.New(pprofPort, metricsPort, components.Metrics, components.Logger)
		if err := components.Telemetry.Start(ctx); err != nil {
			// Don't fail startup if telemetry fails
			components.Logger.Warn("failed to start telemetry", "error", err)
		}
		components.addCleanup(components.Telemetry.Close)
	}

	components.Logger.Info("service initialization complete",
		"service", serviceName,
		"db", components.DB != nil,
		"redis", components.Redis != nil,
		"url_cache", components.URLCache != nil,
		"telemetry", components.Telemetry != nil,
	)

	return components, nil
}

// MustSetup is like Setup but panics on error
func MustSetup(ctx context.Context, serviceName string, opts ...Option) *Components {
	components, err := Setup(ctx, serviceName, opts...)
	if err != nil {
		panic(fmt.Sprintf("failed to setup service %s: %v", serviceName, err))
	}
	return components
}
