package container

import (
	"context"
	"fmt"
	"time"

	"github.com/lyzr/mediacache/cmd/api/handlers"
	"github.com/lyzr/mediacache/cmd/api/service"
	"github.com/lyzr/mediacache/common/bootstrap"
	"github.com/lyzr/mediacache/common/events"
	"github.com/lyzr/mediacache/common/objectstore"
	"github.com/lyzr/mediacache/common/queue"
	"github.com/lyzr/mediacache/common/ratelimit"
	"github.com/lyzr/mediacache/common/repository"
	"github.com/lyzr/mediacache/common/retry"
)

// Container holds all initialized services and handlers (singleton pattern)
type Container struct {
	Components *bootstrap.Components

	// Repositories and infrastructure
	CacheAssetRepo *repository.CacheAssetRepository
	Store          objectstore.Store
	CacheQueue     *queue.Queue
	OCRQueue       *queue.Queue
	Subscriber     *events.Subscriber
	RateLimiter    *ratelimit.RateLimiter

	// Services
	CacheAssetService *service.CacheAssetService
	QueueAdminService *service.QueueAdminService

	// Handlers
	CacheAssetHandler *handlers.CacheAssetHandler
	AdminHandler      *handlers.AdminHandler
	EventsHandler     *handlers.EventsHandler
}

// NewContainer wires every dependency once. Closers are registered on components.
func NewContainer(ctx context.Context, components *bootstrap.Components) (*Container, error) {
	if components.DB == nil || components.Redis == nil {
		return nil, fmt.Errorf("api requires both postgres and redis")
	}

	cfg := components.Config
	log := components.Logger
	rdb := components.Redis.GetUnderlying()

	store, closeStore, err := objectstore.New(ctx, cfg.Storage, log)
	if err != nil {
		return nil, fmt.Errorf("failed to create object store: %w", err)
	}
	components.AddCleanup(closeStore)

	policy := retry.FromConfig(cfg)
	cacheQueue, err := queue.New(rdb, queue.Options{
		Prefix:        cfg.Queue.Prefix,
		Name:          cfg.Queue.CacheQueue,
		Type:          queue.JobTypeCacheAsset,
		Policy:        policy,
		LeaseTimeout:  cfg.Queue.LeaseTimeout,
		KeepCompleted: cfg.Queue.KeepCompleted,
	}, log)
	if err != nil {
		return nil, err
	}
	ocrQueue, err := queue.New(rdb, queue.Options{
		Prefix:        cfg.Queue.Prefix,
		Name:          cfg.Queue.OCRQueue,
		Type:          queue.JobTypeOCR,
		Policy:        policy,
		LeaseTimeout:  cfg.Queue.LeaseTimeout,
		KeepCompleted: cfg.Queue.KeepCompleted,
	}, log)
	if err != nil {
		return nil, err
	}

	repo := repository.NewCacheAssetRepository(components.DB)

	// A nil *URLCache must not end up inside the interface
	var urls service.URLCache
	if components.URLCache != nil {
		urls = components.URLCache
	}

	cacheAssetService := service.NewCacheAssetService(service.CacheAssetServiceConfig{
		Repo:    repo,
		Jobs:    cacheQueue,
		Store:   store,
		URLs:    urls,
		URLTTL:  urlCacheTTL(cfg.Cache.DefaultTTL, store),
		Metrics: components.Metrics,
		Logger:  log,
	})
	queueAdminService := service.NewQueueAdminService(ocrQueue, []service.AdminQueue{cacheQueue}, log)

	subscriber := events.NewSubscriber(components.Redis, cfg.Events.ChannelPrefix, log)

	return &Container{
		Components:        components,
		CacheAssetRepo:    repo,
		Store:             store,
		CacheQueue:        cacheQueue,
		OCRQueue:          ocrQueue,
		Subscriber:        subscriber,
		RateLimiter:       ratelimit.NewRateLimiter(rdb, cfg.Queue.Prefix, log),
		CacheAssetService: cacheAssetService,
		QueueAdminService: queueAdminService,
		CacheAssetHandler: handlers.NewCacheAssetHandler(cacheAssetService, log),
		AdminHandler:      handlers.NewAdminHandler(queueAdminService),
		EventsHandler:     handlers.NewEventsHandler(subscriber, cfg.Events.HeartbeatInterval, log),
	}, nil
}

// urlCacheTTL keeps memoized URLs well inside the lifetime of a signed URL
func urlCacheTTL(def time.Duration, store objectstore.Store) time.Duration {
	signed, ok := store.(interface{ SignedURLTTL() time.Duration })
	if !ok {
		return def
	}
	ttl := signed.SignedURLTTL()
	if ttl <= 0 {
		return def
	}
	if half := ttl / 2; half < def {
		return half
	}
	return def
}
