package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/labstack/echo/v4"
	"golang.org/x/sync/errgroup"

	"github.com/lyzr/mediacache/cmd/worker/supervisor"
	"github.com/lyzr/mediacache/cmd/worker/worker"
	"github.com/lyzr/mediacache/common/bootstrap"
	"github.com/lyzr/mediacache/common/clients"
	"github.com/lyzr/mediacache/common/download"
	"github.com/lyzr/mediacache/common/events"
	"github.com/lyzr/mediacache/common/objectstore"
	"github.com/lyzr/mediacache/common/queue"
	"github.com/lyzr/mediacache/common/repository"
	"github.com/lyzr/mediacache/common/retry"
	"github.com/lyzr/mediacache/common/security"
	"github.com/lyzr/mediacache/common/server"
)

const serviceName = "mediacache-worker"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", serviceName, err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Workers never resolve URLs, so no url cache
	components, err := bootstrap.Setup(ctx, serviceName, bootstrap.WithoutCache())
	if err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}
	defer components.Shutdown(context.Background())

	if components.DB == nil || components.Redis == nil {
		return fmt.Errorf("worker requires both postgres and redis")
	}

	runners, watched, err := createRunners(ctx, components)
	if err != nil {
		return err
	}

	cfg := components.Config
	sup := supervisor.New(watched, components.Metrics, components.Logger).
		WithCheckInterval(cfg.Queue.SweepInterval)

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.GET("/health", func(c echo.Context) error {
		if err := components.Health(c.Request().Context()); err != nil {
			return c.JSON(http.StatusServiceUnavailable, map[string]string{"status": "unhealthy", "error": err.Error()})
		}
		return c.JSON(http.StatusOK, map[string]string{"status": "healthy", "service": serviceName})
	})
	srv := server.New(serviceName, cfg.Service.Port, e, components.Logger)

	g, gctx := errgroup.WithContext(ctx)
	for _, r := range runners {
		g.Go(func() error { return r.Run(gctx) })
	}
	g.Go(func() error { return sup.Start(gctx) })
	g.Go(func() error { return srv.Start(gctx) })

	components.Logger.Info("worker started", "queues", len(runners), "concurrency", cfg.Queue.Concurrency)
	err = g.Wait()
	components.Logger.Info("worker shutting down gracefully")
	return err
}

// createRunners builds one runner per queue family along with what the supervisor watches
func createRunners(ctx context.Context, components *bootstrap.Components) ([]*worker.Runner, []supervisor.Watched, error) {
	cfg := components.Config
	log := components.Logger
	rdb := components.Redis.GetUnderlying()

	store, closeStore, err := objectstore.New(ctx, cfg.Storage, log)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create object store: %w", err)
	}
	components.AddCleanup(closeStore)

	policy := retry.FromConfig(cfg)
	newQueue := func(name string, typ queue.JobType) (*queue.Queue, error) {
		return queue.New(rdb, queue.Options{
			Prefix:        cfg.Queue.Prefix,
			Name:          name,
			Type:          typ,
			Policy:        policy,
			LeaseTimeout:  cfg.Queue.LeaseTimeout,
			KeepCompleted: cfg.Queue.KeepCompleted,
		}, log)
	}

	cacheQueue, err := newQueue(cfg.Queue.CacheQueue, queue.JobTypeCacheAsset)
	if err != nil {
		return nil, nil, err
	}

	dlOpts := download.Options{
		Timeout:   cfg.Download.Timeout,
		MaxBytes:  cfg.Download.MaxBytes,
		UserAgent: cfg.Download.UserAgent,
	}
	if cfg.Download.BlockPrivateHosts {
		dlOpts.Validator = security.NewURLValidator()
	}

	publisher := events.NewPublisher(components.Redis, cfg.Events.ChannelPrefix, log)

	cacheHandler := worker.NewCacheHandler(worker.CacheHandlerConfig{
		Repo:    repository.NewCacheAssetRepository(components.DB),
		Fetcher: download.New(policy, dlOpts, log),
		Store:   store,
		Events:  publisher,
		Metrics: components.Metrics,
		Logger:  log,
	})

	cacheRunner, err := worker.NewRunner(worker.RunnerConfig{
		Queue:        cacheQueue,
		Handlers:     map[queue.JobType]worker.Handler{queue.JobTypeCacheAsset: cacheHandler},
		Concurrency:  cfg.Queue.Concurrency,
		PollInterval: cfg.Queue.PollInterval,
		Metrics:      components.Metrics,
		Logger:       log,
	})
	if err != nil {
		return nil, nil, err
	}

	runners := []*worker.Runner{cacheRunner}
	watched := []supervisor.Watched{{Queue: cacheQueue, Hook: cacheRunner}}

	ocrQueue, err := newQueue(cfg.Queue.OCRQueue, queue.JobTypeOCR)
	if err != nil {
		return nil, nil, err
	}

	if cfg.OCR.ServiceURL == "" {
		// jobs stay queued until a worker with an OCR service picks them up
		log.Warn("OCR_SERVICE_URL not set, ocr queue is not consumed")
		watched = append(watched, supervisor.Watched{Queue: ocrQueue})
		return runners, watched, nil
	}

	ocrClient, err := clients.NewOCRClient(cfg.OCR.ServiceURL, cfg.OCR.Timeout, log)
	if err != nil {
		return nil, nil, err
	}
	ocrRunner, err := worker.NewRunner(worker.RunnerConfig{
		Queue:        ocrQueue,
		Handlers:     map[queue.JobType]worker.Handler{queue.JobTypeOCR: worker.NewOCRHandler(ocrClient, publisher, components.Metrics, log)},
		Concurrency:  cfg.Queue.Concurrency,
		PollInterval: cfg.Queue.PollInterval,
		Metrics:      components.Metrics,
		Logger:       log,
	})
	if err != nil {
		return nil, nil, err
	}

	runners = append(runners, ocrRunner)
	watched = append(watched, supervisor.Watched{Queue: ocrQueue, Hook: ocrRunner})
	return runners, watched, nil
}
