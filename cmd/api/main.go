package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"

	"github.com/lyzr/mediacache/cmd/api/container"
	"github.com/lyzr/mediacache/cmd/api/handlers"
	"github.com/lyzr/mediacache/cmd/api/routes"
	"github.com/lyzr/mediacache/common/bootstrap"
	"github.com/lyzr/mediacache/common/db"
	"github.com/lyzr/mediacache/common/middleware"
	"github.com/lyzr/mediacache/common/server"
)

const serviceName = "mediacache-api"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", serviceName, err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Bootstrap common components (DB + migrations, redis, url cache, metrics, telemetry)
	components, err := bootstrap.Setup(ctx, serviceName,
		bootstrap.WithDBInitHook(func(d *db.DB) error { return d.Migrate(ctx) }),
	)
	if err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}
	defer components.Shutdown(context.Background())

	serviceContainer, err := container.NewContainer(ctx, components)
	if err != nil {
		return fmt.Errorf("service container: %w", err)
	}

	e := setupEcho(components)
	setupMiddleware(e, components)
	e.GET("/health", handlers.Health(serviceName, components))
	routes.Register(e, serviceContainer)

	srv := server.New(serviceName, components.Config.Service.Port, e, components.Logger)
	srv.RegisterOnShutdown(serviceContainer.EventsHandler.Close)

	return srv.Start(ctx)
}

// setupEcho initializes the Echo server with basic configuration
func setupEcho(components *bootstrap.Components) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = middleware.ErrorHandler(components.Logger)
	return e
}

// setupMiddleware configures all middleware for the Echo server
func setupMiddleware(e *echo.Echo, components *bootstrap.Components) {
	e.Use(echomw.Recover())
	e.Use(echomw.CORS())
	e.Use(echomw.RequestID())
	e.Use(middleware.RequestContext())
	e.Use(middleware.RequestLogger(components.Logger))
	e.Use(echomw.BodyLimit("1M"))
}
