package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"sync"
	"time"

	"github.com/lyzr/mediacache/common/logger"
	"github.com/lyzr/mediacache/common/metrics"
)

// Telemetry serves pprof and /metrics on side ports, away from the public API
type Telemetry struct {
	log         *logger.Logger
	metrics     *metrics.Metrics
	pprofAddr   string
	metricsAddr string

	mu      sync.Mutex
	servers []*http.Server
}

// New creates telemetry components. A zero port disables that endpoint.
func New(pprofPort, metricsPort int, m *metrics.Metrics, log *logger.Logger) *Telemetry {
	t := &Telemetry{log: log, metrics: m}
	if pprofPort > 0 {
		t.pprofAddr = fmt.Sprintf("localhost:%d", pprofPort)
	}
	if metricsPort > 0 {
		t.metricsAddr = fmt.Sprintf(":%d", metricsPort)
	}
	return t
}

// Start binds the endpoints and serves them in the background
func (t *Telemetry) Start(ctx context.Context) error {
	if t.pprofAddr != "" {
		if err := t.serve(ctx, "pprof", t.pprofAddr, pprofMux()); err != nil {
			return err
		}
	}

	if t.metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", t.metrics.Handler())
		if err := t.serve(ctx, "metrics", t.metricsAddr, mux); err != nil {
			return err
		}
	}
	return nil
}

func (t *Telemetry) serve(ctx context.Context, name, addr string, handler http.Handler) error {
	ln, err := (&net.ListenConfig{}).Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("%s listener: %w", name, err)
	}

	srv := &http.Server{Handler: handler, ReadHeaderTimeout: 5 * time.Second}
	t.mu.Lock()
	t.servers = append(t.servers, srv)
	t.mu.Unlock()

	go func() {
		t.log.Info(name+" server starting", "addr", ln.Addr().String())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			t.log.Error(name+" server error", "error", err)
		}
	}()
	return nil
}

// Close stops all telemetry servers
func (t *Telemetry) Close() error {
	t.mu.Lock()
	servers := t.servers
	t.servers = nil
	t.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var errs []error
	for _, srv := range servers {
		if err := srv.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func pprofMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	return mux
}
