// Package app wires the convindex server runtime: config, logging, HTTP routes, and the snapshot gateway.
package app

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"convindex/cmd/internal/indexer"
	"convindex/cmd/internal/realtime"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// App is the convindex server runtime: it owns HTTP server wiring and the per-project engines.
type App struct {
	cfg Config
	log Logger

	registry *prometheus.Registry
	hub      *realtime.Hub
	ws       *realtime.WSGateway

	ready atomic.Bool
}

// New constructs a fully wired App instance from config and logger.
func New(cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.Log)
	}

	reg := prometheus.NewRegistry()
	if err := reg.Register(collectors.NewGoCollector()); err != nil {
		return nil, err
	}
	if err := reg.Register(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{})); err != nil {
		return nil, err
	}

	engineMetrics, err := indexer.NewMetrics(reg)
	if err != nil {
		return nil, err
	}
	gwMetrics, err := realtime.NewGatewayMetrics(reg)
	if err != nil {
		return nil, err
	}

	hub := realtime.NewHub(log, engineMetrics, cfg.Hub.MaxProjects)
	ws := realtime.NewWSGateway(log, hub, cfg.GatewayConfig(), gwMetrics)

	a := &App{
		cfg:      cfg,
		log:      log,
		registry: reg,
		hub:      hub,
		ws:       ws,
	}
	a.ready.Store(true)
	return a, nil
}

// Handler returns the full HTTP handler, request logging included.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	registerHTTP(mux, routes{
		log:     a.log,
		hub:     a.hub,
		ws:      a.ws,
		gather:  a.registry,
		metrics: a.cfg.Metrics.Enabled,
		ready:   &a.ready,
	})
	return WithRequestLogging(mux, a.log)
}

// Hub exposes the project registry.
func (a *App) Hub() *realtime.Hub { return a.hub }

// Run starts the HTTP server and blocks until context cancellation or fatal server error.
func (a *App) Run(ctx context.Context) error {
	hc := a.cfg.HTTP
	srv := &http.Server{
		Addr:              hc.Addr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: nonZeroDuration(hc.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(hc.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(hc.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(hc.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(hc.MaxHeaderBytes, 1<<20),
	}

	a.log.Info("server.start", "addr", hc.Addr, "metrics_enabled", a.cfg.Metrics.Enabled)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		a.log.Info("server.stop", "reason", "context_done")
	case err := <-errCh:
		a.log.Error("server.fail", "err", err)
		return err
	}

	a.ready.Store(false)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Error("server.shutdown.fail", "err", err)
		return err
	}

	a.log.Info("server.stopped")
	return nil
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
