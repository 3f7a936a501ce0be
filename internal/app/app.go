// Package app wires up all subsystems and owns the application lifecycle.
//
// Startup order:
//  1. initProviders: adapter registry from configured credentials
//  2. initServices: metrics, cache backend, health monitor
//  3. initPersistence: async conversation logger and its sink
//  4. initGateway: orchestrator and HTTP server
package app

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/nulpointcorp/provider-gateway/internal/cache"
	"github.com/nulpointcorp/provider-gateway/internal/config"
	"github.com/nulpointcorp/provider-gateway/internal/gateway"
	"github.com/nulpointcorp/provider-gateway/internal/health"
	"github.com/nulpointcorp/provider-gateway/internal/logger"
	"github.com/nulpointcorp/provider-gateway/internal/metrics"
	"github.com/nulpointcorp/provider-gateway/internal/providers"
	"github.com/nulpointcorp/provider-gateway/internal/server"
)

// App owns all long-lived resources and exposes Run / Close.
type App struct {
	version string
	cfg     *config.Config
	baseCtx context.Context
	log     *slog.Logger

	registry *providers.Registry
	prom     *metrics.Registry
	monitor  *health.Monitor

	// Exactly one of these is set when caching is enabled.
	memCache   *cache.MemoryCache
	redisCache *cache.RedisCache
	respCache  *cache.ResponseCache

	recorder *logger.Logger

	gw  *gateway.Orchestrator
	srv *server.Server

	closeOnce sync.Once
}

// New initialises all subsystems and returns a ready-to-run App.
// All resources allocated here are released by Close.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger, version string) (*App, error) {
	if ctx == nil {
		return nil, fmt.Errorf("app: context must not be nil")
	}
	if cfg == nil {
		return nil, fmt.Errorf("app: config must not be nil")
	}
	if log == nil {
		log = slog.Default()
	}

	a := &App{cfg: cfg, version: version, baseCtx: ctx, log: log}

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"providers", a.initProviders},
		{"services", a.initServices},
		{"persistence", a.initPersistence},
		{"gateway", a.initGateway},
	}

	for _, s := range steps {
		if err := s.fn(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("app: init %s: %w", s.name, err)
		}
	}

	return a, nil
}

// Gateway returns the orchestrator.
func (a *App) Gateway() *gateway.Orchestrator { return a.gw }

// Run starts the HTTP server and the health probe loop, and blocks until
// ctx is cancelled or the server fails. It closes the app when returning.
func (a *App) Run(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", a.cfg.Port)

	a.log.Info("starting gateway",
		slog.String("version", a.version),
		slog.String("addr", addr),
		slog.String("cache_mode", a.cfg.Cache.Mode),
		slog.String("persist_mode", a.cfg.Persistence.Mode),
		slog.Int("providers", a.registry.Len()),
	)

	g, gctx := errgroup.WithContext(ctx)

	a.monitor.Start(gctx)

	g.Go(func() error {
		return a.srv.ListenAndServe(gctx, addr)
	})

	err := g.Wait()
	a.Close()
	return err
}

// Close releases all resources in reverse-init order. Safe to call multiple
// times and from multiple goroutines.
func (a *App) Close() {
	a.closeOnce.Do(func() {
		if a.monitor != nil {
			a.monitor.Close()
		}
		if a.recorder != nil {
			if err := a.recorder.Close(); err != nil {
				a.log.Error("conversation logger close error", slog.String("error", err.Error()))
			}
		}
		if a.memCache != nil {
			a.memCache.Close()
		}
		if a.redisCache != nil {
			if err := a.redisCache.Close(); err != nil {
				a.log.Error("redis close error", slog.String("error", err.Error()))
			}
		}
	})
}
