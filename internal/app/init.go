package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/nulpointcorp/provider-gateway/internal/cache"
	"github.com/nulpointcorp/provider-gateway/internal/config"
	"github.com/nulpointcorp/provider-gateway/internal/gateway"
	"github.com/nulpointcorp/provider-gateway/internal/health"
	"github.com/nulpointcorp/provider-gateway/internal/identity"
	"github.com/nulpointcorp/provider-gateway/internal/logger"
	"github.com/nulpointcorp/provider-gateway/internal/metrics"
	"github.com/nulpointcorp/provider-gateway/internal/server"
	"github.com/nulpointcorp/provider-gateway/internal/store"
)

const memorySweepInterval = time.Minute

func (a *App) initProviders(ctx context.Context) error {
	reg, err := BuildRegistry(ctx, a.cfg)
	if err != nil {
		return err
	}
	a.registry = reg
	a.log.Info("providers loaded", slog.Any("providers", reg.Names()))
	return nil
}

// initServices creates the metrics registry, cache backend and health monitor.
func (a *App) initServices(ctx context.Context) error {
	a.prom = metrics.New()
	a.prom.SetBuildInfo(a.version)

	var backend cache.Cache
	switch a.cfg.Cache.Mode {
	case config.CacheRedis:
		a.log.Info("connecting to redis", slog.String("url", redactURL(a.cfg.Redis.URL)))
		rc, err := cache.DialRedis(ctx, a.cfg.Redis.URL, cache.WithRedisLogger(a.log))
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		a.redisCache = rc
		backend = rc
		a.log.Info("cache backend: redis")

	case config.CacheMemory:
		a.memCache = cache.NewMemoryCache(a.baseCtx, memorySweepInterval)
		backend = a.memCache
		a.log.Info("cache backend: memory (in-process)")

	case config.CacheNone:
		a.log.Info("cache backend: disabled")

	default:
		return fmt.Errorf("unknown cache mode: %s", a.cfg.Cache.Mode)
	}

	if backend != nil {
		opts := []cache.ResponseOption{cache.WithLogger(a.log)}
		if len(a.cfg.Cache.ExcludeExact) > 0 || len(a.cfg.Cache.ExcludePatterns) > 0 {
			el, err := cache.NewExclusionList(a.cfg.Cache.ExcludeExact, a.cfg.Cache.ExcludePatterns)
			if err != nil {
				return fmt.Errorf("cache exclusions: %w", err)
			}
			opts = append(opts, cache.WithExclusions(el))
			a.log.Info("cache exclusions loaded", slog.Int("rules", el.Len()))
		}
		a.respCache = cache.NewResponseCache(backend, a.cfg.Cache.TTL, opts...)
	}

	a.monitor = health.New(a.registry,
		health.WithProbeTimeout(a.cfg.Health.ProbeTimeout),
		health.WithInterval(a.cfg.Health.ProbeInterval),
		health.WithGauge(a.prom),
		health.WithLogger(a.log),
	)
	return nil
}

// initPersistence starts the async conversation logger for PERSIST_MODE.
func (a *App) initPersistence(ctx context.Context) error {
	var sink logger.Sink
	switch a.cfg.Persistence.Mode {
	case config.PersistNone:
		a.log.Info("conversation persistence: disabled")
		return nil

	case config.PersistLog:
		sink = logger.NewSlogSink(a.log)

	case config.PersistMemory:
		sink = logger.NewStoreSink(store.NewMemoryStore())

	case config.PersistClickHouse:
		st, err := store.OpenClickHouse(ctx, a.cfg.Persistence.ClickHouseDSN, a.cfg.Persistence.ClickHouseTable)
		if err != nil {
			return fmt.Errorf("clickhouse: %w", err)
		}
		sink = logger.NewStoreSink(st)

	case config.PersistKafka:
		ks, err := logger.NewKafkaSink(a.cfg.Persistence.KafkaBrokers, a.cfg.Persistence.KafkaTopic)
		if err != nil {
			return fmt.Errorf("kafka: %w", err)
		}
		sink = ks

	default:
		return fmt.Errorf("unknown persist mode: %s", a.cfg.Persistence.Mode)
	}

	rec, err := logger.New(a.baseCtx, sink,
		logger.WithDropCounter(a.prom),
		logger.WithLogger(a.log),
	)
	if err != nil {
		_ = sink.Close()
		return err
	}
	a.recorder = rec
	a.log.Info("conversation persistence enabled", slog.String("mode", a.cfg.Persistence.Mode))
	return nil
}

// initGateway builds the orchestrator and the HTTP server in front of it.
func (a *App) initGateway(_ context.Context) error {
	opts := []gateway.Option{
		gateway.WithHealth(a.monitor),
		gateway.WithMetrics(a.prom),
		gateway.WithLogger(a.log),
	}
	if a.respCache != nil {
		opts = append(opts, gateway.WithCache(a.respCache))
	}
	if a.recorder != nil {
		opts = append(opts, gateway.WithRecorder(a.recorder))
	}

	gw, err := gateway.New(a.registry, gatewayConfig(a.cfg), opts...)
	if err != nil {
		return err
	}
	a.gw = gw

	srvOpts := server.Options{
		Logger:      a.log,
		Metrics:     a.prom,
		Version:     a.version,
		CORSOrigins: a.cfg.CORSOrigins,
		RequireAuth: a.cfg.Auth.Required,
	}
	if a.cfg.Auth.JWTSecret != "" {
		v, err := identity.NewJWTVerifier(a.cfg.Auth.JWTSecret, a.cfg.Auth.JWTIssuer)
		if err != nil {
			return fmt.Errorf("auth: %w", err)
		}
		srvOpts.Verifier = v
		a.log.Info("bearer authentication enabled")
	}
	a.srv = server.New(a.baseCtx, gw, srvOpts)
	return nil
}

// gatewayConfig maps loaded settings onto the orchestrator's runtime config.
func gatewayConfig(c *config.Config) gateway.Config {
	return gateway.Config{
		DefaultProvider: c.Gateway.DefaultProvider,
		FallbackEnabled: c.Gateway.FallbackEnabled,
		MaxRetries:      c.Gateway.MaxRetries,
		CacheEnabled:    c.Cache.Mode != config.CacheNone,
		CacheTTL:        c.Cache.TTL,
		BaseDelay:       c.Gateway.BaseDelay,
		ProviderTimeout: c.Gateway.ProviderTimeout,
	}
}

// redactURL hides the userinfo portion of a URL for safe logging.
// e.g. "redis://:secret@localhost:6379" → "redis://***@localhost:6379"
func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.User == nil {
		return raw
	}
	out := u.Scheme + "://***@" + u.Host + u.EscapedPath()
	if u.RawQuery != "" {
		out += "?" + u.RawQuery
	}
	return out
}
