// Package gateway is the single entry point for completions. It validates
// input, consults the response cache, runs the selected adapter under the
// retry executor, falls back to another adapter when allowed, and records
// health, usage and an audit record of every served conversation.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/nulpointcorp/provider-gateway/internal/cache"
	"github.com/nulpointcorp/provider-gateway/internal/health"
	"github.com/nulpointcorp/provider-gateway/internal/identity"
	"github.com/nulpointcorp/provider-gateway/internal/logger"
	"github.com/nulpointcorp/provider-gateway/internal/metrics"
	"github.com/nulpointcorp/provider-gateway/internal/providers"
	"github.com/nulpointcorp/provider-gateway/internal/retry"
	"github.com/nulpointcorp/provider-gateway/internal/usage"
)

// Completion is a provider result enriched with gateway metadata.
type Completion struct {
	providers.Result

	ConversationID string    `json:"conversationId"`
	ProfileID      string    `json:"profileId,omitempty"`
	UsedFallback   bool      `json:"usedFallback"`
	FromCache      bool      `json:"fromCache"`
	Cost           float64   `json:"cost"`
	Timestamp      time.Time `json:"timestamp"`
}

// Recorder receives one record per served completion. Log must not block.
type Recorder interface {
	Log(rec logger.ConversationRecord)
}

// ProviderInfo describes one registered adapter.
type ProviderInfo struct {
	Name   string        `json:"name"`
	Health health.Record `json:"health"`
}

type Orchestrator struct {
	registry *providers.Registry
	health   *health.Monitor
	usage    *usage.Tracker
	cache    *cache.ResponseCache
	recorder Recorder
	identity identity.Provider
	metrics  *metrics.Registry
	log      *slog.Logger
	sleep    retry.SleepFunc
	now      func() time.Time

	cfg atomic.Pointer[Config]
}

type Option func(*Orchestrator)

// WithHealth shares a monitor with the rest of the process. Without it the
// orchestrator builds its own over the registry.
func WithHealth(m *health.Monitor) Option {
	return func(o *Orchestrator) { o.health = m }
}

func WithUsage(t *usage.Tracker) Option {
	return func(o *Orchestrator) { o.usage = t }
}

// WithCache enables response caching. Config.CacheEnabled must also be set.
func WithCache(c *cache.ResponseCache) Option {
	return func(o *Orchestrator) { o.cache = c }
}

func WithRecorder(r Recorder) Option {
	return func(o *Orchestrator) { o.recorder = r }
}

func WithIdentity(p identity.Provider) Option {
	return func(o *Orchestrator) { o.identity = p }
}

func WithMetrics(m *metrics.Registry) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.log = l }
}

// WithSleep replaces the backoff sleep. Tests pass a no-op.
func WithSleep(fn retry.SleepFunc) Option {
	return func(o *Orchestrator) { o.sleep = fn }
}

func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// New returns an orchestrator over registry. cfg is validated.
func New(registry *providers.Registry, cfg Config, opts ...Option) (*Orchestrator, error) {
	if registry == nil {
		return nil, errors.New("gateway: registry must not be nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	o := &Orchestrator{
		registry: registry,
		identity: identity.ContextProvider{},
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.log == nil {
		o.log = slog.Default()
	}
	if o.health == nil {
		o.health = health.New(registry, health.WithLogger(o.log))
	}
	if o.usage == nil {
		o.usage = usage.NewTracker()
	}
	if o.cache != nil {
		o.cache.SetTTL(cfg.CacheTTL)
	}
	o.cfg.Store(&cfg)
	return o, nil
}

// Config returns the settings in effect.
func (o *Orchestrator) Config() Config { return *o.cfg.Load() }

// UpdateConfig swaps in cfg. An invalid cfg is rejected and the current
// settings stay in effect.
func (o *Orchestrator) UpdateConfig(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	o.cfg.Store(&cfg)
	if o.cache != nil {
		o.cache.SetTTL(cfg.CacheTTL)
	}
	o.log.Info("gateway_config_updated",
		slog.String("default_provider", cfg.DefaultProvider),
		slog.Bool("fallback_enabled", cfg.FallbackEnabled),
		slog.Int("max_retries", cfg.MaxRetries),
		slog.Bool("cache_enabled", cfg.CacheEnabled),
		slog.Duration("cache_ttl", cfg.CacheTTL),
	)
	return nil
}

// GenerateCompletion runs one completion end to end. messages and opts are
// never modified.
func (o *Orchestrator) GenerateCompletion(
	ctx context.Context,
	messages []providers.Message,
	opts providers.Options,
) (*Completion, error) {
	if ctx == nil {
		panic("gateway: context must not be nil")
	}
	if err := providers.ValidateMessages(messages); err != nil {
		return nil, err
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	start := o.now()
	cfg := o.Config()
	msgs := slices.Clone(messages)
	opts = opts.Clone()

	names := o.registry.Names()
	if len(names) == 0 {
		return nil, ErrNoProvidersAvailable
	}

	pinned := opts.Provider != ""
	target := opts.Provider
	if !pinned {
		target = cfg.DefaultProvider
		if target == "" {
			target = names[0]
		}
	}
	adapter, ok := o.registry.Get(target)
	if !ok {
		return nil, &ProviderNotFoundError{Name: target}
	}

	cacheKey := ""
	if o.cacheable(cfg, opts) {
		// Keyed on the resolved adapter, not the requested one.
		keyOpts := opts
		keyOpts.Provider = target
		key, err := cache.Fingerprint(msgs, keyOpts)
		if err != nil {
			return nil, fmt.Errorf("gateway: cache key: %w", err)
		}
		cacheKey = key
		if res, ok := o.cache.Get(ctx, key); ok {
			if o.metrics != nil {
				o.metrics.CacheGetHit()
				o.metrics.ObserveCompletion(res.Provider, true, o.now().Sub(start))
			}
			o.log.InfoContext(ctx, "cache_hit",
				slog.String("provider", res.Provider),
				slog.String("model", res.Model),
			)
			return o.enrich(res, opts, false, true, 0), nil
		}
		if o.metrics != nil {
			o.metrics.CacheGetMiss()
		}
	} else if o.metrics != nil && opts.UseCache {
		o.metrics.CacheGetBypass()
	}

	exec := o.executor(cfg)
	served := adapter
	usedFallback := false

	res, err := exec.Execute(ctx, adapter, msgs, opts)
	if err != nil && cfg.FallbackEnabled && !pinned && ctx.Err() == nil {
		if fb := o.selectFallback(target); fb != nil {
			fbOpts := opts.Clone()
			fbOpts.Model = ""

			fbRes, fbErr := exec.Execute(ctx, fb, msgs, fbOpts)
			if fbErr != nil {
				if o.metrics != nil {
					o.metrics.RecordFallback(target, fb.Name(), "failure")
				}
				err = &FallbackError{
					Primary:     target,
					Fallback:    fb.Name(),
					PrimaryErr:  err,
					FallbackErr: fbErr,
				}
			} else {
				if o.metrics != nil {
					o.metrics.RecordFallback(target, fb.Name(), "success")
				}
				o.log.InfoContext(ctx, "fallback_success",
					slog.String("from", target),
					slog.String("to", fb.Name()),
					slog.String("reason", retry.Classify(err)),
				)
				res, err, served, usedFallback = fbRes, nil, fb, true
			}
		}
	}
	if err != nil {
		o.log.WarnContext(ctx, "completion_failed",
			slog.String("provider", target),
			slog.Bool("pinned", pinned),
			slog.String("error", err.Error()),
		)
		return nil, err
	}

	cost := served.CalculateCost(res.Tokens, res.Model, providers.CostOptions{Batch: opts.Batch})
	o.usage.Record(served.Name(), res.Tokens, cost)
	if o.metrics != nil {
		o.metrics.AddTokens(served.Name(), res.Tokens.Prompt, res.Tokens.Completion, res.Tokens.Cached)
		o.metrics.AddCost(served.Name(), cost)
		o.metrics.ObserveCompletion(served.Name(), false, o.now().Sub(start))
	}

	out := o.enrich(res, opts, usedFallback, false, cost)
	o.record(ctx, msgs, out, o.now().Sub(start))

	if cacheKey != "" && !usedFallback {
		if err := o.cache.Put(ctx, cacheKey, res); err != nil {
			if o.metrics != nil {
				o.metrics.CacheSetError()
			}
			o.log.WarnContext(ctx, "cache_set_error", slog.String("error", err.Error()))
		} else if o.metrics != nil {
			o.metrics.CacheSetOK()
		}
	}
	return out, nil
}

func (o *Orchestrator) cacheable(cfg Config, opts providers.Options) bool {
	return o.cache != nil && cfg.CacheEnabled && opts.UseCache && !o.cache.Excluded(opts.Model)
}

// executor builds a retry executor for one request from cfg. Every attempt
// feeds the health monitor and the attempt metrics.
func (o *Orchestrator) executor(cfg Config) *retry.Executor {
	ropts := []retry.Option{
		retry.WithMaxRetries(cfg.MaxRetries),
		retry.WithBaseDelay(cfg.BaseDelay),
		retry.WithAttemptTimeout(cfg.ProviderTimeout),
		retry.WithLogger(o.log),
		retry.WithObserver(o.observe),
	}
	if o.sleep != nil {
		ropts = append(ropts, retry.WithSleep(o.sleep))
	}
	return retry.New(ropts...)
}

func (o *Orchestrator) observe(ctx context.Context, a retry.Attempt) {
	// A caller hanging up says nothing about the provider.
	if a.Err != nil && ctx.Err() != nil {
		return
	}
	o.health.Record(a.Provider, a.Duration, a.Err)
	if o.metrics == nil {
		return
	}
	outcome := retry.Classify(a.Err)
	o.metrics.ObserveAttempt(a.Provider, outcome, a.Duration)
	if a.Err != nil {
		o.metrics.RecordError(a.Provider, outcome)
	}
}

// selectFallback returns the first healthy adapter other than failed, in
// name order, or else the first other adapter. nil when failed is alone.
func (o *Orchestrator) selectFallback(failed string) providers.Adapter {
	var other providers.Adapter
	for _, name := range o.registry.Names() {
		if name == failed {
			continue
		}
		a, ok := o.registry.Get(name)
		if !ok {
			continue
		}
		if o.health.IsHealthy(name) {
			return a
		}
		if other == nil {
			other = a
		}
	}
	return other
}

func (o *Orchestrator) enrich(res *providers.Result, opts providers.Options, usedFallback, fromCache bool, cost float64) *Completion {
	conv := opts.ConversationID
	if conv == "" {
		conv = uuid.NewString()
	}
	c := &Completion{
		Result:         *res,
		ConversationID: conv,
		ProfileID:      opts.ProfileID,
		UsedFallback:   usedFallback,
		FromCache:      fromCache,
		Cost:           cost,
		Timestamp:      o.now().UTC(),
	}
	if res.ToolCalls != nil {
		c.ToolCalls = slices.Clone(res.ToolCalls)
	}
	return c
}

func (o *Orchestrator) record(ctx context.Context, msgs []providers.Message, c *Completion, latency time.Duration) {
	if o.recorder == nil {
		return
	}
	res := c.Result
	o.recorder.Log(logger.ConversationRecord{
		ID:             uuid.NewString(),
		ConversationID: c.ConversationID,
		ProfileID:      c.ProfileID,
		UserID:         identity.AttributionID(ctx, o.identity),
		Messages:       msgs,
		Result:         &res,
		Provider:       c.Provider,
		Model:          c.Model,
		Tokens:         c.Tokens,
		Cost:           c.Cost,
		UsedFallback:   c.UsedFallback,
		LatencyMs:      latency.Milliseconds(),
		Timestamp:      c.Timestamp,
	})
}

// Usage returns global and per-provider usage counters.
func (o *Orchestrator) Usage() usage.Snapshot { return o.usage.Snapshot() }

func (o *Orchestrator) ResetUsage() { o.usage.Reset() }

// CheckHealth probes one provider.
func (o *Orchestrator) CheckHealth(ctx context.Context, name string) (health.Record, error) {
	rec, err := o.health.CheckHealth(ctx, name)
	if errors.Is(err, health.ErrUnknownProvider) {
		return health.Record{}, &ProviderNotFoundError{Name: name}
	}
	return rec, err
}

// CheckAllHealth probes every registered provider in parallel.
func (o *Orchestrator) CheckAllHealth(ctx context.Context) map[string]health.Record {
	return o.health.CheckAll(ctx)
}

func (o *Orchestrator) HealthSnapshot() map[string]health.Record {
	return o.health.Snapshot()
}

// Providers lists registered adapters in name order with their last known
// health.
func (o *Orchestrator) Providers() []ProviderInfo {
	names := o.registry.Names()
	out := make([]ProviderInfo, 0, len(names))
	for _, name := range names {
		rec, _ := o.health.Get(name)
		out = append(out, ProviderInfo{Name: name, Health: rec})
	}
	return out
}
