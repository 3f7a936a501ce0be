// Package metrics exposes the gateway's Prometheus collectors.
//
// Collectors live in a private registry so an embedding process keeps its
// own default registry untouched. Handler serves it in the text format.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

var latencyBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60}

type Registry struct {
	reg *prometheus.Registry

	inFlight prometheus.Gauge

	// pgw_http_requests_total{route,status}
	httpRequests *prometheus.CounterVec
	// pgw_http_request_duration_seconds{route}
	httpDuration *prometheus.HistogramVec
	// pgw_http_request_size_bytes{route}
	httpReqSize *prometheus.HistogramVec

	// pgw_completions_total{provider,cache}
	completions *prometheus.CounterVec
	// pgw_completion_duration_seconds{provider,cache}
	completionDuration *prometheus.HistogramVec

	// pgw_provider_attempts_total{provider,outcome}
	attempts *prometheus.CounterVec
	// pgw_provider_attempt_duration_seconds{provider,outcome}
	attemptDuration *prometheus.HistogramVec
	// pgw_provider_errors_total{provider,kind}
	providerErrors *prometheus.CounterVec

	// pgw_fallback_total{from,to,result}
	fallbacks *prometheus.CounterVec

	// pgw_cache_operations_total{op,result}
	cacheOps *prometheus.CounterVec

	// pgw_tokens_total{provider,direction}
	tokens *prometheus.CounterVec
	// pgw_cost_total{provider}
	cost *prometheus.CounterVec

	// pgw_provider_healthy{provider}
	providerHealth *prometheus.GaugeVec

	// pgw_conversation_logs_dropped_total
	droppedLogs prometheus.Counter

	buildInfo *prometheus.GaugeVec

	handler fasthttp.RequestHandler
}

func New() *Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	r := &Registry{
		reg: reg,

		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pgw_inflight_requests",
			Help: "HTTP requests currently being served",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pgw_http_requests_total",
			Help: "HTTP requests by route and status code",
		}, []string{"route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pgw_http_request_duration_seconds",
			Help:    "End-to-end HTTP request duration",
			Buckets: latencyBuckets,
		}, []string{"route"}),
		httpReqSize: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pgw_http_request_size_bytes",
			Help:    "HTTP request body size",
			Buckets: prometheus.ExponentialBuckets(256, 2, 12),
		}, []string{"route"}),

		completions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pgw_completions_total",
			Help: "Completions served, by provider and cache status",
		}, []string{"provider", "cache"}),
		completionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pgw_completion_duration_seconds",
			Help:    "Completion duration including retries and fallback",
			Buckets: latencyBuckets,
		}, []string{"provider", "cache"}),

		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pgw_provider_attempts_total",
			Help: "Adapter invocations by outcome",
		}, []string{"provider", "outcome"}),
		attemptDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pgw_provider_attempt_duration_seconds",
			Help:    "Duration of a single adapter invocation",
			Buckets: latencyBuckets,
		}, []string{"provider", "outcome"}),
		providerErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pgw_provider_errors_total",
			Help: "Failed adapter invocations by error kind",
		}, []string{"provider", "kind"}),

		fallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pgw_fallback_total",
			Help: "Fallback switches and their result",
		}, []string{"from", "to", "result"}),

		cacheOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pgw_cache_operations_total",
			Help: "Response cache operations by type and result",
		}, []string{"op", "result"}),

		tokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pgw_tokens_total",
			Help: "Tokens reported by providers",
		}, []string{"provider", "direction"}),
		cost: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pgw_cost_total",
			Help: "Accumulated completion cost in USD",
		}, []string{"provider"}),

		providerHealth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pgw_provider_healthy",
			Help: "Last known provider health (1=healthy, 0=unhealthy)",
		}, []string{"provider"}),

		droppedLogs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pgw_conversation_logs_dropped_total",
			Help: "Conversation records dropped because the recorder queue was full",
		}),

		buildInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pgw_build_info",
			Help: "Build information",
		}, []string{"version"}),
	}

	reg.MustRegister(
		r.inFlight,
		r.httpRequests,
		r.httpDuration,
		r.httpReqSize,
		r.completions,
		r.completionDuration,
		r.attempts,
		r.attemptDuration,
		r.providerErrors,
		r.fallbacks,
		r.cacheOps,
		r.tokens,
		r.cost,
		r.providerHealth,
		r.droppedLogs,
		r.buildInfo,
	)

	r.handler = fasthttpadaptor.NewFastHTTPHandler(promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return r
}

func (r *Registry) IncInFlight() { r.inFlight.Inc() }
func (r *Registry) DecInFlight() { r.inFlight.Dec() }

// ObserveHTTP records one served HTTP request. A negative reqBytes skips the
// size histogram.
func (r *Registry) ObserveHTTP(route string, statusCode int, dur time.Duration, reqBytes int) {
	r.httpRequests.WithLabelValues(route, strconv.Itoa(statusCode)).Inc()
	r.httpDuration.WithLabelValues(route).Observe(dur.Seconds())
	if reqBytes >= 0 {
		r.httpReqSize.WithLabelValues(route).Observe(float64(reqBytes))
	}
}

// ObserveCompletion records a completion served by provider.
func (r *Registry) ObserveCompletion(provider string, fromCache bool, dur time.Duration) {
	cache := "miss"
	if fromCache {
		cache = "hit"
	}
	r.completions.WithLabelValues(provider, cache).Inc()
	r.completionDuration.WithLabelValues(provider, cache).Observe(dur.Seconds())
}

// ObserveAttempt records one adapter invocation.
func (r *Registry) ObserveAttempt(provider, outcome string, dur time.Duration) {
	r.attempts.WithLabelValues(provider, outcome).Inc()
	r.attemptDuration.WithLabelValues(provider, outcome).Observe(dur.Seconds())
}

func (r *Registry) RecordError(provider, kind string) {
	r.providerErrors.WithLabelValues(provider, kind).Inc()
}

// RecordFallback counts a switch from one provider to another. result is
// "success" or "failure".
func (r *Registry) RecordFallback(from, to, result string) {
	r.fallbacks.WithLabelValues(from, to, result).Inc()
}

func (r *Registry) CacheGetHit()    { r.cacheOps.WithLabelValues("get", "hit").Inc() }
func (r *Registry) CacheGetMiss()   { r.cacheOps.WithLabelValues("get", "miss").Inc() }
func (r *Registry) CacheGetBypass() { r.cacheOps.WithLabelValues("get", "bypass").Inc() }
func (r *Registry) CacheSetOK()     { r.cacheOps.WithLabelValues("set", "ok").Inc() }
func (r *Registry) CacheSetError()  { r.cacheOps.WithLabelValues("set", "error").Inc() }

func (r *Registry) AddTokens(provider string, prompt, completion, cached int) {
	if prompt > 0 {
		r.tokens.WithLabelValues(provider, "prompt").Add(float64(prompt))
	}
	if completion > 0 {
		r.tokens.WithLabelValues(provider, "completion").Add(float64(completion))
	}
	if cached > 0 {
		r.tokens.WithLabelValues(provider, "cached").Add(float64(cached))
	}
}

func (r *Registry) AddCost(provider string, usd float64) {
	if usd > 0 {
		r.cost.WithLabelValues(provider).Add(usd)
	}
}

// SetProviderHealth satisfies health.Gauge.
func (r *Registry) SetProviderHealth(provider string, ok bool) {
	v := 0.0
	if ok {
		v = 1
	}
	r.providerHealth.WithLabelValues(provider).Set(v)
}

// RecordDropped satisfies logger.DropCounter.
func (r *Registry) RecordDropped() { r.droppedLogs.Inc() }

func (r *Registry) SetBuildInfo(version string) {
	r.buildInfo.WithLabelValues(version).Set(1)
}

func (r *Registry) Handler() fasthttp.RequestHandler { return r.handler }

func (r *Registry) PromRegistry() *prometheus.Registry { return r.reg }
