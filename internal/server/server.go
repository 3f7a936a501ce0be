// Package server exposes the gateway over HTTP with fasthttp.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/provider-gateway/internal/gateway"
	"github.com/nulpointcorp/provider-gateway/internal/identity"
	"github.com/nulpointcorp/provider-gateway/internal/metrics"
	"github.com/nulpointcorp/provider-gateway/pkg/apierr"
)

const (
	defaultReadTimeout     = 60 * time.Second
	defaultWriteTimeout    = 120 * time.Second
	defaultShutdownTimeout = 15 * time.Second
	maxRequestBodySize     = 4 << 20
)

// Options configures a Server. Zero values select the defaults.
type Options struct {
	Logger  *slog.Logger
	Metrics *metrics.Registry
	Version string

	// CORSOrigins lists allowed origins. Empty or ["*"] allows any.
	CORSOrigins []string

	// Verifier authenticates bearer tokens. When nil, a trusted X-User-ID
	// header identifies the caller.
	Verifier *identity.JWTVerifier
	// RequireAuth rejects completions and every state-changing route
	// without an authenticated user. Read-only routes stay open.
	RequireAuth bool

	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

type Server struct {
	gw      *gateway.Orchestrator
	baseCtx context.Context
	log     *slog.Logger
	metrics *metrics.Registry
	opts    Options
}

// New returns a server for gw. Request contexts derive from ctx, so
// cancelling it aborts in-flight completions.
func New(ctx context.Context, gw *gateway.Orchestrator, opts Options) *Server {
	if ctx == nil {
		panic("server: context must not be nil")
	}
	if gw == nil {
		panic("server: gateway must not be nil")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = defaultReadTimeout
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultWriteTimeout
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = defaultShutdownTimeout
	}
	return &Server{
		gw:      gw,
		baseCtx: ctx,
		log:     opts.Logger,
		metrics: opts.Metrics,
		opts:    opts,
	}
}

// Handler returns the routed handler wrapped in the middleware chain.
func (s *Server) Handler() fasthttp.RequestHandler {
	r := router.New()
	r.SaveMatchedRoutePath = true

	r.POST("/v1/completions", s.requireUser(s.handleCompletion))
	r.GET("/v1/usage", s.handleUsage)
	r.POST("/v1/usage/reset", s.requireUser(s.handleUsageReset))
	r.GET("/v1/providers", s.handleProviders)
	r.GET("/v1/config", s.handleGetConfig)
	r.PUT("/v1/config", s.requireUser(s.handleUpdateConfig))

	r.GET("/health", s.handleHealth)
	r.POST("/health/check", s.requireUser(s.handleCheckAll))
	r.POST("/health/check/{provider}", s.requireUser(s.handleCheckOne))

	if s.metrics != nil {
		r.GET("/metrics", s.metrics.Handler())
	}

	r.NotFound = func(ctx *fasthttp.RequestCtx) {
		apierr.Write(ctx, fasthttp.StatusNotFound, "route not found", apierr.TypeNotFound, "route_not_found")
	}
	r.MethodNotAllowed = func(ctx *fasthttp.RequestCtx) {
		apierr.Write(ctx, fasthttp.StatusMethodNotAllowed, "method not allowed", apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
	}

	return applyMiddleware(r.Handler,
		s.recovery,
		requestID,
		s.observe,
		timing,
		corsHandler(s.opts.CORSOrigins),
		securityHeaders,
		s.authenticate,
	)
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &fasthttp.Server{
		Name:               "provider-gateway",
		Handler:            s.Handler(),
		ReadTimeout:        s.opts.ReadTimeout,
		WriteTimeout:       s.opts.WriteTimeout,
		MaxRequestBodySize: maxRequestBodySize,
		Logger:             fasthttpLogger{s.log},
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe(addr) }()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server: listen %s: %w", addr, err)
		}
		return nil
	case <-ctx.Done():
	}

	s.log.Info("server_shutdown", slog.String("addr", addr))
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.ShutdownTimeout)
	defer cancel()
	if err := srv.ShutdownWithContext(sctx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}

type fasthttpLogger struct{ log *slog.Logger }

func (l fasthttpLogger) Printf(format string, args ...any) {
	l.log.Warn("fasthttp", slog.String("msg", fmt.Sprintf(format, args...)))
}

func writeJSON(ctx *fasthttp.RequestCtx, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusInternalServerError, "response encoding failed", apierr.TypeServerError, apierr.CodeInternalError)
		return
	}
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	ctx.SetBody(data)
}
