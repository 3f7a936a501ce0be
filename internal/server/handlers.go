package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/provider-gateway/internal/gateway"
	"github.com/nulpointcorp/provider-gateway/internal/identity"
	"github.com/nulpointcorp/provider-gateway/internal/providers"
	"github.com/nulpointcorp/provider-gateway/pkg/apierr"
)

var bodyValidator = validator.New(validator.WithRequiredStructEnabled())

// completionRequest is the body of POST /v1/completions. Option fields may
// also appear at the top level; values inside "options" win.
type completionRequest struct {
	Messages []providers.Message `json:"messages" validate:"required,min=1"`
	Options  map[string]any      `json:"options"`
}

// configRequest is the body of PUT /v1/config. Durations use Go syntax
// ("30s", "1h").
type configRequest struct {
	DefaultProvider string `json:"defaultProvider"`
	FallbackEnabled *bool  `json:"fallbackEnabled"`
	MaxRetries      *int   `json:"maxRetries" validate:"omitnil,gte=0"`
	CacheEnabled    *bool  `json:"cacheEnabled"`
	CacheTTL        string `json:"cacheTTL"`
	BaseDelay       string `json:"baseDelay"`
	ProviderTimeout string `json:"providerTimeout"`
}

type configResponse struct {
	DefaultProvider string `json:"defaultProvider"`
	FallbackEnabled bool   `json:"fallbackEnabled"`
	MaxRetries      int    `json:"maxRetries"`
	CacheEnabled    bool   `json:"cacheEnabled"`
	CacheTTL        string `json:"cacheTTL"`
	BaseDelay       string `json:"baseDelay"`
	ProviderTimeout string `json:"providerTimeout"`
}

func toConfigResponse(c gateway.Config) configResponse {
	return configResponse{
		DefaultProvider: c.DefaultProvider,
		FallbackEnabled: c.FallbackEnabled,
		MaxRetries:      c.MaxRetries,
		CacheEnabled:    c.CacheEnabled,
		CacheTTL:        c.CacheTTL.String(),
		BaseDelay:       c.BaseDelay.String(),
		ProviderTimeout: c.ProviderTimeout.String(),
	}
}

// requestContext derives the context for one request from the server's base
// context, carrying the authenticated user.
func (s *Server) requestContext(ctx *fasthttp.RequestCtx) context.Context {
	rc := s.baseCtx
	if u := userFrom(ctx); u != nil {
		rc = identity.WithUser(rc, u)
	}
	return rc
}

func (s *Server) handleCompletion(ctx *fasthttp.RequestCtx) {
	reqID, _ := ctx.UserValue(userValueRequestID).(string)

	msgs, opts, err := decodeCompletion(ctx.PostBody())
	if err != nil {
		apierr.WriteInvalidRequest(ctx, err.Error())
		return
	}

	s.log.Info("request",
		slog.String("request_id", reqID),
		slog.String("provider", opts.Provider),
		slog.String("model", opts.Model),
		slog.Int("messages", len(msgs)),
	)

	res, err := s.gw.GenerateCompletion(s.requestContext(ctx), msgs, opts)
	if err != nil {
		s.log.Warn("completion_error",
			slog.String("request_id", reqID),
			slog.String("error", err.Error()),
		)
		writeError(ctx, err)
		return
	}

	if res.FromCache {
		ctx.Response.Header.Set("X-Cache", "HIT")
	} else {
		ctx.Response.Header.Set("X-Cache", "MISS")
	}
	s.log.Info("response_ok",
		slog.String("request_id", reqID),
		slog.String("provider", res.Provider),
		slog.String("model", res.Model),
		slog.Int("tokens", res.Tokens.Total),
		slog.Bool("used_fallback", res.UsedFallback),
		slog.Bool("from_cache", res.FromCache),
	)
	writeJSON(ctx, fasthttp.StatusOK, res)
}

// decodeCompletion parses a completion body, merging top-level option
// fields under the nested "options" object.
func decodeCompletion(body []byte) ([]providers.Message, providers.Options, error) {
	if len(body) == 0 {
		return nil, providers.Options{}, fmt.Errorf("request body is empty")
	}
	var req completionRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, providers.Options{}, fmt.Errorf("invalid JSON body: %v", err)
	}
	if err := bodyValidator.Struct(req); err != nil {
		return nil, providers.Options{}, fmt.Errorf("messages: at least one message is required")
	}

	var top map[string]any
	if err := json.Unmarshal(body, &top); err != nil {
		return nil, providers.Options{}, fmt.Errorf("invalid JSON body: %v", err)
	}
	merged := make(map[string]any, len(top)+len(req.Options))
	for k, v := range top {
		if k != "messages" && k != "options" {
			merged[k] = v
		}
	}
	for k, v := range req.Options {
		merged[k] = v
	}

	opts, err := providers.OptionsFromMap(merged)
	if err != nil {
		return nil, providers.Options{}, err
	}
	return req.Messages, opts, nil
}

func (s *Server) handleUsage(ctx *fasthttp.RequestCtx) {
	writeJSON(ctx, fasthttp.StatusOK, s.gw.Usage())
}

func (s *Server) handleUsageReset(ctx *fasthttp.RequestCtx) {
	s.gw.ResetUsage()
	s.log.Info("usage_reset", slog.Any("request_id", ctx.UserValue(userValueRequestID)))
	writeJSON(ctx, fasthttp.StatusOK, s.gw.Usage())
}

func (s *Server) handleProviders(ctx *fasthttp.RequestCtx) {
	writeJSON(ctx, fasthttp.StatusOK, map[string]any{"providers": s.gw.Providers()})
}

func (s *Server) handleGetConfig(ctx *fasthttp.RequestCtx) {
	writeJSON(ctx, fasthttp.StatusOK, toConfigResponse(s.gw.Config()))
}

// handleUpdateConfig applies a partial update on top of the current config.
func (s *Server) handleUpdateConfig(ctx *fasthttp.RequestCtx) {
	var req configRequest
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		apierr.WriteInvalidRequest(ctx, fmt.Sprintf("invalid JSON body: %v", err))
		return
	}
	if err := bodyValidator.Struct(req); err != nil {
		apierr.WriteInvalidRequest(ctx, "maxRetries must be >= 0")
		return
	}

	cfg := s.gw.Config()
	if req.DefaultProvider != "" {
		cfg.DefaultProvider = req.DefaultProvider
	}
	if req.FallbackEnabled != nil {
		cfg.FallbackEnabled = *req.FallbackEnabled
	}
	if req.MaxRetries != nil {
		cfg.MaxRetries = *req.MaxRetries
	}
	if req.CacheEnabled != nil {
		cfg.CacheEnabled = *req.CacheEnabled
	}
	for _, f := range []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"cacheTTL", req.CacheTTL, &cfg.CacheTTL},
		{"baseDelay", req.BaseDelay, &cfg.BaseDelay},
		{"providerTimeout", req.ProviderTimeout, &cfg.ProviderTimeout},
	} {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			apierr.WriteInvalidRequest(ctx, fmt.Sprintf("%s: %v", f.name, err))
			return
		}
		*f.dst = d
	}

	if err := s.gw.UpdateConfig(cfg); err != nil {
		apierr.WriteInvalidRequest(ctx, err.Error())
		return
	}
	writeJSON(ctx, fasthttp.StatusOK, toConfigResponse(s.gw.Config()))
}

func (s *Server) handleHealth(ctx *fasthttp.RequestCtx) {
	writeJSON(ctx, fasthttp.StatusOK, map[string]any{
		"status":    "ok",
		"version":   s.opts.Version,
		"providers": s.gw.HealthSnapshot(),
	})
}

func (s *Server) handleCheckAll(ctx *fasthttp.RequestCtx) {
	writeJSON(ctx, fasthttp.StatusOK, map[string]any{
		"providers": s.gw.CheckAllHealth(s.requestContext(ctx)),
	})
}

func (s *Server) handleCheckOne(ctx *fasthttp.RequestCtx) {
	name, _ := ctx.UserValue("provider").(string)
	rec, err := s.gw.CheckHealth(s.requestContext(ctx), name)
	if err != nil {
		writeError(ctx, err)
		return
	}
	writeJSON(ctx, fasthttp.StatusOK, rec)
}
