package server

import (
	"log/slog"
	"strings"
	"time"

	"github.com/fasthttp/router"
	"github.com/google/uuid"
	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/provider-gateway/internal/identity"
	"github.com/nulpointcorp/provider-gateway/pkg/apierr"
)

const (
	userValueRequestID = "request_id"
	userValueUser      = "user"
)

// recovery turns a handler panic into a 500 envelope.
func (s *Server) recovery(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		defer func() {
			if r := recover(); r != nil {
				s.log.Error("handler_panic",
					slog.Any("panic", r),
					slog.String("path", string(ctx.Path())),
					slog.String("method", string(ctx.Method())),
					slog.Any("request_id", ctx.UserValue(userValueRequestID)),
				)
				ctx.ResetBody()
				apierr.Write(ctx, fasthttp.StatusInternalServerError, "internal server error",
					apierr.TypeServerError, apierr.CodeInternalError)
			}
		}()
		next(ctx)
	}
}

// requestID echoes X-Request-ID or assigns a new UUID.
func requestID(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		id := string(ctx.Request.Header.Peek("X-Request-ID"))
		if id == "" {
			id = uuid.NewString()
		}
		ctx.Response.Header.Set("X-Request-ID", id)
		ctx.SetUserValue(userValueRequestID, id)
		next(ctx)
	}
}

// observe feeds the HTTP metrics, labelled by route pattern.
func (s *Server) observe(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		if s.metrics == nil {
			next(ctx)
			return
		}
		start := time.Now()
		s.metrics.IncInFlight()
		defer func() {
			s.metrics.DecInFlight()
			route, _ := ctx.UserValue(router.MatchedRoutePathParam).(string)
			if route == "" {
				route = "unmatched"
			}
			s.metrics.ObserveHTTP(route, ctx.Response.StatusCode(), time.Since(start), len(ctx.PostBody()))
		}()
		next(ctx)
	}
}

func timing(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		start := time.Now()
		next(ctx)
		ctx.Response.Header.Set("X-Response-Time", time.Since(start).String())
	}
}

func securityHeaders(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		next(ctx)
		h := &ctx.Response.Header
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Content-Security-Policy", "default-src 'none'")
		h.Set("Referrer-Policy", "no-referrer")
	}
}

// corsHandler allows the given origins. nil or ["*"] allows any origin.
// Preflight requests get 204 without reaching the router.
func corsHandler(origins []string) func(fasthttp.RequestHandler) fasthttp.RequestHandler {
	origin := "*"
	if len(origins) > 0 && !(len(origins) == 1 && origins[0] == "*") {
		origin = strings.Join(origins, ", ")
	}
	return func(next fasthttp.RequestHandler) fasthttp.RequestHandler {
		return func(ctx *fasthttp.RequestCtx) {
			ctx.Response.Header.Set("Access-Control-Allow-Origin", origin)
			ctx.Response.Header.Set("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")
			ctx.Response.Header.Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Request-ID, X-User-ID")

			if string(ctx.Method()) == fasthttp.MethodOptions {
				ctx.SetStatusCode(fasthttp.StatusNoContent)
				return
			}
			next(ctx)
		}
	}
}

// authenticate resolves the caller and stores it under userValueUser. With
// a verifier, a present but invalid bearer token is a 401; without one the
// X-User-ID header is trusted.
func (s *Server) authenticate(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		if v := s.opts.Verifier; v != nil {
			if token := parseBearerToken(ctx); token != "" {
				u, err := v.Verify(token)
				if err != nil {
					s.log.Info("auth_rejected",
						slog.Any("request_id", ctx.UserValue(userValueRequestID)),
						slog.String("error", err.Error()),
					)
					apierr.Write(ctx, fasthttp.StatusUnauthorized, "invalid bearer token",
						apierr.TypeAuthenticationErr, apierr.CodeInvalidAPIKey)
					return
				}
				ctx.SetUserValue(userValueUser, u)
			}
		} else if id := strings.TrimSpace(string(ctx.Request.Header.Peek("X-User-ID"))); id != "" {
			ctx.SetUserValue(userValueUser, &identity.User{ID: id})
		}
		next(ctx)
	}
}

// requireUser guards h with a 401 when RequireAuth is set and authenticate
// resolved no caller.
func (s *Server) requireUser(h fasthttp.RequestHandler) fasthttp.RequestHandler {
	if !s.opts.RequireAuth {
		return h
	}
	return func(ctx *fasthttp.RequestCtx) {
		if userFrom(ctx) == nil {
			apierr.Write(ctx, fasthttp.StatusUnauthorized, "authentication required",
				apierr.TypeAuthenticationErr, apierr.CodeInvalidAPIKey)
			return
		}
		h(ctx)
	}
}

func userFrom(ctx *fasthttp.RequestCtx) *identity.User {
	u, _ := ctx.UserValue(userValueUser).(*identity.User)
	return u
}

// parseBearerToken extracts the token from "Authorization: Bearer <token>".
func parseBearerToken(ctx *fasthttp.RequestCtx) string {
	auth := strings.TrimSpace(string(ctx.Request.Header.Peek("Authorization")))
	if len(auth) < 7 || !strings.EqualFold(auth[:7], "bearer ") {
		return ""
	}
	return strings.TrimSpace(auth[7:])
}

// applyMiddleware wraps h so that mws[0] runs first.
func applyMiddleware(h fasthttp.RequestHandler, mws ...func(fasthttp.RequestHandler) fasthttp.RequestHandler) fasthttp.RequestHandler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}
