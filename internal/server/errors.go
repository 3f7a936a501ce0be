package server

import (
	"context"
	"errors"

	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/provider-gateway/internal/gateway"
	"github.com/nulpointcorp/provider-gateway/internal/providers"
	"github.com/nulpointcorp/provider-gateway/internal/retry"
	"github.com/nulpointcorp/provider-gateway/pkg/apierr"
)

// writeError maps a gateway error to an HTTP status and error envelope.
//
//	invalid message / request   → 400
//	authentication              → 401
//	permission                  → 403
//	provider not found          → 404
//	rate limit                  → 429 + Retry-After
//	no providers available      → 503
//	network / timeout           → 504
//	fallback failed, otherwise  → 502
func writeError(ctx *fasthttp.RequestCtx, err error) {
	msg := err.Error()

	var fe *gateway.FallbackError
	if errors.As(err, &fe) {
		apierr.Write(ctx, fasthttp.StatusBadGateway, msg, apierr.TypeProviderError, apierr.CodeFallbackFailed)
		return
	}

	switch {
	case errors.Is(err, providers.ErrInvalidMessage):
		apierr.Write(ctx, fasthttp.StatusBadRequest, msg, apierr.TypeInvalidRequest, apierr.CodeInvalidMessage)
	case errors.Is(err, providers.ErrInvalidRequest):
		apierr.Write(ctx, fasthttp.StatusBadRequest, msg, apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
	case errors.Is(err, providers.ErrAuthentication):
		apierr.Write(ctx, fasthttp.StatusUnauthorized, msg, apierr.TypeAuthenticationErr, apierr.CodeInvalidAPIKey)
	case errors.Is(err, providers.ErrPermission):
		apierr.Write(ctx, fasthttp.StatusForbidden, msg, apierr.TypePermissionErr, apierr.CodePermissionDenied)
	case errors.Is(err, gateway.ErrProviderNotFound):
		apierr.Write(ctx, fasthttp.StatusNotFound, msg, apierr.TypeNotFound, apierr.CodeProviderNotFound)
	case errors.Is(err, providers.ErrRateLimit):
		var pe *providers.ProviderError
		retryAfter := apierr.DefaultRetryAfter
		if errors.As(err, &pe) && pe.RetryAfter > 0 {
			retryAfter = pe.RetryAfter
		}
		apierr.WriteRateLimit(ctx, msg, retryAfter)
	case errors.Is(err, gateway.ErrNoProvidersAvailable):
		apierr.Write(ctx, fasthttp.StatusServiceUnavailable, msg, apierr.TypeServerError, apierr.CodeNoProviders)
	case errors.Is(err, providers.ErrNetwork), errors.Is(err, context.DeadlineExceeded):
		apierr.WriteTimeout(ctx, msg)
	case errors.Is(err, retry.ErrMaxRetriesExceeded):
		apierr.Write(ctx, fasthttp.StatusBadGateway, msg, apierr.TypeProviderError, apierr.CodeMaxRetriesExceeded)
	default:
		apierr.Write(ctx, fasthttp.StatusBadGateway, msg, apierr.TypeProviderError, apierr.CodeProviderError)
	}
}
