package gateway

import (
	"errors"
	"fmt"
)

var (
	// ErrNoProvidersAvailable is returned when no adapter is registered.
	ErrNoProvidersAvailable = errors.New("gateway: no providers available")

	// ErrProviderNotFound is matched by *ProviderNotFoundError.
	ErrProviderNotFound = errors.New("gateway: provider not found")
)

// ProviderNotFoundError names a provider that is not registered.
type ProviderNotFoundError struct {
	Name string
}

func (e *ProviderNotFoundError) Error() string {
	return fmt.Sprintf("gateway: provider %q not found", e.Name)
}

func (e *ProviderNotFoundError) Is(target error) bool { return target == ErrProviderNotFound }

// HTTPStatus reports 404 for the HTTP layer.
func (e *ProviderNotFoundError) HTTPStatus() int { return 404 }

// FallbackError is returned when both the primary and the fallback adapter
// failed. errors.Is and errors.As see both causes, fallback first.
type FallbackError struct {
	Primary     string
	Fallback    string
	PrimaryErr  error
	FallbackErr error
}

func (e *FallbackError) Error() string {
	return fmt.Sprintf("gateway: fallback to %s failed: %v (primary %s: %v)",
		e.Fallback, e.FallbackErr, e.Primary, e.PrimaryErr)
}

func (e *FallbackError) Unwrap() []error {
	return []error{e.FallbackErr, e.PrimaryErr}
}
