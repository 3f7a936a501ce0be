package gateway

import (
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/nulpointcorp/provider-gateway/internal/providers"
)

// ErrInvalidConfig is matched by every configuration validation failure.
var ErrInvalidConfig = errors.New("gateway: invalid config")

// Config is an immutable set of orchestration settings. Replace it as a
// whole with UpdateConfig.
type Config struct {
	// DefaultProvider is used when a request does not name one. Empty means
	// the first registered adapter in name order.
	DefaultProvider string        `json:"defaultProvider"`
	FallbackEnabled bool          `json:"fallbackEnabled"`
	MaxRetries      int           `json:"maxRetries" validate:"gte=0"`
	CacheEnabled    bool          `json:"cacheEnabled"`
	CacheTTL        time.Duration `json:"cacheTTL" validate:"gte=0"`
	BaseDelay       time.Duration `json:"baseDelay" validate:"gte=0"`
	ProviderTimeout time.Duration `json:"providerTimeout" validate:"gte=0"`
}

func DefaultConfig() Config {
	return Config{
		FallbackEnabled: true,
		MaxRetries:      providers.MaxRetries,
		CacheEnabled:    false,
		CacheTTL:        time.Hour,
		BaseDelay:       providers.BaseDelay,
		ProviderTimeout: providers.ProviderTimeout,
	}
}

var configValidator = validator.New(validator.WithRequiredStructEnabled())

func (c Config) Validate() error {
	err := configValidator.Struct(c)
	if err == nil {
		return nil
	}
	var ve validator.ValidationErrors
	if errors.As(err, &ve) && len(ve) > 0 {
		return fmt.Errorf("%w: %s must be >= 0, got %v", ErrInvalidConfig, ve[0].Field(), ve[0].Value())
	}
	return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
}
