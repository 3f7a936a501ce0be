package app

import (
	"context"
	"fmt"

	"github.com/nulpointcorp/provider-gateway/internal/config"
	"github.com/nulpointcorp/provider-gateway/internal/providers"
	anthropicprov "github.com/nulpointcorp/provider-gateway/internal/providers/anthropic"
	geminiprov "github.com/nulpointcorp/provider-gateway/internal/providers/gemini"
	mistralprov "github.com/nulpointcorp/provider-gateway/internal/providers/mistral"
	openaiprov "github.com/nulpointcorp/provider-gateway/internal/providers/openai"
)

// BuildRegistry creates one adapter per configured credential. Every
// adapter uses the configured provider timeout as its HTTP deadline.
func BuildRegistry(ctx context.Context, cfg *config.Config) (*providers.Registry, error) {
	reg := providers.NewRegistry()
	timeout := cfg.Gateway.ProviderTimeout

	if c := cfg.OpenAI; c.APIKey != "" {
		opts := []openaiprov.Option{openaiprov.WithTimeout(timeout)}
		if c.BaseURL != "" {
			opts = append(opts, openaiprov.WithBaseURL(c.BaseURL))
		}
		if c.DefaultModel != "" {
			opts = append(opts, openaiprov.WithDefaultModel(c.DefaultModel))
		}
		if err := reg.Register(openaiprov.New(c.APIKey, opts...)); err != nil {
			return nil, err
		}
	}

	if c := cfg.Anthropic; c.APIKey != "" {
		opts := []anthropicprov.Option{anthropicprov.WithTimeout(timeout)}
		if c.BaseURL != "" {
			opts = append(opts, anthropicprov.WithBaseURL(c.BaseURL))
		}
		if c.DefaultModel != "" {
			opts = append(opts, anthropicprov.WithDefaultModel(c.DefaultModel))
		}
		if err := reg.Register(anthropicprov.New(c.APIKey, opts...)); err != nil {
			return nil, err
		}
	}

	if c := cfg.Gemini; c.APIKey != "" {
		opts := []geminiprov.Option{geminiprov.WithTimeout(timeout)}
		if c.BaseURL != "" {
			opts = append(opts, geminiprov.WithBaseURL(c.BaseURL))
		}
		if c.DefaultModel != "" {
			opts = append(opts, geminiprov.WithDefaultModel(c.DefaultModel))
		}
		p, err := geminiprov.New(ctx, c.APIKey, opts...)
		if err != nil {
			return nil, err
		}
		if err := reg.Register(p); err != nil {
			return nil, err
		}
	}

	if c := cfg.Mistral; c.APIKey != "" {
		opts := []mistralprov.Option{mistralprov.WithTimeout(timeout)}
		if c.BaseURL != "" {
			opts = append(opts, mistralprov.WithBaseURL(c.BaseURL))
		}
		if c.DefaultModel != "" {
			opts = append(opts, mistralprov.WithDefaultModel(c.DefaultModel))
		}
		if err := reg.Register(mistralprov.New(c.APIKey, opts...)); err != nil {
			return nil, err
		}
	}

	for _, c := range cfg.Compatible {
		p := openaiprov.New(c.APIKey,
			openaiprov.WithName(c.Name),
			openaiprov.WithBaseURL(c.BaseURL),
			openaiprov.WithTimeout(timeout),
		)
		if err := reg.Register(p); err != nil {
			return nil, err
		}
	}

	if c := cfg.VertexAI; c.Project != "" {
		opts := []geminiprov.Option{geminiprov.WithTimeout(timeout)}
		if c.DefaultModel != "" {
			opts = append(opts, geminiprov.WithDefaultModel(c.DefaultModel))
		}
		p, err := geminiprov.NewVertex(ctx, c.Project, c.Location, opts...)
		if err != nil {
			return nil, err
		}
		if err := reg.Register(p); err != nil {
			return nil, err
		}
	}

	// Azure OpenAI's v1 surface speaks the OpenAI dialect with an api-key header.
	if c := cfg.Azure; c.APIKey != "" {
		opts := []openaiprov.Option{
			openaiprov.WithName("azure"),
			openaiprov.WithBaseURL(c.Endpoint + "/openai/v1"),
			openaiprov.WithHeader("api-key", c.APIKey),
			openaiprov.WithTimeout(timeout),
		}
		if c.Deployment != "" {
			opts = append(opts, openaiprov.WithDefaultModel(c.Deployment))
		}
		if err := reg.Register(openaiprov.New(c.APIKey, opts...)); err != nil {
			return nil, err
		}
	}

	if reg.Len() == 0 {
		return nil, fmt.Errorf("no provider credentials configured")
	}
	return reg, nil
}
