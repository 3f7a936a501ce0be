// Package providers defines the common interfaces and types used by all
// backend adapters (OpenAI, Anthropic, Gemini, Mistral and OpenAI-compatible
// hosts).
//
// Each adapter lives in its own sub-package and implements the Adapter
// interface. The gateway only ever talks to adapters through this package.
package providers

import (
	"context"
	"time"
)

// Message roles accepted by the gateway.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

type (
	// Message is a single turn in a conversation (role + text content).
	Message struct {
		Role    string `json:"role" validate:"required,oneof=system user assistant"`
		Content string `json:"content" validate:"required"`
	}

	// Tool describes a function the model may call.
	Tool struct {
		Name        string         `json:"name"`
		Description string         `json:"description,omitempty"`
		Parameters  map[string]any `json:"parameters,omitempty"`
	}

	// ToolCall is a function invocation requested by the model.
	// Arguments holds the raw JSON arguments string.
	ToolCall struct {
		ID        string `json:"id"`
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	}

	// Tokens is the token usage of one completion.
	Tokens struct {
		Prompt     int `json:"prompt"`
		Completion int `json:"completion"`
		Total      int `json:"total"`
		// Cached is the part of Prompt served from the backend's prompt cache.
		Cached int `json:"cached,omitempty"`
	}

	// Result is the backend-agnostic outcome of a successful completion.
	Result struct {
		ID           string     `json:"id"`
		Content      string     `json:"content"`
		Model        string     `json:"model"`
		Provider     string     `json:"provider"`
		Tokens       Tokens     `json:"tokens"`
		FinishReason string     `json:"finish_reason"`
		ToolCalls    []ToolCall `json:"tool_calls,omitempty"`
	}

	// CostOptions modifies price lookup for a single calculation.
	CostOptions struct {
		// Batch applies the adapter's batch-mode discount.
		Batch bool
	}
)

// Adapter translates generic completion requests to one backend's wire format.
type Adapter interface {
	Name() string
	Completion(ctx context.Context, messages []Message, opts Options) (*Result, error)
	CalculateCost(tokens Tokens, model string, opts CostOptions) float64
}

// Default timeouts and retry budget.
const (
	MaxRetries      = 3
	BaseDelay       = time.Second
	ProviderTimeout = 30 * time.Second
)

// StatusCoder is implemented by errors that carry an upstream HTTP status.
type StatusCoder interface {
	HTTPStatus() int
}

// Validate reports whether r is structurally complete: model and provider
// set, content or tool calls present, and a positive token total.
func (r *Result) Validate() error {
	switch {
	case r == nil:
		return NewError(KindInvalidResponse, "", "empty result")
	case r.Provider == "":
		return NewError(KindInvalidResponse, "", "result has no provider")
	case r.Model == "":
		return NewError(KindInvalidResponse, r.Provider, "result has no model")
	case r.Content == "" && len(r.ToolCalls) == 0:
		return NewError(KindInvalidResponse, r.Provider, "result has no content")
	case r.Tokens.Total <= 0:
		return NewError(KindInvalidResponse, r.Provider, "result has no token usage")
	}
	return nil
}

// NewTokens builds a Tokens value, deriving Total when the backend omits it.
func NewTokens(prompt, completion, total, cached int) Tokens {
	if total <= 0 {
		total = prompt + completion
	}
	return Tokens{Prompt: prompt, Completion: completion, Total: total, Cached: cached}
}
