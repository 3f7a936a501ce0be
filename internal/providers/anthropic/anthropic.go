// Package anthropic adapts the Anthropic Messages API through the official SDK.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/nulpointcorp/provider-gateway/internal/providers"
)

const (
	defaultBaseURL   = "https://api.anthropic.com/"
	defaultModel     = "claude-3-5-haiku-latest"
	providerName     = "anthropic"
	defaultMaxTokens = 4096
)

var defaultPrices = providers.NewPriceTable(map[string]providers.Price{
	"claude-opus-4":     {Input: 15.00, Output: 75.00, CachedInput: 1.50},
	"claude-sonnet-4":   {Input: 3.00, Output: 15.00, CachedInput: 0.30},
	"claude-3-7-sonnet": {Input: 3.00, Output: 15.00, CachedInput: 0.30},
	"claude-3-5-sonnet": {Input: 3.00, Output: 15.00, CachedInput: 0.30},
	"claude-3-5-haiku":  {Input: 0.80, Output: 4.00, CachedInput: 0.08},
	"claude-3-opus":     {Input: 15.00, Output: 75.00, CachedInput: 1.50},
	"claude-3-haiku":    {Input: 0.25, Output: 1.25, CachedInput: 0.03},
}, 0.5)

// Provider implements providers.Adapter for Anthropic.
type Provider struct {
	apiKey           string
	baseURL          string
	defaultModel     string
	defaultMaxTokens int
	timeout          time.Duration
	httpClient       *http.Client
	client           anthropic.Client
}

// Option configures a Provider.
type Option func(*Provider)

// WithBaseURL overrides the API base URL (useful for testing).
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
}

func WithDefaultModel(m string) Option {
	return func(p *Provider) { p.defaultModel = m }
}

// WithDefaultMaxTokens sets max_tokens when the caller gives none.
// Anthropic requires the field on every request.
func WithDefaultMaxTokens(n int) Option {
	return func(p *Provider) {
		if n > 0 {
			p.defaultMaxTokens = n
		}
	}
}

func WithTimeout(d time.Duration) Option {
	return func(p *Provider) { p.timeout = d }
}

func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.httpClient = c }
}

// New creates a new Anthropic Provider.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:           apiKey,
		baseURL:          defaultBaseURL,
		defaultModel:     defaultModel,
		defaultMaxTokens: defaultMaxTokens,
		timeout:          providers.ProviderTimeout,
	}
	for _, o := range opts {
		o(p)
	}

	if p.httpClient == nil {
		p.httpClient = &http.Client{Timeout: p.timeout}
	}

	p.client = anthropic.NewClient(
		option.WithAPIKey(p.apiKey),
		option.WithBaseURL(p.baseURL),
		option.WithHTTPClient(p.httpClient),
		option.WithMaxRetries(0),
	)

	return p
}

func (p *Provider) Name() string { return providerName }

func (p *Provider) CalculateCost(tokens providers.Tokens, model string, opts providers.CostOptions) float64 {
	return defaultPrices.Cost(tokens, model, opts)
}

func (p *Provider) Completion(ctx context.Context, messages []providers.Message, opts providers.Options) (*providers.Result, error) {
	if err := providers.ValidateMessages(messages); err != nil {
		return nil, err
	}
	params, err := p.buildParams(messages, opts)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	var msg *anthropic.Message
	if opts.Stream {
		msg, err = p.stream(ctx, params)
	} else {
		msg, err = p.client.Messages.New(ctx, params)
	}
	if err != nil {
		return nil, providers.Sanitize(toProviderError(err), p.apiKey)
	}

	return toResult(msg, string(params.Model))
}

func (p *Provider) buildParams(messages []providers.Message, opts providers.Options) (anthropic.MessageNewParams, error) {
	system, turns, err := normalizeTurns(messages)
	if err != nil {
		return anthropic.MessageNewParams{}, err
	}

	msgs := make([]anthropic.MessageParam, 0, len(turns))
	for _, m := range turns {
		if m.Role == providers.RoleAssistant {
			msgs = append(msgs, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Content)))
		} else {
			msgs = append(msgs, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		}
	}

	model := opts.Model
	if model == "" {
		model = p.defaultModel
	}
	maxTokens := opts.MaxTokens
	if maxTokens == 0 {
		maxTokens = p.defaultMaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: int64(maxTokens),
		Messages:  msgs,
	}

	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	if opts.Temperature != nil {
		params.Temperature = anthropic.Float(*opts.Temperature)
	}
	if opts.TopP != nil {
		params.TopP = anthropic.Float(*opts.TopP)
	}
	if len(opts.Stop) > 0 {
		params.StopSequences = opts.Stop
	}

	for _, t := range opts.Tools {
		schema := anthropic.ToolInputSchemaParam{}
		if props, ok := t.Parameters["properties"]; ok {
			schema.Properties = props
		}
		if req, ok := t.Parameters["required"].([]any); ok {
			for _, r := range req {
				if s, ok := r.(string); ok {
					schema.Required = append(schema.Required, s)
				}
			}
		} else if req, ok := t.Parameters["required"].([]string); ok {
			schema.Required = req
		}
		tool := anthropic.ToolUnionParamOfTool(schema, t.Name)
		if t.Description != "" {
			tool.OfTool.Description = anthropic.String(t.Description)
		}
		params.Tools = append(params.Tools, tool)
	}

	return params, nil
}

// normalizeTurns hoists system messages into one system prompt, merges
// consecutive same-role turns and checks the conversation opens with a user
// turn.
func normalizeTurns(messages []providers.Message) (string, []providers.Message, error) {
	var system []string
	turns := make([]providers.Message, 0, len(messages))

	for _, m := range messages {
		if m.Role == providers.RoleSystem {
			system = append(system, m.Content)
			continue
		}
		if n := len(turns); n > 0 && turns[n-1].Role == m.Role {
			turns[n-1].Content += "\n\n" + m.Content
			continue
		}
		turns = append(turns, m)
	}

	if len(turns) == 0 {
		return "", nil, &providers.MessageError{Index: -1, Reason: "anthropic requires at least one user message"}
	}
	if turns[0].Role != providers.RoleUser {
		return "", nil, &providers.MessageError{Index: 0, Reason: "anthropic conversations must start with a user message"}
	}
	return strings.Join(system, "\n"), turns, nil
}

func (p *Provider) stream(ctx context.Context, params anthropic.MessageNewParams) (*anthropic.Message, error) {
	s := p.client.Messages.NewStreaming(ctx, params)
	defer s.Close()

	msg := anthropic.Message{}
	for s.Next() {
		if err := msg.Accumulate(s.Current()); err != nil {
			return nil, providers.NewError(providers.KindInvalidResponse, providerName, "malformed stream event").WithCause(err)
		}
	}
	if err := s.Err(); err != nil {
		return nil, err
	}
	return &msg, nil
}

func toResult(msg *anthropic.Message, requested string) (*providers.Result, error) {
	if msg == nil || len(msg.Content) == 0 {
		return nil, providers.NewError(providers.KindInvalidResponse, providerName, "response has no content blocks")
	}

	var sb strings.Builder
	var calls []providers.ToolCall
	for _, b := range msg.Content {
		switch b.Type {
		case "text":
			sb.WriteString(b.Text)
		case "tool_use":
			calls = append(calls, providers.ToolCall{ID: b.ID, Name: b.Name, Arguments: string(b.Input)})
		}
	}

	res := &providers.Result{
		ID:           msg.ID,
		Content:      sb.String(),
		Model:        string(msg.Model),
		Provider:     providerName,
		FinishReason: string(msg.StopReason),
		ToolCalls:    calls,
		Tokens:       usageTokens(msg.Usage),
	}
	if res.Model == "" {
		res.Model = requested
	}
	if err := res.Validate(); err != nil {
		return nil, err
	}
	return res, nil
}

// usageTokens folds cache reads and writes into the prompt count. Anthropic
// reports them apart from input_tokens.
func usageTokens(u anthropic.Usage) providers.Tokens {
	prompt := u.InputTokens + u.CacheReadInputTokens + u.CacheCreationInputTokens
	return providers.NewTokens(int(prompt), int(u.OutputTokens), 0, int(u.CacheReadInputTokens))
}

type errorEnvelope struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

func toProviderError(err error) error {
	var pe *providers.ProviderError
	if errors.As(err, &pe) {
		return err
	}
	var apierr *anthropic.Error
	if errors.As(err, &apierr) {
		var env errorEnvelope
		_ = json.Unmarshal([]byte(apierr.RawJSON()), &env)

		var header http.Header
		if apierr.Response != nil {
			header = apierr.Response.Header
		}
		out := providers.FromStatus(providerName, apierr.StatusCode, env.Error.Message, header)
		out.Type = env.Error.Type
		out.Code = apierr.RequestID
		return out
	}
	return providers.FromTransport(providerName, fmt.Errorf("anthropic: %w", err))
}
