// Package openai adapts the OpenAI chat completions API. The same adapter
// serves OpenAI-compatible hosts (xAI, DeepSeek, Groq, ...) through WithName
// and WithBaseURL.
package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/nulpointcorp/provider-gateway/internal/providers"
	openaiSDK "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
)

const (
	defaultBaseURL = "https://api.openai.com/v1"
	defaultModel   = "gpt-4o-mini"
	providerName   = "openai"
)

var defaultPrices = providers.NewPriceTable(map[string]providers.Price{
	"gpt-4o":        {Input: 2.50, Output: 10.00, CachedInput: 1.25},
	"gpt-4o-mini":   {Input: 0.15, Output: 0.60, CachedInput: 0.075},
	"gpt-4.1":       {Input: 2.00, Output: 8.00, CachedInput: 0.50},
	"gpt-4.1-mini":  {Input: 0.40, Output: 1.60, CachedInput: 0.10},
	"gpt-4.1-nano":  {Input: 0.10, Output: 0.40, CachedInput: 0.025},
	"gpt-4-turbo":   {Input: 10.00, Output: 30.00},
	"gpt-3.5-turbo": {Input: 0.50, Output: 1.50},
	"o1":            {Input: 15.00, Output: 60.00, CachedInput: 7.50},
	"o3":            {Input: 2.00, Output: 8.00, CachedInput: 0.50},
	"o3-mini":       {Input: 1.10, Output: 4.40, CachedInput: 0.55},
	"o4-mini":       {Input: 1.10, Output: 4.40, CachedInput: 0.275},
	"deepseek-chat": {Input: 0.27, Output: 1.10, CachedInput: 0.07},
	"deepseek-r1":   {Input: 0.55, Output: 2.19},
	"grok-3":        {Input: 3.00, Output: 15.00},
	"grok-3-mini":   {Input: 0.30, Output: 0.50},
}, 0.5)

type Provider struct {
	name             string
	apiKey           string
	baseURL          string
	defaultModel     string
	defaultMaxTokens int
	timeout          time.Duration
	httpClient       *http.Client
	prices           *providers.PriceTable
	headers          map[string]string
	client           openaiSDK.Client
}

type Option func(*Provider)

// WithName overrides the adapter name, for OpenAI-compatible hosts.
func WithName(name string) Option {
	return func(p *Provider) { p.name = name }
}

func WithBaseURL(u string) Option {
	return func(p *Provider) { p.baseURL = u }
}

func WithDefaultModel(m string) Option {
	return func(p *Provider) { p.defaultModel = m }
}

func WithDefaultMaxTokens(n int) Option {
	return func(p *Provider) { p.defaultMaxTokens = n }
}

// WithTimeout bounds every upstream call. Defaults to providers.ProviderTimeout.
func WithTimeout(d time.Duration) Option {
	return func(p *Provider) { p.timeout = d }
}

func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.httpClient = c }
}

// WithHeader adds a header to every upstream request. Azure OpenAI
// authenticates with "api-key" instead of a bearer token.
func WithHeader(key, value string) Option {
	return func(p *Provider) {
		if p.headers == nil {
			p.headers = make(map[string]string)
		}
		p.headers[key] = value
	}
}

// WithPrices replaces the built-in price table.
func WithPrices(t *providers.PriceTable) Option {
	return func(p *Provider) { p.prices = t }
}

func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		name:         providerName,
		apiKey:       apiKey,
		baseURL:      defaultBaseURL,
		defaultModel: defaultModel,
		timeout:      providers.ProviderTimeout,
		prices:       defaultPrices,
	}

	for _, o := range opts {
		o(p)
	}

	if p.httpClient == nil {
		p.httpClient = &http.Client{Timeout: p.timeout}
	}

	// Retries belong to the gateway executor.
	reqOpts := []option.RequestOption{
		option.WithAPIKey(p.apiKey),
		option.WithBaseURL(p.baseURL),
		option.WithHTTPClient(p.httpClient),
		option.WithMaxRetries(0),
	}
	for k, v := range p.headers {
		reqOpts = append(reqOpts, option.WithHeader(k, v))
	}
	p.client = openaiSDK.NewClient(reqOpts...)

	return p
}

func (p *Provider) Name() string { return p.name }

func (p *Provider) CalculateCost(tokens providers.Tokens, model string, opts providers.CostOptions) float64 {
	return p.prices.Cost(tokens, model, opts)
}

func (p *Provider) Completion(ctx context.Context, messages []providers.Message, opts providers.Options) (*providers.Result, error) {
	if err := providers.ValidateMessages(messages); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	params := p.buildParams(messages, opts)

	var (
		resp *openaiSDK.ChatCompletion
		err  error
	)
	if opts.Stream {
		resp, err = p.stream(ctx, params)
	} else {
		resp, err = p.client.Chat.Completions.New(ctx, params)
	}
	if err != nil {
		return nil, providers.Sanitize(p.toProviderError(err), p.apiKey)
	}

	return p.toResult(resp, params.Model)
}

func (p *Provider) buildParams(messages []providers.Message, opts providers.Options) openaiSDK.ChatCompletionNewParams {
	msgs := make([]openaiSDK.ChatCompletionMessageParamUnion, 0, len(messages))
	for _, m := range messages {
		msgs = append(msgs, toSDKMessage(m.Role, m.Content))
	}

	model := opts.Model
	if model == "" {
		model = p.defaultModel
	}

	params := openaiSDK.ChatCompletionNewParams{
		Messages: msgs,
		Model:    model,
	}

	if opts.Temperature != nil {
		params.Temperature = openaiSDK.Float(*opts.Temperature)
	}
	if opts.TopP != nil {
		params.TopP = openaiSDK.Float(*opts.TopP)
	}

	maxTokens := opts.MaxTokens
	if maxTokens == 0 {
		maxTokens = p.defaultMaxTokens
	}
	if maxTokens > 0 {
		params.MaxCompletionTokens = openaiSDK.Int(int64(maxTokens))
	}

	if len(opts.Stop) > 0 {
		params.Stop = openaiSDK.ChatCompletionNewParamsStopUnion{OfStringArray: opts.Stop}
	}

	for _, t := range opts.Tools {
		def := openaiSDK.FunctionDefinitionParam{
			Name:       t.Name,
			Parameters: openaiSDK.FunctionParameters(t.Parameters),
		}
		if t.Description != "" {
			def.Description = openaiSDK.String(t.Description)
		}
		params.Tools = append(params.Tools, openaiSDK.ChatCompletionFunctionTool(def))
	}

	return params
}

// stream decodes the SSE stream and folds it into one completion.
func (p *Provider) stream(ctx context.Context, params openaiSDK.ChatCompletionNewParams) (*openaiSDK.ChatCompletion, error) {
	params.StreamOptions = openaiSDK.ChatCompletionStreamOptionsParam{IncludeUsage: openaiSDK.Bool(true)}

	s := p.client.Chat.Completions.NewStreaming(ctx, params)
	defer s.Close()

	acc := openaiSDK.ChatCompletionAccumulator{}
	for s.Next() {
		acc.AddChunk(s.Current())
	}
	if err := s.Err(); err != nil {
		return nil, err
	}
	return &acc.ChatCompletion, nil
}

func (p *Provider) toResult(resp *openaiSDK.ChatCompletion, requested string) (*providers.Result, error) {
	if resp == nil || len(resp.Choices) == 0 {
		return nil, providers.NewError(providers.KindInvalidResponse, p.name, "response has no choices")
	}

	choice := resp.Choices[0]
	res := &providers.Result{
		ID:           resp.ID,
		Content:      choice.Message.Content,
		Model:        resp.Model,
		Provider:     p.name,
		FinishReason: choice.FinishReason,
		Tokens: providers.NewTokens(
			int(resp.Usage.PromptTokens),
			int(resp.Usage.CompletionTokens),
			int(resp.Usage.TotalTokens),
			int(resp.Usage.PromptTokensDetails.CachedTokens),
		),
	}
	if res.Model == "" {
		res.Model = requested
	}
	for _, tc := range choice.Message.ToolCalls {
		res.ToolCalls = append(res.ToolCalls, providers.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}

	if err := res.Validate(); err != nil {
		return nil, err
	}
	return res, nil
}

func (p *Provider) toProviderError(err error) error {
	var apierr *openaiSDK.Error
	if errors.As(err, &apierr) {
		var header http.Header
		if apierr.Response != nil {
			header = apierr.Response.Header
		}
		msg := apierr.Message
		if msg == "" {
			msg = http.StatusText(apierr.StatusCode)
		}
		pe := providers.FromStatus(p.name, apierr.StatusCode, msg, header)
		pe.Type = apierr.Type
		pe.Code = apierr.Code
		return pe
	}
	return providers.FromTransport(p.name, fmt.Errorf("%s: %w", p.name, err))
}

func toSDKMessage(role, content string) openaiSDK.ChatCompletionMessageParamUnion {
	switch role {
	case providers.RoleSystem:
		return openaiSDK.SystemMessage(content)
	case providers.RoleAssistant:
		return openaiSDK.AssistantMessage(content)
	default:
		return openaiSDK.UserMessage(content)
	}
}
