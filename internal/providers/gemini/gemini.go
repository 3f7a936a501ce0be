package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"google.golang.org/genai"

	"github.com/nulpointcorp/provider-gateway/internal/providers"
)

const (
	defaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"
	defaultModel   = "gemini-2.0-flash"
	providerName   = "gemini"

	vertexName            = "vertexai"
	defaultVertexLocation = "us-central1"
)

var defaultPrices = providers.NewPriceTable(map[string]providers.Price{
	"gemini-2.5-pro":        {Input: 1.25, Output: 10.00, CachedInput: 0.31},
	"gemini-2.5-flash":      {Input: 0.30, Output: 2.50, CachedInput: 0.075},
	"gemini-2.5-flash-lite": {Input: 0.10, Output: 0.40, CachedInput: 0.025},
	"gemini-2.0-flash":      {Input: 0.10, Output: 0.40, CachedInput: 0.025},
	"gemini-2.0-flash-lite": {Input: 0.075, Output: 0.30},
	"gemini-1.5-pro":        {Input: 1.25, Output: 5.00, CachedInput: 0.3125},
	"gemini-1.5-flash":      {Input: 0.075, Output: 0.30, CachedInput: 0.01875},
}, 0.5)

// Provider implements providers.Adapter for Google Gemini (official GenAI SDK).
type Provider struct {
	name             string
	apiKey           string
	baseURL          string
	defaultModel     string
	defaultMaxTokens int
	timeout          time.Duration
	client           *genai.Client
	httpClient       *http.Client
}

// Option configures a Provider.
type Option func(*Provider)

// WithBaseURL overrides the API base URL (useful for testing). A trailing
// version segment such as "/v1beta" becomes the SDK API version.
func WithBaseURL(u string) Option {
	return func(p *Provider) { p.baseURL = u }
}

func WithDefaultModel(m string) Option {
	return func(p *Provider) { p.defaultModel = m }
}

func WithDefaultMaxTokens(n int) Option {
	return func(p *Provider) { p.defaultMaxTokens = n }
}

func WithTimeout(d time.Duration) Option {
	return func(p *Provider) { p.timeout = d }
}

func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.httpClient = c }
}

// New creates a new Gemini Provider.
func New(ctx context.Context, apiKey string, opts ...Option) (*Provider, error) {
	if ctx == nil {
		panic("gemini: context must not be nil")
	}
	p := &Provider{
		name:         providerName,
		apiKey:       apiKey,
		baseURL:      defaultBaseURL,
		defaultModel: defaultModel,
		timeout:      providers.ProviderTimeout,
	}
	for _, o := range opts {
		o(p)
	}

	if p.httpClient == nil {
		p.httpClient = &http.Client{Timeout: p.timeout}
	}

	base, ver := splitBaseURLAndVersion(p.baseURL)

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:      p.apiKey,
		Backend:     genai.BackendGeminiAPI,
		HTTPClient:  p.httpClient,
		HTTPOptions: genai.HTTPOptions{BaseURL: base, APIVersion: ver},
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: new client: %w", providers.Sanitize(err, apiKey))
	}
	p.client = client

	return p, nil
}

// NewVertex creates an adapter named "vertexai" that reaches Gemini models
// through Vertex AI in project/location. Credentials come from Application
// Default Credentials.
func NewVertex(ctx context.Context, project, location string, opts ...Option) (*Provider, error) {
	if ctx == nil {
		panic("gemini: context must not be nil")
	}
	if project == "" {
		return nil, fmt.Errorf("gemini: vertex project must not be empty")
	}
	if location == "" {
		location = defaultVertexLocation
	}
	p := &Provider{
		name:         vertexName,
		defaultModel: defaultModel,
		timeout:      providers.ProviderTimeout,
	}
	for _, o := range opts {
		o(p)
	}
	if p.httpClient == nil {
		p.httpClient = &http.Client{Timeout: p.timeout}
	}

	cc := &genai.ClientConfig{
		Project:    project,
		Location:   location,
		Backend:    genai.BackendVertexAI,
		HTTPClient: p.httpClient,
	}
	if p.baseURL != "" {
		base, ver := splitBaseURLAndVersion(p.baseURL)
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: base, APIVersion: ver}
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("gemini: new vertex client: %w", err)
	}
	p.client = client
	return p, nil
}

func (p *Provider) Name() string { return p.name }

func (p *Provider) CalculateCost(tokens providers.Tokens, model string, opts providers.CostOptions) float64 {
	return defaultPrices.Cost(tokens, model, opts)
}

func (p *Provider) Completion(ctx context.Context, messages []providers.Message, opts providers.Options) (*providers.Result, error) {
	if err := providers.ValidateMessages(messages); err != nil {
		return nil, err
	}

	contents, cfg, err := p.buildContentsAndConfig(messages, opts)
	if err != nil {
		return nil, err
	}

	model := opts.Model
	if model == "" {
		model = p.defaultModel
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	var resp *genai.GenerateContentResponse
	if opts.Stream {
		resp, err = p.stream(ctx, model, contents, cfg)
	} else {
		resp, err = p.client.Models.GenerateContent(ctx, model, contents, cfg)
	}
	if err != nil {
		return nil, p.attribute(providers.Sanitize(toProviderError(err), p.apiKey))
	}

	res, err := toResult(resp, model)
	if err != nil {
		return nil, p.attribute(err)
	}
	res.Provider = p.name
	return res, nil
}

// attribute names this adapter on err, which matters for the Vertex variant.
func (p *Provider) attribute(err error) error {
	var pe *providers.ProviderError
	if errors.As(err, &pe) {
		pe.Provider = p.name
	}
	return err
}

func (p *Provider) buildContentsAndConfig(messages []providers.Message, opts providers.Options) ([]*genai.Content, *genai.GenerateContentConfig, error) {
	var system []string
	contents := make([]*genai.Content, 0, len(messages))

	for _, m := range messages {
		switch m.Role {
		case providers.RoleSystem:
			system = append(system, m.Content)
		case providers.RoleAssistant:
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleModel))
		default:
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleUser))
		}
	}
	if len(contents) == 0 {
		return nil, nil, &providers.MessageError{Index: -1, Reason: "gemini requires at least one user or assistant message"}
	}

	maxTokens := opts.MaxTokens
	if maxTokens == 0 {
		maxTokens = p.defaultMaxTokens
	}

	if len(system) == 0 && opts.Temperature == nil && opts.TopP == nil &&
		maxTokens == 0 && len(opts.Stop) == 0 && len(opts.Tools) == 0 {
		return contents, nil, nil
	}

	cfg := &genai.GenerateContentConfig{}
	if len(system) > 0 {
		cfg.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: strings.Join(system, "\n")}},
		}
	}
	if opts.Temperature != nil {
		cfg.Temperature = genai.Ptr(float32(*opts.Temperature))
	}
	if opts.TopP != nil {
		cfg.TopP = genai.Ptr(float32(*opts.TopP))
	}
	if maxTokens > 0 {
		cfg.MaxOutputTokens = int32(maxTokens)
	}
	if len(opts.Stop) > 0 {
		cfg.StopSequences = opts.Stop
	}
	if len(opts.Tools) > 0 {
		decls := make([]*genai.FunctionDeclaration, 0, len(opts.Tools))
		for _, t := range opts.Tools {
			decl := &genai.FunctionDeclaration{Name: t.Name, Description: t.Description}
			if t.Parameters != nil {
				decl.ParametersJsonSchema = t.Parameters
			}
			decls = append(decls, decl)
		}
		cfg.Tools = []*genai.Tool{{FunctionDeclarations: decls}}
	}

	return contents, cfg, nil
}

// stream folds the SSE chunks into a single response.
func (p *Provider) stream(
	ctx context.Context,
	model string,
	contents []*genai.Content,
	cfg *genai.GenerateContentConfig,
) (*genai.GenerateContentResponse, error) {
	var (
		text   strings.Builder
		calls  []*genai.Part
		last   *genai.GenerateContentResponse
		finish genai.FinishReason
	)

	for resp, err := range p.client.Models.GenerateContentStream(ctx, model, contents, cfg) {
		if err != nil {
			return nil, err
		}
		if resp == nil {
			continue
		}
		last = resp
		if len(resp.Candidates) == 0 || resp.Candidates[0] == nil {
			continue
		}
		c := resp.Candidates[0]
		if c.FinishReason != "" {
			finish = c.FinishReason
		}
		if c.Content == nil {
			continue
		}
		for _, part := range c.Content.Parts {
			if part == nil {
				continue
			}
			if part.FunctionCall != nil {
				calls = append(calls, part)
			} else if part.Text != "" {
				text.WriteString(part.Text)
			}
		}
	}

	if last == nil {
		return nil, providers.NewError(providers.KindInvalidResponse, providerName, "empty stream")
	}

	parts := make([]*genai.Part, 0, len(calls)+1)
	if text.Len() > 0 {
		parts = append(parts, &genai.Part{Text: text.String()})
	}
	parts = append(parts, calls...)

	return &genai.GenerateContentResponse{
		ResponseID:    last.ResponseID,
		ModelVersion:  last.ModelVersion,
		UsageMetadata: last.UsageMetadata,
		Candidates: []*genai.Candidate{{
			Content:      &genai.Content{Role: genai.RoleModel, Parts: parts},
			FinishReason: finish,
		}},
	}, nil
}

func toResult(resp *genai.GenerateContentResponse, requested string) (*providers.Result, error) {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0] == nil {
		return nil, providers.NewError(providers.KindInvalidResponse, providerName, "response has no candidates")
	}

	c := resp.Candidates[0]
	res := &providers.Result{
		ID:           resp.ResponseID,
		Content:      candidateText(c),
		Model:        resp.ModelVersion,
		Provider:     providerName,
		FinishReason: string(c.FinishReason),
	}
	if res.ID == "" {
		res.ID = "gemini-" + uuid.NewString()
	}
	if res.Model == "" {
		res.Model = requested
	}
	if u := resp.UsageMetadata; u != nil {
		res.Tokens = providers.NewTokens(
			int(u.PromptTokenCount),
			int(u.CandidatesTokenCount),
			int(u.TotalTokenCount),
			int(u.CachedContentTokenCount),
		)
	}

	if c.Content != nil {
		for i, part := range c.Content.Parts {
			if part == nil || part.FunctionCall == nil {
				continue
			}
			args, err := json.Marshal(part.FunctionCall.Args)
			if err != nil {
				return nil, providers.NewError(providers.KindInvalidResponse, providerName, "unencodable function call arguments").WithCause(err)
			}
			id := part.FunctionCall.ID
			if id == "" {
				id = "call_" + strconv.Itoa(i)
			}
			res.ToolCalls = append(res.ToolCalls, providers.ToolCall{ID: id, Name: part.FunctionCall.Name, Arguments: string(args)})
		}
	}

	if err := res.Validate(); err != nil {
		return nil, err
	}
	return res, nil
}

func candidateText(c *genai.Candidate) string {
	if c == nil || c.Content == nil || len(c.Content.Parts) == 0 {
		return ""
	}
	var sb strings.Builder
	for _, p := range c.Content.Parts {
		if p != nil && p.Text != "" && !p.Thought {
			sb.WriteString(p.Text)
		}
	}
	return sb.String()
}

func splitBaseURLAndVersion(raw string) (baseURL string, apiVersion string) {
	u, err := url.Parse(raw)
	if err != nil {
		return raw, ""
	}

	path := strings.Trim(u.Path, "/")
	if path == "" {
		return withSlash(u.String()), ""
	}

	parts := strings.Split(path, "/")
	if last := parts[len(parts)-1]; looksLikeAPIVersion(last) {
		apiVersion = last
		parts = parts[:len(parts)-1]
	}

	u.Path = "/" + strings.Join(parts, "/")
	if u.Path == "/" {
		u.Path = ""
	}
	return withSlash(u.String()), apiVersion
}

func withSlash(s string) string {
	if !strings.HasSuffix(s, "/") {
		return s + "/"
	}
	return s
}

// looksLikeAPIVersion matches "v1", "v1beta", "v2alpha" and the like.
func looksLikeAPIVersion(s string) bool {
	return len(s) >= 2 && s[0] == 'v' && s[1] >= '0' && s[1] <= '9'
}

func toProviderError(err error) error {
	var pe *providers.ProviderError
	if errors.As(err, &pe) {
		return err
	}
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		out := providers.FromStatus(providerName, apiErr.Code, apiErr.Message, nil)
		out.Type = apiErr.Status
		out.Code = strconv.Itoa(apiErr.Code)
		if d := retryDelay(apiErr.Details); d > 0 {
			out.RetryAfter = d
		}
		return out
	}
	return providers.FromTransport(providerName, fmt.Errorf("gemini: %w", err))
}

// retryDelay reads the google.rpc.RetryInfo detail ("retryDelay": "7s").
func retryDelay(details []map[string]any) time.Duration {
	for _, d := range details {
		if t, _ := d["@type"].(string); !strings.HasSuffix(t, "google.rpc.RetryInfo") {
			continue
		}
		if s, ok := d["retryDelay"].(string); ok {
			if dur, err := time.ParseDuration(s); err == nil {
				return dur
			}
		}
	}
	return 0
}
