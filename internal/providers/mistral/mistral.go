package mistral

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/nulpointcorp/provider-gateway/internal/providers"
)

const (
	defaultBaseURL = "https://api.mistral.ai/v1"
	defaultModel   = "mistral-small-latest"
	providerName   = "mistral"
)

var defaultPrices = providers.NewPriceTable(map[string]providers.Price{
	"mistral-large":  {Input: 2.00, Output: 6.00},
	"mistral-medium": {Input: 0.40, Output: 2.00},
	"mistral-small":  {Input: 0.10, Output: 0.30},
	"codestral":      {Input: 0.30, Output: 0.90},
	"ministral-8b":   {Input: 0.10, Output: 0.10},
	"ministral-3b":   {Input: 0.04, Output: 0.04},
	"open-mistral":   {Input: 0.25, Output: 0.25},
	"pixtral-large":  {Input: 2.00, Output: 6.00},
}, 0.5)

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Stream      bool          `json:"stream,omitempty"`
	Temperature *float64      `json:"temperature,omitempty"`
	TopP        *float64      `json:"top_p,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Stop        []string      `json:"stop,omitempty"`
	Tools       []chatTool    `json:"tools,omitempty"`
}

type chatMessage struct {
	Role      string     `json:"role"`
	Content   string     `json:"content"`
	ToolCalls []toolCall `json:"tool_calls,omitempty"`
}

type chatTool struct {
	Type     string       `json:"type"`
	Function toolFunction `json:"function"`
}

type toolFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type toolCall struct {
	ID       string `json:"id"`
	Index    int    `json:"index"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type chatResponse struct {
	ID      string   `json:"id"`
	Model   string   `json:"model"`
	Choices []choice `json:"choices"`
	Usage   *usage   `json:"usage,omitempty"`
	Error   *apiErr  `json:"error,omitempty"`
}

type choice struct {
	Message      *chatMessage `json:"message,omitempty"`
	Delta        *chatMessage `json:"delta,omitempty"`
	FinishReason string       `json:"finish_reason"`
}

type usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type apiErr struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    any    `json:"code"`
}

// errorBody covers both the flat and the wrapped error envelopes.
type errorBody struct {
	apiErr
	Error *apiErr `json:"error,omitempty"`
}

type Provider struct {
	apiKey           string
	baseURL          string
	defaultModel     string
	defaultMaxTokens int
	timeout          time.Duration
	client           *http.Client
}

type Option func(*Provider)

func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = strings.TrimRight(url, "/") }
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
	return func(p *Provider) { p.client = c }
}

func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:       apiKey,
		baseURL:      defaultBaseURL,
		defaultModel: defaultModel,
		timeout:      providers.ProviderTimeout,
	}
	for _, o := range opts {
		o(p)
	}
	if p.client == nil {
		p.client = &http.Client{Timeout: p.timeout}
	}
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

	cr := p.buildRequest(messages, opts)
	body, err := json.Marshal(cr)
	if err != nil {
		return nil, providers.NewError(providers.KindInvalidRequest, providerName, "unencodable request").WithCause(err)
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, providers.NewError(providers.KindInvalidRequest, providerName, "bad base url").WithCause(err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")
	if cr.Stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, providers.Sanitize(providers.FromTransport(providerName, err), p.apiKey)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, providers.Sanitize(parseError(resp), p.apiKey)
	}

	var out *chatResponse
	if cr.Stream {
		out, err = readStream(resp.Body)
	} else {
		out, err = readResponse(resp.Body)
	}
	if err != nil {
		return nil, providers.Sanitize(err, p.apiKey)
	}

	return toResult(out, cr.Model)
}

func (p *Provider) buildRequest(messages []providers.Message, opts providers.Options) chatRequest {
	msgs := make([]chatMessage, len(messages))
	for i, m := range messages {
		msgs[i] = chatMessage{Role: m.Role, Content: m.Content}
	}

	cr := chatRequest{
		Model:       opts.Model,
		Messages:    msgs,
		Stream:      opts.Stream,
		Temperature: opts.Temperature,
		TopP:        opts.TopP,
		MaxTokens:   opts.MaxTokens,
		Stop:        opts.Stop,
	}
	if cr.Model == "" {
		cr.Model = p.defaultModel
	}
	if cr.MaxTokens == 0 {
		cr.MaxTokens = p.defaultMaxTokens
	}
	for _, t := range opts.Tools {
		cr.Tools = append(cr.Tools, chatTool{
			Type:     "function",
			Function: toolFunction{Name: t.Name, Description: t.Description, Parameters: t.Parameters},
		})
	}
	return cr
}

func readResponse(r io.Reader) (*chatResponse, error) {
	var cr chatResponse
	if err := json.NewDecoder(r).Decode(&cr); err != nil {
		return nil, providers.NewError(providers.KindInvalidResponse, providerName, "decode response").WithCause(err)
	}
	return &cr, nil
}

// readStream decodes "data: " SSE lines and folds the deltas into one
// response.
func readStream(r io.Reader) (*chatResponse, error) {
	out := &chatResponse{Choices: []choice{{Message: &chatMessage{Role: providers.RoleAssistant}}}}
	msg := out.Choices[0].Message
	var content strings.Builder
	seen := false

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			break
		}

		var chunk chatResponse
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			return nil, providers.NewError(providers.KindInvalidResponse, providerName, "malformed stream chunk").WithCause(err)
		}
		seen = true
		if chunk.ID != "" {
			out.ID = chunk.ID
		}
		if chunk.Model != "" {
			out.Model = chunk.Model
		}
		if chunk.Usage != nil {
			out.Usage = chunk.Usage
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		c := chunk.Choices[0]
		if c.FinishReason != "" {
			out.Choices[0].FinishReason = c.FinishReason
		}
		if c.Delta == nil {
			continue
		}
		content.WriteString(c.Delta.Content)
		msg.ToolCalls = mergeToolCalls(msg.ToolCalls, c.Delta.ToolCalls)
	}
	if err := scanner.Err(); err != nil {
		return nil, providers.FromTransport(providerName, err)
	}
	if !seen {
		return nil, providers.NewError(providers.KindInvalidResponse, providerName, "empty stream")
	}

	msg.Content = content.String()
	return out, nil
}

func mergeToolCalls(acc, delta []toolCall) []toolCall {
	for _, d := range delta {
		for len(acc) <= d.Index {
			acc = append(acc, toolCall{Index: len(acc)})
		}
		tc := &acc[d.Index]
		if d.ID != "" {
			tc.ID = d.ID
		}
		tc.Function.Name += d.Function.Name
		tc.Function.Arguments += d.Function.Arguments
	}
	return acc
}

func toResult(cr *chatResponse, requested string) (*providers.Result, error) {
	if cr == nil || len(cr.Choices) == 0 || cr.Choices[0].Message == nil {
		return nil, providers.NewError(providers.KindInvalidResponse, providerName, "response has no choices")
	}
	c := cr.Choices[0]

	res := &providers.Result{
		ID:           cr.ID,
		Content:      c.Message.Content,
		Model:        cr.Model,
		Provider:     providerName,
		FinishReason: c.FinishReason,
	}
	if res.Model == "" {
		res.Model = requested
	}
	if cr.Usage != nil {
		res.Tokens = providers.NewTokens(cr.Usage.PromptTokens, cr.Usage.CompletionTokens, cr.Usage.TotalTokens, 0)
	}
	for _, tc := range c.Message.ToolCalls {
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

func parseError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))

	msg := ""
	var eb errorBody
	var detail *apiErr
	if json.Unmarshal(body, &eb) == nil {
		switch {
		case eb.Error != nil:
			detail = eb.Error
		case eb.Message != "":
			detail = &eb.apiErr
		}
	}
	if detail != nil {
		msg = detail.Message
	} else {
		msg = fmt.Sprintf("unexpected status %d", resp.StatusCode)
	}

	pe := providers.FromStatus(providerName, resp.StatusCode, msg, resp.Header)
	if detail != nil {
		pe.Type = detail.Type
		if detail.Code != nil {
			pe.Code = fmt.Sprint(detail.Code)
		}
	}
	return pe
}
