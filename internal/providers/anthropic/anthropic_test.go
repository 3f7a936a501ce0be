package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/anthropics/anthropic-sdk-go"

	"github.com/nulpointcorp/provider-gateway/internal/providers"
)

const testKey = "mock-api-key"

func newTestProvider(srv *httptest.Server, opts ...Option) *Provider {
	return New(testKey, append([]Option{WithBaseURL(srv.URL)}, opts...)...)
}

func baseMessages() []providers.Message {
	return []providers.Message{{Role: providers.RoleUser, Content: "Hello"}}
}

func baseOptions() providers.Options {
	return providers.Options{Model: "claude-3-5-sonnet"}
}

func isMessagesPath(p string) bool {
	return p == "/messages" || p == "/v1/messages"
}

func decodeJSONMap(t *testing.T, r *http.Request) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.NewDecoder(r.Body).Decode(&m); err != nil {
		t.Errorf("failed to decode request body as json: %v", err)
	}
	return m
}

func jsonFloatToInt(v any) (int, bool) {
	f, ok := v.(float64)
	if !ok {
		return 0, false
	}
	return int(f), true
}

func systemAsText(v any) (string, bool) {
	switch s := v.(type) {
	case string:
		return s, true
	case []any:
		if len(s) == 0 {
			return "", true
		}
		if m, ok := s[0].(map[string]any); ok {
			if txt, ok := m["text"].(string); ok {
				return txt, true
			}
		}
	}
	return "", false
}

func respondMessageJSON(w http.ResponseWriter, id, model string, content []map[string]any, inTok, outTok int) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"id":            id,
		"type":          "message",
		"role":          "assistant",
		"model":         model,
		"content":       content,
		"stop_reason":   "end_turn",
		"stop_sequence": nil,
		"usage": map[string]any{
			"input_tokens":            inTok,
			"output_tokens":           outTok,
			"cache_read_input_tokens": 2,
		},
	})
}

func textContent(s string) []map[string]any {
	return []map[string]any{{"type": "text", "text": s}}
}

func respondErrorJSON(w http.ResponseWriter, status int, errType, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"type": "error",
		"error": map[string]any{
			"type":    errType,
			"message": msg,
		},
	})
}

func requireProviderError(t *testing.T, err error, wantStatus int) *providers.ProviderError {
	t.Helper()
	if err == nil {
		t.Fatalf("expected error, got nil")
	}
	var pe *providers.ProviderError
	if !errors.As(err, &pe) {
		t.Fatalf("expected *providers.ProviderError (via errors.As), got %T: %v", err, err)
	}
	if pe.StatusCode != wantStatus {
		t.Fatalf("expected status=%d, got %d", wantStatus, pe.StatusCode)
	}
	if pe.HTTPStatus() != wantStatus {
		t.Fatalf("expected HTTPStatus()=%d, got %d", wantStatus, pe.HTTPStatus())
	}
	if pe.Provider != "anthropic" {
		t.Fatalf("expected Provider='anthropic', got %q", pe.Provider)
	}
	return pe
}

func TestProvider_Name(t *testing.T) {
	if got := New("key").Name(); got != "anthropic" {
		t.Fatalf("expected 'anthropic', got %q", got)
	}
}

func TestProvider_Completion_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		if !isMessagesPath(r.URL.Path) {
			t.Errorf("expected path ending with /messages, got %s", r.URL.Path)
		}
		if got := r.Header.Get("x-api-key"); got != testKey {
			t.Errorf("missing or wrong x-api-key header: %q", got)
		}
		if got := r.Header.Get("anthropic-version"); got == "" {
			t.Errorf("expected anthropic-version header to be present")
		}

		body := decodeJSONMap(t, r)
		if body["model"] != "claude-3-5-sonnet" {
			t.Errorf("expected model=%q, got %#v", "claude-3-5-sonnet", body["model"])
		}
		if got, ok := jsonFloatToInt(body["max_tokens"]); !ok || got != defaultMaxTokens {
			t.Errorf("expected max_tokens=%d, got %#v", defaultMaxTokens, body["max_tokens"])
		}
		if _, ok := body["system"]; ok {
			t.Errorf("did not expect system field, got %#v", body["system"])
		}

		respondMessageJSON(w, "msg-123", "claude-3-5-sonnet-20241022", textContent("Hello, world!"), 10, 5)
	}))
	defer srv.Close()

	res, err := newTestProvider(srv).Completion(context.Background(), baseMessages(), baseOptions())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if res.ID != "msg-123" || res.Content != "Hello, world!" {
		t.Fatalf("unexpected result %+v", res)
	}
	if res.Model != "claude-3-5-sonnet-20241022" {
		t.Fatalf("expected dated model, got %q", res.Model)
	}
	if res.Tokens != (providers.Tokens{Prompt: 12, Completion: 5, Total: 17, Cached: 2}) {
		t.Fatalf("tokens = %+v", res.Tokens)
	}
	if res.FinishReason != "end_turn" {
		t.Fatalf("finish reason = %q", res.FinishReason)
	}
}

func TestProvider_Completion_RoleNormalisation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body := decodeJSONMap(t, r)

		sysText, ok := systemAsText(body["system"])
		if !ok || sysText != "You are helpful.\nBe brief." {
			t.Errorf("unexpected system field %#v", body["system"])
		}

		msgs, ok := body["messages"].([]any)
		if !ok || len(msgs) != 2 {
			t.Fatalf("expected 2 merged messages, got %#v", body["messages"])
		}
		roles := []string{"user", "assistant"}
		for i, raw := range msgs {
			m := raw.(map[string]any)
			if m["role"] != roles[i] {
				t.Errorf("message %d: role %v, want %s", i, m["role"], roles[i])
			}
		}
		first := msgs[0].(map[string]any)["content"].([]any)[0].(map[string]any)
		if first["text"] != "Help me\n\nPlease" {
			t.Errorf("consecutive user turns not merged: %#v", first["text"])
		}

		respondMessageJSON(w, "msg-456", "claude-3-5-sonnet", textContent("Sure!"), 8, 3)
	}))
	defer srv.Close()

	msgs := []providers.Message{
		{Role: providers.RoleSystem, Content: "You are helpful."},
		{Role: providers.RoleUser, Content: "Help me"},
		{Role: providers.RoleSystem, Content: "Be brief."},
		{Role: providers.RoleUser, Content: "Please"},
		{Role: providers.RoleAssistant, Content: "OK"},
	}
	res, err := newTestProvider(srv).Completion(context.Background(), msgs, baseOptions())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Content != "Sure!" {
		t.Fatalf("expected content 'Sure!', got %q", res.Content)
	}
}

func TestProvider_Completion_MustStartWithUser(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer srv.Close()

	cases := map[string][]providers.Message{
		"assistant first": {{Role: providers.RoleAssistant, Content: "hi"}, {Role: providers.RoleUser, Content: "yo"}},
		"system only":     {{Role: providers.RoleSystem, Content: "rules"}},
	}
	for name, msgs := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := newTestProvider(srv).Completion(context.Background(), msgs, baseOptions())
			if !errors.Is(err, providers.ErrInvalidMessage) {
				t.Fatalf("expected ErrInvalidMessage, got %v", err)
			}
		})
	}
	if called {
		t.Fatal("backend must not be called")
	}
}

func TestProvider_Completion_ToolUse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body := decodeJSONMap(t, r)
		tools, _ := body["tools"].([]any)
		if len(tools) != 1 {
			t.Errorf("expected 1 tool, got %#v", body["tools"])
		} else if tools[0].(map[string]any)["name"] != "lookup" {
			t.Errorf("unexpected tool %#v", tools[0])
		}

		respondMessageJSON(w, "msg-t", "claude-3-5-sonnet", []map[string]any{{
			"type":  "tool_use",
			"id":    "toolu_1",
			"name":  "lookup",
			"input": map[string]any{"q": "go"},
		}}, 4, 6)
	}))
	defer srv.Close()

	opts := baseOptions()
	opts.Tools = []providers.Tool{{
		Name:        "lookup",
		Description: "Search",
		Parameters: map[string]any{
			"type":       "object",
			"properties": map[string]any{"q": map[string]any{"type": "string"}},
			"required":   []any{"q"},
		},
	}}
	res, err := newTestProvider(srv).Completion(context.Background(), baseMessages(), opts)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.ToolCalls) != 1 || res.ToolCalls[0].ID != "toolu_1" || res.ToolCalls[0].Arguments != `{"q":"go"}` {
		t.Fatalf("tool calls = %+v", res.ToolCalls)
	}
}

func TestProvider_Completion_Streaming(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.WriteHeader(http.StatusOK)

		flusher, _ := w.(http.Flusher)

		events := []string{
			"event: message_start\ndata: {\"type\":\"message_start\",\"message\":{\"id\":\"msg-1\",\"type\":\"message\",\"role\":\"assistant\",\"model\":\"claude-3-5-sonnet\",\"content\":[],\"usage\":{\"input_tokens\":3,\"output_tokens\":1}}}\n\n",
			"event: content_block_start\ndata: {\"type\":\"content_block_start\",\"index\":0,\"content_block\":{\"type\":\"text\",\"text\":\"\"}}\n\n",
			"event: content_block_delta\ndata: {\"type\":\"content_block_delta\",\"index\":0,\"delta\":{\"type\":\"text_delta\",\"text\":\"Hello\"}}\n\n",
			"event: content_block_delta\ndata: {\"type\":\"content_block_delta\",\"index\":0,\"delta\":{\"type\":\"text_delta\",\"text\":\" world\"}}\n\n",
			"event: content_block_stop\ndata: {\"type\":\"content_block_stop\",\"index\":0}\n\n",
			"event: message_delta\ndata: {\"type\":\"message_delta\",\"delta\":{\"stop_reason\":\"end_turn\"},\"usage\":{\"output_tokens\":4}}\n\n",
			"event: message_stop\ndata: {\"type\":\"message_stop\"}\n\n",
		}

		for _, ev := range events {
			fmt.Fprint(w, ev)
			if flusher != nil {
				flusher.Flush()
			}
		}
	}))
	defer srv.Close()

	opts := baseOptions()
	opts.Stream = true

	res, err := newTestProvider(srv).Completion(context.Background(), baseMessages(), opts)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Content != "Hello world" {
		t.Fatalf("expected %q, got %q", "Hello world", res.Content)
	}
	if res.Tokens.Prompt != 3 || res.Tokens.Completion != 4 {
		t.Fatalf("tokens = %+v", res.Tokens)
	}
}

func TestProvider_Completion_RateLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "4")
		respondErrorJSON(w, http.StatusTooManyRequests, "rate_limit_error", "Rate limit exceeded")
	}))
	defer srv.Close()

	_, err := newTestProvider(srv).Completion(context.Background(), baseMessages(), baseOptions())
	pe := requireProviderError(t, err, http.StatusTooManyRequests)
	if !errors.Is(err, providers.ErrRateLimit) {
		t.Fatalf("expected ErrRateLimit, got %v", err)
	}
	if pe.Message != "Rate limit exceeded" || pe.Type != "rate_limit_error" {
		t.Fatalf("unexpected message/type %q/%q", pe.Message, pe.Type)
	}
	if pe.RetryAfter.Seconds() != 4 {
		t.Fatalf("expected RetryAfter 4s, got %v", pe.RetryAfter)
	}
}

func TestProvider_Completion_Overloaded529(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		respondErrorJSON(w, 529, "overloaded_error", "Anthropic is temporarily overloaded")
	}))
	defer srv.Close()

	_, err := newTestProvider(srv).Completion(context.Background(), baseMessages(), baseOptions())
	pe := requireProviderError(t, err, 529)
	if !pe.Retryable() || !errors.Is(err, providers.ErrServer) {
		t.Fatalf("529 must be a retryable server error, got %v", err)
	}
}

func TestProvider_Completion_AuthErrorRedacted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		respondErrorJSON(w, http.StatusUnauthorized, "authentication_error", "invalid x-api-key "+testKey)
	}))
	defer srv.Close()

	_, err := newTestProvider(srv).Completion(context.Background(), baseMessages(), baseOptions())
	_ = requireProviderError(t, err, http.StatusUnauthorized)
	if !errors.Is(err, providers.ErrAuthentication) {
		t.Fatalf("expected ErrAuthentication, got %v", err)
	}
	if strings.Contains(err.Error(), testKey) {
		t.Fatalf("api key leaked: %s", err.Error())
	}
}

func TestProvider_Completion_PromptCacheUsage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":          "msg-cache",
			"type":        "message",
			"role":        "assistant",
			"model":       "claude-3-5-haiku-20241022",
			"content":     textContent("cached"),
			"stop_reason": "end_turn",
			"usage": map[string]any{
				"input_tokens":                10,
				"output_tokens":               5,
				"cache_read_input_tokens":     1_000_000,
				"cache_creation_input_tokens": 0,
			},
		})
	}))
	defer srv.Close()

	p := newTestProvider(srv)
	res, err := p.Completion(context.Background(), baseMessages(), baseOptions())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := providers.Tokens{Prompt: 1_000_010, Completion: 5, Total: 1_000_015, Cached: 1_000_000}
	if res.Tokens != want {
		t.Fatalf("tokens = %+v, want %+v", res.Tokens, want)
	}

	// 10 uncached at 0.80, 1M cached at 0.08, 5 output at 4.00 per million.
	got := p.CalculateCost(res.Tokens, res.Model, providers.CostOptions{})
	if math.Abs(got-0.080028) > 1e-9 {
		t.Fatalf("cost = %.8f, want 0.08002800", got)
	}
}

func TestUsageTokens_CacheCreation(t *testing.T) {
	tok := usageTokens(anthropic.Usage{
		InputTokens:              20,
		OutputTokens:             7,
		CacheCreationInputTokens: 300,
		CacheReadInputTokens:     50,
	})
	want := providers.Tokens{Prompt: 370, Completion: 7, Total: 377, Cached: 50}
	if tok != want {
		t.Fatalf("tokens = %+v, want %+v", tok, want)
	}
}

func TestProvider_CalculateCost(t *testing.T) {
	p := New("key")
	tok := providers.Tokens{Prompt: 1_000_000, Completion: 1_000_000, Total: 2_000_000}
	if got := p.CalculateCost(tok, "claude-3-5-haiku-20241022", providers.CostOptions{}); got != 4.8 {
		t.Fatalf("expected 4.8, got %v", got)
	}
	if got := p.CalculateCost(tok, "claude-3-5-haiku-20241022", providers.CostOptions{Batch: true}); got != 2.4 {
		t.Fatalf("expected 2.4 in batch mode, got %v", got)
	}
}
