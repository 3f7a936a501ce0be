package mistral

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

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
	return providers.Options{Model: "mistral-large-latest"}
}

func okResponse(id, content string) chatResponse {
	return chatResponse{
		ID:    id,
		Model: "mistral-large-latest",
		Choices: []choice{
			{Message: &chatMessage{Role: "assistant", Content: content}, FinishReason: "stop"},
		},
		Usage: &usage{PromptTokens: 8, CompletionTokens: 4},
	}
}

func TestProvider_Name(t *testing.T) {
	p := New("key")
	if p.Name() != "mistral" {
		t.Fatalf("expected 'mistral', got %q", p.Name())
	}
}

func TestProvider_Completion_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		if r.URL.Path != "/chat/completions" {
			t.Errorf("expected path /chat/completions, got %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer "+testKey {
			t.Errorf("missing or wrong Authorization header: %s", r.Header.Get("Authorization"))
		}
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("expected Content-Type application/json, got %s", r.Header.Get("Content-Type"))
		}

		var body chatRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("failed to decode request body: %v", err)
		}
		if body.Model != "mistral-large-latest" {
			t.Errorf("expected model 'mistral-large-latest', got %q", body.Model)
		}
		if len(body.Messages) != 1 || body.Messages[0].Content != "Hello" {
			t.Errorf("unexpected messages: %v", body.Messages)
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(okResponse("cmpl-mistral-123", "Bonjour le monde!"))
	}))
	defer srv.Close()

	res, err := newTestProvider(srv).Completion(context.Background(), baseMessages(), baseOptions())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if res.ID != "cmpl-mistral-123" {
		t.Errorf("expected ID 'cmpl-mistral-123', got %q", res.ID)
	}
	if res.Model != "mistral-large-latest" {
		t.Errorf("expected model 'mistral-large-latest', got %q", res.Model)
	}
	if res.Content != "Bonjour le monde!" {
		t.Errorf("expected content 'Bonjour le monde!', got %q", res.Content)
	}
	if res.Tokens != (providers.Tokens{Prompt: 8, Completion: 4, Total: 12}) {
		t.Errorf("tokens = %+v", res.Tokens)
	}
}

func TestProvider_Completion_Streaming(t *testing.T) {
	chunks := []string{
		`{"id":"cmpl-1","model":"mistral-large-latest","choices":[{"delta":{"role":"assistant","content":"Bonjour"},"finish_reason":null}]}`,
		`{"id":"cmpl-1","model":"mistral-large-latest","choices":[{"delta":{"content":" monde"},"finish_reason":null}]}`,
		`{"id":"cmpl-1","model":"mistral-large-latest","choices":[{"delta":{},"finish_reason":"stop"}],"usage":{"prompt_tokens":3,"completion_tokens":2,"total_tokens":5}}`,
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Accept") != "text/event-stream" {
			t.Errorf("expected Accept text/event-stream, got %q", r.Header.Get("Accept"))
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)

		flusher, ok := w.(http.Flusher)
		for _, chunk := range chunks {
			fmt.Fprintf(w, "data: %s\n\n", chunk)
			if ok {
				flusher.Flush()
			}
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	opts := baseOptions()
	opts.Stream = true

	res, err := newTestProvider(srv).Completion(context.Background(), baseMessages(), opts)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Content != "Bonjour monde" {
		t.Errorf("expected 'Bonjour monde', got %q", res.Content)
	}
	if res.FinishReason != "stop" {
		t.Errorf("expected finish reason 'stop', got %q", res.FinishReason)
	}
	if res.Tokens.Total != 5 {
		t.Errorf("expected 5 total tokens, got %+v", res.Tokens)
	}
}

func TestProvider_Completion_StreamingToolCall(t *testing.T) {
	chunks := []string{
		`{"id":"cmpl-2","model":"mistral-small","choices":[{"delta":{"role":"assistant","content":"","tool_calls":[{"id":"call_a","index":0,"function":{"name":"lookup","arguments":"{\"q\":"}}]}}]}`,
		`{"id":"cmpl-2","model":"mistral-small","choices":[{"delta":{"content":"","tool_calls":[{"index":0,"function":{"name":"","arguments":"\"go\"}"}}]},"finish_reason":"tool_calls"}],"usage":{"prompt_tokens":3,"completion_tokens":2,"total_tokens":5}}`,
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, chunk := range chunks {
			fmt.Fprintf(w, "data: %s\n\n", chunk)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	opts := baseOptions()
	opts.Stream = true
	res, err := newTestProvider(srv).Completion(context.Background(), baseMessages(), opts)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.ToolCalls) != 1 || res.ToolCalls[0].Arguments != `{"q":"go"}` || res.ToolCalls[0].ID != "call_a" {
		t.Fatalf("tool calls = %+v", res.ToolCalls)
	}
}

func TestProvider_Completion_RateLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Retry-After", "3")
		w.WriteHeader(http.StatusTooManyRequests)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"object":  "error",
			"message": "Requests rate limit exceeded",
			"type":    "rate_limited",
			"code":    "1300",
		})
	}))
	defer srv.Close()

	_, err := newTestProvider(srv).Completion(context.Background(), baseMessages(), baseOptions())
	if !errors.Is(err, providers.ErrRateLimit) {
		t.Fatalf("expected ErrRateLimit, got %v", err)
	}

	var pe *providers.ProviderError
	if !errors.As(err, &pe) {
		t.Fatalf("expected *providers.ProviderError, got %T", err)
	}
	if pe.StatusCode != http.StatusTooManyRequests {
		t.Errorf("expected status 429, got %d", pe.StatusCode)
	}
	if pe.Message != "Requests rate limit exceeded" || pe.Type != "rate_limited" || pe.Code != "1300" {
		t.Errorf("unexpected error fields %+v", pe)
	}
	if pe.RetryAfter != 3*time.Second {
		t.Errorf("expected RetryAfter 3s, got %v", pe.RetryAfter)
	}
}

func TestProvider_Completion_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]any{"message": "Internal error", "type": "server_error"},
		})
	}))
	defer srv.Close()

	_, err := newTestProvider(srv).Completion(context.Background(), baseMessages(), baseOptions())
	if !errors.Is(err, providers.ErrServer) {
		t.Fatalf("expected ErrServer, got %v", err)
	}
	var sc providers.StatusCoder
	if !errors.As(err, &sc) || sc.HTTPStatus() != http.StatusInternalServerError {
		t.Errorf("HTTPStatus() should return 500")
	}
}

func TestProvider_Completion_NonJSONError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		fmt.Fprint(w, "<html>bad gateway</html>")
	}))
	defer srv.Close()

	_, err := newTestProvider(srv).Completion(context.Background(), baseMessages(), baseOptions())
	if !errors.Is(err, providers.ErrServer) {
		t.Fatalf("expected ErrServer, got %v", err)
	}
	if !strings.Contains(err.Error(), "unexpected status 502") {
		t.Errorf("unexpected message %q", err.Error())
	}
}

func TestProvider_Completion_RedactsKey(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_ = json.NewEncoder(w).Encode(map[string]any{"message": "bad token " + testKey})
	}))
	defer srv.Close()

	_, err := newTestProvider(srv).Completion(context.Background(), baseMessages(), baseOptions())
	if !errors.Is(err, providers.ErrAuthentication) {
		t.Fatalf("expected ErrAuthentication, got %v", err)
	}
	if strings.Contains(err.Error(), testKey) {
		t.Fatalf("api key leaked: %q", err.Error())
	}
}

func TestProvider_Completion_MalformedBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":`)
	}))
	defer srv.Close()

	_, err := newTestProvider(srv).Completion(context.Background(), baseMessages(), baseOptions())
	if !errors.Is(err, providers.ErrInvalidResponseFormat) {
		t.Fatalf("expected ErrInvalidResponseFormat, got %v", err)
	}
}

func TestProvider_Completion_MissingUsage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := okResponse("id-1", "ok")
		resp.Usage = nil
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	_, err := newTestProvider(srv).Completion(context.Background(), baseMessages(), baseOptions())
	if !errors.Is(err, providers.ErrInvalidResponseFormat) {
		t.Fatalf("expected ErrInvalidResponseFormat, got %v", err)
	}
}

func TestProvider_Completion_OnlyIncludesFieldsWhenSet(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("failed to decode body: %v", err)
		}
		for _, k := range []string{"temperature", "max_tokens", "stream", "top_p", "stop", "tools"} {
			if _, ok := body[k]; ok {
				t.Errorf("%s should not be present when unset", k)
			}
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(okResponse("id-1", "ok"))
	}))
	defer srv.Close()

	if _, err := newTestProvider(srv).Completion(context.Background(), baseMessages(), baseOptions()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestProvider_Completion_IncludesOptionalFieldsWhenSet(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("failed to decode body: %v", err)
		}

		if temp, ok := body["temperature"]; !ok || temp.(float64) != 0 {
			t.Errorf("expected explicit temperature=0, got %v (present=%v)", temp, ok)
		}
		if maxTok, ok := body["max_tokens"]; !ok || maxTok.(float64) != 512 {
			t.Errorf("expected max_tokens=512, got %v (present=%v)", maxTok, ok)
		}
		if topP, ok := body["top_p"]; !ok || topP.(float64) != 0.5 {
			t.Errorf("expected top_p=0.5, got %v", topP)
		}
		tools, _ := body["tools"].([]any)
		if len(tools) != 1 {
			t.Errorf("expected one tool, got %v", body["tools"])
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(okResponse("id-2", "ok"))
	}))
	defer srv.Close()

	opts := baseOptions()
	opts.Temperature = providers.Float(0)
	opts.TopP = providers.Float(0.5)
	opts.MaxTokens = 512
	opts.Tools = []providers.Tool{{Name: "lookup"}}
	if _, err := newTestProvider(srv).Completion(context.Background(), baseMessages(), opts); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestProvider_Completion_DefaultModel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body chatRequest
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body.Model != "mistral-tiny" {
			t.Errorf("expected default model, got %q", body.Model)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(okResponse("id-3", "ok"))
	}))
	defer srv.Close()

	p := newTestProvider(srv, WithDefaultModel("mistral-tiny"))
	if _, err := p.Completion(context.Background(), baseMessages(), providers.Options{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestProvider_Completion_ConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	p := New(testKey, WithBaseURL(url))
	_, err := p.Completion(context.Background(), baseMessages(), baseOptions())
	if !errors.Is(err, providers.ErrNetwork) {
		t.Fatalf("expected ErrNetwork, got %v", err)
	}
	var pe *providers.ProviderError
	if errors.As(err, &pe) && !pe.Retryable() {
		t.Fatal("network errors must be retryable")
	}
}
