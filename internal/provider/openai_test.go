package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func sseHandler(lines []string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, line := range lines {
			fmt.Fprintf(w, "data: %s\n\n", line)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}
}

func collect(t *testing.T, ch <-chan StreamItem) (text string, calls []ToolCall, usage *Usage) {
	t.Helper()
	for item := range ch {
		if item.Err != nil {
			t.Fatalf("stream error: %v", item.Err)
		}
		text += item.Delta
		calls = append(calls, item.ToolCalls...)
		if item.Done {
			usage = item.Usage
		}
	}
	return text, calls, usage
}

func TestStreamChatDeltas(t *testing.T) {
	srv := httptest.NewServer(sseHandler([]string{
		`{"choices":[{"delta":{"content":"Hel"}}]}`,
		`{"choices":[{"delta":{"content":"lo"}}]}`,
		`{"choices":[{"delta":{},"finish_reason":"stop"}],"usage":{"prompt_tokens":5,"completion_tokens":2,"total_tokens":7}}`,
	}))
	defer srv.Close()

	p := NewOpenAIProvider("key", srv.URL, "test-model")
	ch, err := p.StreamChat(context.Background(), &ChatRequest{Messages: []Message{{Role: "user", Content: "hi"}}})
	if err != nil {
		t.Fatalf("StreamChat: %v", err)
	}
	text, calls, usage := collect(t, ch)
	if text != "Hello" {
		t.Errorf("text = %q", text)
	}
	if len(calls) != 0 {
		t.Errorf("unexpected tool calls: %v", calls)
	}
	if usage == nil || usage.TotalTokens != 7 {
		t.Errorf("usage = %+v", usage)
	}
}

func TestStreamChatToolCallAccumulation(t *testing.T) {
	srv := httptest.NewServer(sseHandler([]string{
		`{"choices":[{"delta":{"tool_calls":[{"index":0,"id":"call_1","function":{"name":"write_file","arguments":"{\"pa"}}]}}]}`,
		`{"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"th\":\"a.txt\"}"}}]}}]}`,
		`{"choices":[{"delta":{},"finish_reason":"tool_calls"}]}`,
	}))
	defer srv.Close()

	p := NewOpenAIProvider("key", srv.URL, "test-model")
	ch, err := p.StreamChat(context.Background(), &ChatRequest{})
	if err != nil {
		t.Fatalf("StreamChat: %v", err)
	}
	_, calls, _ := collect(t, ch)
	if len(calls) != 1 {
		t.Fatalf("got %d tool calls, want 1", len(calls))
	}
	if calls[0].ID != "call_1" || calls[0].Name != "write_file" {
		t.Errorf("call = %+v", calls[0])
	}
	if string(calls[0].Arguments) != `{"path":"a.txt"}` {
		t.Errorf("arguments = %s", calls[0].Arguments)
	}
}

func TestContextLengthClassified(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error":{"message":"This model's maximum context length is 8192 tokens","code":"context_length_exceeded"}}`)
	}))
	defer srv.Close()

	p := NewOpenAIProvider("key", srv.URL, "test-model")
	_, err := p.StreamChat(context.Background(), &ChatRequest{})
	if !errors.Is(err, ErrContextLength) {
		t.Errorf("err = %v, want ErrContextLength", err)
	}
}

func TestRateLimitClassified(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"error":{"message":"rate limited"}}`)
	}))
	defer srv.Close()

	p := NewOpenAIProvider("key", srv.URL, "test-model")
	_, err := p.StreamChat(context.Background(), &ChatRequest{})
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("err = %v, want APIError", err)
	}
	if apiErr.Status != 429 || !apiErr.Retryable() || apiErr.RetryAfter != 7*time.Second {
		t.Errorf("apiErr = %+v", apiErr)
	}
}

func TestAuthErrorNotRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"error":{"message":"bad key"}}`)
	}))
	defer srv.Close()

	p := NewOpenAIProvider("key", srv.URL, "test-model")
	_, err := p.StreamChat(context.Background(), &ChatRequest{})
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("err = %v, want APIError", err)
	}
	if apiErr.Status != 401 || apiErr.Retryable() {
		t.Errorf("apiErr = %+v", apiErr)
	}
}
