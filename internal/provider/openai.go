package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// OpenAIProvider streams chat completions from an OpenAI-compatible API.
type OpenAIProvider struct {
	apiKey  string
	baseURL string
	model   string
	client  *http.Client
}

const defaultOpenAIBaseURL = "https://api.openai.com/v1"

// NewOpenAIProvider creates a streaming client. baseURL may point at any
// OpenAI-compatible endpoint; empty selects the official API.
func NewOpenAIProvider(apiKey, baseURL, model string) *OpenAIProvider {
	if baseURL == "" {
		baseURL = defaultOpenAIBaseURL
	}
	return &OpenAIProvider{
		apiKey:  apiKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		model:   model,
		client:  &http.Client{Timeout: 10 * time.Minute},
	}
}

// DefaultModel returns the configured model name.
func (p *OpenAIProvider) DefaultModel() string { return p.model }

type chatCompletionChunk struct {
	Choices []struct {
		Delta struct {
			Content   string `json:"content"`
			ToolCalls []struct {
				Index    int    `json:"index"`
				ID       string `json:"id"`
				Function struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *Usage `json:"usage"`
}

// StreamChat sends the request and feeds SSE chunks into the returned
// channel. The reader goroutine owns the response body; cancelling ctx
// aborts the request and releases the connection.
func (p *OpenAIProvider) StreamChat(ctx context.Context, req *ChatRequest) (<-chan StreamItem, error) {
	model := req.Model
	if model == "" {
		model = p.model
	}
	body := map[string]any{
		"model":          model,
		"messages":       encodeMessages(req.Messages),
		"stream":         true,
		"stream_options": map[string]any{"include_usage": true},
	}
	if req.MaxTokens > 0 {
		body["max_tokens"] = req.MaxTokens
	}
	if req.Temperature > 0 {
		body["temperature"] = req.Temperature
	}
	if len(req.Tools) > 0 {
		body["tools"] = req.Tools
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal chat request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build chat request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("llm request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, classifyHTTPError(resp)
	}

	out := make(chan StreamItem, 32)
	go p.readStream(resp.Body, out)
	return out, nil
}

// readStream parses SSE lines, accumulating tool-call argument fragments by
// index, and emits deltas as they arrive. Tool calls are emitted as one
// batch before the terminal item.
func (p *OpenAIProvider) readStream(body io.ReadCloser, out chan<- StreamItem) {
	defer close(out)
	defer body.Close()

	type partialCall struct {
		id   string
		name string
		args strings.Builder
	}
	var (
		calls []*partialCall
		usage *Usage
	)

	flushCalls := func() {
		if len(calls) == 0 {
			return
		}
		batch := make([]ToolCall, 0, len(calls))
		for _, c := range calls {
			batch = append(batch, ToolCall{
				ID:        c.id,
				Name:      c.name,
				Arguments: json.RawMessage(c.args.String()),
			})
		}
		calls = nil
		out <- StreamItem{ToolCalls: batch}
	}

	sc := bufio.NewScanner(body)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" {
			break
		}
		var chunk chatCompletionChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			out <- StreamItem{Err: fmt.Errorf("decode stream chunk: %w", err)}
			return
		}
		if chunk.Usage != nil {
			usage = chunk.Usage
		}
		for _, choice := range chunk.Choices {
			if choice.Delta.Content != "" {
				out <- StreamItem{Delta: choice.Delta.Content}
			}
			for _, tc := range choice.Delta.ToolCalls {
				for len(calls) <= tc.Index {
					calls = append(calls, &partialCall{})
				}
				c := calls[tc.Index]
				if tc.ID != "" {
					c.id = tc.ID
				}
				if tc.Function.Name != "" {
					c.name = tc.Function.Name
				}
				c.args.WriteString(tc.Function.Arguments)
			}
		}
	}
	if err := sc.Err(); err != nil {
		out <- StreamItem{Err: fmt.Errorf("read stream: %w", err)}
		return
	}
	flushCalls()
	out <- StreamItem{Done: true, Usage: usage}
}

func encodeMessages(msgs []Message) []map[string]any {
	out := make([]map[string]any, 0, len(msgs))
	for _, m := range msgs {
		entry := map[string]any{"role": m.Role, "content": m.Content}
		if m.ToolCallID != "" {
			entry["tool_call_id"] = m.ToolCallID
		}
		if len(m.ToolCalls) > 0 {
			calls := make([]map[string]any, 0, len(m.ToolCalls))
			for _, tc := range m.ToolCalls {
				calls = append(calls, map[string]any{
					"id":   tc.ID,
					"type": "function",
					"function": map[string]any{
						"name":      tc.Name,
						"arguments": string(tc.Arguments),
					},
				})
			}
			entry["tool_calls"] = calls
		}
		out = append(out, entry)
	}
	return out
}

// classifyHTTPError maps a non-200 response to the error taxonomy. A 400
// that mentions the context window maps to ErrContextLength so the
// orchestrator can compact instead of failing.
func classifyHTTPError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	var apiBody struct {
		Error struct {
			Message string `json:"message"`
			Code    string `json:"code"`
		} `json:"error"`
	}
	_ = json.Unmarshal(raw, &apiBody)
	msg := apiBody.Error.Message
	if msg == "" {
		msg = strings.TrimSpace(string(raw))
	}

	if resp.StatusCode == http.StatusBadRequest {
		lower := strings.ToLower(msg + " " + apiBody.Error.Code)
		if strings.Contains(lower, "context_length") || strings.Contains(lower, "context length") ||
			strings.Contains(lower, "maximum context") {
			return fmt.Errorf("%w: %s", ErrContextLength, msg)
		}
	}

	apiErr := &APIError{Status: resp.StatusCode, Message: msg}
	if s := resp.Header.Get("Retry-After"); s != "" {
		if secs, err := strconv.Atoi(s); err == nil {
			apiErr.RetryAfter = time.Duration(secs) * time.Second
		}
	}
	return apiErr
}
