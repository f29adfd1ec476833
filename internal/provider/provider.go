// Package provider implements the streaming LLM backend contract.
package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrContextLength signals that the model rejected the request because the
// conversation no longer fits its context window. Callers must be able to
// distinguish this from transport failures: it triggers compaction, not
// retry.
var ErrContextLength = errors.New("context length exceeded")

// APIError is a classified transport-level failure.
type APIError struct {
	Status     int
	Message    string
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	return fmt.Sprintf("llm api error (status %d): %s", e.Status, e.Message)
}

// Retryable reports whether the request may be retried with backoff.
func (e *APIError) Retryable() bool {
	return e.Status == 429 || e.Status >= 500
}

// Message is one entry of the conversation history.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// ToolCall is a model-proposed tool invocation. Arguments stay raw until
// the orchestrator validates them; malformed JSON must fail the call, not
// the decode.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ToolDefinition advertises a callable tool to the model.
type ToolDefinition map[string]any

// Usage contains token accounting for one request.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ChatRequest contains the parameters for a streamed chat completion.
type ChatRequest struct {
	Messages    []Message
	Tools       []ToolDefinition
	Model       string
	MaxTokens   int
	Temperature float64
}

// StreamItem is one element of a streamed response. Exactly one of Delta,
// ToolCalls, or Done is meaningful per item; Err terminates the stream.
type StreamItem struct {
	Delta     string
	ToolCalls []ToolCall
	Done      bool
	Usage     *Usage
	Err       error
}

// Provider is the interface for streaming LLM backends.
//
// StreamChat returns a channel that yields deltas, then optionally one
// tool-call batch, then a final Done item (or an Err item). The channel is
// closed after the terminal item. Cancelling ctx closes the underlying
// transport stream.
type Provider interface {
	StreamChat(ctx context.Context, req *ChatRequest) (<-chan StreamItem, error)
	DefaultModel() string
}
