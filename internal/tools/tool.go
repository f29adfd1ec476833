// Package tools provides the tool framework and builtin implementations.
package tools

import (
	"context"
	"fmt"
	"time"
)

// Error kinds carried by tool results.
const (
	ErrKindValidation    = "validation"
	ErrKindPermission    = "permission"
	ErrKindNotFound      = "not_found"
	ErrKindSandboxDenied = "sandbox_denied"
	ErrKindTimeout       = "timeout"
	ErrKindHumanRequired = "human_required"
	ErrKindCancelled     = "cancelled"
	ErrKindUnknown       = "unknown"
)

// Result is the structured outcome of one tool execution.
type Result struct {
	OK           bool           `json:"ok"`
	Stdout       string         `json:"stdout,omitempty"`
	Stderr       string         `json:"stderr,omitempty"`
	ExitCode     *int           `json:"exit_code,omitempty"`
	DurationMS   int64          `json:"duration_ms"`
	Truncated    bool           `json:"truncated,omitempty"`
	Data         map[string]any `json:"data,omitempty"`
	ErrorKind    string         `json:"error_kind,omitempty"`
	Retryable    bool           `json:"retryable,omitempty"`
	RetryAfterMS int64          `json:"retry_after_ms,omitempty"`
}

// Message renders the result as a tool-role message for the model. The
// model sees failures too, so it can adapt instead of repeating them.
func (r *Result) Message() string {
	if r.OK {
		return r.Stdout
	}
	msg := fmt.Sprintf("Error (%s): %s", r.ErrorKind, r.Stderr)
	if r.Retryable {
		msg += " (retryable)"
	}
	return msg
}

// Fail builds a failed result.
func Fail(kind, format string, args ...any) *Result {
	return &Result{ErrorKind: kind, Stderr: fmt.Sprintf(format, args...)}
}

// Ok builds a successful result with stdout text.
func Ok(stdout string) *Result {
	return &Result{OK: true, Stdout: stdout}
}

// Tool is the interface that all agent tools must implement.
type Tool interface {
	// Name returns the tool identifier used in function calls.
	Name() string
	// Description returns a human-readable description for the LLM.
	Description() string
	// Parameters returns the JSON Schema for tool parameters.
	Parameters() map[string]any
	// Execute runs the tool with validated parameters.
	Execute(ctx context.Context, params map[string]any) *Result
}

// TieredTool is an optional interface for tools that declare a risk tier.
// Tier 0: read-only. Tier 1: controlled writes. Tier 2: external/high-impact.
type TieredTool interface {
	Tool
	Tier() int
}

// Risk tier constants.
const (
	TierReadOnly = 0
	TierWrite    = 1
	TierHighRisk = 2
)

// ToolTier returns the risk tier for a tool, defaulting unclassified tools
// to high risk so an unannotated tool never slips past the gate.
func ToolTier(t Tool) int {
	if tt, ok := t.(TieredTool); ok {
		return tt.Tier()
	}
	return TierHighRisk
}

// Registry manages tool registration and dispatch.
type Registry struct {
	tools map[string]Tool
	order []string
}

// NewRegistry creates a new tool registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds a tool to the registry.
func (r *Registry) Register(tool Tool) {
	if _, ok := r.tools[tool.Name()]; !ok {
		r.order = append(r.order, tool.Name())
	}
	r.tools[tool.Name()] = tool
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	tool, ok := r.tools[name]
	return tool, ok
}

// List returns all registered tools in registration order.
func (r *Registry) List() []Tool {
	out := make([]Tool, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.tools[name])
	}
	return out
}

// Definitions returns tool definitions in OpenAI function-call format.
func (r *Registry) Definitions() []map[string]any {
	out := make([]map[string]any, 0, len(r.order))
	for _, name := range r.order {
		tool := r.tools[name]
		out = append(out, map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        tool.Name(),
				"description": tool.Description(),
				"parameters":  tool.Parameters(),
			},
		})
	}
	return out
}

// Dispatch validates arguments against the tool's declared schema and
// executes it, stamping the duration. Unknown tools and schema violations
// come back as failed results, never as Go errors: the caller appends the
// result to history either way.
func (r *Registry) Dispatch(ctx context.Context, name string, args map[string]any) *Result {
	start := time.Now()
	tool, ok := r.tools[name]
	if !ok {
		res := Fail(ErrKindNotFound, "unknown tool %q", name)
		res.DurationMS = time.Since(start).Milliseconds()
		return res
	}
	if err := ValidateArgs(tool.Parameters(), args); err != nil {
		res := Fail(ErrKindValidation, "%v", err)
		res.DurationMS = time.Since(start).Milliseconds()
		return res
	}
	res := tool.Execute(ctx, args)
	if res == nil {
		res = Fail(ErrKindUnknown, "tool %q returned no result", name)
	}
	res.DurationMS = time.Since(start).Milliseconds()
	return res
}

// GetString returns a string parameter with a default.
func GetString(params map[string]any, key, def string) string {
	if v, ok := params[key].(string); ok {
		return v
	}
	return def
}

// GetInt returns an integer parameter with a default. JSON numbers decode
// as float64.
func GetInt(params map[string]any, key string, def int) int {
	switch v := params[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return def
}

// GetBool returns a boolean parameter with a default.
func GetBool(params map[string]any, key string, def bool) bool {
	if v, ok := params[key].(bool); ok {
		return v
	}
	return def
}
