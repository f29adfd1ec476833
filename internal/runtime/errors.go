package runtime

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/RunLedger/RunLedger/internal/provider"
)

// Kind classifies run-level failures.
type Kind string

const (
	KindConfig         Kind = "config_error"
	KindLLM            Kind = "llm_error"
	KindRateLimited    Kind = "rate_limited"
	KindServer         Kind = "server_error"
	KindAuth           Kind = "auth_error"
	KindContextLength  Kind = "context_length_exceeded"
	KindBudgetExceeded Kind = "budget_exceeded"
	KindApprovalDenied Kind = "approval_denied"
	KindValidation     Kind = "validation"
	KindMissingEnv     Kind = "missing_env_var"
	KindCancelled      Kind = "cancelled"
	KindUnknown        Kind = "unknown"
)

// RunError is a classified run-level failure. Its message is secret-free by
// construction and lands in the terminal event payload.
type RunError struct {
	Kind       Kind
	Msg        string
	Retryable  bool
	RetryAfter time.Duration
	wrapped    error
}

func (e *RunError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *RunError) Unwrap() error { return e.wrapped }

func runErrorf(kind Kind, format string, args ...any) *RunError {
	return &RunError{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// classifyProviderError maps transport and backend failures onto the run
// error taxonomy.
func classifyProviderError(err error) *RunError {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, provider.ErrContextLength):
		return &RunError{Kind: KindContextLength, Msg: err.Error(), wrapped: err}
	case errors.Is(err, context.Canceled):
		return &RunError{Kind: KindCancelled, Msg: "run cancelled", wrapped: err}
	}
	var apiErr *provider.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Status == 401 || apiErr.Status == 403:
			return &RunError{Kind: KindAuth, Msg: apiErr.Message, wrapped: err}
		case apiErr.Status == 429:
			return &RunError{Kind: KindRateLimited, Msg: apiErr.Message, Retryable: true, RetryAfter: apiErr.RetryAfter, wrapped: err}
		case apiErr.Status >= 500:
			return &RunError{Kind: KindServer, Msg: apiErr.Message, Retryable: true, wrapped: err}
		default:
			return &RunError{Kind: KindLLM, Msg: apiErr.Message, wrapped: err}
		}
	}
	return &RunError{Kind: KindLLM, Msg: err.Error(), Retryable: true, wrapped: err}
}
