// Package approval implements the risk gate for tool calls: classification,
// redaction, fingerprinting, and the decision flow against an external
// approval provider with a session cache.
package approval

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/dgraph-io/ristretto/v2"
	"github.com/google/uuid"
)

// Decision values an approval provider may return.
const (
	DecisionApprovedOnce       = "approved_once"
	DecisionApprovedForSession = "approved_for_session"
	DecisionDenied             = "denied"
	DecisionAbort              = "abort"
)

// ErrNoProvider is returned when approval is required but no provider is
// configured. The run must terminate as a configuration error rather than
// silently retrying denied calls.
var ErrNoProvider = errors.New("approval required but no provider configured")

// Request is what a provider (human or automated) sees when asked to decide.
type Request struct {
	ApprovalID  string            `json:"approval_id"`
	RunID       string            `json:"run_id"`
	Tool        string            `json:"tool"`
	Tier        int               `json:"tier"`
	Risk        Assessment        `json:"risk"`
	Sanitized   *SanitizedRequest `json:"sanitized"`
	Fingerprint string            `json:"fingerprint"`
	CreatedAt   time.Time         `json:"created_at"`
}

// Provider decides approval requests. Implementations must be safe for
// concurrent use; the gate enforces the timeout.
type Provider interface {
	RequestApproval(ctx context.Context, req *Request) (string, error)
}

// ProviderFunc adapts a function to the Provider interface.
type ProviderFunc func(ctx context.Context, req *Request) (string, error)

// RequestApproval calls f.
func (f ProviderFunc) RequestApproval(ctx context.Context, req *Request) (string, error) {
	return f(ctx, req)
}

// Gate runs the decision flow for tool calls that policy routed to approval.
// The session cache is shared across runs on the same orchestrator instance,
// so "approve for session" is process-wide.
type Gate struct {
	provider Provider
	timeout  time.Duration
	cache    *ristretto.Cache[string, bool]
}

const defaultApprovalTimeout = 60 * time.Second

// NewGate creates a gate. Provider may be nil; asking then fails closed.
func NewGate(provider Provider, timeout time.Duration) (*Gate, error) {
	if timeout <= 0 {
		timeout = defaultApprovalTimeout
	}
	cache, err := ristretto.NewCache(&ristretto.Config[string, bool]{
		NumCounters: 10_000,
		MaxCost:     1 << 20,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &Gate{provider: provider, timeout: timeout, cache: cache}, nil
}

// HasProvider reports whether an approval provider is configured.
func (g *Gate) HasProvider() bool { return g.provider != nil }

// Timeout returns the configured decision timeout.
func (g *Gate) Timeout() time.Duration { return g.timeout }

// SessionApproved reports whether the fingerprint was approved for the
// session. Cached fingerprints are never re-asked.
func (g *Gate) SessionApproved(fingerprint string) bool {
	approved, ok := g.cache.Get(fingerprint)
	return ok && approved
}

// CacheSessionApproval records a session-wide approval for a fingerprint.
// Also used by replay to rehydrate the cache from a prior run's log.
func (g *Gate) CacheSessionApproval(fingerprint string) {
	g.cache.Set(fingerprint, true, 1)
	// Set is buffered; wait so a decision is visible to the very next call.
	g.cache.Wait()
}

// NewRequest assembles the provider-facing request for a tool call.
func NewRequest(runID, tool string, tier int, args map[string]any, risk Assessment) *Request {
	sanitized := Sanitize(tool, args)
	return &Request{
		ApprovalID:  uuid.NewString(),
		RunID:       runID,
		Tool:        tool,
		Tier:        tier,
		Risk:        risk,
		Sanitized:   sanitized,
		Fingerprint: Fingerprint(sanitized),
		CreatedAt:   time.Now().UTC(),
	}
}

// Ask runs the decision flow for one request. The session cache is checked
// first; otherwise the provider is consulted under the gate's timeout.
// Absence of a provider returns (denied, ErrNoProvider); a timeout or
// provider error fails closed to denied.
func (g *Gate) Ask(ctx context.Context, req *Request) (string, error) {
	if g.SessionApproved(req.Fingerprint) {
		return DecisionApprovedForSession, nil
	}
	if g.provider == nil {
		return DecisionDenied, ErrNoProvider
	}

	waitCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	// The provider runs in its own goroutine so the deadline holds even for
	// providers that never look at ctx (a blocked terminal read, say). A
	// decision arriving after the deadline is discarded.
	type answer struct {
		decision string
		err      error
	}
	ch := make(chan answer, 1)
	go func() {
		d, err := g.provider.RequestApproval(waitCtx, req)
		ch <- answer{d, err}
	}()

	var decision string
	select {
	case a := <-ch:
		if a.err != nil {
			slog.Warn("Approval request failed, denying", "approval_id", req.ApprovalID, "tool", req.Tool, "error", a.err)
			return DecisionDenied, nil
		}
		decision = a.decision
	case <-waitCtx.Done():
		slog.Warn("Approval request timed out, denying", "approval_id", req.ApprovalID, "tool", req.Tool, "timeout", g.timeout)
		return DecisionDenied, nil
	}
	switch decision {
	case DecisionApprovedForSession:
		g.CacheSessionApproval(req.Fingerprint)
		return decision, nil
	case DecisionApprovedOnce, DecisionDenied, DecisionAbort:
		return decision, nil
	default:
		slog.Warn("Unknown approval decision, denying", "decision", decision)
		return DecisionDenied, nil
	}
}

// Close releases the cache.
func (g *Gate) Close() {
	g.cache.Close()
}
