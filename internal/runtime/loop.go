package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/RunLedger/RunLedger/internal/approval"
	"github.com/RunLedger/RunLedger/internal/policy"
	"github.com/RunLedger/RunLedger/internal/provider"
	"github.com/RunLedger/RunLedger/internal/skills"
	"github.com/RunLedger/RunLedger/internal/tools"
	"github.com/RunLedger/RunLedger/internal/wal"
)

const (
	maxProviderRetries = 3
	retryBaseDelay     = 2 * time.Second
)

const systemPrompt = `You are an autonomous coding agent operating inside a sandboxed workspace.
Use the available tools to complete the task. Call tools one at a time and
inspect their results before proceeding. When the task is done, reply with a
final summary and stop calling tools.`

// loop drives turns until the run reaches a terminal state. Every decision
// that matters lands in the event log before the loop acts on it.
func (s *runState) loop(ctx context.Context) (*Outcome, error) {
	if len(s.history) == 0 {
		s.history = []provider.Message{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: s.task},
		}
	}

	for {
		if cancelled := s.ctrl.IsCancelled(); cancelled {
			return s.terminal("cancelled", "", nil)
		}
		if s.ctrl.WallTimeExceeded() {
			return s.terminal("failed", "", runErrorf(KindBudgetExceeded,
				"wall-clock budget exhausted after %d steps", s.ctrl.StepsConsumed()))
		}

		turnID := s.ctrl.NextTurnID()

		if err := s.injectSkills(ctx, turnID); err != nil {
			var missing *skills.ErrMissingEnv
			if errors.As(err, &missing) {
				return s.terminal("failed", "", runErrorf(KindMissingEnv,
					"skill %q requires %s", missing.Skill, missing.Key))
			}
			return s.terminal("failed", "", runErrorf(KindConfig, "skill injection: %v", err))
		}

		text, toolCalls, runErr := s.modelTurn(ctx, turnID)
		if runErr != nil {
			switch runErr.Kind {
			case KindCancelled:
				return s.terminal("cancelled", "", nil)
			case KindContextLength:
				if err := s.emit(wal.EventContextLengthExceeded, turnID, 0, map[string]any{
					"messages": len(s.history),
				}); err != nil {
					return nil, err
				}
				recovered, recErr := s.recoverContext(ctx, turnID)
				if recErr != nil {
					return s.terminal("failed", "", recErr)
				}
				if !recovered {
					return s.terminal("failed", "", runErr)
				}
				continue
			case KindBudgetExceeded:
				return s.terminal("failed", "", runErr)
			default:
				return s.terminal("failed", "", runErr)
			}
		}

		assistant := provider.Message{Role: "assistant", Content: text, ToolCalls: toolCalls}
		s.history = append(s.history, assistant)

		if len(toolCalls) == 0 {
			return s.terminal("completed", text, nil)
		}

		for _, tc := range toolCalls {
			if outcome, err := s.handleToolCall(ctx, turnID, tc); outcome != nil || err != nil {
				return outcome, err
			}
		}
	}
}

// injectSkills resolves @mentions in the task and injects any skills not
// yet part of the context. Each skill is injected at most once per run.
func (s *runState) injectSkills(ctx context.Context, turnID int) error {
	if s.r.opts.Resolver == nil {
		return nil
	}
	resolved, err := s.r.opts.Resolver.ResolveMentions(ctx, s.task)
	if err != nil {
		return err
	}
	cfg := s.r.opts.Config
	for _, res := range resolved {
		if s.injected[res.Meta.Name] {
			continue
		}
		if err := skills.ResolveEnv(ctx, s.env, res.Meta, s.r.opts.EnvAsker); err != nil {
			var missing *skills.ErrMissingEnv
			if errors.As(err, &missing) && cfg.Skills.EnvPolicy == skills.EnvPolicySkip {
				s.r.log.Warn("Skipping skill with missing env var",
					"run_id", s.id, "skill", missing.Skill, "key", missing.Key)
				s.injected[res.Meta.Name] = true
				continue
			}
			return err
		}
		text, err := skills.RenderInjected(ctx, res.Source, res.Meta, cfg.Skills.MaxInjectedBytes)
		if err != nil {
			if errors.Is(err, skills.ErrBodyTooLarge) {
				s.r.log.Warn("Skill body over injection cap, skipping",
					"run_id", s.id, "skill", res.Meta.Name)
				s.injected[res.Meta.Name] = true
				continue
			}
			return err
		}
		s.history = append(s.history, provider.Message{Role: "system", Content: text})
		s.injected[res.Meta.Name] = true
		if err := s.emit(wal.EventSkillInjected, turnID, 0, map[string]any{
			"skill":  res.Meta.Name,
			"source": res.Source.Kind(),
			"bytes":  len(text),
			"text":   text,
		}); err != nil {
			return err
		}
	}
	return nil
}

// modelTurn issues one streamed completion, retrying transient transport
// failures with backoff. Cancellation is honoured between attempts and
// while consuming the stream.
func (s *runState) modelTurn(ctx context.Context, turnID int) (string, []provider.ToolCall, *RunError) {
	cfg := s.r.opts.Config
	req := &provider.ChatRequest{
		Messages:    s.history,
		Tools:       s.toolDefinitions(),
		Model:       s.r.modelName(),
		MaxTokens:   cfg.Model.MaxTokens,
		Temperature: cfg.Model.Temperature,
	}

	var lastErr *RunError
	for attempt := 0; attempt < maxProviderRetries; attempt++ {
		if attempt > 0 {
			delay := retryBaseDelay << (attempt - 1)
			if lastErr != nil && lastErr.RetryAfter > 0 {
				delay = lastErr.RetryAfter
			}
			if !s.sleepUnlessCancelled(delay) {
				return "", nil, &RunError{Kind: KindCancelled, Msg: "run cancelled"}
			}
		}

		if err := s.emit(wal.EventLLMRequestStarted, turnID, 0, map[string]any{
			"model":    req.Model,
			"messages": len(req.Messages),
			"attempt":  attempt + 1,
		}); err != nil {
			return "", nil, runErrorf(KindUnknown, "event append: %v", err)
		}

		streamCtx, cancel := context.WithCancel(ctx)
		ch, err := s.r.opts.Provider.StreamChat(streamCtx, req)
		if err != nil {
			cancel()
			lastErr = classifyProviderError(err)
			if lastErr.Retryable {
				continue
			}
			return "", nil, lastErr
		}

		text, toolCalls, consumeErr := s.consumeStream(streamCtx, cancel, ch, turnID)
		cancel()
		if consumeErr == nil {
			return text, toolCalls, nil
		}
		lastErr = consumeErr
		if !lastErr.Retryable {
			return "", nil, lastErr
		}
	}
	if lastErr == nil {
		lastErr = runErrorf(KindLLM, "model request failed after %d attempts", maxProviderRetries)
	}
	return "", nil, lastErr
}

func (s *runState) sleepUnlessCancelled(d time.Duration) bool {
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if s.ctrl.IsCancelled() {
			return false
		}
		time.Sleep(100 * time.Millisecond)
	}
	return true
}

func (s *runState) toolDefinitions() []provider.ToolDefinition {
	defs := s.r.opts.Registry.Definitions()
	out := make([]provider.ToolDefinition, 0, len(defs))
	for _, d := range defs {
		out = append(out, provider.ToolDefinition(d))
	}
	return out
}

// handleToolCall runs the full pipeline for one proposed call: validation,
// risk classification, policy, approval, budget, dispatch. A non-nil
// outcome terminates the run.
func (s *runState) handleToolCall(ctx context.Context, turnID int, tc provider.ToolCall) (*Outcome, error) {
	var args map[string]any
	if len(tc.Arguments) > 0 {
		if err := json.Unmarshal(tc.Arguments, &args); err != nil {
			// Malformed arguments never reach policy or approval; the
			// model just sees the validation failure and can retry.
			return nil, s.rejectToolCall(turnID, tc, args, tools.ErrKindValidation,
				fmt.Sprintf("arguments are not valid JSON: %v", err))
		}
	}
	if args == nil {
		args = map[string]any{}
	}

	tool, known := s.r.opts.Registry.Get(tc.Name)
	if !known {
		return nil, s.rejectToolCall(turnID, tc, args, tools.ErrKindNotFound,
			fmt.Sprintf("unknown tool %q", tc.Name))
	}

	tier := tools.ToolTier(tool)
	var risk approval.Assessment
	if tc.Name == "exec" {
		risk = approval.ClassifyShell(tools.GetString(args, "command", ""))
	} else {
		risk = approval.ClassifyTool(tc.Name, tier)
	}

	decision := s.r.opts.Policy.Evaluate(policy.Context{
		Tool:        tc.Name,
		Tier:        tier,
		Arguments:   args,
		RunID:       s.id,
		RiskComplex: risk.Complex,
	})

	if !decision.Allow && !decision.RequiresApproval {
		return nil, s.rejectToolCall(turnID, tc, args, tools.ErrKindPermission,
			fmt.Sprintf("denied by policy: %s", decision.Reason))
	}

	if decision.RequiresApproval {
		outcome, proceed, err := s.askApproval(ctx, turnID, tc, args, tier, risk)
		if outcome != nil || err != nil {
			return outcome, err
		}
		if !proceed {
			return nil, nil
		}
	}

	if !s.ctrl.TryConsumeToolStep() {
		if err := s.noteToolCall(turnID, 0, tc, args, risk); err != nil {
			return nil, err
		}
		// Pair the request with a result before the run fails so the log
		// never ends with a dangling tool_call_requested.
		if err := s.emit(wal.EventToolCallFinished, turnID, 0, map[string]any{
			"tool":       tc.Name,
			"call_id":    tc.ID,
			"ok":         false,
			"error_kind": string(KindBudgetExceeded),
			"message":    fmt.Sprintf("step budget of %d exhausted before this call could run", s.ctrl.MaxSteps()),
		}); err != nil {
			return nil, err
		}
		outcome, err := s.terminal("failed", "", runErrorf(KindBudgetExceeded,
			"step budget of %d exhausted", s.ctrl.MaxSteps()))
		return outcome, err
	}
	stepID := s.ctrl.NextStepID()

	if err := s.noteToolCall(turnID, stepID, tc, args, risk); err != nil {
		return nil, err
	}

	res := s.r.opts.Registry.Dispatch(ctx, tc.Name, args)
	finished := map[string]any{
		"tool":        tc.Name,
		"call_id":     tc.ID,
		"ok":          res.OK,
		"duration_ms": res.DurationMS,
		"message":     res.Message(),
	}
	if res.ErrorKind != "" {
		finished["error_kind"] = res.ErrorKind
	}
	if res.ExitCode != nil {
		finished["exit_code"] = *res.ExitCode
	}
	if res.Truncated {
		finished["truncated"] = true
	}
	if err := s.emit(wal.EventToolCallFinished, turnID, stepID, finished); err != nil {
		return nil, err
	}
	s.history = append(s.history, provider.Message{
		Role:       "tool",
		Content:    res.Message(),
		ToolCallID: tc.ID,
	})
	return nil, nil
}

// noteToolCall records the sanitized request event for a call that is about
// to execute.
func (s *runState) noteToolCall(turnID, stepID int, tc provider.ToolCall, args map[string]any, risk approval.Assessment) error {
	sanitized := approval.Sanitize(tc.Name, args)
	return s.emit(wal.EventToolCallRequested, turnID, stepID, map[string]any{
		"tool":    tc.Name,
		"call_id": tc.ID,
		"args":    sanitized.Args,
		"risk":    risk.Level,
	})
}

// rejectToolCall records a call that will not execute and feeds the failure
// back to the model as the tool result. No step budget is consumed.
func (s *runState) rejectToolCall(turnID int, tc provider.ToolCall, args map[string]any, kind, msg string) error {
	sanitized := approval.Sanitize(tc.Name, args)
	if err := s.emit(wal.EventToolCallRequested, turnID, 0, map[string]any{
		"tool":    tc.Name,
		"call_id": tc.ID,
		"args":    sanitized.Args,
	}); err != nil {
		return err
	}
	res := tools.Fail(kind, "%s", msg)
	if err := s.emit(wal.EventToolCallFinished, turnID, 0, map[string]any{
		"tool":       tc.Name,
		"call_id":    tc.ID,
		"ok":         false,
		"error_kind": kind,
		"message":    res.Message(),
	}); err != nil {
		return err
	}
	s.history = append(s.history, provider.Message{
		Role:       "tool",
		Content:    res.Message(),
		ToolCallID: tc.ID,
	})
	return nil
}

// askApproval runs the gate flow for one call. It returns a terminal
// outcome for abort, denial-loop exhaustion, or a missing provider;
// proceed reports whether the call may execute.
func (s *runState) askApproval(ctx context.Context, turnID int, tc provider.ToolCall, args map[string]any, tier int, risk approval.Assessment) (*Outcome, bool, error) {
	req := approval.NewRequest(s.id, tc.Name, tier, args, risk)

	cached := s.r.opts.Gate != nil && s.r.opts.Gate.SessionApproved(req.Fingerprint)
	if !cached {
		if err := s.emit(wal.EventApprovalRequested, turnID, 0, map[string]any{
			"approval_id": req.ApprovalID,
			"tool":        tc.Name,
			"tier":        tier,
			"risk":        risk.Level,
			"reason":      risk.Reason,
			"fingerprint": req.Fingerprint,
			"args":        req.Sanitized.Args,
		}); err != nil {
			return nil, false, err
		}
	}

	var decision string
	var askErr error
	if s.r.opts.Gate == nil {
		decision, askErr = approval.DecisionDenied, approval.ErrNoProvider
	} else {
		decision, askErr = s.r.opts.Gate.Ask(ctx, req)
	}

	if errors.Is(askErr, approval.ErrNoProvider) {
		// Approval was required and nothing can grant it. Fail closed as
		// a configuration error rather than looping on denials.
		if err := s.emit(wal.EventApprovalDecided, turnID, 0, map[string]any{
			"approval_id": req.ApprovalID,
			"decision":    approval.DecisionDenied,
			"reason":      "no_approval_provider",
			"fingerprint": req.Fingerprint,
		}); err != nil {
			return nil, false, err
		}
		outcome, err := s.terminal("failed", "", runErrorf(KindConfig,
			"tool %q requires approval but no approval provider is configured", tc.Name))
		return outcome, false, err
	}

	if err := s.emit(wal.EventApprovalDecided, turnID, 0, map[string]any{
		"approval_id": req.ApprovalID,
		"decision":    decision,
		"fingerprint": req.Fingerprint,
	}); err != nil {
		return nil, false, err
	}

	switch decision {
	case approval.DecisionAbort:
		outcome, err := s.terminal("cancelled", "", nil)
		return outcome, false, err
	case approval.DecisionDenied:
		s.ctrl.RecordDeniedApproval(req.Fingerprint)
		if s.ctrl.ShouldAbortDenials(req.Fingerprint) {
			outcome, err := s.terminal("failed", "", runErrorf(KindApprovalDenied,
				"call to %q denied repeatedly, aborting", tc.Name))
			return outcome, false, err
		}
		if err := s.denyToolResult(turnID, tc, args, risk); err != nil {
			return nil, false, err
		}
		return nil, false, nil
	default:
		s.ctrl.ResetDenials(req.Fingerprint)
		return nil, true, nil
	}
}

// denyToolResult feeds an approval denial back to the model so it can
// change course instead of repeating the same call. The denied call still
// gets its request event so the log pairs every result with a request.
func (s *runState) denyToolResult(turnID int, tc provider.ToolCall, args map[string]any, risk approval.Assessment) error {
	if err := s.noteToolCall(turnID, 0, tc, args, risk); err != nil {
		return err
	}
	res := tools.Fail(tools.ErrKindHumanRequired,
		"the user declined to approve this %s call; do not retry it verbatim", tc.Name)
	if err := s.emit(wal.EventToolCallFinished, turnID, 0, map[string]any{
		"tool":       tc.Name,
		"call_id":    tc.ID,
		"ok":         false,
		"error_kind": res.ErrorKind,
		"message":    res.Message(),
	}); err != nil {
		return err
	}
	s.history = append(s.history, provider.Message{
		Role:       "tool",
		Content:    res.Message(),
		ToolCallID: tc.ID,
	})
	return nil
}

// trimForLog shortens free text for event payloads.
func trimForLog(s string, max int) string {
	s = strings.TrimSpace(s)
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
