// Package policy provides the pre-approval authorization check for tool
// calls. A policy denial is final: it is never retried and never escalated
// to the interactive approval provider.
package policy

import (
	"fmt"
	"time"
)

// Risk tiers, mirrored from the tool registry.
const (
	TierReadOnly = 0 // read-only internal tools
	TierWrite    = 1 // controlled writes inside the workspace
	TierHighRisk = 2 // external or high-impact actions
)

// Mode names for per-tool rules.
const (
	ModeAllow = "allow" // execute without asking
	ModeAsk   = "ask"   // route through the approval gate
	ModeDeny  = "deny"  // refuse outright
)

// Context holds information about a pending tool execution.
type Context struct {
	Tool      string
	Tier      int
	Arguments map[string]any
	RunID     string
	// EscalatesSandbox marks calls that request permissions beyond the
	// configured sandbox (e.g. network access from an isolated shell).
	EscalatesSandbox bool
	// RiskComplex marks shell invocations whose syntax could not be fully
	// analyzed (pipes, substitution); they are never auto-allowed.
	RiskComplex bool
}

// Decision is the result of a policy evaluation.
type Decision struct {
	Allow            bool
	RequiresApproval bool
	Reason           string
	Tier             int
	Ts               time.Time
}

// Engine evaluates whether a tool execution should proceed.
type Engine interface {
	Evaluate(ctx Context) Decision
}

// RuleEngine implements allow/ask/deny lists over a tier threshold baseline.
type RuleEngine struct {
	// MaxAutoTier is the highest tier executed without approval when no
	// per-tool rule applies.
	MaxAutoTier int
	// Rules maps tool name to ModeAllow/ModeAsk/ModeDeny, overriding the
	// tier baseline.
	Rules map[string]string
	// DefaultMode applies to tools above MaxAutoTier with no rule:
	// ModeAsk routes them to approval, ModeDeny refuses them.
	DefaultMode string
}

// NewRuleEngine creates an engine with the stock defaults: tiers 0-1
// auto-allowed, everything else asks.
func NewRuleEngine() *RuleEngine {
	return &RuleEngine{MaxAutoTier: TierWrite, DefaultMode: ModeAsk}
}

// Evaluate applies per-tool rules, then the tier baseline.
func (e *RuleEngine) Evaluate(ctx Context) Decision {
	d := Decision{Tier: ctx.Tier, Ts: time.Now()}

	if mode, ok := e.Rules[ctx.Tool]; ok {
		switch mode {
		case ModeDeny:
			d.Reason = fmt.Sprintf("tool_denied_by_policy: %s", ctx.Tool)
			return d
		case ModeAllow:
			// An explicit allow still cannot bypass sandbox escalation
			// or unparseable shell syntax.
			if ctx.EscalatesSandbox || ctx.RiskComplex {
				d.RequiresApproval = true
				d.Reason = "allowed_tool_with_elevated_risk"
				return d
			}
			d.Allow = true
			d.Reason = "tool_allowed_by_policy"
			return d
		case ModeAsk:
			d.RequiresApproval = true
			d.Reason = "tool_requires_approval_by_policy"
			return d
		}
	}

	if ctx.EscalatesSandbox {
		d.RequiresApproval = true
		d.Reason = "sandbox_escalation_requested"
		return d
	}

	if ctx.Tier <= e.MaxAutoTier && !ctx.RiskComplex {
		d.Allow = true
		d.Reason = fmt.Sprintf("tier_%d_auto_allowed", ctx.Tier)
		return d
	}

	if e.DefaultMode == ModeDeny {
		d.Reason = fmt.Sprintf("tier_%d_denied_by_default", ctx.Tier)
		return d
	}
	d.RequiresApproval = true
	if ctx.RiskComplex {
		d.Reason = "complex_shell_syntax"
	} else {
		d.Reason = fmt.Sprintf("tier_%d_requires_approval", ctx.Tier)
	}
	return d
}
