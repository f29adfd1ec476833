package cli

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"

	"github.com/RunLedger/RunLedger/internal/approval"
	"github.com/RunLedger/RunLedger/internal/runtime"
)

// consoleApprover answers approval requests, recovery prompts and skill env
// questions on the terminal. Reads and writes are serialized by the run
// loop, so no locking is needed.
type consoleApprover struct {
	out io.Writer
	in  io.Reader

	reader *bufio.Reader
}

func (c *consoleApprover) readLine() (string, error) {
	if c.reader == nil {
		c.reader = bufio.NewReader(c.in)
	}
	line, err := c.reader.ReadString('\n')
	if err != nil && line == "" {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

// RequestApproval renders the sanitized call and maps the operator's answer
// onto a gate decision. Unrecognized input denies.
func (c *consoleApprover) RequestApproval(ctx context.Context, req *approval.Request) (string, error) {
	riskColor := color.YellowString
	if req.Risk.Level == approval.RiskHigh {
		riskColor = color.RedString
	}
	fmt.Fprintf(c.out, "\n%s %s wants to run %s (tier %d, risk %s)\n",
		color.CyanString("[approval]"), req.RunID, color.New(color.Bold).Sprint(req.Tool),
		req.Tier, riskColor(req.Risk.Level))
	if req.Risk.Reason != "" {
		fmt.Fprintf(c.out, "  reason: %s\n", req.Risk.Reason)
	}
	if args, err := json.MarshalIndent(req.Sanitized.Args, "  ", "  "); err == nil {
		fmt.Fprintf(c.out, "  args: %s\n", args)
	}
	fmt.Fprintf(c.out, "  [y] once  [s] for session  [n] deny  [a] abort run > ")

	answer, err := c.readLine()
	if err != nil {
		return "", err
	}
	return ParseApprovalAnswer(answer), nil
}

// ParseApprovalAnswer maps terminal input to a gate decision string.
func ParseApprovalAnswer(answer string) string {
	switch strings.ToLower(answer) {
	case "y", "yes", "once":
		return approval.DecisionApprovedOnce
	case "s", "session", "always":
		return approval.DecisionApprovedForSession
	case "a", "abort", "q", "quit":
		return approval.DecisionAbort
	default:
		return approval.DecisionDenied
	}
}

// ChooseRecovery asks the operator what to do about a context overflow.
func (c *consoleApprover) ChooseRecovery(ctx context.Context, runID string, turnID int) (runtime.RecoveryChoice, error) {
	fmt.Fprintf(c.out, "\n%s run %s hit the model's context limit on turn %d\n",
		color.YellowString("[context]"), runID, turnID)
	fmt.Fprintf(c.out, "  [c] compact and continue  [h] hand off to a new run  [r] raise budget and compact  [t] terminate > ")
	answer, err := c.readLine()
	if err != nil {
		return "", err
	}
	switch strings.ToLower(answer) {
	case "h", "handoff":
		return runtime.RecoverHandoff, nil
	case "r", "raise":
		return runtime.RecoverRaiseBudget, nil
	case "t", "terminate", "q":
		return runtime.RecoverTerminate, nil
	default:
		return runtime.RecoverCompact, nil
	}
}

// AskEnv prompts for a skill's missing env var.
func (c *consoleApprover) AskEnv(ctx context.Context, skill, key string) (string, error) {
	fmt.Fprintf(c.out, "\n%s skill %s needs %s: ",
		color.CyanString("[skills]"), skill, key)
	return c.readLine()
}
