package tools

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/google/uuid"
)

// ExecMarkerEnv is set on every spawned process so an external reconciler
// can identify orphans left by a crashed instance before terminating them,
// instead of trusting recycled PIDs.
const ExecMarkerEnv = "RUNLEDGER_EXEC_MARKER"

// ExecMarker identifies this process instance in spawned children.
var ExecMarker = uuid.NewString()

// ExecTool executes shell commands in the workspace. Risk analysis of the
// command string happens upstream in the approval gate; by the time Execute
// runs, the call has already passed policy and approval.
type ExecTool struct {
	Timeout   time.Duration
	workspace string
}

const defaultExecTimeout = 60 * time.Second

// NewExecTool creates an exec tool rooted at the workspace.
func NewExecTool(workspace string, timeout time.Duration) *ExecTool {
	if timeout <= 0 {
		timeout = defaultExecTimeout
	}
	return &ExecTool{Timeout: timeout, workspace: workspace}
}

func (t *ExecTool) Name() string { return "exec" }
func (t *ExecTool) Tier() int    { return TierHighRisk }

func (t *ExecTool) Description() string {
	return "Execute a shell command in the workspace and return its output."
}

func (t *ExecTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"command": map[string]any{
				"type":        "string",
				"description": "The shell command to execute",
			},
			"timeout_seconds": map[string]any{
				"type":        "integer",
				"description": "Optional timeout override in seconds",
			},
		},
		"required": []string{"command"},
	}
}

func (t *ExecTool) Execute(ctx context.Context, params map[string]any) *Result {
	command := GetString(params, "command", "")
	if command == "" {
		return Fail(ErrKindValidation, "command is required")
	}
	timeout := t.Timeout
	if s := GetInt(params, "timeout_seconds", 0); s > 0 {
		timeout = time.Duration(s) * time.Second
	}

	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(execCtx, "sh", "-c", command)
	cmd.Dir = t.workspace
	cmd.Env = append(os.Environ(), fmt.Sprintf("%s=%s", ExecMarkerEnv, ExecMarker))
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()

	out, outTrunc := truncateOutput("exec", stdout.String())
	errOut, errTrunc := truncateOutput("exec", stderr.String())
	res := &Result{
		Stdout:    out,
		Stderr:    errOut,
		Truncated: outTrunc || errTrunc,
	}

	switch {
	case errors.Is(execCtx.Err(), context.DeadlineExceeded):
		res.ErrorKind = ErrKindTimeout
		res.Retryable = true
		if res.Stderr == "" {
			res.Stderr = "command timed out"
		}
	case errors.Is(ctx.Err(), context.Canceled):
		res.ErrorKind = ErrKindCancelled
		if res.Stderr == "" {
			res.Stderr = "command cancelled"
		}
	case err != nil:
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code := exitErr.ExitCode()
			res.ExitCode = &code
			res.ErrorKind = ErrKindUnknown
			if res.Stderr == "" {
				res.Stderr = err.Error()
			}
		} else {
			res.ErrorKind = ErrKindNotFound
			res.Stderr = err.Error()
		}
	default:
		zero := 0
		res.ExitCode = &zero
		res.OK = true
	}
	return res
}
