package runtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/RunLedger/RunLedger/internal/tools"
)

const defaultSubagentLimit = 4

// ErrUnknownAgent is returned when an agent id matches no spawned child.
var ErrUnknownAgent = errors.New("unknown agent")

// ErrWaitTimeout is returned when a child is still running after the wait
// timeout elapses. The child keeps running; only the wait gives up.
var ErrWaitTimeout = errors.New("agent still running")

// SubagentManager runs child tasks as independent runs on the same Runner.
// Children share the event backend and approval gate but get their own run
// id, budget, and cancellation flag.
type SubagentManager struct {
	runner *Runner
	group  *errgroup.Group

	mu       sync.Mutex
	children map[string]*subagent
}

type subagent struct {
	id        string
	task      string
	cancelled atomic.Bool
	done      chan struct{}
	outcome   *Outcome
	err       error
}

func NewSubagentManager(runner *Runner, maxConcurrent int) *SubagentManager {
	if maxConcurrent <= 0 {
		maxConcurrent = defaultSubagentLimit
	}
	g := &errgroup.Group{}
	g.SetLimit(maxConcurrent)
	return &SubagentManager{
		runner:   runner,
		group:    g,
		children: make(map[string]*subagent),
	}
}

// Spawn starts a child run and returns its agent id immediately. The child
// queues if the concurrency limit is reached.
func (m *SubagentManager) Spawn(task string) string {
	c := &subagent{
		id:   "sub-" + uuid.NewString()[:8],
		task: task,
		done: make(chan struct{}),
	}
	m.mu.Lock()
	m.children[c.id] = c
	m.mu.Unlock()

	m.group.Go(func() error {
		defer close(c.done)
		c.outcome, c.err = m.runner.Run(context.Background(), RunOptions{
			RunID:         c.id,
			Task:          c.task,
			CancelChecker: func() (bool, error) { return c.cancelled.Load(), nil },
		})
		return nil
	})
	return c.id
}

// Wait blocks until the child finishes or the timeout elapses. It holds no
// locks while waiting, so other children and the parent loop proceed freely.
func (m *SubagentManager) Wait(ctx context.Context, agentID string, timeout time.Duration) (*Outcome, error) {
	m.mu.Lock()
	c, ok := m.children[agentID]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownAgent, agentID)
	}

	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}
	select {
	case <-c.done:
		return c.outcome, c.err
	case <-timer:
		return nil, fmt.Errorf("%w: %q after %s", ErrWaitTimeout, agentID, timeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Cancel flags a child for cooperative cancellation. The child observes the
// flag at its next loop iteration.
func (m *SubagentManager) Cancel(agentID string) error {
	m.mu.Lock()
	c, ok := m.children[agentID]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownAgent, agentID)
	}
	c.cancelled.Store(true)
	return nil
}

// Shutdown cancels all outstanding children and waits for them to drain.
// Called when the parent run ends so no child is orphaned silently.
func (m *SubagentManager) Shutdown() {
	m.mu.Lock()
	for _, c := range m.children {
		c.cancelled.Store(true)
	}
	m.mu.Unlock()
	_ = m.group.Wait()
}

// Running lists ids of children that have not finished.
func (m *SubagentManager) Running() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for id, c := range m.children {
		select {
		case <-c.done:
		default:
			out = append(out, id)
		}
	}
	return out
}

// SpawnAgentTool exposes subagent spawning to the model.
type SpawnAgentTool struct {
	Manager *SubagentManager
}

func (t *SpawnAgentTool) Name() string { return "spawn_agent" }

func (t *SpawnAgentTool) Description() string {
	return "Spawn a sub-agent to work on a task in parallel. Returns an agent_id. Set wait=true to block until it finishes."
}

func (t *SpawnAgentTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"task": map[string]any{
				"type":        "string",
				"description": "The task for the sub-agent",
			},
			"wait": map[string]any{
				"type":        "boolean",
				"description": "Block until the sub-agent finishes",
			},
			"timeout_seconds": map[string]any{
				"type":        "integer",
				"description": "Wait timeout when wait=true (default 300)",
			},
		},
		"required": []string{"task"},
	}
}

func (t *SpawnAgentTool) Tier() int { return tools.TierHighRisk }

func (t *SpawnAgentTool) Execute(ctx context.Context, params map[string]any) *tools.Result {
	task := tools.GetString(params, "task", "")
	if task == "" {
		return tools.Fail(tools.ErrKindValidation, "task must not be empty")
	}
	id := t.Manager.Spawn(task)
	if !tools.GetBool(params, "wait", false) {
		return &tools.Result{OK: true, Stdout: fmt.Sprintf("spawned agent %s", id),
			Data: map[string]any{"agent_id": id, "status": "running"}}
	}

	timeout := time.Duration(tools.GetInt(params, "timeout_seconds", 300)) * time.Second
	outcome, err := t.Manager.Wait(ctx, id, timeout)
	if err != nil {
		return waitFailure(id, err)
	}
	return subagentResult(id, outcome)
}

// waitFailure maps a Wait error onto the tool error taxonomy.
func waitFailure(id string, err error) *tools.Result {
	switch {
	case errors.Is(err, ErrUnknownAgent):
		return tools.Fail(tools.ErrKindNotFound, "agent %s: %v", id, err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return tools.Fail(tools.ErrKindCancelled, "agent %s: %v", id, err)
	default:
		return tools.Fail(tools.ErrKindTimeout, "agent %s: %v", id, err)
	}
}

// WaitAgentTool blocks on a previously spawned sub-agent.
type WaitAgentTool struct {
	Manager *SubagentManager
}

func (t *WaitAgentTool) Name() string { return "wait_agent" }

func (t *WaitAgentTool) Description() string {
	return "Wait for a spawned sub-agent to finish and return its result."
}

func (t *WaitAgentTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"agent_id": map[string]any{
				"type":        "string",
				"description": "Id returned by spawn_agent",
			},
			"timeout_seconds": map[string]any{
				"type":        "integer",
				"description": "Wait timeout (default 300)",
			},
		},
		"required": []string{"agent_id"},
	}
}

func (t *WaitAgentTool) Tier() int { return tools.TierReadOnly }

func (t *WaitAgentTool) Execute(ctx context.Context, params map[string]any) *tools.Result {
	id := tools.GetString(params, "agent_id", "")
	timeout := time.Duration(tools.GetInt(params, "timeout_seconds", 300)) * time.Second
	outcome, err := t.Manager.Wait(ctx, id, timeout)
	if err != nil {
		return waitFailure(id, err)
	}
	return subagentResult(id, outcome)
}

func subagentResult(id string, outcome *Outcome) *tools.Result {
	if outcome == nil {
		return tools.Fail(tools.ErrKindUnknown, "agent %s finished without an outcome", id)
	}
	data := map[string]any{
		"agent_id": id,
		"status":   outcome.Status,
		"steps":    outcome.Steps,
	}
	switch outcome.Status {
	case "completed":
		return &tools.Result{OK: true, Stdout: outcome.FinalText, Data: data}
	default:
		msg := outcome.Status
		if outcome.Err != nil {
			msg = outcome.Err.Error()
		}
		return &tools.Result{Stderr: fmt.Sprintf("agent %s: %s", id, msg),
			ErrorKind: tools.ErrKindUnknown, Data: data}
	}
}
