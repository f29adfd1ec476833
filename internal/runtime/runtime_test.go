package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/RunLedger/RunLedger/internal/approval"
	"github.com/RunLedger/RunLedger/internal/config"
	"github.com/RunLedger/RunLedger/internal/policy"
	"github.com/RunLedger/RunLedger/internal/provider"
	"github.com/RunLedger/RunLedger/internal/tools"
	"github.com/RunLedger/RunLedger/internal/wal"
)

// scriptTurn is one scripted model response.
type scriptTurn struct {
	text      string
	toolCalls []provider.ToolCall
	err       error
}

// scriptedProvider plays back responses in order. With repeatLast set, the
// final turn repeats forever, which simulates a model stuck on one call.
type scriptedProvider struct {
	mu         sync.Mutex
	turns      []scriptTurn
	calls      int
	repeatLast bool
}

func (p *scriptedProvider) StreamChat(ctx context.Context, req *provider.ChatRequest) (<-chan provider.StreamItem, error) {
	p.mu.Lock()
	i := p.calls
	p.calls++
	if i >= len(p.turns) {
		if !p.repeatLast || len(p.turns) == 0 {
			p.mu.Unlock()
			return nil, fmt.Errorf("unexpected model call %d", i)
		}
		i = len(p.turns) - 1
	}
	turn := p.turns[i]
	p.mu.Unlock()

	if turn.err != nil {
		return nil, turn.err
	}
	ch := make(chan provider.StreamItem, 8)
	go func() {
		defer close(ch)
		if turn.text != "" {
			ch <- provider.StreamItem{Delta: turn.text}
		}
		if len(turn.toolCalls) > 0 {
			ch <- provider.StreamItem{ToolCalls: turn.toolCalls}
		}
		ch <- provider.StreamItem{Done: true}
	}()
	return ch, nil
}

func (p *scriptedProvider) DefaultModel() string { return "test-model" }

func (p *scriptedProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

// blockedProvider never yields; the stream closes only on cancellation.
type blockedProvider struct{}

func (p *blockedProvider) StreamChat(ctx context.Context, req *provider.ChatRequest) (<-chan provider.StreamItem, error) {
	ch := make(chan provider.StreamItem)
	go func() {
		defer close(ch)
		<-ctx.Done()
	}()
	return ch, nil
}

func (p *blockedProvider) DefaultModel() string { return "test-model" }

// echoTool is a tier-0 tool that echoes its text argument.
type echoTool struct{}

func (echoTool) Name() string        { return "echo" }
func (echoTool) Description() string { return "Echo text back" }
func (echoTool) Tier() int           { return tools.TierReadOnly }
func (echoTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"text": map[string]any{"type": "string"},
		},
	}
}
func (echoTool) Execute(ctx context.Context, params map[string]any) *tools.Result {
	return tools.Ok(tools.GetString(params, "text", ""))
}

// deployTool is a tier-2 tool that always requires approval under the
// default policy.
type deployTool struct{ runs int }

func (t *deployTool) Name() string        { return "deploy" }
func (t *deployTool) Description() string { return "Deploy to an environment" }
func (t *deployTool) Tier() int           { return tools.TierHighRisk }
func (t *deployTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"target": map[string]any{"type": "string"},
		},
		"required": []string{"target"},
	}
}
func (t *deployTool) Execute(ctx context.Context, params map[string]any) *tools.Result {
	t.runs++
	return tools.Ok("deployed to " + tools.GetString(params, "target", ""))
}

func call(id, name, args string) provider.ToolCall {
	return provider.ToolCall{ID: id, Name: name, Arguments: json.RawMessage(args)}
}

type runnerOpts func(*Options)

func withGate(g *approval.Gate) runnerOpts   { return func(o *Options) { o.Gate = g } }
func withConfig(c *config.Config) runnerOpts { return func(o *Options) { o.Config = c } }
func withPolicy(p policy.Engine) runnerOpts  { return func(o *Options) { o.Policy = p } }
func withArtifacts(a ArtifactStore) runnerOpts {
	return func(o *Options) { o.Artifacts = a }
}
func withRegistry(reg *tools.Registry) runnerOpts {
	return func(o *Options) { o.Registry = reg }
}

func newTestRunner(t *testing.T, prov provider.Provider, opts ...runnerOpts) (*Runner, *wal.MemoryBackend) {
	t.Helper()
	backend := wal.NewMemoryBackend()
	reg := tools.NewRegistry()
	reg.Register(echoTool{})
	o := Options{
		Backend:  backend,
		Provider: prov,
		Registry: reg,
		Config:   config.DefaultConfig(),
	}
	for _, f := range opts {
		f(&o)
	}
	r, err := NewRunner(o)
	if err != nil {
		t.Fatalf("NewRunner: %v", err)
	}
	return r, backend
}

func eventTypes(events []*wal.Event) []string {
	var out []string
	for _, e := range events {
		out = append(out, e.Type)
	}
	return out
}

// requirePairedToolEvents fails when a tool_call_finished appears without an
// earlier tool_call_requested carrying the same call id.
func requirePairedToolEvents(t *testing.T, events []*wal.Event) {
	t.Helper()
	requested := make(map[string]bool)
	for _, e := range events {
		id, _ := e.Payload["call_id"].(string)
		switch e.Type {
		case wal.EventToolCallRequested:
			requested[id] = true
		case wal.EventToolCallFinished:
			if !requested[id] {
				t.Errorf("tool_call_finished for %q has no earlier tool_call_requested", id)
			}
		}
	}
}

func countType(events []*wal.Event, typ string) int {
	n := 0
	for _, e := range events {
		if e.Type == typ {
			n++
		}
	}
	return n
}

func TestRunCompletesWithoutTools(t *testing.T) {
	prov := &scriptedProvider{turns: []scriptTurn{{text: "all done"}}}
	r, backend := newTestRunner(t, prov)

	out, err := r.Run(context.Background(), RunOptions{RunID: "r1", Task: "say done"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.Status != "completed" || out.FinalText != "all done" {
		t.Fatalf("unexpected outcome: %+v", out)
	}
	events := backend.Events("r1")
	if events[0].Type != wal.EventRunStarted {
		t.Errorf("first event = %s, want run_started", events[0].Type)
	}
	last := events[len(events)-1]
	if last.Type != wal.EventRunCompleted {
		t.Errorf("last event = %s, want run_completed", last.Type)
	}
	if countType(events, wal.EventLLMResponseDelta) == 0 {
		t.Error("expected at least one response delta event")
	}
}

func TestStepBudgetTerminatesRun(t *testing.T) {
	prov := &scriptedProvider{
		turns:      []scriptTurn{{toolCalls: []provider.ToolCall{call("c1", "echo", `{"text":"hi"}`)}}},
		repeatLast: true,
	}
	r, backend := newTestRunner(t, prov)

	out, err := r.Run(context.Background(), RunOptions{RunID: "r1", Task: "loop", MaxSteps: 3})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.Status != "failed" || out.Err == nil || out.Err.Kind != KindBudgetExceeded {
		t.Fatalf("unexpected outcome: %+v", out)
	}
	if out.Steps != 3 {
		t.Errorf("steps = %d, want exactly 3", out.Steps)
	}
	executed := 0
	for _, e := range backend.Events("r1") {
		if e.Type == wal.EventToolCallFinished && e.StepID > 0 {
			executed++
		}
	}
	if executed != 3 {
		t.Errorf("executed tool calls = %d, want 3", executed)
	}
}

func TestApprovalWithoutProviderFailsClosed(t *testing.T) {
	dt := &deployTool{}
	reg := tools.NewRegistry()
	reg.Register(dt)
	prov := &scriptedProvider{turns: []scriptTurn{
		{toolCalls: []provider.ToolCall{call("c1", "deploy", `{"target":"prod"}`)}},
	}}
	r, backend := newTestRunner(t, prov, withRegistry(reg))

	out, err := r.Run(context.Background(), RunOptions{RunID: "r1", Task: "ship it"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.Status != "failed" || out.Err == nil || out.Err.Kind != KindConfig {
		t.Fatalf("unexpected outcome: %+v", out)
	}
	if dt.runs != 0 {
		t.Error("tool executed despite missing approval provider")
	}
	events := backend.Events("r1")
	if countType(events, wal.EventApprovalRequested) != 1 {
		t.Errorf("approval_requested count = %d, want 1", countType(events, wal.EventApprovalRequested))
	}
	if countType(events, wal.EventApprovalDecided) != 1 {
		t.Errorf("approval_decided count = %d, want 1", countType(events, wal.EventApprovalDecided))
	}
}

func TestRepeatedDenialsAbortRun(t *testing.T) {
	dt := &deployTool{}
	reg := tools.NewRegistry()
	reg.Register(dt)
	gate, err := approval.NewGate(approval.ProviderFunc(
		func(ctx context.Context, req *approval.Request) (string, error) {
			return approval.DecisionDenied, nil
		}), time.Second)
	if err != nil {
		t.Fatalf("NewGate: %v", err)
	}
	defer gate.Close()

	prov := &scriptedProvider{
		turns: []scriptTurn{
			{toolCalls: []provider.ToolCall{call("c1", "deploy", `{"target":"prod"}`)}},
		},
		repeatLast: true,
	}
	r, backend := newTestRunner(t, prov, withRegistry(reg), withGate(gate))

	out, err := r.Run(context.Background(), RunOptions{RunID: "r1", Task: "ship it"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.Status != "failed" || out.Err == nil || out.Err.Kind != KindApprovalDenied {
		t.Fatalf("unexpected outcome: %+v", out)
	}
	if dt.runs != 0 {
		t.Error("tool executed despite denials")
	}
	denied := countType(backend.Events("r1"), wal.EventApprovalDecided)
	if denied != 3 {
		t.Errorf("approval_decided count = %d, want 3 (denial threshold)", denied)
	}
}

func TestSessionApprovalAskedOnce(t *testing.T) {
	dt := &deployTool{}
	reg := tools.NewRegistry()
	reg.Register(dt)
	asks := 0
	gate, err := approval.NewGate(approval.ProviderFunc(
		func(ctx context.Context, req *approval.Request) (string, error) {
			asks++
			return approval.DecisionApprovedForSession, nil
		}), time.Second)
	if err != nil {
		t.Fatalf("NewGate: %v", err)
	}
	defer gate.Close()

	prov := &scriptedProvider{turns: []scriptTurn{
		{toolCalls: []provider.ToolCall{call("c1", "deploy", `{"target":"prod"}`)}},
		{toolCalls: []provider.ToolCall{call("c2", "deploy", `{"target":"prod"}`)}},
		{text: "both deploys done"},
	}}
	r, backend := newTestRunner(t, prov, withRegistry(reg), withGate(gate))

	out, err := r.Run(context.Background(), RunOptions{RunID: "r1", Task: "ship twice"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.Status != "completed" {
		t.Fatalf("unexpected outcome: %+v", out)
	}
	if asks != 1 {
		t.Errorf("provider asked %d times, want 1", asks)
	}
	if dt.runs != 2 {
		t.Errorf("tool ran %d times, want 2", dt.runs)
	}
	requested := countType(backend.Events("r1"), wal.EventApprovalRequested)
	if requested != 1 {
		t.Errorf("approval_requested count = %d, want 1", requested)
	}
}

func TestMalformedArgumentsSkipPolicy(t *testing.T) {
	dt := &deployTool{}
	reg := tools.NewRegistry()
	reg.Register(dt)
	prov := &scriptedProvider{turns: []scriptTurn{
		{toolCalls: []provider.ToolCall{call("c1", "deploy", `{not json`)}},
		{text: "giving up"},
	}}
	r, backend := newTestRunner(t, prov, withRegistry(reg))

	out, err := r.Run(context.Background(), RunOptions{RunID: "r1", Task: "ship it"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.Status != "completed" {
		t.Fatalf("unexpected outcome: %+v", out)
	}
	if out.Steps != 0 {
		t.Errorf("steps = %d, want 0 for a rejected call", out.Steps)
	}
	events := backend.Events("r1")
	if countType(events, wal.EventApprovalRequested) != 0 {
		t.Error("malformed arguments must not reach the approval gate")
	}
	if countType(events, wal.EventToolCallFinished) != 1 {
		t.Error("expected a tool_call_finished event carrying the validation error")
	}
}

func TestCancelledRunEmitsCancelEvent(t *testing.T) {
	prov := &blockedProvider{}
	r, backend := newTestRunner(t, prov)

	cancelled := false
	out, err := r.Run(context.Background(), RunOptions{
		RunID: "r1",
		Task:  "long task",
		CancelChecker: func() (bool, error) {
			was := cancelled
			cancelled = true
			return was, nil
		},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.Status != "cancelled" {
		t.Fatalf("status = %s, want cancelled", out.Status)
	}
	last := backend.Events("r1")
	if last[len(last)-1].Type != wal.EventRunCancelled {
		t.Errorf("last event = %s, want run_cancelled", last[len(last)-1].Type)
	}
}

func TestEventOrderingIsMonotonic(t *testing.T) {
	prov := &scriptedProvider{turns: []scriptTurn{
		{toolCalls: []provider.ToolCall{
			call("c1", "echo", `{"text":"a"}`),
			call("c2", "echo", `{"text":"b"}`),
		}},
		{toolCalls: []provider.ToolCall{call("c3", "echo", `{"text":"c"}`)}},
		{text: "done"},
	}}
	r, backend := newTestRunner(t, prov)

	if _, err := r.Run(context.Background(), RunOptions{RunID: "r1", Task: "work"}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	requirePairedToolEvents(t, backend.Events("r1"))
	lastTurn, lastStep := 0, 0
	for _, e := range backend.Events("r1") {
		if e.TurnID < lastTurn {
			t.Fatalf("turn id went backwards: %d after %d (%s)", e.TurnID, lastTurn, e.Type)
		}
		if e.TurnID > lastTurn {
			lastTurn = e.TurnID
		}
		if e.StepID > 0 {
			if e.StepID < lastStep {
				t.Fatalf("step id went backwards: %d after %d (%s)", e.StepID, lastStep, e.Type)
			}
			lastStep = e.StepID
		}
	}
	if lastStep != 3 {
		t.Errorf("max step id = %d, want 3", lastStep)
	}
}

func TestDeniedCallStillGetsRequestEvent(t *testing.T) {
	dt := &deployTool{}
	reg := tools.NewRegistry()
	reg.Register(dt)
	asks := 0
	gate, err := approval.NewGate(approval.ProviderFunc(
		func(ctx context.Context, req *approval.Request) (string, error) {
			asks++
			if asks == 1 {
				return approval.DecisionDenied, nil
			}
			return approval.DecisionApprovedOnce, nil
		}), time.Second)
	if err != nil {
		t.Fatalf("NewGate: %v", err)
	}
	defer gate.Close()

	prov := &scriptedProvider{turns: []scriptTurn{
		{toolCalls: []provider.ToolCall{call("c1", "deploy", `{"target":"prod"}`)}},
		{toolCalls: []provider.ToolCall{call("c2", "deploy", `{"target":"prod"}`)}},
		{text: "deployed"},
	}}
	r, backend := newTestRunner(t, prov, withRegistry(reg), withGate(gate))

	out, err := r.Run(context.Background(), RunOptions{RunID: "r1", Task: "ship it"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.Status != "completed" {
		t.Fatalf("unexpected outcome: %+v", out)
	}

	events := backend.Events("r1")
	requirePairedToolEvents(t, events)
	if countType(events, wal.EventToolCallRequested) != 2 {
		t.Errorf("tool_call_requested count = %d, want 2", countType(events, wal.EventToolCallRequested))
	}
	denied := 0
	for _, e := range events {
		if e.Type == wal.EventToolCallFinished && e.Payload["error_kind"] == tools.ErrKindHumanRequired {
			denied++
			if e.StepID != 0 {
				t.Errorf("denied call consumed step %d", e.StepID)
			}
		}
	}
	if denied != 1 {
		t.Errorf("denied tool results = %d, want 1", denied)
	}
	if dt.runs != 1 {
		t.Errorf("tool ran %d times, want 1", dt.runs)
	}
}

func TestBudgetExhaustionPairsFinalRequest(t *testing.T) {
	prov := &scriptedProvider{
		turns:      []scriptTurn{{toolCalls: []provider.ToolCall{call("c1", "echo", `{"text":"hi"}`)}}},
		repeatLast: true,
	}
	r, backend := newTestRunner(t, prov)

	out, err := r.Run(context.Background(), RunOptions{RunID: "r1", Task: "loop", MaxSteps: 1})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.Status != "failed" || out.Err == nil || out.Err.Kind != KindBudgetExceeded {
		t.Fatalf("unexpected outcome: %+v", out)
	}

	events := backend.Events("r1")
	requirePairedToolEvents(t, events)
	if last := events[len(events)-1]; last.Type != wal.EventRunFailed {
		t.Fatalf("last event = %s, want run_failed", last.Type)
	}
	overBudget := 0
	for _, e := range events {
		if e.Type == wal.EventToolCallFinished && e.StepID == 0 {
			overBudget++
			if e.Payload["error_kind"] != string(KindBudgetExceeded) {
				t.Errorf("over-budget result kind = %v", e.Payload["error_kind"])
			}
		}
	}
	if overBudget != 1 {
		t.Errorf("step-0 tool results = %d, want 1 for the call the budget refused", overBudget)
	}
}

func TestFileWriteUnderAskModeNeedsOneApproval(t *testing.T) {
	ws := t.TempDir()
	reg := tools.NewRegistry()
	reg.Register(tools.NewWriteFileTool(ws))

	gate, err := approval.NewGate(approval.ProviderFunc(
		func(ctx context.Context, req *approval.Request) (string, error) {
			if req.Tool != "write_file" {
				t.Errorf("approval for unexpected tool %s", req.Tool)
			}
			return approval.DecisionApprovedOnce, nil
		}), time.Second)
	if err != nil {
		t.Fatalf("NewGate: %v", err)
	}
	defer gate.Close()

	ask := &policy.RuleEngine{
		MaxAutoTier: tools.TierReadOnly,
		Rules:       map[string]string{"write_file": policy.ModeAsk},
		DefaultMode: policy.ModeAsk,
	}
	prov := &scriptedProvider{turns: []scriptTurn{
		{toolCalls: []provider.ToolCall{call("c1", "write_file", `{"path":"notes.txt","content":"hello"}`)}},
		{text: "file written"},
	}}
	r, backend := newTestRunner(t, prov, withRegistry(reg), withGate(gate), withPolicy(ask))

	out, err := r.Run(context.Background(), RunOptions{RunID: "r1", Task: "write notes"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.Status != "completed" {
		t.Fatalf("unexpected outcome: %+v", out)
	}

	data, err := os.ReadFile(filepath.Join(ws, "notes.txt"))
	if err != nil {
		t.Fatalf("read written file: %v", err)
	}
	if string(data) != "hello" {
		t.Errorf("file content = %q", data)
	}

	events := backend.Events("r1")
	if countType(events, wal.EventApprovalRequested) != 1 {
		t.Errorf("approval_requested count = %d, want 1", countType(events, wal.EventApprovalRequested))
	}
	if countType(events, wal.EventApprovalDecided) != 1 {
		t.Errorf("approval_decided count = %d, want 1", countType(events, wal.EventApprovalDecided))
	}
	executed := 0
	for _, e := range events {
		if e.Type == wal.EventToolCallFinished && e.StepID > 0 {
			if ok, _ := e.Payload["ok"].(bool); !ok {
				t.Errorf("tool_call_finished not ok: %v", e.Payload)
			}
			executed++
		}
	}
	if executed != 1 {
		t.Errorf("executed tool calls = %d, want 1", executed)
	}
}

func TestUnknownToolFeedsErrorBack(t *testing.T) {
	prov := &scriptedProvider{turns: []scriptTurn{
		{toolCalls: []provider.ToolCall{call("c1", "no_such_tool", `{}`)}},
		{text: "ok, stopping"},
	}}
	r, _ := newTestRunner(t, prov)

	out, err := r.Run(context.Background(), RunOptions{RunID: "r1", Task: "work"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.Status != "completed" {
		t.Fatalf("unexpected outcome: %+v", out)
	}
	if out.Steps != 0 {
		t.Errorf("steps = %d, want 0", out.Steps)
	}
}
