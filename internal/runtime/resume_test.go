package runtime

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/RunLedger/RunLedger/internal/approval"
	"github.com/RunLedger/RunLedger/internal/provider"
	"github.com/RunLedger/RunLedger/internal/wal"
)

// appendInterrupted writes a partial run log: one turn with an executed
// tool call and no terminal event, as if the process died mid-run.
func appendInterrupted(t *testing.T, backend *wal.MemoryBackend, runID string) {
	t.Helper()
	now := time.Now().UTC()
	for _, e := range []*wal.Event{
		{Type: wal.EventRunStarted, RunID: runID, Payload: map[string]any{"task": "fix the parser"}},
		{Type: wal.EventLLMRequestStarted, RunID: runID, TurnID: 1},
		{Type: wal.EventLLMResponseDelta, RunID: runID, TurnID: 1, Payload: map[string]any{"text": "let me look at the file"}},
		{Type: wal.EventToolCallRequested, RunID: runID, TurnID: 1, StepID: 1,
			Payload: map[string]any{"tool": "echo", "call_id": "c1", "args": map[string]any{"text": "parser.go"}}},
		{Type: wal.EventToolCallFinished, RunID: runID, TurnID: 1, StepID: 1,
			Payload: map[string]any{"tool": "echo", "call_id": "c1", "ok": true, "message": "parser.go"}},
	} {
		e.Timestamp = now
		if err := backend.Append(e); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
}

func TestResumeReplayContinuesWithSeededIDs(t *testing.T) {
	prov := &scriptedProvider{turns: []scriptTurn{
		{toolCalls: []provider.ToolCall{call("c2", "echo", `{"text":"again"}`)}},
		{text: "parser fixed"},
	}}
	r, backend := newTestRunner(t, prov)
	appendInterrupted(t, backend, "r1")
	before := len(backend.Events("r1"))

	out, err := r.Resume(context.Background(), ResumeOptions{RunID: "r1"})
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if out.Status != "completed" || out.FinalText != "parser fixed" {
		t.Fatalf("unexpected outcome: %+v", out)
	}

	events := backend.Events("r1")
	// The pre-resume prefix must be untouched.
	if len(events) <= before {
		t.Fatal("resume appended no events")
	}
	for _, e := range events[before:] {
		if e.TurnID > 0 && e.TurnID <= 1 {
			t.Errorf("resumed event reused turn id %d (%s)", e.TurnID, e.Type)
		}
		if e.StepID > 0 && e.StepID <= 1 {
			t.Errorf("resumed event reused step id %d (%s)", e.StepID, e.Type)
		}
	}
	if out.Steps != 2 {
		t.Errorf("steps = %d, want 2 (1 replayed + 1 new)", out.Steps)
	}
}

func TestResumeCompletedRunAppendsNothing(t *testing.T) {
	prov := &scriptedProvider{turns: []scriptTurn{{text: "done"}}}
	r, backend := newTestRunner(t, prov)

	first, err := r.Run(context.Background(), RunOptions{RunID: "r1", Task: "small task"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	before := len(backend.Events("r1"))

	out, err := r.Resume(context.Background(), ResumeOptions{RunID: "r1"})
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if out.Status != "completed" || out.FinalText != first.FinalText {
		t.Fatalf("unexpected outcome: %+v", out)
	}
	if len(backend.Events("r1")) != before {
		t.Error("resuming a completed run must not append events")
	}
	if prov.callCount() != 1 {
		t.Error("resuming a completed run must not call the model")
	}
}

func TestResumeUnknownRunFails(t *testing.T) {
	prov := &scriptedProvider{}
	r, _ := newTestRunner(t, prov)
	if _, err := r.Resume(context.Background(), ResumeOptions{RunID: "nope"}); err == nil {
		t.Fatal("expected an error for a run with no log")
	}
}

func TestResumeSeedsSessionApprovals(t *testing.T) {
	gate, err := approval.NewGate(approval.ProviderFunc(
		func(ctx context.Context, req *approval.Request) (string, error) {
			t.Error("gate asked despite a replayed session approval")
			return approval.DecisionDenied, nil
		}), time.Second)
	if err != nil {
		t.Fatalf("NewGate: %v", err)
	}
	defer gate.Close()

	prov := &scriptedProvider{turns: []scriptTurn{{text: "done"}}}
	r, backend := newTestRunner(t, prov, withGate(gate))
	appendInterrupted(t, backend, "r1")
	fp := "abc123fingerprint"
	if err := backend.Append(&wal.Event{
		Type: wal.EventApprovalDecided, RunID: "r1", TurnID: 1,
		Payload: map[string]any{"decision": "approved_for_session", "fingerprint": fp},
	}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	if _, err := r.Resume(context.Background(), ResumeOptions{RunID: "r1"}); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if !gate.SessionApproved(fp) {
		t.Error("session approval not rehydrated from the log")
	}
}

func TestResumeSummaryModeInjectsDigest(t *testing.T) {
	var sawDigest bool
	prov := &digestCheckProvider{inner: &scriptedProvider{turns: []scriptTurn{{text: "done"}}}, saw: &sawDigest}
	r, backend := newTestRunner(t, prov)
	appendInterrupted(t, backend, "r1")

	out, err := r.Resume(context.Background(), ResumeOptions{RunID: "r1", Mode: ResumeSummary})
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if out.Status != "completed" {
		t.Fatalf("unexpected outcome: %+v", out)
	}
	if !sawDigest {
		t.Error("summary mode did not inject an interruption digest")
	}
}

type digestCheckProvider struct {
	inner *scriptedProvider
	saw   *bool
}

func (p *digestCheckProvider) StreamChat(ctx context.Context, req *provider.ChatRequest) (<-chan provider.StreamItem, error) {
	for _, m := range req.Messages {
		if m.Role == "system" && len(m.Content) > 0 && containsStr(m.Content, "interrupted") {
			*p.saw = true
		}
	}
	return p.inner.StreamChat(ctx, req)
}

func (p *digestCheckProvider) DefaultModel() string { return "test-model" }

func containsStr(haystack, needle string) bool {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			return true
		}
	}
	return false
}

func TestCompactReplayHistoryHonorsTail(t *testing.T) {
	var history []provider.Message
	for i := 0; i < 10; i++ {
		history = append(history, provider.Message{Role: "assistant", Content: fmt.Sprintf("m%d", i)})
	}

	out := compactReplayHistory("the task", "the summary", history, 2)
	// system prompt, task, summary, then the 2-message tail
	if len(out) != 5 {
		t.Fatalf("history length = %d, want 5", len(out))
	}
	if out[3].Content != "m8" || out[4].Content != "m9" {
		t.Errorf("tail = %q, %q; want the two most recent messages", out[3].Content, out[4].Content)
	}

	wide := compactReplayHistory("the task", "the summary", history, 6)
	if len(wide) != 9 {
		t.Errorf("history length = %d with tail 6, want 9", len(wide))
	}
}

func TestReplayLogRebuildsConversation(t *testing.T) {
	log := []*wal.Event{
		{Type: wal.EventRunStarted, Payload: map[string]any{"task": "do things"}},
		{Type: wal.EventLLMRequestStarted, TurnID: 1},
		{Type: wal.EventLLMResponseDelta, TurnID: 1, Payload: map[string]any{"text": "working "}},
		{Type: wal.EventLLMResponseDelta, TurnID: 1, Payload: map[string]any{"text": "on it"}},
		{Type: wal.EventToolCallRequested, TurnID: 1, StepID: 1,
			Payload: map[string]any{"tool": "echo", "call_id": "c1", "args": map[string]any{"text": "x"}}},
		{Type: wal.EventToolCallFinished, TurnID: 1, StepID: 1,
			Payload: map[string]any{"tool": "echo", "call_id": "c1", "message": "x"}},
		{Type: wal.EventApprovalDecided, TurnID: 1,
			Payload: map[string]any{"decision": "denied", "fingerprint": "fp1"}},
	}
	rp := replayLog(log, 8)

	if rp.task != "do things" {
		t.Errorf("task = %q", rp.task)
	}
	if rp.steps != 1 || rp.lastTurn != 1 || rp.lastStep != 1 {
		t.Errorf("counters = steps %d turn %d step %d", rp.steps, rp.lastTurn, rp.lastStep)
	}
	if rp.denials["fp1"] != 1 {
		t.Errorf("denials = %v", rp.denials)
	}

	// system, task, assistant (text + tool call), tool result
	if len(rp.history) != 4 {
		t.Fatalf("history length = %d, want 4: %+v", len(rp.history), rp.history)
	}
	assistant := rp.history[2]
	if assistant.Role != "assistant" || assistant.Content != "working on it" {
		t.Errorf("assistant message = %+v", assistant)
	}
	if len(assistant.ToolCalls) != 1 || assistant.ToolCalls[0].ID != "c1" {
		t.Errorf("assistant tool calls = %+v", assistant.ToolCalls)
	}
	result := rp.history[3]
	if result.Role != "tool" || result.ToolCallID != "c1" || result.Content != "x" {
		t.Errorf("tool result = %+v", result)
	}
}
