package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/RunLedger/RunLedger/internal/provider"
	"github.com/RunLedger/RunLedger/internal/wal"
)

// Resume modes.
const (
	ResumeReplay  = "replay"
	ResumeSummary = "summary"
)

// ResumeOptions parameterize resuming an interrupted run.
type ResumeOptions struct {
	RunID         string
	Mode          string // replay (default) or summary
	CancelChecker func() (bool, error)
}

// Resume continues an interrupted run from its event log. A run that
// already reached a terminal event is returned as-is; nothing is appended.
// Replay mode reconstructs the conversation and approval state from the
// log; summary mode injects a textual digest instead.
func (r *Runner) Resume(ctx context.Context, opts ResumeOptions) (*Outcome, error) {
	events, wait := r.ResumeStream(ctx, opts)
	for range events {
	}
	return wait()
}

// ResumeStream is Resume with a live event stream, mirroring RunStream.
func (r *Runner) ResumeStream(ctx context.Context, opts ResumeOptions) (<-chan wal.Event, func() (*Outcome, error)) {
	events := make(chan wal.Event, streamBuffer)
	done := make(chan struct{})
	var outcome *Outcome
	var outErr error

	go func() {
		defer close(events)
		defer close(done)
		outcome, outErr = r.resume(ctx, opts, events)
	}()

	wait := func() (*Outcome, error) {
		<-done
		return outcome, outErr
	}
	return events, wait
}

func (r *Runner) resume(ctx context.Context, opts ResumeOptions, stream chan<- wal.Event) (*Outcome, error) {
	if opts.RunID == "" {
		return nil, fmt.Errorf("runtime: run id is required to resume")
	}
	it, err := r.opts.Backend.Iter(opts.RunID)
	if err != nil {
		return nil, fmt.Errorf("read run log: %w", err)
	}
	var log []*wal.Event
	for ev := it.Next(); ev != nil; ev = it.Next() {
		log = append(log, ev)
	}
	if err := it.Err(); err != nil {
		return nil, fmt.Errorf("read run log: %w", err)
	}
	if len(log) == 0 {
		return nil, fmt.Errorf("runtime: no event log for run %s", opts.RunID)
	}

	rp := replayLog(log, r.historyTail())
	if rp.terminal != nil {
		// Completed, failed and cancelled runs are final. Resuming one
		// is a read, not a write.
		return r.recordedOutcome(opts.RunID, rp), nil
	}
	if rp.task == "" {
		return nil, fmt.Errorf("runtime: run %s log has no run_started event", opts.RunID)
	}

	st, err := r.newRunState(opts.RunID, RunOptions{
		Task:          rp.task,
		CancelChecker: opts.CancelChecker,
	}, stream)
	if err != nil {
		return nil, err
	}

	st.ctrl.Seed(rp.lastTurn, rp.lastStep, rp.steps)
	st.ctrl.SeedDenials(rp.denials)
	if rp.addedSteps > 0 {
		st.ctrl.RaiseBudget(rp.addedSteps, 0)
	}
	st.compactions = rp.compactions
	for name := range rp.injected {
		st.injected[name] = true
	}
	if r.opts.Gate != nil {
		for fp := range rp.sessionApprovals {
			r.opts.Gate.CacheSessionApproval(fp)
		}
	}

	mode := opts.Mode
	if mode == "" {
		mode = ResumeReplay
	}
	switch mode {
	case ResumeReplay:
		st.history = rp.history
	case ResumeSummary:
		st.history = []provider.Message{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: rp.task},
			{Role: "system", Content: rp.digest()},
		}
	default:
		return nil, fmt.Errorf("runtime: unknown resume mode %q", mode)
	}

	return st.loop(ctx)
}

func (r *Runner) recordedOutcome(runID string, rp *replay) *Outcome {
	o := &Outcome{
		RunID:      runID,
		Steps:      rp.steps,
		Turns:      rp.lastTurn,
		WALLocator: r.opts.Backend.Locator(),
	}
	switch rp.terminal.Type {
	case wal.EventRunCompleted:
		o.Status = "completed"
		o.FinalText = payloadString(rp.terminal.Payload, "final_text")
	case wal.EventRunCancelled:
		o.Status = "cancelled"
	default:
		o.Status = "failed"
		o.Err = &RunError{
			Kind: Kind(payloadString(rp.terminal.Payload, "error_kind")),
			Msg:  payloadString(rp.terminal.Payload, "error"),
		}
	}
	return o
}

// replay is everything reconstructable from a run's event log.
type replay struct {
	task             string
	history          []provider.Message
	terminal         *wal.Event
	lastTurn         int
	lastStep         int
	steps            int
	addedSteps       int
	compactions      int
	denials          map[string]int
	sessionApprovals map[string]bool
	injected         map[string]bool
	lastAssistant    string
	toolsUsed        []string
	startedAt        time.Time
}

// turnBuffer accumulates one turn's stream output and tool calls so the
// assistant message can be reassembled with all of its calls attached.
type turnBuffer struct {
	turn    int
	text    strings.Builder
	calls   []provider.ToolCall
	callIDs map[string]bool
	results []provider.Message
}

// replayLog folds an event log into conversation and control state. The
// log is trusted: it was written by this process family and is append-only.
// historyTail matches the live compaction setting so the rebuilt context
// keeps the same raw-message tail a surviving run would have.
func replayLog(log []*wal.Event, historyTail int) *replay {
	rp := &replay{
		denials:          make(map[string]int),
		sessionApprovals: make(map[string]bool),
		injected:         make(map[string]bool),
	}
	var buf *turnBuffer

	flush := func() {
		if buf == nil {
			return
		}
		text := buf.text.String()
		if text != "" || len(buf.calls) > 0 {
			rp.history = append(rp.history, provider.Message{
				Role:      "assistant",
				Content:   text,
				ToolCalls: buf.calls,
			})
			rp.history = append(rp.history, buf.results...)
		}
		if text != "" {
			rp.lastAssistant = text
		}
		buf = nil
	}
	ensureBuf := func(turn int) *turnBuffer {
		if buf == nil || buf.turn != turn {
			flush()
			buf = &turnBuffer{turn: turn, callIDs: make(map[string]bool)}
		}
		return buf
	}

	for _, ev := range log {
		if ev.TurnID > rp.lastTurn {
			rp.lastTurn = ev.TurnID
		}
		if ev.StepID > rp.lastStep {
			rp.lastStep = ev.StepID
		}

		switch ev.Type {
		case wal.EventRunStarted:
			rp.task = payloadString(ev.Payload, "task")
			rp.startedAt = ev.Timestamp
			rp.history = []provider.Message{
				{Role: "system", Content: systemPrompt},
				{Role: "user", Content: rp.task},
			}

		case wal.EventSkillInjected:
			flush()
			name := payloadString(ev.Payload, "skill")
			rp.injected[name] = true
			if text := payloadString(ev.Payload, "text"); text != "" {
				rp.history = append(rp.history, provider.Message{Role: "system", Content: text})
			}

		case wal.EventLLMRequestStarted:
			// A fresh request supersedes any partial output from a
			// failed attempt of the same turn.
			if buf != nil && buf.turn == ev.TurnID && len(buf.results) == 0 {
				buf = nil
			} else {
				flush()
			}

		case wal.EventLLMResponseDelta:
			ensureBuf(ev.TurnID).text.WriteString(payloadString(ev.Payload, "text"))

		case wal.EventToolCallRequested:
			b := ensureBuf(ev.TurnID)
			callID := payloadString(ev.Payload, "call_id")
			if !b.callIDs[callID] {
				b.callIDs[callID] = true
				args, _ := json.Marshal(ev.Payload["args"])
				b.calls = append(b.calls, provider.ToolCall{
					ID:        callID,
					Name:      payloadString(ev.Payload, "tool"),
					Arguments: args,
				})
			}

		case wal.EventToolCallFinished:
			b := ensureBuf(ev.TurnID)
			callID := payloadString(ev.Payload, "call_id")
			if callID != "" && !b.callIDs[callID] {
				b.callIDs[callID] = true
				b.calls = append(b.calls, provider.ToolCall{
					ID:        callID,
					Name:      payloadString(ev.Payload, "tool"),
					Arguments: json.RawMessage(`{}`),
				})
			}
			b.results = append(b.results, provider.Message{
				Role:       "tool",
				Content:    payloadString(ev.Payload, "message"),
				ToolCallID: callID,
			})
			if ev.StepID > 0 {
				rp.steps++
			}
			if tool := payloadString(ev.Payload, "tool"); tool != "" {
				rp.toolsUsed = append(rp.toolsUsed, tool)
			}

		case wal.EventApprovalDecided:
			fp := payloadString(ev.Payload, "fingerprint")
			switch payloadString(ev.Payload, "decision") {
			case "denied":
				rp.denials[fp]++
			case "approved_for_session":
				rp.sessionApprovals[fp] = true
				delete(rp.denials, fp)
			case "approved_once":
				delete(rp.denials, fp)
			}

		case wal.EventContextCompacted:
			flush()
			rp.compactions++
			summary := payloadString(ev.Payload, "summary")
			rp.history = compactReplayHistory(rp.task, summary, rp.history, historyTail)

		case wal.EventBudgetIncreased:
			rp.addedSteps += payloadInt(ev.Payload, "added_steps")

		case wal.EventRunCompleted, wal.EventRunFailed, wal.EventRunCancelled:
			flush()
			rp.terminal = ev
		}
	}
	flush()
	return rp
}

// compactReplayHistory mirrors the live compaction shape so a resumed run
// sees the same context a surviving run would have.
func compactReplayHistory(task, summary string, history []provider.Message, tail int) []provider.Message {
	out := []provider.Message{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: task},
		{Role: "system", Content: "Summary of progress in the earlier part of this session:\n\n" + summary},
	}
	return append(out, recentCompleteMessages(history, tail)...)
}

// digest renders a short textual summary for legacy resume mode.
func (rp *replay) digest() string {
	var b strings.Builder
	b.WriteString("This run was interrupted and is being resumed.\n")
	fmt.Fprintf(&b, "Progress so far: %d turns, %d tool calls executed.\n", rp.lastTurn, rp.steps)
	if len(rp.toolsUsed) > 0 {
		seen := make(map[string]bool)
		var uniq []string
		for _, t := range rp.toolsUsed {
			if !seen[t] {
				seen[t] = true
				uniq = append(uniq, t)
			}
		}
		fmt.Fprintf(&b, "Tools used: %s.\n", strings.Join(uniq, ", "))
	}
	if rp.lastAssistant != "" {
		fmt.Fprintf(&b, "Last assistant output before interruption:\n%s\n", trimForLog(rp.lastAssistant, 2000))
	}
	b.WriteString("Continue the task from where it left off.")
	return b.String()
}

func payloadString(p map[string]any, key string) string {
	if p == nil {
		return ""
	}
	s, _ := p[key].(string)
	return s
}

func payloadInt(p map[string]any, key string) int {
	if p == nil {
		return 0
	}
	switch v := p[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}
