package runtime

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/RunLedger/RunLedger/internal/provider"
	"github.com/RunLedger/RunLedger/internal/wal"
)

const summaryPrompt = `Summarize the conversation so far for a fresh context window.
Capture: the original task, decisions made, files touched or created, commands
run and their outcomes, current blockers, and the immediate next action.
Be specific about paths and names. Reply with the summary only.`

const (
	ModeFailFast     = "fail_fast"
	ModeCompactFirst = "compact_first"
	ModeAskFirst     = "ask_first"
)

// recoverContext decides how to react to a context-length failure.
// It returns (true, nil) when the turn should be retried against a
// compacted history, (false, nil) when the run must fail with the original
// context-length error, and a RunError for an explicit failure.
func (s *runState) recoverContext(ctx context.Context, turnID int) (bool, *RunError) {
	cfg := s.r.opts.Config
	mode := cfg.Compaction.Mode
	if mode == "" {
		mode = ModeCompactFirst
	}

	if mode == ModeAskFirst {
		choice, ok := s.askRecovery(ctx, turnID)
		if !ok {
			mode = cfg.Compaction.FallbackMode
			if mode == "" {
				mode = ModeFailFast
			}
		} else {
			switch choice {
			case RecoverTerminate:
				return false, nil
			case RecoverHandoff:
				// Archive a summary for a successor run, then stop here.
				if err := s.compact(ctx, turnID); err != nil {
					return false, err
				}
				return false, runErrorf(KindContextLength,
					"handed off: compaction summary archived for a successor run")
			case RecoverRaiseBudget:
				if err := s.raiseBudget(turnID); err != nil {
					return false, runErrorf(KindUnknown, "event append: %v", err)
				}
				mode = ModeCompactFirst
			default:
				mode = ModeCompactFirst
			}
		}
	}

	switch mode {
	case ModeFailFast:
		return false, nil
	case ModeCompactFirst:
		if err := s.compact(ctx, turnID); err != nil {
			return false, err
		}
		return true, nil
	default:
		return false, runErrorf(KindConfig, "unknown compaction mode %q", mode)
	}
}

func (s *runState) askRecovery(ctx context.Context, turnID int) (RecoveryChoice, bool) {
	if s.r.opts.Prompter == nil {
		return "", false
	}
	choice, err := s.r.opts.Prompter.ChooseRecovery(ctx, s.id, turnID)
	if err != nil {
		s.r.log.Warn("Recovery prompt failed, using fallback mode", "run_id", s.id, "error", err)
		return "", false
	}
	return choice, true
}

// raiseBudget adds one full step allotment. The increase must land in the
// log before it takes effect anywhere else, otherwise a resumed run would
// re-derive a smaller budget than the live run was granted.
func (s *runState) raiseBudget(turnID int) error {
	extraSteps := s.ctrl.MaxSteps()
	s.ctrl.RaiseBudget(extraSteps, 0)
	return s.emit(wal.EventBudgetIncreased, turnID, 0, map[string]any{
		"added_steps": extraSteps,
		"max_steps":   s.ctrl.MaxSteps(),
	})
}

// compact replaces the bulk of the history with a model-written summary,
// keeping the task and a short tail of raw messages. The full summary is
// archived as an artifact; its hash lands in the event log so the artifact
// can be verified later.
func (s *runState) compact(ctx context.Context, turnID int) *RunError {
	cfg := s.r.opts.Config
	if cfg.Compaction.MaxPerRun > 0 && s.compactions >= cfg.Compaction.MaxPerRun {
		return runErrorf(KindContextLength,
			"context still over limit after %d compactions", s.compactions)
	}
	if err := s.emit(wal.EventCompactionStarted, turnID, 0, map[string]any{
		"messages": len(s.history),
	}); err != nil {
		return runErrorf(KindUnknown, "event append: %v", err)
	}

	summary, runErr := s.summarize(ctx, turnID)
	if runErr != nil {
		return runErr
	}

	sum := sha256.Sum256([]byte(summary))
	hash := hex.EncodeToString(sum[:])
	var artifactPath string
	if s.r.opts.Artifacts != nil {
		path, _, err := s.r.opts.Artifacts.WriteArtifact(s.id, s.compactions+1, []byte(summary))
		if err != nil {
			s.r.log.Warn("Failed to archive compaction summary", "run_id", s.id, "error", err)
		} else {
			artifactPath = path
		}
	}

	s.history = s.compactedHistory(summary)
	s.compactions++

	if err := s.emit(wal.EventCompactionFinished, turnID, 0, map[string]any{
		"artifact_path": artifactPath,
		"artifact_hash": hash,
		"messages":      len(s.history),
		"compactions":   s.compactions,
	}); err != nil {
		return runErrorf(KindUnknown, "event append: %v", err)
	}
	if err := s.emit(wal.EventContextCompacted, turnID, 0, map[string]any{
		"summary":       summary,
		"artifact_hash": hash,
	}); err != nil {
		return runErrorf(KindUnknown, "event append: %v", err)
	}
	return nil
}

// summarize runs a tool-free completion over the transcript. The transcript
// is rendered as text rather than sent as chat history so the request stays
// well under the limit that triggered compaction.
func (s *runState) summarize(ctx context.Context, turnID int) (string, *RunError) {
	transcript := renderTranscript(s.history)
	req := &provider.ChatRequest{
		Messages: []provider.Message{
			{Role: "system", Content: summaryPrompt},
			{Role: "user", Content: transcript},
		},
		Model:     s.r.modelName(),
		MaxTokens: s.r.opts.Config.Model.MaxTokens,
	}

	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	ch, err := s.r.opts.Provider.StreamChat(streamCtx, req)
	if err != nil {
		return "", classifyProviderError(err)
	}
	var text strings.Builder
	deadline := time.Now().Add(2 * time.Minute)
	for {
		select {
		case item, ok := <-ch:
			if !ok {
				return text.String(), nil
			}
			if item.Err != nil {
				drain(cancel, ch)
				return "", classifyProviderError(item.Err)
			}
			text.WriteString(item.Delta)
			if item.Done {
				drain(cancel, ch)
				return text.String(), nil
			}
		case <-time.After(pollInterval):
			if s.ctrl.IsCancelled() {
				drain(cancel, ch)
				return "", &RunError{Kind: KindCancelled, Msg: "run cancelled"}
			}
			if time.Now().After(deadline) {
				drain(cancel, ch)
				return "", runErrorf(KindLLM, "summarization timed out")
			}
		}
	}
}

// compactedHistory rebuilds the message list around the summary: system
// prompt, original task, summary, then the most recent raw messages.
func (s *runState) compactedHistory(summary string) []provider.Message {
	tail := s.r.historyTail()
	out := []provider.Message{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: s.task},
		{Role: "system", Content: "Summary of progress in the earlier part of this session:\n\n" + summary},
	}
	recent := recentCompleteMessages(s.history, tail)
	return append(out, recent...)
}

// historyTail is how many recent raw messages survive a compaction.
func (r *Runner) historyTail() int {
	tail := r.opts.Config.Model.HistoryTail
	if tail <= 0 {
		tail = 8
	}
	return tail
}

// recentCompleteMessages takes the last n messages but never starts the
// slice on a tool result whose assistant call was cut off, which some
// backends reject.
func recentCompleteMessages(history []provider.Message, n int) []provider.Message {
	if len(history) <= n {
		n = len(history)
	}
	start := len(history) - n
	for start < len(history) && history[start].Role == "tool" {
		start++
	}
	return history[start:]
}

func renderTranscript(history []provider.Message) string {
	var b strings.Builder
	for _, m := range history {
		fmt.Fprintf(&b, "[%s] %s\n", m.Role, trimForLog(m.Content, 4000))
		for _, tc := range m.ToolCalls {
			fmt.Fprintf(&b, "[%s] called tool %s\n", m.Role, tc.Name)
		}
	}
	return b.String()
}
