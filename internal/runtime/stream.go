package runtime

import (
	"context"
	"time"

	"github.com/RunLedger/RunLedger/internal/provider"
	"github.com/RunLedger/RunLedger/internal/wal"
)

// pollInterval bounds how long the loop waits on the model stream before
// re-checking cancellation and the wall-clock budget.
const pollInterval = 250 * time.Millisecond

// consumeStream drains one streamed completion. Deltas are logged as they
// arrive; tool calls accumulate into the returned batch. The loop never
// blocks indefinitely on the channel: it wakes on pollInterval to check
// cancellation and the wall clock, and cancels the transport stream when
// either fires.
func (s *runState) consumeStream(ctx context.Context, cancel context.CancelFunc, ch <-chan provider.StreamItem, turnID int) (string, []provider.ToolCall, *RunError) {
	var text string
	var toolCalls []provider.ToolCall
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case item, ok := <-ch:
			if !ok {
				return text, toolCalls, nil
			}
			if item.Err != nil {
				drain(cancel, ch)
				return "", nil, classifyProviderError(item.Err)
			}
			if item.Delta != "" {
				text += item.Delta
				if err := s.emit(wal.EventLLMResponseDelta, turnID, 0, map[string]any{
					"text": item.Delta,
				}); err != nil {
					drain(cancel, ch)
					return "", nil, runErrorf(KindUnknown, "event append: %v", err)
				}
			}
			if len(item.ToolCalls) > 0 {
				toolCalls = append(toolCalls, item.ToolCalls...)
			}
			if item.Done {
				drain(cancel, ch)
				return text, toolCalls, nil
			}
		case <-ticker.C:
			if s.ctrl.IsCancelled() {
				drain(cancel, ch)
				return "", nil, &RunError{Kind: KindCancelled, Msg: "run cancelled"}
			}
			if s.ctrl.WallTimeExceeded() {
				drain(cancel, ch)
				return "", nil, runErrorf(KindBudgetExceeded, "wall-clock budget exhausted mid-stream")
			}
		}
	}
}

// drain cancels the transport stream and discards any buffered items so the
// producer goroutine can exit.
func drain(cancel context.CancelFunc, ch <-chan provider.StreamItem) {
	cancel()
	for range ch {
	}
}
