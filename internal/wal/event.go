// Package wal provides the append-only per-run event log.
package wal

import (
	"time"
)

// Event types for the run lifecycle.
const (
	EventRunStarted   = "run_started"
	EventRunCompleted = "run_completed"
	EventRunFailed    = "run_failed"
	EventRunCancelled = "run_cancelled"

	EventLLMRequestStarted = "llm_request_started"
	EventLLMResponseDelta  = "llm_response_delta"

	EventSkillInjected = "skill_injected"

	EventToolCallRequested = "tool_call_requested"
	EventToolCallFinished  = "tool_call_finished"

	EventApprovalRequested = "approval_requested"
	EventApprovalDecided   = "approval_decided"

	EventContextLengthExceeded = "context_length_exceeded"
	EventCompactionStarted     = "compaction_started"
	EventCompactionFinished    = "compaction_finished"
	EventContextCompacted      = "context_compacted"
	EventBudgetIncreased       = "budget_increased"
)

// Event is a single immutable record in a run's log. Events for a run are
// totally ordered by append sequence; once appended they are never mutated.
type Event struct {
	Type      string         `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	RunID     string         `json:"run_id"`
	TurnID    int            `json:"turn_id,omitempty"`
	StepID    int            `json:"step_id,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// Terminal reports whether the event ends its run.
func (e *Event) Terminal() bool {
	switch e.Type {
	case EventRunCompleted, EventRunFailed, EventRunCancelled:
		return true
	}
	return false
}

// Backend is an append-only event store for one or more runs.
//
// Implementations must preserve append order within a run and must never
// contain duplicates: readers replay the sequence as-is. Append failures are
// surfaced to callers so a run can fail fast when durable logging is
// unavailable.
type Backend interface {
	// Append stores the event at the end of its run's log.
	Append(e *Event) error
	// Iter returns an iterator over all events of a run, oldest first.
	Iter(runID string) (*Iterator, error)
	// Locator identifies the physical log independent of any run ID.
	Locator() string
}

// Iterator walks a run's events in append order.
type Iterator struct {
	events []*Event
	pos    int
	err    error
}

// Next returns the next event, or nil when the sequence is exhausted.
func (it *Iterator) Next() *Event {
	if it.err != nil || it.pos >= len(it.events) {
		return nil
	}
	e := it.events[it.pos]
	it.pos++
	return e
}

// Err returns the first error encountered while reading the log.
func (it *Iterator) Err() error { return it.err }
