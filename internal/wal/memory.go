package wal

import (
	"fmt"
	"sync"
	"time"
)

// MemoryBackend keeps events in memory. It honors the same ordering contract
// as the file backend and exists for tests and embedded callers.
type MemoryBackend struct {
	mu     sync.Mutex
	byRun  map[string][]*Event
	closed bool
}

// NewMemoryBackend creates an empty in-memory log.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{byRun: make(map[string][]*Event)}
}

// Locator identifies the backend for event payloads and CLI output.
func (b *MemoryBackend) Locator() string { return "memory:" }

// Append stores a copy of the event at the end of its run's sequence.
func (b *MemoryBackend) Append(e *Event) error {
	if e.RunID == "" {
		return fmt.Errorf("event has no run_id")
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	cp := *e
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return fmt.Errorf("backend closed")
	}
	b.byRun[e.RunID] = append(b.byRun[e.RunID], &cp)
	return nil
}

// Iter returns an iterator over the run's events in append order.
func (b *MemoryBackend) Iter(runID string) (*Iterator, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	evs := b.byRun[runID]
	out := make([]*Event, len(evs))
	copy(out, evs)
	return &Iterator{events: out}, nil
}

// Events returns the run's events directly; test helper.
func (b *MemoryBackend) Events(runID string) []*Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	evs := b.byRun[runID]
	out := make([]*Event, len(evs))
	copy(out, evs)
	return out
}

// Close marks the backend closed; further appends fail.
func (b *MemoryBackend) Close() error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	return nil
}
