package skills

import (
	"context"
	"fmt"
	"sync"
)

// MemorySource holds skills in memory; used in tests and for programmatic
// registration by embedders.
type MemorySource struct {
	mu     sync.RWMutex
	metas  map[string]Meta
	bodies map[string]string
	// BodyLoads counts LoadBody calls, letting tests assert laziness.
	BodyLoads int
}

// NewMemorySource creates an empty in-memory source.
func NewMemorySource() *MemorySource {
	return &MemorySource{metas: make(map[string]Meta), bodies: make(map[string]string)}
}

// Add registers a skill.
func (s *MemorySource) Add(meta Meta, body string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	meta.SourceKind = s.Kind()
	meta.SizeBytes = int64(len(body))
	s.metas[meta.Name] = meta
	s.bodies[meta.Name] = body
}

// Kind returns "memory".
func (s *MemorySource) Kind() string { return "memory" }

// Scan lists registered skills.
func (s *MemorySource) Scan(ctx context.Context) ([]Meta, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Meta, 0, len(s.metas))
	for _, m := range s.metas {
		out = append(out, m)
	}
	return out, nil
}

// LoadBody returns a skill's body.
func (s *MemorySource) LoadBody(ctx context.Context, name string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.BodyLoads++
	body, ok := s.bodies[name]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return body, nil
}
