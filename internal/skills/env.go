package skills

import (
	"context"
	"fmt"
	"os"
	"sync"
)

// Missing-env policies.
const (
	EnvPolicyFailFast = "fail_fast"  // unresolved variable fails the run
	EnvPolicySkip     = "skip_skill" // unresolved variable skips the skill
)

// EnvAsker requests a value for a variable interactively. Returning an
// error or empty value means the variable stays unresolved.
type EnvAsker func(ctx context.Context, skill, key string) (string, error)

// EnvStore holds session-scoped environment values for skill prerequisites.
// Each run works on its own copy so values set during one run never leak
// into a concurrent one.
type EnvStore struct {
	mu     sync.RWMutex
	values map[string]string
}

// NewEnvStore creates an empty store.
func NewEnvStore() *EnvStore {
	return &EnvStore{values: make(map[string]string)}
}

// Get returns the stored value, if any.
func (s *EnvStore) Get(key string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[key]
	return v, ok
}

// Set stores a value.
func (s *EnvStore) Set(key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
}

// Clone returns an independent copy for a new run.
func (s *EnvStore) Clone() *EnvStore {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp := NewEnvStore()
	for k, v := range s.values {
		cp.values[k] = v
	}
	return cp
}

// ErrMissingEnv wraps an unresolved prerequisite.
type ErrMissingEnv struct {
	Skill string
	Key   string
}

func (e *ErrMissingEnv) Error() string {
	return fmt.Sprintf("skill %q requires environment variable %s", e.Skill, e.Key)
}

// ResolveEnv satisfies a skill's required variables, in priority order:
// session store, process environment, then the interactive asker. Resolved
// values are written back to the store so later skills see them. Returns
// the first missing key (as *ErrMissingEnv) when resolution fails.
func ResolveEnv(ctx context.Context, store *EnvStore, meta Meta, ask EnvAsker) error {
	for _, key := range meta.RequiredEnv {
		if _, ok := store.Get(key); ok {
			continue
		}
		if v := os.Getenv(key); v != "" {
			store.Set(key, v)
			continue
		}
		if ask != nil {
			v, err := ask(ctx, meta.Name, key)
			if err == nil && v != "" {
				store.Set(key, v)
				continue
			}
		}
		return &ErrMissingEnv{Skill: meta.Name, Key: key}
	}
	return nil
}
