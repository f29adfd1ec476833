// Package skills resolves textual mentions to capability bundles and
// injects their bodies into a run's context. Scanning a source only reads
// metadata; bodies load lazily and are size-capped on injection.
package skills

import (
	"context"
	"errors"
	"fmt"
)

// Meta is the scan-time description of a skill. Bodies are never loaded
// during a scan so scan cost stays bounded regardless of body size.
type Meta struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	RequiredEnv []string `json:"requiredEnv,omitempty"`
	SizeBytes   int64    `json:"sizeBytes,omitempty"`
	SourceKind  string   `json:"sourceKind,omitempty"`
}

// ErrNotFound is returned when a source has no skill with the given name.
var ErrNotFound = errors.New("skill not found")

// ErrBodyTooLarge is returned when a body exceeds the injection cap.
var ErrBodyTooLarge = errors.New("skill body exceeds injection limit")

// Source provides skills from one storage kind (filesystem, postgres,
// in-memory). Implementations must keep Scan metadata-only.
type Source interface {
	// Kind names the storage kind, e.g. "fs", "postgres", "memory".
	Kind() string
	// Scan lists all available skills' metadata.
	Scan(ctx context.Context) ([]Meta, error)
	// LoadBody reads one skill's body. Callers enforce size limits.
	LoadBody(ctx context.Context, name string) (string, error)
}

// DefaultMaxInjectedBytes caps a rendered skill injection.
const DefaultMaxInjectedBytes = 64 * 1024

// RenderInjected loads a skill's body from src and formats it for injection
// into the model context, enforcing the byte cap.
func RenderInjected(ctx context.Context, src Source, meta Meta, maxBytes int) (string, error) {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxInjectedBytes
	}
	body, err := src.LoadBody(ctx, meta.Name)
	if err != nil {
		return "", fmt.Errorf("load skill %q: %w", meta.Name, err)
	}
	if len(body) > maxBytes {
		return "", fmt.Errorf("skill %q: %w (%d > %d bytes)", meta.Name, ErrBodyTooLarge, len(body), maxBytes)
	}
	header := fmt.Sprintf("## Skill: %s\n", meta.Name)
	if meta.Description != "" {
		header += meta.Description + "\n"
	}
	return header + "\n" + body, nil
}
