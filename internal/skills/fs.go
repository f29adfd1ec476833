package skills

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

const (
	manifestFileName = "skill.json"
	bodyFileName     = "SKILL.md"
)

// FSSource reads skills from a directory tree: one subdirectory per skill
// containing a skill.json manifest and a SKILL.md body.
type FSSource struct {
	root string
}

// NewFSSource creates a filesystem source rooted at dir.
func NewFSSource(dir string) *FSSource {
	return &FSSource{root: dir}
}

// Kind returns "fs".
func (s *FSSource) Kind() string { return "fs" }

type manifest struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	RequiredEnv []string `json:"requiredEnv"`
}

// Scan reads every skill's manifest and stats its body. Bodies are not read.
func (s *FSSource) Scan(ctx context.Context) ([]Meta, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan skills dir: %w", err)
	}
	var out []Meta
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !entry.IsDir() {
			continue
		}
		dir := filepath.Join(s.root, entry.Name())
		raw, err := os.ReadFile(filepath.Join(dir, manifestFileName))
		if err != nil {
			continue // not a skill directory
		}
		var m manifest
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, fmt.Errorf("skill %s: bad manifest: %w", entry.Name(), err)
		}
		if m.Name == "" {
			m.Name = entry.Name()
		}
		meta := Meta{
			Name:        m.Name,
			Description: m.Description,
			RequiredEnv: m.RequiredEnv,
			SourceKind:  s.Kind(),
		}
		if fi, err := os.Stat(filepath.Join(dir, bodyFileName)); err == nil {
			meta.SizeBytes = fi.Size()
		}
		out = append(out, meta)
	}
	return out, nil
}

// LoadBody reads the skill's SKILL.md.
func (s *FSSource) LoadBody(ctx context.Context, name string) (string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return "", fmt.Errorf("read skills dir: %w", err)
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		dir := filepath.Join(s.root, entry.Name())
		raw, err := os.ReadFile(filepath.Join(dir, manifestFileName))
		if err != nil {
			continue
		}
		var m manifest
		if err := json.Unmarshal(raw, &m); err != nil {
			continue
		}
		if m.Name == "" {
			m.Name = entry.Name()
		}
		if m.Name != name {
			continue
		}
		body, err := os.ReadFile(filepath.Join(dir, bodyFileName))
		if err != nil {
			return "", fmt.Errorf("read skill body: %w", err)
		}
		return string(body), nil
	}
	return "", fmt.Errorf("%w: %s", ErrNotFound, name)
}
