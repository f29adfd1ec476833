package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// ReadFileTool reads the contents of a file.
type ReadFileTool struct {
	workspace string
}

// NewReadFileTool creates a read_file tool restricted to the workspace.
func NewReadFileTool(workspace string) *ReadFileTool {
	return &ReadFileTool{workspace: workspace}
}

func (t *ReadFileTool) Name() string { return "read_file" }
func (t *ReadFileTool) Tier() int    { return TierReadOnly }

func (t *ReadFileTool) Description() string {
	return "Read the contents of a file at the specified path."
}

func (t *ReadFileTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{
				"type":        "string",
				"description": "The path to the file to read",
			},
		},
		"required": []string{"path"},
	}
}

func (t *ReadFileTool) Execute(ctx context.Context, params map[string]any) *Result {
	path, res := resolveWithin(t.workspace, GetString(params, "path", ""))
	if res != nil {
		return res
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return fsError(path, err)
	}
	out, truncated := truncateOutput("read_file", string(content))
	return &Result{OK: true, Stdout: out, Truncated: truncated}
}

// WriteFileTool writes content to a file inside the workspace.
type WriteFileTool struct {
	workspace string
}

// NewWriteFileTool creates a write_file tool restricted to the workspace.
func NewWriteFileTool(workspace string) *WriteFileTool {
	return &WriteFileTool{workspace: workspace}
}

func (t *WriteFileTool) Name() string { return "write_file" }
func (t *WriteFileTool) Tier() int    { return TierWrite }

func (t *WriteFileTool) Description() string {
	return "Write content to a file at the specified path. Creates parent directories if needed. Writes are restricted to the workspace."
}

func (t *WriteFileTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{
				"type":        "string",
				"description": "The path to the file to write",
			},
			"content": map[string]any{
				"type":        "string",
				"description": "The content to write to the file",
			},
		},
		"required": []string{"path", "content"},
	}
}

func (t *WriteFileTool) Execute(ctx context.Context, params map[string]any) *Result {
	path, res := resolveWithin(t.workspace, GetString(params, "path", ""))
	if res != nil {
		return res
	}
	content := GetString(params, "content", "")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fsError(path, err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return fsError(path, err)
	}
	return Ok(fmt.Sprintf("Wrote %d bytes to %s", len(content), path))
}

// EditFileTool replaces an exact string occurrence in a file.
type EditFileTool struct {
	workspace string
}

// NewEditFileTool creates an edit_file tool restricted to the workspace.
func NewEditFileTool(workspace string) *EditFileTool {
	return &EditFileTool{workspace: workspace}
}

func (t *EditFileTool) Name() string { return "edit_file" }
func (t *EditFileTool) Tier() int    { return TierWrite }

func (t *EditFileTool) Description() string {
	return "Replace an exact string in a file with new content. The old string must appear exactly once."
}

func (t *EditFileTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{
				"type":        "string",
				"description": "The path to the file to edit",
			},
			"old_string": map[string]any{
				"type":        "string",
				"description": "The exact text to replace",
			},
			"new_string": map[string]any{
				"type":        "string",
				"description": "The replacement text",
			},
		},
		"required": []string{"path", "old_string", "new_string"},
	}
}

func (t *EditFileTool) Execute(ctx context.Context, params map[string]any) *Result {
	path, res := resolveWithin(t.workspace, GetString(params, "path", ""))
	if res != nil {
		return res
	}
	oldStr := GetString(params, "old_string", "")
	newStr := GetString(params, "new_string", "")
	if oldStr == "" {
		return Fail(ErrKindValidation, "old_string must not be empty")
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return fsError(path, err)
	}
	content := string(raw)
	switch n := strings.Count(content, oldStr); {
	case n == 0:
		return Fail(ErrKindValidation, "old_string not found in %s", path)
	case n > 1:
		return Fail(ErrKindValidation, "old_string appears %d times in %s; it must be unique", n, path)
	}
	if err := os.WriteFile(path, []byte(strings.Replace(content, oldStr, newStr, 1)), 0o644); err != nil {
		return fsError(path, err)
	}
	return Ok(fmt.Sprintf("Edited %s", path))
}

// ListDirTool lists the entries of a directory.
type ListDirTool struct {
	workspace string
}

// NewListDirTool creates a list_dir tool restricted to the workspace.
func NewListDirTool(workspace string) *ListDirTool {
	return &ListDirTool{workspace: workspace}
}

func (t *ListDirTool) Name() string { return "list_dir" }
func (t *ListDirTool) Tier() int    { return TierReadOnly }

func (t *ListDirTool) Description() string {
	return "List the entries of a directory."
}

func (t *ListDirTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{
				"type":        "string",
				"description": "The directory to list (defaults to the workspace root)",
			},
		},
	}
}

func (t *ListDirTool) Execute(ctx context.Context, params map[string]any) *Result {
	target := GetString(params, "path", t.workspace)
	path, res := resolveWithin(t.workspace, target)
	if res != nil {
		return res
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		return fsError(path, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() {
			name += "/"
		}
		names = append(names, name)
	}
	sort.Strings(names)
	out, truncated := truncateOutput("list_dir", strings.Join(names, "\n"))
	return &Result{OK: true, Stdout: out, Truncated: truncated}
}

// resolveWithin expands and normalizes path and rejects escapes from root.
func resolveWithin(root, path string) (string, *Result) {
	if path == "" {
		return "", Fail(ErrKindValidation, "path is required")
	}
	if strings.HasPrefix(path, "~") {
		home, _ := os.UserHomeDir()
		path = filepath.Join(home, path[1:])
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(root, path)
	}
	// Both sides of the prefix check must be absolute or a relative
	// workspace root rejects every path it actually contains.
	path, err := filepath.Abs(filepath.Clean(path))
	if err != nil {
		return "", Fail(ErrKindUnknown, "resolve path: %v", err)
	}
	rootAbs, err := filepath.Abs(root)
	if err != nil {
		return "", Fail(ErrKindUnknown, "resolve workspace: %v", err)
	}
	if path != rootAbs && !strings.HasPrefix(path, rootAbs+string(filepath.Separator)) {
		return "", Fail(ErrKindSandboxDenied, "path %s is outside the workspace", path)
	}
	return path, nil
}

func fsError(path string, err error) *Result {
	switch {
	case os.IsNotExist(err):
		return Fail(ErrKindNotFound, "not found: %s", path)
	case os.IsPermission(err):
		return Fail(ErrKindPermission, "permission denied: %s", path)
	default:
		return Fail(ErrKindUnknown, "%v", err)
	}
}
