package wal

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	runsDirName      = "runs"
	eventsFileName   = "events.jsonl"
	artifactsDirName = "artifacts"
)

// FileBackend stores one events.jsonl per run under
// {workspace}/runs/<run_id>/events.jsonl. Writes are O_APPEND so a crashed
// process never leaves interleaved records.
type FileBackend struct {
	root string // the runs directory

	mu    sync.Mutex
	files map[string]*os.File
	sync_ bool
}

// NewFileBackend creates a file-backed log rooted at the workspace.
func NewFileBackend(workspace string) (*FileBackend, error) {
	root := filepath.Join(workspace, runsDirName)
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create runs dir: %w", err)
	}
	return &FileBackend{root: root, files: make(map[string]*os.File)}, nil
}

// SetSync enables fsync after every append.
func (b *FileBackend) SetSync(on bool) {
	b.mu.Lock()
	b.sync_ = on
	b.mu.Unlock()
}

// Locator returns the runs directory path.
func (b *FileBackend) Locator() string { return b.root }

// RunDir returns the directory holding a run's log and artifacts.
func (b *FileBackend) RunDir(runID string) string {
	return filepath.Join(b.root, runID)
}

// Runs lists the ids of all runs with a log, in directory order.
func (b *FileBackend) Runs() ([]string, error) {
	entries, err := os.ReadDir(b.root)
	if err != nil {
		return nil, fmt.Errorf("list runs dir: %w", err)
	}
	var out []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := os.Stat(filepath.Join(b.root, e.Name(), eventsFileName)); err == nil {
			out = append(out, e.Name())
		}
	}
	return out, nil
}

// Append writes the event as one JSON line at the end of its run's log.
func (b *FileBackend) Append(e *Event) error {
	if e.RunID == "" {
		return fmt.Errorf("event has no run_id")
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	line, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	f, err := b.file(e.RunID)
	if err != nil {
		return err
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	if b.sync_ {
		if err := f.Sync(); err != nil {
			return fmt.Errorf("sync event log: %w", err)
		}
	}
	return nil
}

func (b *FileBackend) file(runID string) (*os.File, error) {
	if f, ok := b.files[runID]; ok {
		return f, nil
	}
	dir := b.RunDir(runID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create run dir: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(dir, eventsFileName), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open event log: %w", err)
	}
	b.files[runID] = f
	return f, nil
}

// Iter reads the run's full log. A missing log yields an empty iterator so
// callers can treat "never ran" and "ran zero events" the same way.
func (b *FileBackend) Iter(runID string) (*Iterator, error) {
	path := filepath.Join(b.RunDir(runID), eventsFileName)
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Iterator{}, nil
		}
		return nil, fmt.Errorf("open event log: %w", err)
	}
	defer f.Close()

	it := &Iterator{}
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var e Event
		if err := json.Unmarshal(line, &e); err != nil {
			it.err = fmt.Errorf("corrupt event log line %d: %w", it.pos+len(it.events)+1, err)
			break
		}
		it.events = append(it.events, &e)
	}
	if err := sc.Err(); err != nil && it.err == nil {
		it.err = fmt.Errorf("read event log: %w", err)
	}
	return it, nil
}

// Close releases all open log files.
func (b *FileBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	var firstErr error
	for id, f := range b.files {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(b.files, id)
	}
	return firstErr
}

// WriteArtifact stores a durable artifact (e.g. a compaction summary) under
// the run's artifacts directory. Artifacts are named sequentially and carry a
// content-hash suffix so log events can reference them verifiably.
func (b *FileBackend) WriteArtifact(runID string, seq int, content []byte) (path, hash string, err error) {
	dir := filepath.Join(b.RunDir(runID), artifactsDirName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", "", fmt.Errorf("create artifacts dir: %w", err)
	}
	sum := sha256.Sum256(content)
	hash = hex.EncodeToString(sum[:])
	name := fmt.Sprintf("%04d-%s.md", seq, hash[:12])
	path = filepath.Join(dir, name)
	if err := os.WriteFile(path, content, 0o644); err != nil {
		return "", "", fmt.Errorf("write artifact: %w", err)
	}
	return path, hash, nil
}
