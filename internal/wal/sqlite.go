package wal

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteSchema creates the event table. Kept as a single idempotent script so
// opening an existing database is a no-op.
const SQLiteSchema = `
CREATE TABLE IF NOT EXISTS run_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id TEXT NOT NULL,
	event_type TEXT NOT NULL,
	turn_id INTEGER NOT NULL DEFAULT 0,
	step_id INTEGER NOT NULL DEFAULT 0,
	timestamp DATETIME NOT NULL,
	payload TEXT NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS idx_run_events_run ON run_events(run_id, id);
CREATE INDEX IF NOT EXISTS idx_run_events_type ON run_events(run_id, event_type);
`

// SQLiteBackend stores run events in a sqlite database. It exists for
// deployments that want indexed queries over many runs; the ordering
// contract is identical to the file backend (AUTOINCREMENT id per append).
type SQLiteBackend struct {
	db   *sql.DB
	path string
}

// NewSQLiteBackend opens (creating if needed) the database at path.
func NewSQLiteBackend(path string) (*SQLiteBackend, error) {
	db, err := sql.Open("sqlite", "file:"+path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open event db: %w", err)
	}
	if _, err := db.Exec(SQLiteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply event schema: %w", err)
	}
	return &SQLiteBackend{db: db, path: path}, nil
}

// Locator returns the database path.
func (b *SQLiteBackend) Locator() string { return b.path }

// Append inserts the event; the AUTOINCREMENT rowid is the append sequence.
func (b *SQLiteBackend) Append(e *Event) error {
	if e.RunID == "" {
		return fmt.Errorf("event has no run_id")
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	_, err = b.db.Exec(
		`INSERT INTO run_events (run_id, event_type, turn_id, step_id, timestamp, payload) VALUES (?, ?, ?, ?, ?, ?)`,
		e.RunID, e.Type, e.TurnID, e.StepID, e.Timestamp.Format(time.RFC3339Nano), string(payload),
	)
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

// Runs lists all run ids present in the database, oldest first.
func (b *SQLiteBackend) Runs() ([]string, error) {
	rows, err := b.db.Query(`SELECT run_id FROM run_events GROUP BY run_id ORDER BY MIN(id)`)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// Iter reads all events for a run ordered by append sequence.
func (b *SQLiteBackend) Iter(runID string) (*Iterator, error) {
	rows, err := b.db.Query(
		`SELECT event_type, turn_id, step_id, timestamp, payload FROM run_events WHERE run_id = ? ORDER BY id ASC`,
		runID,
	)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	it := &Iterator{}
	for rows.Next() {
		var (
			e       Event
			ts      string
			payload string
		)
		if err := rows.Scan(&e.Type, &e.TurnID, &e.StepID, &ts, &payload); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.RunID = runID
		if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			e.Timestamp = t
		}
		if payload != "" && payload != "null" {
			if err := json.Unmarshal([]byte(payload), &e.Payload); err != nil {
				it.err = fmt.Errorf("corrupt payload: %w", err)
				break
			}
		}
		it.events = append(it.events, &e)
	}
	if err := rows.Err(); err != nil && it.err == nil {
		it.err = fmt.Errorf("read events: %w", err)
	}
	return it, nil
}

// Close closes the database.
func (b *SQLiteBackend) Close() error { return b.db.Close() }
