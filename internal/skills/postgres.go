package skills

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGSchema creates the skills table. Applied idempotently on connect.
const PGSchema = `
CREATE TABLE IF NOT EXISTS skills (
	name TEXT PRIMARY KEY,
	description TEXT NOT NULL DEFAULT '',
	required_env TEXT[] NOT NULL DEFAULT '{}',
	body TEXT NOT NULL DEFAULT ''
)`

// PGSource reads skills from a postgres table. Scan selects metadata and
// body length only; bodies cross the wire one at a time on demand.
type PGSource struct {
	pool *pgxpool.Pool
}

// NewPGSource connects to postgres and ensures the schema exists.
func NewPGSource(ctx context.Context, dsn string) (*PGSource, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect skills db: %w", err)
	}
	if _, err := pool.Exec(ctx, PGSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("apply skills schema: %w", err)
	}
	return &PGSource{pool: pool}, nil
}

// Kind returns "postgres".
func (s *PGSource) Kind() string { return "postgres" }

// Scan lists skill metadata without transferring bodies.
func (s *PGSource) Scan(ctx context.Context) ([]Meta, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT name, description, required_env, length(body) FROM skills ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("scan skills: %w", err)
	}
	defer rows.Close()

	var out []Meta
	for rows.Next() {
		var m Meta
		if err := rows.Scan(&m.Name, &m.Description, &m.RequiredEnv, &m.SizeBytes); err != nil {
			return nil, fmt.Errorf("scan skill row: %w", err)
		}
		m.SourceKind = s.Kind()
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("scan skills: %w", err)
	}
	return out, nil
}

// LoadBody reads one skill's body.
func (s *PGSource) LoadBody(ctx context.Context, name string) (string, error) {
	var body string
	err := s.pool.QueryRow(ctx, `SELECT body FROM skills WHERE name = $1`, name).Scan(&body)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if err != nil {
		return "", fmt.Errorf("load skill body: %w", err)
	}
	return body, nil
}

// Put inserts or updates a skill; used by provisioning tooling.
func (s *PGSource) Put(ctx context.Context, meta Meta, body string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO skills (name, description, required_env, body) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (name) DO UPDATE SET description = $2, required_env = $3, body = $4`,
		meta.Name, meta.Description, meta.RequiredEnv, body)
	if err != nil {
		return fmt.Errorf("put skill: %w", err)
	}
	return nil
}

// Close releases the connection pool.
func (s *PGSource) Close() { s.pool.Close() }
