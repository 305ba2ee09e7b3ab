// Package postgresstore persists session records in Postgres. Selected when
// CORTEX_SESSION_DSN is set; the table is created on first connect.
package postgresstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"cortex/internal/logging"
	"cortex/internal/session"
)

const recordTable = "cortex_sessions"

var idPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// Store is a Postgres-backed session record store.
type Store struct {
	pool   *pgxpool.Pool
	logger logging.Logger
}

// New wraps an existing connection pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{
		pool:   pool,
		logger: logging.NewComponentLogger("session.postgres"),
	}
}

// Connect opens a pool for the DSN and ensures the schema exists.
func Connect(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect session store: %w", err)
	}
	s := New(pool)
	if err := s.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// EnsureSchema creates the record table if it does not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("session store not initialized")
	}
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
    id TEXT PRIMARY KEY,
    agent TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL DEFAULT '',
    record JSONB NOT NULL DEFAULT '{}'::jsonb,
    created_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_cortex_sessions_updated_at ON %s (updated_at DESC);
`, recordTable, recordTable)

	_, err := s.pool.Exec(ctx, query)
	return err
}

// Close releases the pool.
func (s *Store) Close() {
	if s != nil && s.pool != nil {
		s.pool.Close()
	}
}

func (s *Store) Save(ctx context.Context, rec *session.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.pool == nil {
		return fmt.Errorf("session store not initialized")
	}
	if rec == nil || !idPattern.MatchString(rec.ID) {
		return fmt.Errorf("invalid session id")
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	rec.UpdatedAt = time.Now()

	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode session %s: %w", rec.ID, err)
	}

	query := fmt.Sprintf(`
INSERT INTO %s (id, agent, status, record, created_at, updated_at)
VALUES ($1, $2, $3, $4::jsonb, $5, $6)
ON CONFLICT (id) DO UPDATE SET
    agent = EXCLUDED.agent,
    status = EXCLUDED.status,
    record = EXCLUDED.record,
    updated_at = EXCLUDED.updated_at
`, recordTable)

	_, err = s.pool.Exec(ctx, query, rec.ID, rec.Agent, rec.Status, body, rec.CreatedAt, rec.UpdatedAt)
	if err != nil {
		s.logger.Error("Persisting session %s failed: %v", rec.ID, err)
		return err
	}
	return nil
}

func (s *Store) Load(ctx context.Context, id string) (*session.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.pool == nil {
		return nil, fmt.Errorf("session store not initialized")
	}
	if !idPattern.MatchString(id) {
		return nil, fmt.Errorf("invalid session id")
	}

	query := fmt.Sprintf(`SELECT record FROM %s WHERE id = $1`, recordTable)

	var body []byte
	if err := s.pool.QueryRow(ctx, query, id).Scan(&body); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, session.ErrNotFound
		}
		return nil, err
	}

	var rec session.Record
	if err := json.Unmarshal(body, &rec); err != nil {
		return nil, fmt.Errorf("decode session %s: %w", id, err)
	}
	return &rec, nil
}

func (s *Store) List(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.pool == nil {
		return nil, fmt.Errorf("session store not initialized")
	}

	query := fmt.Sprintf(`SELECT id FROM %s ORDER BY updated_at DESC`, recordTable)

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return ids, nil
}

func (s *Store) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.pool == nil {
		return fmt.Errorf("session store not initialized")
	}
	if !idPattern.MatchString(id) {
		return fmt.Errorf("invalid session id")
	}

	query := fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, recordTable)
	_, err := s.pool.Exec(ctx, query, id)
	return err
}
