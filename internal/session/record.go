// Package session owns the live sessions of a server process: creation,
// lookup, message dispatch into the engine, idle reaping, and teardown with a
// grace window for detached actions. Finished state is persisted as Records
// through a narrow Store port; file and postgres implementations live in
// subpackages.
package session

import (
	"context"
	"errors"
	"time"

	"cortex/internal/llm"
)

// ErrNotFound is returned by stores and the registry for unknown session ids.
var ErrNotFound = errors.New("session not found")

// Record is the persistent view of a session: enough to list it, inspect its
// transcript, and see where it ended. Live state (event stream, variable
// waiters, running actions) is never persisted.
type Record struct {
	ID         string         `json:"id"`
	Agent      string         `json:"agent"`
	Status     string         `json:"status"` // active|done|error|cancelled|terminated
	Iterations int            `json:"iterations"`
	LastAnswer string         `json:"last_answer,omitempty"`
	Messages   []llm.Message  `json:"messages,omitempty"`
	Variables  map[string]any `json:"variables,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// Store persists session records. Implementations must be safe for
// concurrent use; Save overwrites any previous record with the same id.
type Store interface {
	Save(ctx context.Context, rec *Record) error
	Load(ctx context.Context, id string) (*Record, error)
	List(ctx context.Context) ([]string, error)
	Delete(ctx context.Context, id string) error
}
