// Package filestore persists session records as one JSON file per session.
// The default store when CORTEX_SESSION_DIR is set and no DSN is configured.
package filestore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"cortex/internal/logging"
	"cortex/internal/session"
)

type store struct {
	baseDir string
	logger  logging.Logger
}

// New returns a file-backed record store rooted at baseDir. A leading ~/ is
// expanded against the user's home directory.
func New(baseDir string) session.Store {
	if strings.HasPrefix(baseDir, "~/") {
		home, _ := os.UserHomeDir()
		baseDir = filepath.Join(home, baseDir[2:])
	}
	_ = os.MkdirAll(baseDir, 0o755)
	return &store{
		baseDir: baseDir,
		logger:  logging.NewComponentLogger("session.filestore"),
	}
}

func (s *store) path(id string) string {
	return filepath.Join(s.baseDir, id+".json")
}

func (s *store) Save(ctx context.Context, rec *session.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if rec == nil || rec.ID == "" {
		return fmt.Errorf("record needs an id")
	}
	if !safeID(rec.ID) {
		return fmt.Errorf("invalid session id %q", rec.ID)
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("encode session %s: %w", rec.ID, err)
	}
	return os.WriteFile(s.path(rec.ID), data, 0o644)
}

func (s *store) Load(ctx context.Context, id string) (*session.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !safeID(id) {
		return nil, fmt.Errorf("invalid session id %q", id)
	}
	data, err := os.ReadFile(s.path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, session.ErrNotFound
		}
		return nil, err
	}
	var rec session.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		s.logger.Error("Corrupt session file %s: %v. Preview: %s", s.path(id), err, preview(data))
		return nil, fmt.Errorf("decode session %s: %w", id, err)
	}
	return &rec, nil
}

func (s *store) List(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(entry.Name(), ".json"))
	}
	return ids, nil
}

func (s *store) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !safeID(id) {
		return fmt.Errorf("invalid session id %q", id)
	}
	err := os.Remove(s.path(id))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// safeID rejects ids that could escape the base directory.
func safeID(id string) bool {
	if id == "" || strings.ContainsAny(id, "/\\") || strings.Contains(id, "..") {
		return false
	}
	return true
}

func preview(data []byte) string {
	const max = 512
	p := strings.TrimSpace(string(data))
	p = strings.ReplaceAll(p, "\n", " ")
	if len(p) > max {
		p = p[:max] + "... (truncated)"
	}
	return p
}
