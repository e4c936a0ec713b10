// Package store persists per-chat run context in a local sqlite database so
// follow-up messages can reference what earlier runs produced.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/stellarlinkco/mediaclaw/internal/agent"
)

type Store struct {
	db     *sql.DB
	maxAge time.Duration
}

// Open opens (creating if needed) the context database at dbPath. maxAge
// bounds how old a saved context may be before Get treats it as absent;
// zero disables expiry.
func Open(dbPath string, maxAge time.Duration) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	s := &Store{db: db, maxAge: maxAge}
	if err := s.configure(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) configure() error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := s.db.Exec(p); err != nil {
			return fmt.Errorf("sqlite pragma %q: %w", p, err)
		}
	}
	return nil
}

func (s *Store) initSchema() error {
	stmt := `CREATE TABLE IF NOT EXISTS agent_contexts (
		chat_id TEXT PRIMARY KEY,
		data TEXT NOT NULL,
		updated_at TEXT NOT NULL DEFAULT (datetime('now'))
	)`
	if _, err := s.db.Exec(stmt); err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// GetAgentContext returns the last saved context for a chat, or nil when
// none exists or the saved one has expired.
func (s *Store) GetAgentContext(ctx context.Context, chatID string) (*agent.Snapshot, error) {
	var (
		raw       string
		updatedAt string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT data, updated_at FROM agent_contexts WHERE chat_id = ?`, chatID,
	).Scan(&raw, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load context for %s: %w", chatID, err)
	}

	if s.maxAge > 0 {
		ts, err := time.Parse("2006-01-02 15:04:05", updatedAt)
		if err == nil && time.Since(ts) > s.maxAge {
			return nil, nil
		}
	}

	var snap agent.Snapshot
	if err := json.Unmarshal([]byte(raw), &snap); err != nil {
		return nil, fmt.Errorf("decode context for %s: %w", chatID, err)
	}
	return &snap, nil
}

func (s *Store) SaveAgentContext(ctx context.Context, chatID string, snap agent.Snapshot) error {
	raw, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode context for %s: %w", chatID, err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO agent_contexts (chat_id, data, updated_at)
		 VALUES (?, ?, datetime('now'))
		 ON CONFLICT(chat_id) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`,
		chatID, string(raw),
	)
	if err != nil {
		return fmt.Errorf("save context for %s: %w", chatID, err)
	}
	return nil
}

// Prune deletes contexts older than maxAge. No-op when expiry is disabled.
func (s *Store) Prune(ctx context.Context) (int64, error) {
	if s.maxAge <= 0 {
		return 0, nil
	}
	cutoff := time.Now().Add(-s.maxAge).UTC().Format("2006-01-02 15:04:05")
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM agent_contexts WHERE updated_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune contexts: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
