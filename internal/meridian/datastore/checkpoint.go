package datastore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite" // register pure-Go SQLite driver
)

// NewMemoryCheckpointStore returns a checkpoint store holding tokens in
// process memory. After a restart every pair starts from an empty token.
func NewMemoryCheckpointStore() *MemoryCheckpointStore {
	return &MemoryCheckpointStore{tokens: map[pairKey]string{}}
}

type pairKey struct {
	source, target string
}

// MemoryCheckpointStore keeps per-pair sync tokens in memory.
type MemoryCheckpointStore struct {
	sync.RWMutex
	tokens map[pairKey]string
}

// Get returns the last sync token of the directed pair, or an empty token
// when the pair has never completed a sync.
func (s *MemoryCheckpointStore) Get(_ context.Context, source, target string) (string, error) {
	s.RLock()
	defer s.RUnlock()
	return s.tokens[pairKey{source: source, target: target}], nil
}

// Put stores the last sync token of the directed pair.
func (s *MemoryCheckpointStore) Put(_ context.Context, source, target, token string) error {
	s.Lock()
	defer s.Unlock()
	s.tokens[pairKey{source: source, target: target}] = token
	return nil
}

// NewSQLiteCheckpointStore opens or creates the checkpoint database at the
// given path. Tokens survive restarts without requiring a Postgres setup.
func NewSQLiteCheckpointStore(ctx context.Context, path string) (*SQLiteCheckpointStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sql open: %w", err)
	}
	// The driver does not support concurrent writers on one file.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(
		ctx,
		`CREATE TABLE IF NOT EXISTS checkpoints (
			source TEXT NOT NULL,
			target TEXT NOT NULL,
			token TEXT NOT NULL,
			updated_at TIMESTAMP NOT NULL,
			PRIMARY KEY (source, target)
		)`,
	); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &SQLiteCheckpointStore{db: db}, nil
}

// SQLiteCheckpointStore persists per-pair sync tokens in a local SQLite
// file.
type SQLiteCheckpointStore struct {
	db *sql.DB
}

// Get returns the last sync token of the directed pair, or an empty token
// when the pair has never completed a sync.
func (s *SQLiteCheckpointStore) Get(ctx context.Context, source, target string) (string, error) {
	var token string
	if err := s.db.QueryRowContext(
		ctx,
		`SELECT token FROM checkpoints WHERE source = ? AND target = ?`,
		source, target,
	).Scan(&token); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("scan: %w", err)
	}
	return token, nil
}

// Put stores the last sync token of the directed pair.
func (s *SQLiteCheckpointStore) Put(ctx context.Context, source, target, token string) error {
	if _, err := s.db.ExecContext(
		ctx,
		`INSERT INTO checkpoints (source, target, token, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT (source, target) DO UPDATE SET token = excluded.token, updated_at = excluded.updated_at`,
		source, target, token, time.Now().UTC(),
	); err != nil {
		return fmt.Errorf("exec: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *SQLiteCheckpointStore) Close() error {
	return s.db.Close()
}
