// Copyright (c) 2025 Lux Partners Limited
// SPDX-License-Identifier: MIT

package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/lib/pq"           // PostgreSQL driver
	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"github.com/luxfi/blockindex/digest"
)

const defaultTimeout = 30 * time.Second

// dialect holds the statements that differ between SQL engines.
type dialect struct {
	backend Backend
	schema  string
	upsert  string
	get     string
	reset   string
	count   string
}

var sqliteDialect = dialect{
	backend: BackendSQLite,
	schema: `CREATE TABLE IF NOT EXISTS block_index (
		namespace TEXT NOT NULL,
		hash BLOB NOT NULL,
		pos INTEGER NOT NULL,
		PRIMARY KEY (namespace, hash)
	) WITHOUT ROWID`,
	upsert: `INSERT INTO block_index (namespace, hash, pos) VALUES (?, ?, ?)
		ON CONFLICT (namespace, hash) DO UPDATE SET pos = excluded.pos`,
	get:   `SELECT pos FROM block_index WHERE namespace = ? AND hash = ?`,
	reset: `DELETE FROM block_index WHERE namespace = ?`,
	count: `SELECT COUNT(*) FROM block_index WHERE namespace = ?`,
}

var postgresDialect = dialect{
	backend: BackendPostgres,
	schema: `CREATE TABLE IF NOT EXISTS block_index (
		namespace TEXT NOT NULL,
		hash BYTEA NOT NULL,
		pos BIGINT NOT NULL,
		PRIMARY KEY (namespace, hash)
	)`,
	upsert: `INSERT INTO block_index (namespace, hash, pos) VALUES ($1, $2, $3)
		ON CONFLICT (namespace, hash) DO UPDATE SET pos = EXCLUDED.pos`,
	get:   `SELECT pos FROM block_index WHERE namespace = $1 AND hash = $2`,
	reset: `DELETE FROM block_index WHERE namespace = $1`,
	count: `SELECT COUNT(*) FROM block_index WHERE namespace = $1`,
}

// SQLStore implements Store on a database/sql engine. Each namespace is a
// partition of the block_index table.
type SQLStore struct {
	db        *sql.DB
	dialect   dialect
	namespace string
	timeout   time.Duration

	mu     sync.RWMutex
	closed bool
}

// NewSQLite opens the SQLite index at <Path>/index.db, or at URL when set.
func NewSQLite(cfg Config) (*SQLStore, error) {
	path := cfg.URL
	if path == "" {
		dir := cfg.Path
		if dir == "" {
			dir = filepath.Join(".", "data")
		}
		path = filepath.Join(dir, "index.db")
	}

	// Ensure directory exists
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}

	// SQLite doesn't support multiple writers
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	return openSQL(db, sqliteDialect, cfg)
}

// NewPostgres connects to the PostgreSQL database at cfg.URL.
func NewPostgres(cfg Config) (*SQLStore, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("postgres backend requires a connection URL")
	}
	db, err := sql.Open("postgres", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("postgres open: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	return openSQL(db, postgresDialect, cfg)
}

func openSQL(db *sql.DB, d dialect, cfg Config) (*SQLStore, error) {
	s := &SQLStore{
		db:        db,
		dialect:   d,
		namespace: cfg.Namespace,
		timeout:   cfg.Timeout,
	}
	if s.namespace == "" {
		s.namespace = DefaultNamespace
	}
	if err := ValidateNamespace(s.namespace); err != nil {
		db.Close()
		return nil, err
	}
	if s.timeout <= 0 {
		s.timeout = defaultTimeout
	}

	ctx, cancel := s.context()
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping %s: %w", d.backend, err)
	}
	if _, err := db.ExecContext(ctx, d.schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create table block_index: %w", err)
	}
	return s, nil
}

func (s *SQLStore) context() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), s.timeout)
}

func toPos(offset uint64) (int64, error) {
	if offset > math.MaxInt64 {
		return 0, fmt.Errorf("%w: offset %d out of range", ErrStoreFailure, offset)
	}
	return int64(offset), nil
}

// Backend returns the backend type
func (s *SQLStore) Backend() Backend {
	return s.dialect.backend
}

// Put upserts the offset of key
func (s *SQLStore) Put(key digest.Hash, offset uint64) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}

	pos, err := toPos(offset)
	if err != nil {
		return err
	}
	ctx, cancel := s.context()
	defer cancel()

	_, err = s.db.ExecContext(ctx, s.dialect.upsert, s.namespace, key[:], pos)
	return failure("put", err)
}

// PutBatch upserts all entries in one transaction
func (s *SQLStore) PutBatch(entries []Entry) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}

	ctx, cancel := s.context()
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return failure("begin", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, s.dialect.upsert)
	if err != nil {
		return failure("prepare", err)
	}
	defer stmt.Close()

	for _, e := range entries {
		pos, err := toPos(e.Offset)
		if err != nil {
			return err
		}
		if _, err := stmt.ExecContext(ctx, s.namespace, e.Key.Bytes(), pos); err != nil {
			return failure("batch put", err)
		}
	}
	return failure("commit", tx.Commit())
}

// Get retrieves the offset of key
func (s *SQLStore) Get(key digest.Hash) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0, ErrClosed
	}

	ctx, cancel := s.context()
	defer cancel()

	var pos int64
	err := s.db.QueryRowContext(ctx, s.dialect.get, s.namespace, key[:]).Scan(&pos)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, failure("get", err)
	}
	return uint64(pos), nil
}

// ResetNamespace deletes the namespace's rows
func (s *SQLStore) ResetNamespace() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}

	ctx, cancel := s.context()
	defer cancel()

	_, err := s.db.ExecContext(ctx, s.dialect.reset, s.namespace)
	return failure("reset", err)
}

// Len counts the namespace's rows
func (s *SQLStore) Len() (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0, ErrClosed
	}

	ctx, cancel := s.context()
	defer cancel()

	var n int
	if err := s.db.QueryRowContext(ctx, s.dialect.count, s.namespace).Scan(&n); err != nil {
		return 0, failure("count", err)
	}
	return n, nil
}

// Ping checks the connection
func (s *SQLStore) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return s.db.PingContext(ctx)
}

// Close closes the connection pool
func (s *SQLStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}
