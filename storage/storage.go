// Copyright (c) 2025 Lux Partners Limited
// SPDX-License-Identifier: MIT

// Package storage provides the pluggable hash -> offset index store.
// Supported backends: memory (default), mmap, badger, sqlite, postgres.
package storage

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/luxfi/blockindex/digest"
)

// Backend identifies the storage backend type
type Backend string

const (
	BackendMemory   Backend = "memory"   // in-memory hash table
	BackendMmap     Backend = "mmap"     // memory-mapped cache file
	BackendBadger   Backend = "badger"   // embedded file store
	BackendSQLite   Backend = "sqlite"   // embedded file-backed B-tree
	BackendPostgres Backend = "postgres" // transactional database
)

// DefaultNamespace is the namespace used when none is configured.
const DefaultNamespace = "main"

// Config for storage backend
type Config struct {
	Backend   Backend           `yaml:"backend"`
	Path      string            `yaml:"path"`      // Data file or directory for file-based backends
	URL       string            `yaml:"url"`       // Connection URL (postgres://)
	Namespace string            `yaml:"namespace"` // Entries live under this namespace
	Slots     uint64            `yaml:"slots"`     // Table capacity of the mmap backend
	Timeout   time.Duration     `yaml:"timeout"`   // Per-statement timeout for SQL backends
	Options   map[string]string `yaml:"options"`   // Backend-specific options
}

// Store is the index contract every backend satisfies.
type Store interface {
	// Put records the offset of key. A later Put of the same key wins.
	Put(key digest.Hash, offset uint64) error

	// Get returns the offset of key or ErrNotFound.
	Get(key digest.Hash) (uint64, error)

	// ResetNamespace removes every entry of the store's namespace.
	ResetNamespace() error

	Close() error
}

// Entry is one hash -> offset pair.
type Entry struct {
	Key    digest.Hash
	Offset uint64
}

// Batcher is implemented by stores that can write a group of entries
// atomically.
type Batcher interface {
	PutBatch(entries []Entry) error
}

// Counter is implemented by stores that can report how many entries they
// hold.
type Counter interface {
	Len() (int, error)
}

// Pinger is implemented by stores that can check their backend is
// reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Errors
var (
	ErrNotFound     = errors.New("not found")
	ErrClosed       = errors.New("store is closed")
	ErrNotSupported = errors.New("not supported by this backend")
	ErrStoreFailure = errors.New("store failure")
	ErrFull         = fmt.Errorf("%w: table full", ErrStoreFailure)

	ErrInvalidNamespace = errors.New("invalid namespace")
)

// ValidateNamespace rejects names that could collide with another
// namespace's key prefix or escape the data directory.
func ValidateNamespace(ns string) error {
	if ns == "" {
		return fmt.Errorf("%w: empty", ErrInvalidNamespace)
	}
	if strings.ContainsAny(ns, ":/\\\x00") || ns == "." || ns == ".." {
		return fmt.Errorf("%w: %q", ErrInvalidNamespace, ns)
	}
	return nil
}

// failure wraps a backend error so callers can match ErrStoreFailure.
func failure(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %s: %w", ErrStoreFailure, op, err)
}

// New creates a new storage backend based on config
func New(cfg Config) (Store, error) {
	if cfg.Namespace == "" {
		cfg.Namespace = DefaultNamespace
	}
	if err := ValidateNamespace(cfg.Namespace); err != nil {
		return nil, err
	}

	var (
		store Store
		err   error
	)
	switch cfg.Backend {
	case BackendMemory, "":
		store, err = NewMemory(cfg.Namespace)
	case BackendMmap:
		store, err = NewMmap(cfg)
	case BackendBadger:
		store, err = NewBadger(cfg)
	case BackendSQLite:
		store, err = NewSQLite(cfg)
	case BackendPostgres:
		store, err = NewPostgres(cfg)
	default:
		return nil, fmt.Errorf("unknown storage backend: %s", cfg.Backend)
	}
	if err != nil {
		return nil, fmt.Errorf("%s backend: %w", cfg.Backend, err)
	}
	return store, nil
}

// ParseBackend parses a backend string
func ParseBackend(s string) (Backend, error) {
	switch strings.ToLower(s) {
	case "memory", "mem", "memdb", "hash":
		return BackendMemory, nil
	case "mmap", "cache", "lmc":
		return BackendMmap, nil
	case "badger", "badgerdb":
		return BackendBadger, nil
	case "sqlite", "sqlite3", "btree":
		return BackendSQLite, nil
	case "postgres", "postgresql", "pg":
		return BackendPostgres, nil
	default:
		return "", fmt.Errorf("unknown backend: %s", s)
	}
}

// EncodeOffset returns the 8-byte little-endian value stored for an offset.
func EncodeOffset(offset uint64) []byte {
	return binary.LittleEndian.AppendUint64(nil, offset)
}

// DecodeOffset parses a value written by EncodeOffset.
func DecodeOffset(b []byte) (uint64, error) {
	if len(b) != 8 {
		return 0, fmt.Errorf("%w: invalid offset length %d", ErrStoreFailure, len(b))
	}
	return binary.LittleEndian.Uint64(b), nil
}
