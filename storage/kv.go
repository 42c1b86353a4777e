// Copyright (c) 2025 Lux Partners Limited
// SPDX-License-Identifier: MIT

package storage

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/luxfi/database"
	"github.com/luxfi/database/badgerdb"
	"github.com/luxfi/database/memdb"
	"github.com/luxfi/database/prefixdb"

	"github.com/luxfi/blockindex/digest"
)

// resetChunk bounds how many keys ResetNamespace holds in memory at once.
const resetChunk = 10_000

// KVStore implements Store on a luxfi/database.Database. Entries live in a
// prefixdb keyed by the namespace, so several indexes can share one
// database.
type KVStore struct {
	db    database.Database
	ns    database.Database
	owned bool // whether we own the db and should close it

	mu     sync.RWMutex
	closed bool
}

// NewMemory creates an index held in an in-memory hash table.
func NewMemory(namespace string) (*KVStore, error) {
	return newKV(memdb.New(), namespace, true)
}

// NewBadger opens a BadgerDB-backed index under cfg.Path.
func NewBadger(cfg Config) (*KVStore, error) {
	dir := cfg.Path
	if dir == "" {
		dir = filepath.Join(".", "data", "badger")
	}
	ns := cfg.Namespace
	if ns == "" {
		ns = DefaultNamespace
	}
	if err := ValidateNamespace(ns); err != nil {
		return nil, err
	}
	db, err := badgerdb.New(dir, nil, "", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open badgerdb: %w", err)
	}
	return newKV(db, ns, true)
}

// NewKV wraps an existing database, for example a node's own database in
// in-process mode. The caller keeps ownership of db.
func NewKV(db database.Database, namespace string) (*KVStore, error) {
	return newKV(db, namespace, false)
}

// newKV keys every entry under "<namespace>:". Namespaces never contain
// ':' so no prefix is a prefix of another.
func newKV(db database.Database, namespace string, owned bool) (*KVStore, error) {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	if err := ValidateNamespace(namespace); err != nil {
		if owned {
			db.Close()
		}
		return nil, err
	}
	return &KVStore{
		db:    db,
		ns:    prefixdb.New([]byte(namespace+":"), db),
		owned: owned,
	}, nil
}

// Put stores the offset of key
func (s *KVStore) Put(key digest.Hash, offset uint64) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return failure("put", s.ns.Put(key[:], EncodeOffset(offset)))
}

// PutBatch writes all entries in a single batch
func (s *KVStore) PutBatch(entries []Entry) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}

	batch := s.ns.NewBatch()
	for _, e := range entries {
		if err := batch.Put(e.Key.Bytes(), EncodeOffset(e.Offset)); err != nil {
			return failure("batch put", err)
		}
	}
	return failure("batch write", batch.Write())
}

// Get retrieves the offset of key
func (s *KVStore) Get(key digest.Hash) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0, ErrClosed
	}

	value, err := s.ns.Get(key[:])
	if errors.Is(err, database.ErrNotFound) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, failure("get", err)
	}
	return DecodeOffset(value)
}

// ResetNamespace deletes every key under the namespace prefix
func (s *KVStore) ResetNamespace() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	for {
		keys, err := s.collectKeys(resetChunk)
		if err != nil {
			return failure("reset", err)
		}
		if len(keys) == 0 {
			return nil
		}

		batch := s.ns.NewBatch()
		for _, k := range keys {
			if err := batch.Delete(k); err != nil {
				return failure("reset", err)
			}
		}
		if err := batch.Write(); err != nil {
			return failure("reset", err)
		}
	}
}

func (s *KVStore) collectKeys(limit int) ([][]byte, error) {
	it := s.ns.NewIterator()
	defer it.Release()

	var keys [][]byte
	for len(keys) < limit && it.Next() {
		k := make([]byte, len(it.Key()))
		copy(k, it.Key())
		keys = append(keys, k)
	}
	return keys, it.Error()
}

// Len counts the entries in the namespace
func (s *KVStore) Len() (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0, ErrClosed
	}

	it := s.ns.NewIterator()
	defer it.Release()

	n := 0
	for it.Next() {
		n++
	}
	return n, failure("count", it.Error())
}

// Ping performs a health check
func (s *KVStore) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	_, err := s.db.HealthCheck(ctx)
	return err
}

// Database returns the underlying database
func (s *KVStore) Database() database.Database {
	return s.db
}

// Close closes the store
func (s *KVStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	// Only close if we own the database
	if s.owned {
		return s.db.Close()
	}
	return nil
}
