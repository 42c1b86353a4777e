// Copyright (c) 2025 Lux Partners Limited
// SPDX-License-Identifier: MIT

package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"

	"github.com/luxfi/database/memdb"

	"github.com/luxfi/blockindex/digest"
)

func key(i int) digest.Hash {
	return digest.Sum([]byte(fmt.Sprintf("key-%d", i)))
}

// backends returns a constructor per backend that can run in a unit test.
func backends(t *testing.T) map[Backend]func() Store {
	t.Helper()
	open := func(cfg Config) func() Store {
		return func() Store {
			s, err := New(cfg)
			if err != nil {
				t.Fatalf("open %s: %v", cfg.Backend, err)
			}
			return s
		}
	}

	out := map[Backend]func() Store{
		BackendMemory: open(Config{Backend: BackendMemory}),
		BackendMmap:   open(Config{Backend: BackendMmap, Path: t.TempDir(), Slots: 1024}),
		BackendBadger: open(Config{Backend: BackendBadger, Path: t.TempDir()}),
		BackendSQLite: open(Config{Backend: BackendSQLite, Path: t.TempDir()}),
	}
	if url := os.Getenv("BLOCKINDEX_POSTGRES_URL"); url != "" {
		out[BackendPostgres] = open(Config{Backend: BackendPostgres, URL: url, Namespace: "storage_test"})
	}
	return out
}

func TestStoreContract(t *testing.T) {
	for backend, open := range backends(t) {
		t.Run(string(backend), func(t *testing.T) {
			store := open()
			defer store.Close()

			if err := store.ResetNamespace(); err != nil {
				t.Fatalf("initial reset: %v", err)
			}

			t.Run("PutGet", func(t *testing.T) {
				if err := store.Put(key(1), 42); err != nil {
					t.Fatalf("put: %v", err)
				}
				got, err := store.Get(key(1))
				if err != nil {
					t.Fatalf("get: %v", err)
				}
				if got != 42 {
					t.Errorf("got offset %d, want 42", got)
				}
			})

			t.Run("Missing", func(t *testing.T) {
				_, err := store.Get(key(999))
				if !errors.Is(err, ErrNotFound) {
					t.Errorf("expected ErrNotFound, got %v", err)
				}
			})

			t.Run("LastWriteWins", func(t *testing.T) {
				if err := store.Put(key(2), 100); err != nil {
					t.Fatalf("put: %v", err)
				}
				if err := store.Put(key(2), 200); err != nil {
					t.Fatalf("second put: %v", err)
				}
				got, err := store.Get(key(2))
				if err != nil {
					t.Fatalf("get: %v", err)
				}
				if got != 200 {
					t.Errorf("got offset %d, want 200", got)
				}
			})

			t.Run("Batch", func(t *testing.T) {
				b, ok := store.(Batcher)
				if !ok {
					t.Skip("backend has no batch support")
				}
				entries := make([]Entry, 10)
				for i := range entries {
					entries[i] = Entry{Key: key(100 + i), Offset: uint64(1000 + i)}
				}
				if err := b.PutBatch(entries); err != nil {
					t.Fatalf("put batch: %v", err)
				}
				for _, e := range entries {
					got, err := store.Get(e.Key)
					if err != nil {
						t.Fatalf("get %s: %v", e.Key, err)
					}
					if got != e.Offset {
						t.Errorf("got offset %d, want %d", got, e.Offset)
					}
				}
			})

			t.Run("Len", func(t *testing.T) {
				c, ok := store.(Counter)
				if !ok {
					t.Skip("backend cannot count")
				}
				n, err := c.Len()
				if err != nil {
					t.Fatalf("len: %v", err)
				}
				if n != 12 {
					t.Errorf("got %d entries, want 12", n)
				}
			})

			t.Run("Reset", func(t *testing.T) {
				if err := store.ResetNamespace(); err != nil {
					t.Fatalf("reset: %v", err)
				}
				if _, err := store.Get(key(1)); !errors.Is(err, ErrNotFound) {
					t.Errorf("expected ErrNotFound after reset, got %v", err)
				}
				if err := store.Put(key(1), 7); err != nil {
					t.Fatalf("put after reset: %v", err)
				}
				got, err := store.Get(key(1))
				if err != nil || got != 7 {
					t.Errorf("after reset got %d, %v; want 7", got, err)
				}
			})

			t.Run("Ping", func(t *testing.T) {
				p, ok := store.(Pinger)
				if !ok {
					t.Skip("backend has no health check")
				}
				if err := p.Ping(context.Background()); err != nil {
					t.Errorf("ping: %v", err)
				}
			})

			t.Run("Closed", func(t *testing.T) {
				if err := store.Close(); err != nil {
					t.Fatalf("close: %v", err)
				}
				if err := store.Put(key(3), 1); !errors.Is(err, ErrClosed) {
					t.Errorf("expected ErrClosed, got %v", err)
				}
				if _, err := store.Get(key(3)); !errors.Is(err, ErrClosed) {
					t.Errorf("expected ErrClosed, got %v", err)
				}
				if err := store.Close(); err != nil {
					t.Errorf("second close: %v", err)
				}
			})
		})
	}
}

func TestKVNamespaceIsolation(t *testing.T) {
	db := memdb.New()
	defer db.Close()

	a, err := NewKV(db, "a")
	if err != nil {
		t.Fatalf("open a: %v", err)
	}
	b, err := NewKV(db, "b")
	if err != nil {
		t.Fatalf("open b: %v", err)
	}

	if err := a.Put(key(1), 10); err != nil {
		t.Fatalf("put a: %v", err)
	}
	if err := b.Put(key(1), 20); err != nil {
		t.Fatalf("put b: %v", err)
	}

	if err := a.ResetNamespace(); err != nil {
		t.Fatalf("reset a: %v", err)
	}
	if _, err := a.Get(key(1)); !errors.Is(err, ErrNotFound) {
		t.Errorf("namespace a should be empty, got %v", err)
	}
	got, err := b.Get(key(1))
	if err != nil || got != 20 {
		t.Errorf("namespace b: got %d, %v; want 20", got, err)
	}

	// a store wrapping a shared database does not close it
	if err := a.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := b.Get(key(1)); err != nil {
		t.Errorf("shared database closed with the wrapper: %v", err)
	}
}

func TestValidateNamespace(t *testing.T) {
	for _, ns := range []string{"main", "testnet", "blocks-2"} {
		if err := ValidateNamespace(ns); err != nil {
			t.Errorf("%q: %v", ns, err)
		}
	}
	for _, ns := range []string{"", "a:b", "a/b", `a\b`, ".", "..", "a\x00b"} {
		if err := ValidateNamespace(ns); !errors.Is(err, ErrInvalidNamespace) {
			t.Errorf("%q: expected ErrInvalidNamespace, got %v", ns, err)
		}
	}
}

func TestKVRejectsNestedNamespace(t *testing.T) {
	db := memdb.New()
	defer db.Close()

	// "a:b" would live inside the key range of "a"
	if _, err := NewKV(db, "a:b"); !errors.Is(err, ErrInvalidNamespace) {
		t.Errorf("NewKV: expected ErrInvalidNamespace, got %v", err)
	}
	if _, err := NewMemory("a:b"); !errors.Is(err, ErrInvalidNamespace) {
		t.Errorf("NewMemory: expected ErrInvalidNamespace, got %v", err)
	}
	for _, b := range []Backend{BackendMemory, BackendBadger, BackendSQLite} {
		_, err := New(Config{Backend: b, Path: t.TempDir(), Namespace: "a:b"})
		if !errors.Is(err, ErrInvalidNamespace) {
			t.Errorf("%s: expected ErrInvalidNamespace, got %v", b, err)
		}
	}

	// a wrapper that failed to open leaves the shared database usable
	a, err := NewKV(db, "a")
	if err != nil {
		t.Fatalf("open a: %v", err)
	}
	if err := a.Put(key(1), 10); err != nil {
		t.Errorf("put: %v", err)
	}
}

func TestKVResetLargeNamespace(t *testing.T) {
	store, err := NewMemory("")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer store.Close()

	entries := make([]Entry, resetChunk+5)
	for i := range entries {
		entries[i] = Entry{Key: key(i), Offset: uint64(i)}
	}
	if err := store.PutBatch(entries); err != nil {
		t.Fatalf("put batch: %v", err)
	}
	if err := store.ResetNamespace(); err != nil {
		t.Fatalf("reset: %v", err)
	}
	n, err := store.Len()
	if err != nil {
		t.Fatalf("len: %v", err)
	}
	if n != 0 {
		t.Errorf("got %d entries after reset, want 0", n)
	}
}

func TestParseBackend(t *testing.T) {
	tests := map[string]Backend{
		"memory":   BackendMemory,
		"hash":     BackendMemory,
		"lmc":      BackendMmap,
		"mmap":     BackendMmap,
		"BadgerDB": BackendBadger,
		"btree":    BackendSQLite,
		"sqlite3":  BackendSQLite,
		"pg":       BackendPostgres,
	}
	for in, want := range tests {
		got, err := ParseBackend(in)
		if err != nil {
			t.Fatalf("%s: %v", in, err)
		}
		if got != want {
			t.Errorf("%s: got %s, want %s", in, got, want)
		}
	}
	if _, err := ParseBackend("tokyocabinet"); err == nil {
		t.Error("expected error for unknown backend")
	}
}

func TestNewUnknownBackend(t *testing.T) {
	if _, err := New(Config{Backend: "dgraph"}); err == nil {
		t.Error("expected error for unknown backend")
	}
	if _, err := New(Config{Backend: BackendPostgres}); err == nil {
		t.Error("expected error for postgres without URL")
	}
}

func TestOffsetEncoding(t *testing.T) {
	for _, off := range []uint64{0, 1, 285, 1 << 40, ^uint64(0)} {
		got, err := DecodeOffset(EncodeOffset(off))
		if err != nil {
			t.Fatalf("decode %d: %v", off, err)
		}
		if got != off {
			t.Errorf("got %d, want %d", got, off)
		}
	}
	if _, err := DecodeOffset([]byte{1, 2, 3}); !errors.Is(err, ErrStoreFailure) {
		t.Errorf("expected ErrStoreFailure, got %v", err)
	}
}
