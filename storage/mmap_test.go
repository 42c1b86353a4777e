// Copyright (c) 2025 Lux Partners Limited
// SPDX-License-Identifier: MIT

//go:build unix

package storage

import (
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestMmapFull(t *testing.T) {
	store, err := NewMmap(Config{Path: t.TempDir(), Slots: 4})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer store.Close()

	for i := 0; i < 4; i++ {
		if err := store.Put(key(i), uint64(i)); err != nil {
			t.Fatalf("put %d: %v", i, err)
		}
	}

	// updating an existing key still works on a full table
	if err := store.Put(key(2), 99); err != nil {
		t.Fatalf("update on full table: %v", err)
	}

	err = store.Put(key(4), 4)
	if !errors.Is(err, ErrFull) || !errors.Is(err, ErrStoreFailure) {
		t.Fatalf("expected ErrFull, got %v", err)
	}

	for i := 0; i < 4; i++ {
		want := uint64(i)
		if i == 2 {
			want = 99
		}
		got, err := store.Get(key(i))
		if err != nil || got != want {
			t.Errorf("key %d: got %d, %v; want %d", i, got, err, want)
		}
	}
	if _, err := store.Get(key(4)); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound on full table, got %v", err)
	}
}

func TestMmapBatchAllOrNothing(t *testing.T) {
	store, err := NewMmap(Config{Path: t.TempDir(), Slots: 2})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer store.Close()

	batch := []Entry{{Key: key(0), Offset: 0}, {Key: key(1), Offset: 80}, {Key: key(2), Offset: 160}}
	if err := store.PutBatch(batch); !errors.Is(err, ErrFull) {
		t.Fatalf("expected ErrFull, got %v", err)
	}
	if n, err := store.Len(); err != nil || n != 0 {
		t.Fatalf("got %d entries, %v; want 0", n, err)
	}
	for i := range batch {
		if _, err := store.Get(key(i)); !errors.Is(err, ErrNotFound) {
			t.Errorf("key %d written by a rejected batch: %v", i, err)
		}
	}

	// repeated keys take one slot
	if err := store.PutBatch([]Entry{{Key: key(0), Offset: 1}, {Key: key(0), Offset: 2}}); err != nil {
		t.Fatalf("batch with repeated key: %v", err)
	}
	// one update plus one new key fills the table exactly
	if err := store.PutBatch([]Entry{{Key: key(0), Offset: 3}, {Key: key(1), Offset: 4}}); err != nil {
		t.Fatalf("batch filling the table: %v", err)
	}
	if n, err := store.Len(); err != nil || n != 2 {
		t.Errorf("got %d entries, %v; want 2", n, err)
	}
	if got, err := store.Get(key(0)); err != nil || got != 3 {
		t.Errorf("key 0: got %d, %v; want 3", got, err)
	}
	if err := store.PutBatch([]Entry{{Key: key(1), Offset: 5}, {Key: key(2), Offset: 6}}); !errors.Is(err, ErrFull) {
		t.Fatalf("expected ErrFull, got %v", err)
	}
	if got, err := store.Get(key(1)); err != nil || got != 4 {
		t.Errorf("key 1 changed by a rejected batch: got %d, %v", got, err)
	}
}

func TestMmapSlotLimit(t *testing.T) {
	if _, err := NewMmap(Config{Path: t.TempDir(), Slots: 1 << 60}); err == nil {
		t.Error("expected error for a table larger than the address space")
	}

	// 64 + 2^60*48 wraps to 64, so this header matches the file size
	// unless the slot count is bounded.
	dir := t.TempDir()
	hdr := make([]byte, mmapHeaderSize)
	copy(hdr, mmapMagic)
	binary.LittleEndian.PutUint64(hdr[8:], 1<<60)
	if err := os.WriteFile(filepath.Join(dir, "main.idx"), hdr, 0644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := NewMmap(Config{Path: dir}); err == nil {
		t.Error("expected error for a header claiming too many slots")
	}
}

func TestMmapRejectsBadNamespace(t *testing.T) {
	dir := t.TempDir()
	if _, err := NewMmap(Config{Path: dir, Namespace: "../escape"}); !errors.Is(err, ErrInvalidNamespace) {
		t.Errorf("expected ErrInvalidNamespace, got %v", err)
	}
}

func TestMmapReopen(t *testing.T) {
	dir := t.TempDir()

	store, err := NewMmap(Config{Path: dir, Namespace: "blocks", Slots: 64})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	for i := 0; i < 10; i++ {
		if err := store.Put(key(i), uint64(i*80)); err != nil {
			t.Fatalf("put: %v", err)
		}
	}
	if err := store.Sync(); err != nil {
		t.Fatalf("sync: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	// the slot count comes from the file header, not the config
	reopened, err := NewMmap(Config{Path: dir, Namespace: "blocks", Slots: 8})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	if reopened.Slots() != 64 {
		t.Errorf("got %d slots, want 64", reopened.Slots())
	}
	n, err := reopened.Len()
	if err != nil || n != 10 {
		t.Errorf("got %d entries, %v; want 10", n, err)
	}
	for i := 0; i < 10; i++ {
		got, err := reopened.Get(key(i))
		if err != nil || got != uint64(i*80) {
			t.Errorf("key %d: got %d, %v", i, got, err)
		}
	}
}

func TestMmapRejectsForeignFile(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "main.idx"), []byte("definitely not a table header, too short"), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := NewMmap(Config{Path: dir}); err == nil {
		t.Error("expected error opening a foreign file")
	}
}
