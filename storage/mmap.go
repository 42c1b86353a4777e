// Copyright (c) 2025 Lux Partners Limited
// SPDX-License-Identifier: MIT

//go:build unix

package storage

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/luxfi/blockindex/digest"
)

// On-disk layout of the mmap table: a 64-byte header followed by Slots
// fixed-size slots, probed linearly from the first word of the key.
//
//	header: magic[8] | slots u64 | count u64 | reserved
//	slot:   used u8 | pad[7] | key[32] | offset u64
const (
	mmapHeaderSize = 64
	mmapSlotSize   = 48

	slotKey    = 8
	slotOffset = slotKey + digest.Size

	// DefaultSlots is the capacity of a new mmap table.
	DefaultSlots = 1 << 20

	// MaxSlots is the largest table whose byte size fits in an int.
	MaxSlots = (math.MaxInt - mmapHeaderSize) / mmapSlotSize
)

var mmapMagic = []byte("BLKIDX01")

// MmapStore implements Store as an open-addressed hash table in a
// memory-mapped file. Capacity is fixed when the file is created.
type MmapStore struct {
	path  string
	file  *os.File
	data  []byte
	slots uint64

	mu     sync.RWMutex
	closed bool
}

// NewMmap opens or creates the table file <Path>/<Namespace>.idx.
func NewMmap(cfg Config) (*MmapStore, error) {
	dir := cfg.Path
	if dir == "" {
		dir = filepath.Join(".", "data")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}
	ns := cfg.Namespace
	if ns == "" {
		ns = DefaultNamespace
	}
	if err := ValidateNamespace(ns); err != nil {
		return nil, err
	}
	path := filepath.Join(dir, ns+".idx")

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}

	s, err := mapTable(f, cfg.Slots)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to map %s: %w", path, err)
	}
	s.path = path
	return s, nil
}

func mapTable(f *os.File, slots uint64) (*MmapStore, error) {
	info, err := f.Stat()
	if err != nil {
		return nil, err
	}

	fresh := info.Size() == 0
	if fresh {
		if slots == 0 {
			slots = DefaultSlots
		}
		if slots > MaxSlots {
			return nil, fmt.Errorf("%d slots exceeds the maximum of %d", slots, uint64(MaxSlots))
		}
		if err := f.Truncate(int64(mmapHeaderSize + slots*mmapSlotSize)); err != nil {
			return nil, err
		}
	} else {
		var hdr [mmapHeaderSize]byte
		if _, err := f.ReadAt(hdr[:], 0); err != nil {
			return nil, err
		}
		if !bytes.Equal(hdr[:8], mmapMagic) {
			return nil, fmt.Errorf("not an index table")
		}
		slots = binary.LittleEndian.Uint64(hdr[8:])
		if slots == 0 || slots > MaxSlots || info.Size() != int64(mmapHeaderSize+slots*mmapSlotSize) {
			return nil, fmt.Errorf("corrupt table header: %d slots for %d bytes", slots, info.Size())
		}
	}

	size := int(mmapHeaderSize + slots*mmapSlotSize)
	data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, err
	}

	if fresh {
		copy(data, mmapMagic)
		binary.LittleEndian.PutUint64(data[8:], slots)
	}
	return &MmapStore{file: f, data: data, slots: slots}, nil
}

func (s *MmapStore) slot(i uint64) []byte {
	off := mmapHeaderSize + i*mmapSlotSize
	return s.data[off : off+mmapSlotSize]
}

func (s *MmapStore) count() uint64 {
	return binary.LittleEndian.Uint64(s.data[16:])
}

func (s *MmapStore) setCount(n uint64) {
	binary.LittleEndian.PutUint64(s.data[16:], n)
}

// Put stores the offset of key, overwriting an earlier entry
func (s *MmapStore) Put(key digest.Hash, offset uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	return s.put(key, offset)
}

// find returns the slot holding key, or the first empty slot along its search
// sequence with found false. A nil slot means the table is full and key is
// absent.
func (s *MmapStore) find(key digest.Hash) ([]byte, bool) {
	start := key.Words()[0] % s.slots
	for probe := uint64(0); probe < s.slots; probe++ {
		sl := s.slot((start + probe) % s.slots)
		if sl[0] == 0 {
			return sl, false
		}
		if bytes.Equal(sl[slotKey:slotOffset], key[:]) {
			return sl, true
		}
	}
	return nil, false
}

func (s *MmapStore) put(key digest.Hash, offset uint64) error {
	sl, found := s.find(key)
	if sl == nil {
		return ErrFull
	}
	if !found {
		sl[0] = 1
		copy(sl[slotKey:slotOffset], key[:])
		s.setCount(s.count() + 1)
	}
	binary.LittleEndian.PutUint64(sl[slotOffset:], offset)
	return nil
}

// PutBatch stores every entry under one lock. If the new keys do not all
// fit, it returns ErrFull and writes nothing.
func (s *MmapStore) PutBatch(entries []Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	fresh := make(map[digest.Hash]struct{})
	for _, e := range entries {
		if _, found := s.find(e.Key); !found {
			fresh[e.Key] = struct{}{}
		}
	}
	if s.count()+uint64(len(fresh)) > s.slots {
		return ErrFull
	}

	for _, e := range entries {
		if err := s.put(e.Key, e.Offset); err != nil {
			return err
		}
	}
	return nil
}

// Get retrieves the offset of key
func (s *MmapStore) Get(key digest.Hash) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0, ErrClosed
	}
	sl, found := s.find(key)
	if !found {
		return 0, ErrNotFound
	}
	return binary.LittleEndian.Uint64(sl[slotOffset:]), nil
}

// ResetNamespace zeroes every slot
func (s *MmapStore) ResetNamespace() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	clear(s.data[mmapHeaderSize:])
	s.setCount(0)
	return nil
}

// Len returns the number of occupied slots
func (s *MmapStore) Len() (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0, ErrClosed
	}
	return int(s.count()), nil
}

// Slots returns the table capacity
func (s *MmapStore) Slots() uint64 {
	return s.slots
}

// Sync flushes the mapping to the file
func (s *MmapStore) Sync() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return failure("msync", unix.Msync(s.data, unix.MS_SYNC))
}

// Close flushes and unmaps the table
func (s *MmapStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	var errs []error
	if err := unix.Msync(s.data, unix.MS_SYNC); err != nil {
		errs = append(errs, err)
	}
	if err := unix.Munmap(s.data); err != nil {
		errs = append(errs, err)
	}
	s.data = nil
	if err := s.file.Close(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("close errors: %v", errs)
	}
	return nil
}
