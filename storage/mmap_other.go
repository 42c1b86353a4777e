// Copyright (c) 2025 Lux Partners Limited
// SPDX-License-Identifier: MIT

//go:build !unix

package storage

import (
	"math"

	"github.com/luxfi/blockindex/digest"
)

const (
	// DefaultSlots is the capacity of a new mmap table.
	DefaultSlots = 1 << 20

	// MaxSlots is the largest table whose byte size fits in an int.
	MaxSlots = (math.MaxInt - 64) / 48
)

// MmapStore is unavailable on this platform.
type MmapStore struct{}

// NewMmap always fails on platforms without mmap support.
func NewMmap(cfg Config) (*MmapStore, error) {
	return nil, ErrNotSupported
}

func (s *MmapStore) Put(digest.Hash, uint64) error   { return ErrNotSupported }
func (s *MmapStore) Get(digest.Hash) (uint64, error) { return 0, ErrNotSupported }
func (s *MmapStore) ResetNamespace() error           { return ErrNotSupported }
func (s *MmapStore) Close() error                    { return nil }
