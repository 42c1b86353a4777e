// Copyright (c) 2025 Lux Partners Limited
// SPDX-License-Identifier: MIT

// Package merkle computes transaction Merkle roots the way the Bitcoin block
// header commits to them.
package merkle

import "github.com/luxfi/blockindex/digest"

// Root reduces hashes to a single Merkle root. Each level hashes adjacent
// pairs left to right, duplicating the last hash of an odd-sized level.
// An empty list yields digest.Zero.
func Root(hashes []digest.Hash) digest.Hash {
	switch len(hashes) {
	case 0:
		return digest.Zero
	case 1:
		return hashes[0]
	}

	level := make([]digest.Hash, len(hashes))
	copy(level, hashes)

	var pair [digest.Size * 2]byte
	for len(level) > 1 {
		if len(level)%2 != 0 {
			level = append(level, level[len(level)-1])
		}
		next := level[:len(level)/2]
		for i := 0; i < len(level); i += 2 {
			copy(pair[:digest.Size], level[i][:])
			copy(pair[digest.Size:], level[i+1][:])
			next[i/2] = digest.Sum(pair[:])
		}
		level = next
	}
	return level[0]
}

// Verify reports whether hashes reduce to expected.
func Verify(hashes []digest.Hash, expected digest.Hash) bool {
	return Root(hashes) == expected
}
