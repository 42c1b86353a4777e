// Copyright (c) 2025 Lux Partners Limited
// SPDX-License-Identifier: MIT

// Package digest provides the 256-bit double SHA-256 hash used to identify
// blocks and transactions.
package digest

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// Size is the length of a Hash in bytes.
const Size = 32

// Hash is a double SHA-256 digest in internal byte order.
type Hash [Size]byte

// Zero is the all-zero hash.
var Zero Hash

// Sum returns the double SHA-256 of data.
func Sum(data []byte) Hash {
	return Hash(chainhash.DoubleHashH(data))
}

// NewHash copies a 32-byte slice into a Hash.
func NewHash(b []byte) (Hash, error) {
	var h Hash
	if len(b) != Size {
		return h, fmt.Errorf("invalid hash length: got %d, want %d", len(b), Size)
	}
	copy(h[:], b)
	return h, nil
}

// Parse decodes a hash from its display form, the byte-reversed hex string
// produced by String.
func Parse(s string) (Hash, error) {
	var h Hash
	if len(s) != Size*2 {
		return h, fmt.Errorf("invalid hash string length: %d", len(s))
	}
	if _, err := hex.Decode(h[:], []byte(s)); err != nil {
		return h, fmt.Errorf("invalid hash string: %w", err)
	}
	h.reverse()
	return h, nil
}

// Bytes returns a copy of the hash as a byte slice, suitable as a storage key.
func (h Hash) Bytes() []byte {
	b := make([]byte, Size)
	copy(b, h[:])
	return b
}

// Words returns the hash as four little-endian 64-bit words. Word 0 covers
// bytes 0..7.
func (h Hash) Words() [4]uint64 {
	return [4]uint64{
		binary.LittleEndian.Uint64(h[0:8]),
		binary.LittleEndian.Uint64(h[8:16]),
		binary.LittleEndian.Uint64(h[16:24]),
		binary.LittleEndian.Uint64(h[24:32]),
	}
}

// IsZero reports whether h is the zero hash.
func (h Hash) IsZero() bool {
	return h == Zero
}

// String returns the byte-reversed hex encoding, the order block explorers
// and node RPCs display.
func (h Hash) String() string {
	h.reverse()
	return hex.EncodeToString(h[:])
}

// MarshalText implements encoding.TextMarshaler.
func (h Hash) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (h *Hash) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}

func (h *Hash) reverse() {
	for i := 0; i < Size/2; i++ {
		h[i], h[Size-1-i] = h[Size-1-i], h[i]
	}
}
