// Copyright (c) 2025 Lux Partners Limited
// SPDX-License-Identifier: MIT

// Package varint implements the compact size integer encoding used by the
// Bitcoin block and transaction serialization.
//
// A value below 0xfd is stored as a single byte. The markers 0xfd, 0xfe and
// 0xff announce a little-endian uint16, uint32 or uint64 that follows.
package varint

import (
	"encoding/binary"
	"errors"
)

const (
	marker16 = 0xfd
	marker32 = 0xfe
	marker64 = 0xff

	// MaxSize is the widest encoding: one marker byte plus eight value bytes.
	MaxSize = 9
)

// ErrTruncatedInput is returned when fewer bytes remain than the encoding
// requires.
var ErrTruncatedInput = errors.New("truncated input")

// Decode reads one var-int from buf at cursor and returns the value together
// with the cursor just past it.
func Decode(buf []byte, cursor int) (uint64, int, error) {
	if cursor < 0 || cursor >= len(buf) {
		return 0, cursor, ErrTruncatedInput
	}

	lead := buf[cursor]
	rest := buf[cursor+1:]
	switch lead {
	case marker16:
		if len(rest) < 2 {
			return 0, cursor, ErrTruncatedInput
		}
		return uint64(binary.LittleEndian.Uint16(rest)), cursor + 3, nil
	case marker32:
		if len(rest) < 4 {
			return 0, cursor, ErrTruncatedInput
		}
		return uint64(binary.LittleEndian.Uint32(rest)), cursor + 5, nil
	case marker64:
		if len(rest) < 8 {
			return 0, cursor, ErrTruncatedInput
		}
		return binary.LittleEndian.Uint64(rest), cursor + 9, nil
	default:
		return uint64(lead), cursor + 1, nil
	}
}

// Size returns the width in bytes of the canonical encoding of v.
func Size(v uint64) int {
	switch {
	case v < marker16:
		return 1
	case v <= 0xffff:
		return 3
	case v <= 0xffffffff:
		return 5
	default:
		return MaxSize
	}
}

// Append appends the canonical encoding of v to dst.
func Append(dst []byte, v uint64) []byte {
	switch Size(v) {
	case 1:
		return append(dst, byte(v))
	case 3:
		dst = append(dst, marker16)
		return binary.LittleEndian.AppendUint16(dst, uint16(v))
	case 5:
		dst = append(dst, marker32)
		return binary.LittleEndian.AppendUint32(dst, uint32(v))
	default:
		dst = append(dst, marker64)
		return binary.LittleEndian.AppendUint64(dst, v)
	}
}
