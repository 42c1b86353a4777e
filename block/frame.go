// Copyright (c) 2025 Lux Partners Limited
// SPDX-License-Identifier: MIT

package block

import (
	"encoding/binary"
	"fmt"
	"strings"
)

// Network magics that prefix every block in a node's blk*.dat files.
const (
	MagicMainnet uint32 = 0xd9b4bef9
	MagicTestnet uint32 = 0x0709110b
	MagicRegtest uint32 = 0xdab5bffa
	MagicSignet  uint32 = 0x40cf030a
)

const frameHeaderSize = 8

// Frame is one magic-and-length delimited block inside a block file.
type Frame struct {
	Offset int  // position of the block payload in the file
	Block  View // the block payload
	Next   int  // position of the following frame
}

// ReadFrame reads the frame starting at offset. The zero-filled tail that
// nodes preallocate at the end of a file yields ErrEndOfFrames.
func ReadFrame(buf []byte, offset int, magic uint32) (Frame, error) {
	if offset < 0 || offset > len(buf) {
		return Frame{}, &ParseError{Field: "frame", Offset: offset, Err: ErrTruncatedInput}
	}
	rest := buf[offset:]
	if len(rest) < frameHeaderSize {
		if allZero(rest) {
			return Frame{}, ErrEndOfFrames
		}
		return Frame{}, &ParseError{Field: "frame header", Offset: offset, Err: ErrTruncatedInput}
	}

	got := binary.LittleEndian.Uint32(rest)
	if got == 0 {
		return Frame{}, ErrEndOfFrames
	}
	if got != magic {
		return Frame{}, fmt.Errorf("%w: %#08x at offset %d", ErrBadMagic, got, offset)
	}

	size := uint64(binary.LittleEndian.Uint32(rest[4:]))
	if size > uint64(len(rest)-frameHeaderSize) {
		return Frame{}, &ParseError{Field: "frame payload", Offset: offset + 4, Err: ErrTruncatedInput}
	}

	start := offset + frameHeaderSize
	end := start + int(size)
	return Frame{Offset: start, Block: View(buf[start:end:end]), Next: end}, nil
}

// AppendFrame appends block wrapped in a frame header to dst.
func AppendFrame(dst []byte, magic uint32, block []byte) []byte {
	dst = binary.LittleEndian.AppendUint32(dst, magic)
	dst = binary.LittleEndian.AppendUint32(dst, uint32(len(block)))
	return append(dst, block...)
}

// MagicForNetwork maps a network name to its block file magic.
func MagicForNetwork(network string) (uint32, error) {
	switch strings.ToLower(network) {
	case "mainnet", "main", "bitcoin":
		return MagicMainnet, nil
	case "testnet", "testnet3", "test":
		return MagicTestnet, nil
	case "regtest":
		return MagicRegtest, nil
	case "signet":
		return MagicSignet, nil
	default:
		return 0, fmt.Errorf("unknown network: %s", network)
	}
}

func allZero(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}
