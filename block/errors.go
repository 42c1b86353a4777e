// Copyright (c) 2025 Lux Partners Limited
// SPDX-License-Identifier: MIT

package block

import (
	"errors"
	"fmt"

	"github.com/luxfi/blockindex/varint"
)

var (
	// ErrTruncatedInput means a field extends past the end of the buffer.
	ErrTruncatedInput = varint.ErrTruncatedInput

	// ErrBadMagic is returned for a frame that does not start with the
	// expected network magic.
	ErrBadMagic = errors.New("bad network magic")

	// ErrEndOfFrames marks the zero-filled tail of a preallocated block file.
	ErrEndOfFrames = errors.New("end of frames")
)

// ParseError records where a block stopped parsing.
type ParseError struct {
	Field  string
	Offset int
	Err    error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse %s at offset %d: %v", e.Field, e.Offset, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// IsTruncated reports whether err is a truncated input failure and returns
// the parse error carrying its position, if there is one.
func IsTruncated(err error) (*ParseError, bool) {
	if !errors.Is(err, ErrTruncatedInput) {
		return nil, false
	}
	var pe *ParseError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, true
}
