// Copyright (c) 2025 Lux Partners Limited
// SPDX-License-Identifier: MIT

// Package block walks serialized Bitcoin blocks, locating the header and the
// byte range of every transaction without decoding scripts.
package block

import (
	"golang.org/x/sync/errgroup"

	"github.com/luxfi/blockindex/digest"
	"github.com/luxfi/blockindex/merkle"
	"github.com/luxfi/blockindex/varint"
)

// Fixed field sizes of the serialization.
const (
	HeaderSize       = 80
	MerkleRootOffset = 36

	versionSize  = 4
	outpointSize = 36
	sequenceSize = 4
	valueSize    = 8
	lockTimeSize = 4

	// MinTxSize is the smallest possible transaction: version, two
	// one-byte counts and lock time.
	MinTxSize = versionSize + 1 + 1 + lockTimeSize

	minInputSize  = outpointSize + 1 + sequenceSize
	minOutputSize = valueSize + 1
)

// View is a read-only window onto one serialized block inside a caller
// owned buffer. It is never copied.
type View []byte

// Span is the [Start, End) range of one transaction within its View.
type Span struct {
	Start int
	End   int
	Hash  digest.Hash
}

// Len returns the serialized size of the transaction.
func (s Span) Len() int {
	return s.End - s.Start
}

// Record is the result of parsing one block.
type Record struct {
	Hash         digest.Hash
	MerkleRoot   digest.Hash // committed in the header
	ComputedRoot digest.Hash // recomputed from the transactions
	Txs          []Span
	Size         int
	MerkleValid  bool
}

// TxCount returns the number of transactions in the block.
func (r *Record) TxCount() int {
	return len(r.Txs)
}

// TxHashes returns the transaction hashes in block order.
func (r *Record) TxHashes() []digest.Hash {
	out := make([]digest.Hash, len(r.Txs))
	for i, tx := range r.Txs {
		out[i] = tx.Hash
	}
	return out
}

type options struct {
	hashWorkers int
}

// Option configures Parse.
type Option func(*options)

// WithHashWorkers hashes transactions on up to n goroutines once their spans
// are known. n <= 1 hashes sequentially.
func WithHashWorkers(n int) Option {
	return func(o *options) {
		o.hashWorkers = n
	}
}

// Parse walks one block starting at view[0]. It fails with a *ParseError
// wrapping ErrTruncatedInput when any field runs past the end of view. A
// Merkle root that does not match is reported through Record.MerkleValid.
func Parse(view View, opts ...Option) (*Record, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	c := cursor{buf: view}
	if err := c.skip("header", HeaderSize); err != nil {
		return nil, err
	}

	rec := &Record{Hash: digest.Sum(view[:HeaderSize])}
	copy(rec.MerkleRoot[:], view[MerkleRootOffset:MerkleRootOffset+digest.Size])

	n, err := c.count("tx count", MinTxSize)
	if err != nil {
		return nil, err
	}

	rec.Txs = make([]Span, n)
	for i := range rec.Txs {
		start := c.pos
		if err := c.skipTx(); err != nil {
			return nil, err
		}
		rec.Txs[i] = Span{Start: start, End: c.pos}
	}
	rec.Size = c.pos

	if err := hashSpans(view, rec.Txs, o.hashWorkers); err != nil {
		return nil, err
	}

	rec.ComputedRoot = merkle.Root(rec.TxHashes())
	rec.MerkleValid = rec.ComputedRoot == rec.MerkleRoot
	return rec, nil
}

func hashSpans(view View, spans []Span, workers int) error {
	if workers <= 1 || len(spans) < 2 {
		for i := range spans {
			spans[i].Hash = digest.Sum(view[spans[i].Start:spans[i].End])
		}
		return nil
	}

	var g errgroup.Group
	g.SetLimit(workers)
	for i := range spans {
		g.Go(func() error {
			spans[i].Hash = digest.Sum(view[spans[i].Start:spans[i].End])
			return nil
		})
	}
	return g.Wait()
}

// cursor advances through a buffer, refusing every step that would leave it.
type cursor struct {
	buf []byte
	pos int
}

func (c *cursor) remaining() int {
	return len(c.buf) - c.pos
}

func (c *cursor) fail(field string) error {
	return &ParseError{Field: field, Offset: c.pos, Err: ErrTruncatedInput}
}

func (c *cursor) skip(field string, n uint64) error {
	if n > uint64(c.remaining()) {
		return c.fail(field)
	}
	c.pos += int(n)
	return nil
}

func (c *cursor) varint(field string) (uint64, error) {
	v, next, err := varint.Decode(c.buf, c.pos)
	if err != nil {
		return 0, c.fail(field)
	}
	c.pos = next
	return v, nil
}

// count reads an element count and rejects it when the remaining bytes could
// not hold that many elements of at least minSize bytes each.
func (c *cursor) count(field string, minSize int) (int, error) {
	at := c.pos
	n, err := c.varint(field)
	if err != nil {
		return 0, err
	}
	if n > uint64(c.remaining()/minSize) {
		return 0, &ParseError{Field: field, Offset: at, Err: ErrTruncatedInput}
	}
	return int(n), nil
}

func (c *cursor) skipTx() error {
	if err := c.skip("tx version", versionSize); err != nil {
		return err
	}

	inputs, err := c.count("input count", minInputSize)
	if err != nil {
		return err
	}
	for ; inputs > 0; inputs-- {
		if err := c.skip("outpoint", outpointSize); err != nil {
			return err
		}
		if err := c.script("input script"); err != nil {
			return err
		}
		if err := c.skip("sequence", sequenceSize); err != nil {
			return err
		}
	}

	outputs, err := c.count("output count", minOutputSize)
	if err != nil {
		return err
	}
	for ; outputs > 0; outputs-- {
		if err := c.skip("output value", valueSize); err != nil {
			return err
		}
		if err := c.script("output script"); err != nil {
			return err
		}
	}

	return c.skip("lock time", lockTimeSize)
}

func (c *cursor) script(field string) error {
	n, err := c.varint(field + " length")
	if err != nil {
		return err
	}
	return c.skip(field, n)
}
