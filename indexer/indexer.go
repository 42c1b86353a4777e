// Copyright (c) 2025 Lux Partners Limited
// SPDX-License-Identifier: MIT

// Package indexer builds the hash -> offset index of a raw block stream.
// Blocks are processed strictly in stream order; each block's start depends
// on the size of the one before it.
package indexer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/luxfi/blockindex/block"
	"github.com/luxfi/blockindex/digest"
	"github.com/luxfi/blockindex/storage"
)

// MerklePolicy decides what happens to a block whose Merkle root does not
// match its header.
type MerklePolicy string

const (
	// MerkleFlag indexes the block and flags it in the report.
	MerkleFlag MerklePolicy = "flag"
	// MerkleReject skips the block without writing any entries.
	MerkleReject MerklePolicy = "reject"
)

// ErrMerkleMismatch is returned by ProcessBlock under MerkleReject.
var ErrMerkleMismatch = errors.New("merkle root mismatch")

// StoreError is returned when the index store fails to record a block.
// It halts ProcessStream.
type StoreError struct {
	Offset uint64
	Hash   digest.Hash
	Err    error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("index block %s at offset %d: %v", e.Hash, e.Offset, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// IsStoreFailure checks whether err is a StoreError and returns it.
func IsStoreFailure(err error) (*StoreError, bool) {
	var se *StoreError
	if errors.As(err, &se) {
		return se, true
	}
	return nil, false
}

// Config for the indexer
type Config struct {
	HashWorkers  int          `yaml:"hash_workers"`  // parallel tx hashing within a block
	MerklePolicy MerklePolicy `yaml:"merkle_policy"` // flag (default) or reject
	Magic        uint32       `yaml:"magic"`         // non-zero reads magic/size framed block files
}

// Option configures an Indexer.
type Option func(*Indexer)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(idx *Indexer) {
		idx.log = l
	}
}

// WithMetrics sets the Prometheus collectors to update.
func WithMetrics(m *Metrics) Option {
	return func(idx *Indexer) {
		idx.metrics = m
	}
}

// WithObserver registers fn to be called after every processed block.
func WithObserver(fn func(BlockReport)) Option {
	return func(idx *Indexer) {
		idx.observers = append(idx.observers, fn)
	}
}

// Indexer parses blocks and records their hashes in a storage.Store.
type Indexer struct {
	store     storage.Store
	cfg       Config
	log       *slog.Logger
	metrics   *Metrics
	observers []func(BlockReport)

	mu   sync.RWMutex
	last *Report
}

// New creates an indexer writing to store.
func New(store storage.Store, cfg Config, opts ...Option) (*Indexer, error) {
	if store == nil {
		return nil, fmt.Errorf("storage cannot be nil")
	}
	switch cfg.MerklePolicy {
	case "":
		cfg.MerklePolicy = MerkleFlag
	case MerkleFlag, MerkleReject:
	default:
		return nil, fmt.Errorf("unknown merkle policy: %s", cfg.MerklePolicy)
	}

	idx := &Indexer{store: store, cfg: cfg}
	for _, opt := range opts {
		opt(idx)
	}
	if idx.log == nil {
		idx.log = slog.Default()
	}
	if idx.metrics == nil {
		idx.metrics, _ = NewMetrics(nil)
	}
	return idx, nil
}

// ProcessBlock parses buf as one block that starts at offset in the stream
// and records the block hash at offset and every transaction hash at
// offset plus the transaction's position in the block. A hash that is
// already indexed keeps its earlier offset. Nothing is written when the
// block fails to parse. The returned record's Size is the number of bytes
// consumed.
func (idx *Indexer) ProcessBlock(buf []byte, offset uint64) (*block.Record, error) {
	rec, _, err := idx.processBlock(buf, offset)
	return rec, err
}

func (idx *Indexer) processBlock(buf []byte, offset uint64) (*block.Record, BlockReport, error) {
	start := time.Now()

	rec, err := block.Parse(block.View(buf), block.WithHashWorkers(idx.cfg.HashWorkers))
	if err != nil {
		idx.metrics.ParseFailures.Inc()
		return nil, BlockReport{}, err
	}

	if !rec.MerkleValid {
		idx.metrics.MerkleMismatches.Inc()
		idx.log.Warn("invalid merkle root",
			"offset", offset,
			"hash", rec.Hash,
			"header_root", rec.MerkleRoot,
			"computed_root", rec.ComputedRoot,
		)
		if idx.cfg.MerklePolicy == MerkleReject {
			br := newBlockReport(offset, rec, false)
			idx.notify(br)
			return rec, br, fmt.Errorf("%w: block %s at offset %d", ErrMerkleMismatch, rec.Hash, offset)
		}
	}

	entries := make([]storage.Entry, 0, 1+rec.TxCount())
	entries = append(entries, storage.Entry{Key: rec.Hash, Offset: offset})
	for _, tx := range rec.Txs {
		entries = append(entries, storage.Entry{Key: tx.Hash, Offset: offset + uint64(tx.Start)})
	}

	entries, dups, err := idx.unindexed(entries)
	if err == nil {
		err = idx.write(entries)
	}
	if err != nil {
		idx.metrics.StoreFailures.Inc()
		return rec, BlockReport{}, &StoreError{Offset: offset, Hash: rec.Hash, Err: err}
	}

	idx.metrics.Blocks.Inc()
	idx.metrics.Transactions.Add(float64(rec.TxCount()))
	idx.metrics.Bytes.Add(float64(rec.Size))
	idx.metrics.Duplicates.Add(float64(dups))
	idx.metrics.BlockDuration.Observe(time.Since(start).Seconds())

	idx.log.Debug("indexed block", "offset", offset, "hash", rec.Hash, "txs", rec.TxCount(), "size", rec.Size)
	br := newBlockReport(offset, rec, true)
	br.Duplicates = dups
	idx.notify(br)
	return rec, br, nil
}

// unindexed drops entries whose hash is already in the store or earlier in
// the same block. Entries are append-only: the first position seen for a
// hash stays until the namespace is reset. It returns the number of hashes
// that appeared again at a different offset.
func (idx *Indexer) unindexed(entries []storage.Entry) ([]storage.Entry, int, error) {
	seen := make(map[digest.Hash]struct{}, len(entries))
	out := entries[:0]
	dups := 0
	for _, e := range entries {
		if _, ok := seen[e.Key]; ok {
			dups++
			continue
		}
		seen[e.Key] = struct{}{}

		prev, err := idx.store.Get(e.Key)
		switch {
		case errors.Is(err, storage.ErrNotFound):
			out = append(out, e)
		case err != nil:
			return nil, 0, err
		case prev != e.Offset:
			idx.log.Debug("duplicate hash keeps earlier offset", "hash", e.Key, "offset", prev, "duplicate", e.Offset)
			dups++
		}
	}
	return out, dups, nil
}

func (idx *Indexer) write(entries []storage.Entry) error {
	if b, ok := idx.store.(storage.Batcher); ok {
		return b.PutBatch(entries)
	}
	for _, e := range entries {
		if err := idx.store.Put(e.Key, e.Offset); err != nil {
			return err
		}
	}
	return nil
}

func (idx *Indexer) notify(br BlockReport) {
	for _, fn := range idx.observers {
		fn(br)
	}
}

// ProcessStream indexes every block in buf. Raw streams are walked from
// offset 0 until at most one byte remains; framed streams (Config.Magic)
// until the zero-filled tail or the end of buf. ctx is checked between
// blocks. On error the report covers the blocks processed so far.
func (idx *Indexer) ProcessStream(ctx context.Context, buf []byte) (*Report, error) {
	report := newReport()
	idx.log.Info("indexing stream", "run_id", report.RunID, "bytes", len(buf), "framed", idx.cfg.Magic != 0)

	var err error
	if idx.cfg.Magic != 0 {
		err = idx.processFrames(ctx, buf, report)
	} else {
		err = idx.processRaw(ctx, buf, report)
	}
	report.finish()

	idx.mu.Lock()
	idx.last = report
	idx.mu.Unlock()

	if err != nil {
		idx.log.Error("indexing stopped", "run_id", report.RunID, "blocks", report.Blocks, "err", err)
		return report, err
	}
	idx.log.Info("indexing complete",
		"run_id", report.RunID,
		"blocks", report.Blocks,
		"transactions", report.Transactions,
		"merkle_mismatches", report.MerkleMismatches,
		"duration", report.Duration,
	)
	return report, nil
}

func (idx *Indexer) processRaw(ctx context.Context, buf []byte, report *Report) error {
	total := uint64(len(buf))
	var offset uint64
	for total > offset+1 {
		if err := ctx.Err(); err != nil {
			return err
		}
		rec, err := idx.step(buf[offset:], offset, report)
		if err != nil {
			return err
		}
		offset += uint64(rec.Size)
	}
	return nil
}

func (idx *Indexer) processFrames(ctx context.Context, buf []byte, report *Report) error {
	offset := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		fr, err := block.ReadFrame(buf, offset, idx.cfg.Magic)
		if errors.Is(err, block.ErrEndOfFrames) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("frame at offset %d: %w", offset, err)
		}

		rec, err := idx.step(fr.Block, uint64(fr.Offset), report)
		if err != nil {
			return err
		}
		if rec.Size != len(fr.Block) {
			idx.log.Warn("block shorter than its frame", "offset", fr.Offset, "parsed", rec.Size, "frame", len(fr.Block))
		}
		offset = fr.Next
	}
}

// step processes one block and records it in the report. A rejected block
// is skipped rather than ending the run since its size is known.
func (idx *Indexer) step(buf []byte, offset uint64, report *Report) (*block.Record, error) {
	rec, br, err := idx.processBlock(buf, offset)
	switch {
	case err == nil:
		report.add(br)
		return rec, nil
	case errors.Is(err, ErrMerkleMismatch) && rec != nil:
		report.add(br)
		return rec, nil
	default:
		return nil, fmt.Errorf("block at offset %d: %w", offset, err)
	}
}

// Lookup returns the stream offset recorded for hash.
func (idx *Indexer) Lookup(hash digest.Hash) (uint64, error) {
	return idx.store.Get(hash)
}

// Reset clears the index namespace.
func (idx *Indexer) Reset() error {
	if err := idx.store.ResetNamespace(); err != nil {
		return err
	}
	idx.log.Info("index reset")
	return nil
}

// LastReport returns the report of the most recent ProcessStream run.
func (idx *Indexer) LastReport() *Report {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.last
}

// Store returns the underlying index store.
func (idx *Indexer) Store() storage.Store {
	return idx.store
}
