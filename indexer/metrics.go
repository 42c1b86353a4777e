// Copyright (c) 2025 Lux Partners Limited
// SPDX-License-Identifier: MIT

package indexer

import "github.com/prometheus/client_golang/prometheus"

// Metrics are the Prometheus collectors updated while indexing.
type Metrics struct {
	Blocks           prometheus.Counter
	Transactions     prometheus.Counter
	Bytes            prometheus.Counter
	MerkleMismatches prometheus.Counter
	ParseFailures    prometheus.Counter
	StoreFailures    prometheus.Counter
	Duplicates       prometheus.Counter
	BlockDuration    prometheus.Histogram
}

// NewMetrics creates the collectors and registers them on reg. A nil reg
// leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		Blocks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "blockindex_blocks_total", Help: "Blocks indexed",
		}),
		Transactions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "blockindex_transactions_total", Help: "Transactions indexed",
		}),
		Bytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "blockindex_bytes_total", Help: "Block bytes consumed",
		}),
		MerkleMismatches: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "blockindex_merkle_mismatches_total", Help: "Blocks whose recomputed Merkle root differs from the header",
		}),
		ParseFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "blockindex_parse_failures_total", Help: "Blocks that could not be parsed",
		}),
		StoreFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "blockindex_store_failures_total", Help: "Failed index writes",
		}),
		Duplicates: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "blockindex_duplicate_hashes_total", Help: "Hashes seen again after they were indexed",
		}),
		BlockDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name: "blockindex_block_duration_seconds", Help: "Time to parse and index one block", Buckets: prometheus.ExponentialBuckets(0.00001, 4, 10),
		}),
	}
	if reg == nil {
		return m, nil
	}

	for _, c := range []prometheus.Collector{
		m.Blocks, m.Transactions, m.Bytes, m.MerkleMismatches,
		m.ParseFailures, m.StoreFailures, m.Duplicates, m.BlockDuration,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}
