// Copyright (c) 2025 Lux Partners Limited
// SPDX-License-Identifier: MIT

package indexer

import (
	"time"

	"github.com/google/uuid"

	"github.com/luxfi/blockindex/block"
	"github.com/luxfi/blockindex/digest"
)

// BlockReport summarizes one processed block.
type BlockReport struct {
	Offset      uint64      `json:"offset"`
	Hash        digest.Hash `json:"hash"`
	TxCount     int         `json:"tx_count"`
	MerkleValid bool        `json:"merkle_valid"`
	Size        int         `json:"size"`
	Indexed     bool        `json:"indexed"`
	Duplicates  int         `json:"duplicates,omitempty"` // hashes already indexed at an earlier offset
}

func newBlockReport(offset uint64, rec *block.Record, indexed bool) BlockReport {
	return BlockReport{
		Offset:      offset,
		Hash:        rec.Hash,
		TxCount:     rec.TxCount(),
		MerkleValid: rec.MerkleValid,
		Size:        rec.Size,
		Indexed:     indexed,
	}
}

// Report summarizes one ProcessStream run.
type Report struct {
	RunID            uuid.UUID     `json:"run_id"`
	StartedAt        time.Time     `json:"started_at"`
	Duration         time.Duration `json:"duration"`
	Blocks           int           `json:"blocks"`
	Transactions     int           `json:"transactions"`
	Bytes            uint64        `json:"bytes"`
	MerkleMismatches int           `json:"merkle_mismatches"`
	Rejected         int           `json:"rejected"`
	Duplicates       int           `json:"duplicates"`
	Records          []BlockReport `json:"records"`
}

func newReport() *Report {
	return &Report{
		RunID:     uuid.New(),
		StartedAt: time.Now(),
	}
}

func (r *Report) add(br BlockReport) {
	r.Records = append(r.Records, br)
	r.Bytes += uint64(br.Size)
	if !br.MerkleValid {
		r.MerkleMismatches++
	}
	if !br.Indexed {
		r.Rejected++
		return
	}
	r.Blocks++
	r.Transactions += br.TxCount
	r.Duplicates += br.Duplicates
}

func (r *Report) finish() {
	r.Duration = time.Since(r.StartedAt)
}
