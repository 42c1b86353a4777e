// Copyright (c) 2025 Lux Partners Limited
// SPDX-License-Identifier: MIT

// Package blocktest builds serialized blocks for tests.
package blocktest

import (
	"encoding/binary"
	"encoding/hex"

	"github.com/luxfi/blockindex/digest"
	"github.com/luxfi/blockindex/merkle"
	"github.com/luxfi/blockindex/varint"
)

// GenesisHex is the mainnet genesis block.
const GenesisHex = "0100000000000000000000000000000000000000000000000000000000000000000000003ba3edfd7a7b12b27ac72c3e67768f617fc81bc3888a51323a9fb8aa4b1e5e4a29ab5f49ffff001d1dac2b7c01" +
	"01000000010000000000000000000000000000000000000000000000000000000000000000ffffffff4d04ffff001d0104455468652054696d65732030332f4a616e2f32303039204368616e63656c6c6f72206f6e206272696e6b206f66207365636f6e64206261696c6f757420666f722062616e6b73ffffffff0100f2052a01000000434104678afdb0fe5548271967f1a67130b7105cd6a828e03909a67962e0ea1f61deb649f6bc3f4cef38c4f35504e51ec112de5c384df7ba0b8d578a4c702b6bf11d5fac00000000"

// GenesisHash is the display form of the genesis block hash.
const GenesisHash = "000000000019d6689c085ae165831e934ff763ae46a2a6c172b3f1b60a8ce26f"

// GenesisMerkleRoot is the display form of the genesis Merkle root, which is
// also the hash of its only transaction.
const GenesisMerkleRoot = "4a5e1e4baab89f3a32518a88c31bc87f618f76673e2cc77ab2127b7afdeda33b"

// Genesis returns a fresh copy of the genesis block.
func Genesis() []byte {
	b, err := hex.DecodeString(GenesisHex)
	if err != nil {
		panic(err)
	}
	return b
}

// Input is a transaction input. Only the script length matters to the
// parser; the outpoint is filled from Prev and Index.
type Input struct {
	Prev     digest.Hash
	Index    uint32
	Script   []byte
	Sequence uint32
}

// Output is a transaction output.
type Output struct {
	Value  uint64
	Script []byte
}

// Tx is a legacy-serialized transaction.
type Tx struct {
	Version  uint32
	Inputs   []Input
	Outputs  []Output
	LockTime uint32
}

// Bytes serializes the transaction.
func (tx Tx) Bytes() []byte {
	var b []byte
	b = binary.LittleEndian.AppendUint32(b, tx.Version)
	b = varint.Append(b, uint64(len(tx.Inputs)))
	for _, in := range tx.Inputs {
		b = append(b, in.Prev[:]...)
		b = binary.LittleEndian.AppendUint32(b, in.Index)
		b = varint.Append(b, uint64(len(in.Script)))
		b = append(b, in.Script...)
		b = binary.LittleEndian.AppendUint32(b, in.Sequence)
	}
	b = varint.Append(b, uint64(len(tx.Outputs)))
	for _, out := range tx.Outputs {
		b = binary.LittleEndian.AppendUint64(b, out.Value)
		b = varint.Append(b, uint64(len(out.Script)))
		b = append(b, out.Script...)
	}
	return binary.LittleEndian.AppendUint32(b, tx.LockTime)
}

// Hash returns the transaction hash.
func (tx Tx) Hash() digest.Hash {
	return digest.Sum(tx.Bytes())
}

// SimpleTx returns a one-input one-output transaction whose scripts are
// derived from seed so different seeds hash differently.
func SimpleTx(seed byte, scriptLen int) Tx {
	script := make([]byte, scriptLen)
	for i := range script {
		script[i] = seed + byte(i)
	}
	return Tx{
		Version:  1,
		Inputs:   []Input{{Index: uint32(seed), Script: script, Sequence: 0xffffffff}},
		Outputs:  []Output{{Value: 50_0000_0000, Script: script}},
		LockTime: uint32(seed),
	}
}

// Block is a block under construction.
type Block struct {
	Version    uint32
	PrevBlock  digest.Hash
	MerkleRoot *digest.Hash // nil computes the correct root
	Timestamp  uint32
	Bits       uint32
	Nonce      uint32
	Txs        []Tx
}

// Header serializes the 80-byte header.
func (blk Block) Header() []byte {
	root := blk.Root()
	if blk.MerkleRoot != nil {
		root = *blk.MerkleRoot
	}
	var h []byte
	h = binary.LittleEndian.AppendUint32(h, blk.Version)
	h = append(h, blk.PrevBlock[:]...)
	h = append(h, root[:]...)
	h = binary.LittleEndian.AppendUint32(h, blk.Timestamp)
	h = binary.LittleEndian.AppendUint32(h, blk.Bits)
	return binary.LittleEndian.AppendUint32(h, blk.Nonce)
}

// Root computes the Merkle root of the block's transactions.
func (blk Block) Root() digest.Hash {
	hashes := make([]digest.Hash, len(blk.Txs))
	for i, tx := range blk.Txs {
		hashes[i] = tx.Hash()
	}
	return merkle.Root(hashes)
}

// Hash returns the block hash.
func (blk Block) Hash() digest.Hash {
	return digest.Sum(blk.Header())
}

// Bytes serializes the whole block.
func (blk Block) Bytes() []byte {
	b := blk.Header()
	b = varint.Append(b, uint64(len(blk.Txs)))
	for _, tx := range blk.Txs {
		b = append(b, tx.Bytes()...)
	}
	return b
}

// TxOffsets returns each transaction's start offset within Bytes.
func (blk Block) TxOffsets() []int {
	offsets := make([]int, len(blk.Txs))
	pos := 80 + varint.Size(uint64(len(blk.Txs)))
	for i, tx := range blk.Txs {
		offsets[i] = pos
		pos += len(tx.Bytes())
	}
	return offsets
}

// Chain builds n blocks of txsPerBlock simple transactions, each linked to
// the previous one.
func Chain(n, txsPerBlock int) []Block {
	blocks := make([]Block, n)
	var prev digest.Hash
	for i := range blocks {
		txs := make([]Tx, txsPerBlock)
		for j := range txs {
			txs[j] = SimpleTx(byte(i*txsPerBlock+j), 20+j)
		}
		blocks[i] = Block{Version: 1, PrevBlock: prev, Timestamp: uint32(1231006505 + i), Bits: 0x1d00ffff, Nonce: uint32(i), Txs: txs}
		prev = blocks[i].Hash()
	}
	return blocks
}

// Stream concatenates the serialized blocks.
func Stream(blocks ...Block) []byte {
	var out []byte
	for _, blk := range blocks {
		out = append(out, blk.Bytes()...)
	}
	return out
}
