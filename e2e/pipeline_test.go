// Copyright (c) 2025 Lux Partners Limited
// SPDX-License-Identifier: MIT

package e2e

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/luxfi/blockindex/block"
	"github.com/luxfi/blockindex/block/blocktest"
	"github.com/luxfi/blockindex/config"
	"github.com/luxfi/blockindex/digest"
	"github.com/luxfi/blockindex/indexer"
	"github.com/luxfi/blockindex/server"
	"github.com/luxfi/blockindex/storage"
)

// expected maps every hash of the fixture stream to its offset.
func expected() map[digest.Hash]uint64 {
	genesis, err := digest.Parse(blocktest.GenesisHash)
	Expect(err).NotTo(HaveOccurred())
	coinbase, err := digest.Parse(blocktest.GenesisMerkleRoot)
	Expect(err).NotTo(HaveOccurred())

	want := map[digest.Hash]uint64{genesis: 0, coinbase: 81}
	offset := uint64(len(blocktest.Genesis()))
	for _, blk := range chain {
		want[blk.Hash()] = offset
		for i, txOff := range blk.TxOffsets() {
			want[blk.Txs[i].Hash()] = offset + uint64(txOff)
		}
		offset += uint64(len(blk.Bytes()))
	}
	return want
}

func openStore(cfg storage.Config) storage.Store {
	store, err := storage.New(cfg)
	Expect(err).NotTo(HaveOccurred())
	Expect(store.ResetNamespace()).To(Succeed())
	return store
}

func newIndexer(store storage.Store, cfg indexer.Config) *indexer.Indexer {
	idx, err := indexer.New(store, cfg, indexer.WithLogger(quiet))
	Expect(err).NotTo(HaveOccurred())
	return idx
}

func newMemory() *storage.KVStore {
	store, err := storage.NewMemory("")
	Expect(err).NotTo(HaveOccurred())
	DeferCleanup(store.Close)
	return store
}

func expectIndexed(store storage.Store, want map[digest.Hash]uint64) {
	for hash, offset := range want {
		got, err := store.Get(hash)
		Expect(err).NotTo(HaveOccurred(), "hash %s", hash)
		Expect(got).To(Equal(offset), "hash %s", hash)
	}
}

var _ = Describe("Pipeline", func() {
	for _, backend := range backends() {
		Describe(string(backend), func() {
			var store storage.Store

			AfterEach(func() {
				if store != nil {
					Expect(store.Close()).To(Succeed())
					store = nil
				}
			})

			It("indexes every block and transaction at its stream offset", func() {
				store = openStore(storeConfig(backend, "stream", "stream"))
				idx := newIndexer(store, indexer.Config{HashWorkers: 4})

				report, err := idx.ProcessStream(context.Background(), stream)
				Expect(err).NotTo(HaveOccurred())
				Expect(report.Blocks).To(Equal(len(chain) + 1))
				Expect(report.Transactions).To(Equal(len(chain)*5 + 1))
				Expect(report.Bytes).To(Equal(uint64(len(stream))))
				Expect(report.MerkleMismatches).To(BeZero())

				expectIndexed(store, expected())

				if c, ok := store.(storage.Counter); ok {
					Expect(c.Len()).To(Equal(len(expected())))
				}
			})

			It("resets its namespace and reindexes", func() {
				cfg := storeConfig(backend, "reset", "reset")
				store = openStore(cfg)
				idx := newIndexer(store, indexer.Config{})

				_, err := idx.ProcessStream(context.Background(), stream)
				Expect(err).NotTo(HaveOccurred())

				Expect(idx.Reset()).To(Succeed())
				Expect(idx.Reset()).To(Succeed())
				for hash := range expected() {
					_, err := idx.Lookup(hash)
					Expect(err).To(MatchError(storage.ErrNotFound))
				}

				_, err = idx.ProcessStream(context.Background(), stream)
				Expect(err).NotTo(HaveOccurred())
				expectIndexed(store, expected())
			})

			It("indexes a framed block file", func() {
				store = openStore(storeConfig(backend, "framed", "framed"))

				var file []byte
				want := map[digest.Hash]uint64{}
				for _, blk := range chain {
					payload := uint64(len(file) + 8)
					want[blk.Hash()] = payload
					for i, txOff := range blk.TxOffsets() {
						want[blk.Txs[i].Hash()] = payload + uint64(txOff)
					}
					file = block.AppendFrame(file, block.MagicRegtest, blk.Bytes())
				}
				file = append(file, make([]byte, 4096)...)

				path := filepath.Join(dataDir, string(backend)+"-blk00000.dat")
				Expect(os.WriteFile(path, file, 0o644)).To(Succeed())
				buf, err := os.ReadFile(path)
				Expect(err).NotTo(HaveOccurred())

				idx := newIndexer(store, indexer.Config{Magic: block.MagicRegtest})
				report, err := idx.ProcessStream(context.Background(), buf)
				Expect(err).NotTo(HaveOccurred())
				Expect(report.Blocks).To(Equal(len(chain)))

				expectIndexed(store, want)
			})

			It("serves lookups over HTTP", func() {
				store = openStore(storeConfig(backend, "http", "http"))
				idx := newIndexer(store, indexer.Config{})
				_, err := idx.ProcessStream(context.Background(), stream)
				Expect(err).NotTo(HaveOccurred())

				srv, err := server.New(config.Default().Server, idx, server.WithLogger(quiet))
				Expect(err).NotTo(HaveOccurred())
				ts := httptest.NewServer(srv.Handler())
				defer ts.Close()

				last := chain[len(chain)-1]
				resp, err := http.Get(ts.URL + "/api/v1/lookup/" + last.Txs[2].Hash().String())
				Expect(err).NotTo(HaveOccurred())
				defer resp.Body.Close()
				Expect(resp.StatusCode).To(Equal(http.StatusOK))

				var body server.LookupResponse
				Expect(json.NewDecoder(resp.Body).Decode(&body)).To(Succeed())
				Expect(body.Offset).To(Equal(expected()[last.Txs[2].Hash()]))
			})

			if backend != storage.BackendMemory {
				It("keeps entries across reopen", func() {
					cfg := storeConfig(backend, "reopen", "reopen")
					first := openStore(cfg)
					_, err := newIndexer(first, indexer.Config{}).ProcessStream(context.Background(), stream)
					Expect(err).NotTo(HaveOccurred())
					Expect(first.Close()).To(Succeed())

					store, err = storage.New(cfg)
					Expect(err).NotTo(HaveOccurred())
					expectIndexed(store, expected())
				})
			}
		})
	}
})

var _ = Describe("Merkle policy", func() {
	var (
		good, bad, after blocktest.Block
		buf              []byte
	)

	BeforeEach(func() {
		bogus := digest.Sum([]byte("not the root"))
		good = blocktest.Block{Version: 1, Nonce: 1, Txs: []blocktest.Tx{blocktest.SimpleTx(10, 12)}}
		bad = blocktest.Block{Version: 1, Nonce: 2, MerkleRoot: &bogus, Txs: []blocktest.Tx{blocktest.SimpleTx(11, 12)}}
		after = blocktest.Block{Version: 1, Nonce: 3, Txs: []blocktest.Tx{blocktest.SimpleTx(12, 12)}}
		buf = blocktest.Stream(good, bad, after)
	})

	It("indexes and flags mismatched blocks by default", func() {
		idx := newIndexer(newMemory(), indexer.Config{})
		report, err := idx.ProcessStream(context.Background(), buf)
		Expect(err).NotTo(HaveOccurred())
		Expect(report.Blocks).To(Equal(3))
		Expect(report.MerkleMismatches).To(Equal(1))
		Expect(report.Records[1].MerkleValid).To(BeFalse())

		_, err = idx.Lookup(bad.Hash())
		Expect(err).NotTo(HaveOccurred())
	})

	It("skips mismatched blocks under reject", func() {
		idx := newIndexer(newMemory(), indexer.Config{MerklePolicy: indexer.MerkleReject})
		report, err := idx.ProcessStream(context.Background(), buf)
		Expect(err).NotTo(HaveOccurred())
		Expect(report.Blocks).To(Equal(2))
		Expect(report.Rejected).To(Equal(1))

		_, err = idx.Lookup(bad.Hash())
		Expect(err).To(MatchError(storage.ErrNotFound))
		offset, err := idx.Lookup(after.Hash())
		Expect(err).NotTo(HaveOccurred())
		Expect(offset).To(Equal(uint64(len(good.Bytes()) + len(bad.Bytes()))))
	})
})
