// Copyright (c) 2025 Lux Partners Limited
// SPDX-License-Identifier: MIT

package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/urfave/cli/v2"

	"github.com/luxfi/blockindex/digest"
	"github.com/luxfi/blockindex/indexer"
	"github.com/luxfi/blockindex/server"
	"github.com/luxfi/blockindex/storage"
)

func newCmdIndex() *cli.Command {
	return &cli.Command{
		Name:      "index",
		Usage:     "index every block of a raw or framed block file",
		ArgsUsage: "<block-file>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "report", Usage: "write the JSON run report to this file"},
			&cli.IntFlag{Name: "workers", Usage: "parallel transaction hashing within a block"},
			&cli.StringFlag{Name: "merkle-policy", Usage: "flag or reject blocks with a bad Merkle root"},
			&cli.BoolFlag{Name: "reset", Usage: "clear the namespace before indexing"},
		},
		Action: func(c *cli.Context) error {
			path := c.Args().First()
			if path == "" {
				return fmt.Errorf("missing block-file argument")
			}

			e, err := setup(c)
			if err != nil {
				return err
			}
			defer e.close()

			if c.IsSet("workers") {
				e.cfg.Indexer.HashWorkers = c.Int("workers")
			}
			if c.IsSet("merkle-policy") {
				e.cfg.Indexer.MerklePolicy = indexer.MerklePolicy(c.String("merkle-policy"))
			}
			idx, err := e.indexer()
			if err != nil {
				return err
			}
			if c.Bool("reset") {
				if err := idx.Reset(); err != nil {
					return err
				}
			}

			buf, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("failed to read block file: %w", err)
			}
			e.log.Info("read block file", "path", path, "size", humanize.IBytes(uint64(len(buf))))

			ctx, cancel := signalContext(c.Context, e.log)
			defer cancel()

			report, runErr := idx.ProcessStream(ctx, buf)
			printSummary(report)
			if p := c.String("report"); p != "" {
				if err := writeReport(p, report); err != nil {
					return err
				}
			}
			return runErr
		},
	}
}

func printSummary(r *indexer.Report) {
	fmt.Printf("indexed %s blocks, %s transactions, %s in %s\n",
		humanize.Comma(int64(r.Blocks)),
		humanize.Comma(int64(r.Transactions)),
		humanize.IBytes(r.Bytes),
		r.Duration.Round(time.Millisecond),
	)
	if r.MerkleMismatches > 0 {
		fmt.Printf("%s blocks with a mismatched Merkle root, %s rejected\n",
			humanize.Comma(int64(r.MerkleMismatches)),
			humanize.Comma(int64(r.Rejected)),
		)
	}
}

func writeReport(path string, r *indexer.Report) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write report: %w", err)
	}
	return nil
}

func newCmdLookup() *cli.Command {
	return &cli.Command{
		Name:      "lookup",
		Usage:     "print the stream offset of block or transaction hashes",
		ArgsUsage: "<hash>...",
		Action: func(c *cli.Context) error {
			if c.NArg() == 0 {
				return fmt.Errorf("missing hash argument")
			}
			e, err := setup(c)
			if err != nil {
				return err
			}
			defer e.close()

			missing := 0
			for _, arg := range c.Args().Slice() {
				hash, err := digest.Parse(arg)
				if err != nil {
					return fmt.Errorf("%s: %w", arg, err)
				}
				offset, err := e.store.Get(hash)
				switch {
				case errors.Is(err, storage.ErrNotFound):
					fmt.Printf("%s\tnot found\n", hash)
					missing++
				case err != nil:
					return err
				default:
					fmt.Printf("%s\t%d\n", hash, offset)
				}
			}
			if missing > 0 {
				return cli.Exit("", 2)
			}
			return nil
		},
	}
}

func newCmdReset() *cli.Command {
	return &cli.Command{
		Name:  "reset",
		Usage: "remove every entry of the namespace",
		Action: func(c *cli.Context) error {
			e, err := setup(c)
			if err != nil {
				return err
			}
			defer e.close()

			if err := e.store.ResetNamespace(); err != nil {
				return err
			}
			fmt.Printf("namespace %q cleared\n", e.cfg.Storage.Namespace)
			return nil
		},
	}
}

func newCmdServe() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "serve lookups, stats, metrics and a live block feed over HTTP",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "port", Usage: "HTTP port"},
			&cli.StringFlag{Name: "index", Usage: "index this block file in the background"},
		},
		Action: func(c *cli.Context) error {
			e, err := setup(c)
			if err != nil {
				return err
			}
			defer e.close()

			if c.IsSet("port") {
				e.cfg.Server.Port = c.Int("port")
			}

			reg := prometheus.NewRegistry()
			reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
			metrics, err := indexer.NewMetrics(reg)
			if err != nil {
				return err
			}

			sub := server.NewSubscriber(e.log)
			idx, err := e.indexer(indexer.WithMetrics(metrics), indexer.WithObserver(sub.BroadcastBlock))
			if err != nil {
				return err
			}
			srv, err := server.New(e.cfg.Server, idx,
				server.WithLogger(e.log),
				server.WithGatherer(reg),
				server.WithSubscriber(sub),
			)
			if err != nil {
				return err
			}

			// wg.Wait runs after cancel
			var wg sync.WaitGroup
			defer wg.Wait()
			ctx, cancel := signalContext(c.Context, e.log)
			defer cancel()

			if path := c.String("index"); path != "" {
				buf, err := os.ReadFile(path)
				if err != nil {
					return fmt.Errorf("failed to read block file: %w", err)
				}
				wg.Go(func() {
					if _, err := idx.ProcessStream(ctx, buf); err != nil {
						e.log.Error("background indexing failed", "path", path, "err", err)
					}
				})
			}

			return srv.Run(ctx)
		},
	}
}
