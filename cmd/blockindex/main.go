// Copyright (c) 2025 Lux Partners Limited
// SPDX-License-Identifier: MIT

// Package main provides the blockindex CLI.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/luxfi/blockindex/config"
	"github.com/luxfi/blockindex/indexer"
	"github.com/luxfi/blockindex/storage"
)

var version = "dev"

func main() {
	app := &cli.App{
		Name:    "blockindex",
		Usage:   "index block and transaction hashes of a raw block stream by byte offset",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Usage: "YAML config file", EnvVars: []string{"BLOCKINDEX_CONFIG"}},
			&cli.StringFlag{Name: "backend", Usage: "storage backend: memory, mmap, badger, sqlite, postgres"},
			&cli.StringFlag{Name: "path", Usage: "data directory for file-based backends"},
			&cli.StringFlag{Name: "url", Usage: "database URL for postgres", EnvVars: []string{"BLOCKINDEX_DATABASE_URL"}},
			&cli.StringFlag{Name: "namespace", Usage: "index namespace"},
			&cli.StringFlag{Name: "network", Usage: "read framed blk*.dat files of this network (mainnet, testnet, regtest, signet)"},
			&cli.StringFlag{Name: "log-level", Usage: "debug, info, warn or error"},
			&cli.BoolFlag{Name: "verbose", Aliases: []string{"v"}, Usage: "human readable debug logging"},
		},
		Commands: []*cli.Command{
			newCmdIndex(),
			newCmdLookup(),
			newCmdReset(),
			newCmdServe(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "blockindex: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig reads the config file, if any, and applies flag overrides.
func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg := config.Default()
	if path := c.String("config"); path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	if c.IsSet("backend") {
		cfg.Storage.Backend = storage.Backend(c.String("backend"))
	}
	if c.IsSet("path") {
		cfg.Storage.Path = c.String("path")
	}
	if c.IsSet("url") {
		cfg.Storage.URL = c.String("url")
	}
	if c.IsSet("namespace") {
		cfg.Storage.Namespace = c.String("namespace")
	}
	if c.IsSet("network") {
		cfg.Indexer.Network = c.String("network")
		cfg.Indexer.Magic = 0
	}
	if c.IsSet("log-level") {
		cfg.LogLevel = c.String("log-level")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newLogger(c *cli.Context, cfg *config.Config) *slog.Logger {
	if c.Bool("verbose") {
		return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}
	level, _ := config.ParseLevel(cfg.LogLevel)
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// env bundles what every command needs.
type env struct {
	cfg   *config.Config
	log   *slog.Logger
	store storage.Store
}

func setup(c *cli.Context) (*env, error) {
	cfg, err := loadConfig(c)
	if err != nil {
		return nil, err
	}
	log := newLogger(c, cfg)
	slog.SetDefault(log)

	store, err := storage.New(cfg.Storage)
	if err != nil {
		return nil, err
	}
	log.Debug("storage opened", "backend", cfg.Storage.Backend, "namespace", cfg.Storage.Namespace)
	return &env{cfg: cfg, log: log, store: store}, nil
}

func (e *env) indexer(opts ...indexer.Option) (*indexer.Indexer, error) {
	opts = append([]indexer.Option{indexer.WithLogger(e.log)}, opts...)
	return indexer.New(e.store, e.cfg.Indexer.Config, opts...)
}

func (e *env) close() {
	if err := e.store.Close(); err != nil {
		e.log.Error("close storage", "err", err)
	}
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context, log *slog.Logger) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-sigChan:
			log.Info("shutdown signal received")
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigChan)
	}()
	return ctx, cancel
}
