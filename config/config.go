// Copyright (c) 2025 Lux Partners Limited
// SPDX-License-Identifier: MIT

// Package config loads the blockindex YAML configuration.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/luxfi/blockindex/block"
	"github.com/luxfi/blockindex/indexer"
	"github.com/luxfi/blockindex/storage"
)

// Config is the full blockindex configuration
type Config struct {
	LogLevel string         `yaml:"log_level"`
	Storage  storage.Config `yaml:"storage"`
	Indexer  IndexerConfig  `yaml:"indexer"`
	Server   ServerConfig   `yaml:"server"`
}

// IndexerConfig extends indexer.Config with a network name that selects
// the block file magic.
type IndexerConfig struct {
	indexer.Config `yaml:",inline"`
	Network        string `yaml:"network"` // mainnet, testnet, regtest, signet or empty for raw streams
}

// ServerConfig for the HTTP API
type ServerConfig struct {
	Listen          string        `yaml:"listen"`
	Port            int           `yaml:"port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// Addr returns the listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Listen, s.Port)
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		LogLevel: "info",
		Storage: storage.Config{
			Backend:   storage.BackendMemory,
			Path:      "./data",
			Namespace: storage.DefaultNamespace,
			Slots:     storage.DefaultSlots,
			Timeout:   30 * time.Second,
		},
		Indexer: IndexerConfig{
			Config: indexer.Config{
				HashWorkers:  1,
				MerklePolicy: indexer.MerkleFlag,
			},
		},
		Server: ServerConfig{
			Listen:          "0.0.0.0",
			Port:            4100,
			ShutdownTimeout: 10 * time.Second,
		},
	}
}

// Load reads the YAML file at path over the defaults. Environment
// variables in the file are expanded before parsing.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML over the defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate normalizes aliases and checks every section. It resolves
// Indexer.Network into Indexer.Magic when no magic is set.
func (c *Config) Validate() error {
	if c.Storage.Backend == "" {
		c.Storage.Backend = storage.BackendMemory
	}
	backend, err := storage.ParseBackend(string(c.Storage.Backend))
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	c.Storage.Backend = backend

	if c.Storage.Namespace == "" {
		c.Storage.Namespace = storage.DefaultNamespace
	}
	if err := storage.ValidateNamespace(c.Storage.Namespace); err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	if backend == storage.BackendPostgres && c.Storage.URL == "" {
		return fmt.Errorf("storage: postgres backend requires url")
	}
	if backend == storage.BackendMmap && c.Storage.Slots == 0 {
		c.Storage.Slots = storage.DefaultSlots
	}
	if c.Storage.Slots > storage.MaxSlots {
		return fmt.Errorf("storage: slots must not exceed %d", uint64(storage.MaxSlots))
	}

	if c.Indexer.HashWorkers < 0 {
		return fmt.Errorf("indexer: hash_workers must not be negative")
	}
	switch c.Indexer.MerklePolicy {
	case "":
		c.Indexer.MerklePolicy = indexer.MerkleFlag
	case indexer.MerkleFlag, indexer.MerkleReject:
	default:
		return fmt.Errorf("indexer: unknown merkle policy: %s", c.Indexer.MerklePolicy)
	}
	if c.Indexer.Network != "" && c.Indexer.Magic == 0 {
		magic, err := block.MagicForNetwork(c.Indexer.Network)
		if err != nil {
			return fmt.Errorf("indexer: %w", err)
		}
		c.Indexer.Magic = magic
	}

	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server: invalid port %d", c.Server.Port)
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

// ParseLevel maps a log level name to its slog level.
func ParseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if s == "" {
		return slog.LevelInfo, nil
	}
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("invalid log level %q", s)
	}
	return level, nil
}
