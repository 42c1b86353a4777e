// Copyright (c) 2025 Lux Partners Limited
// SPDX-License-Identifier: MIT

// Package server exposes the block index over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/luxfi/blockindex/config"
	"github.com/luxfi/blockindex/digest"
	"github.com/luxfi/blockindex/indexer"
	"github.com/luxfi/blockindex/storage"
)

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		s.log = l
	}
}

// WithGatherer sets the registry served on /metrics.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) {
		s.gatherer = g
	}
}

// WithSubscriber sets the websocket hub. Pass the same hub to
// indexer.WithObserver so indexed blocks reach subscribers.
func WithSubscriber(sub *Subscriber) Option {
	return func(s *Server) {
		s.sub = sub
	}
}

// Server serves lookups and stats for an indexer.
type Server struct {
	cfg      config.ServerConfig
	idx      *indexer.Indexer
	sub      *Subscriber
	gatherer prometheus.Gatherer
	log      *slog.Logger
	handler  http.Handler
}

// New creates a server for idx.
func New(cfg config.ServerConfig, idx *indexer.Indexer, opts ...Option) (*Server, error) {
	if idx == nil {
		return nil, fmt.Errorf("indexer cannot be nil")
	}
	s := &Server{cfg: cfg, idx: idx}
	for _, opt := range opts {
		opt(s)
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	if s.sub == nil {
		s.sub = NewSubscriber(s.log)
	}
	if s.gatherer == nil {
		s.gatherer = prometheus.DefaultGatherer
	}
	s.handler = s.routes()
	return s, nil
}

func (s *Server) routes() http.Handler {
	r := mux.NewRouter()
	api := r.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/lookup/{hash}", s.handleLookup).Methods("GET")
	api.HandleFunc("/stats", s.handleStats).Methods("GET")
	api.HandleFunc("/blocks/subscribe", s.sub.HandleWebSocket)

	r.HandleFunc("/health", s.handleHealth).Methods("GET")
	r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})).Methods("GET")

	return corsMiddleware(r)
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Subscriber returns the websocket hub.
func (s *Server) Subscriber() *Subscriber {
	return s.sub
}

// Run serves HTTP on the configured address until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	go s.sub.Run(ctx)

	server := &http.Server{
		Addr:              s.cfg.Addr(),
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("api listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("listen %s: %w", server.Addr, err)
		}
		return nil
	case <-ctx.Done():
	}

	timeout := s.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Content-Type", "application/json")
		if r.Method == "OPTIONS" {
			return
		}
		next.ServeHTTP(w, r)
	})
}

// LookupResponse is the body of a successful lookup.
type LookupResponse struct {
	Hash   digest.Hash `json:"hash"`
	Offset uint64      `json:"offset"`
}

// RunSummary is a stream report without its per-block records.
type RunSummary struct {
	RunID            string        `json:"run_id"`
	StartedAt        time.Time     `json:"started_at"`
	Duration         time.Duration `json:"duration"`
	Blocks           int           `json:"blocks"`
	Transactions     int           `json:"transactions"`
	Bytes            uint64        `json:"bytes"`
	MerkleMismatches int           `json:"merkle_mismatches"`
	Rejected         int           `json:"rejected"`
}

// StatsResponse is the body of /api/v1/stats.
type StatsResponse struct {
	Entries     *int        `json:"entries,omitempty"`
	Subscribers int         `json:"subscribers"`
	LastRun     *RunSummary `json:"last_run"`
}

func writeError(w http.ResponseWriter, code int, msg string) {
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

func (s *Server) handleLookup(w http.ResponseWriter, r *http.Request) {
	hash, err := digest.Parse(mux.Vars(r)["hash"])
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid hash")
		return
	}

	offset, err := s.idx.Lookup(hash)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
		return
	case err != nil:
		s.log.Error("lookup failed", "hash", hash, "err", err)
		writeError(w, http.StatusInternalServerError, "storage error")
		return
	}
	_ = json.NewEncoder(w).Encode(LookupResponse{Hash: hash, Offset: offset})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	resp := StatsResponse{Subscribers: s.sub.ClientCount()}

	if c, ok := s.idx.Store().(storage.Counter); ok {
		if n, err := c.Len(); err == nil {
			resp.Entries = &n
		}
	}
	if rep := s.idx.LastReport(); rep != nil {
		resp.LastRun = &RunSummary{
			RunID:            rep.RunID.String(),
			StartedAt:        rep.StartedAt,
			Duration:         rep.Duration,
			Blocks:           rep.Blocks,
			Transactions:     rep.Transactions,
			Bytes:            rep.Bytes,
			MerkleMismatches: rep.MerkleMismatches,
			Rejected:         rep.Rejected,
		}
	}
	_ = json.NewEncoder(w).Encode(resp)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	if p, ok := s.idx.Store().(storage.Pinger); ok {
		if err := p.Ping(r.Context()); err != nil {
			s.log.Warn("health check failed", "err", err)
			w.WriteHeader(http.StatusServiceUnavailable)
			status = "unhealthy"
		}
	}
	_ = json.NewEncoder(w).Encode(map[string]string{"status": status})
}
