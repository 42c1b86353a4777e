// Copyright (c) 2025 Lux Partners Limited
// SPDX-License-Identifier: MIT

package server

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/luxfi/blockindex/indexer"
)

// Event is a message sent to websocket subscribers.
type Event struct {
	Type string               `json:"type"`
	Data *indexer.BlockReport `json:"data,omitempty"`
}

const (
	EventConnected    = "connected"
	EventBlockIndexed = "block_indexed"
	EventHeartbeat    = "heartbeat"
)

// Subscriber handles WebSocket for live block streaming. All writes to
// client connections happen on the Run goroutine.
type Subscriber struct {
	clients    map[*websocket.Conn]bool
	broadcast  chan Event
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	done       chan struct{}
	mu         sync.RWMutex
	upgrader   websocket.Upgrader
	heartbeat  time.Duration
	log        *slog.Logger
}

// NewSubscriber creates a subscriber hub. Run must be started before
// clients connect.
func NewSubscriber(log *slog.Logger) *Subscriber {
	if log == nil {
		log = slog.Default()
	}
	return &Subscriber{
		clients:    make(map[*websocket.Conn]bool),
		broadcast:  make(chan Event, 100),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		done:       make(chan struct{}),
		upgrader:   websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
		heartbeat:  30 * time.Second,
		log:        log,
	}
}

// Run serves the hub until ctx is done, then closes every client.
func (s *Subscriber) Run(ctx context.Context) {
	heartbeat := time.NewTicker(s.heartbeat)
	defer heartbeat.Stop()
	defer s.closeAll()

	for {
		select {
		case <-ctx.Done():
			return
		case c := <-s.register:
			s.mu.Lock()
			s.clients[c] = true
			s.mu.Unlock()
			s.write(c, Event{Type: EventConnected})
		case c := <-s.unregister:
			s.drop(c)
		case ev := <-s.broadcast:
			s.send(ev)
		case <-heartbeat.C:
			s.send(Event{Type: EventHeartbeat})
		}
	}
}

func (s *Subscriber) send(ev Event) {
	s.mu.RLock()
	conns := make([]*websocket.Conn, 0, len(s.clients))
	for c := range s.clients {
		conns = append(conns, c)
	}
	s.mu.RUnlock()

	for _, c := range conns {
		s.write(c, ev)
	}
}

func (s *Subscriber) write(c *websocket.Conn, ev Event) {
	_ = c.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := c.WriteJSON(ev); err != nil {
		s.log.Debug("dropping subscriber", "remote", c.RemoteAddr(), "err", err)
		s.drop(c)
	}
}

func (s *Subscriber) drop(c *websocket.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.clients[c] {
		delete(s.clients, c)
		c.Close()
	}
}

func (s *Subscriber) closeAll() {
	close(s.done)
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.clients {
		c.Close()
	}
	clear(s.clients)
}

// HandleWebSocket upgrades the request and registers the connection.
func (s *Subscriber) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	select {
	case s.register <- conn:
	case <-s.done:
		conn.Close()
		return
	}

	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
		select {
		case s.unregister <- conn:
		case <-s.done:
		}
	}()
}

// BroadcastBlock queues a block event. It never blocks the caller; events
// are dropped while the queue is full.
func (s *Subscriber) BroadcastBlock(br indexer.BlockReport) {
	select {
	case s.broadcast <- Event{Type: EventBlockIndexed, Data: &br}:
	default:
		s.log.Warn("subscriber queue full, dropping block event", "hash", br.Hash)
	}
}

// ClientCount returns the number of connected clients.
func (s *Subscriber) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}
