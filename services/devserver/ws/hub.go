// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ws is the HMR WebSocket channel.
//
// The Hub upgrades connections that ask for the "vite-hmr" subprotocol,
// greets each client with a connected payload, and broadcasts payloads to
// every client in call order through one writer goroutine per client.
package ws

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/glows777/mini-vite/services/devserver/protocol"
)

// ErrHubClosed indicates the hub no longer accepts connections.
var ErrHubClosed = errors.New("hmr hub closed")

var (
	clientsGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "minivite_hmr_clients",
		Help: "Number of connected HMR clients",
	})

	payloadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "minivite_hmr_payloads_total",
		Help: "Total number of HMR payloads broadcast, by type",
	}, []string{"type"})

	droppedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "minivite_hmr_clients_dropped_total",
		Help: "Total number of HMR clients disconnected for falling behind",
	})
)

const (
	defaultQueueSize    = 64
	defaultWriteTimeout = 5 * time.Second
	maxInboundMessage   = 4096
)

// Hub fans HMR payloads out to connected browsers.
//
// # Description
//
// Each client owns a bounded FIFO queue drained by its writer goroutine.
// Send enqueues the encoded payload on every queue under one lock, so all
// clients observe payloads in the same order. A client whose queue is full
// is disconnected instead of blocking the broadcaster; the browser reloads
// when it reconnects.
//
// # Thread Safety
//
// Safe for concurrent use.
type Hub struct {
	upgrader     websocket.Upgrader
	queueSize    int
	writeTimeout time.Duration
	logger       *slog.Logger

	mu      sync.Mutex
	clients map[string]*client
	closed  bool
}

// client is one connected browser.
type client struct {
	id        string
	conn      *websocket.Conn
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func (c *client) close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// Option configures a Hub.
type Option func(*Hub)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(h *Hub) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// WithQueueSize bounds the pending payloads per client.
func WithQueueSize(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.queueSize = n
		}
	}
}

// WithWriteTimeout bounds each frame write.
func WithWriteTimeout(d time.Duration) Option {
	return func(h *Hub) {
		if d > 0 {
			h.writeTimeout = d
		}
	}
}

// NewHub creates a hub with no clients.
func NewHub(opts ...Option) *Hub {
	h := &Hub{
		queueSize:    defaultQueueSize,
		writeTimeout: defaultWriteTimeout,
		logger:       slog.Default(),
		clients:      make(map[string]*client),
	}
	h.upgrader = websocket.Upgrader{
		Subprotocols: []string{protocol.Subprotocol},
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Handler adapts the hub to a gin route.
func (h *Hub) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// ServeHTTP upgrades the request and serves the client until it disconnects.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !websocket.IsWebSocketUpgrade(r) {
		http.Error(w, "expected a websocket upgrade", http.StatusUpgradeRequired)
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("failed to upgrade hmr websocket", slog.Any("error", err))
		return
	}

	c := &client{
		id:   uuid.New().String(),
		conn: conn,
		send: make(chan []byte, h.queueSize),
		done: make(chan struct{}),
	}
	if err := h.register(c); err != nil {
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server restarting"))
		_ = conn.Close()
		return
	}
	h.logger.Debug("hmr client connected", slog.String("client", c.id))

	go h.writeLoop(c)
	h.readLoop(c)
}

// register adds c and queues its greeting before any broadcast can reach it.
func (h *Hub) register(c *client) error {
	greeting, err := json.Marshal(protocol.Connected())
	if err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrHubClosed
	}
	c.send <- greeting
	h.clients[c.id] = c
	clientsGauge.Inc()
	return nil
}

func (h *Hub) removeLocked(c *client) {
	if _, ok := h.clients[c.id]; !ok {
		return
	}
	delete(h.clients, c.id)
	clientsGauge.Dec()
	c.close()
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(c)
}

// readLoop discards inbound frames, which are keep-alive pings, until
// the connection fails.
func (h *Hub) readLoop(c *client) {
	defer h.remove(c)
	c.conn.SetReadLimit(maxInboundMessage)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			h.logger.Debug("hmr client disconnected",
				slog.String("client", c.id),
				slog.Any("error", err),
			)
			return
		}
		if p, err := protocol.Decode(data); err != nil || p.Type != protocol.TypePing {
			h.logger.Debug("ignored hmr client message", slog.String("client", c.id))
		}
	}
}

func (h *Hub) writeLoop(c *client) {
	defer c.conn.Close()
	for {
		select {
		case data := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(h.writeTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				h.remove(c)
				return
			}
		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(h.writeTimeout))
			_ = c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// Send broadcasts p to every connected client.
func (h *Hub) Send(p protocol.Payload) {
	data, err := json.Marshal(p)
	if err != nil {
		h.logger.Error("failed to encode hmr payload", slog.Any("error", err))
		return
	}
	payloadsTotal.WithLabelValues(string(p.Type)).Inc()

	h.mu.Lock()
	defer h.mu.Unlock()
	for _, c := range h.clients {
		select {
		case c.send <- data:
		default:
			h.logger.Warn("hmr client fell behind, disconnecting", slog.String("client", c.id))
			droppedTotal.Inc()
			h.removeLocked(c)
		}
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close disconnects every client and rejects new connections.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for _, c := range h.clients {
		h.removeLocked(c)
	}
}
