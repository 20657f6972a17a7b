// Copyright 2025 Piyush Poshiya
// SPDX-License-Identifier: Apache-2.0

package calserver

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// clientSendBuffer is the per-connection outbound buffer. A slow consumer
// loses events rather than blocking the broadcast path; the snapshot pushed
// on reconnect restores convergence.
const clientSendBuffer = 32

// Hub fans change events out to each user's connected listener sockets.
type Hub struct {
	logger *slog.Logger

	mu      sync.RWMutex
	clients map[string]map[*hubClient]struct{}
}

type hubClient struct {
	userID string
	topics map[string]struct{}
	send   chan ChangeEvent
}

// NewHub creates an empty hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		logger:  logger,
		clients: make(map[string]map[*hubClient]struct{}),
	}
}

func (h *Hub) register(c *hubClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clients[c.userID] == nil {
		h.clients[c.userID] = make(map[*hubClient]struct{})
	}
	h.clients[c.userID][c] = struct{}{}
}

func (h *Hub) unregister(c *hubClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if set, ok := h.clients[c.userID]; ok {
		if _, ok := set[c]; ok {
			delete(set, c)
			close(c.send)
			if len(set) == 0 {
				delete(h.clients, c.userID)
			}
		}
	}
}

// Broadcast delivers an event to every listener of the user subscribed to
// its topic. Full client buffers drop the event.
func (h *Hub) Broadcast(userID string, ev ChangeEvent) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients[userID] {
		if _, ok := c.topics[ev.Topic]; !ok {
			continue
		}
		select {
		case c.send <- ev:
		default:
			h.logger.Warn("listener buffer full, dropping event", "uid", userID, "topic", ev.Topic)
		}
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// serve upgrades the connection and pumps events until either side closes.
// The initial snapshot events are queued before the writer starts, so a
// reconnecting client always re-observes the current pending state.
func (h *Hub) serve(w http.ResponseWriter, r *http.Request, userID string, topics map[string]struct{}, snapshot []ChangeEvent) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	c := &hubClient{
		userID: userID,
		topics: topics,
		send:   make(chan ChangeEvent, clientSendBuffer),
	}
	h.register(c)
	for _, ev := range snapshot {
		if _, ok := topics[ev.Topic]; ok {
			c.send <- ev
		}
	}

	// Writer: owns the connection for writes.
	go func() {
		defer conn.Close()
		for ev := range c.send {
			_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(ev); err != nil {
				h.unregister(c)
				// Drain so Broadcast never blocks on a dead client.
				for range c.send {
				}
				return
			}
		}
	}()

	// Reader: detects the peer closing.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				h.unregister(c)
				return
			}
		}
	}()
}
