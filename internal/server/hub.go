package server

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// Hub tracks the open chat sockets. It is created by the caller and shared
// with the handler so shutdown can close every connection.
type Hub struct {
	mu    sync.Mutex
	next  uint64
	conns map[uint64]*websocket.Conn
}

func NewHub() *Hub {
	return &Hub{conns: map[uint64]*websocket.Conn{}}
}

func (h *Hub) Register(c *websocket.Conn) uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.next++
	h.conns[h.next] = c
	return h.next
}

func (h *Hub) Unregister(id uint64) {
	h.mu.Lock()
	delete(h.conns, id)
	h.mu.Unlock()
}

func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

func (h *Hub) snapshot() map[uint64]*websocket.Conn {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make(map[uint64]*websocket.Conn, len(h.conns))
	for id, c := range h.conns {
		out[id] = c
	}
	return out
}

// Broadcast writes v as JSON to every registered connection and joins the
// write errors.
func (h *Hub) Broadcast(ctx context.Context, v any) error {
	var errs []error
	for id, c := range h.snapshot() {
		if err := wsjson.Write(ctx, c, v); err != nil {
			errs = append(errs, fmt.Errorf("conn %d: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

// CloseAll sends a going-away close frame to every connection.
func (h *Hub) CloseAll(reason string) {
	for id, c := range h.snapshot() {
		c.Close(websocket.StatusGoingAway, reason)
		h.Unregister(id)
	}
}
