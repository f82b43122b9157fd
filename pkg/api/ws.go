package api

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"modernvpn/pkg/log"
	"modernvpn/pkg/model"
)

const wsWriteTimeout = 10 * time.Second

type edgeConn struct {
	mu sync.Mutex
	c  *websocket.Conn
}

func (e *edgeConn) send(v interface{}) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	_ = e.c.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return e.c.WriteJSON(v)
}

// WSHub keeps edge agent connections keyed by server ID and fans peer events
// out to them. Several agents may watch the same server.
type WSHub struct {
	upgrader websocket.Upgrader
	mu       sync.RWMutex
	edges    map[string]map[*edgeConn]struct{}
}

func NewWSHub() *WSHub {
	return &WSHub{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		edges: map[string]map[*edgeConn]struct{}{},
	}
}

// Connected returns the number of agents subscribed to serverID.
func (h *WSHub) Connected(serverID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.edges[serverID])
}

// HandleEdgeWS upgrades the request and subscribes it to {serverID} events.
func (h *WSHub) HandleEdgeWS(w http.ResponseWriter, r *http.Request) {
	serverID := chi.URLParam(r, "serverID")
	logger := log.G(r.Context()).WithField("server_id", serverID)
	c, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.WithError(err).Warn("edge ws upgrade failed")
		return
	}
	conn := &edgeConn{c: c}
	h.mu.Lock()
	if h.edges[serverID] == nil {
		h.edges[serverID] = map[*edgeConn]struct{}{}
	}
	h.edges[serverID][conn] = struct{}{}
	h.mu.Unlock()
	logger.Info("edge ws connected")
	go h.readLoop(serverID, conn)
}

// Publish sends ev to every agent of ev.ServerID. Agents that fail the write
// are dropped; they resync on reconnect.
func (h *WSHub) Publish(ctx context.Context, ev model.PeerEvent) error {
	h.mu.RLock()
	conns := make([]*edgeConn, 0, len(h.edges[ev.ServerID]))
	for c := range h.edges[ev.ServerID] {
		conns = append(conns, c)
	}
	h.mu.RUnlock()
	if len(conns) == 0 {
		log.G(ctx).WithField("server_id", ev.ServerID).Debug("ws send skipped; no edge connected")
		return nil
	}
	for _, c := range conns {
		if err := c.send(ev); err != nil {
			log.G(ctx).WithError(err).WithField("server_id", ev.ServerID).Warn("ws send failed")
			h.drop(ev.ServerID, c)
		}
	}
	return nil
}

// Close disconnects every agent.
func (h *WSHub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, set := range h.edges {
		for c := range set {
			_ = c.c.Close()
		}
		delete(h.edges, id)
	}
}

func (h *WSHub) readLoop(serverID string, c *edgeConn) {
	defer func() {
		h.drop(serverID, c)
		log.L.WithField("server_id", serverID).Info("edge ws disconnected")
	}()
	for {
		if _, _, err := c.c.NextReader(); err != nil {
			return
		}
	}
}

func (h *WSHub) drop(serverID string, c *edgeConn) {
	_ = c.c.Close()
	h.mu.Lock()
	if set, ok := h.edges[serverID]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(h.edges, serverID)
		}
	}
	h.mu.Unlock()
}
