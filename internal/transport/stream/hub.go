package stream

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/a2amesh/a2amesh/internal/common/logger"
)

// Hub tracks live authenticated connections and fans broadcasts out to
// them. Dead peers are pruned when their read pump exits or their send
// buffer stays full.
type Hub struct {
	mu      sync.RWMutex
	conns   map[*Conn]bool
	byAgent map[string]*Conn

	logger *logger.Logger
}

// NewHub creates an empty hub.
func NewHub(log *logger.Logger) *Hub {
	return &Hub{
		conns:   make(map[*Conn]bool),
		byAgent: make(map[string]*Conn),
		logger:  log.WithFields(zap.String("component", "stream_hub")),
	}
}

// Run closes every connection when the context is cancelled. Register
// and Unregister work under the mutex directly, so a read pump tearing
// down after shutdown never blocks on a stopped loop.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("stream hub started")
	<-ctx.Done()
	h.closeAll()
	h.logger.Info("stream hub stopped")
}

// Register adds an authenticated connection. A reconnecting agent
// replaces its previous connection.
func (h *Hub) Register(conn *Conn) {
	h.mu.Lock()
	if prev, ok := h.byAgent[conn.AgentID]; ok {
		delete(h.conns, prev)
		close(prev.send)
	}
	h.conns[conn] = true
	h.byAgent[conn.AgentID] = conn
	h.mu.Unlock()
	h.logger.Debug("connection registered", zap.String("agent_id", conn.AgentID))
}

// Unregister drops a connection.
func (h *Hub) Unregister(conn *Conn) {
	h.remove(conn)
}

// Broadcast fans a raw frame out to every live connection except the
// originator. Connections with full buffers are skipped.
func (h *Hub) Broadcast(data []byte, except *Conn) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for conn := range h.conns {
		if conn == except {
			continue
		}
		select {
		case conn.send <- data:
		default:
			h.logger.Warn("dropping broadcast to slow peer", zap.String("agent_id", conn.AgentID))
		}
	}
}

// SendTo routes a raw frame to one connected agent. Returns false when
// the agent has no live connection.
func (h *Hub) SendTo(agentID string, data []byte) bool {
	h.mu.RLock()
	conn, ok := h.byAgent[agentID]
	h.mu.RUnlock()

	if !ok {
		return false
	}
	select {
	case conn.send <- data:
		return true
	default:
		return false
	}
}

// ConnCount returns the number of live connections.
func (h *Hub) ConnCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

func (h *Hub) remove(conn *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.conns[conn]; !ok {
		return
	}
	delete(h.conns, conn)
	if h.byAgent[conn.AgentID] == conn {
		delete(h.byAgent, conn.AgentID)
	}
	close(conn.send)
	h.logger.Debug("connection unregistered", zap.String("agent_id", conn.AgentID))
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for conn := range h.conns {
		close(conn.send)
		delete(h.conns, conn)
	}
	h.byAgent = make(map[string]*Conn)
}
