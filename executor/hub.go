package executor

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"goa.design/clue/log"
)

type (
	// wsFrame is the generic frame shape of the shard channel.
	wsFrame struct {
		Type      string `json:"type"`
		RequestID string `json:"request_id,omitempty"`
	}

	// Hub owns the WebSocket set of one shard. Broadcasts originate from
	// the actor loop; inbound frames are answered from per-connection read
	// loops, so writes are serialised per connection.
	Hub struct {
		sessionID string
		// sessionData reads the session snapshot through the owning actor.
		sessionData func(ctx context.Context) map[string]any

		mu    sync.Mutex
		conns map[*websocket.Conn]*sync.Mutex
	}
)

// NewHub builds the hub of one shard. sessionData may be nil for shards
// without session scratch.
func NewHub(sessionID string, sessionData func(ctx context.Context) map[string]any) *Hub {
	return &Hub{
		sessionID:   sessionID,
		sessionData: sessionData,
		conns:       make(map[*websocket.Conn]*sync.Mutex),
	}
}

// Add associates an upgraded connection with the shard, sends the connected
// frame, and starts the read loop.
func (h *Hub) Add(ctx context.Context, conn *websocket.Conn) {
	wmu := &sync.Mutex{}
	h.mu.Lock()
	h.conns[conn] = wmu
	h.mu.Unlock()

	h.write(conn, wmu, map[string]any{
		"type":       "connected",
		"session_id": h.sessionID,
		"timestamp":  time.Now().UnixMilli(),
	})
	go h.readLoop(ctx, conn, wmu)
}

// Count returns the number of attached connections.
func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// BroadcastFlowResult announces a completed flow execution to every
// connection.
func (h *Hub) BroadcastFlowResult(flowID string, result any, duration time.Duration) {
	h.broadcast(map[string]any{
		"type":        "flow_result",
		"flow_id":     flowID,
		"result":      result,
		"duration_ms": duration.Milliseconds(),
	})
}

// Close tears down every connection.
func (h *Hub) Close() {
	h.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(h.conns))
	for conn := range h.conns {
		conns = append(conns, conn)
	}
	h.conns = make(map[*websocket.Conn]*sync.Mutex)
	h.mu.Unlock()
	for _, conn := range conns {
		_ = conn.Close()
	}
}

func (h *Hub) readLoop(ctx context.Context, conn *websocket.Conn, wmu *sync.Mutex) {
	defer h.remove(ctx, conn)
	for {
		var frame wsFrame
		if err := conn.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Warn(ctx, log.KV{K: "msg", V: "websocket read failed"}, log.KV{K: "err", V: err.Error()})
			}
			return
		}
		switch frame.Type {
		case "ping":
			h.write(conn, wmu, map[string]any{"type": "pong"})
		case "get_session":
			var session map[string]any
			if h.sessionData != nil {
				session = h.sessionData(ctx)
			}
			h.write(conn, wmu, map[string]any{
				"type":       "session_data",
				"request_id": frame.RequestID,
				"session":    session,
			})
		default:
			log.Debug(ctx, log.KV{K: "msg", V: "ignoring websocket frame"}, log.KV{K: "type", V: frame.Type})
		}
	}
}

func (h *Hub) remove(ctx context.Context, conn *websocket.Conn) {
	h.mu.Lock()
	delete(h.conns, conn)
	h.mu.Unlock()
	_ = conn.Close()
	log.Debug(ctx, log.KV{K: "msg", V: "websocket detached"}, log.KV{K: "session_id", V: h.sessionID})
}

func (h *Hub) broadcast(v any) {
	h.mu.Lock()
	targets := make(map[*websocket.Conn]*sync.Mutex, len(h.conns))
	for conn, wmu := range h.conns {
		targets[conn] = wmu
	}
	h.mu.Unlock()
	for conn, wmu := range targets {
		h.write(conn, wmu, v)
	}
}

func (h *Hub) write(conn *websocket.Conn, wmu *sync.Mutex, v any) {
	wmu.Lock()
	defer wmu.Unlock()
	if err := conn.WriteJSON(v); err != nil {
		log.Debug(context.Background(), log.KV{K: "msg", V: "websocket write failed"}, log.KV{K: "err", V: err.Error()})
	}
}
