// Package ws streams orchestration events to WebSocket subscribers. The hub
// is an observability sink; operator UIs connect to watch sessions live.
package ws

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/tab-bridge/tab/internal/port/observability"
)

const writeTimeout = 5 * time.Second

// EventMessage is the wire shape pushed to subscribers.
type EventMessage struct {
	Type      string  `json:"type"`
	SessionID string  `json:"session_id"`
	TurnID    string  `json:"turn_id,omitempty"`
	FromAgent string  `json:"from_agent,omitempty"`
	ToAgent   string  `json:"to_agent,omitempty"`
	Status    string  `json:"status,omitempty"`
	Reason    string  `json:"reason,omitempty"`
	CostUSD   float64 `json:"cost_usd,omitempty"`
	Timestamp string  `json:"timestamp"`
}

// Hub tracks connected subscribers and broadcasts events to all of them.
// Slow subscribers are dropped rather than allowed to stall the broadcast.
type Hub struct {
	log *slog.Logger

	mu      sync.Mutex
	clients map[*client]struct{}
}

type client struct {
	conn *websocket.Conn
	send chan EventMessage
}

// NewHub creates an empty hub.
func NewHub(log *slog.Logger) *Hub {
	return &Hub{
		log:     log.With("service", "ws"),
		clients: make(map[*client]struct{}),
	}
}

// ServeHTTP upgrades the request and subscribes it until the peer leaves.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.log.Warn("websocket accept failed", "error", err)
		return
	}
	c := &client{conn: conn, send: make(chan EventMessage, 64)}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	defer h.drop(c)

	ctx := r.Context()
	go func() {
		// reads are discarded; a read error means the peer went away
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				h.drop(c)
				return
			}
		}
	}()

	for msg := range c.send {
		writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
		err := wsjson.Write(writeCtx, conn, msg)
		cancel()
		if err != nil {
			return
		}
	}
}

func (h *Hub) drop(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
	_ = c.conn.Close(websocket.StatusNormalClosure, "")
}

// Broadcast queues msg for every subscriber, dropping those whose buffers
// are full.
func (h *Hub) Broadcast(msg EventMessage) {
	msg.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- msg:
		default:
			h.log.Warn("dropping slow websocket subscriber")
			delete(h.clients, c)
			close(c.send)
		}
	}
}

// Subscribers returns the current subscriber count.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

var _ observability.Sink = (*Hub)(nil)

func (h *Hub) SessionStarted(ctx context.Context, e observability.SessionEvent) {
	h.Broadcast(EventMessage{Type: "session_started", SessionID: e.SessionID, Status: e.Status})
}

func (h *Hub) SessionEnded(ctx context.Context, e observability.SessionEvent) {
	h.Broadcast(EventMessage{Type: "session_ended", SessionID: e.SessionID, Status: e.Status, Reason: e.Reason, CostUSD: e.CostUSD})
}

func (h *Hub) TurnCompleted(ctx context.Context, e observability.TurnEvent) {
	h.Broadcast(EventMessage{
		Type: "turn_completed", SessionID: e.SessionID, TurnID: e.TurnID,
		FromAgent: e.FromAgent, ToAgent: e.ToAgent, Status: e.Outcome, CostUSD: e.CostUSD,
	})
}

func (h *Hub) PolicyDecision(ctx context.Context, sessionID, turnID, verdict, reason string) {
	h.Broadcast(EventMessage{Type: "policy_decision", SessionID: sessionID, TurnID: turnID, Status: verdict, Reason: reason})
}

func (h *Hub) AdapterFailure(ctx context.Context, sessionID, adapterID, class string) {
	h.Broadcast(EventMessage{Type: "adapter_failure", SessionID: sessionID, FromAgent: adapterID, Reason: class})
}

func (h *Hub) StartTurnSpan(ctx context.Context, sessionID, turnID, agentID string) (context.Context, func(error)) {
	return ctx, func(error) {}
}
