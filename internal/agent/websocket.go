package agent

import (
	"context"
	"log/slog"
	"net/http"
	"sync"

	"github.com/ashureev/dbpilot/internal/identity"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// wsClientMessage is a command sent by a WebSocket client.
type wsClientMessage struct {
	Type      string `json:"type"` // subscribe | unsubscribe | approve | decline | cancel | ping
	SessionID string `json:"sessionId,omitempty"`
}

// wsServerMessage is pushed to a WebSocket client.
type wsServerMessage struct {
	Type      string `json:"type"` // event | snapshot | ack | error | pong
	SessionID string `json:"sessionId,omitempty"`
	Event     *Event `json:"event,omitempty"`
	Session   any    `json:"session,omitempty"`
	Result    *bool  `json:"result,omitempty"`
	Error     string `json:"error,omitempty"`
}

// HandleWebSocket handles GET /ws/agent. One socket may follow several sessions.
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	clientID := identity.ClientIDFromContext(r.Context())

	origins := []string{"*"}
	if h.cfg != nil && !h.cfg.IsDevelopment() {
		origins = h.cfg.AllowedOrigins()
	}
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: origins})
	if err != nil {
		slog.Error("Failed to accept WebSocket", "error", err, "client_id", clientID)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "bye"); closeErr != nil {
			slog.Debug("Failed to close websocket", "error", closeErr, "client_id", clientID)
		}
	}()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	c := &wsClient{ws: ws, subs: make(map[string]*Subscription)}
	defer c.closeAll()

	slog.Info("Agent WebSocket connected", "client_id", clientID)
	for {
		var msg wsClientMessage
		if err := wsjson.Read(ctx, ws, &msg); err != nil {
			if websocket.CloseStatus(err) == -1 {
				slog.Debug("Agent WebSocket read failed", "error", err, "client_id", clientID)
			}
			return
		}
		h.handleWSMessage(ctx, c, msg)
	}
}

type wsClient struct {
	ws *websocket.Conn

	mu   sync.Mutex
	subs map[string]*Subscription
}

func (c *wsClient) write(ctx context.Context, msg wsServerMessage) {
	if err := wsjson.Write(ctx, c.ws, msg); err != nil {
		slog.Debug("Agent WebSocket write failed", "error", err, "type", msg.Type)
	}
}

func (c *wsClient) closeAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, sub := range c.subs {
		sub.Close()
		delete(c.subs, id)
	}
}

func (h *Handler) handleWSMessage(ctx context.Context, c *wsClient, msg wsClientMessage) {
	reply := func(result bool, err error) {
		if err != nil {
			c.write(ctx, wsServerMessage{Type: "error", SessionID: msg.SessionID, Error: err.Error()})
			return
		}
		c.write(ctx, wsServerMessage{Type: "ack", SessionID: msg.SessionID, Result: &result})
	}

	switch msg.Type {
	case "ping":
		c.write(ctx, wsServerMessage{Type: "pong"})
	case "subscribe":
		h.wsSubscribe(ctx, c, msg.SessionID)
	case "unsubscribe":
		c.mu.Lock()
		if sub, ok := c.subs[msg.SessionID]; ok {
			sub.Close()
			delete(c.subs, msg.SessionID)
		}
		c.mu.Unlock()
		reply(true, nil)
	case "approve":
		reply(h.agent.Approve(msg.SessionID))
	case "decline":
		reply(h.agent.Decline(msg.SessionID))
	case "cancel":
		reply(h.agent.Cancel(msg.SessionID))
	default:
		c.write(ctx, wsServerMessage{Type: "error", SessionID: msg.SessionID, Error: "unknown message type: " + msg.Type})
	}
}

func (h *Handler) wsSubscribe(ctx context.Context, c *wsClient, sessionID string) {
	c.mu.Lock()
	if _, exists := c.subs[sessionID]; exists {
		c.mu.Unlock()
		return
	}
	sub := h.agent.Subscribe(sessionID)
	c.subs[sessionID] = sub
	c.mu.Unlock()

	snapshot, err := h.agent.GetSession(sessionID)
	if err != nil {
		c.mu.Lock()
		delete(c.subs, sessionID)
		c.mu.Unlock()
		sub.Close()
		c.write(ctx, wsServerMessage{Type: "error", SessionID: sessionID, Error: err.Error()})
		return
	}
	c.write(ctx, wsServerMessage{Type: "snapshot", SessionID: sessionID, Session: snapshot})

	go func() {
		for ev := range sub.C {
			c.write(ctx, wsServerMessage{Type: "event", SessionID: ev.SessionID, Event: &ev})
		}
	}()
}
