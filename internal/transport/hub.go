// Package transport implements the transport hub (C1): a room-oriented
// publish/subscribe bus between the server and connected browsers. Each
// browser holds one duplex connection (a *Conn); rooms group connections for
// broadcast. Control traffic travels over a reliable stream with best-effort
// delivery; critical payloads can request a message-type-granular acked emit.
//
// Grounded on the teacher's server.go/internal/ws/handler.go websocket
// upgrade pattern, and on client.go's per-connection health tracking for the
// circuit-breaker behavior reused by the rollback engine's hash exchange.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

// ConnID identifies one duplex connection (one browser tab).
type ConnID string

// Envelope is the generic outer JSON frame: a message kind plus an opaque
// payload. Handlers decode Payload into their own concrete type.
type Envelope struct {
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload"`
	AckID   string          `json:"ack_id,omitempty"`
}

// Handler processes one decoded inbound message.
type Handler func(ctx context.Context, from ConnID, payload json.RawMessage)

// Conn wraps one websocket connection plus its room membership and a
// write-serializing mutex (gorilla/websocket connections are not safe for
// concurrent writers).
type Conn struct {
	id      ConnID
	ws      *websocket.Conn
	room    string
	limiter *rate.Limiter // nil when the hub has no control-message rate limit configured

	mu     sync.Mutex
	closed bool
}

func (c *Conn) writeJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("transport: connection %s is closed", c.id)
	}
	return c.ws.WriteJSON(v)
}

// Hub multiplexes rooms of connections and routes inbound messages by kind.
type Hub struct {
	mu        sync.RWMutex
	conns     map[ConnID]*Conn
	rooms     map[string]map[ConnID]struct{}
	handlers  map[string][]Handler
	ackWaiters map[string]chan struct{} // ack_id -> completion signal, guarded by mu

	upgrader websocket.Upgrader

	onDisconnect func(id ConnID)

	// controlRateLimit is the max control messages per second per
	// connection (0 disables rate limiting). Mirrors the teacher's
	// SetControlRateLimit knob, backed here by a real per-connection token
	// bucket rather than a hand-rolled counter.
	controlRateLimit int
}

// NewHub constructs an empty hub. CheckOrigin always allows, matching the
// teacher's permissive CORS stance for a research tool behind its own auth.
func NewHub() *Hub {
	return &Hub{
		conns:      make(map[ConnID]*Conn),
		rooms:      make(map[string]map[ConnID]struct{}),
		handlers:   make(map[string][]Handler),
		ackWaiters: make(map[string]chan struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(_ *http.Request) bool { return true },
		},
	}
}

// On registers a handler for inbound messages of the given kind. Multiple
// handlers for the same kind all run, in registration order.
func (h *Hub) On(kind string, fn Handler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handlers[kind] = append(h.handlers[kind], fn)
}

// SetOnDisconnect registers a callback fired whenever a connection is
// removed, whatever the cause (read error, explicit Disconnect). Used by the
// session/focus wiring to start a reconnect grace window without the hub
// needing to know about registries or sessions.
func (h *Hub) SetOnDisconnect(fn func(id ConnID)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onDisconnect = fn
}

// SetControlRateLimit bounds how many control messages per second the read
// loop will dispatch per connection (0 disables the limit). Takes effect for
// connections adopted after the call.
func (h *Hub) SetControlRateLimit(perSecond int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.controlRateLimit = perSecond
}

// Adopt registers an already-upgraded websocket connection under id and
// begins its read loop. The read loop exits (and Adopt's background
// goroutine returns) when the connection closes or ctx is canceled.
func (h *Hub) Adopt(ctx context.Context, id ConnID, ws *websocket.Conn) *Conn {
	h.mu.Lock()
	var limiter *rate.Limiter
	if h.controlRateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(h.controlRateLimit), h.controlRateLimit)
	}
	c := &Conn{id: id, ws: ws, limiter: limiter}
	h.conns[id] = c
	h.mu.Unlock()

	go h.readLoop(ctx, c)
	return c
}

// UpgradeAndAdopt upgrades an HTTP request to a websocket connection and
// adopts it under a freshly generated ConnID. Mirrors the teacher's
// internal/ws/handler.go upgrade-then-serve pattern.
func (h *Hub) UpgradeAndAdopt(ctx context.Context, w http.ResponseWriter, r *http.Request) (ConnID, error) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return "", fmt.Errorf("transport: websocket upgrade: %w", err)
	}
	id := ConnID(uuid.NewString())
	h.Adopt(ctx, id, ws)
	return id, nil
}

// Disconnect forcibly closes and removes a connection.
func (h *Hub) Disconnect(id ConnID) {
	h.removeConn(id)
}

func (h *Hub) readLoop(ctx context.Context, c *Conn) {
	defer h.removeConn(c.id)
	for {
		if ctx.Err() != nil {
			return
		}
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			slog.Debug("transport: read loop ended", "conn", c.id, "err", err)
			return
		}
		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			slog.Warn("transport: malformed envelope", "conn", c.id, "err", err)
			continue
		}
		if env.Kind == ackKind {
			h.resolveAck(env.AckID)
			continue
		}
		if c.limiter != nil && !c.limiter.Allow() {
			slog.Debug("transport: control message dropped, rate limit exceeded", "conn", c.id, "kind", env.Kind)
			continue
		}
		h.mu.RLock()
		handlers := append([]Handler(nil), h.handlers[env.Kind]...)
		h.mu.RUnlock()
		for _, fn := range handlers {
			fn(ctx, c.id, env.Payload)
		}
	}
}

func (h *Hub) removeConn(id ConnID) {
	h.mu.Lock()
	if c, ok := h.conns[id]; ok {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		_ = c.ws.Close()
	}
	delete(h.conns, id)
	for room, members := range h.rooms {
		if _, ok := members[id]; ok {
			delete(members, id)
			if len(members) == 0 {
				delete(h.rooms, room)
			}
		}
	}
	onDisconnect := h.onDisconnect
	h.mu.Unlock()

	if onDisconnect != nil {
		onDisconnect(id)
	}
}

// Join adds a connection to a room. A connection may belong to multiple
// rooms (e.g. the admin channel plus a game-session room).
func (h *Hub) Join(room string, id ConnID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.rooms[room] == nil {
		h.rooms[room] = make(map[ConnID]struct{})
	}
	h.rooms[room][id] = struct{}{}
}

// Leave removes a connection from a room.
func (h *Hub) Leave(room string, id ConnID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if members, ok := h.rooms[room]; ok {
		delete(members, id)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
}

// Send unicasts kind/payload to one connection. Best-effort: a write error
// is logged and swallowed, matching §4.1's "silent message drops are
// tolerated" for non-critical sends.
func (h *Hub) Send(id ConnID, kind string, payload any) {
	h.mu.RLock()
	c := h.conns[id]
	h.mu.RUnlock()
	if c == nil {
		return
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		slog.Warn("transport: marshal payload", "kind", kind, "err", err)
		return
	}
	if err := c.writeJSON(Envelope{Kind: kind, Payload: raw}); err != nil {
		slog.Debug("transport: send failed", "conn", id, "kind", kind, "err", err)
	}
}

// Broadcast fans out kind/payload to every member of room except exclude
// (pass "" to exclude nobody).
func (h *Hub) Broadcast(room string, kind string, payload any, exclude ConnID) {
	raw, err := json.Marshal(payload)
	if err != nil {
		slog.Warn("transport: marshal broadcast payload", "kind", kind, "err", err)
		return
	}
	env := Envelope{Kind: kind, Payload: raw}

	h.mu.RLock()
	var targets []*Conn
	for id := range h.rooms[room] {
		if id == exclude {
			continue
		}
		if c := h.conns[id]; c != nil {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range targets {
		if err := c.writeJSON(env); err != nil {
			slog.Debug("transport: broadcast send failed", "conn", c.id, "kind", kind, "err", err)
		}
	}
}

const ackKind = "__ack"

// SendAcked emits kind/payload to id and waits for the peer to reply with an
// ack envelope carrying the same ack id, resending at `timeout` cadence up
// to maxRetries times. Returns nil once acked, or an error once retries are
// exhausted (§4.1's send_acked contract, used for episode-data export).
func (h *Hub) SendAcked(ctx context.Context, id ConnID, kind string, payload any, timeout time.Duration, maxRetries int) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("transport: marshal acked payload: %w", err)
	}
	ackID := uuid.NewString()
	done := make(chan struct{})

	h.mu.Lock()
	h.ackWaiters[ackID] = done
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		delete(h.ackWaiters, ackID)
		h.mu.Unlock()
	}()

	h.mu.RLock()
	c := h.conns[id]
	h.mu.RUnlock()
	if c == nil {
		return fmt.Errorf("transport: no such connection %s", id)
	}

	env := Envelope{Kind: kind, Payload: raw, AckID: ackID}
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if err := c.writeJSON(env); err != nil {
			slog.Warn("transport: acked send failed", "conn", id, "kind", kind, "attempt", attempt, "err", err)
		}
		select {
		case <-done:
			return nil
		case <-time.After(timeout):
			continue
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fmt.Errorf("transport: acked emit %q to %s failed after %d retries", kind, id, maxRetries)
}

// Ack replies to an inbound acked message by echoing its ack id back to the
// sender, resolving the sender's own SendAcked wait (used for client-
// initiated acked sends such as emit_episode_data, the mirror image of
// SendAcked's server-initiated direction).
func (h *Hub) Ack(id ConnID, ackID string) {
	h.mu.RLock()
	c := h.conns[id]
	h.mu.RUnlock()
	if c == nil {
		return
	}
	if err := c.writeJSON(Envelope{Kind: ackKind, AckID: ackID}); err != nil {
		slog.Debug("transport: ack send failed", "conn", id, "ack_id", ackID, "err", err)
	}
}

func (h *Hub) resolveAck(ackID string) {
	h.mu.RLock()
	done, ok := h.ackWaiters[ackID]
	h.mu.RUnlock()
	if ok {
		select {
		case done <- struct{}{}:
		default:
			close(done)
		}
	}
}

// ConnectionCount returns the number of live connections, used by admission
// limits (§4.2 custom eligibility / supplemented per-IP caps).
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// RoomSize returns the number of connections currently in room.
func (h *Hub) RoomSize(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}
