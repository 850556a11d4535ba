package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func newTestServer(t *testing.T, hub *Hub) (*httptest.Server, string) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, err := hub.UpgradeAndAdopt(context.Background(), w, r); err != nil {
			t.Errorf("upgrade failed: %v", err)
		}
	}))
	t.Cleanup(srv.Close)
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	return srv, wsURL
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestHubDispatchesInboundEnvelopeToHandler(t *testing.T) {
	hub := NewHub()
	received := make(chan json.RawMessage, 1)
	hub.On("ping", func(_ context.Context, _ ConnID, payload json.RawMessage) {
		received <- payload
	})

	_, wsURL := newTestServer(t, hub)
	conn := dial(t, wsURL)

	if err := conn.WriteJSON(Envelope{Kind: "ping", Payload: json.RawMessage(`{"n":1}`)}); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case payload := <-received:
		if string(payload) != `{"n":1}` {
			t.Fatalf("payload = %s, want {\"n\":1}", payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for handler dispatch")
	}
}

func TestBroadcastExcludesSender(t *testing.T) {
	hub := NewHub()
	_, wsURL := newTestServer(t, hub)

	a := dial(t, wsURL)
	b := dial(t, wsURL)

	// Give both adoption goroutines a moment to register before joining.
	time.Sleep(100 * time.Millisecond)

	hub.mu.RLock()
	var ids []ConnID
	for id := range hub.conns {
		ids = append(ids, id)
	}
	hub.mu.RUnlock()
	if len(ids) != 2 {
		t.Fatalf("expected 2 adopted connections, got %d", len(ids))
	}
	for _, id := range ids {
		hub.Join("room", id)
	}

	hub.Broadcast("room", "state", map[string]int{"v": 1}, ids[0])

	_ = a.SetReadDeadline(time.Now().Add(2 * time.Second))
	var env Envelope
	if err := a.ReadJSON(&env); err == nil {
		t.Fatalf("excluded connection should not have received a broadcast, got kind=%s", env.Kind)
	}

	_ = b.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := b.ReadJSON(&env); err != nil {
		t.Fatalf("expected the non-excluded connection to receive the broadcast: %v", err)
	}
	if env.Kind != "state" {
		t.Fatalf("kind = %q, want state", env.Kind)
	}
}

func TestOnDisconnectFiresWhenConnectionCloses(t *testing.T) {
	hub := NewHub()
	var fired int32
	done := make(chan struct{})
	hub.SetOnDisconnect(func(ConnID) {
		atomic.AddInt32(&fired, 1)
		close(done)
	})

	_, wsURL := newTestServer(t, hub)
	conn := dial(t, wsURL)
	_ = conn.Close()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for onDisconnect callback")
	}
	if atomic.LoadInt32(&fired) != 1 {
		t.Fatalf("onDisconnect fired %d times, want 1", fired)
	}
}

func TestSendAckedResolvesOnClientAck(t *testing.T) {
	hub := NewHub()
	_, wsURL := newTestServer(t, hub)
	conn := dial(t, wsURL)

	time.Sleep(100 * time.Millisecond)
	hub.mu.RLock()
	var id ConnID
	for cid := range hub.conns {
		id = cid
	}
	hub.mu.RUnlock()

	go func() {
		var env Envelope
		if err := conn.ReadJSON(&env); err != nil {
			return
		}
		_ = conn.WriteJSON(Envelope{Kind: ackKind, AckID: env.AckID})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := hub.SendAcked(ctx, id, "emit_episode_data", map[string]int{"x": 1}, 500*time.Millisecond, 5); err != nil {
		t.Fatalf("SendAcked: %v", err)
	}
}

func TestControlRateLimitDropsExcessMessages(t *testing.T) {
	hub := NewHub()
	hub.SetControlRateLimit(1)

	var count int32
	hub.On("spam", func(_ context.Context, _ ConnID, _ json.RawMessage) {
		atomic.AddInt32(&count, 1)
	})

	_, wsURL := newTestServer(t, hub)
	conn := dial(t, wsURL)

	for i := 0; i < 10; i++ {
		_ = conn.WriteJSON(Envelope{Kind: "spam"})
	}
	time.Sleep(300 * time.Millisecond)

	if got := atomic.LoadInt32(&count); got >= 10 {
		t.Fatalf("expected the rate limiter to drop some of 10 rapid messages, got %d dispatched", got)
	}
}

func TestRoomSizeAndConnectionCount(t *testing.T) {
	hub := NewHub()
	_, wsURL := newTestServer(t, hub)
	dial(t, wsURL)
	dial(t, wsURL)
	time.Sleep(100 * time.Millisecond)

	if got := hub.ConnectionCount(); got != 2 {
		t.Fatalf("ConnectionCount() = %d, want 2", got)
	}

	hub.mu.RLock()
	var id ConnID
	for cid := range hub.conns {
		id = cid
		break
	}
	hub.mu.RUnlock()
	hub.Join("solo", id)
	if got := hub.RoomSize("solo"); got != 1 {
		t.Fatalf("RoomSize(solo) = %d, want 1", got)
	}
	hub.Leave("solo", id)
	if got := hub.RoomSize("solo"); got != 0 {
		t.Fatalf("RoomSize(solo) after Leave = %d, want 0", got)
	}
}
