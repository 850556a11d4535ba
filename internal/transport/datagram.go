package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/quic-go/quic-go/http3"
	"github.com/quic-go/webtransport-go"
)

// DatagramHandler processes one decoded datagram keyed by its first byte
// (the §4.5.6 wire type tag).
type DatagramHandler func(ctx context.Context, from ConnID, data []byte)

// circuitBreakerThreshold/ProbeInterval mirror the teacher's per-client
// datagram health tracking (server/client.go sendHealth): after this many
// consecutive send failures a connection is skipped, with an occasional
// probe attempt to notice recovery, rather than retrying every frame.
const (
	circuitBreakerThreshold     uint32 = 50
	circuitBreakerProbeInterval uint32 = 25
)

type datagramHealth struct {
	failures atomic.Uint32
	skips    atomic.Uint32
}

func (h *datagramHealth) shouldSkip() bool {
	if h.failures.Load() < circuitBreakerThreshold {
		return false
	}
	return h.skips.Add(1)%circuitBreakerProbeInterval != 0
}

func (h *datagramHealth) recordFailure() { h.failures.Add(1) }
func (h *datagramHealth) recordSuccess() { h.failures.Store(0); h.skips.Store(0) }

// DatagramHub relays the binary per-frame wire protocol (§4.5.6) over
// WebTransport datagrams: an unreliable, low-latency channel analogous to
// the reliable JSON control channel in hub.go, used for server-authoritative
// mode's high-frequency player_action/state_hash traffic where a dropped
// message is cheap to miss and a blocked one is expensive to wait for.
//
// Grounded on the teacher's server/client.go readDatagrams/sendHealth:
// per-session ReceiveDatagram loop, a circuit breaker over consecutive send
// failures, generalized here from "relay raw voice bytes to every other
// client" to "dispatch by wire-type byte to registered handlers."
type DatagramHub struct {
	server *webtransport.Server

	mu       sync.RWMutex
	sessions map[ConnID]*webtransport.Session
	health   map[ConnID]*datagramHealth
	handlers map[byte][]DatagramHandler
}

// NewDatagramHub constructs a DatagramHub bound to addr over HTTP/3, sharing
// the engine's TLS certificate with the WebSocket listener.
func NewDatagramHub(addr string, tlsConfig *tls.Config) *DatagramHub {
	return &DatagramHub{
		server: &webtransport.Server{
			H3: http3.Server{
				Addr:      addr,
				TLSConfig: tlsConfig,
			},
		},
		sessions: make(map[ConnID]*webtransport.Session),
		health:   make(map[ConnID]*datagramHealth),
		handlers: make(map[byte][]DatagramHandler),
	}
}

// On registers a handler for datagrams whose first byte equals wireType.
func (d *DatagramHub) On(wireType byte, fn DatagramHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[wireType] = append(d.handlers[wireType], fn)
}

// HandleUpgrade upgrades an HTTP/3 request into a WebTransport session and
// begins its receive loop, returning the freshly assigned ConnID. Register
// this against the same mux path the engine reserves for datagram traffic
// (distinct from hub.go's WebSocket `/ws` route).
func (d *DatagramHub) HandleUpgrade(w http.ResponseWriter, r *http.Request) (ConnID, error) {
	sess, err := d.server.Upgrade(w, r)
	if err != nil {
		return "", fmt.Errorf("transport: webtransport upgrade: %w", err)
	}
	id := ConnID(uuid.NewString())

	d.mu.Lock()
	d.sessions[id] = sess
	d.health[id] = &datagramHealth{}
	d.mu.Unlock()

	go d.readLoop(context.Background(), id, sess)
	return id, nil
}

func (d *DatagramHub) readLoop(ctx context.Context, id ConnID, sess *webtransport.Session) {
	defer d.removeSession(id)
	for {
		data, err := sess.ReceiveDatagram(ctx)
		if err != nil {
			slog.Debug("transport: datagram session ended", "conn", id, "err", err)
			return
		}
		if len(data) == 0 {
			continue
		}
		wireType := data[0]

		d.mu.RLock()
		fns := append([]DatagramHandler(nil), d.handlers[wireType]...)
		d.mu.RUnlock()
		for _, fn := range fns {
			fn(ctx, id, data)
		}
	}
}

func (d *DatagramHub) removeSession(id ConnID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.sessions, id)
	delete(d.health, id)
}

// Send transmits a raw datagram to one session, honoring the circuit
// breaker so a dead peer doesn't waste effort on every frame.
func (d *DatagramHub) Send(id ConnID, data []byte) error {
	d.mu.RLock()
	sess := d.sessions[id]
	health := d.health[id]
	d.mu.RUnlock()
	if sess == nil {
		return fmt.Errorf("transport: no datagram session %s", id)
	}
	if health != nil && health.shouldSkip() {
		return nil
	}
	if err := sess.SendDatagram(data); err != nil {
		if health != nil {
			health.recordFailure()
		}
		return fmt.Errorf("transport: send datagram: %w", err)
	}
	if health != nil {
		health.recordSuccess()
	}
	return nil
}

// ListenAndServe starts the WebTransport/HTTP3 listener and blocks.
func (d *DatagramHub) ListenAndServe() error {
	return d.server.ListenAndServe()
}

// Close tears down the listener and every adopted session.
func (d *DatagramHub) Close() error {
	d.mu.Lock()
	sessions := make([]*webtransport.Session, 0, len(d.sessions))
	for _, s := range d.sessions {
		sessions = append(sessions, s)
	}
	d.mu.Unlock()
	for _, s := range sessions {
		_ = s.CloseWithError(0, "")
	}
	return d.server.Close()
}

// SessionCount returns the number of live datagram sessions.
func (d *DatagramHub) SessionCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.sessions)
}
