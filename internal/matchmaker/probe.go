package matchmaker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/chasemcd/mug-engine/internal/protocol"
	"github.com/chasemcd/mug-engine/internal/transport"
)

// pingCount is the number of pings the initiator sends per probe (§4.3 C3.a
// step 3: "five ping messages at 100 ms cadence").
const pingCount = 5

const pingCadence = 100 * time.Millisecond
const pingTimeout = 2 * time.Second
const probeTeardownDeadline = 15 * time.Second

// SubjectConn resolves a participant subject to its live transport
// connection, so the prober can address probe_* messages without the
// matchmaker needing to know about the registry directly.
type SubjectConn func(subject string) (transport.ConnID, bool)

// HubProber drives the probe protocol (C3.a) over the transport hub's
// probe_* namespace: the matchmaker tells both browsers to open a temporary
// channel, the initiator pings, the responder echoes pongs carrying the
// original timestamp, and the median successful RTT is returned.
//
// Grounded in the teacher's ping/pong control-message handling
// (server/client.go processControl "ping" -> "pong" echoing the original
// timestamp) generalized to a dedicated probe session rather than the
// always-on control channel.
type HubProber struct {
	hub     *transport.Hub
	resolve SubjectConn

	mu      sync.Mutex
	pending map[string]chan int64 // probe_session_id|seq -> pong delivery
}

// NewHubProber constructs a prober bound to hub, using resolve to find each
// subject's connection.
func NewHubProber(hub *transport.Hub, resolve SubjectConn) *HubProber {
	p := &HubProber{hub: hub, resolve: resolve, pending: make(map[string]chan int64)}
	hub.On(protocol.TypeProbeResult, p.onPong)
	return p
}

// onPong delivers a pong payload to whichever in-flight ping is waiting for
// it. Payload is expected to be {"probe_session_id","seq","ts"}.
func (p *HubProber) onPong(_ context.Context, _ transport.ConnID, payload json.RawMessage) {
	var msg struct {
		ProbeSessionID string `json:"probe_session_id"`
		Seq            int    `json:"seq"`
		TS             int64  `json:"ts"`
	}
	if err := json.Unmarshal(payload, &msg); err != nil {
		return
	}
	key := fmt.Sprintf("%s|%d", msg.ProbeSessionID, msg.Seq)
	p.mu.Lock()
	ch, ok := p.pending[key]
	p.mu.Unlock()
	if ok {
		select {
		case ch <- msg.TS:
		default:
		}
	}
}

// Probe implements Prober: opens a probe session between a and b, sends
// pingCount pings at pingCadence, and returns the median RTT in
// milliseconds, or nil if every ping timed out.
func (p *HubProber) Probe(ctx context.Context, a, b string) (*int, error) {
	connA, ok := p.resolve(a)
	if !ok {
		return nil, fmt.Errorf("matchmaker: subject %q has no live connection", a)
	}
	connB, ok := p.resolve(b)
	if !ok {
		return nil, fmt.Errorf("matchmaker: subject %q has no live connection", b)
	}

	sessionID := uuid.NewString()
	ctx, cancel := context.WithTimeout(ctx, probeTeardownDeadline)
	defer cancel()

	p.hub.Send(connA, protocol.TypeProbePrepare, map[string]string{"probe_session_id": sessionID, "role": "initiator", "peer": b})
	p.hub.Send(connB, protocol.TypeProbePrepare, map[string]string{"probe_session_id": sessionID, "role": "responder", "peer": a})
	// Unconditional teardown regardless of outcome, including a deadline or
	// cancellation (§4.3 step 5).
	defer func() {
		p.hub.Send(connA, protocol.TypeWebRTCSignal, map[string]string{"probe_session_id": sessionID, "action": "close"})
		p.hub.Send(connB, protocol.TypeWebRTCSignal, map[string]string{"probe_session_id": sessionID, "action": "close"})
	}()
	p.hub.Send(connA, protocol.TypeProbeStart, map[string]string{"probe_session_id": sessionID})

	var samples []int
	for seq := 0; seq < pingCount; seq++ {
		key := fmt.Sprintf("%s|%d", sessionID, seq)
		ch := make(chan int64, 1)
		p.mu.Lock()
		p.pending[key] = ch
		p.mu.Unlock()

		sentAt := time.Now()
		p.hub.Send(connA, protocol.TypeProbeSignal, map[string]any{
			"probe_session_id": sessionID,
			"seq":              seq,
			"ts":               sentAt.UnixMilli(),
		})

		select {
		case <-ch:
			samples = append(samples, int(time.Since(sentAt).Milliseconds()))
		case <-time.After(pingTimeout):
			slog.Debug("matchmaker: probe ping timed out", "session", sessionID, "seq", seq)
		case <-ctx.Done():
			p.mu.Lock()
			delete(p.pending, key)
			p.mu.Unlock()
			return nil, ctx.Err()
		}
		p.mu.Lock()
		delete(p.pending, key)
		p.mu.Unlock()

		if seq < pingCount-1 {
			time.Sleep(pingCadence)
		}
	}

	if len(samples) == 0 {
		return nil, nil
	}
	return median(samples), nil
}

func median(samples []int) *int {
	sorted := append([]int(nil), samples...)
	sort.Ints(sorted)
	n := len(sorted)
	var m int
	if n%2 == 1 {
		m = sorted[n/2]
	} else {
		m = (sorted[n/2-1] + sorted[n/2]) / 2
	}
	return &m
}
