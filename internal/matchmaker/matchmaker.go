// Package matchmaker implements the matchmaker (C3): a waiting pool of
// match candidates, an RTT probe protocol, and latency-gated FIFO matching
// (§4.3).
//
// The waiting-pool state machine (idle/queued/matched) is grounded on the
// pack's vimsent-L3 matchmaker (playerState enum, insertion-ordered
// candidate tracking); the probe round-trip measurement and its bounded
// deadlines follow the teacher's per-client health/circuit-breaker timing
// discipline in server/client.go (never block the pool on one slow probe).
package matchmaker

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// GroupSize is fixed at 2 for this spec (§4.3: "always 2 for this spec").
const GroupSize = 2

// ProbeTargets bounds how many existing candidates a new arrival probes
// against (§4.3 C3.a step 1).
const ProbeTargets = 3

// Prober measures round-trip time between two candidates using the probe
// protocol (C3.a). Implementations drive the actual signaling/datachannel
// exchange; the matchmaker only needs the median RTT result.
type Prober interface {
	// Probe returns the median RTT in milliseconds, or nil if every ping
	// timed out (fail-open per §4.3 step 4).
	Probe(ctx context.Context, a, b string) (*int, error)
}

// Candidate is one entry in the waiting pool (§3 "Match candidate").
type Candidate struct {
	Subject  string
	RTTMs    *int
	arrival  time.Time
}

// Match is the result of a successful match formation: GroupSize subjects.
type Match struct {
	Subjects []string
}

// Matchmaker buffers candidates, measures pairwise RTT, and forms matches.
// The pool is a set keyed by subject (insertion order preserved via
// arrival timestamps), so re-inserting an already-queued subject is a no-op
// — idempotent admission (P7).
type Matchmaker struct {
	mu      sync.Mutex
	pool    map[string]*Candidate
	order   []string // insertion order; compacted on every removal

	prober         Prober
	maxServerRTTMs *int // nil disables RTT gating entirely
	probeDeadline  time.Duration
}

// New constructs a Matchmaker. maxServerRTTMs nil disables the RTT gate
// (config surface §6 "multiplayer.max_server_rtt_ms: integer or none").
func New(prober Prober, maxServerRTTMs *int) *Matchmaker {
	return &Matchmaker{
		pool:           make(map[string]*Candidate),
		prober:         prober,
		maxServerRTTMs: maxServerRTTMs,
		probeDeadline:  15 * time.Second,
	}
}

// Enqueue adds subject to the waiting pool (idempotent, P7), probes it
// against up to ProbeTargets of the oldest other candidates, and attempts to
// form a match. Returns the match if one formed; the matched subjects are
// removed from the pool as part of formation.
func (m *Matchmaker) Enqueue(ctx context.Context, subject string) (*Match, error) {
	m.mu.Lock()
	if _, exists := m.pool[subject]; exists {
		m.mu.Unlock()
		slog.Debug("matchmaker: idempotent re-enqueue ignored", "subject", subject)
		return nil, nil
	}
	cand := &Candidate{Subject: subject, arrival: time.Now()}
	m.pool[subject] = cand
	m.order = append(m.order, subject)
	targets := m.oldestOthersLocked(subject, ProbeTargets)
	m.mu.Unlock()

	for _, target := range targets {
		m.probeAndRecord(ctx, subject, target)
	}

	return m.tryForm(subject), nil
}

// oldestOthersLocked returns up to n subjects other than exclude, oldest
// first. Caller must hold m.mu.
func (m *Matchmaker) oldestOthersLocked(exclude string, n int) []string {
	var others []string
	for _, s := range m.order {
		if s == exclude {
			continue
		}
		if _, ok := m.pool[s]; !ok {
			continue // already matched/removed
		}
		others = append(others, s)
	}
	sort.SliceStable(others, func(i, j int) bool {
		return m.pool[others[i]].arrival.Before(m.pool[others[j]].arrival)
	})
	if len(others) > n {
		others = others[:n]
	}
	return others
}

func (m *Matchmaker) probeAndRecord(ctx context.Context, a, b string) {
	if m.prober == nil {
		return
	}
	pctx, cancel := context.WithTimeout(ctx, m.probeDeadline)
	defer cancel()
	rtt, err := m.prober.Probe(pctx, a, b)
	if err != nil {
		slog.Warn("matchmaker: probe failed, treating as null RTT (fail-open)", "a", a, "b", b, "err", err)
		rtt = nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if ca, ok := m.pool[a]; ok && ca.RTTMs == nil {
		ca.RTTMs = rtt
	}
	// The probe also tells us about b from a's perspective in a symmetric
	// protocol; record it if b doesn't already have an estimate.
	if cb, ok := m.pool[b]; ok && cb.RTTMs == nil {
		cb.RTTMs = rtt
	}
}

// tryForm attempts to form a match with `arriving` as the newest candidate,
// iterating the pool in arrival order per §4.3 C3.b. Fail-open: a null RTT
// on either side always allows pairing.
func (m *Matchmaker) tryForm(arriving string) *Match {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.pool[arriving]
	if !ok {
		return nil
	}

	var accepted []string
	for _, s := range m.order {
		if s == arriving {
			continue
		}
		c, ok := m.pool[s]
		if !ok {
			continue
		}
		if m.rttGateLocked(a, c) {
			accepted = append(accepted, s)
			if len(accepted)+1 >= GroupSize {
				break
			}
		}
	}

	if len(accepted)+1 < GroupSize {
		return nil
	}

	members := append([]string{arriving}, accepted...)
	for _, s := range members {
		delete(m.pool, s)
	}
	m.compactOrderLocked()

	slog.Info("matchmaker: match formed", "members", members)
	return &Match{Subjects: members}
}

// rttGateLocked implements P8: pair iff rtt(a)+rtt(b) <= max, or either RTT
// is null (fail-open). Caller must hold m.mu.
func (m *Matchmaker) rttGateLocked(a, c *Candidate) bool {
	if m.maxServerRTTMs == nil {
		return true
	}
	if a.RTTMs == nil || c.RTTMs == nil {
		return true
	}
	return *a.RTTMs+*c.RTTMs <= *m.maxServerRTTMs
}

func (m *Matchmaker) compactOrderLocked() {
	kept := m.order[:0]
	for _, s := range m.order {
		if _, ok := m.pool[s]; ok {
			kept = append(kept, s)
		}
	}
	m.order = kept
}

// Remove takes a subject out of the waiting pool without forming a match —
// used on wait-timeout (registry transition to disconnected_terminal).
func (m *Matchmaker) Remove(subject string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pool, subject)
	m.compactOrderLocked()
}

// Size returns the current waiting-pool size.
func (m *Matchmaker) Size() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pool)
}
