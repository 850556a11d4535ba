// Package admin implements the admin aggregator (C8): a read-only observer
// with bounded cost to the game loop — periodic fingerprint-coalesced
// snapshots, incremental activity emission, and cached per-session health
// with expiry (§4.8). It never calls into any game-state mutator; every
// method here only reads or records observations.
//
// Grounded on the teacher's internal/httpapi metrics endpoint (periodic
// polling of live state rather than holding a lock open) and on
// server/metrics.go's ticker-driven periodic emission pattern, generalized
// from "always emit" to "emit only on change, heartbeat otherwise."
package admin

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/chasemcd/mug-engine/internal/registry"
)

// snapshotInterval is how often the aggregator polls the session source
// (§4.8 "Periodic snapshot every 1 second").
const snapshotInterval = 1 * time.Second

// heartbeatInterval bounds how long an unchanged snapshot can go without
// any emission at all (§4.8 "heartbeat every ~2 seconds").
const heartbeatInterval = 2 * time.Second

// healthExpiry is how long a participant-pushed health report remains
// valid before being treated as stale (§4.8 "10-second expiry").
const healthExpiry = 10 * time.Second

// SessionSummary is one session's admin-visible summary (§3 admin reads use
// copy-on-snapshot — this is the copied, read-only view).
type SessionSummary struct {
	SessionID   string `json:"session_id"`
	Status      string `json:"status"`
	Mode        string `json:"mode"`
	PlayerCount int    `json:"player_count"`
	Frame       int64  `json:"frame"`
}

// Snapshot is the full set of session summaries at one poll.
type Snapshot struct {
	Sessions  []SessionSummary `json:"sessions"`
	Timestamp time.Time        `json:"timestamp"`
}

// Source supplies the current session summaries on demand; the session
// supervisor provides this via its own Snapshot-style accessor.
type Source func() []SessionSummary

// HealthReport is a participant-pushed per-session health signal
// (§4.8, `p2p_health_report`).
type HealthReport struct {
	SessionID string
	PlayerID  int
	RTTMs     int
	Healthy   bool
}

type healthEntry struct {
	report     HealthReport
	receivedAt time.Time
}

// Metrics holds the prometheus collectors the aggregator updates. Kept as a
// struct rather than package-level globals so multiple Aggregators (e.g. in
// tests) don't collide on prometheus's default registry.
type Metrics struct {
	activeSessions  prometheus.Gauge
	rollbackEvents  prometheus.Counter
	desyncEvents    prometheus.Counter
	activityEvents  *prometheus.CounterVec
	healthReports   prometheus.Counter
}

// NewMetrics registers the aggregator's collectors against reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		activeSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "mugengine_active_sessions",
			Help: "Number of sessions currently tracked by the admin aggregator.",
		}),
		rollbackEvents: factory.NewCounter(prometheus.CounterOpts{
			Name: "mugengine_rollback_events_total",
			Help: "Total rollback replays triggered across all sessions.",
		}),
		desyncEvents: factory.NewCounter(prometheus.CounterOpts{
			Name: "mugengine_desync_events_total",
			Help: "Total state-hash mismatches detected across all sessions.",
		}),
		activityEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mugengine_activity_events_total",
			Help: "Total participant activity events by kind.",
		}, []string{"kind"}),
		healthReports: factory.NewCounter(prometheus.CounterOpts{
			Name: "mugengine_health_reports_total",
			Help: "Total per-session health reports received.",
		}),
	}
}

// RecordRollback increments the rollback-events counter.
func (m *Metrics) RecordRollback() { m.rollbackEvents.Inc() }

// RecordDesync increments the desync-events counter.
func (m *Metrics) RecordDesync() { m.desyncEvents.Inc() }

// Aggregator polls a Source on a fixed interval, coalesces unchanged
// snapshots behind a fingerprint, relays incremental activity events as
// they occur, and tracks per-session health with expiry.
type Aggregator struct {
	source Source

	onSnapshot  func(Snapshot)
	onHeartbeat func()
	onActivity  func(registry.ActivityEvent)

	metrics *Metrics

	mu              sync.Mutex
	lastFingerprint string
	lastEmission    time.Time
	lastSnapshot    Snapshot
	health          map[string]healthEntry
}

// Options configures an Aggregator.
type Options struct {
	Source      Source
	OnSnapshot  func(Snapshot)
	OnHeartbeat func()
	OnActivity  func(registry.ActivityEvent)
	Metrics     *Metrics
}

// New constructs an Aggregator. Callers typically invoke Run in a
// background goroutine and EmitActivity/ReportHealth from wherever
// transitions and health reports actually arrive.
func New(opts Options) *Aggregator {
	return &Aggregator{
		source:      opts.Source,
		onSnapshot:  opts.OnSnapshot,
		onHeartbeat: opts.OnHeartbeat,
		onActivity:  opts.OnActivity,
		metrics:     opts.Metrics,
		health:      make(map[string]healthEntry),
	}
}

// Run polls the source every snapshotInterval until ctx is done, emitting a
// full snapshot on any fingerprint change and a heartbeat every
// heartbeatInterval otherwise. Also purges expired health reports each
// tick.
func (a *Aggregator) Run(ctx context.Context) {
	ticker := time.NewTicker(snapshotInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.tick()
		}
	}
}

func (a *Aggregator) tick() {
	if a.source == nil {
		return
	}
	sessions := a.source()
	snap := Snapshot{Sessions: sessions, Timestamp: time.Now()}

	fp, err := fingerprint(sessions)
	if err != nil {
		slog.Warn("admin: failed to fingerprint snapshot, emitting unconditionally", "err", err)
	}

	a.mu.Lock()
	changed := err != nil || fp != a.lastFingerprint
	dueForHeartbeat := time.Since(a.lastEmission) >= heartbeatInterval
	if changed {
		a.lastFingerprint = fp
	}
	if changed || dueForHeartbeat {
		a.lastEmission = time.Now()
	}
	a.lastSnapshot = snap
	a.mu.Unlock()

	if a.metrics != nil {
		a.metrics.activeSessions.Set(float64(len(sessions)))
	}

	switch {
	case changed:
		if a.onSnapshot != nil {
			a.onSnapshot(snap)
		}
	case dueForHeartbeat:
		if a.onHeartbeat != nil {
			a.onHeartbeat()
		}
	}

	a.purgeStaleHealth()
}

// LatestSnapshot returns the most recent snapshot polled from the source
// (the zero value if Run hasn't ticked yet), for serving over the admin
// REST API without re-polling the source out of band.
func (a *Aggregator) LatestSnapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastSnapshot
}

// fingerprint produces a stable digest of the session summaries so that an
// unchanged world state never triggers a redundant full snapshot emission.
func fingerprint(sessions []SessionSummary) (string, error) {
	b, err := json.Marshal(sessions)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// EmitActivity relays a single participant activity transition immediately
// (§4.8 "Incremental activity emitted on transitions") rather than waiting
// for the next periodic snapshot.
func (a *Aggregator) EmitActivity(event registry.ActivityEvent) {
	if a.metrics != nil {
		a.metrics.activityEvents.WithLabelValues(string(event.Kind)).Inc()
	}
	if a.onActivity != nil {
		a.onActivity(event)
	}
}

// ReportHealth records a participant-pushed health report, refreshing its
// expiry clock.
func (a *Aggregator) ReportHealth(report HealthReport) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.health[report.SessionID] = healthEntry{report: report, receivedAt: time.Now()}
	if a.metrics != nil {
		a.metrics.healthReports.Inc()
	}
}

// Health returns the cached health report for sessionID, if one exists and
// hasn't expired.
func (a *Aggregator) Health(sessionID string) (HealthReport, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	entry, ok := a.health[sessionID]
	if !ok || time.Since(entry.receivedAt) > healthExpiry {
		return HealthReport{}, false
	}
	return entry.report, true
}

// purgeStaleHealth drops health entries past their expiry window.
func (a *Aggregator) purgeStaleHealth() {
	a.mu.Lock()
	defer a.mu.Unlock()
	now := time.Now()
	for id, entry := range a.health {
		if now.Sub(entry.receivedAt) > healthExpiry {
			delete(a.health, id)
		}
	}
}
