package admin_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/chasemcd/mug-engine/internal/admin"
)

func TestAggregatorCoalescesUnchangedSnapshots(t *testing.T) {
	var snapshots, heartbeats int32
	sessions := []admin.SessionSummary{{SessionID: "s1", Status: "active", PlayerCount: 2}}

	a := admin.New(admin.Options{
		Source:      func() []admin.SessionSummary { return sessions },
		OnSnapshot:  func(admin.Snapshot) { atomic.AddInt32(&snapshots, 1) },
		OnHeartbeat: func() { atomic.AddInt32(&heartbeats, 1) },
		Metrics:     admin.NewMetrics(prometheus.NewRegistry()),
	})

	// The first tick (1s) emits the full snapshot; a heartbeat is due once
	// heartbeatInterval (2s) has passed since that emission, i.e. by the 4s tick.
	ctx, cancel := context.WithTimeout(context.Background(), 4300*time.Millisecond)
	defer cancel()
	a.Run(ctx)

	if got := atomic.LoadInt32(&snapshots); got != 1 {
		t.Fatalf("expected exactly one full snapshot for an unchanged source, got %d", got)
	}
	if got := atomic.LoadInt32(&heartbeats); got < 1 {
		t.Fatalf("expected at least one heartbeat once the interval elapsed, got %d", got)
	}
}

func TestAggregatorEmitsOnChange(t *testing.T) {
	var snapshots int32
	frame := int64(0)
	a := admin.New(admin.Options{
		Source: func() []admin.SessionSummary {
			frame++
			return []admin.SessionSummary{{SessionID: "s1", Frame: frame}}
		},
		OnSnapshot: func(admin.Snapshot) { atomic.AddInt32(&snapshots, 1) },
	})

	// Run polls first at 1s, then every second: two ticks fit in 2.3s.
	ctx, cancel := context.WithTimeout(context.Background(), 2300*time.Millisecond)
	defer cancel()
	a.Run(ctx)

	if got := atomic.LoadInt32(&snapshots); got < 2 {
		t.Fatalf("expected a new snapshot each tick since the source changes every call, got %d", got)
	}
}

func TestHealthReturnsOnlyReportedSessions(t *testing.T) {
	a := admin.New(admin.Options{})
	a.ReportHealth(admin.HealthReport{SessionID: "s1", PlayerID: 0, Healthy: true})

	if _, ok := a.Health("s1"); !ok {
		t.Fatal("expected a freshly reported health entry to be present")
	}
	if _, ok := a.Health("missing"); ok {
		t.Fatal("expected no health entry for an unreported session")
	}
}
