package main

import (
	"context"
	"encoding/json"
	"sort"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/chasemcd/mug-engine/internal/admin"
	"github.com/chasemcd/mug-engine/internal/config"
	"github.com/chasemcd/mug-engine/internal/env"
	"github.com/chasemcd/mug-engine/internal/episodesync"
	"github.com/chasemcd/mug-engine/internal/export"
	"github.com/chasemcd/mug-engine/internal/focus"
	"github.com/chasemcd/mug-engine/internal/protocol"
	"github.com/chasemcd/mug-engine/internal/registry"
	"github.com/chasemcd/mug-engine/internal/rollback"
	"github.com/chasemcd/mug-engine/internal/session"
	"github.com/chasemcd/mug-engine/internal/store"
	"github.com/chasemcd/mug-engine/internal/transport"
)

// counterValue reads a single-series counter's current value straight out of
// a registry's gathered metric families, the same way prometheus's own
// testutil helpers would, without needing admin.Metrics to expose its
// unexported collectors.
func counterValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	for _, fam := range families {
		if fam.GetName() == name {
			return fam.GetMetric()[0].GetCounter().GetValue()
		}
	}
	t.Fatalf("metric %s not found", name)
	return 0
}

func TestHandleStateHashDatagramRecordsDesyncOnMismatch(t *testing.T) {
	reg := registry.New()
	reg.Admit("alice", "conn-1")
	if _, err := reg.EnterGame("alice", "sess-1"); err != nil {
		t.Fatal(err)
	}

	rollbackEngine, err := rollback.New(env.NewEcho(), rollback.Config{Players: []int{0}})
	if err != nil {
		t.Fatal(err)
	}
	if err := rollbackEngine.SubmitInput(0, 0, json.RawMessage(`{}`)); err != nil {
		t.Fatal(err)
	}
	if _, err := rollbackEngine.Advance(); err != nil {
		t.Fatal(err)
	}
	if _, ok := rollbackEngine.LocalHash(0); !ok {
		t.Fatal("expected a local hash for frame 0")
	}

	promReg := prometheus.NewRegistry()
	e := &Engine{
		registry:    reg,
		metrics:     admin.NewMetrics(promReg),
		runtimes:    map[string]*runtime{"sess-1": {engine: rollbackEngine}},
		connSubject: map[transport.ConnID]string{"conn-1": "alice"},
	}

	before := counterValue(t, promReg, "mugengine_desync_events_total")

	msg := protocol.StateHash{Frame: 0}
	copy(msg.Hash[:], []byte("deadbeef"))
	e.handleStateHashDatagram(context.Background(), "conn-1", protocol.EncodeStateHash(msg))

	if after := counterValue(t, promReg, "mugengine_desync_events_total"); after != before+1 {
		t.Fatalf("desync counter = %v, want %v", after, before+1)
	}
}

func TestHandleFocusChangeBackgroundsThenFastForwardsOnRefocus(t *testing.T) {
	rollbackEngine, err := rollback.New(env.NewEcho(), rollback.Config{Players: []int{0, 1}})
	if err != nil {
		t.Fatal(err)
	}

	rt := &runtime{
		sess:            &session.Session{Mode: session.ModeServerAuthoritative},
		engine:          rollbackEngine,
		subjectPlayer:   map[string]int{"alice": 0},
		focusTracker:    focus.NewTracker(0, nil),
		sync:            episodesync.New(),
		backgroundQueue: focus.NewBackgroundQueue(),
	}
	hub := transport.NewHub()
	e := &Engine{hub: hub, runtimes: map[string]*runtime{"sess-1": rt}}

	payload, err := json.Marshal(protocol.ControlMsg{Type: protocol.TypeFocusChange, SessionID: "sess-1", Subject: "alice", Focused: false})
	if err != nil {
		t.Fatal(err)
	}
	e.handleFocusChange(context.Background(), "conn-1", payload)
	if !rt.isBackgrounded() {
		t.Fatal("expected the session to be marked backgrounded")
	}

	startFrame := rollbackEngine.Frame()
	rt.backgroundQueue.Push(focus.QueuedInput{Frame: startFrame, Player: 1, Action: json.RawMessage(`{}`)})

	payload, err = json.Marshal(protocol.ControlMsg{Type: protocol.TypeFocusChange, SessionID: "sess-1", Subject: "alice", Focused: true})
	if err != nil {
		t.Fatal(err)
	}
	e.handleFocusChange(context.Background(), "conn-1", payload)
	if rt.isBackgrounded() {
		t.Fatal("expected the session to be unbackgrounded after fast-forward")
	}
	if rollbackEngine.Frame() <= startFrame {
		t.Fatalf("frame after refocus = %d, want > %d (fast-forward should have advanced)", rollbackEngine.Frame(), startFrame)
	}
}

func TestRunContinuousCallbacksExcludesOnVerdict(t *testing.T) {
	st, err := store.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()
	reg := registry.New()
	reg.Admit("alice", "conn-1")
	if _, err := reg.EnterGame("alice", "sess-1"); err != nil {
		t.Fatal(err)
	}

	supervisor := session.NewSupervisor(session.Hooks{})
	sess := supervisor.Create(context.Background(), "arena", session.ModeServerAuthoritative, []session.Player{{ID: 0, Subject: "alice"}})

	rollbackEngine, err := rollback.New(env.NewEcho(), rollback.Config{Players: []int{0}})
	if err != nil {
		t.Fatal(err)
	}

	rt := &runtime{
		sess:          sess,
		engine:        rollbackEngine,
		playerSubject: map[int]string{0: "alice"},
		subjectPlayer: map[string]int{"alice": 0},
		focusTracker:  focus.NewTracker(0, nil),
	}

	e := &Engine{
		hub:                transport.NewHub(),
		registry:           reg,
		store:              st,
		supervisor:         supervisor,
		continuousCallback: excludeAllContinuous{},
	}

	e.runContinuousCallbacks(context.Background(), sess.ID, rt)

	p, ok := reg.Get("alice")
	if !ok {
		t.Fatal("expected participant to still be tracked")
	}
	if p.State != registry.StateDisconnectedTerminal {
		t.Fatalf("state = %q, want disconnected_terminal after exclusion", p.State)
	}
}

type excludeAllContinuous struct{}

func (excludeAllContinuous) Check(context.Context, registry.ContinuousContext) (registry.ContinuousVerdict, error) {
	return registry.ContinuousVerdict{Exclude: true, Message: "test exclusion"}, nil
}

func TestValueOr(t *testing.T) {
	ten := 10
	if got := valueOr(&ten, 0); got != 10 {
		t.Fatalf("valueOr(&10, 0) = %d, want 10", got)
	}
	if got := valueOr(nil, 7); got != 7 {
		t.Fatalf("valueOr(nil, 7) = %d, want 7", got)
	}
}

func TestExpectedPeers(t *testing.T) {
	rt := &runtime{subjectPlayer: map[string]int{"alice": 0, "bob": 1}}
	got := expectedPeers(rt)
	sort.Strings(got)
	want := []string{"alice", "bob"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("expectedPeers() mismatch (-want +got):\n%s", diff)
	}
}

func TestDefaultEnvFactoryRejectsUnknownScene(t *testing.T) {
	cfg := &config.Config{Scenes: map[string]string{"arena": "arena.json"}}
	factory := defaultEnvFactory(cfg)

	if _, err := factory("missing-scene"); err == nil {
		t.Fatal("expected an error for an unregistered scene")
	}

	envInst, err := factory("arena")
	if err != nil {
		t.Fatalf("factory(\"arena\") returned error: %v", err)
	}
	if _, err := envInst.Reset(); err != nil {
		t.Fatalf("Reset() on the resolved environment failed: %v", err)
	}
}

func TestHandleHealthReportRecordsToAggregator(t *testing.T) {
	e := &Engine{
		aggregator: admin.New(admin.Options{
			Source:  func() []admin.SessionSummary { return nil },
			Metrics: admin.NewMetrics(prometheus.NewRegistry()),
		}),
	}

	rtt := 42
	payload, err := json.Marshal(map[string]any{
		"session_id": "sess-1",
		"player_id":  1,
		"rtt_ms":     &rtt,
	})
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}

	e.handleHealthReport(nil, "", payload)

	got, ok := e.aggregator.Health("sess-1")
	if !ok {
		t.Fatal("expected a health report to be recorded for sess-1")
	}
	want := admin.HealthReport{SessionID: "sess-1", PlayerID: 1, RTTMs: 42, Healthy: true}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("recorded health report mismatch (-want +got):\n%s", diff)
	}
}

func TestEpisodeExportPayloadDecode(t *testing.T) {
	want := episodeExportPayload{
		Frames: []export.FrameRow{
			{Frame: 0, Rewards: map[int]float64{0: 1}, Terminated: map[int]bool{0: false}},
			{Frame: 1, Rewards: map[int]float64{0: 0}, Terminated: map[int]bool{0: true}},
		},
		Status: export.StatusBlock{IsPartial: false, CompletedEpisodes: 1},
	}

	raw, err := json.Marshal(want)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var got episodeExportPayload
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("episodeExportPayload round trip mismatch (-want +got):\n%s", diff)
	}
}
