package registry_test

import (
	"testing"
	"time"

	"github.com/chasemcd/mug-engine/internal/registry"
)

func TestAdmitThenAdvanceSceneToWaitroom(t *testing.T) {
	r := registry.New()
	r.Admit("alice", "conn-1")

	p, err := r.AdvanceScene("alice", "arena", true, false)
	if err != nil {
		t.Fatalf("AdvanceScene: %v", err)
	}
	if p.State != registry.StateInWaitroom {
		t.Fatalf("state = %q, want in_waitroom", p.State)
	}
	if p.Scene != "arena" {
		t.Fatalf("scene = %q, want arena", p.Scene)
	}
}

func TestAdvanceSceneUnknownSubject(t *testing.T) {
	r := registry.New()
	if _, err := r.AdvanceScene("ghost", "arena", true, false); err == nil {
		t.Fatal("expected an error advancing the scene of an unadmitted subject")
	}
}

func TestEnterGameClearsWaitroomAndSetsGameOf(t *testing.T) {
	r := registry.New()
	r.Admit("alice", "conn-1")
	if _, err := r.AdvanceScene("alice", "arena", true, false); err != nil {
		t.Fatalf("AdvanceScene: %v", err)
	}

	p, err := r.EnterGame("alice", "sess-1")
	if err != nil {
		t.Fatalf("EnterGame: %v", err)
	}
	if p.State != registry.StateInGame {
		t.Fatalf("state = %q, want in_game", p.State)
	}
	if gameID, ok := r.GameOf("alice"); !ok || gameID != "sess-1" {
		t.Fatalf("GameOf(alice) = (%q, %v), want (sess-1, true)", gameID, ok)
	}
}

func TestDisconnectAndReconnectRoundTrip(t *testing.T) {
	r := registry.New()
	r.Admit("alice", "conn-1")
	if _, err := r.AdvanceScene("alice", "arena", false, false); err != nil {
		t.Fatalf("AdvanceScene: %v", err)
	}
	if _, err := r.EnterGame("alice", "sess-1"); err != nil {
		t.Fatalf("EnterGame: %v", err)
	}

	disconnectedAt := time.Now()
	p, err := r.RecordDisconnect("alice", disconnectedAt)
	if err != nil {
		t.Fatalf("RecordDisconnect: %v", err)
	}
	if p.State != registry.StateDisconnectedReconnecting {
		t.Fatalf("state = %q, want disconnected_reconnecting", p.State)
	}
	if p.DisconnectedAt.IsZero() {
		t.Fatal("expected DisconnectedAt to be set")
	}

	p, err = r.RecordReconnect("alice", "conn-2")
	if err != nil {
		t.Fatalf("RecordReconnect: %v", err)
	}
	if p.State != registry.StateInGame {
		t.Fatalf("state = %q, want in_game", p.State)
	}
	if !p.DisconnectedAt.IsZero() {
		t.Fatal("expected DisconnectedAt to be cleared on reconnect")
	}
	if p.Conn != "conn-2" {
		t.Fatalf("conn = %q, want conn-2", p.Conn)
	}
}

func TestReconnectRejectedWhenNotReconnecting(t *testing.T) {
	r := registry.New()
	r.Admit("alice", "conn-1")
	if _, err := r.RecordReconnect("alice", "conn-2"); err == nil {
		t.Fatal("expected an error reconnecting a participant that was never marked disconnected")
	}
}

func TestDisconnectFromWaitroomGoesTerminal(t *testing.T) {
	r := registry.New()
	r.Admit("alice", "conn-1")
	if _, err := r.AdvanceScene("alice", "arena", true, false); err != nil {
		t.Fatalf("AdvanceScene: %v", err)
	}
	p, err := r.RecordDisconnect("alice", time.Now())
	if err != nil {
		t.Fatalf("RecordDisconnect: %v", err)
	}
	if p.State != registry.StateDisconnectedTerminal {
		t.Fatalf("state = %q, want disconnected_terminal for a waitroom disconnect", p.State)
	}
}

func TestTerminateClearsGameIndex(t *testing.T) {
	r := registry.New()
	r.Admit("alice", "conn-1")
	if _, err := r.EnterGame("alice", "sess-1"); err != nil {
		t.Fatalf("EnterGame: %v", err)
	}

	if _, err := r.Terminate("alice", "partner_disconnect_timeout"); err != nil {
		t.Fatalf("Terminate: %v", err)
	}
	if _, ok := r.GameOf("alice"); ok {
		t.Fatal("expected GameOf to be cleared after terminate")
	}
	p, _ := r.Get("alice")
	if p.State != registry.StateDisconnectedTerminal {
		t.Fatalf("state = %q, want disconnected_terminal", p.State)
	}
}

func TestValidateConsistencyCleansOrphanedGameReference(t *testing.T) {
	r := registry.New()
	r.Admit("alice", "conn-1")
	if _, err := r.EnterGame("alice", "sess-1"); err != nil {
		t.Fatalf("EnterGame: %v", err)
	}

	cleaned := r.ValidateConsistency("alice", func(string) bool { return false })
	if !cleaned {
		t.Fatal("expected the orphaned game reference to be cleaned")
	}
	p, _ := r.Get("alice")
	if p.State != registry.StateConnected {
		t.Fatalf("state after cleanup = %q, want connected", p.State)
	}

	cleaned = r.ValidateConsistency("alice", func(string) bool { return true })
	if cleaned {
		t.Fatal("expected no cleanup once the game reference is gone")
	}
}

func TestAppendConsoleCapsTail(t *testing.T) {
	r := registry.New()
	r.Admit("alice", "conn-1")
	for i := 0; i < registry.ErrTail+10; i++ {
		r.AppendConsole("alice", "line")
	}
	p, _ := r.Get("alice")
	if len(p.ConsoleTail) != registry.ErrTail {
		t.Fatalf("console tail length = %d, want %d", len(p.ConsoleTail), registry.ErrTail)
	}
}

func TestActivityLogRecordsTransitions(t *testing.T) {
	r := registry.New()
	r.Admit("alice", "conn-1")
	_, _ = r.AdvanceScene("alice", "arena", false, false)
	_, _ = r.EnterGame("alice", "sess-1")
	_, _ = r.Terminate("alice", "")

	events := r.Activity()
	if len(events) != 4 {
		t.Fatalf("activity log length = %d, want 4", len(events))
	}
	wantKinds := []registry.EventKind{registry.EventJoin, registry.EventSceneAdvance, registry.EventGameStart, registry.EventGameEnd}
	for i, want := range wantKinds {
		if events[i].Kind != want {
			t.Fatalf("event[%d].Kind = %q, want %q", i, events[i].Kind, want)
		}
	}
}

func TestSetListenerReceivesEveryAppendedEvent(t *testing.T) {
	r := registry.New()
	var got []registry.EventKind
	r.SetListener(func(ev registry.ActivityEvent) { got = append(got, ev.Kind) })

	r.Admit("alice", "conn-1")
	_, _ = r.AdvanceScene("alice", "arena", false, false)
	_, _ = r.Terminate("alice", "")

	want := []registry.EventKind{registry.EventJoin, registry.EventSceneAdvance, registry.EventGameEnd}
	if len(got) != len(want) {
		t.Fatalf("listener received %d events, want %d", len(got), len(want))
	}
	for i, k := range want {
		if got[i] != k {
			t.Fatalf("event[%d] = %q, want %q", i, got[i], k)
		}
	}
}

func TestCountReflectsAdmittedParticipants(t *testing.T) {
	r := registry.New()
	if r.Count() != 0 {
		t.Fatalf("Count() = %d, want 0", r.Count())
	}
	r.Admit("alice", "conn-1")
	r.Admit("bob", "conn-2")
	if r.Count() != 2 {
		t.Fatalf("Count() = %d, want 2", r.Count())
	}
}
