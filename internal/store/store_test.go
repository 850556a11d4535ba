package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "mug-engine.db")
	st, err := Open(dbPath)
	if err != nil {
		t.Fatalf("open sqlite store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestSettingsRoundTrip(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	if _, ok, err := st.GetSetting(ctx, "missing"); err != nil || ok {
		t.Fatalf("expected missing key to be absent, got ok=%v err=%v", ok, err)
	}

	if err := st.SetSetting(ctx, "multiplayer.num_episodes", "3"); err != nil {
		t.Fatalf("set setting: %v", err)
	}
	val, ok, err := st.GetSetting(ctx, "multiplayer.num_episodes")
	if err != nil || !ok || val != "3" {
		t.Fatalf("get setting = (%q, %v, %v), want (\"3\", true, nil)", val, ok, err)
	}

	if err := st.SetSetting(ctx, "multiplayer.num_episodes", "5"); err != nil {
		t.Fatalf("update setting: %v", err)
	}
	val, _, _ = st.GetSetting(ctx, "multiplayer.num_episodes")
	if val != "5" {
		t.Fatalf("expected upsert to overwrite, got %q", val)
	}
}

func TestSessionLifecycleRecord(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	rec := SessionRecord{
		ID:          "sess-1",
		Scene:       "coop_gym",
		Mode:        "p2p",
		PlayerCount: 2,
		StartedAt:   time.UnixMilli(1_700_000_000_000).UTC(),
	}
	if err := st.RecordSessionStart(ctx, rec); err != nil {
		t.Fatalf("record session start: %v", err)
	}

	if err := st.RecordSessionEnd(ctx, "sess-1", rec.StartedAt.Add(30*time.Second), true, "focus_loss_timeout"); err != nil {
		t.Fatalf("record session end: %v", err)
	}

	got, err := st.GetSession(ctx, "sess-1")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if !got.IsPartial || got.TerminationReason != "focus_loss_timeout" {
		t.Fatalf("unexpected session status: %#v", got)
	}
	if got.Scene != rec.Scene || got.Mode != rec.Mode || got.PlayerCount != rec.PlayerCount {
		t.Fatalf("unexpected session identity fields: %#v", got)
	}

	if err := st.RecordSessionEnd(ctx, "does-not-exist", time.Now(), false, ""); err != ErrSessionNotFound {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestAuditLogOrdering(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	entries := []AuditEntry{
		{Subject: "alice", SessionID: "sess-1", Kind: "disconnect"},
		{Subject: "alice", SessionID: "sess-1", Kind: "reconnect"},
		{Subject: "bob", SessionID: "sess-1", Kind: "exclude", DetailsJSON: `{"reason":"afk"}`},
	}
	for _, e := range entries {
		if err := st.RecordAudit(ctx, e); err != nil {
			t.Fatalf("record audit: %v", err)
		}
	}

	got, err := st.AuditForSubject(ctx, "alice")
	if err != nil {
		t.Fatalf("audit for subject: %v", err)
	}
	if len(got) != 2 || got[0].Kind != "disconnect" || got[1].Kind != "reconnect" {
		t.Fatalf("expected ordered [disconnect, reconnect] for alice, got %#v", got)
	}

	bobEntries, err := st.AuditForSubject(ctx, "bob")
	if err != nil {
		t.Fatalf("audit for subject: %v", err)
	}
	if len(bobEntries) != 1 || bobEntries[0].DetailsJSON != `{"reason":"afk"}` {
		t.Fatalf("unexpected bob audit entries: %#v", bobEntries)
	}
}
