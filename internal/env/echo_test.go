package env_test

import (
	"encoding/json"
	"testing"

	"github.com/chasemcd/mug-engine/internal/env"
)

func TestEchoEnvironmentStepAdvancesFrameAndRendersActions(t *testing.T) {
	e := env.NewEcho()
	if _, err := e.Reset(); err != nil {
		t.Fatalf("Reset: %v", err)
	}

	actions := map[int]env.Action{0: json.RawMessage(`{"move":"up"}`)}
	result, err := e.Step(actions)
	if err != nil {
		t.Fatalf("Step: %v", err)
	}
	if len(result.Reward) != len(actions) {
		t.Fatalf("len(Reward) = %d, want %d", len(result.Reward), len(actions))
	}

	rendered, err := e.Render()
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	got, ok := rendered.(map[int]env.Action)
	if !ok {
		t.Fatalf("Render() type = %T, want map[int]env.Action", rendered)
	}
	if string(got[0]) != `{"move":"up"}` {
		t.Fatalf("rendered action = %s, want the last submitted action", got[0])
	}
}

func TestEchoEnvironmentGetStateSetStateRoundTrip(t *testing.T) {
	e := env.NewEcho()
	if _, err := e.Reset(); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if _, err := e.Step(map[int]env.Action{0: json.RawMessage(`1`)}); err != nil {
		t.Fatalf("Step: %v", err)
	}
	if _, err := e.Step(map[int]env.Action{0: json.RawMessage(`2`)}); err != nil {
		t.Fatalf("Step: %v", err)
	}

	saved, err := e.GetState()
	if err != nil {
		t.Fatalf("GetState: %v", err)
	}

	fresh := env.NewEcho()
	if _, err := fresh.Reset(); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if err := fresh.SetState(saved); err != nil {
		t.Fatalf("SetState: %v", err)
	}

	gotState, err := fresh.GetState()
	if err != nil {
		t.Fatalf("GetState after SetState: %v", err)
	}
	if string(gotState) != string(saved) {
		t.Fatalf("state after SetState = %s, want %s", gotState, saved)
	}
}
