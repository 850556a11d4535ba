package focus_test

import (
	"encoding/json"
	"testing"

	"github.com/chasemcd/mug-engine/internal/env"
	"github.com/chasemcd/mug-engine/internal/focus"
	"github.com/chasemcd/mug-engine/internal/rollback"
)

func TestBackgroundQueuePushAndDrain(t *testing.T) {
	q := focus.NewBackgroundQueue()
	q.Push(focus.QueuedInput{Frame: 1, Player: 0, Action: env.Action(`1`)})
	q.Push(focus.QueuedInput{Frame: 2, Player: 0, Action: env.Action(`2`)})

	drained := q.DrainAndClear()
	if len(drained) != 2 {
		t.Fatalf("len(drained) = %d, want 2", len(drained))
	}
	if again := q.DrainAndClear(); len(again) != 0 {
		t.Fatalf("second drain returned %d entries, want 0", len(again))
	}
}

func TestFastForwardReplaysBufferedInputsAndAdvancesFrame(t *testing.T) {
	e, err := rollback.New(&ffSumEnv{}, rollback.Config{Players: []int{0, 1}})
	if err != nil {
		t.Fatal(err)
	}
	start := e.Frame()

	buffered := []focus.QueuedInput{
		{Frame: start, Player: 1, Action: env.Action(`5`)},
		{Frame: start + 1, Player: 1, Action: env.Action(`5`)},
	}
	advanced, err := focus.FastForward(e, 0, env.Action(`0`), buffered, nil)
	if err != nil {
		t.Fatalf("FastForward: %v", err)
	}
	if advanced != 2 {
		t.Fatalf("advanced = %d, want 2", advanced)
	}
	if got, want := e.Frame(), start+2; got != want {
		t.Fatalf("frame after fast-forward = %d, want %d", got, want)
	}
}

func TestFastForwardClampsToSyncedTermination(t *testing.T) {
	e, err := rollback.New(&ffSumEnv{}, rollback.Config{Players: []int{0, 1}})
	if err != nil {
		t.Fatal(err)
	}
	start := e.Frame()
	synced := start + 1
	buffered := []focus.QueuedInput{
		{Frame: start, Player: 1, Action: env.Action(`5`)},
		{Frame: start + 1, Player: 1, Action: env.Action(`5`)},
		{Frame: start + 2, Player: 1, Action: env.Action(`5`)},
	}
	advanced, err := focus.FastForward(e, 0, env.Action(`0`), buffered, &synced)
	if err != nil {
		t.Fatalf("FastForward: %v", err)
	}
	if advanced != 1 {
		t.Fatalf("advanced = %d, want 1 (clamped to synced termination frame %d)", advanced, synced)
	}
}

// ffSumEnv is a minimal deterministic Environment, matching rollback_test.go's
// sumEnv, used here only to exercise FastForward without importing rollback's
// internal test package.
type ffSumEnv struct{ total int }

func (s *ffSumEnv) Reset() (env.State, error) { s.total = 0; return s.marshal() }

func (s *ffSumEnv) Step(actions map[int]env.Action) (env.StepResult, error) {
	for _, a := range actions {
		var delta int
		if len(a) > 0 {
			_ = json.Unmarshal(a, &delta)
		}
		s.total += delta
	}
	st, err := s.marshal()
	return env.StepResult{State: st}, err
}

func (s *ffSumEnv) GetState() (env.State, error) { return s.marshal() }

func (s *ffSumEnv) SetState(st env.State) error {
	var decoded struct {
		Total int `json:"total"`
	}
	if err := json.Unmarshal(st, &decoded); err != nil {
		return err
	}
	s.total = decoded.Total
	return nil
}

func (s *ffSumEnv) Render() (any, error) { return s.total, nil }

func (s *ffSumEnv) marshal() (env.State, error) {
	return json.Marshal(struct {
		Total int `json:"total"`
	}{Total: s.total})
}
