package bot_test

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/chasemcd/mug-engine/internal/bot"
	"github.com/chasemcd/mug-engine/internal/env"
)

func TestIdlePolicyAlwaysReturnsConfiguredAction(t *testing.T) {
	idle := env.Action(`{"move":"none"}`)
	policy := bot.IdlePolicy{Action: idle}

	got, err := policy.Select(env.State(`{"anything":1}`))
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if string(got) != string(idle) {
		t.Fatalf("action = %s, want %s", got, idle)
	}
}

func TestRunnerSubmitsActionsEveryTick(t *testing.T) {
	var submitted int32
	idle := env.Action(`{"move":"none"}`)

	runner := bot.NewRunner(1, bot.IdlePolicy{Action: idle}, 5*time.Millisecond,
		func() (env.State, error) { return env.State(`{}`), nil },
		func(player int, action env.Action) error {
			if player != 1 {
				t.Errorf("unexpected player id %d", player)
			}
			var decoded map[string]string
			if err := json.Unmarshal(action, &decoded); err != nil {
				t.Errorf("decode action: %v", err)
			}
			atomic.AddInt32(&submitted, 1)
			return nil
		},
	)

	ctx, cancel := context.WithTimeout(context.Background(), 55*time.Millisecond)
	defer cancel()
	runner.Run(ctx)

	if got := atomic.LoadInt32(&submitted); got < 5 {
		t.Fatalf("expected at least 5 submitted actions over 55ms at a 5ms tick, got %d", got)
	}
}
