// Package bot implements the minimal bot-player policy used in
// human-vs-bot sessions (§4.5.1 step 4: "for each bot, run its inference").
// Custom action-processing for bots is an explicit non-goal, so this package
// intentionally stops at a trivial, deterministic default policy rather than
// any learned or scripted behavior — a session wanting a smarter bot
// supplies its own Policy.
//
// Grounded on the teacher's testbot.go: a virtual participant that joins a
// session and feeds it input on a fixed tick, generalized from "stream a
// pre-recorded audio tone" to "submit an action every frame."
package bot

import (
	"context"
	"time"

	"github.com/chasemcd/mug-engine/internal/env"
)

// Policy selects an action for a bot player given the environment's last
// observation. Implementations must be safe to call from a single
// goroutine; Runner never calls Select concurrently with itself.
type Policy interface {
	Select(observation env.State) (env.Action, error)
}

// IdlePolicy always returns the same fixed action, e.g. a configured "no-op"
// input. It is the default policy: the simplest thing that satisfies the
// bot slot in the per-frame pipeline without any scene-specific logic.
type IdlePolicy struct {
	Action env.Action
}

// Select returns the configured idle action, ignoring the observation.
func (p IdlePolicy) Select(env.State) (env.Action, error) {
	return p.Action, nil
}

// Runner drives one bot player's Policy on a fixed tick, submitting actions
// through SubmitAction (typically a rollback.Engine's SubmitInput bound to
// the bot's player id).
type Runner struct {
	player       int
	policy       Policy
	tick         time.Duration
	submitAction func(player int, action env.Action) error
	observe      func() (env.State, error)
}

// NewRunner constructs a Runner. tick <= 0 defaults to 16ms (~60Hz), matching
// the per-frame pipeline's cadence.
func NewRunner(player int, policy Policy, tick time.Duration, observe func() (env.State, error), submitAction func(player int, action env.Action) error) *Runner {
	if tick <= 0 {
		tick = 16 * time.Millisecond
	}
	return &Runner{player: player, policy: policy, tick: tick, submitAction: submitAction, observe: observe}
}

// Run feeds the bot's policy output into submitAction every tick until ctx
// is canceled. An observe, Select or submitAction error is non-fatal: Run
// discards it and waits for the next tick, so a single bad frame never tears
// down the session.
func (r *Runner) Run(ctx context.Context) {
	ticker := time.NewTicker(r.tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		obs, err := r.observe()
		if err != nil {
			continue
		}
		action, err := r.policy.Select(obs)
		if err != nil {
			continue
		}
		_ = r.submitAction(r.player, action)
	}
}
