// Package env defines the Environment collaborator interface (§6): the
// rollback engine is generic over whatever simulation backs a scene, and
// only needs reset/step/get_state/set_state/render to drive it.
//
// The interface shape follows the teacher's internal/core abstraction style
// (small, value-returning interfaces with no lifecycle methods beyond the
// operations actually needed by callers) rather than a wide game-engine
// interface; the browser-side renderer and the physics/simulation body
// itself are the explicit external non-goal, so this package only carries
// the seam and an in-memory reference implementation (NewEcho) for scenes
// with no external simulator.
package env

import "encoding/json"

// State is an opaque, serializable simulation snapshot. Concrete
// environments marshal/unmarshal their own internal representation through
// this boundary so the rollback engine never needs to know its shape.
type State = json.RawMessage

// Action is one player's per-frame input, opaque to the engine.
type Action = json.RawMessage

// StepResult is what Step returns for one frame. Reward/Terminated/
// Truncated/Info are all keyed by player id (§6): the rollback engine
// (C5) needs per-player outcomes to populate a frame's export record, not
// just a single session-wide done flag.
type StepResult struct {
	State      State
	Reward     map[int]float64
	Terminated map[int]bool
	Truncated  map[int]bool
	Info       map[int]map[string]any
}

// Environment is the per-session simulation collaborator (§6). Every method
// must be a pure function of its inputs and the environment's own internal
// state — the rollback engine (C5) depends on Step/SetState being
// deterministic replay-safe, since misprediction recovery re-runs Step from
// a restored State for every rolled-back frame.
type Environment interface {
	// Reset (re)initializes the environment for a new episode and returns
	// the initial state.
	Reset() (State, error)

	// Step advances the simulation by one frame given every player's action
	// (indexed by player id).
	Step(actions map[int]Action) (StepResult, error)

	// GetState returns the current internal state for snapshotting.
	GetState() (State, error)

	// SetState restores a previously captured state, used by the rollback
	// procedure (§4.5.4) to rewind before replaying confirmed inputs.
	SetState(State) error

	// Render returns a server-authoritative render payload for
	// server_render_state broadcasts (§4.4 server-authoritative mode); may
	// be a no-op (nil, nil) for p2p-mode environments that render
	// client-side.
	Render() (any, error)
}

// Factory constructs a fresh Environment for a given scene name, so the
// session supervisor can remain agnostic to which simulations exist.
type Factory func(scene string) (Environment, error)
