package env

import (
	"encoding/json"
	"fmt"
)

// echoState is the serialized form of echoEnvironment's internal state.
type echoState struct {
	Frame   int64           `json:"frame"`
	Actions map[int]Action `json:"last_actions"`
}

// echoEnvironment is a trivial deterministic Environment: each step it
// records whatever actions it was given and increments a frame counter,
// never terminating on its own. It exists so the engine has something to
// drive end to end when no external simulator is registered for a scene —
// the real environment simulator is an external collaborator (§6) supplied
// by the caller, not something this package implements.
type echoEnvironment struct {
	frame   int64
	actions map[int]Action
}

// NewEcho constructs the reference Environment used for scenes with no
// registered external simulator.
func NewEcho() Environment {
	return &echoEnvironment{actions: make(map[int]Action)}
}

func (e *echoEnvironment) Reset() (State, error) {
	e.frame = 0
	e.actions = make(map[int]Action)
	return e.marshal()
}

func (e *echoEnvironment) Step(actions map[int]Action) (StepResult, error) {
	e.frame++
	e.actions = actions
	st, err := e.marshal()
	if err != nil {
		return StepResult{}, err
	}
	reward := make(map[int]float64, len(actions))
	terminated := make(map[int]bool, len(actions))
	truncated := make(map[int]bool, len(actions))
	for p := range actions {
		reward[p] = 0
		terminated[p] = false
		truncated[p] = false
	}
	return StepResult{State: st, Reward: reward, Terminated: terminated, Truncated: truncated}, nil
}

func (e *echoEnvironment) GetState() (State, error) {
	return e.marshal()
}

func (e *echoEnvironment) SetState(s State) error {
	var st echoState
	if err := json.Unmarshal(s, &st); err != nil {
		return fmt.Errorf("env: echo set_state: %w", err)
	}
	e.frame = st.Frame
	e.actions = st.Actions
	return nil
}

func (e *echoEnvironment) Render() (any, error) {
	return e.actions, nil
}

func (e *echoEnvironment) marshal() (State, error) {
	return json.Marshal(echoState{Frame: e.frame, Actions: e.actions})
}
