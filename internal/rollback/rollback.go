// Package rollback implements the GGPO-style rollback game engine (C5): a
// per-session deterministic simulation driven by speculative and confirmed
// player inputs, with misprediction detection and a single-batch rollback
// replay (§4.5).
//
// There is no literal rollback netcode anywhere in the teacher repo, so this
// package is grounded on the closest idiom the teacher uses for "keep a
// short window of recent state and resynthesize forward when a late signal
// arrives": the dgramCache/sendHealth ring-buffer-plus-replay pattern in the
// teacher's client.go (cache recent unreliable datagrams, detect gaps,
// recover by replaying from the cache) generalized from datagram recovery to
// whole-simulation-state recovery, and on recording.go's bounded in-memory
// buffer with periodic flush, generalized here to confirmed-bounded
// pruning of old frames instead of a periodic disk flush.
package rollback

import (
	"bytes"
	"fmt"
	"log/slog"
	"sync"

	"github.com/chasemcd/mug-engine/internal/env"
)

// FrameRecord is one frame's full simulation output (§3 "Frame record"):
// the action resolved for each player (actual or predicted), the
// environment's per-player reward/terminated/truncated/info, and the
// per-player focus state at the moment the frame was simulated. A record
// for a frame still above confirmedFrame is speculative and may be
// overwritten by rollbackLocked; once a frame falls at or below
// confirmedFrame its record is final (§4.5.4).
type FrameRecord struct {
	Frame      int64
	Actions    map[int]env.Action
	Rewards    map[int]float64
	Terminated map[int]bool
	Truncated  map[int]bool
	Info       map[int]map[string]any
	Focused    map[int]bool
}

// ErrDesync is returned by ReceivePeerHash when a peer's reported confirmed
// hash disagrees with the local hash for the same frame (§4.5.5).
type ErrDesync struct {
	Frame     int64
	LocalHash string
	PeerHash  string
}

func (e *ErrDesync) Error() string {
	return fmt.Sprintf("rollback: desync at frame %d (local=%s peer=%s)", e.Frame, e.LocalHash, e.PeerHash)
}

// defaultMaxRollbackFrames bounds how far back a correction can reach and
// how much snapshot/input history is retained once frames are confirmed
// (§4.5.4 "confirmed-bounded pruning").
const defaultMaxRollbackFrames = 120

// Engine drives one session's simulation. Not safe for concurrent calls;
// the owning session supervisor serializes access per session, exactly as
// the teacher serializes per-room state under room.go's single mutation
// path.
type Engine struct {
	mu sync.Mutex

	environment env.Environment
	players     []int
	maxWindow   int

	frame          int64 // next frame to simulate
	confirmedFrame int64 // highest frame with confirmed input from every player

	inputs          map[int]map[int64]env.Action // player -> frame -> actual submitted action
	lastKnownInput  map[int]env.Action            // fallback prediction source per player
	predictedFrames map[int64]bool                // frame -> was any input at that frame predicted
	resolved        map[int]map[int64]env.Action  // player -> frame -> action actually used during simulation (actual or predicted)

	snapshots map[int64]env.State      // frame -> state immediately after simulating it; key -1 is the pre-episode reset state
	records   map[int64]FrameRecord // frame -> full simulation output for that frame

	hashes      map[int64]string // confirmedFrame -> local hash, once computed
	onStateHash func(frame int64, hash string)
	onRollback  func(from, to int64)
	focusAt     func() map[int]bool
}

// Config configures engine construction.
type Config struct {
	Players           []int
	MaxRollbackFrames int // 0 uses defaultMaxRollbackFrames
	OnStateHash       func(frame int64, hash string)

	// OnRollback fires whenever a misprediction forces a replay, reporting
	// the inclusive frame range re-simulated (§4.5.4). Callers use this to
	// feed the admin aggregator's rollback-events counter (§4.8).
	OnRollback func(from, to int64)

	// FocusAt, if set, is sampled once per simulated frame to stamp that
	// frame's per-player focused flag (§4.7.5, P3). Nil means every frame
	// records no focus data (the caller doesn't track focus, e.g. tests).
	FocusAt func() map[int]bool
}

// New resets environment for a fresh episode and returns an Engine ready to
// simulate from frame 0.
func New(environment env.Environment, cfg Config) (*Engine, error) {
	initial, err := environment.Reset()
	if err != nil {
		return nil, fmt.Errorf("rollback: reset: %w", err)
	}
	window := cfg.MaxRollbackFrames
	if window <= 0 {
		window = defaultMaxRollbackFrames
	}
	e := &Engine{
		environment:     environment,
		players:         append([]int(nil), cfg.Players...),
		maxWindow:       window,
		confirmedFrame:  -1,
		inputs:          make(map[int]map[int64]env.Action),
		lastKnownInput:  make(map[int]env.Action),
		predictedFrames: make(map[int64]bool),
		resolved:        make(map[int]map[int64]env.Action),
		snapshots:       map[int64]env.State{-1: initial},
		records:         make(map[int64]FrameRecord),
		hashes:          make(map[int64]string),
		onStateHash:     cfg.OnStateHash,
		onRollback:      cfg.OnRollback,
		focusAt:         cfg.FocusAt,
	}
	for _, p := range e.players {
		e.inputs[p] = make(map[int64]env.Action)
		e.resolved[p] = make(map[int64]env.Action)
	}
	return e, nil
}

// Frame returns the next frame number to be simulated (the simulation
// frontier).
func (e *Engine) Frame() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.frame
}

// ConfirmedFrame returns the highest frame for which every player's actual
// input is known.
func (e *Engine) ConfirmedFrame() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.confirmedFrame
}

// Advance simulates exactly one frame at the current frontier using
// whichever inputs are available — actual where submitted, predicted
// (repeat-last) otherwise — and returns the resulting state (§4.5.2 "per
// frame pipeline").
func (e *Engine) Advance() (env.State, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stepLocked(e.frame)
}

// stepLocked simulates frame f, which must equal e.frame, records its
// snapshot, advances the frontier, and returns the new state. Caller must
// hold e.mu.
func (e *Engine) stepLocked(f int64) (env.State, error) {
	actions, predicted := e.resolveFrameActionsLocked(f)
	result, err := e.environment.Step(actions)
	if err != nil {
		return nil, fmt.Errorf("rollback: step frame %d: %w", f, err)
	}
	e.snapshots[f] = result.State
	e.predictedFrames[f] = predicted

	var focused map[int]bool
	if e.focusAt != nil {
		focused = e.focusAt()
	}
	e.records[f] = FrameRecord{
		Frame:      f,
		Actions:    actions,
		Rewards:    result.Reward,
		Terminated: result.Terminated,
		Truncated:  result.Truncated,
		Info:       result.Info,
		Focused:    focused,
	}

	e.frame = f + 1
	return result.State, nil
}

// resolveFrameActionsLocked returns the action each player performs at
// frame f: their actual submitted action if known, otherwise the repeat of
// their last known action (GGPO-style input prediction). Returns whether
// any player's action had to be predicted.
func (e *Engine) resolveFrameActionsLocked(f int64) (map[int]env.Action, bool) {
	actions := make(map[int]env.Action, len(e.players))
	predicted := false
	for _, p := range e.players {
		if a, ok := e.inputs[p][f]; ok {
			actions[p] = a
			e.lastKnownInput[p] = a
			e.resolved[p][f] = a
			continue
		}
		predicted = true
		actions[p] = e.lastKnownInput[p]
		e.resolved[p][f] = e.lastKnownInput[p]
	}
	return actions, predicted
}

// SubmitInput records player's actual action for frame, which may be at,
// before, or after the simulation frontier. A late-arriving input for a
// frame already simulated with a prediction triggers a rollback only if the
// actual action differs from what was predicted (§4.5.3 "misprediction
// detection").
func (e *Engine) SubmitInput(player int, frame int64, action env.Action) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, tracked := e.inputs[player]; !tracked {
		return fmt.Errorf("rollback: unknown player %d", player)
	}
	if frame <= e.confirmedFrame {
		// Already confirmed and pruned past; a duplicate or stale resend,
		// never a correction.
		return nil
	}

	var previouslyResolved env.Action
	var wasSimulated bool
	if frame < e.frame {
		previouslyResolved, wasSimulated = e.resolved[player][frame]
	}

	e.inputs[player][frame] = action

	var err error
	switch {
	case !wasSimulated:
		// Frame hasn't been simulated yet; the input will be picked up by
		// the ordinary Advance() pipeline, no rollback needed.
	case bytes.Equal(previouslyResolved, action):
		// Predicted (or previously submitted) correctly; nothing to redo.
	default:
		// Rollback must happen before confirmed-frame advancement below, so
		// that a newly-confirmed frame's hash reflects the corrected state
		// rather than the stale mispredicted one.
		err = e.rollbackLocked(frame)
	}

	e.advanceConfirmedLocked()
	e.pruneLocked()
	return err
}

// rollbackLocked restores the state immediately before `from` and
// re-simulates every frame from `from` up to (not including) the current
// frontier in one synchronous batch (§4.5.4).
func (e *Engine) rollbackLocked(from int64) error {
	restoreState, ok := e.snapshots[from-1]
	if !ok {
		return fmt.Errorf("rollback: no snapshot to restore at frame %d (window exceeded)", from-1)
	}
	if err := e.environment.SetState(restoreState); err != nil {
		return fmt.Errorf("rollback: restore frame %d: %w", from-1, err)
	}

	frontier := e.frame
	e.frame = from
	slog.Debug("rollback: replaying", "from", from, "to", frontier-1)
	for f := from; f < frontier; f++ {
		if _, err := e.stepLocked(f); err != nil {
			return err
		}
	}
	if e.onRollback != nil {
		e.onRollback(from, frontier-1)
	}
	return nil
}

// advanceConfirmedLocked extends confirmedFrame as far as every tracked
// player has an actual (non-predicted) input contiguously recorded.
func (e *Engine) advanceConfirmedLocked() {
	for {
		next := e.confirmedFrame + 1
		for _, p := range e.players {
			if _, ok := e.inputs[p][next]; !ok {
				return
			}
		}
		e.confirmedFrame = next
		if e.confirmedFrame < e.frame {
			if hash, err := HashState(e.snapshots[e.confirmedFrame]); err == nil {
				e.hashes[e.confirmedFrame] = hash
				if e.onStateHash != nil {
					e.onStateHash(e.confirmedFrame, hash)
				}
			}
		}
	}
}

// pruneLocked drops input and snapshot history older than the rollback
// window behind confirmedFrame (§4.5.4 "confirmed-bounded pruning"); frames
// that far back can never be rolled back into again.
func (e *Engine) pruneLocked() {
	cutoff := e.confirmedFrame - int64(e.maxWindow)
	if cutoff <= 0 {
		return
	}
	for f := range e.snapshots {
		if f < cutoff {
			delete(e.snapshots, f)
		}
	}
	for _, p := range e.players {
		for f := range e.inputs[p] {
			if f < cutoff {
				delete(e.inputs[p], f)
			}
		}
		for f := range e.resolved[p] {
			if f < cutoff {
				delete(e.resolved[p], f)
			}
		}
	}
	for f := range e.predictedFrames {
		if f < cutoff {
			delete(e.predictedFrames, f)
		}
	}
	for f := range e.hashes {
		if f < cutoff {
			delete(e.hashes, f)
		}
	}
	for f := range e.records {
		if f < cutoff {
			delete(e.records, f)
		}
	}
}

// LocalHash returns the locally computed hash for a confirmed frame, if one
// has been computed.
func (e *Engine) LocalHash(frame int64) (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	h, ok := e.hashes[frame]
	return h, ok
}

// ReceivePeerHash compares a peer-reported confirmed-frame hash against the
// local value, returning ErrDesync on mismatch. A frame whose local hash
// isn't known yet (peer is ahead) is not an error — the caller is expected
// to retry once the local side confirms that frame.
func (e *Engine) ReceivePeerHash(frame int64, peerHash string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	local, ok := e.hashes[frame]
	if !ok {
		return nil
	}
	if local != peerHash {
		return &ErrDesync{Frame: frame, LocalHash: local, PeerHash: peerHash}
	}
	return nil
}

// CurrentState returns the most recently simulated state snapshot.
func (e *Engine) CurrentState() (env.State, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.snapshots[e.frame-1]
	return s, ok
}

// ConfirmedSince returns every confirmed frame's record strictly after
// `after`, in frame order, for a caller (the server-authoritative tick
// loop) to export (§4.1, §4.6.1). A frame whose record was pruned before
// the caller collected it is silently skipped rather than erroring — that
// can only happen if the caller falls maxWindow frames behind, which would
// already be fatal to the session for other reasons.
func (e *Engine) ConfirmedSince(after int64) []FrameRecord {
	e.mu.Lock()
	defer e.mu.Unlock()
	if after >= e.confirmedFrame {
		return nil
	}
	out := make([]FrameRecord, 0, e.confirmedFrame-after)
	for f := after + 1; f <= e.confirmedFrame; f++ {
		if r, ok := e.records[f]; ok {
			out = append(out, r)
		}
	}
	return out
}

// ForcePromoteTo force-confirms every frame up to (not including) until
// that hasn't already been confirmed, treating any player's still-missing
// input as permanently predicted rather than waiting for it further
// (§4.6.2, P10 "boundary force-promote"). A frame not yet simulated can't
// be force-confirmed and stops promotion early. Returns how many frames
// were force-promoted.
func (e *Engine) ForcePromoteTo(until int64) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	promoted := 0
	for e.confirmedFrame+1 < until {
		next := e.confirmedFrame + 1
		if next >= e.frame {
			break
		}
		e.confirmedFrame = next
		promoted++
		if hash, err := HashState(e.snapshots[next]); err == nil {
			e.hashes[next] = hash
			if e.onStateHash != nil {
				e.onStateHash(next, hash)
			}
		}
	}
	e.pruneLocked()
	return promoted, nil
}
