// Package episodesync implements the episode-sync protocol (C6): peers
// agree on the exact termination frame of an episode before either emits
// export data or starts the next one, and a per-round health check gates
// every new episode on a usable P2P connection (§4.6).
//
// Grounded on the teacher's two-phase handshake idiom in server/room.go
// (both sides declare a value, the room only proceeds once it has heard
// from every member) generalized from room-membership agreement to
// frame-number agreement, and on client.go's poll-with-deadline shape for
// the per-round health check.
package episodesync

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Phase is the episode-sync state machine (§3 "Episode-sync state").
type Phase string

const (
	PhaseRunning        Phase = "running"
	PhaseNegotiatingEnd Phase = "negotiating_end"
	PhaseResetting      Phase = "resetting"
)

// healthCheckDeadline and healthCheckPoll bound the per-round health check
// (§4.6: "Wait up to 10 seconds, polling at 100 ms").
const (
	healthCheckDeadline = 10 * time.Second
	healthCheckPoll     = 100 * time.Millisecond
)

// ErrTerminalConnection is returned when the per-round health check
// observes a terminal (failed/closed) connection state instead of
// converging on usable.
var ErrTerminalConnection = fmt.Errorf("episodesync: peer connection reached a terminal state")

// ErrHealthCheckTimeout is returned when the connection never became usable
// within healthCheckDeadline.
var ErrHealthCheckTimeout = fmt.Errorf("episodesync: per-round health check timed out")

// PromoteFunc force-promotes every speculative frame below `until` into the
// confirmed buffer with a warning (§4.6.2, P10), returning how many frames
// were promoted. Supplied by the rollback engine's owner (the session),
// since episodesync itself doesn't hold frame data.
type PromoteFunc func(until int64) (promoted int, err error)

// State tracks one session's episode-sync negotiation across its two
// peers, identified by an opaque peer key (the participant subject).
type State struct {
	mu sync.Mutex

	phase Phase

	localEnd       map[string]int64 // peer -> declared local_episode_end_frame
	syncedTerminal *int64           // max(localEnd) once both have declared

	partnerFocused bool
}

// New returns a State in PhaseRunning with no declarations yet.
func New() *State {
	return &State{phase: PhaseRunning, localEnd: make(map[string]int64)}
}

// Phase returns the current sync phase.
func (s *State) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// SyncedTerminationFrame returns the agreed termination frame, if both
// peers have declared.
func (s *State) SyncedTerminationFrame() (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.syncedTerminal == nil {
		return 0, false
	}
	return *s.syncedTerminal, true
}

// DeclareLocalEnd records peer's local episode-end frame (§4.6 step 1). Once
// every expected peer (exactly two, per this spec's fixed group size) has
// declared, the synced termination frame is fixed at the max of the two
// declarations and true is returned.
func (s *State) DeclareLocalEnd(peer string, frame int64, expectedPeers []string) (synced int64, ready bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.phase == PhaseRunning {
		s.phase = PhaseNegotiatingEnd
	}
	s.localEnd[peer] = frame

	for _, p := range expectedPeers {
		if _, ok := s.localEnd[p]; !ok {
			return 0, false
		}
	}

	max := int64(0)
	first := true
	for _, f := range s.localEnd {
		if first || f > max {
			max = f
			first = false
		}
	}
	s.syncedTerminal = &max
	slog.Info("episodesync: termination frame agreed", "synced_termination_frame", max)
	return max, true
}

// ForcePromoteAndReset force-promotes any remaining speculative frames up to
// the agreed termination frame (§4.6.2, P10), then clears sync state for the
// next episode. Must only be called once SyncedTerminationFrame is ready.
func (s *State) ForcePromoteAndReset(promote PromoteFunc) (promoted int, err error) {
	s.mu.Lock()
	synced := s.syncedTerminal
	s.phase = PhaseResetting
	s.mu.Unlock()

	if synced == nil {
		return 0, fmt.Errorf("episodesync: force-promote called before termination frame agreed")
	}

	if promote != nil {
		promoted, err = promote(*synced)
		if err != nil {
			return promoted, fmt.Errorf("episodesync: force-promote: %w", err)
		}
		if promoted > 0 {
			slog.Warn("episodesync: force-promoted unconfirmed frames at episode boundary", "count", promoted, "synced_termination_frame", *synced)
		}
	}

	s.mu.Lock()
	s.localEnd = make(map[string]int64)
	s.syncedTerminal = nil
	s.partnerFocused = false
	s.phase = PhaseRunning
	s.mu.Unlock()
	return promoted, nil
}

// SetPartnerFocused records whether the partner's tab is currently focused,
// used by the focus subsystem to decide fast-forward behavior.
func (s *State) SetPartnerFocused(focused bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.partnerFocused = focused
}

// PartnerFocused reports the last-known partner focus state.
func (s *State) PartnerFocused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.partnerFocused
}

// ConnCheck reports the current P2P connection's usability for the
// per-round health check: whether ICE is connected/completed, whether the
// data channel is open, and whether the connection is in a terminal
// (failed/closed) state.
type ConnCheck func() (iceUsable, dataChannelOpen, terminal bool)

// AwaitUsableConnection blocks until check reports a usable P2P connection
// (ICE connected/completed AND data channel open), a terminal state, or the
// 10-second deadline, polling at 100 ms (§4.6 "Per-round health check").
func AwaitUsableConnection(ctx context.Context, check ConnCheck) error {
	ctx, cancel := context.WithTimeout(ctx, healthCheckDeadline)
	defer cancel()

	ticker := time.NewTicker(healthCheckPoll)
	defer ticker.Stop()

	for {
		ice, dc, terminal := check()
		if terminal {
			return ErrTerminalConnection
		}
		if ice && dc {
			return nil
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ErrHealthCheckTimeout
		}
	}
}
