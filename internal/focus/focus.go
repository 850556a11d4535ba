// Package focus implements the focus/reconnection subsystem (C7): per-player
// focus tracking for the per-frame focused flag, bounded background
// absence, and partner-disconnect handling (§4.7).
//
// The bounded-timeout idioms here (start a timer on loss, cancel on
// recovery, fire a callback on expiry) follow the teacher's disconnect/
// health-check timers in server/client.go and server/room.go, generalized
// from "connection health" to "tab focus and peer presence."
package focus

import (
	"log/slog"
	"sync"
	"time"
)

// defaultFocusLossTimeout is the default bounded-absence deadline (§4.7.3).
const defaultFocusLossTimeout = 30 * time.Second

// TerminationReason values surfaced on a session export's status block
// (§4.1 "Persisted state").
const (
	ReasonFocusLossTimeout = "focus_loss_timeout"
	ReasonPartnerDisconnect = "partner_disconnect_timeout"
)

// Tracker maintains the per-player focus state used to populate every
// stored frame's focused column (§4.7.5), and the bounded-absence timer
// that ends a session if a player stays backgrounded too long (§4.7.3).
type Tracker struct {
	mu sync.Mutex

	focused         map[int]bool
	backgroundTimer map[int]*time.Timer
	timeout         time.Duration
	disabled        bool
	onTimeout       func(playerID int, reason string)
}

// NewTracker constructs a Tracker. timeout < 0 uses defaultFocusLossTimeout;
// timeout == 0 disables the bounded-absence timer entirely (§6
// "focus_loss_timeout_ms: ... 0 disables"), so a backgrounded player never
// triggers onTimeout. onTimeout fires (at most once per loss) when a player
// has remained backgrounded past the timeout.
func NewTracker(timeout time.Duration, onTimeout func(playerID int, reason string)) *Tracker {
	disabled := timeout == 0
	if timeout < 0 {
		timeout = defaultFocusLossTimeout
	}
	return &Tracker{
		focused:         make(map[int]bool),
		backgroundTimer: make(map[int]*time.Timer),
		timeout:         timeout,
		disabled:        disabled,
		onTimeout:       onTimeout,
	}
}

// SetFocused records playerID's focus transition. Losing focus starts the
// bounded-absence timer; regaining focus cancels it.
func (t *Tracker) SetFocused(playerID int, focused bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	was, tracked := t.focused[playerID]
	t.focused[playerID] = focused
	if tracked && was == focused {
		return
	}

	if focused {
		if timer, ok := t.backgroundTimer[playerID]; ok {
			timer.Stop()
			delete(t.backgroundTimer, playerID)
		}
		return
	}

	if t.disabled {
		return
	}

	timer := time.AfterFunc(t.timeout, func() {
		slog.Warn("focus: player exceeded bounded background absence", "player_id", playerID, "timeout", t.timeout)
		if t.onTimeout != nil {
			t.onTimeout(playerID, ReasonFocusLossTimeout)
		}
	})
	t.backgroundTimer[playerID] = timer
}

// IsFocused reports the last-known focus state for playerID (defaults to
// true — a player not yet heard from is assumed focused).
func (t *Tracker) IsFocused(playerID int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	v, ok := t.focused[playerID]
	if !ok {
		return true
	}
	return v
}

// Snapshot returns every tracked player's current focus state, for stamping
// a frame record's per-player focused flags (§4.7.5).
func (t *Tracker) Snapshot() map[int]bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[int]bool, len(t.focused))
	for k, v := range t.focused {
		out[k] = v
	}
	return out
}

// Stop cancels every outstanding background timer, for session teardown.
func (t *Tracker) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, timer := range t.backgroundTimer {
		timer.Stop()
	}
	t.backgroundTimer = make(map[int]*time.Timer)
}
