package focus

import (
	"log/slog"
	"sync"
	"time"
)

// defaultReconnectWindow is used when the session's configured window is
// unset (§6 "multiplayer.reconnection_timeout_ms: ... default 5000").
const defaultReconnectWindow = 5 * time.Second

// ReconnectTimer tracks one disconnected player's grace window. On expiry
// the session is expected to terminate with the player's slot permanently
// dropped (§4.7.4); a reconnection within the window cancels the timer.
type ReconnectTimer struct {
	mu       sync.Mutex
	timer    *time.Timer
	window   time.Duration
	onExpire func(playerID int)
}

// NewReconnectTimer constructs a ReconnectTimer. window <= 0 uses
// defaultReconnectWindow.
func NewReconnectTimer(window time.Duration, onExpire func(playerID int)) *ReconnectTimer {
	if window <= 0 {
		window = defaultReconnectWindow
	}
	return &ReconnectTimer{window: window, onExpire: onExpire}
}

// Start begins the grace window for playerID. Starting again while already
// running resets the deadline (a second disconnect signal for the same
// player, e.g. a flapping connection).
func (r *ReconnectTimer) Start(playerID int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.timer != nil {
		r.timer.Stop()
	}
	r.timer = time.AfterFunc(r.window, func() {
		slog.Info("focus: reconnection window expired", "player_id", playerID, "window", r.window)
		if r.onExpire != nil {
			r.onExpire(playerID)
		}
	})
}

// Cancel stops the grace window, used when the player reconnects in time.
func (r *ReconnectTimer) Cancel() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
}
