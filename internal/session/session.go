// Package session implements the session supervisor (C4): it owns the
// lifetime of a game session from match-formed to terminated, creating the
// rollback engine (or driving the server-authoritative tick) and performing
// the single teardown path (§4.4).
//
// Grounded on the teacher's lifecycle ownership pattern in server/api.go
// (one struct owns a resource from creation to an explicit Close/teardown)
// and on recording.go's auto-stop-via-callback shape, generalized here to
// game-end/exclusion/disconnect-timeout all funneling into one Teardown.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Mode is the session's runtime mode (§4.4).
type Mode string

const (
	ModeP2P               Mode = "p2p"
	ModeServerAuthoritative Mode = "server_authoritative"
)

// Status is the session's coarse lifecycle state (§3 "Game session").
type Status string

const (
	StatusActive     Status = "active"
	StatusResetting  Status = "resetting"
	StatusTerminated Status = "terminated"
)

// countdownDuration is the match-found countdown before a multiplayer
// session starts (§4.4: "sleeps 3 seconds off the critical path").
const countdownDuration = 3 * time.Second

// Player identifies one seat in a session: a human subject or a bot.
type Player struct {
	ID      int
	Subject string // empty for bots
	IsBot   bool
}

// Hooks lets the supervisor notify the rest of the engine without importing
// it directly (registry/transport/admin all live in separate packages to
// avoid import cycles).
type Hooks struct {
	BroadcastCountdown func(sessionID string)
	BroadcastStart     func(sessionID string)
	OnTeardown         func(sessionID string, reason string)
}

// Session is one game session (§3 "Game session"). Exclusively owned by the
// supervisor; other components (admin aggregator) only read copy-on-snapshot
// state via Snapshot().
type Session struct {
	ID      string
	Players []Player
	Scene   string
	Mode    Mode

	mu          sync.Mutex
	status      Status
	terminateAt time.Time

	hooks  Hooks
	cancel context.CancelFunc

	// Engine is set by the caller once the rollback engine (or
	// server-authoritative loop) has been constructed for this session; kept
	// as `any` here to avoid internal/session depending on internal/rollback,
	// which would otherwise own the session in the other direction.
	Engine any
}

// Supervisor creates and tears down sessions (C4).
type Supervisor struct {
	mu       sync.Mutex
	sessions map[string]*Session
	hooks    Hooks
}

// NewSupervisor constructs an empty supervisor.
func NewSupervisor(hooks Hooks) *Supervisor {
	return &Supervisor{sessions: make(map[string]*Session), hooks: hooks}
}

// Create builds a new session from an ordered player list and starts the
// match-found countdown (skipped for single-player sessions). Returns
// immediately; BroadcastStart fires asynchronously once the countdown
// elapses.
func (s *Supervisor) Create(ctx context.Context, scene string, mode Mode, players []Player) *Session {
	id := uuid.NewString()
	sessCtx, cancel := context.WithCancel(ctx)
	sess := &Session{
		ID:      id,
		Players: players,
		Scene:   scene,
		Mode:    mode,
		status:  StatusActive,
		hooks:   s.hooks,
		cancel:  cancel,
	}

	s.mu.Lock()
	s.sessions[id] = sess
	s.mu.Unlock()

	slog.Info("session: created", "session_id", id, "scene", scene, "mode", mode, "players", len(players))

	if len(players) <= 1 {
		if s.hooks.BroadcastStart != nil {
			s.hooks.BroadcastStart(id)
		}
		return sess
	}

	if s.hooks.BroadcastCountdown != nil {
		s.hooks.BroadcastCountdown(id)
	}
	// The countdown sleeps off the critical path (§4.4): a scheduled task,
	// not a blocking wait inside Create.
	go func() {
		select {
		case <-time.After(countdownDuration):
			if s.hooks.BroadcastStart != nil {
				s.hooks.BroadcastStart(id)
			}
		case <-sessCtx.Done():
		}
	}()

	return sess
}

// Get returns the session by id, or false if it doesn't exist or has
// already been torn down.
func (s *Supervisor) Get(id string) (*Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	return sess, ok
}

// Status returns the session's current coarse status.
func (sess *Session) Status() Status {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.status
}

// SetResetting marks the session as between episodes (§4.6 phase
// "resetting").
func (sess *Session) SetResetting() {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.status == StatusActive {
		sess.status = StatusResetting
	}
}

// SetActive marks the session active again after a reset completes.
func (sess *Session) SetActive() {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.status == StatusResetting {
		sess.status = StatusActive
	}
}

// Teardown is the single path for ending a session, whatever the trigger
// (game end, exclusion, disconnect timeout). It is idempotent: a second call
// performs no cleanup and returns an error, preventing duplicate cleanup
// (§4.4 "Single teardown path").
func (s *Supervisor) Teardown(sessionID, reason string) error {
	s.mu.Lock()
	sess, ok := s.sessions[sessionID]
	if ok {
		delete(s.sessions, sessionID)
	}
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("session: %q already torn down", sessionID)
	}

	sess.mu.Lock()
	already := sess.status == StatusTerminated
	sess.status = StatusTerminated
	sess.mu.Unlock()
	if already {
		return nil
	}

	sess.cancel()
	slog.Info("session: torn down", "session_id", sessionID, "reason", reason)
	if s.hooks.OnTeardown != nil {
		s.hooks.OnTeardown(sessionID, reason)
	}
	return nil
}

// Snapshot returns the ids of all currently-tracked sessions, for the admin
// aggregator's copy-on-snapshot reads (§4.8, §5 "cross-session admin reads
// use copy-on-snapshot").
func (s *Supervisor) Snapshot() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		out = append(out, id)
	}
	return out
}

// HumanPlayers returns the subset of Players that are human (subject != "").
func (sess *Session) HumanPlayers() []Player {
	var out []Player
	for _, p := range sess.Players {
		if !p.IsBot {
			out = append(out, p)
		}
	}
	return out
}
