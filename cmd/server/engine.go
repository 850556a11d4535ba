// Engine wires every internal/ component into the message-handling surface
// the browser actually talks to: join_game through mid-session exclusion and
// reconnection, plus the server-authoritative tick loop that drives
// internal/rollback directly. Grounded on the teacher's server.go/room.go
// split between connection plumbing (main.go) and room/game logic (this
// file).
package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/chasemcd/mug-engine/internal/admin"
	"github.com/chasemcd/mug-engine/internal/bot"
	"github.com/chasemcd/mug-engine/internal/config"
	"github.com/chasemcd/mug-engine/internal/env"
	"github.com/chasemcd/mug-engine/internal/episodesync"
	"github.com/chasemcd/mug-engine/internal/export"
	"github.com/chasemcd/mug-engine/internal/focus"
	"github.com/chasemcd/mug-engine/internal/matchmaker"
	"github.com/chasemcd/mug-engine/internal/protocol"
	"github.com/chasemcd/mug-engine/internal/registry"
	"github.com/chasemcd/mug-engine/internal/rollback"
	"github.com/chasemcd/mug-engine/internal/session"
	"github.com/chasemcd/mug-engine/internal/store"
	"github.com/chasemcd/mug-engine/internal/transport"
)

// continuousCallbackInterval is how often (in simulated frames) the
// mid-game eligibility callback runs for a server-authoritative session
// (§4.2); at the ~60Hz tick rate this is roughly once a second.
const continuousCallbackInterval = 60

// tickInterval is the server-authoritative simulation rate (~60Hz, matching
// the bot runner's default cadence).
const tickInterval = 16 * time.Millisecond

// botPlayerID is the fixed seat given to the bot in a human-vs-bot
// server-authoritative session; this engine only ever pairs one human with
// one bot, so a single constant is enough.
const botPlayerID = 1
const humanPlayerID = 0

// runtime holds everything a live session needs beyond the bookkeeping
// session.Session already tracks: the rollback engine (server-authoritative
// only), focus/reconnect timers, episode-sync state, and open export
// writers.
type runtime struct {
	sess *session.Session

	engine    *rollback.Engine // nil for p2p sessions: the browser runs its own
	envInst   env.Environment
	cancel    context.CancelFunc // stops the tick loop / bot runner
	episode   int

	playerSubject map[int]string // player id -> subject ("" for bots)
	subjectPlayer map[string]int

	focusTracker *focus.Tracker
	reconnect    map[int]*focus.ReconnectTimer
	sync         *episodesync.State

	backgroundQueue *focus.BackgroundQueue

	mu           sync.Mutex
	writers      map[string]*export.Writer // subject -> open writer for the current episode
	lastExported int64                     // highest confirmed frame already handed to a writer
	backgrounded bool                      // true while the local human's tab is backgrounded (server-authoritative only)
}

// isBackgrounded reports whether the session's tick loop should currently
// pause local simulation (§4.7.1).
func (rt *runtime) isBackgrounded() bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.backgrounded
}

func (rt *runtime) setBackgrounded(v bool) {
	rt.mu.Lock()
	rt.backgrounded = v
	rt.mu.Unlock()
}

// Engine is the root object wiring every internal/ package to hub message
// handlers and the session lifecycle.
type Engine struct {
	cfg      *config.Config
	hub      *transport.Hub
	datagram *transport.DatagramHub
	registry *registry.Registry
	store    *store.Store
	exports  *export.Store
	metrics  *admin.Metrics

	supervisor *session.Supervisor
	matchmaker *matchmaker.Matchmaker
	aggregator *admin.Aggregator

	envFactory env.Factory

	// entryCallback/continuousCallback are the user-supplied eligibility
	// hooks (§4.2, §6 "entry_callback"/"continuous_callback"). Resolving
	// the config's opaque callback name to a concrete implementation is an
	// external deployment's job (same as envFactory's scene resolution);
	// this engine always has a hook to call, defaulting to allow-all so the
	// callback path is genuinely exercised even with nothing configured.
	entryCallback      registry.EntryCallback
	continuousCallback registry.ContinuousCallback

	mu          sync.Mutex
	runtimes    map[string]*runtime         // session id -> runtime
	subjectConn map[string]transport.ConnID // subject -> live control-channel conn
	connSubject map[transport.ConnID]string // inverse of subjectConn
}

func newEngine(cfg *config.Config, hub *transport.Hub, datagramHub *transport.DatagramHub, reg *registry.Registry, st *store.Store, exports *export.Store, metrics *admin.Metrics) *Engine {
	return &Engine{
		cfg:                cfg,
		hub:                hub,
		datagram:           datagramHub,
		registry:           reg,
		store:              st,
		exports:            exports,
		metrics:            metrics,
		envFactory:         defaultEnvFactory(cfg),
		entryCallback:      registry.AllowAllEntry{},
		continuousCallback: registry.AllowAllContinuous{},
		runtimes:           make(map[string]*runtime),
		subjectConn:        make(map[string]transport.ConnID),
		connSubject:        make(map[transport.ConnID]string),
	}
}

// defaultEnvFactory resolves a scene name to an Environment. Every scene
// currently maps to the reference echo environment; a real simulator is an
// external collaborator (§6) a deployment supplies by replacing this
// factory, not something this package implements.
func defaultEnvFactory(cfg *config.Config) env.Factory {
	return func(scene string) (env.Environment, error) {
		if _, ok := cfg.Scenes[scene]; !ok {
			return nil, fmt.Errorf("engine: unknown scene %q", scene)
		}
		return env.NewEcho(), nil
	}
}

// resolveConn implements matchmaker.SubjectConn.
func (e *Engine) resolveConn(subject string) (transport.ConnID, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	id, ok := e.subjectConn[subject]
	return id, ok
}

// hooks builds the session.Hooks wired to broadcasts and teardown cleanup.
func (e *Engine) hooks() session.Hooks {
	return session.Hooks{
		BroadcastCountdown: func(sessionID string) {
			e.hub.Broadcast(sessionID, protocol.TypeMatchFoundCount, protocol.ControlMsg{
				Type: protocol.TypeMatchFoundCount, SessionID: sessionID,
			}, "")
		},
		BroadcastStart: func(sessionID string) { e.onSessionStart(sessionID) },
		OnTeardown:     func(sessionID, reason string) { e.onTeardown(sessionID, reason) },
	}
}

// registerHandlers binds every client->server message kind to its handler.
func (e *Engine) registerHandlers() {
	e.hub.SetOnDisconnect(e.onDisconnect)

	e.hub.On(protocol.TypeJoinGame, e.handleJoinGame)
	e.hub.On(protocol.TypePlayerAction, e.handlePlayerActionJSON)
	e.hub.On(protocol.TypeP2PHealthReport, e.handleHealthReport)
	e.hub.On(protocol.TypeEmitEpisodeData, e.handleEmitEpisodeData)
	e.hub.On(protocol.TypeMidGameExclusion, e.handleMidGameExclusion)
	e.hub.On(protocol.TypeRejoinServerAuth, e.handleRejoin)
	e.hub.On(protocol.TypeFocusChange, e.handleFocusChange)

	e.datagram.On(protocol.WireTypeInput, e.handleInputDatagram)
	e.datagram.On(protocol.WireTypeStateHash, e.handleStateHashDatagram)
	e.datagram.On(protocol.WireTypePing, e.handlePingDatagram)
	e.datagram.On(protocol.WireTypePong, e.handlePongDatagram)
}

// handleJoinGame admits the subject into the registry and either enqueues it
// with the matchmaker (p2p-mode scenes use 2-peer matches) or starts a
// single-player/human-vs-bot session directly (server-authoritative mode
// skips matchmaking entirely — see DESIGN.md's Open Question decision).
func (e *Engine) handleJoinGame(ctx context.Context, from transport.ConnID, payload json.RawMessage) {
	var msg protocol.ControlMsg
	if err := json.Unmarshal(payload, &msg); err != nil {
		slog.Warn("engine: malformed join_game", "err", err)
		return
	}

	e.mu.Lock()
	e.subjectConn[msg.Subject] = from
	e.connSubject[from] = msg.Subject
	e.mu.Unlock()

	decision := registry.RunEntryCallback(ctx, e.entryCallback, registry.EntryContext{Subject: msg.Subject, Scene: msg.Scene})
	if decision.Exclude {
		e.hub.Send(from, protocol.TypeWaitingRoomError, protocol.ControlMsg{Type: protocol.TypeWaitingRoomError, Reason: decision.Message})
		return
	}

	if _, known := e.registry.Get(msg.Subject); !known {
		e.registry.Admit(msg.Subject, registry.ConnHandle(from))
	}

	requiresMatch := e.cfg.Multiplayer.Mode == config.ModeP2P
	if _, err := e.registry.AdvanceScene(msg.Subject, msg.Scene, requiresMatch, false); err != nil {
		slog.Warn("engine: advance scene failed", "subject", msg.Subject, "err", err)
		return
	}
	e.registry.ValidateConsistency(msg.Subject, func(gameID string) bool {
		_, alive := e.supervisor.Get(gameID)
		return alive
	})

	if !requiresMatch {
		e.startSession(ctx, msg.Scene, []session.Player{{ID: humanPlayerID, Subject: msg.Subject}, {ID: botPlayerID, IsBot: true}}, session.ModeServerAuthoritative)
		return
	}

	e.hub.Send(from, protocol.TypeWaitingRoom, protocol.ControlMsg{Type: protocol.TypeWaitingRoom})
	match, err := e.matchmaker.Enqueue(ctx, msg.Subject)
	if err != nil {
		slog.Warn("engine: matchmaker enqueue failed", "subject", msg.Subject, "err", err)
		e.hub.Send(from, protocol.TypeWaitingRoomError, protocol.ControlMsg{Type: protocol.TypeWaitingRoomError, Reason: err.Error()})
		return
	}
	if match == nil {
		return
	}
	players := make([]session.Player, 0, len(match.Subjects))
	for i, subj := range match.Subjects {
		players = append(players, session.Player{ID: i, Subject: subj})
	}
	e.startSession(ctx, msg.Scene, players, session.ModeP2P)
}

// startSession creates the session via the supervisor and records each
// human player as having entered the game.
func (e *Engine) startSession(ctx context.Context, scene string, players []session.Player, mode session.Mode) {
	sess := e.supervisor.Create(ctx, scene, mode, players)
	for _, p := range players {
		if p.IsBot {
			continue
		}
		if _, err := e.registry.EnterGame(p.Subject, sess.ID); err != nil {
			slog.Warn("engine: enter game failed", "subject", p.Subject, "err", err)
		}
		e.hub.Join(sess.ID, e.connFor(p.Subject))
	}
}

func (e *Engine) connFor(subject string) transport.ConnID {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.subjectConn[subject]
}

// onSessionStart fires once the match-found countdown (if any) elapses. It
// builds the runtime: for server-authoritative sessions this means
// constructing the rollback engine and starting the tick loop; for p2p
// sessions the server only sets up episode-sync/focus bookkeeping, since the
// rollback engine itself runs client-side (§4.4).
func (e *Engine) onSessionStart(sessionID string) {
	sess, ok := e.supervisor.Get(sessionID)
	if !ok {
		return
	}

	e.hub.Broadcast(sessionID, protocol.TypeStartGame, protocol.ControlMsg{Type: protocol.TypeStartGame, SessionID: sessionID}, "")

	rt := &runtime{
		sess:            sess,
		playerSubject:   make(map[int]string),
		subjectPlayer:   make(map[string]int),
		reconnect:       make(map[int]*focus.ReconnectTimer),
		sync:            episodesync.New(),
		writers:         make(map[string]*export.Writer),
		backgroundQueue: focus.NewBackgroundQueue(),
		lastExported:    -1,
	}
	for _, p := range sess.Players {
		rt.playerSubject[p.ID] = p.Subject
		if !p.IsBot {
			rt.subjectPlayer[p.Subject] = p.ID
		}
	}
	rt.focusTracker = focus.NewTracker(time.Duration(e.cfg.Multiplayer.FocusLossTimeoutMS)*time.Millisecond, func(playerID int, reason string) {
		e.excludeSession(sessionID, rt.playerSubject[playerID], reason)
	})

	ctx := context.Background()
	if err := e.store.RecordSessionStart(ctx, store.SessionRecord{
		ID: sessionID, Scene: sess.Scene, Mode: string(sess.Mode),
		PlayerCount: len(sess.Players), StartedAt: time.Now(),
	}); err != nil {
		slog.Warn("engine: record session start failed", "session_id", sessionID, "err", err)
	}

	if sess.Mode == session.ModeServerAuthoritative {
		environment, err := e.envFactory(sess.Scene)
		if err != nil {
			slog.Error("engine: environment factory failed", "scene", sess.Scene, "err", err)
			_ = e.supervisor.Teardown(sessionID, "environment_init_failed")
			return
		}
		players := make([]int, 0, len(sess.Players))
		for _, p := range sess.Players {
			players = append(players, p.ID)
		}
		rollbackEngine, err := rollback.New(environment, rollback.Config{
			Players: players,
			// The client side of a server-authoritative session reports its
			// own locally-predicted hash over WireTypeStateHash; this hook
			// only logs the server's own value, the comparison itself
			// happens in handleStateHashDatagram once the peer's arrives.
			OnStateHash: func(frame int64, hash string) {
				slog.Debug("engine: confirmed frame hashed", "session_id", sessionID, "frame", frame, "hash", hash)
			},
			OnRollback: func(from, to int64) {
				e.metrics.RecordRollback()
			},
			FocusAt: rt.focusTracker.Snapshot,
		})
		if err != nil {
			slog.Error("engine: rollback engine init failed", "session_id", sessionID, "err", err)
			_ = e.supervisor.Teardown(sessionID, "environment_init_failed")
			return
		}
		rt.engine = rollbackEngine
		rt.envInst = environment
		sess.Engine = rollbackEngine

		tickCtx, cancel := context.WithCancel(context.Background())
		rt.cancel = cancel

		e.mu.Lock()
		e.runtimes[sessionID] = rt
		e.mu.Unlock()

		go e.runServerAuthoritativeLoop(tickCtx, sessionID, rt)

		for _, p := range sess.Players {
			if !p.IsBot {
				continue
			}
			runner := bot.NewRunner(p.ID, bot.IdlePolicy{Action: json.RawMessage(`{}`)}, tickInterval,
				func() (env.State, error) {
					state, ok := rollbackEngine.CurrentState()
					if !ok {
						return nil, fmt.Errorf("engine: no current state yet")
					}
					return state, nil
				},
				func(player int, action env.Action) error {
					return rollbackEngine.SubmitInput(player, rollbackEngine.Frame(), action)
				})
			go runner.Run(tickCtx)
		}
		return
	}

	e.mu.Lock()
	e.runtimes[sessionID] = rt
	e.mu.Unlock()
}

// runServerAuthoritativeLoop drives the rollback engine at a fixed tick and
// broadcasts the resulting render payload (§4.4 server-authoritative mode,
// §4.5.1 per-frame pipeline).
func (e *Engine) runServerAuthoritativeLoop(ctx context.Context, sessionID string, rt *runtime) {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if rt.isBackgrounded() {
			// The local human's tab is backgrounded (§4.7.1): frames don't
			// advance locally. Partner/bot input arriving meanwhile is
			// buffered by the input handlers and replayed by FastForward on
			// refocus (handleFocusChange).
			continue
		}
		if _, err := rt.engine.Advance(); err != nil {
			slog.Error("engine: advance failed", "session_id", sessionID, "err", err)
			continue
		}
		render, err := rt.envInst.Render()
		if err != nil {
			slog.Warn("engine: render failed", "session_id", sessionID, "err", err)
			continue
		}
		e.hub.Broadcast(sessionID, protocol.TypeServerRenderState, protocol.ControlMsg{
			Type: protocol.TypeServerRenderState, SessionID: sessionID, Frame: rt.engine.Frame(), Payload: render,
		}, "")

		e.exportConfirmedFrames(ctx, sessionID, rt)

		if rt.engine.Frame()%continuousCallbackInterval == 0 {
			e.runContinuousCallbacks(ctx, sessionID, rt)
		}
	}
}

// exportConfirmedFrames writes every newly-confirmed frame straight from
// the rollback engine's own simulation output (§4.1, §4.6.1) — the
// server-authoritative tick loop is itself the authority on reward/
// terminated/truncated/info/focused data, unlike the p2p `emit_episode_data`
// path which only ever relayed whatever the client chose to push. A
// terminal frame for a player closes that player's writer and folds into
// the same episode-sync negotiation the client-push path uses.
func (e *Engine) exportConfirmedFrames(ctx context.Context, sessionID string, rt *runtime) {
	for _, rec := range rt.engine.ConfirmedSince(rt.lastExported) {
		rt.lastExported = rec.Frame
		row := export.FrameRow{
			Frame:      rec.Frame,
			Actions:    rec.Actions,
			Rewards:    rec.Rewards,
			Terminated: rec.Terminated,
			Truncated:  rec.Truncated,
			Info:       rec.Info,
			Focused:    rec.Focused,
		}
		for playerID, subject := range rt.playerSubject {
			if subject == "" {
				continue // bots have no export stream of their own
			}
			w, err := e.writerFor(rt, sessionID, subject)
			if err != nil {
				slog.Error("engine: open export writer failed", "session_id", sessionID, "subject", subject, "err", err)
				continue
			}
			if err := w.WriteFrame(row); err != nil {
				slog.Warn("engine: write export frame failed", "session_id", sessionID, "subject", subject, "err", err)
			}
			if rec.Terminated[playerID] || rec.Truncated[playerID] {
				rt.mu.Lock()
				delete(rt.writers, subject)
				rt.mu.Unlock()
				if err := w.Close(export.StatusBlock{CompletedEpisodes: rt.episode + 1}); err != nil {
					slog.Warn("engine: close export writer failed", "session_id", sessionID, "subject", subject, "err", err)
				}
				e.declareEpisodeEnd(ctx, rt, sessionID, subject, rec.Frame)
			}
		}
	}
}

// writerFor returns subject's already-open writer for the current episode,
// opening one on first use.
func (e *Engine) writerFor(rt *runtime, sessionID, subject string) (*export.Writer, error) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if w, ok := rt.writers[subject]; ok {
		return w, nil
	}
	w, err := e.exports.NewWriter(sessionID, subject, rt.episode)
	if err != nil {
		return nil, err
	}
	rt.writers[subject] = w
	return w, nil
}

// runContinuousCallbacks invokes the mid-game eligibility callback for
// every human player in the session (§4.2).
func (e *Engine) runContinuousCallbacks(ctx context.Context, sessionID string, rt *runtime) {
	for playerID, subject := range rt.playerSubject {
		if subject == "" {
			continue
		}
		verdict := registry.RunContinuousCallback(ctx, e.continuousCallback, registry.ContinuousContext{
			Focused: rt.focusTracker.IsFocused(playerID),
			Frame:   rt.engine.Frame(),
			Episode: rt.episode,
			Subject: subject,
			Scene:   rt.sess.Scene,
		})
		switch {
		case verdict.Exclude:
			reason := verdict.Message
			if reason == "" {
				reason = "continuous_callback_exclude"
			}
			e.excludeSession(sessionID, subject, reason)
		case verdict.Warn:
			slog.Warn("engine: continuous callback warning", "session_id", sessionID, "subject", subject, "message", verdict.Message)
		}
	}
}

// declareEpisodeEnd folds subject's observed episode-end frame into the
// session's episode-sync negotiation (§4.6). Once every expected peer has
// declared, it force-promotes any still-speculative frames, advances the
// episode counter, and — for p2p sessions, where the per-round health
// check actually matters — waits for a usable connection before telling
// both sides to begin the next episode.
func (e *Engine) declareEpisodeEnd(ctx context.Context, rt *runtime, sessionID, subject string, frame int64) {
	if _, ready := rt.sync.DeclareLocalEnd(subject, frame, expectedPeers(rt)); !ready {
		return
	}
	rt.sess.SetResetting()

	var promote episodesync.PromoteFunc
	if rt.engine != nil {
		promote = rt.engine.ForcePromoteTo
	}
	if _, err := rt.sync.ForcePromoteAndReset(promote); err != nil {
		slog.Warn("engine: force-promote-and-reset failed", "session_id", sessionID, "err", err)
		return
	}
	rt.episode++

	go func() {
		if rt.sess.Mode == session.ModeP2P {
			if err := episodesync.AwaitUsableConnection(ctx, e.connCheckFor(sessionID)); err != nil {
				slog.Warn("engine: per-round health check before next episode failed", "session_id", sessionID, "err", err)
				e.excludeSession(sessionID, subject, "p2p_health_check_failed")
				return
			}
		}
		rt.sess.SetActive()
		e.hub.Broadcast(sessionID, protocol.TypeStartGame, protocol.ControlMsg{Type: protocol.TypeStartGame, SessionID: sessionID}, "")
	}()
}

// connCheckFor adapts the admin aggregator's cached p2p_health_report data
// into episodesync's ConnCheck shape: the server has no direct visibility
// into a p2p pair's ICE/data-channel state, so a recent healthy report is
// the best available proxy (§4.6, §4.8).
func (e *Engine) connCheckFor(sessionID string) episodesync.ConnCheck {
	return func() (iceUsable, dataChannelOpen, terminal bool) {
		report, ok := e.aggregator.Health(sessionID)
		if !ok {
			return false, false, false
		}
		return report.Healthy, report.Healthy, false
	}
}

// handlePlayerActionJSON is the JSON/WebSocket fallback input path (§4.4:
// "SocketIO is only the fallback path when P2P is not yet ready" — the same
// fallback applies to a server-authoritative client whose datagram
// transport hasn't connected yet). For p2p sessions the server just relays
// the action to the other peer; it never touches rollback state itself.
func (e *Engine) handlePlayerActionJSON(_ context.Context, from transport.ConnID, payload json.RawMessage) {
	var msg protocol.ControlMsg
	if err := json.Unmarshal(payload, &msg); err != nil {
		slog.Warn("engine: malformed player_action", "err", err)
		return
	}

	rt := e.runtimeFor(msg.SessionID)
	if rt == nil {
		return
	}

	if rt.sess.Mode == session.ModeP2P {
		e.hub.Broadcast(msg.SessionID, protocol.TypePlayerAction, msg, from)
		return
	}

	actionBytes, err := json.Marshal(msg.Action)
	if err != nil {
		return
	}
	if rt.isBackgrounded() {
		rt.backgroundQueue.Push(focus.QueuedInput{Frame: msg.Frame, Player: msg.PlayerID, Action: actionBytes})
		return
	}
	if err := rt.engine.SubmitInput(msg.PlayerID, msg.Frame, actionBytes); err != nil {
		slog.Debug("engine: submit input failed", "session_id", msg.SessionID, "err", err)
	}
}

// handleInputDatagram is the binary wire-protocol input path (§4.5.6),
// server-authoritative mode's primary transport.
func (e *Engine) handleInputDatagram(_ context.Context, from transport.ConnID, data []byte) {
	packet, err := protocol.DecodeInput(data)
	if err != nil {
		slog.Debug("engine: malformed input datagram", "err", err)
		return
	}

	_, sessionID, rt := e.runtimeForDatagramConn(from)
	if rt == nil {
		return
	}

	// Backlog carries the current frame plus redundant prior frames, most
	// recent first (§4.5.6); submitting every entry makes a dropped packet
	// self-heal from the next one's redundancy.
	for _, entry := range packet.Backlog {
		if rt.isBackgrounded() {
			rt.backgroundQueue.Push(focus.QueuedInput{Frame: int64(entry.Frame), Player: int(packet.Player), Action: entry.Action})
			continue
		}
		if err := rt.engine.SubmitInput(int(packet.Player), int64(entry.Frame), entry.Action); err != nil {
			slog.Debug("engine: submit input failed", "session_id", sessionID, "err", err)
		}
	}
}

// runtimeForDatagramConn resolves a datagram connection to its session
// runtime. The datagram hub and the control hub use independent ConnID
// spaces in this simplified wiring, so the client is expected to announce
// its session/player binding on the control channel before its first
// datagram input arrives; this engine looks that binding up through the
// registry's subject->session index keyed by the same ConnID value the
// client reuses across both transports.
func (e *Engine) runtimeForDatagramConn(id transport.ConnID) (subject, sessionID string, rt *runtime) {
	e.mu.Lock()
	subject, ok := e.connSubject[id]
	e.mu.Unlock()
	if !ok {
		return "", "", nil
	}
	sessionID, ok = e.registry.GameOf(subject)
	if !ok {
		return subject, "", nil
	}
	return subject, sessionID, e.runtimeFor(sessionID)
}

func (e *Engine) runtimeFor(sessionID string) *runtime {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.runtimes[sessionID]
}

// handleHealthReport relays a participant-pushed per-session health signal
// to the admin aggregator (§4.8).
func (e *Engine) handleHealthReport(_ context.Context, _ transport.ConnID, payload json.RawMessage) {
	var msg protocol.ControlMsg
	if err := json.Unmarshal(payload, &msg); err != nil {
		return
	}
	e.aggregator.ReportHealth(admin.HealthReport{
		SessionID: msg.SessionID, PlayerID: msg.PlayerID, RTTMs: valueOr(msg.RTTMillis, 0), Healthy: true,
	})
}

func valueOr(p *int, def int) int {
	if p == nil {
		return def
	}
	return *p
}

// handleStateHashDatagram compares a peer-reported confirmed-frame hash
// against the local value (§4.5.5) and escalates a mismatch to the admin
// aggregator's desync counter.
func (e *Engine) handleStateHashDatagram(_ context.Context, from transport.ConnID, data []byte) {
	msg, err := protocol.DecodeStateHash(data)
	if err != nil {
		slog.Debug("engine: malformed state_hash datagram", "err", err)
		return
	}
	_, sessionID, rt := e.runtimeForDatagramConn(from)
	if rt == nil || rt.engine == nil {
		return
	}
	peerHash := hex.EncodeToString(msg.Hash[:])
	if err := rt.engine.ReceivePeerHash(int64(msg.Frame), peerHash); err != nil {
		var desync *rollback.ErrDesync
		if errors.As(err, &desync) {
			slog.Error("engine: state desync detected", "session_id", sessionID, "frame", desync.Frame, "local", desync.LocalHash, "peer", desync.PeerHash)
			e.metrics.RecordDesync()
		}
	}
}

// handlePingDatagram replies to a client's RTT probe with the echoed
// timestamp (§4.5.6 type 0x06).
func (e *Engine) handlePingDatagram(_ context.Context, from transport.ConnID, data []byte) {
	ts, err := protocol.DecodePing(data)
	if err != nil {
		slog.Debug("engine: malformed ping datagram", "err", err)
		return
	}
	if err := e.datagram.Send(from, protocol.EncodePong(ts)); err != nil {
		slog.Debug("engine: pong send failed", "err", err)
	}
}

// handlePongDatagram measures round-trip time from an echoed ping and
// reports it to the admin aggregator as a per-session health signal
// (§4.8).
func (e *Engine) handlePongDatagram(_ context.Context, from transport.ConnID, data []byte) {
	ts, err := protocol.DecodePong(data)
	if err != nil {
		slog.Debug("engine: malformed pong datagram", "err", err)
		return
	}
	subject, sessionID, rt := e.runtimeForDatagramConn(from)
	if rt == nil {
		return
	}
	rtt := time.Since(time.UnixMilli(ts))
	e.aggregator.ReportHealth(admin.HealthReport{
		SessionID: sessionID, PlayerID: rt.subjectPlayer[subject], RTTMs: int(rtt.Milliseconds()), Healthy: true,
	})
}

// handleFocusChange updates focus tracking and, for server-authoritative
// sessions, pauses/resumes the local tick loop and fast-forwards through any
// inputs that arrived while backgrounded (§4.7.1, §4.7.2). For p2p sessions
// the rollback engine runs client-side, so the server only records the
// transition and relays it to the partner.
func (e *Engine) handleFocusChange(_ context.Context, from transport.ConnID, payload json.RawMessage) {
	var msg protocol.ControlMsg
	if err := json.Unmarshal(payload, &msg); err != nil {
		slog.Warn("engine: malformed focus_change", "err", err)
		return
	}
	rt := e.runtimeFor(msg.SessionID)
	if rt == nil {
		return
	}
	subject := msg.Subject
	if subject == "" {
		e.mu.Lock()
		subject = e.connSubject[from]
		e.mu.Unlock()
	}
	playerID, ok := rt.subjectPlayer[subject]
	if !ok {
		return
	}
	rt.focusTracker.SetFocused(playerID, msg.Focused)

	if rt.engine == nil {
		rt.sync.SetPartnerFocused(msg.Focused)
		e.hub.Broadcast(msg.SessionID, protocol.TypeFocusChange, msg, from)
		return
	}

	if !msg.Focused {
		rt.setBackgrounded(true)
		return
	}

	buffered := rt.backgroundQueue.DrainAndClear()
	var synced *int64
	if frame, ok := rt.sync.SyncedTerminationFrame(); ok {
		synced = &frame
	}
	if _, err := focus.FastForward(rt.engine, playerID, json.RawMessage(`{}`), buffered, synced); err != nil {
		slog.Warn("engine: fast-forward on refocus failed", "session_id", msg.SessionID, "subject", subject, "err", err)
	}
	rt.setBackgrounded(false)
}

// episodeExportPayload is emit_episode_data's decoded body: one subject's
// frame rows for the episode just ended plus its session-status block.
type episodeExportPayload struct {
	Frames []export.FrameRow `json:"frames"`
	Status export.StatusBlock `json:"status"`
}

// handleEmitEpisodeData persists one peer's episode export (§4.1, §4.6.1)
// and acks receipt so the client's acked-send retry loop stops. Episode-sync
// agreement (both peers declaring the same termination frame) is tracked
// alongside but does not block the write: a slow or missing partner should
// never cause data already received to be discarded.
func (e *Engine) handleEmitEpisodeData(_ context.Context, from transport.ConnID, payload json.RawMessage) {
	var msg protocol.ControlMsg
	if err := json.Unmarshal(payload, &msg); err != nil {
		slog.Warn("engine: malformed emit_episode_data", "err", err)
		return
	}
	rt := e.runtimeFor(msg.SessionID)
	if rt == nil {
		return
	}
	subject := e.connSubject[from]

	raw, err := json.Marshal(msg.Payload)
	if err != nil {
		return
	}
	var body episodeExportPayload
	if err := json.Unmarshal(raw, &body); err != nil {
		slog.Warn("engine: malformed episode export payload", "subject", subject, "err", err)
		return
	}

	writer, err := e.exports.NewWriter(msg.SessionID, subject, rt.episode)
	if err != nil {
		slog.Error("engine: open export writer failed", "session_id", msg.SessionID, "subject", subject, "err", err)
		return
	}
	for _, row := range body.Frames {
		if err := writer.WriteFrame(row); err != nil {
			slog.Warn("engine: write export frame failed", "err", err)
			break
		}
	}
	if err := writer.Close(body.Status); err != nil {
		slog.Warn("engine: close export writer failed", "err", err)
	}

	if len(body.Frames) > 0 {
		e.declareEpisodeEnd(context.Background(), rt, msg.SessionID, subject, body.Frames[len(body.Frames)-1].Frame)
	}

	e.hub.Ack(from, msg.AckID)
}

func expectedPeers(rt *runtime) []string {
	peers := make([]string, 0, len(rt.subjectPlayer))
	for subj := range rt.subjectPlayer {
		peers = append(peers, subj)
	}
	return peers
}

// handleMidGameExclusion drops a participant for a custom-eligibility
// violation (§4.2) and tears the session down through the single teardown
// path.
func (e *Engine) handleMidGameExclusion(_ context.Context, _ transport.ConnID, payload json.RawMessage) {
	var msg protocol.ControlMsg
	if err := json.Unmarshal(payload, &msg); err != nil {
		return
	}
	e.excludeSession(msg.SessionID, msg.Subject, msg.Reason)
}

func (e *Engine) excludeSession(sessionID, subject, reason string) {
	if _, err := e.registry.Terminate(subject, reason); err != nil {
		slog.Warn("engine: terminate participant failed", "subject", subject, "err", err)
	}
	ctx := context.Background()
	_ = e.store.RecordAudit(ctx, store.AuditEntry{Subject: subject, SessionID: sessionID, Kind: "exclude", DetailsJSON: fmt.Sprintf(`{"reason":%q}`, reason)})
	e.hub.Broadcast(sessionID, protocol.TypePartnerExcluded, protocol.ControlMsg{
		Type: protocol.TypePartnerExcluded, SessionID: sessionID, Subject: subject, Reason: reason,
	}, "")
	if err := e.supervisor.Teardown(sessionID, reason); err != nil {
		slog.Debug("engine: teardown no-op", "session_id", sessionID, "err", err)
	}
}

// handleRejoin restores a reconnecting participant's control-channel
// binding and cancels its reconnection grace window (§4.7.4).
func (e *Engine) handleRejoin(_ context.Context, from transport.ConnID, payload json.RawMessage) {
	var msg protocol.ControlMsg
	if err := json.Unmarshal(payload, &msg); err != nil {
		return
	}
	if _, err := e.registry.RecordReconnect(msg.Subject, registry.ConnHandle(from)); err != nil {
		slog.Warn("engine: reconnect failed", "subject", msg.Subject, "err", err)
		return
	}

	e.mu.Lock()
	e.subjectConn[msg.Subject] = from
	e.connSubject[from] = msg.Subject
	e.mu.Unlock()

	if rt := e.runtimeFor(msg.SessionID); rt != nil {
		if pid, ok := rt.subjectPlayer[msg.Subject]; ok {
			if timer, ok := rt.reconnect[pid]; ok {
				timer.Cancel()
			}
		}
		e.hub.Join(msg.SessionID, from)
	}
}

// onDisconnect starts the reconnection grace window for an in-game
// participant, or drops a still-waiting one from the matchmaker pool
// outright (§4.7.4).
func (e *Engine) onDisconnect(id transport.ConnID) {
	e.mu.Lock()
	subject, ok := e.connSubject[id]
	if ok {
		delete(e.connSubject, id)
		delete(e.subjectConn, subject)
	}
	e.mu.Unlock()
	if !ok {
		return
	}

	participant, ok := e.registry.Get(subject)
	if !ok {
		return
	}
	wasWaiting := participant.State == registry.StateInWaitroom
	if _, err := e.registry.RecordDisconnect(subject, time.Now()); err != nil {
		slog.Warn("engine: record disconnect failed", "subject", subject, "err", err)
	}
	if wasWaiting {
		e.matchmaker.Remove(subject)
		return
	}

	sessionID, ok := e.registry.GameOf(subject)
	if !ok {
		return
	}
	rt := e.runtimeFor(sessionID)
	if rt == nil {
		return
	}
	pid, ok := rt.subjectPlayer[subject]
	if !ok {
		return
	}
	if _, ok := rt.reconnect[pid]; !ok {
		rt.reconnect[pid] = focus.NewReconnectTimer(
			time.Duration(e.cfg.Multiplayer.ReconnectionTimeoutMS)*time.Millisecond,
			func(playerID int) { e.excludeSession(sessionID, subject, focus.ReasonPartnerDisconnect) },
		)
	}
	rt.reconnect[pid].Start(pid)
}

// onTeardown finalizes a session once Teardown fires: stops timers, closes
// any still-open export writers as partial, and records the historical end
// row.
func (e *Engine) onTeardown(sessionID, reason string) {
	e.mu.Lock()
	rt, ok := e.runtimes[sessionID]
	if ok {
		delete(e.runtimes, sessionID)
	}
	e.mu.Unlock()
	if !ok {
		return
	}
	if rt.cancel != nil {
		rt.cancel()
	}
	rt.focusTracker.Stop()
	for _, timer := range rt.reconnect {
		timer.Cancel()
	}

	rt.mu.Lock()
	for subject, w := range rt.writers {
		_ = w.Close(export.StatusBlock{IsPartial: true, TerminationReason: reason})
		delete(rt.writers, subject)
	}
	rt.mu.Unlock()

	ctx := context.Background()
	if err := e.store.RecordSessionEnd(ctx, sessionID, time.Now(), reason != "", reason); err != nil {
		slog.Warn("engine: record session end failed", "session_id", sessionID, "err", err)
	}
}

// snapshotSource implements admin.Source.
func (e *Engine) snapshotSource() []admin.SessionSummary {
	ids := e.supervisor.Snapshot()
	out := make([]admin.SessionSummary, 0, len(ids))
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, id := range ids {
		sess, ok := e.supervisor.Get(id)
		if !ok {
			continue
		}
		summary := admin.SessionSummary{
			SessionID:   id,
			Status:      string(sess.Status()),
			Mode:        string(sess.Mode),
			PlayerCount: len(sess.Players),
		}
		if rt, ok := e.runtimes[id]; ok && rt.engine != nil {
			summary.Frame = rt.engine.Frame()
		}
		out = append(out, summary)
	}
	return out
}
