// Package protocol defines the wire formats exchanged between the session
// engine and connecting browsers: a JSON control envelope for lifecycle and
// admin events (§6 "Client-server events"), and a compact binary codec for
// the per-frame rollback traffic (§4.5.6).
package protocol

// Control message types. Names are stable across implementations (§6).
const (
	// Server -> client.
	TypeExperimentConfig  = "experiment_config"
	TypeStartGame         = "start_game"
	TypeMatchFoundCount   = "match_found_countdown"
	TypeWaitingRoom       = "waiting_room"
	TypeWaitingRoomError  = "waiting_room_error"
	TypeServerRenderState = "server_render_state"
	TypeEndGame           = "end_game"
	TypePartnerExcluded   = "partner_excluded"
	TypeTriggerExport     = "trigger_data_export"
	TypeP2PGameEnded      = "p2p_game_ended"
	TypeProbePrepare      = "probe_prepare"
	TypeProbeStart        = "probe_start"
	TypeWebRTCSignal      = "webrtc_signal"
	TypeStateUpdate       = "state_update"
	TypeActivityEvent     = "activity_event"

	// Client -> server.
	TypeJoinGame          = "join_game"
	TypePlayerAction      = "player_action"
	TypeProbeReady        = "probe_ready"
	TypeProbeSignal       = "probe_signal"
	TypeProbeResult       = "probe_result"
	TypeP2PHealthReport   = "p2p_health_report"
	TypeEmitEpisodeData   = "emit_episode_data"
	TypeEmitMPMetrics     = "emit_multiplayer_metrics"
	TypeMidGameExclusion  = "mid_game_exclusion"
	TypeRejoinServerAuth  = "rejoin_server_auth"
	TypeFocusChange       = "focus_change"
)

// ControlMsg is the JSON envelope carried on the reliable control channel
// (WebSocket text frames). Only the fields relevant to a given Type are set;
// the rest are left zero, matching the teacher's ControlMsg convention of one
// wide envelope struct reused across message kinds.
type ControlMsg struct {
	Type string `json:"type"`

	Subject   string `json:"subject,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	Scene     string `json:"scene,omitempty"`

	Message   string `json:"message,omitempty"`
	Timestamp int64  `json:"ts,omitempty"`

	// join_game / player_action
	PlayerID int    `json:"player_id,omitempty"`
	Action   any    `json:"action,omitempty"`
	Frame    int64  `json:"frame,omitempty"`

	// probe_*
	ProbeSessionID string `json:"probe_session_id,omitempty"`
	Targets        []string `json:"targets,omitempty"`
	SDP            string `json:"sdp,omitempty"`
	Candidate      string `json:"candidate,omitempty"`
	RTTMillis      *int   `json:"rtt_ms,omitempty"`

	// waiting_room_error / partner_excluded / end_game
	Reason string `json:"reason,omitempty"`

	// focus_change (§4.7.1)
	Focused bool `json:"focused,omitempty"`

	// state_update / activity_event (admin, §4.8)
	Payload any `json:"payload,omitempty"`

	// emit_episode_data ack
	AckID string `json:"ack_id,omitempty"`
	Ok    bool   `json:"ok,omitempty"`
}

// Binary wire protocol type bytes (§4.5.6). All multi-byte integers are
// big-endian.
const (
	WireTypeInput        byte = 0x01
	WireTypePing         byte = 0x05
	WireTypePong         byte = 0x06
	WireTypeStateHash    byte = 0x07
	WireTypeEpisodeReady byte = 0x08
)
