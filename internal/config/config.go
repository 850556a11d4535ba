// Package config loads the engine's YAML configuration surface (§6
// "Configuration surface"): input mode, the multiplayer.* experiment knobs,
// and the scene registry used to resolve an env.Factory by name.
//
// Grounded on psubacz-dungeongate's pkg/config/session_config.go: a plain
// yaml.v3-tagged struct tree loaded with os.ReadFile + yaml.Unmarshal, with
// defaults filled in afterward by an explicit applyDefaults pass rather than
// a struct-tag defaults library — the teacher never imports one, and §6's
// defaults are few enough that hand-written fallbacks read more plainly
// than a reflection-based tag processor would.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Default values for the multiplayer.* surface (§6). focus_loss_timeout_ms
// falls back to its default only when the key is absent; an explicit zero is
// kept — see MultiplayerConfig.FocusLossTimeoutMS doc comment.
const (
	DefaultInputConfirmationTimeoutMS = 2000
	DefaultReconnectionTimeoutMS      = 5000
	DefaultFocusLossTimeoutMS         = 30000
	DefaultNumEpisodes                = 1
)

// InputMode selects how the client reports key state (§6 input_mode).
type InputMode string

const (
	InputModePressedKeys     InputMode = "pressed_keys"
	InputModeSingleKeystroke InputMode = "single_keystroke"
)

// MultiplayerMode selects the session topology (§6 multiplayer.mode).
type MultiplayerMode string

const (
	ModeP2P                MultiplayerMode = "p2p"
	ModeServerAuthoritative MultiplayerMode = "server_authoritative"
)

// Config is the root configuration document.
type Config struct {
	InputMode    InputMode          `yaml:"input_mode"`
	Multiplayer  *MultiplayerConfig `yaml:"multiplayer"`
	Scenes       map[string]string  `yaml:"scenes"`
	ListenAddr   string             `yaml:"listen_addr"`
	ExportDir    string             `yaml:"export_dir"`
	DatabasePath string             `yaml:"database_path"`
}

// MultiplayerConfig is the multiplayer.* surface described in §6.
type MultiplayerConfig struct {
	Mode MultiplayerMode `yaml:"mode"`

	// MaxServerRTTMS is nil when unset (§6 "integer or none, disables RTT
	// gating") — mirrors internal/matchmaker.New's *int parameter.
	MaxServerRTTMS *int `yaml:"max_server_rtt_ms"`

	InputConfirmationTimeoutMS int `yaml:"input_confirmation_timeout_ms"`
	ReconnectionTimeoutMS      int `yaml:"reconnection_timeout_ms"`

	// FocusLossTimeoutMS: default 30000. A value of 0 is a deliberate
	// "disable the bounded-absence timer" signal (§6), not "unset" — this
	// struct's own zero value therefore cannot be distinguished from an
	// explicit 0 in YAML. applyDefaults resolves the ambiguity by only
	// ever substituting the default at load time when the key is absent
	// from the document entirely (tracked via Load's focusLossKeyPresent).
	FocusLossTimeoutMS int `yaml:"focus_loss_timeout_ms"`

	FocusLossMessage        string `yaml:"focus_loss_message"`
	PartnerDisconnectMessage string `yaml:"partner_disconnect_message"`

	// EntryCallback / ContinuousCallback are opaque references resolved by
	// the caller (§4.2, §6) — the engine never interprets their contents.
	EntryCallback      string `yaml:"entry_callback"`
	ContinuousCallback string `yaml:"continuous_callback"`

	NumEpisodes int `yaml:"num_episodes"`
}

// Load reads and parses the YAML document at path and applies defaults for
// every field the document leaves unset.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read file: %w", err)
	}

	// rawDoc lets applyDefaults distinguish "key absent" from "key present
	// with its zero value" for focus_loss_timeout_ms's 0-disables case.
	var rawDoc struct {
		Multiplayer map[string]any `yaml:"multiplayer"`
	}
	if err := yaml.Unmarshal(data, &rawDoc); err != nil {
		return nil, fmt.Errorf("config: parse file: %w", err)
	}
	_, focusLossKeyPresent := rawDoc.Multiplayer["focus_loss_timeout_ms"]

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse file: %w", err)
	}

	applyDefaults(&cfg, focusLossKeyPresent)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return &cfg, nil
}

// applyDefaults fills in every unset field with its §6 default.
func applyDefaults(cfg *Config, focusLossKeyPresent bool) {
	if cfg.InputMode == "" {
		cfg.InputMode = InputModePressedKeys
	}
	if cfg.Multiplayer == nil {
		cfg.Multiplayer = &MultiplayerConfig{}
	}
	m := cfg.Multiplayer
	if m.Mode == "" {
		m.Mode = ModeP2P
	}
	if m.InputConfirmationTimeoutMS == 0 {
		m.InputConfirmationTimeoutMS = DefaultInputConfirmationTimeoutMS
	}
	if m.ReconnectionTimeoutMS == 0 {
		m.ReconnectionTimeoutMS = DefaultReconnectionTimeoutMS
	}
	if !focusLossKeyPresent {
		m.FocusLossTimeoutMS = DefaultFocusLossTimeoutMS
	}
	if m.NumEpisodes == 0 {
		m.NumEpisodes = DefaultNumEpisodes
	}
	if cfg.ExportDir == "" {
		cfg.ExportDir = "./data/exports"
	}
	if cfg.DatabasePath == "" {
		cfg.DatabasePath = "./data/mug-engine.db"
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":8443"
	}
}

// Validate rejects configuration values that §6 requires but that yaml
// unmarshaling cannot enforce on its own.
func (c *Config) Validate() error {
	switch c.InputMode {
	case InputModePressedKeys, InputModeSingleKeystroke:
	default:
		return fmt.Errorf("input_mode: unrecognized value %q", c.InputMode)
	}
	switch c.Multiplayer.Mode {
	case ModeP2P, ModeServerAuthoritative:
	default:
		return fmt.Errorf("multiplayer.mode: unrecognized value %q", c.Multiplayer.Mode)
	}
	if c.Multiplayer.NumEpisodes < 1 {
		return fmt.Errorf("multiplayer.num_episodes: must be >= 1, got %d", c.Multiplayer.NumEpisodes)
	}
	if c.Multiplayer.MaxServerRTTMS != nil && *c.Multiplayer.MaxServerRTTMS < 0 {
		return fmt.Errorf("multiplayer.max_server_rtt_ms: must be >= 0 when set")
	}
	return nil
}
