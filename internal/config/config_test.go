package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/chasemcd/mug-engine/internal/config"
)

func writeTempConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "engine.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaultsForOmittedFields(t *testing.T) {
	path := writeTempConfig(t, `
multiplayer:
  mode: p2p
  num_episodes: 3
`)
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.InputMode != config.InputModePressedKeys {
		t.Fatalf("input_mode = %q, want default", cfg.InputMode)
	}
	if cfg.Multiplayer.InputConfirmationTimeoutMS != config.DefaultInputConfirmationTimeoutMS {
		t.Fatalf("input_confirmation_timeout_ms = %d, want default", cfg.Multiplayer.InputConfirmationTimeoutMS)
	}
	if cfg.Multiplayer.ReconnectionTimeoutMS != config.DefaultReconnectionTimeoutMS {
		t.Fatalf("reconnection_timeout_ms = %d, want default", cfg.Multiplayer.ReconnectionTimeoutMS)
	}
	if cfg.Multiplayer.FocusLossTimeoutMS != config.DefaultFocusLossTimeoutMS {
		t.Fatalf("focus_loss_timeout_ms = %d, want default", cfg.Multiplayer.FocusLossTimeoutMS)
	}
	if cfg.Multiplayer.NumEpisodes != 3 {
		t.Fatalf("num_episodes = %d, want 3 (explicit value should survive defaulting)", cfg.Multiplayer.NumEpisodes)
	}
}

func TestLoadPreservesExplicitZeroFocusLossTimeout(t *testing.T) {
	path := writeTempConfig(t, `
multiplayer:
  mode: p2p
  focus_loss_timeout_ms: 0
  num_episodes: 1
`)
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Multiplayer.FocusLossTimeoutMS != 0 {
		t.Fatalf("focus_loss_timeout_ms = %d, want explicit 0 to survive (disables the timer)", cfg.Multiplayer.FocusLossTimeoutMS)
	}
}

func TestLoadParsesMaxServerRTT(t *testing.T) {
	path := writeTempConfig(t, `
multiplayer:
  mode: server_authoritative
  max_server_rtt_ms: 120
  num_episodes: 1
`)
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Multiplayer.MaxServerRTTMS == nil || *cfg.Multiplayer.MaxServerRTTMS != 120 {
		t.Fatalf("max_server_rtt_ms = %#v, want pointer to 120", cfg.Multiplayer.MaxServerRTTMS)
	}
}

func TestLoadRejectsInvalidMode(t *testing.T) {
	path := writeTempConfig(t, `
multiplayer:
  mode: carrier_pigeon
  num_episodes: 1
`)
	if _, err := config.Load(path); err == nil {
		t.Fatal("expected an error for an unrecognized multiplayer.mode")
	}
}

func TestLoadRejectsNegativeEpisodes(t *testing.T) {
	path := writeTempConfig(t, `
multiplayer:
  mode: p2p
  num_episodes: -1
`)
	if _, err := config.Load(path); err == nil {
		t.Fatal("expected an error for num_episodes < 1")
	}
}
