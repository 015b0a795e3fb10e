package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

const validYAML = `controlplane_base_url: https://cp.example.com
environment_id: env_123
direct:
  ws_url: wss://relay.example.com/direct
  channel_id: ch_abc
  auth_to_join: tok_xyz
log_format: json
log_level: debug
chat:
  run_idle_timeout_seconds: 30
  cancel_wait_seconds: 4
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadValidConfig(t *testing.T) {
	t.Parallel()

	cfg, err := Load(writeConfig(t, validYAML))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.EnvironmentID != "env_123" {
		t.Fatalf("environment_id=%q", cfg.EnvironmentID)
	}

	direct, err := cfg.DirectConnectInfo()
	if err != nil {
		t.Fatalf("DirectConnectInfo: %v", err)
	}
	if direct.WsUrl != "wss://relay.example.com/direct" || direct.ChannelId != "ch_abc" {
		t.Fatalf("direct blob decoded wrong: %+v", direct)
	}
}

func TestLoadRejectsIncompleteConfig(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		yaml string
	}{
		{"missing controlplane", "environment_id: e\ndirect: {ws_url: w, channel_id: c}\n"},
		{"missing environment", "controlplane_base_url: u\ndirect: {ws_url: w, channel_id: c}\n"},
		{"missing direct", "controlplane_base_url: u\nenvironment_id: e\n"},
		{"direct without ws_url", "controlplane_base_url: u\nenvironment_id: e\ndirect: {channel_id: c}\n"},
		{"bad log format", validYAML + "log_format: xml\n"},
	}
	for _, tc := range cases {
		if _, err := Load(writeConfig(t, tc.yaml)); err == nil {
			t.Fatalf("%s: Load accepted invalid config", tc.name)
		}
	}
}

func TestChatTunablesDefaultWhenUnset(t *testing.T) {
	t.Parallel()

	var zero ChatConfig
	if got := zero.EffectiveRunIdleTimeout(); got != 2*time.Minute {
		t.Fatalf("idle default=%v", got)
	}
	if got := zero.EffectiveRunMaxWallTime(); got != 15*time.Minute {
		t.Fatalf("wall default=%v", got)
	}
	if got := zero.EffectiveCancelWait(); got != 12*time.Second {
		t.Fatalf("cancel default=%v", got)
	}
	if got := zero.EffectivePollInterval(); got != 5*time.Second {
		t.Fatalf("poll default=%v", got)
	}

	set := ChatConfig{RunIdleTimeoutSeconds: 30, CancelWaitSeconds: 4}
	if got := set.EffectiveRunIdleTimeout(); got != 30*time.Second {
		t.Fatalf("idle override=%v", got)
	}
	if got := set.EffectiveCancelWait(); got != 4*time.Second {
		t.Fatalf("cancel override=%v", got)
	}
}

func TestEffectiveStateDirCreatesDirectory(t *testing.T) {
	t.Parallel()

	want := filepath.Join(t.TempDir(), "nested", "state")
	cfg := &Config{StateDir: want}
	got, err := cfg.EffectiveStateDir()
	if err != nil {
		t.Fatalf("EffectiveStateDir: %v", err)
	}
	if got != want {
		t.Fatalf("dir=%q, want %q", got, want)
	}
	info, err := os.Stat(got)
	if err != nil || !info.IsDir() {
		t.Fatalf("state dir not created: %v", err)
	}
}

func TestNewLoggerToRejectsBadInputs(t *testing.T) {
	t.Parallel()

	if _, err := NewLoggerTo(os.Stderr, "json", "verbose"); err == nil {
		t.Fatalf("invalid level accepted")
	}
	if _, err := NewLoggerTo(os.Stderr, "xml", "info"); err == nil {
		t.Fatalf("invalid format accepted")
	}
	if _, err := NewLoggerTo(os.Stderr, "", ""); err != nil {
		t.Fatalf("defaults rejected: %v", err)
	}
}
