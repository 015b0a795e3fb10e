package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	directv1 "github.com/floegence/flowersec/flowersec-go/gen/flowersec/direct/v1"
	"gopkg.in/yaml.v3"
)

// Config is the on-disk configuration for redeven-console.
//
// NOTE: The direct connect blob contains the channel PSK. Keep the file chmod 0600.
type Config struct {
	ControlplaneBaseURL string `yaml:"controlplane_base_url"`
	EnvironmentID       string `yaml:"environment_id"`

	// Direct is the Flowersec direct connect blob, as issued by the control plane.
	// It is stored as-is and decoded via the wire (json) schema.
	Direct map[string]any `yaml:"direct"`

	// StateDir holds the local transcript mirror and logs.
	// If empty, ~/.redeven-console is used.
	StateDir string `yaml:"state_dir,omitempty"`

	// LogFormat is "json" or "text".
	LogFormat string `yaml:"log_format,omitempty"`
	// LogLevel is "debug|info|warn|error".
	LogLevel string `yaml:"log_level,omitempty"`

	Chat ChatConfig `yaml:"chat,omitempty"`
}

// ChatConfig tunes the run-synchronization engine. Zero values select defaults.
type ChatConfig struct {
	// RunIdleTimeoutSeconds forces a locally tracked run to a terminal state
	// when no event of any kind arrives for the window.
	RunIdleTimeoutSeconds int `yaml:"run_idle_timeout_seconds,omitempty"`
	// RunMaxWallTimeSeconds is the hard cap for a locally tracked run's lifetime.
	RunMaxWallTimeSeconds int `yaml:"run_max_wall_time_seconds,omitempty"`
	// CancelWaitSeconds bounds the cancel-and-wait step before a new send.
	CancelWaitSeconds int `yaml:"cancel_wait_seconds,omitempty"`
	// PollIntervalSeconds is the supplemental pull cadence while a run is active.
	PollIntervalSeconds int `yaml:"poll_interval_seconds,omitempty"`
}

func (c *Config) Validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	if strings.TrimSpace(c.ControlplaneBaseURL) == "" {
		return errors.New("missing controlplane_base_url")
	}
	if strings.TrimSpace(c.EnvironmentID) == "" {
		return errors.New("missing environment_id")
	}
	direct, err := c.DirectConnectInfo()
	if err != nil {
		return err
	}
	if direct == nil || strings.TrimSpace(direct.WsUrl) == "" || strings.TrimSpace(direct.ChannelId) == "" {
		return errors.New("missing direct connect info")
	}
	switch strings.TrimSpace(strings.ToLower(c.LogFormat)) {
	case "", "json", "text":
	default:
		return fmt.Errorf("invalid log_format %q", c.LogFormat)
	}
	switch strings.TrimSpace(strings.ToLower(c.LogLevel)) {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log_level %q", c.LogLevel)
	}
	return nil
}

// DirectConnectInfo decodes the direct blob into the Flowersec wire type.
//
// The blob is issued as json by the control plane; the console config is yaml,
// so the map is round-tripped through json to honor the wire field names.
func (c *Config) DirectConnectInfo() (*directv1.DirectConnectInfo, error) {
	if c == nil || len(c.Direct) == 0 {
		return nil, errors.New("missing direct connect info")
	}
	b, err := json.Marshal(c.Direct)
	if err != nil {
		return nil, fmt.Errorf("invalid direct connect info: %w", err)
	}
	out := &directv1.DirectConnectInfo{}
	if err := json.Unmarshal(b, out); err != nil {
		return nil, fmt.Errorf("invalid direct connect info: %w", err)
	}
	return out, nil
}

// DefaultConfigPath returns the default config path:
//
//	~/.redeven-console/config.yaml
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil || strings.TrimSpace(home) == "" {
		return "redeven-console.config.yaml"
	}
	return filepath.Join(home, ".redeven-console", "config.yaml")
}

func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// EffectiveStateDir resolves the state directory, creating it if needed.
func (c *Config) EffectiveStateDir() (string, error) {
	dir := ""
	if c != nil {
		dir = strings.TrimSpace(c.StateDir)
	}
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil || strings.TrimSpace(home) == "" {
			return "", errors.New("cannot resolve state dir")
		}
		dir = filepath.Join(home, ".redeven-console")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", err
	}
	return dir, nil
}

func (c *ChatConfig) EffectiveRunIdleTimeout() time.Duration {
	if c == nil || c.RunIdleTimeoutSeconds <= 0 {
		return 2 * time.Minute
	}
	return time.Duration(c.RunIdleTimeoutSeconds) * time.Second
}

func (c *ChatConfig) EffectiveRunMaxWallTime() time.Duration {
	if c == nil || c.RunMaxWallTimeSeconds <= 0 {
		return 15 * time.Minute
	}
	return time.Duration(c.RunMaxWallTimeSeconds) * time.Second
}

func (c *ChatConfig) EffectiveCancelWait() time.Duration {
	if c == nil || c.CancelWaitSeconds <= 0 {
		return 12 * time.Second
	}
	return time.Duration(c.CancelWaitSeconds) * time.Second
}

func (c *ChatConfig) EffectivePollInterval() time.Duration {
	if c == nil || c.PollIntervalSeconds <= 0 {
		return 5 * time.Second
	}
	return time.Duration(c.PollIntervalSeconds) * time.Second
}

// NewLogger builds the process logger in the configured format and level,
// writing to stderr.
func NewLogger(format string, level string) (*slog.Logger, error) {
	return NewLoggerTo(os.Stderr, format, level)
}

// NewLoggerTo builds the process logger writing to w. The console uses a log
// file because the TUI owns the terminal.
func NewLoggerTo(w io.Writer, format string, level string) (*slog.Logger, error) {
	lvl := slog.LevelInfo
	switch strings.TrimSpace(strings.ToLower(level)) {
	case "", "info":
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		return nil, fmt.Errorf("invalid log level %q", level)
	}

	opts := &slog.HandlerOptions{Level: lvl}
	switch strings.TrimSpace(strings.ToLower(format)) {
	case "", "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("invalid log format %q", format)
	}
}
