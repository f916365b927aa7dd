// Package hostconfig loads the host agent's configuration via
// github.com/spf13/viper, bound to VIBE_CODER_-prefixed environment
// variables, generalizing the teacher's host-agent/internal/config/config.go
// (which bound CRAZYSTREAM_-prefixed variables for a streaming agent) to
// this spec's signaling/WebRTC/assistant settings.
package hostconfig

import (
	"fmt"
	"os"

	"github.com/spf13/viper"
)

// Config holds all configuration for the host agent process.
type Config struct {
	WorkspacePath string `mapstructure:"workspace_path"`
	Port          int    `mapstructure:"port"`

	SignalingURL     string `mapstructure:"signaling_url"`
	SignalingWSPath  string `mapstructure:"signaling_ws_path"`

	WebRTCStunServers []string `mapstructure:"webrtc_stun_servers"`
	WebRTCTurnServers []string `mapstructure:"webrtc_turn_servers"`
	TurnUsername      string   `mapstructure:"webrtc_turn_username"`
	TurnCredential     string   `mapstructure:"webrtc_turn_credential"`

	MaxConnections int    `mapstructure:"max_connections"`
	LogLevel       string `mapstructure:"log_level"`

	TOTPWindow uint `mapstructure:"totp_window"`

	// AssistantMode selects the assistant process model. "per-session" is
	// the only implemented value; "singleton" is reserved and Validate
	// rejects it (see SPEC_FULL.md section 9).
	AssistantMode    string   `mapstructure:"assistant_mode"`
	AssistantCommand string   `mapstructure:"assistant_command"`
	AssistantArgs    []string `mapstructure:"assistant_args"`

	AdminTrustedCIDRs []string `mapstructure:"admin_trusted_cidrs"`
}

// Load reads host-agent configuration from VIBE_CODER_-prefixed environment
// variables, applying defaults for anything unset.
func Load() (*Config, error) {
	v := viper.New()

	home, _ := os.UserHomeDir()
	defaultWorkspace := home
	if defaultWorkspace == "" {
		defaultWorkspace = "."
	}

	v.SetDefault("workspace_path", defaultWorkspace)
	v.SetDefault("port", 8765)
	v.SetDefault("signaling_url", "wss://rendezvous.vibe-coder.dev")
	v.SetDefault("signaling_ws_path", "/ws")
	v.SetDefault("webrtc_stun_servers", []string{"stun:stun.l.google.com:19302"})
	v.SetDefault("webrtc_turn_servers", []string{})
	v.SetDefault("max_connections", 4)
	v.SetDefault("log_level", "info")
	v.SetDefault("totp_window", 2)
	v.SetDefault("assistant_mode", "per-session")
	v.SetDefault("assistant_command", "claude")
	v.SetDefault("assistant_args", []string{})
	v.SetDefault("admin_trusted_cidrs", []string{"127.0.0.0/8", "::1/128"})

	v.SetEnvPrefix("VIBE_CODER")
	v.AutomaticEnv()

	envBindings := []string{
		"workspace_path", "port", "signaling_url", "signaling_ws_path",
		"webrtc_stun_servers", "webrtc_turn_servers", "webrtc_turn_username",
		"webrtc_turn_credential", "max_connections", "log_level", "totp_window",
		"assistant_mode", "assistant_command", "assistant_args", "admin_trusted_cidrs",
	}
	for _, key := range envBindings {
		_ = v.BindEnv(key)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshalling host agent config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("host agent config validation: %w", err)
	}

	return &cfg, nil
}

// Validate checks that required fields are present and well-formed.
func (c *Config) Validate() error {
	if c.WorkspacePath == "" {
		return fmt.Errorf("workspace_path is required")
	}
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", c.Port)
	}
	if c.SignalingURL == "" {
		return fmt.Errorf("signaling_url is required")
	}
	if c.AssistantMode != "per-session" && c.AssistantMode != "singleton" {
		return fmt.Errorf("assistant_mode must be per-session or singleton, got %q", c.AssistantMode)
	}
	if c.AssistantMode == "singleton" {
		return fmt.Errorf("assistant_mode=singleton is reserved and not yet implemented")
	}
	if err := os.MkdirAll(c.WorkspacePath, 0o700); err != nil {
		return fmt.Errorf("creating workspace directory %s: %w", c.WorkspacePath, err)
	}
	return nil
}
