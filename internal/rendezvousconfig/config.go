// Package rendezvousconfig loads the rendezvous service's configuration from
// plain environment variables with a defaults struct, mirroring the
// teacher's gateway/src/config.go style (DefaultConfig + applyEnvOverrides +
// validateConfig) rather than the viper setup the host agent uses, since the
// rendezvous has only a handful of scalar settings.
package rendezvousconfig

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Config holds all configuration for the rendezvous service.
type Config struct {
	ListenAddr        string
	SweepInterval      int // seconds
	MaxMessageBytes    int
	TrustedProxyHeader string
}

// DefaultConfig returns a Config populated with default values.
func DefaultConfig() *Config {
	return &Config{
		ListenAddr:      ":8080",
		SweepInterval:   60,
		MaxMessageBytes: 64 * 1024,
	}
}

// Load builds a Config from environment variables, applying defaults for
// anything unset.
func Load() (*Config, error) {
	cfg := DefaultConfig()
	applyEnvOverrides(cfg)
	if err := validateConfig(cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("VIBE_CODER_RENDEZVOUS_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("VIBE_CODER_RENDEZVOUS_SWEEP_INTERVAL"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.SweepInterval = n
		}
	}
	if v := os.Getenv("VIBE_CODER_RENDEZVOUS_MAX_MESSAGE_BYTES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxMessageBytes = n
		}
	}
	if v := os.Getenv("VIBE_CODER_RENDEZVOUS_TRUSTED_PROXY_HEADER"); v != "" {
		cfg.TrustedProxyHeader = strings.TrimSpace(v)
	}
}

func validateConfig(cfg *Config) error {
	if cfg.ListenAddr == "" {
		return fmt.Errorf("listen address is required")
	}
	if cfg.SweepInterval < 1 {
		return fmt.Errorf("sweep interval must be at least 1 second, got %d", cfg.SweepInterval)
	}
	if cfg.MaxMessageBytes < 1024 {
		return fmt.Errorf("max message bytes must be at least 1024, got %d", cfg.MaxMessageBytes)
	}
	return nil
}
