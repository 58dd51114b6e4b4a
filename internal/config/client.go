package config

import (
	"errors"
	"os"
	"strconv"
	"time"
)

// ClientConfig holds TV client configuration.
type ClientConfig struct {
	// Connection
	ServerURL string // WebSocket URL (ws:// or wss://)
	TvID      string // device identity sent on register

	// Behavior
	HandshakeTimeout time.Duration
	InitialBackoff   time.Duration // first reconnect delay
	MaxBackoff       time.Duration // ceiling for reconnect delays
	LogLevel         string
}

// DefaultClientConfig returns a client config with default values.
func DefaultClientConfig() *ClientConfig {
	return &ClientConfig{
		HandshakeTimeout: 10 * time.Second,
		InitialBackoff:   time.Second,
		MaxBackoff:       60 * time.Second,
		LogLevel:         "info",
	}
}

// LoadClientFromEnv loads TV client configuration from environment variables.
func LoadClientFromEnv() (*ClientConfig, error) {
	cfg := DefaultClientConfig()

	cfg.ServerURL = os.Getenv("TVFLEET_URL")
	if cfg.ServerURL == "" {
		return nil, errors.New("TVFLEET_URL is required")
	}

	cfg.TvID = os.Getenv("TVFLEET_TV_ID")
	if cfg.TvID == "" {
		// Fall back to the hostname, like a kiosk image would.
		hostname, err := os.Hostname()
		if err != nil || hostname == "" {
			return nil, errors.New("TVFLEET_TV_ID is required")
		}
		cfg.TvID = hostname
	}

	if v := os.Getenv("TVFLEET_MAX_BACKOFF"); v != "" {
		seconds, err := strconv.Atoi(v)
		if err != nil {
			return nil, errors.New("TVFLEET_MAX_BACKOFF must be a number (seconds)")
		}
		cfg.MaxBackoff = time.Duration(seconds) * time.Second
	}

	if level := os.Getenv("TVFLEET_LOG_LEVEL"); level != "" {
		cfg.LogLevel = level
	}

	return cfg, cfg.Validate()
}

// Validate checks that the configuration is valid.
func (c *ClientConfig) Validate() error {
	if c.ServerURL == "" {
		return errors.New("server URL is required")
	}
	if c.TvID == "" {
		return errors.New("tv id is required")
	}
	if c.MaxBackoff < time.Second {
		return errors.New("max backoff must be at least 1 second")
	}
	return nil
}
