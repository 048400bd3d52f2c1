package config

import (
	"fmt"
	"os"
	"time"
)

// Default mesh client values.
const (
	DefaultRelayURL       = "ws://localhost:8080/ws"
	DefaultSTUN           = "stun:stun.l.google.com:19302"
	DefaultRequestTimeout = 10 * time.Second

	// Match the session defaults of the mesh package.
	DefaultHeartbeatInterval = 5 * time.Second
	DefaultDisconnectGrace   = 2 * time.Second
)

// MeshConfig holds the mesh client configuration.
type MeshConfig struct {
	RelayURL          string
	Token             string
	STUNServer        string
	HeartbeatInterval time.Duration
	DisconnectGrace   time.Duration
	RequestTimeout    time.Duration
	LogLevel          string
}

// MeshOptions carries CLI flag overrides. Empty fields fall through to the
// environment.
type MeshOptions struct {
	RelayURL          string
	Token             string
	STUNServer        string
	HeartbeatInterval string
	DisconnectGrace   string
	RequestTimeout    string
	LogLevel          string
}

// LoadMesh reads the client configuration with the following priority:
// 1. CLI flags (passed via MeshOptions)
// 2. Environment variables
// 3. Defaults
func LoadMesh(opts MeshOptions) (*MeshConfig, error) {
	heartbeat, err := pickDuration(opts.HeartbeatInterval, "HEARTBEAT_INTERVAL", DefaultHeartbeatInterval)
	if err != nil {
		return nil, err
	}
	grace, err := pickDuration(opts.DisconnectGrace, "DISCONNECT_GRACE", DefaultDisconnectGrace)
	if err != nil {
		return nil, err
	}
	timeout, err := pickDuration(opts.RequestTimeout, "REQUEST_TIMEOUT", DefaultRequestTimeout)
	if err != nil {
		return nil, err
	}

	return &MeshConfig{
		RelayURL:          pick(opts.RelayURL, "RELAY_URL", DefaultRelayURL),
		Token:             pick(opts.Token, "RELAY_TOKEN", ""),
		STUNServer:        pick(opts.STUNServer, "STUN_SERVER", DefaultSTUN),
		HeartbeatInterval: heartbeat,
		DisconnectGrace:   grace,
		RequestTimeout:    timeout,
		LogLevel:          pick(opts.LogLevel, "LOG_LEVEL", "info"),
	}, nil
}

// ICEServers returns the STUN urls handed to the peer connection factory.
func (c *MeshConfig) ICEServers() []string {
	if c.STUNServer == "" {
		return nil
	}
	return []string{c.STUNServer}
}

func pick(flag, env, def string) string {
	if flag != "" {
		return flag
	}
	if v := os.Getenv(env); v != "" {
		return v
	}
	return def
}

func pickDuration(flag, env string, def time.Duration) (time.Duration, error) {
	raw := pick(flag, env, "")
	if raw == "" {
		return def, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", env, raw, err)
	}
	return d, nil
}
