package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// GatewayConfig configures the realtime connection gateway.
type GatewayConfig struct {
	// Path is the HTTP path that upgrades to WebSocket (default: /ws).
	Path string `yaml:"path"`

	// MaxConnections caps concurrently registered connections (default: 10000).
	MaxConnections int `yaml:"max_connections"`

	// MaxFrameBytes caps inbound and outbound frame size (default: 16KiB).
	MaxFrameBytes int `yaml:"max_frame_bytes"`

	// SendBuffer is the per-connection outbound queue length (default: 64).
	SendBuffer int `yaml:"send_buffer"`

	AuthTimeout       time.Duration `yaml:"auth_timeout"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`

	RateLimit RateLimitConfig `yaml:"rate_limit"`

	// AllowedOrigins restricts browser origins. Empty allows any origin.
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// RateLimitConfig bounds inbound frames per connection.
type RateLimitConfig struct {
	PerSecond float64 `yaml:"per_second"`
	Burst     int     `yaml:"burst"`
}

func applyGatewayDefaults(cfg *GatewayConfig) {
	if cfg.Path == "" {
		cfg.Path = "/ws"
	}
	if cfg.MaxConnections == 0 {
		cfg.MaxConnections = 10000
	}
	if cfg.MaxFrameBytes == 0 {
		cfg.MaxFrameBytes = 16 * 1024
	}
	if cfg.SendBuffer == 0 {
		cfg.SendBuffer = 64
	}
	if cfg.AuthTimeout == 0 {
		cfg.AuthTimeout = 10 * time.Second
	}
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.RateLimit.PerSecond == 0 {
		cfg.RateLimit.PerSecond = 20
	}
	if cfg.RateLimit.Burst == 0 {
		cfg.RateLimit.Burst = 40
	}
}

func validateGateway(cfg *GatewayConfig) []string {
	var issues []string
	if !strings.HasPrefix(cfg.Path, "/") {
		issues = append(issues, "gateway.path must start with /")
	}
	if cfg.MaxConnections < 0 {
		issues = append(issues, "gateway.max_connections must not be negative")
	}
	if cfg.MaxFrameBytes < 256 {
		issues = append(issues, fmt.Sprintf("gateway.max_frame_bytes must be at least 256 (got %d)", cfg.MaxFrameBytes))
	}
	if cfg.SendBuffer < 1 {
		issues = append(issues, "gateway.send_buffer must be at least 1")
	}
	issues = append(issues, positiveDuration("gateway.auth_timeout", cfg.AuthTimeout)...)
	issues = append(issues, positiveDuration("gateway.heartbeat_interval", cfg.HeartbeatInterval)...)
	issues = append(issues, positiveDuration("gateway.write_timeout", cfg.WriteTimeout)...)
	if cfg.RateLimit.PerSecond < 0 || cfg.RateLimit.Burst < 0 {
		issues = append(issues, "gateway.rate_limit values must not be negative")
	}
	return issues
}

func itoa(i int) string {
	return strconv.Itoa(i)
}
