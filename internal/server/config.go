package server

import (
	"errors"
	"fmt"
	"time"

	"github.com/Masterminds/semver/v3"
)

// Config holds server configuration
type Config struct {
	// Network settings
	ListenAddr string `yaml:"listen_addr"`
	MaxClients int    `yaml:"max_clients"`

	// Message settings
	MaxMessageSize int64         `yaml:"max_message_size"`
	OutboundBuffer int           `yaml:"outbound_buffer"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`

	// Heartbeat and health monitoring
	PingInterval        time.Duration `yaml:"ping_interval"`
	PongWait            time.Duration `yaml:"pong_wait"`
	HealthCheckInterval time.Duration `yaml:"health_check_interval"`
	ClientTimeout       time.Duration `yaml:"client_timeout"`

	// Per-session inbound rate limit, messages per second and burst.
	RateLimit float64 `yaml:"rate_limit"`
	RateBurst int     `yaml:"rate_burst"`

	// Protocol negotiation
	ProtocolVersion    string `yaml:"protocol_version"`
	ProtocolConstraint string `yaml:"protocol_constraint"`

	// DefaultClearance applies to collision queries that do not set one.
	DefaultClearance float64 `yaml:"default_clearance"`

	Auth AuthConfig `yaml:"auth"`

	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DefaultConfig returns default server configuration
func DefaultConfig() Config {
	return Config{
		ListenAddr:          "127.0.0.1:8080",
		MaxClients:          10_000,
		MaxMessageSize:      1024 * 1024, // 1MB
		OutboundBuffer:      256,
		WriteTimeout:        10 * time.Second,
		PingInterval:        20 * time.Second,
		PongWait:            60 * time.Second,
		HealthCheckInterval: 30 * time.Second,
		ClientTimeout:       5 * time.Minute,
		RateLimit:           50,
		RateBurst:           100,
		ProtocolVersion:     "1.2.0",
		ProtocolConstraint:  ">= 1.0.0, < 2.0.0",
		DefaultClearance:    0,
		ShutdownTimeout:     10 * time.Second,
	}
}

// Validate checks the configuration for values the server cannot run with.
func (c Config) Validate() error {
	var errs []error
	if c.ListenAddr == "" {
		errs = append(errs, errors.New("listen_addr is required"))
	}
	if c.MaxClients <= 0 {
		errs = append(errs, errors.New("max_clients must be positive"))
	}
	if c.OutboundBuffer <= 0 {
		errs = append(errs, errors.New("outbound_buffer must be positive"))
	}
	if c.PingInterval <= 0 || c.PongWait <= c.PingInterval {
		errs = append(errs, errors.New("pong_wait must exceed a positive ping_interval"))
	}
	if c.RateLimit < 0 || (c.RateLimit > 0 && c.RateBurst <= 0) {
		errs = append(errs, errors.New("rate_limit must not be negative and needs a positive rate_burst"))
	}
	if c.DefaultClearance < 0 {
		errs = append(errs, errors.New("default_clearance must not be negative"))
	}
	if _, err := semver.NewVersion(c.ProtocolVersion); err != nil {
		errs = append(errs, fmt.Errorf("protocol_version: %w", err))
	}
	if c.ProtocolConstraint != "" {
		if _, err := semver.NewConstraint(c.ProtocolConstraint); err != nil {
			errs = append(errs, fmt.Errorf("protocol_constraint: %w", err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return nil
}
