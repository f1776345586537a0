package sshchan

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Configuration defaults.
const (
	DefaultPort              = 22
	DefaultTimeout           = 1000 * time.Second
	DefaultKeepaliveInterval = 10 * time.Second
	DefaultMaxErrorCounter   = 3
)

// SessionConfig configures a Session. Credentials are never part of the configuration; they are
// supplied by the authentication handler.
type SessionConfig struct {
	// User, Host and Port identify the session. User and Host must be set.
	User string
	Host string
	Port int

	// Timeout bounds each retried operation of the connect sequence: dialing, handshake and
	// authentication. Zero or less means no deadline.
	Timeout time.Duration

	// KeepaliveInterval is the period of liveness probes once authenticated. Zero or less disables
	// keepalives.
	KeepaliveInterval time.Duration

	// MaxErrorCounter is the number of consecutive failed keepalives after which the session is
	// disconnected.
	MaxErrorCounter int

	// FingerprintAlgorithm is the digest handed to the fingerprint validation handler. Zero means
	// HashSHA1.
	FingerprintAlgorithm HashAlgorithm

	// ObfuscationKeyword, if set, wraps the transport in an obfuscated SSH layer before the SSH
	// handshake. The server must be configured with the same keyword.
	ObfuscationKeyword string
}

// DefaultSessionConfig returns a configuration with every optional field set to its default.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		Port:                 DefaultPort,
		Timeout:              DefaultTimeout,
		KeepaliveInterval:    DefaultKeepaliveInterval,
		MaxErrorCounter:      DefaultMaxErrorCounter,
		FingerprintAlgorithm: HashSHA1,
	}
}

// Validate checks that cfg can be used to connect.
func (cfg SessionConfig) Validate() error {
	if strings.TrimSpace(cfg.User) == "" {
		return errors.New("user must be configured")
	}
	if strings.TrimSpace(cfg.Host) == "" {
		return errors.New("host must be configured")
	}
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return fmt.Errorf("invalid port %d", cfg.Port)
	}
	if cfg.KeepaliveInterval > 0 && cfg.MaxErrorCounter <= 0 {
		return errors.New("max error counter must be positive when keepalives are enabled")
	}
	if cfg.FingerprintAlgorithm != 0 && cfg.FingerprintAlgorithm.Size() == 0 {
		return fmt.Errorf("invalid fingerprint algorithm %v", cfg.FingerprintAlgorithm)
	}
	return nil
}

// fileConfig is the on-disk form of a SessionConfig. Unset fields keep their defaults.
type fileConfig struct {
	User                 *string `toml:"user" yaml:"user"`
	Host                 *string `toml:"host" yaml:"host"`
	Port                 *int    `toml:"port" yaml:"port"`
	Timeout              *string `toml:"timeout" yaml:"timeout"`
	KeepaliveInterval    *string `toml:"keepalive_interval" yaml:"keepalive_interval"`
	MaxErrorCounter      *int    `toml:"max_error_counter" yaml:"max_error_counter"`
	FingerprintAlgorithm *string `toml:"fingerprint_algorithm" yaml:"fingerprint_algorithm"`
	ObfuscationKeyword   *string `toml:"obfuscation_keyword" yaml:"obfuscation_keyword"`
}

// LoadSessionConfig reads a session configuration from a TOML (.toml) or YAML (.yaml, .yml) file.
// Durations are strings such as "10s". The result is validated.
func LoadSessionConfig(path string) (SessionConfig, error) {
	var raw fileConfig
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".toml":
		if _, err := toml.DecodeFile(path, &raw); err != nil {
			return SessionConfig{}, fmt.Errorf("load session config: %w", err)
		}
	case ".yaml", ".yml":
		b, err := os.ReadFile(path)
		if err != nil {
			return SessionConfig{}, fmt.Errorf("load session config: %w", err)
		}
		if err := yaml.Unmarshal(b, &raw); err != nil {
			return SessionConfig{}, fmt.Errorf("load session config: %w", err)
		}
	default:
		return SessionConfig{}, fmt.Errorf("unsupported config format %q", ext)
	}

	cfg, err := raw.apply(DefaultSessionConfig())
	if err != nil {
		return SessionConfig{}, err
	}
	if err := cfg.Validate(); err != nil {
		return SessionConfig{}, fmt.Errorf("invalid session config: %w", err)
	}
	return cfg, nil
}

func (raw fileConfig) apply(cfg SessionConfig) (SessionConfig, error) {
	if raw.User != nil {
		cfg.User = strings.TrimSpace(*raw.User)
	}
	if raw.Host != nil {
		cfg.Host = strings.TrimSpace(*raw.Host)
	}
	if raw.Port != nil {
		cfg.Port = *raw.Port
	}
	if raw.Timeout != nil {
		d, err := time.ParseDuration(strings.TrimSpace(*raw.Timeout))
		if err != nil {
			return cfg, fmt.Errorf("parse timeout: %w", err)
		}
		cfg.Timeout = d
	}
	if raw.KeepaliveInterval != nil {
		d, err := time.ParseDuration(strings.TrimSpace(*raw.KeepaliveInterval))
		if err != nil {
			return cfg, fmt.Errorf("parse keepalive_interval: %w", err)
		}
		cfg.KeepaliveInterval = d
	}
	if raw.MaxErrorCounter != nil {
		cfg.MaxErrorCounter = *raw.MaxErrorCounter
	}
	if raw.FingerprintAlgorithm != nil {
		alg, err := ParseHashAlgorithm(*raw.FingerprintAlgorithm)
		if err != nil {
			return cfg, err
		}
		cfg.FingerprintAlgorithm = alg
	}
	if raw.ObfuscationKeyword != nil {
		cfg.ObfuscationKeyword = *raw.ObfuscationKeyword
	}
	return cfg, nil
}
