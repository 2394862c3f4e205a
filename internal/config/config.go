// Package config provides TOML configuration file loading and parsing for the relay.
// The configuration file lives at ~/.canvas-relay/config.toml by default, but can be
// overridden with the --config flag. CLI flags always take precedence over file values.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the relay configuration file structure.
// Field names use Go camelCase internally but map to snake_case in TOML files
// via struct tags.
type Config struct {
	// Addr is the host:port for the websocket server.
	// Default: 127.0.0.1:3001
	Addr string `toml:"addr"`

	// Shell is the program spawned for terminal peers.
	// If empty, the platform default shell is used ($SHELL, then /bin/bash, then /bin/sh).
	Shell string `toml:"shell"`

	// DefaultCols and DefaultRows are the initial PTY geometry when the
	// terminal handshake does not carry one. Default: 120x30
	DefaultCols int `toml:"default_cols"`
	DefaultRows int `toml:"default_rows"`

	// ResolveTimeoutMs is how long a new connection may stay silent before it
	// is treated as a terminal peer. Default: 5000
	ResolveTimeoutMs int `toml:"resolve_timeout_ms"`

	// PendingTimeoutMs is how long an automation command stays in the pending
	// table without a reply before it expires. Default: 30000
	PendingTimeoutMs int `toml:"pending_timeout_ms"`

	// MaxSessions caps concurrently running PTY sessions. Default: 20
	MaxSessions int `toml:"max_sessions"`

	// InputRateLimit is the sustained number of terminal input messages per
	// second a single connection may send before it is throttled. Default: 1000
	InputRateLimit int `toml:"input_rate_limit"`

	// InputBurst is the token bucket size for terminal input. Default: 64
	InputBurst int `toml:"input_burst"`

	// LogLevel controls logging verbosity: debug, info, warn, error.
	// Default: info
	LogLevel string `toml:"log_level"`

	// LogFormat selects the log encoder: console or json.
	// Default: console
	LogFormat string `toml:"log_format"`
}

// DefaultConfigPath returns the default config file location: ~/.canvas-relay/config.toml.
// Returns an error only if the user's home directory cannot be determined.
func DefaultConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".canvas-relay", "config.toml"), nil
}

// Load reads a TOML config file from the given path and returns a Config.
//
// Behavior:
//   - If path is empty, attempts to load from the default location.
//     Returns an empty Config without error if the default file doesn't exist.
//   - If path is specified, returns an error if the file doesn't exist.
//   - Returns an error if the file exists but cannot be parsed.
//
// The returned Config is not defaulted; call ApplyDefaults after merging flags.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path == "" {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			return cfg, nil
		}
		if _, err := os.Stat(defaultPath); os.IsNotExist(err) {
			return cfg, nil
		}
		path = defaultPath
	} else {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", path)
		}
	}

	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	// Unknown keys are almost always typos; reject them rather than
	// silently running with defaults.
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		return nil, fmt.Errorf("unknown keys in config file %s: %s", path, strings.Join(keys, ", "))
	}

	return cfg, nil
}

// ApplyDefaults fills every zero-valued field with its default.
func (c *Config) ApplyDefaults() {
	if c.Addr == "" {
		c.Addr = DefaultAddr
	}
	if c.DefaultCols <= 0 {
		c.DefaultCols = DefaultCols
	}
	if c.DefaultRows <= 0 {
		c.DefaultRows = DefaultRows
	}
	if c.ResolveTimeoutMs <= 0 {
		c.ResolveTimeoutMs = int(DefaultResolveTimeout / time.Millisecond)
	}
	if c.PendingTimeoutMs <= 0 {
		c.PendingTimeoutMs = int(DefaultPendingTimeout / time.Millisecond)
	}
	if c.MaxSessions <= 0 {
		c.MaxSessions = DefaultMaxSessions
	}
	if c.InputRateLimit <= 0 {
		c.InputRateLimit = DefaultInputRateLimit
	}
	if c.InputBurst <= 0 {
		c.InputBurst = DefaultInputBurst
	}
	if c.LogLevel == "" {
		c.LogLevel = DefaultLogLevel
	}
	if c.LogFormat == "" {
		c.LogFormat = DefaultLogFormat
	}
}

// Validate reports settings that cannot be used even after defaulting.
func (c *Config) Validate() error {
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log_level %q (want debug, info, warn or error)", c.LogLevel)
	}
	switch strings.ToLower(c.LogFormat) {
	case "console", "json":
	default:
		return fmt.Errorf("invalid log_format %q (want console or json)", c.LogFormat)
	}
	if c.Shell != "" {
		if _, err := os.Stat(c.Shell); err != nil && filepath.IsAbs(c.Shell) {
			return fmt.Errorf("shell %s: %w", c.Shell, err)
		}
	}
	return nil
}

// ResolveTimeout returns ResolveTimeoutMs as a duration.
func (c *Config) ResolveTimeout() time.Duration {
	return time.Duration(c.ResolveTimeoutMs) * time.Millisecond
}

// PendingTimeout returns PendingTimeoutMs as a duration.
func (c *Config) PendingTimeout() time.Duration {
	return time.Duration(c.PendingTimeoutMs) * time.Millisecond
}
