// ABOUTME: Configuration loading and parsing for teamwire
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete teamwire configuration
type Config struct {
	Session  SessionConfig  `yaml:"session"`
	Database DatabaseConfig `yaml:"database"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// SessionConfig holds the hub socket, credentials, and timing for one team
type SessionConfig struct {
	Name       string `yaml:"name"`
	SocketPath string `yaml:"socket_path"`
	// Secret is the hex-encoded HMAC key shared between hub and agents
	Secret string `yaml:"secret"`
	// JoinSecret signs join tokens; empty disables the token gate
	JoinSecret string `yaml:"join_secret"`
	LeaderID   string `yaml:"leader_id"`

	HeartbeatInterval time.Duration `yaml:"-"`
	RequestTimeout    time.Duration `yaml:"-"`
	PlanTimeout       time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	HeartbeatIntervalRaw string `yaml:"heartbeat_interval"`
	RequestTimeoutRaw    string `yaml:"request_timeout"`
	PlanTimeoutRaw       string `yaml:"plan_timeout"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Session.SocketPath == "" {
		return fmt.Errorf("session.socket_path is required")
	}
	if c.Session.Secret != "" {
		if _, err := hex.DecodeString(c.Session.Secret); err != nil {
			return fmt.Errorf("session.secret must be hex encoded: %w", err)
		}
	}
	return nil
}

// SecretBytes decodes the shared HMAC key. Empty config yields nil.
func (c *Config) SecretBytes() ([]byte, error) {
	if c.Session.Secret == "" {
		return nil, nil
	}
	return hex.DecodeString(c.Session.Secret)
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Session.HeartbeatIntervalRaw != "" {
		cfg.Session.HeartbeatInterval, err = time.ParseDuration(cfg.Session.HeartbeatIntervalRaw)
		if err != nil {
			return fmt.Errorf("parsing heartbeat_interval %q: %w", cfg.Session.HeartbeatIntervalRaw, err)
		}
	}

	if cfg.Session.RequestTimeoutRaw != "" {
		cfg.Session.RequestTimeout, err = time.ParseDuration(cfg.Session.RequestTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing request_timeout %q: %w", cfg.Session.RequestTimeoutRaw, err)
		}
	}

	if cfg.Session.PlanTimeoutRaw != "" {
		cfg.Session.PlanTimeout, err = time.ParseDuration(cfg.Session.PlanTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing plan_timeout %q: %w", cfg.Session.PlanTimeoutRaw, err)
		}
	}

	return nil
}
