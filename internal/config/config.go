// ABOUTME: Configuration loading and parsing for squadhub
// ABOUTME: Supports YAML and TOML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Config represents the complete squadhub configuration
type Config struct {
	Server        ServerConfig        `yaml:"server" toml:"server"`
	Database      DatabaseConfig      `yaml:"database" toml:"database"`
	Auth          AuthConfig          `yaml:"auth" toml:"auth"`
	Hub           HubConfig           `yaml:"hub" toml:"hub"`
	Conversations ConversationsConfig `yaml:"conversations" toml:"conversations"`
	Logging       LoggingConfig       `yaml:"logging" toml:"logging"`
	Metrics       MetricsConfig       `yaml:"metrics" toml:"metrics"`
}

// ServerConfig holds the HTTP listen address
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path" toml:"path"`
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret" toml:"jwt_secret"`
}

// HubConfig holds event hub tuning. Durations are parsed from the raw string
// fields after unmarshaling.
type HubConfig struct {
	HeartbeatInterval time.Duration `yaml:"-" toml:"-"`
	SendTimeout       time.Duration `yaml:"-" toml:"-"`
	QueueSize         int           `yaml:"queue_size" toml:"queue_size"`
	ReplaySize        int           `yaml:"replay_size" toml:"replay_size"`
	DropThreshold     int           `yaml:"drop_threshold" toml:"drop_threshold"`

	HeartbeatIntervalRaw string `yaml:"heartbeat_interval" toml:"heartbeat_interval"`
	SendTimeoutRaw       string `yaml:"send_timeout" toml:"send_timeout"`
}

// ConversationsConfig holds question/answer timeout tuning
type ConversationsConfig struct {
	Timeout         time.Duration `yaml:"-" toml:"-"`
	FollowUpTimeout time.Duration `yaml:"-" toml:"-"`
	SweepInterval   time.Duration `yaml:"-" toml:"-"`

	TimeoutRaw         string `yaml:"timeout" toml:"timeout"`
	FollowUpTimeoutRaw string `yaml:"follow_up_timeout" toml:"follow_up_timeout"`
	SweepIntervalRaw   string `yaml:"sweep_interval" toml:"sweep_interval"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Path    string `yaml:"path" toml:"path"`
}

// Default returns a Config populated with the stock tuning values. Loading a
// file overrides only the fields it sets.
func Default() *Config {
	return &Config{
		Server:   ServerConfig{HTTPAddr: ":8080"},
		Database: DatabaseConfig{Path: "squadhub.db"},
		Hub: HubConfig{
			HeartbeatInterval: 15 * time.Second,
			SendTimeout:       time.Second,
			QueueSize:         100,
			ReplaySize:        10,
			DropThreshold:     25,
		},
		Conversations: ConversationsConfig{
			Timeout:         2 * time.Minute,
			FollowUpTimeout: time.Minute,
			SweepInterval:   10 * time.Second,
		},
		Logging: LoggingConfig{Level: "info", Format: "text"},
		Metrics: MetricsConfig{Enabled: true, Path: "/metrics"},
	}
}

// Load reads a configuration file from the given path and returns a parsed
// Config. The format is chosen by file extension: .toml is TOML, everything
// else is YAML. Environment variables in the format ${VAR_NAME} are expanded
// before parsing, and duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded := expandEnvVars(string(data))

	cfg := Default()
	switch filepath.Ext(path) {
	case ".toml":
		if err := toml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	default:
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := parseDurations(cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding
// environment variable values. Unset variables become empty strings.
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
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.Hub.QueueSize <= 0 {
		return fmt.Errorf("hub.queue_size must be positive")
	}
	if c.Hub.ReplaySize < 0 {
		return fmt.Errorf("hub.replay_size must not be negative")
	}
	if c.Hub.DropThreshold <= 0 {
		return fmt.Errorf("hub.drop_threshold must be positive")
	}
	if c.Conversations.Timeout <= 0 {
		return fmt.Errorf("conversations.timeout must be positive")
	}
	if c.Conversations.FollowUpTimeout <= 0 {
		return fmt.Errorf("conversations.follow_up_timeout must be positive")
	}
	if c.Conversations.SweepInterval <= 0 {
		return fmt.Errorf("conversations.sweep_interval must be positive")
	}
	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		raw  string
		name string
		dst  *time.Duration
	}{
		{cfg.Hub.HeartbeatIntervalRaw, "hub.heartbeat_interval", &cfg.Hub.HeartbeatInterval},
		{cfg.Hub.SendTimeoutRaw, "hub.send_timeout", &cfg.Hub.SendTimeout},
		{cfg.Conversations.TimeoutRaw, "conversations.timeout", &cfg.Conversations.Timeout},
		{cfg.Conversations.FollowUpTimeoutRaw, "conversations.follow_up_timeout", &cfg.Conversations.FollowUpTimeout},
		{cfg.Conversations.SweepIntervalRaw, "conversations.sweep_interval", &cfg.Conversations.SweepInterval},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}
	return nil
}
