// ABOUTME: Configuration loading and parsing for tarsy-console
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete tarsy-console configuration
type Config struct {
	Backend Backend `yaml:"backend"`
	Stream  Stream  `yaml:"stream"`
	Journal Journal `yaml:"journal"`
	Chat    Chat    `yaml:"chat"`
	Logging Logging `yaml:"logging"`
}

// Backend holds the REST API endpoint configuration
type Backend struct {
	BaseURL string `yaml:"base_url"`
	// Token is the bearer token sent on every request. Usually set via
	// ${TARSY_API_TOKEN} in the config file.
	Token string `yaml:"token"`
}

// Stream holds the WebSocket event stream configuration
type Stream struct {
	URL          string `yaml:"url"`
	DialAttempts int    `yaml:"dial_attempts"`

	PingInterval time.Duration `yaml:"-"`
	ReconnectMin time.Duration `yaml:"-"`
	ReconnectMax time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	PingIntervalRaw string `yaml:"ping_interval"`
	ReconnectMinRaw string `yaml:"reconnect_min"`
	ReconnectMaxRaw string `yaml:"reconnect_max"`
}

// Journal holds the local event journal configuration
type Journal struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Chat holds follow-up chat configuration
type Chat struct {
	// Author is the name attached to messages sent from this console
	Author string `yaml:"author"`
}

// Logging holds logging configuration
type Logging struct {
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

	// Parse duration fields
	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	// Match ${VAR_NAME} pattern
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		// Extract variable name from ${VAR_NAME}
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Backend.BaseURL == "" {
		return fmt.Errorf("backend.base_url is required")
	}

	// The stream URL defaults to the backend host; when given it must not
	// be an http(s) URL pasted by mistake.
	if c.Stream.URL != "" {
		if !strings.HasPrefix(c.Stream.URL, "ws://") && !strings.HasPrefix(c.Stream.URL, "wss://") {
			return fmt.Errorf("stream.url must be a ws:// or wss:// URL")
		}
	}

	if c.Journal.Enabled && c.Journal.Path == "" {
		return fmt.Errorf("journal.path is required when journal is enabled")
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Stream.PingIntervalRaw != "" {
		cfg.Stream.PingInterval, err = time.ParseDuration(cfg.Stream.PingIntervalRaw)
		if err != nil {
			return fmt.Errorf("parsing ping_interval %q: %w", cfg.Stream.PingIntervalRaw, err)
		}
	}

	if cfg.Stream.ReconnectMinRaw != "" {
		cfg.Stream.ReconnectMin, err = time.ParseDuration(cfg.Stream.ReconnectMinRaw)
		if err != nil {
			return fmt.Errorf("parsing reconnect_min %q: %w", cfg.Stream.ReconnectMinRaw, err)
		}
	}

	if cfg.Stream.ReconnectMaxRaw != "" {
		cfg.Stream.ReconnectMax, err = time.ParseDuration(cfg.Stream.ReconnectMaxRaw)
		if err != nil {
			return fmt.Errorf("parsing reconnect_max %q: %w", cfg.Stream.ReconnectMaxRaw, err)
		}
	}

	return nil
}
