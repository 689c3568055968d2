// ABOUTME: Configuration loading and parsing for the chat client and fake agent
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid config")

// Defaults applied when a field is left empty.
const (
	DefaultBaseURL          = "http://127.0.0.1:8090"
	DefaultAgentTimeout     = 30 * time.Second
	DefaultTranscriptDriver = "memory"
	DefaultTranscriptTTL    = 7 * 24 * time.Hour
	DefaultLeadDedupeTTL    = 24 * time.Hour
	DefaultLeadMaxEntries   = 1000
	DefaultFakeAgentAddr    = "127.0.0.1:8090"
	DefaultStreamDelay      = 150 * time.Millisecond
)

// Config represents the complete carblau configuration
type Config struct {
	Agent      AgentConfig      `yaml:"agent" toml:"agent"`
	Transcript TranscriptConfig `yaml:"transcript" toml:"transcript"`
	Leads      LeadsConfig      `yaml:"leads" toml:"leads"`
	Logging    LoggingConfig    `yaml:"logging" toml:"logging"`
	FakeAgent  FakeAgentConfig  `yaml:"fake_agent" toml:"fake_agent"`
}

// AgentConfig holds the Agent API connection settings
type AgentConfig struct {
	BaseURL string `yaml:"base_url" toml:"base_url"`
	Token   string `yaml:"token" toml:"token"`
	// Stream asks for event-stream replies instead of one-shot JSON.
	Stream bool `yaml:"stream" toml:"stream"`

	Timeout    time.Duration `yaml:"-" toml:"-"`
	TimeoutRaw string        `yaml:"timeout" toml:"timeout"`
}

// TranscriptConfig selects where confirmed conversation logs are saved
type TranscriptConfig struct {
	Driver    string `yaml:"driver" toml:"driver"`
	Path      string `yaml:"path" toml:"path"`
	RedisAddr string `yaml:"redis_addr" toml:"redis_addr"`

	TTL    time.Duration `yaml:"-" toml:"-"`
	TTLRaw string        `yaml:"ttl" toml:"ttl"`
}

// LeadsConfig controls lead deduplication
type LeadsConfig struct {
	MaxEntries int `yaml:"max_entries" toml:"max_entries"`

	DedupeTTL    time.Duration `yaml:"-" toml:"-"`
	DedupeTTLRaw string        `yaml:"dedupe_ttl" toml:"dedupe_ttl"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// FakeAgentConfig holds settings for the local fake Agent API
type FakeAgentConfig struct {
	Addr string `yaml:"addr" toml:"addr"`

	StreamDelay    time.Duration `yaml:"-" toml:"-"`
	StreamDelayRaw string        `yaml:"stream_delay" toml:"stream_delay"`
}

// DefaultPath returns the path to the config file.
// Priority: CARBLAU_CONFIG env var > XDG_CONFIG_HOME/carblau/chat.yaml > ~/.config/carblau/chat.yaml
func DefaultPath() string {
	if envPath := os.Getenv("CARBLAU_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "chat.yaml"
		}
		configDir = filepath.Join(homeDir, ".config")
	}
	return filepath.Join(configDir, "carblau", "chat.yaml")
}

// DefaultDataPath returns the directory for local data such as the SQLite
// transcript database.
// Priority: XDG_DATA_HOME/carblau > ~/.local/share/carblau
func DefaultDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data"
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}
	return filepath.Join(dataDir, "carblau")
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	var cfg Config
	applyDefaults(&cfg)
	return &cfg
}

// Load reads a configuration file and returns a parsed Config. Files ending
// in .toml are decoded as TOML, everything else as YAML. Environment
// variables in the format ${VAR_NAME} are expanded. Duration strings are
// parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded := expandEnvVars(string(data))

	var cfg Config
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else {
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// LoadOrDefault loads path, falling back to Default when the file does not exist.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return Default(), nil
	}
	return cfg, err
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// applyDefaults fills empty fields. Durations given explicitly, including
// "0s", are kept.
func applyDefaults(cfg *Config) {
	if cfg.Agent.BaseURL == "" {
		cfg.Agent.BaseURL = DefaultBaseURL
	}
	if cfg.Agent.TimeoutRaw == "" {
		cfg.Agent.Timeout = DefaultAgentTimeout
	}

	if cfg.Transcript.Driver == "" {
		cfg.Transcript.Driver = DefaultTranscriptDriver
	}
	if cfg.Transcript.Driver == "sqlite" && cfg.Transcript.Path == "" {
		cfg.Transcript.Path = filepath.Join(DefaultDataPath(), "transcripts.db")
	}
	if cfg.Transcript.TTLRaw == "" {
		cfg.Transcript.TTL = DefaultTranscriptTTL
	}

	if cfg.Leads.DedupeTTLRaw == "" {
		cfg.Leads.DedupeTTL = DefaultLeadDedupeTTL
	}
	if cfg.Leads.MaxEntries == 0 {
		cfg.Leads.MaxEntries = DefaultLeadMaxEntries
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}

	if cfg.FakeAgent.Addr == "" {
		cfg.FakeAgent.Addr = DefaultFakeAgentAddr
	}
	if cfg.FakeAgent.StreamDelayRaw == "" {
		cfg.FakeAgent.StreamDelay = DefaultStreamDelay
	}
}

// Validate checks that all configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	u, err := url.Parse(c.Agent.BaseURL)
	if err != nil {
		return fmt.Errorf("%w: agent.base_url is not a valid URL: %v", ErrInvalidConfig, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%w: agent.base_url must use http or https scheme", ErrInvalidConfig)
	}
	if u.Host == "" {
		return fmt.Errorf("%w: agent.base_url has no host", ErrInvalidConfig)
	}
	if c.Agent.Timeout < 0 {
		return fmt.Errorf("%w: agent.timeout must not be negative", ErrInvalidConfig)
	}

	switch c.Transcript.Driver {
	case "memory":
	case "sqlite":
		if c.Transcript.Path == "" {
			return fmt.Errorf("%w: transcript.path is required for the sqlite driver", ErrInvalidConfig)
		}
	case "redis":
		if c.Transcript.RedisAddr == "" {
			return fmt.Errorf("%w: transcript.redis_addr is required for the redis driver", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown transcript.driver %q", ErrInvalidConfig, c.Transcript.Driver)
	}

	if c.Leads.MaxEntries < 0 {
		return fmt.Errorf("%w: leads.max_entries must not be negative", ErrInvalidConfig)
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("%w: unknown logging.level %q", ErrInvalidConfig, c.Logging.Level)
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("%w: unknown logging.format %q", ErrInvalidConfig, c.Logging.Format)
	}

	if c.FakeAgent.StreamDelay < 0 {
		return fmt.Errorf("%w: fake_agent.stream_delay must not be negative", ErrInvalidConfig)
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"agent.timeout", cfg.Agent.TimeoutRaw, &cfg.Agent.Timeout},
		{"transcript.ttl", cfg.Transcript.TTLRaw, &cfg.Transcript.TTL},
		{"leads.dedupe_ttl", cfg.Leads.DedupeTTLRaw, &cfg.Leads.DedupeTTL},
		{"fake_agent.stream_delay", cfg.FakeAgent.StreamDelayRaw, &cfg.FakeAgent.StreamDelay},
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
