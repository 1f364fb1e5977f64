// ABOUTME: Configuration loading and parsing for opencode-bridge
// ABOUTME: Supports YAML/JSON/TOML files with environment variable expansion and duration parsing

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

// Session ledger backends.
const (
	BackendFile   = "file"
	BackendSQLite = "sqlite"
	BackendMemory = "memory"
)

// Default values applied when a field is left empty.
const (
	DefaultHealthTimeout = 5 * time.Second
	DefaultAPITimeout    = 10 * time.Second
	DefaultPromptTimeout = 300 * time.Second
	DefaultGitTimeout    = 30 * time.Second
	DefaultGitRemote     = "relay"
	DefaultGitBranch     = "main"
	DefaultMetricsAddr   = "127.0.0.1:9464"
	DefaultMetricsPath   = "/metrics"
)

// ErrMissingAgents is returned when the config has no "agents" object at all.
var ErrMissingAgents = errors.New(`missing "agents" object`)

// Config represents the complete opencode-bridge configuration
type Config struct {
	Agents    map[string]AgentConfig `yaml:"agents" toml:"agents"`
	Sessions  SessionsConfig         `yaml:"sessions" toml:"sessions"`
	Timeouts  TimeoutsConfig         `yaml:"timeouts" toml:"timeouts"`
	RelayCode RelayCodeConfig        `yaml:"relay_code" toml:"relay_code"`
	Logging   LoggingConfig          `yaml:"logging" toml:"logging"`
	Metrics   MetricsConfig          `yaml:"metrics" toml:"metrics"`
}

// AgentConfig describes how to reach one remote OpenCode agent.
// The field names match the original agents.json layout.
type AgentConfig struct {
	URL         string `yaml:"url" toml:"url"`
	Description string `yaml:"description" toml:"description"`
	Username    string `yaml:"username" toml:"username"`
	Password    string `yaml:"password" toml:"password"`
}

// SessionsConfig selects where session bindings are persisted
type SessionsConfig struct {
	Backend string `yaml:"backend" toml:"backend"`
	Path    string `yaml:"path" toml:"path"`
}

// TimeoutsConfig holds per-operation timeouts for remote agent calls
type TimeoutsConfig struct {
	Health time.Duration `yaml:"-" toml:"-"`
	API    time.Duration `yaml:"-" toml:"-"`
	Prompt time.Duration `yaml:"-" toml:"-"`

	// Raw string values for unmarshaling
	HealthRaw string `yaml:"health" toml:"health"`
	APIRaw    string `yaml:"api" toml:"api"`
	PromptRaw string `yaml:"prompt" toml:"prompt"`
}

// RelayCodeConfig holds defaults for the git relay tool
type RelayCodeConfig struct {
	Workdir string        `yaml:"workdir" toml:"workdir"`
	Remote  string        `yaml:"remote" toml:"remote"`
	Branch  string        `yaml:"branch" toml:"branch"`
	Timeout time.Duration `yaml:"-" toml:"-"`

	TimeoutRaw string `yaml:"timeout" toml:"timeout"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Addr    string `yaml:"addr" toml:"addr"`
	Path    string `yaml:"path" toml:"path"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// The format is picked from the file extension: .toml is decoded as TOML, anything
// else as YAML (which also accepts plain JSON).
// Environment variables in the format ${VAR_NAME} are expanded.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg, err := Parse(data, filepath.Ext(path))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes raw config bytes. ext selects the decoder (".toml" or YAML/JSON).
func Parse(data []byte, ext string) (*Config, error) {
	// Expand environment variables in the raw content
	expanded := expandEnvVars(string(data))

	var cfg Config
	switch strings.ToLower(ext) {
	case ".toml":
		if _, err := toml.Decode(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	default:
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

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

// applyDefaults fills every unset field with its default value.
func (c *Config) applyDefaults() {
	if c.Sessions.Backend == "" {
		c.Sessions.Backend = BackendFile
	}
	if c.Sessions.Path == "" {
		c.Sessions.Path = DefaultSessionPath(c.Sessions.Backend)
	}
	c.Sessions.Path = expandHome(c.Sessions.Path)

	if c.Timeouts.Health == 0 {
		c.Timeouts.Health = DefaultHealthTimeout
	}
	if c.Timeouts.API == 0 {
		c.Timeouts.API = DefaultAPITimeout
	}
	if c.Timeouts.Prompt == 0 {
		c.Timeouts.Prompt = DefaultPromptTimeout
	}

	if env := os.Getenv("BRIDGE_GIT_CWD"); env != "" {
		c.RelayCode.Workdir = env
	}
	c.RelayCode.Workdir = expandHome(c.RelayCode.Workdir)
	if c.RelayCode.Remote == "" {
		c.RelayCode.Remote = DefaultGitRemote
	}
	if c.RelayCode.Branch == "" {
		c.RelayCode.Branch = DefaultGitBranch
	}
	if c.RelayCode.Timeout == 0 {
		c.RelayCode.Timeout = DefaultGitTimeout
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}

	if c.Metrics.Addr == "" {
		c.Metrics.Addr = DefaultMetricsAddr
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = DefaultMetricsPath
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Agents == nil {
		return ErrMissingAgents
	}

	for name, agent := range c.Agents {
		if agent.URL == "" {
			return fmt.Errorf("agent %q missing required \"url\" field", name)
		}
		u, err := url.Parse(agent.URL)
		if err != nil {
			return fmt.Errorf("agent %q has invalid url %q: %w", name, agent.URL, err)
		}
		if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("agent %q url %q must be an absolute http(s) URL", name, agent.URL)
		}
	}

	switch c.Sessions.Backend {
	case BackendFile, BackendSQLite, BackendMemory:
	default:
		return fmt.Errorf("sessions.backend %q is not one of file, sqlite, memory", c.Sessions.Backend)
	}

	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format %q is not one of text, json", c.Logging.Format)
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
		{"timeouts.health", cfg.Timeouts.HealthRaw, &cfg.Timeouts.Health},
		{"timeouts.api", cfg.Timeouts.APIRaw, &cfg.Timeouts.API},
		{"timeouts.prompt", cfg.Timeouts.PromptRaw, &cfg.Timeouts.Prompt},
		{"relay_code.timeout", cfg.RelayCode.TimeoutRaw, &cfg.RelayCode.Timeout},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %q", f.name, f.raw)
		}
		*f.dst = d
	}

	return nil
}

// DefaultConfigPath returns the path to the bridge config file.
// Priority: BRIDGE_CONFIG env var > XDG_CONFIG_HOME/opencode-bridge/agents.yaml > ~/.config/opencode-bridge/agents.yaml
func DefaultConfigPath() string {
	if envPath := os.Getenv("BRIDGE_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "agents.yaml"
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "opencode-bridge", "agents.yaml")
}

// DefaultSessionPath returns where the session ledger lives when the config doesn't say.
// Priority: BRIDGE_SESSION_STORE env var > XDG_DATA_HOME/opencode-bridge > ~/.local/share/opencode-bridge
func DefaultSessionPath(backend string) string {
	if envPath := os.Getenv("BRIDGE_SESSION_STORE"); envPath != "" {
		return envPath
	}

	name := "sessions.json"
	if backend == BackendSQLite {
		name = "sessions.db"
	}

	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "." + name
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "opencode-bridge", name)
}

func expandHome(p string) string {
	if p != "~" && !strings.HasPrefix(p, "~/") {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(home, strings.TrimPrefix(p, "~"))
}
