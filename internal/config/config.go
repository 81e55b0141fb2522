// ABOUTME: Configuration loading and parsing for coven-workbench
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Defaults applied when the corresponding field is left empty.
const (
	DefaultHTTPAddr             = "127.0.0.1:3001"
	DefaultReconnectGracePeriod = 30 * time.Second
	DefaultMessageTimeout       = 30 * time.Minute
	DefaultKillTimeout          = 5 * time.Second
	DefaultShutdownTimeout      = 10 * time.Second
	DefaultAgent                = "claude"
)

// Config represents the complete coven-workbench configuration
type Config struct {
	Server    ServerConfig    `yaml:"server" toml:"server"`
	Tailscale TailscaleConfig `yaml:"tailscale" toml:"tailscale"`
	Database  DatabaseConfig  `yaml:"database" toml:"database"`
	Auth      AuthConfig      `yaml:"auth" toml:"auth"`
	Sessions  SessionsConfig  `yaml:"sessions" toml:"sessions"`
	Agents    AgentsConfig    `yaml:"agents" toml:"agents"`
	Shell     ShellConfig     `yaml:"shell" toml:"shell"`
	Shutdown  ShutdownConfig  `yaml:"shutdown" toml:"shutdown"`
	Logging   LoggingConfig   `yaml:"logging" toml:"logging"`
}

// ServerConfig holds the HTTP/WebSocket listener configuration
type ServerConfig struct {
	HTTPAddr       string   `yaml:"http_addr" toml:"http_addr"`
	AllowedOrigins []string `yaml:"allowed_origins" toml:"allowed_origins"` // empty allows any origin
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Hostname  string `yaml:"hostname" toml:"hostname"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key"`
	StateDir  string `yaml:"state_dir" toml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral"`
	HTTPS     bool   `yaml:"https" toml:"https"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path" toml:"path"`
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	JWTSecret string        `yaml:"jwt_secret" toml:"jwt_secret"`
	TokenTTL  time.Duration `yaml:"-" toml:"-"`

	TokenTTLRaw string `yaml:"token_ttl" toml:"token_ttl"`
}

// SessionsConfig holds the session runtime timing and scratch storage settings
type SessionsConfig struct {
	ReconnectGracePeriod time.Duration `yaml:"-" toml:"-"`
	MessageTimeout       time.Duration `yaml:"-" toml:"-"`

	// TempDir is the root under which per-session scratch directories are created.
	TempDir  string `yaml:"temp_dir" toml:"temp_dir"`
	AutoName *bool  `yaml:"auto_name" toml:"auto_name"`

	// Raw string values for unmarshaling
	ReconnectGracePeriodRaw string `yaml:"reconnect_grace_period" toml:"reconnect_grace_period"`
	MessageTimeoutRaw       string `yaml:"message_timeout" toml:"message_timeout"`
}

// AutoNameEnabled reports whether unnamed sessions get a derived name after their first run.
func (s SessionsConfig) AutoNameEnabled() bool {
	return s.AutoName == nil || *s.AutoName
}

// AgentsConfig lists the agent CLIs that sessions can be dispatched to
type AgentsConfig struct {
	Default  string                  `yaml:"default" toml:"default"`
	Profiles map[string]AgentProfile `yaml:"profiles" toml:"profiles"`
}

// AgentProfile describes how to invoke one agent CLI.
// Args is a shell-style string split with shlex.
type AgentProfile struct {
	Binary         string `yaml:"binary" toml:"binary"`
	Args           string `yaml:"args" toml:"args"`
	PromptFlag     string `yaml:"prompt_flag" toml:"prompt_flag"`
	ResumeFlag     string `yaml:"resume_flag" toml:"resume_flag"`
	SessionFlag    string `yaml:"session_flag" toml:"session_flag"`
	ModelFlag      string `yaml:"model_flag" toml:"model_flag"`
	PermissionFlag string `yaml:"permission_flag" toml:"permission_flag"`
}

// ClaudeProfile is the built-in profile for the claude CLI.
func ClaudeProfile() AgentProfile {
	return AgentProfile{
		Binary:         "claude",
		Args:           "--verbose --output-format stream-json",
		PromptFlag:     "-p",
		ResumeFlag:     "--resume",
		SessionFlag:    "--session-id",
		ModelFlag:      "--model",
		PermissionFlag: "--permission-mode",
	}
}

// ShellConfig holds terminal settings
type ShellConfig struct {
	Command string `yaml:"command" toml:"command"` // defaults to $SHELL, then /bin/sh
}

// ShutdownConfig bounds process termination on shutdown
type ShutdownConfig struct {
	KillTimeout time.Duration `yaml:"-" toml:"-"`
	Timeout     time.Duration `yaml:"-" toml:"-"`

	KillTimeoutRaw string `yaml:"kill_timeout" toml:"kill_timeout"`
	TimeoutRaw     string `yaml:"timeout" toml:"timeout"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are decoded as TOML, everything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg, err := Parse(data, filepath.Ext(path))
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes raw configuration bytes. ext selects the format (".toml" or YAML otherwise).
func Parse(data []byte, ext string) (*Config, error) {
	expanded := expandEnvVars(string(data))

	var cfg Config
	if strings.EqualFold(ext, ".toml") {
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

// applyDefaults fills zero values with their documented defaults.
func (c *Config) applyDefaults() {
	if c.Server.HTTPAddr == "" && !c.Tailscale.Enabled {
		c.Server.HTTPAddr = DefaultHTTPAddr
	}
	if c.Sessions.ReconnectGracePeriod == 0 {
		c.Sessions.ReconnectGracePeriod = DefaultReconnectGracePeriod
	}
	if c.Sessions.MessageTimeout == 0 {
		c.Sessions.MessageTimeout = DefaultMessageTimeout
	}
	if c.Sessions.TempDir == "" {
		c.Sessions.TempDir = filepath.Join(os.TempDir(), "coven-workbench")
	}
	if c.Auth.TokenTTL == 0 {
		c.Auth.TokenTTL = 7 * 24 * time.Hour
	}
	if c.Shutdown.KillTimeout == 0 {
		c.Shutdown.KillTimeout = DefaultKillTimeout
	}
	if c.Shutdown.Timeout == 0 {
		c.Shutdown.Timeout = DefaultShutdownTimeout
	}
	if c.Agents.Default == "" {
		c.Agents.Default = DefaultAgent
	}
	if c.Agents.Profiles == nil {
		c.Agents.Profiles = make(map[string]AgentProfile)
	}
	if _, ok := c.Agents.Profiles["claude"]; !ok {
		c.Agents.Profiles["claude"] = ClaudeProfile()
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required (or enable tailscale)")
	}

	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	if len(c.Auth.JWTSecret) < 32 {
		return fmt.Errorf("auth.jwt_secret must be at least 32 bytes")
	}

	if _, ok := c.Agents.Profiles[c.Agents.Default]; !ok {
		return fmt.Errorf("agents.default %q has no profile", c.Agents.Default)
	}
	for name, p := range c.Agents.Profiles {
		if p.Binary == "" {
			return fmt.Errorf("agents.profiles.%s.binary is required", name)
		}
	}

	if c.Shutdown.KillTimeout > c.Shutdown.Timeout {
		return fmt.Errorf("shutdown.kill_timeout (%s) exceeds shutdown.timeout (%s)", c.Shutdown.KillTimeout, c.Shutdown.Timeout)
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
		{"auth.token_ttl", cfg.Auth.TokenTTLRaw, &cfg.Auth.TokenTTL},
		{"sessions.reconnect_grace_period", cfg.Sessions.ReconnectGracePeriodRaw, &cfg.Sessions.ReconnectGracePeriod},
		{"sessions.message_timeout", cfg.Sessions.MessageTimeoutRaw, &cfg.Sessions.MessageTimeout},
		{"shutdown.kill_timeout", cfg.Shutdown.KillTimeoutRaw, &cfg.Shutdown.KillTimeout},
		{"shutdown.timeout", cfg.Shutdown.TimeoutRaw, &cfg.Shutdown.Timeout},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		if d < 0 {
			return fmt.Errorf("%s must not be negative", f.name)
		}
		*f.dst = d
	}

	return nil
}
