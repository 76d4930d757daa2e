// ABOUTME: Configuration loading and parsing for openclaw-gateway
// ABOUTME: YAML with environment variable expansion, env overrides, and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Config represents the complete openclaw-gateway configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Tailscale TailscaleConfig `yaml:"tailscale"`
	Database  DatabaseConfig  `yaml:"database"`
	Auth      AuthConfig      `yaml:"auth"`
	Protocol  ProtocolConfig  `yaml:"protocol"`
	Sessions  SessionsConfig  `yaml:"sessions"`
	Failover  FailoverConfig  `yaml:"failover"`
	Agents    []AgentConfig   `yaml:"agents"`
	Channels  []ChannelConfig `yaml:"channels"`
	Bindings  BindingsConfig  `yaml:"bindings"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig holds listener address configuration.
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr" env:"OPENCLAW_HTTP_ADDR"`
}

// TailscaleConfig holds tsnet listener configuration.
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Hostname  string `yaml:"hostname"`
	AuthKey   string `yaml:"auth_key" env:"TS_AUTHKEY"`
	StateDir  string `yaml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral"`
}

// DatabaseConfig holds the SQLite store location.
type DatabaseConfig struct {
	Path string `yaml:"path" env:"OPENCLAW_DB_PATH"`
}

// AuthConfig holds handshake authentication configuration.
type AuthConfig struct {
	JWTSecret    string        `yaml:"jwt_secret" env:"OPENCLAW_JWT_SECRET"`
	StaticTokens []StaticToken `yaml:"static_tokens"`
}

// StaticToken maps a bcrypt token hash to an identity.
type StaticToken struct {
	Identity  string `yaml:"identity"`
	TokenHash string `yaml:"token_hash"`
}

// ProtocolConfig tunes the connection manager.
type ProtocolConfig struct {
	QueueSize int `yaml:"queue_size"`

	DrainGrace  time.Duration `yaml:"-"`
	IdleTimeout time.Duration `yaml:"-"`

	DrainGraceRaw  string `yaml:"drain_grace"`
	IdleTimeoutRaw string `yaml:"idle_timeout"`
}

// SessionsConfig tunes the session store.
type SessionsConfig struct {
	IdleWindow    time.Duration `yaml:"-"`
	SweepInterval time.Duration `yaml:"-"`

	IdleWindowRaw    string `yaml:"idle_window"`
	SweepIntervalRaw string `yaml:"sweep_interval"`
}

// FailoverConfig tunes the auth-profile failover orchestrator and dispatcher.
type FailoverConfig struct {
	FailureThreshold int `yaml:"failure_threshold"`
	MaxAttempts      int `yaml:"max_attempts"`

	Cooldown      time.Duration `yaml:"-"`
	InvokeTimeout time.Duration `yaml:"-"`

	CooldownRaw      string `yaml:"cooldown"`
	InvokeTimeoutRaw string `yaml:"invoke_timeout"`
}

// AgentConfig defines one agent and its ordered auth profiles.
type AgentConfig struct {
	ID       string          `yaml:"id"`
	Name     string          `yaml:"name"`
	Policy   string          `yaml:"policy"` // "round-robin" (default) or "last-good"
	Profiles []ProfileConfig `yaml:"profiles"`
}

// ProfileConfig defines one credential/endpoint an agent can use.
type ProfileConfig struct {
	ID         string `yaml:"id"`
	Priority   int    `yaml:"priority"`
	Endpoint   string `yaml:"endpoint"`
	Credential string `yaml:"credential"`
}

// ChannelConfig defines channel-level routing defaults.
type ChannelConfig struct {
	ID           string `yaml:"id"`
	DefaultAgent string `yaml:"default_agent"`
}

// BindingsConfig points at the TOML binding seed file.
type BindingsConfig struct {
	Path string `yaml:"path" env:"OPENCLAW_BINDINGS_PATH"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level" env:"OPENCLAW_LOG_LEVEL"`
	Format string `yaml:"format"`
}

// Defaults applied when fields are unset.
const (
	DefaultQueueSize        = 256
	DefaultDrainGrace       = 5 * time.Second
	DefaultIdleTimeout      = 5 * time.Minute
	DefaultIdleWindow       = 30 * time.Minute
	DefaultSweepInterval    = time.Minute
	DefaultFailureThreshold = 3
	DefaultMaxAttempts      = 3
	DefaultCooldown         = 30 * time.Second
	DefaultInvokeTimeout    = 120 * time.Second
)

// Load reads a configuration file from the given path and returns a parsed
// Config. ${VAR_NAME} patterns are expanded from the environment before
// parsing, then OPENCLAW_* environment variables override individual fields.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse parses raw YAML config bytes. Split from Load for tests and reload.
func Parse(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("applying env overrides: %w", err)
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

// expandEnvVars replaces ${VAR_NAME} patterns with environment values.
// Unset variables expand to the empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)
	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Validate checks that required fields are present and cross-field
// invariants hold. Duplicate binding keys are rejected at load time by
// snapshot building, not here.
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

	seenAgents := make(map[string]bool)
	for i, a := range c.Agents {
		if a.ID == "" {
			return fmt.Errorf("agents[%d].id is required", i)
		}
		if seenAgents[a.ID] {
			return fmt.Errorf("duplicate agent id %q", a.ID)
		}
		seenAgents[a.ID] = true
		if len(a.Profiles) == 0 {
			return fmt.Errorf("agent %q has no profiles", a.ID)
		}
		if a.Policy != "" && a.Policy != PolicyRoundRobin && a.Policy != PolicyLastGood {
			return fmt.Errorf("agent %q: unknown selection policy %q", a.ID, a.Policy)
		}
		seenProfiles := make(map[string]bool)
		for j, p := range a.Profiles {
			if p.ID == "" {
				return fmt.Errorf("agent %q profiles[%d].id is required", a.ID, j)
			}
			if seenProfiles[p.ID] {
				return fmt.Errorf("agent %q: duplicate profile id %q", a.ID, p.ID)
			}
			seenProfiles[p.ID] = true
		}
	}

	for i, ch := range c.Channels {
		if ch.ID == "" {
			return fmt.Errorf("channels[%d].id is required", i)
		}
		if ch.DefaultAgent != "" && !seenAgents[ch.DefaultAgent] {
			return fmt.Errorf("channel %q: default_agent %q is not a configured agent", ch.ID, ch.DefaultAgent)
		}
	}

	return nil
}

// Selection policy names.
const (
	PolicyRoundRobin = "round-robin"
	PolicyLastGood   = "last-good"
)

func applyDefaults(cfg *Config) {
	if cfg.Protocol.QueueSize <= 0 {
		cfg.Protocol.QueueSize = DefaultQueueSize
	}
	if cfg.Protocol.DrainGrace <= 0 {
		cfg.Protocol.DrainGrace = DefaultDrainGrace
	}
	if cfg.Protocol.IdleTimeout <= 0 {
		cfg.Protocol.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.Sessions.IdleWindow <= 0 {
		cfg.Sessions.IdleWindow = DefaultIdleWindow
	}
	if cfg.Sessions.SweepInterval <= 0 {
		cfg.Sessions.SweepInterval = DefaultSweepInterval
	}
	if cfg.Failover.FailureThreshold <= 0 {
		cfg.Failover.FailureThreshold = DefaultFailureThreshold
	}
	if cfg.Failover.MaxAttempts <= 0 {
		cfg.Failover.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.Failover.Cooldown <= 0 {
		cfg.Failover.Cooldown = DefaultCooldown
	}
	if cfg.Failover.InvokeTimeout <= 0 {
		cfg.Failover.InvokeTimeout = DefaultInvokeTimeout
	}
	for i := range cfg.Agents {
		if cfg.Agents[i].Policy == "" {
			cfg.Agents[i].Policy = PolicyRoundRobin
		}
	}
}

// parseDurations converts raw duration strings into time.Duration values.
func parseDurations(cfg *Config) error {
	fields := []struct {
		raw  string
		dst  *time.Duration
		name string
	}{
		{cfg.Protocol.DrainGraceRaw, &cfg.Protocol.DrainGrace, "protocol.drain_grace"},
		{cfg.Protocol.IdleTimeoutRaw, &cfg.Protocol.IdleTimeout, "protocol.idle_timeout"},
		{cfg.Sessions.IdleWindowRaw, &cfg.Sessions.IdleWindow, "sessions.idle_window"},
		{cfg.Sessions.SweepIntervalRaw, &cfg.Sessions.SweepInterval, "sessions.sweep_interval"},
		{cfg.Failover.CooldownRaw, &cfg.Failover.Cooldown, "failover.cooldown"},
		{cfg.Failover.InvokeTimeoutRaw, &cfg.Failover.InvokeTimeout, "failover.invoke_timeout"},
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
