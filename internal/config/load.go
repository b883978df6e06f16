package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/titanous/json5"
)

// Env var names for secrets. Secrets are never read from the config file.
const (
	EnvAdminToken  = "AGENTGATE_TOKEN"
	EnvTokenPrefix = "AGENTGATE_TOKEN_" // per-scoped-token: AGENTGATE_TOKEN_{NAME}
)

// DefaultPath returns the default config file location.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "agentgate.json5"
	}
	return filepath.Join(home, ".agentgate", "config.json5")
}

// Load reads, parses, defaults, and validates a config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := json5.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	applyDefaults(&cfg)
	resolveSecrets(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	d := &cfg.Agents.Defaults
	if d.MaxTokens <= 0 {
		d.MaxTokens = 8192
	}
	if d.Temperature == 0 {
		d.Temperature = 0.7
	}
	if d.MaxToolIterations <= 0 {
		d.MaxToolIterations = 20
	}
	if d.ContextWindow <= 0 {
		d.ContextWindow = 200_000
	}
	if d.ThinkingLevel == "" {
		d.ThinkingLevel = ThinkingOff
	}

	if cfg.Gateway.Host == "" {
		cfg.Gateway.Host = "127.0.0.1"
	}
	if cfg.Gateway.Port == 0 {
		cfg.Gateway.Port = 18789
	}
	if cfg.Gateway.MaxPayloadBytes <= 0 {
		cfg.Gateway.MaxPayloadBytes = 16 << 20
	}
	if cfg.Gateway.MaxBufferedBytes <= 0 {
		cfg.Gateway.MaxBufferedBytes = 4 << 20
	}
	if cfg.Gateway.TickIntervalMS <= 0 {
		cfg.Gateway.TickIntervalMS = 30_000
	}
	if cfg.Gateway.RequestTimeoutS <= 0 {
		cfg.Gateway.RequestTimeoutS = 30
	}

	if cfg.Sessions.Dir == "" {
		home, _ := os.UserHomeDir()
		cfg.Sessions.Dir = filepath.Join(home, ".agentgate", "sessions")
	}
	if cfg.Sessions.Backend == "" {
		cfg.Sessions.Backend = "file"
	}
	if cfg.Sessions.MainKey == "" {
		cfg.Sessions.MainKey = "main"
	}

	if cfg.Scheduler.MaxConcurrentRuns <= 0 {
		cfg.Scheduler.MaxConcurrentRuns = 4
	}
	if cfg.Scheduler.AbortGraceSeconds <= 0 {
		cfg.Scheduler.AbortGraceSeconds = 5
	}
	if cfg.Scheduler.IdleEvictMinutes <= 0 {
		cfg.Scheduler.IdleEvictMinutes = 30
	}

	if cfg.Media.Dir == "" {
		home, _ := os.UserHomeDir()
		cfg.Media.Dir = filepath.Join(home, ".agentgate", "media")
	}
	if cfg.Media.TTLHours <= 0 {
		cfg.Media.TTLHours = 72
	}
	if cfg.Media.MaxFetchBytes <= 0 {
		cfg.Media.MaxFetchBytes = 32 << 20
	}
	if cfg.Media.FetchTimeoutS <= 0 {
		cfg.Media.FetchTimeoutS = 30
	}

	if cfg.Providers.StatePath == "" {
		home, _ := os.UserHomeDir()
		cfg.Providers.StatePath = filepath.Join(home, ".agentgate", "auth-profiles.json")
	}

	for name, ch := range cfg.Channels {
		if ch.DMPolicy == "" {
			ch.DMPolicy = DMPolicyOpen
		}
		if ch.GroupPolicy == "" {
			ch.GroupPolicy = GroupPolicyOpen
		}
		if ch.SessionScope == "" {
			ch.SessionScope = ScopePerPeer
		}
		if ch.TextChunkLimit <= 0 {
			ch.TextChunkLimit = 4000
		}
		cfg.Channels[name] = ch
	}
}

// resolveSecrets pulls tokens and API keys from the environment.
func resolveSecrets(cfg *Config) {
	cfg.Gateway.Token = os.Getenv(EnvAdminToken)
	for i := range cfg.Gateway.Tokens {
		t := &cfg.Gateway.Tokens[i]
		t.Token = os.Getenv(EnvTokenPrefix + strings.ToUpper(t.Name))
	}
	for i := range cfg.Providers.Profiles {
		p := &cfg.Providers.Profiles[i]
		if p.KeyEnv != "" {
			p.SetKey(os.Getenv(p.KeyEnv))
		}
	}
}

// Prepare applies defaults, resolves secrets, and validates an in-memory
// config. RPC config updates run through the same pipeline as Load.
func Prepare(cfg *Config) error {
	applyDefaults(cfg)
	resolveSecrets(cfg)
	return Validate(cfg)
}

// Validate checks cross-field invariants.
func Validate(cfg *Config) error {
	if len(cfg.Agents.List) == 0 {
		return fmt.Errorf("config: no agents configured")
	}
	if d := cfg.DefaultAgentID(); d != "" {
		if _, ok := cfg.Agents.List[d]; !ok {
			return fmt.Errorf("config: default agent %q not in agents.list", d)
		}
	}
	for id, spec := range cfg.Agents.List {
		if !spec.ThinkingLevel.Valid() {
			return fmt.Errorf("config: agent %q: invalid thinking_level %q", id, spec.ThinkingLevel)
		}
	}
	for i, b := range cfg.Bindings {
		if b.AgentID == "" {
			return fmt.Errorf("config: bindings[%d]: agent_id required", i)
		}
		if b.Match.Channel == "" {
			return fmt.Errorf("config: bindings[%d]: match.channel required", i)
		}
		if _, ok := cfg.Agents.List[b.AgentID]; !ok {
			return fmt.Errorf("config: bindings[%d]: unknown agent %q", i, b.AgentID)
		}
	}
	seen := map[string]bool{}
	for i, p := range cfg.Providers.Profiles {
		if p.Name == "" || p.Provider == "" {
			return fmt.Errorf("config: providers.profiles[%d]: name and provider required", i)
		}
		if seen[p.Name] {
			return fmt.Errorf("config: duplicate auth profile %q", p.Name)
		}
		seen[p.Name] = true
	}
	if cfg.Sessions.Backend != "file" && cfg.Sessions.Backend != "sqlite" {
		return fmt.Errorf("config: sessions.backend must be \"file\" or \"sqlite\", got %q", cfg.Sessions.Backend)
	}
	return nil
}
