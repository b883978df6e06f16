// Package config defines the gateway configuration. Config is loaded from a
// JSON5 file, secrets come from the environment only, and the live config is
// published as an immutable snapshot: readers hold the snapshot they started
// with, writers swap in a new one atomically.
package config

import (
	"fmt"
	"time"
)

// Config is the root configuration for the agentgate gateway.
type Config struct {
	Agents    AgentsConfig             `json:"agents"`
	Bindings  []Binding                `json:"bindings,omitempty"`
	Channels  map[string]ChannelConfig `json:"channels,omitempty"`
	Providers ProvidersConfig          `json:"providers"`
	Gateway   GatewayConfig            `json:"gateway"`
	Sessions  SessionsConfig           `json:"sessions"`
	Scheduler SchedulerConfig          `json:"scheduler"`
	Media     MediaConfig              `json:"media"`
	Cron      CronConfig               `json:"cron,omitempty"`
	Telemetry TelemetryConfig          `json:"telemetry,omitempty"`
}

// ThinkingLevel controls how much extended reasoning an agent requests.
type ThinkingLevel string

const (
	ThinkingOff     ThinkingLevel = "off"
	ThinkingMinimal ThinkingLevel = "minimal"
	ThinkingLow     ThinkingLevel = "low"
	ThinkingMedium  ThinkingLevel = "medium"
	ThinkingHigh    ThinkingLevel = "high"
	ThinkingXHigh   ThinkingLevel = "xhigh"
)

// Valid reports whether the level is one of the known values.
func (t ThinkingLevel) Valid() bool {
	switch t {
	case "", ThinkingOff, ThinkingMinimal, ThinkingLow, ThinkingMedium, ThinkingHigh, ThinkingXHigh:
		return true
	}
	return false
}

// AgentsConfig holds defaults plus per-agent specs.
type AgentsConfig struct {
	Defaults AgentDefaults        `json:"defaults"`
	List     map[string]AgentSpec `json:"list,omitempty"`
	Default  string               `json:"default,omitempty"` // agent used when no binding matches
}

// AgentDefaults apply to every agent unless its entry overrides them.
type AgentDefaults struct {
	Provider          string        `json:"provider"`
	Model             string        `json:"model"`
	Fallbacks         []string      `json:"fallbacks,omitempty"`
	ThinkingLevel     ThinkingLevel `json:"thinking_level,omitempty"`
	Workspace         string        `json:"workspace"`
	MaxTokens         int           `json:"max_tokens"`
	Temperature       float64       `json:"temperature"`
	MaxToolIterations int           `json:"max_tool_iterations"`
	ContextWindow     int           `json:"context_window"`
	SystemPrompt      string        `json:"system_prompt,omitempty"` // global base layer
	VerticalPrompt    string        `json:"vertical_prompt,omitempty"`
	Compaction        *CompactionConfig `json:"compaction,omitempty"`
	ResetIdleMinutes  int           `json:"reset_idle_minutes,omitempty"`
	DailyRollover     bool          `json:"daily_rollover,omitempty"`
}

// AgentSpec configures one agent. Zero-valued fields inherit the defaults.
type AgentSpec struct {
	Provider      string        `json:"provider,omitempty"`
	Model         string        `json:"model,omitempty"`
	Fallbacks     []string      `json:"fallbacks,omitempty"`
	ThinkingLevel ThinkingLevel `json:"thinking_level,omitempty"`
	Workspace     string        `json:"workspace,omitempty"`
	Persona       string        `json:"persona,omitempty"` // per-agent prompt layer
	Skills        []string      `json:"skills,omitempty"`
	Tools         *ToolPolicy   `json:"tools,omitempty"`
	ContextWindow int           `json:"context_window,omitempty"`
	MaxToolIterations int       `json:"max_tool_iterations,omitempty"`
}

// ToolPolicy restricts and classifies tools per agent.
type ToolPolicy struct {
	Allow    []string          `json:"allow,omitempty"`    // empty = all registered tools
	Deny     []string          `json:"deny,omitempty"`
	Classes  map[string]string `json:"classes,omitempty"`  // tool → "auto"|"approval"|"denied"
}

// Binding maps an inbound (channel, account, peer/group) tuple to an agent.
// Bindings are evaluated in declaration order; the first match wins.
type Binding struct {
	AgentID string       `json:"agent_id"`
	Match   BindingMatch `json:"match"`
}

// BindingMatch selects messages. "*" (or an absent field) matches any value.
type BindingMatch struct {
	Channel string `json:"channel"`
	Account string `json:"account,omitempty"`
	Peer    string `json:"peer,omitempty"`
	Group   string `json:"group,omitempty"`
	Thread  string `json:"thread,omitempty"`
}

// DMPolicy controls how DMs from unknown senders are handled.
type DMPolicy string

const (
	DMPolicyOpen      DMPolicy = "open"
	DMPolicyAllowlist DMPolicy = "allowlist"
	DMPolicyPairing   DMPolicy = "pairing"
	DMPolicyDisabled  DMPolicy = "disabled"
)

// GroupPolicy controls how group messages are handled.
type GroupPolicy string

const (
	GroupPolicyOpen      GroupPolicy = "open"
	GroupPolicyAllowlist GroupPolicy = "allowlist"
	GroupPolicyDisabled  GroupPolicy = "disabled"
)

// SessionScope controls how DM session keys are built for a channel.
type SessionScope string

const (
	ScopePerPeer  SessionScope = "per-peer"  // one session per peer (default)
	ScopePerAgent SessionScope = "per-agent" // all DMs share the agent main session
)

// ChannelConfig configures one channel instance.
type ChannelConfig struct {
	Enabled        bool         `json:"enabled"`
	Account        string       `json:"account,omitempty"`
	DMPolicy       DMPolicy     `json:"dm_policy,omitempty"`
	GroupPolicy    GroupPolicy  `json:"group_policy,omitempty"`
	Allowlist      []string     `json:"allowlist,omitempty"`
	RequireMention bool         `json:"require_mention,omitempty"` // groups only
	SessionScope   SessionScope `json:"session_scope,omitempty"`
	DebounceMS     int          `json:"debounce_ms,omitempty"`
	TextChunkLimit int          `json:"text_chunk_limit,omitempty"`
	MediaMaxBytes  int64        `json:"media_max_bytes,omitempty"`
	SendRatePerSec float64      `json:"send_rate_per_sec,omitempty"`
}

// ProvidersConfig lists auth profiles. API keys are environment references,
// never literals: the loader resolves KeyEnv at startup.
type ProvidersConfig struct {
	Profiles  []AuthProfileConfig `json:"profiles,omitempty"`
	StatePath string              `json:"state_path,omitempty"` // cooldown state file
}

// AuthProfileConfig declares one credential for one provider.
type AuthProfileConfig struct {
	Name     string `json:"name"`
	Provider string `json:"provider"` // "anthropic", "openai"
	KeyEnv   string `json:"key_env"`  // env var holding the API key
	BaseURL  string `json:"base_url,omitempty"`
	Model    string `json:"model,omitempty"` // provider default model override

	key string // resolved at load time, never serialized
}

// Key returns the resolved API key.
func (p *AuthProfileConfig) Key() string { return p.key }

// SetKey injects a resolved key (loader and tests).
func (p *AuthProfileConfig) SetKey(k string) { p.key = k }

// ScopedToken grants a static token a set of scopes.
type ScopedToken struct {
	Name   string   `json:"name"`
	Token  string   `json:"-"` // from env AGENTGATE_TOKEN_{NAME}
	Scopes []string `json:"scopes"`
}

// DeviceKey registers a paired device's public key for signed-nonce auth.
type DeviceKey struct {
	ID        string   `json:"id"`
	PublicKey string   `json:"public_key"` // base64 ed25519
	Scopes    []string `json:"scopes"`
}

// GatewayConfig configures the WebSocket/RPC listener.
type GatewayConfig struct {
	Host            string        `json:"host"`
	Port            int           `json:"port"`
	Token           string        `json:"-"` // admin token, env AGENTGATE_TOKEN only
	Tokens          []ScopedToken `json:"tokens,omitempty"`
	Devices         []DeviceKey   `json:"devices,omitempty"`
	AllowedOrigins  []string      `json:"allowed_origins,omitempty"`
	MaxPayloadBytes int64         `json:"max_payload_bytes,omitempty"`
	MaxBufferedBytes int64        `json:"max_buffered_bytes,omitempty"`
	TickIntervalMS  int64         `json:"tick_interval_ms,omitempty"`
	RequestTimeoutS int           `json:"request_timeout_s,omitempty"`
}

// SessionsConfig configures session persistence.
type SessionsConfig struct {
	Dir     string `json:"dir"`
	Backend string `json:"backend,omitempty"` // "file" (default) or "sqlite"
	MainKey string `json:"main_key,omitempty"`
}

// SchedulerConfig bounds lane dispatch.
type SchedulerConfig struct {
	MaxConcurrentRuns int `json:"max_concurrent_runs,omitempty"` // default 4
	AbortGraceSeconds int `json:"abort_grace_seconds,omitempty"` // default 5
	IdleEvictMinutes  int `json:"idle_evict_minutes,omitempty"`  // default 30
}

// AbortGrace returns the configured abort grace period.
func (s SchedulerConfig) AbortGrace() time.Duration {
	if s.AbortGraceSeconds <= 0 {
		return 5 * time.Second
	}
	return time.Duration(s.AbortGraceSeconds) * time.Second
}

// MediaConfig configures the content-addressed media store.
type MediaConfig struct {
	Dir               string `json:"dir"`
	TTLHours          int    `json:"ttl_hours,omitempty"`           // default 72
	MaxFetchBytes     int64  `json:"max_fetch_bytes,omitempty"`     // default 32 MiB
	FetchTimeoutS     int    `json:"fetch_timeout_s,omitempty"`     // default 30
	AllowPrivateCIDRs bool   `json:"allow_private_cidrs,omitempty"` // SSRF guard off-switch
}

// CompactionConfig tunes transcript compaction.
type CompactionConfig struct {
	ContextWindowTokens int     `json:"context_window_tokens,omitempty"` // default 200000
	TriggerRatio        float64 `json:"trigger_ratio,omitempty"`         // default 1.2
	BaseChunkRatio      float64 `json:"base_chunk_ratio,omitempty"`      // default 0.4
	MinChunkRatio       float64 `json:"min_chunk_ratio,omitempty"`       // default 0.15
	KeepLastEvents      int     `json:"keep_last_events,omitempty"`      // default 10
}

// CronConfig configures scheduled agent runs.
type CronConfig struct {
	Enabled   bool   `json:"enabled,omitempty"`
	StorePath string `json:"store_path,omitempty"`
}

// TelemetryConfig configures the OTLP trace exporter.
type TelemetryConfig struct {
	Enabled  bool   `json:"enabled,omitempty"`
	Endpoint string `json:"endpoint,omitempty"` // host:port for otlptracehttp
	Insecure bool   `json:"insecure,omitempty"`
}

// AgentIDs returns all configured agent ids.
func (c *Config) AgentIDs() []string {
	ids := make([]string, 0, len(c.Agents.List))
	for id := range c.Agents.List {
		ids = append(ids, id)
	}
	return ids
}

// DefaultAgentID returns the agent used when no binding matches. Falls back
// to the single configured agent when there is exactly one.
func (c *Config) DefaultAgentID() string {
	if c.Agents.Default != "" {
		return c.Agents.Default
	}
	if len(c.Agents.List) == 1 {
		for id := range c.Agents.List {
			return id
		}
	}
	return ""
}

// Agent resolves an agent spec merged with the defaults.
func (c *Config) Agent(id string) (ResolvedAgent, error) {
	spec, ok := c.Agents.List[id]
	if !ok {
		return ResolvedAgent{}, fmt.Errorf("agent %q not configured", id)
	}
	d := c.Agents.Defaults

	r := ResolvedAgent{
		ID:                id,
		Provider:          firstNonEmpty(spec.Provider, d.Provider),
		Model:             firstNonEmpty(spec.Model, d.Model),
		Fallbacks:         spec.Fallbacks,
		ThinkingLevel:     spec.ThinkingLevel,
		Workspace:         firstNonEmpty(spec.Workspace, d.Workspace),
		Persona:           spec.Persona,
		Skills:            spec.Skills,
		Tools:             spec.Tools,
		ContextWindow:     d.ContextWindow,
		MaxToolIterations: d.MaxToolIterations,
		MaxTokens:         d.MaxTokens,
		Temperature:       d.Temperature,
		BasePrompt:        d.SystemPrompt,
		VerticalPrompt:    d.VerticalPrompt,
		Compaction:        d.Compaction,
		ResetIdleMinutes:  d.ResetIdleMinutes,
		DailyRollover:     d.DailyRollover,
	}
	if len(r.Fallbacks) == 0 {
		r.Fallbacks = d.Fallbacks
	}
	if r.ThinkingLevel == "" {
		r.ThinkingLevel = d.ThinkingLevel
	}
	if spec.ContextWindow > 0 {
		r.ContextWindow = spec.ContextWindow
	}
	if spec.MaxToolIterations > 0 {
		r.MaxToolIterations = spec.MaxToolIterations
	}
	return r, nil
}

// ResolvedAgent is an agent spec with defaults applied.
type ResolvedAgent struct {
	ID                string
	Provider          string
	Model             string
	Fallbacks         []string
	ThinkingLevel     ThinkingLevel
	Workspace         string
	Persona           string
	Skills            []string
	Tools             *ToolPolicy
	ContextWindow     int
	MaxToolIterations int
	MaxTokens         int
	Temperature       float64
	BasePrompt        string
	VerticalPrompt    string
	Compaction        *CompactionConfig
	ResetIdleMinutes  int
	DailyRollover     bool
}

// Channel returns the channel config, or a zero value when unconfigured.
func (c *Config) Channel(name string) ChannelConfig {
	if cc, ok := c.Channels[name]; ok {
		return cc
	}
	return ChannelConfig{}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
