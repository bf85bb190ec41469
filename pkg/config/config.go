// Package config defines the runtime configuration tree and its loader.
//
// Configuration is layered: built-in defaults, then the YAML file, then
// environment expansion inside values. Validation is strict; a config
// that loads is a config the server can run with.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root of the configuration tree.
type Config struct {
	Server   ServerConfig           `koanf:"server"`
	Logging  LoggingConfig          `koanf:"logging"`
	Auth     AuthConfig             `koanf:"auth"`
	Limits   LimitsConfig           `koanf:"limits"`
	Store    StoreConfig            `koanf:"store"`
	Models   map[string]ModelConfig `koanf:"models"`
	Pricing  map[string]ModelPrice  `koanf:"pricing"`
	Agents   []AgentSpec            `koanf:"agents"`
	Workflow []WorkflowSpec         `koanf:"workflows"`
}

type ServerConfig struct {
	Host            string   `koanf:"host"`
	Port            int      `koanf:"port"`
	BaseURL         string   `koanf:"base_url"`
	AllowedOrigins  []string `koanf:"allowed_origins"`
	ShutdownTimeout string   `koanf:"shutdown_timeout"`
}

// ListenAddr joins host and port for net.Listen.
func (s ServerConfig) ListenAddr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

type AuthConfig struct {
	Enabled  bool   `koanf:"enabled"`
	JWKSURL  string `koanf:"jwks_url"`
	Issuer   string `koanf:"issuer"`
	Audience string `koanf:"audience"`
	// HS256 shared secret for dev setups without a JWKS endpoint.
	SharedSecret string `koanf:"shared_secret"`
}

// LimitsConfig carries every tunable cap of the execution core.
type LimitsConfig struct {
	MaxMessages             int     `koanf:"max_messages"`
	MaxToolTurns            int     `koanf:"max_tool_turns"`
	AgentRunDeadlineMs      int     `koanf:"agent_run_deadline_ms"`
	ToolDeadlineMs          int     `koanf:"tool_deadline_ms"`
	HTTPRetryMax            int     `koanf:"http_retry_max"`
	HTTPRetryBaseMs         int     `koanf:"http_retry_base_ms"`
	HTTPRetryFactor         float64 `koanf:"http_retry_factor"`
	HTTPRetryJitter         float64 `koanf:"http_retry_jitter"`
	ToolOutputTruncateBytes int     `koanf:"tool_output_truncate_bytes"`
	TokenBufferBytes        int     `koanf:"token_buffer_bytes"`
	UserDailyTokenLimit     int     `koanf:"user_daily_token_limit"`
	UserDailyTokenSoftPct   float64 `koanf:"user_daily_token_soft_pct"`
	PerRequestTokenLimit    int     `koanf:"per_request_token_limit"`
	MaxRequestBytes         int     `koanf:"max_request_bytes"`
	RateLimitPerMinute      int     `koanf:"rate_limit_per_minute"`
	SamplingRate            float64 `koanf:"sampling_rate"`
	MaxHandoffs             int     `koanf:"max_handoffs"`
	KeepAliveInterval       string  `koanf:"keep_alive_interval"`
}

func (l LimitsConfig) AgentRunDeadline() time.Duration {
	return time.Duration(l.AgentRunDeadlineMs) * time.Millisecond
}

func (l LimitsConfig) ToolDeadline() time.Duration {
	return time.Duration(l.ToolDeadlineMs) * time.Millisecond
}

func (l LimitsConfig) HTTPRetryBase() time.Duration {
	return time.Duration(l.HTTPRetryBaseMs) * time.Millisecond
}

func (l LimitsConfig) KeepAlive() time.Duration {
	d, err := time.ParseDuration(l.KeepAliveInterval)
	if err != nil || d <= 0 {
		return 15 * time.Second
	}
	return d
}

type StoreConfig struct {
	// Backend is "redis" or "memory".
	Backend  string `koanf:"backend"`
	Addr     string `koanf:"addr"`
	Password string `koanf:"password"`
	DB       int    `koanf:"db"`
	// KeyPrefix namespaces all keys, letting deployments share a server.
	KeyPrefix          string `koanf:"key_prefix"`
	ConversationTTLDay int    `koanf:"conversation_ttl_days"`
	MetricTTLDays      int    `koanf:"metric_ttl_days"`
}

type ModelConfig struct {
	Provider  string  `koanf:"provider"`
	Model     string  `koanf:"model"`
	BaseURL   string  `koanf:"base_url"`
	APIKey    string  `koanf:"api_key"`
	MaxTokens int     `koanf:"max_tokens"`
	TimeoutS  int     `koanf:"timeout_seconds"`
	Temp      float64 `koanf:"temperature"`
}

// ModelPrice is USD per million tokens, operator-provided. Models absent
// from the table cost zero.
type ModelPrice struct {
	In  float64 `koanf:"in"`
	Out float64 `koanf:"out"`
}

// AgentSpec is the persisted definition an Agent is built from.
type AgentSpec struct {
	ID           string       `koanf:"id" json:"id"`
	Name         string       `koanf:"name" json:"name"`
	Description  string       `koanf:"description" json:"description"`
	Status       string       `koanf:"status" json:"status"`
	SystemPrompt string       `koanf:"system_prompt" json:"systemPrompt"`
	Model        string       `koanf:"model" json:"model"`
	Temperature  float64      `koanf:"temperature" json:"temperature"`
	MaxTokens    int          `koanf:"max_tokens" json:"maxTokens"`
	MaxMessages  int          `koanf:"max_messages" json:"maxMessages"`
	Tools        []ToolConfig `koanf:"tools" json:"tools"`
	Tags         []string     `koanf:"tags" json:"tags"`
	Coordinator  bool         `koanf:"coordinator" json:"coordinator"`
	CreatedAt    time.Time    `koanf:"-" json:"createdAt"`
	UpdatedAt    time.Time    `koanf:"-" json:"updatedAt"`
}

const (
	AgentStatusActive   = "active"
	AgentStatusInactive = "inactive"
)

// ToolConfig binds one tool instance to an agent.
type ToolConfig struct {
	Type     string         `koanf:"type" json:"type"`
	Name     string         `koanf:"name" json:"name"`
	Target   string         `koanf:"target" json:"target"`
	Config   map[string]any `koanf:"config" json:"config,omitempty"`
	Disabled bool           `koanf:"disabled" json:"disabled,omitempty"`
}

// WorkflowSpec describes a composition of agents.
type WorkflowSpec struct {
	ID          string   `koanf:"id" json:"id"`
	Name        string   `koanf:"name" json:"name"`
	Type        string   `koanf:"type" json:"type"` // sequential | parallel
	Coordinator string   `koanf:"coordinator" json:"coordinator"`
	Specialists []string `koanf:"specialists" json:"specialists"`
	Merger      string   `koanf:"merger" json:"merger"`
	Evaluator   string   `koanf:"evaluator" json:"evaluator"`
	QuorumK     int      `koanf:"quorum_k" json:"quorumK"`
	MaxHandoffs int      `koanf:"max_handoffs" json:"maxHandoffs"`
	// Gate inserts a human approval pause before the merge step.
	Gate bool `koanf:"gate" json:"gate"`
	// Constraints of the form "after <tool> only <tool>" for handoffs.
	Constraints []ToolConstraint `koanf:"constraints" json:"constraints,omitempty"`
}

type ToolConstraint struct {
	After string `koanf:"after" json:"after"`
	Only  string `koanf:"only" json:"only"`
}

const (
	WorkflowSequential = "sequential"
	WorkflowParallel   = "parallel"
)

// Default returns the built-in configuration every load starts from.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8420,
			AllowedOrigins:  []string{"*"},
			ShutdownTimeout: "10s",
		},
		Logging: LoggingConfig{Level: "info", Format: "text"},
		Limits: LimitsConfig{
			MaxMessages:             20,
			MaxToolTurns:            8,
			AgentRunDeadlineMs:      120_000,
			ToolDeadlineMs:          30_000,
			HTTPRetryMax:            3,
			HTTPRetryBaseMs:         250,
			HTTPRetryFactor:         2,
			HTTPRetryJitter:         0.2,
			ToolOutputTruncateBytes: 5120,
			TokenBufferBytes:        65_536,
			UserDailyTokenLimit:     200_000,
			UserDailyTokenSoftPct:   0.8,
			PerRequestTokenLimit:    10_000,
			MaxRequestBytes:         64 * 1024,
			RateLimitPerMinute:      100,
			SamplingRate:            0.1,
			MaxHandoffs:             3,
			KeepAliveInterval:       "15s",
		},
		Store: StoreConfig{
			Backend:            "memory",
			Addr:               "localhost:6379",
			KeyPrefix:          "cast",
			ConversationTTLDay: 90,
			MetricTTLDays:      180,
		},
		Models:  map[string]ModelConfig{},
		Pricing: map[string]ModelPrice{},
	}
}

// Validate rejects configurations the runtime cannot execute.
func (c *Config) Validate() error {
	var errs []string
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Sprintf(format, args...))
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		add("server.port %d out of range", c.Server.Port)
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		add("logging.level %q unknown (debug|info|warn|error)", c.Logging.Level)
	}
	switch c.Store.Backend {
	case "redis", "memory":
	default:
		add("store.backend %q unknown (redis|memory)", c.Store.Backend)
	}
	if c.Store.Backend == "redis" && c.Store.Addr == "" {
		add("store.addr required for redis backend")
	}
	if c.Limits.MaxToolTurns <= 0 {
		add("limits.max_tool_turns must be positive")
	}
	if c.Limits.MaxMessages <= 0 {
		add("limits.max_messages must be positive")
	}

	seenAgents := map[string]bool{}
	for i, a := range c.Agents {
		if a.ID == "" {
			add("agents[%d]: id required", i)
			continue
		}
		if seenAgents[a.ID] {
			add("agents[%d]: duplicate id %q", i, a.ID)
		}
		seenAgents[a.ID] = true
		if err := a.Validate(); err != nil {
			add("agent %q: %v", a.ID, err)
		}
		if a.Model != "" {
			if _, ok := c.Models[a.Model]; !ok {
				add("agent %q: model %q not defined under models", a.ID, a.Model)
			}
		}
	}

	for _, w := range c.Workflow {
		if err := w.Validate(); err != nil {
			add("workflow %q: %v", w.ID, err)
		}
		for _, s := range w.Specialists {
			if !seenAgents[s] {
				add("workflow %q: specialist %q not defined", w.ID, s)
			}
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// Validate checks the structural invariants of an AgentSpec.
func (a *AgentSpec) Validate() error {
	if a.Name == "" {
		return fmt.Errorf("name required")
	}
	if a.SystemPrompt == "" {
		return fmt.Errorf("system prompt required")
	}
	if a.Status != "" && a.Status != AgentStatusActive && a.Status != AgentStatusInactive {
		return fmt.Errorf("status %q unknown", a.Status)
	}
	seen := map[string]bool{}
	for _, tc := range a.Tools {
		switch tc.Type {
		case "http", "mcp", "a2a", "function", "agent":
		default:
			return fmt.Errorf("tool %q: type %q unknown", tc.Name, tc.Type)
		}
		if tc.Name == "" {
			return fmt.Errorf("tool of type %s missing name", tc.Type)
		}
		if seen[tc.Name] {
			return fmt.Errorf("duplicate tool name %q", tc.Name)
		}
		seen[tc.Name] = true
	}
	return nil
}

// Validate checks a workflow definition.
func (w *WorkflowSpec) Validate() error {
	if w.ID == "" {
		return fmt.Errorf("id required")
	}
	switch w.Type {
	case WorkflowSequential:
		if w.Coordinator == "" {
			return fmt.Errorf("sequential workflow requires a coordinator")
		}
	case WorkflowParallel:
		if len(w.Specialists) == 0 {
			return fmt.Errorf("parallel workflow requires specialists")
		}
		if w.Merger == "" {
			return fmt.Errorf("parallel workflow requires a merger")
		}
		if w.QuorumK < 0 || w.QuorumK > len(w.Specialists) {
			return fmt.Errorf("quorum_k %d out of range for %d specialists", w.QuorumK, len(w.Specialists))
		}
	default:
		return fmt.Errorf("type %q unknown (sequential|parallel)", w.Type)
	}
	return nil
}

// Quorum resolves the effective k, defaulting to ceil(N/2).
func (w *WorkflowSpec) Quorum() int {
	if w.QuorumK > 0 {
		return w.QuorumK
	}
	return (len(w.Specialists) + 1) / 2
}
