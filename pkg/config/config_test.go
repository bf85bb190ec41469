package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	assert.Equal(t, 20, cfg.Limits.MaxMessages)
	assert.Equal(t, 8, cfg.Limits.MaxToolTurns)
	assert.Equal(t, 120_000, cfg.Limits.AgentRunDeadlineMs)
	assert.Equal(t, 30_000, cfg.Limits.ToolDeadlineMs)
	assert.Equal(t, 250, cfg.Limits.HTTPRetryBaseMs)
	assert.Equal(t, 5120, cfg.Limits.ToolOutputTruncateBytes)
	assert.Equal(t, 10_000, cfg.Limits.PerRequestTokenLimit)
	assert.Equal(t, 100, cfg.Limits.RateLimitPerMinute)
	require.NoError(t, cfg.Validate())
}

func TestParseOverridesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`
server:
  port: 9000
limits:
  max_tool_turns: 4
models:
  gpt-4o:
    provider: openai
    model: gpt-4o
agents:
  - id: helper
    name: Helper
    system_prompt: You help.
    model: gpt-4o
`))
	require.NoError(t, err)
	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, 4, cfg.Limits.MaxToolTurns)
	// Untouched defaults survive.
	assert.Equal(t, 20, cfg.Limits.MaxMessages)
	require.Len(t, cfg.Agents, 1)
	assert.Equal(t, AgentStatusActive, cfg.Agents[0].Status)
	assert.Equal(t, 20, cfg.Agents[0].MaxMessages)
}

func TestParseEnvExpansion(t *testing.T) {
	t.Setenv("TEST_API_KEY", "sk-123")
	cfg, err := Parse([]byte(`
models:
  main:
    provider: openai
    api_key: ${TEST_API_KEY}
    base_url: ${TEST_MISSING:http://fallback}
`))
	require.NoError(t, err)
	assert.Equal(t, "sk-123", cfg.Models["main"].APIKey)
	assert.Equal(t, "http://fallback", cfg.Models["main"].BaseURL)
}

func TestValidateRejections(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "bad port",
			mutate:  func(c *Config) { c.Server.Port = -1 },
			wantErr: "server.port",
		},
		{
			name:    "bad log level",
			mutate:  func(c *Config) { c.Logging.Level = "verbose" },
			wantErr: "logging.level",
		},
		{
			name:    "bad store backend",
			mutate:  func(c *Config) { c.Store.Backend = "mongo" },
			wantErr: "store.backend",
		},
		{
			name: "agent without prompt",
			mutate: func(c *Config) {
				c.Agents = []AgentSpec{{ID: "a", Name: "A"}}
			},
			wantErr: "system prompt required",
		},
		{
			name: "agent with unknown model",
			mutate: func(c *Config) {
				c.Agents = []AgentSpec{{ID: "a", Name: "A", SystemPrompt: "x", Model: "nope"}}
			},
			wantErr: `model "nope" not defined`,
		},
		{
			name: "duplicate tool names",
			mutate: func(c *Config) {
				c.Agents = []AgentSpec{{ID: "a", Name: "A", SystemPrompt: "x", Tools: []ToolConfig{
					{Type: "http", Name: "t"},
					{Type: "mcp", Name: "t"},
				}}}
			},
			wantErr: "duplicate tool name",
		},
		{
			name: "workflow unknown specialist",
			mutate: func(c *Config) {
				c.Workflow = []WorkflowSpec{{ID: "w", Type: WorkflowParallel, Specialists: []string{"ghost"}, Merger: "ghost"}}
			},
			wantErr: `specialist "ghost" not defined`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestWorkflowQuorumDefault(t *testing.T) {
	w := WorkflowSpec{Specialists: []string{"a", "b", "c"}}
	assert.Equal(t, 2, w.Quorum())

	w.QuorumK = 3
	assert.Equal(t, 3, w.Quorum())

	w = WorkflowSpec{Specialists: []string{"a", "b", "c", "d"}}
	assert.Equal(t, 2, w.Quorum())
}
