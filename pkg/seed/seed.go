// Package seed materializes the configured agents into the store and
// the runtime directory at startup, and builds agents on demand when
// operators create or update them over the admin API.
package seed

import (
	"context"
	"log/slog"

	"github.com/castellan-ai/castellan/pkg/agent"
	"github.com/castellan-ai/castellan/pkg/config"
	"github.com/castellan-ai/castellan/pkg/fault"
	"github.com/castellan-ai/castellan/pkg/ids"
	"github.com/castellan-ai/castellan/pkg/model"
	"github.com/castellan-ai/castellan/pkg/model/anthropic"
	"github.com/castellan-ai/castellan/pkg/model/openai"
	"github.com/castellan-ai/castellan/pkg/store"
	"github.com/castellan-ai/castellan/pkg/tool"
)

// Builder turns a persisted AgentSpec into a runnable Agent.
type Builder struct {
	models map[string]config.ModelConfig
	reg    *tool.Registry
	// llms caches drivers per model alias so every agent on the same
	// model shares one client.
	llms map[string]model.LLM
}

func NewBuilder(models map[string]config.ModelConfig, reg *tool.Registry) *Builder {
	return &Builder{
		models: models,
		reg:    reg,
		llms:   make(map[string]model.LLM),
	}
}

// LLM resolves a configured model alias to a driver.
func (b *Builder) LLM(alias string) (model.LLM, error) {
	if llm, ok := b.llms[alias]; ok {
		return llm, nil
	}
	mc, ok := b.models[alias]
	if !ok {
		return nil, fault.New(fault.ConfigError, "model %q is not configured", alias)
	}
	var llm model.LLM
	switch mc.Provider {
	case "openai":
		llm = openai.New(mc)
	case "anthropic":
		llm = anthropic.New(mc)
	default:
		return nil, fault.New(fault.ConfigError, "unknown model provider %q", mc.Provider)
	}
	b.llms[alias] = llm
	return llm, nil
}

// Build assembles the agent: driver, tool instances, validated spec.
func (b *Builder) Build(spec config.AgentSpec) (*agent.Agent, error) {
	llm, err := b.LLM(spec.Model)
	if err != nil {
		return nil, err
	}
	tools, err := b.reg.Build(spec.Tools)
	if err != nil {
		return nil, err
	}
	return agent.New(spec, llm, tools)
}

// Apply upserts the config-declared agents into the store and registers
// every active stored agent with the directory. Agents created over the
// admin API survive restarts; a broken definition is skipped with a
// warning rather than failing startup.
func Apply(ctx context.Context, cfg *config.Config, st store.Store, b *Builder, dir *agent.Directory, clock ids.Clock, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	now := clock.Now()
	for i := range cfg.Agents {
		spec := cfg.Agents[i]
		if existing, err := st.GetAgent(ctx, spec.ID); err == nil {
			spec.CreatedAt = existing.CreatedAt
		} else {
			spec.CreatedAt = now
		}
		spec.UpdatedAt = now
		if spec.Status == "" {
			spec.Status = config.AgentStatusActive
		}
		if err := st.PutAgent(ctx, &spec); err != nil {
			return fault.Wrap(fault.PersistenceError, err, "seeding agent %s", spec.ID)
		}
	}

	specs, err := st.ListAgents(ctx)
	if err != nil {
		return fault.Wrap(fault.PersistenceError, err, "listing agents")
	}
	for _, spec := range specs {
		if spec.Status != config.AgentStatusActive {
			continue
		}
		a, err := b.Build(*spec)
		if err != nil {
			logger.Warn("skipping agent with broken definition", "agent", spec.ID, "error", err)
			continue
		}
		dir.Register(a)
		logger.Info("agent registered", "agent", spec.ID, "model", spec.Model, "tools", len(spec.Tools))
	}
	return nil
}
