// Package agent drives one LLM conversation loop per run: it streams
// model events, dispatches requested tools in parallel within a turn,
// and persists the run's messages, steps and metrics as it goes.
package agent

import (
	"context"
	"sync"

	"github.com/castellan-ai/castellan/pkg/config"
	"github.com/castellan-ai/castellan/pkg/fault"
	"github.com/castellan-ai/castellan/pkg/model"
	"github.com/castellan-ai/castellan/pkg/tool"
)

// Agent is an immutable value binding a spec to its model driver and
// built tools. Instances hold no per-user state between runs.
type Agent struct {
	Spec  config.AgentSpec
	LLM   model.LLM
	tools map[string]tool.Tool
	order []string
}

// New builds an agent from a validated spec. Tool names must be unique
// within the agent.
func New(spec config.AgentSpec, llm model.LLM, tools []tool.Tool) (*Agent, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	if llm == nil {
		return nil, fault.New(fault.ConfigError, "agent %s: model driver is required", spec.ID)
	}
	a := &Agent{
		Spec:  spec,
		LLM:   llm,
		tools: make(map[string]tool.Tool, len(tools)),
	}
	for _, t := range tools {
		name := t.Definition().Name
		if _, dup := a.tools[name]; dup {
			return nil, fault.New(fault.ConfigError, "agent %s: duplicate tool %s", spec.ID, name)
		}
		a.tools[name] = t
		a.order = append(a.order, name)
	}
	return a, nil
}

// WithTools returns a copy of the agent extended with extra tools.
// Orchestrators use it to grant a coordinator its specialists without
// mutating the registered agent.
func (a *Agent) WithTools(extra ...tool.Tool) (*Agent, error) {
	all := make([]tool.Tool, 0, len(a.order)+len(extra))
	for _, name := range a.order {
		all = append(all, a.tools[name])
	}
	all = append(all, extra...)
	return New(a.Spec, a.LLM, all)
}

// Tool resolves a declared tool by name.
func (a *Agent) Tool(name string) (tool.Tool, bool) {
	t, ok := a.tools[name]
	return t, ok
}

// Descriptors returns the function-calling schemas in declaration
// order, filtered when allowed is non-nil.
func (a *Agent) Descriptors(allowed map[string]bool) []model.ToolDescriptor {
	var out []model.ToolDescriptor
	for _, name := range a.order {
		if allowed != nil && !allowed[name] {
			continue
		}
		out = append(out, a.tools[name].Definition().Descriptor())
	}
	return out
}

// Directory resolves live agents by id. Tools that delegate to sibling
// agents resolve at invoke time, so registration order never matters.
type Directory struct {
	mu     sync.RWMutex
	agents map[string]*Agent
}

func NewDirectory() *Directory {
	return &Directory{agents: make(map[string]*Agent)}
}

func (d *Directory) Register(a *Agent) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.agents[a.Spec.ID] = a
}

func (d *Directory) Remove(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.agents, id)
}

// Resolve returns the agent or ToolNotAvailable for unknown or
// inactive ids.
func (d *Directory) Resolve(ctx context.Context, id string) (*Agent, error) {
	d.mu.RLock()
	a, ok := d.agents[id]
	d.mu.RUnlock()
	if !ok {
		return nil, fault.New(fault.ToolNotAvailable, "agent %s is not registered", id)
	}
	if a.Spec.Status == config.AgentStatusInactive {
		return nil, fault.New(fault.ToolNotAvailable, "agent %s is inactive", id)
	}
	return a, nil
}

// List returns all registered agents.
func (d *Directory) List() []*Agent {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]*Agent, 0, len(d.agents))
	for _, a := range d.agents {
		out = append(out, a)
	}
	return out
}
