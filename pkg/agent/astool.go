package agent

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/castellan-ai/castellan/pkg/config"
	"github.com/castellan-ai/castellan/pkg/fault"
	"github.com/castellan-ai/castellan/pkg/store"
	"github.com/castellan-ai/castellan/pkg/tool"
)

// AsTool wraps an agent as a tool on this runner. The target agent
// resolves through the directory at invoke time, so coordinators can
// reference specialists that register later. Each invocation opens a
// child run linked to the caller via parentRunId and returns the
// specialist's final text.
func (r *Runner) AsTool(dir *Directory, agentID, name, description string) tool.Tool {
	if description == "" {
		description = fmt.Sprintf("Delegate a request to the %s agent", agentID)
	}
	return &agentTool{runner: r, dir: dir, agentID: agentID, name: name, description: description}
}

// NewAgentToolFactory returns the registry factory for agent tools.
// The tool config's target is the delegate's agent id.
func NewAgentToolFactory(r *Runner, dir *Directory) tool.Factory {
	return func(cfg config.ToolConfig) (tool.Tool, error) {
		if cfg.Target == "" {
			return nil, fault.New(fault.ConfigError, "agent tool %s: target agent id is required", cfg.Name)
		}
		desc, _ := cfg.Config["description"].(string)
		return r.AsTool(dir, cfg.Target, cfg.Name, desc), nil
	}
}

var _ tool.Tool = (*agentTool)(nil)

type agentTool struct {
	runner      *Runner
	dir         *Directory
	agentID     string
	name        string
	description string
}

type agentToolInput struct {
	Message string `json:"message"`
}

func (t *agentTool) Definition() tool.Definition {
	return tool.Definition{
		Type:        tool.TypeAgent,
		Name:        t.name,
		Description: t.description,
		Target:      t.agentID,
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"message": {"type": "string", "description": "The request to hand to the agent"}
			},
			"required": ["message"]
		}`),
	}
}

func (t *agentTool) Invoke(ctx context.Context, raw json.RawMessage) (*tool.Result, error) {
	var in agentToolInput
	if err := json.Unmarshal(raw, &in); err != nil {
		return nil, fault.Wrap(fault.ToolInvocationError, err, "agent tool %s: decoding input", t.name)
	}
	if in.Message == "" {
		return nil, fault.New(fault.ToolInvocationError, "agent tool %s: message is required", t.name)
	}

	delegate, err := t.dir.Resolve(ctx, t.agentID)
	if err != nil {
		return nil, err
	}

	scope := tool.ScopeFrom(ctx)
	out, err := t.runner.Run(ctx, ChatRequest{
		Agent:       delegate,
		UserID:      scope.UserID,
		Message:     in.Message,
		ParentRunID: scope.RunID,
	})
	if err != nil {
		return nil, err
	}
	if out.Status != store.RunSucceeded {
		return nil, fault.New(fault.ToolInvocationError, "agent %s run ended %s", t.agentID, out.Status)
	}
	return &tool.Result{Output: out.Text, Usage: &out.Usage}, nil
}
