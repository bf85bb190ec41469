// Package a2atool exposes a remote agent as a tool. Each invocation
// becomes a tasks/send on the peer, awaited to a terminal state, with
// the caller's thread and run identifiers attached so the peer can
// link its child run to ours.
package a2atool

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/castellan-ai/castellan/pkg/a2a"
	"github.com/castellan-ai/castellan/pkg/config"
	"github.com/castellan-ai/castellan/pkg/fault"
	"github.com/castellan-ai/castellan/pkg/model"
	"github.com/castellan-ai/castellan/pkg/tool"
)

// NewFactory returns the registry factory for a2a tools. The target is
// the peer's base URL; config key "agent" names the remote agent (the
// card's sole agent is used when omitted). One shared client bounds
// concurrency per peer.
func NewFactory(logger *slog.Logger) tool.Factory {
	if logger == nil {
		logger = slog.Default()
	}
	client := a2a.NewClient()
	return func(cfg config.ToolConfig) (tool.Tool, error) {
		if cfg.Target == "" {
			return nil, fault.New(fault.ConfigError, "a2a tool %s: target is required", cfg.Name)
		}
		agentID, _ := cfg.Config["agent"].(string)
		return &a2aTool{
			client:  client,
			name:    cfg.Name,
			baseURL: strings.TrimSuffix(cfg.Target, "/"),
			agentID: agentID,
			logger:  logger,
		}, nil
	}
}

var _ tool.Tool = (*a2aTool)(nil)

type a2aTool struct {
	client  *a2a.Client
	name    string
	baseURL string
	agentID string
	logger  *slog.Logger

	mu   sync.Mutex
	card *a2a.AgentCard
}

// input is the schema the LLM fills in.
type input struct {
	Message string `json:"message"`
}

func (t *a2aTool) Definition() tool.Definition {
	def := tool.Definition{
		Type:   tool.TypeA2A,
		Name:   t.name,
		Target: t.baseURL,
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"message": {"type": "string", "description": "The request to delegate to the remote agent"}
			},
			"required": ["message"]
		}`),
	}
	t.mu.Lock()
	if t.card != nil {
		def.Description = t.card.Description
	}
	t.mu.Unlock()
	if def.Description == "" {
		def.Description = fmt.Sprintf("Delegate a request to the %s agent", t.name)
	}
	return def
}

// resolve fetches and caches the peer's card; lazy so a peer that is
// down at startup does not block construction.
func (t *a2aTool) resolve(ctx context.Context) (*a2a.AgentCard, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.card != nil {
		return t.card, nil
	}
	card, err := t.client.DiscoverAgent(ctx, t.baseURL, t.agentID)
	if err != nil {
		return nil, err
	}
	t.card = card
	return card, nil
}

func (t *a2aTool) Invoke(ctx context.Context, raw json.RawMessage) (*tool.Result, error) {
	var in input
	if err := json.Unmarshal(raw, &in); err != nil {
		return nil, fault.Wrap(fault.ToolInvocationError, err, "a2a tool %s: decoding input", t.name)
	}
	if in.Message == "" {
		return nil, fault.New(fault.ToolInvocationError, "a2a tool %s: message is required", t.name)
	}

	card, err := t.resolve(ctx)
	if err != nil {
		return nil, err
	}
	endpoint := card.Endpoint
	if endpoint == "" {
		endpoint = t.baseURL + a2a.RPCPath
	}

	scope := tool.ScopeFrom(ctx)
	params := a2a.SendParams{
		Message:     in.Message,
		AgentID:     card.ID,
		ParentRunID: scope.RunID,
	}
	if scope.ThreadID != "" || scope.UserID != "" {
		params.ThreadContext = &a2a.ThreadContext{ThreadID: scope.ThreadID, UserID: scope.UserID}
	}

	t.logger.Debug("a2a delegation", "tool", t.name, "peer", card.ID, "parent_run", scope.RunID)
	task, err := t.client.SendAndWait(ctx, endpoint, params)
	if err != nil {
		return nil, err
	}

	switch task.Status {
	case a2a.TaskCompleted:
		res := &tool.Result{Output: task.Result}
		if task.Usage != nil {
			res.Usage = &model.Usage{
				InputTokens:  task.Usage.InputTokens,
				OutputTokens: task.Usage.OutputTokens,
			}
		}
		return res, nil
	case a2a.TaskCanceled:
		return nil, fault.New(fault.Cancelled, "a2a tool %s: peer cancelled the task", t.name)
	default:
		msg := "task failed"
		if task.Error != nil {
			msg = task.Error.Message
		}
		return nil, fault.New(fault.A2AError, "a2a tool %s: %s", t.name, msg)
	}
}
