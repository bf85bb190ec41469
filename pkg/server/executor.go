package server

import (
	"context"

	"github.com/castellan-ai/castellan/pkg/a2a"
	"github.com/castellan-ai/castellan/pkg/agent"
	"github.com/castellan-ai/castellan/pkg/config"
	"github.com/castellan-ai/castellan/pkg/fault"
	"github.com/castellan-ai/castellan/pkg/version"
)

// taskExecutor answers peer tasks/send calls by running the requested
// agent. The peer's parentRunId flows through so the child run links
// back to the remote caller.
type taskExecutor struct {
	s *Server
}

var _ a2a.Executor = (*taskExecutor)(nil)

func (e *taskExecutor) ExecuteTask(ctx context.Context, req a2a.TaskRequest) (*a2a.TaskResult, error) {
	ag, err := e.s.dir.Resolve(ctx, req.AgentID)
	if err != nil {
		return nil, err
	}
	creq := agent.ChatRequest{
		Agent:       ag,
		Message:     req.Message,
		ParentRunID: req.ParentRunID,
	}
	if tc := req.ThreadContext; tc != nil {
		creq.ThreadID = tc.ThreadID
		creq.UserID = tc.UserID
	}
	if creq.UserID == "" {
		creq.UserID = "a2a-peer"
	}
	out, err := e.s.runner.Run(ctx, creq)
	if err != nil {
		return nil, err
	}
	return &a2a.TaskResult{
		Output: out.Text,
		RunID:  out.RunID,
		Usage: &a2a.TaskUsage{
			InputTokens:  out.Usage.InputTokens,
			OutputTokens: out.Usage.OutputTokens,
		},
	}, nil
}

// cardProvider derives discovery documents from the stored agent
// definitions.
type cardProvider struct {
	s *Server
}

var _ a2a.CardProvider = (*cardProvider)(nil)

func (p *cardProvider) Card(ctx context.Context, agentID string) (*a2a.AgentCard, error) {
	spec, err := p.s.store.GetAgent(ctx, agentID)
	if err != nil || spec.Status != config.AgentStatusActive {
		return nil, fault.New(fault.ToolNotAvailable, "agent %s is not available", agentID)
	}
	card := p.card(spec)
	return &card, nil
}

func (p *cardProvider) Cards(ctx context.Context) []a2a.AgentCard {
	specs, err := p.s.store.ListAgents(ctx)
	if err != nil {
		p.s.logger.Warn("listing agents for directory failed", "error", err)
		return nil
	}
	var cards []a2a.AgentCard
	for _, spec := range specs {
		if spec.Status != config.AgentStatusActive {
			continue
		}
		cards = append(cards, p.card(spec))
	}
	return cards
}

func (p *cardProvider) card(spec *config.AgentSpec) a2a.AgentCard {
	caps := make([]string, 0, len(spec.Tools))
	seen := make(map[string]bool, len(spec.Tools))
	for _, tc := range spec.Tools {
		if !tc.Disabled && !seen[tc.Type] {
			seen[tc.Type] = true
			caps = append(caps, tc.Type)
		}
	}
	return a2a.AgentCard{
		ID:           spec.ID,
		Name:         spec.Name,
		Description:  spec.Description,
		Version:      version.Version,
		Capabilities: caps,
		Skills:       spec.Tags,
		Endpoint:     p.s.cfg.Server.BaseURL + a2a.RPCPath,
	}
}
