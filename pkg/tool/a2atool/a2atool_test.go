package a2atool

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/castellan-ai/castellan/pkg/a2a"
	"github.com/castellan-ai/castellan/pkg/config"
	"github.com/castellan-ai/castellan/pkg/fault"
	"github.com/castellan-ai/castellan/pkg/ids"
	"github.com/castellan-ai/castellan/pkg/tool"
)

type echoExecutor struct {
	lastReq a2a.TaskRequest
	err     error
}

func (e *echoExecutor) ExecuteTask(ctx context.Context, req a2a.TaskRequest) (*a2a.TaskResult, error) {
	e.lastReq = req
	if e.err != nil {
		return nil, e.err
	}
	return &a2a.TaskResult{
		Output: "echo: " + req.Message,
		RunID:  "run_peer",
		Usage:  &a2a.TaskUsage{InputTokens: 7, OutputTokens: 3},
	}, nil
}

type singleCard struct{ card a2a.AgentCard }

func (p singleCard) Card(ctx context.Context, agentID string) (*a2a.AgentCard, error) {
	cp := p.card
	return &cp, nil
}

func (p singleCard) Cards(ctx context.Context) []a2a.AgentCard {
	return []a2a.AgentCard{p.card}
}

func newPeer(t *testing.T, exec a2a.Executor) *httptest.Server {
	t.Helper()
	var srv *httptest.Server
	mux := http.NewServeMux()
	card := a2a.AgentCard{ID: "researcher", Name: "Researcher", Description: "Finds things out"}
	a2aSrv := a2a.NewServer(exec, singleCard{card}, ids.NewGenerator(), ids.SystemClock())
	mux.HandleFunc(a2a.AgentCardPath, func(w http.ResponseWriter, r *http.Request) {
		c := card
		c.Endpoint = srv.URL + a2a.RPCPath
		json.NewEncoder(w).Encode(c)
	})
	mux.Handle(a2a.RPCPath, a2aSrv)
	srv = httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func buildTool(t *testing.T, target string) tool.Tool {
	t.Helper()
	factory := NewFactory(nil)
	built, err := factory(config.ToolConfig{Type: "a2a", Name: "researcher", Target: target})
	require.NoError(t, err)
	return built
}

func TestInvokeDelegates(t *testing.T) {
	exec := &echoExecutor{}
	srv := newPeer(t, exec)
	at := buildTool(t, srv.URL)

	ctx := tool.WithScope(context.Background(), tool.Scope{
		ThreadID: "th_1", UserID: "u1", RunID: "run_parent",
	})
	res, err := at.Invoke(ctx, json.RawMessage(`{"message":"what is Go"}`))
	require.NoError(t, err)

	assert.Equal(t, "echo: what is Go", res.Output)
	require.NotNil(t, res.Usage)
	assert.Equal(t, 7, res.Usage.InputTokens)

	assert.Equal(t, "run_parent", exec.lastReq.ParentRunID)
	require.NotNil(t, exec.lastReq.ThreadContext)
	assert.Equal(t, "th_1", exec.lastReq.ThreadContext.ThreadID)
}

func TestInvokeFailurePropagatesKind(t *testing.T) {
	exec := &echoExecutor{err: fault.New(fault.Timeout, "peer model stalled")}
	srv := newPeer(t, exec)
	at := buildTool(t, srv.URL)

	_, err := at.Invoke(context.Background(), json.RawMessage(`{"message":"hi"}`))
	require.Error(t, err)
	assert.Equal(t, fault.A2AError, fault.KindOf(err))
	assert.Contains(t, err.Error(), "peer model stalled")
}

func TestInvokeRejectsEmptyMessage(t *testing.T) {
	srv := newPeer(t, &echoExecutor{})
	at := buildTool(t, srv.URL)

	_, err := at.Invoke(context.Background(), json.RawMessage(`{}`))
	require.Error(t, err)
	assert.Equal(t, fault.ToolInvocationError, fault.KindOf(err))
}

func TestFactoryRequiresTarget(t *testing.T) {
	factory := NewFactory(nil)
	_, err := factory(config.ToolConfig{Type: "a2a", Name: "peer"})
	require.Error(t, err)
	assert.Equal(t, fault.ConfigError, fault.KindOf(err))
}

func TestDefinitionUsesCardDescription(t *testing.T) {
	srv := newPeer(t, &echoExecutor{})
	at := buildTool(t, srv.URL)

	assert.Contains(t, at.Definition().Description, "Delegate")

	_, err := at.Invoke(context.Background(), json.RawMessage(`{"message":"hi"}`))
	require.NoError(t, err)

	assert.Equal(t, "Finds things out", at.Definition().Description)
}
