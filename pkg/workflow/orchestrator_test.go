package workflow_test

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/castellan-ai/castellan/pkg/agent"
	"github.com/castellan-ai/castellan/pkg/config"
	"github.com/castellan-ai/castellan/pkg/fault"
	"github.com/castellan-ai/castellan/pkg/ids"
	"github.com/castellan-ai/castellan/pkg/model"
	"github.com/castellan-ai/castellan/pkg/model/modeltest"
	"github.com/castellan-ai/castellan/pkg/store"
	"github.com/castellan-ai/castellan/pkg/workflow"
)

type fixture struct {
	st     *store.Memory
	runner *agent.Runner
	dir    *agent.Directory
	gates  *workflow.Gates
	orch   *workflow.Orchestrator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := store.NewMemory()
	limits := config.Default().Limits
	prices := model.NewPriceTable(map[string]config.ModelPrice{
		"scripted": {In: 1.0, Out: 2.0},
	})
	gen := ids.NewSeqGenerator()
	r := agent.NewRunner(st, prices, limits, agent.WithGenerator(gen))
	t.Cleanup(r.Close)
	dir := agent.NewDirectory()
	gates := workflow.NewGates()
	orch := workflow.New(r, dir, st, gates, limits, workflow.WithGenerator(gen))
	return &fixture{st: st, runner: r, dir: dir, gates: gates, orch: orch}
}

func (f *fixture) addAgent(t *testing.T, id string, llm *modeltest.LLM) {
	t.Helper()
	spec := config.AgentSpec{
		ID:           id,
		Name:         id,
		Status:       config.AgentStatusActive,
		SystemPrompt: "You are the " + id + " agent.",
		Model:        "scripted",
	}
	a, err := agent.New(spec, llm, nil)
	require.NoError(t, err)
	f.dir.Register(a)
}

func (f *fixture) collect(t *testing.T, req workflow.ChatRequest) ([]*agent.Event, error) {
	t.Helper()
	var events []*agent.Event
	var last error
	for ev, err := range f.orch.Stream(context.Background(), req) {
		if err != nil {
			last = err
			continue
		}
		events = append(events, ev)
	}
	return events, last
}

func ofType(events []*agent.Event, typ string) []*agent.Event {
	var out []*agent.Event
	for _, ev := range events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

func lastUserMessage(t *testing.T, req model.Request) string {
	t.Helper()
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == store.RoleUser {
			return req.Messages[i].Content
		}
	}
	t.Fatal("request has no user message")
	return ""
}

func TestParallelQuorumSurvivesOneFailure(t *testing.T) {
	f := newFixture(t)
	f.addAgent(t, "market", modeltest.New("scripted", modeltest.Text("market looks strong")))
	f.addAgent(t, "finance", modeltest.New("scripted", modeltest.Text("finances are healthy")))
	f.addAgent(t, "legal", modeltest.New("scripted", modeltest.Turn{
		Err: fault.New(fault.A2AError, "legal index offline"),
	}))
	merger := modeltest.New("scripted", modeltest.Text("combined recommendation"))
	f.addAgent(t, "writer", merger)

	events, err := f.collect(t, workflow.ChatRequest{
		Workflow: config.WorkflowSpec{
			ID:          "due-diligence",
			Type:        config.WorkflowParallel,
			Specialists: []string{"market", "finance", "legal"},
			Merger:      "writer",
			QuorumK:     2,
		},
		UserID:  "u1",
		Message: "Assess the acquisition target",
	})
	require.NoError(t, err)

	ends := ofType(events, agent.EventRunEnd)
	require.Len(t, ends, 1, "child run_end frames must be absorbed")
	assert.Equal(t, store.RunSucceeded, ends[0].Status)

	starts := ofType(events, agent.EventTraceStart)
	require.Len(t, starts, 3)
	var failed int
	for _, ev := range ofType(events, agent.EventTraceEnd) {
		if ev.Status == store.StepFailed {
			failed++
			assert.Equal(t, string(fault.A2AError), ev.ErrorKind)
		}
	}
	assert.Equal(t, 1, failed)

	require.Equal(t, 1, merger.Calls())
	prompt := lastUserMessage(t, merger.Requests()[0])
	assert.Contains(t, prompt, "market looks strong")
	assert.Contains(t, prompt, `{"error":"A2AError"}`)
	assert.Contains(t, prompt, "1. market:")
	assert.Contains(t, prompt, "3. legal:")
}

func TestParallelQuorumFailed(t *testing.T) {
	f := newFixture(t)
	f.addAgent(t, "a", modeltest.New("scripted", modeltest.Text("fine")))
	f.addAgent(t, "b", modeltest.New("scripted", modeltest.Turn{Err: fault.New(fault.Timeout, "slow")}))
	f.addAgent(t, "c", modeltest.New("scripted", modeltest.Turn{Err: fault.New(fault.Timeout, "slow")}))
	merger := modeltest.New("scripted")
	f.addAgent(t, "writer", merger)

	events, err := f.collect(t, workflow.ChatRequest{
		Workflow: config.WorkflowSpec{
			ID:          "panel",
			Type:        config.WorkflowParallel,
			Specialists: []string{"a", "b", "c"},
			Merger:      "writer",
		},
		UserID:  "u1",
		Message: "judge this",
	})
	require.Error(t, err)
	assert.True(t, fault.IsKind(err, fault.QuorumFailed))
	assert.Equal(t, 0, merger.Calls())

	ends := ofType(events, agent.EventRunEnd)
	require.Len(t, ends, 1)
	assert.Equal(t, store.RunFailed, ends[0].Status)
}

func TestSequentialConstraintNarrowsTools(t *testing.T) {
	f := newFixture(t)
	coord := modeltest.New("scripted",
		modeltest.Tools(modeltest.Call("c1", "sql", `{"message":"pull the leads"}`)),
		modeltest.Tools(modeltest.Call("c2", "mailer", `{"message":"send the digest"}`)),
		modeltest.Text("done"),
	)
	f.addAgent(t, "coordinator", coord)
	f.addAgent(t, "sql", modeltest.New("scripted", modeltest.Text("42 leads")))
	f.addAgent(t, "mailer", modeltest.New("scripted", modeltest.Text("digest sent")))

	events, err := f.collect(t, workflow.ChatRequest{
		Workflow: config.WorkflowSpec{
			ID:          "pipeline",
			Type:        config.WorkflowSequential,
			Coordinator: "coordinator",
			Specialists: []string{"sql", "mailer"},
			Constraints: []config.ToolConstraint{{After: "sql", Only: "mailer"}},
		},
		UserID:  "u1",
		Message: "run the weekly digest",
	})
	require.NoError(t, err)

	reqs := coord.Requests()
	require.Len(t, reqs, 3)
	assert.Len(t, reqs[0].Tools, 2)
	require.Len(t, reqs[1].Tools, 1, "after sql only mailer may be offered")
	assert.Equal(t, "mailer", reqs[1].Tools[0].Name)
	assert.Len(t, reqs[2].Tools, 2)

	ends := ofType(events, agent.EventRunEnd)
	require.Len(t, ends, 1)
	assert.Equal(t, store.RunSucceeded, ends[0].Status)
}

func TestSequentialMaxHandoffsWithdrawsTools(t *testing.T) {
	f := newFixture(t)
	coord := modeltest.New("scripted",
		modeltest.Tools(modeltest.Call("c1", "sql", `{"message":"query"}`)),
		modeltest.Text("final answer"),
	)
	f.addAgent(t, "coordinator", coord)
	f.addAgent(t, "sql", modeltest.New("scripted", modeltest.Text("rows")))

	_, err := f.collect(t, workflow.ChatRequest{
		Workflow: config.WorkflowSpec{
			ID:          "pipeline",
			Type:        config.WorkflowSequential,
			Coordinator: "coordinator",
			Specialists: []string{"sql"},
		},
		UserID:      "u1",
		Message:     "query things",
		MaxHandoffs: 1,
	})
	require.NoError(t, err)

	reqs := coord.Requests()
	require.Len(t, reqs, 2)
	assert.Len(t, reqs[0].Tools, 1)
	assert.Empty(t, reqs[1].Tools, "handoff budget spent, tools withdrawn")
}

func TestSequentialEvaluatorRetriesThenPasses(t *testing.T) {
	f := newFixture(t)
	coord := modeltest.New("scripted",
		modeltest.Text("first draft"),
		modeltest.Text("polished answer"),
	)
	critic := modeltest.New("scripted",
		modeltest.Text("RETRY: cite your sources"),
		modeltest.Text("PASS"),
	)
	f.addAgent(t, "coordinator", coord)
	f.addAgent(t, "critic", critic)

	events, err := f.collect(t, workflow.ChatRequest{
		Workflow: config.WorkflowSpec{
			ID:          "reviewed",
			Type:        config.WorkflowSequential,
			Coordinator: "coordinator",
			Evaluator:   "critic",
		},
		UserID:  "u1",
		Message: "summarise the report",
	})
	require.NoError(t, err)

	require.Equal(t, 2, coord.Calls())
	require.Equal(t, 2, critic.Calls())
	retryPrompt := lastUserMessage(t, coord.Requests()[1])
	assert.Contains(t, retryPrompt, "cite your sources")
	criticPrompt := lastUserMessage(t, critic.Requests()[0])
	assert.Contains(t, criticPrompt, "first draft")

	ends := ofType(events, agent.EventRunEnd)
	require.Len(t, ends, 1)
	assert.Equal(t, store.RunSucceeded, ends[0].Status)
}

func TestSequentialEvaluatorExhaustionMarksAttempts(t *testing.T) {
	f := newFixture(t)
	coord := modeltest.New("scripted",
		modeltest.Text("draft one"),
		modeltest.Text("draft two"),
	)
	critic := modeltest.New("scripted",
		modeltest.Text("RETRY: wrong"),
		modeltest.Text("RETRY: still wrong"),
	)
	f.addAgent(t, "coordinator", coord)
	f.addAgent(t, "critic", critic)

	events, err := f.collect(t, workflow.ChatRequest{
		Workflow: config.WorkflowSpec{
			ID:          "reviewed",
			Type:        config.WorkflowSequential,
			Coordinator: "coordinator",
			Evaluator:   "critic",
		},
		UserID:      "u1",
		Message:     "summarise",
		MaxHandoffs: 2,
	})
	require.NoError(t, err)

	var marked bool
	for _, ev := range ofType(events, agent.EventTraceUpdate) {
		if ev.Message == "max_attempts_reached" {
			marked = true
		}
	}
	assert.True(t, marked, "exhausted evaluator loop must be marked on the stream")
	ends := ofType(events, agent.EventRunEnd)
	require.Len(t, ends, 1)
	assert.Equal(t, store.RunSucceeded, ends[0].Status, "the last answer still ships")
}

// runGated streams a gated workflow in the background and hands the
// test the gate token once the pause frame arrives.
func runGated(t *testing.T, f *fixture, req workflow.ChatRequest) (token string, wait func() ([]*agent.Event, error)) {
	t.Helper()
	evCh := make(chan *agent.Event, 64)
	errCh := make(chan error, 1)
	go func() {
		var last error
		for ev, err := range f.orch.Stream(context.Background(), req) {
			if err != nil {
				last = err
				continue
			}
			evCh <- ev
		}
		close(evCh)
		errCh <- last
	}()

	var events []*agent.Event
	deadline := time.After(5 * time.Second)
	for token == "" {
		select {
		case ev, ok := <-evCh:
			if !ok {
				t.Fatalf("stream ended before gate frame, err=%v", <-errCh)
			}
			events = append(events, ev)
			if ev.Type == agent.EventTraceUpdate && ev.Kind == agent.UpdateGate {
				token = ev.GateToken
			}
		case <-deadline:
			t.Fatal("gate frame never arrived")
		}
	}

	wait = func() ([]*agent.Event, error) {
		for ev := range evCh {
			events = append(events, ev)
		}
		return events, <-errCh
	}
	return token, wait
}

func TestHumanGateApproveAndReplay(t *testing.T) {
	f := newFixture(t)
	f.addAgent(t, "analyst", modeltest.New("scripted", modeltest.Text("buy signal")))
	merger := modeltest.New("scripted", modeltest.Text("final recommendation"))
	f.addAgent(t, "writer", merger)

	req := workflow.ChatRequest{
		Workflow: config.WorkflowSpec{
			ID:          "gated",
			Type:        config.WorkflowParallel,
			Specialists: []string{"analyst"},
			Merger:      "writer",
			Gate:        true,
		},
		UserID:  "u1",
		Message: "should we invest",
	}
	token, wait := runGated(t, f, req)
	require.NotEmpty(t, token)

	res, replayed, err := f.gates.Resolve(token, workflow.GateDecision{Decision: workflow.DecisionApprove})
	require.NoError(t, err)
	assert.False(t, replayed)
	assert.Equal(t, workflow.DecisionApprove, res.Decision)

	events, err := wait()
	require.NoError(t, err)
	require.Equal(t, 1, merger.Calls())

	ends := ofType(events, agent.EventRunEnd)
	require.Len(t, ends, 1)
	assert.Equal(t, store.RunSucceeded, ends[0].Status)

	var sentinel bool
	for _, ev := range ofType(events, agent.EventTraceUpdate) {
		if ev.Message == "awaiting_human" {
			sentinel = true
		}
	}
	assert.True(t, sentinel)

	// Replays return the first verdict unchanged.
	res, replayed, err = f.gates.Resolve(token, workflow.GateDecision{Decision: workflow.DecisionReject})
	require.NoError(t, err)
	assert.True(t, replayed)
	assert.Equal(t, workflow.DecisionApprove, res.Decision)
}

func TestHumanGateRejectSkipsMerger(t *testing.T) {
	f := newFixture(t)
	f.addAgent(t, "analyst", modeltest.New("scripted", modeltest.Text("buy signal")))
	merger := modeltest.New("scripted")
	f.addAgent(t, "writer", merger)

	req := workflow.ChatRequest{
		Workflow: config.WorkflowSpec{
			ID:          "gated",
			Type:        config.WorkflowParallel,
			Specialists: []string{"analyst"},
			Merger:      "writer",
			Gate:        true,
		},
		UserID:  "u1",
		Message: "should we invest",
	}
	token, wait := runGated(t, f, req)

	_, _, err := f.gates.Resolve(token, workflow.GateDecision{Decision: workflow.DecisionReject})
	require.NoError(t, err)

	events, err := wait()
	require.NoError(t, err)
	assert.Equal(t, 0, merger.Calls())

	ends := ofType(events, agent.EventRunEnd)
	require.Len(t, ends, 1)
	assert.Equal(t, store.RunSucceeded, ends[0].Status, "a rejection is a completed run")

	var rejected bool
	for _, ev := range ofType(events, agent.EventToken) {
		if strings.Contains(ev.Content, "rejected") {
			rejected = true
		}
	}
	assert.True(t, rejected)
}

func TestHumanGateEditOverridesPayload(t *testing.T) {
	f := newFixture(t)
	f.addAgent(t, "analyst", modeltest.New("scripted", modeltest.Text("buy signal")))
	merger := modeltest.New("scripted", modeltest.Text("final recommendation"))
	f.addAgent(t, "writer", merger)

	req := workflow.ChatRequest{
		Workflow: config.WorkflowSpec{
			ID:          "gated",
			Type:        config.WorkflowParallel,
			Specialists: []string{"analyst"},
			Merger:      "writer",
			Gate:        true,
		},
		UserID:  "u1",
		Message: "should we invest",
	}
	token, wait := runGated(t, f, req)

	_, _, err := f.gates.Resolve(token, workflow.GateDecision{
		Decision:  workflow.DecisionEdit,
		Overrides: map[string]any{"analyst": "hold, await earnings"},
	})
	require.NoError(t, err)

	_, err = wait()
	require.NoError(t, err)
	require.Equal(t, 1, merger.Calls())
	prompt := lastUserMessage(t, merger.Requests()[0])
	assert.Contains(t, prompt, "hold, await earnings")
	assert.NotContains(t, prompt, "buy signal")
}

func TestGatePayloadCarriesSpecialistOutputs(t *testing.T) {
	f := newFixture(t)
	f.addAgent(t, "analyst", modeltest.New("scripted", modeltest.Text("buy signal")))
	f.addAgent(t, "writer", modeltest.New("scripted", modeltest.Text("ok")))

	req := workflow.ChatRequest{
		Workflow: config.WorkflowSpec{
			ID:          "gated",
			Type:        config.WorkflowParallel,
			Specialists: []string{"analyst"},
			Merger:      "writer",
			Gate:        true,
		},
		UserID:  "u1",
		Message: "should we invest",
	}
	token, wait := runGated(t, f, req)

	_, _, err := f.gates.Resolve(token, workflow.GateDecision{Decision: workflow.DecisionApprove})
	require.NoError(t, err)
	events, err := wait()
	require.NoError(t, err)

	var payload map[string]any
	for _, ev := range ofType(events, agent.EventTraceUpdate) {
		if ev.Kind == agent.UpdateGate {
			require.NoError(t, json.Unmarshal(ev.Payload, &payload))
		}
	}
	require.NotNil(t, payload)
	assert.Equal(t, "buy signal", payload["analyst"])
}

func TestParallelLinksChildRuns(t *testing.T) {
	f := newFixture(t)
	f.addAgent(t, "a", modeltest.New("scripted", modeltest.Text("alpha")))
	f.addAgent(t, "b", modeltest.New("scripted", modeltest.Text("beta")))
	f.addAgent(t, "writer", modeltest.New("scripted", modeltest.Text("merged")))

	events, err := f.collect(t, workflow.ChatRequest{
		Workflow: config.WorkflowSpec{
			ID:          "fanout",
			Type:        config.WorkflowParallel,
			Specialists: []string{"a", "b"},
			Merger:      "writer",
		},
		UserID:  "u1",
		Message: "analyse",
	})
	require.NoError(t, err)

	ends := ofType(events, agent.EventRunEnd)
	require.Len(t, ends, 1)
	parent, err := f.st.GetRun(context.Background(), ends[0].RunID)
	require.NoError(t, err)
	assert.Equal(t, "fanout", parent.AgentID)
	assert.Equal(t, store.RunSucceeded, parent.Status)
	assert.Positive(t, parent.InputTokens+parent.OutputTokens, "parent run accounts child usage")

	var linked int
	for _, m := range f.st.Metrics() {
		r, err := f.st.GetRun(context.Background(), m.RunID)
		if err != nil {
			continue
		}
		if r.ParentRunID == parent.ID {
			linked++
		}
	}
	assert.Equal(t, 3, linked, "two specialists and the merger link back to the workflow run")
}
