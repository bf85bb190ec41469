package workflow

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/castellan-ai/castellan/pkg/fault"
)

func TestGateResolveUnknownToken(t *testing.T) {
	g := NewGates()
	_, _, err := g.Resolve("nope", GateDecision{Decision: DecisionApprove})
	require.Error(t, err)
	assert.True(t, fault.IsKind(err, fault.ProtocolError))
}

func TestGateResolveInvalidDecision(t *testing.T) {
	g := NewGates()
	g.Open("tok", "run-1", time.Now())
	_, _, err := g.Resolve("tok", GateDecision{Decision: "maybe"})
	require.Error(t, err)
	assert.True(t, fault.IsKind(err, fault.ProtocolError))
}

func TestGateFirstDecisionWins(t *testing.T) {
	g := NewGates()
	g.Open("tok", "run-1", time.Now())

	res, replayed, err := g.Resolve("tok", GateDecision{Decision: DecisionEdit, Overrides: map[string]any{"a": "b"}})
	require.NoError(t, err)
	assert.False(t, replayed)
	assert.Equal(t, DecisionEdit, res.Decision)

	res, replayed, err = g.Resolve("tok", GateDecision{Decision: DecisionReject})
	require.NoError(t, err)
	assert.True(t, replayed)
	assert.Equal(t, DecisionEdit, res.Decision)
	assert.Equal(t, "b", res.Overrides["a"])
}

func TestGateWaitCancelled(t *testing.T) {
	g := NewGates()
	g.Open("tok", "run-1", time.Now())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := g.Wait(ctx, "tok")
	require.Error(t, err)
	assert.True(t, fault.IsKind(err, fault.Cancelled))
}

func TestGateSweepDropsStalePending(t *testing.T) {
	g := NewGates()
	opened := time.Now().Add(-time.Hour)
	g.Open("old", "run-1", opened)
	g.Open("new", "run-2", time.Now())
	g.Sweep(time.Now(), 30*time.Minute)

	_, _, err := g.Resolve("old", GateDecision{Decision: DecisionApprove})
	assert.Error(t, err)
	_, _, err = g.Resolve("new", GateDecision{Decision: DecisionApprove})
	assert.NoError(t, err)
}
