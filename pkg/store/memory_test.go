package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/castellan-ai/castellan/pkg/config"
)

func TestThreadListingOrderAndPaging(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		require.NoError(t, s.PutThread(ctx, &Thread{
			ID:            string(rune('a' + i)),
			OwnerID:       "u1",
			AgentID:       "helper",
			Status:        ThreadActive,
			LastMessageAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}

	page, err := s.ListThreads(ctx, "u1", "", 2, 0)
	require.NoError(t, err)
	assert.Equal(t, 5, page.Total)
	require.Len(t, page.Threads, 2)
	// Newest first.
	assert.Equal(t, "e", page.Threads[0].ID)
	assert.Equal(t, "d", page.Threads[1].ID)

	page, err = s.ListThreads(ctx, "u1", "", 2, 4)
	require.NoError(t, err)
	require.Len(t, page.Threads, 1)
	assert.Equal(t, "a", page.Threads[0].ID)
}

func TestThreadSoftDelete(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	require.NoError(t, s.PutThread(ctx, &Thread{ID: "t1", OwnerID: "u1", Status: ThreadActive}))
	require.NoError(t, s.DeleteThread(ctx, "t1"))

	_, err := s.GetThread(ctx, "t1")
	assert.ErrorIs(t, err, ErrNotFound)

	// Delete is not repeatable and the listing hides the thread.
	assert.ErrorIs(t, s.DeleteThread(ctx, "t1"), ErrNotFound)
	page, err := s.ListThreads(ctx, "u1", "", 10, 0)
	require.NoError(t, err)
	assert.Zero(t, page.Total)
}

func TestRunMonotoneCounters(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	require.NoError(t, s.PutRun(ctx, &Run{ID: "r1", ThreadID: "t1", Status: RunRunning, InputTokens: 100, OutputTokens: 50}))
	// A late duplicate upsert with lower counters must not regress them.
	require.NoError(t, s.PutRun(ctx, &Run{ID: "r1", ThreadID: "t1", Status: RunRunning, InputTokens: 40, OutputTokens: 10}))

	r, err := s.GetRun(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, 100, r.InputTokens)
	assert.Equal(t, 50, r.OutputTokens)
}

func TestRunTerminalOnce(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	ended := time.Now()
	require.NoError(t, s.PutRun(ctx, &Run{ID: "r1", ThreadID: "t1", Status: RunSucceeded, EndedAt: &ended}))
	// A stale running snapshot cannot reopen a terminal run.
	require.NoError(t, s.PutRun(ctx, &Run{ID: "r1", ThreadID: "t1", Status: RunRunning}))

	r, err := s.GetRun(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, RunSucceeded, r.Status)
	require.NotNil(t, r.EndedAt)
}

func TestMessageOrdinalsAndIdempotentUpsert(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	require.NoError(t, s.PutMessage(ctx, &Message{ID: "m2", ThreadID: "t1", Ordinal: 2, Content: "second"}))
	require.NoError(t, s.PutMessage(ctx, &Message{ID: "m1", ThreadID: "t1", Ordinal: 1, Content: "first"}))
	require.NoError(t, s.PutMessage(ctx, &Message{ID: "m1", ThreadID: "t1", Ordinal: 1, Content: "first!"}))

	msgs, err := s.ListMessages(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "first!", msgs[0].Content)
	assert.Equal(t, "second", msgs[1].Content)
}

func TestStepsOrderedByOrdinal(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	require.NoError(t, s.PutStep(ctx, &Step{ID: "s3", RunID: "r1", Ordinal: 3}))
	require.NoError(t, s.PutStep(ctx, &Step{ID: "s1", RunID: "r1", Ordinal: 1}))
	require.NoError(t, s.PutStep(ctx, &Step{ID: "s2", RunID: "r1", Ordinal: 2}))

	steps, err := s.ListSteps(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, steps, 3)
	for i, st := range steps {
		assert.Equal(t, i+1, st.Ordinal)
	}
}

func TestBudgetAccumulator(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	require.NoError(t, s.AddTokens(ctx, "u1", "2026-03-01", 100))
	require.NoError(t, s.AddTokens(ctx, "u1", "2026-03-01", 250))
	require.NoError(t, s.AddTokens(ctx, "u1", "2026-03-02", 5))

	n, err := s.TokensUsedOn(ctx, "u1", "2026-03-01")
	require.NoError(t, err)
	assert.Equal(t, 350, n)

	n, err = s.TokensUsedOn(ctx, "u2", "2026-03-01")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestAgentCRUD(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	spec := &config.AgentSpec{ID: "helper", Name: "Helper", SystemPrompt: "You help.", Status: config.AgentStatusActive}
	require.NoError(t, s.PutAgent(ctx, spec))

	got, err := s.GetAgent(ctx, "helper")
	require.NoError(t, err)
	assert.Equal(t, "Helper", got.Name)

	specs, err := s.ListAgents(ctx)
	require.NoError(t, err)
	assert.Len(t, specs, 1)

	require.NoError(t, s.DeleteAgent(ctx, "helper"))
	_, err = s.GetAgent(ctx, "helper")
	assert.ErrorIs(t, err, ErrNotFound)
}
