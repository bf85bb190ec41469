package model

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/castellan-ai/castellan/pkg/config"
)

func TestPriceTableCost(t *testing.T) {
	table := NewPriceTable(map[string]config.ModelPrice{
		"gpt-4o": {In: 2.50, Out: 10.00},
	})

	assert.InDelta(t, 12.50, table.Cost("gpt-4o", 1_000_000, 1_000_000), 1e-9)
	assert.InDelta(t, 2.5e-6*1000+1e-5*500, table.Cost("gpt-4o", 1000, 500), 1e-9)

	// Unregistered models cost zero.
	assert.Zero(t, table.Cost("unknown-model", 100_000, 100_000))
}

func TestEstimateTokens(t *testing.T) {
	n := EstimateTokens("How do I reset my password?")
	assert.Greater(t, n, 0)
	assert.Less(t, n, 20)

	assert.Zero(t, EstimateTokens(""))
}

func TestEstimateMessages(t *testing.T) {
	msgs := []Message{
		{Role: "system", Content: "You are helpful."},
		{Role: "user", Content: "Hello there."},
	}
	total := EstimateMessages(msgs)
	assert.Equal(t, EstimateTokens("You are helpful.")+EstimateTokens("Hello there."), total)
}
