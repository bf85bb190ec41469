package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/castellan-ai/castellan/pkg/ids"
)

func TestAllowUpToLimit(t *testing.T) {
	clock := ids.NewFakeClock(time.Date(2026, 1, 2, 10, 0, 0, 0, time.UTC))
	l := New(3, time.Minute, WithClock(clock))

	for i := 0; i < 3; i++ {
		res := l.Allow("u1")
		assert.True(t, res.Allowed, "request %d", i+1)
		assert.Equal(t, 2-i, res.Remaining)
	}
	res := l.Allow("u1")
	assert.False(t, res.Allowed)
	assert.Equal(t, time.Minute, res.RetryAfter)
}

func TestWindowRollover(t *testing.T) {
	clock := ids.NewFakeClock(time.Date(2026, 1, 2, 10, 0, 0, 0, time.UTC))
	l := New(1, time.Minute, WithClock(clock))

	assert.True(t, l.Allow("u1").Allowed)
	assert.False(t, l.Allow("u1").Allowed)

	clock.Advance(time.Minute)
	assert.True(t, l.Allow("u1").Allowed)
}

func TestUsersAreIndependent(t *testing.T) {
	clock := ids.NewFakeClock(time.Date(2026, 1, 2, 10, 0, 0, 0, time.UTC))
	l := New(1, time.Minute, WithClock(clock))

	assert.True(t, l.Allow("u1").Allowed)
	assert.True(t, l.Allow("u2").Allowed)
	assert.False(t, l.Allow("u1").Allowed)
}

func TestZeroLimitDisables(t *testing.T) {
	l := New(0, time.Minute)
	for i := 0; i < 100; i++ {
		assert.True(t, l.Allow("u1").Allowed)
	}
}

func TestSweepDropsExpired(t *testing.T) {
	clock := ids.NewFakeClock(time.Date(2026, 1, 2, 10, 0, 0, 0, time.UTC))
	l := New(1, time.Minute, WithClock(clock))
	l.Allow("u1")
	clock.Advance(2 * time.Minute)
	l.Sweep()
	assert.Empty(t, l.buckets)
}
