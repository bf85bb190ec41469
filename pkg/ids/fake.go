package ids

import (
	"fmt"
	"sync"
	"time"
)

// FakeClock is a manually advanced clock for tests.
type FakeClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewFakeClock starts a fake clock at the given instant.
func NewFakeClock(start time.Time) *FakeClock {
	return &FakeClock{now: start}
}

func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *FakeClock) Since(t time.Time) time.Duration {
	return c.Now().Sub(t)
}

// Advance moves the clock forward.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// SeqGenerator mints deterministic sequential IDs for tests.
type SeqGenerator struct {
	mu sync.Mutex
	n  map[string]int
}

func NewSeqGenerator() *SeqGenerator {
	return &SeqGenerator{n: make(map[string]int)}
}

func (g *SeqGenerator) next(prefix string) string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n[prefix]++
	return fmt.Sprintf("%s_%04d", prefix, g.n[prefix])
}

func (g *SeqGenerator) ThreadID() string   { return g.next("th") }
func (g *SeqGenerator) RunID() string      { return g.next("run") }
func (g *SeqGenerator) StepID() string     { return g.next("stp") }
func (g *SeqGenerator) ToolCallID() string { return g.next("tc") }
func (g *SeqGenerator) MessageID() string  { return g.next("msg") }
func (g *SeqGenerator) MetricID() string   { return g.next("mx") }
func (g *SeqGenerator) TraceID() string    { return g.next("tr") }
func (g *SeqGenerator) Token() string      { return g.next("gate") }
