package workflow

import (
	"context"
	"sync"
	"time"

	"github.com/castellan-ai/castellan/pkg/fault"
)

// Decision kinds accepted by the human gate.
const (
	DecisionApprove = "approve"
	DecisionEdit    = "edit"
	DecisionReject  = "reject"
)

// GateDecision is one human verdict on a pending gate.
type GateDecision struct {
	Decision  string         `json:"decision"`
	Overrides map[string]any `json:"overrides,omitempty"`
}

type gateEntry struct {
	runID    string
	opened   time.Time
	decided  chan struct{}
	decision *GateDecision
}

// Gates tracks pending human gates by callback token. Resolution is
// idempotent: the first decision wins and later calls observe it.
type Gates struct {
	mu      sync.Mutex
	pending map[string]*gateEntry
}

func NewGates() *Gates {
	return &Gates{pending: make(map[string]*gateEntry)}
}

// Open registers a gate awaiting a decision.
func (g *Gates) Open(token, runID string, now time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.pending[token] = &gateEntry{
		runID:   runID,
		opened:  now,
		decided: make(chan struct{}),
	}
}

// Resolve records a decision. The first call wins; replays return the
// original decision with replayed=true and cause no side effects.
func (g *Gates) Resolve(token string, d GateDecision) (result *GateDecision, replayed bool, err error) {
	switch d.Decision {
	case DecisionApprove, DecisionEdit, DecisionReject:
	default:
		return nil, false, fault.New(fault.ProtocolError, "unknown gate decision %q", d.Decision)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	entry, ok := g.pending[token]
	if !ok {
		return nil, false, fault.New(fault.ProtocolError, "unknown gate token")
	}
	if entry.decision != nil {
		return entry.decision, true, nil
	}
	entry.decision = &d
	close(entry.decided)
	return &d, false, nil
}

// Wait blocks until the gate is decided or ctx ends. The entry is kept
// after resolution so replayed decisions stay observable.
func (g *Gates) Wait(ctx context.Context, token string) (*GateDecision, error) {
	g.mu.Lock()
	entry, ok := g.pending[token]
	g.mu.Unlock()
	if !ok {
		return nil, fault.New(fault.ProtocolError, "unknown gate token")
	}
	select {
	case <-ctx.Done():
		return nil, fault.Wrap(fault.Cancelled, ctx.Err(), "awaiting gate decision")
	case <-entry.decided:
		g.mu.Lock()
		defer g.mu.Unlock()
		return entry.decision, nil
	}
}

// Sweep drops undecided gates older than maxAge and decided gates held
// past the replay window.
func (g *Gates) Sweep(now time.Time, maxAge time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for token, entry := range g.pending {
		if now.Sub(entry.opened) > maxAge {
			delete(g.pending, token)
		}
	}
}
