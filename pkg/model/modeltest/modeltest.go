// Package modeltest provides a scripted model.LLM for tests. Turns are
// queued up front; every Stream call records the request it received
// and plays the next turn.
package modeltest

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"sync"
	"time"

	"github.com/castellan-ai/castellan/pkg/model"
)

// Turn is one scripted LLM invocation.
type Turn struct {
	Events []*model.Event
	// Err aborts the stream after Events with this error.
	Err error
	// Delay is waited before each event, interruptible by ctx. Use it
	// to exercise cancellation mid-stream.
	Delay time.Duration
}

// Text builds a turn that streams the given chunks and finishes with
// stop.
func Text(chunks ...string) Turn {
	t := Turn{}
	out := 0
	for _, c := range chunks {
		t.Events = append(t.Events, &model.Event{Type: model.EventTextDelta, TextDelta: c})
		out += model.EstimateTokens(c)
	}
	t.Events = append(t.Events,
		&model.Event{Type: model.EventUsage, Usage: &model.Usage{InputTokens: 10, OutputTokens: out}},
		&model.Event{Type: model.EventFinish, Finish: model.FinishStop},
	)
	return t
}

// Tools builds a turn that requests the given tool calls.
func Tools(calls ...model.ToolRequest) Turn {
	t := Turn{}
	for i := range calls {
		if len(calls[i].Input) == 0 {
			calls[i].Input = json.RawMessage("{}")
		}
		t.Events = append(t.Events, &model.Event{Type: model.EventToolRequest, ToolRequest: &calls[i]})
	}
	t.Events = append(t.Events,
		&model.Event{Type: model.EventUsage, Usage: &model.Usage{InputTokens: 10, OutputTokens: 5}},
		&model.Event{Type: model.EventFinish, Finish: model.FinishTool},
	)
	return t
}

// Call is a convenience tool request constructor.
func Call(id, name, input string) model.ToolRequest {
	return model.ToolRequest{CallID: id, Name: name, Input: json.RawMessage(input)}
}

// LLM is the scripted driver.
type LLM struct {
	mu       sync.Mutex
	name     string
	turns    []Turn
	requests []model.Request
}

var _ model.LLM = (*LLM)(nil)

func New(name string, turns ...Turn) *LLM {
	return &LLM{name: name, turns: turns}
}

func (l *LLM) Name() string { return l.name }

// Append queues more turns.
func (l *LLM) Append(turns ...Turn) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.turns = append(l.turns, turns...)
}

// Requests returns a copy of every request seen so far.
func (l *LLM) Requests() []model.Request {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]model.Request, len(l.requests))
	copy(out, l.requests)
	return out
}

// Calls reports how many turns have been consumed.
func (l *LLM) Calls() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.requests)
}

func (l *LLM) Stream(ctx context.Context, req model.Request) iter.Seq2[*model.Event, error] {
	l.mu.Lock()
	l.requests = append(l.requests, req)
	var turn Turn
	hasTurn := len(l.turns) > 0
	if hasTurn {
		turn = l.turns[0]
		l.turns = l.turns[1:]
	}
	l.mu.Unlock()

	return func(yield func(*model.Event, error) bool) {
		if !hasTurn {
			yield(nil, fmt.Errorf("modeltest: no scripted turn left"))
			return
		}
		for _, ev := range turn.Events {
			if turn.Delay > 0 {
				select {
				case <-ctx.Done():
					yield(nil, ctx.Err())
					return
				case <-time.After(turn.Delay):
				}
			}
			if ctx.Err() != nil {
				yield(nil, ctx.Err())
				return
			}
			if !yield(ev, nil) {
				return
			}
		}
		if turn.Err != nil {
			yield(nil, turn.Err)
		}
	}
}
