package store

import (
	"context"
	"sort"
	"sync"

	"github.com/castellan-ai/castellan/pkg/config"
)

// Memory is an in-process Store for tests and single-node dev setups.
// It mirrors the redis implementation's semantics, including soft
// deletes and monotone run counters. TTLs are not enforced.
type Memory struct {
	mu        sync.RWMutex
	threads   map[string]*Thread
	messages  map[string][]*Message
	runs      map[string]*Run
	runsByTh  map[string][]string
	steps     map[string][]*Step
	toolCalls map[string][]*ToolCall
	metrics   []*Metric
	budget    map[string]int
	agents    map[string]*config.AgentSpec
}

var _ Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		threads:   make(map[string]*Thread),
		messages:  make(map[string][]*Message),
		runs:      make(map[string]*Run),
		runsByTh:  make(map[string][]string),
		steps:     make(map[string][]*Step),
		toolCalls: make(map[string][]*ToolCall),
		budget:    make(map[string]int),
		agents:    make(map[string]*config.AgentSpec),
	}
}

func (s *Memory) PutThread(_ context.Context, t *Thread) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *t
	s.threads[t.ID] = &cp
	return nil
}

func (s *Memory) GetThread(_ context.Context, id string) (*Thread, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.threads[id]
	if !ok || t.Status == ThreadDeleted {
		return nil, ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (s *Memory) ListThreads(_ context.Context, ownerID, agentID string, limit, offset int) (*ThreadPage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var all []*Thread
	for _, t := range s.threads {
		if t.OwnerID != ownerID || t.Status == ThreadDeleted {
			continue
		}
		if agentID != "" && t.AgentID != agentID {
			continue
		}
		cp := *t
		all = append(all, &cp)
	}
	sort.Slice(all, func(i, j int) bool {
		return all[i].LastMessageAt.After(all[j].LastMessageAt)
	})
	return paginate(all, limit, offset), nil
}

func paginate(all []*Thread, limit, offset int) *ThreadPage {
	if limit <= 0 {
		limit = 20
	}
	total := len(all)
	if offset > total {
		offset = total
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return &ThreadPage{
		Threads:  all[offset:end],
		Total:    total,
		Page:     offset/limit + 1,
		PageSize: limit,
	}
}

func (s *Memory) DeleteThread(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.threads[id]
	if !ok || t.Status == ThreadDeleted {
		return ErrNotFound
	}
	t.Status = ThreadDeleted
	return nil
}

func (s *Memory) PutMessage(_ context.Context, m *Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *m
	msgs := s.messages[m.ThreadID]
	for i, existing := range msgs {
		if existing.ID == m.ID {
			msgs[i] = &cp
			return nil
		}
	}
	s.messages[m.ThreadID] = append(msgs, &cp)
	return nil
}

func (s *Memory) ListMessages(_ context.Context, threadID string) ([]*Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msgs := make([]*Message, len(s.messages[threadID]))
	for i, m := range s.messages[threadID] {
		cp := *m
		msgs[i] = &cp
	}
	sort.Slice(msgs, func(i, j int) bool { return msgs[i].Ordinal < msgs[j].Ordinal })
	return msgs, nil
}

func (s *Memory) PutRun(_ context.Context, r *Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	merged := mergeRun(s.runs[r.ID], r)
	cp := *merged
	if _, seen := s.runs[r.ID]; !seen {
		s.runsByTh[r.ThreadID] = append(s.runsByTh[r.ThreadID], r.ID)
	}
	s.runs[r.ID] = &cp
	return nil
}

func (s *Memory) GetRun(_ context.Context, id string) (*Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.runs[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (s *Memory) ListRuns(_ context.Context, threadID string) ([]*Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var runs []*Run
	for _, id := range s.runsByTh[threadID] {
		cp := *s.runs[id]
		runs = append(runs, &cp)
	}
	return runs, nil
}

func (s *Memory) PutStep(_ context.Context, st *Step) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *st
	steps := s.steps[st.RunID]
	for i, existing := range steps {
		if existing.ID == st.ID {
			steps[i] = &cp
			return nil
		}
	}
	s.steps[st.RunID] = append(steps, &cp)
	return nil
}

func (s *Memory) ListSteps(_ context.Context, runID string) ([]*Step, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	steps := make([]*Step, len(s.steps[runID]))
	for i, st := range s.steps[runID] {
		cp := *st
		steps[i] = &cp
	}
	sort.Slice(steps, func(i, j int) bool { return steps[i].Ordinal < steps[j].Ordinal })
	return steps, nil
}

func (s *Memory) PutToolCall(_ context.Context, tc *ToolCall) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *tc
	calls := s.toolCalls[tc.RunID]
	for i, existing := range calls {
		if existing.ID == tc.ID {
			calls[i] = &cp
			return nil
		}
	}
	s.toolCalls[tc.RunID] = append(calls, &cp)
	return nil
}

func (s *Memory) ListToolCalls(_ context.Context, runID string) ([]*ToolCall, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	calls := make([]*ToolCall, len(s.toolCalls[runID]))
	for i, tc := range s.toolCalls[runID] {
		cp := *tc
		calls[i] = &cp
	}
	return calls, nil
}

func (s *Memory) PutMetric(_ context.Context, m *Metric) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *m
	s.metrics = append(s.metrics, &cp)
	return nil
}

// Metrics returns all recorded metrics; test helper.
func (s *Memory) Metrics() []*Metric {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Metric, len(s.metrics))
	copy(out, s.metrics)
	return out
}

func (s *Memory) AddTokens(_ context.Context, userID, date string, tokens int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.budget[userID+"|"+date] += tokens
	return nil
}

func (s *Memory) TokensUsedOn(_ context.Context, userID, date string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.budget[userID+"|"+date], nil
}

func (s *Memory) PutAgent(_ context.Context, spec *config.AgentSpec) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *spec
	s.agents[spec.ID] = &cp
	return nil
}

func (s *Memory) GetAgent(_ context.Context, id string) (*config.AgentSpec, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.agents[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (s *Memory) ListAgents(_ context.Context) ([]*config.AgentSpec, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var specs []*config.AgentSpec
	for _, a := range s.agents {
		cp := *a
		specs = append(specs, &cp)
	}
	sort.Slice(specs, func(i, j int) bool { return specs[i].ID < specs[j].ID })
	return specs, nil
}

func (s *Memory) DeleteAgent(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.agents[id]; !ok {
		return ErrNotFound
	}
	delete(s.agents, id)
	return nil
}

func (s *Memory) Ping(context.Context) error { return nil }
func (s *Memory) Close() error               { return nil }
