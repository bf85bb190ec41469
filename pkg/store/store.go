// Package store is the persistence gateway: typed, idempotent upserts
// over a partitioned key/value store with TTL. Upserts are keyed by
// (entity, id); duplicate writes are last-writer-wins with monotone
// counter protection on runs.
package store

import (
	"context"
	"errors"

	"github.com/castellan-ai/castellan/pkg/config"
)

// ErrNotFound is returned by reads for missing or deleted entities.
var ErrNotFound = errors.New("not found")

// ThreadPage is one page of a thread listing.
type ThreadPage struct {
	Threads  []*Thread `json:"threads"`
	Total    int       `json:"total"`
	Page     int       `json:"page"`
	PageSize int       `json:"pageSize"`
}

// Store is the persistence gateway interface. All writes are idempotent
// upserts; implementations must be safe for concurrent use.
type Store interface {
	PutThread(ctx context.Context, t *Thread) error
	GetThread(ctx context.Context, id string) (*Thread, error)
	// ListThreads pages threads of one owner ordered by lastMessageAt
	// descending; agentID narrows the listing when non-empty.
	ListThreads(ctx context.Context, ownerID, agentID string, limit, offset int) (*ThreadPage, error)
	// DeleteThread soft-deletes: the thread stops appearing in reads
	// but the record is retained until its TTL expires.
	DeleteThread(ctx context.Context, id string) error

	PutMessage(ctx context.Context, m *Message) error
	ListMessages(ctx context.Context, threadID string) ([]*Message, error)

	PutRun(ctx context.Context, r *Run) error
	GetRun(ctx context.Context, id string) (*Run, error)
	ListRuns(ctx context.Context, threadID string) ([]*Run, error)

	PutStep(ctx context.Context, s *Step) error
	ListSteps(ctx context.Context, runID string) ([]*Step, error)

	PutToolCall(ctx context.Context, tc *ToolCall) error
	ListToolCalls(ctx context.Context, runID string) ([]*ToolCall, error)

	PutMetric(ctx context.Context, m *Metric) error

	// AddTokens bumps the per-user daily accumulator consulted by the
	// budget pre-check.
	AddTokens(ctx context.Context, userID, date string, tokens int) error
	TokensUsedOn(ctx context.Context, userID, date string) (int, error)

	PutAgent(ctx context.Context, spec *config.AgentSpec) error
	GetAgent(ctx context.Context, id string) (*config.AgentSpec, error)
	ListAgents(ctx context.Context) ([]*config.AgentSpec, error)
	DeleteAgent(ctx context.Context, id string) error

	Ping(ctx context.Context) error
	Close() error
}
