package store

import "time"

// Thread groups the messages and runs of one conversation. Exactly one
// of AgentID/WorkflowID is set.
type Thread struct {
	ID            string    `json:"id"`
	OwnerID       string    `json:"ownerId"`
	AgentID       string    `json:"agentId,omitempty"`
	WorkflowID    string    `json:"workflowId,omitempty"`
	Title         string    `json:"title"`
	Status        string    `json:"status"`
	CreatedAt     time.Time `json:"createdAt"`
	LastMessageAt time.Time `json:"lastMessageAt"`
	MessageCount  int       `json:"messageCount"`
}

const (
	ThreadActive  = "active"
	ThreadDeleted = "deleted"
)

// Message is an immutable conversation entry. Ordinal is strictly
// increasing within its thread.
type Message struct {
	ID        string    `json:"id"`
	ThreadID  string    `json:"threadId"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	ToolCalls []Part    `json:"parts,omitempty"`
	Ordinal   int       `json:"ordinal"`
	CreatedAt time.Time `json:"createdAt"`
}

// Part is a structured message fragment, used for tool results.
type Part struct {
	CallID string `json:"callId,omitempty"`
	Name   string `json:"name,omitempty"`
	Data   string `json:"data,omitempty"`
}

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Run is one invocation of an agent. Terminal states are final; token
// counters never decrease.
type Run struct {
	ID           string     `json:"id"`
	ThreadID     string     `json:"threadId"`
	AgentID      string     `json:"agentId"`
	UserID       string     `json:"userId"`
	Status       string     `json:"status"`
	StartedAt    time.Time  `json:"startedAt"`
	EndedAt      *time.Time `json:"endedAt,omitempty"`
	InputTokens  int        `json:"inputTokens"`
	OutputTokens int        `json:"outputTokens"`
	CostUSD      float64    `json:"costUsd"`
	ErrorKind    string     `json:"errorKind,omitempty"`
	ParentRunID  string     `json:"parentRunId,omitempty"`
}

const (
	RunQueued    = "queued"
	RunRunning   = "running"
	RunSucceeded = "succeeded"
	RunFailed    = "failed"
	RunCancelled = "cancelled"
)

// Terminal reports whether status is final.
func Terminal(status string) bool {
	switch status {
	case RunSucceeded, RunFailed, RunCancelled:
		return true
	}
	return false
}

// Step is one unit of work within a run.
type Step struct {
	ID           string     `json:"id"`
	RunID        string     `json:"runId"`
	Ordinal      int        `json:"ordinal"`
	Kind         string     `json:"kind"`
	Status       string     `json:"status"`
	StartedAt    time.Time  `json:"startedAt"`
	EndedAt      *time.Time `json:"endedAt,omitempty"`
	ParentStepID string     `json:"parentStepId,omitempty"`
}

const (
	StepReasoning = "reasoning"
	StepToolCall  = "tool_call"
	StepMessage   = "message"
	StepHandoff   = "handoff"
	StepGate      = "gate"

	StepInProgress = "in_progress"
	StepSucceeded  = "succeeded"
	StepFailed     = "failed"
)

// ToolCall records one tool invocation tied to a tool_call step. Output
// is persisted in full even when the LLM context sees a truncated copy.
type ToolCall struct {
	ID         string    `json:"id"`
	StepID     string    `json:"stepId"`
	RunID      string    `json:"runId"`
	ToolType   string    `json:"toolType"`
	ToolName   string    `json:"toolName"`
	Target     string    `json:"target,omitempty"`
	Input      string    `json:"input"`
	InputHash  string    `json:"inputHash"`
	Output     string    `json:"output,omitempty"`
	OutputHash string    `json:"outputHash,omitempty"`
	Status     string    `json:"status"`
	LatencyMs  int64     `json:"latencyMs"`
	ErrorKind  string    `json:"errorKind,omitempty"`
	Cached     bool      `json:"cached"`
	Truncated  bool      `json:"truncated"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Metric is an append-only usage record, partitioned by date.
type Metric struct {
	ID        string    `json:"id"`
	Date      string    `json:"date"`
	UserID    string    `json:"userId"`
	AgentID   string    `json:"agentId"`
	RunID     string    `json:"runId"`
	Model     string    `json:"model"`
	TokensIn  int       `json:"tokensIn"`
	TokensOut int       `json:"tokensOut"`
	CostUSD   float64   `json:"costUsd"`
	LatencyMs int64     `json:"latencyMs"`
	CreatedAt time.Time `json:"createdAt"`
}

// mergeRun folds a new Run snapshot over an existing one, protecting
// monotone counters and the single terminal transition.
func mergeRun(existing, next *Run) *Run {
	if existing == nil {
		return next
	}
	merged := *next
	if Terminal(existing.Status) && !Terminal(next.Status) {
		merged.Status = existing.Status
		merged.EndedAt = existing.EndedAt
		merged.ErrorKind = existing.ErrorKind
	}
	if existing.InputTokens > merged.InputTokens {
		merged.InputTokens = existing.InputTokens
	}
	if existing.OutputTokens > merged.OutputTokens {
		merged.OutputTokens = existing.OutputTokens
	}
	if existing.CostUSD > merged.CostUSD {
		merged.CostUSD = existing.CostUSD
	}
	return &merged
}
