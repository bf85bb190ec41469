// Package a2a implements the agent-to-agent protocol: JSON-RPC 2.0 over
// HTTP with well-known discovery documents.
//
// # Methods
//
//   - tasks/send   submit a message to an agent, returns a task
//   - tasks/get    poll a task by id
//   - tasks/cancel request cancellation
//
// Short tasks complete synchronously and come back terminal from
// tasks/send; long tasks return a working task the client polls.
package a2a

import (
	"encoding/json"
	"fmt"
	"time"
)

// TaskState is the lifecycle of a remote task.
type TaskState string

const (
	TaskSubmitted TaskState = "submitted"
	TaskWorking   TaskState = "working"
	TaskCompleted TaskState = "completed"
	TaskFailed    TaskState = "failed"
	TaskCanceled  TaskState = "canceled"
)

// IsTerminal reports whether the state is final.
func (s TaskState) IsTerminal() bool {
	switch s {
	case TaskCompleted, TaskFailed, TaskCanceled:
		return true
	}
	return false
}

// Task is the unit of work exchanged between peers.
type Task struct {
	TaskID    string     `json:"taskId"`
	AgentID   string     `json:"agentId,omitempty"`
	Status    TaskState  `json:"status"`
	Result    string     `json:"result,omitempty"`
	Error     *TaskError `json:"error,omitempty"`
	Usage     *TaskUsage `json:"usage,omitempty"`
	RunID     string     `json:"runId,omitempty"`
	CreatedAt time.Time  `json:"createdAt"`
	UpdatedAt time.Time  `json:"updatedAt"`
}

// TaskError reports a failed task with a taxonomy kind.
type TaskError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// TaskUsage propagates child-run token counts to the caller.
type TaskUsage struct {
	InputTokens  int `json:"inputTokens"`
	OutputTokens int `json:"outputTokens"`
}

// ThreadContext carries the caller's conversational context.
type ThreadContext struct {
	ThreadID string `json:"threadId,omitempty"`
	UserID   string `json:"userId,omitempty"`
}

// SendParams are the tasks/send parameters. TaskID, when provided by
// the caller, makes the send idempotent.
type SendParams struct {
	Message       string         `json:"message"`
	ThreadContext *ThreadContext `json:"threadContext,omitempty"`
	ParentRunID   string         `json:"parentRunId,omitempty"`
	TaskID        string         `json:"taskId,omitempty"`
	AgentID       string         `json:"agentId,omitempty"`
}

// TaskRefParams identify a task for tasks/get and tasks/cancel.
type TaskRefParams struct {
	TaskID string `json:"taskId"`
}

// AgentCard is the discovery document of one agent.
type AgentCard struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Description  string   `json:"description"`
	Version      string   `json:"version"`
	Capabilities []string `json:"capabilities"`
	Skills       []string `json:"skills"`
	Endpoint     string   `json:"endpoint"`
}

// Directory lists all active agents of a deployment.
type Directory struct {
	Agents []AgentCard `json:"agents"`
}

// JSON-RPC 2.0 envelope.

const Version = "2.0"

type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// JSON-RPC error codes. AgentUnavailable and TaskNotFound are in the
// implementation-defined server range.
const (
	CodeParse            = -32700
	CodeInvalidRequest   = -32600
	CodeMethodNotFound   = -32601
	CodeInvalidParams    = -32602
	CodeInternal         = -32603
	CodeAgentUnavailable = -32001
	CodeTaskNotFound     = -32002
)

const (
	MethodTasksSend   = "tasks/send"
	MethodTasksGet    = "tasks/get"
	MethodTasksCancel = "tasks/cancel"
)

// Well-known paths.
const (
	AgentCardPath = "/.well-known/agent-card.json"
	DirectoryPath = "/.well-known/agents.json"
	RPCPath       = "/a2a"
)
