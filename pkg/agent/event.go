package agent

import (
	"encoding/json"
	"time"
)

// Event frame types. Within one run's stream, trace_start always
// precedes the trace_end carrying the same traceId, and the stream owner
// appends the final done or error frame.
const (
	EventToken       = "token"
	EventTraceStart  = "trace_start"
	EventTraceUpdate = "trace_update"
	EventTraceEnd    = "trace_end"
	EventMessageEnd  = "message_end"
	EventRunEnd      = "run_end"
	EventDone        = "done"
	EventError       = "error"
)

// Trace update kinds.
const (
	UpdateGate = "gate"
)

// Event is one line of the NDJSON wire protocol. Fields are populated
// per type; everything else stays omitted.
type Event struct {
	Type string    `json:"type"`
	TS   time.Time `json:"ts,omitzero"`

	// token
	Content string `json:"content,omitempty"`

	// trace_* and error. Kind doubles as the update kind on
	// trace_update frames and the fault kind on error frames.
	TraceID       string          `json:"traceId,omitempty"`
	ParentTraceID string          `json:"parentTraceId,omitempty"`
	Tool          string          `json:"tool,omitempty"`
	ToolType      string          `json:"toolType,omitempty"`
	Target        string          `json:"target,omitempty"`
	InputPreview  string          `json:"inputPreview,omitempty"`
	Message       string          `json:"message,omitempty"`
	Kind          string          `json:"kind,omitempty"`
	GateToken     string          `json:"gateToken,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	LatencyMs     int64           `json:"latencyMs,omitempty"`
	OutputPreview string          `json:"outputPreview,omitempty"`
	ErrorKind     string          `json:"errorKind,omitempty"`

	// message_end
	MessageID string `json:"messageId,omitempty"`
	Role      string `json:"role,omitempty"`

	// run_end
	RunID   string  `json:"runId,omitempty"`
	Status  string  `json:"status,omitempty"`
	Tokens  int     `json:"tokens,omitempty"`
	CostUSD float64 `json:"costUsd,omitempty"`
}
