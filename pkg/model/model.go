// Package model defines the LLM driver contract: a lazy, cancellable
// stream of generation events over a bounded message history.
//
// Providers yield events through iter.Seq2; breaking out of the range
// loop drops the underlying HTTP stream. Implementations must stop
// producing within 250ms of cancellation and emit FinishError last.
package model

import (
	"context"
	"encoding/json"
	"iter"
)

// EventType discriminates stream events.
type EventType string

const (
	EventTextDelta   EventType = "text_delta"
	EventToolRequest EventType = "tool_request"
	EventUsage       EventType = "usage"
	EventFinish      EventType = "finish"
)

// FinishReason reports why a turn ended.
type FinishReason string

const (
	FinishStop          FinishReason = "stop"
	FinishTool          FinishReason = "tool"
	FinishLength        FinishReason = "length"
	FinishContentFilter FinishReason = "content_filter"
	FinishError         FinishReason = "error"
)

// Event is one element of the generation stream.
type Event struct {
	Type        EventType
	TextDelta   string
	ToolRequest *ToolRequest
	Usage       *Usage
	Finish      FinishReason
}

// ToolRequest is the model asking for a tool invocation.
type ToolRequest struct {
	CallID string
	Name   string
	Input  json.RawMessage
}

// Usage carries token counts, emitted at least at end of turn.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// Message is one history entry sent to the model.
type Message struct {
	Role    string
	Content string
	// ToolCalls echoes the requests of a prior assistant turn.
	ToolCalls []ToolRequest
	// CallID links a tool-role message to the request it answers.
	CallID string
	// Name is the tool name on tool-role messages.
	Name string
}

// ToolDescriptor is a tool definition in the shape function-calling
// APIs expect.
type ToolDescriptor struct {
	Name        string
	Description string
	InputSchema json.RawMessage
}

// Request is one generation turn.
type Request struct {
	Messages    []Message
	Tools       []ToolDescriptor
	Temperature float64
	MaxTokens   int
}

// LLM is the streaming chat driver.
type LLM interface {
	// Name returns the concrete model identifier used for pricing and
	// metrics.
	Name() string
	// Stream drives one generation turn. The sequence ends with a
	// finish event; errors surface through the second value.
	Stream(ctx context.Context, req Request) iter.Seq2[*Event, error]
}
