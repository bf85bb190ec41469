// Package tool defines the tool invocation contract and the typed
// registry agents build their tool sets from.
//
// A Tool is safe for concurrent Invoke unless its factory documents
// otherwise; the bundled adapters (http, mcp, a2a, function) all are.
package tool

import (
	"context"
	"encoding/json"

	"github.com/castellan-ai/castellan/pkg/model"
)

// Tool types understood by the registry.
const (
	TypeHTTP     = "http"
	TypeMCP      = "mcp"
	TypeA2A      = "a2a"
	TypeFunction = "function"
	TypeAgent    = "agent"
)

// Definition describes a tool instance: its registry identity and the
// schema handed to the LLM for function calling.
type Definition struct {
	Type        string
	Name        string
	Description string
	Target      string
	InputSchema json.RawMessage
}

// Descriptor converts to the LLM driver's shape.
func (d Definition) Descriptor() model.ToolDescriptor {
	schema := d.InputSchema
	if len(schema) == 0 {
		schema = json.RawMessage(`{"type":"object","properties":{}}`)
	}
	return model.ToolDescriptor{
		Name:        d.Name,
		Description: d.Description,
		InputSchema: schema,
	}
}

// Result is a successful invocation's output. Usage is populated only
// by adapters that know their token cost (a2a propagates child usage).
type Result struct {
	Output string
	Usage  *model.Usage
}

// Tool is the invocation contract shared by all adapters.
type Tool interface {
	Definition() Definition
	Invoke(ctx context.Context, input json.RawMessage) (*Result, error)
}
