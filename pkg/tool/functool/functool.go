// Package functool adapts in-process Go functions into tools. Input
// schemas are reflected from the argument struct's json tags.
package functool

import (
	"context"
	"encoding/json"

	"github.com/invopop/jsonschema"

	"github.com/castellan-ai/castellan/pkg/fault"
	"github.com/castellan-ai/castellan/pkg/tool"
)

type funcTool[T any] struct {
	def tool.Definition
	fn  func(ctx context.Context, input T) (string, error)
}

// New wraps fn as a tool. T's schema is derived by reflection;
// cancellation is cooperative through ctx.
func New[T any](name, description string, fn func(ctx context.Context, input T) (string, error)) tool.Tool {
	reflector := jsonschema.Reflector{
		Anonymous:      true,
		DoNotReference: true,
	}
	var zero T
	schema := reflector.Reflect(zero)
	schema.Version = ""
	raw, err := json.Marshal(schema)
	if err != nil {
		raw = json.RawMessage(`{"type":"object"}`)
	}
	return &funcTool[T]{
		def: tool.Definition{
			Type:        tool.TypeFunction,
			Name:        name,
			Description: description,
			InputSchema: raw,
		},
		fn: fn,
	}
}

func (t *funcTool[T]) Definition() tool.Definition { return t.def }

func (t *funcTool[T]) Invoke(ctx context.Context, input json.RawMessage) (*tool.Result, error) {
	var args T
	if len(input) > 0 {
		if err := json.Unmarshal(input, &args); err != nil {
			return nil, fault.Wrap(fault.ToolInvocationError, err, "decoding input for %s", t.def.Name)
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, fault.Wrap(fault.Cancelled, err, "invoking %s", t.def.Name)
	}
	out, err := t.fn(ctx, args)
	if err != nil {
		return nil, fault.Wrap(fault.ToolInvocationError, err, "%s failed", t.def.Name)
	}
	return &tool.Result{Output: out}, nil
}
