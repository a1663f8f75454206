// Package tools defines the tool contract and the process-wide registry
// the agent draws callable tools from. A tool returns one opaque string;
// by convention human-readable output is fine, and results beginning
// with "Ошибка" or "❌" indicate failure to the model without failing
// the turn.
package tools

import (
	"context"
	"encoding/json"
)

// Tool is one callable capability exposed to the model.
// Implementations must be safe for concurrent execution unless they
// serialize internally.
type Tool interface {
	Name() string
	Description() string

	// Schema returns the JSON-Schema parameter descriptor.
	Schema() json.RawMessage

	// Execute runs the tool with raw JSON arguments and returns an
	// opaque result string.
	Execute(ctx context.Context, args json.RawMessage) (string, error)
}

// FuncTool adapts a plain function to the Tool contract with an
// explicit schema.
type FuncTool struct {
	name        string
	description string
	schema      json.RawMessage
	fn          func(ctx context.Context, args json.RawMessage) (string, error)
}

// NewTool builds a FuncTool. The schema is the JSON-Schema parameter
// descriptor passed to providers verbatim.
func NewTool(name, description string, schema json.RawMessage, fn func(ctx context.Context, args json.RawMessage) (string, error)) *FuncTool {
	return &FuncTool{
		name:        name,
		description: description,
		schema:      schema,
		fn:          fn,
	}
}

func (t *FuncTool) Name() string            { return t.name }
func (t *FuncTool) Description() string     { return t.description }
func (t *FuncTool) Schema() json.RawMessage { return t.schema }

func (t *FuncTool) Execute(ctx context.Context, args json.RawMessage) (string, error) {
	return t.fn(ctx, args)
}
