package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"
)

// Declare builds a Tool from a typed handler. The parameter schema is
// reflected from the Args struct's json and jsonschema tags:
//
//	type SearchArgs struct {
//	    Query string `json:"query" jsonschema:"required,description=Search query"`
//	    Limit int    `json:"limit,omitempty" jsonschema:"description=Max results,default=5"`
//	}
//
// Arguments are unmarshaled into Args before the handler runs; malformed
// JSON fails Execute without invoking the handler.
func Declare[Args any](name, description string, fn func(ctx context.Context, args Args) (string, error)) (Tool, error) {
	schema, err := reflectSchema[Args]()
	if err != nil {
		return nil, fmt.Errorf("declare %s: %w", name, err)
	}
	return NewTool(name, description, schema, func(ctx context.Context, raw json.RawMessage) (string, error) {
		var args Args
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &args); err != nil {
				return "", fmt.Errorf("invalid arguments: %w", err)
			}
		}
		return fn(ctx, args)
	}), nil
}

// MustDeclare is Declare that panics on schema reflection errors. Meant
// for startup-time tool construction where the Args type is fixed.
func MustDeclare[Args any](name, description string, fn func(ctx context.Context, args Args) (string, error)) Tool {
	tool, err := Declare(name, description, fn)
	if err != nil {
		panic(err)
	}
	return tool
}

func reflectSchema[Args any]() (json.RawMessage, error) {
	reflector := &jsonschema.Reflector{
		RequiredFromJSONSchemaTags: true,
		ExpandedStruct:             true,
		DoNotReference:             true,
	}
	schema := reflector.Reflect(new(Args))

	data, err := json.Marshal(schema)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}

	// $schema and $id carry no meaning for providers.
	delete(m, "$schema")
	delete(m, "$id")

	// Some providers reject object schemas without a properties map.
	if m["type"] == "object" {
		if _, ok := m["properties"]; !ok {
			m["properties"] = map[string]any{}
		}
	}
	return json.Marshal(m)
}
