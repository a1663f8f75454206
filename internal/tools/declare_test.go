package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
)

type searchArgs struct {
	Query string `json:"query" jsonschema:"required,description=Search query"`
	Limit int    `json:"limit,omitempty" jsonschema:"description=Max results,default=5"`
}

func TestDeclareSchema(t *testing.T) {
	tool, err := Declare("search", "searches documents",
		func(ctx context.Context, args searchArgs) (string, error) {
			return "", nil
		})
	if err != nil {
		t.Fatalf("Declare() error = %v", err)
	}

	var schema map[string]any
	if err := json.Unmarshal(tool.Schema(), &schema); err != nil {
		t.Fatalf("Schema() is not valid JSON: %v", err)
	}

	if schema["type"] != "object" {
		t.Errorf("schema type = %v, want object", schema["type"])
	}
	if _, present := schema["$schema"]; present {
		t.Error("schema retains $schema key")
	}

	props, ok := schema["properties"].(map[string]any)
	if !ok {
		t.Fatalf("schema has no properties map: %v", schema)
	}
	query, ok := props["query"].(map[string]any)
	if !ok {
		t.Fatalf("properties missing query: %v", props)
	}
	if query["type"] != "string" {
		t.Errorf("query type = %v, want string", query["type"])
	}
	if query["description"] != "Search query" {
		t.Errorf("query description = %v", query["description"])
	}

	required, ok := schema["required"].([]any)
	if !ok || len(required) != 1 || required[0] != "query" {
		t.Errorf("required = %v, want [query]", schema["required"])
	}
}

func TestDeclareExecute(t *testing.T) {
	tool, err := Declare("search", "searches documents",
		func(ctx context.Context, args searchArgs) (string, error) {
			return fmt.Sprintf("query=%s limit=%d", args.Query, args.Limit), nil
		})
	if err != nil {
		t.Fatalf("Declare() error = %v", err)
	}

	result, err := tool.Execute(context.Background(), json.RawMessage(`{"query":"go concurrency","limit":3}`))
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if result != "query=go concurrency limit=3" {
		t.Errorf("Execute() = %q", result)
	}
}

func TestDeclareExecuteMalformedArguments(t *testing.T) {
	tool, err := Declare("search", "searches documents",
		func(ctx context.Context, args searchArgs) (string, error) {
			t.Fatal("handler ran with malformed arguments")
			return "", nil
		})
	if err != nil {
		t.Fatalf("Declare() error = %v", err)
	}

	if _, err := tool.Execute(context.Background(), json.RawMessage(`not json`)); err == nil {
		t.Fatal("Execute() with malformed arguments succeeded, want error")
	}
}

func TestDeclareExecuteEmptyArguments(t *testing.T) {
	tool, err := Declare("whoami", "reports defaults",
		func(ctx context.Context, args searchArgs) (string, error) {
			return fmt.Sprintf("query=%q", args.Query), nil
		})
	if err != nil {
		t.Fatalf("Declare() error = %v", err)
	}

	result, err := tool.Execute(context.Background(), nil)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if result != `query=""` {
		t.Errorf("Execute() = %q, want query=\"\"", result)
	}
}

func TestDeclaredToolRegisters(t *testing.T) {
	tool, err := Declare("search", "searches documents",
		func(ctx context.Context, args searchArgs) (string, error) {
			return args.Query, nil
		})
	if err != nil {
		t.Fatalf("Declare() error = %v", err)
	}

	registry := NewRegistry()
	if err := registry.Register(tool); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	result, err := registry.ExecuteTool(context.Background(), "search", `{"query":"hello"}`)
	if err != nil {
		t.Fatalf("ExecuteTool() error = %v", err)
	}
	if result != "hello" {
		t.Errorf("ExecuteTool() = %q, want %q", result, "hello")
	}
}
