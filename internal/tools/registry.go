package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/haasonsaas/parley/pkg/models"
)

// Tool and parameter limits guarding against resource exhaustion.
const (
	// MaxToolNameLength is the maximum length of a tool name.
	MaxToolNameLength = 256

	// MaxToolParamsSize is the maximum size of tool parameters JSON (10MB).
	MaxToolParamsSize = 10 << 20
)

// ErrToolNotFound is returned by ExecuteTool for unregistered names.
var ErrToolNotFound = errors.New("tool not found")

// Registry holds the registered tools. Registration happens at startup;
// lookups and execution run concurrently afterwards. Registration order
// is preserved so the schema list presented to the model is stable.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
	order []string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		tools: make(map[string]Tool),
	}
}

// Register validates and adds a tool. A tool with the same name
// replaces the existing one in place.
func (r *Registry) Register(tool Tool) error {
	name := tool.Name()
	if name == "" {
		return errors.New("tool name is empty")
	}
	if len(name) > MaxToolNameLength {
		return fmt.Errorf("tool name %q exceeds maximum length of %d characters", name[:32], MaxToolNameLength)
	}

	schema := tool.Schema()
	if len(schema) > MaxToolParamsSize {
		return fmt.Errorf("tool %s: parameter schema exceeds maximum size of %d bytes", name, MaxToolParamsSize)
	}
	if len(schema) > 0 {
		if _, err := jsonschema.CompileString(name+".schema.json", string(schema)); err != nil {
			return fmt.Errorf("tool %s: invalid parameter schema: %w", name, err)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[name]; !exists {
		r.order = append(r.order, name)
	}
	r.tools[name] = tool
	return nil
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	return tool, ok
}

// GetAllTools returns the provider-facing schemas in registration order.
func (r *Registry) GetAllTools() []models.ToolSchema {
	r.mu.RLock()
	defer r.mu.RUnlock()

	schemas := make([]models.ToolSchema, 0, len(r.order))
	for _, name := range r.order {
		tool := r.tools[name]
		schemas = append(schemas, models.ToolSchema{
			Type: "function",
			Function: models.FunctionDef{
				Name:        tool.Name(),
				Description: tool.Description(),
				Parameters:  tool.Schema(),
			},
		})
	}
	return schemas
}

// GetToolNames returns the registered names in registration order.
func (r *Registry) GetToolNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, len(r.order))
	copy(names, r.order)
	return names
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// ExecuteTool runs a tool by name with raw JSON arguments. The result
// string is opaque to the registry.
func (r *Registry) ExecuteTool(ctx context.Context, name, argsJSON string) (string, error) {
	if len(name) > MaxToolNameLength {
		return "", fmt.Errorf("tool name exceeds maximum length of %d characters", MaxToolNameLength)
	}
	if len(argsJSON) > MaxToolParamsSize {
		return "", fmt.Errorf("tool %s: arguments exceed maximum size of %d bytes", name, MaxToolParamsSize)
	}

	r.mu.RLock()
	tool, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}
	return tool.Execute(ctx, json.RawMessage(argsJSON))
}
