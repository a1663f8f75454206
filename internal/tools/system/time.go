// Package system provides host-level tools.
package system

import (
	"context"
	"encoding/json"
	"time"

	"github.com/haasonsaas/parley/internal/tools"
)

// NewCurrentTimeTool reports the current time. Built explicitly with a
// hand-written schema: it takes no arguments.
func NewCurrentTimeTool() tools.Tool {
	schema := json.RawMessage(`{
		"type": "object",
		"properties": {
			"format": {
				"type": "string",
				"description": "Go layout string; RFC3339 when omitted"
			}
		}
	}`)
	return tools.NewTool(
		"get_current_time",
		"Возвращает текущее время сервера",
		schema,
		func(_ context.Context, args json.RawMessage) (string, error) {
			layout := time.RFC3339
			if len(args) > 0 {
				var input struct {
					Format string `json:"format"`
				}
				if err := json.Unmarshal(args, &input); err == nil && input.Format != "" {
					layout = input.Format
				}
			}
			return time.Now().Format(layout), nil
		},
	)
}

// Register adds the system tools to the registry.
func Register(registry *tools.Registry) error {
	return registry.Register(NewCurrentTimeTool())
}
