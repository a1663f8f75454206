package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/haasonsaas/parley/internal/observability"
	"github.com/haasonsaas/parley/internal/tools"
	"github.com/haasonsaas/parley/pkg/models"
)

// ToolExecutor runs tool calls requested by the model and shapes the
// results as tool-role messages. Tool failures are never fatal to a
// turn: errors and panics become an error string fed back to the model.
type ToolExecutor struct {
	registry *tools.Registry
	logger   *observability.Logger
	metrics  *observability.Metrics
}

// NewToolExecutor creates an executor over the registry. metrics may be
// nil.
func NewToolExecutor(registry *tools.Registry, logger *observability.Logger, metrics *observability.Metrics) *ToolExecutor {
	return &ToolExecutor{registry: registry, logger: logger, metrics: metrics}
}

// FixToolCalls fills a missing Type with "function". Some providers omit
// it on streamed fragments. ID, name, and arguments pass through
// verbatim; the function is idempotent.
func (e *ToolExecutor) FixToolCalls(calls []models.ToolCall) []models.ToolCall {
	fixed := make([]models.ToolCall, len(calls))
	for i, call := range calls {
		if call.Type == "" {
			call.Type = "function"
		}
		fixed[i] = call
	}
	return fixed
}

// ExecuteToolCall dispatches one call to the registry and returns the
// tool-role message carrying the result. Errors and panics produce
// "Ошибка: <msg>" content so the model can react.
func (e *ToolExecutor) ExecuteToolCall(ctx context.Context, call models.ToolCall, conversationID string) models.Message {
	name := call.Function.Name
	start := time.Now()

	result, err := e.executeSafely(ctx, name, call.Function.Arguments)

	duration := time.Since(start)
	status := "success"
	if err != nil {
		status = "error"
		result = fmt.Sprintf("Ошибка: %v", err)
		e.logger.Warn(ctx, "tool execution failed",
			"tool", name,
			"tool_call_id", call.ID,
			"conversation_id", conversationID,
			"error", err)
	} else {
		e.logger.Debug(ctx, "tool executed",
			"tool", name,
			"tool_call_id", call.ID,
			"duration_ms", duration.Milliseconds())
	}
	if e.metrics != nil {
		e.metrics.RecordToolExecution(name, status, duration.Seconds())
	}

	return models.NewToolMessage(call.ID, result)
}

// executeSafely converts a panicking tool into an error return.
func (e *ToolExecutor) executeSafely(ctx context.Context, name, argsJSON string) (result string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("tool %s panicked: %v", name, r)
		}
	}()
	return e.registry.ExecuteTool(ctx, name, argsJSON)
}

// ExecuteToolCalls runs calls strictly in order and returns the results
// in the same order. Calls within one assistant turn are never
// parallelized: the model reads their results as a sequence.
func (e *ToolExecutor) ExecuteToolCalls(ctx context.Context, calls []models.ToolCall, conversationID string) []models.Message {
	results := make([]models.Message, 0, len(calls))
	for _, call := range calls {
		results = append(results, e.ExecuteToolCall(ctx, call, conversationID))
	}
	return results
}
